package pool

import (
	"context"
	"testing"
	"time"
)

func newTestPool(n int) *Pool {
	addrs := make([]string, n)
	for i := range addrs {
		addrs[i] = "postgres://user@127.0.0.1:1/db"
	}
	return New("app", 0, RolePrimary, addrs, Options{
		BanDuration:    50 * time.Millisecond,
		ConnectTimeout: 100 * time.Millisecond,
	})
}

func TestCheckoutNoServersReturnsTypedError(t *testing.T) {
	p := New("app", 0, RolePrimary, nil, Options{})
	_, err := p.Checkout(context.Background(), time.Second)
	perr, ok := err.(*Error)
	if !ok || perr.Kind != KindNoPrimary {
		t.Fatalf("expected KindNoPrimary, got %v", err)
	}
}

func TestCheckoutNoReplicasReturnsTypedError(t *testing.T) {
	p := New("app", 0, RoleReplica, nil, Options{})
	_, err := p.Checkout(context.Background(), time.Second)
	perr, ok := err.(*Error)
	if !ok || perr.Kind != KindNoReplicas {
		t.Fatalf("expected KindNoReplicas, got %v", err)
	}
}

func TestTryLeaseLockedRoundRobinsAndMarksInUse(t *testing.T) {
	p := newTestPool(2)
	first := p.tryLeaseLocked()
	if first == nil {
		t.Fatal("expected a leasable server")
	}
	if !first.inUse {
		t.Fatal("expected leased server marked in use")
	}
	second := p.tryLeaseLocked()
	if second == nil || second.ID == first.ID {
		t.Fatalf("expected round-robin to pick a different server, got %d and %d", first.ID, second.ID)
	}
	if p.tryLeaseLocked() != nil {
		t.Fatal("expected no free server once both are leased")
	}
}

func TestBanExcludesServerFromLease(t *testing.T) {
	p := newTestPool(1)
	if err := p.Ban(0, BanManual); err != nil {
		t.Fatalf("Ban: %v", err)
	}
	if p.tryLeaseLocked() != nil {
		t.Fatal("expected banned server to be unleasable")
	}
}

func TestUnbanRestoresLease(t *testing.T) {
	p := newTestPool(1)
	_ = p.Ban(0, BanManual)
	if err := p.Unban(0); err != nil {
		t.Fatalf("Unban: %v", err)
	}
	if p.tryLeaseLocked() == nil {
		t.Fatal("expected unbanned server to be leasable again")
	}
}

func TestBanAutoExpiresAfterDuration(t *testing.T) {
	p := newTestPool(1)
	_ = p.Ban(0, BanHealthcheck)
	if p.tryLeaseLocked() != nil {
		t.Fatal("expected server still banned immediately after Ban")
	}
	time.Sleep(75 * time.Millisecond)
	if p.tryLeaseLocked() == nil {
		t.Fatal("expected ban to auto-expire after BanDuration")
	}
}

func TestReleaseWakesWaiter(t *testing.T) {
	p := newTestPool(1)
	srv := p.tryLeaseLocked()
	if srv == nil {
		t.Fatal("expected to lease the only server")
	}

	woke := make(chan struct{}, 1)
	p.mu.Lock()
	wake := make(chan struct{}, 1)
	p.waiters = append(p.waiters, wake)
	p.mu.Unlock()
	go func() {
		<-wake
		woke <- struct{}{}
	}()

	p.releaseLocked(srv, true)

	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("expected release to wake the waiting checkout")
	}
}

func TestPoolsEnumeratesServers(t *testing.T) {
	p := newTestPool(3)
	infos := p.Pools()
	if len(infos) != 3 {
		t.Fatalf("expected 3 server infos, got %d", len(infos))
	}
}

func TestClusterCheckoutUnknownDatabase(t *testing.T) {
	c := NewCluster()
	_, err := c.Checkout(context.Background(), "missing", 0, RolePrimary, time.Second)
	perr, ok := err.(*Error)
	if !ok || perr.Kind != KindNoDatabases {
		t.Fatalf("expected KindNoDatabases, got %v", err)
	}
}

func TestClusterCheckoutUnknownShard(t *testing.T) {
	c := NewCluster()
	c.AddShard("app", 0, &ShardPools{Primary: newTestPool(1)})
	_, err := c.Checkout(context.Background(), "app", 5, RolePrimary, time.Second)
	perr, ok := err.(*Error)
	if !ok || perr.Kind != KindNoShard || perr.Shard != 5 {
		t.Fatalf("expected KindNoShard(5), got %v", err)
	}
}
