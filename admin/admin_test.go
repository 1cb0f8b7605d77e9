package admin

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/mevdschee/pgdogproxy/pool"
	"github.com/mevdschee/pgdogproxy/prepared"
	"github.com/mevdschee/pgdogproxy/wire"
)

func testCluster() *pool.Cluster {
	c := pool.NewCluster()
	primary := pool.New("app", 0, pool.RolePrimary, []string{"postgres://user@127.0.0.1:1/db"}, pool.Options{})
	replica := pool.New("app", 0, pool.RoleReplica, []string{"postgres://user@127.0.0.1:2/db"}, pool.Options{})
	c.AddShard("app", 0, &pool.ShardPools{Primary: primary, Replicas: []*pool.Pool{replica}})
	return c
}

func TestBanByIDThenUnbanByID(t *testing.T) {
	c := testCluster()
	infos := c.AllPools()
	if len(infos) != 2 {
		t.Fatalf("expected 2 pool entries, got %d", len(infos))
	}
	id := infos[0].PoolID

	if err := c.BanByID(id, pool.BanManual); err != nil {
		t.Fatalf("BanByID: %v", err)
	}
	banned := c.AllPools()
	if banned[0].State != pool.StateBanned {
		t.Fatalf("expected server %d banned, got %+v", id, banned[0])
	}

	if err := c.UnbanByID(id); err != nil {
		t.Fatalf("UnbanByID: %v", err)
	}
	unbanned := c.AllPools()
	if unbanned[0].State != pool.StateUp {
		t.Fatalf("expected server %d back up, got %+v", id, unbanned[0])
	}
}

func TestBanByIDUnknownIDErrors(t *testing.T) {
	c := testCluster()
	if err := c.BanByID(999, pool.BanManual); err == nil {
		t.Fatalf("expected error for unknown pool id")
	}
}

func TestBanAllAndUnbanAll(t *testing.T) {
	c := testCluster()
	c.BanAll(pool.BanManual)
	for _, info := range c.AllPools() {
		if info.State != pool.StateBanned {
			t.Fatalf("expected all servers banned, got %+v", info)
		}
	}
	c.UnbanAll()
	for _, info := range c.AllPools() {
		if info.State != pool.StateUp {
			t.Fatalf("expected all servers unbanned, got %+v", info)
		}
	}
}

func TestDispatchBanBareCommandCompletesAll(t *testing.T) {
	c := testCluster()
	msgs := Dispatch(context.Background(), c, prepared.New(), AdminBan, 0, false, "")
	if len(msgs) != 1 || msgs[0].Code != 'C' {
		t.Fatalf("expected one CommandComplete, got %+v", msgs)
	}
	for _, info := range c.AllPools() {
		if info.State != pool.StateBanned {
			t.Fatalf("expected bare BAN to ban every server, got %+v", info)
		}
	}
}

func TestDispatchProbeReturnsLatencyRow(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msgs := Dispatch(ctx, testCluster(), prepared.New(), AdminProbe, 0, false, ln.Addr().String())
	if len(msgs) != 3 {
		t.Fatalf("expected RowDescription+DataRow+CommandComplete, got %+v", msgs)
	}
	if msgs[0].Code != wire.CodeRowDescription {
		t.Fatalf("expected RowDescription first, got %+v", msgs[0])
	}
	if msgs[1].Code != 'D' {
		t.Fatalf("expected DataRow second, got %+v", msgs[1])
	}
}

func TestDispatchProbeBadAddressErrors(t *testing.T) {
	msgs := Dispatch(context.Background(), testCluster(), prepared.New(), AdminProbe, 0, false, "127.0.0.1:1")
	if len(msgs) != 1 || msgs[0].Code != 'E' {
		t.Fatalf("expected ErrorResponse for unreachable probe target, got %+v", msgs)
	}
}

func TestDispatchShowPreparedStatements(t *testing.T) {
	st := prepared.New()
	fp := prepared.NewFingerprint("SELECT 1", nil)
	name := st.Acquire(fp, "SELECT 1")

	msgs := Dispatch(context.Background(), testCluster(), st, AdminShowPreparedStatements, 0, false, "")
	if len(msgs) != 3 {
		t.Fatalf("expected RowDescription+one DataRow+CommandComplete, got %d messages", len(msgs))
	}
	if msgs[0].Code != wire.CodeRowDescription {
		t.Fatalf("expected RowDescription first, got %+v", msgs[0])
	}
	if msgs[len(msgs)-1].Code != 'C' {
		t.Fatalf("expected trailing CommandComplete, got %+v", msgs[len(msgs)-1])
	}
	_ = name
}
