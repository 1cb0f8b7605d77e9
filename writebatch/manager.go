package writebatch

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Manager coalesces writes against one pooled backend server. ServerID
// and Shard identify that server for logging and metrics; every Manager
// in a pool is independent, so a batch never spans two servers.
type Manager struct {
	groups     sync.Map // map[string]*BatchGroup
	config     Config
	db         *sql.DB
	serverID   int
	shard      int
	shardLabel string
	closed     atomic.Bool
	batchCount atomic.Int64

	opsCounter   atomic.Uint64 // writes observed since the last adaptive sample
	opsPerSecond atomic.Uint64
	currentDelay atomic.Int64 // microseconds
}

// BatchCount returns the total number of batches executed since the manager was created.
func (m *Manager) BatchCount() int64 {
	return m.batchCount.Load()
}

// New creates a write batch manager bound to one pooled server.
func New(db *sql.DB, serverID, shard int, config Config) *Manager {
	m := &Manager{
		db:         db,
		serverID:   serverID,
		shard:      shard,
		shardLabel: strconv.Itoa(shard),
		config:     config,
	}
	initialDelay := int64(config.MinDelayMs+config.MaxDelayMs) * 1000 / 2
	m.currentDelay.Store(initialDelay)
	return m
}

// Enqueue adds a write operation to the batch queue and waits for its result.
// batchMs is the maximum wait time in milliseconds (0 = execute immediately).
func (m *Manager) Enqueue(ctx context.Context, batchKey, query string, params []interface{}, batchMs int, onBatchComplete func(int)) WriteResult {
	if m.closed.Load() {
		return WriteResult{Error: ErrManagerClosed}
	}

	hasReturning := hasReturningClause(query)

	// If no wait time specified, execute immediately (no batching)
	if batchMs == 0 {
		result := m.executeWrite(ctx, query, params, hasReturning)
		m.updateThroughput(1)
		result.BatchSize = 1
		if onBatchComplete != nil {
			onBatchComplete(result.BatchSize)
		}
		return result
	}

	req := &WriteRequest{
		Query:           query,
		Params:          params,
		ResultChan:      make(chan WriteResult, 1),
		EnqueuedAt:      time.Now(),
		OnBatchComplete: onBatchComplete,
		HasReturning:    hasReturning,
	}

	groupInterface, loaded := m.groups.Load(batchKey)
	if !loaded {
		newGroup := &BatchGroup{
			BatchKey:  batchKey,
			Requests:  make([]*WriteRequest, 0, m.config.MaxBatchSize),
			FirstSeen: time.Now(),
		}
		groupInterface, loaded = m.groups.LoadOrStore(batchKey, newGroup)
	}
	group := groupInterface.(*BatchGroup)

	group.mu.Lock()
	isFirst := len(group.Requests) == 0
	if group.Requests == nil {
		// The group we looked up was already drained by executeBatch
		// between Load and Lock; retry against a fresh group.
		group.mu.Unlock()
		return m.Enqueue(ctx, batchKey, query, params, batchMs, onBatchComplete)
	}
	group.Requests = append(group.Requests, req)
	currentSize := len(group.Requests)

	if isFirst {
		delay := time.Duration(batchMs) * time.Millisecond
		group.timer = time.AfterFunc(delay, func() {
			m.executeBatch(batchKey, group)
		})
		group.mu.Unlock()
	} else if currentSize >= m.config.MaxBatchSize {
		timer := group.timer
		m.groups.Delete(batchKey)
		group.mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		go m.executeBatch(batchKey, group)
	} else {
		group.mu.Unlock()
	}

	select {
	case result := <-req.ResultChan:
		return result
	case <-ctx.Done():
		return WriteResult{Error: ctx.Err()}
	case <-time.After(30 * time.Second):
		return WriteResult{Error: ErrTimeout}
	}
}

// Close shuts down the manager and waits for in-flight batches
func (m *Manager) Close() error {
	m.closed.Store(true)
	time.Sleep(200 * time.Millisecond)
	return nil
}

// updateThroughput records that n writes just completed, feeding the
// adaptive sampler's next per-second rate calculation.
func (m *Manager) updateThroughput(n int) {
	m.opsCounter.Add(uint64(n))
}

// hasReturningClause checks if a query contains a RETURNING clause
func hasReturningClause(query string) bool {
	q := strings.ToUpper(query)
	return strings.Contains(q, " RETURNING ")
}
