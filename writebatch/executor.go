package writebatch

import (
	"context"
	"database/sql"
	"time"

	"github.com/mevdschee/pgdogproxy/metrics"
)

// executeBatch executes a batch of write requests
func (m *Manager) executeBatch(batchKey string, group *BatchGroup) {
	if m.closed.Load() {
		group.mu.Lock()
		requests := group.Requests
		group.mu.Unlock()
		failAll(requests, ErrManagerClosed)
		return
	}

	group.mu.Lock()
	requests := group.Requests
	batchSize := len(requests)
	group.Requests = nil
	group.mu.Unlock()

	// Try to delete this group from the map (it might already be deleted if batch was full)
	m.groups.CompareAndDelete(batchKey, group)

	if batchSize == 0 {
		return
	}

	start := time.Now()
	ctx := context.Background()
	if batchSize == 1 {
		m.executeSingle(ctx, requests[0])
	} else {
		m.executeBatchedWrites(ctx, requests)
	}

	m.updateThroughput(batchSize)
	m.batchCount.Add(1)

	metrics.WriteBatchSize.WithLabelValues(m.shardLabel).Observe(float64(batchSize))
	metrics.WriteBatchDelay.WithLabelValues(m.shardLabel).Observe(start.Sub(group.FirstSeen).Seconds())
	metrics.WriteBatchLatency.WithLabelValues(m.shardLabel).Observe(time.Since(start).Seconds())
	metrics.WriteBatchedTotal.WithLabelValues(m.shardLabel).Add(float64(batchSize))
}

// executeSingle executes a single write request
func (m *Manager) executeSingle(ctx context.Context, req *WriteRequest) {
	result := m.executeWrite(ctx, req.Query, req.Params, req.HasReturning)
	result.BatchSize = 1
	req.ResultChan <- result
}

// executeBatchedWrites executes multiple write requests
func (m *Manager) executeBatchedWrites(ctx context.Context, requests []*WriteRequest) {
	allSame := true
	firstQuery := requests[0].Query
	for _, req := range requests[1:] {
		if req.Query != firstQuery {
			allSame = false
			break
		}
	}

	if allSame {
		m.executePreparedBatch(ctx, requests)
	} else {
		m.executeTransactionBatch(ctx, requests)
	}
}

// executePreparedBatch executes identical queries using a prepared statement
func (m *Manager) executePreparedBatch(ctx context.Context, requests []*WriteRequest) {
	stmt, err := m.db.PrepareContext(ctx, requests[0].Query)
	if err != nil {
		failAll(requests, err)
		return
	}
	defer stmt.Close()

	hasReturning := requests[0].HasReturning
	for _, req := range requests {
		var result WriteResult
		if hasReturning {
			result = execReturningStmt(ctx, stmt, req.Params)
		} else {
			res, err := stmt.ExecContext(ctx, req.Params...)
			if err != nil {
				result = WriteResult{Error: err}
			} else {
				affected, _ := res.RowsAffected()
				result = WriteResult{AffectedRows: affected}
			}
		}
		result.BatchSize = len(requests)
		req.ResultChan <- result
	}
}

// executeTransactionBatch executes mixed queries in a transaction
func (m *Manager) executeTransactionBatch(ctx context.Context, requests []*WriteRequest) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		failAll(requests, err)
		return
	}

	results := make([]WriteResult, len(requests))

	for i, req := range requests {
		if req.HasReturning {
			rows, err := tx.QueryContext(ctx, req.Query, req.Params...)
			if err != nil {
				tx.Rollback()
				failAll(requests, err)
				return
			}
			values, err := scanReturningRows(rows)
			rows.Close()
			if err != nil {
				tx.Rollback()
				failAll(requests, err)
				return
			}
			results[i] = WriteResult{AffectedRows: int64(len(values)), ReturningValues: values}
			continue
		}

		res, err := tx.ExecContext(ctx, req.Query, req.Params...)
		if err != nil {
			tx.Rollback()
			failAll(requests, err)
			return
		}
		affected, _ := res.RowsAffected()
		results[i] = WriteResult{AffectedRows: affected}
	}

	if err := tx.Commit(); err != nil {
		failAll(requests, err)
		return
	}

	for i, req := range requests {
		results[i].BatchSize = len(requests)
		req.ResultChan <- results[i]
	}
}

// executeWrite runs a single write immediately, outside of any batch.
// Queries with a RETURNING clause go through QueryContext so their
// returned rows can be read back; lib/pq's Result.LastInsertId is not
// meaningful for Postgres, which is why callers needing a generated
// key must add RETURNING instead.
func (m *Manager) executeWrite(ctx context.Context, query string, params []interface{}, hasReturning bool) WriteResult {
	if hasReturning {
		rows, err := m.db.QueryContext(ctx, query, params...)
		if err != nil {
			return WriteResult{Error: err}
		}
		defer rows.Close()
		values, err := scanReturningRows(rows)
		if err != nil {
			return WriteResult{Error: err}
		}
		return WriteResult{AffectedRows: int64(len(values)), ReturningValues: values}
	}

	result, err := m.db.ExecContext(ctx, query, params...)
	if err != nil {
		return WriteResult{Error: err}
	}
	affected, _ := result.RowsAffected()
	return WriteResult{AffectedRows: affected}
}

// execReturningStmt runs a prepared statement expected to carry a
// RETURNING clause and collects its result rows.
func execReturningStmt(ctx context.Context, stmt *sql.Stmt, params []interface{}) WriteResult {
	rows, err := stmt.QueryContext(ctx, params...)
	if err != nil {
		return WriteResult{Error: err}
	}
	defer rows.Close()
	values, err := scanReturningRows(rows)
	if err != nil {
		return WriteResult{Error: err}
	}
	return WriteResult{AffectedRows: int64(len(values)), ReturningValues: values}
}

// scanReturningRows reads every row of a RETURNING result set into a
// slice of untyped columns, one slice per row.
func scanReturningRows(rows *sql.Rows) ([][]interface{}, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out [][]interface{}
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		out = append(out, vals)
	}
	return out, rows.Err()
}

// failAll delivers the same error to every request in a batch.
func failAll(requests []*WriteRequest, err error) {
	for _, req := range requests {
		req.ResultChan <- WriteResult{Error: err}
	}
}
