package writebatch

import (
	"context"
	"time"

	"github.com/mevdschee/pgdogproxy/metrics"
)

// StartAdaptiveAdjustment runs the adaptive delay adjustment loop. The
// delay it tracks is pure observability: Prometheus gauges for the
// current throughput and delay estimate. It never overrides a
// client's explicit batch:N hint, which always drives Enqueue's
// batchMs argument directly; this loop only reports what delay the
// current write rate would justify.
func (m *Manager) StartAdaptiveAdjustment(ctx context.Context) {
	interval := time.Duration(m.config.MetricsInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sampleThroughput()
			m.adjustDelay()
		}
	}
}

// sampleThroughput drains the ops counter accumulated since the last
// tick and converts it to an ops/second rate.
func (m *Manager) sampleThroughput() {
	ops := m.opsCounter.Swap(0)
	interval := uint64(m.config.MetricsInterval)
	if interval == 0 {
		interval = 1
	}
	m.opsPerSecond.Store(ops / interval)
}

// adjustDelay adjusts the batch delay based on current throughput
func (m *Manager) adjustDelay() {
	currentOps := m.opsPerSecond.Load()
	currentDelay := m.currentDelay.Load()

	metrics.WriteOpsPerSecond.WithLabelValues(m.shardLabel).Set(float64(currentOps))
	metrics.WriteCurrentDelay.WithLabelValues(m.shardLabel).Set(float64(currentDelay) / 1000.0)

	threshold := m.config.WriteThreshold

	switch {
	case currentOps > threshold:
		// High write rate - increase delay to batch more
		newDelay := int64(float64(currentDelay) * m.config.AdaptiveStep)
		maxDelay := int64(m.config.MaxDelayMs) * 1000 // to microseconds
		if newDelay > maxDelay {
			newDelay = maxDelay
		}
		if newDelay != currentDelay {
			m.currentDelay.Store(newDelay)
			metrics.WriteDelayAdjustments.WithLabelValues("increase", m.shardLabel).Inc()
		}
	case currentOps < threshold/2 && currentOps > 0:
		// Low write rate - decrease delay for lower latency
		newDelay := int64(float64(currentDelay) / m.config.AdaptiveStep)
		minDelay := int64(m.config.MinDelayMs) * 1000 // to microseconds
		if newDelay < minDelay {
			newDelay = minDelay
		}
		if newDelay != currentDelay {
			m.currentDelay.Store(newDelay)
			metrics.WriteDelayAdjustments.WithLabelValues("decrease", m.shardLabel).Inc()
		}
	}
	// If ops is between threshold/2 and threshold, keep current delay
}

// GetCurrentDelay returns the current delay in milliseconds
func (m *Manager) GetCurrentDelay() float64 {
	return float64(m.currentDelay.Load()) / 1000.0
}

// GetOpsPerSecond returns the current throughput
func (m *Manager) GetOpsPerSecond() uint64 {
	return m.opsPerSecond.Load()
}
