package storage

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// RegisterPoolMetrics exposes connection-pool gauges (total, idle,
// acquired, overflow) through the global OTEL meter provider. Call after
// telemetry.Init.
func (db *DB) RegisterPoolMetrics() {
	meter := otel.Meter("cadence.storage")

	total, err := meter.Int64ObservableGauge("db.pool.total_conns",
		metric.WithDescription("Total connections in the pool"))
	if err != nil {
		db.logger.Warn("storage: register pool metrics", "error", err)
		return
	}
	idle, err := meter.Int64ObservableGauge("db.pool.idle_conns",
		metric.WithDescription("Idle (checked-in) connections"))
	if err != nil {
		db.logger.Warn("storage: register pool metrics", "error", err)
		return
	}
	acquired, err := meter.Int64ObservableGauge("db.pool.acquired_conns",
		metric.WithDescription("Acquired (checked-out) connections"))
	if err != nil {
		db.logger.Warn("storage: register pool metrics", "error", err)
		return
	}
	overflow, err := meter.Int64ObservableGauge("db.pool.empty_acquires",
		metric.WithDescription("Acquires that waited because the pool was empty"))
	if err != nil {
		db.logger.Warn("storage: register pool metrics", "error", err)
		return
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := db.pool.Stat()
		o.ObserveInt64(total, int64(s.TotalConns()))
		o.ObserveInt64(idle, int64(s.IdleConns()))
		o.ObserveInt64(acquired, int64(s.AcquiredConns()))
		o.ObserveInt64(overflow, s.EmptyAcquireCount())
		return nil
	}, total, idle, acquired, overflow)
	if err != nil {
		db.logger.Warn("storage: register pool metrics callback", "error", err)
	}
}
