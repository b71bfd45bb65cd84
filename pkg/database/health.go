package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// HealthStatus reports connectivity, schema readiness, and pool statistics.
type HealthStatus struct {
	Status          string `json:"status"`
	ResponseTime    int64  `json:"response_time_ms"`
	EventsTable     bool   `json:"events_table"`
	OpenConnections int    `json:"open_connections"`
	InUse           int    `json:"in_use"`
	Idle            int    `json:"idle"`
	WaitCount       int64  `json:"wait_count"`
	WaitDuration    int64  `json:"wait_duration_ms"`
	MaxOpenConns    int    `json:"max_open_conns"`
}

// Health pings the database and checks that the events table exists in
// the connection's search_path.
func Health(ctx context.Context, db *sql.DB) (*HealthStatus, error) {
	start := time.Now()

	if err := db.PingContext(ctx); err != nil {
		return &HealthStatus{
			Status:       "unhealthy",
			ResponseTime: time.Since(start).Milliseconds(),
		}, err
	}

	var table sql.NullString
	if err := db.QueryRowContext(ctx, `SELECT to_regclass('events')::text`).Scan(&table); err != nil {
		return &HealthStatus{
			Status:       "unhealthy",
			ResponseTime: time.Since(start).Milliseconds(),
		}, fmt.Errorf("failed to check events table: %w", err)
	}

	stats := db.Stats()
	status := "healthy"
	if !table.Valid {
		status = "degraded"
	}

	return &HealthStatus{
		Status:          status,
		ResponseTime:    time.Since(start).Milliseconds(),
		EventsTable:     table.Valid,
		OpenConnections: stats.OpenConnections,
		InUse:           stats.InUse,
		Idle:            stats.Idle,
		WaitCount:       stats.WaitCount,
		WaitDuration:    stats.WaitDuration.Milliseconds(),
		MaxOpenConns:    stats.MaxOpenConnections,
	}, nil
}
