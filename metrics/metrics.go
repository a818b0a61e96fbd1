package metrics

import (
	"context"
	"time"
)

// Metrics represents the current state of the delivery engine.
type Metrics struct {
	// StatusCounts maps delivery status name to count of deliveries in that status
	StatusCounts map[string]int64 `json:"status_counts"`

	// DueBacklog is the number of attempts waiting in the due schedule
	DueBacklog int64 `json:"due_backlog"`

	// Throughput represents deliveries completed per time window
	Throughput ThroughputMetrics `json:"throughput"`

	// Workers reports the scheduler's worker pool occupancy
	Workers WorkerSlots `json:"workers"`

	// Timestamp when metrics were collected
	Timestamp time.Time `json:"timestamp"`
}

// ThroughputMetrics represents successful deliveries over different time windows.
type ThroughputMetrics struct {
	// LastMinute is deliveries completed in the last 1 minute
	LastMinute int64 `json:"last_minute"`

	// LastFiveMinutes is deliveries completed in the last 5 minutes
	LastFiveMinutes int64 `json:"last_five_minutes"`

	// LastFifteenMinutes is deliveries completed in the last 15 minutes
	LastFifteenMinutes int64 `json:"last_fifteen_minutes"`
}

// WorkerSlots represents the bounded worker pool's occupancy.
type WorkerSlots struct {
	// InFlight is the number of slots currently executing attempts
	InFlight int64 `json:"in_flight"`

	// Capacity is the total number of worker slots
	Capacity int64 `json:"capacity"`
}

// SlotSource exposes the scheduler's worker pool occupancy to the collector.
type SlotSource interface {
	InFlight() int
	WorkerCapacity() int
}

// Collector defines the interface for collecting metrics from the delivery engine.
type Collector interface {
	// Collect gathers current metrics from the system
	Collect(ctx context.Context) (Metrics, error)

	// GetStatusCounts returns the count of deliveries by status
	GetStatusCounts(ctx context.Context) (map[string]int64, error)

	// GetDueBacklog returns the number of attempts in the due schedule
	GetDueBacklog(ctx context.Context) (int64, error)

	// GetThroughput returns deliveries completed over time windows
	GetThroughput(ctx context.Context) (ThroughputMetrics, error)

	// GetWorkerSlots returns the worker pool occupancy
	GetWorkerSlots(ctx context.Context) (WorkerSlots, error)
}
