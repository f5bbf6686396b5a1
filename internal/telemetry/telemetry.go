// Package telemetry tracks engine-wide counters using atomic fields, in the
// same style as the orchestrator's per-ingester IngesterStats: plain
// sync/atomic counters safe for concurrent reads (admin surface) and writes
// (consumer loop hot path), with no locking and no allocation per update.
package telemetry

import "sync/atomic"

// Stats holds the engine's running counters. The zero value is ready to use.
type Stats struct {
	EventsPopped  atomic.Int64
	EventsAccepted atomic.Int64
	EventsDropped atomic.Int64
	EventsTrapped atomic.Int64 // accepted/dropped count reflects only non-trap outcomes
	BytesProcessed atomic.Int64
	PluginInvocations atomic.Int64
	QueueFullPushes atomic.Int64 // producer-side: Push returned ErrBufferFull
}

// RecordAccept records one event that every plugin accepted.
func (s *Stats) RecordAccept(payloadBytes int) {
	s.EventsPopped.Add(1)
	s.EventsAccepted.Add(1)
	s.BytesProcessed.Add(int64(payloadBytes))
}

// RecordDrop records one event that some plugin dropped.
func (s *Stats) RecordDrop(payloadBytes int) {
	s.EventsPopped.Add(1)
	s.EventsDropped.Add(1)
	s.BytesProcessed.Add(int64(payloadBytes))
}

// RecordTrap records one event during whose dispatch at least one plugin
// trapped.
func (s *Stats) RecordTrap(payloadBytes int) {
	s.EventsPopped.Add(1)
	s.EventsTrapped.Add(1)
	s.BytesProcessed.Add(int64(payloadBytes))
}

// RecordPluginInvocation increments the count of on_event calls made,
// regardless of outcome. Used to compute average plugins-per-event.
func (s *Stats) RecordPluginInvocation() {
	s.PluginInvocations.Add(1)
}

// RecordQueueFull records one producer-observed ErrBufferFull.
func (s *Stats) RecordQueueFull() {
	s.QueueFullPushes.Add(1)
}

// Snapshot is a point-in-time copy of Stats suitable for JSON encoding on
// the admin surface.
type Snapshot struct {
	EventsPopped      int64 `json:"events_popped"`
	EventsAccepted    int64 `json:"events_accepted"`
	EventsDropped     int64 `json:"events_dropped"`
	EventsTrapped     int64 `json:"events_trapped"`
	BytesProcessed    int64 `json:"bytes_processed"`
	PluginInvocations int64 `json:"plugin_invocations"`
	QueueFullPushes   int64 `json:"queue_full_pushes"`
}

// Snapshot reads every counter. Individual loads are not mutually
// atomic, so the result is an approximation under concurrent updates, which
// is acceptable for a diagnostics endpoint.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		EventsPopped:      s.EventsPopped.Load(),
		EventsAccepted:    s.EventsAccepted.Load(),
		EventsDropped:     s.EventsDropped.Load(),
		EventsTrapped:     s.EventsTrapped.Load(),
		BytesProcessed:    s.BytesProcessed.Load(),
		PluginInvocations: s.PluginInvocations.Load(),
		QueueFullPushes:   s.QueueFullPushes.Load(),
	}
}
