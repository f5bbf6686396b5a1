// Package event defines the data the ring buffer carries: a header plus an
// optional columnar record batch payload.
//
// Events are movable values with no aliasing between producer and consumer —
// once an Event is pushed onto the ring buffer, the producer must not retain
// references into its payload's backing buffers.
package event

import "fmt"

// ColumnKind identifies the primitive type stored in a Column's buffer.
type ColumnKind int

const (
	ColumnInt64 ColumnKind = iota
	ColumnFloat64
	ColumnUTF8
	ColumnBool
)

func (k ColumnKind) String() string {
	switch k {
	case ColumnInt64:
		return "int64"
	case ColumnFloat64:
		return "float64"
	case ColumnUTF8:
		return "utf8"
	case ColumnBool:
		return "bool"
	default:
		return "unknown"
	}
}

// Column is one typed, named field of a record batch's schema together with
// its buffer of values. Offsets index into Data for variable-width kinds
// (ColumnUTF8); fixed-width kinds read Data directly.
type Column struct {
	Name   string
	Kind   ColumnKind
	Data   []byte
	Offsets []int32 // only meaningful for ColumnUTF8
}

// Schema is an ordered list of typed columns shared by every row in a
// RecordBatch.
type Schema struct {
	Columns []ColumnDescriptor
}

// ColumnDescriptor names and types a column without carrying its data; it is
// the schema-only counterpart of Column.
type ColumnDescriptor struct {
	Name string
	Kind ColumnKind
}

// RecordBatch is an ordered set of equal-length typed columns under a shared
// schema — the payload carried by an Event.
type RecordBatch struct {
	Schema  Schema
	Columns []Column
	NumRows int
}

// Validate reports whether the batch is internally consistent: the same
// number of columns as the schema describes, matching names/kinds in order,
// and (for fixed-width columns) a buffer length consistent with NumRows.
func (b RecordBatch) Validate() error {
	if len(b.Columns) != len(b.Schema.Columns) {
		return fmt.Errorf("record batch: %d columns, schema declares %d", len(b.Columns), len(b.Schema.Columns))
	}
	for i, col := range b.Columns {
		desc := b.Schema.Columns[i]
		if col.Name != desc.Name || col.Kind != desc.Kind {
			return fmt.Errorf("record batch: column %d is %s:%s, schema declares %s:%s", i, col.Name, col.Kind, desc.Name, desc.Kind)
		}
		want := -1
		switch col.Kind {
		case ColumnInt64, ColumnFloat64:
			want = b.NumRows * 8
		case ColumnBool:
			want = (b.NumRows + 7) / 8
		}
		if want >= 0 && len(col.Data) != want {
			return fmt.Errorf("record batch: column %d (%s) has %d bytes, want %d for %d rows", i, col.Name, len(col.Data), want, b.NumRows)
		}
	}
	return nil
}

// Header carries the metadata every Event has regardless of whether it
// carries a payload.
type Header struct {
	SourceID  uint32
	SeqNo     uint64
	Timestamp int64 // wall-clock nanoseconds since the epoch
	Flags     uint32
}

// Flag bits recognized in Header.Flags.
const (
	FlagNone      uint32 = 0
	FlagHeartbeat uint32 = 1 << 0 // header-only event, no payload expected
)

// Event is the unit of work that flows from the ingress boundary, through
// the ring buffer, to the consumer loop and plugin host.
//
// Invariant: for a fixed SourceID, SeqNo values delivered to the consumer
// are strictly increasing — the ring buffer preserves per-producer order
// (see internal/ringbuffer). Timestamps are not required to be monotonic.
type Event struct {
	Header  Header
	Payload *RecordBatch // nil for header-only events (heartbeats)

	// release is invoked exactly once when the event is destroyed, to
	// satisfy the zero-copy foreign-ownership contract at the ingress
	// boundary (spec §4.1). nil for events that own their own memory
	// (e.g. constructed entirely in Go, as in tests).
	release func()
}

// NewEvent constructs an Event that owns no foreign resources.
func NewEvent(sourceID uint32, seqNo uint64, timestampNs int64, payload *RecordBatch) Event {
	return Event{
		Header: Header{
			SourceID:  sourceID,
			SeqNo:     seqNo,
			Timestamp: timestampNs,
		},
		Payload: payload,
	}
}

// WithRelease attaches a release callback that Destroy will invoke exactly
// once. Used by the ingress boundary to bind the foreign descriptors'
// release function pointers to the Go-side event lifetime.
func (e Event) WithRelease(release func()) Event {
	e.release = release
	return e
}

// Destroy releases any foreign resources the event holds. Safe to call
// exactly once; additional calls are no-ops. The consumer loop and the
// ring buffer's teardown path both call Destroy on every event they are
// done with, satisfying the "released exactly once" invariant (spec §8.3).
func (e *Event) Destroy() {
	if e.release == nil {
		return
	}
	release := e.release
	e.release = nil
	release()
}
