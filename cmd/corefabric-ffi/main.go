// Command corefabric-ffi is not a runnable binary; it is built with
// `go build -buildmode=c-archive` (or c-shared) to produce the ingress
// boundary described in spec §4.1: four functions (init, publish,
// load_plugin, free) crossing the language boundary by raw pointer handoff,
// accepting columnar record batches in the Arrow C Data Interface's wire
// layout.
//
// The ArrowArray/ArrowSchema descriptors themselves cross by pointer with
// no copy, but their buffer payloads are copied into Go-owned memory
// during decode (see decodeColumn), so a queued event holds no pointers
// into foreign memory. On a successful publish the descriptors' release
// callbacks are bound to the event and run when the event is destroyed.
//
// Ownership contract: corefabric_publish takes logical ownership of the
// ArrowArray/ArrowSchema descriptors passed in. Their release callbacks
// are invoked exactly once, whether the publish succeeds, fails validation,
// or the engine is later torn down with the event still queued.
package main

/*
#include <stdlib.h>
#include "arrow_cdata.h"
*/
import "C"

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
	"unsafe"

	"corefabric/internal/engine"
	"corefabric/internal/event"
	"corefabric/internal/logging"
	"corefabric/internal/ringbuffer"
)

// Status codes returned across the boundary, per spec §4.1.
const (
	statusOK               C.int = 0
	statusNullArgument     C.int = -1
	statusBufferFull       C.int = -2
	statusMalformedPayload C.int = -4
)

type handleEntry struct {
	eng *engine.Engine
}

var (
	handleMu   sync.Mutex
	handles    = make(map[C.uint64_t]*handleEntry)
	nextHandle C.uint64_t = 1
)

var ffiLogger = logging.Default(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))).With("component", "corefabric-ffi")

//export corefabric_init
func corefabric_init(capacity C.int) C.uint64_t {
	if capacity <= 0 {
		return 0
	}

	eng := engine.New(context.Background(), engine.Config{QueueCapacity: int(capacity)}, ffiLogger)
	eng.Start()

	handleMu.Lock()
	defer handleMu.Unlock()
	h := nextHandle
	nextHandle++
	handles[h] = &handleEntry{eng: eng}
	return h
}

//export corefabric_publish
func corefabric_publish(handle C.uint64_t, arrayPtr *C.struct_ArrowArray, schemaPtr *C.struct_ArrowSchema, sourceID C.uint32_t, seqNo C.uint64_t) C.int {
	if arrayPtr == nil || schemaPtr == nil {
		return statusNullArgument
	}

	entry, ok := lookupHandle(handle)
	if !ok {
		return statusNullArgument
	}

	batch, err := decodeRecordBatch(schemaPtr, arrayPtr)
	if err != nil {
		ffiLogger.Warn("malformed publish descriptor", "error", err)
		C.corefabric_release_array(arrayPtr)
		C.corefabric_release_schema(schemaPtr)
		return statusMalformedPayload
	}

	var released bool
	release := func() {
		if released {
			return
		}
		released = true
		C.corefabric_release_array(arrayPtr)
		C.corefabric_release_schema(schemaPtr)
	}

	ev := event.NewEvent(uint32(sourceID), uint64(seqNo), time.Now().UnixNano(), batch).WithRelease(release)

	if err := entry.eng.Publish(ev); err != nil {
		release()
		if errors.Is(err, ringbuffer.ErrBufferFull) {
			return statusBufferFull
		}
		return statusMalformedPayload
	}
	return statusOK
}

//export corefabric_load_plugin
func corefabric_load_plugin(handle C.uint64_t, bytecode *C.uint8_t, bytecodeLen C.size_t) C.int {
	if bytecode == nil || bytecodeLen == 0 {
		return statusNullArgument
	}
	entry, ok := lookupHandle(handle)
	if !ok {
		return statusNullArgument
	}

	buf := C.GoBytes(unsafe.Pointer(bytecode), C.int(bytecodeLen))
	if _, err := entry.eng.Plugins().Load(context.Background(), buf); err != nil {
		ffiLogger.Warn("plugin load failed", "error", err)
		return statusMalformedPayload
	}
	return statusOK
}

//export corefabric_free
func corefabric_free(handle C.uint64_t) {
	handleMu.Lock()
	entry, ok := handles[handle]
	if ok {
		delete(handles, handle)
	}
	handleMu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := entry.eng.Stop(ctx); err != nil {
		ffiLogger.Warn("engine stop error during free", "error", err)
	}
}

func lookupHandle(h C.uint64_t) (*handleEntry, bool) {
	handleMu.Lock()
	defer handleMu.Unlock()
	entry, ok := handles[h]
	return entry, ok
}

// decodeRecordBatch interprets the foreign array as a top-level struct
// array whose fields are the record batch's columns (spec §4.1). It never
// takes ownership of arrayPtr/schemaPtr; the caller releases them.
func decodeRecordBatch(schema *C.struct_ArrowSchema, array *C.struct_ArrowArray) (*event.RecordBatch, error) {
	if schema.format == nil || C.GoString(schema.format) != "+s" {
		return nil, fmt.Errorf("root schema is not a struct type")
	}
	if schema.n_children != array.n_children {
		return nil, fmt.Errorf("schema declares %d children, array has %d", schema.n_children, array.n_children)
	}
	if schema.n_children < 0 || array.length < 0 {
		return nil, fmt.Errorf("negative child count or row count")
	}

	n := int(schema.n_children)
	rows := int(array.length)

	batch := &event.RecordBatch{NumRows: rows}
	if n == 0 {
		return batch, nil
	}
	if schema.children == nil || array.children == nil {
		return nil, fmt.Errorf("nil children array with n_children=%d", n)
	}

	schemaChildren := unsafe.Slice(schema.children, n)
	arrayChildren := unsafe.Slice(array.children, n)

	for i := 0; i < n; i++ {
		colSchema := schemaChildren[i]
		colArray := arrayChildren[i]
		if colSchema == nil || colArray == nil {
			return nil, fmt.Errorf("nil column descriptor at index %d", i)
		}
		if colSchema.name == nil || colSchema.format == nil {
			return nil, fmt.Errorf("column %d missing name or format", i)
		}

		name := C.GoString(colSchema.name)
		kind, err := columnKind(C.GoString(colSchema.format))
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", name, err)
		}
		col, err := decodeColumn(name, kind, colArray, rows)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", name, err)
		}

		batch.Schema.Columns = append(batch.Schema.Columns, event.ColumnDescriptor{Name: name, Kind: kind})
		batch.Columns = append(batch.Columns, col)
	}

	if err := batch.Validate(); err != nil {
		return nil, err
	}
	return batch, nil
}

// columnKind maps an Arrow C Data Interface format string to the subset of
// primitive types the ingress boundary accepts.
func columnKind(format string) (event.ColumnKind, error) {
	switch format {
	case "l":
		return event.ColumnInt64, nil
	case "g":
		return event.ColumnFloat64, nil
	case "u":
		return event.ColumnUTF8, nil
	case "b":
		return event.ColumnBool, nil
	default:
		return 0, fmt.Errorf("unsupported column format %q", format)
	}
}

// decodeColumn copies one column's buffers into a Go-owned event.Column.
// The resulting column holds its own bytes rather than aliasing the foreign
// memory, even though the handoff into this function is by pointer; the
// foreign descriptors are released separately, by the caller on failure or
// by the event's Destroy on success.
func decodeColumn(name string, kind event.ColumnKind, arr *C.struct_ArrowArray, rows int) (event.Column, error) {
	nBuf := int(arr.n_buffers)
	if nBuf < 2 || arr.buffers == nil {
		return event.Column{}, fmt.Errorf("expected at least 2 buffers, got %d", nBuf)
	}
	buffers := unsafe.Slice(arr.buffers, nBuf)

	switch kind {
	case event.ColumnInt64:
		if buffers[1] == nil {
			return event.Column{}, fmt.Errorf("missing data buffer")
		}
		data := C.GoBytes(buffers[1], C.int(rows*8))
		return event.Column{Name: name, Kind: kind, Data: data}, nil

	case event.ColumnFloat64:
		if buffers[1] == nil {
			return event.Column{}, fmt.Errorf("missing data buffer")
		}
		data := C.GoBytes(buffers[1], C.int(rows*8))
		return event.Column{Name: name, Kind: kind, Data: data}, nil

	case event.ColumnBool:
		if buffers[1] == nil {
			return event.Column{}, fmt.Errorf("missing data buffer")
		}
		nbytes := (rows + 7) / 8
		data := C.GoBytes(buffers[1], C.int(nbytes))
		return event.Column{Name: name, Kind: kind, Data: data}, nil

	case event.ColumnUTF8:
		if nBuf < 3 {
			return event.Column{}, fmt.Errorf("utf8 column needs 3 buffers, got %d", nBuf)
		}
		if buffers[1] == nil || buffers[2] == nil {
			return event.Column{}, fmt.Errorf("missing offsets or data buffer")
		}
		offsetsBytes := C.GoBytes(buffers[1], C.int((rows+1)*4))
		offsets := make([]int32, rows+1)
		for i := range offsets {
			offsets[i] = int32(uint32(offsetsBytes[i*4]) | uint32(offsetsBytes[i*4+1])<<8 | uint32(offsetsBytes[i*4+2])<<16 | uint32(offsetsBytes[i*4+3])<<24)
		}
		if offsets[rows] < 0 {
			return event.Column{}, fmt.Errorf("negative cumulative offset")
		}
		data := C.GoBytes(buffers[2], C.int(offsets[rows]))
		return event.Column{Name: name, Kind: kind, Data: data, Offsets: offsets}, nil

	default:
		return event.Column{}, fmt.Errorf("unhandled column kind %v", kind)
	}
}

func main() {
	panic("corefabric-ffi is a cgo library target; build with -buildmode=c-archive or c-shared")
}
