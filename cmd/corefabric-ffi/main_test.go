package main

/*
#include <stdlib.h>
#include <string.h>
#include "arrow_cdata.h"

static int release_calls = 0;

static void counting_release_schema(struct ArrowSchema* s) {
	release_calls++;
	free(s->private_data);
}

static void counting_release_array(struct ArrowArray* a) {
	release_calls++;
	free(a->private_data);
}

// make_int64_column builds a one-column struct schema/array pair: a single
// int64 column named "value" with the given rows. Both carry a counting
// release so tests can assert "released exactly once".
static void make_int64_column(struct ArrowSchema* schema, struct ArrowArray* array, int64_t* values, int64_t n) {
	struct ArrowSchema* col_schema = malloc(sizeof(struct ArrowSchema));
	col_schema->format = "l";
	col_schema->name = "value";
	col_schema->metadata = NULL;
	col_schema->flags = 0;
	col_schema->n_children = 0;
	col_schema->children = NULL;
	col_schema->dictionary = NULL;
	col_schema->release = counting_release_schema;
	col_schema->private_data = NULL;

	struct ArrowSchema** schema_children = malloc(sizeof(struct ArrowSchema*));
	schema_children[0] = col_schema;

	schema->format = "+s";
	schema->name = NULL;
	schema->metadata = NULL;
	schema->flags = 0;
	schema->n_children = 1;
	schema->children = schema_children;
	schema->dictionary = NULL;
	schema->release = counting_release_schema;
	schema->private_data = schema_children;

	const void** buffers = malloc(sizeof(void*) * 2);
	buffers[0] = NULL;
	buffers[1] = values;

	struct ArrowArray* col_array = malloc(sizeof(struct ArrowArray));
	col_array->length = n;
	col_array->null_count = 0;
	col_array->offset = 0;
	col_array->n_buffers = 2;
	col_array->n_children = 0;
	col_array->buffers = buffers;
	col_array->children = NULL;
	col_array->dictionary = NULL;
	col_array->release = counting_release_array;
	col_array->private_data = NULL;

	struct ArrowArray** array_children = malloc(sizeof(struct ArrowArray*));
	array_children[0] = col_array;

	array->length = n;
	array->null_count = 0;
	array->offset = 0;
	array->n_buffers = 1;
	array->n_children = 1;
	array->buffers = NULL;
	array->children = array_children;
	array->dictionary = NULL;
	array->release = counting_release_array;
	array->private_data = array_children;
}

static void make_malformed_schema(struct ArrowSchema* schema, struct ArrowArray* array) {
	schema->format = "l"; // not "+s": malformed root
	schema->name = NULL;
	schema->metadata = NULL;
	schema->flags = 0;
	schema->n_children = 0;
	schema->children = NULL;
	schema->dictionary = NULL;
	schema->release = counting_release_schema;
	schema->private_data = NULL;

	array->length = 0;
	array->null_count = 0;
	array->offset = 0;
	array->n_buffers = 0;
	array->n_children = 0;
	array->buffers = NULL;
	array->children = NULL;
	array->dictionary = NULL;
	array->release = counting_release_array;
	array->private_data = NULL;
}
*/
import "C"

import (
	"testing"

	"corefabric/internal/event"
)

func TestDecodeRecordBatchInt64Column(t *testing.T) {
	values := []C.int64_t{10, 20, 30}

	var schema C.struct_ArrowSchema
	var array C.struct_ArrowArray
	C.make_int64_column(&schema, &array, &values[0], C.int64_t(len(values)))
	defer C.corefabric_release_schema(&schema)
	defer C.corefabric_release_array(&array)

	batch, err := decodeRecordBatch(&schema, &array)
	if err != nil {
		t.Fatalf("decodeRecordBatch: %v", err)
	}
	if batch.NumRows != 3 {
		t.Fatalf("NumRows = %d, want 3", batch.NumRows)
	}
	if len(batch.Columns) != 1 || batch.Columns[0].Name != "value" || batch.Columns[0].Kind != event.ColumnInt64 {
		t.Fatalf("unexpected columns: %+v", batch.Columns)
	}
	if len(batch.Columns[0].Data) != 24 {
		t.Fatalf("data len = %d, want 24", len(batch.Columns[0].Data))
	}
}

func TestDecodeRecordBatchRejectsMalformedRootSchema(t *testing.T) {
	var schema C.struct_ArrowSchema
	var array C.struct_ArrowArray
	C.make_malformed_schema(&schema, &array)

	_, err := decodeRecordBatch(&schema, &array)
	if err == nil {
		t.Fatal("expected an error for a non-struct root schema")
	}
}

func TestPublishReleasesDescriptorsExactlyOnceOnMalformedSchema(t *testing.T) {
	C.release_calls = 0

	var schema C.struct_ArrowSchema
	var array C.struct_ArrowArray
	C.make_malformed_schema(&schema, &array)

	handle := corefabric_init(16)
	if handle == 0 {
		t.Fatal("init failed")
	}
	defer corefabric_free(handle)

	status := corefabric_publish(handle, &array, &schema, 1, 1)
	if status != statusMalformedPayload {
		t.Fatalf("status = %d, want %d", status, statusMalformedPayload)
	}
	if C.release_calls != 2 {
		t.Fatalf("release_calls = %d, want 2 (one array, one schema)", C.release_calls)
	}
}

func TestColumnKindRejectsUnknownFormat(t *testing.T) {
	if _, err := columnKind("z"); err == nil {
		t.Fatal("expected an error for an unrecognized format string")
	}
}
