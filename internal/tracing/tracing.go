package tracing

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation name of the store's tracer.
const TracerName = "github.com/gxo-labs/kvsettings"

// Span attribute keys.
const (
	AttrBackend = attribute.Key("kvsettings.storage.backend")
	AttrPath    = attribute.Key("kvsettings.storage.path")
	AttrRecords = attribute.Key("kvsettings.records")
	AttrBytes   = attribute.Key("kvsettings.bytes_written")
)

// StorageAttributes returns the attributes identifying a storage backend.
func StorageAttributes(backend, path string) []attribute.KeyValue {
	return []attribute.KeyValue{AttrBackend.String(backend), AttrPath.String(path)}
}

// RecordError marks span as failed with err. Setting values never appear in
// store errors, so the message is recorded as-is.
func RecordError(span oteltrace.Span, err error) {
	if err == nil || span == nil || !span.IsRecording() {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
