// Package flight streams per-token trace records to an Arrow Flight
// endpoint. It is wired behind an optional CLI flag; when no collector is
// listening the run proceeds without tracing.
package flight

import (
	"context"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-bodkin/internal/logger"
)

const flushEvery = 64

// traceSchema is one row per generated position. The probability column is
// null for greedy steps, where the distribution never leaves the GPU.
var traceSchema = arrow.NewSchema([]arrow.Field{
	{Name: "pos", Type: arrow.PrimitiveTypes.Int32},
	{Name: "token", Type: arrow.PrimitiveTypes.Int32},
	{Name: "probs", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32), Nullable: true},
}, nil)

// Exporter buffers trace rows and ships them as Arrow record batches over
// a Flight DoPut stream.
type Exporter struct {
	client  flight.Client
	writer  *flight.Writer
	builder *array.RecordBuilder
	rows    int
}

// Dial connects to the collector and opens the DoPut stream.
func Dial(ctx context.Context, addr string) (*Exporter, error) {
	client, err := flight.NewFlightClient(addr, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("flight dial %s: %w", addr, err)
	}

	stream, err := client.DoPut(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("flight DoPut: %w", err)
	}

	wr := flight.NewRecordWriter(stream, ipc.WithSchema(traceSchema))
	wr.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{"bodkin", "trace", time.Now().UTC().Format(time.RFC3339)},
	})

	logger.Log.Info("flight trace export connected", "addr", addr)
	return &Exporter{
		client:  client,
		writer:  wr,
		builder: array.NewRecordBuilder(memory.DefaultAllocator, traceSchema),
	}, nil
}

// Record implements the engine trace sink. probs may be nil; it is copied
// into the batch immediately, so the caller may reuse the slice.
func (e *Exporter) Record(pos, token int, probs []float32) {
	e.builder.Field(0).(*array.Int32Builder).Append(int32(pos))
	e.builder.Field(1).(*array.Int32Builder).Append(int32(token))

	lb := e.builder.Field(2).(*array.ListBuilder)
	if probs == nil {
		lb.AppendNull()
	} else {
		lb.Append(true)
		lb.ValueBuilder().(*array.Float32Builder).AppendValues(probs, nil)
	}

	e.rows++
	if e.rows >= flushEvery {
		e.flush()
	}
}

func (e *Exporter) flush() {
	if e.rows == 0 {
		return
	}
	rec := e.builder.NewRecord()
	defer rec.Release()
	if err := e.writer.Write(rec); err != nil {
		logger.Log.Warn("flight batch write failed", "rows", e.rows, "error", err)
	}
	e.rows = 0
}

// Close flushes the tail batch and shuts the stream down.
func (e *Exporter) Close() error {
	e.flush()
	e.builder.Release()
	if err := e.writer.Close(); err != nil {
		logger.Log.Warn("flight stream close failed", "error", err)
	}
	return e.client.Close()
}
