// Package render writes filtered event sets in the supported export formats.
//
// CSV and NDJSON stream batch by batch and never hold more than one batch in
// memory. PDF and XML need the whole document, so they materialize a bounded
// prefix and close with a marker naming how many events were left out.
package render

import (
	"context"
	"errors"
	"fmt"
	"io"

	activity "activitylog/internal/activity/models"
	"activitylog/internal/export/models"
)

const (
	// BatchSize is the page size requested from the event store.
	BatchSize = 1000
	// PDFRowCap bounds the rows laid out in a PDF document.
	PDFRowCap = 10_000
	// XMLRowCap bounds the rows written to an XML document.
	XMLRowCap = 50_000
)

// Source yields the events of one export, newest first.
type Source interface {
	Stream(ctx context.Context, batchSize int, fn func([]activity.Event) error) error
	Count(ctx context.Context) (int64, error)
}

// Result summarizes a render.
type Result struct {
	Rows  int64
	Total int64
}

// Omitted is the number of matching events left out of a truncated document.
func (r Result) Omitted() int64 {
	if r.Total <= r.Rows {
		return 0
	}
	return r.Total - r.Rows
}

// Renderer writes one format.
type Renderer interface {
	Render(ctx context.Context, w io.Writer, src Source, fields []string) (Result, error)
}

// Set maps formats to renderers.
type Set map[models.Format]Renderer

// NewSet wires the four standard renderers.
func NewSet(pdf *PDF) Set {
	return Set{
		models.FormatCSV:    CSV{},
		models.FormatNDJSON: NDJSON{},
		models.FormatPDF:    pdf,
		models.FormatXML:    XML{},
	}
}

// For returns the renderer of f.
func (s Set) For(f models.Format) (Renderer, error) {
	r, ok := s[f]
	if !ok || r == nil {
		return nil, fmt.Errorf("no renderer for format %s", f)
	}
	return r, nil
}

var errCapReached = errors.New("row cap reached")

// collect materializes at most limit events and counts the rest.
func collect(ctx context.Context, src Source, limit int) ([]activity.Event, Result, error) {
	events := make([]activity.Event, 0, min(limit, BatchSize))
	capped := false
	err := src.Stream(ctx, BatchSize, func(batch []activity.Event) error {
		room := limit - len(events)
		if len(batch) > room {
			events = append(events, batch[:room]...)
			capped = true
			return errCapReached
		}
		events = append(events, batch...)
		if len(events) == limit {
			capped = true
			return errCapReached
		}
		return nil
	})
	if err != nil && !errors.Is(err, errCapReached) {
		return nil, Result{}, err
	}
	res := Result{Rows: int64(len(events)), Total: int64(len(events))}
	if capped {
		total, err := src.Count(ctx)
		if err != nil {
			return nil, Result{}, fmt.Errorf("count matching events: %w", err)
		}
		res.Total = max(total, res.Rows)
	}
	return events, res, nil
}

// MoreMarker is the trailing line of a truncated document.
func MoreMarker(n int64) string {
	if n == 1 {
		return "1 more event"
	}
	return fmt.Sprintf("%d more events", n)
}
