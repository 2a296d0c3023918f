package render

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	activity "activitylog/internal/activity/models"
)

// NDJSON streams one JSON object per line.
type NDJSON struct{}

func (NDJSON) Render(ctx context.Context, w io.Writer, src Source, _ []string) (Result, error) {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)

	var res Result
	err := src.Stream(ctx, BatchSize, func(batch []activity.Event) error {
		for i := range batch {
			if err := enc.Encode(&batch[i]); err != nil {
				return fmt.Errorf("encode event %s: %w", batch[i].ID, err)
			}
			res.Rows++
		}
		return bw.Flush()
	})
	if flushErr := bw.Flush(); err == nil {
		err = flushErr
	}
	res.Total = res.Rows
	return res, err
}
