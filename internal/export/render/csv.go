package render

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"

	activity "activitylog/internal/activity/models"
)

// CSV streams one row per event with a header of the projected paths.
type CSV struct{}

func (CSV) Render(ctx context.Context, w io.Writer, src Source, fields []string) (Result, error) {
	if len(fields) == 0 {
		fields = DefaultColumns
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(fields); err != nil {
		return Result{}, fmt.Errorf("write csv header: %w", err)
	}

	var res Result
	row := make([]string, len(fields))
	err := src.Stream(ctx, BatchSize, func(batch []activity.Event) error {
		for i := range batch {
			for c, path := range fields {
				row[c] = FieldValue(&batch[i], path)
			}
			if err := cw.Write(row); err != nil {
				return fmt.Errorf("write csv row: %w", err)
			}
			res.Rows++
		}
		cw.Flush()
		return cw.Error()
	})
	cw.Flush()
	if err == nil {
		err = cw.Error()
	}
	res.Total = res.Rows
	return res, err
}
