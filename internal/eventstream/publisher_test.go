package eventstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"activitylog/internal/activity/models"
	"activitylog/pkg/platform/circuit"
)

type fakeProducer struct {
	records []*kgo.Record
	err     error
	closed  bool
}

func (f *fakeProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	out := make(kgo.ProduceResults, 0, len(rs))
	for _, r := range rs {
		if f.err == nil {
			f.records = append(f.records, r)
		}
		out = append(out, kgo.ProduceResult{Record: r, Err: f.err})
	}
	return out
}

func (f *fakeProducer) Close() { f.closed = true }

func testEvent() models.Event {
	return models.Event{
		ID:        uuid.New(),
		Timestamp: time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC),
		TenantID:  "tenant-a",
		Actor:     models.Actor{Role: models.RoleSystem},
		Verb:      models.VerbCreate,
		Target:    models.Target{Type: "Order", ID: "o-9"},
		Source:    models.SourceWorker,
		Hash:      "abc",
	}
}

func TestPublishWritesKeyedRecord(t *testing.T) {
	prod := &fakeProducer{}
	p := NewPublisher(prod, "activity.events")

	e := testEvent()
	require.NoError(t, p.Publish(context.Background(), e))

	require.Len(t, prod.records, 1)
	rec := prod.records[0]
	assert.Equal(t, "activity.events", rec.Topic)
	assert.Equal(t, []byte("tenant-a"), rec.Key)
	assert.Equal(t, e.Timestamp, rec.Timestamp)

	var decoded models.Event
	require.NoError(t, json.Unmarshal(rec.Value, &decoded))
	assert.Equal(t, e.ID, decoded.ID)
	assert.Equal(t, e.Hash, decoded.Hash)

	headers := map[string]string{}
	for _, h := range rec.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, e.ID.String(), headers["event_id"])
	assert.Equal(t, "CREATE", headers["verb"])

	p.Close()
	assert.True(t, prod.closed)
}

func TestPublishOpensCircuitAfterFailures(t *testing.T) {
	prod := &fakeProducer{err: errors.New("broker down")}
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	breaker := circuit.New("test",
		circuit.WithFailureThreshold(2),
		circuit.WithSuccessThreshold(1),
		circuit.WithCooldown(time.Minute),
		circuit.WithClock(func() time.Time { return now }),
	)
	p := NewPublisher(prod, "activity.events",
		WithBreaker(breaker),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	ctx := context.Background()

	assert.Error(t, p.Publish(ctx, testEvent()))
	assert.Error(t, p.Publish(ctx, testEvent()))
	assert.True(t, breaker.IsOpen())

	err := p.Publish(ctx, testEvent())
	assert.ErrorIs(t, err, ErrCircuitOpen)

	prod.err = nil
	now = now.Add(2 * time.Minute)
	require.NoError(t, p.Publish(ctx, testEvent()), "trial after cooldown")
	assert.False(t, breaker.IsOpen())
	assert.Len(t, prod.records, 1)
}
