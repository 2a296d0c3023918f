package chain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"activitylog/internal/activity/models"
)

func newEvent(t *testing.T, ctxJSON string) *models.Event {
	t.Helper()
	actor := "u-1"
	reqID := "req-" + uuid.NewString()
	e := &models.Event{
		ID:        uuid.New(),
		Timestamp: time.Date(2024, 5, 1, 9, 30, 0, 123456789, time.UTC),
		TenantID:  "t1",
		Actor:     models.Actor{ID: &actor, Role: models.RoleSales},
		Verb:      models.VerbUpdate,
		Target:    models.Target{Type: "Order", ID: "o-1"},
		Source:    models.SourceAPI,
		RequestID: &reqID,
	}
	require.NoError(t, json.Unmarshal([]byte(ctxJSON), &e.Context))
	return e
}

func TestCanonicalIsStable(t *testing.T) {
	a := newEvent(t, `{"b":{"y":1,"x":[1.50,2]},"ip":"1.2.3.4","severity":"low"}`)
	b := *a
	require.NoError(t, json.Unmarshal([]byte(`{ "severity":"low", "ip":"1.2.3.4", "b":{"x":[1.50, 2],"y":1} }`), &b.Context))

	ca, err := Canonical(a)
	require.NoError(t, err)
	cb, err := Canonical(&b)
	require.NoError(t, err)
	assert.Equal(t, string(ca), string(cb))
	assert.Contains(t, string(ca), `"timestamp":"2024-05-01T09:30:00.123456Z"`)
	assert.Contains(t, string(ca), `1.50`, "numbers keep their text")
}

func TestHashExcludesChainFields(t *testing.T) {
	e := newEvent(t, `{}`)
	h1, err := Hash(e)
	require.NoError(t, err)
	assert.Len(t, h1, 64)

	prev := "abc"
	e.PrevHash = &prev
	e.Hash = "whatever"
	e.Reviewed = true
	e.Seq = 99
	h2, err := Hash(e)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	e.Target.ID = "o-2"
	h3, err := Hash(e)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func buildChain(t *testing.T, n int) []*models.Event {
	t.Helper()
	var prev *string
	out := make([]*models.Event, n)
	for i := range n {
		e := newEvent(t, `{"n":`+string(rune('0'+i))+`}`)
		h, err := Hash(e)
		require.NoError(t, err)
		e.Hash = h
		e.PrevHash = prev
		hh := h
		prev = &hh
		out[i] = e
	}
	return out
}

func TestVerifierAcceptsIntactChain(t *testing.T) {
	events := buildChain(t, 5)
	v := NewVerifier("t1")
	for _, e := range events {
		ok, err := v.Check(e)
		require.NoError(t, err)
		require.True(t, ok)
	}
	res := v.Result()
	assert.True(t, res.OK)
	assert.Equal(t, 5, res.Checked)
	assert.Equal(t, -1, res.BrokenIndex)
}

func TestVerifierReportsFirstBreak(t *testing.T) {
	t.Run("tampered field", func(t *testing.T) {
		events := buildChain(t, 4)
		events[2].Target.ID = "forged"

		v := NewVerifier("t1")
		for _, e := range events {
			if ok, _ := v.Check(e); !ok {
				break
			}
		}
		res := v.Result()
		assert.False(t, res.OK)
		assert.Equal(t, 2, res.BrokenIndex)
		assert.Equal(t, events[2].ID, *res.BrokenEventID)
		assert.Equal(t, models.ReasonHashMismatch, res.Reason)
	})

	t.Run("removed predecessor", func(t *testing.T) {
		events := buildChain(t, 4)
		events = append(events[:1], events[2:]...)

		v := NewVerifier("t1")
		for _, e := range events {
			if ok, _ := v.Check(e); !ok {
				break
			}
		}
		res := v.Result()
		assert.Equal(t, 1, res.BrokenIndex)
		assert.Equal(t, models.ReasonLinkMismatch, res.Reason)
	})

	t.Run("first event must not link", func(t *testing.T) {
		events := buildChain(t, 2)
		v := NewVerifier("t1")
		ok, err := v.Check(events[1])
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, 0, v.Result().BrokenIndex)
	})
}
