package render

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"

	activity "activitylog/internal/activity/models"
)

// XML writes an <activity_log> document of at most XMLRowCap events.
type XML struct {
	// Cap overrides XMLRowCap when positive.
	Cap int
}

type xmlEvent struct {
	XMLName    xml.Name   `xml:"event"`
	ID         string     `xml:"id,attr"`
	Seq        int64      `xml:"seq,attr"`
	Timestamp  string     `xml:"timestamp"`
	TenantID   string     `xml:"tenant_id"`
	ActorID    string     `xml:"actor>id,omitempty"`
	ActorRole  string     `xml:"actor>role"`
	Verb       string     `xml:"verb"`
	TargetType string     `xml:"target>type"`
	TargetID   string     `xml:"target>id"`
	Source     string     `xml:"source"`
	RequestID  string     `xml:"request_id,omitempty"`
	Reviewed   bool       `xml:"reviewed"`
	Hash       string     `xml:"hash"`
	PrevHash   string     `xml:"prev_hash,omitempty"`
	Context    []xmlField `xml:"context>field,omitempty"`
}

type xmlField struct {
	Key   string `xml:"key,attr"`
	Value string `xml:",chardata"`
}

type xmlTruncated struct {
	XMLName xml.Name `xml:"truncated"`
	Count   int64    `xml:"count,attr"`
	Text    string   `xml:",chardata"`
}

func (x XML) Render(ctx context.Context, w io.Writer, src Source, _ []string) (Result, error) {
	limit := XMLRowCap
	if x.Cap > 0 {
		limit = x.Cap
	}
	events, res, err := collect(ctx, src, limit)
	if err != nil {
		return Result{}, err
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return Result{}, err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	root := xml.StartElement{
		Name: xml.Name{Local: "activity_log"},
		Attr: []xml.Attr{
			{Name: xml.Name{Local: "rows"}, Value: strconv.FormatInt(res.Rows, 10)},
			{Name: xml.Name{Local: "total"}, Value: strconv.FormatInt(res.Total, 10)},
		},
	}
	if err := enc.EncodeToken(root); err != nil {
		return Result{}, fmt.Errorf("write xml root: %w", err)
	}
	for i := range events {
		if err := enc.Encode(toXMLEvent(&events[i])); err != nil {
			return res, fmt.Errorf("encode event %s: %w", events[i].ID, err)
		}
	}
	if n := res.Omitted(); n > 0 {
		if err := enc.Encode(xmlTruncated{Count: n, Text: MoreMarker(n)}); err != nil {
			return res, fmt.Errorf("write xml marker: %w", err)
		}
	}
	if err := enc.EncodeToken(root.End()); err != nil {
		return res, fmt.Errorf("close xml root: %w", err)
	}
	return res, enc.Flush()
}

func toXMLEvent(e *activity.Event) xmlEvent {
	out := xmlEvent{
		ID:         e.ID.String(),
		Seq:        e.Seq,
		Timestamp:  FieldValue(e, "timestamp"),
		TenantID:   e.TenantID,
		ActorID:    e.Actor.IDOrEmpty(),
		ActorRole:  string(e.Actor.Role),
		Verb:       string(e.Verb),
		TargetType: e.Target.Type,
		TargetID:   e.Target.ID,
		Source:     string(e.Source),
		RequestID:  e.RequestIDOrEmpty(),
		Reviewed:   e.Reviewed,
		Hash:       e.Hash,
		PrevHash:   FieldValue(e, "prev_hash"),
	}
	fields := e.Context.Fields()
	for _, k := range slices.Sorted(maps.Keys(fields)) {
		out.Context = append(out.Context, xmlField{Key: k, Value: activity.Value(fields[k]).String()})
	}
	return out
}
