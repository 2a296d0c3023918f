package render

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	activity "activitylog/internal/activity/models"
)

// DefaultColumns is the CSV projection used when the job names none.
var DefaultColumns = []string{
	"id", "timestamp", "tenant_id", "actor.id", "actor.role", "verb",
	"target.type", "target.id", "source", "request_id", "reviewed",
	"hash", "prev_hash", "context",
}

// FieldValue resolves a dot-path against an event. Paths under context may
// descend into nested JSON objects, e.g. context.location.city. Unknown
// paths resolve to "".
func FieldValue(e *activity.Event, path string) string {
	head, rest, _ := strings.Cut(path, ".")
	switch head {
	case "id":
		return e.ID.String()
	case "seq":
		return strconv.FormatInt(e.Seq, 10)
	case "timestamp":
		return e.Timestamp.UTC().Format(time.RFC3339Nano)
	case "tenant_id":
		return e.TenantID
	case "verb":
		return string(e.Verb)
	case "source":
		return string(e.Source)
	case "request_id":
		return e.RequestIDOrEmpty()
	case "reviewed":
		return strconv.FormatBool(e.Reviewed)
	case "hash":
		return e.Hash
	case "prev_hash":
		if e.PrevHash == nil {
			return ""
		}
		return *e.PrevHash
	case "actor":
		switch rest {
		case "":
			return marshalCompact(e.Actor)
		case "id":
			return e.Actor.IDOrEmpty()
		case "role":
			return string(e.Actor.Role)
		}
	case "target":
		switch rest {
		case "":
			return marshalCompact(e.Target)
		case "type":
			return e.Target.Type
		case "id":
			return e.Target.ID
		}
	case "context":
		if rest == "" {
			if e.Context.IsEmpty() {
				return ""
			}
			return marshalCompact(e.Context)
		}
		return contextValue(e.Context.Fields(), rest)
	}
	return ""
}

func contextValue(fields map[string]json.RawMessage, path string) string {
	key, rest, nested := strings.Cut(path, ".")
	raw, ok := fields[key]
	if !ok {
		return ""
	}
	for nested {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return ""
		}
		key, rest, nested = strings.Cut(rest, ".")
		if raw, ok = obj[key]; !ok {
			return ""
		}
	}
	return activity.Value(raw).String()
}

func marshalCompact(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(bytes.TrimSpace(b))
}
