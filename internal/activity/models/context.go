package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Value is the raw JSON of a context field that may be encrypted at rest. It
// is usually a JSON string but producers may send nested structures.
type Value json.RawMessage

// StringValue wraps a plain string.
func StringValue(s string) Value {
	b, _ := json.Marshal(s)
	return Value(b)
}

// IsZero reports whether the value is unset.
func (v Value) IsZero() bool {
	return len(v) == 0 || bytes.Equal(v, []byte("null"))
}

// IsString reports whether the value is a JSON string.
func (v Value) IsString() bool {
	return len(v) > 0 && v[0] == '"'
}

// String returns the unquoted text of a JSON string, or the compact JSON of
// any other value.
func (v Value) String() string {
	if v.IsZero() {
		return ""
	}
	if v.IsString() {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			return s
		}
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, v); err != nil {
		return string(v)
	}
	return buf.String()
}

// MarshalJSON returns the raw value.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.IsZero() {
		return []byte("null"), nil
	}
	return v, nil
}

// UnmarshalJSON stores a copy of the raw value.
func (v *Value) UnmarshalJSON(b []byte) error {
	*v = append((*v)[:0], b...)
	return nil
}

// Context keys. Sensitive keys are encrypted at rest.
const (
	KeyIP         = "ip"
	KeyUserAgent  = "user_agent"
	KeyDeviceID   = "device_id"
	KeyDeviceName = "device_name"
	KeyDeviceInfo = "device_info"
	KeyEmail      = "email"
	KeyPhone      = "phone"
	KeyUsername   = "username"
	KeyPassword   = "password"
	KeySeverity   = "severity"
	KeyTags       = "tags"
	KeyStatus     = "status"
	KeySuccess    = "success"
	KeyStatusCode = "status_code"
	KeyError      = "error"
	KeyLocation   = "location"
	KeyIsActive   = "is_active"
	KeyUserStatus = "user_status"
)

// SensitiveKeys is the encryption allow-list.
var SensitiveKeys = []string{
	KeyIP, KeyUserAgent, KeyDeviceID, KeyDeviceName, KeyDeviceInfo,
	KeyEmail, KeyPhone, KeyUsername, KeyPassword,
}

// Context is the typed event context. Known keys are fields; anything else
// is kept verbatim in Extra.
type Context struct {
	IP         Value
	UserAgent  Value
	DeviceID   Value
	DeviceName Value
	DeviceInfo Value
	Email      Value
	Phone      Value
	Username   Value
	Password   Value

	Severity   string
	Tags       []string
	Status     string
	Success    *bool
	StatusCode *int
	Error      string
	Location   Value
	IsActive   *bool
	UserStatus string

	Extra map[string]json.RawMessage
}

// SensitiveField pairs an allow-listed key with the field holding it.
type SensitiveField struct {
	Key   string
	Value *Value
}

// SensitiveFields returns pointers to every allow-listed field in key order.
func (c *Context) SensitiveFields() []SensitiveField {
	return []SensitiveField{
		{KeyIP, &c.IP},
		{KeyUserAgent, &c.UserAgent},
		{KeyDeviceID, &c.DeviceID},
		{KeyDeviceName, &c.DeviceName},
		{KeyDeviceInfo, &c.DeviceInfo},
		{KeyEmail, &c.Email},
		{KeyPhone, &c.Phone},
		{KeyUsername, &c.Username},
		{KeyPassword, &c.Password},
	}
}

// IsEmpty reports whether no key is set.
func (c Context) IsEmpty() bool {
	m, _ := c.fields()
	return len(m) == 0
}

// Fields returns the context as key to raw JSON, known keys included.
func (c Context) Fields() map[string]json.RawMessage {
	m, _ := c.fields()
	return m
}

func (c Context) fields() (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(c.Extra)+8)
	for k, v := range c.Extra {
		out[k] = v
	}
	for _, f := range c.SensitiveFields() {
		if !f.Value.IsZero() {
			out[f.Key] = json.RawMessage(*f.Value)
		}
	}
	if !c.Location.IsZero() {
		out[KeyLocation] = json.RawMessage(c.Location)
	}
	put := func(key string, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal context %s: %w", key, err)
		}
		out[key] = b
		return nil
	}
	var err error
	if c.Severity != "" {
		err = put(KeySeverity, c.Severity)
	}
	if err == nil && len(c.Tags) > 0 {
		err = put(KeyTags, c.Tags)
	}
	if err == nil && c.Status != "" {
		err = put(KeyStatus, c.Status)
	}
	if err == nil && c.Success != nil {
		err = put(KeySuccess, *c.Success)
	}
	if err == nil && c.StatusCode != nil {
		err = put(KeyStatusCode, *c.StatusCode)
	}
	if err == nil && c.Error != "" {
		err = put(KeyError, c.Error)
	}
	if err == nil && c.IsActive != nil {
		err = put(KeyIsActive, *c.IsActive)
	}
	if err == nil && c.UserStatus != "" {
		err = put(KeyUserStatus, c.UserStatus)
	}
	return out, err
}

// MarshalJSON writes one flat object with keys sorted.
func (c Context) MarshalJSON() ([]byte, error) {
	m, err := c.fields()
	if err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// UnmarshalJSON accepts any JSON object. Known keys holding a value of an
// unexpected shape stay in Extra rather than failing the whole event.
func (c *Context) UnmarshalJSON(b []byte) error {
	*c = Context{}
	if len(bytes.TrimSpace(b)) == 0 || bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("context must be a JSON object: %w", err)
	}

	sensitive := make(map[string]*Value, len(SensitiveKeys))
	for _, f := range c.SensitiveFields() {
		sensitive[f.Key] = f.Value
	}

	for key, val := range raw {
		if isNull(val) {
			continue
		}
		if dst, ok := sensitive[key]; ok {
			*dst = Value(append([]byte(nil), val...))
			continue
		}
		if !c.assignKnown(key, val) {
			if c.Extra == nil {
				c.Extra = make(map[string]json.RawMessage)
			}
			c.Extra[key] = append(json.RawMessage(nil), val...)
		}
	}
	return nil
}

// assignKnown decodes a non-sensitive known key. It returns false when key is
// unknown or its value has an unexpected shape.
func (c *Context) assignKnown(key string, val json.RawMessage) bool {
	switch key {
	case KeySeverity:
		return decodeString(val, &c.Severity)
	case KeyStatus:
		return decodeString(val, &c.Status)
	case KeyError:
		return decodeString(val, &c.Error)
	case KeyUserStatus:
		return decodeString(val, &c.UserStatus)
	case KeyLocation:
		c.Location = Value(append([]byte(nil), val...))
		return true
	case KeyTags:
		var tags []string
		if err := json.Unmarshal(val, &tags); err == nil {
			c.Tags = tags
			return true
		}
		var one string
		if err := json.Unmarshal(val, &one); err == nil && one != "" {
			c.Tags = []string{one}
			return true
		}
		return false
	case KeySuccess:
		b, ok := decodeBool(val)
		if ok {
			c.Success = &b
		}
		return ok
	case KeyIsActive:
		b, ok := decodeBool(val)
		if ok {
			c.IsActive = &b
		}
		return ok
	case KeyStatusCode:
		n, ok := decodeInt(val)
		if ok {
			c.StatusCode = &n
		}
		return ok
	}
	return false
}

func isNull(b json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(b), []byte("null"))
}

func decodeString(val json.RawMessage, dst *string) bool {
	var s string
	if err := json.Unmarshal(val, &s); err != nil {
		return false
	}
	*dst = s
	return true
}

func decodeBool(val json.RawMessage) (bool, bool) {
	var b bool
	if err := json.Unmarshal(val, &b); err == nil {
		return b, true
	}
	var s string
	if err := json.Unmarshal(val, &s); err == nil {
		parsed, perr := strconv.ParseBool(strings.TrimSpace(s))
		if perr == nil {
			return parsed, true
		}
	}
	return false, false
}

func decodeInt(val json.RawMessage) (int, bool) {
	var n int
	if err := json.Unmarshal(val, &n); err == nil {
		return n, true
	}
	var s string
	if err := json.Unmarshal(val, &s); err == nil {
		parsed, perr := strconv.Atoi(strings.TrimSpace(s))
		if perr == nil {
			return parsed, true
		}
	}
	return 0, false
}
