package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Envelope is one wire frame: a type tag plus every other field the sender
// included. Fields the hub does not understand are kept so relays forward
// them untouched.
type Envelope struct {
	Type   string
	fields map[string]json.RawMessage
}

// NewEnvelope returns an empty frame of the given type
func NewEnvelope(typ string) *Envelope {
	return &Envelope{Type: typ, fields: make(map[string]json.RawMessage)}
}

// ParseEnvelope decodes an inbound frame. It never fails: a frame that is
// not a JSON object becomes a "raw" envelope carrying the original value
// (or the original text when it is not JSON at all).
func ParseEnvelope(data []byte) *Envelope {
	trimmed := bytes.TrimSpace(data)
	var fields map[string]json.RawMessage
	if len(trimmed) > 0 && trimmed[0] == '{' && json.Unmarshal(trimmed, &fields) == nil {
		env := &Envelope{fields: fields}
		if raw, ok := fields["type"]; ok {
			var typ string
			if json.Unmarshal(raw, &typ) == nil {
				env.Type = typ
			}
			delete(fields, "type")
		}
		return env
	}

	env := NewEnvelope(TypeRaw)
	if json.Valid(trimmed) {
		env.fields["raw"] = json.RawMessage(append([]byte(nil), trimmed...))
	} else {
		s, _ := json.Marshal(string(data))
		env.fields["raw"] = s
	}
	return env
}

// Has reports whether key is present
func (e *Envelope) Has(key string) bool {
	_, ok := e.fields[key]
	return ok
}

// Str returns a string field, or "" when absent or not a string
func (e *Envelope) Str(key string) string {
	raw, ok := e.fields[key]
	if !ok {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

// Set stores v under key. Setting "type" retags the envelope.
func (e *Envelope) Set(key string, v any) error {
	if key == "type" {
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("type must be a string, got %T", v)
		}
		e.Type = s
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	if e.fields == nil {
		e.fields = make(map[string]json.RawMessage)
	}
	e.fields[key] = raw
	return nil
}

// Clone returns a copy that can be retagged or stamped independently
func (e *Envelope) Clone() *Envelope {
	c := &Envelope{Type: e.Type, fields: make(map[string]json.RawMessage, len(e.fields))}
	for k, v := range e.fields {
		c.fields[k] = v
	}
	return c
}

// Retag returns a copy of the envelope with a different type
func (e *Envelope) Retag(typ string) *Envelope {
	c := e.Clone()
	c.Type = typ
	return c
}

// Keys lists the non-type fields in sorted order
func (e *Envelope) Keys() []string {
	keys := make([]string, 0, len(e.fields))
	for k := range e.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Decode unmarshals the whole frame into v
func (e *Envelope) Decode(v any) error {
	data, err := e.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// MarshalJSON writes the frame back out as a flat object. A frame with an
// empty type omits the tag.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(e.fields)+1)
	for k, v := range e.fields {
		out[k] = v
	}
	if e.Type != "" {
		t, _ := json.Marshal(e.Type)
		out["type"] = t
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts the same input as ParseEnvelope
func (e *Envelope) UnmarshalJSON(data []byte) error {
	*e = *ParseEnvelope(data)
	return nil
}

// Hello is an explicit identity announcement
type Hello struct {
	UID  string `json:"uid"`
	Name string `json:"name"`
}

// JoinRequest asks to be queued for a match
type JoinRequest struct {
	UID  string `json:"uid"`
	Name string `json:"name"`
}

// Leave drops queue and match membership
type Leave struct {
	UID string `json:"uid"`
}

// IMUFrame is one orientation/motion sample from a phone. Any field may be
// missing; absent numbers decode as zero.
type IMUFrame struct {
	MatchID string  `json:"match_id,omitempty"`
	UID     string  `json:"uid,omitempty"`
	Name    string  `json:"name,omitempty"`
	TSMs    float64 `json:"ts_ms"`
	Yaw     float64 `json:"yaw"`
	Pitch   float64 `json:"pitch"`
	Roll    float64 `json:"roll"`
	AX      float64 `json:"ax"`
	AY      float64 `json:"ay"`
	AZ      float64 `json:"az"`
	GX      float64 `json:"gx"`
	GY      float64 `json:"gy"`
	GZ      float64 `json:"gz"`
	Fire    bool    `json:"fire"`
}

// Chat is free text scoped to the sender's match
type Chat struct {
	Text string `json:"text"`
}

// PlayerResult is one row of a reported match result
type PlayerResult struct {
	UID   string `json:"uid"`
	Score int    `json:"score"`
	Kills int    `json:"kills"`
}

// MatchResult is the authoritative outcome reported by a ue session
type MatchResult struct {
	MatchID   string         `json:"match_id"`
	WinnerUID string         `json:"winner_uid"`
	Players   []PlayerResult `json:"players,omitempty"`
}

// Relay is any frame without dedicated handling
type Relay struct {
	MatchID string `json:"match_id"`
}

// Payload decodes the frame into the typed struct for its tag. Unknown
// tags yield a Relay. Decode problems are tolerated: fields that do not fit
// are left zero, since a malformed frame is still relayed and logged.
func (e *Envelope) Payload() any {
	var p any
	switch e.Type {
	case TypeHello:
		p = &Hello{}
	case TypeJoinRequest:
		p = &JoinRequest{}
	case TypeLeave, TypeLeaveQueue:
		p = &Leave{}
	case TypeIMU:
		return e.imuFrame()
	case TypeChat:
		p = &Chat{}
	case TypeMatchResult:
		p = &MatchResult{MatchID: e.Str("match_id"), WinnerUID: e.Str("winner_uid")}
	default:
		return &Relay{MatchID: e.Str("match_id")}
	}
	_ = e.Decode(p)
	return p
}

// imuFrame decodes field by field so a single bad value does not zero the
// whole sample.
func (e *Envelope) imuFrame() *IMUFrame {
	f := &IMUFrame{MatchID: e.Str("match_id"), UID: e.Str("uid"), Name: e.Str("name")}
	nums := map[string]*float64{
		"ts_ms": &f.TSMs, "yaw": &f.Yaw, "pitch": &f.Pitch, "roll": &f.Roll,
		"ax": &f.AX, "ay": &f.AY, "az": &f.AZ,
		"gx": &f.GX, "gy": &f.GY, "gz": &f.GZ,
	}
	for k, dst := range nums {
		if raw, ok := e.fields[k]; ok {
			_ = json.Unmarshal(raw, dst)
		}
	}
	if raw, ok := e.fields["fire"]; ok {
		if json.Unmarshal(raw, &f.Fire) != nil {
			var n float64
			if json.Unmarshal(raw, &n) == nil {
				f.Fire = n != 0
			}
		}
	}
	return f
}
