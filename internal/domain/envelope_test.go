package domain

import (
	"encoding/json"
	"testing"
)

func TestParseEnvelopeObject(t *testing.T) {
	env := ParseEnvelope([]byte(`{"type":"imu","yaw":1.5,"extra":{"a":1}}`))
	if env.Type != TypeIMU {
		t.Fatalf("Type = %q, want imu", env.Type)
	}
	if !env.Has("extra") {
		t.Error("unknown field was dropped")
	}
	if env.Has("type") {
		t.Error("type should not be kept as a plain field")
	}
}

func TestParseEnvelopeDegradesToRaw(t *testing.T) {
	tests := []struct {
		name string
		in   string
		raw  string
	}{
		{"not json", `hello there`, `"hello there"`},
		{"array", `[1,2,3]`, `[1,2,3]`},
		{"number", `42`, `42`},
		{"null", `null`, `null`},
		{"truncated object", `{"type":"imu"`, `"{\"type\":\"imu\""`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := ParseEnvelope([]byte(tt.in))
			if env.Type != TypeRaw {
				t.Fatalf("Type = %q, want raw", env.Type)
			}
			if got := string(env.fields["raw"]); got != tt.raw {
				t.Errorf("raw = %s, want %s", got, tt.raw)
			}
		})
	}
}

func TestParseEnvelopeNonStringType(t *testing.T) {
	env := ParseEnvelope([]byte(`{"type":7,"x":1}`))
	if env.Type != "" {
		t.Errorf("Type = %q, want empty", env.Type)
	}
	if env.Has("type") {
		t.Error("non-string type should be discarded")
	}
}

func TestEnvelopeRetagKeepsOriginal(t *testing.T) {
	env := ParseEnvelope([]byte(`{"type":"imu","yaw":2}`))
	opp := env.Retag(TypeOpponentIMU)
	if err := opp.Set("match_id", "m1"); err != nil {
		t.Fatal(err)
	}
	if env.Type != TypeIMU || env.Has("match_id") {
		t.Error("Retag mutated the original envelope")
	}

	var out map[string]any
	data, err := json.Marshal(opp)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out["type"] != TypeOpponentIMU || out["match_id"] != "m1" || out["yaw"] != float64(2) {
		t.Errorf("unexpected output %v", out)
	}
}

func TestEnvelopeSetTypeRequiresString(t *testing.T) {
	env := NewEnvelope(TypeChat)
	if err := env.Set("type", 3); err == nil {
		t.Error("expected error for non-string type")
	}
	if err := env.Set("type", TypeRelay); err != nil || env.Type != TypeRelay {
		t.Errorf("Set(type) = %v, Type = %q", err, env.Type)
	}
}

func TestPayloadIMULenient(t *testing.T) {
	env := ParseEnvelope([]byte(`{"type":"imu","uid":"p1","yaw":"bad","pitch":3,"fire":1,"ts_ms":1000}`))
	f, ok := env.Payload().(*IMUFrame)
	if !ok {
		t.Fatalf("Payload() = %T, want *IMUFrame", env.Payload())
	}
	if f.Yaw != 0 || f.Pitch != 3 || f.TSMs != 1000 {
		t.Errorf("unexpected frame %+v", f)
	}
	if !f.Fire {
		t.Error("numeric fire=1 should decode as true")
	}
	if f.UID != "p1" {
		t.Errorf("UID = %q", f.UID)
	}
}

func TestPayloadMatchResult(t *testing.T) {
	env := ParseEnvelope([]byte(`{"type":"match_result","match_id":"m1","winner_uid":"a","players":[{"uid":"a","score":10,"kills":3},{"uid":"b","score":4}]}`))
	r, ok := env.Payload().(*MatchResult)
	if !ok {
		t.Fatalf("Payload() = %T", env.Payload())
	}
	if r.MatchID != "m1" || r.WinnerUID != "a" || len(r.Players) != 2 || r.Players[0].Kills != 3 {
		t.Errorf("unexpected result %+v", r)
	}
}

func TestPayloadUnknownIsRelay(t *testing.T) {
	env := ParseEnvelope([]byte(`{"type":"taunt","match_id":"m9"}`))
	r, ok := env.Payload().(*Relay)
	if !ok || r.MatchID != "m9" {
		t.Errorf("Payload() = %#v", env.Payload())
	}
}
