package schedule

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		spec Spec
		ok   bool
	}{
		{name: "interval", spec: Interval(30 * time.Minute), ok: true},
		{name: "interval zero", spec: Interval(0), ok: false},
		{name: "interval negative", spec: Interval(-time.Second), ok: false},
		{name: "cron weekdays", spec: Cron("0 9 * * 1-5", "Europe/Berlin"), ok: true},
		{name: "cron steps and lists", spec: Cron("*/5 0-12 1,15 * *", ""), ok: true},
		{name: "cron four fields", spec: Cron("0 9 * *", ""), ok: false},
		{name: "cron six fields", spec: Cron("0 0 9 * * 1", ""), ok: false},
		{name: "cron bad field", spec: Cron("0 9 * * mondayish", ""), ok: false},
		{name: "cron bad tz", spec: Cron("0 9 * * 1-5", "Europe/Nowhere"), ok: false},
		{name: "unknown kind", spec: Spec{Kind: Kind("hourly")}, ok: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.ok && err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
			if !tt.ok {
				if err == nil {
					t.Fatal("Validate() = nil, want error")
				}
				if !errors.Is(err, ErrInvalid) {
					t.Fatalf("error %v does not wrap ErrInvalid", err)
				}
			}
		})
	}
}

func TestParse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
		kind Kind
		ok   bool
	}{
		{name: "duration", raw: "30m", kind: KindInterval, ok: true},
		{name: "prefixed interval", raw: "every:2h30m", kind: KindInterval, ok: true},
		{name: "cron by whitespace", raw: "*/5 * * * *", kind: KindCron, ok: true},
		{name: "prefixed cron", raw: "cron:0 9 * * 1-5", kind: KindCron, ok: true},
		{name: "garbage", raw: "soonish", ok: false},
		{name: "empty", raw: "", ok: false},
		{name: "negative interval", raw: "every:-5m", ok: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			sp, err := Parse(tt.raw, "UTC")
			if !tt.ok {
				if err == nil {
					t.Fatalf("Parse(%q) = %+v, want error", tt.raw, sp)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.raw, err)
			}
			if sp.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", sp.Kind, tt.kind)
			}
		})
	}
}

func TestJSONRoundTrip(t *testing.T) {
	t.Parallel()

	in := Interval(1800000 * time.Millisecond)
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if want := `{"kind":"interval","every_ms":1800000}`; string(b) != want {
		t.Fatalf("json = %s, want %s", b, want)
	}
	var out Spec
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Every != 30*time.Minute {
		t.Fatalf("Every = %v, want 30m", out.Every)
	}

	cr := Cron("0 9 * * 1-5", "Asia/Jakarta")
	b, err = json.Marshal(cr)
	if err != nil {
		t.Fatalf("marshal cron: %v", err)
	}
	var out2 Spec
	if err := json.Unmarshal(b, &out2); err != nil {
		t.Fatalf("unmarshal cron: %v", err)
	}
	if out2 != cr {
		t.Fatalf("round trip = %+v, want %+v", out2, cr)
	}

	if err := json.Unmarshal([]byte(`{"kind":"nope"}`), &out); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}
