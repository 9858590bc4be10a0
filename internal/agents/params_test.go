package agents

import (
	"encoding/json"
	"strings"
	"testing"
)

func testRegistry() *Registry {
	return NewRegistry(Clients{})
}

func TestValidateParamsAcceptsValid(t *testing.T) {
	reg := testRegistry()
	cases := []struct {
		kind   string
		params string
	}{
		{KindHookWriter, `{"topic":"morning routines"}`},
		{KindHookWriter, `{"topic":"morning routines","tone":"dramatic","variants":5}`},
		{KindScriptWriter, `{"topic":"meal prep","duration_seconds":60}`},
		{KindScriptWriter, `{"topic":"meal prep","duration_seconds":15,"style":"fast cuts"}`},
		{KindCaptionWriter, `{"transcript":"so today we are testing"}`},
		{KindThumbnailArtist, `{"prompt":"neon kitchen, dramatic lighting"}`},
		{KindThumbnailArtist, `{"prompt":"neon kitchen","aspect_ratio":"1:1"}`},
	}
	for _, tc := range cases {
		def, err := reg.Get(tc.kind)
		if err != nil {
			t.Fatalf("get %s: %v", tc.kind, err)
		}
		if err := def.ValidateParams(json.RawMessage(tc.params)); err != nil {
			t.Errorf("%s: valid params rejected: %v", tc.kind, err)
		}
	}
}

func TestValidateParamsRejectsInvalid(t *testing.T) {
	reg := testRegistry()
	cases := []struct {
		name    string
		kind    string
		params  string
		mention string
	}{
		{"missing topic", KindHookWriter, `{}`, "topic"},
		{"bad tone enum", KindHookWriter, `{"topic":"x","tone":"sarcastic"}`, "tone"},
		{"too many variants", KindHookWriter, `{"topic":"x","variants":50}`, "variants"},
		{"unknown field", KindHookWriter, `{"topic":"x","temperature":0.9}`, "temperature"},
		{"duration too short", KindScriptWriter, `{"topic":"x","duration_seconds":5}`, "duration_seconds"},
		{"empty transcript", KindCaptionWriter, `{"transcript":""}`, "transcript"},
		{"bad aspect ratio", KindThumbnailArtist, `{"prompt":"x","aspect_ratio":"4:3"}`, "aspect_ratio"},
		{"not JSON", KindHookWriter, `topic=cats`, "invalid JSON"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			def, err := reg.Get(tc.kind)
			if err != nil {
				t.Fatalf("get %s: %v", tc.kind, err)
			}
			err = def.ValidateParams(json.RawMessage(tc.params))
			if err == nil {
				t.Fatal("expected validation failure, got nil")
			}
			ve, ok := AsValidationError(err)
			if !ok {
				t.Fatalf("expected ValidationError, got %T: %v", err, err)
			}
			if !strings.Contains(ve.Error(), tc.mention) {
				t.Errorf("expected %q mentioned, got %q", tc.mention, ve.Error())
			}
		})
	}
}

func TestValidateParamsReportsEveryFailingField(t *testing.T) {
	reg := testRegistry()
	def, err := reg.Get(KindScriptWriter)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	err = def.ValidateParams(json.RawMessage(`{"duration_seconds":5,"style":"` + strings.Repeat("x", 200) + `"}`))
	ve, ok := AsValidationError(err)
	if !ok {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	// Missing topic, undersized duration, and oversized style all at once.
	msg := ve.Error()
	for _, field := range []string{"topic", "duration_seconds", "style"} {
		if !strings.Contains(msg, field) {
			t.Errorf("expected %q in %q", field, msg)
		}
	}
}

func TestRegistryCatalogue(t *testing.T) {
	reg := testRegistry()
	want := []string{KindCaptionWriter, KindHookWriter, KindScriptWriter, KindThumbnailArtist}
	got := reg.Kinds()
	if len(got) != len(want) {
		t.Fatalf("expected %d kinds, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("kinds[%d]: expected %s, got %s", i, want[i], got[i])
		}
	}
	for _, k := range got {
		def, err := reg.Get(k)
		if err != nil {
			t.Fatalf("get %s: %v", k, err)
		}
		if def.MaxCostEstimate <= 0 {
			t.Errorf("%s: non-positive cost estimate %d", k, def.MaxCostEstimate)
		}
		if def.Work == nil {
			t.Errorf("%s: nil work function", k)
		}
	}
	if _, err := reg.Get("ghost_writer"); err == nil {
		t.Error("expected error for unknown kind")
	}
}
