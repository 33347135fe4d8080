package tier

import (
	"errors"
	"testing"
)

func TestParseTierIsCaseInsensitive(t *testing.T) {
	cases := map[string]Tier{
		"critical":     Critical,
		" Important ":  Important,
		"SECONDARY":    Secondary,
		"background\n": Background,
	}
	for raw, want := range cases {
		got, err := Parse(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if got != want {
			t.Fatalf("parse %q: expected %s, got %s", raw, want, got)
		}
	}
}

func TestParseTierRejectsUnknown(t *testing.T) {
	if _, err := Parse("urgent"); !errors.Is(err, ErrUnknownTier) {
		t.Fatalf("expected ErrUnknownTier, got %v", err)
	}
}

func TestTierStageMapping(t *testing.T) {
	for _, tr := range All() {
		stage := tr.Stage()
		back, ok := stage.Tier()
		if !ok || back != tr {
			t.Fatalf("stage %s does not map back to %s", stage, tr)
		}
	}
	if _, ok := Initial.Tier(); ok {
		t.Fatalf("initial stage should not belong to a tier")
	}
	if _, ok := Complete.Tier(); ok {
		t.Fatalf("complete stage should not belong to a tier")
	}
}

func TestStagePast(t *testing.T) {
	if StageImportant.Past(Important) {
		t.Fatalf("stage should not be past its own tier")
	}
	if !StageSecondary.Past(Important) {
		t.Fatalf("secondary stage should be past important")
	}
	if !Complete.Past(Background) {
		t.Fatalf("complete should be past every tier")
	}
	if Complete.Past(Tier(9)) {
		t.Fatalf("invalid tier should never be reported as past")
	}
}

func TestTextRoundTrip(t *testing.T) {
	var tr Tier
	if err := tr.UnmarshalText([]byte("secondary")); err != nil {
		t.Fatalf("unmarshal tier: %v", err)
	}
	if tr != Secondary {
		t.Fatalf("expected secondary, got %s", tr)
	}
	if _, err := Tier(7).MarshalText(); err == nil {
		t.Fatalf("expected marshal error for invalid tier")
	}
	var s Stage
	if err := s.UnmarshalText([]byte("Complete")); err != nil {
		t.Fatalf("unmarshal stage: %v", err)
	}
	if s != Complete {
		t.Fatalf("expected complete, got %s", s)
	}
}
