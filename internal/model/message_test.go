package model_test

import (
	"testing"

	"github.com/riskpy/risk-sms/internal/model"
)

func TestStatusFromCode_RoundTrip(t *testing.T) {
	t.Parallel()

	all := []model.Status{
		model.StatusPendingSend,
		model.StatusInProgress,
		model.StatusSent,
		model.StatusErrorProcessed,
		model.StatusCancelled,
	}
	for _, s := range all {
		got, ok := model.StatusFromCode(s.Code())
		if !ok {
			t.Fatalf("StatusFromCode(%q) not found", s.Code())
		}
		if got != s {
			t.Fatalf("StatusFromCode(%q) = %q, want %q", s.Code(), got, s)
		}
		if s.Description() == "" {
			t.Fatalf("status %q has no description", s.Code())
		}
	}
}

func TestStatusFromCode_Unknown(t *testing.T) {
	t.Parallel()

	for _, code := range []string{"", "X", "PP", "p"} {
		if got, ok := model.StatusFromCode(code); ok {
			t.Fatalf("StatusFromCode(%q) = %q, want absent", code, got)
		}
	}
}

func TestStatusCodes_Frozen(t *testing.T) {
	t.Parallel()

	want := map[model.Status]string{
		model.StatusPendingSend:    "P",
		model.StatusInProgress:     "N",
		model.StatusSent:           "E",
		model.StatusErrorProcessed: "R",
		model.StatusCancelled:      "A",
	}
	for s, code := range want {
		if s.Code() != code {
			t.Fatalf("status %v code = %q, want %q", s, s.Code(), code)
		}
	}
}

func TestSendMode_Known(t *testing.T) {
	t.Parallel()

	for _, m := range []model.SendMode{
		model.ModeParallel,
		model.ModeParallelSpaced,
		model.ModeSequentialSpaced,
		model.ModeSequentialSpacedAsync,
	} {
		if !m.Known() {
			t.Fatalf("mode %q should be known", m)
		}
	}
	if model.SendMode("turbo").Known() {
		t.Fatal("unknown mode reported as known")
	}
}
