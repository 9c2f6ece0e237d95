package timing

import (
	"testing"

	"github.com/signalgrid/intersection-agent/internal/model"
)

func TestPhaseTotalPerPhase(t *testing.T) {
	d := model.Durations{GreenAMs: 5000, GreenBMs: 7000, YellowMs: 3000, ClearMs: 1000}

	cases := []struct {
		phase model.Phase
		want  int64
	}{
		{model.PhaseAGreen, 5000},
		{model.PhaseAYellow, 3000},
		{model.PhaseAllRedAB, 1000},
		{model.PhaseBGreen, 7000},
		{model.PhaseBYellow, 3000},
		{model.PhaseAllRedBA, 1000},
		{model.PhaseUnknown, 0},
	}
	for _, tc := range cases {
		if got := PhaseTotal(tc.phase, model.ModeDefault, d); got != tc.want {
			t.Fatalf("PhaseTotal(%s) = %d, want %d", tc.phase, got, tc.want)
		}
	}
}

func TestPhaseTotalNightIsZero(t *testing.T) {
	d := model.DefaultDurations()
	for _, phase := range []model.Phase{model.PhaseAGreen, model.PhaseBYellow, model.PhaseAllRedBA} {
		if got := PhaseTotal(phase, model.ModeNight, d); got != 0 {
			t.Fatalf("night PhaseTotal(%s) = %d, want 0", phase, got)
		}
	}
}

func TestDeriveLightsPhaseTable(t *testing.T) {
	cases := []struct {
		phase model.Phase
		want  model.Lights
	}{
		{model.PhaseAGreen, model.Lights{AGreen: true, BRed: true}},
		{model.PhaseAYellow, model.Lights{AYellow: true, BRed: true}},
		{model.PhaseAllRedAB, model.Lights{ARed: true, BRed: true}},
		{model.PhaseBGreen, model.Lights{ARed: true, BGreen: true}},
		{model.PhaseBYellow, model.Lights{ARed: true, BYellow: true}},
		{model.PhaseAllRedBA, model.Lights{ARed: true, BRed: true}},
		{model.PhaseUnknown, model.Lights{ARed: true, BRed: true}},
	}
	for _, tc := range cases {
		if got := DeriveLights(model.ModeDefault, tc.phase, 123456); got != tc.want {
			t.Fatalf("DeriveLights(default, %s) = %+v, want %+v", tc.phase, got, tc.want)
		}
	}
}

func TestDeriveLightsEmergency(t *testing.T) {
	a := DeriveLights(model.ModeEmergencyA, model.PhaseBGreen, 0)
	if a != (model.Lights{AGreen: true, BRed: true}) {
		t.Fatalf("emergency_A lights = %+v", a)
	}
	b := DeriveLights(model.ModeEmergencyB, model.PhaseAGreen, 99999)
	if b != (model.Lights{ARed: true, BGreen: true}) {
		t.Fatalf("emergency_B lights = %+v", b)
	}
}

func TestNightBlinkDutyCycle(t *testing.T) {
	base := int64(10_000) // straddles a 500 ms boundary
	first := DeriveLights(model.ModeNight, model.PhaseAGreen, base)
	opposite := DeriveLights(model.ModeNight, model.PhaseAGreen, base+500)
	same := DeriveLights(model.ModeNight, model.PhaseAGreen, base+1000)

	if first.AYellow == opposite.AYellow {
		t.Fatalf("expected opposite yellow state 500ms apart, got %v twice", first.AYellow)
	}
	if first != same {
		t.Fatalf("expected identical state 1000ms apart, got %+v vs %+v", first, same)
	}
	if first.AYellow != first.BYellow {
		t.Fatalf("night blink must drive both directions identically, got %+v", first)
	}
	if first.ARed || first.AGreen || first.BRed || first.BGreen {
		t.Fatalf("night mode must keep red/green off, got %+v", first)
	}
}

func TestRemainingCountdown(t *testing.T) {
	rep := model.Reported{
		Mode:         model.ModeDefault,
		Phase:        model.PhaseAGreen,
		PhaseStartAt: 1_000_000,
		Durations:    model.Durations{GreenAMs: 5000, GreenBMs: 5000, YellowMs: 3000, ClearMs: 1000},
	}

	left, total := Remaining(rep, 1_002_000)
	if total != 5000 || left != 3000 {
		t.Fatalf("Remaining at T+2000 = (%d, %d), want (3000, 5000)", left, total)
	}

	// serverNow behind phaseStartAt clamps elapsed to zero.
	left, _ = Remaining(rep, 999_000)
	if left != 5000 {
		t.Fatalf("Remaining before phase start = %d, want 5000", left)
	}

	// long overrun clamps to zero.
	left, _ = Remaining(rep, 1_100_000)
	if left != 0 {
		t.Fatalf("Remaining after overrun = %d, want 0", left)
	}
}

func TestEndToEndDefaultAGreenScenario(t *testing.T) {
	rep := model.Reported{
		Mode:         model.ModeDefault,
		Phase:        model.PhaseAGreen,
		PhaseStartAt: 50_000,
		Durations:    model.Durations{GreenAMs: 5000, GreenBMs: 5000, YellowMs: 3000, ClearMs: 1000},
	}
	serverNow := rep.PhaseStartAt + 2000

	left, total := Remaining(rep, serverNow)
	if left != 3000 || total != 5000 {
		t.Fatalf("got (left=%d, total=%d), want (3000, 5000)", left, total)
	}
	lights := DeriveLights(rep.Mode, rep.Phase, serverNow)
	if !lights.AGreen || !lights.BRed || lights.AYellow || lights.ARed || lights.BGreen || lights.BYellow {
		t.Fatalf("lights = %+v, want A green / B red only", lights)
	}
}
