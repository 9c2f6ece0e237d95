// Package timing holds the pure phase/timing model. Everything here is a
// deterministic function of (mode, phase, durations, serverNow); the store is
// never consulted, which is what lets the UI countdown tick smoothly between
// reported updates.
package timing

import "github.com/signalgrid/intersection-agent/internal/model"

// blinkPeriodMs gives the ~2 Hz night blink: 500 ms on, 500 ms off.
const blinkPeriodMs = 500

// PhaseTotal returns the configured total duration of phase in milliseconds.
// Night mode runs no phase machine, so every phase totals zero there.
// PhaseUnknown is malformed input and totals zero (rendered all-red).
func PhaseTotal(phase model.Phase, mode model.Mode, d model.Durations) int64 {
	if mode == model.ModeNight {
		return 0
	}
	switch phase {
	case model.PhaseAGreen:
		return int64(d.GreenAMs)
	case model.PhaseAYellow, model.PhaseBYellow:
		return int64(d.YellowMs)
	case model.PhaseAllRedAB, model.PhaseAllRedBA:
		return int64(d.ClearMs)
	case model.PhaseBGreen:
		return int64(d.GreenBMs)
	default:
		return 0
	}
}

// DeriveLights computes the lamp state for both directions at serverNow.
func DeriveLights(mode model.Mode, phase model.Phase, serverNow int64) model.Lights {
	if mode == model.ModeNight {
		blink := (serverNow/blinkPeriodMs)%2 == 0
		return model.Lights{AYellow: blink, BYellow: blink}
	}
	if mode == model.ModeEmergencyA {
		return model.Lights{AGreen: true, BRed: true}
	}
	if mode == model.ModeEmergencyB {
		return model.Lights{ARed: true, BGreen: true}
	}

	switch phase {
	case model.PhaseAGreen:
		return model.Lights{AGreen: true, BRed: true}
	case model.PhaseAYellow:
		return model.Lights{AYellow: true, BRed: true}
	case model.PhaseBGreen:
		return model.Lights{ARed: true, BGreen: true}
	case model.PhaseBYellow:
		return model.Lights{ARed: true, BYellow: true}
	case model.PhaseAllRedAB, model.PhaseAllRedBA:
		return model.Lights{ARed: true, BRed: true}
	default:
		// Malformed phase: hold both directions at red.
		return model.Lights{ARed: true, BRed: true}
	}
}

// Remaining returns (timeLeft, total) for the current phase at serverNow.
// Both values are clamped so timeLeft is always within [0, total] even when
// phaseStartAt sits ahead of the local clock estimate.
func Remaining(rep model.Reported, serverNow int64) (timeLeft, total int64) {
	total = PhaseTotal(rep.Phase, rep.Mode, rep.Durations)
	elapsed := serverNow - rep.PhaseStartAt
	if elapsed < 0 {
		elapsed = 0
	}
	timeLeft = total - elapsed
	if timeLeft < 0 {
		timeLeft = 0
	}
	return timeLeft, total
}
