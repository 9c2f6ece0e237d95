// Package sim runs a stand-in for the ESP controller against the same store
// documents the real firmware uses: it applies versioned desired writes,
// answers correlated acks, steps the six-phase cycle, and heartbeats the
// connection record. Used by development setups and the end-to-end tests;
// the production counterpart is the external firmware.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/signalgrid/intersection-agent/internal/model"
	"github.com/signalgrid/intersection-agent/internal/store"
	"github.com/signalgrid/intersection-agent/internal/timing"
)

type Device struct {
	store          store.Store
	intersectionID string
	heartbeatEvery time.Duration
	stepEvery      time.Duration
	logger         *slog.Logger
	now            func() int64

	mode         model.Mode
	priority     string
	phase        model.Phase
	phaseStartAt int64
	durations    model.Durations
	peak         *model.PeakGreens
	ack          *model.Ack
	lastApplied  int64
}

func New(st store.Store, intersectionID string, heartbeatEvery time.Duration, logger *slog.Logger) *Device {
	return &Device{
		store:          st,
		intersectionID: intersectionID,
		heartbeatEvery: heartbeatEvery,
		stepEvery:      50 * time.Millisecond,
		logger:         logger,
		now:            func() int64 { return time.Now().UnixMilli() },
		mode:           model.ModeDefault,
		phase:          model.PhaseAGreen,
		durations:      model.DefaultDurations(),
		lastApplied:    -1,
	}
}

// Run drives the device loop until the context ends.
func (d *Device) Run(ctx context.Context) error {
	desiredCh, cancelDesired, err := d.store.Subscribe(ctx, store.Desired(d.intersectionID))
	if err != nil {
		return err
	}
	defer cancelDesired()

	d.phaseStartAt = d.now()
	if err := d.writeReported(ctx); err != nil {
		return err
	}
	if err := d.heartbeat(ctx); err != nil {
		return err
	}

	beat := time.NewTicker(d.heartbeatEvery)
	defer beat.Stop()
	step := time.NewTicker(d.stepEvery)
	defer step.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case body, ok := <-desiredCh:
			if !ok {
				return fmt.Errorf("desired stream terminated")
			}
			if len(body) == 0 {
				continue
			}
			if err := d.applyDesired(ctx, model.DecodeDesired(body)); err != nil {
				d.logger.Error("apply desired failed", "err", err)
			}
		case <-step.C:
			if err := d.stepPhase(ctx); err != nil {
				d.logger.Error("phase step failed", "err", err)
			}
		case <-beat.C:
			if err := d.heartbeat(ctx); err != nil {
				d.logger.Error("heartbeat failed", "err", err)
			}
		}
	}
}

// applyDesired enforces monotonic version fencing: any write whose version
// is not newer than the last applied one is ignored, which makes a delayed
// or replayed command harmless.
func (d *Device) applyDesired(ctx context.Context, desired model.Desired) error {
	if desired.Meta.RequestID == "" || desired.Meta.Version <= d.lastApplied {
		return nil
	}
	d.lastApplied = desired.Meta.Version

	ack := model.Ack{
		RequestID:      desired.Meta.RequestID,
		DesiredVersion: desired.Meta.Version,
		Status:         model.AckApplied,
	}
	if desired.Mode == model.ModePeak && desired.Peak == nil {
		ack.Status = model.AckRejected
		ack.Reason = "peak mode requires green times"
	} else {
		wasTimed := d.mode == model.ModeDefault || d.mode == model.ModePeak
		d.mode = desired.Mode
		d.peak = nil
		d.priority = ""
		switch desired.Mode {
		case model.ModePeak:
			d.peak = desired.Peak
		case model.ModeEmergencyA:
			d.priority = "A"
		case model.ModeEmergencyB:
			d.priority = "B"
		}
		if !wasTimed && (d.mode == model.ModeDefault || d.mode == model.ModePeak) {
			d.phase = model.PhaseAGreen
			d.phaseStartAt = d.now()
		}
	}
	d.ack = &ack
	d.logger.Info("desired processed",
		"version", desired.Meta.Version, "mode", desired.Mode, "status", ack.Status)
	return d.writeReported(ctx)
}

// stepPhase advances the cycle when the current phase has run its full
// duration. Only the timed modes run the phase machine.
func (d *Device) stepPhase(ctx context.Context) error {
	if d.mode != model.ModeDefault && d.mode != model.ModePeak {
		return nil
	}
	total := timing.PhaseTotal(d.phase, d.mode, d.effectiveDurations())
	if total <= 0 {
		return nil
	}
	now := d.now()
	if now-d.phaseStartAt < total {
		return nil
	}
	d.phase = d.phase.Next()
	d.phaseStartAt = now
	return d.writeReported(ctx)
}

// effectiveDurations applies peak green-time overrides to the base set.
func (d *Device) effectiveDurations() model.Durations {
	durations := d.durations
	if d.mode == model.ModePeak && d.peak != nil {
		durations.GreenAMs = d.peak.GreenAs * 1000
		durations.GreenBMs = d.peak.GreenBs * 1000
	}
	return durations
}

func (d *Device) writeReported(ctx context.Context) error {
	doc := map[string]any{
		"mode":         string(d.mode),
		"phase":        string(d.phase),
		"phaseStartAt": d.phaseStartAt,
		"durations": map[string]any{
			"greenA_ms": d.durations.GreenAMs,
			"greenB_ms": d.durations.GreenBMs,
			"yellow_ms": d.durations.YellowMs,
			"clear_ms":  d.durations.ClearMs,
		},
	}
	if d.priority != "" {
		doc["emergencyPriority"] = d.priority
	}
	if d.peak != nil {
		doc["peak"] = map[string]any{"greenA_s": d.peak.GreenAs, "greenB_s": d.peak.GreenBs}
	}
	if d.ack != nil {
		doc["ack"] = map[string]any{
			"requestId":      d.ack.RequestID,
			"desiredVersion": d.ack.DesiredVersion,
			"status":         d.ack.Status,
			"reason":         nonEmpty(d.ack.Reason),
		}
	}
	return d.store.Set(ctx, store.Reported(d.intersectionID), doc)
}

func (d *Device) heartbeat(ctx context.Context) error {
	return d.store.Update(ctx, store.ConnectionESP(d.intersectionID), map[string]any{
		"online":     true,
		"lastSeenAt": store.ServerTimestamp,
		"info": map[string]any{
			"espId": "sim-" + d.intersectionID,
			"ip":    "127.0.0.1",
			"fw":    "sim-1.0",
		},
	})
}

func nonEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
