// Package dispatch implements the desired/reported command protocol: a
// versioned desired write followed by a bounded wait for the controller's
// correlated acknowledgment.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/signalgrid/intersection-agent/internal/model"
	"github.com/signalgrid/intersection-agent/internal/store"
)

// Outcome is the soft result of a command. A command that times out waiting
// for its ack is unconfirmed, not failed: the live reported stream remains
// the source of truth either way.
type Outcome string

const (
	OutcomeApplied     Outcome = "applied"
	OutcomeRejected    Outcome = "rejected"
	OutcomeUnconfirmed Outcome = "unconfirmed"
)

// ErrBusy is returned while a previous command still awaits its ack window.
var ErrBusy = errors.New("a command is already in flight")

const (
	greenMinSeconds = 5
	greenMaxSeconds = 180

	// The ack wait is a light poll; the interval and bound are tunables.
	defaultAckTimeout      = 3 * time.Second
	defaultAckPollInterval = 100 * time.Millisecond
)

// Result carries the outcome of one dispatched command. Ack holds the last
// acknowledgment seen during the wait, which on timeout may belong to an
// older command or be empty.
type Result struct {
	Outcome   Outcome
	Ack       model.Ack
	RequestID string
	Version   int64
}

type Dispatcher struct {
	store          store.Store
	intersectionID string
	requestedBy    string
	ackTimeout     time.Duration
	pollInterval   time.Duration
	sending        atomic.Bool
	logger         *slog.Logger
	newRequestID   func() string
}

func New(st store.Store, intersectionID, requestedBy string, logger *slog.Logger) *Dispatcher {
	return NewWithTiming(st, intersectionID, requestedBy, defaultAckTimeout, defaultAckPollInterval, logger)
}

// NewWithTiming overrides the ack wait bound and poll interval.
func NewWithTiming(st store.Store, intersectionID, requestedBy string, ackTimeout, pollInterval time.Duration, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:          st,
		intersectionID: intersectionID,
		requestedBy:    requestedBy,
		ackTimeout:     ackTimeout,
		pollInterval:   pollInterval,
		logger:         logger,
		newRequestID:   uuid.NewString,
	}
}

// Sending reports whether a command is currently awaiting its ack window.
// Callers use it to disable redundant UI actions.
func (d *Dispatcher) Sending() bool {
	return d.sending.Load()
}

func (d *Dispatcher) SetDefault(ctx context.Context) (Result, error) {
	return d.send(ctx, model.ModeDefault, nil, nil)
}

func (d *Dispatcher) SetNight(ctx context.Context) (Result, error) {
	return d.send(ctx, model.ModeNight, nil, nil)
}

func (d *Dispatcher) SetEmergencyA(ctx context.Context) (Result, error) {
	return d.send(ctx, model.ModeEmergencyA, nil, nil)
}

func (d *Dispatcher) SetEmergencyB(ctx context.Context) (Result, error) {
	return d.send(ctx, model.ModeEmergencyB, nil, nil)
}

// SetPeak requests peak mode with per-direction green times in seconds.
// Inputs are clamped to [5, 180] before anything reaches the controller.
func (d *Dispatcher) SetPeak(ctx context.Context, greenAs, greenBs int) (Result, error) {
	greenAs = clampGreen(greenAs)
	greenBs = clampGreen(greenBs)
	payload := map[string]any{
		"peak": map[string]any{"greenA_s": greenAs, "greenB_s": greenBs},
	}
	startExtra := map[string]any{"greenA_s": greenAs, "greenB_s": greenBs}
	return d.send(ctx, model.ModePeak, payload, startExtra)
}

func clampGreen(seconds int) int {
	if seconds < greenMinSeconds {
		return greenMinSeconds
	}
	if seconds > greenMaxSeconds {
		return greenMaxSeconds
	}
	return seconds
}

// send runs the full command protocol. The mode_end entry for the outgoing
// mode is written before the desired write and records the intent to leave
// that mode; it stands even when no ack ever arrives. The mode_start entry
// is written only after a matching applied ack.
func (d *Dispatcher) send(ctx context.Context, mode model.Mode, extra, startExtra map[string]any) (Result, error) {
	if !d.sending.CompareAndSwap(false, true) {
		return Result{}, ErrBusy
	}
	defer d.sending.Store(false)

	prevBody, err := d.store.Get(ctx, store.Reported(d.intersectionID))
	if err != nil {
		return Result{}, fmt.Errorf("read reported: %w", err)
	}
	prev := model.DecodeReported(prevBody)
	if prev.Mode != mode {
		d.logModeEnd(ctx, prev)
	}

	version, err := d.nextVersion(ctx)
	if err != nil {
		return Result{}, err
	}
	requestID := d.newRequestID()

	fields := map[string]any{
		"mode": string(mode),
		"peak": nil, // cleared unless the command carries peak times
		"meta": map[string]any{
			"requestedBy": d.requestedBy,
			"requestedAt": store.ServerTimestamp,
			"requestId":   requestID,
			"version":     version,
		},
	}
	for key, value := range extra {
		fields[key] = value
	}
	if err := d.store.Update(ctx, store.Desired(d.intersectionID), fields); err != nil {
		return Result{}, fmt.Errorf("write desired: %w", err)
	}
	d.logger.Info("desired written",
		"intersection", d.intersectionID, "mode", mode, "version", version, "request_id", requestID)

	ack, matched, err := d.awaitAck(ctx, requestID, version)
	if err != nil {
		return Result{}, err
	}

	result := Result{Outcome: OutcomeUnconfirmed, Ack: ack, RequestID: requestID, Version: version}
	if matched {
		switch ack.Status {
		case model.AckApplied:
			result.Outcome = OutcomeApplied
			d.logModeStart(ctx, mode, startExtra)
		case model.AckRejected:
			result.Outcome = OutcomeRejected
			d.logger.Warn("command rejected",
				"intersection", d.intersectionID, "mode", mode, "reason", ack.Reason)
		}
	} else {
		d.logger.Info("ack window elapsed without match",
			"intersection", d.intersectionID, "mode", mode, "version", version)
	}
	return result, nil
}

// nextVersion reads the last committed desired version and bumps it by one.
// An absent document yields version 0.
func (d *Dispatcher) nextVersion(ctx context.Context) (int64, error) {
	body, err := d.store.Get(ctx, store.DesiredVersion(d.intersectionID))
	if err != nil {
		return 0, fmt.Errorf("read desired version: %w", err)
	}
	current := int64(-1)
	if len(body) > 0 {
		if err := json.Unmarshal(body, &current); err != nil {
			current = -1
		}
	}
	return current + 1, nil
}

// awaitAck polls the reported ack until it matches requestId AND
// desiredVersion with a non-empty status, or until the bound elapses. An ack
// matching only the requestId (a replayed command under another version) is
// never accepted.
func (d *Dispatcher) awaitAck(ctx context.Context, requestID string, version int64) (model.Ack, bool, error) {
	deadline := time.NewTimer(d.ackTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	var last model.Ack
	for {
		body, err := d.store.Get(ctx, store.ReportedAck(d.intersectionID))
		if err != nil {
			return last, false, fmt.Errorf("read ack: %w", err)
		}
		if len(body) > 0 {
			var ack model.Ack
			if json.Unmarshal(body, &ack) == nil {
				last = ack
				if ack.RequestID == requestID && ack.DesiredVersion == version && ack.Status != "" {
					return ack, true, nil
				}
			}
		}
		select {
		case <-ctx.Done():
			return last, false, ctx.Err()
		case <-deadline.C:
			return last, false, nil
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) logModeEnd(ctx context.Context, prev model.Reported) {
	entry := map[string]any{
		"type":    "mode_end",
		"mode":    string(prev.Mode),
		"endedAt": store.ServerTimestamp,
		"source":  d.requestedBy,
		"durations_ms": map[string]any{
			"greenA_ms": prev.Durations.GreenAMs,
			"greenB_ms": prev.Durations.GreenBMs,
			"yellow_ms": prev.Durations.YellowMs,
			"clear_ms":  prev.Durations.ClearMs,
		},
	}
	if _, err := d.store.Push(ctx, store.Logs(d.intersectionID), entry); err != nil {
		d.logger.Warn("mode_end log write failed", "err", err)
	}
}

func (d *Dispatcher) logModeStart(ctx context.Context, mode model.Mode, extra map[string]any) {
	entry := map[string]any{
		"type":      "mode_start",
		"mode":      string(mode),
		"startedAt": store.ServerTimestamp,
		"source":    d.requestedBy,
	}
	for key, value := range extra {
		entry[key] = value
	}
	if _, err := d.store.Push(ctx, store.Logs(d.intersectionID), entry); err != nil {
		d.logger.Warn("mode_start log write failed", "err", err)
	}
}
