package model

import (
	"encoding/json"
	"strings"
)

// Mode is the operating mode requested by the client and reported by the
// controller. Unrecognized strings decode to ModeDefault.
type Mode string

const (
	ModeDefault    Mode = "default"
	ModeNight      Mode = "night"
	ModeEmergencyA Mode = "emergency_A"
	ModeEmergencyB Mode = "emergency_B"
	ModePeak       Mode = "peak"
)

// ParseMode decodes a mode name tolerantly; anything unknown is the default
// cycle so a misbehaving writer can never wedge the client.
func ParseMode(raw string) Mode {
	switch Mode(raw) {
	case ModeNight, ModeEmergencyA, ModeEmergencyB, ModePeak:
		return Mode(raw)
	default:
		return ModeDefault
	}
}

func (m *Mode) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		*m = ModeDefault
		return nil
	}
	*m = ParseMode(raw)
	return nil
}

// Phase is one step of the fixed six-phase cycle. The controller owns phase
// transitions; the client only renders them. PhaseUnknown marks malformed
// input and renders as all-red.
type Phase string

const (
	PhaseAGreen   Phase = "A_GREEN"
	PhaseAYellow  Phase = "A_YELLOW"
	PhaseAllRedAB Phase = "ALL_RED_A2B"
	PhaseBGreen   Phase = "B_GREEN"
	PhaseBYellow  Phase = "B_YELLOW"
	PhaseAllRedBA Phase = "ALL_RED_B2A"
	PhaseUnknown  Phase = "UNKNOWN"
)

// ParsePhase decodes a phase name; unrecognized strings map to PhaseUnknown.
func ParsePhase(raw string) Phase {
	switch Phase(raw) {
	case PhaseAGreen, PhaseAYellow, PhaseAllRedAB, PhaseBGreen, PhaseBYellow, PhaseAllRedBA:
		return Phase(raw)
	default:
		return PhaseUnknown
	}
}

func (p *Phase) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		*p = PhaseUnknown
		return nil
	}
	*p = ParsePhase(raw)
	return nil
}

// Next returns the phase that follows p in the standard cycle.
func (p Phase) Next() Phase {
	switch p {
	case PhaseAGreen:
		return PhaseAYellow
	case PhaseAYellow:
		return PhaseAllRedAB
	case PhaseAllRedAB:
		return PhaseBGreen
	case PhaseBGreen:
		return PhaseBYellow
	case PhaseBYellow:
		return PhaseAllRedBA
	default:
		return PhaseAGreen
	}
}

// Durations holds per-phase timings in milliseconds, supplied by the
// controller. The zero value is not usable; use DefaultDurations for
// bootstrap before the first reported snapshot arrives.
type Durations struct {
	GreenAMs int `json:"greenA_ms"`
	GreenBMs int `json:"greenB_ms"`
	YellowMs int `json:"yellow_ms"`
	ClearMs  int `json:"clear_ms"`
}

func DefaultDurations() Durations {
	return Durations{GreenAMs: 5000, GreenBMs: 5000, YellowMs: 3000, ClearMs: 1000}
}

func (d *Durations) UnmarshalJSON(data []byte) error {
	aux := struct {
		GreenAMs *int `json:"greenA_ms"`
		GreenBMs *int `json:"greenB_ms"`
		YellowMs *int `json:"yellow_ms"`
		ClearMs  *int `json:"clear_ms"`
	}{}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*d = DefaultDurations()
	if aux.GreenAMs != nil {
		d.GreenAMs = *aux.GreenAMs
	}
	if aux.GreenBMs != nil {
		d.GreenBMs = *aux.GreenBMs
	}
	if aux.YellowMs != nil {
		d.YellowMs = *aux.YellowMs
	}
	if aux.ClearMs != nil {
		d.ClearMs = *aux.ClearMs
	}
	return nil
}

// Ack is the controller's reply to the most recently processed desired write.
// A pending command is correlated by requestId AND desiredVersion together;
// matching only one of them is never sufficient.
type Ack struct {
	RequestID      string `json:"requestId"`
	DesiredVersion int64  `json:"desiredVersion"`
	Status         string `json:"status"` // "applied" | "rejected"
	Reason         string `json:"reason,omitempty"`
}

const (
	AckApplied  = "applied"
	AckRejected = "rejected"
)

// PeakGreens carries peak-mode green times in seconds.
type PeakGreens struct {
	GreenAs int `json:"greenA_s"`
	GreenBs int `json:"greenB_s"`
}

// Reported is the controller-authoritative snapshot under /reported.
// Read-only to the client.
type Reported struct {
	Mode              Mode        `json:"mode"`
	EmergencyPriority string      `json:"emergencyPriority,omitempty"` // "A" | "B" | ""
	Phase             Phase       `json:"phase"`
	PhaseStartAt      int64       `json:"phaseStartAt"` // server epoch ms
	Durations         Durations   `json:"durations"`
	Peak              *PeakGreens `json:"peak,omitempty"`
	Ack               *Ack        `json:"ack,omitempty"`
}

// DecodeReported parses a reported document, falling back to bootstrap
// defaults for anything absent or malformed.
func DecodeReported(body []byte) Reported {
	rep := Reported{
		Mode:      ModeDefault,
		Phase:     PhaseAGreen,
		Durations: DefaultDurations(),
	}
	if len(body) == 0 {
		return rep
	}
	if err := json.Unmarshal(body, &rep); err != nil {
		return Reported{Mode: ModeDefault, Phase: PhaseAGreen, Durations: DefaultDurations()}
	}
	if rep.Durations == (Durations{}) {
		rep.Durations = DefaultDurations()
	}
	if rep.Phase == "" {
		rep.Phase = PhaseAGreen
	}
	if rep.Mode == "" {
		rep.Mode = ModeDefault
	}
	return rep
}

// DesiredMeta is the version-fencing block of a desired write. Version is
// strictly increasing per intersection; the controller ignores any desired
// write whose version is not newer than the last one it applied.
type DesiredMeta struct {
	RequestedBy string `json:"requestedBy"`
	RequestedAt int64  `json:"requestedAt"`
	RequestID   string `json:"requestId"`
	Version     int64  `json:"version"`
}

// Desired is the client-authoritative command document under /desired.
type Desired struct {
	Mode Mode        `json:"mode"`
	Peak *PeakGreens `json:"peak,omitempty"`
	Meta DesiredMeta `json:"meta"`
}

func DecodeDesired(body []byte) Desired {
	var d Desired
	if len(body) == 0 {
		return Desired{Mode: ModeDefault, Meta: DesiredMeta{Version: -1}}
	}
	if err := json.Unmarshal(body, &d); err != nil {
		return Desired{Mode: ModeDefault, Meta: DesiredMeta{Version: -1}}
	}
	return d
}

// ConnectionInfo is controller-supplied metadata under /connection/esp/info.
type ConnectionInfo struct {
	IP       string `json:"ip,omitempty"`
	RSSI     int    `json:"rssi,omitempty"`
	EspID    string `json:"espId,omitempty"`
	Firmware string `json:"fw,omitempty"`
}

// ConnectionState is the raw liveness record under /connection/esp. The
// controller writes all fields; the liveness guardian only ever lowers the
// online flag, never raises it.
type ConnectionState struct {
	Online     bool           `json:"online"`
	LastSeenAt int64          `json:"lastSeenAt"`
	Info       ConnectionInfo `json:"info"`
	FwVersion  string         `json:"fwVersion,omitempty"`
	StaleSince int64          `json:"staleSince,omitempty"`
	ResetBy    string         `json:"resetBy,omitempty"`
}

// Firmware returns the firmware string, accepting both the nested info/fw
// field and the newer top-level fwVersion.
func (c ConnectionState) Firmware() string {
	if c.Info.Firmware != "" {
		return c.Info.Firmware
	}
	return c.FwVersion
}

// DecodeConnection parses a connection document; absent means offline.
func DecodeConnection(body []byte) ConnectionState {
	var c ConnectionState
	if len(body) == 0 {
		return c
	}
	if err := json.Unmarshal(body, &c); err != nil {
		return ConnectionState{}
	}
	return c
}

// EffectiveOnline intersects the raw online flag with non-staleness: the
// record counts as live only while the last heartbeat is younger than
// staleAfterMs relative to serverNow.
func (c ConnectionState) EffectiveOnline(serverNow, staleAfterMs int64) bool {
	return c.Online && serverNow-c.LastSeenAt < staleAfterMs
}

// Lights is the derived lamp state for both directions.
type Lights struct {
	ARed    bool `json:"a_red"`
	AYellow bool `json:"a_yellow"`
	AGreen  bool `json:"a_green"`
	BRed    bool `json:"b_red"`
	BYellow bool `json:"b_yellow"`
	BGreen  bool `json:"b_green"`
}

// LiveState is the composite view produced by the state observer: the latest
// reported snapshot rendered against the synchronized server clock, plus the
// effective connection state. All fields are comparable so unchanged
// composites can be deduplicated with plain equality.
type LiveState struct {
	Mode        Mode            `json:"mode"`
	Phase       Phase           `json:"phase"`
	ServerNow   int64           `json:"serverNow"`
	TimeLeftMs  int64           `json:"timeLeftMs"`
	TotalMs     int64           `json:"totalMs"`
	Lights      Lights          `json:"lights"`
	Ack         Ack             `json:"ack"`
	Durations   Durations       `json:"durations"`
	Connection  ConnectionState `json:"connection"`
	Online      bool            `json:"online"` // effective, not raw
}

// LogType classifies audit log entries.
type LogType string

const (
	LogModeStart LogType = "mode_start"
	LogModeEnd   LogType = "mode_end"
	LogUnknown   LogType = "unknown"
)

func ParseLogType(raw string) LogType {
	switch strings.ToLower(raw) {
	case "mode_start":
		return LogModeStart
	case "mode_end":
		return LogModeEnd
	default:
		return LogUnknown
	}
}

// LogEntry is one append-only audit record projected for display.
type LogEntry struct {
	ID      string  `json:"id"`
	Type    LogType `json:"type"`
	Mode    Mode    `json:"mode"`
	Ts      int64   `json:"ts"` // startedAt if present, else endedAt, else 0
	Source  string  `json:"source,omitempty"`
	GreenAs int     `json:"greenA_s,omitempty"`
	GreenBs int     `json:"greenB_s,omitempty"`
}

// DecodeLogEntry parses one raw log child into a display entry.
func DecodeLogEntry(id string, body []byte) LogEntry {
	aux := struct {
		Type      string `json:"type"`
		Mode      string `json:"mode"`
		StartedAt *int64 `json:"startedAt"`
		EndedAt   *int64 `json:"endedAt"`
		Source    string `json:"source"`
		GreenAs   int    `json:"greenA_s"`
		GreenBs   int    `json:"greenB_s"`
	}{}
	entry := LogEntry{ID: id, Type: LogUnknown, Mode: ModeDefault}
	if len(body) == 0 || json.Unmarshal(body, &aux) != nil {
		return entry
	}
	entry.Type = ParseLogType(aux.Type)
	entry.Mode = ParseMode(aux.Mode)
	switch {
	case aux.StartedAt != nil:
		entry.Ts = *aux.StartedAt
	case aux.EndedAt != nil:
		entry.Ts = *aux.EndedAt
	}
	entry.Source = aux.Source
	entry.GreenAs = aux.GreenAs
	entry.GreenBs = aux.GreenBs
	return entry
}
