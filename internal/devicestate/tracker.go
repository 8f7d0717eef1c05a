// Package devicestate tracks live printer state pushed by the external
// MQTT relay and queues device commands for it to execute. The relay
// owns the actual printer sessions; this package is the in-process view
// of them.
package devicestate

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wreuel/bambuddy-sub000/internal/core"
)

var ErrPlugUnknown = errors.New("no plug state reported for printer")

const (
	CommandStartPrint = "start_print"
	CommandStopPrint  = "stop_print"
	CommandPowerOn    = "power_on"
	CommandPowerOff   = "power_off"
)

// Command is one device instruction waiting for the relay to pick up.
type Command struct {
	ID        string         `json:"id"`
	PrinterID int64          `json:"printer_id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// StateReport is one telemetry push from the relay.
type StateReport struct {
	Stage      string                `json:"stage"`
	GcodeFile  string                `json:"gcode_file"`
	NozzleTemp float64               `json:"nozzle_temp"`
	BedTemp    float64               `json:"bed_temp"`
	Filaments  []core.LoadedFilament `json:"filaments"`
	PlugOn     *bool                 `json:"plug_on,omitempty"`
}

type printerRecord struct {
	state     core.DeviceState
	lastStage string
	plugOn    bool
	plugKnown bool
	lastSeen  time.Time
}

// ResultHandler is notified when a printer's stage transitions into a
// terminal print state (FINISH or FAILED).
type ResultHandler func(printerID int64, stage string)

// Tracker holds the last reported state per printer and a per-printer
// command outbox. A printer counts as connected while reports keep
// arriving within the staleness window.
type Tracker struct {
	mu         sync.Mutex
	printers   map[int64]*printerRecord
	outbox     map[int64][]Command
	staleAfter time.Duration
	onResult   ResultHandler
	expected   *core.ExpectedPrints
}

func NewTracker(staleAfter time.Duration, expected *core.ExpectedPrints) *Tracker {
	if staleAfter <= 0 {
		staleAfter = 90 * time.Second
	}
	return &Tracker{
		printers:   make(map[int64]*printerRecord),
		outbox:     make(map[int64][]Command),
		staleAfter: staleAfter,
		expected:   expected,
	}
}

// OnResult installs the terminal-stage handler. Must be called before
// reports start arriving.
func (t *Tracker) OnResult(handler ResultHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onResult = handler
}

// Ingest records a state report. Detecting the RUNNING→FINISH/FAILED
// edge here, rather than on every report, keeps the result handler from
// firing repeatedly while the device idles on the finish screen.
func (t *Tracker) Ingest(printerID int64, report StateReport) {
	t.mu.Lock()
	rec, ok := t.printers[printerID]
	if !ok {
		rec = &printerRecord{}
		t.printers[printerID] = rec
	}

	prevStage := rec.lastStage
	rec.state = core.DeviceState{
		Stage:      report.Stage,
		GcodeFile:  report.GcodeFile,
		NozzleTemp: report.NozzleTemp,
		BedTemp:    report.BedTemp,
		Filaments:  report.Filaments,
	}
	rec.lastStage = report.Stage
	rec.lastSeen = time.Now()
	if report.PlugOn != nil {
		rec.plugOn = *report.PlugOn
		rec.plugKnown = true
	}
	handler := t.onResult
	t.mu.Unlock()

	if report.Stage == core.StageRunning && prevStage != core.StageRunning && t.expected != nil {
		// Consuming here stops the relay from re-archiving files this
		// service uploaded itself.
		if t.expected.Consume(printerID, report.GcodeFile) {
			log.Printf("[devicestate] printer %d started expected print %s", printerID, report.GcodeFile)
		}
	}

	terminal := report.Stage == core.StageFinish || report.Stage == core.StageFailed
	if terminal && prevStage != report.Stage && handler != nil {
		handler(printerID, report.Stage)
	}
}

func (t *Tracker) IsConnected(printerID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.printers[printerID]
	return ok && time.Since(rec.lastSeen) < t.staleAfter
}

func (t *Tracker) GetStatus(printerID int64) (*core.DeviceState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.printers[printerID]
	if !ok {
		return &core.DeviceState{Stage: core.StageIdle}, nil
	}
	state := rec.state
	return &state, nil
}

func (t *Tracker) MarkOffline(printerID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.printers, printerID)
}

func (t *Tracker) StartPrint(printerID int64, remoteFilename string, plateID int, amsMapping []int, opts core.PrintOptions) bool {
	t.enqueue(printerID, CommandStartPrint, map[string]any{
		"file":                  remoteFilename,
		"plate_id":              plateID,
		"ams_mapping":           amsMapping,
		"bed_leveling":          opts.BedLeveling,
		"flow_calibration":      opts.FlowCalibration,
		"vibration_calibration": opts.VibrationCalibration,
		"layer_inspection":      opts.LayerInspection,
		"timelapse":             opts.Timelapse,
		"use_ams":               opts.UseAMS,
	})
	return true
}

func (t *Tracker) StopPrint(printerID int64) bool {
	t.enqueue(printerID, CommandStopPrint, nil)
	return true
}

// WaitForCooldown blocks until the bed cools to targetTemp or the
// timeout passes. A printer that stops reporting counts as cooled.
func (t *Tracker) WaitForCooldown(printerID int64, targetTemp float64, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !t.IsConnected(printerID) {
			return true
		}
		state, err := t.GetStatus(printerID)
		if err == nil && state.BedTemp <= targetTemp {
			return true
		}
		time.Sleep(5 * time.Second)
	}
	return false
}

func (t *Tracker) PlugStatus(printerID int64) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.printers[printerID]
	if !ok || !rec.plugKnown {
		return false, ErrPlugUnknown
	}
	return rec.plugOn, nil
}

func (t *Tracker) TurnOn(printerID int64) error {
	t.enqueue(printerID, CommandPowerOn, nil)
	return nil
}

func (t *Tracker) TurnOff(printerID int64) error {
	t.enqueue(printerID, CommandPowerOff, nil)
	return nil
}

// DrainCommands hands the printer's queued commands to the relay and
// clears the outbox.
func (t *Tracker) DrainCommands(printerID int64) []Command {
	t.mu.Lock()
	defer t.mu.Unlock()
	commands := t.outbox[printerID]
	delete(t.outbox, printerID)
	return commands
}

func (t *Tracker) enqueue(printerID int64, commandType string, payload map[string]any) {
	cmd := Command{
		ID:        uuid.New().String(),
		PrinterID: printerID,
		Type:      commandType,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.outbox[printerID] = append(t.outbox[printerID], cmd)
}
