// Package core contains the print job dispatch and delivery pipeline: the
// periodic scheduler that promotes queued entries, the ad-hoc dispatch
// queue, and the filament slot matching between them.
package core

import (
	"errors"
	"time"
)

var (
	ErrCancelled         = errors.New("job cancelled")
	ErrAlreadyInProgress = errors.New("a job for this printer is already queued or active")
	ErrPrinterBusy       = errors.New("printer is currently printing")
	ErrJobNotFound       = errors.New("dispatch job not found")
	ErrSourceNotFound    = errors.New("source file not found")
)

const (
	EntryStatusPending   = "pending"
	EntryStatusPrinting  = "printing"
	EntryStatusCompleted = "completed"
	EntryStatusFailed    = "failed"
	EntryStatusSkipped   = "skipped"
	EntryStatusCancelled = "cancelled"
)

const (
	StageIdle    = "IDLE"
	StageRunning = "RUNNING"
	StagePaused  = "PAUSE"
	StageFinish  = "FINISH"
	StageFailed  = "FAILED"
)

type DeviceState struct {
	Stage      string
	GcodeFile  string
	NozzleTemp float64
	BedTemp    float64
	Filaments  []LoadedFilament
}

// Busy reports whether the device is mid-print (printing or paused).
func (s *DeviceState) Busy() bool {
	return s.Stage == StageRunning || s.Stage == StagePaused
}

// LoadedFilament is one physical spool as reported by live telemetry,
// extracted for a single matching pass.
type LoadedFilament struct {
	Type           string `json:"type"`
	Color          string `json:"color"`
	GlobalSlotID   int    `json:"global_slot_id"`
	ExternalSpool  bool   `json:"external_spool"`
	SingleSlotUnit bool   `json:"single_slot_unit"`
}

type AMSSlotRequirement struct {
	Type  string `json:"type"`
	Color string `json:"color"`
}

type PrintOptions struct {
	BedLeveling          bool `json:"bed_leveling"`
	FlowCalibration      bool `json:"flow_calibration"`
	VibrationCalibration bool `json:"vibration_calibration"`
	LayerInspection      bool `json:"layer_inspection"`
	Timelapse            bool `json:"timelapse"`
	UseAMS               bool `json:"use_ams"`
}

// DeviceController is the live device-state tracker. How state is obtained
// (MQTT session internals) is not this package's concern.
type DeviceController interface {
	IsConnected(printerID int64) bool
	GetStatus(printerID int64) (*DeviceState, error)
	StartPrint(printerID int64, remoteFilename string, plateID int, amsMapping []int, opts PrintOptions) bool
	StopPrint(printerID int64) bool
	WaitForCooldown(printerID int64, targetTemp float64, timeout time.Duration) bool
	MarkOffline(printerID int64)
}

// PowerController drives the smart outlet linked to a printer.
type PowerController interface {
	PlugStatus(printerID int64) (bool, error)
	TurnOn(printerID int64) error
	TurnOff(printerID int64) error
}

// Transport moves files to printers. Implemented by the ftps adapter.
type Transport interface {
	Upload(host, accessCode, model, localPath, remoteName string, progress func(sent, total int64) error) error
	Delete(host, accessCode, model, remoteName string) error
}

const (
	EventJobStarted   = "job_started"
	EventJobProgress  = "job_progress"
	EventJobCompleted = "job_completed"
	EventJobFailed    = "job_failed"
	EventJobCancelled = "job_cancelled"
	EventEntrySkipped = "entry_skipped"
	EventPrinterPower = "printer_power"
)

type JobEvent struct {
	Event       string `json:"event"`
	JobID       string `json:"job_id,omitempty"`
	EntryID     int64  `json:"entry_id,omitempty"`
	PrinterID   int64  `json:"printer_id"`
	PrinterName string `json:"printer_name,omitempty"`
	SourceName  string `json:"source_name,omitempty"`
	Message     string `json:"message,omitempty"`
	BytesSent   int64  `json:"bytes_sent,omitempty"`
	BytesTotal  int64  `json:"bytes_total,omitempty"`
}

// EventSink receives pipeline events. Publishing is fire-and-forget;
// sink failures never abort the pipeline.
type EventSink interface {
	PublishJobEvent(event JobEvent)
}
