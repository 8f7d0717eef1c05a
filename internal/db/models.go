package db

import (
	"time"
)

type Printer struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name"`
	IPAddress    string     `json:"ip_address"`
	AccessCode   string     `json:"access_code,omitempty"`
	Serial       string     `json:"serial"`
	Model        string     `json:"model"`
	AutoPowerOn  bool       `json:"auto_power_on"`
	AutoPowerOff bool       `json:"auto_power_off"`
	Status       string     `json:"status"`
	LastSeenAt   *time.Time `json:"last_seen_at"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

type Plug struct {
	ID        int64     `json:"id"`
	PrinterID int64     `json:"printer_id"`
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	CreatedAt time.Time `json:"created_at"`
}

type QueueEntry struct {
	ID                     int64      `json:"id"`
	PrinterID              int64      `json:"printer_id"`
	ArchiveID              *int64     `json:"archive_id,omitempty"`
	LibraryFileID          *int64     `json:"library_file_id,omitempty"`
	Position               int        `json:"position"`
	ScheduledTime          *time.Time `json:"scheduled_time,omitempty"`
	ManualStart            bool       `json:"manual_start"`
	RequirePreviousSuccess bool       `json:"require_previous_success"`
	AMSSlotsJSON           string     `json:"ams_slots_json,omitempty"`
	OptionsJSON            string     `json:"options_json,omitempty"`
	PlateID                int        `json:"plate_id"`
	Status                 string     `json:"status"`
	ErrorMessage           string     `json:"error_message,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
	StartedAt              *time.Time `json:"started_at,omitempty"`
	CompletedAt            *time.Time `json:"completed_at,omitempty"`
}

type Archive struct {
	ID        int64     `json:"id"`
	PrinterID *int64    `json:"printer_id,omitempty"`
	FileName  string    `json:"file_name"`
	FilePath  string    `json:"file_path"`
	CreatedAt time.Time `json:"created_at"`
}

type LibraryFile struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	FileName  string    `json:"file_name"`
	FilePath  string    `json:"file_path"`
	CreatedAt time.Time `json:"created_at"`
}

type Webhook struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	URL        string    `json:"url"`
	Secret     string    `json:"secret,omitempty"`
	EventsJSON string    `json:"events_json"`
	Enabled    bool      `json:"enabled"`
	CreatedAt  time.Time `json:"created_at"`
}

type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

type EntryFilter struct {
	PrinterID int64
	Status    string
	Limit     int
	Offset    int
}
