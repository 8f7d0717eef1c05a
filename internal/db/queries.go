package db

const (
	InsertPrinter = `
		INSERT INTO printers (name, ip_address, access_code, serial, model, auto_power_on, auto_power_off, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	GetPrinterByID = `
		SELECT id, name, ip_address, access_code, serial, model, auto_power_on, auto_power_off, status, last_seen_at, created_at, updated_at
		FROM printers WHERE id = ?
	`

	ListPrinters = `
		SELECT id, name, ip_address, access_code, serial, model, auto_power_on, auto_power_off, status, last_seen_at, created_at, updated_at
		FROM printers ORDER BY name ASC
	`

	UpdatePrinter = `
		UPDATE printers SET
			name = ?, ip_address = ?, access_code = ?, serial = ?, model = ?,
			auto_power_on = ?, auto_power_off = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`

	UpdatePrinterStatus = `
		UPDATE printers SET status = ?, last_seen_at = CURRENT_TIMESTAMP WHERE id = ?
	`

	DeletePrinter = `DELETE FROM printers WHERE id = ?`
)

const (
	InsertPlug = `
		INSERT INTO plugs (printer_id, name, address)
		VALUES (?, ?, ?)
	`

	GetPlugByPrinter = `
		SELECT id, printer_id, name, address, created_at
		FROM plugs WHERE printer_id = ?
	`

	DeletePlug = `DELETE FROM plugs WHERE id = ?`
)

const (
	InsertQueueEntry = `
		INSERT INTO queue_entries (printer_id, archive_id, library_file_id, position, scheduled_time, manual_start, require_previous_success, ams_slots_json, options_json, plate_id, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	GetQueueEntryByID = `
		SELECT id, printer_id, archive_id, library_file_id, position, scheduled_time, manual_start, require_previous_success, ams_slots_json, options_json, plate_id, status, error_message, created_at, started_at, completed_at
		FROM queue_entries WHERE id = ?
	`

	ListPendingEntries = `
		SELECT id, printer_id, archive_id, library_file_id, position, scheduled_time, manual_start, require_previous_success, ams_slots_json, options_json, plate_id, status, error_message, created_at, started_at, completed_at
		FROM queue_entries WHERE status = 'pending' ORDER BY printer_id ASC, position ASC
	`

	ListEntriesByPrinter = `
		SELECT id, printer_id, archive_id, library_file_id, position, scheduled_time, manual_start, require_previous_success, ams_slots_json, options_json, plate_id, status, error_message, created_at, started_at, completed_at
		FROM queue_entries WHERE printer_id = ? ORDER BY position ASC LIMIT ? OFFSET ?
	`

	ListEntries = `
		SELECT id, printer_id, archive_id, library_file_id, position, scheduled_time, manual_start, require_previous_success, ams_slots_json, options_json, plate_id, status, error_message, created_at, started_at, completed_at
		FROM queue_entries ORDER BY printer_id ASC, position ASC LIMIT ? OFFSET ?
	`

	LastTerminalEntryForPrinter = `
		SELECT id, printer_id, archive_id, library_file_id, position, scheduled_time, manual_start, require_previous_success, ams_slots_json, options_json, plate_id, status, error_message, created_at, started_at, completed_at
		FROM queue_entries
		WHERE printer_id = ? AND status IN ('completed', 'failed', 'skipped', 'cancelled')
		ORDER BY completed_at DESC, id DESC LIMIT 1
	`

	// COALESCE keeps timestamps a previous transition already set.
	UpdateEntryStatus = `
		UPDATE queue_entries
		SET status = ?, error_message = ?, started_at = COALESCE(?, started_at), completed_at = COALESCE(?, completed_at)
		WHERE id = ?
	`

	PrintingEntryForPrinter = `
		SELECT id, printer_id, archive_id, library_file_id, position, scheduled_time, manual_start, require_previous_success, ams_slots_json, options_json, plate_id, status, error_message, created_at, started_at, completed_at
		FROM queue_entries WHERE printer_id = ? AND status = 'printing'
		ORDER BY started_at DESC, id DESC LIMIT 1
	`

	UpdateEntryPosition = `
		UPDATE queue_entries SET position = ? WHERE id = ?
	`

	CancelPendingEntry = `
		UPDATE queue_entries SET status = 'cancelled', completed_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'pending'
	`

	MaxPositionForPrinter = `
		SELECT COALESCE(MAX(position), 0) FROM queue_entries WHERE printer_id = ?
	`

	CountEntriesByStatus = `
		SELECT status, COUNT(*) AS count FROM queue_entries GROUP BY status
	`
)

const (
	InsertArchive = `
		INSERT INTO archives (printer_id, file_name, file_path)
		VALUES (?, ?, ?)
	`

	GetArchiveByID = `
		SELECT id, printer_id, file_name, file_path, created_at
		FROM archives WHERE id = ?
	`

	ListArchives = `
		SELECT id, printer_id, file_name, file_path, created_at
		FROM archives ORDER BY created_at DESC LIMIT ? OFFSET ?
	`

	DeleteArchive = `DELETE FROM archives WHERE id = ?`
)

const (
	InsertLibraryFile = `
		INSERT INTO library_files (name, file_name, file_path)
		VALUES (?, ?, ?)
	`

	GetLibraryFileByID = `
		SELECT id, name, file_name, file_path, created_at
		FROM library_files WHERE id = ?
	`

	ListLibraryFiles = `
		SELECT id, name, file_name, file_path, created_at
		FROM library_files ORDER BY name ASC
	`

	DeleteLibraryFile = `DELETE FROM library_files WHERE id = ?`
)

const (
	InsertWebhook = `
		INSERT INTO webhooks (name, url, secret, events_json, enabled)
		VALUES (?, ?, ?, ?, ?)
	`

	GetWebhookByID = `
		SELECT id, name, url, secret, events_json, enabled, created_at
		FROM webhooks WHERE id = ?
	`

	ListWebhooks = `
		SELECT id, name, url, secret, events_json, enabled, created_at
		FROM webhooks ORDER BY name ASC
	`

	ListWebhooksForEvent = `
		SELECT id, name, url, secret, events_json, enabled, created_at
		FROM webhooks WHERE enabled = 1 AND events_json LIKE ?
	`

	DeleteWebhook = `DELETE FROM webhooks WHERE id = ?`
)

const (
	GetSetting = `SELECT value, updated_at FROM settings WHERE key = ?`

	SetSetting = `
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = ?, updated_at = CURRENT_TIMESTAMP
	`
)
