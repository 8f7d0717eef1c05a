package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Store owns the database handle. Every component receives it explicitly;
// there is no package-level singleton.
type Store struct {
	db *sql.DB

	Printers *PrinterOperations
	Plugs    *PlugOperations
	Queue    *QueueOperations
	Archives *ArchiveOperations
	Library  *LibraryOperations
	Webhooks *WebhookOperations
	Settings *SettingsOperations
}

func NewStore(handle *sql.DB) *Store {
	return &Store{
		db:       handle,
		Printers: &PrinterOperations{db: handle},
		Plugs:    &PlugOperations{db: handle},
		Queue:    &QueueOperations{db: handle},
		Archives: &ArchiveOperations{db: handle},
		Library:  &LibraryOperations{db: handle},
		Webhooks: &WebhookOperations{db: handle},
		Settings: &SettingsOperations{db: handle},
	}
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

type PrinterOperations struct {
	db *sql.DB
}

func (o *PrinterOperations) CreatePrinter(ctx context.Context, p *Printer) error {
	if p.Status == "" {
		p.Status = "unknown"
	}
	result, err := o.db.ExecContext(ctx, InsertPrinter,
		p.Name, p.IPAddress, p.AccessCode, p.Serial, p.Model,
		p.AutoPowerOn, p.AutoPowerOff, p.Status)
	if err != nil {
		return fmt.Errorf("failed to create printer: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get printer id: %w", err)
	}
	p.ID = id
	return nil
}

func (o *PrinterOperations) GetPrinterByID(ctx context.Context, id int64) (*Printer, error) {
	p := &Printer{}
	var lastSeen sql.NullTime
	err := o.db.QueryRowContext(ctx, GetPrinterByID, id).Scan(
		&p.ID, &p.Name, &p.IPAddress, &p.AccessCode, &p.Serial, &p.Model,
		&p.AutoPowerOn, &p.AutoPowerOff, &p.Status,
		&lastSeen, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get printer: %w", err)
	}
	if lastSeen.Valid {
		p.LastSeenAt = &lastSeen.Time
	}
	return p, nil
}

func (o *PrinterOperations) ListPrinters(ctx context.Context) ([]*Printer, error) {
	rows, err := o.db.QueryContext(ctx, ListPrinters)
	if err != nil {
		return nil, fmt.Errorf("failed to list printers: %w", err)
	}
	defer rows.Close()

	var printers []*Printer
	for rows.Next() {
		p := &Printer{}
		var lastSeen sql.NullTime
		if err := rows.Scan(
			&p.ID, &p.Name, &p.IPAddress, &p.AccessCode, &p.Serial, &p.Model,
			&p.AutoPowerOn, &p.AutoPowerOff, &p.Status,
			&lastSeen, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan printer: %w", err)
		}
		if lastSeen.Valid {
			p.LastSeenAt = &lastSeen.Time
		}
		printers = append(printers, p)
	}
	return printers, rows.Err()
}

func (o *PrinterOperations) UpdatePrinter(ctx context.Context, p *Printer) error {
	_, err := o.db.ExecContext(ctx, UpdatePrinter,
		p.Name, p.IPAddress, p.AccessCode, p.Serial, p.Model,
		p.AutoPowerOn, p.AutoPowerOff, p.ID)
	if err != nil {
		return fmt.Errorf("failed to update printer: %w", err)
	}
	return nil
}

func (o *PrinterOperations) UpdatePrinterStatus(ctx context.Context, id int64, status string) error {
	_, err := o.db.ExecContext(ctx, UpdatePrinterStatus, status, id)
	if err != nil {
		return fmt.Errorf("failed to update printer status: %w", err)
	}
	return nil
}

func (o *PrinterOperations) DeletePrinter(ctx context.Context, id int64) error {
	_, err := o.db.ExecContext(ctx, DeletePrinter, id)
	if err != nil {
		return fmt.Errorf("failed to delete printer: %w", err)
	}
	return nil
}

type PlugOperations struct {
	db *sql.DB
}

func (o *PlugOperations) CreatePlug(ctx context.Context, p *Plug) error {
	result, err := o.db.ExecContext(ctx, InsertPlug, p.PrinterID, p.Name, p.Address)
	if err != nil {
		return fmt.Errorf("failed to create plug: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get plug id: %w", err)
	}
	p.ID = id
	return nil
}

func (o *PlugOperations) GetPlugByPrinter(ctx context.Context, printerID int64) (*Plug, error) {
	p := &Plug{}
	err := o.db.QueryRowContext(ctx, GetPlugByPrinter, printerID).Scan(
		&p.ID, &p.PrinterID, &p.Name, &p.Address, &p.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get plug: %w", err)
	}
	return p, nil
}

func (o *PlugOperations) DeletePlug(ctx context.Context, id int64) error {
	_, err := o.db.ExecContext(ctx, DeletePlug, id)
	if err != nil {
		return fmt.Errorf("failed to delete plug: %w", err)
	}
	return nil
}

type QueueOperations struct {
	db *sql.DB
}

func scanEntry(scan func(dest ...any) error) (*QueueEntry, error) {
	e := &QueueEntry{}
	var archiveID, libraryID sql.NullInt64
	var scheduled, started, completed sql.NullTime
	err := scan(
		&e.ID, &e.PrinterID, &archiveID, &libraryID, &e.Position,
		&scheduled, &e.ManualStart, &e.RequirePreviousSuccess,
		&e.AMSSlotsJSON, &e.OptionsJSON, &e.PlateID,
		&e.Status, &e.ErrorMessage, &e.CreatedAt, &started, &completed)
	if err != nil {
		return nil, err
	}
	if archiveID.Valid {
		e.ArchiveID = &archiveID.Int64
	}
	if libraryID.Valid {
		e.LibraryFileID = &libraryID.Int64
	}
	if scheduled.Valid {
		e.ScheduledTime = &scheduled.Time
	}
	if started.Valid {
		e.StartedAt = &started.Time
	}
	if completed.Valid {
		e.CompletedAt = &completed.Time
	}
	return e, nil
}

func (o *QueueOperations) CreateEntry(ctx context.Context, e *QueueEntry) error {
	if e.Status == "" {
		e.Status = "pending"
	}
	if e.Position == 0 {
		var max int
		if err := o.db.QueryRowContext(ctx, MaxPositionForPrinter, e.PrinterID).Scan(&max); err != nil {
			return fmt.Errorf("failed to get max position: %w", err)
		}
		e.Position = max + 1
	}
	result, err := o.db.ExecContext(ctx, InsertQueueEntry,
		e.PrinterID, e.ArchiveID, e.LibraryFileID, e.Position,
		e.ScheduledTime, e.ManualStart, e.RequirePreviousSuccess,
		e.AMSSlotsJSON, e.OptionsJSON, e.PlateID, e.Status)
	if err != nil {
		return fmt.Errorf("failed to create queue entry: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get queue entry id: %w", err)
	}
	e.ID = id
	return nil
}

func (o *QueueOperations) GetEntryByID(ctx context.Context, id int64) (*QueueEntry, error) {
	row := o.db.QueryRowContext(ctx, GetQueueEntryByID, id)
	e, err := scanEntry(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get queue entry: %w", err)
	}
	return e, nil
}

// ListPending returns all pending entries ordered by (printer, position),
// the order the scheduler scans them in.
func (o *QueueOperations) ListPending(ctx context.Context) ([]*QueueEntry, error) {
	rows, err := o.db.QueryContext(ctx, ListPendingEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending entries: %w", err)
	}
	defer rows.Close()

	var entries []*QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (o *QueueOperations) ListEntries(ctx context.Context, filter EntryFilter) ([]*QueueEntry, error) {
	if filter.Limit <= 0 {
		filter.Limit = 100
	}

	var rows *sql.Rows
	var err error
	if filter.PrinterID != 0 {
		rows, err = o.db.QueryContext(ctx, ListEntriesByPrinter, filter.PrinterID, filter.Limit, filter.Offset)
	} else {
		rows, err = o.db.QueryContext(ctx, ListEntries, filter.Limit, filter.Offset)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list queue entries: %w", err)
	}
	defer rows.Close()

	var entries []*QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LastTerminalForPrinter returns the most recent terminal entry for the
// printer, or nil when the printer has no terminal history.
func (o *QueueOperations) LastTerminalForPrinter(ctx context.Context, printerID int64) (*QueueEntry, error) {
	row := o.db.QueryRowContext(ctx, LastTerminalEntryForPrinter, printerID)
	e, err := scanEntry(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get last terminal entry: %w", err)
	}
	return e, nil
}

// PrintingEntryForPrinter returns the printer's currently printing entry,
// or (nil, nil) when it has none.
func (o *QueueOperations) PrintingEntryForPrinter(ctx context.Context, printerID int64) (*QueueEntry, error) {
	row := o.db.QueryRowContext(ctx, PrintingEntryForPrinter, printerID)
	e, err := scanEntry(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get printing entry: %w", err)
	}
	return e, nil
}

func (o *QueueOperations) UpdateEntryStatus(ctx context.Context, id int64, status, errMsg string, startedAt, completedAt *time.Time) error {
	var startedVal, completedVal interface{}
	if startedAt != nil {
		startedVal = startedAt
	}
	if completedAt != nil {
		completedVal = completedAt
	}
	_, err := o.db.ExecContext(ctx, UpdateEntryStatus, status, errMsg, startedVal, completedVal, id)
	if err != nil {
		return fmt.Errorf("failed to update queue entry status: %w", err)
	}
	return nil
}

func (o *QueueOperations) UpdateEntryPosition(ctx context.Context, id int64, position int) error {
	_, err := o.db.ExecContext(ctx, UpdateEntryPosition, position, id)
	if err != nil {
		return fmt.Errorf("failed to update queue entry position: %w", err)
	}
	return nil
}

func (o *QueueOperations) CancelPendingEntry(ctx context.Context, id int64) error {
	result, err := o.db.ExecContext(ctx, CancelPendingEntry, id)
	if err != nil {
		return fmt.Errorf("failed to cancel queue entry: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("entry cannot be cancelled (not pending)")
	}
	return nil
}

func (o *QueueOperations) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := o.db.QueryContext(ctx, CountEntriesByStatus)
	if err != nil {
		return nil, fmt.Errorf("failed to count entries: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

type ArchiveOperations struct {
	db *sql.DB
}

func (o *ArchiveOperations) CreateArchive(ctx context.Context, a *Archive) error {
	result, err := o.db.ExecContext(ctx, InsertArchive, a.PrinterID, a.FileName, a.FilePath)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get archive id: %w", err)
	}
	a.ID = id
	return nil
}

func (o *ArchiveOperations) GetArchiveByID(ctx context.Context, id int64) (*Archive, error) {
	a := &Archive{}
	var printerID sql.NullInt64
	err := o.db.QueryRowContext(ctx, GetArchiveByID, id).Scan(
		&a.ID, &printerID, &a.FileName, &a.FilePath, &a.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get archive: %w", err)
	}
	if printerID.Valid {
		a.PrinterID = &printerID.Int64
	}
	return a, nil
}

func (o *ArchiveOperations) ListArchives(ctx context.Context, limit, offset int) ([]*Archive, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := o.db.QueryContext(ctx, ListArchives, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list archives: %w", err)
	}
	defer rows.Close()

	var archives []*Archive
	for rows.Next() {
		a := &Archive{}
		var printerID sql.NullInt64
		if err := rows.Scan(&a.ID, &printerID, &a.FileName, &a.FilePath, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan archive: %w", err)
		}
		if printerID.Valid {
			a.PrinterID = &printerID.Int64
		}
		archives = append(archives, a)
	}
	return archives, rows.Err()
}

func (o *ArchiveOperations) DeleteArchive(ctx context.Context, id int64) error {
	_, err := o.db.ExecContext(ctx, DeleteArchive, id)
	if err != nil {
		return fmt.Errorf("failed to delete archive: %w", err)
	}
	return nil
}

type LibraryOperations struct {
	db *sql.DB
}

func (o *LibraryOperations) CreateLibraryFile(ctx context.Context, f *LibraryFile) error {
	result, err := o.db.ExecContext(ctx, InsertLibraryFile, f.Name, f.FileName, f.FilePath)
	if err != nil {
		return fmt.Errorf("failed to create library file: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get library file id: %w", err)
	}
	f.ID = id
	return nil
}

func (o *LibraryOperations) GetLibraryFileByID(ctx context.Context, id int64) (*LibraryFile, error) {
	f := &LibraryFile{}
	err := o.db.QueryRowContext(ctx, GetLibraryFileByID, id).Scan(
		&f.ID, &f.Name, &f.FileName, &f.FilePath, &f.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get library file: %w", err)
	}
	return f, nil
}

func (o *LibraryOperations) ListLibraryFiles(ctx context.Context) ([]*LibraryFile, error) {
	rows, err := o.db.QueryContext(ctx, ListLibraryFiles)
	if err != nil {
		return nil, fmt.Errorf("failed to list library files: %w", err)
	}
	defer rows.Close()

	var files []*LibraryFile
	for rows.Next() {
		f := &LibraryFile{}
		if err := rows.Scan(&f.ID, &f.Name, &f.FileName, &f.FilePath, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan library file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func (o *LibraryOperations) DeleteLibraryFile(ctx context.Context, id int64) error {
	_, err := o.db.ExecContext(ctx, DeleteLibraryFile, id)
	if err != nil {
		return fmt.Errorf("failed to delete library file: %w", err)
	}
	return nil
}

type WebhookOperations struct {
	db *sql.DB
}

func (o *WebhookOperations) CreateWebhook(ctx context.Context, w *Webhook) error {
	result, err := o.db.ExecContext(ctx, InsertWebhook, w.Name, w.URL, w.Secret, w.EventsJSON, w.Enabled)
	if err != nil {
		return fmt.Errorf("failed to create webhook: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get webhook id: %w", err)
	}
	w.ID = id
	return nil
}

func (o *WebhookOperations) GetWebhookByID(ctx context.Context, id int64) (*Webhook, error) {
	w := &Webhook{}
	var enabled int
	err := o.db.QueryRowContext(ctx, GetWebhookByID, id).Scan(
		&w.ID, &w.Name, &w.URL, &w.Secret, &w.EventsJSON, &enabled, &w.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get webhook: %w", err)
	}
	w.Enabled = enabled == 1
	return w, nil
}

func (o *WebhookOperations) ListWebhooks(ctx context.Context) ([]*Webhook, error) {
	return o.queryWebhooks(ctx, ListWebhooks)
}

func (o *WebhookOperations) ListWebhooksForEvent(ctx context.Context, event string) ([]*Webhook, error) {
	pattern := fmt.Sprintf("%%%q%%", event)
	return o.queryWebhooks(ctx, ListWebhooksForEvent, pattern)
}

func (o *WebhookOperations) queryWebhooks(ctx context.Context, query string, args ...any) ([]*Webhook, error) {
	rows, err := o.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}
	defer rows.Close()

	var webhooks []*Webhook
	for rows.Next() {
		w := &Webhook{}
		var enabled int
		if err := rows.Scan(&w.ID, &w.Name, &w.URL, &w.Secret, &w.EventsJSON, &enabled, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan webhook: %w", err)
		}
		w.Enabled = enabled == 1
		webhooks = append(webhooks, w)
	}
	return webhooks, rows.Err()
}

func (o *WebhookOperations) DeleteWebhook(ctx context.Context, id int64) error {
	_, err := o.db.ExecContext(ctx, DeleteWebhook, id)
	if err != nil {
		return fmt.Errorf("failed to delete webhook: %w", err)
	}
	return nil
}

type SettingsOperations struct {
	db *sql.DB
}

func (o *SettingsOperations) GetSetting(ctx context.Context, key string) (*Setting, error) {
	s := &Setting{Key: key}
	err := o.db.QueryRowContext(ctx, GetSetting, key).Scan(&s.Value, &s.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get setting: %w", err)
	}
	return s, nil
}

func (o *SettingsOperations) SetSetting(ctx context.Context, key, value string) error {
	_, err := o.db.ExecContext(ctx, SetSetting, key, value, value)
	if err != nil {
		return fmt.Errorf("failed to set setting: %w", err)
	}
	return nil
}
