package core

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/wreuel/bambuddy-sub000/internal/config"
	"github.com/wreuel/bambuddy-sub000/internal/db"
	"github.com/wreuel/bambuddy-sub000/internal/retry"
)

// Scheduler promotes pending queue entries to running prints. Each poll
// cycle considers at most one entry per printer; a single entry's failure
// never terminates the loop.
type Scheduler struct {
	store     *db.Store
	devices   DeviceController
	power     PowerController
	transport Transport
	sink      EventSink
	expected  *ExpectedPrints
	cfg       *config.SchedulerConfig

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

func NewScheduler(store *db.Store, devices DeviceController, power PowerController, transport Transport, sink EventSink, expected *ExpectedPrints, cfg *config.SchedulerConfig) *Scheduler {
	if cfg == nil {
		cfg = &config.SchedulerConfig{
			PollInterval:        30 * time.Second,
			PowerOnSettle:       10 * time.Second,
			PowerOnTimeout:      180 * time.Second,
			ConnectPollInterval: 5 * time.Second,
			CooldownTargetTemp:  50,
			CooldownTimeout:     20 * time.Minute,
			UploadAttempts:      3,
			UploadRetryDelay:    10 * time.Second,
		}
	}

	return &Scheduler{
		store:     store,
		devices:   devices,
		power:     power,
		transport: transport,
		sink:      sink,
		expected:  expected,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
	}
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop()
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.RunCycle(context.Background())
		}
	}
}

// RunCycle performs one scheduler pass: load pending entries ordered by
// (printer, position) and consider only the first entry per printer.
func (s *Scheduler) RunCycle(ctx context.Context) {
	entries, err := s.store.Queue.ListPending(ctx)
	if err != nil {
		log.Printf("[scheduler] failed to load pending entries: %v", err)
		return
	}

	considered := make(map[int64]bool)
	for _, entry := range entries {
		if considered[entry.PrinterID] {
			continue
		}
		considered[entry.PrinterID] = true
		s.considerEntry(ctx, entry)
	}
}

func (s *Scheduler) considerEntry(ctx context.Context, entry *db.QueueEntry) {
	if entry.ScheduledTime != nil && time.Now().Before(*entry.ScheduledTime) {
		return
	}
	if entry.ManualStart {
		return
	}

	printer, err := s.store.Printers.GetPrinterByID(ctx, entry.PrinterID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.failEntry(ctx, entry, nil, "printer no longer exists")
		} else {
			log.Printf("[scheduler] failed to load printer %d: %v", entry.PrinterID, err)
		}
		return
	}

	if !s.devices.IsConnected(printer.ID) {
		if !s.powerOnAndConnect(ctx, printer) {
			return
		}
	}

	state, err := s.devices.GetStatus(printer.ID)
	if err != nil || state == nil {
		return
	}
	if state.Busy() {
		return
	}

	if entry.RequirePreviousSuccess {
		prev, err := s.store.Queue.LastTerminalForPrinter(ctx, printer.ID)
		if err != nil {
			log.Printf("[scheduler] failed to load history for printer %s: %v", printer.Name, err)
			return
		}
		if prev != nil && prev.Status != EntryStatusCompleted {
			s.skipEntry(ctx, entry, printer, fmt.Sprintf("previous entry %d finished with status %s", prev.ID, prev.Status))
			return
		}
	}

	s.dispatchEntry(ctx, printer, entry)
}

// powerOnAndConnect runs the automatic power-on sequence: turn the linked
// plug on, wait a settle period, then poll connectivity up to a hard
// ceiling. Returns false when the printer must be skipped this cycle.
func (s *Scheduler) powerOnAndConnect(ctx context.Context, printer *db.Printer) bool {
	if !printer.AutoPowerOn {
		return false
	}

	if _, err := s.store.Plugs.GetPlugByPrinter(ctx, printer.ID); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			log.Printf("[scheduler] failed to load plug for printer %s: %v", printer.Name, err)
		}
		return false
	}

	if err := s.power.TurnOn(printer.ID); err != nil {
		log.Printf("[scheduler] failed to power on printer %s: %v", printer.Name, err)
		return false
	}
	s.publish(JobEvent{Event: EventPrinterPower, PrinterID: printer.ID, PrinterName: printer.Name, Message: "on"})

	if !s.sleep(s.cfg.PowerOnSettle) {
		return false
	}

	deadline := time.Now().Add(s.cfg.PowerOnTimeout)
	for time.Now().Before(deadline) {
		if s.devices.IsConnected(printer.ID) {
			return true
		}
		if !s.sleep(s.cfg.ConnectPollInterval) {
			return false
		}
	}

	log.Printf("[scheduler] printer %s did not reconnect within %v of power on", printer.Name, s.cfg.PowerOnTimeout)
	return false
}

func (s *Scheduler) dispatchEntry(ctx context.Context, printer *db.Printer, entry *db.QueueEntry) {
	localPath, sourceName, err := s.resolveSource(ctx, entry)
	if err != nil {
		s.failEntry(ctx, entry, printer, err.Error())
		return
	}

	remote := RemotePrintName(sourceName)

	// A stale file of the same name would be silently overwritten by some
	// firmware and rejected by others; delete it up front, best effort.
	if err := s.transport.Delete(printer.IPAddress, printer.AccessCode, printer.Model, remote); err != nil {
		log.Printf("[scheduler] stale remote delete of %s on %s: %v", remote, printer.Name, err)
	}

	lastPercent := -1
	progress := func(sent, total int64) error {
		if total > 0 {
			pct := int(sent * 100 / total)
			if pct/5 != lastPercent/5 {
				lastPercent = pct
				s.publish(JobEvent{
					Event:       EventJobProgress,
					EntryID:     entry.ID,
					PrinterID:   printer.ID,
					PrinterName: printer.Name,
					SourceName:  sourceName,
					BytesSent:   sent,
					BytesTotal:  total,
				})
			}
		}
		return nil
	}

	_, err = retry.Do(func() (bool, error) {
		if uerr := s.transport.Upload(printer.IPAddress, printer.AccessCode, printer.Model, localPath, remote, progress); uerr != nil {
			return false, uerr
		}
		return true, nil
	}, nil, retry.Config{
		Attempts:     s.cfg.UploadAttempts,
		Delay:        s.cfg.UploadRetryDelay,
		NonRetryable: []error{ErrCancelled},
	})
	if err != nil {
		s.failEntry(ctx, entry, printer, fmt.Sprintf("upload failed: %v", err))
		return
	}

	s.expected.Register(printer.ID, remote)

	var mapping []int
	if entry.AMSSlotsJSON != "" {
		required, perr := ParseSlotRequirements(entry.AMSSlotsJSON)
		if perr != nil {
			s.expected.Clear(printer.ID)
			s.failEntry(ctx, entry, printer, fmt.Sprintf("invalid filament requirements: %v", perr))
			return
		}
		if state, serr := s.devices.GetStatus(printer.ID); serr == nil && state != nil {
			mapping = MatchAMSSlots(required, state.Filaments)
		}
	}

	opts, err := ParsePrintOptions(entry.OptionsJSON)
	if err != nil {
		s.expected.Clear(printer.ID)
		s.failEntry(ctx, entry, printer, fmt.Sprintf("invalid print options: %v", err))
		return
	}

	plate := entry.PlateID
	if plate <= 0 {
		plate = DetectPlateID(localPath)
	}

	if !s.devices.StartPrint(printer.ID, remote, plate, mapping, opts) {
		s.expected.Clear(printer.ID)
		s.failEntry(ctx, entry, printer, "device rejected start print command")
		return
	}

	now := time.Now()
	if err := s.store.Queue.UpdateEntryStatus(ctx, entry.ID, EntryStatusPrinting, "", &now, nil); err != nil {
		// Commit failures are fatal for the cycle; the device is already
		// printing, so the inconsistency is logged rather than unwound.
		log.Printf("[scheduler] failed to mark entry %d printing: %v", entry.ID, err)
		return
	}

	s.publish(JobEvent{
		Event:       EventJobStarted,
		EntryID:     entry.ID,
		PrinterID:   printer.ID,
		PrinterName: printer.Name,
		SourceName:  sourceName,
		Message:     remote,
	})
	log.Printf("[scheduler] started %s on %s (plate %d)", remote, printer.Name, plate)
}

// HandlePrintResult settles the printer's in-flight queue entry when the
// device reports a terminal stage. Stages other than FINISH/FAILED and
// printers with no printing entry (ad-hoc or device-started prints) are
// ignored.
func (s *Scheduler) HandlePrintResult(ctx context.Context, printerID int64, stage string) {
	if stage != StageFinish && stage != StageFailed {
		return
	}

	entry, err := s.store.Queue.PrintingEntryForPrinter(ctx, printerID)
	if err != nil {
		log.Printf("[scheduler] failed to load printing entry for printer %d: %v", printerID, err)
		return
	}
	if entry == nil {
		return
	}

	printer, err := s.store.Printers.GetPrinterByID(ctx, printerID)
	if err != nil {
		log.Printf("[scheduler] failed to load printer %d: %v", printerID, err)
		return
	}

	if stage == StageFailed {
		s.failEntry(ctx, entry, printer, "print failed on device")
		return
	}

	now := time.Now()
	if err := s.store.Queue.UpdateEntryStatus(ctx, entry.ID, EntryStatusCompleted, "", nil, &now); err != nil {
		log.Printf("[scheduler] failed to mark entry %d completed: %v", entry.ID, err)
		return
	}
	s.publish(JobEvent{Event: EventJobCompleted, EntryID: entry.ID, PrinterID: printerID, PrinterName: printer.Name})
	log.Printf("[scheduler] entry %d completed on %s", entry.ID, printer.Name)

	// No pending work left for this printer: power down if configured.
	pending, err := s.store.Queue.ListPending(ctx)
	if err != nil {
		return
	}
	for _, p := range pending {
		if p.PrinterID == printerID {
			return
		}
	}
	s.powerOffAfterCooldown(printer)
}

func (s *Scheduler) resolveSource(ctx context.Context, entry *db.QueueEntry) (localPath, filename string, err error) {
	switch {
	case entry.ArchiveID != nil:
		archive, aerr := s.store.Archives.GetArchiveByID(ctx, *entry.ArchiveID)
		if aerr != nil {
			if errors.Is(aerr, sql.ErrNoRows) {
				return "", "", ErrSourceNotFound
			}
			return "", "", aerr
		}
		return archive.FilePath, archive.FileName, nil
	case entry.LibraryFileID != nil:
		file, ferr := s.store.Library.GetLibraryFileByID(ctx, *entry.LibraryFileID)
		if ferr != nil {
			if errors.Is(ferr, sql.ErrNoRows) {
				return "", "", ErrSourceNotFound
			}
			return "", "", ferr
		}
		return file.FilePath, file.FileName, nil
	default:
		return "", "", ErrSourceNotFound
	}
}

func (s *Scheduler) skipEntry(ctx context.Context, entry *db.QueueEntry, printer *db.Printer, reason string) {
	now := time.Now()
	if err := s.store.Queue.UpdateEntryStatus(ctx, entry.ID, EntryStatusSkipped, reason, nil, &now); err != nil {
		log.Printf("[scheduler] failed to mark entry %d skipped: %v", entry.ID, err)
		return
	}
	s.publish(JobEvent{
		Event:       EventEntrySkipped,
		EntryID:     entry.ID,
		PrinterID:   entry.PrinterID,
		PrinterName: printer.Name,
		Message:     reason,
	})
	log.Printf("[scheduler] skipped entry %d on %s: %s", entry.ID, printer.Name, reason)
}

func (s *Scheduler) failEntry(ctx context.Context, entry *db.QueueEntry, printer *db.Printer, errMsg string) {
	now := time.Now()
	if err := s.store.Queue.UpdateEntryStatus(ctx, entry.ID, EntryStatusFailed, errMsg, nil, &now); err != nil {
		log.Printf("[scheduler] failed to mark entry %d failed: %v", entry.ID, err)
		return
	}

	event := JobEvent{
		Event:     EventJobFailed,
		EntryID:   entry.ID,
		PrinterID: entry.PrinterID,
		Message:   errMsg,
	}
	if printer != nil {
		event.PrinterName = printer.Name
	}
	s.publish(event)
	log.Printf("[scheduler] entry %d failed: %s", entry.ID, errMsg)

	if printer != nil {
		s.powerOffAfterCooldown(printer)
	}
}

// powerOffAfterCooldown waits for the bed to cool, then switches the
// linked plug off. Runs detached from the cycle so other printers'
// housekeeping is not starved.
func (s *Scheduler) powerOffAfterCooldown(printer *db.Printer) {
	if !printer.AutoPowerOff {
		return
	}

	id := printer.ID
	name := printer.Name
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.devices.WaitForCooldown(id, s.cfg.CooldownTargetTemp, s.cfg.CooldownTimeout)
		if err := s.power.TurnOff(id); err != nil {
			log.Printf("[scheduler] failed to power off printer %s: %v", name, err)
			return
		}
		s.publish(JobEvent{Event: EventPrinterPower, PrinterID: id, PrinterName: name, Message: "off"})
	}()
}

func (s *Scheduler) sleep(d time.Duration) bool {
	select {
	case <-s.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}

func (s *Scheduler) publish(event JobEvent) {
	if s.sink != nil {
		s.sink.PublishJobEvent(event)
	}
}

// ParseSlotRequirements decodes the queue entry's opaque filament
// requirements blob.
func ParseSlotRequirements(blob string) ([]AMSSlotRequirement, error) {
	var required []AMSSlotRequirement
	if err := json.Unmarshal([]byte(blob), &required); err != nil {
		return nil, fmt.Errorf("failed to parse slot requirements: %w", err)
	}
	return required, nil
}

// ParsePrintOptions decodes the queue entry's print options blob. An
// empty blob yields the zero options.
func ParsePrintOptions(blob string) (PrintOptions, error) {
	var opts PrintOptions
	if blob == "" {
		return opts, nil
	}
	if err := json.Unmarshal([]byte(blob), &opts); err != nil {
		return PrintOptions{}, fmt.Errorf("failed to parse print options: %w", err)
	}
	return opts, nil
}
