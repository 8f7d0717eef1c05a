package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wreuel/bambuddy-sub000/internal/config"
	"github.com/wreuel/bambuddy-sub000/internal/db"
	"github.com/wreuel/bambuddy-sub000/internal/retry"
)

const (
	JobStatusQueued     = "queued"
	JobStatusRunning    = "running"
	JobStatusCancelling = "cancelling"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusCancelled  = "cancelled"
)

// DispatchRequest describes one ad-hoc print: a reprint of an archived
// file or a print of a library file.
type DispatchRequest struct {
	PrinterID        int64
	ArchiveID        *int64
	LibraryFileID    *int64
	PlateID          int
	SlotRequirements []AMSSlotRequirement
	Options          PrintOptions
}

// DispatchJob is the in-memory record of one ad-hoc print job. Jobs are
// never persisted; a restart forgets them.
type DispatchJob struct {
	ID        string
	PrinterID int64
	Request   DispatchRequest
	Status    string
	Error     string
	CreatedAt time.Time

	cancelled atomic.Bool
}

// BatchProgress is a snapshot of the counters across the current batch
// of dispatch jobs. A batch ends when the queue and active set drain.
type BatchProgress struct {
	Total      int `json:"total"`
	Dispatched int `json:"dispatched"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// DispatchQueue runs ad-hoc print jobs: one at a time per printer,
// different printers in parallel. Enqueueing rejects duplicates for a
// printer rather than queueing behind them.
type DispatchQueue struct {
	store     *db.Store
	devices   DeviceController
	transport Transport
	sink      EventSink
	expected  *ExpectedPrints
	cfg       *config.DispatchConfig

	mu      sync.Mutex
	queued  []*DispatchJob
	active  map[int64]*DispatchJob
	jobs    map[string]*DispatchJob
	batch   BatchProgress
	running bool

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewDispatchQueue(store *db.Store, devices DeviceController, transport Transport, sink EventSink, expected *ExpectedPrints, cfg *config.DispatchConfig) *DispatchQueue {
	if cfg == nil {
		cfg = &config.DispatchConfig{UploadAttempts: 3, UploadRetryDelay: 5 * time.Second}
	}

	return &DispatchQueue{
		store:     store,
		devices:   devices,
		transport: transport,
		sink:      sink,
		expected:  expected,
		cfg:       cfg,
		active:    make(map[int64]*DispatchJob),
		jobs:      make(map[string]*DispatchJob),
		wake:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

func (q *DispatchQueue) Start() {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()

	q.wg.Add(1)
	go q.dispatcher()
}

func (q *DispatchQueue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	q.mu.Unlock()

	close(q.stopCh)
	q.wg.Wait()
}

// Enqueue adds a job and returns its id and position in the queue
// (1-based). A printer with any queued or active job is rejected, as is
// a printer whose device is mid-print.
func (q *DispatchQueue) Enqueue(ctx context.Context, req DispatchRequest) (string, int, error) {
	if req.ArchiveID == nil && req.LibraryFileID == nil {
		return "", 0, ErrSourceNotFound
	}

	if _, err := q.store.Printers.GetPrinterByID(ctx, req.PrinterID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", 0, fmt.Errorf("printer %d: %w", req.PrinterID, ErrSourceNotFound)
		}
		return "", 0, err
	}

	if state, err := q.devices.GetStatus(req.PrinterID); err == nil && state != nil && state.Busy() {
		return "", 0, ErrPrinterBusy
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.active[req.PrinterID]; ok {
		return "", 0, ErrAlreadyInProgress
	}
	for _, job := range q.queued {
		if job.PrinterID == req.PrinterID {
			return "", 0, ErrAlreadyInProgress
		}
	}

	job := &DispatchJob{
		ID:        uuid.New().String(),
		PrinterID: req.PrinterID,
		Request:   req,
		Status:    JobStatusQueued,
		CreatedAt: time.Now(),
	}
	q.queued = append(q.queued, job)
	q.jobs[job.ID] = job
	q.batch.Total++

	q.signal()
	return job.ID, len(q.queued), nil
}

// Cancel requests cancellation of a job. Queued jobs are removed
// immediately; active jobs flip to cancelling and stop at their next
// checkpoint. Cancelling an already-terminal job is a no-op.
func (q *DispatchQueue) Cancel(jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}

	switch job.Status {
	case JobStatusQueued:
		job.cancelled.Store(true)
		job.Status = JobStatusCancelled
		for i, queued := range q.queued {
			if queued.ID == jobID {
				q.queued = append(q.queued[:i], q.queued[i+1:]...)
				break
			}
		}
		q.batch.Failed++
		q.publishLocked(JobEvent{Event: EventJobCancelled, JobID: job.ID, PrinterID: job.PrinterID})
		q.resetBatchIfDrained()
	case JobStatusRunning:
		job.cancelled.Store(true)
		job.Status = JobStatusCancelling
	case JobStatusCancelling:
		// already requested
	default:
		// terminal; nothing to do
	}
	return nil
}

// JobStatus returns a copy of the job's current state.
func (q *DispatchQueue) JobStatus(jobID string) (*DispatchJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	snapshot := *job
	return &snapshot, nil
}

// Progress returns a snapshot of the current batch counters.
func (q *DispatchQueue) Progress() BatchProgress {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.batch
}

func (q *DispatchQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *DispatchQueue) dispatcher() {
	defer q.wg.Done()

	for {
		select {
		case <-q.stopCh:
			return
		case <-q.wake:
			q.promote()
		}
	}
}

// promote moves queued jobs whose printer is free into the active set
// and spawns a worker for each.
func (q *DispatchQueue) promote() {
	q.mu.Lock()
	defer q.mu.Unlock()

	remaining := q.queued[:0]
	for _, job := range q.queued {
		if _, busy := q.active[job.PrinterID]; busy {
			remaining = append(remaining, job)
			continue
		}
		job.Status = JobStatusRunning
		q.active[job.PrinterID] = job
		q.batch.Dispatched++
		q.batch.Processing++

		q.wg.Add(1)
		go q.run(job)
	}
	q.queued = remaining
}

func (q *DispatchQueue) run(job *DispatchJob) {
	defer q.wg.Done()

	err := q.execute(job)

	q.mu.Lock()
	delete(q.active, job.PrinterID)
	q.batch.Processing--
	switch {
	case err == nil:
		job.Status = JobStatusCompleted
		q.batch.Completed++
	case errors.Is(err, ErrCancelled):
		job.Status = JobStatusCancelled
		q.batch.Failed++
	default:
		job.Status = JobStatusFailed
		job.Error = err.Error()
		q.batch.Failed++
	}
	q.resetBatchIfDrained()
	q.mu.Unlock()

	switch {
	case err == nil:
		q.publish(JobEvent{Event: EventJobCompleted, JobID: job.ID, PrinterID: job.PrinterID})
	case errors.Is(err, ErrCancelled):
		q.publish(JobEvent{Event: EventJobCancelled, JobID: job.ID, PrinterID: job.PrinterID})
	default:
		q.publish(JobEvent{Event: EventJobFailed, JobID: job.ID, PrinterID: job.PrinterID, Message: err.Error()})
		log.Printf("[dispatch] job %s failed: %v", job.ID, err)
	}

	// Another job may be queued behind this printer.
	q.signal()
}

// resetBatchIfDrained clears the batch counters once nothing is queued
// and nothing is active, observed under the same lock acquisition that
// resets. Callers must hold q.mu.
func (q *DispatchQueue) resetBatchIfDrained() {
	if len(q.queued) == 0 && len(q.active) == 0 {
		q.batch = BatchProgress{}
	}
}

// execute runs one job end to end. It checks for cancellation at fixed
// checkpoints; between checkpoints the job runs to the next one even if
// cancelled.
func (q *DispatchQueue) execute(job *DispatchJob) error {
	ctx := context.Background()

	printer, err := q.store.Printers.GetPrinterByID(ctx, job.PrinterID)
	if err != nil {
		return fmt.Errorf("failed to load printer %d: %w", job.PrinterID, err)
	}

	localPath, sourceName, archiveID, err := q.resolveSource(ctx, printer, job.Request)
	if err != nil {
		return err
	}

	remote := RemotePrintName(sourceName)

	if job.cancelled.Load() {
		return ErrCancelled
	}

	if derr := q.transport.Delete(printer.IPAddress, printer.AccessCode, printer.Model, remote); derr != nil {
		log.Printf("[dispatch] stale remote delete of %s on %s: %v", remote, printer.Name, derr)
	}

	if job.cancelled.Load() {
		return ErrCancelled
	}

	progress := func(sent, total int64) error {
		if job.cancelled.Load() {
			return ErrCancelled
		}
		q.publish(JobEvent{
			Event:       EventJobProgress,
			JobID:       job.ID,
			PrinterID:   printer.ID,
			PrinterName: printer.Name,
			SourceName:  sourceName,
			BytesSent:   sent,
			BytesTotal:  total,
		})
		return nil
	}

	_, err = retry.Do(func() (bool, error) {
		if uerr := q.transport.Upload(printer.IPAddress, printer.AccessCode, printer.Model, localPath, remote, progress); uerr != nil {
			return false, uerr
		}
		return true, nil
	}, nil, retry.Config{
		Attempts:     q.cfg.UploadAttempts,
		Delay:        q.cfg.UploadRetryDelay,
		NonRetryable: []error{ErrCancelled},
	})
	if err != nil {
		if errors.Is(err, ErrCancelled) {
			return ErrCancelled
		}
		return fmt.Errorf("upload failed: %w", err)
	}

	if job.cancelled.Load() {
		return ErrCancelled
	}

	var mapping []int
	if len(job.Request.SlotRequirements) > 0 {
		if state, serr := q.devices.GetStatus(printer.ID); serr == nil && state != nil {
			mapping = MatchAMSSlots(job.Request.SlotRequirements, state.Filaments)
		}
	}

	plate := job.Request.PlateID
	if plate <= 0 {
		plate = DetectPlateID(localPath)
	}

	q.expected.Register(printer.ID, remote)
	if !q.devices.StartPrint(printer.ID, remote, plate, mapping, job.Request.Options) {
		q.expected.Clear(printer.ID)
		if archiveID != 0 {
			if derr := q.store.Archives.DeleteArchive(ctx, archiveID); derr != nil {
				log.Printf("[dispatch] failed to roll back archive %d: %v", archiveID, derr)
			}
		}
		return errors.New("device rejected start print command")
	}

	q.publish(JobEvent{
		Event:       EventJobStarted,
		JobID:       job.ID,
		PrinterID:   printer.ID,
		PrinterName: printer.Name,
		SourceName:  sourceName,
		Message:     remote,
	})
	log.Printf("[dispatch] started %s on %s (plate %d)", remote, printer.Name, plate)
	return nil
}

// resolveSource locates the job's artifact. Library-file jobs get an
// archive record up front so the print shows in the printer's history
// even when a later upload fails; the returned archive id is non-zero
// only in that case, and the caller rolls it back only when the device
// rejects the start command.
func (q *DispatchQueue) resolveSource(ctx context.Context, printer *db.Printer, req DispatchRequest) (localPath, filename string, archiveID int64, err error) {
	switch {
	case req.ArchiveID != nil:
		archive, aerr := q.store.Archives.GetArchiveByID(ctx, *req.ArchiveID)
		if aerr != nil {
			if errors.Is(aerr, sql.ErrNoRows) {
				return "", "", 0, ErrSourceNotFound
			}
			return "", "", 0, aerr
		}
		return archive.FilePath, archive.FileName, 0, nil
	case req.LibraryFileID != nil:
		file, ferr := q.store.Library.GetLibraryFileByID(ctx, *req.LibraryFileID)
		if ferr != nil {
			if errors.Is(ferr, sql.ErrNoRows) {
				return "", "", 0, ErrSourceNotFound
			}
			return "", "", 0, ferr
		}
		archive := &db.Archive{
			PrinterID: &printer.ID,
			FileName:  file.FileName,
			FilePath:  file.FilePath,
		}
		if cerr := q.store.Archives.CreateArchive(ctx, archive); cerr != nil {
			return "", "", 0, fmt.Errorf("failed to create archive record: %w", cerr)
		}
		return file.FilePath, file.FileName, archive.ID, nil
	default:
		return "", "", 0, ErrSourceNotFound
	}
}

func (q *DispatchQueue) publish(event JobEvent) {
	if q.sink != nil {
		q.sink.PublishJobEvent(event)
	}
}

// publishLocked is publish for callers already holding q.mu; the sink is
// fire-and-forget so holding the lock across it is safe only because
// sinks never call back into the queue.
func (q *DispatchQueue) publishLocked(event JobEvent) {
	if q.sink != nil {
		q.sink.PublishJobEvent(event)
	}
}
