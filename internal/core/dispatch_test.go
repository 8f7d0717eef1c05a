package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wreuel/bambuddy-sub000/internal/config"
	"github.com/wreuel/bambuddy-sub000/internal/db"
)

type dispatchFixture struct {
	store     *db.Store
	devices   *fakeDevices
	transport *fakeTransport
	sink      *captureSink
	queue     *DispatchQueue
}

func newDispatchFixture(t *testing.T) *dispatchFixture {
	t.Helper()
	f := &dispatchFixture{
		store:     newTestStore(t),
		devices:   newFakeDevices(),
		transport: &fakeTransport{},
		sink:      &captureSink{},
	}
	cfg := &config.DispatchConfig{UploadAttempts: 2, UploadRetryDelay: time.Millisecond}
	f.queue = NewDispatchQueue(f.store, f.devices, f.transport, f.sink, NewExpectedPrints(), cfg)
	return f
}

func (f *dispatchFixture) waitTerminal(t *testing.T, jobID string) *DispatchJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := f.queue.JobStatus(jobID)
		if err != nil {
			t.Fatalf("failed to load job status: %v", err)
		}
		switch job.Status {
		case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal status", jobID)
	return nil
}

func TestDispatchEnqueueRejectsDuplicatePrinter(t *testing.T) {
	f := newDispatchFixture(t)
	printer := testPrinter(t, f.store, "Voron")
	file := testLibraryFile(t, f.store, "part.3mf")

	// Dispatcher not started: the first job stays queued.
	if _, _, err := f.queue.Enqueue(context.Background(), DispatchRequest{PrinterID: printer.ID, LibraryFileID: &file.ID}); err != nil {
		t.Fatalf("first enqueue failed: %v", err)
	}
	_, _, err := f.queue.Enqueue(context.Background(), DispatchRequest{PrinterID: printer.ID, LibraryFileID: &file.ID})
	if !errors.Is(err, ErrAlreadyInProgress) {
		t.Fatalf("second enqueue error = %v, want ErrAlreadyInProgress", err)
	}
}

func TestDispatchEnqueueRejectsBusyPrinter(t *testing.T) {
	f := newDispatchFixture(t)
	printer := testPrinter(t, f.store, "Voron")
	file := testLibraryFile(t, f.store, "part.3mf")
	f.devices.setState(printer.ID, &DeviceState{Stage: StageRunning})

	_, _, err := f.queue.Enqueue(context.Background(), DispatchRequest{PrinterID: printer.ID, LibraryFileID: &file.ID})
	if !errors.Is(err, ErrPrinterBusy) {
		t.Fatalf("enqueue error = %v, want ErrPrinterBusy", err)
	}
}

func TestDispatchEnqueueRejectsUnknownSource(t *testing.T) {
	f := newDispatchFixture(t)
	printer := testPrinter(t, f.store, "Voron")

	_, _, err := f.queue.Enqueue(context.Background(), DispatchRequest{PrinterID: printer.ID})
	if !errors.Is(err, ErrSourceNotFound) {
		t.Fatalf("enqueue error = %v, want ErrSourceNotFound", err)
	}
}

func TestDispatchRunsJobToCompletion(t *testing.T) {
	f := newDispatchFixture(t)
	printer := testPrinter(t, f.store, "Voron")
	file := testLibraryFile(t, f.store, "benchy.gcode.3mf")

	f.queue.Start()
	defer f.queue.Stop()

	jobID, pos, err := f.queue.Enqueue(context.Background(), DispatchRequest{PrinterID: printer.ID, LibraryFileID: &file.ID})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if pos != 1 {
		t.Fatalf("queue position = %d, want 1", pos)
	}

	job := f.waitTerminal(t, jobID)
	if job.Status != JobStatusCompleted {
		t.Fatalf("job status = %s (error %q), want completed", job.Status, job.Error)
	}

	uploads := f.transport.uploadCalls()
	if len(uploads) != 1 || uploads[0].remote != "benchy.3mf" {
		t.Fatalf("unexpected uploads: %+v", uploads)
	}
	if len(f.devices.startCalls()) != 1 {
		t.Fatal("expected one start call")
	}

	// Library-file jobs leave an archive record behind.
	archives, err := f.store.Archives.ListArchives(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("failed to list archives: %v", err)
	}
	if len(archives) != 1 {
		t.Fatalf("expected 1 archive record, got %d", len(archives))
	}
}

func TestDispatchStartFailureRollsBackArchive(t *testing.T) {
	f := newDispatchFixture(t)
	printer := testPrinter(t, f.store, "Voron")
	file := testLibraryFile(t, f.store, "part.3mf")
	f.devices.rejectStart = true

	f.queue.Start()
	defer f.queue.Stop()

	jobID, _, err := f.queue.Enqueue(context.Background(), DispatchRequest{PrinterID: printer.ID, LibraryFileID: &file.ID})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	job := f.waitTerminal(t, jobID)
	if job.Status != JobStatusFailed {
		t.Fatalf("job status = %s, want failed", job.Status)
	}

	archives, err := f.store.Archives.ListArchives(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("failed to list archives: %v", err)
	}
	if len(archives) != 0 {
		t.Fatalf("archive record should be rolled back, found %d", len(archives))
	}
}

func TestDispatchUploadFailureKeepsArchive(t *testing.T) {
	f := newDispatchFixture(t)
	printer := testPrinter(t, f.store, "Voron")
	file := testLibraryFile(t, f.store, "part.3mf")
	f.transport.uploadErr = errUploadBoom

	f.queue.Start()
	defer f.queue.Stop()

	jobID, _, err := f.queue.Enqueue(context.Background(), DispatchRequest{PrinterID: printer.ID, LibraryFileID: &file.ID})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	job := f.waitTerminal(t, jobID)
	if job.Status != JobStatusFailed {
		t.Fatalf("job status = %s, want failed", job.Status)
	}

	// The archive is created before the upload and records the attempt;
	// only a rejected start command rolls it back.
	archives, err := f.store.Archives.ListArchives(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("failed to list archives: %v", err)
	}
	if len(archives) != 1 {
		t.Fatalf("expected the archive record to survive the upload failure, got %d", len(archives))
	}
}

func TestDispatchCancelQueuedJobIsImmediate(t *testing.T) {
	f := newDispatchFixture(t)
	printer := testPrinter(t, f.store, "Voron")
	file := testLibraryFile(t, f.store, "part.3mf")

	// Dispatcher not started, so the job sits queued.
	jobID, _, err := f.queue.Enqueue(context.Background(), DispatchRequest{PrinterID: printer.ID, LibraryFileID: &file.ID})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	if err := f.queue.Cancel(jobID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	job, err := f.queue.JobStatus(jobID)
	if err != nil {
		t.Fatalf("failed to load job: %v", err)
	}
	if job.Status != JobStatusCancelled {
		t.Fatalf("job status = %s, want cancelled", job.Status)
	}
	if len(f.transport.uploadCalls()) != 0 {
		t.Fatal("cancelled queued job must not upload")
	}

	// The printer is free again.
	if _, _, err := f.queue.Enqueue(context.Background(), DispatchRequest{PrinterID: printer.ID, LibraryFileID: &file.ID}); err != nil {
		t.Fatalf("enqueue after cancel failed: %v", err)
	}
}

func TestDispatchCancelIsIdempotent(t *testing.T) {
	f := newDispatchFixture(t)
	printer := testPrinter(t, f.store, "Voron")
	file := testLibraryFile(t, f.store, "part.3mf")

	jobID, _, err := f.queue.Enqueue(context.Background(), DispatchRequest{PrinterID: printer.ID, LibraryFileID: &file.ID})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	if err := f.queue.Cancel(jobID); err != nil {
		t.Fatalf("first cancel failed: %v", err)
	}
	if err := f.queue.Cancel(jobID); err != nil {
		t.Fatalf("second cancel failed: %v", err)
	}

	if err := f.queue.Cancel("no-such-job"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("cancel of unknown job = %v, want ErrJobNotFound", err)
	}
}

func TestDispatchBatchCountersResetWhenDrained(t *testing.T) {
	f := newDispatchFixture(t)
	printer := testPrinter(t, f.store, "Voron")
	file := testLibraryFile(t, f.store, "part.3mf")

	f.queue.Start()
	defer f.queue.Stop()

	jobID, _, err := f.queue.Enqueue(context.Background(), DispatchRequest{PrinterID: printer.ID, LibraryFileID: &file.ID})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	f.waitTerminal(t, jobID)

	progress := f.queue.Progress()
	if progress != (BatchProgress{}) {
		t.Fatalf("batch counters should reset after drain, got %+v", progress)
	}
}

func TestDispatchParallelPrinters(t *testing.T) {
	f := newDispatchFixture(t)
	alpha := testPrinter(t, f.store, "Alpha")
	beta := testPrinter(t, f.store, "Beta")
	file := testLibraryFile(t, f.store, "part.3mf")

	f.queue.Start()
	defer f.queue.Stop()

	first, _, err := f.queue.Enqueue(context.Background(), DispatchRequest{PrinterID: alpha.ID, LibraryFileID: &file.ID})
	if err != nil {
		t.Fatalf("enqueue alpha failed: %v", err)
	}
	second, _, err := f.queue.Enqueue(context.Background(), DispatchRequest{PrinterID: beta.ID, LibraryFileID: &file.ID})
	if err != nil {
		t.Fatalf("enqueue beta failed: %v", err)
	}

	if job := f.waitTerminal(t, first); job.Status != JobStatusCompleted {
		t.Fatalf("alpha job status = %s", job.Status)
	}
	if job := f.waitTerminal(t, second); job.Status != JobStatusCompleted {
		t.Fatalf("beta job status = %s", job.Status)
	}
	if len(f.devices.startCalls()) != 2 {
		t.Fatalf("expected 2 starts, got %d", len(f.devices.startCalls()))
	}
}
