package core

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/wreuel/bambuddy-sub000/internal/db"
)

func newTestStore(t *testing.T) *db.Store {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testPrinter(t *testing.T, store *db.Store, name string) *db.Printer {
	t.Helper()
	p := &db.Printer{
		Name:       name,
		IPAddress:  "192.168.1.50",
		AccessCode: "12345678",
		Serial:     "01S00C123456789",
		Model:      "X1C",
		Status:     "idle",
	}
	if err := store.Printers.CreatePrinter(context.Background(), p); err != nil {
		t.Fatalf("failed to create printer: %v", err)
	}
	return p
}

func testLibraryFile(t *testing.T, store *db.Store, fileName string) *db.LibraryFile {
	t.Helper()
	f := &db.LibraryFile{
		Name:     fileName,
		FileName: fileName,
		FilePath: filepath.Join(t.TempDir(), fileName),
	}
	if err := store.Library.CreateLibraryFile(context.Background(), f); err != nil {
		t.Fatalf("failed to create library file: %v", err)
	}
	return f
}

type startCall struct {
	printerID int64
	filename  string
	plateID   int
	mapping   []int
}

type fakeDevices struct {
	mu               sync.Mutex
	connected        map[int64]bool
	states           map[int64]*DeviceState
	rejectStart      bool
	connectOnPowerOn bool
	starts           []startCall
}

func newFakeDevices() *fakeDevices {
	return &fakeDevices{
		connected: make(map[int64]bool),
		states:    make(map[int64]*DeviceState),
	}
}

func (f *fakeDevices) IsConnected(printerID int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[printerID]
}

func (f *fakeDevices) GetStatus(printerID int64) (*DeviceState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if state, ok := f.states[printerID]; ok {
		return state, nil
	}
	return &DeviceState{Stage: StageIdle}, nil
}

func (f *fakeDevices) StartPrint(printerID int64, remoteFilename string, plateID int, amsMapping []int, opts PrintOptions) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, startCall{printerID, remoteFilename, plateID, amsMapping})
	return !f.rejectStart
}

func (f *fakeDevices) StopPrint(printerID int64) bool { return true }

func (f *fakeDevices) WaitForCooldown(printerID int64, targetTemp float64, timeout time.Duration) bool {
	return true
}

func (f *fakeDevices) MarkOffline(printerID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected[printerID] = false
}

func (f *fakeDevices) setConnected(printerID int64, connected bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected[printerID] = connected
}

func (f *fakeDevices) setState(printerID int64, state *DeviceState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[printerID] = state
}

func (f *fakeDevices) startCalls() []startCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]startCall(nil), f.starts...)
}

type fakePower struct {
	mu       sync.Mutex
	on       map[int64]bool
	turnOns  int
	turnOffs int
	devices  *fakeDevices
}

func newFakePower(devices *fakeDevices) *fakePower {
	return &fakePower{on: make(map[int64]bool), devices: devices}
}

func (f *fakePower) PlugStatus(printerID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.on[printerID], nil
}

func (f *fakePower) TurnOn(printerID int64) error {
	f.mu.Lock()
	f.on[printerID] = true
	f.turnOns++
	f.mu.Unlock()
	if f.devices != nil && f.devices.connectOnPowerOn {
		f.devices.setConnected(printerID, true)
	}
	return nil
}

func (f *fakePower) TurnOff(printerID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.on[printerID] = false
	f.turnOffs++
	return nil
}

type transportCall struct {
	host   string
	remote string
}

type fakeTransport struct {
	mu        sync.Mutex
	uploads   []transportCall
	deletes   []transportCall
	uploadErr error
	fileSize  int64
}

func (f *fakeTransport) Upload(host, accessCode, model, localPath, remoteName string, progress func(sent, total int64) error) error {
	f.mu.Lock()
	uploadErr := f.uploadErr
	f.uploads = append(f.uploads, transportCall{host, remoteName})
	size := f.fileSize
	f.mu.Unlock()

	if uploadErr != nil {
		return uploadErr
	}
	if size == 0 {
		size = 1 << 20
	}
	if progress != nil {
		if err := progress(size, size); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeTransport) Delete(host, accessCode, model, remoteName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, transportCall{host, remoteName})
	return nil
}

func (f *fakeTransport) uploadCalls() []transportCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transportCall(nil), f.uploads...)
}

type captureSink struct {
	mu     sync.Mutex
	events []JobEvent
}

func (c *captureSink) PublishJobEvent(event JobEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureSink) byEvent(name string) []JobEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []JobEvent
	for _, e := range c.events {
		if e.Event == name {
			out = append(out, e)
		}
	}
	return out
}

var errUploadBoom = errors.New("connection reset")
