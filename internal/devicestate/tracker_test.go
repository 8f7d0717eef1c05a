package devicestate

import (
	"sync"
	"testing"
	"time"

	"github.com/wreuel/bambuddy-sub000/internal/core"
)

func TestTrackerConnectivityFollowsReports(t *testing.T) {
	tracker := NewTracker(time.Minute, nil)

	if tracker.IsConnected(1) {
		t.Fatal("printer should start disconnected")
	}

	tracker.Ingest(1, StateReport{Stage: core.StageIdle})
	if !tracker.IsConnected(1) {
		t.Fatal("printer should be connected after a report")
	}

	tracker.MarkOffline(1)
	if tracker.IsConnected(1) {
		t.Fatal("printer should be disconnected after MarkOffline")
	}
}

func TestTrackerStaleReportsDisconnect(t *testing.T) {
	tracker := NewTracker(10*time.Millisecond, nil)
	tracker.Ingest(1, StateReport{Stage: core.StageIdle})

	time.Sleep(20 * time.Millisecond)
	if tracker.IsConnected(1) {
		t.Fatal("printer should go stale without fresh reports")
	}
}

func TestTrackerResultHandlerFiresOnceOnTerminalEdge(t *testing.T) {
	tracker := NewTracker(time.Minute, nil)

	var mu sync.Mutex
	var calls []string
	tracker.OnResult(func(printerID int64, stage string) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, stage)
	})

	tracker.Ingest(1, StateReport{Stage: core.StageRunning})
	tracker.Ingest(1, StateReport{Stage: core.StageFinish})
	tracker.Ingest(1, StateReport{Stage: core.StageFinish})
	tracker.Ingest(1, StateReport{Stage: core.StageIdle})

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 1 || calls[0] != core.StageFinish {
		t.Fatalf("result handler calls = %v, want one FINISH", calls)
	}
}

func TestTrackerConsumesExpectedPrint(t *testing.T) {
	expected := core.NewExpectedPrints()
	expected.Register(1, "part.3mf")
	tracker := NewTracker(time.Minute, expected)

	tracker.Ingest(1, StateReport{Stage: core.StageRunning, GcodeFile: "part.3mf"})

	if expected.Consume(1, "part.3mf") {
		t.Fatal("registration should be consumed by the running report")
	}
}

func TestTrackerCommandOutbox(t *testing.T) {
	tracker := NewTracker(time.Minute, nil)

	if !tracker.StartPrint(1, "part.3mf", 2, []int{0, core.UnmappedSlot}, core.PrintOptions{UseAMS: true}) {
		t.Fatal("StartPrint should accept the command")
	}
	if err := tracker.TurnOff(1); err != nil {
		t.Fatalf("TurnOff failed: %v", err)
	}

	commands := tracker.DrainCommands(1)
	if len(commands) != 2 {
		t.Fatalf("expected 2 commands, got %d", len(commands))
	}
	if commands[0].Type != CommandStartPrint || commands[1].Type != CommandPowerOff {
		t.Fatalf("unexpected command order: %s, %s", commands[0].Type, commands[1].Type)
	}
	if commands[0].Payload["file"] != "part.3mf" {
		t.Fatalf("start payload = %+v", commands[0].Payload)
	}

	if got := tracker.DrainCommands(1); len(got) != 0 {
		t.Fatalf("outbox should be empty after drain, got %d", len(got))
	}
}

func TestTrackerPlugStatus(t *testing.T) {
	tracker := NewTracker(time.Minute, nil)

	if _, err := tracker.PlugStatus(1); err == nil {
		t.Fatal("plug status should be unknown before any report")
	}

	on := true
	tracker.Ingest(1, StateReport{Stage: core.StageIdle, PlugOn: &on})

	got, err := tracker.PlugStatus(1)
	if err != nil {
		t.Fatalf("PlugStatus failed: %v", err)
	}
	if !got {
		t.Fatal("plug should report on")
	}
}
