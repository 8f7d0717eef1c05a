package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wreuel/bambuddy-sub000/internal/core"
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

func subscribe(t *testing.T, store *db.Store, url, secret string, events ...string) {
	t.Helper()
	eventsJSON, err := json.Marshal(events)
	if err != nil {
		t.Fatalf("failed to marshal events: %v", err)
	}
	w := &db.Webhook{
		Name:       "test",
		URL:        url,
		Secret:     secret,
		EventsJSON: string(eventsJSON),
		Enabled:    true,
	}
	if err := store.Webhooks.CreateWebhook(context.Background(), w); err != nil {
		t.Fatalf("failed to create webhook: %v", err)
	}
}

func testConfig() Config {
	return Config{
		RetryCount:  2,
		RetryDelay:  time.Millisecond,
		Timeout:     time.Second,
		WorkerCount: 1,
		QueueSize:   10,
	}
}

func TestSenderDeliversSignedPayload(t *testing.T) {
	type received struct {
		body      []byte
		signature string
		event     string
	}
	got := make(chan received, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- received{body, r.Header.Get("X-Webhook-Signature"), r.Header.Get("X-Webhook-Event")}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := newTestStore(t)
	subscribe(t, store, server.URL, "s3cret", core.EventJobStarted)

	sender := NewSender(store, testConfig())
	sender.Start()
	defer sender.Stop()

	sender.PublishJobEvent(core.JobEvent{Event: core.EventJobStarted, PrinterID: 1, SourceName: "part.3mf"})

	select {
	case r := <-got:
		if r.event != core.EventJobStarted {
			t.Fatalf("event header = %s, want %s", r.event, core.EventJobStarted)
		}

		var payload Payload
		if err := json.Unmarshal(r.body, &payload); err != nil {
			t.Fatalf("failed to decode payload: %v", err)
		}
		if payload.Data.SourceName != "part.3mf" {
			t.Fatalf("payload data = %+v", payload.Data)
		}

		dataBytes, _ := json.Marshal(payload.Data)
		mac := hmac.New(sha256.New, []byte("s3cret"))
		mac.Write(dataBytes)
		want := hex.EncodeToString(mac.Sum(nil))
		if r.signature != want {
			t.Fatalf("signature = %s, want %s", r.signature, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("webhook was never delivered")
	}
}

func TestSenderSkipsUnsubscribedEvents(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := newTestStore(t)
	subscribe(t, store, server.URL, "", core.EventJobCompleted)

	sender := NewSender(store, testConfig())
	sender.Start()

	sender.PublishJobEvent(core.JobEvent{Event: core.EventJobStarted, PrinterID: 1})
	sender.Stop()

	if calls.Load() != 0 {
		t.Fatalf("expected no deliveries, got %d", calls.Load())
	}
}

func TestSenderRetriesServerErrors(t *testing.T) {
	var mu sync.Mutex
	var statuses []int
	fail := true
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			fail = false
			statuses = append(statuses, http.StatusInternalServerError)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		statuses = append(statuses, http.StatusOK)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := newTestStore(t)
	subscribe(t, store, server.URL, "", core.EventJobFailed)

	sender := NewSender(store, testConfig())
	sender.Start()

	sender.PublishJobEvent(core.JobEvent{Event: core.EventJobFailed, PrinterID: 1})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(statuses)
		mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	sender.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(statuses) != 2 || statuses[1] != http.StatusOK {
		t.Fatalf("unexpected delivery sequence: %v", statuses)
	}
}

func TestSenderDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	store := newTestStore(t)
	subscribe(t, store, server.URL, "", core.EventJobFailed)

	sender := NewSender(store, testConfig())
	sender.Start()

	sender.PublishJobEvent(core.JobEvent{Event: core.EventJobFailed, PrinterID: 1})

	// Give the worker time to (wrongly) retry.
	time.Sleep(50 * time.Millisecond)
	sender.Stop()

	if calls.Load() != 1 {
		t.Fatalf("expected exactly 1 attempt, got %d", calls.Load())
	}
}
