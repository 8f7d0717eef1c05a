// Package webhook delivers pipeline events to subscribed HTTP endpoints.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/wreuel/bambuddy-sub000/internal/core"
	"github.com/wreuel/bambuddy-sub000/internal/db"
)

type Payload struct {
	Event     string        `json:"event"`
	Timestamp time.Time     `json:"timestamp"`
	Data      core.JobEvent `json:"data"`
	Signature string        `json:"signature,omitempty"`
}

type Config struct {
	RetryCount  int
	RetryDelay  time.Duration
	Timeout     time.Duration
	WorkerCount int
	QueueSize   int
}

type task struct {
	webhookID int64
	event     string
	payload   *Payload
	attempt   int
}

// Sender fans pipeline events out to all enabled webhooks subscribed to
// the event, through a bounded queue and a fixed worker pool. Publishing
// never blocks the pipeline: a full queue drops the delivery with a log
// line.
type Sender struct {
	store       *db.Store
	httpClient  *http.Client
	retryCount  int
	retryDelay  time.Duration
	workerCount int
	queue       chan *task
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

func NewSender(store *db.Store, config Config) *Sender {
	if config.RetryCount <= 0 {
		config.RetryCount = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 5 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 3
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 100
	}

	return &Sender{
		store: store,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		retryCount:  config.RetryCount,
		retryDelay:  config.RetryDelay,
		workerCount: config.WorkerCount,
		queue:       make(chan *task, config.QueueSize),
		stopCh:      make(chan struct{}),
	}
}

func (s *Sender) Start() {
	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

func (s *Sender) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// PublishJobEvent implements core.EventSink.
func (s *Sender) PublishJobEvent(event core.JobEvent) {
	webhooks, err := s.store.Webhooks.ListWebhooksForEvent(context.Background(), event.Event)
	if err != nil {
		log.Printf("[webhook] failed to get webhooks for event %s: %v", event.Event, err)
		return
	}

	for _, webhook := range webhooks {
		t := &task{
			webhookID: webhook.ID,
			event:     event.Event,
			payload: &Payload{
				Event:     event.Event,
				Timestamp: time.Now(),
				Data:      event,
			},
		}

		select {
		case s.queue <- t:
		default:
			log.Printf("[webhook] queue full, dropping webhook %d for event %s", webhook.ID, event.Event)
		}
	}
}

func (s *Sender) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case t := <-s.queue:
			if err := s.sendWithRetry(t); err != nil {
				log.Printf("[webhook worker %d] failed to send webhook %d for event %s after %d attempts: %v",
					id, t.webhookID, t.event, t.attempt, err)
			}
		}
	}
}

func (s *Sender) sendWithRetry(t *task) error {
	webhook, err := s.store.Webhooks.GetWebhookByID(context.Background(), t.webhookID)
	if err != nil {
		return fmt.Errorf("get webhook: %w", err)
	}

	var lastErr error
	for t.attempt < s.retryCount {
		t.attempt++

		err := s.sendRequest(webhook, t.payload)
		if err == nil {
			return nil
		}

		lastErr = err

		if isClientError(err) {
			log.Printf("[webhook] client error for webhook %d, not retrying: %v", webhook.ID, err)
			return err
		}

		if t.attempt < s.retryCount {
			backoff := s.retryDelay * time.Duration(1<<(t.attempt-1))
			log.Printf("[webhook] retry %d/%d for webhook %d in %v: %v",
				t.attempt, s.retryCount, webhook.ID, backoff, err)

			select {
			case <-s.stopCh:
				return fmt.Errorf("shutdown requested")
			case <-time.After(backoff):
			}
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (s *Sender) sendRequest(webhook *db.Webhook, payload *Payload) error {
	dataBytes, err := json.Marshal(payload.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}

	if webhook.Secret != "" {
		payload.Signature = signPayload(dataBytes, webhook.Secret)
	}

	fullPayload, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequest("POST", webhook.URL, bytes.NewReader(fullPayload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", payload.Signature)
	req.Header.Set("X-Webhook-Event", payload.Event)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("http error: %d", resp.StatusCode)
	}

	return nil
}

func signPayload(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func isClientError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "http error: 4")
}
