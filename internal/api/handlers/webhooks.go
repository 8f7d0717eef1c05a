package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wreuel/bambuddy-sub000/internal/core"
	"github.com/wreuel/bambuddy-sub000/internal/db"
)

var knownEvents = map[string]bool{
	core.EventJobStarted:   true,
	core.EventJobProgress:  true,
	core.EventJobCompleted: true,
	core.EventJobFailed:    true,
	core.EventJobCancelled: true,
	core.EventEntrySkipped: true,
	core.EventPrinterPower: true,
}

type CreateWebhookRequest struct {
	Name   string   `json:"name" binding:"required"`
	URL    string   `json:"url" binding:"required,url"`
	Secret string   `json:"secret"`
	Events []string `json:"events" binding:"required,min=1"`
}

type WebhookResponse struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

type WebhookHandler struct {
	store *db.Store
}

func NewWebhookHandler(store *db.Store) *WebhookHandler {
	return &WebhookHandler{store: store}
}

func (h *WebhookHandler) CreateWebhook(c *gin.Context) {
	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: err.Error(),
		})
		return
	}

	for _, event := range req.Events {
		if !knownEvents[event] {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "validation_error",
				Message: "Unknown event: " + event,
			})
			return
		}
	}

	eventsJSON, err := json.Marshal(req.Events)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: "Invalid events",
		})
		return
	}

	webhook := &db.Webhook{
		Name:       req.Name,
		URL:        req.URL,
		Secret:     req.Secret,
		EventsJSON: string(eventsJSON),
		Enabled:    true,
	}
	if err := h.store.Webhooks.CreateWebhook(c.Request.Context(), webhook); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to create webhook",
		})
		return
	}

	c.JSON(http.StatusCreated, h.webhookToResponse(webhook))
}

func (h *WebhookHandler) ListWebhooks(c *gin.Context) {
	webhooks, err := h.store.Webhooks.ListWebhooks(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to list webhooks",
		})
		return
	}

	responses := make([]WebhookResponse, 0, len(webhooks))
	for _, w := range webhooks {
		responses = append(responses, h.webhookToResponse(w))
	}

	c.JSON(http.StatusOK, responses)
}

func (h *WebhookHandler) DeleteWebhook(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_id",
			Message: "Webhook id must be an integer",
		})
		return
	}

	if _, err := h.store.Webhooks.GetWebhookByID(c.Request.Context(), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "not_found",
				Message: "Webhook not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to retrieve webhook",
		})
		return
	}

	if err := h.store.Webhooks.DeleteWebhook(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to delete webhook",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *WebhookHandler) webhookToResponse(w *db.Webhook) WebhookResponse {
	var events []string
	if err := json.Unmarshal([]byte(w.EventsJSON), &events); err != nil {
		events = nil
	}
	return WebhookResponse{
		ID:        w.ID,
		Name:      w.Name,
		URL:       w.URL,
		Events:    events,
		Enabled:   w.Enabled,
		CreatedAt: w.CreatedAt,
	}
}
