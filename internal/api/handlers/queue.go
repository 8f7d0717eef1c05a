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

type CreateEntryRequest struct {
	PrinterID              int64                     `json:"printer_id" binding:"required"`
	ArchiveID              *int64                    `json:"archive_id"`
	LibraryFileID          *int64                    `json:"library_file_id"`
	ScheduledTime          *time.Time                `json:"scheduled_time"`
	ManualStart            bool                      `json:"manual_start"`
	RequirePreviousSuccess bool                      `json:"require_previous_success"`
	SlotRequirements       []core.AMSSlotRequirement `json:"slot_requirements"`
	Options                *core.PrintOptions        `json:"options"`
	PlateID                int                       `json:"plate_id"`
}

type UpdatePositionRequest struct {
	Position int `json:"position" binding:"required,gt=0"`
}

type QueueHandler struct {
	store *db.Store
}

func NewQueueHandler(store *db.Store) *QueueHandler {
	return &QueueHandler{store: store}
}

func (h *QueueHandler) CreateEntry(c *gin.Context) {
	var req CreateEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: err.Error(),
		})
		return
	}
	if req.ArchiveID == nil && req.LibraryFileID == nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: "Either archive_id or library_file_id is required",
		})
		return
	}

	entry := &db.QueueEntry{
		PrinterID:              req.PrinterID,
		ArchiveID:              req.ArchiveID,
		LibraryFileID:          req.LibraryFileID,
		ScheduledTime:          req.ScheduledTime,
		ManualStart:            req.ManualStart,
		RequirePreviousSuccess: req.RequirePreviousSuccess,
		PlateID:                req.PlateID,
	}
	if len(req.SlotRequirements) > 0 {
		blob, err := json.Marshal(req.SlotRequirements)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "validation_error",
				Message: "Invalid slot requirements",
			})
			return
		}
		entry.AMSSlotsJSON = string(blob)
	}
	if req.Options != nil {
		blob, err := json.Marshal(req.Options)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "validation_error",
				Message: "Invalid print options",
			})
			return
		}
		entry.OptionsJSON = string(blob)
	}

	if err := h.store.Queue.CreateEntry(c.Request.Context(), entry); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to create queue entry",
		})
		return
	}

	c.JSON(http.StatusCreated, entry)
}

func (h *QueueHandler) ListEntries(c *gin.Context) {
	filter := db.EntryFilter{}
	if v := c.Query("printer_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_id",
				Message: "printer_id must be an integer",
			})
			return
		}
		filter.PrinterID = id
	}
	if v := c.Query("limit"); v != "" {
		if limit, err := strconv.Atoi(v); err == nil {
			filter.Limit = limit
		}
	}
	if v := c.Query("offset"); v != "" {
		if offset, err := strconv.Atoi(v); err == nil {
			filter.Offset = offset
		}
	}

	entries, err := h.store.Queue.ListEntries(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to list queue entries",
		})
		return
	}

	c.JSON(http.StatusOK, entries)
}

func (h *QueueHandler) GetEntry(c *gin.Context) {
	entry, ok := h.loadEntry(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (h *QueueHandler) UpdatePosition(c *gin.Context) {
	entry, ok := h.loadEntry(c)
	if !ok {
		return
	}

	var req UpdatePositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: err.Error(),
		})
		return
	}

	if entry.Status != core.EntryStatusPending {
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:   "invalid_state",
			Message: "Only pending entries can be reordered",
		})
		return
	}

	if err := h.store.Queue.UpdateEntryPosition(c.Request.Context(), entry.ID, req.Position); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to update position",
		})
		return
	}

	entry.Position = req.Position
	c.JSON(http.StatusOK, entry)
}

// CancelEntry cancels a pending entry. Entries already printing belong
// to the device and must be stopped through the printer, not the queue.
func (h *QueueHandler) CancelEntry(c *gin.Context) {
	entry, ok := h.loadEntry(c)
	if !ok {
		return
	}

	if entry.Status != core.EntryStatusPending {
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:   "invalid_state",
			Message: "Only pending entries can be cancelled",
		})
		return
	}

	if err := h.store.Queue.CancelPendingEntry(c.Request.Context(), entry.ID); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to cancel entry",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *QueueHandler) GetStats(c *gin.Context) {
	counts, err := h.store.Queue.CountByStatus(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to count queue entries",
		})
		return
	}
	c.JSON(http.StatusOK, counts)
}

func (h *QueueHandler) loadEntry(c *gin.Context) (*db.QueueEntry, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_id",
			Message: "Entry id must be an integer",
		})
		return nil, false
	}

	entry, err := h.store.Queue.GetEntryByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "not_found",
				Message: "Queue entry not found",
			})
		} else {
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error:   "database_error",
				Message: "Failed to retrieve queue entry",
			})
		}
		return nil, false
	}
	return entry, true
}
