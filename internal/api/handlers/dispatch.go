package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wreuel/bambuddy-sub000/internal/core"
)

type DispatchRequest struct {
	PrinterID        int64                     `json:"printer_id" binding:"required"`
	ArchiveID        *int64                    `json:"archive_id"`
	LibraryFileID    *int64                    `json:"library_file_id"`
	PlateID          int                       `json:"plate_id"`
	SlotRequirements []core.AMSSlotRequirement `json:"slot_requirements"`
	Options          core.PrintOptions         `json:"options"`
}

type DispatchResponse struct {
	JobID    string `json:"job_id"`
	Position int    `json:"position"`
}

type JobStatusResponse struct {
	JobID     string `json:"job_id"`
	PrinterID int64  `json:"printer_id"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

type DispatchHandler struct {
	queue *core.DispatchQueue
}

func NewDispatchHandler(queue *core.DispatchQueue) *DispatchHandler {
	return &DispatchHandler{queue: queue}
}

func (h *DispatchHandler) Enqueue(c *gin.Context) {
	var req DispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: err.Error(),
		})
		return
	}

	jobID, position, err := h.queue.Enqueue(c.Request.Context(), core.DispatchRequest{
		PrinterID:        req.PrinterID,
		ArchiveID:        req.ArchiveID,
		LibraryFileID:    req.LibraryFileID,
		PlateID:          req.PlateID,
		SlotRequirements: req.SlotRequirements,
		Options:          req.Options,
	})
	if err != nil {
		switch {
		case errors.Is(err, core.ErrAlreadyInProgress):
			c.JSON(http.StatusConflict, ErrorResponse{
				Error:   "already_in_progress",
				Message: "A job for this printer is already queued or active",
			})
		case errors.Is(err, core.ErrPrinterBusy):
			c.JSON(http.StatusConflict, ErrorResponse{
				Error:   "printer_busy",
				Message: "Printer is currently printing",
			})
		case errors.Is(err, core.ErrSourceNotFound):
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "not_found",
				Message: "Source file or printer not found",
			})
		default:
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error:   "dispatch_error",
				Message: "Failed to enqueue job",
			})
		}
		return
	}

	c.JSON(http.StatusAccepted, DispatchResponse{JobID: jobID, Position: position})
}

func (h *DispatchHandler) Cancel(c *gin.Context) {
	if err := h.queue.Cancel(c.Param("id")); err != nil {
		if errors.Is(err, core.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "not_found",
				Message: "Dispatch job not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "dispatch_error",
			Message: "Failed to cancel job",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *DispatchHandler) GetJob(c *gin.Context) {
	job, err := h.queue.JobStatus(c.Param("id"))
	if err != nil {
		if errors.Is(err, core.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "not_found",
				Message: "Dispatch job not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "dispatch_error",
			Message: "Failed to load job",
		})
		return
	}

	c.JSON(http.StatusOK, JobStatusResponse{
		JobID:     job.ID,
		PrinterID: job.PrinterID,
		Status:    job.Status,
		Error:     job.Error,
	})
}

func (h *DispatchHandler) GetProgress(c *gin.Context) {
	c.JSON(http.StatusOK, h.queue.Progress())
}
