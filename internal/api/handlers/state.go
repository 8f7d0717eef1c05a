package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/wreuel/bambuddy-sub000/internal/devicestate"
)

// StateHandler is the surface the external MQTT relay talks to: it
// pushes telemetry in and polls queued device commands out. Terminal
// print stages propagate to the queue through the tracker's result
// handler, not through this handler.
type StateHandler struct {
	tracker *devicestate.Tracker
}

func NewStateHandler(tracker *devicestate.Tracker) *StateHandler {
	return &StateHandler{tracker: tracker}
}

func (h *StateHandler) IngestState(c *gin.Context) {
	printerID, ok := printerIDParam(c)
	if !ok {
		return
	}

	var report devicestate.StateReport
	if err := c.ShouldBindJSON(&report); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: err.Error(),
		})
		return
	}

	h.tracker.Ingest(printerID, report)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *StateHandler) MarkOffline(c *gin.Context) {
	printerID, ok := printerIDParam(c)
	if !ok {
		return
	}

	h.tracker.MarkOffline(printerID)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *StateHandler) DrainCommands(c *gin.Context) {
	printerID, ok := printerIDParam(c)
	if !ok {
		return
	}

	commands := h.tracker.DrainCommands(printerID)
	if commands == nil {
		commands = []devicestate.Command{}
	}
	c.JSON(http.StatusOK, commands)
}

func printerIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_id",
			Message: "Printer id must be an integer",
		})
		return 0, false
	}
	return id, true
}
