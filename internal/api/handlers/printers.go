package handlers

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wreuel/bambuddy-sub000/internal/core"
	"github.com/wreuel/bambuddy-sub000/internal/db"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type CreatePrinterRequest struct {
	Name         string `json:"name" binding:"required"`
	IPAddress    string `json:"ip_address" binding:"required,ip_addr"`
	AccessCode   string `json:"access_code" binding:"required"`
	Serial       string `json:"serial"`
	Model        string `json:"model" binding:"required"`
	AutoPowerOn  bool   `json:"auto_power_on"`
	AutoPowerOff bool   `json:"auto_power_off"`
}

type UpdatePrinterRequest struct {
	Name         string `json:"name"`
	IPAddress    string `json:"ip_address" binding:"omitempty,ip_addr"`
	AccessCode   string `json:"access_code"`
	Serial       string `json:"serial"`
	Model        string `json:"model"`
	AutoPowerOn  *bool  `json:"auto_power_on"`
	AutoPowerOff *bool  `json:"auto_power_off"`
}

type PrinterResponse struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name"`
	IPAddress    string     `json:"ip_address"`
	Serial       string     `json:"serial"`
	Model        string     `json:"model"`
	AutoPowerOn  bool       `json:"auto_power_on"`
	AutoPowerOff bool       `json:"auto_power_off"`
	Status       string     `json:"status"`
	Connected    bool       `json:"connected"`
	LastSeenAt   *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

type PrinterStatusResponse struct {
	ID         int64                 `json:"id"`
	Connected  bool                  `json:"connected"`
	Stage      string                `json:"stage"`
	GcodeFile  string                `json:"gcode_file,omitempty"`
	NozzleTemp float64               `json:"nozzle_temp"`
	BedTemp    float64               `json:"bed_temp"`
	Filaments  []core.LoadedFilament `json:"filaments,omitempty"`
}

type PrinterHandler struct {
	store   *db.Store
	devices core.DeviceController
	power   core.PowerController
}

func NewPrinterHandler(store *db.Store, devices core.DeviceController, power core.PowerController) *PrinterHandler {
	return &PrinterHandler{
		store:   store,
		devices: devices,
		power:   power,
	}
}

func (h *PrinterHandler) ListPrinters(c *gin.Context) {
	printers, err := h.store.Printers.ListPrinters(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to retrieve printers",
		})
		return
	}

	responses := make([]PrinterResponse, 0, len(printers))
	for _, p := range printers {
		responses = append(responses, h.printerToResponse(p))
	}

	c.JSON(http.StatusOK, responses)
}

func (h *PrinterHandler) GetPrinter(c *gin.Context) {
	printer, ok := h.loadPrinter(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.printerToResponse(printer))
}

func (h *PrinterHandler) CreatePrinter(c *gin.Context) {
	var req CreatePrinterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: err.Error(),
		})
		return
	}

	printer := &db.Printer{
		Name:         req.Name,
		IPAddress:    req.IPAddress,
		AccessCode:   req.AccessCode,
		Serial:       req.Serial,
		Model:        req.Model,
		AutoPowerOn:  req.AutoPowerOn,
		AutoPowerOff: req.AutoPowerOff,
		Status:       "offline",
	}
	if err := h.store.Printers.CreatePrinter(c.Request.Context(), printer); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to create printer",
		})
		return
	}

	c.JSON(http.StatusCreated, h.printerToResponse(printer))
}

func (h *PrinterHandler) UpdatePrinter(c *gin.Context) {
	printer, ok := h.loadPrinter(c)
	if !ok {
		return
	}

	var req UpdatePrinterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: err.Error(),
		})
		return
	}

	if req.Name != "" {
		printer.Name = req.Name
	}
	if req.IPAddress != "" {
		printer.IPAddress = req.IPAddress
	}
	if req.AccessCode != "" {
		printer.AccessCode = req.AccessCode
	}
	if req.Serial != "" {
		printer.Serial = req.Serial
	}
	if req.Model != "" {
		printer.Model = req.Model
	}
	if req.AutoPowerOn != nil {
		printer.AutoPowerOn = *req.AutoPowerOn
	}
	if req.AutoPowerOff != nil {
		printer.AutoPowerOff = *req.AutoPowerOff
	}

	if err := h.store.Printers.UpdatePrinter(c.Request.Context(), printer); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to update printer",
		})
		return
	}

	c.JSON(http.StatusOK, h.printerToResponse(printer))
}

func (h *PrinterHandler) DeletePrinter(c *gin.Context) {
	printer, ok := h.loadPrinter(c)
	if !ok {
		return
	}

	if err := h.store.Printers.DeletePrinter(c.Request.Context(), printer.ID); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to delete printer",
		})
		return
	}
	h.devices.MarkOffline(printer.ID)

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *PrinterHandler) GetPrinterStatus(c *gin.Context) {
	printer, ok := h.loadPrinter(c)
	if !ok {
		return
	}

	resp := PrinterStatusResponse{
		ID:        printer.ID,
		Connected: h.devices.IsConnected(printer.ID),
	}
	if state, err := h.devices.GetStatus(printer.ID); err == nil && state != nil {
		resp.Stage = state.Stage
		resp.GcodeFile = state.GcodeFile
		resp.NozzleTemp = state.NozzleTemp
		resp.BedTemp = state.BedTemp
		resp.Filaments = state.Filaments
	}

	c.JSON(http.StatusOK, resp)
}

func (h *PrinterHandler) PowerOn(c *gin.Context) {
	h.setPower(c, true)
}

func (h *PrinterHandler) PowerOff(c *gin.Context) {
	h.setPower(c, false)
}

func (h *PrinterHandler) setPower(c *gin.Context, on bool) {
	printer, ok := h.loadPrinter(c)
	if !ok {
		return
	}

	var err error
	if on {
		err = h.power.TurnOn(printer.ID)
	} else {
		err = h.power.TurnOff(printer.ID)
	}
	if err != nil {
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Error:   "power_error",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"success": true})
}

func (h *PrinterHandler) loadPrinter(c *gin.Context) (*db.Printer, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_id",
			Message: "Printer id must be an integer",
		})
		return nil, false
	}

	printer, err := h.store.Printers.GetPrinterByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "not_found",
				Message: "Printer not found",
			})
		} else {
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error:   "database_error",
				Message: "Failed to retrieve printer",
			})
		}
		return nil, false
	}
	return printer, true
}

func (h *PrinterHandler) printerToResponse(p *db.Printer) PrinterResponse {
	return PrinterResponse{
		ID:           p.ID,
		Name:         p.Name,
		IPAddress:    p.IPAddress,
		Serial:       p.Serial,
		Model:        p.Model,
		AutoPowerOn:  p.AutoPowerOn,
		AutoPowerOff: p.AutoPowerOff,
		Status:       p.Status,
		Connected:    h.devices.IsConnected(p.ID),
		LastSeenAt:   p.LastSeenAt,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
}
