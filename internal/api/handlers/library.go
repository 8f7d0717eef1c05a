package handlers

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/wreuel/bambuddy-sub000/internal/db"
	"github.com/wreuel/bambuddy-sub000/internal/library"
)

type LibraryHandler struct {
	store   *db.Store
	storage *library.Storage
}

func NewLibraryHandler(store *db.Store, storage *library.Storage) *LibraryHandler {
	return &LibraryHandler{store: store, storage: storage}
}

func (h *LibraryHandler) UploadFile(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: "Multipart field 'file' is required",
		})
		return
	}

	f, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "upload_error",
			Message: "Failed to read uploaded file",
		})
		return
	}
	defer f.Close()

	record, err := h.storage.SaveFile(c.Request.Context(), header.Filename, f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "storage_error",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, record)
}

func (h *LibraryHandler) ListFiles(c *gin.Context) {
	files, err := h.store.Library.ListLibraryFiles(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to list library files",
		})
		return
	}
	c.JSON(http.StatusOK, files)
}

func (h *LibraryHandler) DeleteFile(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_id",
			Message: "File id must be an integer",
		})
		return
	}

	if err := h.storage.DeleteFile(c.Request.Context(), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "not_found",
				Message: "Library file not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "storage_error",
			Message: "Failed to delete library file",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *LibraryHandler) ListArchives(c *gin.Context) {
	limit := 50
	offset := 0
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	archives, err := h.store.Archives.ListArchives(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to list archives",
		})
		return
	}
	c.JSON(http.StatusOK, archives)
}
