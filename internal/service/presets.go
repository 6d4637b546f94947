package service

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/fluxkit/fluxkit/internal/generate"
	"github.com/fluxkit/fluxkit/internal/storage"
)

type presetBody struct {
	Name           string  `json:"name"`
	Model          string  `json:"model"`
	Steps          int     `json:"steps"`
	Guidance       float64 `json:"guidance"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	PromptScaffold string  `json:"prompt_scaffold,omitempty"`
}

func (b *presetBody) validate() error {
	if b.Name == "" {
		return &generate.ValidationError{Field: "name", Reason: "must not be empty"}
	}
	// Presets reuse the generation parameter rules; seed is never part of a
	// preset.
	req := generate.Request{
		Prompt:   "placeholder",
		Model:    b.Model,
		Steps:    b.Steps,
		Guidance: b.Guidance,
		Width:    b.Width,
		Height:   b.Height,
	}
	return req.Validate()
}

func (b *presetBody) apply(rec *storage.PresetRecord) {
	rec.Name = b.Name
	rec.Model = b.Model
	rec.Steps = b.Steps
	rec.Guidance = b.Guidance
	rec.Width = b.Width
	rec.Height = b.Height
	rec.PromptScaffold = b.PromptScaffold
}

func (svc *Service) createPreset(c *gin.Context) {
	var body presetBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := body.validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	if _, err := svc.meta.GetPresetByName(ctx, body.Name); err == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "preset name already in use"})
		return
	} else if !errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	now := time.Now().UTC()
	rec := &storage.PresetRecord{
		ID:         uuid.Must(uuid.NewV7()).String(),
		CreateTime: now,
		UpdateTime: now,
	}
	body.apply(rec)

	if err := svc.meta.CreatePreset(ctx, rec); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (svc *Service) listPresets(c *gin.Context) {
	presets, err := svc.meta.ListPresets(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"presets": presets})
}

func (svc *Service) getPreset(c *gin.Context) {
	rec, err := svc.meta.GetPreset(c.Request.Context(), c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, rec)
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "preset not found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (svc *Service) updatePreset(c *gin.Context) {
	var body presetBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := body.validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	rec, err := svc.meta.GetPreset(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "preset not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	body.apply(rec)
	rec.UpdateTime = time.Now().UTC()

	if err := svc.meta.UpdatePreset(ctx, rec); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (svc *Service) deletePreset(c *gin.Context) {
	if err := svc.meta.DeletePreset(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}
