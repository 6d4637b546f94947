package service

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/fluxkit/fluxkit/internal/bridge"
	"github.com/fluxkit/fluxkit/internal/generate"
	"github.com/fluxkit/fluxkit/internal/storage"
)

func (svc *Service) createGeneration(c *gin.Context) {
	var req generate.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := svc.gen.Submit(req)
	if err != nil {
		var verr *generate.ValidationError
		switch {
		case errors.As(err, &verr):
			c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error(), "field": verr.Field})
		case errors.Is(err, generate.ErrQueueFull):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"id": id})
}

func (svc *Service) listGenerations(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("page_size", "50"))
	pageToken := c.Query("page_token")

	recs, next, err := svc.gen.Generations(c.Request.Context(), limit, pageToken)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"generations": recs, "next_page_token": next})
}

func (svc *Service) getGeneration(c *gin.Context) {
	id := c.Param("id")

	rec, err := svc.gen.Generation(c.Request.Context(), id)
	if err == nil {
		c.JSON(http.StatusOK, rec)
		return
	}
	if !errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	// No record yet; the job may still be queued or running.
	if st, ok := svc.gen.Status(id); ok {
		c.JSON(http.StatusOK, st)
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "generation not found"})
}

func (svc *Service) deleteGeneration(c *gin.Context) {
	err := svc.gen.DeleteGeneration(c.Request.Context(), c.Param("id"))
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "generation not found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (svc *Service) getGenerationImage(c *gin.Context) {
	rec, r, err := svc.gen.Artifact(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "generation not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	defer r.Close()

	c.Header("Content-Type", "image/png")
	c.Header("Content-Length", strconv.FormatInt(rec.ArtifactSize, 10))
	c.Status(http.StatusOK)
	io.Copy(c.Writer, r)
}

func (svc *Service) listModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"models": svc.gen.ListModels()})
}

func (svc *Service) downloadModel(c *gin.Context) {
	err := svc.gen.DownloadModel(c.Param("name"))
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"topic": "download:" + c.Param("name")})
	case errors.Is(err, generate.ErrUnknownModel):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, generate.ErrDownloadPending):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (svc *Service) validateToken(c *gin.Context) {
	var body struct {
		Token string `json:"token"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token is required"})
		return
	}

	username, err := svc.gen.ValidateToken(c.Request.Context(), body.Token)
	if err != nil {
		switch bridge.Kind(err) {
		case bridge.FailureTool, bridge.FailureDependency:
			c.JSON(http.StatusUnprocessableEntity, gin.H{"valid": false, "error": err.Error()})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true, "username": username})
}
