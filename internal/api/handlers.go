package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/consensuslab/delphi-engine/internal/models"
	"github.com/consensuslab/delphi-engine/internal/services"
)

type handlers struct {
	service      *services.StudyService
	logger       *slog.Logger
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
}

func newHandlers(service *services.StudyService, logger *slog.Logger, writeTimeout time.Duration) *handlers {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &handlers{
		service: service,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Browsers connect from the collaboration frontend on another
			// origin; auth happens upstream.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		writeTimeout: writeTimeout,
	}
}

func (h *handlers) register(router *gin.Engine) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
	})

	v1 := router.Group("/api/v1")
	v1.POST("/studies", h.createStudy)
	v1.GET("/studies", h.listStudies)
	v1.GET("/studies/:id", h.getStudyStatus)
	v1.POST("/studies/:id/open", h.openStudy)
	v1.POST("/rounds/:id/responses", h.submitResponse)
	v1.GET("/rounds/:id/feedback", h.getFeedback)
	v1.POST("/rounds/:id/close", h.closeRound)

	router.GET("/ws/rounds/:id", h.streamRound)
}

func (h *handlers) createStudy(c *gin.Context) {
	var req models.CreateStudyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	study, err := h.service.CreateStudy(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, study)
}

func (h *handlers) listStudies(c *gin.Context) {
	summaries, err := h.service.ListStudies(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"studies": summaries})
}

func (h *handlers) getStudyStatus(c *gin.Context) {
	summary, err := h.service.GetStudyStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *handlers) openStudy(c *gin.Context) {
	round, err := h.service.OpenStudy(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, round)
}

func (h *handlers) submitResponse(c *gin.Context) {
	var req models.SubmitResponseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.service.SubmitResponse(c.Request.Context(), c.Param("id"), req); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

func (h *handlers) getFeedback(c *gin.Context) {
	participant := c.Query("participant")
	pkg, err := h.service.GetFeedback(c.Request.Context(), c.Param("id"), participant)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, pkg)
}

func (h *handlers) closeRound(c *gin.Context) {
	decision, err := h.service.ForceCloseRound(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, decision)
}

// writeError maps the domain error taxonomy onto HTTP statuses. Duplicates
// are conflicts rather than bad requests: the payload was fine, the key was
// already taken.
func (h *handlers) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, models.ErrDuplicateResponse):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case models.IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case models.IsState(err):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case models.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		h.logger.Error("request failed",
			slog.String("path", c.Request.URL.Path), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
