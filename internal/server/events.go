package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/randalmurphal/lakeflow/pkg/lakeflow/bus"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/correlation"
	lferrors "github.com/randalmurphal/lakeflow/pkg/lakeflow/errors"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/event"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/reducer"
)

type publishResponse struct {
	ID      string `json:"id"`
	ChainID string `json:"chainId"`
	Topic   string `json:"topic"`
}

type chainResponse struct {
	ChainID    string    `json:"chainId"`
	Status     string    `json:"status"`
	EventCount int       `json:"eventCount"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

type fireResponse struct {
	ChainID     string `json:"chainId"`
	Emitted     bool   `json:"emitted"`
	AggregateID string `json:"aggregateId,omitempty"`
}

// handlePublish accepts one event in wire format. Bodies that do not parse
// into a valid event are dead-lettered and answered with 400.
func (s *Server) handlePublish(c *gin.Context) {
	topic := c.Param("topic")
	if topic == "" {
		topic = s.ingress
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	ctx := c.Request.Context()
	evt, err := event.Parse(body)
	if err != nil {
		s.bus.Reject(ctx, topic, body, err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.bus.Publish(ctx, topic, evt); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, publishResponse{ID: evt.ID, ChainID: evt.ChainID(), Topic: topic})
}

func (s *Server) handleListDeadLetters(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deadLetters": s.bus.DeadLetters().List(limit)})
}

func (s *Server) handleDeadLetterStats(c *gin.Context) {
	dlq := s.bus.DeadLetters()
	c.JSON(http.StatusOK, gin.H{
		"stats":      dlq.Stats(),
		"byCategory": dlq.CountByCategory(),
	})
}

func (s *Server) handleGetDeadLetter(c *gin.Context) {
	dl, ok := s.bus.DeadLetters().Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": bus.ErrDeadLetterNotFound.Error()})
		return
	}
	c.JSON(http.StatusOK, dl)
}

func (s *Server) handleRedrive(c *gin.Context) {
	if err := s.bus.Redrive(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"redriven": c.Param("id")})
}

func (s *Server) handleDeleteDeadLetter(c *gin.Context) {
	if !s.bus.DeadLetters().Remove(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": bus.ErrDeadLetterNotFound.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// writeError maps domain errors to status codes.
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, correlation.ErrNotFound), errors.Is(err, bus.ErrDeadLetterNotFound):
		status = http.StatusNotFound
	case errors.Is(err, correlation.ErrEmptyChainID), errors.Is(err, bus.ErrEmptyTopic), lferrors.IsMalformed(err):
		status = http.StatusBadRequest
	case errors.Is(err, reducer.ErrFireUnsupported), errors.Is(err, bus.ErrSubscriberGone):
		status = http.StatusConflict
	case errors.Is(err, bus.ErrBusClosed), errors.Is(err, correlation.ErrStoreClosed), lferrors.IsRetryable(err):
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("path", c.FullPath()),
			slog.String("error", err.Error()),
		)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
