package ingest

import (
	"bufio"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/agentz/agentz/internal/common/errors"
	"github.com/agentz/agentz/internal/common/logger"
	"github.com/agentz/agentz/internal/events"
)

// maxFrameBytes bounds one NDJSON line from a worker.
const maxFrameBytes = 2 * 1024 * 1024

// Handler exposes the internal chunk endpoint workers post to.
type Handler struct {
	ingester *Ingester
	logger   *logger.Logger
}

// NewHandler creates the ingest handler.
func NewHandler(in *Ingester, log *logger.Logger) *Handler {
	return &Handler{ingester: in, logger: log.WithFields(zap.String("component", "ingest-http"))}
}

// RegisterRoutes mounts the internal ingest surface.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/chunks", h.PostChunks)
}

// PostChunks consumes a streaming NDJSON body of worker frames. The
// connection is closed on the first frame whose nonce does not match
// the daemon registry; everything after it is discarded.
// POST /internal/v1/chunks
func (h *Handler) PostChunks(c *gin.Context) {
	scanner := bufio.NewScanner(c.Request.Body)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)

	accepted := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var frame Frame
		if err := json.Unmarshal(line, &frame); err != nil {
			h.logger.Warn("unparseable ingest frame, skipped", zap.Error(err))
			continue
		}
		if !h.ingester.ValidFrame(frame) {
			h.logger.Warn("ingest frame failed nonce check, closing",
				zap.String("session_id", frame.SessionID))
			appErr := apperrors.Forbidden("unknown session or stale nonce")
			c.AbortWithStatusJSON(appErr.HTTPStatus, appErr)
			return
		}

		if err := h.ingester.HandleFrame(c.Request.Context(), frame); err != nil {
			// Undecodable events are skipped; durability failures end
			// the request so the worker retries.
			if errors.Is(err, events.ErrCorruptFrame) || errors.Is(err, events.ErrUnknownType) {
				h.logger.Warn("invalid ingest event, skipped",
					zap.String("session_id", frame.SessionID), zap.Error(err))
				continue
			}
			h.logger.Error("ingest frame failed",
				zap.String("session_id", frame.SessionID), zap.Error(err))
			appErr := apperrors.InternalError("persist frame", err)
			c.AbortWithStatusJSON(appErr.HTTPStatus, appErr)
			return
		}
		accepted++
	}
	if err := scanner.Err(); err != nil {
		h.logger.Warn("ingest body read ended early", zap.Error(err))
	}

	c.JSON(http.StatusAccepted, gin.H{"accepted": accepted})
}
