package http

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/studyhall/internal/app/orch"
	"github.com/dkeye/studyhall/internal/core"
	"github.com/dkeye/studyhall/internal/domain"
)

type sessionHandlers struct {
	orch *orch.Orchestrator
}

type errorResponse struct {
	Error string           `json:"error"`
	Kind  domain.ErrorKind `json:"kind"`
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, orch.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrSessionExists), errors.Is(err, domain.ErrSessionOccupied):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidState):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrTransportFailure):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func abortWith(c *gin.Context, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("store request failed")
	}
	c.AbortWithStatusJSON(status, errorResponse{Error: err.Error(), Kind: domain.KindOf(err)})
}

func sessionID(c *gin.Context) domain.SessionID {
	return domain.SessionID(c.Param("id"))
}

func bindSession(c *gin.Context) (domain.Session, bool) {
	var doc domain.Session
	if err := c.ShouldBindJSON(&doc); err != nil {
		abortWith(c, fmt.Errorf("invalid session body: %w: %w", domain.ErrInvalidState, err))
		return domain.Session{}, false
	}
	return doc, true
}

func (h *sessionHandlers) read(c *gin.Context) {
	doc, found, err := h.orch.Read(c.Request.Context(), sessionID(c))
	if err != nil {
		abortWith(c, err)
		return
	}
	if !found {
		abortWith(c, domain.ErrSessionNotFound)
		return
	}
	c.JSON(http.StatusOK, doc)
}

// write replaces the document. With "If-None-Match: *" it only creates.
func (h *sessionHandlers) write(c *gin.Context) {
	doc, ok := bindSession(c)
	if !ok {
		return
	}
	var err error
	if c.GetHeader("If-None-Match") == "*" {
		err = h.orch.Create(c.Request.Context(), sessionID(c), doc)
	} else {
		err = h.orch.Write(c.Request.Context(), sessionID(c), doc)
	}
	if err != nil {
		abortWith(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *sessionHandlers) merge(c *gin.Context) {
	patch, ok := bindSession(c)
	if !ok {
		return
	}
	if err := h.orch.Merge(c.Request.Context(), sessionID(c), patch); err != nil {
		abortWith(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func candidateLog(c *gin.Context) (domain.CandidateLog, bool) {
	lg, ok := domain.ParseCandidateLog(c.Param("log"))
	if !ok {
		abortWith(c, fmt.Errorf("unknown candidate log %q: %w", c.Param("log"), domain.ErrInvalidState))
	}
	return lg, ok
}

func (h *sessionHandlers) readLog(c *gin.Context) {
	lg, ok := candidateLog(c)
	if !ok {
		return
	}
	entries, err := h.orch.ReadLog(c.Request.Context(), sessionID(c), lg)
	if err != nil {
		abortWith(c, err)
		return
	}
	if entries == nil {
		entries = []domain.Candidate{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// appendCandidate is rate limited per client token cookie.
func (h *sessionHandlers) appendCandidate(c *gin.Context) {
	lg, ok := candidateLog(c)
	if !ok {
		return
	}
	var cand domain.Candidate
	if err := c.ShouldBindJSON(&cand); err != nil {
		abortWith(c, fmt.Errorf("invalid candidate body: %w", domain.ErrInvalidState))
		return
	}
	client := core.ClientID("ct:" + c.GetString("client_token"))
	if err := h.orch.Append(c.Request.Context(), client, sessionID(c), lg, cand); err != nil {
		abortWith(c, err)
		return
	}
	c.Status(http.StatusCreated)
}
