package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/edgeagent/internal/broadcast"
)

type stateRequest struct {
	State string `json:"state" binding:"required"`
}

type vcamRequest struct {
	Active *bool `json:"active" binding:"required"`
}

type profileRequest struct {
	Profile string `json:"profile" binding:"required"`
}

// handleSetState forces the broadcast state. The session reports the
// change to the channel on its own.
func (s *Server) handleSetState(c *gin.Context) {
	var req stateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	state, err := broadcast.ParseState(req.State)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.host.SetState(state)
	log.Info().Stringer("state", state).Msg("API: broadcast state set")

	c.JSON(http.StatusOK, gin.H{
		"status": "updated",
		"host":   s.host.Snapshot(),
	})
}

func (s *Server) handleVirtualCamera(c *gin.Context) {
	var req vcamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sent := s.session.SendVirtualCameraState(*req.Active)
	log.Info().Bool("active", *req.Active).Bool("reported", sent).Msg("API: virtual camera changed")

	c.JSON(http.StatusOK, gin.H{
		"active":   *req.Active,
		"reported": sent,
	})
}

func (s *Server) handleSetProfile(c *gin.Context) {
	var req profileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.host.SetProfile(req.Profile); err != nil {
		c.JSON(streamStatus(err), gin.H{"error": err.Error(), "profile": req.Profile})
		return
	}

	log.Info().Str("profile", req.Profile).Msg("API: profile selected")
	c.JSON(http.StatusOK, gin.H{
		"status": "updated",
		"host":   s.host.Snapshot(),
	})
}

func (s *Server) handleStartStream(c *gin.Context) {
	s.streamAction(c, "start", s.host.StartStream)
}

func (s *Server) handleStopStream(c *gin.Context) {
	s.streamAction(c, "stop", s.host.StopStream)
}

func (s *Server) streamAction(c *gin.Context, action string, fn func() error) {
	if err := fn(); err != nil {
		c.JSON(streamStatus(err), gin.H{"error": err.Error()})
		return
	}
	log.Info().Str("action", action).Msg("API: stream action")
	c.JSON(http.StatusAccepted, gin.H{
		"status": action,
		"host":   s.host.Snapshot(),
	})
}

func streamStatus(err error) int {
	if errors.Is(err, broadcast.ErrUnknownProfile) {
		return http.StatusNotFound
	}
	return http.StatusConflict
}
