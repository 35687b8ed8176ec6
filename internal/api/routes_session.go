package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/edgeagent/internal/connector"
)

type queryRequest struct {
	To      uint32 `json:"to" binding:"required"`
	Command string `json:"cmd" binding:"required"`
	Value   string `json:"val"`
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.session.Status())
}

func (s *Server) handlePeers(c *gin.Context) {
	peers := s.session.Peers()
	c.JSON(http.StatusOK, gin.H{
		"peers": peers,
		"total": len(peers),
	})
}

func (s *Server) handlePending(c *gin.Context) {
	pending := s.session.Pending()
	c.JSON(http.StatusOK, gin.H{
		"pending": pending,
		"total":   len(pending),
	})
}

// handleHost returns the broadcast host as peers see it.
func (s *Server) handleHost(c *gin.Context) {
	c.JSON(http.StatusOK, s.host.Snapshot())
}

// handleQuery issues a query to a peer agent. The reply arrives later and
// is visible through the pending list and the query history.
func (s *Server) handleQuery(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	pending, err := s.session.SendQuery(req.To, req.Command, req.Value)
	if err != nil {
		c.JSON(queryStatus(err), gin.H{"error": err.Error()})
		return
	}

	log.Info().
		Uint32("to", req.To).
		Str("cmd", req.Command).
		Int64("reqid", pending.RequestID).
		Msg("API: query issued")

	c.JSON(http.StatusAccepted, gin.H{
		"status": "sent",
		"query":  pending,
	})
}

func queryStatus(err error) int {
	switch {
	case errors.Is(err, connector.ErrNotLoggedIn):
		return http.StatusConflict
	case errors.Is(err, connector.ErrInvalidTarget), errors.Is(err, connector.ErrEmptyCommand):
		return http.StatusBadRequest
	case errors.Is(err, connector.ErrSendFailed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) handleReconnect(c *gin.Context) {
	if !s.session.Reconnect() {
		c.JSON(http.StatusConflict, gin.H{"error": "session was never started or the dial was refused"})
		return
	}
	log.Info().Msg("API: reconnect requested")
	c.JSON(http.StatusAccepted, gin.H{"status": "reconnecting"})
}
