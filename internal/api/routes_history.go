package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

func (s *Server) requireHistory(c *gin.Context) bool {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "journal is disabled"})
		return false
	}
	return true
}

func limitParam(c *gin.Context) int {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	return limit
}

func (s *Server) handleHistoryPeers(c *gin.Context) {
	if !s.requireHistory(c) {
		return
	}
	peers, err := s.history.Peers()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"peers": peers, "total": len(peers)})
}

func (s *Server) handleHistoryQueries(c *gin.Context) {
	if !s.requireHistory(c) {
		return
	}
	queries, err := s.history.RecentQueries(limitParam(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"queries": queries, "total": len(queries)})
}

// handleHistoryEvents returns journaled events, optionally filtered by
// ?type=.
func (s *Server) handleHistoryEvents(c *gin.Context) {
	if !s.requireHistory(c) {
		return
	}
	evs, err := s.history.RecentEvents(c.Query("type"), limitParam(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evs, "total": len(evs)})
}

func (s *Server) handleMetrics(c *gin.Context) {
	if s.metrics == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "metrics are disabled"})
		return
	}
	s.metrics.ServeHTTP(c.Writer, c.Request)
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.health == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "health checks are disabled"})
		return
	}
	checks := s.health.Report()
	c.JSON(http.StatusOK, gin.H{"checks": checks, "total": len(checks)})
}
