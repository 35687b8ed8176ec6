package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/edgeagent/internal/util"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "edgeagent",
		"phase":   s.session.Status().Phase,
	})
}

// handleVersion returns the agent version and the protocol versions it
// speaks.
func (s *Server) handleVersion(c *gin.Context) {
	agentCfg := s.cfg.GetAgent()
	sysInfo := util.GetSystemInfo()

	c.JSON(http.StatusOK, gin.H{
		"name":              "edgeagent",
		"version":           s.version,
		"login_version":     agentCfg.LoginVersion,
		"websocket_version": agentCfg.WebsocketVersion,
		"platform":          sysInfo.Platform,
		"os_version":        sysInfo.OSVersion,
	})
}
