package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/edgeagent/internal/config"
	"github.com/energizer-project/edgeagent/internal/events"
)

type agentFieldRequest struct {
	Key   string      `json:"key" binding:"required"`
	Value interface{} `json:"value"`
}

// handleGetConfig returns the configuration with secrets masked.
func (s *Server) handleGetConfig(c *gin.Context) {
	agentCfg := s.cfg.GetAgent()
	agentCfg.AuthToken = mask(agentCfg.AuthToken)
	apiCfg := s.cfg.GetAPI()
	apiCfg.APIKey = mask(apiCfg.APIKey)

	c.JSON(http.StatusOK, gin.H{
		"agent":     agentCfg,
		"broadcast": s.cfg.GetBroadcast(),
		"api":       apiCfg,
		"mqtt":      s.cfg.GetMQTT(),
		"database":  s.cfg.GetDatabase(),
		"metrics":   s.cfg.GetMetrics(),
		"logging":   s.cfg.GetLogging(),
	})
}

// handleSetAgentField updates one agent option, validates the result and
// saves it. Changes apply on the next start of the session.
func (s *Server) handleSetAgentField(c *gin.Context) {
	var req agentFieldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	previous := s.cfg.GetAgent()
	if err := s.cfg.UpdateAgentField(req.Key, req.Value); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if result := config.Validate(s.cfg); !result.IsValid() {
		s.cfg.SetAgent(previous)
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":  "invalid configuration",
			"errors": result.Errors,
		})
		return
	}

	if err := s.cfg.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save config"})
		return
	}

	value := req.Value
	if req.Key == "auth_token" {
		value = "********"
	}
	s.eventBus.Emit(c.Request.Context(), events.Event{
		Type:   events.EventConfigChanged,
		Source: "api",
		Payload: events.ConfigChangedPayload{
			Section: "agent",
			Key:     req.Key,
			Value:   value,
		},
	})
	log.Info().Str("key", req.Key).Msg("API: agent option updated")

	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}
