package connector

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultServerConfigURL publishes the list of chat servers.
	DefaultServerConfigURL = "https://assets.mfcimg.com/_js/serverconfig.js"

	// FallbackServer is used whenever discovery fails.
	FallbackServer = "xchat100"

	serverDomain         = "myfreecams.com"
	discoveryTimeout     = 10 * time.Second
	maxServerConfigBytes = 1 << 20
)

type serverConfig struct {
	WebsocketServers map[string]any `json:"websocket_servers"`
}

var discoveryClient = &http.Client{
	Timeout: discoveryTimeout,
	Transport: &http.Transport{
		MaxIdleConns:    2,
		IdleConnTimeout: 30 * time.Second,
	},
}

// ServerURL returns the websocket url of a named chat server.
func ServerURL(name string) string {
	return fmt.Sprintf("wss://%s.%s", name, serverDomain)
}

// DiscoverServer fetches the server configuration and picks one websocket
// server at random. It never fails: errors are logged and the fallback
// server is returned instead.
func DiscoverServer(ctx context.Context, configURL string) string {
	if configURL == "" {
		configURL = DefaultServerConfigURL
	}

	name, err := fetchServerName(ctx, configURL)
	if err != nil {
		log.Warn().
			Err(err).
			Str("url", configURL).
			Str("fallback", FallbackServer).
			Msg("server discovery failed")
		name = FallbackServer
	}

	log.Info().Str("server", name).Msg("chat server selected")
	return ServerURL(name)
}

func fetchServerName(ctx context.Context, configURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, configURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := discoveryClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch server config: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("server config returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxServerConfigBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read server config: %w", err)
	}

	var cfg serverConfig
	if err := json.Unmarshal(body, &cfg); err != nil {
		return "", fmt.Errorf("failed to parse server config: %w", err)
	}
	if len(cfg.WebsocketServers) == 0 {
		return "", fmt.Errorf("server config lists no websocket servers")
	}

	names := make([]string, 0, len(cfg.WebsocketServers))
	for name := range cfg.WebsocketServers {
		if name != "" {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "", fmt.Errorf("server config lists no websocket servers")
	}
	sort.Strings(names)

	return names[rand.Intn(len(names))], nil
}
