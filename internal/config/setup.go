package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// RunSetupWizard guides the user through first-time configuration, reading
// answers from in and writing prompts to out.
func RunSetupWizard(cfg *Config, in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)
	return runSetup(cfg, reader, out)
}

func runSetup(cfg *Config, reader *bufio.Reader, out io.Writer) error {
	fmt.Fprintln(out, "╔══════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║          Edge Agent - First Run Setup        ║")
	fmt.Fprintln(out, "╚══════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	cfg.mu.Lock()

	fmt.Fprintln(out, "── Identity ──")
	cfg.Agent.EntityID = promptUint32(reader, out, "Model entity id", cfg.Agent.EntityID)
	cfg.Agent.Username = promptString(reader, out, "Username", cfg.Agent.Username)
	cfg.Agent.AuthToken = promptSecret(reader, out, "Auth token (blank for guest)", cfg.Agent.AuthToken)

	fmt.Fprintln(out)
	fmt.Fprintln(out, "── Chat Server ──")
	cfg.Agent.ServerURL = promptString(reader, out,
		"Server url (blank to pick one automatically)", cfg.Agent.ServerURL)

	fmt.Fprintln(out)
	fmt.Fprintln(out, "── Broadcast ──")
	profiles := promptString(reader, out, "Profiles (comma separated)", strings.Join(cfg.Broadcast.Profiles, ","))
	cfg.Broadcast.Profiles = splitList(profiles)
	current := cfg.Broadcast.CurrentProfile
	if len(cfg.Broadcast.Profiles) > 0 && current == "" {
		current = cfg.Broadcast.Profiles[0]
	}
	cfg.Broadcast.CurrentProfile = promptString(reader, out, "Current profile", current)
	cfg.Broadcast.Transport = promptString(reader, out, "Transport (RTMP, WebRTC, Non-MFC)", cfg.Broadcast.Transport)

	fmt.Fprintln(out)
	fmt.Fprintln(out, "── REST API ──")
	cfg.API.Enabled = promptBool(reader, out, "Enable REST API", cfg.API.Enabled)
	if cfg.API.Enabled {
		cfg.API.Port = promptInt(reader, out, "API port", cfg.API.Port)
		cfg.API.APIKey = promptSecret(reader, out, "API key", cfg.API.APIKey)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "── MQTT Telemetry ──")
	cfg.MQTT.Enabled = promptBool(reader, out, "Enable MQTT telemetry", cfg.MQTT.Enabled)
	if cfg.MQTT.Enabled {
		cfg.MQTT.BrokerURL = promptString(reader, out, "Broker host", cfg.MQTT.BrokerURL)
		cfg.MQTT.Port = promptInt(reader, out, "Broker port", cfg.MQTT.Port)
	}

	cfg.mu.Unlock()

	result := Validate(cfg)
	if !result.IsValid() {
		fmt.Fprintln(out, "\n⚠ Configuration has errors:")
		for _, e := range result.Errors {
			fmt.Fprintf(out, "  - [%s] %s\n", e.Field, e.Message)
		}
		retry := promptString(reader, out, "Would you like to try again? (yes/no)", "yes")
		if strings.ToLower(retry) == "yes" {
			return runSetup(cfg, reader, out)
		}
		return fmt.Errorf("configuration validation failed")
	}

	for _, w := range result.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}

	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "✓ Configuration saved successfully!")
	fmt.Fprintln(out)

	return nil
}

func promptString(reader *bufio.Reader, out io.Writer, prompt string, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "  %s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Fprintf(out, "  %s: ", prompt)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

// promptSecret does not echo the current value.
func promptSecret(reader *bufio.Reader, out io.Writer, prompt string, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "  %s [unchanged]: ", prompt)
	} else {
		fmt.Fprintf(out, "  %s: ", prompt)
	}
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}

func promptInt(reader *bufio.Reader, out io.Writer, prompt string, defaultVal int) int {
	fmt.Fprintf(out, "  %s [%d]: ", prompt, defaultVal)

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}

	val, err := strconv.Atoi(input)
	if err != nil {
		fmt.Fprintf(out, "    Invalid number, using default: %d\n", defaultVal)
		return defaultVal
	}
	return val
}

func promptUint32(reader *bufio.Reader, out io.Writer, prompt string, defaultVal uint32) uint32 {
	fmt.Fprintf(out, "  %s [%d]: ", prompt, defaultVal)

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}

	val, err := strconv.ParseUint(input, 10, 32)
	if err != nil {
		fmt.Fprintf(out, "    Invalid id, using default: %d\n", defaultVal)
		return defaultVal
	}
	return uint32(val)
}

func promptBool(reader *bufio.Reader, out io.Writer, prompt string, defaultVal bool) bool {
	defaultStr := "no"
	if defaultVal {
		defaultStr = "yes"
	}

	fmt.Fprintf(out, "  %s [%s]: ", prompt, defaultStr)

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(strings.ToLower(input))

	if input == "" {
		return defaultVal
	}

	return input == "yes" || input == "y" || input == "true" || input == "1"
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
