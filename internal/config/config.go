package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

var ErrEmptyEnvironmentVariable = errors.New("empty environment variable")

// Config holds all application configuration
type Config struct {
	OpenAI OpenAIConfig
	Zoho   ZohoConfig
	Bridge BridgeConfig
	Server ServerConfig
}

// OpenAIConfig holds the realtime voice and knowledge-base settings
type OpenAIConfig struct {
	APIKey         string
	Model          string
	Voice          string
	KnowledgeModel string
}

// ZohoConfig holds the CRM credentials
type ZohoConfig struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
}

// BridgeConfig holds per-call tunables for the session bridge
type BridgeConfig struct {
	DialTimeout     time.Duration // bound on establishing the AI transport
	FunctionTimeout time.Duration // bound on a single function dispatch
	SendWindow      time.Duration // backpressure window before a frame is dropped
	FrameBuffer     int           // buffered frames per relay direction
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port       int
	PublicHost string // externally reachable host for the media stream URL
}

// Load reads and validates all required environment variables
func Load() (*Config, error) {
	// Load env.local in non-production environments
	if os.Getenv("GO_ENV") != "production" {
		if err := godotenv.Load("env.local"); err != nil {
			return nil, fmt.Errorf("failed to load env.local: %w", err)
		}
	}

	cfg := &Config{}

	var err error
	if cfg.OpenAI.APIKey, err = requireEnv("OPENAI_API_KEY"); err != nil {
		return nil, err
	}
	cfg.OpenAI.Model = getEnvWithDefault("OPENAI_REALTIME_MODEL", "gpt-4o-realtime-preview-2024-12-17")
	cfg.OpenAI.Voice = getEnvWithDefault("OPENAI_REALTIME_VOICE", "alloy")
	cfg.OpenAI.KnowledgeModel = getEnvWithDefault("OPENAI_KNOWLEDGE_MODEL", "gpt-4o-mini")

	// Zoho credentials are optional; without them CRM lookups report the
	// backend as unavailable instead of failing the call.
	cfg.Zoho.ClientID = os.Getenv("ZOHO_CLIENT_ID")
	cfg.Zoho.ClientSecret = os.Getenv("ZOHO_CLIENT_SECRET")
	cfg.Zoho.RefreshToken = os.Getenv("ZOHO_REFRESH_TOKEN")

	cfg.Bridge.DialTimeout, err = durationEnv("BRIDGE_DIAL_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	cfg.Bridge.FunctionTimeout, err = durationEnv("BRIDGE_FUNCTION_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}
	cfg.Bridge.SendWindow, err = durationEnv("BRIDGE_SEND_WINDOW", 100*time.Millisecond)
	if err != nil {
		return nil, err
	}
	frameBuffer := getEnvWithDefault("BRIDGE_FRAME_BUFFER", "256")
	cfg.Bridge.FrameBuffer, err = strconv.Atoi(frameBuffer)
	if err != nil {
		return nil, fmt.Errorf("failed to parse BRIDGE_FRAME_BUFFER: %w", err)
	}

	if cfg.Server.PublicHost, err = requireEnv("PUBLIC_HOST"); err != nil {
		return nil, err
	}
	serverPort, err := requireEnv("SERVER_PORT")
	if err != nil {
		return nil, err
	}
	cfg.Server.Port, err = strconv.Atoi(serverPort)
	if err != nil {
		return nil, fmt.Errorf("failed to parse SERVER_PORT: %w", err)
	}

	return cfg, nil
}

// requireEnv retrieves an environment variable or returns an error if empty
func requireEnv(key string) (string, error) {
	value := os.Getenv(key)
	if value == "" {
		return "", fmt.Errorf("%s is not set: %w", key, ErrEmptyEnvironmentVariable)
	}
	return value, nil
}

// getEnvWithDefault retrieves an environment variable or returns a default value
func getEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// durationEnv parses a duration environment variable with a default
func durationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", key, err)
	}
	return d, nil
}
