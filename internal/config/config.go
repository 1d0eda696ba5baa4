package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/chatsync/internal/auth"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const maxFetchLimit = 1000

// Config holds all environment-based configuration for chatsync.
type Config struct {
	// Backing service endpoint and public (anon) key.
	URL     string `env:"CHATSYNC_URL"`
	AnonKey string `env:"CHATSYNC_ANON_KEY"`

	// Account credentials for password sign-in. Optional once a session
	// has been stored by `chatsync login`.
	Email    string `env:"CHATSYNC_EMAIL"`
	Password string `env:"CHATSYNC_PASSWORD"`

	// Channel is both the realtime topic suffix and the messages table.
	Channel string `env:"CHATSYNC_CHANNEL" envDefault:"messages"`

	// StatePath is the bbolt session store. Defaults to ~/.chatsync/state.db.
	StatePath string `env:"CHATSYNC_STATE_PATH"`
	// StatePassphrase enables credential encryption at rest when set.
	StatePassphrase string `env:"CHATSYNC_STATE_PASSPHRASE"`

	// CacheDir is the pebble message cache. Defaults to ~/.chatsync/cache.
	CacheDir string `env:"CHATSYNC_CACHE_DIR"`

	// OutboxDir, when set, is watched for files to send.
	OutboxDir string `env:"CHATSYNC_OUTBOX_DIR"`

	// TranscriptPath, when set, receives a Markdown mirror of the channel.
	TranscriptPath string `env:"CHATSYNC_TRANSCRIPT_PATH"`

	FetchLimit  int           `env:"CHATSYNC_FETCH_LIMIT" envDefault:"100"`
	SettleDelay time.Duration `env:"CHATSYNC_SETTLE_DELAY" envDefault:"500ms"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	// LogLevel overrides the environment's default level.
	LogLevel string `env:"LOG_LEVEL"`

	// MCP server settings
	EnableMCP     bool   `env:"ENABLE_MCP" envDefault:"false"`
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:":8090"`
	MCPAPIKeys    string `env:"MCP_API_KEYS"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.URL == "" {
		return fmt.Errorf("CHATSYNC_URL is required")
	}

	u, err := url.Parse(c.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("CHATSYNC_URL must be an http(s) URL, got %q", c.URL)
	}

	c.URL = strings.TrimRight(c.URL, "/")

	if c.AnonKey == "" {
		return fmt.Errorf("CHATSYNC_ANON_KEY is required")
	}

	if (c.Email == "") != (c.Password == "") {
		return fmt.Errorf("CHATSYNC_EMAIL and CHATSYNC_PASSWORD must be set together")
	}

	if c.Channel == "" {
		return fmt.Errorf("CHATSYNC_CHANNEL must not be empty")
	}

	if c.FetchLimit <= 0 || c.FetchLimit > maxFetchLimit {
		return fmt.Errorf("CHATSYNC_FETCH_LIMIT must be between 1 and %d", maxFetchLimit)
	}

	if c.SettleDelay < 0 {
		return fmt.Errorf("CHATSYNC_SETTLE_DELAY must not be negative")
	}

	if c.EnableMCP && c.MCPAPIKeys == "" {
		return fmt.Errorf("MCP_API_KEYS is required when MCP is enabled")
	}

	return nil
}

// resolvePaths fills default locations and makes every path absolute.
func (c *Config) resolvePaths() error {
	if c.StatePath == "" || c.CacheDir == "" {
		dir, err := DefaultDir()
		if err != nil {
			return err
		}

		if c.StatePath == "" {
			c.StatePath = filepath.Join(dir, "state.db")
		}

		if c.CacheDir == "" {
			c.CacheDir = filepath.Join(dir, "cache")
		}
	}

	for _, p := range []*string{&c.StatePath, &c.CacheDir, &c.OutboxDir, &c.TranscriptPath} {
		if *p == "" {
			continue
		}

		abs, err := filepath.Abs(*p)
		if err != nil {
			return fmt.Errorf("resolving %s to absolute path: %w", *p, err)
		}

		*p = abs
	}

	return nil
}

// DefaultDir returns ~/.chatsync, the parent of the default state and
// cache locations.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".chatsync"), nil
}

// Topic returns the realtime topic for the configured channel.
func (c *Config) Topic() string {
	return "room:" + c.Channel
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// APIKeyEntry holds a pre-configured API key and its associated user
// identity parsed from MCP_API_KEYS.
type APIKeyEntry struct {
	UserID string
	Key    string
}

// ParseMCPAPIKeys parses the MCP_API_KEYS string.
// Format: "user1:cs_key1,user2:cs_key2"
func (c *Config) ParseMCPAPIKeys() ([]APIKeyEntry, error) {
	if c.MCPAPIKeys == "" {
		return nil, nil
	}

	seenUsers := make(map[string]struct{})

	var entries []APIKeyEntry

	for _, pair := range strings.Split(c.MCPAPIKeys, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid API key entry (missing ':')")
		}

		userID := pair[:idx]

		key := pair[idx+1:]
		if userID == "" || key == "" {
			return nil, fmt.Errorf("empty user or key in entry %d", len(entries)+1)
		}

		if !strings.HasPrefix(key, auth.APIKeyPrefix) {
			return nil, fmt.Errorf("API key must start with %q prefix in entry %d", auth.APIKeyPrefix, len(entries)+1)
		}

		if len(key) < auth.APIKeyMinLen {
			return nil, fmt.Errorf("API key too short in entry %d (minimum %d characters)", len(entries)+1, auth.APIKeyMinLen)
		}

		suffix := key[len(auth.APIKeyPrefix):]
		if _, err := hex.DecodeString(suffix); err != nil {
			return nil, fmt.Errorf("API key contains non-hex characters after %q prefix in entry %d", auth.APIKeyPrefix, len(entries)+1)
		}

		if _, dup := seenUsers[userID]; dup {
			return nil, fmt.Errorf("duplicate user_id %q in MCP_API_KEYS", userID)
		}

		seenUsers[userID] = struct{}{}
		entries = append(entries, APIKeyEntry{UserID: userID, Key: key})
	}

	return entries, nil
}

// APIKeyStore builds an auth.Store holding every configured key.
func (c *Config) APIKeyStore() (*auth.Store, error) {
	entries, err := c.ParseMCPAPIKeys()
	if err != nil {
		return nil, err
	}

	store := auth.NewStore()
	for _, e := range entries {
		if err := store.AddAPIKey(e.UserID, e.Key); err != nil {
			return nil, err
		}
	}

	return store, nil
}
