package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
)

type Config struct {
	HTTPAddr string
	LogLevel string
	BaseURL  string // public origin for profile links, e.g. https://spook.bio

	// GitHub-backed content store
	GitHubToken string
	GitHubOwner string
	GitHubRepo  string

	// Discord OAuth + guild enrollment
	DiscordClientID     string
	DiscordClientSecret string
	DiscordRedirectURI  string
	DiscordGuildID      string
	DiscordBotToken     string

	// session signing key; raw value kept in-memory only, never log it
	SessionKeyRaw string
	SessionKey    []byte // decoded from SessionKeyRaw

	RedisDSN     string
	WebhookURL   string // creation notifications, optional
	TemplatePath string
	UploadDir    string

	// optional avatar CDN mirror (S3-compatible)
	R2Endpoint  string
	R2Bucket    string
	R2Region    string
	R2PublicURL string
}

func Load() (Config, error) {
	cfg := Config{
		HTTPAddr: getenvDefault("HTTP_ADDR", ":8080"),
		LogLevel: getenvDefault("LOG_LEVEL", "info"),
		BaseURL:  getenvDefault("BASE_URL", "https://spook.bio"),

		GitHubToken: os.Getenv("GITHUB_TOKEN"),
		GitHubOwner: getenvDefault("GITHUB_OWNER", "spookbio"),
		GitHubRepo:  getenvDefault("GITHUB_REPO", "spook.bio"),

		DiscordClientID:     os.Getenv("DISCORD_CLIENT_ID"),
		DiscordClientSecret: os.Getenv("DISCORD_CLIENT_SECRET"),
		DiscordRedirectURI:  os.Getenv("DISCORD_REDIRECT_URI"),
		DiscordGuildID:      os.Getenv("DISCORD_GUILD_ID"),
		DiscordBotToken:     os.Getenv("DISCORD_BOT_TOKEN"),

		RedisDSN:     getenvDefault("REDIS_DSN", "redis://localhost:6379/0"),
		WebhookURL:   os.Getenv("WEBHOOK_URL"),
		TemplatePath: getenvDefault("TEMPLATE_PATH", "templates/profile/index.html"),
		UploadDir:    getenvDefault("UPLOAD_DIR", os.TempDir()),

		R2Endpoint:  os.Getenv("R2_ENDPOINT"),
		R2Bucket:    os.Getenv("R2_BUCKET"),
		R2Region:    getenvDefault("R2_REGION", "auto"),
		R2PublicURL: os.Getenv("R2_PUBLIC_URL"),
	}

	required := []struct {
		name, value string
	}{
		{"GITHUB_TOKEN", cfg.GitHubToken},
		{"DISCORD_CLIENT_ID", cfg.DiscordClientID},
		{"DISCORD_CLIENT_SECRET", cfg.DiscordClientSecret},
		{"DISCORD_REDIRECT_URI", cfg.DiscordRedirectURI},
		{"DISCORD_GUILD_ID", cfg.DiscordGuildID},
		{"DISCORD_BOT_TOKEN", cfg.DiscordBotToken},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return Config{}, fmt.Errorf("missing %s", r.name)
		}
	}

	// decode session key (base64, must be 32 bytes)
	cfg.SessionKeyRaw = os.Getenv("SESSION_KEY")
	if cfg.SessionKeyRaw == "" {
		return Config{}, errors.New("missing SESSION_KEY")
	}
	key, err := base64.StdEncoding.DecodeString(cfg.SessionKeyRaw)
	if err != nil {
		return Config{}, errors.New("SESSION_KEY must be valid base64")
	}
	if len(key) != 32 {
		return Config{}, errors.New("SESSION_KEY must be 32 bytes (256 bits)")
	}
	cfg.SessionKey = key

	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return cfg, nil
}

// MirrorEnabled reports whether the optional avatar CDN mirror is configured.
func (c Config) MirrorEnabled() bool {
	return c.R2Endpoint != "" && c.R2Bucket != ""
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}
