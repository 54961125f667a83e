package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config is passed explicitly into every component; nothing reads the
// environment after Load returns.
type Config struct {
	HTTPAddr string `envconfig:"HTTP_ADDR"`

	DataDir           string   `envconfig:"DATA_DIR"`
	UploadDir         string   `envconfig:"UPLOAD_DIR"`
	BackgroundImage   string   `envconfig:"BACKGROUND_IMAGE"`
	FontFile          string   `envconfig:"FONT_FILE"`
	CTAText           string   `envconfig:"CTA_TEXT"`
	MaxUploadBytes    int64    `envconfig:"MAX_UPLOAD_BYTES"`
	AllowedExtensions []string `envconfig:"ALLOWED_EXTENSIONS"`

	Compositor Compositor
	Resolver   Resolver
	Fetch      Fetch
	Telegram   Telegram
}

type Compositor struct {
	WellKnownPath string        `envconfig:"FFMPEG_PATH"`
	Name          string        `envconfig:"FFMPEG_NAME"`
	Timeout       time.Duration `envconfig:"FFMPEG_TIMEOUT"`
	ProbeTimeout  time.Duration `envconfig:"FFMPEG_PROBE_TIMEOUT"`
	LogLevel      string        `envconfig:"FFMPEG_LOGLEVEL"`
}

type Resolver struct {
	Timeout      time.Duration `envconfig:"RESOLVE_TIMEOUT"`
	MaxRedirects int           `envconfig:"RESOLVE_MAX_REDIRECTS"`
}

type Fetch struct {
	Timeout time.Duration `envconfig:"FETCH_TIMEOUT"`
}

type Telegram struct {
	BotToken string `envconfig:"TELEGRAM_BOT_TOKEN"`
	ChatID   int64  `envconfig:"TELEGRAM_CHAT_ID"`
}

func (t Telegram) Enabled() bool { return t.BotToken != "" && t.ChatID != 0 }

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv populates a Config from the process environment only. Unset
// variables keep their default value.
func FromEnv() (*Config, error) {
	c := defaults()
	if err := envconfig.Process("", c); err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}
	if err := c.normalize(); err != nil {
		return nil, err
	}
	return c, nil
}

// Default returns the configuration obtained with an empty environment.
func Default() *Config {
	c := defaults()
	// defaults always validate; only resolving DataDir can fail
	_ = c.normalize()
	return c
}

func defaults() *Config {
	return &Config{
		HTTPAddr:          ":5001",
		DataDir:           "./generated",
		UploadDir:         "./uploads",
		BackgroundImage:   "static/images/background.jpg",
		CTAText:           "SCAN QR CODE FOR MORE.",
		MaxUploadBytes:    30 << 20,
		AllowedExtensions: []string{"xml", "txt"},
		Compositor: Compositor{
			WellKnownPath: "/opt/homebrew/bin/ffmpeg",
			Name:          "ffmpeg",
			Timeout:       120 * time.Second,
			ProbeTimeout:  5 * time.Second,
			LogLevel:      "debug",
		},
		Resolver: Resolver{Timeout: 10 * time.Second, MaxRedirects: 10},
		Fetch:    Fetch{Timeout: 10 * time.Second},
	}
}

func (c *Config) normalize() error {
	for i, ext := range c.AllowedExtensions {
		c.AllowedExtensions[i] = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
	}
	if c.Compositor.Timeout <= 0 {
		return fmt.Errorf("FFMPEG_TIMEOUT must be positive, got %s", c.Compositor.Timeout)
	}
	if c.Resolver.MaxRedirects < 0 {
		return fmt.Errorf("RESOLVE_MAX_REDIRECTS must not be negative, got %d", c.Resolver.MaxRedirects)
	}
	dir, err := filepath.Abs(c.DataDir)
	if err != nil {
		return fmt.Errorf("resolving DATA_DIR: %w", err)
	}
	c.DataDir = dir
	return nil
}

func (c *Config) String() string {
	tg := "disabled"
	if c.Telegram.Enabled() {
		tg = "enabled"
	}
	return fmt.Sprintf("addr=%s data=%s ffmpeg=%s|%s timeout=%s telegram=%s",
		c.HTTPAddr, c.DataDir, c.Compositor.WellKnownPath, c.Compositor.Name, c.Compositor.Timeout, tg)
}
