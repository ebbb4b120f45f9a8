// Package config handles application configuration loading and management.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds the application configuration.
type Config struct {
	App        App
	HTTP       HTTP
	Engine     Engine
	Progress   Progress
	Broadcast  Broadcast
	Storage    Storage
	Dir        Dir
	Database   Database
	Artifact   Artifact
	DepManager DepManager
	Proxy      Proxy
	RateLimit  RateLimit
}

// App holds application-wide configuration.
type App struct {
	Env      string `env:"MEDIAQUEUE_ENV"           envDefault:"development"`
	LogLevel string `env:"MEDIAQUEUE_APP_LOG_LEVEL" envDefault:"info"`
	// Downloader selects the collaborator set: "ytdlp" or "mock".
	Downloader string `env:"MEDIAQUEUE_APP_DOWNLOADER" envDefault:"ytdlp"`
}

// HTTP holds HTTP server configuration.
type HTTP struct {
	Port            string        `env:"MEDIAQUEUE_HTTP_PORT"             envDefault:":8080"`
	ReadTimeout     time.Duration `env:"MEDIAQUEUE_HTTP_READ_TIMEOUT"     envDefault:"15s"`
	HandlerTimeout  time.Duration `env:"MEDIAQUEUE_HTTP_HANDLER_TIMEOUT"  envDefault:"20s"`
	ShutdownTimeout time.Duration `env:"MEDIAQUEUE_HTTP_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Engine holds execution engine configuration.
type Engine struct {
	MaxConcurrent  int           `env:"MEDIAQUEUE_ENGINE_MAX_CONCURRENT_DOWNLOADS" envDefault:"3"`
	QueueSize      int           `env:"MEDIAQUEUE_ENGINE_QUEUE_SIZE"               envDefault:"100"`
	ExtractTimeout time.Duration `env:"MEDIAQUEUE_ENGINE_EXTRACT_TIMEOUT"          envDefault:"60s"`
	FetchTimeout   time.Duration `env:"MEDIAQUEUE_ENGINE_FETCH_TIMEOUT"            envDefault:"2h"`
	ProcessTimeout time.Duration `env:"MEDIAQUEUE_ENGINE_PROCESS_TIMEOUT"          envDefault:"30m"`
	CancelGrace    time.Duration `env:"MEDIAQUEUE_ENGINE_CANCEL_GRACE"             envDefault:"5s"`
}

// Progress holds progress aggregation configuration.
type Progress struct {
	// Interval is the minimum gap between two progress events of one task.
	Interval time.Duration `env:"MEDIAQUEUE_PROGRESS_INTERVAL" envDefault:"500ms"`
	// Smoothing is the EWMA weight of the newest speed sample, in (0, 1].
	Smoothing float64 `env:"MEDIAQUEUE_PROGRESS_SMOOTHING" envDefault:"0.3"`
}

// Broadcast holds observer fan-out configuration.
type Broadcast struct {
	HeartbeatInterval time.Duration `env:"MEDIAQUEUE_BROADCAST_HEARTBEAT_INTERVAL" envDefault:"30s"`
	LivenessWindow    time.Duration `env:"MEDIAQUEUE_BROADCAST_LIVENESS_WINDOW"    envDefault:"90s"`
	BufferSize        int           `env:"MEDIAQUEUE_BROADCAST_BUFFER_SIZE"        envDefault:"64"`
	WriteTimeout      time.Duration `env:"MEDIAQUEUE_BROADCAST_WRITE_TIMEOUT"      envDefault:"10s"`
}

// Storage holds task store configuration.
type Storage struct {
	TTL              time.Duration `env:"MEDIAQUEUE_STORAGE_TTL"               envDefault:"24h"`
	CleanupInterval  time.Duration `env:"MEDIAQUEUE_STORAGE_CLEANUP_INTERVAL"  envDefault:"1h"`
	DefaultPageSize  int           `env:"MEDIAQUEUE_STORAGE_DEFAULT_PAGE_SIZE" envDefault:"50"`
	MaxPageSize      int           `env:"MEDIAQUEUE_STORAGE_MAX_PAGE_SIZE"     envDefault:"500"`
	RejectDuplicates bool          `env:"MEDIAQUEUE_STORAGE_REJECT_DUPLICATES" envDefault:"true"`
	// RemoveFiles deletes the output file together with a cleaned up task.
	RemoveFiles bool `env:"MEDIAQUEUE_STORAGE_REMOVE_FILES" envDefault:"false"`
}

// Dir holds directory paths for downloads and caches.
type Dir struct {
	Downloads string `env:"MEDIAQUEUE_DIR_DOWNLOAD" envDefault:"./data/downloads"`
	Cache     string `env:"MEDIAQUEUE_DIR_CACHE"    envDefault:"./data/cache"` // yt-dlp cache (meta, sigs)
}

// SetAbsPaths converts all directory paths to absolute paths.
func (c *Dir) SetAbsPaths() error {
	var err error
	if c.Downloads, err = filepath.Abs(c.Downloads); err != nil {
		return fmt.Errorf("downloads: %w", err)
	}

	if c.Cache, err = filepath.Abs(c.Cache); err != nil {
		return fmt.Errorf("cache: %w", err)
	}

	return nil
}

// Database holds the task journal configuration. An empty Path disables persistence.
type Database struct {
	Path        string        `env:"MEDIAQUEUE_DATABASE_PATH"         envDefault:""`
	BusyTimeout time.Duration `env:"MEDIAQUEUE_DATABASE_BUSY_TIMEOUT" envDefault:"5s"`
}

// Artifact holds object storage upload configuration for completed outputs.
type Artifact struct {
	Enabled         bool          `env:"MEDIAQUEUE_ARTIFACT_ENABLED"           envDefault:"false"`
	Bucket          string        `env:"MEDIAQUEUE_ARTIFACT_BUCKET"            envDefault:""`
	Region          string        `env:"MEDIAQUEUE_ARTIFACT_REGION"            envDefault:"us-east-1"`
	Endpoint        string        `env:"MEDIAQUEUE_ARTIFACT_ENDPOINT"          envDefault:""`
	AccessKeyID     string        `env:"MEDIAQUEUE_ARTIFACT_ACCESS_KEY_ID"     envDefault:""`
	SecretAccessKey string        `env:"MEDIAQUEUE_ARTIFACT_SECRET_ACCESS_KEY" envDefault:""`
	Prefix          string        `env:"MEDIAQUEUE_ARTIFACT_PREFIX"            envDefault:"downloads/"`
	PublicBaseURL   string        `env:"MEDIAQUEUE_ARTIFACT_PUBLIC_BASE_URL"   envDefault:""`
	Timeout         time.Duration `env:"MEDIAQUEUE_ARTIFACT_TIMEOUT"           envDefault:"10m"`
}

// Validate reports configuration that cannot upload anything.
func (a Artifact) Validate() error {
	if !a.Enabled {
		return nil
	}

	if a.Bucket == "" {
		return errors.New("artifact bucket is required")
	}

	return nil
}

// DepManager holds binary dependency management configuration.
type DepManager struct {
	// BinsDir is the directory where binaries are stored
	BinsDir string `env:"MEDIAQUEUE_DEPMANAGER_BINS_DIR" envDefault:"./bins"`
	// UseSystemBinaries resolves binaries from PATH before downloading them.
	UseSystemBinaries bool `env:"MEDIAQUEUE_DEPMANAGER_USE_SYSTEM_BINARIES" envDefault:"true"`

	FFmpegLinuxARM64 string `env:"MEDIAQUEUE_DEPMANAGER_FFMPEG_LINUX_ARM64" envDefault:"https://github.com/BtbN/FFmpeg-Builds/releases/latest/download/ffmpeg-master-latest-linuxarm64-gpl.tar.xz"` //nolint:lll
	FFmpegLinuxAMD64 string `env:"MEDIAQUEUE_DEPMANAGER_FFMPEG_LINUX_AMD64" envDefault:"https://github.com/BtbN/FFmpeg-Builds/releases/latest/download/ffmpeg-master-latest-linux64-gpl.tar.xz"`    //nolint:lll
	YTdlpLinuxARM64  string `env:"MEDIAQUEUE_DEPMANAGER_YTDLP_LINUX_ARM64" envDefault:"https://github.com/yt-dlp/yt-dlp/releases/latest/download/yt-dlp_linux_aarch64"`                          //nolint:lll
	YTdlpLinuxAMD64  string `env:"MEDIAQUEUE_DEPMANAGER_YTDLP_LINUX_AMD64" envDefault:"https://github.com/yt-dlp/yt-dlp/releases/latest/download/yt-dlp_linux"`                                  //nolint:lll
}

// SetAbsPaths converts the BinsDir path to an absolute path.
func (d *DepManager) SetAbsPaths() error {
	var err error
	if d.BinsDir, err = filepath.Abs(d.BinsDir); err != nil {
		return fmt.Errorf("bins dir: %w", err)
	}

	return nil
}

// Proxy holds proxy configuration for download requests.
type Proxy struct {
	// List is a comma-separated list of proxy URLs
	List string `env:"MEDIAQUEUE_PROXY_LIST" envDefault:""`
	// HealthCheckInterval is how often to check proxy health
	HealthCheckInterval time.Duration `env:"MEDIAQUEUE_PROXY_HEALTH_CHECK_INTERVAL" envDefault:"5m"`
	// FailureBackoff is the initial backoff duration for failed proxies
	FailureBackoff time.Duration `env:"MEDIAQUEUE_PROXY_FAILURE_BACKOFF" envDefault:"1m"`
	// MaxFailures is the maximum number of failures before a proxy is temporarily removed
	MaxFailures int `env:"MEDIAQUEUE_PROXY_MAX_FAILURES" envDefault:"3"`

	// Proxies is the parsed list of proxy URLs
	Proxies []string `env:"-"`
}

// parseList parses the comma-separated proxy list.
func (p *Proxy) parseList() {
	p.Proxies = nil

	if p.List == "" {
		return
	}

	for proxy := range strings.SplitSeq(p.List, ",") {
		proxy = strings.TrimSpace(proxy)
		if proxy != "" {
			p.Proxies = append(p.Proxies, proxy)
		}
	}
}

// RateLimit holds per-client request limiting configuration.
type RateLimit struct {
	Enabled           bool `env:"MEDIAQUEUE_RATE_LIMIT_ENABLED"             envDefault:"true"`
	RequestsPerMinute int  `env:"MEDIAQUEUE_RATE_LIMIT_REQUESTS_PER_MINUTE" envDefault:"100"`
	Burst             int  `env:"MEDIAQUEUE_RATE_LIMIT_BURST"               envDefault:"20"`
}

// New loads .env files and then configuration from environment variables.
func New() (*Config, error) {
	if err := loadEnvFiles(); err != nil {
		return nil, fmt.Errorf("load env files: %w", err)
	}

	return Parse()
}

// Parse reads configuration from the current environment only.
func Parse() (*Config, error) {
	cfg := &Config{}

	err := env.Parse(cfg)
	if err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	err = cfg.Dir.SetAbsPaths()
	if err != nil {
		return nil, fmt.Errorf("set absolute paths: %w", err)
	}

	err = cfg.DepManager.SetAbsPaths()
	if err != nil {
		return nil, fmt.Errorf("set dep manager absolute paths: %w", err)
	}

	if cfg.Database.Path != "" {
		if cfg.Database.Path, err = filepath.Abs(cfg.Database.Path); err != nil {
			return nil, fmt.Errorf("database path: %w", err)
		}
	}

	cfg.Proxy.parseList()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}

	return cfg, nil
}

// Validate checks value ranges that env tags cannot express.
func (c *Config) Validate() error {
	switch {
	case c.Engine.MaxConcurrent < 1:
		return errors.New("max concurrent downloads must be at least 1")
	case c.Engine.QueueSize < 1:
		return errors.New("queue size must be at least 1")
	case c.Progress.Smoothing <= 0 || c.Progress.Smoothing > 1:
		return errors.New("progress smoothing must be in (0, 1]")
	case c.Broadcast.BufferSize < 1:
		return errors.New("broadcast buffer size must be at least 1")
	case c.Storage.DefaultPageSize < 1 || c.Storage.MaxPageSize < c.Storage.DefaultPageSize:
		return errors.New("page sizes must satisfy 1 <= default <= max")
	}

	return c.Artifact.Validate()
}

// loadEnvFiles loads .env, then .env.<MEDIAQUEUE_ENV>, then .env.local.
// Missing files are skipped; later files override earlier ones.
func loadEnvFiles() error {
	if fileExists(".env") {
		if err := godotenv.Load(".env"); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}

	if name := os.Getenv("MEDIAQUEUE_ENV"); name != "" {
		envFile := ".env." + name
		if fileExists(envFile) {
			if err := godotenv.Overload(envFile); err != nil {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
		}
	}

	if fileExists(".env.local") {
		if err := godotenv.Overload(".env.local"); err != nil {
			return fmt.Errorf("load .env.local: %w", err)
		}
	}

	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)

	return err == nil
}
