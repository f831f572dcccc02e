package gallery

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/imago/encode"
)

// Config holds the full imago configuration. Values come from defaults, an
// optional YAML file, and environment variables, in that order of
// precedence (env wins).
type Config struct {
	Listen    string `yaml:"listen"`
	DBPath    string `yaml:"db_path"`
	UploadDir string `yaml:"upload_dir"`

	MaxConcurrentJobs int           `yaml:"max_concurrent_jobs"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	MaxUploadMB       int64         `yaml:"max_upload_mb"`

	SimilarityThreshold     float64 `yaml:"similarity_threshold"`
	TextSimilarityThreshold float64 `yaml:"text_similarity_threshold"`

	Encoder encode.Config `yaml:"encoder"`

	// SessionSecret enables principal validation on mutating endpoints.
	// Empty means the deployment is open (auth handled upstream or absent).
	SessionSecret string `yaml:"session_secret"`

	// MCPTransport exposes the MCP tool surface when set to "stdio".
	MCPTransport string `yaml:"mcp_transport"`

	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:                  ":8080",
		DBPath:                  "db/imago.db",
		UploadDir:               "uploads",
		MaxConcurrentJobs:       10,
		PollInterval:            2 * time.Second,
		MaxUploadMB:             32,
		SimilarityThreshold:     0.5,
		TextSimilarityThreshold: 0.9,
		LogLevel:                "info",
	}
}

// LoadConfig reads a YAML config file merged over DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overlays environment variables onto the config.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Listen = ":" + v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("UPLOAD_DIR"); v != "" {
		c.UploadDir = v
	}
	if v := os.Getenv("MAX_CONCURRENT_JOBS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxConcurrentJobs = n
		}
	}
	if v := os.Getenv("POLL_INTERVAL"); v != "" {
		// Accepts a Go duration ("500ms") or a bare second count ("2").
		if d, err := time.ParseDuration(v); err == nil {
			c.PollInterval = d
		} else if n, err := strconv.Atoi(v); err == nil {
			c.PollInterval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("SIMILARITY_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.SimilarityThreshold = f
		}
	}
	if v := os.Getenv("TEXT_SIMILARITY_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.TextSimilarityThreshold = f
		}
	}
	if v := os.Getenv("CLIP_ENDPOINT"); v != "" {
		c.Encoder.Endpoint = v
	}
	if v := os.Getenv("CLIP_MODEL"); v != "" {
		c.Encoder.Model = v
	}
	if v := os.Getenv("CPU_ONLY"); v != "" {
		c.Encoder.CPUOnly = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("SESSION_SECRET"); v != "" {
		c.SessionSecret = v
	}
	if v := os.Getenv("MCP_TRANSPORT"); v != "" {
		c.MCPTransport = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.UploadDir == "" {
		return fmt.Errorf("upload_dir is required")
	}
	if c.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("max_concurrent_jobs must be > 0")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be > 0")
	}
	if c.MaxUploadMB <= 0 {
		return fmt.Errorf("max_upload_mb must be > 0")
	}
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 2 {
		return fmt.Errorf("similarity_threshold must be in (0, 2]")
	}
	if c.TextSimilarityThreshold <= 0 || c.TextSimilarityThreshold > 2 {
		return fmt.Errorf("text_similarity_threshold must be in (0, 2]")
	}
	return nil
}

// MaxUploadBytes returns the upload body cap in bytes.
func (c *Config) MaxUploadBytes() int64 { return c.MaxUploadMB * 1024 * 1024 }
