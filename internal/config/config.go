package config

import (
	_ "embed"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

type Config struct {
	Matcher  MatcherConfig  `yaml:"matcher"`
	Database DatabaseConfig `yaml:"database"`
	Fetch    FetchConfig    `yaml:"fetch"`
	Web      WebConfig      `yaml:"web"`
}

type MatcherConfig struct {
	Detector        string        `yaml:"detector"`     // sift or orb
	MaxFeatures     int           `yaml:"max_features"` // 0 keeps every keypoint
	MaxDimension    int           `yaml:"max_dimension"`
	Policy          string        `yaml:"policy"` // ratio or crosscheck
	Ratio           float64       `yaml:"ratio"`
	Search          string        `yaml:"search"` // exact or hnsw
	Seed            int64         `yaml:"seed"`
	Threshold       float64       `yaml:"threshold"`
	Workers         int           `yaml:"workers"`
	ScanTimeout     time.Duration `yaml:"scan_timeout"`
	Message         string        `yaml:"message"`
	TimestampLayout string        `yaml:"timestamp_layout"`
	Language        string        `yaml:"language"`
}

// EffectiveRatio returns the configured ratio, or the detector default
// when none is set.
func (c *MatcherConfig) EffectiveRatio() float64 {
	if c.Ratio > 0 {
		return c.Ratio
	}
	if strings.EqualFold(c.Detector, "orb") {
		return 0.75
	}
	return 0.6
}

type DatabaseConfig struct {
	URL            string `yaml:"url"`              // PostgreSQL connection URL
	SQLitePath     string `yaml:"sqlite_path"`      // local single-file store
	CorpusMySQLDSN string `yaml:"corpus_mysql_dsn"` // legacy MySQL/MariaDB images table
	MaxOpenConns   int    `yaml:"max_open_conns"`
	MaxIdleConns   int    `yaml:"max_idle_conns"`
}

type FetchConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	MaxBytes  int64         `yaml:"max_bytes"`
	MaxPixels int64         `yaml:"max_pixels"` // checked against the image header before decoding
	UserAgent string        `yaml:"user_agent"`
}

type WebConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"` // CORS whitelist, localhost is always allowed
	// AllowLocalFiles lets API clients address files on the server's disk.
	AllowLocalFiles bool `yaml:"allow_local_files"`
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envFloat reads a finite float, falling back to defaultVal.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return f
	}
	return defaultVal
}

// envDuration reads a positive Go duration such as "30s".
func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return defaultVal
}

// envBool reads a boolean such as "true" or "0".
func envBool(key string, defaultVal bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

// Load builds the configuration from the embedded defaults, an optional
// YAML override file and finally the environment. An empty path falls back
// to $IMGMATCH_CONFIG.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(defaultsYAML, &cfg); err != nil {
		// This is an embedded file so this error should never happen in practice
		panic("failed to unmarshal embedded defaults.yaml: " + err.Error())
	}

	if path == "" {
		path = os.Getenv("IMGMATCH_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	m := &c.Matcher
	m.Detector = strings.ToLower(envString("IMGMATCH_DETECTOR", m.Detector))
	m.MaxFeatures = envInt("IMGMATCH_MAX_FEATURES", m.MaxFeatures)
	m.MaxDimension = envInt("IMGMATCH_MAX_DIMENSION", m.MaxDimension)
	m.Policy = strings.ToLower(envString("IMGMATCH_POLICY", m.Policy))
	m.Ratio = envFloat("IMGMATCH_RATIO", m.Ratio)
	m.Search = strings.ToLower(envString("IMGMATCH_SEARCH", m.Search))
	m.Threshold = envFloat("IMGMATCH_THRESHOLD", m.Threshold)
	m.Workers = envInt("IMGMATCH_WORKERS", m.Workers)
	m.ScanTimeout = envDuration("IMGMATCH_SCAN_TIMEOUT", m.ScanTimeout)
	m.Message = envString("IMGMATCH_MESSAGE", m.Message)
	m.Language = envString("IMGMATCH_LANGUAGE", m.Language)

	d := &c.Database
	d.URL = envString("DATABASE_URL", d.URL)
	d.SQLitePath = envString("SQLITE_PATH", d.SQLitePath)
	d.CorpusMySQLDSN = envString("CORPUS_MYSQL_DSN", d.CorpusMySQLDSN)
	d.MaxOpenConns = envInt("DATABASE_MAX_OPEN_CONNS", d.MaxOpenConns)
	d.MaxIdleConns = envInt("DATABASE_MAX_IDLE_CONNS", d.MaxIdleConns)

	c.Fetch.Timeout = envDuration("FETCH_TIMEOUT", c.Fetch.Timeout)
	c.Fetch.MaxBytes = int64(envInt("FETCH_MAX_BYTES", int(c.Fetch.MaxBytes)))
	c.Fetch.MaxPixels = int64(envInt("FETCH_MAX_PIXELS", int(c.Fetch.MaxPixels)))
	c.Fetch.UserAgent = envString("FETCH_USER_AGENT", c.Fetch.UserAgent)

	c.Web.Host = envString("WEB_HOST", c.Web.Host)
	c.Web.Port = envInt("WEB_PORT", c.Web.Port)
	c.Web.AllowLocalFiles = envBool("WEB_ALLOW_LOCAL_FILES", c.Web.AllowLocalFiles)
	if env := os.Getenv("WEB_ALLOWED_ORIGINS"); env != "" {
		c.Web.AllowedOrigins = nil
		for o := range strings.SplitSeq(env, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.Web.AllowedOrigins = append(c.Web.AllowedOrigins, o)
			}
		}
	}
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	m := c.Matcher
	switch m.Detector {
	case "sift", "orb":
	default:
		return fmt.Errorf("matcher.detector must be sift or orb, got %q", m.Detector)
	}
	switch m.Policy {
	case "ratio", "crosscheck":
	default:
		return fmt.Errorf("matcher.policy must be ratio or crosscheck, got %q", m.Policy)
	}
	switch m.Search {
	case "exact", "hnsw":
	default:
		return fmt.Errorf("matcher.search must be exact or hnsw, got %q", m.Search)
	}
	if m.Ratio < 0 || m.Ratio > 1 {
		return fmt.Errorf("matcher.ratio must be in [0, 1], got %v", m.Ratio)
	}
	if m.Threshold < 0 || m.Threshold > 1 {
		return fmt.Errorf("matcher.threshold must be in [0, 1], got %v", m.Threshold)
	}
	if m.MaxFeatures < 0 || m.MaxDimension < 0 || m.Workers < 0 {
		return fmt.Errorf("matcher limits must not be negative")
	}
	if c.Fetch.MaxBytes < 0 || c.Fetch.MaxPixels < 0 {
		return fmt.Errorf("fetch limits must not be negative")
	}
	return nil
}
