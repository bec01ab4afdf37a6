package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the YAML configuration.
type Config struct {
	Version int          `yaml:"version"`
	Global  GlobalConfig `yaml:"global"`
	Ledger  Ledger       `yaml:"ledger"`
	Sync    Sync         `yaml:"sync"`
	Alerts  []Alert      `yaml:"alerts"`
	Sinks   []Sink       `yaml:"sinks"`
}

type GlobalConfig struct {
	ArchivePath   string `yaml:"archive_path"`
	Confirmations uint64 `yaml:"confirmations"`
}

type Ledger struct {
	RPCURL             string   `yaml:"rpc_url"`
	DEXAddress         string   `yaml:"dex_address"`
	ABIDirs            []string `yaml:"abi_dirs"`
	Account            string   `yaml:"account"`
	TokenDecimals      int32    `yaml:"token_decimals"`
	TimestampCacheSize int      `yaml:"timestamp_cache_size"`
}

type Sync struct {
	LookbackBlocks uint64   `yaml:"lookback_blocks"`
	RetentionLimit int      `yaml:"retention_limit"`
	MinResultCount int      `yaml:"min_result_count"`
	Debounce       Duration `yaml:"debounce"`
	PollInterval   Duration `yaml:"poll_interval"`
	RerunDelay     Duration `yaml:"rerun_delay"`
}

type RateLimit struct {
	Burst     float64 `yaml:"burst"`
	PerMinute float64 `yaml:"per_minute"`
}

type Alert struct {
	ID        string     `yaml:"id"`
	Kind      string     `yaml:"kind"`
	Actor     string     `yaml:"actor"`
	Where     []string   `yaml:"where"`
	Sinks     []string   `yaml:"sinks"`
	RateLimit *RateLimit `yaml:"rate_limit,omitempty"`
}

type Sink struct {
	ID         string `yaml:"id"`
	Type       string `yaml:"type"`
	WebhookURL string `yaml:"webhook_url"`
	Template   string `yaml:"template"`
	URL        string `yaml:"url"`
	Method     string `yaml:"method"`
}

// Duration parses Go duration strings ("2s", "1m") from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

var envPattern = regexp.MustCompile(`\${([A-Za-z_][A-Za-z0-9_]*)}`)

// Load reads, interpolates env vars, parses YAML, applies defaults, and validates.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}

	if err := loadDotEnv(path); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	interpolated, err := interpolateEnv(string(raw))
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv(configPath string) error {
	envPath := filepath.Join(filepath.Dir(configPath), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}
	return nil
}

func interpolateEnv(input string) (string, error) {
	missing := []string{}
	out := envPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		missing = append(missing, name)
		return match
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("missing environment variables: %s", strings.Join(dedup(missing), ", "))
	}
	return out, nil
}

func (c *Config) applyDefaults() {
	if c.Ledger.TokenDecimals == 0 {
		c.Ledger.TokenDecimals = 18
	}
	if c.Ledger.TimestampCacheSize == 0 {
		c.Ledger.TimestampCacheSize = 4096
	}
	s := &c.Sync
	if s.LookbackBlocks == 0 {
		s.LookbackBlocks = 1000
	}
	if s.RetentionLimit == 0 {
		s.RetentionLimit = 100
	}
	if s.MinResultCount == 0 {
		s.MinResultCount = 10
	}
	if s.Debounce == 0 {
		s.Debounce = Duration(2 * time.Second)
	}
	if s.PollInterval == 0 {
		s.PollInterval = Duration(60 * time.Second)
	}
	if s.RerunDelay == 0 {
		s.RerunDelay = Duration(time.Second)
	}
}

// Validate performs small, direct schema checks.
func (c *Config) Validate() error {
	if c.Version == 0 {
		return errors.New("version is required")
	}
	if err := c.Ledger.Validate(); err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	if err := c.Sync.Validate(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	sinkIDs := map[string]*Sink{}
	for i := range c.Sinks {
		s := &c.Sinks[i]
		if _, exists := sinkIDs[s.ID]; exists {
			return fmt.Errorf("duplicate sink id: %s", s.ID)
		}
		sinkIDs[s.ID] = s
		if err := s.Validate(); err != nil {
			return fmt.Errorf("sink %s: %w", s.ID, err)
		}
	}

	alertIDs := map[string]struct{}{}
	for _, a := range c.Alerts {
		if _, exists := alertIDs[a.ID]; exists {
			return fmt.Errorf("duplicate alert id: %s", a.ID)
		}
		alertIDs[a.ID] = struct{}{}
		if err := a.Validate(sinkIDs); err != nil {
			return fmt.Errorf("alert %s: %w", a.ID, err)
		}
	}

	return nil
}

func (l *Ledger) Validate() error {
	if l.RPCURL == "" {
		return errors.New("rpc_url is required")
	}
	if !common.IsHexAddress(l.DEXAddress) {
		return fmt.Errorf("dex_address %q is not a hex address", l.DEXAddress)
	}
	if l.Account != "" && !common.IsHexAddress(l.Account) {
		return fmt.Errorf("account %q is not a hex address", l.Account)
	}
	if l.TokenDecimals < 0 || l.TokenDecimals > 77 {
		return fmt.Errorf("token_decimals out of range: %d", l.TokenDecimals)
	}
	if l.TimestampCacheSize < 0 {
		return errors.New("timestamp_cache_size must not be negative")
	}
	return nil
}

func (s *Sync) Validate() error {
	if s.RetentionLimit < 0 || s.MinResultCount < 0 {
		return errors.New("retention_limit and min_result_count must not be negative")
	}
	if s.Debounce < 0 || s.PollInterval < 0 || s.RerunDelay < 0 {
		return errors.New("durations must not be negative")
	}
	return nil
}

func (a *Alert) Validate(sinkIDs map[string]*Sink) error {
	if a.ID == "" {
		return errors.New("id is required")
	}
	switch strings.ToLower(a.Kind) {
	case "", "all", "swap", "addliquidity", "removeliquidity":
	default:
		return fmt.Errorf("unsupported kind: %s", a.Kind)
	}
	if a.Actor != "" && !common.IsHexAddress(a.Actor) {
		return fmt.Errorf("actor %q is not a hex address", a.Actor)
	}

	if len(a.Sinks) == 0 {
		return errors.New("at least one sink is required")
	}
	for _, sinkID := range a.Sinks {
		if _, ok := sinkIDs[sinkID]; !ok {
			return fmt.Errorf("unknown sink: %s", sinkID)
		}
	}

	if a.RateLimit != nil && (a.RateLimit.Burst <= 0 || a.RateLimit.PerMinute <= 0) {
		return errors.New("rate_limit.burst and rate_limit.per_minute must be positive")
	}
	return nil
}

func (s *Sink) Validate() error {
	if s.ID == "" {
		return errors.New("id is required")
	}
	if s.Type == "" {
		return errors.New("type is required")
	}

	switch strings.ToLower(s.Type) {
	case "slack", "teams":
		if s.WebhookURL == "" {
			return errors.New("webhook_url is required for slack/teams sinks")
		}
	case "webhook":
		if s.URL == "" {
			return errors.New("url is required for webhook sink")
		}
		if s.Method == "" {
			s.Method = "POST"
		}
	default:
		return fmt.Errorf("unsupported sink type: %s", s.Type)
	}
	return nil
}

func dedup(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
