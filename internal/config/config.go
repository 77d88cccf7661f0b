package config

import (
	"embed"
	"fmt"
	"os"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"gopkg.in/yaml.v3"
)

//go:embed example.yaml
var exampleConfig embed.FS

// Config represents the complete wotsync configuration
type Config struct {
	Identity  Identity  `yaml:"identity"`
	Relays    Relays    `yaml:"relays"`
	WoT       WoT       `yaml:"wot"`
	Trust     Trust     `yaml:"trust"`
	Noise     Noise     `yaml:"noise"`
	Ingest    Ingest    `yaml:"ingest"`
	Retention Retention `yaml:"retention"`
	Schedule  Schedule  `yaml:"schedule"`
	Storage   Storage   `yaml:"storage"`
	Mirror    Mirror    `yaml:"mirror"`
	Signals   Signals   `yaml:"signals"`
	Metrics   Metrics   `yaml:"metrics"`
	Logging   Logging   `yaml:"logging"`
}

// Identity contains the accounts that anchor the mirror's web of trust.
// Pubkeys may be given as hex or npub; Load normalizes them to hex.
type Identity struct {
	Owner   string   `yaml:"owner"`
	Company []string `yaml:"company"`
	Admins  []string `yaml:"admins"`
}

// Relays contains relay configuration
type Relays struct {
	Seeds  []string    `yaml:"seeds"`
	Policy RelayPolicy `yaml:"policy"`
}

// RelayPolicy contains relay connection policies
type RelayPolicy struct {
	QueryTimeoutMs    int     `yaml:"query_timeout_ms"`
	ProbeTimeoutMs    int     `yaml:"probe_timeout_ms"`
	MetadataTimeoutMs int     `yaml:"metadata_timeout_ms"`
	AuthorBatchSize   int     `yaml:"author_batch_size"`
	RequestsPerSecond float64 `yaml:"requests_per_second"` // per relay, 0 = unlimited
	Burst             int     `yaml:"burst"`
	BreakerFailures   int     `yaml:"breaker_failures"`    // consecutive failures before a relay is skipped
	BreakerCooldownMs int     `yaml:"breaker_cooldown_ms"` // how long a tripped relay is skipped
	ProbeConcurrency  int     `yaml:"probe_concurrency"`
	MaxSyncRelays     int     `yaml:"max_sync_relays"`
}

// WoT contains follow-graph expansion settings
type WoT struct {
	TrustAnchors          []string `yaml:"trust_anchors"`
	MaxHops               int      `yaml:"max_hops"`
	MemberSampleSize      int      `yaml:"member_sample_size"`
	FollowerSampleSize    int      `yaml:"follower_sample_size"`
	SecondDegreeSample    int      `yaml:"second_degree_sample"`
	ExpansionCacheSeconds int      `yaml:"expansion_cache_seconds"` // 0 = rebuild on every classification
}

// Trust contains trust scoring settings
type Trust struct {
	Strategy    string `yaml:"strategy"` // activity|live
	MaxAgeHours int    `yaml:"max_age_hours"`
}

// Noise contains admission filter thresholds
type Noise struct {
	MinFollowers        int      `yaml:"min_followers"`
	MinWotScore         int      `yaml:"min_wot_score"`
	Blocklist           []string `yaml:"blocklist"`
	DuplicateThreshold  int      `yaml:"duplicate_threshold"`
	DuplicateWindowDays int      `yaml:"duplicate_window_days"`
	HistoryLimit        int      `yaml:"history_limit"`
}

// Ingest contains ingestion pipeline settings
type Ingest struct {
	Kinds             []int   `yaml:"kinds"`
	Workers           int     `yaml:"workers"`
	QueueSize         int     `yaml:"queue_size"`
	TrendingThreshold float64 `yaml:"trending_threshold"`
	DropConfidence    float64 `yaml:"drop_confidence"`
}

// Retention contains storage pressure settings
type Retention struct {
	DataDir               string `yaml:"data_dir"`
	StorageWarningPercent int    `yaml:"storage_warning_percent"`
	QuotaMB               int    `yaml:"quota_mb"` // 0 = use the filesystem capacity
}

// Schedule contains periodic job intervals
type Schedule struct {
	ProbeIntervalMs         int64 `yaml:"probe_interval_ms"`
	PrioritySyncIntervalMs  int64 `yaml:"priority_sync_interval_ms"`
	RetentionScanIntervalMs int64 `yaml:"retention_scan_interval_ms"`
}

// Storage contains the local state database settings
type Storage struct {
	SQLitePath  string `yaml:"sqlite_path"`
	RegistryKey string `yaml:"registry_key"`
}

// Mirror contains the local mirror target
type Mirror struct {
	Driver         string `yaml:"driver"` // relay|eventstore
	URL            string `yaml:"url"`
	EventstorePath string `yaml:"eventstore_path"`
	PublishTimeout int    `yaml:"publish_timeout_ms"`
}

// Signals contains external membership and engagement sources
type Signals struct {
	RedisURL           string   `yaml:"redis_url"`
	MembersKey         string   `yaml:"members_key"`
	TrendingKey        string   `yaml:"trending_key"`
	TrendingAuthorsKey string   `yaml:"trending_authors_key"`
	PaidPubkeys        []string `yaml:"paid_pubkeys"` // static members when redis is not configured
}

// Metrics contains the prometheus listener settings
type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Logging contains logging configuration
type Logging struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
}

// applyDefaults fills in missing configuration fields with sensible defaults
func applyDefaults(cfg *Config) {
	defaults := Default()

	if len(cfg.Relays.Seeds) == 0 {
		cfg.Relays.Seeds = defaults.Relays.Seeds
	}
	p, dp := &cfg.Relays.Policy, defaults.Relays.Policy
	if p.QueryTimeoutMs == 0 {
		p.QueryTimeoutMs = dp.QueryTimeoutMs
	}
	if p.ProbeTimeoutMs == 0 {
		p.ProbeTimeoutMs = dp.ProbeTimeoutMs
	}
	if p.MetadataTimeoutMs == 0 {
		p.MetadataTimeoutMs = dp.MetadataTimeoutMs
	}
	if p.AuthorBatchSize == 0 {
		p.AuthorBatchSize = dp.AuthorBatchSize
	}
	if p.Burst == 0 {
		p.Burst = dp.Burst
	}
	if p.BreakerFailures == 0 {
		p.BreakerFailures = dp.BreakerFailures
	}
	if p.BreakerCooldownMs == 0 {
		p.BreakerCooldownMs = dp.BreakerCooldownMs
	}
	if p.ProbeConcurrency == 0 {
		p.ProbeConcurrency = dp.ProbeConcurrency
	}
	if p.MaxSyncRelays == 0 {
		p.MaxSyncRelays = dp.MaxSyncRelays
	}

	if cfg.WoT.MaxHops == 0 {
		cfg.WoT.MaxHops = defaults.WoT.MaxHops
	}
	if cfg.WoT.MemberSampleSize == 0 {
		cfg.WoT.MemberSampleSize = defaults.WoT.MemberSampleSize
	}
	if cfg.WoT.FollowerSampleSize == 0 {
		cfg.WoT.FollowerSampleSize = defaults.WoT.FollowerSampleSize
	}
	if cfg.WoT.SecondDegreeSample == 0 {
		cfg.WoT.SecondDegreeSample = defaults.WoT.SecondDegreeSample
	}

	if cfg.Trust.Strategy == "" {
		cfg.Trust.Strategy = defaults.Trust.Strategy
	}
	if cfg.Trust.MaxAgeHours == 0 {
		cfg.Trust.MaxAgeHours = defaults.Trust.MaxAgeHours
	}

	if cfg.Noise.DuplicateWindowDays == 0 {
		cfg.Noise.DuplicateWindowDays = defaults.Noise.DuplicateWindowDays
	}
	if cfg.Noise.HistoryLimit == 0 {
		cfg.Noise.HistoryLimit = defaults.Noise.HistoryLimit
	}

	if len(cfg.Ingest.Kinds) == 0 {
		cfg.Ingest.Kinds = defaults.Ingest.Kinds
	}
	if cfg.Ingest.Workers == 0 {
		cfg.Ingest.Workers = defaults.Ingest.Workers
	}
	if cfg.Ingest.QueueSize == 0 {
		cfg.Ingest.QueueSize = defaults.Ingest.QueueSize
	}
	if cfg.Ingest.TrendingThreshold == 0 {
		cfg.Ingest.TrendingThreshold = defaults.Ingest.TrendingThreshold
	}
	if cfg.Ingest.DropConfidence == 0 {
		cfg.Ingest.DropConfidence = defaults.Ingest.DropConfidence
	}

	if cfg.Retention.DataDir == "" {
		cfg.Retention.DataDir = defaults.Retention.DataDir
	}
	if cfg.Retention.StorageWarningPercent == 0 {
		cfg.Retention.StorageWarningPercent = defaults.Retention.StorageWarningPercent
	}

	if cfg.Schedule.ProbeIntervalMs == 0 {
		cfg.Schedule.ProbeIntervalMs = defaults.Schedule.ProbeIntervalMs
	}
	if cfg.Schedule.PrioritySyncIntervalMs == 0 {
		cfg.Schedule.PrioritySyncIntervalMs = defaults.Schedule.PrioritySyncIntervalMs
	}
	if cfg.Schedule.RetentionScanIntervalMs == 0 {
		cfg.Schedule.RetentionScanIntervalMs = defaults.Schedule.RetentionScanIntervalMs
	}

	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = defaults.Storage.SQLitePath
	}
	if cfg.Storage.RegistryKey == "" {
		cfg.Storage.RegistryKey = defaults.Storage.RegistryKey
	}

	if cfg.Mirror.Driver == "" {
		cfg.Mirror.Driver = defaults.Mirror.Driver
	}
	if cfg.Mirror.EventstorePath == "" {
		cfg.Mirror.EventstorePath = defaults.Mirror.EventstorePath
	}
	if cfg.Mirror.PublishTimeout == 0 {
		cfg.Mirror.PublishTimeout = defaults.Mirror.PublishTimeout
	}

	if cfg.Signals.MembersKey == "" {
		cfg.Signals.MembersKey = defaults.Signals.MembersKey
	}
	if cfg.Signals.TrendingKey == "" {
		cfg.Signals.TrendingKey = defaults.Signals.TrendingKey
	}
	if cfg.Signals.TrendingAuthorsKey == "" {
		cfg.Signals.TrendingAuthorsKey = defaults.Signals.TrendingAuthorsKey
	}

	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = defaults.Metrics.Listen
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaults.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaults.Logging.Format
	}
}

// Load reads and parses a configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse builds a validated configuration from YAML bytes
func Parse(data []byte) (*Config, error) {
	// noise thresholds treat 0 as "check disabled", so their defaults are
	// seeded before decoding and only an absent key keeps them
	cfg := Config{Noise: Default().Noise}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply defaults for missing fields
	applyDefaults(&cfg)

	// Apply environment variable overrides
	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := normalizeIdentities(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Validate configuration
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides to config.
// List values are comma separated.
func applyEnvOverrides(cfg *Config) error {
	if owner := os.Getenv("WOTSYNC_OWNER"); owner != "" {
		cfg.Identity.Owner = owner
	}
	if v := os.Getenv("WOTSYNC_COMPANY_PUBKEYS"); v != "" {
		cfg.Identity.Company = SplitList(v)
	}
	if v := os.Getenv("WOTSYNC_ADMIN_PUBKEYS"); v != "" {
		cfg.Identity.Admins = SplitList(v)
	}
	if v := os.Getenv("WOTSYNC_TRUST_ANCHORS"); v != "" {
		cfg.WoT.TrustAnchors = SplitList(v)
	}
	if v := os.Getenv("WOTSYNC_SEED_RELAYS"); v != "" {
		cfg.Relays.Seeds = SplitList(v)
	}
	if v := os.Getenv("WOTSYNC_MIRROR_URL"); v != "" {
		cfg.Mirror.URL = v
	}
	if redisURL := os.Getenv("WOTSYNC_REDIS_URL"); redisURL != "" {
		cfg.Signals.RedisURL = redisURL
	}

	return nil
}

// SplitList splits a comma separated list, dropping blanks
func SplitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// NormalizePubkey accepts a hex pubkey or an npub and returns lowercase hex
func NormalizePubkey(s string) (string, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "npub1") {
		prefix, value, err := nip19.Decode(s)
		if err != nil {
			return "", fmt.Errorf("failed to decode %s: %w", s, err)
		}
		if prefix != "npub" {
			return "", fmt.Errorf("expected npub, got %s", prefix)
		}
		s = value.(string)
	}
	s = strings.ToLower(s)
	if !nostr.IsValidPublicKey(s) {
		return "", fmt.Errorf("invalid pubkey: %q", s)
	}
	return s, nil
}

func normalizeList(field string, list []string) ([]string, error) {
	out := make([]string, 0, len(list))
	seen := make(map[string]bool, len(list))
	for _, pk := range list {
		hex, err := NormalizePubkey(pk)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", field, err)
		}
		if !seen[hex] {
			seen[hex] = true
			out = append(out, hex)
		}
	}
	return out, nil
}

func normalizeIdentities(cfg *Config) error {
	if cfg.Identity.Owner == "" {
		return fmt.Errorf("identity.owner is required")
	}
	owner, err := NormalizePubkey(cfg.Identity.Owner)
	if err != nil {
		return fmt.Errorf("identity.owner: %w", err)
	}
	cfg.Identity.Owner = owner

	lists := []struct {
		field string
		list  *[]string
	}{
		{"identity.company", &cfg.Identity.Company},
		{"identity.admins", &cfg.Identity.Admins},
		{"wot.trust_anchors", &cfg.WoT.TrustAnchors},
		{"noise.blocklist", &cfg.Noise.Blocklist},
		{"signals.paid_pubkeys", &cfg.Signals.PaidPubkeys},
	}
	for _, l := range lists {
		normalized, err := normalizeList(l.field, *l.list)
		if err != nil {
			return err
		}
		*l.list = normalized
	}
	return nil
}

// GetExampleConfig returns the embedded example configuration
func GetExampleConfig() ([]byte, error) {
	return exampleConfig.ReadFile("example.yaml")
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Relays: Relays{
			Seeds: []string{
				"wss://relay.damus.io",
				"wss://relay.nostr.band",
				"wss://nos.lol",
			},
			Policy: RelayPolicy{
				QueryTimeoutMs:    5000,
				ProbeTimeoutMs:    5000,
				MetadataTimeoutMs: 2500,
				AuthorBatchSize:   250,
				RequestsPerSecond: 2,
				Burst:             4,
				BreakerFailures:   3,
				BreakerCooldownMs: 30 * 60 * 1000,
				ProbeConcurrency:  16,
				MaxSyncRelays:     12,
			},
		},
		WoT: WoT{
			TrustAnchors:          []string{},
			MaxHops:               2,
			MemberSampleSize:      200,
			FollowerSampleSize:    1000,
			SecondDegreeSample:    500,
			ExpansionCacheSeconds: 900,
		},
		Trust: Trust{
			Strategy:    "activity",
			MaxAgeHours: 24,
		},
		Noise: Noise{
			MinFollowers:        1,
			MinWotScore:         10,
			Blocklist:           []string{},
			DuplicateThreshold:  5,
			DuplicateWindowDays: 7,
			HistoryLimit:        200,
		},
		Ingest: Ingest{
			Kinds:             []int{0, 1, 3, 6, 7, 10002, 30023},
			Workers:           4,
			QueueSize:         5000,
			TrendingThreshold: 10,
			DropConfidence:    0.7,
		},
		Retention: Retention{
			DataDir:               "./data",
			StorageWarningPercent: 80,
		},
		Schedule: Schedule{
			ProbeIntervalMs:         4 * 60 * 60 * 1000,
			PrioritySyncIntervalMs:  6 * 60 * 60 * 1000,
			RetentionScanIntervalMs: 24 * 60 * 60 * 1000,
		},
		Storage: Storage{
			SQLitePath:  "./data/wotsync.db",
			RegistryKey: "relay_registry",
		},
		Mirror: Mirror{
			Driver:         "relay",
			URL:            "ws://localhost:7777",
			EventstorePath: "./data/mirror.db",
			PublishTimeout: 5000,
		},
		Signals: Signals{
			MembersKey:         "wotsync:members",
			TrendingKey:        "wotsync:trending",
			TrendingAuthorsKey: "wotsync:trending_authors",
			PaidPubkeys:        []string{},
		},
		Metrics: Metrics{
			Enabled: false,
			Listen:  "127.0.0.1:9464",
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
	}
}

// validLogLevels defines allowed log levels
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validTrustStrategies defines allowed trust scoring strategies
var validTrustStrategies = map[string]bool{
	"activity": true,
	"live":     true,
}

// validMirrorDrivers defines allowed mirror targets
var validMirrorDrivers = map[string]bool{
	"relay":      true,
	"eventstore": true,
}

func isRelayURL(u string) bool {
	return strings.HasPrefix(u, "wss://") || strings.HasPrefix(u, "ws://")
}

// Validate checks if a configuration is valid
func Validate(cfg *Config) error {
	if cfg.Identity.Owner == "" {
		return fmt.Errorf("identity.owner is required")
	}

	// Validate relay seeds
	if len(cfg.Relays.Seeds) == 0 {
		return fmt.Errorf("at least one relay seed is required")
	}
	for _, seed := range cfg.Relays.Seeds {
		if !isRelayURL(seed) {
			return fmt.Errorf("relay seed must start with ws:// or wss://: %s", seed)
		}
	}

	if cfg.Relays.Policy.AuthorBatchSize < 1 || cfg.Relays.Policy.AuthorBatchSize > 1000 {
		return fmt.Errorf("relays.policy.author_batch_size must be between 1 and 1000")
	}
	if cfg.Relays.Policy.QueryTimeoutMs < 0 || cfg.Relays.Policy.ProbeTimeoutMs < 0 {
		return fmt.Errorf("relay timeouts must not be negative")
	}

	if cfg.WoT.MaxHops < 1 || cfg.WoT.MaxHops > 3 {
		return fmt.Errorf("wot.max_hops must be between 1 and 3")
	}

	if !validTrustStrategies[cfg.Trust.Strategy] {
		return fmt.Errorf("invalid trust strategy: %s (must be activity or live)", cfg.Trust.Strategy)
	}

	if cfg.Noise.MinFollowers < 0 {
		return fmt.Errorf("noise.min_followers must not be negative")
	}
	if cfg.Noise.MinWotScore < 0 || cfg.Noise.MinWotScore > 100 {
		return fmt.Errorf("noise.min_wot_score must be between 0 and 100")
	}

	if cfg.Ingest.Workers < 1 {
		return fmt.Errorf("ingest.workers must be at least 1")
	}
	if cfg.Ingest.DropConfidence < 0 || cfg.Ingest.DropConfidence > 1 {
		return fmt.Errorf("ingest.drop_confidence must be between 0 and 1")
	}

	if cfg.Retention.StorageWarningPercent < 1 || cfg.Retention.StorageWarningPercent > 100 {
		return fmt.Errorf("retention.storage_warning_percent must be between 1 and 100")
	}

	if cfg.Schedule.ProbeIntervalMs < 0 || cfg.Schedule.PrioritySyncIntervalMs < 0 || cfg.Schedule.RetentionScanIntervalMs < 0 {
		return fmt.Errorf("schedule intervals must not be negative")
	}

	if !validMirrorDrivers[cfg.Mirror.Driver] {
		return fmt.Errorf("invalid mirror driver: %s (must be relay or eventstore)", cfg.Mirror.Driver)
	}
	if cfg.Mirror.Driver == "relay" && !isRelayURL(cfg.Mirror.URL) {
		return fmt.Errorf("mirror.url must start with ws:// or wss://: %s", cfg.Mirror.URL)
	}

	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" && cfg.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be text or json)", cfg.Logging.Format)
	}

	return nil
}
