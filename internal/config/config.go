// Package config loads runtime settings from the data directory with
// environment overrides on top.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	FileName = "pika_config.json"
	// PathEnv points Load at a config file outside the data directory.
	PathEnv = "PIKA_CONFIG"

	TransportNostr = "nostr"
	TransportBus   = "bus"
	TransportWaku  = "waku"
)

var ErrUnknownTransport = errors.New("unknown transport")

type Config struct {
	DisableNetwork         bool
	Transport              string
	Relays                 []string
	KeyPackageRelays       []string
	PublishTimeout         time.Duration
	FetchTimeout           time.Duration
	ProfileRefreshInterval time.Duration
	KeyPackageFetchRPS     float64
	KeyPackageFetchBurst   int
	LogLevel               string
	Waku                   Waku
}

type Waku struct {
	Port           int
	BootstrapNodes []string
	EnableStore    bool
	PubsubTopic    string
	ContentTopic   string
}

// fileConfig mirrors the on-disk document. Pointer fields distinguish "unset"
// from zero values so Merge only overrides what the file names.
type fileConfig struct {
	DisableNetwork         *bool         `yaml:"disable_network"`
	Transport              string        `yaml:"transport"`
	Relays                 []string      `yaml:"relays"`
	KeyPackageRelays       []string      `yaml:"key_package_relays"`
	PublishTimeout         time.Duration `yaml:"publish_timeout"`
	FetchTimeout           time.Duration `yaml:"fetch_timeout"`
	ProfileRefreshInterval time.Duration `yaml:"profile_refresh_interval"`
	KeyPackageFetchRPS     float64       `yaml:"key_package_fetch_rps"`
	KeyPackageFetchBurst   int           `yaml:"key_package_fetch_burst"`
	LogLevel               string        `yaml:"log_level"`
	Waku                   fileWaku      `yaml:"waku"`
}

type fileWaku struct {
	Port           int      `yaml:"port"`
	BootstrapNodes []string `yaml:"bootstrap_nodes"`
	EnableStore    *bool    `yaml:"enable_store"`
	PubsubTopic    string   `yaml:"pubsub_topic"`
	ContentTopic   string   `yaml:"content_topic"`
}

func Default() Config {
	return Config{
		Transport: TransportNostr,
		Relays: []string{
			"wss://relay.damus.io",
			"wss://relay.primal.net",
			"wss://nos.lol",
		},
		KeyPackageRelays: []string{
			"wss://nostr-pub.wellorder.net",
			"wss://nostr-01.yakihonne.com",
		},
		PublishTimeout:         5 * time.Second,
		FetchTimeout:           8 * time.Second,
		ProfileRefreshInterval: time.Hour,
		KeyPackageFetchRPS:     0.5,
		KeyPackageFetchBurst:   3,
		LogLevel:               "info",
		Waku: Waku{
			Port:         60000,
			EnableStore:  true,
			PubsubTopic:  "/waku/2/rs/16/32",
			ContentTopic: "/pika/1/nostr-events/proto",
		},
	}
}

// Load reads FileName from dataDir. A missing file yields the defaults; a
// malformed one yields the defaults together with the parse error so the
// caller can log it and continue.
func Load(dataDir string) (Config, error) {
	cfg := Default()
	var loadErr error

	path := filepath.Join(dataDir, FileName)
	if override := strings.TrimSpace(os.Getenv(PathEnv)); override != "" {
		path = override
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var parsed fileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			loadErr = fmt.Errorf("parse %s: %w", filepath.Base(path), err)
		} else {
			Merge(&cfg, parsed)
		}
	case !errors.Is(err, fs.ErrNotExist):
		loadErr = fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}

	ApplyEnvOverrides(&cfg)
	if verr := cfg.Validate(); verr != nil && loadErr == nil {
		loadErr = verr
		cfg.Transport = TransportNostr
	}
	return cfg, loadErr
}

func Merge(dst *Config, src fileConfig) {
	if src.DisableNetwork != nil {
		dst.DisableNetwork = *src.DisableNetwork
	}
	if src.Transport != "" {
		dst.Transport = strings.ToLower(strings.TrimSpace(src.Transport))
	}
	if src.Relays != nil {
		dst.Relays = normalizeList(src.Relays)
	}
	if src.KeyPackageRelays != nil {
		dst.KeyPackageRelays = normalizeList(src.KeyPackageRelays)
	}
	if src.PublishTimeout > 0 {
		dst.PublishTimeout = src.PublishTimeout
	}
	if src.FetchTimeout > 0 {
		dst.FetchTimeout = src.FetchTimeout
	}
	if src.ProfileRefreshInterval > 0 {
		dst.ProfileRefreshInterval = src.ProfileRefreshInterval
	}
	if src.KeyPackageFetchRPS > 0 {
		dst.KeyPackageFetchRPS = src.KeyPackageFetchRPS
	}
	if src.KeyPackageFetchBurst > 0 {
		dst.KeyPackageFetchBurst = src.KeyPackageFetchBurst
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
	if src.Waku.Port != 0 {
		dst.Waku.Port = src.Waku.Port
	}
	if src.Waku.BootstrapNodes != nil {
		dst.Waku.BootstrapNodes = normalizeList(src.Waku.BootstrapNodes)
	}
	if src.Waku.EnableStore != nil {
		dst.Waku.EnableStore = *src.Waku.EnableStore
	}
	if src.Waku.PubsubTopic != "" {
		dst.Waku.PubsubTopic = src.Waku.PubsubTopic
	}
	if src.Waku.ContentTopic != "" {
		dst.Waku.ContentTopic = src.Waku.ContentTopic
	}
}

func ApplyEnvOverrides(cfg *Config) {
	if raw := strings.TrimSpace(os.Getenv("PIKA_DISABLE_NETWORK")); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.DisableNetwork = v
		}
	}
	if transport := strings.TrimSpace(os.Getenv("PIKA_TRANSPORT")); transport != "" {
		cfg.Transport = strings.ToLower(transport)
	}
	if relays := strings.TrimSpace(os.Getenv("PIKA_RELAYS")); relays != "" {
		cfg.Relays = normalizeList(strings.Split(relays, ","))
	}
	if level := strings.TrimSpace(os.Getenv("PIKA_LOG_LEVEL")); level != "" {
		cfg.LogLevel = level
	}
}

func (c Config) Validate() error {
	switch c.Transport {
	case TransportNostr, TransportBus, TransportWaku:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTransport, c.Transport)
	}
}

// Write stores a minimal document; hosts and tests use it to seed a data dir.
func Write(dataDir string, disableNetwork bool) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return err
	}
	doc := fmt.Sprintf("{\"disable_network\": %t}\n", disableNetwork)
	return os.WriteFile(filepath.Join(dataDir, FileName), []byte(doc), 0o600)
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
