package lidkaart

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

var ErrUnknownBackend = errors.New("unknown storage backend")

type Config struct {
	Server struct {
		Port   int    `yaml:"port" env:"LIDKAART_PORT"`
		Origin string `yaml:"origin" env:"LIDKAART_ORIGIN"`
		// Timeout bounds a single origin round trip.
		Timeout string `yaml:"timeout" env:"LIDKAART_ORIGIN_TIMEOUT"`
	} `yaml:"server"`

	Cache struct {
		Prefix  string `yaml:"prefix" env:"LIDKAART_CACHE_PREFIX"`
		Version string `yaml:"version" env:"LIDKAART_CACHE_VERSION"`
	} `yaml:"cache"`

	Storage struct {
		Backend string `yaml:"backend" env:"LIDKAART_STORAGE"`
		RAM     struct {
			Max string `yaml:"max" env:"LIDKAART_RAM_MAX"`
		} `yaml:"ram"`
		LevelDB struct {
			Path string `yaml:"path" env:"LIDKAART_LEVELDB_PATH"`
			Max  string `yaml:"max" env:"LIDKAART_LEVELDB_MAX"`
		} `yaml:"leveldb"`
		Redis struct {
			Addr     string `yaml:"addr" env:"LIDKAART_REDIS_ADDR"`
			Password string `yaml:"password" env:"LIDKAART_REDIS_PASSWORD"`
			DB       int    `yaml:"db" env:"LIDKAART_REDIS_DB"`
			Prefix   string `yaml:"prefix" env:"LIDKAART_REDIS_PREFIX"`
		} `yaml:"redis"`
	} `yaml:"storage"`

	Verify struct {
		Match string `yaml:"match" env:"LIDKAART_VERIFY_MATCH"`
	} `yaml:"verify"`

	Static struct {
		Destinations []string `yaml:"destinations" env:"LIDKAART_STATIC_DESTINATIONS" envSeparator:","`
		Precache     []string `yaml:"precache" env:"LIDKAART_PRECACHE" envSeparator:","`
		ManifestURL  string   `yaml:"manifestURL" env:"LIDKAART_MANIFEST_URL"`
	} `yaml:"static"`

	Sync struct {
		Tag string `yaml:"tag" env:"LIDKAART_SYNC_TAG"`
		// Probe is fetched to decide whether the origin is reachable before
		// a pending sync is dispatched.
		Probe      string `yaml:"probe" env:"LIDKAART_SYNC_PROBE"`
		RetryEvery string `yaml:"retryEvery" env:"LIDKAART_SYNC_RETRY_EVERY"`
	} `yaml:"sync"`

	Logging struct {
		Level         string `yaml:"level" env:"LIDKAART_LOG_LEVEL"`
		LogStatsEvery string `yaml:"logStatsEvery" env:"LIDKAART_LOG_STATS_EVERY"`
	} `yaml:"logging"`

	// compiled
	verifyMatchers   []pathPrefixMatcher
	originTimeout    time.Duration
	logStatsEveryDur time.Duration
	syncRetryDur     time.Duration
	ramMaxBytes      int64
	levelDBMaxBytes  int64
}

var defaultPrecache = []string{
	"/",
	"/index.html",
	"/manifest.json",
	"/icons/icon-192.png",
	"/icons/icon-512.png",
}

var defaultDestinations = []string{"document", "script", "style", "image"}

// pathPrefixMatcher matches "<Prefix>/<segment>" with exactly one non-empty
// trailing segment.
type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(path string) bool {
	rest, ok := strings.CutPrefix(path, m.Prefix+"/")
	if !ok || rest == "" {
		return false
	}
	return !strings.Contains(rest, "/")
}

// LoadConfig reads the YAML file at path, applies environment overrides and
// compiles the result. An empty path skips the file.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("env: %w", err)
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) compile() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if cfg.Server.Timeout == "" {
		cfg.Server.Timeout = "30s"
	}
	d, err := time.ParseDuration(cfg.Server.Timeout)
	if err != nil {
		return fmt.Errorf("server.timeout: %w", err)
	}
	cfg.originTimeout = d

	if cfg.Cache.Prefix == "" {
		cfg.Cache.Prefix = "lidkaart"
	}
	if cfg.Cache.Version == "" {
		cfg.Cache.Version = "v1"
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "memory"
	}
	switch cfg.Storage.Backend {
	case "memory":
		if cfg.Storage.RAM.Max == "" {
			cfg.Storage.RAM.Max = "64m"
		}
		n, err := parseBytes(cfg.Storage.RAM.Max)
		if err != nil {
			return fmt.Errorf("storage.ram.max: %w", err)
		}
		cfg.ramMaxBytes = n
	case "leveldb":
		if cfg.Storage.LevelDB.Path == "" {
			cfg.Storage.LevelDB.Path = "./data/leveldb"
		}
		if cfg.Storage.LevelDB.Max != "" {
			n, err := parseBytes(cfg.Storage.LevelDB.Max)
			if err != nil {
				return fmt.Errorf("storage.leveldb.max: %w", err)
			}
			cfg.levelDBMaxBytes = n
		}
	case "redis":
		if cfg.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required")
		}
		if cfg.Storage.Redis.Prefix == "" {
			cfg.Storage.Redis.Prefix = cfg.Cache.Prefix
		}
	default:
		return fmt.Errorf("storage.backend %q: %w", cfg.Storage.Backend, ErrUnknownBackend)
	}

	if cfg.Verify.Match == "" {
		cfg.Verify.Match = "PathPrefix(/api/card/verify)"
	}
	ms, err := parseMatch(cfg.Verify.Match)
	if err != nil {
		return fmt.Errorf("verify.match: %w", err)
	}
	cfg.verifyMatchers = ms

	if len(cfg.Static.Destinations) == 0 {
		cfg.Static.Destinations = append([]string(nil), defaultDestinations...)
	}
	for i, dst := range cfg.Static.Destinations {
		cfg.Static.Destinations[i] = strings.ToLower(strings.TrimSpace(dst))
	}
	if cfg.Static.Precache == nil {
		cfg.Static.Precache = append([]string(nil), defaultPrecache...)
	}

	if cfg.Sync.Tag == "" {
		cfg.Sync.Tag = "card-refresh"
	}
	if cfg.Sync.Probe == "" {
		cfg.Sync.Probe = "/"
	}
	if cfg.Sync.RetryEvery == "" {
		cfg.Sync.RetryEvery = "30s"
	}
	d, err = time.ParseDuration(cfg.Sync.RetryEvery)
	if err != nil {
		return fmt.Errorf("sync.retryEvery: %w", err)
	}
	cfg.syncRetryDur = d

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.LogStatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.LogStatsEvery)
		if err != nil {
			return fmt.Errorf("logging.logStatsEvery: %w", err)
		}
		cfg.logStatsEveryDur = d
	}
	return nil
}

// DynamicNamespace is the current namespace for API responses.
func (cfg *Config) DynamicNamespace() string {
	return cfg.Cache.Prefix + "-" + cfg.Cache.Version
}

// StaticNamespace is the current namespace for versioned static assets.
func (cfg *Config) StaticNamespace() string {
	return cfg.Cache.Prefix + "-static-" + cfg.Cache.Version
}

func parseMatch(expr string) ([]pathPrefixMatcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	parts := strings.Split(expr, "|")
	out := make([]pathPrefixMatcher, 0, len(parts))
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, fmt.Errorf("empty alternative %d in %q", i+1, expr)
		}
		if !strings.HasPrefix(p, "PathPrefix(") || !strings.HasSuffix(p, ")") {
			return nil, fmt.Errorf("only PathPrefix(...) supported, got %q", p)
		}
		raw := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(p, "PathPrefix("), ")"))
		prefix, err := verifyPrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		out = append(out, pathPrefixMatcher{Prefix: prefix})
	}
	return out, nil
}

// verifyPrefix checks a PathPrefix argument. One trailing slash is allowed
// and dropped; empty segments would never match a cleaned request path.
func verifyPrefix(raw string) (string, error) {
	if !strings.HasPrefix(raw, "/") {
		return "", fmt.Errorf("prefix %q must start with /", raw)
	}
	prefix := strings.TrimSuffix(raw, "/")
	if prefix == "" {
		return "", fmt.Errorf("prefix %q needs at least one path segment", raw)
	}
	for _, seg := range strings.Split(prefix[1:], "/") {
		if seg == "" {
			return "", fmt.Errorf("prefix %q has an empty path segment", raw)
		}
	}
	return prefix, nil
}

// VerifyPrefixes returns the compiled verification path prefixes.
func (cfg *Config) VerifyPrefixes() []string {
	out := make([]string, 0, len(cfg.verifyMatchers))
	for _, m := range cfg.verifyMatchers {
		out = append(out, m.Prefix)
	}
	return out
}
