// Package config holds the configuration of a lineage sketch host.
//
// Configuration comes from defaults, an optional YAML file and LINEAGESKETCH_*
// environment variables, in increasing order of precedence. Validate before use.
//
// Example Usage:
//
//	cfg, err := config.LoadFile("/etc/lineagesketch.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//	log.Printf("Starting with config: %s", cfg)
//
// Environment Variables:
//
// Sketches:
//   - LINEAGESKETCH_FALSE_POSITIVE_PROBABILITY=0.1
//   - LINEAGESKETCH_EXPECTED_SIZE=20
//
// Exchange:
//   - LINEAGESKETCH_PORT=9099
//   - LINEAGESKETCH_LISTEN_ADDRESS="0.0.0.0"
//   - LINEAGESKETCH_EXCHANGE_TIMEOUT=10s
//   - LINEAGESKETCH_MAX_CONNECTIONS=64
//   - LINEAGESKETCH_CACHE_ENABLED=false
//   - LINEAGESKETCH_CACHE_TTL=0
//   - LINEAGESKETCH_TLS_ENABLED=true
//   - LINEAGESKETCH_TLS_CERT, LINEAGESKETCH_TLS_KEY, LINEAGESKETCH_TLS_CA
//   - LINEAGESKETCH_TLS_SERVER_NAME
//
// Lineage:
//   - LINEAGESKETCH_MAX_DEPTH=20
//   - LINEAGESKETCH_STORAGE_ID_KEY="storageId"
//   - LINEAGESKETCH_GRAPH_BACKEND="memory", "badger" or "neo4j"
//   - LINEAGESKETCH_DATA_DIR="./data"
//   - LINEAGESKETCH_NEO4J_URI="neo4j://localhost:7687"
//   - LINEAGESKETCH_NEO4J_AUTH="username/password" or "none"
//   - LINEAGESKETCH_NEO4J_DATABASE
//
// Runtime:
//   - LINEAGESKETCH_WORKERS=4
//   - LINEAGESKETCH_QUEUE_SIZE=1024
//   - LINEAGESKETCH_METRICS_ADDRESS=":9100" (empty disables /metrics)
//   - LINEAGESKETCH_MEMORY_LIMIT="2GB"
//   - LINEAGESKETCH_GC_PERCENT=100
package config

import (
	"fmt"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Graph backends.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendNeo4j  = "neo4j"
)

// Config holds all host configuration.
//
// Configuration is organized into logical sections:
//   - Sketch: Bloom filter geometry shared by every host of a deployment
//   - Exchange: sketch service and client settings
//   - TLS: certificates for the exchange transport
//   - Lineage: the graph the lineage queries run on
//   - Workers: update worker pool
//   - Metrics: Prometheus endpoint
//   - Memory: Go runtime memory tuning
type Config struct {
	Sketch   SketchConfig   `yaml:"sketch"`
	Exchange ExchangeConfig `yaml:"exchange"`
	TLS      TLSConfig      `yaml:"tls"`
	Lineage  LineageConfig  `yaml:"lineage"`
	Workers  WorkerConfig   `yaml:"workers"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Memory   MemoryConfig   `yaml:"memory"`
}

// SketchConfig holds the sketch parameters. Hosts exchanging sketches must agree
// on both values.
type SketchConfig struct {
	FalsePositiveProbability float64 `yaml:"false_positive_probability"`
	ExpectedSize             int     `yaml:"expected_size"`
}

// ExchangeConfig holds the exchange service settings.
type ExchangeConfig struct {
	// Port is both the local listen port and the port dialled on peers
	Port          int    `yaml:"port"`
	ListenAddress string `yaml:"listen_address"`
	// Timeout bounds one exchange round trip
	Timeout        time.Duration `yaml:"timeout"`
	MaxConnections int           `yaml:"max_connections"`
	// CacheEnabled skips exchanges with hosts whose last bundle is fresh
	CacheEnabled bool `yaml:"cache_enabled"`
	// CacheTTL bounds freshness; zero keeps entries fresh forever
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// TLSConfig holds the exchange transport certificates.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	CAFile     string `yaml:"ca_file"`
	ServerName string `yaml:"server_name"`
}

// LineageConfig selects and configures the graph query engine.
type LineageConfig struct {
	MaxDepth     int    `yaml:"max_depth"`
	StorageIDKey string `yaml:"storage_id_key"`
	Backend      string `yaml:"backend"`
	// DataDir is the badger directory
	DataDir string      `yaml:"data_dir"`
	Neo4j   Neo4jConfig `yaml:"neo4j"`
}

// Neo4jConfig holds the Neo4j connection settings.
type Neo4jConfig struct {
	URI      string `yaml:"uri"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	Label    string `yaml:"label"`
}

// WorkerConfig sizes the update worker pool.
type WorkerConfig struct {
	Count     int `yaml:"count"`
	QueueSize int `yaml:"queue_size"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Address serves /metrics; empty disables the endpoint
	Address string `yaml:"address"`
}

// MemoryConfig holds Go runtime memory settings.
type MemoryConfig struct {
	// RuntimeLimitStr is the human-readable soft limit (e.g., "2GB", "512MB")
	RuntimeLimitStr string `yaml:"limit"`
	// RuntimeLimit is RuntimeLimitStr in bytes (GOMEMLIMIT)
	RuntimeLimit int64 `yaml:"-"`
	// GCPercent controls GC aggressiveness (GOGC)
	GCPercent int `yaml:"gc_percent"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Sketch: SketchConfig{
			FalsePositiveProbability: 0.1,
			ExpectedSize:             20,
		},
		Exchange: ExchangeConfig{
			Port:           9099,
			ListenAddress:  "0.0.0.0",
			Timeout:        10 * time.Second,
			MaxConnections: 64,
		},
		Lineage: LineageConfig{
			MaxDepth:     20,
			StorageIDKey: "storageId",
			Backend:      BackendMemory,
			DataDir:      "./data",
			Neo4j: Neo4jConfig{
				URI:   "neo4j://localhost:7687",
				Label: "Vertex",
			},
		},
		Workers: WorkerConfig{
			Count:     4,
			QueueSize: 1024,
		},
		Memory: MemoryConfig{
			RuntimeLimitStr: "0",
			GCPercent:       100,
		},
	}
}

// LoadFromEnv returns the defaults overridden by environment variables.
func LoadFromEnv() *Config {
	config := Default()
	config.applyEnv()
	return config
}

// LoadFile reads a YAML configuration file, then applies environment overrides.
// Keys missing from the file keep their defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	config.applyEnv()
	return config, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Sketch.FalsePositiveProbability = getEnvFloat("LINEAGESKETCH_FALSE_POSITIVE_PROBABILITY", c.Sketch.FalsePositiveProbability)
	c.Sketch.ExpectedSize = getEnvInt("LINEAGESKETCH_EXPECTED_SIZE", c.Sketch.ExpectedSize)

	c.Exchange.Port = getEnvInt("LINEAGESKETCH_PORT", c.Exchange.Port)
	c.Exchange.ListenAddress = getEnv("LINEAGESKETCH_LISTEN_ADDRESS", c.Exchange.ListenAddress)
	c.Exchange.Timeout = getEnvDuration("LINEAGESKETCH_EXCHANGE_TIMEOUT", c.Exchange.Timeout)
	c.Exchange.MaxConnections = getEnvInt("LINEAGESKETCH_MAX_CONNECTIONS", c.Exchange.MaxConnections)
	c.Exchange.CacheEnabled = getEnvBool("LINEAGESKETCH_CACHE_ENABLED", c.Exchange.CacheEnabled)
	c.Exchange.CacheTTL = getEnvDuration("LINEAGESKETCH_CACHE_TTL", c.Exchange.CacheTTL)

	c.TLS.Enabled = getEnvBool("LINEAGESKETCH_TLS_ENABLED", c.TLS.Enabled)
	c.TLS.CertFile = getEnv("LINEAGESKETCH_TLS_CERT", c.TLS.CertFile)
	c.TLS.KeyFile = getEnv("LINEAGESKETCH_TLS_KEY", c.TLS.KeyFile)
	c.TLS.CAFile = getEnv("LINEAGESKETCH_TLS_CA", c.TLS.CAFile)
	c.TLS.ServerName = getEnv("LINEAGESKETCH_TLS_SERVER_NAME", c.TLS.ServerName)

	c.Lineage.MaxDepth = getEnvInt("LINEAGESKETCH_MAX_DEPTH", c.Lineage.MaxDepth)
	c.Lineage.StorageIDKey = getEnv("LINEAGESKETCH_STORAGE_ID_KEY", c.Lineage.StorageIDKey)
	c.Lineage.Backend = strings.ToLower(getEnv("LINEAGESKETCH_GRAPH_BACKEND", c.Lineage.Backend))
	c.Lineage.DataDir = getEnv("LINEAGESKETCH_DATA_DIR", c.Lineage.DataDir)
	c.Lineage.Neo4j.URI = getEnv("LINEAGESKETCH_NEO4J_URI", c.Lineage.Neo4j.URI)
	c.Lineage.Neo4j.Database = getEnv("LINEAGESKETCH_NEO4J_DATABASE", c.Lineage.Neo4j.Database)

	// Neo4j auth format: "username/password" or "none"
	if authStr := os.Getenv("LINEAGESKETCH_NEO4J_AUTH"); authStr != "" {
		if authStr == "none" {
			c.Lineage.Neo4j.Username, c.Lineage.Neo4j.Password = "", ""
		} else if user, pass, ok := strings.Cut(authStr, "/"); ok {
			c.Lineage.Neo4j.Username, c.Lineage.Neo4j.Password = user, pass
		} else {
			c.Lineage.Neo4j.Username, c.Lineage.Neo4j.Password = "neo4j", authStr
		}
	}

	c.Workers.Count = getEnvInt("LINEAGESKETCH_WORKERS", c.Workers.Count)
	c.Workers.QueueSize = getEnvInt("LINEAGESKETCH_QUEUE_SIZE", c.Workers.QueueSize)

	c.Metrics.Address = getEnv("LINEAGESKETCH_METRICS_ADDRESS", c.Metrics.Address)

	c.Memory.RuntimeLimitStr = getEnv("LINEAGESKETCH_MEMORY_LIMIT", c.Memory.RuntimeLimitStr)
	c.Memory.RuntimeLimit = parseMemorySize(c.Memory.RuntimeLimitStr)
	c.Memory.GCPercent = getEnvInt("LINEAGESKETCH_GC_PERCENT", c.Memory.GCPercent)
}

// Validate checks the configuration for values the host cannot run with.
func (c *Config) Validate() error {
	if p := c.Sketch.FalsePositiveProbability; p <= 0 || p >= 1 {
		return fmt.Errorf("false positive probability must be in (0, 1): %v", p)
	}
	if c.Sketch.ExpectedSize <= 0 {
		return fmt.Errorf("expected size must be positive")
	}

	if c.Exchange.Port <= 0 || c.Exchange.Port > 65535 {
		return fmt.Errorf("invalid sketch port: %d", c.Exchange.Port)
	}
	if c.Exchange.Timeout <= 0 {
		return fmt.Errorf("exchange timeout must be positive: %v", c.Exchange.Timeout)
	}
	if c.Exchange.MaxConnections <= 0 {
		return fmt.Errorf("invalid max connections: %d", c.Exchange.MaxConnections)
	}
	if c.Exchange.CacheTTL < 0 {
		return fmt.Errorf("cache ttl must not be negative: %v", c.Exchange.CacheTTL)
	}

	if c.TLS.Enabled && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return fmt.Errorf("tls enabled but cert or key file missing")
	}

	if c.Lineage.MaxDepth <= 0 {
		return fmt.Errorf("invalid max lineage depth: %d", c.Lineage.MaxDepth)
	}
	if c.Lineage.StorageIDKey == "" {
		return fmt.Errorf("storage id key must not be empty")
	}
	switch c.Lineage.Backend {
	case BackendMemory:
	case BackendBadger:
		if c.Lineage.DataDir == "" {
			return fmt.Errorf("badger backend requires a data dir")
		}
	case BackendNeo4j:
		if c.Lineage.Neo4j.URI == "" {
			return fmt.Errorf("neo4j backend requires a uri")
		}
	default:
		return fmt.Errorf("unknown graph backend %q", c.Lineage.Backend)
	}

	if c.Workers.Count <= 0 {
		return fmt.Errorf("invalid worker count: %d", c.Workers.Count)
	}
	if c.Workers.QueueSize <= 0 {
		return fmt.Errorf("invalid queue size: %d", c.Workers.QueueSize)
	}

	return nil
}

// String returns a summary safe for logging; secrets are left out.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Sketch: p=%v n=%d, Exchange: %s:%d timeout=%v cache=%v, TLS: %v, Lineage: %s depth=%d, Workers: %d/%d}",
		c.Sketch.FalsePositiveProbability, c.Sketch.ExpectedSize,
		c.Exchange.ListenAddress, c.Exchange.Port, c.Exchange.Timeout, c.Exchange.CacheEnabled,
		c.TLS.Enabled,
		c.Lineage.Backend, c.Lineage.MaxDepth,
		c.Workers.Count, c.Workers.QueueSize,
	)
}

// ListenAddr returns the exchange listen address.
func (c *ExchangeConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.ListenAddress, c.Port)
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Try parsing as seconds
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}

// parseMemorySize parses a human-readable memory size string.
// Supports: "1024", "1KB", "1MB", "1GB", "1TB", "0", "unlimited"
func parseMemorySize(s string) int64 {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" || s == "0" || s == "UNLIMITED" {
		return 0
	}

	s = strings.TrimSuffix(s, "B")

	var multiplier int64 = 1
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "G")
	}

	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return val * multiplier
}

// ApplyRuntimeMemory applies the runtime memory settings to the Go runtime.
// Should be called early in main() before heavy allocations.
func (c *MemoryConfig) ApplyRuntimeMemory() {
	if c.RuntimeLimit > 0 {
		debug.SetMemoryLimit(c.RuntimeLimit)
	}
	if c.GCPercent != 100 {
		debug.SetGCPercent(c.GCPercent)
	}
}
