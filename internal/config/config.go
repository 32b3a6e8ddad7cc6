// Package config resolves the knobs spec §6 names: read-ahead fragment
// sizing, the endpoint protocol used for non-AWS hosts, AWS region/static
// credentials, the upload integrity algorithm, and the discovery/metadata
// timeout. Resolution order is explicit config > environment > built-in
// default (Go has no JVM-style process properties tier, so that tier
// collapses into the environment one).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// IntegrityAlgorithm is the checksum algorithm attached to uploads.
type IntegrityAlgorithm string

const (
	IntegrityDisabled  IntegrityAlgorithm = ""
	IntegrityCRC32     IntegrityAlgorithm = "CRC32"
	IntegrityCRC32C    IntegrityAlgorithm = "CRC32C"
	IntegrityCRC64NVME IntegrityAlgorithm = "CRC64NVME"
)

// Config holds the resolved knobs of spec §6.
type Config struct {
	// ReadMaxFragmentSize is the read-ahead fragment size in bytes.
	ReadMaxFragmentSize int64 `yaml:"read_max_fragment_size"`
	// ReadMaxFragmentNumber bounds the read-ahead cache's resident fragments.
	ReadMaxFragmentNumber int `yaml:"read_max_fragment_number"`
	// EndpointProtocol is the scheme used for non-AWS ("s3x://") endpoints.
	EndpointProtocol string `yaml:"endpoint_protocol"`
	// Region is the fallback AWS region used when chain resolution is silent.
	Region string `yaml:"region"`
	// AccessKey/SecretKey are static credentials; empty defers to the AWS
	// credential chain.
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	// Integrity selects the upload checksum algorithm; IntegrityDisabled
	// means no checksum is attached.
	Integrity IntegrityAlgorithm `yaml:"integrity_algorithm"`
	// TimeoutLow bounds discovery and metadata calls (head-object,
	// head-bucket, region discovery).
	TimeoutLow time.Duration `yaml:"timeout_low"`
}

const (
	defaultReadMaxFragmentSize   = 5 * 1024 * 1024
	defaultReadMaxFragmentNumber = 50
	defaultEndpointProtocol      = "https"
	defaultTimeoutLow            = time.Minute
)

// Default returns the built-in defaults from spec §6.
func Default() Config {
	return Config{
		ReadMaxFragmentSize:   defaultReadMaxFragmentSize,
		ReadMaxFragmentNumber: defaultReadMaxFragmentNumber,
		EndpointProtocol:      defaultEndpointProtocol,
		Integrity:             IntegrityDisabled,
		TimeoutLow:            defaultTimeoutLow,
	}
}

// Resolve starts from the built-in defaults, applies environment overrides,
// then overlays explicit (non-zero) fields from override, matching the
// explicit > environment > default precedence spec §6 requires.
func Resolve(override *Config) Config {
	cfg := Default()
	applyEnv(&cfg)
	if override != nil {
		applyExplicit(&cfg, override)
	}
	return cfg
}

// LoadFromFile reads a YAML config file into c, overlaying only the fields
// present in the file (unset fields keep c's prior value), mirroring the
// teacher's Configuration.LoadFromFile.
func (c *Config) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// ResolveFile resolves Config the same way Resolve does, except the explicit
// tier is read from a YAML file at filename rather than passed in memory. An
// empty filename resolves with no explicit tier (env > default only).
func ResolveFile(filename string) (Config, error) {
	if filename == "" {
		return Resolve(nil), nil
	}
	var override Config
	if err := override.LoadFromFile(filename); err != nil {
		return Config{}, err
	}
	return Resolve(&override), nil
}

func applyEnv(cfg *Config) {
	if v, ok := lookupInt("S3_SPI_READ_MAX_FRAGMENT_SIZE"); ok {
		cfg.ReadMaxFragmentSize = v
	}
	if v, ok := lookupInt("S3_SPI_READ_MAX_FRAGMENT_NUMBER"); ok {
		cfg.ReadMaxFragmentNumber = int(v)
	}
	if v, ok := os.LookupEnv("S3_SPI_ENDPOINT_PROTOCOL"); ok && v != "" {
		cfg.EndpointProtocol = v
	}
	if v, ok := firstEnv("AWS_REGION", "AWS_DEFAULT_REGION"); ok {
		cfg.Region = v
	}
	if v, ok := os.LookupEnv("AWS_ACCESS_KEY_ID"); ok && v != "" {
		cfg.AccessKey = v
	}
	if v, ok := os.LookupEnv("AWS_SECRET_ACCESS_KEY"); ok && v != "" {
		cfg.SecretKey = v
	}
}

// applyExplicit overlays the non-zero fields of override onto cfg. A Config
// built by the caller is treated as a sparse set of explicit overrides: a
// zero-value field means "not specified", not "set to zero" — callers who
// need a genuine zero must reach for the underlying field directly.
func applyExplicit(cfg *Config, override *Config) {
	if override.ReadMaxFragmentSize != 0 {
		cfg.ReadMaxFragmentSize = override.ReadMaxFragmentSize
	}
	if override.ReadMaxFragmentNumber != 0 {
		cfg.ReadMaxFragmentNumber = override.ReadMaxFragmentNumber
	}
	if override.EndpointProtocol != "" {
		cfg.EndpointProtocol = override.EndpointProtocol
	}
	if override.Region != "" {
		cfg.Region = override.Region
	}
	if override.AccessKey != "" {
		cfg.AccessKey = override.AccessKey
	}
	if override.SecretKey != "" {
		cfg.SecretKey = override.SecretKey
	}
	if override.Integrity != "" {
		cfg.Integrity = override.Integrity
	}
	if override.TimeoutLow != 0 {
		cfg.TimeoutLow = override.TimeoutLow
	}
}

func lookupInt(key string) (int64, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func firstEnv(keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := os.LookupEnv(k); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

// ValidIntegrityAlgorithm reports whether alg is one of the supported
// upload checksum algorithms (or the disabled sentinel).
func ValidIntegrityAlgorithm(alg IntegrityAlgorithm) bool {
	switch strings.ToUpper(string(alg)) {
	case string(IntegrityDisabled), string(IntegrityCRC32), string(IntegrityCRC32C), string(IntegrityCRC64NVME):
		return true
	default:
		return false
	}
}
