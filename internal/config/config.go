package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	defaultPort             = 8080
	defaultDataDir          = "data"
	defaultStorageEndpoint  = "http://localhost:9000/storage/upload"
	defaultCatalogEndpoint  = "http://localhost:9100/api/media"
	defaultMaxConcurrent    = 3
	defaultChunkSizeBytes   = 4 << 20  // 4 MiB
	defaultMaxFileSizeBytes = 10 << 30 // 10 GiB
	defaultSpeedWindowSecs  = 5
)

// Config describes runtime configuration for the upload agent.
type Config struct {
	Port                 int      `yaml:"port"`
	DataDir              string   `yaml:"data_dir"`
	StorageEndpoint      string   `yaml:"storage_endpoint"`
	CatalogEndpoint      string   `yaml:"catalog_endpoint"`
	MaxConcurrentUploads int      `yaml:"max_concurrent_uploads"`
	ChunkSizeBytes       int64    `yaml:"chunk_size_bytes"`
	MaxFileSizeBytes     int64    `yaml:"max_file_size_bytes"`
	AllowedExtensions    []string `yaml:"allowed_extensions"`
	SpeedWindowSeconds   int      `yaml:"speed_window_seconds"`
}

// Default returns sane defaults: no extension restrictions, concurrency 3.
func Default() Config {
	return Config{
		Port:                 defaultPort,
		DataDir:              defaultDataDir,
		StorageEndpoint:      defaultStorageEndpoint,
		CatalogEndpoint:      defaultCatalogEndpoint,
		MaxConcurrentUploads: defaultMaxConcurrent,
		ChunkSizeBytes:       defaultChunkSizeBytes,
		MaxFileSizeBytes:     defaultMaxFileSizeBytes,
		SpeedWindowSeconds:   defaultSpeedWindowSecs,
	}
}

// Load reads YAML config from the provided path, then applies UPLOADQ_*
// environment overrides. If the file does not exist or is empty, defaults
// are used with no error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, errors.New("empty config path")
	}
	fileData, err := os.ReadFile(path) //nolint:gosec // config path is controlled by deployment
	if err != nil {
		if os.IsNotExist(err) {
			return applyEnv(cfg)
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if len(fileData) > 0 {
		if err := yaml.Unmarshal(fileData, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml: %w", err)
		}
	}
	return applyEnv(cfg)
}

// applyEnv layers environment variables over the file values and validates
// the result. Env vars win so deployments can override a baked-in file.
func applyEnv(cfg Config) (Config, error) {
	if v := os.Getenv("UPLOADQ_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid UPLOADQ_PORT: %w", err)
		}
		cfg.Port = p
	}
	if v := os.Getenv("UPLOADQ_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("UPLOADQ_STORAGE_ENDPOINT"); v != "" {
		cfg.StorageEndpoint = v
	}
	if v := os.Getenv("UPLOADQ_CATALOG_ENDPOINT"); v != "" {
		cfg.CatalogEndpoint = v
	}
	if v := os.Getenv("UPLOADQ_MAX_CONCURRENT_UPLOADS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid UPLOADQ_MAX_CONCURRENT_UPLOADS: %w", err)
		}
		cfg.MaxConcurrentUploads = n
	}
	return validate(cfg)
}

func validate(cfg Config) (Config, error) {
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	if cfg.StorageEndpoint == "" {
		return cfg, errors.New("storage_endpoint must be set")
	}
	if cfg.MaxConcurrentUploads < 1 {
		return cfg, fmt.Errorf("invalid max_concurrent_uploads: %d (must be >= 1)", cfg.MaxConcurrentUploads)
	}
	if cfg.ChunkSizeBytes <= 0 {
		cfg.ChunkSizeBytes = defaultChunkSizeBytes
	}
	if cfg.MaxFileSizeBytes < 0 {
		return cfg, fmt.Errorf("invalid max_file_size_bytes: %d", cfg.MaxFileSizeBytes)
	}
	if cfg.SpeedWindowSeconds <= 0 {
		cfg.SpeedWindowSeconds = defaultSpeedWindowSecs
	}
	cfg.AllowedExtensions = normalizeExtensions(cfg.AllowedExtensions)
	return cfg, nil
}

// normalizeExtensions lower-cases, dot-prefixes and dedupes. An empty list
// means every file type is accepted.
func normalizeExtensions(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	normalized := make([]string, 0, len(in))
	for _, ext := range in {
		e := strings.ToLower(strings.TrimSpace(ext))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		normalized = append(normalized, e)
	}
	return normalized
}
