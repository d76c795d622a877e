package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/courier/internal/httpwire"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, merges, defaults and validates the config file at configPath.
// Files named in include are merged in order, later values winning.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}
	if _, err := os.Stat(absPath); err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}

	if len(cfg.Include) > 0 {
		visited := map[string]bool{absPath: true}
		if err := loadIncludes(cfg, cfg.Include, filepath.Dir(absPath), visited); err != nil {
			return nil, err
		}
	}

	cfg = applyConfigDefaults(cfg)
	cfg.SourcePath = absPath
	if err := finalize(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefaults returns the validated built-in configuration.
func LoadDefaults() (*Config, error) {
	cfg := Defaults()
	if err := finalize(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDiscovered loads the config found by Discover, or the defaults when no
// file exists.
func LoadDiscovered(explicit string) (*Config, error) {
	path, err := Discover(explicit)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return LoadDefaults()
	}
	return Load(path)
}

func finalize(cfg *Config) error {
	var err error
	if cfg.Service.LockPath, err = ExpandHome(cfg.Service.LockPath); err != nil {
		return err
	}
	if cfg.History.Path, err = ExpandHome(cfg.History.Path); err != nil {
		return err
	}
	if err := validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// loadIncludes loads and merges files from the include array. visited
// tracks loaded files to prevent cycles.
func loadIncludes(cfg *Config, includes []string, baseDir string, visited map[string]bool) error {
	for i, includePath := range includes {
		includePath = interpolateEnv(includePath)

		resolvedPath := includePath
		if !filepath.IsAbs(includePath) {
			resolvedPath = filepath.Join(baseDir, includePath)
		}
		absPath, err := filepath.Abs(resolvedPath)
		if err != nil {
			return fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, includePath, err)
		}

		if visited[absPath] {
			return fmt.Errorf("include[%d]: circular dependency detected: %s", i, absPath)
		}
		if _, err := os.Stat(absPath); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("include[%d]: file not found: %s\n"+
					"Referenced from: %s", i, absPath, baseDir)
			}
			return fmt.Errorf("include[%d]: failed to access file %s: %w", i, absPath, err)
		}
		visited[absPath] = true

		included, err := loadConfigFile(absPath)
		if err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, includePath, err)
		}
		mergeConfig(cfg, included)

		if len(included.Include) > 0 {
			if err := loadIncludes(cfg, included.Include, filepath.Dir(absPath), visited); err != nil {
				return err
			}
		}
	}
	return nil
}

func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

// mergeConfig merges src into dst; non-zero src values win.
func mergeConfig(dst, src *Config) {
	setString(&dst.Service.Name, src.Service.Name)
	setString(&dst.Service.LogLevel, src.Service.LogLevel)
	setString(&dst.Service.LogFormat, src.Service.LogFormat)
	setString(&dst.Service.LockPath, src.Service.LockPath)

	if src.Worker.PollInterval != 0 {
		dst.Worker.PollInterval = src.Worker.PollInterval
	}
	if src.Worker.ConnectTimeout != 0 {
		dst.Worker.ConnectTimeout = src.Worker.ConnectTimeout
	}
	if src.Worker.ResponseTimeout != 0 {
		dst.Worker.ResponseTimeout = src.Worker.ResponseTimeout
	}
	if src.Worker.MaxHeaderBytes != 0 {
		dst.Worker.MaxHeaderBytes = src.Worker.MaxHeaderBytes
	}
	if src.Worker.MaxBodyBytes != 0 {
		dst.Worker.MaxBodyBytes = src.Worker.MaxBodyBytes
	}
	setString(&dst.Worker.UserAgent, src.Worker.UserAgent)
	for k, v := range src.Worker.Headers {
		if dst.Worker.Headers == nil {
			dst.Worker.Headers = make(map[string]string)
		}
		dst.Worker.Headers[k] = v
	}

	setString(&dst.API.Listen, src.API.Listen)
	if src.API.MaxTracked != 0 {
		dst.API.MaxTracked = src.API.MaxTracked
	}
	if src.API.FeedCapacity != 0 {
		dst.API.FeedCapacity = src.API.FeedCapacity
	}
	if src.API.MaxBatch != 0 {
		dst.API.MaxBatch = src.API.MaxBatch
	}
	if len(src.API.CORSOrigins) > 0 {
		dst.API.CORSOrigins = src.API.CORSOrigins
	}

	if src.History.Enabled {
		dst.History.Enabled = true
	}
	setString(&dst.History.Path, src.History.Path)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func applyConfigDefaults(cfg *Config) *Config {
	d := Defaults()

	setDefault := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	setDefault(&cfg.Service.Name, d.Service.Name)
	setDefault(&cfg.Service.LogLevel, d.Service.LogLevel)
	setDefault(&cfg.Service.LogFormat, d.Service.LogFormat)
	setDefault(&cfg.Service.LockPath, d.Service.LockPath)
	setDefault(&cfg.Worker.UserAgent, d.Worker.UserAgent)
	setDefault(&cfg.API.Listen, d.API.Listen)
	setDefault(&cfg.History.Path, d.History.Path)

	if cfg.Worker.PollInterval == 0 {
		cfg.Worker.PollInterval = d.Worker.PollInterval
	}
	if cfg.Worker.ConnectTimeout == 0 {
		cfg.Worker.ConnectTimeout = d.Worker.ConnectTimeout
	}
	if cfg.Worker.ResponseTimeout == 0 {
		cfg.Worker.ResponseTimeout = d.Worker.ResponseTimeout
	}
	if cfg.Worker.MaxHeaderBytes == 0 {
		cfg.Worker.MaxHeaderBytes = d.Worker.MaxHeaderBytes
	}
	if cfg.Worker.MaxBodyBytes == 0 {
		cfg.Worker.MaxBodyBytes = d.Worker.MaxBodyBytes
	}
	if cfg.API.MaxTracked == 0 {
		cfg.API.MaxTracked = d.API.MaxTracked
	}
	if cfg.API.FeedCapacity == 0 {
		cfg.API.FeedCapacity = d.API.FeedCapacity
	}
	if cfg.API.MaxBatch == 0 {
		cfg.API.MaxBatch = d.API.MaxBatch
	}
	return cfg
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is and rejected by validate.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// ExpandHome resolves a leading "~/" against the user's home directory.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand %q: %w", path, err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	switch strings.ToLower(cfg.Service.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	w := cfg.Worker
	if w.PollInterval <= 0 {
		return fmt.Errorf("worker.poll_interval must be positive")
	}
	if w.ConnectTimeout <= 0 {
		return fmt.Errorf("worker.connect_timeout must be positive")
	}
	if w.ResponseTimeout <= 0 {
		return fmt.Errorf("worker.response_timeout must be positive")
	}
	if w.MaxHeaderBytes <= 0 {
		return fmt.Errorf("worker.max_header_bytes must be positive")
	}
	if w.MaxBodyBytes <= 0 {
		return fmt.Errorf("worker.max_body_bytes must be positive")
	}
	if err := checkUnresolved("worker.user_agent", w.UserAgent); err != nil {
		return err
	}
	for _, name := range sortedKeys(w.Headers) {
		value := w.Headers[name]
		if err := checkUnresolved("worker.headers."+name, value); err != nil {
			return err
		}
		if err := httpwire.ValidateHeader(httpwire.Header{Name: name, Value: value}); err != nil {
			return fmt.Errorf("worker.headers: %w", err)
		}
	}

	if _, _, err := net.SplitHostPort(cfg.API.Listen); err != nil {
		return fmt.Errorf("api.listen must be host:port (got %q): %w", cfg.API.Listen, err)
	}
	if cfg.API.MaxTracked <= 0 {
		return fmt.Errorf("api.max_tracked must be positive")
	}
	if cfg.API.FeedCapacity <= 0 {
		return fmt.Errorf("api.feed_capacity must be positive")
	}
	if cfg.API.MaxBatch <= 0 {
		return fmt.Errorf("api.max_batch must be positive")
	}

	if cfg.History.Enabled && cfg.History.Path == "" {
		return fmt.Errorf("history.path is required when history is enabled")
	}
	for field, v := range map[string]string{
		"service.lock_path": cfg.Service.LockPath,
		"history.path":      cfg.History.Path,
		"api.listen":        cfg.API.Listen,
	} {
		if err := checkUnresolved(field, v); err != nil {
			return err
		}
	}
	return nil
}

// checkUnresolved rejects a value still carrying a ${VAR} placeholder.
func checkUnresolved(field, v string) error {
	if m := envVarPattern.FindStringSubmatch(v); len(m) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, m[1])
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// HeaderList returns the configured extra request headers in name order.
func (w WorkerConfig) HeaderList() []httpwire.Header {
	out := make([]httpwire.Header, 0, len(w.Headers))
	for _, k := range sortedKeys(w.Headers) {
		out = append(out, httpwire.Header{Name: k, Value: w.Headers[k]})
	}
	return out
}
