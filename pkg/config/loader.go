package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rhuss/drivercore/pkg/debug"
)

// Load loads configuration from a layered set of sources.
//
// The loading order is:
//  1. Built-in defaults
//  2. YAML config file (explicit path, DRIVERCORE_CONFIG env, ./config.yaml, /etc/drivercore/config.yaml)
//  3. Environment variable overrides
//  4. Driver manifests from drivers_dir
//  5. File reference resolution (_file suffix)
//  6. Validation
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	filePath := discoverConfigFile(configPath)
	if filePath != "" {
		if err := loadYAMLFile(filePath, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", filePath, err)
		}
		for i := range cfg.Drivers {
			cfg.Drivers[i].Source = filePath
		}
		debug.Log("config", "loaded config file", "path", filePath)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}

	if cfg.DriversDir != "" {
		drivers, err := LoadManifests(cfg.DriversDir)
		if err != nil {
			return nil, fmt.Errorf("loading driver manifests: %w", err)
		}
		cfg.Drivers = append(cfg.Drivers, drivers...)
	}

	if err := resolveFileReferences(&cfg); err != nil {
		return nil, fmt.Errorf("resolving file references: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// discoverConfigFile finds the config file path using the discovery order:
// 1. Explicit configPath argument
// 2. DRIVERCORE_CONFIG environment variable
// 3. ./config.yaml in the current directory
// 4. /etc/drivercore/config.yaml
//
// Returns empty string if no config file is found.
func discoverConfigFile(configPath string) string {
	if configPath != "" {
		return configPath
	}
	if envPath := os.Getenv("DRIVERCORE_CONFIG"); envPath != "" {
		return envPath
	}

	candidates := []string{
		"config.yaml",
		"/etc/drivercore/config.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// loadYAMLFile reads and parses a YAML file into the Config struct.
// Fields not present in the YAML retain their current (default) values.
func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// LoadManifests reads one driver declaration per *.yaml or *.yml file in
// dir, in lexical order. A relative spec.file is resolved against dir.
func LoadManifests(dir string) ([]DriverConfig, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)

	drivers := make([]DriverConfig, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var dc DriverConfig
		if err := yaml.Unmarshal(data, &dc); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if dc.Spec.File != "" && !filepath.IsAbs(dc.Spec.File) {
			dc.Spec.File = filepath.Join(dir, dc.Spec.File)
		}
		dc.Source = path
		drivers = append(drivers, dc)
		debug.Log("config", "loaded driver manifest", "path", path, "driver", dc.ID)
	}
	return drivers, nil
}

// applyEnvOverrides maps DRIVERCORE_* environment variables to config
// fields. Malformed structured values are reported rather than ignored.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("DRIVERCORE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("DRIVERCORE_CALL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Dispatch.CallTimeout = d
		}
	}
	if v := os.Getenv("DRIVERCORE_STORAGE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("DRIVERCORE_STORAGE_SIZE"); v != "" {
		if size, err := strconv.Atoi(v); err == nil {
			cfg.Storage.MaxSize = size
		}
	}
	if v := os.Getenv("DRIVERCORE_POSTGRES_DSN"); v != "" {
		cfg.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("DRIVERCORE_AUTH_TYPE"); v != "" {
		cfg.Auth.Type = v
	}
	if v := os.Getenv("DRIVERCORE_DRIVERS_DIR"); v != "" {
		cfg.DriversDir = v
	}
	if v := os.Getenv("DRIVERCORE_DEBUG"); v != "" {
		cfg.Logging.Debug = v
	}
	if v := os.Getenv("DRIVERCORE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// DRIVERCORE_API_KEYS: JSON array of API key configs.
	if v := os.Getenv("DRIVERCORE_API_KEYS"); v != "" {
		keys, err := parseAPIKeysJSON(v)
		if err != nil {
			return fmt.Errorf("DRIVERCORE_API_KEYS: %w", err)
		}
		cfg.Auth.APIKeys = keys
	}

	// DRIVERCORE_DRIVERS: JSON array of driver declarations, added to the
	// ones from the config file.
	if v := os.Getenv("DRIVERCORE_DRIVERS"); v != "" {
		drivers, err := parseDriversJSON(v)
		if err != nil {
			return fmt.Errorf("DRIVERCORE_DRIVERS: %w", err)
		}
		for i := range drivers {
			drivers[i].Source = "DRIVERCORE_DRIVERS"
		}
		cfg.Drivers = append(cfg.Drivers, drivers...)
	}
	return nil
}

// parseAPIKeysJSON parses a JSON array of API key configurations.
func parseAPIKeysJSON(jsonStr string) ([]APIKeyConfig, error) {
	var keys []APIKeyConfig
	if err := json.Unmarshal([]byte(jsonStr), &keys); err != nil {
		return nil, fmt.Errorf("parsing API keys JSON: %w", err)
	}
	return keys, nil
}

// parseDriversJSON parses a JSON array of driver declarations. JSON is
// decoded with the YAML decoder so the field names match the config file.
func parseDriversJSON(jsonStr string) ([]DriverConfig, error) {
	var drivers []DriverConfig
	if err := yaml.Unmarshal([]byte(jsonStr), &drivers); err != nil {
		return nil, fmt.Errorf("parsing drivers JSON: %w", err)
	}
	return drivers, nil
}

// resolveFileReferences reads _file fields and populates the corresponding value fields.
// For each field ending in _file, if the value field is empty and the file field is set,
// the file is read, whitespace is trimmed, and the value field is populated.
func resolveFileReferences(cfg *Config) error {
	if err := resolveFile(&cfg.Storage.Postgres.DSN, cfg.Storage.Postgres.DSNFile, "storage.postgres.dsn_file"); err != nil {
		return err
	}
	if err := resolveFile(&cfg.Auth.JWT.Secret, cfg.Auth.JWT.SecretFile, "auth.jwt.secret_file"); err != nil {
		return err
	}
	for i := range cfg.Auth.APIKeys {
		k := &cfg.Auth.APIKeys[i]
		if err := resolveFile(&k.Key, k.KeyFile, fmt.Sprintf("auth.api_keys[%d].key_file", i)); err != nil {
			return err
		}
	}
	for i := range cfg.Drivers {
		b := &cfg.Drivers[i].Bridge
		field := fmt.Sprintf("drivers[%d].bridge", i)
		if err := resolveFile(&b.Token, b.TokenFile, field+".token_file"); err != nil {
			return err
		}
		if b.OAuth != nil {
			if err := resolveFile(&b.OAuth.ClientID, b.OAuth.ClientIDFile, field+".oauth.client_id_file"); err != nil {
				return err
			}
			if err := resolveFile(&b.OAuth.ClientSecret, b.OAuth.ClientSecretFile, field+".oauth.client_secret_file"); err != nil {
				return err
			}
		}
	}
	return nil
}

func resolveFile(value *string, file, field string) error {
	if file == "" || *value != "" {
		return nil
	}
	val, err := readSecretFile(file)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	*value = val
	return nil
}

// readSecretFile reads a file and returns its content with surrounding whitespace trimmed.
func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
