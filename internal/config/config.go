// Package config loads, validates, and hot-reload-diffs the sync fabric's
// declarative project configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"
)

// Mode is re-declared here (rather than imported from internal/mode) to
// keep config decode-and-validate free of a dependency on the routing
// package; Load's caller converts into mode.Mode at wiring time.
type Mode string

const (
	ModeAFirst    Mode = "A-first"
	ModeBFirst    Mode = "B-first"
	ModeUniversal Mode = "universal"
)

// FallbackBehavior names a handling for a converter that rejects a test
// file. The value is validated on load; the sync engine does not read it
// and always writes a stub on the opposite side for such a file.
type FallbackBehavior string

const (
	FallbackWarn   FallbackBehavior = "warn"
	FallbackError  FallbackBehavior = "error"
	FallbackIgnore FallbackBehavior = "ignore"
)

// Config is the project's single declarative configuration document.
type Config struct {
	Mode              Mode              `yaml:"mode" validate:"required,oneof=A-first B-first universal" jsonschema:"required,enum=A-first,enum=B-first,enum=universal"`
	RootA             string            `yaml:"rootA" validate:"required" jsonschema:"required"`
	RootB             string            `yaml:"rootB" validate:"required" jsonschema:"required"`
	StorageDir        string            `yaml:"storageDir"`
	CustomMappings    string            `yaml:"customMappings,omitempty"`
	NamingConventions NamingConventions `yaml:"namingConventions"`
	Formatting        Formatting        `yaml:"formatting"`
	Sync              SyncConfig        `yaml:"sync"`
	Conversion        ConversionConfig  `yaml:"conversion"`
	Validation        ValidationConfig  `yaml:"validation"`
	Server            ServerConfig      `yaml:"server"`
	Session           SessionConfig     `yaml:"session"`
}

// NamingConventions controls how identifiers and file stems are cased when
// mirroring between frameworks.
type NamingConventions struct {
	FileNaming       string `yaml:"fileNaming" validate:"omitempty,oneof=snake_case kebab-case PascalCase camelCase"`
	IdentifierNaming string `yaml:"identifierNaming" validate:"omitempty,oneof=snake_case kebab-case PascalCase camelCase"`
	ComponentNaming  string `yaml:"componentNaming" validate:"omitempty,oneof=snake_case kebab-case PascalCase camelCase"`
}

// Formatting controls the cosmetic shape of generated source.
type Formatting struct {
	IndentSize    int  `yaml:"indentSize" validate:"omitempty,min=1,max=8"`
	UseTabs       bool `yaml:"useTabs"`
	LineWidth     int  `yaml:"lineWidth" validate:"omitempty,min=40"`
	Semicolons    bool `yaml:"semicolons"`
	TrailingComma bool `yaml:"trailingComma"`
	SingleQuote   bool `yaml:"singleQuote"`
}

// SyncConfig controls watcher/queue behavior.
type SyncConfig struct {
	Enabled         bool     `yaml:"enabled"`
	DebounceMs      int      `yaml:"debounceMs" validate:"omitempty,min=0"`
	ExcludePatterns []string `yaml:"excludePatterns,omitempty"`
	TestSync        bool     `yaml:"testSync"`
}

// ConversionConfig controls converter behavior at the source<->IR boundary.
type ConversionConfig struct {
	PreserveComments      bool             `yaml:"preserveComments"`
	GenerateDocumentation bool             `yaml:"generateDocumentation"`
	StrictTypeChecking    bool             `yaml:"strictTypeChecking"`
	FallbackBehavior      FallbackBehavior `yaml:"fallbackBehavior" validate:"omitempty,oneof=warn error ignore"`
}

// ValidationConfig controls which stages of a conversion are checked.
type ValidationConfig struct {
	ValidateIR        bool `yaml:"validateIR"`
	ValidateGenerated bool `yaml:"validateGenerated"`
}

// ServerConfig is the ambient HTTP/WS control-surface configuration; not
// named by the declarative config's enumerated fields but required to run
// the server at all.
type ServerConfig struct {
	Port           int      `yaml:"port" validate:"omitempty,min=1,max=65535"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowedOrigins,omitempty"`
}

// SessionConfig is the ambient session-registry configuration.
type SessionConfig struct {
	SessionTimeoutMinutes    int `yaml:"sessionTimeoutMinutes" validate:"omitempty,min=1"`
	HeartbeatIntervalSeconds int `yaml:"heartbeatIntervalSeconds" validate:"omitempty,min=1"`
	ConnectionTimeoutSeconds int `yaml:"connectionTimeoutSeconds" validate:"omitempty,min=1"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads and validates the config at path, filling in defaults for
// any zero-valued fields, then rejects the document if it fails struct
// validation. A second decode of the document into a generic map finds
// unknown top-level keys, which are warned about (not an error).
func Load(path string) (*Config, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	warnings := unknownFieldWarnings(data)

	if cfg.StorageDir == "" {
		cfg.StorageDir = "./.ir"
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, warnings, fmt.Errorf("config: invalid %s: %w", path, err)
	}

	return cfg, warnings, nil
}

// LoadOrDefault loads config from path, or returns the default config if
// path does not exist.
func LoadOrDefault(path string) (*Config, []string, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return defaultConfig(), nil, nil
	}
	return Load(path)
}

func defaultConfig() *Config {
	return &Config{
		StorageDir: "./.ir",
		NamingConventions: NamingConventions{
			FileNaming:       "snake_case",
			IdentifierNaming: "camelCase",
			ComponentNaming:  "PascalCase",
		},
		Formatting: Formatting{
			IndentSize: 2,
			LineWidth:  80,
			Semicolons: true,
		},
		Sync: SyncConfig{
			Enabled:    true,
			DebounceMs: 300,
		},
		Conversion: ConversionConfig{
			FallbackBehavior: FallbackWarn,
		},
		Validation: ValidationConfig{
			ValidateIR: true,
		},
		Server: ServerConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Session: SessionConfig{
			SessionTimeoutMinutes:    480,
			HeartbeatIntervalSeconds: 30,
			ConnectionTimeoutSeconds: 60,
		},
	}
}

// unknownFieldWarnings decodes data a second time against a generic map
// and reports top-level keys with no matching yaml tag on Config. Unknown
// fields are not an error; the document is still loaded.
func unknownFieldWarnings(data []byte) []string {
	known := knownTopLevelKeys()

	var raw map[string]yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil
	}

	var warnings []string
	for key := range raw {
		if !known[key] {
			warnings = append(warnings, fmt.Sprintf("config: unknown field %q ignored", key))
		}
	}
	slices.Sort(warnings)
	return warnings
}

func knownTopLevelKeys() map[string]bool {
	return map[string]bool{
		"mode": true, "rootA": true, "rootB": true, "storageDir": true,
		"customMappings": true, "namingConventions": true, "formatting": true,
		"sync": true, "conversion": true, "validation": true, "server": true,
		"session": true,
	}
}

// JSONSchema returns the JSON schema for Config, for IDE autocompletion
// and external validation tooling.
func JSONSchema() ([]byte, error) {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	schema := reflector.Reflect(&Config{})
	schema.Version = "https://json-schema.org/draft/2020-12/schema"
	schema.Title = "Sync Fabric Configuration"
	return json.MarshalIndent(schema, "", "  ")
}

// Diff compares two configs and returns human-readable descriptions of
// what changed, restricted to fields that are safe to apply without a
// restart: naming, formatting, sync, conversion, and validation.
func Diff(old, cur *Config) []string {
	var changes []string

	if old.NamingConventions != cur.NamingConventions {
		changes = append(changes, fmt.Sprintf("namingConventions: %+v -> %+v", old.NamingConventions, cur.NamingConventions))
	}
	if old.Formatting != cur.Formatting {
		changes = append(changes, "formatting: configuration changed")
	}
	if old.Sync.Enabled != cur.Sync.Enabled {
		changes = append(changes, fmt.Sprintf("sync.enabled: %v -> %v", old.Sync.Enabled, cur.Sync.Enabled))
	}
	if old.Sync.DebounceMs != cur.Sync.DebounceMs {
		changes = append(changes, fmt.Sprintf("sync.debounceMs: %d -> %d", old.Sync.DebounceMs, cur.Sync.DebounceMs))
	}
	if !slices.Equal(old.Sync.ExcludePatterns, cur.Sync.ExcludePatterns) {
		changes = append(changes, fmt.Sprintf("sync.excludePatterns: %v -> %v", old.Sync.ExcludePatterns, cur.Sync.ExcludePatterns))
	}
	if old.Sync.TestSync != cur.Sync.TestSync {
		changes = append(changes, fmt.Sprintf("sync.testSync: %v -> %v", old.Sync.TestSync, cur.Sync.TestSync))
	}
	if old.Conversion != cur.Conversion {
		changes = append(changes, "conversion: configuration changed")
	}
	if old.Validation != cur.Validation {
		changes = append(changes, "validation: configuration changed")
	}

	return changes
}

func defaultConfigDir() string {
	if value := os.Getenv("XDG_CONFIG_HOME"); value != "" {
		return value
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".config")
}

// DefaultConfigPath returns the default XDG-compliant config file path.
func DefaultConfigPath() string {
	return filepath.Join(defaultConfigDir(), "bifrost", "config.yaml")
}
