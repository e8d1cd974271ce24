// Package config resolves process settings from the environment (optionally
// seeded from a .env file) and organizational scopes from a YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds process-wide settings
type Config struct {
	Port    string
	GinMode string

	DatabaseURL string
	DataPath    string

	JWTSecret       string
	APIMasterSecret string
	AdminUsername   string
	AdminPassword   string

	LogLevel string
	LogJSON  bool

	ReconcileInterval time.Duration
	SweepInterval     time.Duration
	AdapterTimeout    time.Duration
	SwapTTL           time.Duration
	CalendarQPS       float64

	GoogleCredentialsFile string
	ScopesFile            string

	Scopes []Scope
}

// Scope is the configuration record for one organizational scope. It is
// resolved once and handed to the reconciler and notifier.
type Scope struct {
	Name       string       `yaml:"name" json:"name" validate:"required"`
	Department string       `yaml:"department" json:"department"`
	TimeZone   string       `yaml:"timezone" json:"timezone"`
	CalendarID string       `yaml:"calendar_id" json:"calendar_id"`
	Source     SourceConfig `yaml:"source" json:"source"`
	Workers    []Worker     `yaml:"workers" json:"workers" validate:"dive"`
}

// Source kinds
const (
	SourceSheets = "sheets"
	SourceCSV    = "csv"
	SourcePush   = "push"
)

// SourceConfig selects and parameterizes the scope's source of record
type SourceConfig struct {
	Kind            string `yaml:"kind" json:"kind" validate:"omitempty,oneof=sheets csv push"`
	SpreadsheetID   string `yaml:"spreadsheet_id" json:"spreadsheet_id" validate:"required_if=Kind sheets"`
	Range           string `yaml:"range" json:"range"`
	Path            string `yaml:"path" json:"path" validate:"required_if=Kind csv"`
	IncludePastDays int    `yaml:"include_past_days" json:"include_past_days" validate:"gte=0"`
}

// Worker maps a worker reference to its contact details
type Worker struct {
	Ref     string   `yaml:"ref" json:"ref" validate:"required"`
	Name    string   `yaml:"name" json:"name"`
	Emails  []string `yaml:"emails" json:"emails" validate:"dive,email"`
	Channel string   `yaml:"channel" json:"channel"`
}

type scopesFile struct {
	Scopes []Scope `yaml:"scopes" json:"scopes" validate:"dive"`
}

// Load reads settings from the environment. A .env file is picked up from
// the working directory or one of its parents if present.
func Load() (*Config, error) {
	envPaths := []string{".env", "../.env", "../../.env"}
	for _, p := range envPaths {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
			break
		}
	}

	cfg := &Config{
		Port:                  getenv("PORT", "8000"),
		GinMode:               os.Getenv("GIN_MODE"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		DataPath:              getenv("DATA_PATH", "rota.db"),
		JWTSecret:             os.Getenv("JWT_SECRET"),
		APIMasterSecret:       os.Getenv("API_MASTER_SECRET"),
		AdminUsername:         getenv("ADMIN_USERNAME", "admin"),
		AdminPassword:         getenv("ADMIN_PASSWORD", "admin123"),
		LogLevel:              getenv("ROTA_LOG_LEVEL", "info"),
		GoogleCredentialsFile: os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"),
		ScopesFile:            getenv("ROTA_SCOPES_FILE", "config/scopes.yaml"),
	}

	var err error
	if cfg.LogJSON, err = getbool("ROTA_LOG_JSON", false); err != nil {
		return nil, err
	}
	if cfg.ReconcileInterval, err = getduration("ROTA_RECONCILE_INTERVAL", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = getduration("ROTA_SWEEP_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.AdapterTimeout, err = getduration("ROTA_ADAPTER_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.SwapTTL, err = getduration("ROTA_SWAP_TTL", 72*time.Hour); err != nil {
		return nil, err
	}
	if cfg.CalendarQPS, err = getfloat("ROTA_CALENDAR_QPS", 5); err != nil {
		return nil, err
	}

	if _, err := os.Stat(cfg.ScopesFile); err == nil {
		scopes, err := LoadScopes(cfg.ScopesFile)
		if err != nil {
			return nil, err
		}
		cfg.Scopes = scopes
	}
	return cfg, nil
}

// LoadScopes parses and validates a scopes YAML file
func LoadScopes(path string) ([]Scope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scopes file: %w", err)
	}
	return ParseScopes(data)
}

// ParseScopes decodes scopes YAML, applies defaults and validates the result
func ParseScopes(data []byte) ([]Scope, error) {
	var f scopesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse scopes: %w", err)
	}
	seen := make(map[string]bool)
	for i := range f.Scopes {
		s := &f.Scopes[i]
		if s.TimeZone == "" {
			s.TimeZone = "Europe/Dublin"
		}
		if s.Source.Kind == "" {
			s.Source.Kind = SourcePush
		}
		if s.Source.Kind == SourceSheets && s.Source.Range == "" {
			s.Source.Range = "Sheet1!A:M"
		}
		if s.Source.IncludePastDays == 0 {
			s.Source.IncludePastDays = 30
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("duplicate scope %q", s.Name)
		}
		seen[s.Name] = true
		if _, err := time.LoadLocation(s.TimeZone); err != nil {
			return nil, fmt.Errorf("scope %q: %w", s.Name, err)
		}
	}
	if err := validator.New().Struct(&f); err != nil {
		return nil, fmt.Errorf("invalid scopes: %w", err)
	}
	return f.Scopes, nil
}

// Scope returns the named scope
func (c *Config) Scope(name string) (Scope, bool) {
	for _, s := range c.Scopes {
		if s.Name == name {
			return s, true
		}
	}
	return Scope{}, false
}

// Location returns the scope's time zone, UTC if it cannot be loaded
func (s Scope) Location() *time.Location {
	loc, err := time.LoadLocation(s.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Worker returns the configured worker with the given ref
func (s Scope) Worker(ref string) (Worker, bool) {
	for _, w := range s.Workers {
		if w.Ref == ref {
			return w, true
		}
	}
	return Worker{}, false
}

// Emails returns every worker email in the scope
func (s Scope) Emails() []string {
	var out []string
	for _, w := range s.Workers {
		out = append(out, w.Emails...)
	}
	return out
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getbool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func getfloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func getduration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
