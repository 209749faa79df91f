package internal

import (
	"fmt"
	"log/slog"
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/odal/internal/watermark"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

var hexColorRe = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// Config represents the application configuration.
type Config struct {
	App       ApplicationConfig `yaml:"app"`
	Store     StoreConfig       `yaml:"store"`
	SQLite    SQLiteConfig      `yaml:"sqlite"`
	Auth      AuthConfig        `yaml:"auth"`
	Upload    UploadConfig      `yaml:"upload"`
	Watermark WatermarkConfig   `yaml:"watermark"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Store.Validate(); err != nil {
		return err
	}
	if err := c.SQLite.Validate(); err != nil {
		return err
	}
	if err := c.Auth.Validate(); err != nil {
		return err
	}
	if err := c.Upload.Validate(); err != nil {
		return err
	}
	return c.Watermark.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// StoreConfig holds the root directory of the content-addressed blob store.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the store configuration.
func (c *StoreConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// SQLiteConfig holds the catalog and ledger database locations. The two live
// in separate files: the ledger is audit evidence and is retained and backed
// up on its own schedule.
type SQLiteConfig struct {
	CatalogPath string `yaml:"catalog_path"`
	LedgerPath  string `yaml:"ledger_path"`
}

// Validate validates the SQLite configuration.
func (c *SQLiteConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.CatalogPath, validation.Required),
		validation.Field(&c.LedgerPath, validation.Required),
	); err != nil {
		return err
	}
	if c.CatalogPath == c.LedgerPath {
		return fmt.Errorf("sqlite: catalog and ledger must not share a database file")
	}
	return nil
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	// Normalise empty mode to "disabled" for backward compatibility.
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// UploadConfig bounds what a single upload and a single uploader may cost.
type UploadConfig struct {
	MaxSizeMB      int `yaml:"max_size_mb"`
	MaxPerUploader int `yaml:"max_per_uploader"`
}

// Validate validates the upload configuration.
func (c *UploadConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.MaxSizeMB, validation.Required, validation.Min(1), validation.Max(100)),
		validation.Field(&c.MaxPerUploader, validation.Required, validation.Min(1)),
	)
}

// MaxBytes returns the upload size cap in bytes.
func (c *UploadConfig) MaxBytes() int64 {
	return int64(c.MaxSizeMB) << 20
}

// WatermarkConfig controls the visible overlay's appearance. Zero values fall
// back to the renderer defaults.
type WatermarkConfig struct {
	FontName  string  `yaml:"font_name"`
	Points    int     `yaml:"points"`
	Opacity   float64 `yaml:"opacity"`
	FillColor string  `yaml:"fill_color"`
}

// Validate validates the watermark configuration.
func (c *WatermarkConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Points, validation.When(c.Points != 0, validation.Min(8), validation.Max(72))),
		validation.Field(&c.Opacity, validation.When(c.Opacity != 0, validation.Min(0.05), validation.Max(0.9))),
		validation.Field(&c.FillColor, validation.When(c.FillColor != "", validation.Match(hexColorRe))),
	)
}

// Options maps the section onto renderer options.
func (c *WatermarkConfig) Options() watermark.Options {
	return watermark.Options{
		FontName:  c.FontName,
		Points:    c.Points,
		Opacity:   c.Opacity,
		FillColor: c.FillColor,
	}
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Store: StoreConfig{
			Path: "./data/blobs",
		},
		SQLite: SQLiteConfig{
			CatalogPath: "./data/catalog.db",
			LedgerPath:  "./data/ledger.db",
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
		Upload: UploadConfig{
			MaxSizeMB:      10,
			MaxPerUploader: 100,
		},
	}
}
