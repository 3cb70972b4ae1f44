// Package config loads ikup configuration from a TOML file and IKUP_*
// environment variables, tracking the provenance of every key for
// dump-config.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	gotoml "github.com/pelletier/go-toml/v2"

	"github.com/sergei-grechanik/ikup/internal/idspace"
)

// EnvPrefix is the prefix of environment variables that override
// configuration keys (IKUP_ID_SPACE overrides id_space and so on).
const EnvPrefix = "IKUP_"

// Config holds every tunable. String fields that accept "auto" keep the
// raw string; typed accessors resolve them.
type Config struct {
	// Id allocation.
	IDSpace           string `koanf:"id_space"`
	IDSubspace        string `koanf:"id_subspace"`
	MaxIDsPerSubspace int    `koanf:"max_ids_per_subspace"`
	IDDatabaseDir     string `koanf:"id_database_dir"`

	// Image geometry.
	CellSize        string  `koanf:"cell_size"`         // "auto" or "WxH"
	DefaultCellSize string  `koanf:"default_cell_size"` // "WxH"
	Scale           float64 `koanf:"scale"`
	GlobalScale     float64 `koanf:"global_scale"`
	MaxRows         string  `koanf:"max_rows"` // "auto" or integer
	MaxCols         string  `koanf:"max_cols"` // "auto" or integer
	FallbackMaxRows int     `koanf:"fallback_max_rows"`
	FallbackMaxCols int     `koanf:"fallback_max_cols"`

	// Uploading.
	ChunkSize        int    `koanf:"chunk_size"`
	UploadMethod     string `koanf:"upload_method"` // auto, file, stream, direct
	StreamMaxSize    int64  `koanf:"stream_max_size"`
	FileMaxSize      int64  `koanf:"file_max_size"`
	SupportedFormats string `koanf:"supported_formats"` // "auto" or comma list
	ForceUpload      bool   `koanf:"force_upload"`
	MarkUploaded     bool   `koanf:"mark_uploaded"`

	// Reupload heuristics.
	ReuploadMaxUploadsAgo int   `koanf:"reupload_max_uploads_ago"`
	ReuploadMaxBytesAgo   int64 `koanf:"reupload_max_bytes_ago"`
	ReuploadMaxSecondsAgo int   `koanf:"reupload_max_seconds_ago"`

	// Display.
	FewerDiacritics bool   `koanf:"fewer_diacritics"`
	PlaceholderChar string `koanf:"placeholder_char"`

	// Terminal identification.
	TerminalName string `koanf:"terminal_name"`
	TerminalID   string `koanf:"terminal_id"`
	SessionID    string `koanf:"session_id"`

	// Cleanup.
	MaxDBAgeDays       int     `koanf:"max_db_age_days"`
	MaxNumIDs          int     `koanf:"max_num_ids"`
	CleanupProbability float64 `koanf:"cleanup_probability"`

	// Parallel uploads.
	UploadProgressUpdateInterval float64 `koanf:"upload_progress_update_interval"`
	UploadStallTimeout           float64 `koanf:"upload_stall_timeout"`
	AllowConcurrentUploads       string  `koanf:"allow_concurrent_uploads"` // auto, true, false
	UploadCommandDelay           float64 `koanf:"upload_command_delay"`

	// Transcode cache.
	CacheDir                   string  `koanf:"cache_dir"`
	ThumbnailFileSizeTolerance float64 `koanf:"thumbnail_file_size_tolerance"`
	CacheMaxImages             int     `koanf:"cache_max_images"`
	CacheMaxTotalSizeBytes     int64   `koanf:"cache_max_total_size_bytes"`
	CacheCleanupTarget         float64 `koanf:"cache_cleanup_target"`

	// ConfigFile is the file the config was loaded from ("DEFAULT" if none).
	ConfigFile string `koanf:"-"`

	provenance map[string]string
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		IDSpace:           string(idspace.Space8BitDiacritic),
		IDSubspace:        "0:256",
		MaxIDsPerSubspace: 1024,
		IDDatabaseDir:     filepath.Join(xdg.StateHome, "ikup"),

		CellSize:        "auto",
		DefaultCellSize: "8x16",
		Scale:           1.0,
		GlobalScale:     1.0,
		MaxRows:         "auto",
		MaxCols:         "auto",
		FallbackMaxRows: 24,
		FallbackMaxCols: 80,

		ChunkSize:        3968,
		UploadMethod:     "auto",
		StreamMaxSize:    2 * 1024 * 1024,
		FileMaxSize:      10 * 1024 * 1024,
		SupportedFormats: "auto",
		MarkUploaded:     true,

		ReuploadMaxUploadsAgo: 1024,
		ReuploadMaxBytesAgo:   20 * 1024 * 1024,
		ReuploadMaxSecondsAgo: 3600,

		PlaceholderChar: "\U0010EEEE",

		MaxDBAgeDays:       7,
		MaxNumIDs:          4 * 1024,
		CleanupProbability: 0.01,

		UploadProgressUpdateInterval: 0.2,
		UploadStallTimeout:           2.0,
		AllowConcurrentUploads:       "auto",

		CacheDir:                   filepath.Join(xdg.CacheHome, "ikup"),
		ThumbnailFileSizeTolerance: 0.2,
		CacheMaxImages:             4096,
		CacheMaxTotalSizeBytes:     300 * 1024 * 1024,
		CacheCleanupTarget:         0.9,

		ConfigFile: "DEFAULT",
		provenance: map[string]string{},
	}
}

// Load builds the configuration: defaults, then the config file (the
// explicit path, $IKUP_CONFIG, or $XDG_CONFIG_HOME/ikup/config.toml), then
// IKUP_* environment variables.
func Load(explicitPath string) (*Config, error) {
	cfg := Default()

	path := explicitPath
	if path == "" {
		path = os.Getenv("IKUP_CONFIG")
	}
	if path == "" {
		candidate := filepath.Join(xdg.ConfigHome, "ikup", "config.toml")
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}

	if path != "" && path != "DEFAULT" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
		cfg.ConfigFile = path
	}

	if err := cfg.mergeEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	return c.merge(k, fmt.Sprintf("set from file %s", path))
}

func (c *Config) mergeEnv() error {
	k := koanf.New(".")
	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil)
	if err != nil {
		return fmt.Errorf("load env config: %w", err)
	}
	// IKUP_CONFIG selects the file and IKUP_LOG_LEVEL tunes logging; they
	// are not configuration keys.
	k.Delete("config")
	k.Delete("log_level")
	return c.merge(k, "env")
}

func (c *Config) merge(k *koanf.Koanf, provenance string) error {
	known := map[string]bool{}
	for _, key := range Keys() {
		known[key] = true
	}
	for _, key := range k.Keys() {
		if !known[key] {
			return fmt.Errorf("unknown config key: %s", key)
		}
	}
	err := k.UnmarshalWithConf("", c, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "koanf",
			WeaklyTypedInput: true,
			Result:           c,
		},
	})
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	for _, key := range k.Keys() {
		if provenance == "env" {
			c.provenance[key] = "set via " + EnvPrefix + strings.ToUpper(key)
		} else {
			c.provenance[key] = provenance
		}
	}
	return c.Validate()
}

// Set applies a single override (used for CLI flags). Values are given as
// strings and coerced to the key's type.
func (c *Config) Set(key, value, provenance string) error {
	k := koanf.New(".")
	if err := k.Set(key, value); err != nil {
		return err
	}
	return c.merge(k, provenance)
}

// Provenance reports where a key's current value came from.
func (c *Config) Provenance(key string) string {
	if p, ok := c.provenance[key]; ok {
		return p
	}
	return "default"
}

// Keys lists every configuration key in declaration order.
func Keys() []string {
	return []string{
		"id_space", "id_subspace", "max_ids_per_subspace", "id_database_dir",
		"cell_size", "default_cell_size", "scale", "global_scale",
		"max_rows", "max_cols", "fallback_max_rows", "fallback_max_cols",
		"chunk_size", "upload_method", "stream_max_size", "file_max_size",
		"supported_formats", "force_upload", "mark_uploaded",
		"reupload_max_uploads_ago", "reupload_max_bytes_ago", "reupload_max_seconds_ago",
		"fewer_diacritics", "placeholder_char",
		"terminal_name", "terminal_id", "session_id",
		"max_db_age_days", "max_num_ids", "cleanup_probability",
		"upload_progress_update_interval", "upload_stall_timeout",
		"allow_concurrent_uploads", "upload_command_delay",
		"cache_dir", "thumbnail_file_size_tolerance", "cache_max_images",
		"cache_max_total_size_bytes", "cache_cleanup_target",
	}
}

func (c *Config) value(key string) any {
	switch key {
	case "id_space":
		return c.IDSpace
	case "id_subspace":
		return c.IDSubspace
	case "max_ids_per_subspace":
		return c.MaxIDsPerSubspace
	case "id_database_dir":
		return c.IDDatabaseDir
	case "cell_size":
		return c.CellSize
	case "default_cell_size":
		return c.DefaultCellSize
	case "scale":
		return c.Scale
	case "global_scale":
		return c.GlobalScale
	case "max_rows":
		return c.MaxRows
	case "max_cols":
		return c.MaxCols
	case "fallback_max_rows":
		return c.FallbackMaxRows
	case "fallback_max_cols":
		return c.FallbackMaxCols
	case "chunk_size":
		return c.ChunkSize
	case "upload_method":
		return c.UploadMethod
	case "stream_max_size":
		return c.StreamMaxSize
	case "file_max_size":
		return c.FileMaxSize
	case "supported_formats":
		return c.SupportedFormats
	case "force_upload":
		return c.ForceUpload
	case "mark_uploaded":
		return c.MarkUploaded
	case "reupload_max_uploads_ago":
		return c.ReuploadMaxUploadsAgo
	case "reupload_max_bytes_ago":
		return c.ReuploadMaxBytesAgo
	case "reupload_max_seconds_ago":
		return c.ReuploadMaxSecondsAgo
	case "fewer_diacritics":
		return c.FewerDiacritics
	case "placeholder_char":
		return c.PlaceholderChar
	case "terminal_name":
		return c.TerminalName
	case "terminal_id":
		return c.TerminalID
	case "session_id":
		return c.SessionID
	case "max_db_age_days":
		return c.MaxDBAgeDays
	case "max_num_ids":
		return c.MaxNumIDs
	case "cleanup_probability":
		return c.CleanupProbability
	case "upload_progress_update_interval":
		return c.UploadProgressUpdateInterval
	case "upload_stall_timeout":
		return c.UploadStallTimeout
	case "allow_concurrent_uploads":
		return c.AllowConcurrentUploads
	case "upload_command_delay":
		return c.UploadCommandDelay
	case "cache_dir":
		return c.CacheDir
	case "thumbnail_file_size_tolerance":
		return c.ThumbnailFileSizeTolerance
	case "cache_max_images":
		return c.CacheMaxImages
	case "cache_max_total_size_bytes":
		return c.CacheMaxTotalSizeBytes
	case "cache_cleanup_target":
		return c.CacheCleanupTarget
	}
	return nil
}

// DumpTOML writes the configuration as TOML, one key per line, optionally
// annotated with provenance comments and optionally skipping defaults.
func (c *Config) DumpTOML(withProvenance, skipDefault bool) (string, error) {
	type line struct {
		text string
		prov string
	}
	var lines []line
	maxLen := 0
	for _, key := range Keys() {
		prov := c.Provenance(key)
		if skipDefault && prov == "default" {
			continue
		}
		raw, err := gotoml.Marshal(map[string]any{key: c.value(key)})
		if err != nil {
			return "", err
		}
		text := strings.TrimRight(string(raw), "\n")
		if len(text) > maxLen {
			maxLen = len(text)
		}
		lines = append(lines, line{text, prov})
	}
	if maxLen > 32 {
		maxLen = 32
	}
	var sb strings.Builder
	for _, l := range lines {
		if withProvenance {
			pad := max(0, maxLen-len(l.text))
			fmt.Fprintf(&sb, "%s%s  # %s\n", l.text, strings.Repeat(" ", pad), l.prov)
		} else {
			sb.WriteString(l.text + "\n")
		}
	}
	return sb.String(), nil
}

// Validate checks the constraints that typed accessors rely on.
func (c *Config) Validate() error {
	if _, err := c.Space(); err != nil {
		return err
	}
	if _, err := c.Subspace(); err != nil {
		return err
	}
	if _, _, err := parseAutoInt(c.MaxCols, "max_cols"); err != nil {
		return err
	}
	if v, auto, err := parseAutoInt(c.MaxRows, "max_rows"); err != nil {
		return err
	} else if !auto && v > 256 {
		return fmt.Errorf("max_rows must not be greater than 256: %d", v)
	}
	if c.CellSize != "auto" {
		if _, _, err := ParseSize(c.CellSize); err != nil {
			return err
		}
	}
	if _, _, err := ParseSize(c.DefaultCellSize); err != nil {
		return err
	}
	switch c.AllowConcurrentUploads {
	case "auto", "true", "false", "1", "0":
	default:
		return fmt.Errorf("allow_concurrent_uploads must be auto, true or false: %q", c.AllowConcurrentUploads)
	}
	return nil
}

// Space returns the configured default id space.
func (c *Config) Space() (idspace.Space, error) {
	return idspace.ParseSpace(c.IDSpace)
}

// Subspace returns the configured default id subspace.
func (c *Config) Subspace() (idspace.Subspace, error) {
	return idspace.ParseSubspace(c.IDSubspace)
}

func parseAutoInt(s, key string) (int, bool, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "auto" {
		return 0, true, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false, fmt.Errorf("%s must be an integer or \"auto\": %q", key, s)
	}
	if v <= 0 {
		return 0, false, fmt.Errorf("%s must be positive: %d", key, v)
	}
	return v, false, nil
}

// MaxColsValue resolves max_cols; auto reports 0, true.
func (c *Config) MaxColsValue() (int, bool) {
	v, auto, _ := parseAutoInt(c.MaxCols, "max_cols")
	return v, auto
}

// MaxRowsValue resolves max_rows; auto reports 0, true.
func (c *Config) MaxRowsValue() (int, bool) {
	v, auto, _ := parseAutoInt(c.MaxRows, "max_rows")
	return v, auto
}

// ParseSize parses a "WxH" pair of positive integers.
func ParseSize(s string) (int, int, error) {
	parts := strings.Split(strings.TrimSpace(s), "x")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid size %q, expected WxH", s)
	}
	w, err1 := strconv.Atoi(parts[0])
	h, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("invalid size %q, expected positive WxH", s)
	}
	return w, h, nil
}

// SupportedFormatList resolves supported_formats for a terminal name.
func (c *Config) SupportedFormatList(terminalName string) []string {
	if c.SupportedFormats == "auto" || c.SupportedFormats == "" {
		formats := []string{"png"}
		if strings.HasPrefix(terminalName, "st") {
			formats = append(formats, "jpeg")
		}
		return formats
	}
	var out []string
	for _, f := range strings.FieldsFunc(c.SupportedFormats, func(r rune) bool {
		return r == ',' || r == ' '
	}) {
		if f != "" {
			out = append(out, strings.ToLower(f))
		}
	}
	return out
}

// ProgressUpdateInterval returns the heartbeat interval for uploads.
func (c *Config) ProgressUpdateInterval() time.Duration {
	return time.Duration(c.UploadProgressUpdateInterval * float64(time.Second))
}

// StallTimeout returns how long without progress an upload may run before
// observers may take over.
func (c *Config) StallTimeout() time.Duration {
	return time.Duration(c.UploadStallTimeout * float64(time.Second))
}

// CommandDelay returns the artificial delay inserted after each graphics
// command (testing aid).
func (c *Config) CommandDelay() time.Duration {
	return time.Duration(c.UploadCommandDelay * float64(time.Second))
}

// MaxDBAge returns the age beyond which whole database files are purged.
func (c *Config) MaxDBAge() time.Duration {
	return time.Duration(c.MaxDBAgeDays) * 24 * time.Hour
}
