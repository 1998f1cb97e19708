package config

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/cdmparser/cdm/internal/domain/person"
	"github.com/cdmparser/cdm/internal/platform/db"
)

// DefaultFile is the configuration file read by Load and written by setup.
const DefaultFile = ".env"

// MaxSourceValueLength is the width of the source_value columns.
const MaxSourceValueLength = 50

type Config struct {
	Env                    string `mapstructure:"ENV"`
	LogLevel               string `mapstructure:"LOG_LEVEL"`
	DatabaseURL            string `mapstructure:"DATABASE_URL"`
	DBSchema               string `mapstructure:"DB_SCHEMA"`
	DBMaxConns             int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns             int32  `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir          string `mapstructure:"MIGRATIONS_DIR"`
	SourceMappingPath      string `mapstructure:"SOURCE_MAPPING_PATH"`
	DestinationMappingPath string `mapstructure:"DESTINATION_MAPPING_PATH"`
	DatasetPath            string `mapstructure:"DATASET_PATH"`
	DatasetDelimiter       string `mapstructure:"DATASET_DELIMITER"`
	Encoding               string `mapstructure:"ENCODING"`
	IgnoreEncodingErrors   bool   `mapstructure:"IGNORE_ENCODING_ERRORS"`
	ConvertCategoricals    bool   `mapstructure:"CONVERT_CATEGORICALS"`
	FollowUpPrefix         string `mapstructure:"FOLLOW_UP_PREFIX"`
	FollowUpSuffix         string `mapstructure:"FOLLOW_UP_SUFFIX"`
	MissingValues          string `mapstructure:"MISSING_VALUES"`
	IgnoreDuplicates       bool   `mapstructure:"IGNORE_DUPLICATES"`
	BulkInsert             bool   `mapstructure:"BULK_INSERT"`
	BulkSize               int    `mapstructure:"BULK_SIZE"`
	SourceValueMaxLength   int    `mapstructure:"SOURCE_VALUE_MAX_LENGTH"`
	DeathDatePolicy        string `mapstructure:"DEATH_DATE_POLICY"`
}

// Keys lists every configuration key with its default, in the order the
// setup command writes them.
var Keys = []struct {
	Name    string
	Default interface{}
}{
	{"ENV", "development"},
	{"LOG_LEVEL", "info"},
	{"DATABASE_URL", ""},
	{"DB_SCHEMA", "public"},
	{"DB_MAX_CONNS", 10},
	{"DB_MIN_CONNS", 2},
	{"MIGRATIONS_DIR", ""},
	{"SOURCE_MAPPING_PATH", "source_mapping.csv"},
	{"DESTINATION_MAPPING_PATH", "destination_mapping.csv"},
	{"DATASET_PATH", ""},
	{"DATASET_DELIMITER", ","},
	{"ENCODING", "utf-8"},
	{"IGNORE_ENCODING_ERRORS", false},
	{"CONVERT_CATEGORICALS", false},
	{"FOLLOW_UP_PREFIX", ""},
	{"FOLLOW_UP_SUFFIX", ""},
	{"MISSING_VALUES", ""},
	{"IGNORE_DUPLICATES", false},
	{"BULK_INSERT", false},
	{"BULK_SIZE", 1000},
	{"SOURCE_VALUE_MAX_LENGTH", MaxSourceValueLength},
	{"DEATH_DATE_POLICY", string(person.DeathDateLast)},
}

// Load reads DefaultFile and the environment. The environment wins.
func Load() (*Config, error) {
	return LoadFile(DefaultFile)
}

// LoadFile reads the configuration from path and the environment. A missing
// file is not an error.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range Keys {
		v.SetDefault(k.Name, k.Default)
		v.BindEnv(k.Name)
	}

	// Try reading the file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Level returns the zerolog level named by LOG_LEVEL, info when unset.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// FollowUpPrefixes splits FOLLOW_UP_PREFIX on "/".
func (c *Config) FollowUpPrefixes() []string { return splitNonEmpty(c.FollowUpPrefix, "/") }

// FollowUpSuffixes splits FOLLOW_UP_SUFFIX on "/".
func (c *Config) FollowUpSuffixes() []string { return splitNonEmpty(c.FollowUpSuffix, "/") }

// MissingValueKeywords splits MISSING_VALUES on ";".
func (c *Config) MissingValueKeywords() []string { return splitNonEmpty(c.MissingValues, ";") }

// Delimiter returns the dataset field separator, or 0 for the format default.
// The two-character escape "\t" is accepted for tab.
func (c *Config) Delimiter() rune {
	d := c.DatasetDelimiter
	if d == `\t` {
		return '\t'
	}
	r, _ := utf8.DecodeRuneInString(d)
	if r == utf8.RuneError {
		return 0
	}
	return r
}

// Policy returns the parsed death date policy.
func (c *Config) Policy() person.DeathDatePolicy {
	p, err := person.ParseDeathDatePolicy(c.DeathDatePolicy)
	if err != nil {
		return person.DeathDateLast
	}
	return p
}

// Validate checks that the configuration is consistent before anything is
// written to the database.
func (c *Config) Validate() error {
	if c.DBSchema != "" && !db.ValidSchemaName(c.DBSchema) {
		return fmt.Errorf("DB_SCHEMA %q is not a valid schema name", c.DBSchema)
	}
	if c.DBMaxConns <= 0 {
		return fmt.Errorf("DB_MAX_CONNS must be positive, got %d", c.DBMaxConns)
	}
	if c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS must be between 0 and DB_MAX_CONNS, got %d", c.DBMinConns)
	}
	if c.SourceValueMaxLength <= 0 || c.SourceValueMaxLength > MaxSourceValueLength {
		return fmt.Errorf("SOURCE_VALUE_MAX_LENGTH must be between 1 and %d, got %d", MaxSourceValueLength, c.SourceValueMaxLength)
	}
	if c.BulkInsert && c.BulkSize <= 0 {
		return fmt.Errorf("BULK_SIZE must be positive when BULK_INSERT is true, got %d", c.BulkSize)
	}
	if _, err := person.ParseDeathDatePolicy(c.DeathDatePolicy); err != nil {
		return fmt.Errorf("DEATH_DATE_POLICY: %w", err)
	}
	if d := c.DatasetDelimiter; d != "" && d != `\t` && utf8.RuneCountInString(d) != 1 {
		return fmt.Errorf("DATASET_DELIMITER must be a single character, got %q", d)
	}
	if c.LogLevel != "" {
		if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
			return fmt.Errorf("LOG_LEVEL: %w", err)
		}
	}
	return nil
}

// Values renders the configuration as the key/value map written by setup.
func (c *Config) Values() map[string]string {
	return map[string]string{
		"ENV":                      c.Env,
		"LOG_LEVEL":                c.LogLevel,
		"DATABASE_URL":             c.DatabaseURL,
		"DB_SCHEMA":                c.DBSchema,
		"DB_MAX_CONNS":             fmt.Sprint(c.DBMaxConns),
		"DB_MIN_CONNS":             fmt.Sprint(c.DBMinConns),
		"MIGRATIONS_DIR":           c.MigrationsDir,
		"SOURCE_MAPPING_PATH":      c.SourceMappingPath,
		"DESTINATION_MAPPING_PATH": c.DestinationMappingPath,
		"DATASET_PATH":             c.DatasetPath,
		"DATASET_DELIMITER":        c.DatasetDelimiter,
		"ENCODING":                 c.Encoding,
		"IGNORE_ENCODING_ERRORS":   fmt.Sprint(c.IgnoreEncodingErrors),
		"CONVERT_CATEGORICALS":     fmt.Sprint(c.ConvertCategoricals),
		"FOLLOW_UP_PREFIX":         c.FollowUpPrefix,
		"FOLLOW_UP_SUFFIX":         c.FollowUpSuffix,
		"MISSING_VALUES":           c.MissingValues,
		"IGNORE_DUPLICATES":        fmt.Sprint(c.IgnoreDuplicates),
		"BULK_INSERT":              fmt.Sprint(c.BulkInsert),
		"BULK_SIZE":                fmt.Sprint(c.BulkSize),
		"SOURCE_VALUE_MAX_LENGTH":  fmt.Sprint(c.SourceValueMaxLength),
		"DEATH_DATE_POLICY":        c.DeathDatePolicy,
	}
}

// Defaults returns a Config holding every default value.
func Defaults() *Config {
	v := viper.New()
	for _, k := range Keys {
		v.SetDefault(k.Name, k.Default)
	}
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	return cfg
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
