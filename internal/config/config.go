// Package config loads the job parameters of the loader from an optional
// YAML file, a .env file and FINWH_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/dvloznov/finance-warehouse/internal/gcs"
	"github.com/dvloznov/finance-warehouse/internal/keymap"
	"github.com/dvloznov/finance-warehouse/internal/logger"
	"github.com/dvloznov/finance-warehouse/internal/pipeline"
	"github.com/dvloznov/finance-warehouse/internal/starschema"
)

// EnvPrefix prefixes every environment variable, e.g. FINWH_RAW_URI.
const EnvPrefix = "FINWH"

// Config holds the job parameters.
type Config struct {
	Raw        RawConfig        `mapstructure:"raw"`
	GCP        GCPConfig        `mapstructure:"gcp"`
	Warehouse  WarehouseConfig  `mapstructure:"warehouse"`
	Keys       KeysConfig       `mapstructure:"keys"`
	MySQL      MySQLConfig      `mapstructure:"mysql"`
	Calendar   CalendarConfig   `mapstructure:"calendar"`
	Dimensions DimensionsConfig `mapstructure:"dimensions"`
	Facts      FactsConfig      `mapstructure:"facts"`
	Transform  TransformConfig  `mapstructure:"transform"`
	Report     ReportConfig     `mapstructure:"report"`
	Schedule   ScheduleConfig   `mapstructure:"schedule"`
	Jobs       JobsConfig       `mapstructure:"jobs"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Log        LogConfig        `mapstructure:"log"`
	API        APIConfig        `mapstructure:"api"`
	Enrichment EnrichmentConfig `mapstructure:"enrichment"`
}

type RawConfig struct {
	// URI is a local directory or gs:// prefix holding transactions.csv and budget.csv.
	URI string `mapstructure:"uri"`
}

type GCPConfig struct {
	Project string `mapstructure:"project"`
}

type WarehouseConfig struct {
	Dataset     string `mapstructure:"dataset"`
	StagingURI  string `mapstructure:"staging_uri"`
	Parallelism int    `mapstructure:"parallelism"`
}

type KeysConfig struct {
	Strategy string `mapstructure:"strategy"`
	Store    string `mapstructure:"store"`
}

type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

type CalendarConfig struct {
	CoverBudgetPeriods bool `mapstructure:"cover_budget_periods"`
}

type DimensionsConfig struct {
	IncludeBudgetKeys bool `mapstructure:"include_budget_keys"`
}

type FactsConfig struct {
	MonthlyVariance bool `mapstructure:"monthly_variance"`
}

type TransformConfig struct {
	Workers int `mapstructure:"workers"`
}

type ReportConfig struct {
	MaxSamples     int     `mapstructure:"max_samples"`
	MaxRejectRatio float64 `mapstructure:"max_reject_ratio"`
}

type ScheduleConfig struct {
	// Interval between scheduled runs. Zero disables scheduling.
	Interval time.Duration `mapstructure:"interval"`
}

type JobsConfig struct {
	Workers    int `mapstructure:"workers"`
	QueueSize  int `mapstructure:"queue_size"`
	MaxRetries int `mapstructure:"max_retries"`
}

type MetricsConfig struct {
	PushgatewayURL string `mapstructure:"pushgateway_url"`
	Job            string `mapstructure:"job"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type APIConfig struct {
	Port string `mapstructure:"port"`

	// Token, when set, is required as a bearer token on /api/ routes.
	Token string `mapstructure:"token"`
}

// EnrichmentConfig is optional master data for the dimensions. Lists are
// used instead of maps so natural keys keep their case.
type EnrichmentConfig struct {
	Departments []DepartmentInfo `mapstructure:"departments"`
	Accounts    []AccountInfo    `mapstructure:"accounts"`
}

type DepartmentInfo struct {
	ID   string `mapstructure:"id"`
	Name string `mapstructure:"name"`
}

type AccountInfo struct {
	ID   string `mapstructure:"id"`
	Name string `mapstructure:"name"`
	Type string `mapstructure:"type"`
}

// Options control where Load looks.
type Options struct {
	// ConfigFile is an explicit config path. When empty finwh.yaml is
	// searched in the working directory and /etc/finwh.
	ConfigFile string

	// EnvFile is loaded into the environment first. Defaults to .env; a
	// missing file is ignored.
	EnvFile string
}

var defaults = map[string]interface{}{
	"raw.uri":                        "",
	"gcp.project":                    "",
	"warehouse.dataset":              "finance_warehouse",
	"warehouse.staging_uri":          "",
	"warehouse.parallelism":          2,
	"keys.strategy":                  starschema.StrategyMapped,
	"keys.store":                     keymap.BackendBigQuery,
	"mysql.dsn":                      "",
	"calendar.cover_budget_periods":  false,
	"dimensions.include_budget_keys": true,
	"facts.monthly_variance":         true,
	"transform.workers":              4,
	"report.max_samples":             starschema.DefaultMaxSamples,
	"report.max_reject_ratio":        1.0,
	"schedule.interval":              "0s",
	"jobs.workers":                   1,
	"jobs.queue_size":                16,
	"jobs.max_retries":               2,
	"metrics.pushgateway_url":        "",
	"metrics.job":                    "",
	"log.level":                      "info",
	"log.format":                     logger.FormatConsole,
	"api.port":                       "8080",
	"api.token":                      "",
	"enrichment.departments":         []interface{}{},
	"enrichment.accounts":            []interface{}{},
}

// Load reads the configuration and validates it.
func Load(opts Options) (*Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("Load: env file %s: %w", envFile, err)
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		v.SetConfigName("finwh")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/finwh")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.ConfigFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("Load: read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("Load: decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the parameters every command needs.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Raw.URI) == "" {
		errs = append(errs, errors.New("raw.uri is required"))
	}
	switch c.Keys.Strategy {
	case starschema.StrategyMapped, starschema.StrategyHash:
	default:
		errs = append(errs, fmt.Errorf("keys.strategy must be %q or %q, got %q", starschema.StrategyMapped, starschema.StrategyHash, c.Keys.Strategy))
	}
	switch c.Keys.Store {
	case keymap.BackendBigQuery, keymap.BackendMemory:
	case keymap.BackendMySQL:
		if strings.TrimSpace(c.MySQL.DSN) == "" {
			errs = append(errs, errors.New("mysql.dsn is required when keys.store is mysql"))
		}
	default:
		errs = append(errs, fmt.Errorf("keys.store must be one of bigquery, mysql, memory, got %q", c.Keys.Store))
	}
	if c.Transform.Workers < 1 {
		errs = append(errs, fmt.Errorf("transform.workers must be at least 1, got %d", c.Transform.Workers))
	}
	if c.Warehouse.Parallelism < 1 {
		errs = append(errs, fmt.Errorf("warehouse.parallelism must be at least 1, got %d", c.Warehouse.Parallelism))
	}
	if c.Report.MaxRejectRatio < 0 || c.Report.MaxRejectRatio > 1 {
		errs = append(errs, fmt.Errorf("report.max_reject_ratio must be within [0, 1], got %v", c.Report.MaxRejectRatio))
	}
	if c.Schedule.Interval < 0 {
		errs = append(errs, fmt.Errorf("schedule.interval must not be negative, got %s", c.Schedule.Interval))
	}
	if c.Jobs.Workers < 1 {
		errs = append(errs, fmt.Errorf("jobs.workers must be at least 1, got %d", c.Jobs.Workers))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("Validate: %w", err)
	}
	return nil
}

// ValidateWarehouse checks the parameters of commands that write to BigQuery.
func (c *Config) ValidateWarehouse() error {
	var errs []error
	if strings.TrimSpace(c.GCP.Project) == "" {
		errs = append(errs, errors.New("gcp.project is required"))
	}
	if strings.TrimSpace(c.Warehouse.Dataset) == "" {
		errs = append(errs, errors.New("warehouse.dataset is required"))
	}
	switch {
	case strings.TrimSpace(c.Warehouse.StagingURI) == "":
		errs = append(errs, errors.New("warehouse.staging_uri is required"))
	case !gcs.IsGCSURI(c.Warehouse.StagingURI):
		errs = append(errs, fmt.Errorf("warehouse.staging_uri must be a %s URI, got %q", gcs.Scheme, c.Warehouse.StagingURI))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("ValidateWarehouse: %w", err)
	}
	return nil
}

// TransformOptions maps the configuration onto the transform options.
func (c *Config) TransformOptions() starschema.Options {
	opts := starschema.DefaultOptions()
	opts.Calendar.CoverBudgetPeriods = c.Calendar.CoverBudgetPeriods
	opts.Resolver.IncludeBudgetKeys = c.Dimensions.IncludeBudgetKeys
	opts.Facts.MonthlyVariance = c.Facts.MonthlyVariance
	opts.Facts.Workers = c.Transform.Workers
	opts.MaxSamples = c.Report.MaxSamples

	if len(c.Enrichment.Departments) > 0 || len(c.Enrichment.Accounts) > 0 {
		enricher := starschema.StaticEnricher{
			Departments: make(map[string]string, len(c.Enrichment.Departments)),
			Accounts:    make(map[string]starschema.AccountInfo, len(c.Enrichment.Accounts)),
		}
		for _, d := range c.Enrichment.Departments {
			enricher.Departments[d.ID] = d.Name
		}
		for _, a := range c.Enrichment.Accounts {
			enricher.Accounts[a.ID] = starschema.AccountInfo{Name: a.Name, Type: a.Type}
		}
		opts.Resolver.Enricher = enricher
	}
	return opts
}

// PipelineOptions maps the configuration onto the options of a load run.
func (c *Config) PipelineOptions() pipeline.Options {
	return pipeline.Options{
		KeyStrategy:    c.Keys.Strategy,
		Transform:      c.TransformOptions(),
		MaxRejectRatio: c.Report.MaxRejectRatio,
	}
}

// LoggerOptions maps the configuration onto the logger options.
func (c *Config) LoggerOptions() logger.Options {
	return logger.Options{Level: c.Log.Level, Format: c.Log.Format}
}
