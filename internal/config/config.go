// Package config loads the application configuration from a yaml file
// with environment variable overrides.
package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Sheets   SheetsConfig   `yaml:"sheets"`
	Mail     MailConfig     `yaml:"mail"`
	OptOut   OptOutConfig   `yaml:"optout"`
	Followup FollowupConfig `yaml:"followup"`
	Exports  ExportsConfig  `yaml:"exports"`
	Retry    RetryConfig    `yaml:"retry"`
	Worker   WorkerConfig   `yaml:"worker"`
}

// WorkerConfig holds the scheduled runner's intervals.
type WorkerConfig struct {
	ImportIntervalMinutes int `yaml:"import_interval_minutes"`
	FollowupIntervalHours int `yaml:"followup_interval_hours"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// DatabaseConfig holds the record store connection settings.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig holds the run-lock backend settings. Empty Addr disables
// the distributed run lock.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
}

// SheetsConfig holds the spreadsheet provider settings: folders scanned
// for sign-up spreadsheets and the sheet titles inside each document.
type SheetsConfig struct {
	CredentialsFile string `yaml:"credentials_file"`
	SignupsFolderID string `yaml:"signups_folder_id"`
	FailedFolderID  string `yaml:"failed_folder_id"`

	// ExportsFolderID receives the follow-up export spreadsheets. It must
	// differ from SignupsFolderID or the importer would pick exports up as
	// new sign-up sheets.
	ExportsFolderID string `yaml:"exports_folder_id"`
	MetaSheetTitle  string `yaml:"meta_sheet_title"`
	RawSheetTitle   string `yaml:"raw_sheet_title"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration.
func (c SheetsConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// MailConfig holds mail sender settings and the addresses used in digests.
type MailConfig struct {
	Region              string `yaml:"region"`
	AccessKey           string `yaml:"access_key"`
	SecretKey           string `yaml:"secret_key"`
	SenderEmail         string `yaml:"sender_email"`
	AdminEmail          string `yaml:"admin_email"`
	SignupsCC           string `yaml:"signups_cc"`
	SubjectVerification string `yaml:"subject_verification"`
	SubjectInitial      string `yaml:"subject_initial"`
	SubjectFollowup     string `yaml:"subject_followup"`
	Enabled             bool   `yaml:"enabled"`
}

// OptOutConfig holds the public opt-out page settings.
type OptOutConfig struct {
	BaseURL string `yaml:"base_url"`
}

// FollowupConfig holds the follow-up window. Batches created between
// now-WindowStartHours and now-WindowEndHours are reconciled. The
// process toggles are pointers so an explicit false in the file is
// distinguishable from an absent key; both default to true.
type FollowupConfig struct {
	WindowStartHours int   `yaml:"window_start_hours"`
	WindowEndHours   int   `yaml:"window_end_hours"`
	ProcessOptOuts   *bool `yaml:"process_optouts"`
	ProcessBounces   *bool `yaml:"process_bounces"`
}

// ExportsConfig holds CSV artifact settings.
type ExportsConfig struct {
	S3Bucket   string   `yaml:"s3_bucket"`
	S3Region   string   `yaml:"s3_region"`
	CSVColumns []string `yaml:"csv_columns"`
}

// RetryConfig bounds the retry loop around external API calls.
type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
}

// Load reads and parses the configuration file, filling defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Sheets.MetaSheetTitle == "" {
		cfg.Sheets.MetaSheetTitle = "Meta"
	}
	if cfg.Sheets.RawSheetTitle == "" {
		cfg.Sheets.RawSheetTitle = "Raw"
	}
	if cfg.Sheets.TimeoutSeconds == 0 {
		cfg.Sheets.TimeoutSeconds = 30
	}
	if cfg.Mail.Region == "" {
		cfg.Mail.Region = "us-west-2"
	}
	if cfg.Mail.SubjectVerification == "" {
		cfg.Mail.SubjectVerification = "Please verify your sign-up"
	}
	if cfg.Mail.SubjectInitial == "" {
		cfg.Mail.SubjectInitial = "Sign-up import results"
	}
	if cfg.Mail.SubjectFollowup == "" {
		cfg.Mail.SubjectFollowup = "Sign-up follow-up: opt-outs and bounces"
	}
	if cfg.Followup.WindowStartHours == 0 {
		cfg.Followup.WindowStartHours = 50
	}
	if cfg.Followup.WindowEndHours == 0 {
		cfg.Followup.WindowEndHours = 46
	}
	if cfg.Followup.ProcessOptOuts == nil {
		cfg.Followup.ProcessOptOuts = boolPtr(true)
	}
	if cfg.Followup.ProcessBounces == nil {
		cfg.Followup.ProcessBounces = boolPtr(true)
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 5
	}
	if cfg.Worker.ImportIntervalMinutes == 0 {
		cfg.Worker.ImportIntervalMinutes = 15
	}
	if cfg.Worker.FollowupIntervalHours == 0 {
		cfg.Worker.FollowupIntervalHours = 24
	}
	if len(cfg.Exports.CSVColumns) == 0 {
		cfg.Exports.CSVColumns = []string{
			"email", "firstname", "lastname", "fullname",
			"streetaddress", "zipcode", "statedrace", "censusrace",
			"yearborn", "bornoutofus", "personwhere",
			"parentsbornoutofus", "parentswhere", "inhouse", "yrlyincome",
		}
	}

	return &cfg, nil
}

func boolPtr(b bool) *bool { return &b }

// LoadFromEnv loads configuration with environment variable overrides.
// A .env file (if present) is loaded first, so secrets can live in .env
// locally and in real env vars in deployment.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("SHEETS_CREDENTIALS_FILE"); v != "" {
		cfg.Sheets.CredentialsFile = v
	}
	if v := os.Getenv("SIGNUPS_FOLDER_ID"); v != "" {
		cfg.Sheets.SignupsFolderID = v
	}
	if v := os.Getenv("FAILED_SIGNUPS_FOLDER_ID"); v != "" {
		cfg.Sheets.FailedFolderID = v
	}
	if v := os.Getenv("EXPORTS_FOLDER_ID"); v != "" {
		cfg.Sheets.ExportsFolderID = v
	}
	if v := os.Getenv("AWS_SES_ACCESS_KEY"); v != "" {
		cfg.Mail.AccessKey = v
	}
	if v := os.Getenv("AWS_SES_SECRET_KEY"); v != "" {
		cfg.Mail.SecretKey = v
	}
	if v := os.Getenv("AWS_SES_REGION"); v != "" {
		cfg.Mail.Region = v
	}
	if v := os.Getenv("ADMIN_EMAIL"); v != "" {
		cfg.Mail.AdminEmail = v
	}
	if v := os.Getenv("SENDER_EMAIL"); v != "" {
		cfg.Mail.SenderEmail = v
	}
	if v := os.Getenv("OPTOUT_BASE_URL"); v != "" {
		cfg.OptOut.BaseURL = v
	}
	if v := os.Getenv("EXPORTS_S3_BUCKET"); v != "" {
		cfg.Exports.S3Bucket = v
	}

	return cfg, nil
}
