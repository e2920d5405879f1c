package config

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultBatchSize     = 10000
	defaultDBCallTimeout = 30 * time.Second
	defaultSMTPPort      = 587
)

// Sentinel errors for settings validation.
var (
	// ErrDatabaseURLEmpty is returned when the database url is an empty string.
	ErrDatabaseURLEmpty = errors.New("DATABASE_URL cannot be empty")

	// ErrDirectoryPathEmpty is returned when the watch directory is not configured.
	ErrDirectoryPathEmpty = errors.New("DIRECTORY_PATH cannot be empty")

	// ErrArchivePathEmpty is returned when the archive directory is not configured.
	ErrArchivePathEmpty = errors.New("ARCHIVE_PATH cannot be empty")

	// ErrDuplicatesPathEmpty is returned when the duplicates directory is not configured.
	ErrDuplicatesPathEmpty = errors.New("DUPLICATE_FILES_PATH cannot be empty")
)

// Settings holds the full process configuration loaded from the environment.
type Settings struct {
	DatabaseURL        string
	DirectoryPath      string
	ArchivePath        string
	DuplicateFilesPath string
	SourcesPath        string

	BatchSize     int
	Workers       int
	DBCallTimeout time.Duration
	PollInterval  time.Duration
	LogLevel      slog.Level

	// Notification settings.
	SMTPHost        string
	SMTPPort        int
	SMTPUser        string
	SMTPPassword    string
	FromEmail       string
	DataTeamEmail   string
	SlackWebhookURL string

	// Telemetry settings.
	KafkaBrokers []string
	KafkaTopic   string
}

// Load reads settings from the environment. A .env file in the working
// directory is applied first when present; real environment variables win.
func Load() (*Settings, error) {
	// Missing .env is the normal production case.
	_ = godotenv.Load()

	s := &Settings{
		DatabaseURL:        GetEnvStr("DATABASE_URL", ""),
		DirectoryPath:      GetEnvStr("DIRECTORY_PATH", ""),
		ArchivePath:        GetEnvStr("ARCHIVE_PATH", ""),
		DuplicateFilesPath: GetEnvStr("DUPLICATE_FILES_PATH", ""),
		SourcesPath:        GetEnvStr("SOURCES_PATH", "sources"),
		BatchSize:          GetEnvInt("BATCH_SIZE", defaultBatchSize),
		Workers:            GetEnvInt("WORKERS", runtime.NumCPU()),
		DBCallTimeout:      GetEnvDuration("DB_CALL_TIMEOUT", defaultDBCallTimeout),
		PollInterval:       GetEnvDuration("POLL_INTERVAL", 0),
		LogLevel:           GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		SMTPHost:           GetEnvStr("SMTP_HOST", ""),
		SMTPPort:           GetEnvInt("SMTP_PORT", defaultSMTPPort),
		SMTPUser:           GetEnvStr("SMTP_USER", ""),
		SMTPPassword:       GetEnvStr("SMTP_PASSWORD", ""),
		FromEmail:          GetEnvStr("FROM_EMAIL", ""),
		DataTeamEmail:      GetEnvStr("DATA_TEAM_EMAIL", ""),
		SlackWebhookURL:    GetEnvStr("SLACK_WEBHOOK_URL", ""),
		KafkaBrokers:       GetEnvStrSlice("KAFKA_BROKERS", nil),
		KafkaTopic:         GetEnvStr("KAFKA_TOPIC", "fileloader.runs"),
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}

	return s, nil
}

// Validate checks the required settings are present and sane.
func (s *Settings) Validate() error {
	if strings.TrimSpace(s.DatabaseURL) == "" {
		return ErrDatabaseURLEmpty
	}

	if s.DirectoryPath == "" {
		return ErrDirectoryPathEmpty
	}

	if s.ArchivePath == "" {
		return ErrArchivePathEmpty
	}

	if s.DuplicateFilesPath == "" {
		return ErrDuplicatesPathEmpty
	}

	if s.BatchSize <= 0 {
		s.BatchSize = defaultBatchSize
	}

	if s.Workers <= 0 {
		s.Workers = runtime.NumCPU()
	}

	return nil
}

// MaskDatabaseURL returns a masked DatabaseURL safe for logging.
func (s *Settings) MaskDatabaseURL() string {
	return MaskURL(s.DatabaseURL)
}

// MaskURL masks the password in a connection URL for logging.
func MaskURL(url string) string {
	if url == "" {
		return ""
	}

	schemeEnd := strings.Index(url, "://")
	if schemeEnd == -1 {
		return url
	}

	afterScheme := url[schemeEnd+3:]

	lastAtIndex := strings.LastIndex(afterScheme, "@")
	if lastAtIndex == -1 {
		// No userinfo present.
		return url
	}

	userInfo := afterScheme[:lastAtIndex]

	colonIndex := strings.Index(userInfo, ":")
	if colonIndex == -1 {
		// No password.
		return url
	}

	username := userInfo[:colonIndex]
	password := userInfo[colonIndex+1:]

	if password == "" {
		return url
	}

	scheme := url[:schemeEnd]
	hostAndRest := afterScheme[lastAtIndex:]

	return fmt.Sprintf("%s://%s:***%s", scheme, username, hostAndRest)
}
