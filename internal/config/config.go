package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBPath         string
	DataDir        string
	AttachmentsDir string
	ExtractDir     string
	TempDir        string
	LedgerPath     string
	HistoryPath    string
	OutputDir      string

	LogLevel  string
	LogFormat string
	LogOutput string

	MailProvider     string
	ApprovalsFolder  string
	InboxFolder      string
	MaxApprovals     int
	MaxCandidates    int
	LookbackWindow   time.Duration
	IndexWorkers     int
	MailRateLimitRPS int

	MinProcessed int
	MaxNoMatch   int
	MaxNoNew     int

	NumberExcludeTokens []string

	GmailClientID     string
	GmailClientSecret string
	GmailRedirectURI  string
	GmailRefreshToken string

	IMAPHost     string
	IMAPPort     int
	IMAPSecure   bool
	IMAPUser     string
	IMAPPassword string

	RemoteProvider    string
	RemoteRoot        string
	RemoteDir         string
	DriveRootFolderID string
	UploadMode        string
	UseDateSubfolders bool

	ApprovalsWorkbookPath string
	ApprovalsSheet        string
	ApprovalsColNumber    string
	ApprovalsColRadicado  string
	ApprovalsColProject   string

	ListenerInterval time.Duration
}

func Load() (Config, error) {
	_ = godotenv.Load()

	cwd, err := os.Getwd()
	if err != nil {
		return Config{}, err
	}

	dataDir := getEnv("DATA_DIR", filepath.Join(cwd, "data"))
	cfg := Config{
		DBPath:         getEnv("DB_PATH", filepath.Join(dataDir, "app.db")),
		DataDir:        dataDir,
		AttachmentsDir: getEnv("ATTACHMENTS_DIR", filepath.Join(dataDir, "adjuntos", "hoy")),
		ExtractDir:     getEnv("EXTRACT_DIR", filepath.Join(dataDir, "extraidos", "hoy")),
		TempDir:        getEnv("TEMP_DIR", filepath.Join(dataDir, "temp_check")),
		LedgerPath:     getEnv("LEDGER_PATH", filepath.Join(dataDir, "facturas.xlsx")),
		HistoryPath:    getEnv("HISTORY_PATH", filepath.Join(dataDir, "historial_ejecuciones.xlsx")),
		OutputDir:      getEnv("OUTPUT_DIR", filepath.Join(cwd, "out")),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "console"),
		LogOutput: getEnv("LOG_OUTPUT", "stdout"),

		MailProvider:     getEnv("MAIL_PROVIDER", "gmail"),
		ApprovalsFolder:  getEnv("APPROVALS_FOLDER", "Aprobadas"),
		InboxFolder:      getEnv("INBOX_FOLDER", "INBOX"),
		MaxApprovals:     getEnvInt("MAX_APPROVALS", 50),
		MaxCandidates:    getEnvInt("MAX_CANDIDATES", 300),
		LookbackWindow:   time.Duration(getEnvInt("LOOKBACK_DAYS", 30)) * 24 * time.Hour,
		IndexWorkers:     getEnvInt("INDEX_WORKERS", 4),
		MailRateLimitRPS: getEnvInt("MAIL_RATE_LIMIT_RPS", 5),

		MinProcessed: getEnvInt("MIN_PROCESSED", 5),
		MaxNoMatch:   getEnvInt("MAX_NO_MATCH", 10),
		MaxNoNew:     getEnvInt("MAX_NO_NEW", 10),

		NumberExcludeTokens: getEnvList("NUMBER_EXCLUDE_TOKENS", []string{"NIT"}),

		GmailClientID:     getEnv("GMAIL_CLIENT_ID", ""),
		GmailClientSecret: getEnv("GMAIL_CLIENT_SECRET", ""),
		GmailRedirectURI:  getEnv("GMAIL_REDIRECT_URI", "https://developers.google.com/oauthplayground"),
		GmailRefreshToken: getEnv("GMAIL_REFRESH_TOKEN", ""),

		IMAPHost:     getEnv("IMAP_HOST", ""),
		IMAPPort:     getEnvInt("IMAP_PORT", 993),
		IMAPSecure:   getEnvBool("IMAP_SECURE", true),
		IMAPUser:     getEnv("IMAP_USER", ""),
		IMAPPassword: getEnv("IMAP_PASSWORD", ""),

		RemoteProvider:    getEnv("REMOTE_PROVIDER", "none"),
		RemoteRoot:        getEnv("REMOTE_ROOT", "Facturas"),
		RemoteDir:         getEnv("REMOTE_DIR", filepath.Join(dataDir, "remote")),
		DriveRootFolderID: getEnv("DRIVE_ROOT_FOLDER_ID", "root"),
		UploadMode:        getEnv("UPLOAD_MODE", "skip"),
		UseDateSubfolders: getEnvBool("USE_DATE_SUBFOLDERS", false),

		ApprovalsWorkbookPath: getEnv("APPROVALS_WORKBOOK_PATH", ""),
		ApprovalsSheet:        getEnv("APPROVALS_SHEET", "Aprobaciones"),
		ApprovalsColNumber:    getEnv("APPROVALS_COL_NUMBER", "NumeroFactura"),
		ApprovalsColRadicado:  getEnv("APPROVALS_COL_RADICADO", "Radicado"),
		ApprovalsColProject:   getEnv("APPROVALS_COL_PROJECT", "ProyectoProceso"),

		ListenerInterval: time.Duration(getEnvInt("LISTENER_INTERVAL_SEC", 900)) * time.Second,
	}

	return cfg, nil
}

func (c Config) Require(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("missing required env var: %s", name)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.ToLower(strings.TrimSpace(getEnv(key, "")))
	if value == "" {
		return fallback
	}
	if value == "1" || value == "true" || value == "yes" || value == "on" {
		return true
	}
	if value == "0" || value == "false" || value == "no" || value == "off" {
		return false
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value := strings.TrimSpace(getEnv(key, ""))
	if value == "" {
		return fallback
	}
	out := []string{}
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
