package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DriverSQLite はローカルファイルのSQLiteストアを使用する。
	DriverSQLite = "sqlite"
	// DriverPostgres はPostgreSQLストアを使用する。
	DriverPostgres = "postgres"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
// CLIフラグは実行ごとにこの値を上書きする。
type Config struct {
	// Database
	DatabaseDriver string
	DatabaseURL    string

	// Remote API
	APIBaseURL string
	UserAgent  string

	// Fetch
	FetchTimeout      time.Duration
	FetchMaxRetries   int
	FetchBackoffBase  time.Duration
	FetchBackoffMax   time.Duration
	FetchBackoffTotal time.Duration

	// Harvest
	Threads          int
	CommitPeriod     int
	ResultBuffer     int
	TailPollInterval time.Duration

	// Ops server
	MetricsAddr string

	// Logging
	LogLevel slog.Level
}

// Load は環境変数からConfigを読み込む。
// 必須の環境変数はなく、未設定の項目はデフォルト値を使用する。
// ドライバ名やログレベルが不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.DatabaseDriver = getEnvString("DATABASE_DRIVER", DriverSQLite)
	if cfg.DatabaseDriver != DriverSQLite && cfg.DatabaseDriver != DriverPostgres {
		return nil, fmt.Errorf("unsupported DATABASE_DRIVER %q: must be %q or %q",
			cfg.DatabaseDriver, DriverSQLite, DriverPostgres)
	}
	cfg.DatabaseURL = getEnvString("DATABASE_URL", "hnarchive.db")

	cfg.APIBaseURL = strings.TrimRight(getEnvString("HN_API_BASE_URL", "https://hacker-news.firebaseio.com/v0"), "/")
	cfg.UserAgent = getEnvString("HN_USER_AGENT", "hnarchive/1.0")

	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 10*time.Second)
	cfg.FetchMaxRetries = getEnvInt("FETCH_MAX_RETRIES", 3)
	cfg.FetchBackoffBase = getEnvDuration("FETCH_BACKOFF_BASE", 500*time.Millisecond)
	cfg.FetchBackoffMax = getEnvDuration("FETCH_BACKOFF_MAX", 5*time.Second)
	cfg.FetchBackoffTotal = getEnvDuration("FETCH_BACKOFF_TOTAL", 15*time.Second)

	cfg.Threads = getEnvInt("HARVEST_THREADS", 1)
	cfg.CommitPeriod = getEnvInt("HARVEST_COMMIT_PERIOD", 200)
	cfg.ResultBuffer = getEnvInt("HARVEST_RESULT_BUFFER", 0)
	cfg.TailPollInterval = getEnvDuration("TAIL_POLL_INTERVAL", 5*time.Second)

	cfg.MetricsAddr = getEnvString("METRICS_ADDR", "")

	level, err := parseLevel(getEnvString("LOG_LEVEL", "info"))
	if err != nil {
		return nil, err
	}
	cfg.LogLevel = level

	return cfg, nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q: %w", s, err)
	}
	return level, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
