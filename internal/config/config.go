// Package config は環境変数からのアプリケーション設定読み込みを提供する。
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// ResourceSync
	ResourceSyncURL string

	// Index Service
	IndexURL  string
	IndexName string

	// Fetch
	FetchTimeout    time.Duration
	FetchMaxSize    int64
	FetchRate       float64 // アイテム取得のレート（req/sec）
	FetchMaxRetries int

	// Sync
	MaxDocumentsPerRun int // 1回の実行で処理する最大ドキュメント数（0=無制限）
	BulkBatchSize      int
	CheckpointInterval int // チェックポイント永続化の間隔（アイテム数）
	SyncInterval       time.Duration

	// Server
	ServerPort        string
	CORSAllowedOrigin string

	// Rate Limit
	RateLimitGeneral int
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.IndexURL = os.Getenv("INDEX_URL")
	if cfg.IndexURL == "" {
		missing = append(missing, "INDEX_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.ResourceSyncURL = getEnvString("KAKEN_RESOURCESYNC_URL", "https://kaken.nii.ac.jp/resourcesync")
	cfg.IndexName = getEnvString("INDEX_NAME", "kaken_researchers")
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 30*time.Second)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", 10485760)
	cfg.FetchRate = getEnvFloat("FETCH_RATE", 5.0)
	cfg.FetchMaxRetries = getEnvInt("FETCH_MAX_RETRIES", 3)
	cfg.MaxDocumentsPerRun = getEnvInt("MAX_DOCUMENTS_PER_RUN", 5000)
	cfg.BulkBatchSize = getEnvInt("BULK_BATCH_SIZE", 100)
	cfg.CheckpointInterval = getEnvInt("CHECKPOINT_INTERVAL", 10)
	cfg.SyncInterval = getEnvDuration("SYNC_INTERVAL", 24*time.Hour)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "")
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)

	return cfg, nil
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

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
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
