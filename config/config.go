// Package config loads the scheduler's tunables from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds every tunable named in the options table, plus the
// connection/process settings a running node needs.
type Config struct {
	ImmediateHorizonSeconds int64
	TransferHorizonSeconds  int64
	ColdSyncInterval        time.Duration
	HotPollInterval         time.Duration
	MaxRetries              int
	RetryDelaySeconds       int64
	MaxConcurrentExecutions int
	StaleClaimSeconds       int64

	AnalyticsBatchSize     int
	AnalyticsFlushInterval time.Duration
	ExecutionHistoryTTLDays int

	CleanupLeaseEveryNTicks int

	NodeID      string
	RedisAddr   string
	PostgresDSN string
	KafkaBrokers []string
	HTTPAddr    string
	JWTSecret   string
}

// DefaultConfig mirrors the options table's defaults exactly.
func DefaultConfig() Config {
	hotPoll := 5 * time.Second
	return Config{
		ImmediateHorizonSeconds: 86400,
		TransferHorizonSeconds:  3600,
		ColdSyncInterval:        300 * time.Second,
		HotPollInterval:         hotPoll,
		MaxRetries:              3,
		RetryDelaySeconds:       60,
		MaxConcurrentExecutions: 10,
		StaleClaimSeconds:       int64(2 * hotPoll / time.Second),

		AnalyticsBatchSize:      200,
		AnalyticsFlushInterval:  5 * time.Second,
		ExecutionHistoryTTLDays: 30,

		CleanupLeaseEveryNTicks: 12,

		NodeID:    "node-" + uuid.NewString(),
		RedisAddr: "localhost:6379",
		HTTPAddr:  ":8080",
	}
}

// Load overlays environment variables onto DefaultConfig, following the
// prefix HORIZONQ_ for scalar options.
func Load() (Config, error) {
	c := DefaultConfig()

	if v := os.Getenv("HORIZONQ_IMMEDIATE_HORIZON_SECONDS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return c, fmt.Errorf("HORIZONQ_IMMEDIATE_HORIZON_SECONDS: %w", err)
		}
		c.ImmediateHorizonSeconds = n
	}
	if v := os.Getenv("HORIZONQ_TRANSFER_HORIZON_SECONDS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return c, fmt.Errorf("HORIZONQ_TRANSFER_HORIZON_SECONDS: %w", err)
		}
		c.TransferHorizonSeconds = n
	}
	if v := os.Getenv("HORIZONQ_CLICKHOUSE_SYNC_INTERVAL"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return c, fmt.Errorf("HORIZONQ_CLICKHOUSE_SYNC_INTERVAL: %w", err)
		}
		c.ColdSyncInterval = time.Duration(n) * time.Second
	}
	if v := os.Getenv("HORIZONQ_REDIS_PROCESSING_INTERVAL"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return c, fmt.Errorf("HORIZONQ_REDIS_PROCESSING_INTERVAL: %w", err)
		}
		c.HotPollInterval = time.Duration(n) * time.Second
		// STALE_CLAIM_SECONDS tracks the poll interval unless overridden below.
		c.StaleClaimSeconds = 2 * n
	}
	if v := os.Getenv("HORIZONQ_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return c, fmt.Errorf("HORIZONQ_MAX_RETRIES: %w", err)
		}
		c.MaxRetries = n
	}
	if v := os.Getenv("HORIZONQ_RETRY_DELAY_SECONDS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return c, fmt.Errorf("HORIZONQ_RETRY_DELAY_SECONDS: %w", err)
		}
		c.RetryDelaySeconds = n
	}
	if v := os.Getenv("HORIZONQ_MAX_CONCURRENT_EXECUTIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return c, fmt.Errorf("HORIZONQ_MAX_CONCURRENT_EXECUTIONS: %w", err)
		}
		c.MaxConcurrentExecutions = n
	}
	if v := os.Getenv("HORIZONQ_STALE_CLAIM_SECONDS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return c, fmt.Errorf("HORIZONQ_STALE_CLAIM_SECONDS: %w", err)
		}
		c.StaleClaimSeconds = n
	}
	if v := os.Getenv("HORIZONQ_ANALYTICS_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return c, fmt.Errorf("HORIZONQ_ANALYTICS_BATCH_SIZE: %w", err)
		}
		c.AnalyticsBatchSize = n
	}
	if v := os.Getenv("HORIZONQ_EXECUTION_HISTORY_TTL_DAYS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return c, fmt.Errorf("HORIZONQ_EXECUTION_HISTORY_TTL_DAYS: %w", err)
		}
		c.ExecutionHistoryTTLDays = n
	}
	if v := os.Getenv("HORIZONQ_NODE_ID"); v != "" {
		c.NodeID = v
	}
	if v := os.Getenv("HORIZONQ_REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("HORIZONQ_POSTGRES_DSN"); v != "" {
		c.PostgresDSN = v
	}
	if v := os.Getenv("HORIZONQ_KAFKA_BROKERS"); v != "" {
		c.KafkaBrokers = strings.Split(v, ",")
	}
	if v := os.Getenv("HORIZONQ_HTTP_ADDR"); v != "" {
		c.HTTPAddr = v
	}
	if v := os.Getenv("HORIZONQ_JWT_SECRET"); v != "" {
		c.JWTSecret = v
	}

	return c, nil
}
