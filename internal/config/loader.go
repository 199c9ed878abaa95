package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path (optional, skipped when
// empty or missing), merges it on top of the built-in defaults, applies
// FACTOR_* environment overrides, and returns the result. Callers should
// invoke Validate afterwards.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return nil, err
			}
		}
	}

	// Load .env if present; ignore when missing.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides lets operators inject deploy-time values (secrets, ports)
// without touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Postgres.DSN, "FACTOR_POSTGRES_DSN")
	setInt(&cfg.Postgres.MaxOpenConns, "FACTOR_POSTGRES_MAX_OPEN_CONNS")
	setInt(&cfg.Postgres.MaxIdleConns, "FACTOR_POSTGRES_MAX_IDLE_CONNS")
	setStr(&cfg.Postgres.MigrationsDir, "FACTOR_MIGRATIONS_DIR")

	setStr(&cfg.NATS.URL, "FACTOR_NATS_URL")
	setBool(&cfg.NATS.Enabled, "FACTOR_NATS_ENABLED")

	setStr(&cfg.Server.HTTPAddr, "FACTOR_HTTP_ADDR")

	setInt(&cfg.Engine.PersistChanSize, "FACTOR_PERSIST_CHAN_SIZE")
	setInt(&cfg.Engine.ProjectionChanSize, "FACTOR_PROJECTION_CHAN_SIZE")
	setInt(&cfg.Engine.PublishChanSize, "FACTOR_PUBLISH_CHAN_SIZE")
	setInt(&cfg.Engine.PersistBatchSize, "FACTOR_PERSIST_BATCH_SIZE")
	setInt(&cfg.Engine.PersistFlushTimeoutMs, "FACTOR_PERSIST_FLUSH_TIMEOUT_MS")
	setInt64(&cfg.Engine.SnapshotInterval, "FACTOR_SNAPSHOT_INTERVAL")
	setStr(&cfg.Engine.LogLevel, "FACTOR_LOG_LEVEL")

	setUint64(&cfg.Pool.MaxUtilizationBps, "FACTOR_POOL_MAX_UTILIZATION_BPS")
	setUint64(&cfg.Pool.MaxLoanBpsOfNAV, "FACTOR_POOL_MAX_LOAN_BPS_OF_NAV")
	setUint64(&cfg.Pool.MaxIssuerExposureBps, "FACTOR_POOL_MAX_ISSUER_EXPOSURE_BPS")
	setInt64(&cfg.Pool.BorrowAprPercent, "FACTOR_POOL_BORROW_APR_PERCENT")
	setUint64(&cfg.Pool.ProtocolFeeBps, "FACTOR_POOL_PROTOCOL_FEE_BPS")
	setUint64(&cfg.Pool.LTVNonRecourseBps, "FACTOR_POOL_LTV_NON_RECOURSE_BPS")
	setUint64(&cfg.Pool.LTVRecourseBps, "FACTOR_POOL_LTV_RECOURSE_BPS")
	setInt64(&cfg.Pool.GracePeriodSeconds, "FACTOR_POOL_GRACE_PERIOD_SECONDS")
	setInt64(&cfg.Pool.RecoveryWindowSeconds, "FACTOR_POOL_RECOVERY_WINDOW_SECONDS")

	setStringSlice(&cfg.Roles.Admins, "FACTOR_ROLE_ADMINS")
	setStringSlice(&cfg.Roles.Operators, "FACTOR_ROLE_OPERATORS")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := parts[:0]
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		*dst = out
	}
}
