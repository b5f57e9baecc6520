// Package config binds the runtime's environment-driven configuration
// surface, per spec.md §6, using a private Viper instance so repeated
// construction (as in tests) never collides with package-global state.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ExecutorMode selects which Executor implementation cmd/server wires.
type ExecutorMode string

const (
	ExecutorStub ExecutorMode = "stub"
	ExecutorReal ExecutorMode = "real"
)

// RetryPolicy bounds the provider adapter's retry/backoff behavior.
type RetryPolicy struct {
	MaxAttempts      int
	BaseDelaySeconds float64
	MaxDelaySeconds  float64
}

// AlertThresholds feeds internal/cleanup's alert evaluation.
type AlertThresholds struct {
	MaxErrorRate    float64
	MaxP95LatencyMS float64
	MaxTotalCostUSD float64
	MaxQueueDepth   int
}

// Config is the fully resolved runtime configuration, per spec.md §6's
// non-exhaustive config table.
type Config struct {
	ListenAddr string

	MongoURI      string
	MongoDatabase string

	ExecutorMode          ExecutorMode
	AnthropicAPIKey       string
	AnthropicModel        string
	AnthropicMaxTokens    int
	FallbackChain         []string
	CostPerMillionTokens  float64

	MaxRunsPerSession      int
	MaxUploadBytes         int64
	AllowedUploadMIMETypes []string

	SessionTTL         time.Duration
	ArtifactTTL        time.Duration
	CleanupInterval    time.Duration

	ArtifactBucket string
	S3Endpoint     string
	S3AccessKey    string
	S3SecretKey    string
	S3UseSSL       bool

	RedisAddr string

	Retry     RetryPolicy
	Alerts    AlertThresholds
	StateFile string
}

// Load reads configuration from environment variables (and, if present, a
// config file named by RESUME_AGENT_CONFIG_FILE), applying the defaults the
// original Python implementation shipped, per spec.md §6.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("resume_agent")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if cfgFile := v.GetString("config_file"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("mongo_uri", "")
	v.SetDefault("mongo_database", "resume_agent")
	v.SetDefault("executor_mode", string(ExecutorStub))
	v.SetDefault("anthropic_api_key", "")
	v.SetDefault("anthropic_model", "claude-3-5-sonnet-latest")
	v.SetDefault("anthropic_max_tokens", 1024)
	v.SetDefault("fallback_chain", "")
	v.SetDefault("cost_per_million_tokens", 3.0)
	v.SetDefault("max_runs_per_session", 50)
	v.SetDefault("max_upload_bytes", 10*1024*1024)
	v.SetDefault("allowed_upload_mime_types", "application/pdf,text/plain,text/markdown,application/vnd.openxmlformats-officedocument.wordprocessingml.document")
	v.SetDefault("session_ttl_seconds", 0)
	v.SetDefault("artifact_ttl_seconds", 0)
	v.SetDefault("cleanup_interval_seconds", 300)
	v.SetDefault("artifact_bucket", "resume-agent-artifacts")
	v.SetDefault("s3_endpoint", "")
	v.SetDefault("s3_access_key", "")
	v.SetDefault("s3_secret_key", "")
	v.SetDefault("s3_use_ssl", true)
	v.SetDefault("redis_addr", "")
	v.SetDefault("retry_max_attempts", 3)
	v.SetDefault("retry_base_delay_seconds", 0.5)
	v.SetDefault("retry_max_delay_seconds", 10.0)
	v.SetDefault("alert_max_error_rate", 0.1)
	v.SetDefault("alert_max_p95_latency_ms", 30000.0)
	v.SetDefault("alert_max_total_cost_usd", 100.0)
	v.SetDefault("alert_max_queue_depth", 100)
	v.SetDefault("state_file", "")

	cfg := Config{
		ListenAddr:             v.GetString("listen_addr"),
		MongoURI:               v.GetString("mongo_uri"),
		MongoDatabase:          v.GetString("mongo_database"),
		ExecutorMode:           ExecutorMode(v.GetString("executor_mode")),
		AnthropicAPIKey:        v.GetString("anthropic_api_key"),
		AnthropicModel:         v.GetString("anthropic_model"),
		AnthropicMaxTokens:     v.GetInt("anthropic_max_tokens"),
		FallbackChain:          splitNonEmpty(v.GetString("fallback_chain")),
		CostPerMillionTokens:   v.GetFloat64("cost_per_million_tokens"),
		MaxRunsPerSession:      v.GetInt("max_runs_per_session"),
		MaxUploadBytes:         v.GetInt64("max_upload_bytes"),
		AllowedUploadMIMETypes: splitNonEmpty(v.GetString("allowed_upload_mime_types")),
		SessionTTL:             time.Duration(v.GetInt64("session_ttl_seconds")) * time.Second,
		ArtifactTTL:            time.Duration(v.GetInt64("artifact_ttl_seconds")) * time.Second,
		CleanupInterval:        time.Duration(v.GetInt64("cleanup_interval_seconds")) * time.Second,
		ArtifactBucket:         v.GetString("artifact_bucket"),
		S3Endpoint:             v.GetString("s3_endpoint"),
		S3AccessKey:            v.GetString("s3_access_key"),
		S3SecretKey:            v.GetString("s3_secret_key"),
		S3UseSSL:               v.GetBool("s3_use_ssl"),
		RedisAddr:              v.GetString("redis_addr"),
		Retry: RetryPolicy{
			MaxAttempts:      v.GetInt("retry_max_attempts"),
			BaseDelaySeconds: v.GetFloat64("retry_base_delay_seconds"),
			MaxDelaySeconds:  v.GetFloat64("retry_max_delay_seconds"),
		},
		Alerts: AlertThresholds{
			MaxErrorRate:    v.GetFloat64("alert_max_error_rate"),
			MaxP95LatencyMS: v.GetFloat64("alert_max_p95_latency_ms"),
			MaxTotalCostUSD: v.GetFloat64("alert_max_total_cost_usd"),
			MaxQueueDepth:   v.GetInt("alert_max_queue_depth"),
		},
		StateFile: v.GetString("state_file"),
	}
	return cfg, nil
}

func splitNonEmpty(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
