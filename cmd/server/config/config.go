package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// RedisConfig holds Redis connection and behavior settings for the guard
// stores.
type RedisConfig struct {
	URL                string
	KeyPrefix          string
	Stream             string
	StreamMaxLen       int64
	StatusTTL          time.Duration
	DialTimeout        *time.Duration
	ReadTimeout        *time.Duration
	WriteTimeout       *time.Duration
	PoolSize           *int
	MinIdleConns       *int
	MaxRetries         *int
	HealthcheckTimeout time.Duration
	EnableOTel         bool
	TLSConfig          *tls.Config
}

// SagaConfig holds orchestrator and runner settings.
type SagaConfig struct {
	StepTimeout       time.Duration
	RetryAttempts     int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	RunnerConcurrency int
	RunnerQueueSize   int
}

// PaymentConfig holds attempt-budget and gateway pacing settings.
type PaymentConfig struct {
	MaxAttempts     int
	Provider        string
	GatewayRate     time.Duration
	GatewayBurst    int
	BreakerFailures int
	BreakerReset    time.Duration
}

// GuardrailConfig holds notification guardrail settings.
type GuardrailConfig struct {
	DedupTTL time.Duration
}

// WebhookConfig holds outbound webhook delivery settings. DeadLetterPath,
// when set, journals exhausted deliveries to disk instead of memory.
type WebhookConfig struct {
	AttemptTimeout time.Duration
	MaxAttempts    int
	RetryBaseDelay time.Duration
	SigningSecret  string
	DeadLetterPath string
}

// KafkaConfig holds event stream settings; empty brokers disable Kafka.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// GRPCConfig holds the gRPC listen address and ingress rate limiting.
type GRPCConfig struct {
	Addr              string
	RateLimitInterval time.Duration
	RateLimitBurst    int
}

// HTTPConfig holds the address of the API/metrics/websocket server.
type HTTPConfig struct {
	Addr string
}

// LoadRedis reads Redis config from env. REDIS_URL is required; call only
// when Redis is in play.
func LoadRedis() (RedisConfig, error) {
	cfg := RedisConfig{
		KeyPrefix: strings.TrimSpace(os.Getenv("REDIS_KEY_PREFIX")),
		Stream:    strings.TrimSpace(os.Getenv("REDIS_STREAM")),
	}

	url, err := requiredString("REDIS_URL")
	if err != nil {
		return cfg, err
	}
	cfg.URL = url

	if cfg.StreamMaxLen, err = int64OrDefault("REDIS_STREAM_MAXLEN", 10000); err != nil {
		return cfg, err
	}
	if cfg.StatusTTL, err = durationOrDefault("REDIS_STATUS_TTL", 24*time.Hour); err != nil {
		return cfg, err
	}

	if cfg.DialTimeout, err = optionalDuration("REDIS_DIAL_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.ReadTimeout, err = optionalDuration("REDIS_READ_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.WriteTimeout, err = optionalDuration("REDIS_WRITE_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.PoolSize, err = optionalInt("REDIS_POOL_SIZE"); err != nil {
		return cfg, err
	}
	if cfg.MinIdleConns, err = optionalInt("REDIS_MIN_IDLE_CONNS"); err != nil {
		return cfg, err
	}
	if cfg.MaxRetries, err = optionalInt("REDIS_MAX_RETRIES"); err != nil {
		return cfg, err
	}
	if cfg.HealthcheckTimeout, err = durationOrDefault("REDIS_HEALTHCHECK_TIMEOUT", 3*time.Second); err != nil {
		return cfg, err
	}
	if cfg.EnableOTel, err = optionalBool("REDIS_OTEL"); err != nil {
		return cfg, err
	}
	if cfg.TLSConfig, err = loadRedisTLSFromEnv(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// LoadSaga reads orchestrator settings from env with production defaults.
func LoadSaga() (SagaConfig, error) {
	cfg := SagaConfig{}
	var err error

	if cfg.StepTimeout, err = durationOrDefault("SAGA_STEP_TIMEOUT", 30*time.Second); err != nil {
		return cfg, err
	}
	if cfg.RetryAttempts, err = intOrDefault("SAGA_RETRY_ATTEMPTS", 3); err != nil {
		return cfg, err
	}
	if cfg.RetryBaseDelay, err = durationOrDefault("SAGA_RETRY_BASE_DELAY", 100*time.Millisecond); err != nil {
		return cfg, err
	}
	if cfg.RetryMaxDelay, err = durationOrDefault("SAGA_RETRY_MAX_DELAY", 5*time.Second); err != nil {
		return cfg, err
	}
	if cfg.RunnerConcurrency, err = intOrDefault("SAGA_RUNNER_CONCURRENCY", 4); err != nil {
		return cfg, err
	}
	if cfg.RunnerQueueSize, err = intOrDefault("SAGA_RUNNER_QUEUE_SIZE", 64); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadPayment reads payment attempt settings from env with defaults.
func LoadPayment() (PaymentConfig, error) {
	cfg := PaymentConfig{
		Provider: strings.TrimSpace(os.Getenv("PAYMENT_PROVIDER")),
	}
	if cfg.Provider == "" {
		cfg.Provider = "simulated"
	}

	var err error
	if cfg.MaxAttempts, err = intOrDefault("PAYMENT_MAX_ATTEMPTS", 3); err != nil {
		return cfg, err
	}
	if cfg.GatewayRate, err = durationOrDefault("PAYMENT_GATEWAY_RATE", 10*time.Millisecond); err != nil {
		return cfg, err
	}
	if cfg.GatewayBurst, err = intOrDefault("PAYMENT_GATEWAY_BURST", 10); err != nil {
		return cfg, err
	}
	if cfg.BreakerFailures, err = intOrDefault("PAYMENT_BREAKER_FAILURES", 5); err != nil {
		return cfg, err
	}
	if cfg.BreakerReset, err = durationOrDefault("PAYMENT_BREAKER_RESET", 10*time.Second); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadGuardrail reads notification guardrail settings from env.
func LoadGuardrail() (GuardrailConfig, error) {
	ttl, err := durationOrDefault("NOTIFY_DEDUP_TTL", time.Hour)
	if err != nil {
		return GuardrailConfig{}, err
	}
	return GuardrailConfig{DedupTTL: ttl}, nil
}

// LoadWebhook reads webhook delivery settings from env.
func LoadWebhook() (WebhookConfig, error) {
	cfg := WebhookConfig{
		SigningSecret:  strings.TrimSpace(os.Getenv("WEBHOOK_SIGNING_SECRET")),
		DeadLetterPath: strings.TrimSpace(os.Getenv("WEBHOOK_DEADLETTER_PATH")),
	}
	var err error

	if cfg.AttemptTimeout, err = durationOrDefault("WEBHOOK_ATTEMPT_TIMEOUT", 30*time.Second); err != nil {
		return cfg, err
	}
	if cfg.MaxAttempts, err = intOrDefault("WEBHOOK_MAX_ATTEMPTS", 3); err != nil {
		return cfg, err
	}
	if cfg.RetryBaseDelay, err = durationOrDefault("WEBHOOK_RETRY_BASE_DELAY", time.Second); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadKafka reads event stream settings. Empty KAFKA_BROKERS means no broker.
func LoadKafka() KafkaConfig {
	cfg := KafkaConfig{
		Topic: strings.TrimSpace(os.Getenv("KAFKA_TOPIC")),
	}
	if cfg.Topic == "" {
		cfg.Topic = "commerce.saga.events"
	}
	raw := strings.TrimSpace(os.Getenv("KAFKA_BROKERS"))
	if raw == "" {
		return cfg
	}
	for _, broker := range strings.Split(raw, ",") {
		if b := strings.TrimSpace(broker); b != "" {
			cfg.Brokers = append(cfg.Brokers, b)
		}
	}
	return cfg
}

// LoadGRPC reads gRPC listen and ingress rate limit settings from env.
func LoadGRPC() (GRPCConfig, error) {
	cfg := GRPCConfig{
		Addr: strings.TrimSpace(os.Getenv("GRPC_ADDR")),
	}
	if cfg.Addr == "" {
		cfg.Addr = ":50051"
	}

	var err error
	if cfg.RateLimitInterval, err = durationOrDefault("GRPC_RATE_LIMIT_INTERVAL", time.Millisecond); err != nil {
		return cfg, err
	}
	if cfg.RateLimitBurst, err = intOrDefault("GRPC_RATE_LIMIT_BURST", 100); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadHTTP reads the API server address from env.
func LoadHTTP() HTTPConfig {
	addr := strings.TrimSpace(os.Getenv("HTTP_ADDR"))
	if addr == "" {
		addr = ":8080"
	}
	return HTTPConfig{Addr: addr}
}

func loadRedisTLSFromEnv() (*tls.Config, error) {
	caFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CA_FILE"))
	certFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE"))
	keyFile := strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE"))
	serverName := strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME"))
	insecureStr := strings.TrimSpace(os.Getenv("REDIS_TLS_INSECURE_SKIP_VERIFY"))

	if caFile == "" && certFile == "" && keyFile == "" && serverName == "" && insecureStr == "" {
		return nil, nil
	}
	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set together")
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}

	if insecureStr != "" {
		insecure, err := strconv.ParseBool(insecureStr)
		if err != nil {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE_SKIP_VERIFY: %w", err)
		}
		tlsConfig.InsecureSkipVerify = insecure
	}

	if caFile != "" {
		pemData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New("REDIS_TLS_CA_FILE contains no valid certificates")
		}
		tlsConfig.RootCAs = pool
	}

	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis TLS keypair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func optionalDuration(name string) (*time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalInt(name string) (*int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalBool(name string) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", name, err)
	}
	return val, nil
}

func requiredString(name string) (string, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return raw, nil
}

func durationOrDefault(name string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}

func int64OrDefault(name string, fallback int64) (int64, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}

func intOrDefault(name string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}
