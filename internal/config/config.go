// Package config loads coordinator and participant settings from an optional
// YAML file overlaid with environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/jcmexdev/btc-coordinator/internal/gateway"
)

// Config holds every setting of the coordinator process.
type Config struct {
	HTTPAddr     string                     `koanf:"http_addr"`
	ServiceAddrs map[gateway.Service]string `koanf:"-"`

	RedisAddr   string `koanf:"redis_addr"`
	AuditDBPath string `koanf:"audit_db_path"`

	CallTimeout    time.Duration `koanf:"call_timeout"`
	CallMaxRetries int           `koanf:"call_max_retries"`
	BackoffBase    time.Duration `koanf:"backoff_base"`
	BackoffMax     time.Duration `koanf:"backoff_max"`
	BackoffJitter  time.Duration `koanf:"backoff_jitter"`

	IdempotencyTTL   time.Duration `koanf:"idempotency_ttl"`
	SweepInterval    time.Duration `koanf:"sweep_interval"`
	FlowStallWindow  time.Duration `koanf:"flow_stall_window"`
	FlowTimeout      time.Duration `koanf:"flow_timeout"`
	EventHistorySize int           `koanf:"event_history_size"`

	TargetRPS   float64 `koanf:"target_rps"`
	TargetBurst int     `koanf:"target_burst"`

	ReconcileInterval time.Duration `koanf:"reconcile_interval"`
	ReconcileWindow   time.Duration `koanf:"reconcile_window"`

	LogLevel        string `koanf:"log_level"`
	OTelServiceName string `koanf:"otel_service_name"`
	OTelEndpoint    string `koanf:"otel_endpoint"`
}

var (
	ErrInvalidDuration  = errors.New("config: invalid duration")
	ErrInvalidNumber    = errors.New("config: invalid number")
	ErrMissingAddress   = errors.New("config: service address is required")
	ErrNonPositiveValue = errors.New("config: value must be positive")
)

const (
	DefaultHTTPAddr          = ":8080"
	DefaultCallTimeout       = 2 * time.Second
	DefaultCallMaxRetries    = 3
	DefaultBackoffBase       = 100 * time.Millisecond
	DefaultBackoffMax        = 2 * time.Second
	DefaultBackoffJitter     = 50 * time.Millisecond
	DefaultIdempotencyTTL    = 24 * time.Hour
	DefaultSweepInterval     = 30 * time.Second
	DefaultFlowStallWindow   = 5 * time.Minute
	DefaultFlowTimeout       = 30 * time.Minute
	DefaultEventHistorySize  = 1024
	DefaultReconcileInterval = 0
	DefaultReconcileWindow   = time.Minute
	DefaultLogLevel          = "info"
	DefaultOTelServiceName   = "btc-coordinator"
)

// DefaultServiceAddrs are the local ports of the demo participants.
var DefaultServiceAddrs = map[gateway.Service]string{
	gateway.ServiceIdentity:  ":9090",
	gateway.ServiceHoldings:  ":9091",
	gateway.ServiceStrategy:  ":9092",
	gateway.ServiceExecution: ":9093",
	gateway.ServiceRisk:      ":9094",
}

// ServiceAddrEnv is the environment key holding the address of svc, for
// example HOLDINGS_SERVICE_ADDR.
func ServiceAddrEnv(svc gateway.Service) string {
	return fmt.Sprintf("%s_SERVICE_ADDR", strings.ToUpper(string(svc)))
}

// Load reads configFilePath (optional) and the environment. It always
// returns a Config; the error slice lists every problem found.
func Load(configFilePath string) (*Config, []error) {
	l, err := newLoader(configFilePath)
	if err != nil {
		return nil, []error{err}
	}
	cfg := &Config{
		HTTPAddr:     l.str("HTTP_ADDR", "http_addr", DefaultHTTPAddr),
		ServiceAddrs: make(map[gateway.Service]string, len(gateway.AllServices)),

		RedisAddr:   l.str("REDIS_ADDR", "redis_addr", ""),
		AuditDBPath: l.str("AUDIT_DB_PATH", "audit_db_path", ""),

		CallTimeout:    l.duration("CALL_TIMEOUT", "call_timeout", DefaultCallTimeout),
		CallMaxRetries: l.integer("CALL_MAX_RETRIES", "call_max_retries", DefaultCallMaxRetries),
		BackoffBase:    l.duration("BACKOFF_BASE", "backoff_base", DefaultBackoffBase),
		BackoffMax:     l.duration("BACKOFF_MAX", "backoff_max", DefaultBackoffMax),
		BackoffJitter:  l.duration("BACKOFF_JITTER", "backoff_jitter", DefaultBackoffJitter),

		IdempotencyTTL:   l.duration("IDEMPOTENCY_TTL", "idempotency_ttl", DefaultIdempotencyTTL),
		SweepInterval:    l.duration("SWEEP_INTERVAL", "sweep_interval", DefaultSweepInterval),
		FlowStallWindow:  l.duration("FLOW_STALL_WINDOW", "flow_stall_window", DefaultFlowStallWindow),
		FlowTimeout:      l.duration("FLOW_TIMEOUT", "flow_timeout", DefaultFlowTimeout),
		EventHistorySize: l.integer("EVENT_HISTORY_SIZE", "event_history_size", DefaultEventHistorySize),

		TargetRPS:   l.number("TARGET_RPS", "target_rps", 0),
		TargetBurst: l.integer("TARGET_BURST", "target_burst", 0),

		ReconcileInterval: l.duration("RECONCILE_INTERVAL", "reconcile_interval", DefaultReconcileInterval),
		ReconcileWindow:   l.duration("RECONCILE_WINDOW", "reconcile_window", DefaultReconcileWindow),

		LogLevel:        l.str("LOG_LEVEL", "log_level", DefaultLogLevel),
		OTelServiceName: l.str("OTEL_SERVICE_NAME", "otel_service_name", DefaultOTelServiceName),
		OTelEndpoint:    l.str("OTEL_EXPORTER_OTLP_ENDPOINT", "otel_endpoint", ""),
	}
	for _, svc := range gateway.AllServices {
		cfg.ServiceAddrs[svc] = l.str(ServiceAddrEnv(svc), "services."+string(svc), DefaultServiceAddrs[svc])
	}

	errs := append(l.errs, cfg.Validate()...)
	return cfg, errs
}

// Validate checks the loaded values.
func (c *Config) Validate() []error {
	var errs []error
	for _, svc := range gateway.AllServices {
		if c.ServiceAddrs[svc] == "" {
			errs = append(errs, fmt.Errorf("%w: %s", ErrMissingAddress, ServiceAddrEnv(svc)))
		}
	}
	positive := map[string]time.Duration{
		"CALL_TIMEOUT":    c.CallTimeout,
		"IDEMPOTENCY_TTL": c.IdempotencyTTL,
	}
	for key, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%w: %s", ErrNonPositiveValue, key))
		}
	}
	if c.CallMaxRetries < 0 {
		errs = append(errs, fmt.Errorf("%w: CALL_MAX_RETRIES", ErrNonPositiveValue))
	}
	return errs
}

// Policy is the default gateway call policy described by c.
func (c *Config) Policy() gateway.Policy {
	return gateway.Policy{
		Timeout:    c.CallTimeout,
		MaxRetries: c.CallMaxRetries,
		Backoff: gateway.Backoff{
			Base:      c.BackoffBase,
			Max:       c.BackoffMax,
			MaxJitter: c.BackoffJitter,
		},
	}
}

// loader resolves one key from the environment first, then the file, then
// the default, and collects parse errors.
type loader struct {
	k    *koanf.Koanf
	errs []error
}

func newLoader(configFilePath string) (*loader, error) {
	k := koanf.New(".")
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configFilePath, err)
		}
	}
	return &loader{k: k}, nil
}

func (l *loader) raw(envKey, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return l.k.String(koanfKey)
}

func (l *loader) str(envKey, koanfKey, def string) string {
	if v := l.raw(envKey, koanfKey); v != "" {
		return v
	}
	return def
}

func (l *loader) duration(envKey, koanfKey string, def time.Duration) time.Duration {
	v := l.raw(envKey, koanfKey)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%w: %s=%q", ErrInvalidDuration, envKey, v))
		return def
	}
	return d
}

func (l *loader) integer(envKey, koanfKey string, def int) int {
	v := l.raw(envKey, koanfKey)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%w: %s=%q", ErrInvalidNumber, envKey, v))
		return def
	}
	return n
}

func (l *loader) number(envKey, koanfKey string, def float64) float64 {
	v := l.raw(envKey, koanfKey)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%w: %s=%q", ErrInvalidNumber, envKey, v))
		return def
	}
	return f
}

// Participant holds the settings of a demo participant process.
type Participant struct {
	Role            gateway.Service
	Addr            string
	RedisAddr       string
	ResponseTTL     time.Duration
	LogLevel        string
	OTelServiceName string
	OTelEndpoint    string
}

var ErrInvalidRole = errors.New("config: PARTICIPANT_ROLE must name a participant service")

// LoadParticipant reads configFilePath (optional) and the environment, with
// the same precedence as Load.
func LoadParticipant(configFilePath string) (*Participant, []error) {
	l, err := newLoader(configFilePath)
	if err != nil {
		return nil, []error{err}
	}
	role := l.str("PARTICIPANT_ROLE", "participant_role", "")

	p := &Participant{
		Role:            gateway.Service(role),
		RedisAddr:       l.str("REDIS_ADDR", "redis_addr", ""),
		ResponseTTL:     l.duration("IDEMPOTENCY_TTL", "idempotency_ttl", DefaultIdempotencyTTL),
		LogLevel:        l.str("LOG_LEVEL", "log_level", DefaultLogLevel),
		OTelServiceName: l.str("OTEL_SERVICE_NAME", "otel_service_name", role+"-service"),
		OTelEndpoint:    l.str("OTEL_EXPORTER_OTLP_ENDPOINT", "otel_endpoint", ""),
	}
	errs := l.errs
	if _, err := gateway.ParseService(role); err != nil {
		errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidRole, role))
		return p, errs
	}
	p.Addr = l.str("PARTICIPANT_ADDR", "participant_addr", DefaultServiceAddrs[p.Role])
	return p, errs
}
