package config

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Transport selects how the bridge talks to the station API.
type Transport string

const (
	TransportGRPCWeb Transport = "grpc-web"
	TransportH2C     Transport = "h2c"
)

const (
	defaultPort            = 3000
	defaultHost            = "[::1]"
	defaultUpstreamTimeout = 10 * time.Second
	defaultH2CPoolSize     = 8
)

var (
	ErrMissingUpstreamURL = errors.New("$SAPI_URL must be set")
	ErrInvalidTransport   = errors.New("unknown upstream transport")
)

type Config struct {
	Environment string
	LogLevel    zerolog.Level

	Host string
	Port uint16
	Addr netip.AddrPort

	UpstreamURL     *url.URL
	Transport       Transport
	UpstreamTimeout time.Duration
	H2CReuse        bool
	H2CPoolSize     int

	MetricsAddr string
}

type Option func(*Config)

// WithEnvironment allows setting the environment
func WithEnvironment(env string) Option {
	return func(c *Config) {
		c.Environment = env
	}
}

// WithLogLevel allows setting the log level
func WithLogLevel(level string) Option {
	return func(c *Config) {
		parsedLevel, err := zerolog.ParseLevel(level)
		if err != nil {
			parsedLevel = zerolog.InfoLevel
		}
		c.LogLevel = parsedLevel
	}
}

// WithListenAddr sets host and port together. Invalid hosts are caught by Validate.
func WithListenAddr(host string, port uint16) Option {
	return func(c *Config) {
		c.Host = host
		c.Port = port
	}
}

func WithUpstreamURL(u *url.URL) Option {
	return func(c *Config) {
		c.UpstreamURL = u
	}
}

func WithTransport(t Transport) Option {
	return func(c *Config) {
		c.Transport = t
	}
}

// WithUpstreamTimeout bounds every call to the station API.
func WithUpstreamTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.UpstreamTimeout = timeout
	}
}

// WithH2CReuse enables the per-origin connection pool for the h2c transport.
func WithH2CReuse(reuse bool, poolSize int) Option {
	return func(c *Config) {
		c.H2CReuse = reuse
		if poolSize > 0 {
			c.H2CPoolSize = poolSize
		}
	}
}

func WithMetricsAddr(addr string) Option {
	return func(c *Config) {
		c.MetricsAddr = addr
	}
}

// New creates a new configuration with default values
func New(opts ...Option) *Config {
	cfg := &Config{
		Environment:     "production",
		LogLevel:        zerolog.InfoLevel,
		Host:            defaultHost,
		Port:            defaultPort,
		Transport:       TransportGRPCWeb,
		UpstreamTimeout: defaultUpstreamTimeout,
		H2CPoolSize:     defaultH2CPoolSize,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	return cfg
}

// Validate resolves the listen address and checks the upstream settings.
// A Config is only usable after Validate has returned nil.
func (c *Config) Validate() error {
	addr, err := ParseListenAddr(c.Host, c.Port)
	if err != nil {
		return err
	}
	c.Addr = addr

	if c.UpstreamURL == nil {
		return ErrMissingUpstreamURL
	}
	if err := checkUpstreamURL(c.UpstreamURL); err != nil {
		return err
	}

	switch c.Transport {
	case TransportGRPCWeb, TransportH2C:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidTransport, c.Transport)
	}

	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("upstream timeout must be positive, got %s", c.UpstreamTimeout)
	}
	return nil
}

// InitializeLogging sets up logging based on the configuration
func (c *Config) InitializeLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(c.LogLevel)

	if c.Environment == "local" || c.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
}

// LoadDotEnv reads env files into the process environment. Missing files are skipped,
// variables that are already set win.
func LoadDotEnv(filenames ...string) {
	for _, name := range filenames {
		if err := godotenv.Load(name); err != nil {
			log.Debug().Str("file", name).Err(err).Msg("Env file not loaded")
		}
	}
}

// LoadFromEnv builds and validates the configuration from environment variables.
// Any error is a configuration error and the process must not start.
func LoadFromEnv() (*Config, error) {
	port, err := fetchPort()
	if err != nil {
		return nil, err
	}
	host := fetchHost(port)

	rawURL, ok := os.LookupEnv("SAPI_URL")
	if !ok || rawURL == "" {
		return nil, ErrMissingUpstreamURL
	}
	upstream, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing $SAPI_URL: %w", err)
	}

	reuse, err := getBoolEnvOrDefault("SAPI_H2C_REUSE", false)
	if err != nil {
		return nil, err
	}
	poolSize, err := getIntEnvOrDefault("SAPI_H2C_POOL_SIZE", defaultH2CPoolSize)
	if err != nil {
		return nil, err
	}
	timeout, err := getDurationEnvOrDefault("SAPI_TIMEOUT", defaultUpstreamTimeout)
	if err != nil {
		return nil, err
	}

	cfg := New(
		WithEnvironment(getEnvOrDefault("ENV", "production")),
		WithLogLevel(getEnvOrDefault("LOG_LEVEL", "info")),
		WithListenAddr(host, port),
		WithUpstreamURL(upstream),
		WithTransport(Transport(getEnvOrDefault("SAPI_TRANSPORT", string(TransportGRPCWeb)))),
		WithUpstreamTimeout(timeout),
		WithH2CReuse(reuse, poolSize),
		WithMetricsAddr(os.Getenv("METRICS_ADDR")),
	)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseListenAddr joins host and port and parses the result as a socket address.
// IPv6 hosts must be bracketed.
func ParseListenAddr(host string, port uint16) (netip.AddrPort, error) {
	addr, err := netip.ParseAddrPort(fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("parsing listen address from $HOST %q: %w", host, err)
	}
	return addr, nil
}

func fetchPort() (uint16, error) {
	value, ok := os.LookupEnv("PORT")
	if !ok {
		log.Info().Msgf("$PORT is not set. Falling back to %d.", defaultPort)
		return defaultPort, nil
	}
	port, err := strconv.ParseUint(value, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("failed to parse $PORT %q: %w", value, err)
	}
	return uint16(port), nil
}

func fetchHost(port uint16) string {
	value, ok := os.LookupEnv("HOST")
	if !ok {
		log.Info().Msgf("$HOST is not set. Falling back to %s:%d.", defaultHost, port)
		return defaultHost
	}
	return value
}

func checkUpstreamURL(u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("$SAPI_URL must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("$SAPI_URL has no host: %q", u.String())
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnvOrDefault(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("failed to parse $%s: %w", key, err)
	}
	return duration, nil
}

func getIntEnvOrDefault(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("failed to parse $%s: %w", key, err)
	}
	return n, nil
}

func getBoolEnvOrDefault(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("failed to parse $%s: %w", key, err)
	}
	return b, nil
}
