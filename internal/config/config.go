package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/go-connections/tlsconfig"
	"github.com/docker/go-units"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Prefix is the environment variable prefix, e.g. RELAY_LISTEN_ADDR.
const Prefix = "RELAY"

type Settings struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8080"`
	MuxAddr    string `envconfig:"MUX_ADDR" default:""`
	DataPath   string `envconfig:"DATA_PATH" default:"/var/lib/shell-relay"`
	LogPath    string `envconfig:"LOG_PATH" default:""`

	// Authorization
	AuthDisabled bool          `envconfig:"AUTH_DISABLED" default:"false"`
	TokenFile    string        `envconfig:"TOKEN_FILE" default:""`
	ResumeKey    string        `envconfig:"RESUME_KEY" default:""`
	ResumeTTL    time.Duration `envconfig:"RESUME_TTL" default:"24h"`

	// Commands
	AllowedShells []string `envconfig:"ALLOWED_SHELLS" default:"/bin/sh,/bin/bash,/bin/zsh"`
	DefaultShell  string   `envconfig:"DEFAULT_SHELL" default:"/bin/sh"`
	ProfilesPath  string   `envconfig:"PROFILES_PATH" default:""`

	// AllowedOrigins are extra browser origins (host patterns) that may
	// open the WebSocket endpoint.
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:""`

	// Session lifecycle
	IdleTimeout      time.Duration `envconfig:"IDLE_TIMEOUT" default:"30m"`
	SweepInterval    time.Duration `envconfig:"SWEEP_INTERVAL" default:"1m"`
	HandshakeTimeout time.Duration `envconfig:"HANDSHAKE_TIMEOUT" default:"10s"`
	ShutdownGrace    time.Duration `envconfig:"SHUTDOWN_GRACE" default:"10s"`
	KillGrace        time.Duration `envconfig:"KILL_GRACE" default:"2s"`
	MaxSessions      int           `envconfig:"MAX_SESSIONS" default:"256"`

	// Sizes accept human units ("1MiB", "64k").
	ScrollbackSize string `envconfig:"SCROLLBACK_SIZE" default:"1MiB"`
	MaxFrameSize   string `envconfig:"MAX_FRAME_SIZE" default:"64KiB"`
	InputRateLimit string `envconfig:"INPUT_RATE_LIMIT" default:"0"`
	InputBurst     string `envconfig:"INPUT_BURST" default:"256KiB"`

	RecordingEnabled bool `envconfig:"RECORDING_ENABLED" default:"false"`
	RecordingLimit   int  `envconfig:"RECORDING_LIMIT" default:"100000"`

	// Audit trail
	AuditEnabled       bool   `envconfig:"AUDIT_ENABLED" default:"true"`
	AuditDBPath        string `envconfig:"AUDIT_DB_PATH" default:""`
	AuditRetentionDays int    `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`

	// TLS; a client CA turns on mutual TLS.
	TLSCert     string `envconfig:"TLS_CERT" default:""`
	TLSKey      string `envconfig:"TLS_KEY" default:""`
	TLSClientCA string `envconfig:"TLS_CLIENT_CA" default:""`

	// Backends
	DockerEnabled bool   `envconfig:"DOCKER_ENABLED" default:"false"`
	DockerHost    string `envconfig:"DOCKER_HOST" default:""`
	K8sEnabled    bool   `envconfig:"K8S_ENABLED" default:"false"`
	K8sNamespace  string `envconfig:"K8S_NAMESPACE" default:"default"`
	KubeConfig    string `envconfig:"KUBECONFIG" default:""`
	SSHEnabled    bool   `envconfig:"SSH_ENABLED" default:"false"`
	SSHAddr       string `envconfig:"SSH_ADDR" default:""`
	SSHUser       string `envconfig:"SSH_USER" default:"root"`
	SSHKeyPath    string `envconfig:"SSH_KEY_PATH" default:""`
	SSHKnownHosts string `envconfig:"SSH_KNOWN_HOSTS" default:""`

	// Parsed forms of the size settings, filled by Parse.
	ScrollbackBytes int   `ignored:"true"`
	MaxFrameBytes   int   `ignored:"true"`
	InputRateBytes  int64 `ignored:"true"`
	InputBurstBytes int   `ignored:"true"`
}

var Cfg Settings

// Load reads .env files and the environment into Cfg, exiting on error.
// With no files given, a .env in the working directory is loaded if present.
func Load(envFiles ...string) {
	s, err := Parse(envFiles...)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	Cfg = s
}

// Parse is Load without the global and without exiting.
func Parse(envFiles ...string) (Settings, error) {
	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return Settings{}, fmt.Errorf("load env file: %w", err)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("warning: failed to load .env file: %v", err)
	}

	var s Settings
	if err := envconfig.Process(Prefix, &s); err != nil {
		return Settings{}, err
	}
	if err := s.normalize(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func parseSize(name, v string) (int64, error) {
	n, err := units.RAMInBytes(v)
	if err != nil {
		return 0, fmt.Errorf("%s_%s: %w", Prefix, name, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("%s_%s: must not be negative", Prefix, name)
	}
	return n, nil
}

func (s *Settings) normalize() error {
	n, err := parseSize("SCROLLBACK_SIZE", s.ScrollbackSize)
	if err != nil {
		return err
	}
	s.ScrollbackBytes = int(n)

	if n, err = parseSize("MAX_FRAME_SIZE", s.MaxFrameSize); err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s_MAX_FRAME_SIZE must be positive", Prefix)
	}
	s.MaxFrameBytes = int(n)

	if s.InputRateBytes, err = parseSize("INPUT_RATE_LIMIT", s.InputRateLimit); err != nil {
		return err
	}
	if n, err = parseSize("INPUT_BURST", s.InputBurst); err != nil {
		return err
	}
	s.InputBurstBytes = int(n)
	if s.InputRateBytes > 0 && s.InputBurstBytes <= 0 {
		return fmt.Errorf("%s_INPUT_BURST must be positive when a rate limit is set", Prefix)
	}

	if s.AuditDBPath == "" {
		s.AuditDBPath = filepath.Join(s.DataPath, "audit.db")
	}
	if (s.TLSCert == "") != (s.TLSKey == "") {
		return fmt.Errorf("%s_TLS_CERT and %s_TLS_KEY must be set together", Prefix, Prefix)
	}
	if s.TLSClientCA != "" && s.TLSCert == "" {
		return fmt.Errorf("%s_TLS_CLIENT_CA requires %s_TLS_CERT", Prefix, Prefix)
	}
	if s.SSHEnabled && s.SSHKeyPath == "" {
		s.SSHKeyPath = filepath.Join(s.DataPath, "ssh_key")
	}
	return nil
}

// TLSEnabled reports whether the listeners serve TLS.
func (s Settings) TLSEnabled() bool {
	return s.TLSCert != ""
}

// TLSConfig builds the server TLS configuration. With a client CA, clients
// must present a certificate signed by it.
func (s Settings) TLSConfig() (*tls.Config, error) {
	opts := tlsconfig.Options{
		CertFile:   s.TLSCert,
		KeyFile:    s.TLSKey,
		MinVersion: tls.VersionTLS12,
	}
	if s.TLSClientCA != "" {
		opts.CAFile = s.TLSClientCA
		opts.ClientAuth = tls.RequireAndVerifyClientCert
	}
	cfg, err := tlsconfig.Server(opts)
	if err != nil {
		return nil, fmt.Errorf("tls config: %w", err)
	}
	return cfg, nil
}

// HumanSummary is a one-line description of the effective limits for the
// startup log.
func (s Settings) HumanSummary() string {
	return fmt.Sprintf("scrollback=%s frame=%s idle=%s max_sessions=%d",
		units.BytesSize(float64(s.ScrollbackBytes)),
		units.BytesSize(float64(s.MaxFrameBytes)),
		units.HumanDuration(s.IdleTimeout),
		s.MaxSessions)
}
