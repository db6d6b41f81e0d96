package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/netconverge/netconverge/pkg/telemetry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "NETCONV_"

// AppConfig is the netconverge runtime configuration.
type AppConfig struct {
	// LedgerPath is the SQLite file holding the change ledger.
	LedgerPath string `yaml:"ledger_path" validate:"required"`

	Backend   BackendConfig    `yaml:"backend"`
	Executor  ExecutorConfig   `yaml:"executor"`
	Inspector InspectorConfig  `yaml:"inspector"`
	Policy    PolicyConfig     `yaml:"policy"`
	Telemetry telemetry.Config `yaml:"telemetry"`

	// LockTTL bounds how long an apply may hold a location lock.
	LockTTL time.Duration `yaml:"lock_ttl" validate:"min=1s"`
}

// BackendConfig selects where networksetup runs.
type BackendConfig struct {
	// Kind is local or ssh.
	Kind    string    `yaml:"kind" validate:"oneof=local ssh"`
	Binary  string    `yaml:"binary" validate:"required,startswith=/"`
	UseSudo bool      `yaml:"use_sudo"`
	SSH     SSHConfig `yaml:"ssh"`
}

// SSHConfig configures the remote backend.
type SSHConfig struct {
	Host                  string        `yaml:"host" validate:"required_if=Enabled true"`
	Port                  int           `yaml:"port" validate:"omitempty,min=1,max=65535"`
	User                  string        `yaml:"user" validate:"required_if=Enabled true"`
	AuthMethod            string        `yaml:"auth_method" validate:"omitempty,oneof=key password agent"`
	PrivateKeyPath        string        `yaml:"private_key_path"`
	Password              string        `yaml:"password"`
	KnownHostsPath        string        `yaml:"known_hosts_path"`
	StrictHostKeyChecking bool          `yaml:"strict_host_key_checking"`
	ConnectionTimeout     time.Duration `yaml:"connection_timeout"`
	StagingDir            string        `yaml:"staging_dir"`

	// Enabled is derived from the backend kind.
	Enabled bool `yaml:"-"`
}

// ExecutorConfig carries the retry policy of the plan executor.
type ExecutorConfig struct {
	MaxRetries     int           `yaml:"max_retries" validate:"min=0,max=10"`
	InitialBackoff time.Duration `yaml:"initial_backoff" validate:"min=0"`
	MaxBackoff     time.Duration `yaml:"max_backoff" validate:"gtefield=InitialBackoff"`
	OpTimeout      time.Duration `yaml:"op_timeout" validate:"min=1s"`
}

// InspectorConfig tunes state snapshots.
type InspectorConfig struct {
	Concurrency int `yaml:"concurrency" validate:"min=1,max=32"`
}

// PolicyConfig toggles the plan guard.
type PolicyConfig struct {
	Enabled bool `yaml:"enabled"`

	// Paths are extra .rego files or directories loaded next to the built-ins.
	Paths []string `yaml:"paths,omitempty"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *AppConfig {
	return &AppConfig{
		LedgerPath: defaultLedgerPath(),
		Backend: BackendConfig{
			Kind:   "local",
			Binary: "/usr/sbin/networksetup",
			SSH: SSHConfig{
				Port:                  22,
				AuthMethod:            "key",
				KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
				StrictHostKeyChecking: true,
				ConnectionTimeout:     30 * time.Second,
				StagingDir:            "/tmp/netconverge",
			},
		},
		Executor: ExecutorConfig{
			MaxRetries:     3,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
			OpTimeout:      30 * time.Second,
		},
		Inspector: InspectorConfig{Concurrency: 4},
		Policy:    PolicyConfig{Enabled: true},
		Telemetry: *telemetry.DefaultConfig(),
		LockTTL:   10 * time.Minute,
	}
}

func defaultLedgerPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "netconverge", "ledger.db")
	}
	return "netconverge-ledger.db"
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*AppConfig, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := decodeStrictYAML(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides settings from NETCONV_* variables and LOG_LEVEL.
func (c *AppConfig) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	var errs []error
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	flag := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}

	str("LEDGER_PATH", &c.LedgerPath)
	str("BACKEND", &c.Backend.Kind)
	str("BINARY", &c.Backend.Binary)
	flag("USE_SUDO", &c.Backend.UseSudo)
	str("SSH_HOST", &c.Backend.SSH.Host)
	num("SSH_PORT", &c.Backend.SSH.Port)
	str("SSH_USER", &c.Backend.SSH.User)
	str("SSH_KEY", &c.Backend.SSH.PrivateKeyPath)
	num("MAX_RETRIES", &c.Executor.MaxRetries)
	dur("INITIAL_BACKOFF", &c.Executor.InitialBackoff)
	dur("MAX_BACKOFF", &c.Executor.MaxBackoff)
	dur("OP_TIMEOUT", &c.Executor.OpTimeout)
	num("INSPECTOR_CONCURRENCY", &c.Inspector.Concurrency)
	dur("LOCK_TTL", &c.LockTTL)
	flag("POLICY_ENABLED", &c.Policy.Enabled)
	str("LOG_FORMAT", &c.Telemetry.Logging.Format)

	if v, ok := lookup("LOG_LEVEL"); ok {
		c.Telemetry.Logging.Level = strings.ToLower(v)
	}

	return errors.Join(errs...)
}

var appValidator = validator.New()

// Validate checks the configuration.
func (c *AppConfig) Validate() error {
	c.Backend.SSH.Enabled = c.Backend.Kind == "ssh"
	if err := appValidator.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid config: telemetry: %w", err)
	}
	return nil
}

// decodeStrictYAML decodes data into out and rejects unknown keys.
func decodeStrictYAML(data []byte, out interface{}) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
