package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod selects how the client proves its identity to the managed host.
type AuthMethod string

const (
	AuthMethodPassword AuthMethod = "password"
	AuthMethodKey      AuthMethod = "key"
	// AuthMethodAgent signs with the keys held by the agent at SSH_AUTH_SOCK,
	// which on macOS includes keys unlocked from the login keychain.
	AuthMethodAgent AuthMethod = "agent"
)

// defaultKeys are tried in order when key auth has no explicit key path.
var defaultKeys = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// Config describes the connection to a remote Mac whose network
// configuration is managed over SSH.
type Config struct {
	Host string
	Port int
	User string

	AuthMethod           AuthMethod
	Password             string
	PrivateKeyPath       string
	PrivateKeyPassphrase string
	// AgentSocket overrides SSH_AUTH_SOCK for agent auth.
	AgentSocket string

	// KnownHostsPath must list the host when StrictHostKeyChecking is set.
	// Otherwise any host key is accepted.
	KnownHostsPath        string
	StrictHostKeyChecking bool

	// ConnectionTimeout bounds dialing and the handshake together.
	ConnectionTimeout time.Duration
	// KeepAliveInterval of zero disables keep-alive requests.
	KeepAliveInterval time.Duration

	// StagingDir is where certificate and profile files are uploaded before
	// networksetup reads them on the remote host.
	StagingDir string
}

// DefaultConfig returns key auth against port 22 with host keys checked
// against ~/.ssh/known_hosts.
func DefaultConfig(host, user string) *Config {
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            AuthMethodKey,
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectionTimeout:     30 * time.Second,
		StagingDir:            "/tmp/netconverge",
	}
}

// Validate reports the first problem with c. Key auth without a key path
// picks the first of the usual keys found under ~/.ssh.
func (c *Config) Validate() error {
	switch {
	case c.Host == "":
		return errors.New("host is required")
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("invalid port: %d", c.Port)
	case c.User == "":
		return errors.New("user is required")
	case c.ConnectionTimeout <= 0:
		return errors.New("connection timeout must be positive")
	case c.StagingDir == "" || !filepath.IsAbs(c.StagingDir):
		return errors.New("staging dir must be an absolute path")
	}

	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return errors.New("password is required for password authentication")
		}
	case AuthMethodKey:
		if c.PrivateKeyPath == "" {
			c.PrivateKeyPath = findDefaultKey()
		}
		if c.PrivateKeyPath == "" {
			return errors.New("private key path is required for key authentication and no default key found")
		}
		if _, err := os.Stat(c.PrivateKeyPath); err != nil {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
	case AuthMethodAgent:
		if c.agentSocket() == "" {
			return errors.New("agent authentication needs SSH_AUTH_SOCK or an agent socket")
		}
	default:
		return fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}
	return nil
}

func findDefaultKey() string {
	dir := filepath.Join(os.Getenv("HOME"), ".ssh")
	for _, name := range defaultKeys {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func (c *Config) agentSocket() string {
	if c.AgentSocket != "" {
		return c.AgentSocket
	}
	return os.Getenv("SSH_AUTH_SOCK")
}

// ClientConfig builds the handshake configuration. The returned release
// function closes the agent connection, if one was opened, and must be
// called once the handshake has finished.
func (c *Config) ClientConfig() (*ssh.ClientConfig, func(), error) {
	auth, release, err := c.authMethods()
	if err != nil {
		return nil, nil, err
	}
	hostKeys, err := c.hostKeyCallback()
	if err != nil {
		release()
		return nil, nil, err
	}
	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         c.ConnectionTimeout,
	}, release, nil
}

func (c *Config) authMethods() ([]ssh.AuthMethod, func(), error) {
	noop := func() {}

	switch c.AuthMethod {
	case AuthMethodPassword:
		// macOS sshd usually offers keyboard-interactive rather than password
		answer := ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = c.Password
			}
			return answers, nil
		})
		return []ssh.AuthMethod{ssh.Password(c.Password), answer}, noop, nil

	case AuthMethodKey:
		pem, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read private key: %w", err)
		}
		var signer ssh.Signer
		if c.PrivateKeyPassphrase == "" {
			signer, err = ssh.ParsePrivateKey(pem)
		} else {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(c.PrivateKeyPassphrase))
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, noop, nil

	case AuthMethodAgent:
		conn, err := net.Dial("unix", c.agentSocket())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to reach ssh agent: %w", err)
		}
		signers := agent.NewClient(conn).Signers
		return []ssh.AuthMethod{ssh.PublicKeysCallback(signers)}, func() { _ = conn.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
}

func (c *Config) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if !c.StrictHostKeyChecking {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	if c.KnownHostsPath == "" {
		return nil, errors.New("known_hosts path is required for strict host key checking")
	}
	cb, err := knownhosts.New(c.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load known_hosts: %w", err)
	}
	return cb, nil
}

// Address returns host:port, bracketing IPv6 literals.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
