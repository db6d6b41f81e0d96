package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Client holds one SSH connection to the managed host. It connects lazily
// and redials once when the connection has dropped.
type Client struct {
	config *Config

	mu          sync.Mutex
	client      *ssh.Client
	connectedAt time.Time
	stop        chan struct{}
}

// NewClient creates a client for config.
func NewClient(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{config: config}, nil
}

// Connect establishes the SSH connection if it is not already up.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.connectLocked(ctx)
	return err
}

func (c *Client) connectLocked(ctx context.Context) (*ssh.Client, error) {
	if c.client != nil {
		return c.client, nil
	}

	client, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}

	c.client = client
	c.connectedAt = time.Now()
	if c.config.KeepAliveInterval > 0 {
		c.stop = make(chan struct{})
		go c.keepAlive(client, c.stop)
	}

	log.Info().Str("address", c.config.Address()).Msg("SSH connection established")
	return client, nil
}

// dial connects and performs the handshake within ConnectionTimeout.
func (c *Client) dial(ctx context.Context) (*ssh.Client, error) {
	clientConfig, release, err := c.config.ClientConfig()
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err}
	}
	defer release()

	address := c.config.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsTemporary: ctx.Err() == nil}
	}

	// Bound the handshake; ssh.NewClientConn has no context.
	_ = conn.SetDeadline(time.Now().Add(c.config.ConnectionTimeout))
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	ncc, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
	stop()
	if err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil, &TransportError{Op: "connect", Err: ctx.Err()}
		}
		return nil, handshakeError(err)
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(ncc, chans, reqs), nil
}

// handshakeError classifies a failed handshake. Authentication and host key
// failures will not fix themselves.
func handshakeError(err error) error {
	var keyErr *knownhosts.KeyError
	var revoked *knownhosts.RevokedError
	switch {
	case errors.As(err, &keyErr), errors.As(err, &revoked), strings.Contains(err.Error(), "knownhosts:"):
		return &TransportError{Op: "connect", Err: fmt.Errorf("host key verification failed: %w", err), IsAuthError: true}
	case isAuthFailure(err):
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	default:
		return &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}
}

// isAuthFailure matches the untyped error x/crypto returns once every
// client auth method has been rejected.
func isAuthFailure(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}

// Close closes the SSH connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.client == nil {
		return nil
	}
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	err := c.client.Close()
	c.client = nil
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

// newSession opens a session, redialing once if the connection has died.
func (c *Client) newSession(ctx context.Context) (*ssh.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for attempt := 0; ; attempt++ {
		client, err := c.connectLocked(ctx)
		if err != nil {
			return nil, err
		}
		session, err := client.NewSession()
		if err == nil {
			return session, nil
		}
		_ = c.closeLocked()
		if attempt > 0 {
			return nil, &TransportError{Op: "session", Err: err, IsTemporary: true}
		}
		log.Warn().Err(err).Msg("SSH connection lost, reconnecting")
	}
}

// newSFTP opens an SFTP client over the connection.
func (c *Client) newSFTP(ctx context.Context) (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	client, err := c.connectLocked(ctx)
	if err != nil {
		return nil, err
	}
	sc, err := sftp.NewClient(client)
	if err != nil {
		return nil, &TransportError{Op: "sftp-init", Err: fmt.Errorf("failed to create SFTP client: %w", err), IsTemporary: true}
	}
	return sc, nil
}

// HealthCheck runs a no-op command on the host.
func (c *Client) HealthCheck(ctx context.Context) error {
	session, err := c.newSession(ctx)
	if err != nil {
		return err
	}
	defer session.Close()

	if err := session.Run("true"); err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	return nil
}

// keepAlive sends periodic keep-alive requests until stop is closed or a
// request fails.
func (c *Client) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				log.Warn().Err(err).Str("host", c.config.Host).Msg("keep-alive failed")
				return
			}
		}
	}
}
