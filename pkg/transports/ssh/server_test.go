package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// reply is what the fake host does with one exec request.
type reply struct {
	stdout, stderr string
	status         uint32
	hang           bool
}

// fakeMac is an SSH server standing in for a managed Mac. It accepts
// testuser/testpass or any public key, serves SFTP against the local
// filesystem and answers exec requests through respond.
type fakeMac struct {
	addr     string
	hostKey  ssh.Signer
	config   *ssh.ServerConfig
	listener net.Listener
}

// respond echoes the command line back. Commands mentioning -fail exit 4
// the way networksetup reports errors, and commands mentioning sleep never
// finish.
func respond(command string) reply {
	switch {
	case command == "true":
		return reply{}
	case strings.Contains(command, "-fail"):
		return reply{stderr: "** Error: boom\n", status: 4}
	case strings.Contains(command, "sleep"):
		return reply{hang: true}
	default:
		return reply{stdout: "command: " + command + "\n"}
	}
}

func newTestSSHServer(t *testing.T) *fakeMac {
	t.Helper()

	m := &fakeMac{hostKey: generateTestSigner(t)}
	m.config = &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if meta.User() != "testuser" || string(pass) != "testpass" {
				return nil, errors.New("access denied")
			}
			return nil, nil
		},
		PublicKeyCallback: func(ssh.ConnMetadata, ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	m.config.AddHostKey(m.hostKey)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	m.listener = ln
	m.addr = ln.Addr().String()
	t.Cleanup(func() { _ = ln.Close() })

	go m.acceptLoop()
	return m
}

func (m *fakeMac) acceptLoop() {
	for {
		conn, err := m.listener.Accept()
		if errors.Is(err, net.ErrClosed) {
			return
		}
		if err != nil {
			continue
		}
		go m.serveConn(conn)
	}
}

func (m *fakeMac) serveConn(conn net.Conn) {
	defer conn.Close()

	server, channels, requests, err := ssh.NewServerConn(conn, m.config)
	if err != nil {
		return
	}
	defer server.Close()
	go ssh.DiscardRequests(requests)

	for nc := range channels {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(ssh.UnknownChannelType, "only sessions are supported")
			continue
		}
		ch, reqs, err := nc.Accept()
		if err != nil {
			continue
		}
		go m.serveSession(ch, reqs)
	}
}

func (m *fakeMac) serveSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()

	for req := range reqs {
		// exec and subsystem payloads are a single SSH string
		var payload struct{ Value string }
		_ = ssh.Unmarshal(req.Payload, &payload)

		switch req.Type {
		case "exec":
			_ = req.Reply(true, nil)
			r := respond(payload.Value)
			if r.hang {
				for more := range reqs {
					_ = more.Reply(false, nil)
				}
				return
			}
			_, _ = ch.Write([]byte(r.stdout))
			_, _ = ch.Stderr().Write([]byte(r.stderr))
			_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{r.status}))
			return

		case "subsystem":
			if payload.Value != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			go ssh.DiscardRequests(reqs)
			if srv, err := sftp.NewServer(ch); err == nil {
				_ = srv.Serve()
			}
			return

		default:
			_ = req.Reply(false, nil)
		}
	}
}

// clientConfig returns a password-auth config pointed at the fake host.
func (m *fakeMac) clientConfig(t *testing.T) *Config {
	t.Helper()
	host, port, err := net.SplitHostPort(m.addr)
	if err != nil {
		t.Fatalf("bad address: %v", err)
	}

	config := DefaultConfig(host, "testuser")
	config.Port, _ = strconv.Atoi(port)
	config.AuthMethod = AuthMethodPassword
	config.Password = "testpass"
	config.StrictHostKeyChecking = false
	config.StagingDir = filepath.Join(t.TempDir(), "staging")
	return config
}

// writeKnownHosts pins key for the fake host and returns the file path.
func (m *fakeMac) writeKnownHosts(t *testing.T, key ssh.PublicKey) string {
	t.Helper()
	line := knownhosts.Line([]string{knownhosts.Normalize(m.addr)}, key)
	return writeFile(t, "known_hosts", line+"\n")
}

func generateTestSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}
	return signer
}

// writeTestKey writes an unencrypted OpenSSH private key and returns its path.
func writeTestKey(t *testing.T) string {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(key, "")
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}
	return path
}
