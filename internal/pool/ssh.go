// Copyright Homelab Manager contributors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file.

package pool

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kevinburke/ssh_config"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// Streamer is implemented by connections that can run a remote command and
// stream its stdout. The zpool source reads iostat output through this.
type Streamer interface {
	StreamCommand(ctx context.Context, cmd string) (io.ReadCloser, error)
}

// SSHConn wraps an established SSH client as a pooled connection.
type SSHConn struct {
	client *ssh.Client
}

var _ Conn = (*SSHConn)(nil)
var _ Streamer = (*SSHConn)(nil)

// Connected probes liveness with a global keepalive request, which is far
// cheaper than opening a throwaway session.
func (c *SSHConn) Connected() bool {
	if c.client == nil {
		return false
	}
	_, _, err := c.client.SendRequest("keepalive@homelab-manager", true, nil)
	return err == nil
}

func (c *SSHConn) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

// StreamCommand starts cmd on the remote host and returns its stdout as a
// stream. Closing the returned reader tears the session down; cancelling the
// context does the same.
func (c *SSHConn) StreamCommand(ctx context.Context, cmd string) (io.ReadCloser, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("opening session: %w", err)
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("attaching stdout: %w", err)
	}

	if err := session.Start(cmd); err != nil {
		session.Close()
		return nil, fmt.Errorf("starting %q: %w", cmd, err)
	}

	stream := &sessionStream{Reader: stdout, session: session}
	go func() {
		<-ctx.Done()
		stream.Close()
	}()
	return stream, nil
}

type sessionStream struct {
	io.Reader
	session *ssh.Session
	once    sync.Once
}

func (s *sessionStream) Close() error {
	var err error
	s.once.Do(func() {
		_ = s.session.Signal(ssh.SIGTERM)
		err = s.session.Close()
	})
	return err
}

// SSHDialer returns a Dialer that resolves connection settings from
// ~/.ssh/config (host alias, port, user, identity file) and authenticates
// via the SSH agent and the usual default key files. Host key verification
// is relaxed: targets are operator-configured LAN hosts.
func SSHDialer() Dialer {
	return func(ctx context.Context, target string) (Conn, error) {
		settings := resolveSSHSettings(target)

		cfg, err := buildSSHConfig(settings)
		if err != nil {
			return nil, err
		}

		deadline, ok := ctx.Deadline()
		if ok {
			cfg.Timeout = time.Until(deadline)
		}

		addr := net.JoinHostPort(settings.hostname, settings.port)
		conn, err := net.DialTimeout("tcp", addr, cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("dialing %s: %w", addr, err)
		}
		if ok {
			_ = conn.SetDeadline(deadline)
		}

		sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
		}
		_ = conn.SetDeadline(time.Time{})

		return &SSHConn{client: ssh.NewClient(sshConn, chans, reqs)}, nil
	}
}

type sshSettings struct {
	hostname     string
	port         string
	user         string
	identityFile string
}

// resolveSSHSettings parses user@host:port and layers ~/.ssh/config values
// underneath explicit parts.
func resolveSSHSettings(target string) *sshSettings {
	settings := &sshSettings{
		port: "22",
		user: currentUser(),
	}

	host := target
	if at := strings.Index(host, "@"); at != -1 {
		settings.user = host[:at]
		host = host[at+1:]
	}
	if colon := strings.LastIndex(host, ":"); colon != -1 && isDigits(host[colon+1:]) {
		settings.port = host[colon+1:]
		host = host[:colon]
	}
	settings.hostname = host

	cfgPath := filepath.Join(homeDir(), ".ssh", "config")
	f, err := os.Open(cfgPath)
	if err != nil {
		return settings
	}
	defer f.Close()

	cfg, err := ssh_config.Decode(f)
	if err != nil {
		return settings
	}

	if hostname, _ := cfg.Get(host, "HostName"); hostname != "" {
		settings.hostname = hostname
	}
	if port, _ := cfg.Get(host, "Port"); port != "" && settings.port == "22" {
		settings.port = port
	}
	if user, _ := cfg.Get(host, "User"); user != "" {
		settings.user = user
	}
	if identity, _ := cfg.Get(host, "IdentityFile"); identity != "" {
		settings.identityFile = expandHome(identity)
	}

	return settings
}

func buildSSHConfig(settings *sshSettings) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod

	if agentAuth := sshAgentAuth(); agentAuth != nil {
		auth = append(auth, agentAuth)
	}

	keyPaths := []string{
		settings.identityFile,
		filepath.Join(homeDir(), ".ssh", "id_ed25519"),
		filepath.Join(homeDir(), ".ssh", "id_rsa"),
	}
	for _, path := range keyPaths {
		if path == "" {
			continue
		}
		key, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			continue
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}

	if len(auth) == 0 {
		return nil, fmt.Errorf("no ssh auth methods available for %s@%s", settings.user, settings.hostname)
	}

	return &ssh.ClientConfig{
		User:            settings.user,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // operator-configured LAN targets
		Timeout:         DefaultDialTimeout,
	}, nil
}

// agentConn is reused across dials; one agent socket serves every target.
var (
	agentClient   agent.ExtendedAgent
	agentConnOnce sync.Once
)

func sshAgentAuth() ssh.AuthMethod {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil
	}

	agentConnOnce.Do(func() {
		conn, err := net.Dial("unix", socket)
		if err != nil {
			return
		}
		agentClient = agent.NewClient(conn)
	})

	if agentClient == nil {
		return nil
	}
	signers, err := agentClient.Signers()
	if err != nil || len(signers) == 0 {
		return nil
	}
	return ssh.PublicKeysCallback(agentClient.Signers)
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return os.Getenv("HOME")
	}
	return home
}

func currentUser() string {
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "root"
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(homeDir(), path[2:])
	}
	return path
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
