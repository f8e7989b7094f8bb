package source

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/maxpert/gitsync/cfg"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Remote commands understood by the Gerrit SSH daemon
const (
	ListProjectsCommand = "gerrit ls-projects --type ALL"
	StreamEventsCommand = "gerrit stream-events"
)

const (
	dialTimeout = 30 * time.Second
	// stream-events lines carry whole change objects
	maxLineSize = 4 * 1024 * 1024
)

var defaultKeyFiles = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// GerritClient runs commands against the Gerrit SSH daemon
type GerritClient struct {
	addr   string
	config *ssh.ClientConfig
	agent  *agentConn
}

// agentConn holds one ssh-agent connection for the client's lifetime.
// Agent signers sign over the connection that listed them, so it must
// stay open while a handshake is in progress.
type agentConn struct {
	sock string
	mu   sync.Mutex
	conn net.Conn
}

func (a *agentConn) signers() ([]ssh.Signer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for attempt := 0; ; attempt++ {
		if a.conn == nil {
			conn, err := net.Dial("unix", a.sock)
			if err != nil {
				return nil, fmt.Errorf("failed to reach ssh-agent: %w", err)
			}
			a.conn = conn
		}

		signers, err := agent.NewClient(a.conn).Signers()
		if err == nil {
			return signers, nil
		}

		// Agent restarted under us; redial once
		a.conn.Close()
		a.conn = nil
		if attempt > 0 {
			return nil, fmt.Errorf("failed to list ssh-agent keys: %w", err)
		}
	}
}

func (a *agentConn) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil
	}
	err := a.conn.Close()
	a.conn = nil
	return err
}

// NewGerritClient prepares authentication and host key checks for a source
func NewGerritClient(src cfg.SourceConfiguration) (*GerritClient, error) {
	user := src.Username
	if user == "" {
		user = os.Getenv("USER")
	}

	var agentSock *agentConn
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		agentSock = &agentConn{sock: sock}
	}

	auth, err := authMethods(src.Keys, agentSock)
	if err != nil {
		return nil, err
	}

	hostKeys, err := hostKeyCallback(src.Fingerprints, src.KnownHosts)
	if err != nil {
		return nil, err
	}

	return &GerritClient{
		addr: net.JoinHostPort(src.Host, strconv.Itoa(src.Port)),
		config: &ssh.ClientConfig{
			User:            user,
			Auth:            auth,
			HostKeyCallback: hostKeys,
			Timeout:         dialTimeout,
		},
		agent: agentSock,
	}, nil
}

// Close releases the ssh-agent connection, if one was opened
func (g *GerritClient) Close() error {
	if g.agent == nil {
		return nil
	}
	return g.agent.Close()
}

// Addr returns host:port of the daemon
func (g *GerritClient) Addr() string {
	return g.addr
}

func authMethods(keys []string, agentSock *agentConn) ([]ssh.AuthMethod, error) {
	if len(keys) == 0 {
		if home, err := os.UserHomeDir(); err == nil {
			for _, name := range defaultKeyFiles {
				path := filepath.Join(home, ".ssh", name)
				if _, err := os.Stat(path); err == nil {
					keys = append(keys, path)
				}
			}
		}
	}

	var signers []ssh.Signer
	for _, path := range keys {
		pem, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read ssh key %s: %w", path, err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			var missing *ssh.PassphraseMissingError
			if errors.As(err, &missing) {
				log.Warn().Str("key", path).Msg("Skipping passphrase protected key, use ssh-agent")
				continue
			}
			return nil, fmt.Errorf("failed to parse ssh key %s: %w", path, err)
		}
		signers = append(signers, signer)
	}

	var methods []ssh.AuthMethod
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}

	if agentSock != nil {
		methods = append(methods, ssh.PublicKeysCallback(agentSock.signers))
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("no ssh keys or agent available")
	}
	return methods, nil
}

func hostKeyCallback(fingerprints []string, knownHostsFile string) (ssh.HostKeyCallback, error) {
	if len(fingerprints) > 0 {
		return checkFingerprints(fingerprints), nil
	}

	if knownHostsFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("no fingerprints or known_hosts configured: %w", err)
		}
		knownHostsFile = filepath.Join(home, ".ssh", "known_hosts")
	}

	cb, err := knownhosts.New(knownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load known hosts %s: %w", knownHostsFile, err)
	}
	return cb, nil
}

func checkFingerprints(fingerprints []string) ssh.HostKeyCallback {
	m := make(map[string]bool, len(fingerprints))
	for _, fp := range fingerprints {
		m[fp] = true
	}

	return func(hostname string, _ net.Addr, key ssh.PublicKey) error {
		fingerprint := ssh.FingerprintSHA256(key)
		if !m[fingerprint] {
			return fmt.Errorf("ssh: unknown fingerprint (%s) for %s", fingerprint, hostname)
		}
		return nil
	}
}

// dial connects and ties the connection lifetime to ctx
func (g *GerritClient) dial(ctx context.Context) (*ssh.Client, func(), error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", g.addr)
	if err != nil {
		return nil, nil, err
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, g.addr, g.config)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	client := ssh.NewClient(c, chans, reqs)

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			client.Close()
		case <-stop:
		}
	}()

	return client, func() {
		close(stop)
		client.Close()
	}, nil
}

// ListProjects returns every project the account can see, one per output line
func (g *GerritClient) ListProjects(ctx context.Context) ([]string, error) {
	client, closeFn, err := g.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}
	defer session.Close()

	var stderr bytes.Buffer
	session.Stderr = &stderr
	out, err := session.Output(ListProjectsCommand)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %s", ListProjectsCommand, err, strings.TrimSpace(stderr.String()))
	}
	return parseProjectList(out), nil
}

func parseProjectList(out []byte) []string {
	var projects []string
	for _, line := range strings.Split(string(out), "\n") {
		if name := strings.TrimSpace(line); name != "" {
			projects = append(projects, name)
		}
	}
	return projects
}

// Stream runs stream-events and hands every line to handle until the
// connection drops, ctx ends or handle fails
func (g *GerritClient) Stream(ctx context.Context, handle func([]byte) error) error {
	client, closeFn, err := g.dial(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}
	defer session.Close()

	stdout, err := session.StdoutPipe()
	if err != nil {
		return err
	}
	if err := session.Start(StreamEventsCommand); err != nil {
		return fmt.Errorf("failed to start %s: %w", StreamEventsCommand, err)
	}
	log.Info().Str("addr", g.addr).Msg("Listening for stream events")

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		if err := handle(scanner.Bytes()); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%s exited: %v", StreamEventsCommand, session.Wait())
}
