// Package sshpool maintains a bounded set of live SSH sessions to
// guests and gateways, keyed by (host, port, user), with a background
// idle-eviction sweeper and a health check on every reuse.
package sshpool

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/cyberrange/cyris/pkg/log"
)

// Credentials identifies and authenticates an SSH target.
type Credentials struct {
	Host         string
	Port         int
	User         string
	KeyPath      string
	Password     string
	DialTimeout  time.Duration
}

func (c Credentials) key() string {
	return fmt.Sprintf("%s:%d@%s", c.Host, c.Port, c.User)
}

// Session wraps a client connection with last-use bookkeeping for the
// idle sweeper.
type Session struct {
	client   *ssh.Client
	key      string
	mu       sync.Mutex
	lastUsed time.Time
}

// Run executes a command on the session and returns its stdout and
// stderr separately.
func (s *Session) Run(ctx context.Context, cmd string) (stdout, stderr string, err error) {
	s.mu.Lock()
	s.lastUsed = time.Now()
	s.mu.Unlock()

	sess, err := s.client.NewSession()
	if err != nil {
		return "", "", fmt.Errorf("new ssh session: %w", err)
	}
	defer sess.Close()

	var outBuf, errBuf safeBuffer
	sess.Stdout = &outBuf
	sess.Stderr = &errBuf

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()

	select {
	case <-ctx.Done():
		sess.Signal(ssh.SIGKILL)
		return outBuf.String(), errBuf.String(), ctx.Err()
	case runErr := <-done:
		return outBuf.String(), errBuf.String(), runErr
	}
}

// Close releases the underlying client connection.
func (s *Session) Close() error {
	return s.client.Close()
}

// Pool is a bounded cache of live SSH sessions.
type Pool struct {
	maxConnections int
	idleTimeout    time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	keyMu    map[string]*sync.Mutex

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Config configures a new Pool.
type Config struct {
	MaxConnections int
	IdleTimeout    time.Duration
	SweepInterval  time.Duration
}

// New creates a Pool and starts its idle sweeper.
func New(cfg Config) *Pool {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 10
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}

	p := &Pool{
		maxConnections: cfg.MaxConnections,
		idleTimeout:    cfg.IdleTimeout,
		sessions:       make(map[string]*Session),
		keyMu:          make(map[string]*sync.Mutex),
		stopCh:         make(chan struct{}),
	}

	p.wg.Add(1)
	go p.sweepLoop(cfg.SweepInterval)
	return p
}

// Stop shuts down the sweeper and closes every live session.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
	p.CloseAll()
}

// Get returns an existing healthy session for creds or dials a new one.
func (p *Pool) Get(ctx context.Context, creds Credentials) (*Session, error) {
	key := creds.key()

	p.mu.Lock()
	km, ok := p.keyMu[key]
	if !ok {
		km = &sync.Mutex{}
		p.keyMu[key] = km
	}
	p.mu.Unlock()

	km.Lock()
	defer km.Unlock()

	p.mu.Lock()
	if sess, ok := p.sessions[key]; ok {
		p.mu.Unlock()
		if p.HealthCheck(ctx, sess) {
			return sess, nil
		}
		p.evict(key)
	} else {
		p.mu.Unlock()
	}

	p.mu.Lock()
	if len(p.sessions) >= p.maxConnections {
		p.mu.Unlock()
		return nil, fmt.Errorf("ssh pool full (%d connections)", p.maxConnections)
	}
	p.mu.Unlock()

	sess, err := dial(ctx, creds)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.sessions[key] = sess
	p.mu.Unlock()
	return sess, nil
}

func dial(ctx context.Context, creds Credentials) (*Session, error) {
	authMethods, err := authMethodsFor(creds)
	if err != nil {
		return nil, fmt.Errorf("ssh auth: %w", err)
	}

	timeout := creds.DialTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	clientCfg := &ssh.ClientConfig{
		User:            creds.User,
		Auth:            authMethods,
		HostKeyCallback: acceptAndRecordHostKey(),
		Timeout:         timeout,
	}

	addr := net.JoinHostPort(creds.Host, fmt.Sprintf("%d", creds.Port))
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", addr, err)
	}

	client := ssh.NewClient(sshConn, chans, reqs)
	return &Session{client: client, key: creds.key(), lastUsed: time.Now()}, nil
}

// authMethodsFor implements the auth precedence: explicit key path,
// then explicit password, then the local SSH agent. Missing all three
// is a hard error before dialling.
func authMethodsFor(creds Credentials) ([]ssh.AuthMethod, error) {
	if creds.KeyPath != "" {
		keyBytes, err := os.ReadFile(creds.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read key %s: %w", creds.KeyPath, err)
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("parse key %s: %w", creds.KeyPath, err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	if creds.Password != "" {
		return []ssh.AuthMethod{ssh.Password(creds.Password)}, nil
	}
	if agentAuth, ok := agentAuthMethod(); ok {
		return []ssh.AuthMethod{agentAuth}, nil
	}
	return nil, fmt.Errorf("no key, password, or agent available for %s@%s", creds.User, creds.Host)
}

// acceptAndRecordHostKey implements the lab "accept-and-record" host
// key policy. Production deployments must override this with a
// verifying callback against a known_hosts file.
func acceptAndRecordHostKey() ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		log.WithComponent("sshpool").Info().Str("host", hostname).Str("fingerprint", ssh.FingerprintSHA256(key)).Msg("accepting host key")
		return nil
	}
}

// HealthCheck issues a trivial command with a short timeout; a
// failure means the session is dead and should be evicted.
func (p *Pool) HealthCheck(ctx context.Context, sess *Session) bool {
	checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, _, err := sess.Run(checkCtx, "echo ok")
	return err == nil
}

// Close releases the session stored under key ("host:port@user"), if any.
func (p *Pool) Close(key string) {
	p.evict(key)
}

// CloseAll releases every live session.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, sess := range p.sessions {
		sess.Close()
		delete(p.sessions, key)
	}
}

func (p *Pool) evict(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sess, ok := p.sessions[key]; ok {
		sess.Close()
		delete(p.sessions, key)
	}
}

// sweepLoop periodically evicts idle sessions; unhealthy sessions are
// evicted by Get's health check, not here. Modelled
// on the ticker+stopCh shutdown idiom used for every background loop
// in this codebase.
func (p *Pool) sweepLoop(interval time.Duration) {
	defer p.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Pool) sweep() {
	now := time.Now()
	p.mu.Lock()
	stale := make([]string, 0)
	for key, sess := range p.sessions {
		sess.mu.Lock()
		idle := now.Sub(sess.lastUsed)
		sess.mu.Unlock()
		if idle > p.idleTimeout {
			stale = append(stale, key)
		}
	}
	p.mu.Unlock()

	for _, key := range stale {
		log.WithComponent("sshpool").Debug().Str("key", key).Msg("evicting idle ssh session")
		p.evict(key)
	}
}

type safeBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
