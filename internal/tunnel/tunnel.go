// Package tunnel publishes a local port through a localtunnel-compatible
// relay.
//
// The relay hands out a public URL plus a TCP port on the relay host. The
// client keeps up to max_conn_count idle connections to that port; each one is
// spliced to the local server once a visitor's request arrives on it, and
// replaced after it finishes.
package tunnel

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultHost is the public localtunnel relay.
const DefaultHost = "https://localtunnel.me"

// ErrClosed is reported by Wait once the session was closed.
var ErrClosed = errors.New("tunnel closed")

type Options struct {
	// Host is the relay base URL. Defaults to DefaultHost.
	Host string
	// Subdomain requests a specific public name; the relay may ignore it.
	Subdomain string
	// LocalHost defaults to 127.0.0.1.
	LocalHost string
	LocalPort int
	// LocalTLS dials the local server over TLS without verifying its
	// certificate, for servers running on a self-signed pair.
	LocalTLS bool

	HTTPClient *http.Client
	// RetryDelay is the pause after a failed relay or local dial.
	RetryDelay time.Duration
}

// assignment is the relay's reply to a tunnel request.
type assignment struct {
	ID           string `json:"id"`
	IP           string `json:"ip"`
	Port         int    `json:"port"`
	MaxConnCount int    `json:"max_conn_count"`
	URL          string `json:"url"`
	Message      string `json:"message"`
}

// Session is an open tunnel.
type Session struct {
	url      string
	remote   string
	local    string
	maxConns int
	localTLS bool
	retry    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	onClose []func()
	onError []func(error)
}

// Open asks the relay for a tunnel and starts serving it. The session ends
// when ctx is cancelled or Close is called.
func Open(ctx context.Context, opts Options) (*Session, error) {
	if opts.LocalPort <= 0 {
		return nil, fmt.Errorf("invalid local port %d", opts.LocalPort)
	}
	if opts.Host == "" {
		opts.Host = DefaultHost
	}
	if opts.LocalHost == "" {
		opts.LocalHost = "127.0.0.1"
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}

	base, err := url.Parse(strings.TrimRight(opts.Host, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse relay host: %w", err)
	}
	a, err := requestAssignment(ctx, client, base, opts.Subdomain)
	if err != nil {
		return nil, err
	}

	remoteHost := a.IP
	if remoteHost == "" {
		remoteHost = base.Hostname()
	}
	maxConns := a.MaxConnCount
	if maxConns <= 0 {
		maxConns = 1
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		url:      a.URL,
		remote:   net.JoinHostPort(remoteHost, strconv.Itoa(a.Port)),
		local:    net.JoinHostPort(opts.LocalHost, strconv.Itoa(opts.LocalPort)),
		maxConns: maxConns,
		localTLS: opts.LocalTLS,
		retry:    opts.RetryDelay,
		ctx:      sctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		conns:    make(map[net.Conn]struct{}),
	}
	s.start()
	return s, nil
}

func requestAssignment(ctx context.Context, client *http.Client, base *url.URL, subdomain string) (*assignment, error) {
	u := *base
	if subdomain != "" {
		u.Path = "/" + url.PathEscape(subdomain)
	} else {
		u.Path = "/"
		u.RawQuery = "new"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request tunnel: %w", err)
	}
	defer resp.Body.Close()

	var a assignment
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&a); err != nil {
		return nil, fmt.Errorf("relay %s: decode reply: %w", resp.Status, err)
	}
	if resp.StatusCode != http.StatusOK {
		if a.Message != "" {
			return nil, fmt.Errorf("relay %s: %s", resp.Status, a.Message)
		}
		return nil, fmt.Errorf("relay %s", resp.Status)
	}
	if a.Port <= 0 || a.URL == "" {
		return nil, errors.New("relay reply is missing url or port")
	}
	return &a, nil
}

// URL is the public address of the tunnel.
func (s *Session) URL() string { return s.url }

// OnClose registers fn to run once the session has fully stopped.
func (s *Session) OnClose(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = append(s.onClose, fn)
}

// OnError registers fn to receive relay and local dial errors.
func (s *Session) OnError(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = append(s.onError, fn)
}

// Close stops all workers and drops open connections.
func (s *Session) Close() error {
	s.cancel()
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	<-s.done
	return nil
}

// Wait blocks until the session stops and returns ErrClosed.
func (s *Session) Wait() error {
	<-s.done
	return ErrClosed
}

func (s *Session) start() {
	var wg sync.WaitGroup
	for i := 0; i < s.maxConns; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker()
		}()
	}
	go func() {
		// ctx cancellation alone leaves sockets blocked in reads.
		<-s.ctx.Done()
		s.mu.Lock()
		for c := range s.conns {
			_ = c.Close()
		}
		s.mu.Unlock()
	}()
	go func() {
		wg.Wait()
		close(s.done)
		s.mu.Lock()
		hooks := append([]func(){}, s.onClose...)
		s.mu.Unlock()
		for _, fn := range hooks {
			fn()
		}
	}()
}

func (s *Session) worker() {
	for s.ctx.Err() == nil {
		err := s.serveOne()
		if err == nil || s.ctx.Err() != nil {
			continue
		}
		s.emitError(err)
		select {
		case <-s.ctx.Done():
		case <-time.After(s.retry):
		}
	}
}

var errRelayHungUp = errors.New("relay closed an idle connection")

// serveOne opens one relay connection and splices it to the local server
// once the relay starts sending.
func (s *Session) serveOne() error {
	var d net.Dialer
	remote, err := d.DialContext(s.ctx, "tcp", s.remote)
	if err != nil {
		return fmt.Errorf("dial relay %s: %w", s.remote, err)
	}
	if !s.track(remote) {
		return nil
	}
	defer s.untrack(remote)

	br := bufio.NewReader(remote)
	if _, err := br.Peek(1); err != nil {
		if errors.Is(err, io.EOF) {
			return errRelayHungUp
		}
		return fmt.Errorf("read relay: %w", err)
	}

	local, err := s.dialLocal(&d)
	if err != nil {
		return fmt.Errorf("dial local %s: %w", s.local, err)
	}
	if !s.track(local) {
		return nil
	}
	defer s.untrack(local)

	// A failure on either side tears down both.
	g, gctx := errgroup.WithContext(s.ctx)
	stop := context.AfterFunc(gctx, func() {
		_ = local.Close()
		_ = remote.Close()
	})
	defer stop()
	g.Go(func() error {
		_, err := io.Copy(local, br)
		closeWrite(local)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(remote, local)
		closeWrite(remote)
		return err
	})
	if err := g.Wait(); err != nil && !endOfStream(err) {
		return fmt.Errorf("splice: %w", err)
	}
	return nil
}

func (s *Session) dialLocal(d *net.Dialer) (net.Conn, error) {
	if !s.localTLS {
		return d.DialContext(s.ctx, "tcp", s.local)
	}
	td := &tls.Dialer{NetDialer: d, Config: &tls.Config{InsecureSkipVerify: true}}
	return td.DialContext(s.ctx, "tcp", s.local)
}

// endOfStream reports errors that only mean a peer went away.
func endOfStream(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

// track registers c for Close; it refuses (and closes c) once the session is
// shutting down.
func (s *Session) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		_ = c.Close()
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Session) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	_ = c.Close()
}

func (s *Session) emitError(err error) {
	s.mu.Lock()
	hooks := append([]func(error){}, s.onError...)
	s.mu.Unlock()
	for _, fn := range hooks {
		fn(err)
	}
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = c.Close()
}
