// Package proxymgr rotates outbound proxies for extraction and fetch requests.
// It tracks failures with exponential backoff and checks proxy reachability.
package proxymgr

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/url"
	"sync"
	"time"

	"mediaqueue/internal/config"
	"mediaqueue/internal/observability"
)

// State is the current state of a proxy.
type State int

const (
	// StateAvailable indicates the proxy can be picked.
	StateAvailable State = iota
	// StateFailed indicates the proxy is in backoff.
	StateFailed
)

const (
	healthCheckTimeout = 10 * time.Second
	maxBackoff         = time.Hour

	defaultSOCKSPort = "1080"
	defaultHTTPPort  = "8080"
	defaultHTTPSPort = "443"
)

type proxyInfo struct {
	url           string
	state         State
	failureCount  int
	lastFailure   time.Time
	backoffUntil  time.Time
	lastHealthChk time.Time
}

// Stats is a point-in-time view of one proxy.
type Stats struct {
	State         State
	FailureCount  int
	LastFailure   time.Time
	BackoffUntil  time.Time
	LastHealthChk time.Time
}

// Manager hands out proxies and tracks their health. A Manager without
// proxies is valid and always picks "" (direct connection).
type Manager struct {
	log     *slog.Logger
	cfg     config.Proxy
	metrics *observability.Metrics

	mu      sync.Mutex
	proxies map[string]*proxyInfo
	order   []string
}

// New creates a Manager for cfg.Proxies.
func New(log *slog.Logger, cfg config.Proxy, metrics *observability.Metrics) *Manager {
	mgr := &Manager{
		log:     log.With(slog.String("package", "proxymgr")),
		cfg:     cfg,
		metrics: metrics,
		proxies: make(map[string]*proxyInfo, len(cfg.Proxies)),
		order:   make([]string, 0, len(cfg.Proxies)),
	}

	if mgr.cfg.MaxFailures < 1 {
		mgr.cfg.MaxFailures = 1
	}

	for _, p := range cfg.Proxies {
		if _, dup := mgr.proxies[p]; dup {
			continue
		}

		mgr.proxies[p] = &proxyInfo{url: p, state: StateAvailable}
		mgr.order = append(mgr.order, p)
	}

	metrics.SetProxiesAvailable(len(mgr.order))

	return mgr
}

// Label returns the proxy host for logs and metrics, without credentials.
func Label(proxyURL string) string {
	u, err := url.Parse(proxyURL)
	if err != nil || u.Host == "" {
		return "invalid"
	}

	return u.Host
}

// Pick returns a random available proxy, or "" when none is configured or available.
func (m *Manager) Pick() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	available := m.availableLocked()
	if len(available) == 0 {
		return ""
	}

	p := available[rand.IntN(len(available))]
	m.metrics.RecordProxyRequest(Label(p))

	return p
}

// MarkFailed records a failure and puts the proxy into backoff after MaxFailures.
func (m *Manager) MarkFailed(proxyURL string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.proxies[proxyURL]
	if !ok {
		return
	}

	info.failureCount++
	info.lastFailure = time.Now()
	m.metrics.RecordProxyFailure(Label(proxyURL))

	if info.failureCount < m.cfg.MaxFailures {
		return
	}

	info.state = StateFailed

	backoff := min(m.cfg.FailureBackoff*time.Duration(1<<min(info.failureCount-m.cfg.MaxFailures, 16)), maxBackoff)
	info.backoffUntil = time.Now().Add(backoff)

	m.metrics.SetProxiesAvailable(len(m.availableLocked()))
	m.log.Warn("proxy marked as failed",
		slog.String("proxy", Label(proxyURL)),
		slog.Int("failure_count", info.failureCount),
		slog.Duration("backoff", backoff))
}

// MarkSuccess resets the failure count of the proxy.
func (m *Manager) MarkSuccess(proxyURL string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.resetLocked(proxyURL)
}

// Restore manually brings a failed proxy back.
func (m *Manager) Restore(proxyURL string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.resetLocked(proxyURL) {
		m.log.Info("proxy restored", slog.String("proxy", Label(proxyURL)))
	}
}

func (m *Manager) resetLocked(proxyURL string) bool {
	info, ok := m.proxies[proxyURL]
	if !ok {
		return false
	}

	info.state = StateAvailable
	info.failureCount = 0
	info.backoffUntil = time.Time{}
	m.metrics.SetProxiesAvailable(len(m.availableLocked()))

	return true
}

// HealthCheck dials the proxy host and updates its state.
func (m *Manager) HealthCheck(ctx context.Context, proxyURL string) error {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return fmt.Errorf("parse proxy url: %w", err)
	}

	addr, err := dialAddr(u)
	if err != nil {
		return err
	}

	dialer := &net.Dialer{Timeout: healthCheckTimeout}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		m.MarkFailed(proxyURL)

		return fmt.Errorf("dial proxy: %w", err)
	}
	defer conn.Close()

	m.mu.Lock()
	if info, ok := m.proxies[proxyURL]; ok {
		info.lastHealthChk = time.Now()
	}
	m.resetLocked(proxyURL)
	m.mu.Unlock()

	return nil
}

// dialAddr returns host:port of u, filling in the scheme's default port.
func dialAddr(u *url.URL) (string, error) {
	if u.Port() != "" {
		return u.Host, nil
	}

	switch u.Scheme {
	case "socks5", "socks5h":
		return net.JoinHostPort(u.Hostname(), defaultSOCKSPort), nil
	case "http":
		return net.JoinHostPort(u.Hostname(), defaultHTTPPort), nil
	case "https":
		return net.JoinHostPort(u.Hostname(), defaultHTTPSPort), nil
	default:
		return "", fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
}

// Run checks every proxy each HealthCheckInterval until ctx is done.
// It returns immediately when there is nothing to check.
func (m *Manager) Run(ctx context.Context) {
	if m.cfg.HealthCheckInterval <= 0 || m.Len() == 0 {
		return
	}

	m.log.Info("proxy health checker started",
		slog.Duration("interval", m.cfg.HealthCheckInterval),
		slog.Int("proxy_count", m.Len()))

	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkAll(ctx)
		}
	}
}

// Stats returns the state of every proxy keyed by url.
func (m *Manager) Stats() map[string]Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Stats, len(m.proxies))
	for p, info := range m.proxies {
		out[p] = Stats{
			State:         info.state,
			FailureCount:  info.failureCount,
			LastFailure:   info.lastFailure,
			BackoffUntil:  info.backoffUntil,
			LastHealthChk: info.lastHealthChk,
		}
	}

	return out
}

// Len returns the number of configured proxies.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.order)
}

// Available returns the number of proxies that can be picked now.
func (m *Manager) Available() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.availableLocked())
}

func (m *Manager) availableLocked() []string {
	now := time.Now()
	out := make([]string, 0, len(m.order))

	for _, p := range m.order {
		info := m.proxies[p]
		if info.state == StateAvailable || now.After(info.backoffUntil) {
			out = append(out, p)
		}
	}

	return out
}

func (m *Manager) checkAll(ctx context.Context) {
	m.mu.Lock()
	proxies := append([]string(nil), m.order...)
	m.mu.Unlock()

	for _, p := range proxies {
		if ctx.Err() != nil {
			return
		}

		if err := m.HealthCheck(ctx, p); err != nil {
			m.log.Debug("proxy health check failed", slog.String("proxy", Label(p)), slog.Any("error", err))
		}
	}
}
