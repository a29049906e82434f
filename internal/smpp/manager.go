package smpp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/riskpy/risk-sms/internal/config"
	"github.com/riskpy/risk-sms/internal/logging"
	"github.com/riskpy/risk-sms/internal/stats"
)

const (
	monitorInitialDelay = 15 * time.Second
	monitorPeriod       = 30 * time.Second
	monitorThreshold    = 30 * time.Second

	unbindWait = 5 * time.Second

	rebindAttempts     = 5
	rebindSettleSleep  = 15 * time.Second
	rebindRetryBackoff = 2 * time.Second
)

// BindParams is everything a bind needs; it is memoized on the first Bind so
// Rebind can repeat it.
type BindParams struct {
	ServiceName  string
	Store        MOStore
	SMPP         config.SmppConfig
	LatencyStats *stats.LatencyStats
}

// SessionManager owns one service's SMPP session and its window monitor. At
// any instant there is at most one bound session and at most one monitor
// task per manager. The Sender reaches the session only through Current, so
// a rebind atomically swaps the target of subsequent submits.
type SessionManager struct {
	mu            sync.Mutex // session + monitor lifecycle
	rebindMu      sync.Mutex // serializes Rebind against itself
	session       *Session
	monitorCancel context.CancelFunc
	params        *BindParams

	cur atomic.Pointer[Session]
}

// NewSessionManager creates an unbound manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{}
}

// Current returns the bound session, or nil. This is the provider handed to
// the Sender; callers must not cache the result across submits.
func (m *SessionManager) Current() *Session {
	return m.cur.Load()
}

// Bind builds the TRANSCEIVER session for one service, installs a fresh
// inbound handler, and starts the window monitor (first inspection after
// 15s, then every 30s, threshold 30s). Parameters are memoized for Rebind.
func (m *SessionManager) Bind(ctx context.Context, params BindParams) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != nil {
		return nil, fmt.Errorf("bind %s: ya existe una sesión activa", params.ServiceName)
	}
	m.params = &params

	handler := NewInboundHandler(params.ServiceName, params.Store)
	cfg := SessionConfig{
		Name:        fmt.Sprintf("SMPP-RiskSession-%s", params.SMPP.SystemID),
		Host:        params.SMPP.Host,
		Port:        params.SMPP.Port,
		SystemID:    params.SMPP.SystemID,
		Password:    params.SMPP.Password,
		WindowSize:  params.SMPP.WindowSize,
		EnquireLink: 30 * time.Second,
	}

	sess, err := Connect(cfg, handler.Handle)
	if err != nil {
		return nil, err
	}
	m.session = sess
	m.cur.Store(sess)

	monitor := NewWindowMonitor(monitorThreshold, params.LatencyStats, func() {
		m.Rebind(context.Background())
	})
	monCtx, cancel := context.WithCancel(context.Background())
	m.monitorCancel = cancel
	go m.runMonitor(monCtx, params.ServiceName, monitor)

	return sess, nil
}

// runMonitor is the manager's single scheduled task: one inspection after
// the initial delay, then one per period, until cancelled.
func (m *SessionManager) runMonitor(ctx context.Context, service string, monitor *WindowMonitor) {
	logCtx := logging.ContextWithService(ctx, service)

	timer := time.NewTimer(monitorInitialDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	ticker := time.NewTicker(monitorPeriod)
	defer ticker.Stop()
	for {
		monitor.InspectAndClean(logCtx, m.monitorView())
		select {
		case <-ctx.Done():
			slog.InfoContext(logCtx, "monitor de ventana detenido")
			return
		case <-ticker.C:
		}
	}
}

// monitorView returns the current session as a WindowView, keeping the nil
// check honest across the interface boundary.
func (m *SessionManager) monitorView() WindowView {
	if s := m.Current(); s != nil {
		return s
	}
	return nil
}

// Shutdown stops the monitor, unbinds and destroys the session. Each step
// is guarded on its own so a failing unbind still lets the client be
// destroyed. force hard-cancels the monitor without letting an in-flight
// inspection reschedule; the graceful path is identical except for intent —
// neither waits on the monitor goroutine, so a monitor-triggered rebind can
// call this without deadlocking.
func (m *SessionManager) Shutdown(force bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.monitorCancel != nil {
		m.monitorCancel()
		m.monitorCancel = nil
	}

	if m.session == nil {
		return
	}
	name := m.session.Name()

	if m.session.IsBound() {
		if err := m.session.Unbind(unbindWait); err != nil {
			slog.Warn("error al hacer unbind de la sesión",
				slog.String(string(logging.SessionNameKey), name),
				slog.Bool("forzado", force),
				slog.Any("error", err))
		}
	}

	m.session.Destroy()
	m.session = nil
	m.cur.Store(nil)
	slog.Info("sesión SMPP liberada", slog.String(string(logging.SessionNameKey), name))
}

// Rebind tears the session down and binds again with the memoized
// parameters, up to 5 attempts. After each shutdown it sleeps 15s so the
// carrier forgets the old bind; between failed attempts it sleeps 2s.
// Cancellation during the settle sleep skips to the next attempt, except on
// the last attempt, which proceeds anyway. Never returns an error: the
// monitor keeps running and may trigger again later.
func (m *SessionManager) Rebind(ctx context.Context) {
	m.rebindMu.Lock()
	defer m.rebindMu.Unlock()

	if m.params == nil {
		slog.Warn("rebind solicitado sin parámetros de bind memorizados")
		return
	}
	params := *m.params
	logCtx := logging.ContextWithService(ctx, params.ServiceName)

	for attempt := 1; attempt <= rebindAttempts; attempt++ {
		slog.WarnContext(logCtx, "iniciando intento de rebind",
			slog.Int("intento", attempt),
			slog.Int("max_intentos", rebindAttempts))

		m.Shutdown(false)

		if !sleepCtx(ctx, rebindSettleSleep) && attempt < rebindAttempts {
			continue
		}

		if _, err := m.Bind(ctx, params); err == nil {
			slog.InfoContext(logCtx, "rebind exitoso", slog.Int("intento", attempt))
			return
		} else {
			slog.ErrorContext(logCtx, "intento de rebind fallido",
				slog.Int("intento", attempt),
				slog.Any("error", err))
		}

		if attempt < rebindAttempts {
			sleepCtx(ctx, rebindRetryBackoff)
		}
	}
	slog.ErrorContext(logCtx, "rebind fallido tras agotar los intentos", slog.Int("intentos", rebindAttempts))
}

// sleepCtx waits d, returning false if ctx was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
