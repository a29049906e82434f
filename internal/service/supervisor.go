package service

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/riskpy/risk-sms/internal/config"
	"github.com/riskpy/risk-sms/internal/logging"
	"github.com/riskpy/risk-sms/internal/sender"
	"github.com/riskpy/risk-sms/internal/smpp"
	"github.com/riskpy/risk-sms/internal/stats"
	"github.com/riskpy/risk-sms/internal/store"
)

const latencyReportEvery = 100

// runtime bundles everything one carrier service owns.
type runtime struct {
	name    string
	manager *smpp.SessionManager
	sender  *sender.Sender
	loop    *Loop
}

// Supervisor spawns one polling loop per configured service and tears
// everything down when the process context ends. The store is shared; every
// other component is per service.
type Supervisor struct {
	cfg      *config.Config
	store    *store.MessageStore
	runtimes []*runtime
}

// NewSupervisor wires a supervisor over an already-connected store.
func NewSupervisor(cfg *config.Config, st *store.MessageStore) *Supervisor {
	return &Supervisor{cfg: cfg, store: st}
}

// Run binds every service and drives the loops until ctx is cancelled. An
// initial bind failure is fatal and returned; after startup, failures are
// the services' own problem (rebind, retry, swallow).
func (s *Supervisor) Run(ctx context.Context) error {
	for _, svcCfg := range s.cfg.SMS {
		rt, err := s.startService(ctx, svcCfg)
		if err != nil {
			s.shutdown()
			return fmt.Errorf("service %s: %w", svcCfg.Nombre, err)
		}
		s.runtimes = append(s.runtimes, rt)
	}

	g, loopCtx := errgroup.WithContext(ctx)
	g.SetLimit(len(s.runtimes))
	for _, rt := range s.runtimes {
		g.Go(func() error {
			rt.loop.Run(loopCtx)
			return nil
		})
	}
	_ = g.Wait()

	s.shutdown()
	return nil
}

// startService builds the per-service runtime: dedicated store view,
// latency stats, bound session with monitor, sender pool and loop.
func (s *Supervisor) startService(ctx context.Context, svcCfg config.ServiceConfig) (*runtime, error) {
	logCtx := logging.ContextWithService(ctx, svcCfg.Nombre)
	slog.InfoContext(logCtx, "iniciando servicio",
		slog.String("system_id", svcCfg.SMPP.SystemID),
		slog.String("host", svcCfg.SMPP.Host))

	svcStore := s.store.WithMaxAttempts(svcCfg.MaximoIntentos)
	latency := stats.NewLatencyStats(latencyReportEvery)

	manager := smpp.NewSessionManager()
	if _, err := manager.Bind(ctx, smpp.BindParams{
		ServiceName:  svcCfg.Nombre,
		Store:        svcStore,
		SMPP:         svcCfg.SMPP,
		LatencyStats: latency,
	}); err != nil {
		return nil, fmt.Errorf("bind inicial: %w", err)
	}

	provider := func() sender.Session {
		if sess := manager.Current(); sess != nil {
			return sess
		}
		return nil
	}
	snd := sender.New(svcCfg.Nombre, provider, svcStore, latency)

	return &runtime{
		name:    svcCfg.Nombre,
		manager: manager,
		sender:  snd,
		loop:    NewLoop(svcCfg, svcStore, snd),
	}, nil
}

// shutdown drains every sender and releases every session. Steps are
// independent per service so one failure cannot strand the rest.
func (s *Supervisor) shutdown() {
	for _, rt := range s.runtimes {
		slog.Info("apagando servicio", slog.String(string(logging.ServiceKey), rt.name))
		rt.sender.Shutdown()
		rt.manager.Shutdown(true)
	}
	s.runtimes = nil
}
