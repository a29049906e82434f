package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/riskpy/risk-sms/internal/config"
	"github.com/riskpy/risk-sms/internal/logging"
	"github.com/riskpy/risk-sms/internal/model"
)

// Queue is the slice of MessageStore the loop polls and claims through.
type Queue interface {
	LoadPendingMessages(ctx context.Context, source string, carrier, classification *string, limit int) []model.SmsMessage
	BulkClaim(ctx context.Context, messages []model.SmsMessage, newState model.Status) []model.SmsMessage
}

// Dispatcher hands a claimed batch to the send strategies.
type Dispatcher interface {
	Send(ctx context.Context, mode model.SendMode, messages []model.SmsMessage, delay time.Duration)
}

// Loop is the per-service polling pipeline: claim a batch of pending
// messages, dispatch it, rest, repeat until the context says stop. Storage
// errors never abort it; the store traps them and the next poll retries.
type Loop struct {
	cfg    config.ServiceConfig
	queue  Queue
	sender Dispatcher
}

// NewLoop builds the loop for one configured service.
func NewLoop(cfg config.ServiceConfig, queue Queue, sender Dispatcher) *Loop {
	return &Loop{cfg: cfg, queue: queue, sender: sender}
}

// Run executes iterations until ctx is cancelled. The iteration counter is
// logging context; it wraps from 100 back to 1.
func (l *Loop) Run(ctx context.Context) {
	baseCtx := logging.ContextWithService(ctx, l.cfg.Nombre)
	slog.InfoContext(baseCtx, "iniciando ciclo de envío",
		slog.String("modo", string(l.cfg.Mode())),
		slog.Int64("intervalo_ms", l.cfg.IntervaloEntreLotesMs))

	count := 1
	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(baseCtx, "ciclo de envío finalizado")
			return
		default:
		}

		l.iterate(logging.ContextWithBatchCounter(baseCtx, count))

		slog.InfoContext(baseCtx, "tomando un descanso entre lotes",
			slog.Int(string(logging.BatchCounterKey), count),
			slog.Int64("intervalo_ms", l.cfg.IntervaloEntreLotesMs))
		if !sleepCtx(ctx, l.cfg.Interval()) {
			slog.InfoContext(baseCtx, "ciclo de envío finalizado durante el descanso")
			return
		}

		count++
		if count >= 100 {
			count = 1
		}
	}
}

// iterate runs one poll-claim-dispatch pass.
func (l *Loop) iterate(ctx context.Context) {
	messages := l.queue.LoadPendingMessages(ctx,
		l.cfg.SMPP.SourceAddress,
		l.cfg.Telefonia,
		l.cfg.Clasificacion,
		l.cfg.CantidadMaximaPorLote)

	if len(messages) == 0 {
		slog.InfoContext(ctx, "no se encontraron mensajes pendientes para enviar")
		return
	}

	claimed := l.queue.BulkClaim(ctx, messages, model.StatusInProgress)
	if len(claimed) == 0 {
		slog.WarnContext(ctx, "ningún mensaje del lote pudo ser reclamado, en uso por otro proceso",
			slog.Int("lote", len(messages)))
		return
	}

	batchCtx := logging.ContextWithBatchID(ctx, uuid.NewString())
	slog.InfoContext(batchCtx, "despachando lote de mensajes",
		slog.String("modo", string(l.cfg.Mode())),
		slog.Int("reclamados", len(claimed)),
		slog.Int("lote", len(messages)))

	l.sender.Send(batchCtx, l.cfg.Mode(), claimed, l.cfg.SMPP.SendDelay())
}

// sleepCtx waits d, reporting false if ctx was cancelled first.
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
