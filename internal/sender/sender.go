package sender

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/riskpy/risk-sms/internal/logging"
	"github.com/riskpy/risk-sms/internal/model"
	"github.com/riskpy/risk-sms/internal/smpp"
	"github.com/riskpy/risk-sms/internal/stats"
	"github.com/riskpy/risk-sms/pkg/segmenter"
)

const (
	workerCount   = 50
	taskQueueSize = 4096

	defaultDelay  = 500 * time.Millisecond
	submitTimeout = 3 * time.Second
	shutdownGrace = 5 * time.Second

	// CodeSessionUnavailable marks a send skipped because no bound session
	// was available; the message stays pending.
	CodeSessionUnavailable = 999998
	// CodeSubmitException marks a send aborted by an encoding or transport
	// error; the message stays pending.
	CodeSubmitException = 999999
)

// retryStatuses are the SMPP command statuses that keep a message in
// PENDING_SEND; every other non-OK status is terminal.
// Reference: https://smpp.org/smpp-error-codes.html
var retryStatuses = map[int32]bool{
	-1: true,
	8:  true,
	20: true,
	88: true,
}

// Store is the slice of MessageStore the sender settles outcomes through.
type Store interface {
	UpdateMessageStatus(ctx context.Context, id decimal.Decimal, newState model.Status, responseCode *int, responseText, externalID *string)
}

// Session is one bound SMPP session as the sender sees it.
type Session interface {
	IsBound() bool
	Submit(req smpp.SubmitRequest, timeout time.Duration) (smpp.SubmitResult, error)
}

// SessionProvider returns the current session on every call, or nil when
// none is bound. The sender never caches the result, so a rebind swaps the
// target of subsequent submits.
type SessionProvider func() Session

// Dispatch is the handle of an asynchronous batch: wait on it, chain on it,
// or drop it.
type Dispatch struct {
	done chan struct{}
}

// Wait blocks until the batch finished or ctx was cancelled.
func (d *Dispatch) Wait(ctx context.Context) error {
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done exposes the completion channel for chaining.
func (d *Dispatch) Done() <-chan struct{} { return d.done }

type task struct {
	ctx  context.Context
	msg  model.SmsMessage
	done chan struct{}
}

// Sender submits batches of messages over the current session using one of
// four strategies, on a fixed pool of workers plus one pacing goroutine per
// spaced dispatch. Outcomes are settled per message through the store; only
// the first segment of a concatenated message decides its retry disposition
// and only the last confirms SENT.
type Sender struct {
	service  string
	provider SessionProvider
	store    Store
	latency  *stats.LatencyStats

	tasks chan task
	quit  chan struct{}

	workersWG sync.WaitGroup
	pacersWG  sync.WaitGroup

	forceCtx    context.Context
	forceCancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// New starts the worker pool for one service.
func New(service string, provider SessionProvider, st Store, latency *stats.LatencyStats) *Sender {
	forceCtx, forceCancel := context.WithCancel(context.Background())
	s := &Sender{
		service:     service,
		provider:    provider,
		store:       st,
		latency:     latency,
		tasks:       make(chan task, taskQueueSize),
		quit:        make(chan struct{}),
		forceCtx:    forceCtx,
		forceCancel: forceCancel,
	}
	for i := 0; i < workerCount; i++ {
		s.workersWG.Add(1)
		go s.worker()
	}
	return s
}

// Send dispatches one batch according to mode. Unrecognized modes fall back
// to secuencial_espaciado with a warning. delay <= 0 uses the 500ms default.
func (s *Sender) Send(ctx context.Context, mode model.SendMode, messages []model.SmsMessage, delay time.Duration) {
	if delay <= 0 {
		delay = defaultDelay
	}
	switch mode {
	case model.ModeParallel:
		s.sendParallel(ctx, messages)
	case model.ModeParallelSpaced:
		s.sendParallelSpaced(ctx, messages, delay)
	case model.ModeSequentialSpaced:
		s.sendSequentialSpaced(ctx, messages, delay)
	case model.ModeSequentialSpacedAsync:
		// Completion is logged by the chain itself; Send drops the
		// returned handle.
		s.sendSequentialSpacedAsync(ctx, messages, delay)
	default:
		slog.WarnContext(ctx, "modo de envío no reconocido, usando secuencial_espaciado por defecto",
			slog.String("modo", string(mode)))
		s.sendSequentialSpaced(ctx, messages, delay)
	}
}

// sendParallel submits every message as an independent worker task and
// returns immediately.
func (s *Sender) sendParallel(ctx context.Context, messages []model.SmsMessage) {
	for _, msg := range messages {
		s.enqueue(ctx, msg, nil)
	}
}

// sendParallelSpaced starts a single pacing goroutine that sends one
// message per delay tick, first one immediately. Returns immediately.
func (s *Sender) sendParallelSpaced(ctx context.Context, messages []model.SmsMessage, delay time.Duration) {
	batch := make([]model.SmsMessage, len(messages))
	copy(batch, messages)

	s.pacersWG.Add(1)
	go func() {
		defer s.pacersWG.Done()
		for i, msg := range batch {
			if i > 0 && !s.pause(delay) {
				slog.WarnContext(ctx, "envío espaciado interrumpido por apagado",
					slog.Int("enviados", i), slog.Int("lote", len(batch)))
				s.releaseBatch(ctx, batch[i:])
				return
			}
			select {
			case <-s.quit:
				s.releaseBatch(ctx, batch[i:])
				return
			default:
			}
			s.sendSingle(ctx, msg)
		}
	}()
}

// sendSequentialSpaced submits messages strictly in order with delay between
// them, blocking the caller until the whole batch is processed.
func (s *Sender) sendSequentialSpaced(ctx context.Context, messages []model.SmsMessage, delay time.Duration) {
	if err := s.runChain(ctx, messages, delay); err != nil {
		slog.WarnContext(ctx, "envío secuencial con delay interrumpido", slog.Any("error", err))
	}
}

// sendSequentialSpacedAsync runs the same ordered chain as a deferred unit
// and returns immediately; completion is logged.
func (s *Sender) sendSequentialSpacedAsync(ctx context.Context, messages []model.SmsMessage, delay time.Duration) *Dispatch {
	batch := make([]model.SmsMessage, len(messages))
	copy(batch, messages)

	d := &Dispatch{done: make(chan struct{})}
	s.pacersWG.Add(1)
	go func() {
		defer s.pacersWG.Done()
		defer close(d.done)
		if err := s.runChain(ctx, batch, delay); err != nil {
			slog.ErrorContext(ctx, "error en envío secuencial async", slog.Any("error", err))
			return
		}
		slog.InfoContext(ctx, "envío secuencial async completado", slog.Int("lote", len(batch)))
	}()
	return d
}

// runChain is the shared ordered submit→delay→submit chain. Each step runs
// on the worker pool so task context handling is uniform across modes. When
// the chain is cut short, the unsent tail of the batch is released so no
// claimed row stays in IN_PROGRESS.
func (s *Sender) runChain(ctx context.Context, messages []model.SmsMessage, delay time.Duration) error {
	for i, msg := range messages {
		done := make(chan struct{})
		if !s.enqueue(ctx, msg, done) {
			s.releaseBatch(ctx, messages[i+1:])
			return context.Canceled
		}
		select {
		case <-done:
		case <-s.forceCtx.Done():
			s.releaseBatch(ctx, messages[i+1:])
			return s.forceCtx.Err()
		}
		if i < len(messages)-1 && !s.pause(delay) {
			s.releaseBatch(ctx, messages[i+1:])
			return context.Canceled
		}
	}
	return nil
}

// enqueue hands one message to the pool. It reports false when the sender
// is already shut down: the task is rejected and its claim released so the
// row does not stay in IN_PROGRESS.
func (s *Sender) enqueue(ctx context.Context, msg model.SmsMessage, done chan struct{}) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		slog.WarnContext(ctx, "tarea rechazada: sender apagado",
			slog.String("id_mensaje", msg.ID.String()))
		s.releaseUnsent(ctx, msg)
		if done != nil {
			close(done)
		}
		return false
	}
	s.tasks <- task{ctx: ctx, msg: msg, done: done}
	return true
}

func (s *Sender) worker() {
	defer s.workersWG.Done()
	for t := range s.tasks {
		select {
		case <-s.forceCtx.Done():
			// force-cancelled: drain without sending
			s.releaseUnsent(t.ctx, t.msg)
		default:
			s.sendSingle(t.ctx, t.msg)
		}
		if t.done != nil {
			close(t.done)
		}
	}
}

// releaseUnsent returns a claimed message that will never be submitted to
// pending, with the no-session disposition. Claimed rows must not survive a
// shutdown in IN_PROGRESS: the poll only sees pending.
func (s *Sender) releaseUnsent(ctx context.Context, msg model.SmsMessage) {
	ctx = logging.ContextWithService(ctx, s.service)
	ctx = logging.ContextWithMessageID(ctx, msg.ID.String())
	code := CodeSessionUnavailable
	text := "Sesión no disponible"
	s.store.UpdateMessageStatus(ctx, msg.ID, model.StatusPendingSend, &code, &text, nil)
}

// releaseBatch releases every message of an abandoned batch tail.
func (s *Sender) releaseBatch(ctx context.Context, messages []model.SmsMessage) {
	for _, msg := range messages {
		s.releaseUnsent(ctx, msg)
	}
}

// pause waits delay unless the sender is quitting or force-cancelled.
func (s *Sender) pause(delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.quit:
		return false
	case <-s.forceCtx.Done():
		return false
	}
}

// sendSingle submits one logical message: segmentation, one submit per
// part, and the segment-scoped status updates. settled tracks whether the
// message's disposition was already written, so a session lost at any later
// segment still returns the row to pending instead of leaving the claim
// stranded, without overwriting a first-part verdict.
func (s *Sender) sendSingle(ctx context.Context, msg model.SmsMessage) {
	// Re-establish the task context at the top of the worker body so log
	// routing by service works for every submit.
	ctx = logging.ContextWithService(ctx, s.service)
	ctx = logging.ContextWithMessageID(ctx, msg.ID.String())

	ref := byte(time.Now().UnixMilli() & 0xFF)
	parts := segmenter.ForMessage(msg.Text, ref)

	slog.InfoContext(ctx, "enviando mensaje",
		slog.String("destino", msg.Destination),
		slog.String("mensaje", msg.Text),
		slog.Int("partes", len(parts)))

	settled := false
	for _, part := range parts {
		sess := s.provider()
		if sess == nil || !sess.IsBound() {
			slog.WarnContext(ctx, "sesión SMPP no disponible o no está en estado BOUND, no se puede enviar el mensaje",
				slog.Int("parte", part.Seq))
			if !settled {
				code := CodeSessionUnavailable
				text := "Sesión no disponible"
				s.store.UpdateMessageStatus(ctx, msg.ID, model.StatusPendingSend, &code, &text, nil)
			}
			return
		}

		req := smpp.SubmitRequest{
			Source:      msg.Source,
			Destination: msg.Destination,
			Payload:     part.Payload,
			EsmClass:    part.EsmClass,
			DataCoding:  part.DataCoding,
		}

		start := time.Now()
		resp, err := sess.Submit(req, submitTimeout)
		elapsed := time.Since(start).Milliseconds()

		if err != nil {
			slog.ErrorContext(ctx, "error al enviar mensaje", slog.Any("error", err))
			if !settled {
				code := CodeSubmitException
				text := "Excepción: " + err.Error()
				s.store.UpdateMessageStatus(ctx, msg.ID, model.StatusPendingSend, &code, &text, nil)
			}
			return
		}

		s.latency.Record(elapsed)
		slog.InfoContext(ctx, "respuesta de submit recibida",
			slog.String("destino", msg.Destination),
			slog.Int("parte", part.Seq),
			slog.Int("total_partes", part.Total),
			slog.String("id_externo", resp.MessageID),
			slog.Int64("latencia_ms", elapsed))

		code := int(resp.CommandStatus)
		if resp.OK() {
			if part.Seq == part.Total {
				s.store.UpdateMessageStatus(ctx, msg.ID, model.StatusSent, &code, &resp.ResultText, &resp.MessageID)
			}
			continue
		}

		// Only the first part decides the retry disposition; parts in
		// between are submitted without touching storage.
		if part.Seq == 1 {
			newState := model.StatusErrorProcessed
			if retryStatuses[resp.CommandStatus] {
				newState = model.StatusPendingSend
			}
			s.store.UpdateMessageStatus(ctx, msg.ID, newState, &code, &resp.ResultText, nil)
			settled = true
		}
	}
}

// Shutdown drains the pool and the pacing goroutines, giving each group 5s
// before force-cancelling whatever is left. Tasks submitted after Shutdown
// are rejected.
func (s *Sender) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.quit)
	close(s.tasks)
	s.mu.Unlock()

	if !waitTimeout(&s.workersWG, shutdownGrace) {
		slog.Warn("pool de envío no drenó a tiempo, cancelando tareas restantes",
			slog.String(string(logging.ServiceKey), s.service))
		s.forceCancel()
		s.workersWG.Wait()
	}
	if !waitTimeout(&s.pacersWG, shutdownGrace) {
		slog.Warn("planificador de delays no drenó a tiempo, cancelando",
			slog.String(string(logging.ServiceKey), s.service))
		s.forceCancel()
		s.pacersWG.Wait()
	}
	s.forceCancel()
}

// waitTimeout waits on wg at most d, reporting whether it finished.
func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
