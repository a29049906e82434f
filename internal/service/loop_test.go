package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/riskpy/risk-sms/internal/config"
	"github.com/riskpy/risk-sms/internal/model"
	"github.com/riskpy/risk-sms/internal/service"
)

type fakeQueue struct {
	mu       sync.Mutex
	batches  [][]model.SmsMessage
	loads    int
	claims   []model.Status
	lockBusy bool
}

func (f *fakeQueue) LoadPendingMessages(_ context.Context, source string, _, _ *string, _ int) []model.SmsMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if len(f.batches) == 0 {
		return nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	for i := range batch {
		batch[i].Source = source
	}
	return batch
}

func (f *fakeQueue) BulkClaim(_ context.Context, messages []model.SmsMessage, newState model.Status) []model.SmsMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims = append(f.claims, newState)
	if f.lockBusy {
		return nil
	}
	return messages
}

func (f *fakeQueue) loadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads
}

type fakeDispatcher struct {
	mu      sync.Mutex
	batches [][]model.SmsMessage
	modes   []model.SendMode
	delays  []time.Duration
}

func (f *fakeDispatcher) Send(_ context.Context, mode model.SendMode, messages []model.SmsMessage, delay time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, messages)
	f.modes = append(f.modes, mode)
	f.delays = append(f.delays, delay)
}

func (f *fakeDispatcher) sent() [][]model.SmsMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]model.SmsMessage, len(f.batches))
	copy(out, f.batches)
	return out
}

func svcConfig() config.ServiceConfig {
	carrier := "TIGO"
	return config.ServiceConfig{
		Nombre:                "tigo-alertas",
		Telefonia:             &carrier,
		CantidadMaximaPorLote: 100,
		ModoEnvioLote:         string(model.ModeSequentialSpaced),
		IntervaloEntreLotesMs: 10,
		MaximoIntentos:        5,
		SMPP: config.SmppConfig{
			Host: "127.0.0.1", Port: 2775, SystemID: "risk01",
			SourceAddress: "24100", SendDelayMs: 5,
		},
	}
}

func pending(ids ...int64) []model.SmsMessage {
	out := make([]model.SmsMessage, len(ids))
	for i, id := range ids {
		out[i] = model.SmsMessage{ID: decimal.NewFromInt(id), Destination: "0972100000", Text: "Hola"}
	}
	return out
}

func TestLoop_ClaimsAndDispatchesBatch(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{batches: [][]model.SmsMessage{pending(10, 11)}}
	d := &fakeDispatcher{}
	loop := service.NewLoop(svcConfig(), q, d)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { loop.Run(ctx); close(done) }()

	waitFor(t, func() bool { return len(d.sent()) == 1 })
	cancel()
	<-done

	batch := d.sent()[0]
	if len(batch) != 2 {
		t.Fatalf("dispatched %d messages, want 2", len(batch))
	}
	if batch[0].Source != "24100" {
		t.Fatalf("source = %q, want the configured sourceAdress", batch[0].Source)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.claims) != 1 || q.claims[0] != model.StatusInProgress {
		t.Fatalf("claims = %v, want one claim to N", q.claims)
	}
	if d.modes[0] != model.ModeSequentialSpaced {
		t.Fatalf("mode = %q", d.modes[0])
	}
	if d.delays[0] != 5*time.Millisecond {
		t.Fatalf("delay = %v, want 5ms", d.delays[0])
	}
}

func TestLoop_EmptyBatchSkipsDispatchAndKeepsPolling(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{}
	d := &fakeDispatcher{}
	loop := service.NewLoop(svcConfig(), q, d)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { loop.Run(ctx); close(done) }()

	waitFor(t, func() bool { return q.loadCount() >= 3 })
	cancel()
	<-done

	if got := len(d.sent()); got != 0 {
		t.Fatalf("dispatched %d batches from empty polls, want 0", got)
	}
}

func TestLoop_SkipsBatchWhenNothingClaimed(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{batches: [][]model.SmsMessage{pending(10)}, lockBusy: true}
	d := &fakeDispatcher{}
	loop := service.NewLoop(svcConfig(), q, d)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { loop.Run(ctx); close(done) }()

	waitFor(t, func() bool { return q.loadCount() >= 2 })
	cancel()
	<-done

	if got := len(d.sent()); got != 0 {
		t.Fatalf("dispatched %d batches while rows were locked elsewhere, want 0", got)
	}
}

func TestLoop_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{}
	d := &fakeDispatcher{}
	loop := service.NewLoop(svcConfig(), q, d)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { loop.Run(ctx); close(done) }()

	waitFor(t, func() bool { return q.loadCount() >= 1 })
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop after cancellation")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached within deadline")
}
