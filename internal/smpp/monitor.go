package smpp

import (
	"context"
	"log/slog"
	"time"

	"github.com/riskpy/risk-sms/internal/stats"
)

// WindowView is the slice of a session the monitor needs.
type WindowView interface {
	WindowSnapshot() []SlotInfo
	CancelSlot(seq int32) error
	MaxWindowSize() int
}

const (
	historyMax             = 10  // inspections kept in the circular history
	minCriticalOccurrences = 5   // critical inspections needed to trigger rebind
	saturationThreshold    = 0.5 // share of the window liberated in one pass
)

// WindowMonitor inspects the in-flight window of a session, liberates slots
// that exceeded the response threshold, and watches for persistent
// degradation. Slots liberated in one inspection count toward a circular
// critical history; enough critical inspections fire the rebind callback.
//
// All state is touched only from the manager's monitor goroutine.
type WindowMonitor struct {
	threshold time.Duration
	stats     *stats.LatencyStats
	onRebind  func()

	criticalHistory [historyMax]bool
	totalCritical   int
	historyIndex    int
}

// NewWindowMonitor builds a monitor. stats and onRebind may be nil.
func NewWindowMonitor(threshold time.Duration, latencyStats *stats.LatencyStats, onRebind func()) *WindowMonitor {
	return &WindowMonitor{
		threshold: threshold,
		stats:     latencyStats,
		onRebind:  onRebind,
	}
}

// InspectAndClean runs one inspection pass over the session window.
func (w *WindowMonitor) InspectAndClean(ctx context.Context, view WindowView) {
	if view == nil {
		slog.WarnContext(ctx, "sesión o ventana nula, no se puede inspeccionar")
		return
	}

	snapshot := view.WindowSnapshot()
	liberated := 0
	now := time.Now()

	for _, sl := range snapshot {
		if sl.Done {
			continue
		}
		elapsed := now.Sub(sl.OfferedAt)
		if elapsed <= w.threshold {
			continue
		}
		if err := view.CancelSlot(sl.Seq); err != nil {
			slog.WarnContext(ctx, "[VENTANA RETENIDA] slot no pudo ser liberado",
				slog.Int("seq", int(sl.Seq)),
				slog.Int64("elapsed_ms", elapsed.Milliseconds()),
				slog.Any("error", err))
		} else {
			liberated++
			slog.WarnContext(ctx, "[VENTANA LIBERADA] slot sin respuesta liberado manualmente",
				slog.Int("seq", int(sl.Seq)),
				slog.Int64("elapsed_ms", elapsed.Milliseconds()))
		}
		if w.stats != nil {
			w.stats.RecordTimeout(elapsed.Milliseconds())
		}
	}

	slog.InfoContext(ctx, "[WINDOW MONITOR] inspección completada",
		slog.Int("slots_ocupados", len(snapshot)),
		slog.Int("slots_liberados", liberated),
		slog.Int64("umbral_ms", w.threshold.Milliseconds()))

	w.evaluateDegradation(ctx, liberated, view.MaxWindowSize())
}

// evaluateDegradation keeps the circular history of critical inspections and
// decides whether the degradation is persistent enough to rebind.
func (w *WindowMonitor) evaluateDegradation(ctx context.Context, liberated, maxWindowSize int) {
	saturated := float64(liberated) >= float64(maxWindowSize)*saturationThreshold

	wasCritical := w.criticalHistory[w.historyIndex]
	if saturated && !wasCritical {
		w.totalCritical++
	}
	if !saturated && wasCritical {
		w.totalCritical--
	}
	w.criticalHistory[w.historyIndex] = saturated
	w.historyIndex = (w.historyIndex + 1) % historyMax

	slog.DebugContext(ctx, "[WINDOW MONITOR] historial crítico actualizado",
		slog.Int("ocurrencias", w.totalCritical),
		slog.Int("inspecciones", historyMax))

	if w.totalCritical >= minCriticalOccurrences && w.onRebind != nil {
		slog.WarnContext(ctx, "[WINDOW MONITOR] degradación persistente detectada, ejecutando rebind")
		w.onRebind()

		w.criticalHistory = [historyMax]bool{}
		w.totalCritical = 0
		w.historyIndex = 0
	}
}
