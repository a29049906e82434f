package model

import "github.com/shopspring/decimal"

// SmsMessage is one outbound message as loaded from the pending queue.
// Source is the service's configured source address, copied onto every row
// of a batch; it is not a column of the queue table.
type SmsMessage struct {
	ID          decimal.Decimal
	Source      string
	Destination string
	Text        string
}

// Status is the persisted state of a message. The single-letter wire codes
// are frozen; they are what the queue table stores.
type Status string

const (
	// StatusPendingSend marks a message awaiting dispatch.
	StatusPendingSend Status = "P"
	// StatusInProgress marks a message claimed by a worker.
	StatusInProgress Status = "N"
	// StatusSent marks a message accepted by the carrier.
	StatusSent Status = "E"
	// StatusErrorProcessed marks a terminal failure or an exhausted attempt cap.
	StatusErrorProcessed Status = "R"
	// StatusCancelled marks an administratively voided message.
	StatusCancelled Status = "A"
)

var statusDescriptions = map[Status]string{
	StatusPendingSend:    "Pendiente de envío",
	StatusInProgress:     "En proceso de envío",
	StatusSent:           "Enviado",
	StatusErrorProcessed: "Procesado con error",
	StatusCancelled:      "Anulado",
}

// Code returns the wire code of the status.
func (s Status) Code() string { return string(s) }

// Description returns the human-readable description of the status.
func (s Status) Description() string { return statusDescriptions[s] }

// Valid reports whether s is one of the five known codes.
func (s Status) Valid() bool {
	_, ok := statusDescriptions[s]
	return ok
}

// StatusFromCode resolves a wire code back to its Status. The second return
// is false for unknown codes.
func StatusFromCode(code string) (Status, bool) {
	s := Status(code)
	if s.Valid() {
		return s, true
	}
	return "", false
}

// SendMode selects the batch dispatch strategy. Values match the
// modoEnvioLote configuration key.
type SendMode string

const (
	ModeParallel              SendMode = "paralelo"
	ModeParallelSpaced        SendMode = "paralelo_espaciado"
	ModeSequentialSpaced      SendMode = "secuencial_espaciado"
	ModeSequentialSpacedAsync SendMode = "secuencial_espaciado_async"
)

// Known reports whether m is one of the four dispatch strategies. Unknown
// modes fall back to secuencial_espaciado at dispatch time.
func (m SendMode) Known() bool {
	switch m {
	case ModeParallel, ModeParallelSpaced, ModeSequentialSpaced, ModeSequentialSpacedAsync:
		return true
	}
	return false
}
