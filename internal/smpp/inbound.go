package smpp

import (
	"context"
	"log/slog"
	"strings"

	"github.com/linxGnu/gosmpp/pdu"
	"github.com/shopspring/decimal"

	"github.com/riskpy/risk-sms/internal/logging"
)

// esmClassReceipt marks a DeliverSM as a delivery receipt.
const esmClassReceipt byte = 0x04

// MOStore persists mobile-originated messages.
type MOStore interface {
	SaveReceivedMessage(ctx context.Context, origin, destination, text string) *decimal.Decimal
}

// InboundHandler runs on the SMPP I/O callback for every DeliverSM of one
// service's session: delivery receipts are parsed and logged, everything
// else is a mobile-originated message and goes to storage.
type InboundHandler struct {
	service string
	store   MOStore
}

// NewInboundHandler builds the handler for one carrier service.
func NewInboundHandler(service string, store MOStore) *InboundHandler {
	return &InboundHandler{service: service, store: store}
}

// Handle is the session's InboundFunc. The positive deliver_sm_resp is the
// session wrapper's job; this only classifies and processes.
func (h *InboundHandler) Handle(p *pdu.DeliverSM) {
	text, err := p.Message.GetMessageData()
	if err != nil {
		slog.Warn("no se pudo leer short_message del DeliverSm", slog.Any("error", err))
		text = nil
	}
	h.handleDeliver(p.EsmClass, p.SourceAddr.Address(), p.DestAddr.Address(), text)
}

// handleDeliver routes one inbound short message by esm_class.
func (h *InboundHandler) handleDeliver(esmClass byte, source, destination string, shortMessage []byte) {
	ctx := logging.ContextWithService(context.Background(), h.service)
	body := string(shortMessage)

	if esmClass&esmClassReceipt == esmClassReceipt {
		h.handleDeliveryReceipt(ctx, body)
		return
	}
	h.handleMobileOriginated(ctx, source, destination, body)
}

// handleMobileOriginated persists one handset-originated message. Empty text
// is stored as an empty string.
func (h *InboundHandler) handleMobileOriginated(ctx context.Context, from, to, text string) {
	slog.InfoContext(ctx, "MO recibido",
		slog.String("origen", from),
		slog.String("destino", to),
		slog.String("mensaje", text))
	h.store.SaveReceivedMessage(ctx, from, to, text)
}

// handleDeliveryReceipt extracts the id and stat tokens and logs them.
// Typical stat values: DELIVRD, EXPIRED, UNDELIV, REJECTD, ACCEPTD,
// UNKNOWN, ENROUTE. Receipt state is not written back to the outbound row.
func (h *InboundHandler) handleDeliveryReceipt(ctx context.Context, receipt string) {
	slog.DebugContext(ctx, "DLR recibido", slog.String("cuerpo", receipt))

	messageID := extractToken(receipt, "id")
	status := extractToken(receipt, "stat")

	slog.InfoContext(ctx, "acuse de entrega",
		slog.String("id_externo", messageID),
		slog.String("estado_entrega", status))
}

// extractToken finds the value of a whitespace-separated key:value token,
// or "" when the key is absent.
func extractToken(text, key string) string {
	prefix := key + ":"
	for _, part := range strings.Fields(text) {
		if v, ok := strings.CutPrefix(part, prefix); ok {
			return v
		}
	}
	return ""
}
