package smpp

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/linxGnu/gosmpp"
	"github.com/linxGnu/gosmpp/data"
	"github.com/linxGnu/gosmpp/pdu"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/riskpy/risk-sms/internal/logging"
)

var (
	// ErrNotBound is returned by Submit when the session is not usable.
	ErrNotBound = errors.New("smpp session not bound")
	// ErrSlotCancelled completes a submit whose window slot was liberated
	// manually by the monitor.
	ErrSlotCancelled = errors.New("submit cancelled: window slot liberated")
	// ErrSessionClosed completes submits that were in flight when the
	// session went away.
	ErrSessionClosed = errors.New("submit aborted: session closed")
)

const (
	addrTON byte = 0x01
	addrNPI byte = 0x01

	// How long the library keeps an unanswered PDU before expiring it on
	// its own. Kept well above the monitor threshold so slot liberation
	// stays the monitor's decision.
	libExpireTimeout    = 60 * time.Second
	libExpireCheckEvery = 5 * time.Second

	// The library rejects short_message fields above 140 octets
	// (ErrShortMessageLengthTooLarge). The unpacked GSM-7 stand-in can
	// produce up to 160 octets for a single part and 159 for a UDH
	// segment; anything over the field limit rides in the
	// message_payload TLV instead.
	maxShortMessageOctets = 140
)

// SessionConfig carries everything needed to bind one TRANSCEIVER session.
type SessionConfig struct {
	Name           string
	Host           string
	Port           int
	SystemID       string
	Password       string
	SystemType     string
	WindowSize     int
	EnquireLink    time.Duration
	RequestTimeout time.Duration
}

// SubmitRequest is one submit_sm: addresses plus a prebuilt payload (UDH
// included for concatenated segments).
type SubmitRequest struct {
	Source      string
	Destination string
	Payload     []byte
	EsmClass    byte
	DataCoding  byte
}

// SubmitResult is the carrier's answer to one submit_sm.
type SubmitResult struct {
	CommandStatus int32
	MessageID     string
	ResultText    string
}

// OK reports whether the carrier accepted the submit.
func (r SubmitResult) OK() bool { return r.CommandStatus == int32(data.ESME_ROK) }

// SlotInfo describes one outstanding submit in the in-flight window.
type SlotInfo struct {
	Seq       int32
	OfferedAt time.Time
	Done      bool
}

// InboundFunc receives every DeliverSM the carrier pushes on the session.
type InboundFunc func(p *pdu.DeliverSM)

type slotOutcome struct {
	resp SubmitResult
	err  error
}

type slot struct {
	seq       int32
	offeredAt time.Time
	done      chan slotOutcome
}

// Session wraps one bound gosmpp TRANSCEIVER session behind the interface
// the core needs: a synchronous submit with timeout, a view of the in-flight
// window, manual slot cancellation and teardown. The slot registry is the
// single source of truth for the window: a slot exists from the moment a
// PDU is offered until its response arrives, it expires, or the monitor
// cancels it. A caller timing out does NOT free the slot.
type Session struct {
	cfg     SessionConfig
	inbound InboundFunc

	sess  *gosmpp.Session
	bound atomic.Bool
	slots cmap.ConcurrentMap[string, *slot]
}

// Connect dials, binds a TRANSCEIVER (interface version 0x34) and starts the
// library's I/O loops. Library auto-rebind is disabled: rebinding is the
// SessionManager's decision.
func Connect(cfg SessionConfig, inbound InboundFunc) (*Session, error) {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 10
	}
	if cfg.EnquireLink <= 0 {
		cfg.EnquireLink = 30 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}

	s := &Session{
		cfg:     cfg,
		inbound: inbound,
		slots:   cmap.New[*slot](),
	}

	auth := gosmpp.Auth{
		SMSC:       fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		SystemID:   cfg.SystemID,
		Password:   cfg.Password,
		SystemType: cfg.SystemType,
	}

	settings := gosmpp.Settings{
		EnquireLink:  cfg.EnquireLink,
		ReadTimeout:  cfg.RequestTimeout + 5*time.Second,
		WriteTimeout: cfg.RequestTimeout,

		WindowedRequestTracking: &gosmpp.WindowedRequestTracking{
			MaxWindowSize:         uint8(cfg.WindowSize),
			PduExpireTimeOut:      libExpireTimeout,
			ExpireCheckTimer:      libExpireCheckEvery,
			EnableAutoRespond:     false,
			OnReceivedPduRequest:  s.onReceivedPduRequest,
			OnExpectedPduResponse: s.onExpectedPduResponse,
			OnExpiredPduRequest:   s.onExpiredPduRequest,
			OnClosePduRequest:     s.onClosePduRequest,
		},

		OnSubmitError:    s.onSubmitError,
		OnReceivingError: s.onReceivingError,
		OnRebindingError: s.onRebindingError,
		OnClosed:         s.onClosed,
	}

	sess, err := gosmpp.NewSession(gosmpp.TRXConnector(gosmpp.NonTLSDialer, auth), settings, 0)
	if err != nil {
		return nil, fmt.Errorf("smpp bind %s: %w", cfg.Name, err)
	}
	s.sess = sess
	s.bound.Store(true)

	slog.Info("sesión SMPP establecida",
		slog.String(string(logging.SessionNameKey), cfg.Name),
		slog.String("host", cfg.Host),
		slog.Int("puerto", cfg.Port),
		slog.String("system_id", cfg.SystemID),
		slog.Int("ventana", cfg.WindowSize))
	return s, nil
}

// Name returns the session name used for log routing.
func (s *Session) Name() string { return s.cfg.Name }

// IsBound reports whether the session can accept submits.
func (s *Session) IsBound() bool { return s.bound.Load() }

// MaxWindowSize returns the configured in-flight window bound.
func (s *Session) MaxWindowSize() int { return s.cfg.WindowSize }

// Submit offers one PDU and waits up to timeout for the carrier's response.
// The timeout is final: the caller gets an error, while the window slot
// stays occupied for the monitor to inspect and liberate.
func (s *Session) Submit(req SubmitRequest, timeout time.Duration) (SubmitResult, error) {
	if !s.IsBound() {
		return SubmitResult{}, ErrNotBound
	}

	p, err := buildSubmitSM(req)
	if err != nil {
		return SubmitResult{}, err
	}

	seq := p.GetSequenceNumber()
	sl := &slot{
		seq:       seq,
		offeredAt: time.Now(),
		done:      make(chan slotOutcome, 1),
	}
	s.slots.Set(slotKey(seq), sl)

	if err := s.sess.Transceiver().Submit(p); err != nil {
		s.slots.Remove(slotKey(seq))
		return SubmitResult{}, fmt.Errorf("submit seq=%d: %w", seq, err)
	}

	select {
	case out := <-sl.done:
		return out.resp, out.err
	case <-time.After(timeout):
		return SubmitResult{}, fmt.Errorf("submit seq=%d: sin respuesta tras %s", seq, timeout)
	}
}

// WindowSnapshot lists every outstanding submit slot.
func (s *Session) WindowSnapshot() []SlotInfo {
	out := make([]SlotInfo, 0, s.slots.Count())
	for item := range s.slots.IterBuffered() {
		out = append(out, SlotInfo{
			Seq:       item.Val.seq,
			OfferedAt: item.Val.offeredAt,
		})
	}
	return out
}

// CancelSlot liberates one window slot, failing any submit still waiting on
// it. It errors when the slot is unknown or already completed.
func (s *Session) CancelSlot(seq int32) error {
	sl, ok := s.slots.Pop(slotKey(seq))
	if !ok {
		return fmt.Errorf("slot seq=%d no encontrado o ya completado", seq)
	}
	sl.done <- slotOutcome{err: ErrSlotCancelled}
	return nil
}

// Unbind closes the session, waiting at most wait for the library to finish
// its unbind/close handshake.
func (s *Session) Unbind(wait time.Duration) error {
	s.bound.Store(false)
	done := make(chan error, 1)
	go func() { done <- s.sess.Close() }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("unbind %s: %w", s.cfg.Name, err)
		}
		return nil
	case <-time.After(wait):
		return fmt.Errorf("unbind %s: sin respuesta tras %s", s.cfg.Name, wait)
	}
}

// Destroy releases everything left: outstanding slots are failed so no
// worker stays blocked, and the underlying client is closed if Unbind did
// not get to it. Safe to call more than once.
func (s *Session) Destroy() {
	s.bound.Store(false)
	for item := range s.slots.IterBuffered() {
		if sl, ok := s.slots.Pop(item.Key); ok {
			sl.done <- slotOutcome{err: ErrSessionClosed}
		}
	}
	_ = s.sess.Close()
}

// =============================================================================
// gosmpp callbacks
// =============================================================================

func (s *Session) onReceivedPduRequest(p pdu.PDU) (pdu.PDU, bool) {
	switch pd := p.(type) {
	case *pdu.DeliverSM:
		if s.inbound != nil {
			s.inbound(pd)
		}
		return pd.GetResponse(), true

	case *pdu.EnquireLink:
		return pd.GetResponse(), true

	case *pdu.Unbind:
		slog.Warn("unbind solicitado por el proveedor", slog.String(string(logging.SessionNameKey), s.cfg.Name))
		s.bound.Store(false)
		return pd.GetResponse(), true

	default:
		slog.Warn("PDU entrante no esperado",
			slog.String(string(logging.SessionNameKey), s.cfg.Name),
			slog.String("command_id", p.GetHeader().CommandID.String()))
	}
	return nil, false
}

func (s *Session) onExpectedPduResponse(response gosmpp.Response) {
	reqSeq := response.OriginalRequest.PDU.GetSequenceNumber()
	resp, ok := response.PDU.(*pdu.SubmitSMResp)
	if !ok {
		return
	}
	s.completeSlot(reqSeq, slotOutcome{resp: SubmitResult{
		CommandStatus: int32(resp.CommandStatus),
		MessageID:     resp.MessageID,
		ResultText:    resp.CommandStatus.Desc(),
	}})
}

func (s *Session) onExpiredPduRequest(p pdu.PDU) bool {
	seq := p.GetSequenceNumber()
	slog.Warn("PDU expirado por la librería sin respuesta",
		slog.String(string(logging.SessionNameKey), s.cfg.Name),
		slog.Int("seq", int(seq)))
	s.completeSlot(seq, slotOutcome{err: fmt.Errorf("submit seq=%d: expirado sin respuesta", seq)})
	return false
}

func (s *Session) onClosePduRequest(p pdu.PDU) {
	s.completeSlot(p.GetSequenceNumber(), slotOutcome{err: ErrSessionClosed})
}

func (s *Session) onSubmitError(p pdu.PDU, err error) {
	seq := p.GetSequenceNumber()
	slog.Warn("error de la librería al emitir submit",
		slog.String(string(logging.SessionNameKey), s.cfg.Name),
		slog.Int("seq", int(seq)),
		slog.Any("error", err))
	s.completeSlot(seq, slotOutcome{err: err})
}

func (s *Session) onReceivingError(err error) {
	slog.Error("error de recepción en la sesión SMPP",
		slog.String(string(logging.SessionNameKey), s.cfg.Name),
		slog.Any("error", err))
}

func (s *Session) onRebindingError(err error) {
	slog.Error("error de rebinding reportado por la librería",
		slog.String(string(logging.SessionNameKey), s.cfg.Name),
		slog.Any("error", err))
}

func (s *Session) onClosed(state gosmpp.State) {
	slog.Warn("sesión SMPP cerrada",
		slog.String(string(logging.SessionNameKey), s.cfg.Name),
		slog.String("estado", state.String()))
	s.bound.Store(false)
}

func (s *Session) completeSlot(seq int32, out slotOutcome) {
	sl, ok := s.slots.Pop(slotKey(seq))
	if !ok {
		slog.Debug("respuesta para seq desconocido o ya procesado", slog.Int("seq", int(seq)))
		return
	}
	sl.done <- out
}

func slotKey(seq int32) string { return strconv.FormatInt(int64(seq), 10) }

// buildSubmitSM assembles the wire PDU: TON/NPI 0x01 on both addresses, the
// caller's esm_class/data_coding, and the payload as raw short-message
// bytes, or, above 140 octets, in the message_payload TLV with an empty
// short_message.
func buildSubmitSM(req SubmitRequest) (*pdu.SubmitSM, error) {
	p := pdu.NewSubmitSM().(*pdu.SubmitSM)

	srcAddr := pdu.NewAddress()
	srcAddr.SetTon(addrTON)
	srcAddr.SetNpi(addrNPI)
	if err := srcAddr.SetAddress(req.Source); err != nil {
		return nil, fmt.Errorf("dirección origen inválida %q: %w", req.Source, err)
	}
	p.SourceAddr = srcAddr

	destAddr := pdu.NewAddress()
	destAddr.SetTon(addrTON)
	destAddr.SetNpi(addrNPI)
	if err := destAddr.SetAddress(req.Destination); err != nil {
		return nil, fmt.Errorf("dirección destino inválida %q: %w", req.Destination, err)
	}
	p.DestAddr = destAddr

	p.EsmClass = req.EsmClass
	enc := data.FromDataCoding(req.DataCoding)

	if len(req.Payload) > maxShortMessageOctets {
		// Empty short_message, full payload in message_payload (0x0424).
		if err := p.Message.SetMessageDataWithEncoding(nil, enc); err != nil {
			return nil, fmt.Errorf("payload de %d bytes rechazado: %w", len(req.Payload), err)
		}
		p.RegisterOptionalParam(pdu.Field{Tag: pdu.TagMessagePayload, Data: req.Payload})
		return p, nil
	}

	if err := p.Message.SetMessageDataWithEncoding(req.Payload, enc); err != nil {
		return nil, fmt.Errorf("payload de %d bytes rechazado: %w", len(req.Payload), err)
	}
	return p, nil
}
