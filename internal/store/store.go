package store

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/riskpy/risk-sms/internal/logging"
	"github.com/riskpy/risk-sms/internal/model"
)

// DBTX is the slice of pgx that the store needs; both *pgxpool.Pool and
// pgx.Tx satisfy it.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const defaultMaxAttempts = 5

const defaultBatchLimit = 100

const queryLoadPending = `
SELECT m.id_mensaje::text,
       m.numero_telefono AS destino,
       COALESCE(m.contenido, '') AS mensaje
  FROM t_mensajes m
  JOIN t_mensajeria_categorias c
    ON m.id_categoria = c.id_categoria
 WHERE m.estado = $1
   AND m.telefonia = COALESCE($2, m.telefonia)
   AND c.clasificacion = COALESCE($3, c.clasificacion)
 ORDER BY COALESCE(c.prioridad, 997), m.id_mensaje
 LIMIT $4`

// queryUpdateStatus applies the whole outcome in one statement: the
// attempt-cap promotion to 'R', the attempt increment (skipped for 'N'),
// the fecha_envio stamp on 'E', and coalesced response columns.
const queryUpdateStatus = `
UPDATE t_mensajes
   SET estado = CASE
                  WHEN $1 = 'P' AND COALESCE(cantidad_intentos_envio, 0) >= $2 THEN 'R'
                  ELSE COALESCE($1, estado)
                END,
       codigo_respuesta_envio  = COALESCE($3, codigo_respuesta_envio),
       respuesta_envio         = COALESCE($4, respuesta_envio),
       id_externo_envio        = COALESCE($5, id_externo_envio),
       cantidad_intentos_envio = CASE
                                   WHEN $1 = 'N' THEN
                                    COALESCE(cantidad_intentos_envio, 0)
                                   ELSE
                                    COALESCE(cantidad_intentos_envio, 0) + 1
                                 END,
       fecha_envio = CASE
                       WHEN $1 = 'E' THEN
                        current_timestamp
                       ELSE
                        fecha_envio
                     END
 WHERE id_mensaje::text = $6`

// queryBulkClaim locks what it can without waiting; rows held by another
// worker are skipped, so a claim never blocks the loop.
const queryBulkClaim = `
UPDATE t_mensajes
   SET estado = $2
 WHERE id_mensaje IN (
       SELECT id_mensaje
         FROM t_mensajes
        WHERE id_mensaje::text = ANY($1)
          FOR UPDATE SKIP LOCKED)
RETURNING id_mensaje::text`

const queryInsertReceived = `
INSERT INTO t_mensajes_recibidos
  (numero_telefono_origen, numero_telefono_destino, contenido)
VALUES
  ($1, $2, $3)
RETURNING id_mensaje::text`

// MessageStore is the only component that touches persistent storage. One
// instance is shared across services; the pool behind db is its only
// mutable state. Storage errors are trapped and logged here so the polling
// loops never abort on a transient database failure.
type MessageStore struct {
	db          DBTX
	maxAttempts int
}

// New creates a store with the default attempt cap.
func New(db DBTX) *MessageStore {
	return &MessageStore{db: db, maxAttempts: defaultMaxAttempts}
}

// WithMaxAttempts returns a view of the same store with a per-service
// attempt cap. The underlying pool is shared.
func (s *MessageStore) WithMaxAttempts(n int) *MessageStore {
	if n <= 0 {
		n = defaultMaxAttempts
	}
	return &MessageStore{db: s.db, maxAttempts: n}
}

// MaxAttempts returns the attempt cap applied by UpdateMessageStatus.
func (s *MessageStore) MaxAttempts() int { return s.maxAttempts }

// LoadPendingMessages returns up to limit pending rows ordered by category
// priority (nulls last as 997) then id. carrier and classification are
// wildcards when nil. source is not a filter; it is copied onto every
// returned message.
func (s *MessageStore) LoadPendingMessages(ctx context.Context, source string, carrier, classification *string, limit int) []model.SmsMessage {
	if limit <= 0 {
		limit = defaultBatchLimit
	}
	slog.DebugContext(ctx, "recuperando mensajes pendientes de envío",
		slog.Any("telefonia", carrier),
		slog.Any("clasificacion", classification),
		slog.Int("limite", limit))

	rows, err := s.db.Query(ctx, queryLoadPending, model.StatusPendingSend.Code(), carrier, classification, limit)
	if err != nil {
		slog.ErrorContext(ctx, "error al recuperar mensajes pendientes de envío", slog.Any("error", err))
		return nil
	}
	defer rows.Close()

	var list []model.SmsMessage
	for rows.Next() {
		var idText, destination, text string
		if err := rows.Scan(&idText, &destination, &text); err != nil {
			slog.ErrorContext(ctx, "error al leer fila de mensajes pendientes", slog.Any("error", err))
			return nil
		}
		id, err := decimal.NewFromString(idText)
		if err != nil {
			slog.ErrorContext(ctx, "id de mensaje inválido", slog.String("id_mensaje", idText), slog.Any("error", err))
			continue
		}
		list = append(list, model.SmsMessage{
			ID:          id,
			Source:      source,
			Destination: destination,
			Text:        text,
		})
	}
	if err := rows.Err(); err != nil {
		slog.ErrorContext(ctx, "error al recorrer mensajes pendientes", slog.Any("error", err))
		return nil
	}
	return list
}

// UpdateMessageStatus commits the outcome of one send attempt in a single
// statement. A nil responseCode, responseText or externalID leaves the
// corresponding column unchanged. Response text and external id are
// byte-truncated to 1000 and 100 before binding.
func (s *MessageStore) UpdateMessageStatus(ctx context.Context, id decimal.Decimal, newState model.Status, responseCode *int, responseText, externalID *string) {
	logCtx := logging.ContextWithMessageID(ctx, id.String())
	slog.DebugContext(logCtx, "actualizando estado de mensaje",
		slog.String("estado", newState.Code()),
		slog.Any("codigo_respuesta", responseCode))

	_, err := s.db.Exec(logCtx, queryUpdateStatus,
		newState.Code(),
		s.maxAttempts-1,
		responseCode,
		truncateBytes(responseText, 1000),
		truncateBytes(externalID, 100),
		id.String(),
	)
	if err != nil {
		slog.ErrorContext(logCtx, "error al actualizar estado de mensaje", slog.Any("error", err))
	}
}

// BulkClaim tries a non-blocking lock on every message and moves the locked
// ones to newState. The returned slice holds only the messages actually
// claimed; rows owned by another worker are dropped.
func (s *MessageStore) BulkClaim(ctx context.Context, messages []model.SmsMessage, newState model.Status) []model.SmsMessage {
	if len(messages) == 0 {
		return nil
	}
	ids := make([]string, len(messages))
	for i, m := range messages {
		ids[i] = m.ID.String()
	}
	slog.DebugContext(ctx, "reclamando lote de mensajes",
		slog.Int("cantidad", len(ids)),
		slog.String("estado", newState.Code()))

	rows, err := s.db.Query(ctx, queryBulkClaim, ids, newState.Code())
	if err != nil {
		slog.ErrorContext(ctx, "error al reclamar lote de mensajes", slog.Any("error", err))
		return nil
	}
	defer rows.Close()

	claimed := make(map[string]bool, len(ids))
	for rows.Next() {
		var idText string
		if err := rows.Scan(&idText); err != nil {
			slog.ErrorContext(ctx, "error al leer ids reclamados", slog.Any("error", err))
			return nil
		}
		claimed[idText] = true
	}
	if err := rows.Err(); err != nil {
		slog.ErrorContext(ctx, "error al recorrer ids reclamados", slog.Any("error", err))
		return nil
	}
	if skipped := len(ids) - len(claimed); skipped > 0 {
		slog.WarnContext(ctx, "mensajes en uso por otro proceso, excluidos del lote", slog.Int("cantidad", skipped))
	}

	out := make([]model.SmsMessage, 0, len(claimed))
	for _, m := range messages {
		if claimed[m.ID.String()] {
			out = append(out, m)
		}
	}
	return out
}

// SaveReceivedMessage inserts one mobile-originated message and returns its
// id, or nil on error.
func (s *MessageStore) SaveReceivedMessage(ctx context.Context, origin, destination, text string) *decimal.Decimal {
	slog.DebugContext(ctx, "insertando mensaje recibido", slog.String("origen", origin))

	var idText string
	err := s.db.QueryRow(ctx, queryInsertReceived, origin, destination, text).Scan(&idText)
	if err != nil {
		slog.ErrorContext(ctx, "error al insertar mensaje recibido",
			slog.String("origen", origin), slog.Any("error", err))
		return nil
	}
	id, err := decimal.NewFromString(idText)
	if err != nil {
		slog.ErrorContext(ctx, "id de mensaje recibido inválido", slog.String("id_mensaje", idText), slog.Any("error", err))
		return nil
	}
	return &id
}

// truncateBytes cuts s to at most n bytes, preserving nil.
func truncateBytes(s *string, n int) *string {
	if s == nil || len(*s) <= n {
		return s
	}
	t := (*s)[:n]
	return &t
}
