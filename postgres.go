package courier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ChangeChannel is the NOTIFY channel carrying RowChange JSON payloads.
const ChangeChannel = "message_changes"

const (
	pgSendMessage = `
SELECT success, COALESCE(message_id::text, ''), COALESCE(conversation_id::text, ''), COALESCE(message, '')
FROM send_message($1, $2, $3, $4, $5, NULLIF($6, ''))`

	pgAggregateRows = `
SELECT id::text, COALESCE(status, ''), COALESCE(sender_id::text, ''), COALESCE(recipient_id::text, '')
FROM messages
WHERE sender_id::text = $1 OR recipient_id::text = $1`
)

// PostgresGateway implements Gateway directly against the backend database.
type PostgresGateway struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// OpenPostgresGateway connects to dsn and verifies the connection.
func OpenPostgresGateway(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresGateway, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty postgres dsn")
	}
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &PostgresGateway{pool: pool, logger: logger}, nil
}

// Close releases the pool.
func (g *PostgresGateway) Close() {
	if g == nil || g.pool == nil {
		return
	}
	g.pool.Close()
}

// isRejection reports whether err is the database refusing the input rather
// than failing: data exceptions, integrity violations and RAISE EXCEPTION.
func isRejection(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	switch {
	case pgErr.Code == "P0001",
		strings.HasPrefix(pgErr.Code, "22"),
		strings.HasPrefix(pgErr.Code, "23"):
		return pgErr.Message, true
	}
	return "", false
}

func (g *PostgresGateway) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	ctx, span := tracer.Start(ctx, "courier.gateway.send",
		trace.WithAttributes(attribute.String("courier.client_id", req.ClientID), attribute.String("courier.backend", "postgres")))
	defer span.End()

	var deliverAfter *time.Time
	if !req.DeliverAfter.IsZero() {
		t := req.DeliverAfter.UTC()
		deliverAfter = &t
	}

	var res SendResult
	err := g.pool.QueryRow(ctx, pgSendMessage, req.SenderID, req.Recipient, req.Text, deliverAfter, req.ClientID, req.ConversationID).
		Scan(&res.Success, &res.MessageID, &res.ConversationID, &res.Message)
	if err != nil {
		if msg, ok := isRejection(err); ok {
			return SendResult{Success: false, Message: msg}, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return SendResult{}, fmt.Errorf("postgres: send_message: %w", err)
	}
	span.SetAttributes(attribute.Bool("courier.success", res.Success))
	return res, nil
}

func (g *PostgresGateway) FetchAggregateRows(ctx context.Context, userID string) ([]MessageRow, error) {
	rows, err := g.pool.Query(ctx, pgAggregateRows, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: fetch messages: %w", err)
	}
	defer rows.Close()

	var out []MessageRow
	for rows.Next() {
		var r MessageRow
		if err := rows.Scan(&r.ID, &r.Status, &r.SenderID, &r.RecipientID); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: fetch messages: %w", err)
	}
	return out, nil
}

// Subscribe LISTENs on ChangeChannel on a dedicated connection. A dropped
// connection is re-acquired with backoff until the subscription ends.
func (g *PostgresGateway) Subscribe(ctx context.Context, scope ChangeScope, onChange func(RowChange)) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	conn, err := g.listen(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		cfg := &RealtimeConfig{MaxReconnectAttempts: -1}
		cfg.defaults()
		recon := newReconnector(cfg)
		for {
			recon.markConnected()
			err := g.waitLoop(ctx, conn, scope, onChange)
			g.release(conn)
			if ctx.Err() != nil {
				return
			}
			g.logger.Warn("postgres_listen_lost", slog.Any("err", err))

			for {
				delay := recon.nextDelay()
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
				conn, err = g.listen(ctx)
				if err == nil {
					break
				}
				g.logger.Warn("postgres_listen_retry", slog.Int("attempt", recon.attempt), slog.Any("err", err))
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}, nil
}

func (g *PostgresGateway) listen(ctx context.Context) (*pgxpool.Conn, error) {
	conn, err := g.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: acquire: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+ChangeChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("postgres: listen: %w", err)
	}
	return conn, nil
}

// release returns conn to the pool without its LISTEN registration.
func (g *PostgresGateway) release(conn *pgxpool.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := conn.Exec(ctx, "UNLISTEN "+ChangeChannel); err != nil {
		conn.Conn().Close(ctx)
	}
	conn.Release()
}

func (g *PostgresGateway) waitLoop(ctx context.Context, conn *pgxpool.Conn, scope ChangeScope, onChange func(RowChange)) error {
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var change RowChange
		if err := json.Unmarshal([]byte(n.Payload), &change); err != nil {
			g.logger.Debug("postgres_notify_malformed", slog.String("payload", n.Payload))
			continue
		}
		if scope.Matches(change.Row) {
			onChange(change)
		}
	}
}
