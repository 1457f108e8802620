package courier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ============================================================================
// Gateway contract
// ============================================================================

// SendRequest asks the backend to send or schedule one message.
type SendRequest struct {
	SenderID       string
	Recipient      string
	Text           string
	ConversationID string
	// DeliverAfter schedules the message; zero means now.
	DeliverAfter time.Time
	// ClientID is a stable id the backend may use to drop duplicates.
	ClientID string
}

// SendResult is the backend's answer to a send. Success=false is a
// rejection and Message says why.
type SendResult struct {
	Success        bool   `json:"success"`
	MessageID      string `json:"message_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message,omitempty"`
}

// MessageRow is one raw row of the aggregate read.
type MessageRow struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	SenderID    string `json:"sender_id"`
	RecipientID string `json:"recipient_id"`
}

// ChangeScope narrows a change subscription to one user's rows.
type ChangeScope struct {
	UserID string
}

// Matches reports whether row is sent or received by the scoped user. An
// empty scope matches everything.
func (s ChangeScope) Matches(row MessageRow) bool {
	if s.UserID == "" {
		return true
	}
	return row.SenderID == s.UserID || row.RecipientID == s.UserID
}

// RowChange is a row-level change notification.
type RowChange struct {
	Op  string     `json:"op"`
	Row MessageRow `json:"row"`
}

// Gateway is the backend's message surface.
type Gateway interface {
	Send(ctx context.Context, req SendRequest) (SendResult, error)
	FetchAggregateRows(ctx context.Context, userID string) ([]MessageRow, error)
	// Subscribe delivers row changes in scope until the returned function is
	// called or ctx ends. Changes are triggers only, not a source of truth.
	Subscribe(ctx context.Context, scope ChangeScope, onChange func(RowChange)) (func(), error)
}

// ============================================================================
// HTTPGateway
// ============================================================================

// HTTPGateway implements Gateway over the REST RPC surface and the websocket
// change feed.
type HTTPGateway struct {
	client   *Client
	realtime RealtimeConfig
	logger   *slog.Logger
}

// NewHTTPGateway returns a gateway using client. realtime may be nil.
func NewHTTPGateway(client *Client, realtime *RealtimeConfig) *HTTPGateway {
	g := &HTTPGateway{client: client, logger: client.logger}
	if realtime != nil {
		g.realtime = *realtime
	} else {
		g.realtime.AutoReconnect = true
	}
	if g.realtime.Token == "" {
		g.realtime.Token = client.apiKey
	}
	if g.realtime.Logger == nil {
		g.realtime.Logger = client.logger
	}
	return g
}

type sendMessageParams struct {
	SenderID       string  `json:"p_sender_id"`
	Recipient      string  `json:"p_recipient"`
	Text           string  `json:"p_text"`
	DeliverAfter   *string `json:"p_deliver_after"`
	ClientID       string  `json:"p_client_id,omitempty"`
	ConversationID string  `json:"p_conversation_id,omitempty"`
}

// Send calls the send_message RPC. Validation-style 4xx answers are reported
// as a rejection; everything else that fails is an error.
func (g *HTTPGateway) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	ctx, span := tracer.Start(ctx, "courier.gateway.send",
		trace.WithAttributes(attribute.String("courier.client_id", req.ClientID)))
	defer span.End()

	params := sendMessageParams{
		SenderID:       req.SenderID,
		Recipient:      req.Recipient,
		Text:           req.Text,
		ClientID:       req.ClientID,
		ConversationID: req.ConversationID,
	}
	if !req.DeliverAfter.IsZero() {
		s := req.DeliverAfter.UTC().Format(time.RFC3339)
		params.DeliverAfter = &s
	}

	data, err := g.client.doRequest(ctx, http.MethodPost, "/rest/v1/rpc/send_message", params, nil)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Temporary() {
			span.SetAttributes(attribute.Bool("courier.rejected", true))
			return SendResult{Success: false, Message: apiErr.Message}, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return SendResult{}, fmt.Errorf("send_message: %w", err)
	}
	res, err := decodeJSON[SendResult](data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return SendResult{}, err
	}
	span.SetAttributes(attribute.Bool("courier.success", res.Success))
	return *res, nil
}

// FetchAggregateRows reads every message row userID sent or received.
func (g *HTTPGateway) FetchAggregateRows(ctx context.Context, userID string) ([]MessageRow, error) {
	data, err := g.client.doRequest(ctx, http.MethodGet, "/rest/v1/messages", nil, map[string]string{
		"select": "id,status,sender_id,recipient_id",
		"or":     fmt.Sprintf("(sender_id.eq.%s,recipient_id.eq.%s)", userID, userID),
	})
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	rows, err := decodeJSON[[]MessageRow](data)
	if err != nil {
		return nil, err
	}
	return *rows, nil
}

// Subscribe opens a websocket change feed scoped to scope.
func (g *HTTPGateway) Subscribe(ctx context.Context, scope ChangeScope, onChange func(RowChange)) (func(), error) {
	cfg := g.realtime
	feed := NewChangeFeed(g.client.baseURL, scope, onChange, &cfg)
	if err := feed.Connect(ctx); err != nil {
		return nil, err
	}
	return func() {
		if err := feed.Close(); err != nil {
			g.logger.Debug("change_feed_close_failed", slog.Any("err", err))
		}
	}, nil
}
