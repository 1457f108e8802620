package courier

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
)

// ============================================================================
// Webhook Types
// ============================================================================

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-Courier-Signature"

// maxWebhookBody bounds a single delivery.
const maxWebhookBody = 1 << 20

// WebhookPayload is a batch of message row changes pushed by the backend.
type WebhookPayload struct {
	Event   string      `json:"event"`
	Changes []RowChange `json:"changes"`
}

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifySignature checks an HMAC-SHA256 hex signature, with or without a
// "sha256=" prefix, in constant time.
func VerifySignature(body []byte, signature, secret string) bool {
	if len(body) == 0 || signature == "" || secret == "" {
		return false
	}
	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// Sign returns the signature header value for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ParseWebhookPayload decodes and validates a webhook body.
func ParseWebhookPayload(body []byte) (*WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}
	if payload.Event != "messages.changed" {
		return nil, fmt.Errorf("unknown webhook event: %q", payload.Event)
	}
	for i, c := range payload.Changes {
		if c.Row.ID == "" {
			return nil, fmt.Errorf("change %d: missing row id", i)
		}
	}
	return &payload, nil
}

// ============================================================================
// ChangeWebhook
// ============================================================================

// ChangeWebhook receives signed row-change pushes and fans them out to
// subscribers. It complements the websocket feed for backends that deliver
// changes by webhook.
type ChangeWebhook struct {
	secret string
	logger *slog.Logger

	mu     sync.Mutex
	nextID int
	subs   map[int]webhookSub
}

type webhookSub struct {
	scope    ChangeScope
	onChange func(RowChange)
}

// NewChangeWebhook creates a receiver verifying against secret.
func NewChangeWebhook(secret string, logger *slog.Logger) (*ChangeWebhook, error) {
	if secret == "" {
		return nil, errors.New("webhook secret is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChangeWebhook{secret: secret, logger: logger, subs: make(map[int]webhookSub)}, nil
}

// Subscribe registers onChange for rows matching scope.
func (w *ChangeWebhook) Subscribe(scope ChangeScope, onChange func(RowChange)) func() {
	w.mu.Lock()
	w.nextID++
	id := w.nextID
	w.subs[id] = webhookSub{scope: scope, onChange: onChange}
	w.mu.Unlock()
	return func() {
		w.mu.Lock()
		delete(w.subs, id)
		w.mu.Unlock()
	}
}

// Handle verifies, parses and dispatches one delivery. It returns the status
// code and response body for the caller to write.
func (w *ChangeWebhook) Handle(body []byte, signature string) (int, any) {
	if !VerifySignature(body, signature, w.secret) {
		w.logger.Warn("webhook_signature_invalid")
		return http.StatusUnauthorized, map[string]string{"error": "invalid signature"}
	}
	payload, err := ParseWebhookPayload(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	w.mu.Lock()
	subs := make([]webhookSub, 0, len(w.subs))
	for _, s := range w.subs {
		subs = append(subs, s)
	}
	w.mu.Unlock()

	delivered := 0
	for _, c := range payload.Changes {
		for _, s := range subs {
			if s.scope.Matches(c.Row) {
				s.onChange(c)
				delivered++
			}
		}
	}
	w.logger.Debug("webhook_changes_received", slog.Int("changes", len(payload.Changes)), slog.Int("delivered", delivered))
	return http.StatusOK, map[string]int{"accepted": len(payload.Changes)}
}

// ServeHTTP accepts POST deliveries.
func (w *ChangeWebhook) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	writeJSON := func(status int, v any) {
		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(status)
		json.NewEncoder(rw).Encode(v)
	}
	if r.Method != http.MethodPost {
		writeJSON(http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}
	writeJSON(w.Handle(body, r.Header.Get(SignatureHeader)))
}

// ============================================================================
// Gateway wrapper
// ============================================================================

// WebhookGateway is a Gateway whose change subscription also receives
// webhook pushes.
type WebhookGateway struct {
	Gateway
	hook *ChangeWebhook
}

// WithChangeWebhook wraps gw so Subscribe listens on both gw and hook.
func WithChangeWebhook(gw Gateway, hook *ChangeWebhook) *WebhookGateway {
	return &WebhookGateway{Gateway: gw, hook: hook}
}

// Subscribe subscribes to the webhook and, when possible, to the wrapped
// gateway. A failing inner subscription is logged; the webhook keeps working.
func (g *WebhookGateway) Subscribe(ctx context.Context, scope ChangeScope, onChange func(RowChange)) (func(), error) {
	unhook := g.hook.Subscribe(scope, onChange)
	inner, err := g.Gateway.Subscribe(ctx, scope, onChange)
	if err != nil {
		g.hook.logger.Warn("webhook_gateway_inner_subscribe_failed", slog.Any("err", err))
		return unhook, nil
	}
	return func() {
		unhook()
		inner()
	}, nil
}
