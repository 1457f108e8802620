package courier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, NewClient("test-key", WithBaseURL(srv.URL+"/"), WithLogger(discardLogger()))
}

func TestHTTPGateway_Send(t *testing.T) {
	var got map[string]any
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/rest/v1/rpc/send_message" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("apikey") != "test-key" || r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("auth headers = %q / %q", r.Header.Get("apikey"), r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Write([]byte(`{"success":true,"message_id":"m-1","conversation_id":"c-1","message":"ok"}`))
	})
	gw := NewHTTPGateway(client, nil)

	at := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	res, err := gw.Send(context.Background(), SendRequest{
		SenderID:     "u-1",
		Recipient:    "+15550100",
		Text:         "hi",
		DeliverAfter: at,
		ClientID:     "client-1",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res != (SendResult{Success: true, MessageID: "m-1", ConversationID: "c-1", Message: "ok"}) {
		t.Fatalf("result = %+v", res)
	}
	for k, want := range map[string]any{
		"p_sender_id":     "u-1",
		"p_recipient":     "+15550100",
		"p_text":          "hi",
		"p_deliver_after": "2026-05-01T09:30:00Z",
		"p_client_id":     "client-1",
	} {
		if got[k] != want {
			t.Errorf("%s = %v, want %v", k, got[k], want)
		}
	}
}

func TestHTTPGateway_SendImmediateHasNullDeliverAfter(t *testing.T) {
	var got map[string]any
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"success":true}`))
	})
	if _, err := NewHTTPGateway(client, nil).Send(context.Background(), SendRequest{Recipient: "r", Text: "t"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	v, present := got["p_deliver_after"]
	if !present || v != nil {
		t.Fatalf("p_deliver_after = %v (present %v), want null", v, present)
	}
}

func TestHTTPGateway_SendErrors(t *testing.T) {
	t.Run("backend success=false", func(t *testing.T) {
		_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"success":false,"message":"recipient blocked"}`))
		})
		res, err := NewHTTPGateway(client, nil).Send(context.Background(), SendRequest{})
		if err != nil || res.Success || res.Message != "recipient blocked" {
			t.Fatalf("Send = %+v, %v", res, err)
		}
	})

	t.Run("validation status is a rejection", func(t *testing.T) {
		_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"code":"P0001","message":"unknown recipient"}`))
		})
		res, err := NewHTTPGateway(client, nil).Send(context.Background(), SendRequest{})
		if err != nil {
			t.Fatalf("err = %v, want rejection result", err)
		}
		if res.Success || res.Message != "unknown recipient" {
			t.Fatalf("result = %+v", res)
		}
	})

	t.Run("server error is transient", func(t *testing.T) {
		_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte("upstream down"))
		})
		_, err := NewHTTPGateway(client, nil).Send(context.Background(), SendRequest{})
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("err = %v, want *APIError", err)
		}
		if apiErr.Status != http.StatusBadGateway || apiErr.Message != "upstream down" || !apiErr.Temporary() {
			t.Fatalf("apiErr = %+v", apiErr)
		}
	})

	t.Run("rate limit is transient", func(t *testing.T) {
		_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		})
		if _, err := NewHTTPGateway(client, nil).Send(context.Background(), SendRequest{}); err == nil {
			t.Fatal("expected error for 429")
		}
	})
}

func TestHTTPGateway_FetchAggregateRows(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/v1/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("select") != "id,status,sender_id,recipient_id" {
			t.Errorf("select = %q", q.Get("select"))
		}
		if q.Get("or") != "(sender_id.eq.u-1,recipient_id.eq.u-1)" {
			t.Errorf("or = %q", q.Get("or"))
		}
		w.Write([]byte(`[
			{"id":"1","status":"sent","sender_id":"u-1","recipient_id":"u-2"},
			{"id":"2","status":"read","sender_id":"u-2","recipient_id":"u-1"}
		]`))
	})
	rows, err := NewHTTPGateway(client, nil).FetchAggregateRows(context.Background(), "u-1")
	if err != nil {
		t.Fatalf("FetchAggregateRows: %v", err)
	}
	want := []MessageRow{
		{ID: "1", Status: "sent", SenderID: "u-1", RecipientID: "u-2"},
		{ID: "2", Status: "read", SenderID: "u-2", RecipientID: "u-1"},
	}
	if len(rows) != len(want) || rows[0] != want[0] || rows[1] != want[1] {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestClient_Health(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/v1/" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{}`))
	})
	if err := client.Health(context.Background()); err != nil {
		t.Fatalf("Health: %v", err)
	}
	if client.HealthURL() != client.BaseURL()+"/rest/v1/" {
		t.Fatalf("HealthURL = %q", client.HealthURL())
	}
}

func TestClient_WithTracingKeepsWorking(t *testing.T) {
	srv, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	})
	client := NewClient("k", WithBaseURL(srv.URL), WithTracing(), WithLogger(discardLogger()))
	rows, err := NewHTTPGateway(client, nil).FetchAggregateRows(context.Background(), "u")
	if err != nil || len(rows) != 0 {
		t.Fatalf("FetchAggregateRows = %v, %v", rows, err)
	}
}

func TestChangeScopeMatches(t *testing.T) {
	s := ChangeScope{UserID: "me"}
	if !s.Matches(MessageRow{SenderID: "me"}) || !s.Matches(MessageRow{RecipientID: "me"}) {
		t.Fatal("own rows should match")
	}
	if s.Matches(MessageRow{SenderID: "a", RecipientID: "b"}) {
		t.Fatal("foreign row matched")
	}
	if !(ChangeScope{}).Matches(MessageRow{SenderID: "a"}) {
		t.Fatal("empty scope should match everything")
	}
}
