package ari

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPClient(ClientConfig{
		BaseURL:  srv.URL,
		Username: "user",
		Password: "secret",
	})
}

func TestChannelGet(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/channels/chan-1" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if user, pass, ok := r.BasicAuth(); !ok || user != "user" || pass != "secret" {
			t.Error("basic auth not forwarded")
		}
		_ = json.NewEncoder(w).Encode(Channel{ID: "chan-1", Name: "PJSIP/alice", State: "Up"})
	})

	ch, err := client.Channels().Get(context.Background(), "chan-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ch.ID != "chan-1" || ch.State != "Up" {
		t.Errorf("got %+v", ch)
	}
}

func TestNotFoundClassification(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Channel not found"}`, http.StatusNotFound)
	})

	_, err := client.Channels().Get(context.Background(), "chan-gone")
	if !IsNotFound(err) {
		t.Fatalf("IsNotFound(%v) = false", err)
	}
	if IsUnavailable(err) {
		t.Fatalf("IsUnavailable(%v) = true for a 404", err)
	}
}

func TestUnavailableClassification(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "loading", http.StatusServiceUnavailable)
	})

	err := client.Ping(context.Background())
	if !IsUnavailable(err) {
		t.Fatalf("IsUnavailable(%v) = false", err)
	}

	// Connection refused is the same class.
	dead := NewHTTPClient(ClientConfig{BaseURL: "http://127.0.0.1:1"})
	if err := dead.Ping(context.Background()); !IsUnavailable(err) {
		t.Fatalf("IsUnavailable(%v) = false for a refused connection", err)
	}
}

func TestOriginateRequestShape(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/channels" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("endpoint") != "Local/1001@internal" {
			t.Errorf("endpoint = %q", q.Get("endpoint"))
		}
		if q.Get("app") != "callcontrol" {
			t.Errorf("app = %q", q.Get("app"))
		}
		if q.Get("appArgs") != "transfer_recipient_called,transfer-1" {
			t.Errorf("appArgs = %q", q.Get("appArgs"))
		}
		var body struct {
			Variables map[string]string `json:"variables"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.Variables["ROLE"] != "recipient" {
			t.Errorf("variables = %v", body.Variables)
		}
		_ = json.NewEncoder(w).Encode(Channel{ID: "chan-new", State: "Ring"})
	})

	ch, err := client.Channels().Originate(context.Background(), OriginateRequest{
		Endpoint:  "Local/1001@internal",
		App:       "callcontrol",
		AppArgs:   []string{"transfer_recipient_called", "transfer-1"},
		Variables: map[string]string{"ROLE": "recipient"},
	})
	if err != nil {
		t.Fatalf("Originate() error = %v", err)
	}
	if ch.ID != "chan-new" {
		t.Errorf("originated channel = %q", ch.ID)
	}
}

func TestBridgeCreateWithExplicitID(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/bridges/transfer-1" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		if r.URL.Query().Get("type") != "mixing" {
			t.Errorf("type = %q", r.URL.Query().Get("type"))
		}
		_ = json.NewEncoder(w).Encode(Bridge{ID: "transfer-1", Type: "mixing"})
	})

	b, err := client.Bridges().Create(context.Background(), BridgeCreateRequest{
		ID:   "transfer-1",
		Type: "mixing",
		Name: "transfer",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if b.ID != "transfer-1" {
		t.Errorf("bridge id = %q", b.ID)
	}
}

func TestChannelVarRoundTrip(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/channels/chan-1/variable" {
			t.Errorf("path = %s", r.URL.Path)
		}
		switch r.Method {
		case http.MethodPost:
			if r.URL.Query().Get("variable") != "MARKER" || r.URL.Query().Get("value") != "v1" {
				t.Errorf("query = %v", r.URL.Query())
			}
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(map[string]string{"value": "v1"})
		}
	})

	if err := client.Channels().SetVar(context.Background(), "chan-1", "MARKER", "v1"); err != nil {
		t.Fatalf("SetVar() error = %v", err)
	}
	v, err := client.Channels().GetVar(context.Background(), "chan-1", "MARKER")
	if err != nil {
		t.Fatalf("GetVar() error = %v", err)
	}
	if v != "v1" {
		t.Errorf("GetVar() = %q, want v1", v)
	}
}
