package dispatcher

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/policy"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/result"
)

type pingMessage struct {
	MessageHeader
	Payload map[string]any `json:"payload"`
}

func (*pingMessage) MessageType() string { return "PingMessage" }

type pong struct {
	Reply string `json:"reply"`
}

type staticTokens string

func (s staticTokens) Token(context.Context, string) (string, error) { return string(s), nil }

func newPing(address string) *pingMessage {
	return &pingMessage{
		MessageHeader: NewHeader("proc-1", "did:web:peer", address, "dsp-http"),
		Payload:       map[string]any{"z": 1, "a": "first"},
	}
}

func newTestDispatcher(cfg HTTPConfig) *HTTPDispatcher {
	cfg.Protocol = "dsp-http"
	d := NewHTTPDispatcher(cfg)
	d.RegisterMessage("PingMessage", func(_ context.Context, msg RemoteMessage) (Request, error) {
		return Request{Path: "/ping", Body: msg}, nil
	}, JSONDelegate[pong]())
	return d
}

func TestHTTPDispatcher_Classification(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    result.Status
	}{
		{"200 is OK", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(`{"reply":"pong"}`)) }, result.StatusOK},
		{"404 is fatal", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotFound) }, result.StatusFatal},
		{"400 is fatal", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadRequest) }, result.StatusFatal},
		{"500 retries", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusInternalServerError) }, result.StatusErrorRetry},
		{"503 retries", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusServiceUnavailable) }, result.StatusErrorRetry},
		{"malformed 2xx body is fatal", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(`{not json`)) }, result.StatusFatal},
		{"timeout retries", func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-time.After(2 * time.Second):
			case <-r.Context().Done():
			}
		}, result.StatusErrorRetry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			d := newTestDispatcher(HTTPConfig{Timeout: 100 * time.Millisecond})
			res := d.Dispatch(context.Background(), newPing(srv.URL))
			assert.Equal(t, tt.want, res.Status, res.FailureDetail)
		})
	}
}

func TestHTTPDispatcher_ConnectionRefusedRetries(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	res := newTestDispatcher(HTTPConfig{Timeout: time.Second}).Dispatch(context.Background(), newPing(addr))
	assert.Equal(t, result.StatusErrorRetry, res.Status)
}

func TestHTTPDispatcher_RequestShape(t *testing.T) {
	var gotPath, gotAuth, gotBody, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		_, _ = w.Write([]byte(`{"reply":"pong"}`))
	}))
	defer srv.Close()

	reg := NewRegistry()
	reg.Register(newTestDispatcher(HTTPConfig{Tokens: staticTokens("tok-123")}))

	msg := newPing(srv.URL + "/")
	res := Send[pong](context.Background(), reg, msg)
	require.True(t, res.Succeeded(), res.FailureDetail)
	assert.Equal(t, "pong", res.Content.Reply)

	assert.Equal(t, "/ping", gotPath)
	assert.Equal(t, "Bearer tok-123", gotAuth)
	assert.Equal(t, "application/json", gotType)
	// canonical JSON: sorted keys, no whitespace
	assert.Equal(t, `{"id":"`+msg.ID+`","payload":{"a":"first","z":1},"processId":"proc-1"}`, gotBody)
}

type denyAll struct{}

func (denyAll) Evaluate(_ context.Context, scope string, p policy.Policy, _ policy.Agent) error {
	return &policy.DeniedError{PolicyID: p.ID, Scope: scope, Reasons: []string{"never"}}
}

func TestHTTPDispatcher_PolicyScopeShortCircuits(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	d := newTestDispatcher(HTTPConfig{Evaluator: denyAll{}})
	d.RegisterPolicyScope("PingMessage", "request.ping", func(RemoteMessage) (policy.Policy, bool) {
		return policy.Policy{ID: "p-1"}, true
	})

	res := d.Dispatch(context.Background(), newPing(srv.URL))
	assert.Equal(t, result.StatusFatal, res.Status)
	assert.Contains(t, res.FailureDetail, "request.ping")
	assert.Zero(t, hits.Load())
}

func TestHTTPDispatcher_RateLimitRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	d := newTestDispatcher(HTTPConfig{Limiter: Limiters{NewLocalLimiter(0.001, 1)}})
	ctx := context.Background()

	assert.Equal(t, result.StatusOK, d.Dispatch(ctx, newPing(srv.URL)).Status)
	second := d.Dispatch(ctx, newPing(srv.URL))
	assert.Equal(t, result.StatusErrorRetry, second.Status)
	assert.Contains(t, second.FailureDetail, "rate limit")
	assert.Equal(t, int32(1), hits.Load())
}

func TestRegistry_UnknownProtocolAndMessage(t *testing.T) {
	reg := NewRegistry()
	res := reg.Dispatch(context.Background(), newPing("http://localhost"))
	assert.Equal(t, result.StatusFatal, res.Status)

	d := NewHTTPDispatcher(HTTPConfig{Protocol: "dsp-http"})
	reg.Register(d)
	res = reg.Dispatch(context.Background(), newPing("http://localhost"))
	assert.Equal(t, result.StatusFatal, res.Status)
	assert.Contains(t, res.FailureDetail, "not registered")
}

func TestSendAsync(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"reply":"later"}`))
	}))
	defer srv.Close()

	reg := NewRegistry()
	reg.Register(newTestDispatcher(HTTPConfig{}))

	select {
	case res := <-SendAsync[pong](context.Background(), reg, newPing(srv.URL)):
		require.True(t, res.Succeeded())
		assert.Equal(t, "later", res.Content.Reply)
	case <-time.After(5 * time.Second):
		t.Fatal("async send did not complete")
	}
}

func TestSend_WrongContentTypeIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"reply":"pong"}`))
	}))
	defer srv.Close()

	reg := NewRegistry()
	reg.Register(newTestDispatcher(HTTPConfig{}))
	res := Send[string](context.Background(), reg, newPing(srv.URL))
	assert.Equal(t, result.StatusFatal, res.Status)
}
