package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/observability"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/policy"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/result"
)

const (
	DefaultTimeout  = 30 * time.Second
	maxResponseSize = 10 << 20
)

// Request is what a factory produces: the path appended to the
// counter-party address, the body to serialize and any extra headers.
type Request struct {
	Path    string
	Body    any
	Headers map[string]string
}

// RequestFactory builds the outbound request for one message type.
type RequestFactory func(ctx context.Context, msg RemoteMessage) (Request, error)

// ResponseDelegate parses a 2xx response body.
type ResponseDelegate func(body []byte) (any, error)

// NoopDelegate is used for message types that expect no response body.
func NoopDelegate(_ []byte) (any, error) { return nil, nil }

// JSONDelegate decodes the response body into R.
func JSONDelegate[R any]() ResponseDelegate {
	return func(body []byte) (any, error) {
		var out R
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
}

// PolicyExtractor returns the policy a message must satisfy, if any.
type PolicyExtractor func(msg RemoteMessage) (policy.Policy, bool)

// PolicyEvaluator decides a policy for an agent in a scope.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, scope string, p policy.Policy, agent policy.Agent) error
}

// TokenSource issues the bearer token for a counter-party address.
type TokenSource interface {
	Token(ctx context.Context, audience string) (string, error)
}

// HTTPConfig wires an HTTPDispatcher. Only Protocol is required.
type HTTPConfig struct {
	Protocol      string
	Client        *http.Client
	Timeout       time.Duration
	Serializer    Serializer
	Tokens        TokenSource
	Limiter       Limiter
	Evaluator     PolicyEvaluator
	Observability *observability.Provider
}

type messageBinding struct {
	factory  RequestFactory
	delegate ResponseDelegate
}

type scopeBinding struct {
	scope     string
	extractor PolicyExtractor
}

// HTTPDispatcher posts protocol messages to counter-parties over HTTP(S).
type HTTPDispatcher struct {
	cfg    HTTPConfig
	obs    *observability.Provider
	logger *slog.Logger

	mu       sync.RWMutex
	messages map[string]messageBinding
	scopes   map[string]scopeBinding
}

func NewHTTPDispatcher(cfg HTTPConfig) *HTTPDispatcher {
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Serializer == nil {
		cfg.Serializer = CanonicalJSON{}
	}
	obs := cfg.Observability
	if obs == nil {
		obs = observability.Noop()
	}
	return &HTTPDispatcher{
		cfg:      cfg,
		obs:      obs,
		logger:   slog.Default().With("component", "dispatcher", "protocol", cfg.Protocol),
		messages: make(map[string]messageBinding),
		scopes:   make(map[string]scopeBinding),
	}
}

func (d *HTTPDispatcher) Protocol() string { return d.cfg.Protocol }

// RegisterMessage binds a message type to its request factory and response
// delegate. A nil delegate means NoopDelegate.
func (d *HTTPDispatcher) RegisterMessage(messageType string, factory RequestFactory, delegate ResponseDelegate) {
	if delegate == nil {
		delegate = NoopDelegate
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messages[messageType] = messageBinding{factory: factory, delegate: delegate}
}

// RegisterPolicyScope requires messages of messageType to satisfy the
// extracted policy in scope before anything is sent.
func (d *HTTPDispatcher) RegisterPolicyScope(messageType, scope string, extractor PolicyExtractor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scopes[messageType] = scopeBinding{scope: scope, extractor: extractor}
}

// Dispatch sends msg and classifies the outcome.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, msg RemoteMessage) result.StatusResult[any] {
	ctx, done := d.obs.TrackOperation(ctx, "dispatch."+msg.MessageType(),
		attribute.String("protocol", d.cfg.Protocol),
		attribute.String("process.id", msg.Header().ProcessID),
	)
	res := d.dispatch(ctx, msg)
	d.obs.RecordDispatch(ctx, msg.MessageType(), string(res.Status))
	if res.Succeeded() {
		done(nil)
	} else {
		done(fmt.Errorf("%s: %s", res.Status, res.FailureDetail))
	}
	return res
}

func (d *HTTPDispatcher) dispatch(ctx context.Context, msg RemoteMessage) result.StatusResult[any] {
	h := msg.Header()

	d.mu.RLock()
	binding, ok := d.messages[msg.MessageType()]
	scope, scoped := d.scopes[msg.MessageType()]
	d.mu.RUnlock()
	if !ok {
		return result.Fatal[any]("%v: %s", ErrUnknownMessage, msg.MessageType())
	}

	if scoped && d.cfg.Evaluator != nil {
		if p, found := scope.extractor(msg); found {
			agent := policy.Agent{
				Identity:   h.CounterPartyID,
				Attributes: map[string]string{"counterPartyAddress": h.CounterPartyAddress},
			}
			if err := d.cfg.Evaluator.Evaluate(ctx, scope.scope, p, agent); err != nil {
				return result.Fatal[any]("policy evaluation failed in scope %s: %v", scope.scope, err)
			}
		}
	}

	if d.cfg.Limiter != nil {
		allowed, err := d.cfg.Limiter.Allow(ctx, limiterKey(h.CounterPartyAddress))
		if err != nil {
			return result.Retry[any]("rate limiter unavailable: %v", err)
		}
		if !allowed {
			return result.Retry[any]("rate limit reached for %s", h.CounterPartyAddress)
		}
	}

	req, err := binding.factory(ctx, msg)
	if err != nil {
		return result.Fatal[any]("build %s: %v", msg.MessageType(), err)
	}
	body, err := d.cfg.Serializer.Serialize(req.Body)
	if err != nil {
		return result.Fatal[any]("serialize %s: %v", msg.MessageType(), err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	target := strings.TrimSuffix(h.CounterPartyAddress, "/") + req.Path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return result.Fatal[any]("invalid counter-party address %q: %v", h.CounterPartyAddress, err)
	}
	httpReq.Header.Set("Content-Type", d.cfg.Serializer.ContentType())
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if d.cfg.Tokens != nil {
		token, err := d.cfg.Tokens.Token(ctx, h.CounterPartyAddress)
		if err != nil {
			return result.Fatal[any]("obtain token: %v", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := d.cfg.Client.Do(httpReq)
	if err != nil {
		d.logger.WarnContext(ctx, "dispatch transport failure", "message", msg.MessageType(), "target", target, "error", err)
		return result.Retry[any]("send %s to %s: %v", msg.MessageType(), target, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return result.Retry[any]("read response of %s: %v", msg.MessageType(), err)
	}
	return classify(msg.MessageType(), resp.StatusCode, respBody, binding.delegate)
}

// classify maps an HTTP status onto the dispatch outcome classes.
func classify(messageType string, status int, body []byte, delegate ResponseDelegate) result.StatusResult[any] {
	switch {
	case status >= 200 && status < 300:
		content, err := delegate(body)
		if err != nil {
			return result.Fatal[any]("parse response of %s: %v", messageType, err)
		}
		return result.Success(content)
	case status >= 400 && status < 500:
		return result.Fatal[any]("counter-party rejected %s with status %d: %s", messageType, status, snippet(body))
	case status >= 500 && status < 600:
		return result.Retry[any]("counter-party failed %s with status %d: %s", messageType, status, snippet(body))
	default:
		return result.Fatal[any]("unexpected status %d for %s", status, messageType)
	}
}

func snippet(body []byte) string {
	const max = 256
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}

func limiterKey(address string) string {
	if u, err := url.Parse(address); err == nil && u.Host != "" {
		return u.Host
	}
	return address
}
