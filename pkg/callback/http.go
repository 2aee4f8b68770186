package callback

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/dispatcher"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/secrets"
)

// NewHTTPDispatcher returns a dispatcher that POSTs envelopes to http(s)
// callback URIs. When a callback carries an AuthKey, the secret behind its
// AuthCodeID is sent in a header named after the key.
func NewHTTPDispatcher(cfg dispatcher.HTTPConfig, secretResolver secrets.Resolver) *dispatcher.HTTPDispatcher {
	cfg.Protocol = ProtocolHTTP
	// callbacks are not protocol peers: no bearer token, no policy scope
	cfg.Tokens = nil
	cfg.Evaluator = nil
	d := dispatcher.NewHTTPDispatcher(cfg)
	d.RegisterMessage(MessageType, func(ctx context.Context, msg dispatcher.RemoteMessage) (dispatcher.Request, error) {
		m, ok := msg.(*EventMessage)
		if !ok {
			return dispatcher.Request{}, fmt.Errorf("unexpected message %T", msg)
		}
		req := dispatcher.Request{Body: m.Envelope}
		if m.Address.AuthKey == "" {
			return req, nil
		}
		if secretResolver == nil {
			return req, fmt.Errorf("callback %s requires auth but no secret resolver is configured", m.Address.URI)
		}
		secret, err := secretResolver.Resolve(ctx, m.Address.AuthCodeID)
		if err != nil {
			return req, fmt.Errorf("resolve auth code: %w", err)
		}
		req.Headers = map[string]string{m.Address.AuthKey: secret}
		return req, nil
	}, dispatcher.NoopDelegate)
	return d
}
