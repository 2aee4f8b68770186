package callback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/dispatcher"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/result"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/secrets"
)

const amqpDialTimeout = 10 * time.Second

// publisher is the part of an AMQP channel the dispatcher needs.
type publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
	Close() error
}

// amqpTarget is a callback URI split into broker URL and routing.
type amqpTarget struct {
	brokerURL  string
	exchange   string
	routingKey string
}

// parseAMQPTarget splits "amqp://user:pw@host/vhost?exchange=x&routingKey=k".
// A missing routing key defaults to the event name at publish time.
func parseAMQPTarget(raw string) (amqpTarget, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return amqpTarget{}, err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return amqpTarget{}, errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	q := u.Query()
	t := amqpTarget{exchange: q.Get("exchange"), routingKey: q.Get("routingKey")}
	q.Del("exchange")
	q.Del("routingKey")
	u.RawQuery = q.Encode()
	t.brokerURL = u.String()
	return t, nil
}

// AMQPDispatcher publishes callback envelopes to RabbitMQ. Connections are
// opened lazily and cached per broker URL; a failed publish drops the cached
// connection so the next retry redials.
type AMQPDispatcher struct {
	secrets secrets.Resolver
	dial    func(brokerURL string) (publisher, error)
	logger  *slog.Logger

	mu         sync.Mutex
	publishers map[string]publisher
	declared   map[string]bool
}

func NewAMQPDispatcher(secretResolver secrets.Resolver) *AMQPDispatcher {
	return &AMQPDispatcher{
		secrets:    secretResolver,
		dial:       dialAMQP,
		logger:     slog.Default().With("component", "callback", "protocol", ProtocolAMQP),
		publishers: make(map[string]publisher),
		declared:   make(map[string]bool),
	}
}

func (a *AMQPDispatcher) Protocol() string { return ProtocolAMQP }

func (a *AMQPDispatcher) Dispatch(ctx context.Context, msg dispatcher.RemoteMessage) result.StatusResult[any] {
	m, ok := msg.(*EventMessage)
	if !ok {
		return result.Fatal[any]("%v: %s", dispatcher.ErrUnknownMessage, msg.MessageType())
	}
	target, err := parseAMQPTarget(m.Address.URI)
	if err != nil {
		return result.Fatal[any]("invalid amqp callback uri: %v", err)
	}
	routingKey := target.routingKey
	if routingKey == "" {
		routingKey = m.Envelope.Type
	}

	body, err := json.Marshal(m.Envelope)
	if err != nil {
		return result.Fatal[any]("serialize envelope: %v", err)
	}
	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    m.Envelope.ID,
		Type:         m.Envelope.Type,
		Timestamp:    time.UnixMilli(m.Envelope.At),
		Body:         body,
	}
	if m.Address.AuthKey != "" {
		if a.secrets == nil {
			return result.Fatal[any]("callback %s requires auth but no secret resolver is configured", m.Address.URI)
		}
		secret, err := a.secrets.Resolve(ctx, m.Address.AuthCodeID)
		if err != nil {
			return result.Fatal[any]("resolve auth code: %v", err)
		}
		publishing.Headers = amqp.Table{m.Address.AuthKey: secret}
	}

	p, err := a.publisher(target.brokerURL)
	if err != nil {
		return result.Retry[any]("connect to broker: %v", err)
	}
	if err := a.declare(p, target); err != nil {
		a.drop(target.brokerURL, p)
		return result.Retry[any]("declare exchange %q: %v", target.exchange, err)
	}
	if err := p.Publish(ctx, target.exchange, routingKey, publishing); err != nil {
		a.drop(target.brokerURL, p)
		a.logger.WarnContext(ctx, "publish failed", "exchange", target.exchange, "routing_key", routingKey, "error", err)
		return result.Retry[any]("publish to exchange %q: %v", target.exchange, err)
	}
	return result.Success[any](nil)
}

// Close releases every cached connection.
func (a *AMQPDispatcher) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var errs []error
	for k, p := range a.publishers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(a.publishers, k)
	}
	a.declared = make(map[string]bool)
	return errors.Join(errs...)
}

func (a *AMQPDispatcher) publisher(brokerURL string) (publisher, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.publishers[brokerURL]; ok {
		return p, nil
	}
	p, err := a.dial(brokerURL)
	if err != nil {
		return nil, err
	}
	a.publishers[brokerURL] = p
	return p, nil
}

// declare creates the exchange once per cached connection. The default
// exchange ("") cannot be declared.
func (a *AMQPDispatcher) declare(p publisher, t amqpTarget) error {
	if t.exchange == "" {
		return nil
	}
	key := t.brokerURL + "|" + t.exchange
	a.mu.Lock()
	done := a.declared[key]
	a.mu.Unlock()
	if done {
		return nil
	}
	if d, ok := p.(interface{ DeclareTopic(string) error }); ok {
		if err := d.DeclareTopic(t.exchange); err != nil {
			return err
		}
	}
	a.mu.Lock()
	a.declared[key] = true
	a.mu.Unlock()
	return nil
}

func (a *AMQPDispatcher) drop(brokerURL string, p publisher) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cur, ok := a.publishers[brokerURL]; ok && cur == p {
		delete(a.publishers, brokerURL)
		for k := range a.declared {
			if strings.HasPrefix(k, brokerURL+"|") {
				delete(a.declared, k)
			}
		}
	}
	_ = p.Close()
}

// channelPublisher adapts an amqp091 connection and channel.
type channelPublisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

func dialAMQP(brokerURL string) (publisher, error) {
	conn, err := amqp.DialConfig(brokerURL, amqp.Config{Dial: amqp.DefaultDial(amqpDialTimeout)})
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return &channelPublisher{conn: conn, channel: ch}, nil
}

func (c *channelPublisher) DeclareTopic(exchange string) error {
	return c.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil)
}

func (c *channelPublisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	return c.channel.PublishWithContext(ctx, exchange, routingKey, false, false, msg)
}

func (c *channelPublisher) Close() error {
	var errs []error
	if c.channel != nil && !c.channel.IsClosed() {
		errs = append(errs, c.channel.Close())
	}
	if c.conn != nil && !c.conn.IsClosed() {
		errs = append(errs, c.conn.Close())
	}
	return errors.Join(errs...)
}
