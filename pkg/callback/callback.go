// Package callback delivers process events to the callback addresses
// registered on each entity.
//
// Two Dispatchers subscribe to the event router. The transactional one
// delivers inline and its failures propagate back to the publishing command,
// aborting its transaction. The non-transactional one delivers in the
// background once the publishing unit of work has committed; its failures are
// logged and counted but never surface to the publisher.
package callback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/dispatcher"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/entity"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/events"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/observability"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/store"
)

const (
	ProtocolHTTP = "callback-http"
	ProtocolAMQP = "callback-amqp"

	// MessageType is the remote message type carrying one event to one
	// callback address.
	MessageType = "CallbackEventRemoteMessage"
)

// ErrUnsupportedScheme is returned when no protocol handles a callback URI.
var ErrUnsupportedScheme = errors.New("unsupported callback scheme")

// EventMessage is dispatched once per matching callback address.
type EventMessage struct {
	dispatcher.MessageHeader
	Envelope events.Envelope
	Address  entity.CallbackAddress
}

func (*EventMessage) MessageType() string { return MessageType }

// ProtocolResolver maps a callback URI onto a dispatcher protocol.
type ProtocolResolver func(uri string) (string, error)

// SchemeResolver resolves http(s) to ProtocolHTTP and amqp(s) to ProtocolAMQP.
func SchemeResolver(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parse callback uri: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return ProtocolHTTP, nil
	case "amqp", "amqps":
		return ProtocolAMQP, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

// Dispatcher is an events.Subscriber that forwards envelopes to the callback
// addresses whose transactional flag equals its own.
type Dispatcher struct {
	transactional bool
	sender        dispatcher.Sender
	resolve       ProtocolResolver
	obs           *observability.Provider
	logger        *slog.Logger
	inflight      sync.WaitGroup
}

// NewDispatcher creates a callback subscriber. A nil resolver means
// SchemeResolver.
func NewDispatcher(transactional bool, sender dispatcher.Sender, resolve ProtocolResolver, obs *observability.Provider) *Dispatcher {
	if resolve == nil {
		resolve = SchemeResolver
	}
	if obs == nil {
		obs = observability.Noop()
	}
	return &Dispatcher{
		transactional: transactional,
		sender:        sender,
		resolve:       resolve,
		obs:           obs,
		logger:        slog.Default().With("component", "callback", "transactional", transactional),
	}
}

// On delivers env to every matching callback. In transactional mode the
// first failure is returned. Otherwise delivery is scheduled after commit on
// its own goroutine and failures are logged and skipped.
func (d *Dispatcher) On(ctx context.Context, env events.Envelope) error {
	name := env.Payload.Name()
	var targets []entity.CallbackAddress
	for _, cb := range env.Payload.Callbacks() {
		if cb.Transactional == d.transactional && cb.Matches(name) {
			targets = append(targets, cb)
		}
	}
	if len(targets) == 0 {
		return nil
	}

	if d.transactional {
		for _, cb := range targets {
			if err := d.deliver(ctx, env, cb); err != nil {
				d.obs.RecordCallbackFailure(ctx, name, true)
				return err
			}
		}
		return nil
	}

	store.AfterCommit(ctx, func() {
		d.inflight.Add(1)
		go func() {
			defer d.inflight.Done()
			d.deliverAll(context.WithoutCancel(ctx), env, targets)
		}()
	})
	return nil
}

// Wait blocks until background deliveries started so far have finished.
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}

func (d *Dispatcher) deliverAll(ctx context.Context, env events.Envelope, targets []entity.CallbackAddress) {
	name := env.Payload.Name()
	for _, cb := range targets {
		if err := d.deliver(ctx, env, cb); err != nil {
			d.obs.RecordCallbackFailure(ctx, name, false)
			d.logger.WarnContext(ctx, "callback delivery failed", "event", name, "uri", cb.URI, "error", err)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, env events.Envelope, cb entity.CallbackAddress) error {
	protocol, err := d.resolve(cb.URI)
	if err != nil {
		return fmt.Errorf("callback %s: %w", cb.URI, err)
	}
	msg := &EventMessage{
		MessageHeader: dispatcher.NewHeader(processID(env), "", cb.URI, protocol),
		Envelope:      env,
		Address:       cb,
	}
	res := d.sender.Dispatch(ctx, msg)
	if !res.Succeeded() {
		return fmt.Errorf("callback %s: %s: %s", cb.URI, res.Status, res.FailureDetail)
	}
	return nil
}

type processScoped interface {
	ProcessID() string
}

func processID(env events.Envelope) string {
	if p, ok := env.Payload.(processScoped); ok {
		return p.ProcessID()
	}
	return ""
}
