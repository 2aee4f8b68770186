package negotiation

import (
	"context"
	"time"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/dispatcher"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/events"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/observability"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/statemachine"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/store"
)

// ManagerConfig wires the negotiation state machine.
type ManagerConfig struct {
	Machine statemachine.Config
	// ProtocolAddress is where peers reach this connector; sent with
	// contract requests so the provider can answer.
	ProtocolAddress string
}

type processors struct {
	sender  dispatcher.Sender
	pub     events.Publisher
	address string
	clock   func() time.Time
}

type outcome = statemachine.Outcome[*ContractNegotiation]

// NewManager builds the state machine driving both consumer and provider
// negotiations. Failures land in TERMINATED and publish the terminated event.
func NewManager(st store.Store[*ContractNegotiation], trx store.TransactionContext, sender dispatcher.Sender, pub events.Publisher, obs *observability.Provider, cfg ManagerConfig) *statemachine.Manager[*ContractNegotiation] {
	if cfg.Machine.Name == "" {
		cfg.Machine.Name = "contract-negotiation"
	}
	cfg.Machine.FailState = Terminated
	clock := cfg.Machine.Clock
	if clock == nil {
		clock = time.Now
	}
	p := &processors{sender: sender, pub: pub, address: cfg.ProtocolAddress, clock: clock}

	m := statemachine.New[*ContractNegotiation](st, trx, obs, cfg.Machine)
	m.Register(statemachine.Processor[*ContractNegotiation]{State: Initial, Name: "initial", Process: p.initial})
	m.Register(statemachine.Processor[*ContractNegotiation]{State: Requesting, Name: "requesting", Process: p.requesting})
	m.Register(statemachine.Processor[*ContractNegotiation]{State: Accepting, Name: "accepting", Process: p.accepting})
	m.Register(statemachine.Processor[*ContractNegotiation]{State: Verifying, Name: "verifying", Process: p.verifying})
	m.Register(statemachine.Processor[*ContractNegotiation]{State: Agreeing, Name: "agreeing", Process: p.agreeing})
	m.Register(statemachine.Processor[*ContractNegotiation]{State: Finalizing, Name: "finalizing", Process: p.finalizing})
	m.Register(statemachine.Processor[*ContractNegotiation]{State: Terminating, Name: "terminating", Process: p.terminating})
	m.OnFailure(p.publish(EventTerminated))
	return m
}

func (p *processors) publish(name string) func(context.Context, *ContractNegotiation) error {
	return func(ctx context.Context, n *ContractNegotiation) error {
		return p.pub.Publish(ctx, newEvent(name, n))
	}
}

// moveTo is the Advance used after a successful send.
func (p *processors) moveTo(state int, event string) outcome {
	var then func(context.Context, *ContractNegotiation) error
	if event != "" {
		then = p.publish(event)
	}
	return statemachine.Advance(func(n *ContractNegotiation) { n.TransitionTo(state, p.clock()) }, then)
}

func (p *processors) initial(_ context.Context, n *ContractNegotiation) outcome {
	if n.Type != Consumer {
		return statemachine.Fatal[*ContractNegotiation]("provider negotiation cannot start from INITIAL")
	}
	return p.moveTo(Requesting, "")
}

func (p *processors) requesting(ctx context.Context, n *ContractNegotiation) outcome {
	offer, ok := n.LastOffer()
	if !ok {
		return statemachine.Fatal[*ContractNegotiation]("negotiation has no offer to request")
	}
	msg := &ContractRequestMessage{ProcessMessage: header(n), Offer: offer, CallbackAddress: p.address}
	return statemachine.FromStatus(dispatcher.Send[Ack](ctx, p.sender, msg), func(ack Ack) outcome {
		return statemachine.Advance(func(n *ContractNegotiation) {
			if ack.ProcessID != "" {
				n.CorrelationID = ack.ProcessID
			}
			n.TransitionTo(Requested, p.clock())
		}, p.publish(EventRequested))
	})
}

func (p *processors) accepting(ctx context.Context, n *ContractNegotiation) outcome {
	msg := &ContractNegotiationEventMessage{ProcessMessage: header(n), EventType: EventKindAccepted}
	return statemachine.FromStatus(dispatcher.Send[any](ctx, p.sender, msg), func(any) outcome {
		return p.moveTo(Accepted, EventAccepted)
	})
}

func (p *processors) verifying(ctx context.Context, n *ContractNegotiation) outcome {
	msg := &ContractAgreementVerificationMessage{ProcessMessage: header(n)}
	return statemachine.FromStatus(dispatcher.Send[any](ctx, p.sender, msg), func(any) outcome {
		return p.moveTo(Verified, EventVerified)
	})
}

func (p *processors) agreeing(ctx context.Context, n *ContractNegotiation) outcome {
	if n.Agreement == nil {
		return statemachine.Fatal[*ContractNegotiation]("negotiation in AGREEING has no agreement")
	}
	msg := &ContractAgreementMessage{ProcessMessage: header(n), Agreement: *n.Agreement}
	return statemachine.FromStatus(dispatcher.Send[any](ctx, p.sender, msg), func(any) outcome {
		return p.moveTo(Agreed, EventAgreed)
	})
}

func (p *processors) finalizing(ctx context.Context, n *ContractNegotiation) outcome {
	msg := &ContractNegotiationEventMessage{ProcessMessage: header(n), EventType: EventKindFinalized}
	return statemachine.FromStatus(dispatcher.Send[any](ctx, p.sender, msg), func(any) outcome {
		return p.moveTo(Finalized, EventFinalized)
	})
}

// terminating notifies the peer, unless it never learned about the
// negotiation.
func (p *processors) terminating(ctx context.Context, n *ContractNegotiation) outcome {
	if n.CorrelationID == "" {
		return p.terminated()
	}
	msg := &ContractNegotiationTerminationMessage{ProcessMessage: header(n), Reason: n.ErrorDetail}
	return statemachine.FromStatus(dispatcher.Send[any](ctx, p.sender, msg), func(any) outcome {
		return p.terminated()
	})
}

// terminated keeps the termination reason set by the command.
func (p *processors) terminated() outcome {
	return statemachine.Advance(func(n *ContractNegotiation) {
		reason := n.ErrorDetail
		n.TransitionTo(Terminated, p.clock())
		n.ErrorDetail = reason
	}, p.publish(EventTerminated))
}
