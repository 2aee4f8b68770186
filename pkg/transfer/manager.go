package transfer

import (
	"context"
	"time"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/dispatcher"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/events"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/observability"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/result"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/statemachine"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/store"
)

// Provisioner prepares resources for a transfer. On the provider it returns
// the data address handed to the consumer; on the consumer it may enrich the
// data destination. ERROR_RETRY and FATAL_ERROR are handled like dispatches.
type Provisioner interface {
	Provision(ctx context.Context, tp *TransferProcess) result.StatusResult[map[string]string]
}

// ProvisionerFunc adapts a function to Provisioner.
type ProvisionerFunc func(ctx context.Context, tp *TransferProcess) result.StatusResult[map[string]string]

func (f ProvisionerFunc) Provision(ctx context.Context, tp *TransferProcess) result.StatusResult[map[string]string] {
	return f(ctx, tp)
}

// NoopProvisioner provisions nothing.
var NoopProvisioner = ProvisionerFunc(func(context.Context, *TransferProcess) result.StatusResult[map[string]string] {
	return result.Success[map[string]string](nil)
})

type ManagerConfig struct {
	Machine         statemachine.Config
	ProtocolAddress string
	Provisioner     Provisioner
}

type processors struct {
	sender      dispatcher.Sender
	pub         events.Publisher
	provisioner Provisioner
	address     string
	clock       func() time.Time
}

type outcome = statemachine.Outcome[*TransferProcess]

// NewManager builds the state machine for consumer and provider transfers.
func NewManager(st store.Store[*TransferProcess], trx store.TransactionContext, sender dispatcher.Sender, pub events.Publisher, obs *observability.Provider, cfg ManagerConfig) *statemachine.Manager[*TransferProcess] {
	if cfg.Machine.Name == "" {
		cfg.Machine.Name = "transfer-process"
	}
	cfg.Machine.FailState = Terminated
	if cfg.Provisioner == nil {
		cfg.Provisioner = NoopProvisioner
	}
	clock := cfg.Machine.Clock
	if clock == nil {
		clock = time.Now
	}
	p := &processors{sender: sender, pub: pub, provisioner: cfg.Provisioner, address: cfg.ProtocolAddress, clock: clock}

	m := statemachine.New[*TransferProcess](st, trx, obs, cfg.Machine)
	for _, proc := range []statemachine.Processor[*TransferProcess]{
		{State: Initial, Name: "initial", Process: p.initial},
		{State: Provisioning, Name: "provisioning", Process: p.provisioning},
		{State: Provisioned, Name: "provisioned", Process: p.provisioned},
		{State: Requesting, Name: "requesting", Process: p.requesting},
		{State: Starting, Name: "starting", Process: p.starting},
		{State: Suspending, Name: "suspending", Process: p.suspending},
		{State: Completing, Name: "completing", Process: p.completing},
		{State: Terminating, Name: "terminating", Process: p.terminating},
	} {
		m.Register(proc)
	}
	m.OnFailure(p.publish(EventTerminated))
	return m
}

func (p *processors) publish(name string) func(context.Context, *TransferProcess) error {
	return func(ctx context.Context, tp *TransferProcess) error {
		return p.pub.Publish(ctx, newEvent(name, tp))
	}
}

func (p *processors) moveTo(state int, event string) outcome {
	var then func(context.Context, *TransferProcess) error
	if event != "" {
		then = p.publish(event)
	}
	return statemachine.Advance(func(tp *TransferProcess) { tp.TransitionTo(state, p.clock()) }, then)
}

func (p *processors) initial(context.Context, *TransferProcess) outcome {
	return p.moveTo(Provisioning, "")
}

func (p *processors) provisioning(ctx context.Context, tp *TransferProcess) outcome {
	return statemachine.FromStatus(p.provisioner.Provision(ctx, tp), func(resources map[string]string) outcome {
		return statemachine.Advance(func(tp *TransferProcess) {
			if len(resources) > 0 {
				if tp.Type == Provider {
					tp.DataAddress = cloneMap(resources)
				} else {
					if tp.DataDestination == nil {
						tp.DataDestination = map[string]string{}
					}
					for k, v := range resources {
						tp.DataDestination[k] = v
					}
				}
			}
			tp.TransitionTo(Provisioned, p.clock())
		}, p.publish(EventProvisioned))
	})
}

// provisioned hands over to the side-specific next step: the consumer
// requests, the provider starts.
func (p *processors) provisioned(_ context.Context, tp *TransferProcess) outcome {
	if tp.Type == Provider {
		return p.moveTo(Starting, "")
	}
	return p.moveTo(Requesting, "")
}

func (p *processors) requesting(ctx context.Context, tp *TransferProcess) outcome {
	msg := &TransferRequestMessage{
		ProcessMessage:  header(tp),
		ContractID:      tp.ContractID,
		AssetID:         tp.AssetID,
		TransferType:    tp.TransferType,
		DataDestination: cloneMap(tp.DataDestination),
		CallbackAddress: p.address,
	}
	return statemachine.FromStatus(dispatcher.Send[Ack](ctx, p.sender, msg), func(ack Ack) outcome {
		return statemachine.Advance(func(tp *TransferProcess) {
			tp.correlate(ack.ProcessID)
			tp.TransitionTo(Requested, p.clock())
		}, p.publish(EventRequested))
	})
}

func (p *processors) starting(ctx context.Context, tp *TransferProcess) outcome {
	msg := &TransferStartMessage{ProcessMessage: header(tp), DataAddress: cloneMap(tp.DataAddress)}
	return statemachine.FromStatus(dispatcher.Send[any](ctx, p.sender, msg), func(any) outcome {
		return p.moveTo(Started, EventStarted)
	})
}

func (p *processors) suspending(ctx context.Context, tp *TransferProcess) outcome {
	msg := &TransferSuspensionMessage{ProcessMessage: header(tp), Reason: tp.ErrorDetail}
	return statemachine.FromStatus(dispatcher.Send[any](ctx, p.sender, msg), func(any) outcome {
		return p.keepReason(Suspended, EventSuspended)
	})
}

func (p *processors) completing(ctx context.Context, tp *TransferProcess) outcome {
	msg := &TransferCompletionMessage{ProcessMessage: header(tp)}
	return statemachine.FromStatus(dispatcher.Send[any](ctx, p.sender, msg), func(any) outcome {
		return p.moveTo(Completed, EventCompleted)
	})
}

func (p *processors) terminating(ctx context.Context, tp *TransferProcess) outcome {
	if tp.CorrelationID == "" {
		return p.keepReason(Terminated, EventTerminated)
	}
	msg := &TransferTerminationMessage{ProcessMessage: header(tp), Reason: tp.ErrorDetail}
	return statemachine.FromStatus(dispatcher.Send[any](ctx, p.sender, msg), func(any) outcome {
		return p.keepReason(Terminated, EventTerminated)
	})
}

// keepReason transitions while preserving the reason recorded by the
// command that started the step.
func (p *processors) keepReason(state int, event string) outcome {
	return statemachine.Advance(func(tp *TransferProcess) {
		reason := tp.ErrorDetail
		tp.TransitionTo(state, p.clock())
		tp.ErrorDetail = reason
	}, p.publish(event))
}
