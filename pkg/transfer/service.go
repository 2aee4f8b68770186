package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/command"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/entity"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/events"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/policy"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/result"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/store"
)

// ContractValidator checks that agent holds a finalized agreement for the
// asset. It returns a NOT_FOUND failure otherwise.
type ContractValidator interface {
	ValidateContract(ctx context.Context, agent policy.Agent, contractID, assetID string) error
}

// ContractValidatorFunc adapts a function to ContractValidator.
type ContractValidatorFunc func(ctx context.Context, agent policy.Agent, contractID, assetID string) error

func (f ContractValidatorFunc) ValidateContract(ctx context.Context, agent policy.Agent, contractID, assetID string) error {
	return f(ctx, agent, contractID, assetID)
}

type ServiceConfig struct {
	OwnerID  string
	Protocol string
	Clock    func() time.Time
}

// Service starts transfers, applies inbound protocol messages and runs
// transfer commands.
type Service struct {
	cfg       ServiceConfig
	store     store.Store[*TransferProcess]
	trx       store.TransactionContext
	handler   *command.Handler[*TransferProcess, command.Transition[*TransferProcess]]
	pub       events.Publisher
	contracts ContractValidator
	wake      func()
	logger    *slog.Logger
}

func NewService(st store.Store[*TransferProcess], trx store.TransactionContext, pub events.Publisher, contracts ContractValidator, cfg ServiceConfig) *Service {
	if trx == nil {
		trx = store.NoopTransactionContext{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Service{
		cfg:       cfg,
		store:     st,
		trx:       trx,
		handler:   command.NewTransitionHandler(st, trx, cfg.OwnerID),
		pub:       pub,
		contracts: contracts,
		wake:      func() {},
		logger:    slog.Default().With("component", "transfer"),
	}
}

func (s *Service) OnChange(fn func()) {
	s.wake = fn
}

// InitiateRequest starts a consumer transfer under an agreed contract.
type InitiateRequest struct {
	CounterPartyID      string                   `json:"counterPartyId"`
	CounterPartyAddress string                   `json:"counterPartyAddress"`
	Protocol            string                   `json:"protocol"`
	ContractID          string                   `json:"contractId"`
	AssetID             string                   `json:"assetId"`
	TransferType        string                   `json:"transferType"`
	DataDestination     map[string]string        `json:"dataDestination,omitempty"`
	CallbackAddresses   []entity.CallbackAddress `json:"callbackAddresses,omitempty"`
}

func (r InitiateRequest) validate() error {
	var errs []error
	if r.CounterPartyAddress == "" {
		errs = append(errs, errors.New("counterPartyAddress is required"))
	}
	if r.Protocol == "" {
		errs = append(errs, errors.New("protocol is required"))
	}
	if r.ContractID == "" {
		errs = append(errs, errors.New("contractId is required"))
	}
	if r.TransferType == "" {
		errs = append(errs, errors.New("transferType is required"))
	}
	return errors.Join(errs...)
}

// Initiate persists a CONSUMER transfer in INITIAL and publishes initiated.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (*TransferProcess, error) {
	if err := req.validate(); err != nil {
		return nil, fmt.Errorf("%w: transfer: %w", result.ErrInvalid, err)
	}
	tp := &TransferProcess{
		Type:                Consumer,
		CounterPartyID:      req.CounterPartyID,
		CounterPartyAddress: req.CounterPartyAddress,
		Protocol:            req.Protocol,
		ContractID:          req.ContractID,
		AssetID:             req.AssetID,
		TransferType:        req.TransferType,
		DataDestination:     cloneMap(req.DataDestination),
	}
	tp.Init(uuid.NewString(), Initial, s.cfg.Clock())
	tp.CallbackAddresses = req.CallbackAddresses
	tp.CaptureTrace(ctx)
	if err := s.create(ctx, tp, EventInitiated); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "transfer initiated", "id", tp.ID, "contract", tp.ContractID)
	return tp, nil
}

// HandleRequest creates a PROVIDER transfer in INITIAL once the contract has
// been validated for the requesting agent.
func (s *Service) HandleRequest(ctx context.Context, agent policy.Agent, msg *TransferRequestMessage) (*TransferProcess, error) {
	if s.contracts != nil {
		if err := s.contracts.ValidateContract(ctx, agent, msg.ContractID, msg.AssetID); err != nil {
			return nil, err
		}
	}
	tp := &TransferProcess{
		Type:                Provider,
		CorrelationID:       msg.ProcessID,
		CounterPartyID:      agent.Identity,
		CounterPartyAddress: msg.CallbackAddress,
		Protocol:            s.cfg.Protocol,
		ContractID:          msg.ContractID,
		AssetID:             msg.AssetID,
		TransferType:        msg.TransferType,
		DataDestination:     cloneMap(msg.DataDestination),
	}
	tp.Init(uuid.NewString(), Initial, s.cfg.Clock())
	tp.CaptureTrace(ctx)
	if err := s.create(ctx, tp, EventRequested); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "transfer requested", "id", tp.ID, "consumer", agent.Identity, "contract", tp.ContractID)
	return tp, nil
}

// HandleStart records the data address and moves the consumer transfer to
// STARTED, from REQUESTED or after a suspension.
func (s *Service) HandleStart(ctx context.Context, agent policy.Agent, msg *TransferStartMessage) error {
	return s.apply(ctx, agent, msg.CorrelationID, "start", EventStarted, func(tp *TransferProcess) bool {
		if tp.Type != Consumer || !tp.transition(Started, s.cfg.Clock()) {
			return false
		}
		tp.correlate(msg.ProcessID)
		tp.DataAddress = cloneMap(msg.DataAddress)
		return true
	})
}

func (s *Service) HandleCompletion(ctx context.Context, agent policy.Agent, msg *TransferCompletionMessage) error {
	return s.apply(ctx, agent, msg.CorrelationID, "completion", EventCompleted, func(tp *TransferProcess) bool {
		return tp.transition(Completed, s.cfg.Clock())
	})
}

func (s *Service) HandleSuspension(ctx context.Context, agent policy.Agent, msg *TransferSuspensionMessage) error {
	return s.apply(ctx, agent, msg.CorrelationID, "suspension", EventSuspended, func(tp *TransferProcess) bool {
		if !tp.transition(Suspended, s.cfg.Clock()) {
			return false
		}
		tp.ErrorDetail = msg.Reason
		return true
	})
}

func (s *Service) HandleTermination(ctx context.Context, agent policy.Agent, msg *TransferTerminationMessage) error {
	return s.apply(ctx, agent, msg.CorrelationID, "termination", EventTerminated, func(tp *TransferProcess) bool {
		if !tp.transition(Terminated, s.cfg.Clock()) {
			return false
		}
		tp.ErrorDetail = msg.Reason
		return true
	})
}

type TerminateTransfer struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

func (c TerminateTransfer) EntityID() string { return c.ID }

type SuspendTransfer struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

func (c SuspendTransfer) EntityID() string { return c.ID }

// ResumeTransfer restarts a suspended provider transfer.
type ResumeTransfer struct {
	ID string `json:"id"`
}

func (c ResumeTransfer) EntityID() string { return c.ID }

type CompleteTransfer struct {
	ID string `json:"id"`
}

func (c CompleteTransfer) EntityID() string { return c.ID }

func (s *Service) Terminate(ctx context.Context, cmd TerminateTransfer) error {
	return s.run(ctx, cmd.ID, "terminate", "", func(tp *TransferProcess) bool {
		if !tp.transition(Terminating, s.cfg.Clock()) {
			return false
		}
		tp.ErrorDetail = cmd.Reason
		return true
	})
}

func (s *Service) Suspend(ctx context.Context, cmd SuspendTransfer) error {
	return s.run(ctx, cmd.ID, "suspend", "", func(tp *TransferProcess) bool {
		if tp.State != Started || !tp.transition(Suspending, s.cfg.Clock()) {
			return false
		}
		tp.ErrorDetail = cmd.Reason
		return true
	})
}

// Resume moves a suspended provider transfer back to STARTING, which
// re-sends the start message.
func (s *Service) Resume(ctx context.Context, cmd ResumeTransfer) error {
	return s.run(ctx, cmd.ID, "resume", "", func(tp *TransferProcess) bool {
		return tp.Type == Provider && tp.State == Suspended && tp.transition(Starting, s.cfg.Clock())
	})
}

func (s *Service) Complete(ctx context.Context, cmd CompleteTransfer) error {
	return s.run(ctx, cmd.ID, "complete", "", func(tp *TransferProcess) bool {
		return tp.State == Started && tp.transition(Completing, s.cfg.Clock())
	})
}

func (s *Service) Find(ctx context.Context, id string) (*TransferProcess, error) {
	return s.store.FindByID(ctx, id)
}

func (s *Service) create(ctx context.Context, tp *TransferProcess, event string) error {
	err := s.trx.Execute(ctx, func(ctx context.Context) error {
		if err := s.store.Save(ctx, tp); err != nil {
			return err
		}
		return s.pub.Publish(ctx, newEvent(event, tp))
	})
	if err != nil {
		return err
	}
	s.wake()
	return nil
}

func (s *Service) apply(ctx context.Context, agent policy.Agent, id, action, event string, modify func(*TransferProcess) bool) error {
	if id == "" {
		return result.NotFoundf("transfer without correlation id")
	}
	tp, err := s.store.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if tp.CounterPartyID != "" && tp.CounterPartyID != agent.Identity {
		return result.NotFoundf("transfer process %s", id)
	}
	return s.run(ctx, id, action, event, modify)
}

func (s *Service) run(ctx context.Context, id, action, event string, modify func(*TransferProcess) bool) error {
	t := command.Transition[*TransferProcess]{ID: id, Action: action, Apply: modify}
	if event != "" {
		t.Then = func(ctx context.Context, tp *TransferProcess) error {
			return s.pub.Publish(ctx, newEvent(event, tp))
		}
	}
	if err := s.handler.Handle(ctx, t); err != nil {
		return err
	}
	s.wake()
	return nil
}
