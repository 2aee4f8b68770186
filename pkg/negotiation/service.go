package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/command"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/contract"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/entity"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/events"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/policy"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/result"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/store"
)

// DefinitionResolver decides which contract definition an agent may
// negotiate. A nil definition means not found or not permitted.
type DefinitionResolver interface {
	DefinitionFor(ctx context.Context, agent policy.Agent, id string) (*contract.Definition, error)
}

// ServiceConfig identifies this connector.
type ServiceConfig struct {
	// OwnerID leases entities for commands and inbound messages.
	OwnerID       string
	ParticipantID string
	// Protocol is recorded on provider negotiations created from requests.
	Protocol string
	Clock    func() time.Time
}

// Service starts negotiations, applies inbound protocol messages and runs
// the user-facing commands. Every change to an existing negotiation goes
// through the command handler.
type Service struct {
	cfg      ServiceConfig
	store    store.Store[*ContractNegotiation]
	trx      store.TransactionContext
	handler  *command.Handler[*ContractNegotiation, command.Transition[*ContractNegotiation]]
	pub      events.Publisher
	resolver DefinitionResolver
	wake     func()
	logger   *slog.Logger
}

func NewService(st store.Store[*ContractNegotiation], trx store.TransactionContext, pub events.Publisher, resolver DefinitionResolver, cfg ServiceConfig) *Service {
	if trx == nil {
		trx = store.NoopTransactionContext{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Service{
		cfg:      cfg,
		store:    st,
		trx:      trx,
		handler:  command.NewTransitionHandler(st, trx, cfg.OwnerID),
		pub:      pub,
		resolver: resolver,
		wake:     func() {},
		logger:   slog.Default().With("component", "negotiation"),
	}
}

// OnChange registers the hook run after every successful change, normally
// the manager's Wake.
func (s *Service) OnChange(fn func()) {
	s.wake = fn
}

// InitiateRequest starts a consumer negotiation.
type InitiateRequest struct {
	CounterPartyID      string                   `json:"counterPartyId"`
	CounterPartyAddress string                   `json:"counterPartyAddress"`
	Protocol            string                   `json:"protocol"`
	Offer               Offer                    `json:"offer"`
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
	if r.Offer.DefinitionID == "" {
		errs = append(errs, errors.New("offer.definitionId is required"))
	}
	return errors.Join(errs...)
}

// Initiate persists a CONSUMER negotiation in INITIAL and publishes the
// initiated event in the same transaction.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (*ContractNegotiation, error) {
	if err := req.validate(); err != nil {
		return nil, fmt.Errorf("%w: negotiation: %w", result.ErrInvalid, err)
	}
	offer := req.Offer
	if offer.ID == "" {
		offer.ID = uuid.NewString()
	}
	n := &ContractNegotiation{
		Type:                Consumer,
		CounterPartyID:      req.CounterPartyID,
		CounterPartyAddress: req.CounterPartyAddress,
		Protocol:            req.Protocol,
		Offers:              []Offer{offer},
	}
	n.Init(uuid.NewString(), Initial, s.cfg.Clock())
	n.CallbackAddresses = req.CallbackAddresses
	n.CaptureTrace(ctx)

	if err := s.create(ctx, n, EventInitiated); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "negotiation initiated", "id", n.ID, "counter_party", n.CounterPartyAddress)
	return n, nil
}

// HandleRequest applies an inbound contract request on the provider side.
// A first request creates a PROVIDER negotiation in REQUESTED, provided the
// agent may negotiate the offered definition; the returned negotiation's id
// is the ack sent back to the consumer. A request carrying the provider's id
// is a counter-request and goes through the same definition check.
func (s *Service) HandleRequest(ctx context.Context, agent policy.Agent, msg *ContractRequestMessage) (*ContractNegotiation, error) {
	offer, err := s.resolveOffer(ctx, agent, msg.Offer)
	if err != nil {
		return nil, err
	}
	if msg.CorrelationID != "" {
		err := s.apply(ctx, agent, msg.CorrelationID, "request", EventRequested, func(n *ContractNegotiation) bool {
			if n.Type != Provider || !n.transition(Requested, s.cfg.Clock()) {
				return false
			}
			n.Offers = append(n.Offers, offer)
			return true
		})
		if err != nil {
			return nil, err
		}
		return s.store.FindByID(ctx, msg.CorrelationID)
	}

	n := &ContractNegotiation{
		Type:                Provider,
		CorrelationID:       msg.ProcessID,
		CounterPartyID:      agent.Identity,
		CounterPartyAddress: msg.CallbackAddress,
		Protocol:            s.cfg.Protocol,
		Offers:              []Offer{offer},
	}
	n.Init(uuid.NewString(), Requested, s.cfg.Clock())
	n.CaptureTrace(ctx)
	if err := s.create(ctx, n, EventRequested); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "negotiation requested", "id", n.ID, "consumer", agent.Identity, "definition", offer.DefinitionID)
	return n, nil
}

// resolveOffer checks the offered definition against the resolver and pins
// the offer to the definition's contract policy.
func (s *Service) resolveOffer(ctx context.Context, agent policy.Agent, offer Offer) (Offer, error) {
	def, err := s.resolver.DefinitionFor(ctx, agent, offer.DefinitionID)
	if err != nil {
		return Offer{}, err
	}
	if def == nil || (offer.AssetID != "" && !def.CoversAsset(offer.AssetID)) {
		return Offer{}, result.NotFoundf("contract definition %s", offer.DefinitionID)
	}
	offer.PolicyID = def.ContractPolicyID
	if offer.ID == "" {
		offer.ID = uuid.NewString()
	}
	return offer, nil
}

// HandleOffer records a provider counter-offer on a consumer negotiation.
func (s *Service) HandleOffer(ctx context.Context, agent policy.Agent, msg *ContractOfferMessage) error {
	return s.apply(ctx, agent, msg.CorrelationID, "offer", EventOffered, func(n *ContractNegotiation) bool {
		if n.Type != Consumer || !n.transition(Offered, s.cfg.Clock()) {
			return false
		}
		n.correlate(msg.ProcessID)
		n.Offers = append(n.Offers, msg.Offer)
		return true
	})
}

// HandleAgreement stores the provider's agreement and moves the consumer
// negotiation on to VERIFYING.
func (s *Service) HandleAgreement(ctx context.Context, agent policy.Agent, msg *ContractAgreementMessage) error {
	return s.apply(ctx, agent, msg.CorrelationID, "agreement", EventAgreed, func(n *ContractNegotiation) bool {
		now := s.cfg.Clock()
		if n.Type != Consumer || !n.transition(Agreed, now) {
			return false
		}
		n.correlate(msg.ProcessID)
		agreement := msg.Agreement
		n.Agreement = &agreement
		return n.transition(Verifying, now)
	})
}

// HandleVerification moves the provider negotiation through VERIFIED to
// FINALIZING.
func (s *Service) HandleVerification(ctx context.Context, agent policy.Agent, msg *ContractAgreementVerificationMessage) error {
	return s.apply(ctx, agent, msg.CorrelationID, "verification", EventVerified, func(n *ContractNegotiation) bool {
		now := s.cfg.Clock()
		if n.Type != Provider || !n.transition(Verified, now) {
			return false
		}
		return n.transition(Finalizing, now)
	})
}

// HandleEvent applies an ACCEPTED or FINALIZED event message.
func (s *Service) HandleEvent(ctx context.Context, agent policy.Agent, msg *ContractNegotiationEventMessage) error {
	switch msg.EventType {
	case EventKindAccepted:
		return s.HandleAccepted(ctx, agent, msg)
	case EventKindFinalized:
		return s.HandleFinalized(ctx, agent, msg)
	default:
		return fmt.Errorf("%w: unsupported negotiation event type %q", result.ErrInvalid, msg.EventType)
	}
}

// HandleAccepted records the consumer's acceptance on the provider side.
func (s *Service) HandleAccepted(ctx context.Context, agent policy.Agent, msg *ContractNegotiationEventMessage) error {
	return s.apply(ctx, agent, msg.CorrelationID, "accepted", EventAccepted, func(n *ContractNegotiation) bool {
		return n.Type == Provider && n.transition(Accepted, s.cfg.Clock())
	})
}

// HandleFinalized completes the consumer negotiation.
func (s *Service) HandleFinalized(ctx context.Context, agent policy.Agent, msg *ContractNegotiationEventMessage) error {
	return s.apply(ctx, agent, msg.CorrelationID, "finalized", EventFinalized, func(n *ContractNegotiation) bool {
		return n.Type == Consumer && n.transition(Finalized, s.cfg.Clock())
	})
}

// HandleTermination ends the negotiation at the peer's request.
func (s *Service) HandleTermination(ctx context.Context, agent policy.Agent, msg *ContractNegotiationTerminationMessage) error {
	return s.apply(ctx, agent, msg.CorrelationID, "termination", EventTerminated, func(n *ContractNegotiation) bool {
		if !n.transition(Terminated, s.cfg.Clock()) {
			return false
		}
		n.ErrorDetail = msg.Reason
		return true
	})
}

// TerminateNegotiation asks the connector to terminate a negotiation.
type TerminateNegotiation struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

func (c TerminateNegotiation) EntityID() string { return c.ID }

// AgreeNegotiation makes the provider agree. A nil Agreement is derived from
// the last offer. The agreement id is always the provider negotiation id.
type AgreeNegotiation struct {
	ID        string     `json:"id"`
	Agreement *Agreement `json:"agreement,omitempty"`
}

func (c AgreeNegotiation) EntityID() string { return c.ID }

// AcceptNegotiation makes the consumer accept the last counter-offer.
type AcceptNegotiation struct {
	ID string `json:"id"`
}

func (c AcceptNegotiation) EntityID() string { return c.ID }

// Terminate moves the negotiation to TERMINATING; the manager notifies the
// peer and publishes the terminated event.
func (s *Service) Terminate(ctx context.Context, cmd TerminateNegotiation) error {
	return s.run(ctx, cmd.ID, "terminate", "", func(n *ContractNegotiation) bool {
		if !n.transition(Terminating, s.cfg.Clock()) {
			return false
		}
		n.ErrorDetail = cmd.Reason
		return true
	})
}

// Agree moves a provider negotiation to AGREEING.
func (s *Service) Agree(ctx context.Context, cmd AgreeNegotiation) error {
	return s.run(ctx, cmd.ID, "agree", "", func(n *ContractNegotiation) bool {
		if n.Type != Provider {
			return false
		}
		now := s.cfg.Clock()
		agreement := cmd.Agreement
		if agreement == nil {
			offer, ok := n.LastOffer()
			if !ok {
				return false
			}
			agreement = &Agreement{
				AssetID:    offer.AssetID,
				PolicyID:   offer.PolicyID,
				ConsumerID: n.CounterPartyID,
				ProviderID: s.cfg.ParticipantID,
				SignedAt:   now.UnixMilli(),
			}
		}
		if !n.transition(Agreeing, now) {
			return false
		}
		a := *agreement
		a.ID = n.ID
		n.Agreement = &a
		return true
	})
}

// Accept moves an offered consumer negotiation to ACCEPTING.
func (s *Service) Accept(ctx context.Context, cmd AcceptNegotiation) error {
	return s.run(ctx, cmd.ID, "accept", "", func(n *ContractNegotiation) bool {
		return n.Type == Consumer && n.transition(Accepting, s.cfg.Clock())
	})
}

// ValidateAgreement returns the finalized agreement with the given id held
// with agent, for transfers started against it. Unknown agreements, other
// agents' agreements and agreements for another asset are all not found.
func (s *Service) ValidateAgreement(ctx context.Context, agent policy.Agent, agreementID, assetID string) (*Agreement, error) {
	n, err := s.store.FindByID(ctx, agreementID)
	if err != nil {
		return nil, err
	}
	a := n.Agreement
	if n.Type != Provider || n.State != Finalized || a == nil || n.CounterPartyID != agent.Identity {
		return nil, result.NotFoundf("agreement %s", agreementID)
	}
	if assetID != "" && a.AssetID != assetID {
		return nil, result.NotFoundf("agreement %s for asset %s", agreementID, assetID)
	}
	agreement := *a
	return &agreement, nil
}

// Find returns a negotiation by id.
func (s *Service) Find(ctx context.Context, id string) (*ContractNegotiation, error) {
	return s.store.FindByID(ctx, id)
}

func (s *Service) create(ctx context.Context, n *ContractNegotiation, event string) error {
	err := s.trx.Execute(ctx, func(ctx context.Context) error {
		if err := s.store.Save(ctx, n); err != nil {
			return err
		}
		return s.pub.Publish(ctx, newEvent(event, n))
	})
	if err != nil {
		return err
	}
	s.wake()
	return nil
}

// apply runs an inbound message against the negotiation with the given id.
// Negotiations held with a different counter-party are reported as not found.
func (s *Service) apply(ctx context.Context, agent policy.Agent, id, action, event string, modify func(*ContractNegotiation) bool) error {
	if id == "" {
		return result.NotFoundf("negotiation without correlation id")
	}
	n, err := s.store.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if n.CounterPartyID != "" && n.CounterPartyID != agent.Identity {
		return result.NotFoundf("negotiation %s", id)
	}
	return s.run(ctx, id, action, event, modify)
}

func (s *Service) run(ctx context.Context, id, action, event string, modify func(*ContractNegotiation) bool) error {
	t := command.Transition[*ContractNegotiation]{ID: id, Action: action, Apply: modify}
	if event != "" {
		t.Then = func(ctx context.Context, n *ContractNegotiation) error {
			return s.pub.Publish(ctx, newEvent(event, n))
		}
	}
	if err := s.handler.Handle(ctx, t); err != nil {
		return err
	}
	s.wake()
	return nil
}

// correlate records the peer's process id the first time it is learned.
func (n *ContractNegotiation) correlate(peerID string) {
	if n.CorrelationID == "" && peerID != "" {
		n.CorrelationID = peerID
	}
}
