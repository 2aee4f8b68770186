package negotiation

import (
	"context"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/dispatcher"
	"github.com/Mindburn-Labs/dataspace-connector/pkg/policy"
)

// Message types.
const (
	TypeContractRequest     = "ContractRequestMessage"
	TypeContractOffer       = "ContractOfferMessage"
	TypeContractAgreement   = "ContractAgreementMessage"
	TypeAgreementVerify     = "ContractAgreementVerificationMessage"
	TypeNegotiationEvent    = "ContractNegotiationEventMessage"
	TypeNegotiationTerminus = "ContractNegotiationTerminationMessage"
)

// Negotiation event message kinds.
const (
	EventKindAccepted  = "ACCEPTED"
	EventKindFinalized = "FINALIZED"
)

// ProcessMessage is the common body of every negotiation message. The
// header's processId is the sender's own id; CorrelationID is the receiver's
// id for this negotiation, empty on the very first request.
type ProcessMessage struct {
	dispatcher.MessageHeader
	CorrelationID string `json:"correlationId,omitempty"`
}

func header(n *ContractNegotiation) ProcessMessage {
	return ProcessMessage{
		MessageHeader: dispatcher.NewHeader(n.ID, n.CounterPartyID, n.CounterPartyAddress, n.Protocol),
		CorrelationID: n.CorrelationID,
	}
}

// ContractRequestMessage opens (or counters) a negotiation on the provider.
type ContractRequestMessage struct {
	ProcessMessage
	Offer           Offer  `json:"offer"`
	CallbackAddress string `json:"callbackAddress"`
}

func (*ContractRequestMessage) MessageType() string { return TypeContractRequest }

// ContractOfferMessage carries a provider counter-offer.
type ContractOfferMessage struct {
	ProcessMessage
	Offer Offer `json:"offer"`
}

func (*ContractOfferMessage) MessageType() string { return TypeContractOffer }

// ContractAgreementMessage carries the provider's agreement.
type ContractAgreementMessage struct {
	ProcessMessage
	Agreement Agreement `json:"agreement"`
}

func (*ContractAgreementMessage) MessageType() string { return TypeContractAgreement }

// ContractAgreementVerificationMessage is the consumer's verification.
type ContractAgreementVerificationMessage struct {
	ProcessMessage
}

func (*ContractAgreementVerificationMessage) MessageType() string { return TypeAgreementVerify }

// ContractNegotiationEventMessage signals ACCEPTED or FINALIZED.
type ContractNegotiationEventMessage struct {
	ProcessMessage
	EventType string `json:"eventType"`
}

func (*ContractNegotiationEventMessage) MessageType() string { return TypeNegotiationEvent }

// ContractNegotiationTerminationMessage ends the negotiation on the peer.
type ContractNegotiationTerminationMessage struct {
	ProcessMessage
	Reason string `json:"reason,omitempty"`
}

func (*ContractNegotiationTerminationMessage) MessageType() string {
	return TypeNegotiationTerminus
}

// Ack is the response to a ContractRequestMessage: the provider's own id.
type Ack struct {
	ProcessID string `json:"processId"`
}

// Protocol paths, relative to the counter-party's protocol address.
const (
	PathRequest      = "/negotiations/request"
	PathOffer        = "/negotiations/offers"
	PathAgreement    = "/negotiations/agreement"
	PathVerification = "/negotiations/agreement/verification"
	PathEvents       = "/negotiations/events"
	PathTermination  = "/negotiations/termination"
)

// PolicyLookup resolves the contract policy of an offer, for the outbound
// policy scope on requests.
type PolicyLookup func(o Offer) (policy.Policy, bool)

// RegisterMessages binds every negotiation message type on d. When lookup is
// non-nil, outbound requests must satisfy the offer's policy in the
// contract.negotiation.request scope.
func RegisterMessages(d *dispatcher.HTTPDispatcher, lookup PolicyLookup) {
	bodyAt := func(path string) dispatcher.RequestFactory {
		return func(_ context.Context, msg dispatcher.RemoteMessage) (dispatcher.Request, error) {
			return dispatcher.Request{Path: path, Body: msg}, nil
		}
	}
	d.RegisterMessage(TypeContractRequest, bodyAt(PathRequest), dispatcher.JSONDelegate[Ack]())
	d.RegisterMessage(TypeContractOffer, bodyAt(PathOffer), nil)
	d.RegisterMessage(TypeContractAgreement, bodyAt(PathAgreement), nil)
	d.RegisterMessage(TypeAgreementVerify, bodyAt(PathVerification), nil)
	d.RegisterMessage(TypeNegotiationEvent, bodyAt(PathEvents), nil)
	d.RegisterMessage(TypeNegotiationTerminus, bodyAt(PathTermination), nil)

	if lookup != nil {
		d.RegisterPolicyScope(TypeContractRequest, ScopeRequest, func(msg dispatcher.RemoteMessage) (policy.Policy, bool) {
			req, ok := msg.(*ContractRequestMessage)
			if !ok {
				return policy.Policy{}, false
			}
			return lookup(req.Offer)
		})
	}
}

// ScopeRequest is the policy scope evaluated before a contract request
// leaves the connector.
const ScopeRequest = "contract.negotiation.request"
