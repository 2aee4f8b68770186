package negotiation

import "github.com/Mindburn-Labs/dataspace-connector/pkg/entity"

// EventPrefix subscribes to every negotiation event.
const EventPrefix = "contract.negotiation"

// Event names.
const (
	EventInitiated  = EventPrefix + ".initiated"
	EventRequested  = EventPrefix + ".requested"
	EventOffered    = EventPrefix + ".offered"
	EventAccepted   = EventPrefix + ".accepted"
	EventAgreed     = EventPrefix + ".agreed"
	EventVerified   = EventPrefix + ".verified"
	EventFinalized  = EventPrefix + ".finalized"
	EventTerminated = EventPrefix + ".terminated"
)

// Event is the payload published on every negotiation state change. It is a
// snapshot: later changes to the negotiation do not alter it.
type Event struct {
	name                string
	NegotiationID       string                   `json:"contractNegotiationId"`
	CorrelationID       string                   `json:"correlationId,omitempty"`
	Type                Type                     `json:"type"`
	CounterPartyID      string                   `json:"counterPartyId"`
	CounterPartyAddress string                   `json:"counterPartyAddress"`
	Protocol            string                   `json:"protocol"`
	LastOffer           *Offer                   `json:"lastOffer,omitempty"`
	Agreement           *Agreement               `json:"contractAgreement,omitempty"`
	ErrorDetail         string                   `json:"errorDetail,omitempty"`
	CallbackAddresses   []entity.CallbackAddress `json:"callbackAddresses,omitempty"`
}

func (e Event) Name() string                        { return e.name }
func (e Event) Callbacks() []entity.CallbackAddress { return e.CallbackAddresses }
func (e Event) ProcessID() string                   { return e.NegotiationID }

func newEvent(name string, n *ContractNegotiation) Event {
	ev := Event{
		name:                name,
		NegotiationID:       n.ID,
		CorrelationID:       n.CorrelationID,
		Type:                n.Type,
		CounterPartyID:      n.CounterPartyID,
		CounterPartyAddress: n.CounterPartyAddress,
		Protocol:            n.Protocol,
		ErrorDetail:         n.ErrorDetail,
		CallbackAddresses:   n.Callbacks(),
	}
	if o, ok := n.LastOffer(); ok {
		ev.LastOffer = &o
	}
	if n.Agreement != nil {
		a := *n.Agreement
		ev.Agreement = &a
	}
	return ev
}
