// Package negotiation implements the contract negotiation process: the
// persisted entity, the consumer and provider state machines that drive it,
// and the service that starts negotiations and applies inbound protocol
// messages.
package negotiation

import (
	"fmt"
	"slices"
	"time"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/entity"
)

// Type tells which side of the negotiation this connector plays.
type Type string

const (
	Consumer Type = "CONSUMER"
	Provider Type = "PROVIDER"
)

// State codes.
const (
	Initial     = 50
	Requesting  = 100
	Requested   = 200
	Offering    = 300
	Offered     = 400
	Accepting   = 700
	Accepted    = 800
	Agreeing    = 825
	Agreed      = 850
	Verifying   = 1050
	Verified    = 1100
	Finalizing  = 1150
	Finalized   = 1200
	Terminating = 1300
	Terminated  = 1400
)

var stateNames = map[int]string{
	Initial:     "INITIAL",
	Requesting:  "REQUESTING",
	Requested:   "REQUESTED",
	Offering:    "OFFERING",
	Offered:     "OFFERED",
	Accepting:   "ACCEPTING",
	Accepted:    "ACCEPTED",
	Agreeing:    "AGREEING",
	Agreed:      "AGREED",
	Verifying:   "VERIFYING",
	Verified:    "VERIFIED",
	Finalizing:  "FINALIZING",
	Finalized:   "FINALIZED",
	Terminating: "TERMINATING",
	Terminated:  "TERMINATED",
}

// StateName renders a state code for logs and API responses.
func StateName(state int) string {
	if n, ok := stateNames[state]; ok {
		return n
	}
	return fmt.Sprintf("UNKNOWN(%d)", state)
}

var successors = map[int][]int{
	Initial:     {Requesting, Terminating},
	Requesting:  {Requested, Terminating},
	Requested:   {Requested, Offered, Agreeing, Agreed, Terminating},
	Offering:    {Offered, Terminating},
	Offered:     {Accepting, Requesting, Requested, Terminating},
	Accepting:   {Accepted, Terminating},
	Accepted:    {Agreeing, Agreed, Terminating},
	Agreeing:    {Agreed, Terminating},
	Agreed:      {Verifying, Verified, Terminating},
	Verifying:   {Verified, Terminating},
	Verified:    {Finalizing, Finalized, Terminating},
	Finalizing:  {Finalized, Terminating},
	Terminating: {Terminated},
}

// IsTerminal reports whether no further transition is possible.
func IsTerminal(state int) bool {
	return state == Finalized || state == Terminated
}

// CanTransition reports whether from may move to to. Every non-terminal
// state may move straight to TERMINATED (peer termination or failure).
func CanTransition(from, to int) bool {
	if IsTerminal(from) {
		return false
	}
	if to == Terminated {
		return true
	}
	return slices.Contains(successors[from], to)
}

// Offer is what the consumer requests: a contract definition's policy
// applied to one asset.
type Offer struct {
	ID           string `json:"id"`
	DefinitionID string `json:"definitionId"`
	AssetID      string `json:"assetId"`
	PolicyID     string `json:"policyId,omitempty"`
}

// Agreement is the contract both sides end up holding.
type Agreement struct {
	ID         string `json:"id"`
	AssetID    string `json:"assetId"`
	PolicyID   string `json:"policyId"`
	ConsumerID string `json:"consumerId"`
	ProviderID string `json:"providerId"`
	SignedAt   int64  `json:"signedAt"`
}

// ContractNegotiation is the persisted negotiation process.
type ContractNegotiation struct {
	entity.StatefulEntity
	Type                Type       `json:"type"`
	CorrelationID       string     `json:"correlationId,omitempty"`
	CounterPartyID      string     `json:"counterPartyId"`
	CounterPartyAddress string     `json:"counterPartyAddress"`
	Protocol            string     `json:"protocol"`
	Offers              []Offer    `json:"offers,omitempty"`
	Agreement           *Agreement `json:"agreement,omitempty"`
}

// New returns an empty negotiation; the store's entity factory.
func New() *ContractNegotiation { return &ContractNegotiation{} }

// LastOffer returns the most recent offer, if any.
func (n *ContractNegotiation) LastOffer() (Offer, bool) {
	if len(n.Offers) == 0 {
		return Offer{}, false
	}
	return n.Offers[len(n.Offers)-1], true
}

// transition moves n to state when the table allows it.
func (n *ContractNegotiation) transition(state int, now time.Time) bool {
	if !CanTransition(n.State, state) {
		return false
	}
	n.TransitionTo(state, now)
	return true
}
