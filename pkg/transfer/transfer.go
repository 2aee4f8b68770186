// Package transfer implements the transfer process: the persisted entity,
// the consumer and provider state machines (provisioning, requesting,
// starting, suspending, completing and terminating) and the service applying
// commands and inbound protocol messages.
package transfer

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/entity"
)

// Type tells which side of the transfer this connector plays.
type Type string

const (
	Consumer Type = "CONSUMER"
	Provider Type = "PROVIDER"
)

// State codes.
const (
	Initial      = 100
	Provisioning = 200
	Provisioned  = 300
	Requesting   = 400
	Requested    = 500
	Starting     = 550
	Started      = 600
	Suspending   = 650
	Suspended    = 700
	Completing   = 750
	Completed    = 800
	Terminating  = 825
	Terminated   = 850
)

var stateNames = map[int]string{
	Initial:      "INITIAL",
	Provisioning: "PROVISIONING",
	Provisioned:  "PROVISIONED",
	Requesting:   "REQUESTING",
	Requested:    "REQUESTED",
	Starting:     "STARTING",
	Started:      "STARTED",
	Suspending:   "SUSPENDING",
	Suspended:    "SUSPENDED",
	Completing:   "COMPLETING",
	Completed:    "COMPLETED",
	Terminating:  "TERMINATING",
	Terminated:   "TERMINATED",
}

func StateName(state int) string {
	if n, ok := stateNames[state]; ok {
		return n
	}
	return fmt.Sprintf("UNKNOWN(%d)", state)
}

var successors = map[int][]int{
	Initial:      {Provisioning, Terminating},
	Provisioning: {Provisioned, Terminating},
	Provisioned:  {Requesting, Starting, Terminating},
	Requesting:   {Requested, Terminating},
	Requested:    {Started, Terminating},
	Starting:     {Started, Terminating},
	Started:      {Suspending, Suspended, Completing, Completed, Terminating},
	Suspending:   {Suspended, Terminating},
	Suspended:    {Starting, Started, Completing, Completed, Terminating},
	Completing:   {Completed, Terminating},
	Terminating:  {Terminated},
}

func IsTerminal(state int) bool {
	return state == Completed || state == Terminated
}

// CanTransition reports whether from may move to to. Every non-terminal
// state may move straight to TERMINATED.
func CanTransition(from, to int) bool {
	if IsTerminal(from) {
		return false
	}
	if to == Terminated {
		return true
	}
	return slices.Contains(successors[from], to)
}

// TransferProcess is the persisted transfer.
type TransferProcess struct {
	entity.StatefulEntity
	Type                Type              `json:"type"`
	CorrelationID       string            `json:"correlationId,omitempty"`
	CounterPartyID      string            `json:"counterPartyId"`
	CounterPartyAddress string            `json:"counterPartyAddress"`
	Protocol            string            `json:"protocol"`
	ContractID          string            `json:"contractId"`
	AssetID             string            `json:"assetId"`
	TransferType        string            `json:"transferType"`
	DataDestination     map[string]string `json:"dataDestination,omitempty"`
	// DataAddress is where the data can be fetched: provisioned on the
	// provider, received with the start message on the consumer.
	DataAddress map[string]string `json:"dataAddress,omitempty"`
}

func New() *TransferProcess { return &TransferProcess{} }

func (tp *TransferProcess) transition(state int, now time.Time) bool {
	if !CanTransition(tp.State, state) {
		return false
	}
	tp.TransitionTo(state, now)
	return true
}

func (tp *TransferProcess) correlate(peerID string) {
	if tp.CorrelationID == "" && peerID != "" {
		tp.CorrelationID = peerID
	}
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	return maps.Clone(m)
}
