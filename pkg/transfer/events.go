package transfer

import "github.com/Mindburn-Labs/dataspace-connector/pkg/entity"

const EventPrefix = "transfer.process"

const (
	EventInitiated   = EventPrefix + ".initiated"
	EventProvisioned = EventPrefix + ".provisioned"
	EventRequested   = EventPrefix + ".requested"
	EventStarted     = EventPrefix + ".started"
	EventSuspended   = EventPrefix + ".suspended"
	EventCompleted   = EventPrefix + ".completed"
	EventTerminated  = EventPrefix + ".terminated"
)

// Event is the snapshot published on transfer state changes.
type Event struct {
	name              string
	TransferID        string                   `json:"transferProcessId"`
	CorrelationID     string                   `json:"correlationId,omitempty"`
	Type              Type                     `json:"type"`
	CounterPartyID    string                   `json:"counterPartyId"`
	ContractID        string                   `json:"contractId"`
	AssetID           string                   `json:"assetId"`
	TransferType      string                   `json:"transferType"`
	DataAddress       map[string]string        `json:"dataAddress,omitempty"`
	ErrorDetail       string                   `json:"errorDetail,omitempty"`
	CallbackAddresses []entity.CallbackAddress `json:"callbackAddresses,omitempty"`
}

func (e Event) Name() string                        { return e.name }
func (e Event) Callbacks() []entity.CallbackAddress { return e.CallbackAddresses }
func (e Event) ProcessID() string                   { return e.TransferID }

func newEvent(name string, tp *TransferProcess) Event {
	return Event{
		name:              name,
		TransferID:        tp.ID,
		CorrelationID:     tp.CorrelationID,
		Type:              tp.Type,
		CounterPartyID:    tp.CounterPartyID,
		ContractID:        tp.ContractID,
		AssetID:           tp.AssetID,
		TransferType:      tp.TransferType,
		DataAddress:       cloneMap(tp.DataAddress),
		ErrorDetail:       tp.ErrorDetail,
		CallbackAddresses: tp.Callbacks(),
	}
}
