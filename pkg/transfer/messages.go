package transfer

import (
	"context"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/dispatcher"
)

const (
	TypeTransferRequest     = "TransferRequestMessage"
	TypeTransferStart       = "TransferStartMessage"
	TypeTransferCompletion  = "TransferCompletionMessage"
	TypeTransferSuspension  = "TransferSuspensionMessage"
	TypeTransferTermination = "TransferTerminationMessage"
)

const (
	PathRequest     = "/transfers/request"
	PathStart       = "/transfers/start"
	PathCompletion  = "/transfers/completion"
	PathSuspension  = "/transfers/suspension"
	PathTermination = "/transfers/termination"
)

// ProcessMessage carries the sender's process id in the header and the
// receiver's id as CorrelationID.
type ProcessMessage struct {
	dispatcher.MessageHeader
	CorrelationID string `json:"correlationId,omitempty"`
}

func header(tp *TransferProcess) ProcessMessage {
	return ProcessMessage{
		MessageHeader: dispatcher.NewHeader(tp.ID, tp.CounterPartyID, tp.CounterPartyAddress, tp.Protocol),
		CorrelationID: tp.CorrelationID,
	}
}

type TransferRequestMessage struct {
	ProcessMessage
	ContractID      string            `json:"contractId"`
	AssetID         string            `json:"assetId"`
	TransferType    string            `json:"transferType"`
	DataDestination map[string]string `json:"dataDestination,omitempty"`
	CallbackAddress string            `json:"callbackAddress"`
}

func (*TransferRequestMessage) MessageType() string { return TypeTransferRequest }

type TransferStartMessage struct {
	ProcessMessage
	DataAddress map[string]string `json:"dataAddress,omitempty"`
}

func (*TransferStartMessage) MessageType() string { return TypeTransferStart }

type TransferCompletionMessage struct {
	ProcessMessage
}

func (*TransferCompletionMessage) MessageType() string { return TypeTransferCompletion }

type TransferSuspensionMessage struct {
	ProcessMessage
	Reason string `json:"reason,omitempty"`
}

func (*TransferSuspensionMessage) MessageType() string { return TypeTransferSuspension }

type TransferTerminationMessage struct {
	ProcessMessage
	Reason string `json:"reason,omitempty"`
}

func (*TransferTerminationMessage) MessageType() string { return TypeTransferTermination }

// Ack answers a TransferRequestMessage with the provider's process id.
type Ack struct {
	ProcessID string `json:"processId"`
}

// RegisterMessages binds the transfer message types on d.
func RegisterMessages(d *dispatcher.HTTPDispatcher) {
	bodyAt := func(path string) dispatcher.RequestFactory {
		return func(_ context.Context, msg dispatcher.RemoteMessage) (dispatcher.Request, error) {
			return dispatcher.Request{Path: path, Body: msg}, nil
		}
	}
	d.RegisterMessage(TypeTransferRequest, bodyAt(PathRequest), dispatcher.JSONDelegate[Ack]())
	d.RegisterMessage(TypeTransferStart, bodyAt(PathStart), nil)
	d.RegisterMessage(TypeTransferCompletion, bodyAt(PathCompletion), nil)
	d.RegisterMessage(TypeTransferSuspension, bodyAt(PathSuspension), nil)
	d.RegisterMessage(TypeTransferTermination, bodyAt(PathTermination), nil)
}
