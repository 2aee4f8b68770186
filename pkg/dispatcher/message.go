// Package dispatcher sends protocol messages to remote participants and
// classifies the outcome as OK, FATAL_ERROR or ERROR_RETRY.
//
// A Registry routes each message to the Dispatcher for its protocol. The
// HTTP dispatcher keeps, per message type, a request factory and a response
// delegate, so adding a message type never touches dispatch or retry logic.
package dispatcher

import "github.com/google/uuid"

// RemoteMessage is anything that can be dispatched to a counter-party.
type RemoteMessage interface {
	// MessageType identifies the registered factory/delegate pair.
	MessageType() string
	Header() *MessageHeader
}

// MessageHeader is embedded by every concrete message.
type MessageHeader struct {
	ID                  string `json:"id"`
	ProcessID           string `json:"processId"`
	CounterPartyID      string `json:"-"`
	CounterPartyAddress string `json:"-"`
	Protocol            string `json:"-"`
}

// NewHeader creates a header with a fresh message id.
func NewHeader(processID, counterPartyID, address, protocol string) MessageHeader {
	return MessageHeader{
		ID:                  uuid.NewString(),
		ProcessID:           processID,
		CounterPartyID:      counterPartyID,
		CounterPartyAddress: address,
		Protocol:            protocol,
	}
}

func (h *MessageHeader) Header() *MessageHeader { return h }
