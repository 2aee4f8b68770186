package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/dataspace-connector/pkg/entity"
)

type testEvent struct {
	name      string
	ProcessID string                   `json:"processId"`
	Addresses []entity.CallbackAddress `json:"callbackAddresses"`
}

func (e testEvent) Name() string                        { return e.name }
func (e testEvent) Callbacks() []entity.CallbackAddress { return e.Addresses }

func TestRouter_PrefixRoutingInOrder(t *testing.T) {
	r := NewRouter()
	var got []string
	record := func(tag string) Subscriber {
		return SubscriberFunc(func(ctx context.Context, env Envelope) error {
			got = append(got, tag+":"+env.Type)
			return nil
		})
	}
	r.Register("transfer.process.completed", record("exact"))
	r.Register("transfer.process", record("group"))
	r.Register("", record("all"))
	r.Register("contract.negotiation", record("negotiation"))

	require.NoError(t, r.Publish(context.Background(), testEvent{name: "transfer.process.completed"}))
	require.NoError(t, r.Publish(context.Background(), testEvent{name: "transfer.process.started"}))

	assert.Equal(t, []string{
		"exact:transfer.process.completed",
		"group:transfer.process.completed",
		"all:transfer.process.completed",
		"group:transfer.process.started",
		"all:transfer.process.started",
	}, got)
}

func TestRouter_SubscriberErrorPropagates(t *testing.T) {
	r := NewRouter()
	boom := errors.New("boom")
	called := false
	r.Register("", SubscriberFunc(func(context.Context, Envelope) error { return boom }))
	r.Register("", SubscriberFunc(func(context.Context, Envelope) error { called = true; return nil }))

	err := r.Publish(context.Background(), testEvent{name: "x.y"})
	assert.ErrorIs(t, err, boom)
	assert.False(t, called, "delivery stops at the first failure")
}

func TestEnvelope_JSONShape(t *testing.T) {
	env := NewEnvelope(testEvent{
		name:      "transfer.process.started",
		ProcessID: "tp-1",
		Addresses: []entity.CallbackAddress{{URI: "http://cb", Transactional: true}},
	}, time.UnixMilli(1234))

	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, env.ID, decoded["id"])
	assert.Equal(t, "transfer.process.started", decoded["type"])
	assert.EqualValues(t, 1234, decoded["at"])
	payload := decoded["payload"].(map[string]any)
	assert.Equal(t, "tp-1", payload["processId"])
	assert.Len(t, payload["callbackAddresses"], 1)
}
