package dispatcher

import (
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Serializer turns an outbound request body into bytes.
type Serializer interface {
	Serialize(v any) ([]byte, error)
	ContentType() string
}

// CanonicalJSON emits RFC 8785 canonical JSON, so identical messages always
// produce identical bytes regardless of map ordering.
type CanonicalJSON struct{}

func (CanonicalJSON) Serialize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize body: %w", err)
	}
	return out, nil
}

func (CanonicalJSON) ContentType() string { return "application/json" }
