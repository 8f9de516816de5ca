package bridge

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/vinayprograms/pulsekit/heartrate"
)

// Wire errors.
var (
	ErrMissingOwner    = errors.New("message has no owner")
	ErrMissingInstance = errors.New("message has no publisher instance")
)

// Message is the cross-instance form of a sample. Keys are CBOR integers so
// the payload stays small on a hot subject.
type Message struct {
	OwnerUserID         string  `cbor:"1,keyasint"`
	Value               float32 `cbor:"2,keyasint"`
	ObservedAtMillis    int64   `cbor:"3,keyasint"`
	PublisherInstanceID string  `cbor:"4,keyasint"`
}

// Validate checks the fields a receiver depends on.
func (m *Message) Validate() error {
	if m.OwnerUserID == "" {
		return ErrMissingOwner
	}
	if m.PublisherInstanceID == "" {
		return ErrMissingInstance
	}
	return nil
}

// ObservedAt returns the observation time.
func (m *Message) ObservedAt() time.Time {
	return time.UnixMilli(m.ObservedAtMillis)
}

// FromSample builds the wire message for a locally ingested sample.
func FromSample(s heartrate.Sample, instanceID string) *Message {
	return &Message{
		OwnerUserID:         s.OwnerUserID,
		Value:               float32(s.Value),
		ObservedAtMillis:    s.ObservedAt.UnixMilli(),
		PublisherInstanceID: instanceID,
	}
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		IndefLength: cbor.IndefLengthForbidden,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	// Unknown keys are ignored so newer publishers can add fields.
	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
		MaxMapPairs: 64,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// Encode validates and encodes m.
func Encode(m *Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}
	return encMode.Marshal(m)
}

// Decode decodes and validates a payload.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := decMode.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}
	return &m, nil
}
