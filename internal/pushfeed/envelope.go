// Package pushfeed turns push notifications into bus signals.
package pushfeed

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/walletsync/pkg/wallet"
)

// Envelope is the JSON form of a push notification.
type Envelope struct {
	EventID     string    `json:"event_id"`
	UserID      string    `json:"user_id"`
	Kind        string    `json:"kind"`
	AmountDelta int64     `json:"amount_delta,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Signal validates the envelope and converts it to a push signal.
func (envelope Envelope) Signal() (wallet.Signal, error) {
	userID, err := wallet.NewUserID(envelope.UserID)
	if err != nil {
		return wallet.Signal{}, err
	}
	eventID, err := wallet.NewEventID(envelope.EventID)
	if err != nil {
		return wallet.Signal{}, err
	}
	kind, err := wallet.ParsePushKind(envelope.Kind)
	if err != nil {
		return wallet.Signal{}, err
	}
	return wallet.NewPushSignal(userID, eventID, kind, envelope.AmountDelta, envelope.Timestamp)
}

// DecodeEnvelope parses a raw message into a push signal.
func DecodeEnvelope(data []byte) (wallet.Signal, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return wallet.Signal{}, fmt.Errorf("%w: decode envelope: %w", wallet.ErrInvalidSignal, err)
	}
	return envelope.Signal()
}
