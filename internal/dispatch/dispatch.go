package dispatch

import "github.com/example/ridehail/internal/models"

// Deliverer pushes a payload to one recipient, best effort. The core
// never waits on delivery and never retries; a gateway that cares
// about retries owns them itself.
type Deliverer interface {
	Deliver(recipientID string, payload Payload) error
}

// Payload is the wire shape pushed to end-user devices.
type Payload struct {
	Type  string `json:"type"`
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// OfferPayload wraps a match offer for the driver app.
func OfferPayload(offer models.MatchOffer) Payload {
	return Payload{
		Type:  "match_offer",
		Title: "New ride request",
		Body:  "A rider nearby needs a pickup",
		Data:  offer,
	}
}
