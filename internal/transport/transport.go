// Package transport defines the boundary to the chat network: the shape of
// inbound message events and the outbound send operations. The concrete
// network client lives outside the relay; embedders plug one in by
// implementing Transport.
package transport

// EventKind distinguishes inbound payload shapes.
type EventKind string

const (
	KindText  EventKind = "text"
	KindImage EventKind = "image"
	KindMedia EventKind = "media"
)

// InboundEvent is one message received from the chat network. The JSON shape
// is the wire format of the relayd stdin bridge.
type InboundEvent struct {
	MessageID     string    `json:"message_id"`
	ChatID        string    `json:"chat_id"`
	IsGroup       bool      `json:"is_group"`
	DisplayName   string    `json:"display_name"`
	SenderID      string    `json:"sender_id"`
	SenderDisplay string    `json:"sender_display,omitempty"`
	FromSelf      bool      `json:"from_self,omitempty"`
	Kind          EventKind `json:"kind"`
	Body          string    `json:"body"`

	// Opaque reference for image/media events, resolved by a media handler
	// before the event re-enters the pipeline as text.
	MediaRef string `json:"media_ref,omitempty"`
}

// Transport delivers replies back to the chat network. Implementations must
// deliver in submission order within a single chat.
type Transport interface {
	Send(chatID, text string) error
	SendMedia(chatID string, data []byte, mimetype, caption string) error
}

// MediaResolver turns an opaque media reference into a text marker the
// pipeline can dispatch. External; the relay only holds the contract.
type MediaResolver interface {
	Resolve(ref string) (marker string, err error)
}
