// Package channels defines the transport surface the rest of the system
// depends on, keeping the WhatsApp implementation a leaf.
package channels

import "context"

// GroupInfo is a chat group visible on the transport.
type GroupInfo struct {
	JID  string
	Name string
}

// Transport is the messaging surface: send text, show presence, and list
// joined groups. Implementations reconnect on their own; Send fails fast
// while disconnected so callers can retry on the next cycle.
type Transport interface {
	// Send delivers text to a chat.
	Send(ctx context.Context, jid, text string) error

	// SetTyping toggles the typing indicator for a chat.
	SetTyping(ctx context.Context, jid string, typing bool) error

	// ListGroups returns the groups the account participates in.
	ListGroups(ctx context.Context) ([]GroupInfo, error)
}
