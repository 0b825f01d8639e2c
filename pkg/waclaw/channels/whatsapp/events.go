// Package whatsapp – events.go processes whatsmeow events: message
// persistence, lid→phone canonicalization, and the
// reconnect-or-terminate connection policy.
package whatsapp

import (
	"fmt"
	"time"

	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	waE2E "go.mau.fi/whatsmeow/proto/waE2E"

	"github.com/jbhatt/waclaw/pkg/waclaw/store"
)

// handleEvent is the main whatsmeow event dispatcher.
func (w *WhatsApp) handleEvent(rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		w.handleMessageEvt(evt)

	case *events.Connected:
		w.connected.Store(true)
		w.reconnectAttempts.Store(0)
		w.logger.Info("whatsapp: connected", "jid", w.clientJID())

	case *events.Disconnected:
		wasConnected := w.connected.Swap(false)
		w.logger.Warn("whatsapp: disconnected", "was_connected", wasConnected)
		if wasConnected && w.ctx.Err() == nil {
			go w.attemptReconnect()
		}

	case *events.StreamReplaced:
		w.connected.Store(false)
		w.logger.Error("whatsapp: stream replaced, another device took over")
		if w.ctx.Err() == nil {
			go w.attemptReconnect()
		}

	case *events.LoggedOut:
		// Explicit logout terminates the process; the operator must
		// re-link with a fresh QR scan.
		w.connected.Store(false)
		w.logger.Error("whatsapp: logged out, session invalidated", "reason", evt.Reason.String())
		if w.onFatal != nil {
			w.onFatal(fmt.Errorf("whatsapp session logged out: %s", evt.Reason.String()))
		}

	case *events.TemporaryBan:
		w.connected.Store(false)
		w.logger.Error("whatsapp: temporary ban", "code", evt.Code, "expire", evt.Expire)

	case *events.KeepAliveTimeout:
		w.logger.Warn("whatsapp: keep-alive timeout", "error_count", evt.ErrorCount)
		// A half-open socket looks connected but is dead; force a
		// reconnect after repeated failures.
		if evt.ErrorCount >= 3 && w.connected.Swap(false) {
			go w.attemptReconnect()
		}

	case *events.KeepAliveRestored:
		w.logger.Info("whatsapp: keep-alive restored")

	case *events.ConnectFailure:
		w.connected.Store(false)
		permanent := evt.PermanentDisconnectDescription()
		w.logger.Error("whatsapp: connect failure",
			"reason", evt.Reason.String(), "permanent", permanent)
		if permanent == "" && w.ctx.Err() == nil {
			go w.attemptReconnect()
		} else if permanent != "" && w.onFatal != nil {
			w.onFatal(fmt.Errorf("whatsapp permanent disconnect: %s", permanent))
		}

	case *events.StreamError:
		w.logger.Warn("whatsapp: stream error", "code", evt.Code)

	case *events.HistorySync:
		w.logger.Debug("whatsapp: history sync received")

	case *events.PushName:
		w.logger.Debug("whatsapp: push name update", "jid", evt.JID, "name", evt.NewPushName)
	}
}

// handleMessageEvt persists an incoming message. Chat metadata is recorded
// for every chat; full bodies only for registered groups, which keeps
// unregistered chats discoverable without retaining their content.
func (w *WhatsApp) handleMessageEvt(evt *events.Message) {
	// Status broadcasts are noise.
	if evt.Info.Chat.Server == types.BroadcastServer {
		return
	}

	chatJID := w.resolveJID(evt.Info.Chat)
	senderJID := w.resolveJID(evt.Info.Sender)
	timestamp := evt.Info.Timestamp.UTC().Format(time.RFC3339)

	if err := w.store.UpsertChat(store.Chat{
		JID:             chatJID,
		DisplayName:     evt.Info.PushName,
		LastMessageTime: timestamp,
	}); err != nil {
		w.logger.Warn("whatsapp: persisting chat", "jid", chatJID, "error", err)
	}

	if !w.registry.IsRegistered(chatJID) {
		return
	}

	content := extractText(evt.Message)
	if content == "" {
		return
	}

	sender := evt.Info.PushName
	if sender == "" {
		sender = senderJID
	}

	if err := w.store.StoreMessage(store.Message{
		ID:            string(evt.Info.ID),
		ChatJID:       chatJID,
		SenderName:    sender,
		FromAssistant: evt.Info.IsFromMe,
		Content:       content,
		Timestamp:     timestamp,
	}); err != nil {
		w.logger.Warn("whatsapp: persisting message",
			"chat", chatJID, "id", evt.Info.ID, "error", err)
	}
}

// resolveJID canonicalizes a possibly-lid JID to its phone-number form,
// consulting the device store and caching the result.
func (w *WhatsApp) resolveJID(jid types.JID) string {
	if jid.Server != types.HiddenUserServer {
		return jid.String()
	}

	// Cached mapping first.
	if canonical := w.Canonical(jid.String()); canonical != jid.String() {
		return canonical
	}

	if w.client != nil && w.client.Store != nil {
		if alt, err := w.client.Store.GetAltJID(w.ctx, jid); err == nil && !alt.IsEmpty() {
			w.learnLID(jid, alt)
			return alt.String()
		}
	}
	return jid.String()
}

// extractText pulls the text body out of a message, if it has one.
func extractText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if msg.Conversation != nil {
		return msg.GetConversation()
	}
	if ext := msg.ExtendedTextMessage; ext != nil {
		return ext.GetText()
	}
	// Media captions still count as text for routing purposes.
	if img := msg.ImageMessage; img != nil {
		return img.GetCaption()
	}
	if vid := msg.VideoMessage; vid != nil {
		return vid.GetCaption()
	}
	if doc := msg.DocumentMessage; doc != nil {
		return doc.GetCaption()
	}
	return ""
}
