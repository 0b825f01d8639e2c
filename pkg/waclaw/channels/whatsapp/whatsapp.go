// Package whatsapp implements the transport adapter over whatsmeow — a
// native Go WhatsApp Web client. It links via QR code, persists the
// session in SQLite, reconnects with exponential backoff, and writes every
// observed message into the store (full bodies only for registered
// groups).
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.mau.fi/whatsmeow"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"golang.org/x/term"
	"google.golang.org/protobuf/proto"

	waE2E "go.mau.fi/whatsmeow/proto/waE2E"

	"github.com/jbhatt/waclaw/pkg/waclaw/channels"
	"github.com/jbhatt/waclaw/pkg/waclaw/state"
	"github.com/jbhatt/waclaw/pkg/waclaw/store"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for the session store.
)

// Config holds the WhatsApp adapter configuration.
type Config struct {
	// DatabasePath is the SQLite file for the whatsmeow session tables.
	DatabasePath string `yaml:"database_path"`

	// ReconnectBackoff is the initial backoff for reconnection attempts.
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`

	// MaxReconnectAttempts bounds reconnection tries (0 = unlimited).
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DatabasePath:         "./store/whatsapp.db",
		ReconnectBackoff:     5 * time.Second,
		MaxReconnectAttempts: 0,
	}
}

// WhatsApp is the transport adapter. It implements channels.Transport.
type WhatsApp struct {
	cfg      Config
	client   *whatsmeow.Client
	store    *store.Store
	registry *state.Registry
	logger   *slog.Logger

	// connected tracks connection state.
	connected atomic.Bool

	// reconnectGuard prevents concurrent reconnection attempts.
	reconnectGuard atomic.Bool

	// reconnectAttempts counts consecutive tries.
	reconnectAttempts atomic.Int32

	// lidMap canonicalizes hidden-user (lid) identifiers to phone-number
	// JIDs. The transport presents self-chats under both forms.
	lidMu  sync.RWMutex
	lidMap map[string]string

	// onFatal is invoked on unrecoverable transport failure (logout).
	onFatal func(error)

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates the adapter. onFatal is called when the session is logged
// out remotely — per the transport contract that terminates the process.
func New(cfg Config, st *store.Store, registry *state.Registry, onFatal func(error), logger *slog.Logger) *WhatsApp {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReconnectBackoff == 0 {
		cfg.ReconnectBackoff = 5 * time.Second
	}
	return &WhatsApp{
		cfg:      cfg,
		store:    st,
		registry: registry,
		logger:   logger.With("component", "whatsapp"),
		lidMap:   make(map[string]string),
		onFatal:  onFatal,
	}
}

// Connect establishes the WhatsApp Web connection. When no session exists
// the QR login flow runs before returning.
func (w *WhatsApp) Connect(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	container, err := sqlstore.New(w.ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", w.cfg.DatabasePath),
		waLog.Noop)
	if err != nil {
		return fmt.Errorf("creating session store: %w", err)
	}

	device, err := w.getDevice(w.ctx, container)
	if err != nil {
		return fmt.Errorf("getting device: %w", err)
	}

	// Device name shown in the WhatsApp linked-devices list.
	wastore.SetOSInfo("waclaw", [3]uint32{1, 0, 0})

	w.client = whatsmeow.NewClient(device, waLog.Noop)
	w.client.AddEventHandler(w.handleEvent)

	if w.client.Store.ID == nil {
		w.logger.Info("whatsapp: no existing session, QR login required")
		if err := w.loginWithQR(w.ctx); err != nil {
			return fmt.Errorf("QR login: %w", err)
		}
	} else {
		if err := w.client.Connect(); err != nil {
			return fmt.Errorf("connecting: %w", err)
		}
		w.connected.Store(true)
		w.logger.Info("whatsapp: connected (existing session)", "jid", w.clientJID())
	}

	if err := w.client.SendPresence(w.ctx, types.PresenceAvailable); err != nil {
		w.logger.Debug("whatsapp: presence update failed", "error", err)
	}
	return nil
}

// Disconnect closes the connection.
func (w *WhatsApp) Disconnect() {
	w.connected.Store(false)
	if w.cancel != nil {
		w.cancel()
	}
	if w.client != nil {
		w.client.Disconnect()
	}
	w.logger.Info("whatsapp: disconnected")
}

// IsConnected reports connection state.
func (w *WhatsApp) IsConnected() bool { return w.connected.Load() }

// ---------- Transport interface ----------

// Send delivers text to a chat.
func (w *WhatsApp) Send(ctx context.Context, jid, text string) error {
	if !w.connected.Load() {
		return fmt.Errorf("whatsapp: not connected")
	}
	target, err := types.ParseJID(w.Canonical(jid))
	if err != nil {
		return fmt.Errorf("invalid JID %q: %w", jid, err)
	}

	msg := &waE2E.Message{Conversation: proto.String(text)}
	if _, err := w.client.SendMessage(ctx, target, msg); err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

// SetTyping toggles the typing indicator.
func (w *WhatsApp) SetTyping(ctx context.Context, jid string, typing bool) error {
	if !w.connected.Load() {
		return nil
	}
	target, err := types.ParseJID(w.Canonical(jid))
	if err != nil {
		return err
	}
	presence := types.ChatPresencePaused
	if typing {
		presence = types.ChatPresenceComposing
	}
	return w.client.SendChatPresence(ctx, target, presence, types.ChatPresenceMediaText)
}

// ListGroups returns the groups the account participates in.
func (w *WhatsApp) ListGroups(ctx context.Context) ([]channels.GroupInfo, error) {
	if !w.connected.Load() {
		return nil, fmt.Errorf("whatsapp: not connected")
	}
	groups, err := w.client.GetJoinedGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing groups: %w", err)
	}

	out := make([]channels.GroupInfo, 0, len(groups))
	for _, g := range groups {
		out = append(out, channels.GroupInfo{JID: g.JID.String(), Name: g.Name})
	}
	return out, nil
}

// SyncGroups refreshes chat metadata for every joined group and records
// the sync marker.
func (w *WhatsApp) SyncGroups(ctx context.Context) error {
	groups, err := w.ListGroups(ctx)
	if err != nil {
		return err
	}

	for _, g := range groups {
		if err := w.store.UpsertChat(store.Chat{JID: g.JID, DisplayName: g.Name}); err != nil {
			w.logger.Warn("whatsapp: persisting chat metadata", "jid", g.JID, "error", err)
		}
		if err := w.registry.UpdateGroupName(g.JID, g.Name); err != nil {
			w.logger.Warn("whatsapp: updating group name", "jid", g.JID, "error", err)
		}
	}

	if err := w.store.SetMeta("last_group_sync", store.Now()); err != nil {
		return fmt.Errorf("recording sync marker: %w", err)
	}
	w.logger.Info("whatsapp: group metadata synced", "groups", len(groups))
	return nil
}

// ---------- JID canonicalization ----------

// Canonical rewrites a hidden-user (lid) identifier to its phone-number
// JID when the mapping is known.
func (w *WhatsApp) Canonical(jid string) string {
	w.lidMu.RLock()
	defer w.lidMu.RUnlock()
	if pn, ok := w.lidMap[jid]; ok {
		return pn
	}
	return jid
}

// learnLID records a lid→pn pairing observed on an event.
func (w *WhatsApp) learnLID(lid, pn types.JID) {
	if lid.IsEmpty() || pn.IsEmpty() || lid.Server != types.HiddenUserServer {
		return
	}
	key := lid.String()
	value := pn.String()

	w.lidMu.Lock()
	defer w.lidMu.Unlock()
	if w.lidMap[key] != value {
		w.lidMap[key] = value
		w.logger.Debug("whatsapp: learned lid mapping", "lid", key, "pn", value)
	}
}

// ---------- Internal ----------

// getDevice retrieves an existing device or creates a new one.
func (w *WhatsApp) getDevice(ctx context.Context, container *sqlstore.Container) (*wastore.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

// clientJID returns the logged-in account JID.
func (w *WhatsApp) clientJID() string {
	if w.client != nil && w.client.Store.ID != nil {
		return w.client.Store.ID.String()
	}
	return ""
}

// loginWithQR runs the QR pairing flow. The code prints to the terminal
// when one is attached, otherwise it is logged for the operator.
func (w *WhatsApp) loginWithQR(ctx context.Context) error {
	qrChan, err := w.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("getting QR channel: %w", err)
	}
	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("connecting for QR: %w", err)
	}

	interactive := term.IsTerminal(int(os.Stdout.Fd()))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-qrChan:
			if !ok {
				return fmt.Errorf("QR channel closed unexpectedly")
			}
			switch evt.Event {
			case "code":
				if interactive {
					fmt.Println("Scan this code with WhatsApp (Linked Devices):")
					fmt.Println(evt.Code)
				} else {
					w.logger.Info("whatsapp: QR code ready", "code", evt.Code)
				}
			case "success":
				w.connected.Store(true)
				w.reconnectAttempts.Store(0)
				w.logger.Info("whatsapp: login successful", "jid", w.clientJID())
				return nil
			case "timeout":
				return fmt.Errorf("QR code expired before scan")
			default:
				if evt.Error != nil {
					return fmt.Errorf("QR login error: %v", evt.Error)
				}
			}
		}
	}
}

// attemptReconnect retries the connection with exponential backoff. A
// CompareAndSwap guard keeps concurrent disconnect events from stacking
// reconnect loops.
func (w *WhatsApp) attemptReconnect() {
	if !w.reconnectGuard.CompareAndSwap(false, true) {
		w.logger.Debug("whatsapp: reconnect already in progress")
		return
	}
	defer w.reconnectGuard.Store(false)

	for {
		if w.ctx.Err() != nil {
			return
		}

		attempts := w.reconnectAttempts.Add(1)
		if w.cfg.MaxReconnectAttempts > 0 && attempts > int32(w.cfg.MaxReconnectAttempts) {
			w.logger.Error("whatsapp: max reconnect attempts reached", "attempts", attempts)
			if w.onFatal != nil {
				w.onFatal(fmt.Errorf("whatsapp: reconnect gave up after %d attempts", attempts))
			}
			return
		}

		backoff := w.cfg.ReconnectBackoff
		for i := int32(1); i < attempts && backoff < 5*time.Minute; i++ {
			backoff *= 2
		}
		backoff = min(backoff, 5*time.Minute)
		w.logger.Info("whatsapp: reconnecting", "attempt", attempts, "backoff", backoff)

		select {
		case <-time.After(backoff):
		case <-w.ctx.Done():
			return
		}

		// Clear stale websocket state before dialing again.
		if w.client.IsConnected() {
			w.client.Disconnect()
			time.Sleep(100 * time.Millisecond)
		}

		if err := w.client.Connect(); err != nil {
			w.logger.Warn("whatsapp: reconnect attempt failed",
				"attempt", attempts, "error", err)
			continue
		}

		w.logger.Info("whatsapp: reconnect initiated, waiting for confirmation")
		return
	}
}
