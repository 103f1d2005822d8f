// Package airealtime manages the realtime AI audio WebSocket connections
// for live calls. Connections are held in an explicit registry keyed by a
// normalized conversation id, with secondary indices by provider call id
// and media channel id maintained atomically on registration — real
// deployments observe races between webhook delivery and in-memory state
// registration, so lookups fall back across keys instead of failing fast.
package airealtime

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Registry owns all live AI connections
type Registry struct {
	mu         sync.RWMutex
	byConv     map[string]*Connection
	byExternal map[string]*Connection
	byChannel  map[string]*Connection

	baseURL string
	dialer  *websocket.Dialer
	logger  *zap.Logger
}

// NewRegistry creates a connection registry. baseURL is the AI realtime
// service endpoint (ws:// or wss://); empty disables dialing (tests
// register connections directly).
func NewRegistry(baseURL string, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		byConv:     make(map[string]*Connection),
		byExternal: make(map[string]*Connection),
		byChannel:  make(map[string]*Connection),
		baseURL:    strings.TrimRight(baseURL, "/"),
		dialer:     websocket.DefaultDialer,
		logger:     logger,
	}
}

// Connect dials the AI realtime service for a conversation and registers
// the resulting connection under all its keys
func (r *Registry) Connect(ctx context.Context, conversationID, externalCallID, channelID, patientID string) (*Connection, error) {
	url := r.baseURL + "/realtime/conversations/" + conversationID
	ws, resp, err := r.dialer.DialContext(ctx, url, http.Header{})
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	conn := newConnection(ws, conversationID, externalCallID, channelID, patientID, r.logger)
	if err := r.Register(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	go conn.readLoop()

	r.logger.Info("ai realtime connection established",
		zap.String("conversation_id", conversationID),
		zap.String("external_call_id", externalCallID),
		zap.String("channel_id", channelID),
	)
	return conn, nil
}

// Register inserts a connection under its primary and secondary keys in
// one critical section, so no lookup can observe a half-registered state
func (r *Registry) Register(conn *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := normalizeKey(conn.ConversationID)
	if _, exists := r.byConv[key]; exists {
		return ErrAlreadyRegistered
	}
	r.byConv[key] = conn
	if conn.ExternalCallID != "" {
		r.byExternal[normalizeKey(conn.ExternalCallID)] = conn
	}
	if conn.ChannelID != "" {
		r.byChannel[normalizeKey(conn.ChannelID)] = conn
	}
	return nil
}

// Unregister removes a connection from every index. Safe to call twice.
func (r *Registry) Unregister(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.byConv, normalizeKey(conn.ConversationID))
	if conn.ExternalCallID != "" {
		delete(r.byExternal, normalizeKey(conn.ExternalCallID))
	}
	if conn.ChannelID != "" {
		delete(r.byChannel, normalizeKey(conn.ChannelID))
	}
}

// Lookup finds a connection by any identifier: conversation id first, then
// provider call id, then media channel id
func (r *Registry) Lookup(key string) (*Connection, bool) {
	k := normalizeKey(key)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if conn, ok := r.byConv[k]; ok {
		return conn, true
	}
	if conn, ok := r.byExternal[k]; ok {
		return conn, true
	}
	if conn, ok := r.byChannel[k]; ok {
		return conn, true
	}
	return nil, false
}

// Disconnect closes and unregisters the connection for a call. Idempotent:
// a missing connection is not an error for teardown purposes, but is
// reported so the coordinator can try fallback keys first.
func (r *Registry) Disconnect(key string) error {
	conn, ok := r.Lookup(key)
	if !ok {
		return ErrConnectionNotFound
	}
	err := conn.Close()
	r.Unregister(conn)
	return err
}

// CancelResponse aborts in-flight response generation for a call
func (r *Registry) CancelResponse(ctx context.Context, key string) error {
	conn, ok := r.Lookup(key)
	if !ok {
		return ErrConnectionNotFound
	}
	return conn.CancelResponse(ctx)
}

// ForceRecovery triggers pipeline recovery for a call
func (r *Registry) ForceRecovery(ctx context.Context, key, reason string) bool {
	conn, ok := r.Lookup(key)
	if !ok {
		return false
	}
	return conn.ForceRecovery(ctx, reason)
}

// ForceSilentResponse triggers silence-prompted response generation
func (r *Registry) ForceSilentResponse(ctx context.Context, key string) bool {
	conn, ok := r.Lookup(key)
	if !ok {
		return false
	}
	return conn.ForceSilentResponse(ctx)
}

// ConnectionStatus returns the status of a call's connection
func (r *Registry) ConnectionStatus(key string) Status {
	conn, ok := r.Lookup(key)
	if !ok {
		return StatusUnknown
	}
	return conn.Status()
}

// Speaking reports whether the assistant is mid-response on a call
func (r *Registry) Speaking(key string) bool {
	conn, ok := r.Lookup(key)
	if !ok {
		return false
	}
	return conn.Speaking()
}

// Count returns the number of registered connections
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConv)
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
