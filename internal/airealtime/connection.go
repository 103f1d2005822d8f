package airealtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// maxDebugAudioChunks bounds the rolling audio snapshot kept per
// connection for debug export
const maxDebugAudioChunks = 512

// wireMessage is the envelope for frames exchanged with the AI realtime
// service
type wireMessage struct {
	Type   string `json:"type"`
	Role   string `json:"role,omitempty"`
	Text   string `json:"text,omitempty"`
	Audio  []byte `json:"audio,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Connection is one live AI realtime WebSocket, keyed by conversation id
// with secondary identifiers for fallback lookup.
type Connection struct {
	ConversationID string
	ExternalCallID string
	ChannelID      string
	PatientID      string

	mu        sync.Mutex
	ws        *websocket.Conn
	status    Status
	speaking  bool
	audioSnap [][]byte

	// fragments is closed by readLoop only; it is the single sender.
	// done signals shutdown to readLoop without touching the channel.
	fragments chan TranscriptFragment
	done      chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger
}

func newConnection(ws *websocket.Conn, conversationID, externalCallID, channelID, patientID string, logger *zap.Logger) *Connection {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connection{
		ConversationID: conversationID,
		ExternalCallID: externalCallID,
		ChannelID:      channelID,
		PatientID:      patientID,
		ws:             ws,
		status:         StatusConnected,
		fragments:      make(chan TranscriptFragment, 64),
		done:           make(chan struct{}),
		logger:         logger,
	}
}

// Fragments streams role-tagged transcript fragments until the connection
// closes, at which point the channel is closed.
func (c *Connection) Fragments() <-chan TranscriptFragment {
	return c.fragments
}

// Status returns the current connection status
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Speaking reports whether the assistant is mid-response
func (c *Connection) Speaking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speaking
}

// CancelResponse asks the AI service to abort any in-flight response
// generation. Safe to call on an already-closed connection.
func (c *Connection) CancelResponse(ctx context.Context) error {
	return c.send(ctx, wireMessage{Type: "response.cancel"})
}

// ForceSilentResponse asks the AI service to generate a response as if the
// patient had gone silent, used to nudge a stalled conversation.
func (c *Connection) ForceSilentResponse(ctx context.Context) bool {
	if err := c.send(ctx, wireMessage{Type: "response.force_silence"}); err != nil {
		c.logger.Warn("force silent response failed",
			zap.String("conversation_id", c.ConversationID),
			zap.Error(err),
		)
		return false
	}
	return true
}

// ForceRecovery asks the AI service to rebuild the realtime pipeline for
// this conversation
func (c *Connection) ForceRecovery(ctx context.Context, reason string) bool {
	c.mu.Lock()
	c.status = StatusRecovering
	c.mu.Unlock()

	if err := c.send(ctx, wireMessage{Type: "session.recover", Reason: reason}); err != nil {
		c.logger.Warn("force recovery failed",
			zap.String("conversation_id", c.ConversationID),
			zap.String("reason", reason),
			zap.Error(err),
		)
		return false
	}
	return true
}

// Close terminates the WebSocket and marks the connection disconnected.
// The fragment stream is closed by readLoop once it drains; Close must not
// touch it, since readLoop may still be sending buffered frames. Idempotent.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.status = StatusDisconnected
		ws := c.ws
		c.mu.Unlock()

		close(c.done)
		if ws != nil {
			// Best-effort close frame, then tear down the socket
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			err = ws.Close()
		}
	})
	return err
}

// AudioSnapshot returns a copy of the buffered audio chunks for debug export
func (c *Connection) AudioSnapshot() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := make([][]byte, len(c.audioSnap))
	copy(snap, c.audioSnap)
	return snap
}

func (c *Connection) send(ctx context.Context, msg wireMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ws == nil || c.status == StatusDisconnected {
		// Already gone — the operations this backs are idempotent
		return nil
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(deadline)
	}
	return c.ws.WriteJSON(msg)
}

// readLoop pumps frames off the socket until it fails or closes. Transcript
// frames go to the fragment stream; audio frames are buffered for debug
// export; speech markers flip the speaking flag.
func (c *Connection) readLoop() {
	defer func() {
		_ = c.Close()
		// Only the sender closes the fragment stream
		close(c.fragments)
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("ai realtime read ended",
					zap.String("conversation_id", c.ConversationID),
					zap.Error(err),
				)
			}
			return
		}

		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("unparseable ai realtime frame",
				zap.String("conversation_id", c.ConversationID),
				zap.Error(err),
			)
			continue
		}

		switch msg.Type {
		case "transcript":
			role := RolePatient
			if msg.Role == string(RoleAssistant) {
				role = RoleAssistant
			}
			frag := TranscriptFragment{
				ConversationID: c.ConversationID,
				Role:           role,
				Text:           msg.Text,
				Timestamp:      time.Now(),
			}
			select {
			case <-c.done:
				return
			case c.fragments <- frag:
			default:
				c.logger.Warn("transcript stream full, dropping fragment",
					zap.String("conversation_id", c.ConversationID))
			}
		case "audio.delta":
			c.mu.Lock()
			c.audioSnap = append(c.audioSnap, msg.Audio)
			if len(c.audioSnap) > maxDebugAudioChunks {
				c.audioSnap = c.audioSnap[len(c.audioSnap)-maxDebugAudioChunks:]
			}
			c.mu.Unlock()
		case "response.started":
			c.mu.Lock()
			c.speaking = true
			c.mu.Unlock()
		case "response.done", "response.cancelled":
			c.mu.Lock()
			c.speaking = false
			c.mu.Unlock()
		}
	}
}
