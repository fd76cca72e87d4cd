// Package gateway exposes the voice engine over a WebSocket endpoint.
//
// Clients send JSON command frames and receive JSON event frames. Each
// connection holds exactly one engine subscription; a client that cannot keep
// up with the event stream misses events rather than back-pressuring the
// engine.
//
// Command frames have the shape:
//
//	{"type": "speak", "id": "req-1", "text": "hello"}
//
// where "id" is an optional correlation token echoed back on the matching ack
// or error frame. Event frames mirror [engine.Event] with a "kind" of
// "event"; acks and command errors use kinds "ack" and "error".
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/voxweave/voxweave/internal/engine"
)

// writeTimeout bounds a single outbound frame write. A connection that cannot
// accept a frame within this window is considered dead.
const writeTimeout = 5 * time.Second

// Command is one inbound client frame.
type Command struct {
	// Type selects the engine operation: start_listening, stop_listening,
	// speak, stop_speaking, reset, suspend, or resume.
	Type string `json:"type"`

	// ID is an optional client correlation token echoed on the reply.
	ID string `json:"id,omitempty"`

	// Text carries the utterance for speak commands.
	Text string `json:"text,omitempty"`
}

// Reply is the ack or error frame answering one [Command].
type Reply struct {
	Kind    string `json:"kind"` // "ack" or "error"
	ID      string `json:"id,omitempty"`
	Command string `json:"command"`
	Error   string `json:"error,omitempty"`
}

// EventFrame is one outbound engine notification.
type EventFrame struct {
	Kind      string `json:"kind"` // always "event"
	Type      string `json:"type"`
	State     string `json:"state"`
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text,omitempty"`
	Final     bool   `json:"final,omitempty"`
	Message   string `json:"message,omitempty"`
	At        string `json:"at"`

	// PreviousState is set on state_changed events.
	PreviousState string `json:"previous_state,omitempty"`

	// Forced is set on fallback_entered events driven by the
	// consecutive-error ceiling.
	Forced bool `json:"forced,omitempty"`

	// Resource names the approached ceiling on resource_warning events.
	Resource string `json:"resource,omitempty"`

	Assessment *AssessmentFrame `json:"assessment,omitempty"`
	Error      *ErrorFrame      `json:"error,omitempty"`
	Recovery   *RecoveryFrame   `json:"recovery,omitempty"`
}

// AssessmentFrame is the wire form of a quality assessment.
type AssessmentFrame struct {
	Tier            string   `json:"tier"`
	Confidence      float64  `json:"confidence"`
	Issues          []string `json:"issues,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// ErrorFrame is the wire form of a classified error.
type ErrorFrame struct {
	Category    string `json:"category"`
	Severity    string `json:"severity"`
	Recoverable bool   `json:"recoverable"`
	Message     string `json:"message,omitempty"`
}

// RecoveryFrame is the wire form of a planned recovery action.
type RecoveryFrame struct {
	Action   string `json:"action"`
	DelayMS  int64  `json:"delay_ms,omitempty"`
	Guidance string `json:"guidance,omitempty"`
}

// Handler upgrades HTTP requests to WebSocket connections and bridges them to
// a shared [engine.Engine].
type Handler struct {
	engine *engine.Engine
	logger *slog.Logger

	// originPatterns restricts which Origin headers may connect; empty means
	// same-origin only.
	originPatterns []string
}

var _ http.Handler = (*Handler)(nil)

// Option customizes a [Handler].
type Option func(*Handler)

// WithOriginPatterns allows cross-origin connections from the given host
// patterns (e.g. "app.example.com", "*.example.com").
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Handler) {
		h.originPatterns = patterns
	}
}

// New creates a [Handler] serving eng. A nil logger falls back to
// [slog.Default].
func New(eng *engine.Engine, logger *slog.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{engine: eng, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register adds the WebSocket route to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("GET /v1/voice", h)
}

// ServeHTTP accepts the WebSocket upgrade and runs the connection until the
// client disconnects or the request context ends.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", "err", err, "remote", r.RemoteAddr)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "connection teardown")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, unsubscribe := h.engine.Subscribe()
	defer unsubscribe()

	h.logger.Info("voice client connected", "remote", r.RemoteAddr)

	go h.writeEvents(ctx, conn, events)

	if err := h.readCommands(ctx, conn); err != nil {
		status := websocket.CloseStatus(err)
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			h.logger.Info("voice client disconnected", "remote", r.RemoteAddr)
		} else if !errors.Is(err, context.Canceled) {
			h.logger.Warn("voice connection failed", "err", err, "remote", r.RemoteAddr)
		}
	}
	conn.Close(websocket.StatusNormalClosure, "bye")
}

// readCommands decodes command frames and dispatches them until the
// connection fails or ctx ends.
func (h *Handler) readCommands(ctx context.Context, conn *websocket.Conn) error {
	for {
		var cmd Command
		if err := wsjson.Read(ctx, conn, &cmd); err != nil {
			return err
		}
		reply := h.dispatch(ctx, cmd)

		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := wsjson.Write(wctx, conn, reply)
		cancel()
		if err != nil {
			return err
		}
	}
}

// dispatch executes one command against the engine and builds its reply.
func (h *Handler) dispatch(ctx context.Context, cmd Command) Reply {
	var err error
	switch cmd.Type {
	case "start_listening":
		err = h.engine.StartListening()
	case "stop_listening":
		err = h.engine.StopListening()
	case "speak":
		err = h.engine.Speak(cmd.Text)
	case "stop_speaking":
		err = h.engine.StopSpeaking()
	case "reset":
		err = h.engine.Reset(ctx)
	case "suspend":
		h.engine.Suspend()
	case "resume":
		h.engine.Resume()
	default:
		err = fmt.Errorf("unknown command type %q", cmd.Type)
	}

	reply := Reply{Kind: "ack", ID: cmd.ID, Command: cmd.Type}
	if err != nil {
		reply.Kind = "error"
		reply.Error = err.Error()
	}
	return reply
}

// writeEvents forwards engine events to the client until the subscription or
// the connection ends. Write failures cancel nothing here; the read loop
// notices the broken connection and tears down.
func (h *Handler) writeEvents(ctx context.Context, conn *websocket.Conn, events <-chan engine.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, encodeEvent(ev))
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// encodeEvent converts an [engine.Event] into its wire form.
func encodeEvent(ev engine.Event) EventFrame {
	frame := EventFrame{
		Kind:          "event",
		Type:          string(ev.Type),
		State:         string(ev.State),
		SessionID:     ev.SessionID,
		Text:          ev.Text,
		Final:         ev.Final,
		Message:       ev.Message,
		At:            ev.At.Format(time.RFC3339Nano),
		PreviousState: string(ev.Previous),
		Forced:        ev.Forced,
		Resource:      ev.Resource,
	}
	if ev.Assessment != nil {
		frame.Assessment = &AssessmentFrame{
			Tier:            string(ev.Assessment.Tier),
			Confidence:      ev.Assessment.Confidence,
			Issues:          ev.Assessment.Issues,
			Recommendations: ev.Assessment.Recommendations,
		}
	}
	if ev.Error != nil {
		frame.Error = &ErrorFrame{
			Category:    string(ev.Error.Category),
			Severity:    string(ev.Error.Severity),
			Recoverable: ev.Error.Recoverable,
			Message:     ev.Error.UserMessage,
		}
	}
	if ev.Action != nil {
		frame.Recovery = &RecoveryFrame{
			Action:   string(ev.Action.Kind),
			DelayMS:  ev.Action.Delay.Milliseconds(),
			Guidance: ev.Action.Guidance,
		}
	}
	return frame
}
