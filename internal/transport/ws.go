package transport

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/coder/websocket"
)

// callPath is the streaming endpoint appended to the configured base URL.
const callPath = "/call/stream"

// eventBuffer sizes the inbound event channel. Utterances are seconds apart,
// so a small buffer absorbs any burst without growing unboundedly.
const eventBuffer = 16

// WS is the WebSocket [Transport]. One instance serves one call.
type WS struct {
	config Config

	events chan Event

	mu     sync.Mutex
	conn   *websocket.Conn
	open   bool
	dialed bool
	used   bool
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

var _ Transport = (*WS)(nil)

// NewWS creates an unopened transport for the given call.
func NewWS(config Config) *WS {
	return &WS{
		config: config,
		events: make(chan Event, eventBuffer),
	}
}

// Open dials the streaming endpoint with the patient and conversation bound
// into the query string. On success the Opened event is queued and the
// receive loop starts.
func (w *WS) Open(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.used {
		return ErrSessionClosed
	}
	w.used = true

	wsURL, err := w.streamURL()
	if err != nil {
		return err
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", callPath, err)
	}
	// Utterances can be several seconds of MP3.
	conn.SetReadLimit(8 << 20)

	connCtx, cancel := context.WithCancel(context.Background())
	w.conn = conn
	w.ctx = connCtx
	w.cancel = cancel
	w.open = true
	w.dialed = true

	w.events <- Opened{}
	go w.receiveLoop()
	return nil
}

// streamURL builds the dial URL from the base URL and call identity.
func (w *WS) streamURL() (string, error) {
	u, err := url.Parse(w.config.BaseURL)
	if err != nil {
		return "", fmt.Errorf("transport: parse base url %q: %w", w.config.BaseURL, err)
	}
	u.Path = callPath
	q := u.Query()
	q.Set("patient_id", w.config.PatientID)
	q.Set("conversation_id", w.config.ConversationID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Send writes one PCM frame as a binary message. Frames sent before Open or
// after close are dropped, not errors: the call outlives individual frames.
func (w *WS) Send(frame []byte) error {
	w.mu.Lock()
	conn, open, ctx := w.conn, w.open, w.ctx
	w.mu.Unlock()

	if !open {
		slog.Debug("transport: dropping frame, connection not open", "bytes", len(frame))
		return nil
	}
	if err := conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
		return fmt.Errorf("transport: send frame: %w", err)
	}
	return nil
}

// Events returns the inbound event channel.
func (w *WS) Events() <-chan Event { return w.events }

// Close tears the connection down. The receive loop then delivers the final
// Closed event and closes the channel. Idempotent.
func (w *WS) Close() error {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		conn, dialed, cancel := w.conn, w.dialed, w.cancel
		w.open = false
		w.used = true
		w.mu.Unlock()

		if !dialed {
			// Never dialed, so no receive loop exists: deliver the terminal
			// event ourselves. Once a dial succeeded the receive loop owns the
			// channel, even after the connection already died.
			w.events <- Closed{}
			close(w.events)
			return
		}
		cancel()
		conn.Close(websocket.StatusNormalClosure, "call ended")
	})
	return nil
}

// receiveLoop reads messages until the connection dies. It owns the event
// channel: every exit path delivers Closed and then closes it.
func (w *WS) receiveLoop() {
	defer close(w.events)

	for {
		typ, data, err := w.conn.Read(w.ctx)
		if err != nil {
			w.mu.Lock()
			w.open = false
			w.mu.Unlock()

			if w.ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				w.events <- Closed{}
			} else {
				w.events <- Closed{Err: fmt.Errorf("transport: read: %w", err)}
			}
			return
		}

		audio, err := decodePayload(typ, data)
		if err != nil {
			w.events <- Failure{Err: err}
			continue
		}
		if len(audio) == 0 {
			continue
		}
		w.events <- Utterance{Audio: audio}
	}
}

// decodePayload extracts MP3 bytes from an inbound message. Binary messages
// carry the MP3 directly; text messages carry it base64-encoded.
func decodePayload(typ websocket.MessageType, data []byte) ([]byte, error) {
	if typ == websocket.MessageBinary {
		return data, nil
	}
	audio, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return nil, fmt.Errorf("transport: decode base64 utterance: %w", err)
	}
	return audio, nil
}
