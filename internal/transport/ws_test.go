package transport_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/sentivo/carecall/internal/transport"
)

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startCallServer launches a test WebSocket server. The handler receives the
// accepted conn. The server is closed when the test finishes.
func startCallServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// nextEvent receives one event or fails the test after a timeout.
func nextEvent(t *testing.T, events <-chan transport.Event) transport.Event {
	t.Helper()
	select {
	case evt, ok := <-events:
		if !ok {
			t.Fatal("event channel closed unexpectedly")
		}
		return evt
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return nil
}

func TestOpen_DialsStreamPathWithCallIdentity(t *testing.T) {
	t.Parallel()

	requests := make(chan *http.Request, 1)
	srv := startCallServer(t, func(conn *websocket.Conn, r *http.Request) {
		requests <- r
		<-conn.CloseRead(context.Background()).Done()
	})

	tp := transport.NewWS(transport.Config{
		BaseURL:        wsURL(srv),
		PatientID:      "patient-7",
		ConversationID: "conv-42",
	})
	if err := tp.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tp.Close()

	if _, ok := nextEvent(t, tp.Events()).(transport.Opened); !ok {
		t.Fatal("first event is not Opened")
	}

	select {
	case r := <-requests:
		if r.URL.Path != "/call/stream" {
			t.Errorf("path = %q; want /call/stream", r.URL.Path)
		}
		if got := r.URL.Query().Get("patient_id"); got != "patient-7" {
			t.Errorf("patient_id = %q; want patient-7", got)
		}
		if got := r.URL.Query().Get("conversation_id"); got != "conv-42" {
			t.Errorf("conversation_id = %q; want conv-42", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout: server never received connection")
	}
}

func TestSend_WritesBinaryFrames(t *testing.T) {
	t.Parallel()

	frames := make(chan []byte, 1)
	srv := startCallServer(t, func(conn *websocket.Conn, _ *http.Request) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		typ, data, err := conn.Read(ctx)
		if err != nil || typ != websocket.MessageBinary {
			return
		}
		frames <- data
		<-conn.CloseRead(context.Background()).Done()
	})

	tp := transport.NewWS(transport.Config{BaseURL: wsURL(srv)})
	if err := tp.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tp.Close()
	nextEvent(t, tp.Events())

	frame := []byte{0x01, 0x02, 0x03, 0x04}
	if err := tp.Send(frame); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-frames:
		if !bytes.Equal(got, frame) {
			t.Errorf("server received %v; want %v", got, frame)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for frame")
	}
}

func TestSend_BeforeOpenDropsSilently(t *testing.T) {
	t.Parallel()

	tp := transport.NewWS(transport.Config{BaseURL: "ws://unused.invalid"})
	if err := tp.Send([]byte{1, 2, 3}); err != nil {
		t.Fatalf("Send before Open = %v; want nil", err)
	}
}

func TestReceive_BinaryUtterance(t *testing.T) {
	t.Parallel()

	mp3Payload := []byte{0xFF, 0xFB, 0x90, 0x00, 0xAA}
	srv := startCallServer(t, func(conn *websocket.Conn, _ *http.Request) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = conn.Write(ctx, websocket.MessageBinary, mp3Payload)
		<-conn.CloseRead(context.Background()).Done()
	})

	tp := transport.NewWS(transport.Config{BaseURL: wsURL(srv)})
	if err := tp.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tp.Close()
	nextEvent(t, tp.Events())

	evt := nextEvent(t, tp.Events())
	utt, ok := evt.(transport.Utterance)
	if !ok {
		t.Fatalf("event = %T; want Utterance", evt)
	}
	if !bytes.Equal(utt.Audio, mp3Payload) {
		t.Errorf("audio = %v; want %v", utt.Audio, mp3Payload)
	}
}

func TestReceive_Base64TextUtterance(t *testing.T) {
	t.Parallel()

	mp3Payload := []byte{0xFF, 0xFB, 0x90, 0x00, 0xBB, 0xCC}
	encoded := base64.StdEncoding.EncodeToString(mp3Payload)
	srv := startCallServer(t, func(conn *websocket.Conn, _ *http.Request) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = conn.Write(ctx, websocket.MessageText, []byte(encoded))
		<-conn.CloseRead(context.Background()).Done()
	})

	tp := transport.NewWS(transport.Config{BaseURL: wsURL(srv)})
	if err := tp.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tp.Close()
	nextEvent(t, tp.Events())

	evt := nextEvent(t, tp.Events())
	utt, ok := evt.(transport.Utterance)
	if !ok {
		t.Fatalf("event = %T; want Utterance", evt)
	}
	if !bytes.Equal(utt.Audio, mp3Payload) {
		t.Errorf("audio = %v; want %v", utt.Audio, mp3Payload)
	}
}

func TestReceive_BadBase64IsFailureNotClose(t *testing.T) {
	t.Parallel()

	srv := startCallServer(t, func(conn *websocket.Conn, _ *http.Request) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = conn.Write(ctx, websocket.MessageText, []byte("not!!valid!!base64"))
		_ = conn.Write(ctx, websocket.MessageBinary, []byte{0x01})
		<-conn.CloseRead(context.Background()).Done()
	})

	tp := transport.NewWS(transport.Config{BaseURL: wsURL(srv)})
	if err := tp.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tp.Close()
	nextEvent(t, tp.Events())

	evt := nextEvent(t, tp.Events())
	fail, ok := evt.(transport.Failure)
	if !ok {
		t.Fatalf("event = %T; want Failure", evt)
	}
	if fail.Err == nil {
		t.Error("Failure.Err is nil")
	}

	// The connection survived: the next message still arrives.
	if _, ok := nextEvent(t, tp.Events()).(transport.Utterance); !ok {
		t.Error("connection did not survive the bad payload")
	}
}

func TestClose_DeliversClosedAndClosesChannel(t *testing.T) {
	t.Parallel()

	srv := startCallServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	tp := transport.NewWS(transport.Config{BaseURL: wsURL(srv)})
	if err := tp.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	nextEvent(t, tp.Events())

	if err := tp.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	evt := nextEvent(t, tp.Events())
	closed, ok := evt.(transport.Closed)
	if !ok {
		t.Fatalf("event = %T; want Closed", evt)
	}
	if closed.Err != nil {
		t.Errorf("Closed.Err = %v; want nil for local close", closed.Err)
	}

	select {
	case _, open := <-tp.Events():
		if open {
			t.Error("received event after Closed")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("channel not closed after Closed event")
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startCallServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	tp := transport.NewWS(transport.Config{BaseURL: wsURL(srv)})
	if err := tp.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := tp.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
}

func TestClose_WithoutOpen(t *testing.T) {
	t.Parallel()

	tp := transport.NewWS(transport.Config{BaseURL: "ws://unused.invalid"})
	if err := tp.Close(); err != nil {
		t.Fatalf("Close without Open: %v", err)
	}
	if _, ok := nextEvent(t, tp.Events()).(transport.Closed); !ok {
		t.Fatal("expected Closed event")
	}
	if err := tp.Open(context.Background()); err != transport.ErrSessionClosed {
		t.Errorf("Open after Close = %v; want ErrSessionClosed", err)
	}
}

func TestRemoteClose_DeliversClosed(t *testing.T) {
	t.Parallel()

	srv := startCallServer(t, func(conn *websocket.Conn, _ *http.Request) {
		conn.Close(websocket.StatusNormalClosure, "remote hangup")
	})

	tp := transport.NewWS(transport.Config{BaseURL: wsURL(srv)})
	if err := tp.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tp.Close()
	nextEvent(t, tp.Events())

	evt := nextEvent(t, tp.Events())
	closed, ok := evt.(transport.Closed)
	if !ok {
		t.Fatalf("event = %T; want Closed", evt)
	}
	if closed.Err != nil {
		t.Errorf("Closed.Err = %v; want nil for clean remote close", closed.Err)
	}
}

func TestClose_AfterRemoteClose(t *testing.T) {
	t.Parallel()

	srv := startCallServer(t, func(conn *websocket.Conn, _ *http.Request) {
		conn.Close(websocket.StatusNormalClosure, "remote hangup")
	})

	tp := transport.NewWS(transport.Config{BaseURL: wsURL(srv)})
	if err := tp.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}

	// Drain until the remote close terminates the channel.
	sawClosed := false
	for evt := range tp.Events() {
		if _, ok := evt.(transport.Closed); ok {
			sawClosed = true
		}
	}
	if !sawClosed {
		t.Fatal("channel ended without a Closed event")
	}

	// The session teardown always closes the transport afterwards; this must
	// be a no-op, not a second delivery on the finished channel.
	for i := 0; i < 2; i++ {
		if err := tp.Close(); err != nil {
			t.Fatalf("Close after remote close: %v", err)
		}
	}
}

func TestSend_AfterCloseDropsSilently(t *testing.T) {
	t.Parallel()

	srv := startCallServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	tp := transport.NewWS(transport.Config{BaseURL: wsURL(srv)})
	if err := tp.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	tp.Close()
	for evt := range tp.Events() {
		if _, ok := evt.(transport.Closed); ok {
			break
		}
	}

	if err := tp.Send([]byte{1, 2, 3}); err != nil {
		t.Fatalf("Send after Close = %v; want nil", err)
	}
}
