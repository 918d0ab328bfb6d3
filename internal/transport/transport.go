// Package transport carries one voice call over a persistent WebSocket. The
// client streams raw PCM frames to the service and receives synthesised MP3
// utterances back, either as binary messages or as base64 text messages.
//
// A Transport lives for exactly one call. All inbound activity is delivered
// in arrival order on a single event channel that terminates with a Closed
// event, so consumers can drive a state machine from one select case.
package transport

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by Open when the transport was already used
// and closed. Transports are single-use.
var ErrSessionClosed = errors.New("transport: session closed")

// Config identifies the call a transport serves.
type Config struct {
	// BaseURL is the service endpoint, scheme ws or wss.
	BaseURL string

	// PatientID identifies whose voice profile the service synthesises with.
	PatientID string

	// ConversationID threads the utterances of one conversation together.
	ConversationID string
}

// Event is an inbound transport event. The concrete types are [Opened],
// [Utterance], [Failure], and [Closed]; no other implementations exist.
type Event interface {
	isEvent()
}

// Opened reports that the connection is established and frames may flow.
type Opened struct{}

// Utterance carries one complete synthesised utterance as MP3 bytes.
type Utterance struct {
	Audio []byte
}

// Failure reports a recoverable inbound error, such as an undecodable
// payload. The connection stays up and the call continues.
type Failure struct {
	Err error
}

// Closed is the final event on the channel. Err is nil for a local or clean
// remote close and non-nil when the connection failed. The event channel is
// closed after Closed is delivered.
type Closed struct {
	Err error
}

func (Opened) isEvent()    {}
func (Utterance) isEvent() {}
func (Failure) isEvent()   {}
func (Closed) isEvent()    {}

// Transport is one call's connection to the voice service.
type Transport interface {
	// Open establishes the connection. On success an Opened event is the
	// first delivery on Events.
	Open(ctx context.Context) error

	// Send transmits one PCM frame. Sends are fire-and-forget: when the
	// transport is not open the frame is silently dropped and Send returns
	// nil, because losing audio must never stall or kill the call.
	Send(frame []byte) error

	// Events returns the inbound event channel. It is closed after the
	// Closed event.
	Events() <-chan Event

	// Close tears the connection down. Idempotent; safe from any goroutine.
	Close() error
}
