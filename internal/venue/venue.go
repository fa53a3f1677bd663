// Package venue defines the contract every venue stream client implements and
// the shared connection core they are built on.
//
// Each concrete client (kalshi, polymarket, sxbet) supplies a Protocol — the
// venue-specific wire encoding — and gets lifecycle, reconnection, heartbeat
// pings, subscription tracking, and parse-error accounting from Conn. The
// single-socket-per-client discipline is strict: only the Conn's run goroutine
// reads the socket, and writes are serialized under a mutex.
package venue

import (
	"crossarb/pkg/types"
)

// Inbound is the tagged result of parsing one venue message. A message is
// exactly one of: a batch of price updates, a score update, an ack, a
// heartbeat echo, or an unknown (ignored) frame.
type Inbound struct {
	Kind    InboundKind
	Updates []types.PriceUpdate // set when Kind == InboundPrices
}

// InboundKind tags the variants of a parsed venue message.
type InboundKind int

const (
	InboundUnknown InboundKind = iota
	InboundPrices
	InboundScore
	InboundAck
	InboundHeartbeat
)

// Protocol is the venue-specific wire encoding. Implementations are pure:
// they build frames and parse messages, never touching the socket.
type Protocol interface {
	// SubscribeFrame builds one subscribe message for a batch of market IDs.
	// Conn chunks large sets so a batch never exceeds the venue's frame limit.
	SubscribeFrame(ids []string) any
	// UnsubscribeFrame builds one unsubscribe message for a batch of IDs.
	UnsubscribeFrame(ids []string) any
	// PingFrame returns the venue's application-level heartbeat payload, or
	// nil when the venue relies on transport pings only.
	PingFrame() any
	// Parse decodes one inbound message. A returned error counts toward the
	// parse-error ratio that can force a reconnect.
	Parse(data []byte) (Inbound, error)
}

// StateHandler observes client state transitions.
type StateHandler func(v types.Venue, from, to types.ConnState)

// StreamClient is the uniform surface the subscription manager and the worker
// operate against, regardless of venue.
type StreamClient interface {
	Venue() types.Venue

	// Connect starts the connection maintenance loop. It returns immediately;
	// the client dials, re-applies its subscription set, and begins parsing
	// in the background. Calling Connect on a DISABLED client is a no-op.
	Connect() error

	// Disconnect stops the loop, closes the socket, clears the in-memory
	// subscription set, and settles in IDLE.
	Disconnect()

	// SubscribeMarkets and UnsubscribeMarkets are idempotent over the set.
	SubscribeMarkets(ids []string) error
	UnsubscribeMarkets(ids []string) error

	Status() types.ConnectionStatus
	OnStateChange(h StateHandler)
}
