package transfer

import "context"

// DataChannel is the capability a transport must expose to carry DATA/SACK/FEC
// frames. Defined as a pure interface — not a concrete struct — because the
// real WebRTC data channel this engine runs over in production is an
// out-of-scope collaborator (spec §6); the engine only ever depends on this
// contract, never on a specific transport package. quic_channel.go supplies
// one concrete, exercisable implementation for tests and local use.
type DataChannel interface {
	SendFrame(frame []byte) error
	OnFrame(handler func(frame []byte))
	BufferedAmount() int64
	BufferedAmountLow() <-chan struct{}
	Close() error
}

// ControlChannel carries control-channel frames (METADATA, KEY, HASH, etc).
// Kept distinct from DataChannel because spec §6 treats the control channel
// and the data channels as separately negotiated WebRTC data channels with
// different reliability/ordering settings.
type ControlChannel interface {
	SendFrame(frame []byte) error
	OnFrame(handler func(frame []byte))
	Close() error
}

// SignalingClient is the capability needed to discover a peer and exchange
// session descriptions before any data/control channel exists. The real
// signaling server is out-of-scope (spec §6); signaling.go supplies a LAN
// rendezvous adapter for local pairing-code use.
type SignalingClient interface {
	Announce(ctx context.Context, pairingCode string) error
	WaitForPeer(ctx context.Context, pairingCode string) (PeerDescriptor, error)
	Close() error
}

// PeerDescriptor is the address/connection information a SignalingClient
// resolves a pairing code to.
type PeerDescriptor struct {
	Address string
	Port    int
}

// ChannelSet load-balances outbound data frames across multiple DataChannel
// instances (spec §6: "a session may negotiate more than one data
// channel"). Selection skips closed or over-buffered channels and
// tie-breaks on least-buffered, round-robin otherwise — grounded on the
// send-selector pattern from the multipath example's path scheduler, here
// collapsed to buffered-amount instead of per-path RTT/loss scoring since
// ordering across channels is the receiver's job, not the transport's.
type ChannelSet struct {
	channels []DataChannel
	closed   []bool
	next     int
}

// NewChannelSet wraps a fixed set of data channels for round-robin dispatch.
func NewChannelSet(channels []DataChannel) *ChannelSet {
	return &ChannelSet{channels: channels, closed: make([]bool, len(channels))}
}

// MarkClosed excludes a channel (by index) from future selection, e.g. after
// a send error.
func (cs *ChannelSet) MarkClosed(i int) {
	if i >= 0 && i < len(cs.closed) {
		cs.closed[i] = true
	}
}

// Select returns the index and channel to send the next frame on, or -1 if
// every channel is closed or over the buffered-amount ceiling.
func (cs *ChannelSet) Select() (int, DataChannel) {
	n := len(cs.channels)
	if n == 0 {
		return -1, nil
	}

	bestIdx := -1
	var bestBuffered int64 = -1

	for step := 0; step < n; step++ {
		i := (cs.next + step) % n
		if cs.closed[i] {
			continue
		}
		buffered := cs.channels[i].BufferedAmount()
		if buffered >= MaxBufferedBytes {
			continue
		}
		if bestIdx == -1 || buffered < bestBuffered {
			bestIdx = i
			bestBuffered = buffered
		}
		if buffered <= LowBufferedBytes {
			cs.next = (i + 1) % n
			return i, cs.channels[i]
		}
	}

	if bestIdx == -1 {
		return -1, nil
	}
	cs.next = (bestIdx + 1) % n
	return bestIdx, cs.channels[bestIdx]
}

// Len returns the number of channels in the set, open or closed.
func (cs *ChannelSet) Len() int {
	return len(cs.channels)
}

// Close closes every non-closed channel in the set.
func (cs *ChannelSet) Close() {
	for i, ch := range cs.channels {
		if !cs.closed[i] {
			ch.Close()
			cs.closed[i] = true
		}
	}
}
