package transfer

import "time"

// Network constants
const (
	// DefaultDataPort is the default UDP port the QUIC reference transport listens on.
	DefaultDataPort = "8080"
	// DiscoveryPort is the UDP port used by the reference signaling adapter.
	DiscoveryPort = 8888
	// DiscoveryMsgPrefix tags a pairing-code rendezvous broadcast.
	DiscoveryMsgPrefix = "SONICSHARE_RENDEZVOUS:"
	// RendezvousReplyTimeout bounds how long a peer waits for a rendezvous reply.
	RendezvousReplyTimeout = 5 * time.Second
)

// Chunk size tiers, selected by the flow controller from measured RTT (spec §4.4).
const (
	ChunkSizeMin     = 128 * 1024
	ChunkSizeNominal = 256 * 1024
	ChunkSizeLAN     = 1024 * 1024
	ChunkSizeFiber   = 512 * 1024
	ChunkSizeMax     = 1024 * 1024
)

// Window size tiers, selected by step-wise RTT thresholds (spec §4.4).
const (
	WindowSizeLAN      = 64
	WindowSizeFiber    = 32
	WindowSizeBroadband = 16
	WindowSizeSlow     = 8
)

// RTT thresholds in milliseconds for the tiers above.
const (
	RTTThresholdLAN       = 50
	RTTThresholdFiber     = 100
	RTTThresholdBroadband = 200
)

// Backpressure thresholds (spec §6).
const (
	MaxBufferedBytes = 4 * 1024 * 1024
	LowBufferedBytes = 2 * 1024 * 1024
)

// Channel and batching defaults.
const (
	MinDataChannels  = 2
	MaxDataChannels  = 4
	SACKBatchSize    = 50
	SACKBatchTimeout = 100 * time.Millisecond
	ReorderCapFactor = 4
)

// Retry / timeout defaults (spec §5 and §6).
const (
	RetransmitBaseInterval = 1 * time.Second
	RetransmitBackoffCap   = 3
	RetransmitAbsoluteCap  = 10 * RetransmitBaseInterval
	SoftRetryLimit         = 5
	HardRetryLimit         = 50
	SessionInactivityLimit = 10 * time.Minute
	SignalingHeartbeat     = 30 * time.Second
	ControlKeepalive       = 5 * time.Second
)

// Token bucket defaults (spec §3, §4.4).
const (
	TokenBucketCapacity  = 50 * 1024 * 1024
	BootstrapFillRate    = 10 * 1024 * 1024
	StableFillRateTarget = 20 * 1024 * 1024
	MinRTTSamplesForFill = 5
)

// Integrity verification cap: files above this size may skip client-side hash
// verification (spec §4.2).
const VerifyHashSizeCap = 250 * 1024 * 1024

// Max in-flight chunk payload, also the ceiling the transport negotiates at
// the SDP level for a real WebRTC data channel (spec §6).
const MaxFramePayload = 16 * 1024 * 1024

// Transport buffer pool sizing, kept from the teacher's buffer_pool.go idiom.
const ChunkBufferSize = ChunkSizeNominal

// Stream / connection lifetime defaults, kept from the teacher's QUIC usage.
const (
	StreamTimeout       = 30 * time.Second
	ConnectionKeepalive = 15 * time.Second
)

// Protocol / TLS identity constants.
const (
	ProtocolVersion = "1.0"
	TLSServerName   = "sonicshare"
)

// TLS certificate constants, kept from the teacher's tls_config.go.
const (
	CertificateValidityDays = 365
	CertificateOrganization = "sonicshare"
)
