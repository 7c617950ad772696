package transfer

import "fmt"

// Error types for better error handling and debugging.
var (
	// Network and connection errors
	ErrConnectionFailed  = fmt.Errorf("connection failed")
	ErrConnectionTimeout = fmt.Errorf("connection timeout")
	ErrConnectionClosed  = fmt.Errorf("connection closed")
	ErrAddressResolution = fmt.Errorf("address resolution failed")

	// File operation errors
	ErrFileNotFound      = fmt.Errorf("file not found")
	ErrFileAccessDenied  = fmt.Errorf("file access denied")
	ErrInsufficientSpace = fmt.Errorf("insufficient disk space")

	// Framing errors (spec §7)
	ErrFrameTooShort      = fmt.Errorf("frame header too short")
	ErrFrameLengthMismatch = fmt.Errorf("frame length mismatch")
	ErrChecksumMismatch   = fmt.Errorf("checksum mismatch")

	// Crypto errors (spec §4.2, §7)
	ErrDecryptionFailed  = fmt.Errorf("AEAD decryption failed")
	ErrNonceSpaceExhausted = fmt.Errorf("sequence number exceeds nonce space")
	ErrSharedKeyMissing  = fmt.Errorf("shared key not established")

	// Transfer errors
	ErrTransferInterrupted = fmt.Errorf("transfer interrupted")
	ErrChunkMissing        = fmt.Errorf("chunk missing")
	ErrTransferRejected    = fmt.Errorf("transfer rejected")
	ErrIntegrityMismatch   = fmt.Errorf("integrity hash mismatch")
	ErrPeerUnresponsive    = fmt.Errorf("peer unresponsive")

	// Protocol errors
	ErrInvalidMessage     = fmt.Errorf("invalid message")
	ErrUnsupportedVersion = fmt.Errorf("unsupported protocol version")

	// Signaling / session errors
	ErrSignalingTimeout = fmt.Errorf("signaling rendezvous timed out")
	ErrNoPeersFound     = fmt.Errorf("no peers found")
	ErrSessionExpired   = fmt.Errorf("session expired")
	ErrInvalidState     = fmt.Errorf("invalid session state transition")

	// TLS/Security errors
	ErrTLSConfiguration = fmt.Errorf("TLS configuration error")
)

// TransferError represents a transfer-specific error with context.
type TransferError struct {
	Type        error
	Filename    string
	PeerAddress string
	Seq         int64
	Reason      string
}

// Error implements the error interface.
func (te *TransferError) Error() string {
	if te.Seq >= 0 {
		return fmt.Sprintf("transfer error for file '%s' to %s (seq %d): %v: %s",
			te.Filename, te.PeerAddress, te.Seq, te.Type, te.Reason)
	}
	return fmt.Sprintf("transfer error for file '%s' to %s: %v: %s",
		te.Filename, te.PeerAddress, te.Type, te.Reason)
}

// Unwrap returns the underlying error type.
func (te *TransferError) Unwrap() error {
	return te.Type
}

// NewTransferError creates a new transfer error with context. Pass seq < 0
// when the error isn't tied to a specific sequence number.
func NewTransferError(errType error, filename, peerAddress string, seq int64, reason string) *TransferError {
	return &TransferError{
		Type:        errType,
		Filename:    filename,
		PeerAddress: peerAddress,
		Seq:         seq,
		Reason:      reason,
	}
}

// IsTransferError checks if an error is a TransferError.
func IsTransferError(err error) bool {
	_, ok := err.(*TransferError)
	return ok
}
