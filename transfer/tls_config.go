package transfer

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"time"
)

// TLSManager holds the self-signed server/client TLS configs for one
// pairing session. Unlike the teacher's TLSManager (one process-wide,
// org-only certificate), the certificate's CommonName carries the pairing
// code the session was established under, so a QUIC handshake log line
// identifies which rendezvous it belongs to without needing the control
// channel's own METADATA message.
type TLSManager struct {
	serverConfig *tls.Config
	clientConfig *tls.Config
	pairingCode  string
}

// NewTLSManager creates a TLS manager scoped to pairingCode, generating a
// fresh self-signed certificate. pairingCode may be empty (e.g. for tests
// or the fallback path below), in which case the certificate just carries
// the bare organization name.
func NewTLSManager(pairingCode string) (*TLSManager, error) {
	serverConfig, err := generateServerTLSConfig(pairingCode)
	if err != nil {
		return nil, fmt.Errorf("%w: generate server config: %v", ErrTLSConfiguration, err)
	}

	return &TLSManager{
		serverConfig: serverConfig,
		clientConfig: createClientTLSConfig(),
		pairingCode:  pairingCode,
	}, nil
}

// GetServerConfig returns the TLS configuration for server connections.
func (tm *TLSManager) GetServerConfig() *tls.Config {
	return tm.serverConfig
}

// GetClientConfig returns the TLS configuration for client connections.
func (tm *TLSManager) GetClientConfig() *tls.Config {
	return tm.clientConfig
}

// PairingCode returns the pairing code this manager's certificate was
// scoped to, for logging/diagnostics.
func (tm *TLSManager) PairingCode() string {
	return tm.pairingCode
}

// commonNameFor builds the certificate's CommonName from a pairing code,
// falling back to the bare organization name when no code is known yet.
func commonNameFor(pairingCode string) string {
	if pairingCode == "" {
		return CertificateOrganization
	}
	return CertificateOrganization + "-" + pairingCode
}

// generateServerTLSConfig creates a self-signed certificate for QUIC server
// connections, scoped to pairingCode via its CommonName.
func generateServerTLSConfig(pairingCode string) (*tls.Config, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	notBefore := time.Now()
	notAfter := notBefore.Add(time.Duration(CertificateValidityDays) * 24 * time.Hour)

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{CertificateOrganization},
			CommonName:   commonNameFor(pairingCode),
		},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, err
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})

	cert, err := tls.X509KeyPair(certPEM, privPEM)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{TLSServerName},
	}, nil
}

// createClientTLSConfig trusts any self-signed certificate the peer
// presents: the pairing code itself, not a certificate chain, is this
// engine's trust anchor (spec's Non-goals exclude peer-identity
// authentication beyond possessing the code).
func createClientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{TLSServerName},
	}
}

// Global TLS manager instance, scoped to whichever pairing code the
// current process is running a transfer under.
var globalTLSManager *TLSManager

// InitializeTLS initializes the global TLS manager for pairingCode. Called
// once the CLI has parsed its pairing-code argument (see main.go), not at
// process start, since the certificate's CommonName depends on it.
func InitializeTLS(pairingCode string) error {
	tm, err := NewTLSManager(pairingCode)
	if err != nil {
		return err
	}
	globalTLSManager = tm
	return nil
}

// String implements fmt.Stringer for log lines that print the manager.
func (tm *TLSManager) String() string {
	return fmt.Sprintf("TLSManager(pairingCode=%q)", tm.pairingCode)
}

// GetServerTLSConfig returns the global server TLS configuration.
func GetServerTLSConfig() *tls.Config {
	if globalTLSManager == nil {
		config, err := generateServerTLSConfig("")
		if err != nil {
			return nil
		}
		return config
	}
	return globalTLSManager.GetServerConfig()
}

// GetClientTLSConfig returns the global client TLS configuration.
func GetClientTLSConfig() *tls.Config {
	if globalTLSManager == nil {
		return createClientTLSConfig()
	}
	return globalTLSManager.GetClientConfig()
}
