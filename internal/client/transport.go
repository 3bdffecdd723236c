package client

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/partyline-chat/partyline/internal/config"
	"github.com/partyline-chat/partyline/internal/mumble"
)

const (
	dialTimeout = 10 * time.Second

	// A server that goes quiet for this long on the control channel is
	// considered gone.
	controlIdleTimeout = 30 * time.Second
)

// transport bundles the two sockets of one session: the TLS control
// stream and the UDP voice socket. Writes are serialized; reads belong to
// the session's reader goroutines.
type transport struct {
	tlsConn *tls.Conn
	udpConn *net.UDPConn

	writeMu sync.Mutex
}

// dialTransport opens both legs toward the endpoint. UDP "connects" in
// the datagram sense only; reachability is proven later by ping echo.
func dialTransport(server config.Server, pinnedFingerprint string) (*transport, error) {
	address := net.JoinHostPort(server.Host, strconv.Itoa(server.Port))

	tlsConfig := &tls.Config{
		ServerName: server.Host,
	}
	if server.AllowInsecureTLS {
		tlsConfig.InsecureSkipVerify = true
	} else if pinnedFingerprint != "" {
		// Self-signed certificates are accepted when they match the pinned
		// fingerprint from a previous session.
		tlsConfig.InsecureSkipVerify = true
		tlsConfig.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return fmt.Errorf("server presented no certificate")
			}
			fingerprint := CertFingerprint(rawCerts[0])
			if fingerprint != pinnedFingerprint {
				return fmt.Errorf("certificate fingerprint %s does not match pinned %s", fingerprint, pinnedFingerprint)
			}
			return nil
		}
	}

	dialer := &net.Dialer{Timeout: dialTimeout}
	tlsConn, err := tls.DialWithDialer(dialer, "tcp", address, tlsConfig)
	if err != nil {
		return nil, &transportError{reason: "tls connect failed", err: err}
	}

	udpAddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		tlsConn.Close()
		return nil, &transportError{reason: "resolve udp address", err: err}
	}
	udpConn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		// No UDP is not fatal: voice falls back to the TCP tunnel.
		udpConn = nil
	}

	return &transport{tlsConn: tlsConn, udpConn: udpConn}, nil
}

// CertFingerprint is the hex SHA-256 of a DER certificate, the pinning
// format the engine holds in memory for the process lifetime.
func CertFingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// sendControl writes one typed control message.
func (t *transport) sendControl(frameType uint16, payload []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return mumble.WriteControlFrame(t.tlsConn, frameType, payload)
}

// readControl reads the next control frame, bounded by the idle timeout.
func (t *transport) readControl() (mumble.ControlFrame, error) {
	if err := t.tlsConn.SetReadDeadline(time.Now().Add(controlIdleTimeout)); err != nil {
		return mumble.ControlFrame{}, err
	}
	return mumble.ReadControlFrame(t.tlsConn)
}

// sendUDP writes one datagram; the caller has already encrypted it.
func (t *transport) sendUDP(datagram []byte) error {
	if t.udpConn == nil {
		return &transportError{reason: "udp socket unavailable"}
	}
	_, err := t.udpConn.Write(datagram)
	return err
}

// readUDP blocks for the next datagram.
func (t *transport) readUDP(buf []byte) (int, error) {
	if t.udpConn == nil {
		return 0, &transportError{reason: "udp socket unavailable"}
	}
	return t.udpConn.Read(buf)
}

// peerCertificate returns the server's leaf certificate in DER form.
func (t *transport) peerCertificate() []byte {
	state := t.tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil
	}
	return state.PeerCertificates[0].Raw
}

// close tears both sockets down, unblocking any readers.
func (t *transport) close() {
	t.tlsConn.Close()
	if t.udpConn != nil {
		t.udpConn.Close()
	}
}
