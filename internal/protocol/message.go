package protocol

import (
	"encoding/json"
	"strings"
)

// Command defines the control-channel command set. The set is closed:
// anything else arriving on the control channel is ignored by the session.
type Command string

const (
	CommandSecureInit Command = "SECURE_INIT"
	CommandSecureAck  Command = "SECURE_ACK"
	CommandTunnel     Command = "TUNNEL"
	CommandNewConn    Command = "NEWCONN"
	CommandHeartbeat  Command = "HEARTBEAT"
)

const (
	StatusOK  = "OK"
	StatusErr = "ERR"
)

// Message is the envelope for server-to-client control messages.
// Only the fields belonging to the message's command are populated.
type Message struct {
	Command         Command         `json:"command,omitempty"`
	Status          string          `json:"status,omitempty"`
	Error           string          `json:"error,omitempty"`
	ServerPublicKey string          `json:"server_public_key,omitempty"`
	PublicAddr      string          `json:"public_addr,omitempty"`
	ConnID          string          `json:"conn_id,omitempty"`
	DataAddr        string          `json:"data_addr,omitempty"`
	Raw             json.RawMessage `json:"-"` // Original raw message for debugging
}

// SecureInit is the client handshake opener carrying the ephemeral public key.
type SecureInit struct {
	Command         Command `json:"command"`
	ClientPublicKey string  `json:"client_public_key"`
}

// TunnelRequest asks the relay to open a public endpoint for the local service.
// Ports travel as decimal strings on the wire.
type TunnelRequest struct {
	Command    Command `json:"command"`
	LocalPort  string  `json:"local_port"`
	Domain     string  `json:"domain"`
	RemotePort string  `json:"remote_port"`
	Token      string  `json:"token"`
	Protocol   string  `json:"protocol"`
}

// NewSecureInit creates the handshake opener for the given base64 public key.
func NewSecureInit(clientPublicKey string) *SecureInit {
	return &SecureInit{
		Command:         CommandSecureInit,
		ClientPublicKey: clientPublicKey,
	}
}

// NewTunnelRequest creates a tunnel request.
func NewTunnelRequest(localPort, domain, remotePort, token, proto string) *TunnelRequest {
	return &TunnelRequest{
		Command:    CommandTunnel,
		LocalPort:  localPort,
		Domain:     domain,
		RemotePort: remotePort,
		Token:      token,
		Protocol:   proto,
	}
}

// ParseMessage parses a raw JSON control message into a Message struct.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	msg.Raw = data
	return &msg, nil
}

// OK reports whether the message carries a success status.
func (m *Message) OK() bool {
	return m.Status == StatusOK
}

// AuthFailure reports whether the error text is auth-related.
// The relay signals bad credentials with messages like "Invalid Token".
func (m *Message) AuthFailure() bool {
	return strings.Contains(strings.ToLower(m.Error), "token")
}
