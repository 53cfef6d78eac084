package gateway

import (
	"runtime"
	"time"
)

const (
	// ProtocolVersion is the only gateway protocol version this client speaks.
	ProtocolVersion = 1

	// DefaultHandshakeTimeout bounds the connect request.
	DefaultHandshakeTimeout = 15 * time.Second

	connectMethod = "connect"
)

// Version is reported to the gateway in the handshake.
var Version = "0.1.0"

// Identity describes this client to the gateway.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Version     string `json:"version"`
	Platform    string `json:"platform"`
	Mode        string `json:"mode"`
}

func DefaultIdentity() Identity {
	return Identity{
		ID:          "clawgate",
		DisplayName: "Clawgate",
		Version:     Version,
		Platform:    runtime.GOOS,
		Mode:        "backend",
	}
}

type ConnectAuth struct {
	Token string `json:"token"`
}

// ConnectParams are the params of the connect request that opens every connection.
type ConnectParams struct {
	MinProtocol int         `json:"minProtocol"`
	MaxProtocol int         `json:"maxProtocol"`
	Client      Identity    `json:"client"`
	Caps        []string    `json:"caps"`
	Auth        ConnectAuth `json:"auth"`
	Role        string      `json:"role"`
	Scopes      []string    `json:"scopes"`
}

func newConnectParams(id Identity, token string) ConnectParams {
	return ConnectParams{
		MinProtocol: ProtocolVersion,
		MaxProtocol: ProtocolVersion,
		Client:      id,
		Caps:        []string{"chat", "agent"},
		Auth:        ConnectAuth{Token: token},
		Role:        "operator",
		Scopes:      []string{"operator.admin"},
	}
}
