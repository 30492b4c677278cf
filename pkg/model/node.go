package model

import (
	"net"
	"strconv"
)

// Service bits advertised in version and addr messages.
const (
	ServiceNodeNetwork uint64 = 1 << 0
	ServiceNodeGateway uint64 = 1 << 1
)

// NodeKey identifies a known node record.
type NodeKey struct {
	Host   string
	Port   uint16
	Stream uint32
}

// KnownNode is a peer directory entry describing a potential connection target.
// LastActive is a unix timestamp in seconds; zero marks a node that was never
// seen alive (hardcoded or DNS bootstrap) and therefore is never advertised.
type KnownNode struct {
	Host       string `json:"host" gorm:"primaryKey;size:255"`
	Port       uint16 `json:"port" gorm:"primaryKey;autoIncrement:false"`
	Stream     uint32 `json:"stream" gorm:"primaryKey;autoIncrement:false;index"`
	Services   uint64 `json:"services"`
	LastActive int64  `json:"lastActive" gorm:"index"`
}

func (KnownNode) TableName() string { return "known_nodes" }

func (n KnownNode) Key() NodeKey {
	return NodeKey{Host: n.Host, Port: n.Port, Stream: n.Stream}
}

// Addr formats host:port for dialing.
func (n KnownNode) Addr() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(int(n.Port)))
}
