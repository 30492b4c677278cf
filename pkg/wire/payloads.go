package wire

import (
	"encoding/binary"
	"fmt"
	"net"

	"bitchan/pkg/model"
)

const (
	ProtocolVersion = 3
	MaxAddrCount    = 1000
	MaxInvCount     = 50000
	maxUserAgent    = 5000
	maxStreams      = 160000
	maxErrorText    = 10000
)

// Version is the handshake payload.
type Version struct {
	ProtocolVersion int32
	Services        uint64
	Timestamp       int64
	RemoteHost      string
	RemotePort      uint16
	// ListenPort is the port the sender accepts connections on.
	ListenPort uint16
	Nonce      uint64
	UserAgent  string
	Streams    []uint32
}

func appendIP(b []byte, host string) ([]byte, error) {
	ip := net.ParseIP(host).To16()
	if ip == nil {
		return b, fmt.Errorf("wire: %q is not an IP address", host)
	}
	return append(b, ip...), nil
}

func decodeIP(raw []byte) string {
	ip := net.IP(raw)
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}

func EncodeVersion(v Version) []byte {
	b := make([]byte, 0, 128)
	b = binary.BigEndian.AppendUint32(b, uint32(v.ProtocolVersion))
	b = binary.BigEndian.AppendUint64(b, v.Services)
	b = binary.BigEndian.AppendUint64(b, uint64(v.Timestamp))
	// addr_recv
	b = binary.BigEndian.AppendUint64(b, v.Services)
	remote := v.RemoteHost
	if net.ParseIP(remote) == nil {
		remote = "127.0.0.1"
	}
	b, _ = appendIP(b, remote)
	b = binary.BigEndian.AppendUint16(b, v.RemotePort)
	// addr_from
	b = binary.BigEndian.AppendUint64(b, v.Services)
	b, _ = appendIP(b, "127.0.0.1")
	b = binary.BigEndian.AppendUint16(b, v.ListenPort)
	b = binary.BigEndian.AppendUint64(b, v.Nonce)
	b = appendVarStr(b, []byte(v.UserAgent))
	b = appendVarInt(b, uint64(len(v.Streams)))
	for _, s := range v.Streams {
		b = appendVarInt(b, uint64(s))
	}
	return b
}

func DecodeVersion(payload []byte) (Version, error) {
	d := &decoder{b: payload}
	var v Version
	v.ProtocolVersion = int32(d.uint32())
	v.Services = d.uint64()
	v.Timestamp = int64(d.uint64())
	d.uint64()
	v.RemoteHost = decodeIP(d.take(16))
	v.RemotePort = d.uint16()
	d.uint64()
	d.take(16)
	v.ListenPort = d.uint16()
	v.Nonce = d.uint64()
	v.UserAgent = string(d.varStr(maxUserAgent))
	n := d.count(maxStreams)
	for i := 0; i < n && d.err == nil; i++ {
		v.Streams = append(v.Streams, uint32(d.varInt()))
	}
	if d.err != nil {
		return Version{}, fmt.Errorf("version: %w", d.err)
	}
	return v, nil
}

// EncodeAddr encodes known nodes as net_addr entries. Nodes whose host is not
// an IP address are skipped.
func EncodeAddr(nodes []model.KnownNode) ([]byte, error) {
	if len(nodes) > MaxAddrCount {
		return nil, fmt.Errorf("addr: %d entries exceeds %d", len(nodes), MaxAddrCount)
	}
	body := make([]byte, 0, len(nodes)*38)
	count := 0
	for _, n := range nodes {
		if net.ParseIP(n.Host) == nil {
			continue
		}
		body = binary.BigEndian.AppendUint64(body, uint64(n.LastActive))
		body = binary.BigEndian.AppendUint32(body, n.Stream)
		body = binary.BigEndian.AppendUint64(body, n.Services)
		body, _ = appendIP(body, n.Host)
		body = binary.BigEndian.AppendUint16(body, n.Port)
		count++
	}
	b := appendVarInt(make([]byte, 0, len(body)+3), uint64(count))
	return append(b, body...), nil
}

func DecodeAddr(payload []byte) ([]model.KnownNode, error) {
	d := &decoder{b: payload}
	n := d.count(MaxAddrCount)
	out := make([]model.KnownNode, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		var node model.KnownNode
		node.LastActive = int64(d.uint64())
		node.Stream = d.uint32()
		node.Services = d.uint64()
		node.Host = decodeIP(d.take(16))
		node.Port = d.uint16()
		out = append(out, node)
	}
	if d.err != nil {
		return nil, fmt.Errorf("addr: %w", d.err)
	}
	return out, nil
}

// EncodeInv encodes an inv or getdata payload.
func EncodeInv(vectors []model.Vector) ([]byte, error) {
	if len(vectors) > MaxInvCount {
		return nil, fmt.Errorf("inv: %d vectors exceeds %d", len(vectors), MaxInvCount)
	}
	b := appendVarInt(make([]byte, 0, 5+len(vectors)*model.VectorSize), uint64(len(vectors)))
	for _, v := range vectors {
		b = append(b, v[:]...)
	}
	return b, nil
}

// DecodeInv decodes an inv or getdata payload.
func DecodeInv(payload []byte) ([]model.Vector, error) {
	d := &decoder{b: payload}
	n := d.count(MaxInvCount)
	out := make([]model.Vector, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		var v model.Vector
		copy(v[:], d.take(model.VectorSize))
		out = append(out, v)
	}
	if d.err != nil {
		return nil, fmt.Errorf("inv: %w", d.err)
	}
	return out, nil
}

// Error is the payload of an error message.
type Error struct {
	Fatal   uint64
	BanTime uint64
	Vector  []byte
	Text    string
}

func EncodeError(e Error) []byte {
	b := appendVarInt(nil, e.Fatal)
	b = appendVarInt(b, e.BanTime)
	b = appendVarStr(b, e.Vector)
	return appendVarStr(b, []byte(e.Text))
}

func DecodeError(payload []byte) (Error, error) {
	d := &decoder{b: payload}
	e := Error{
		Fatal:   d.varInt(),
		BanTime: d.varInt(),
		Vector:  d.varStr(model.VectorSize),
		Text:    string(d.varStr(maxErrorText)),
	}
	if d.err != nil {
		return Error{}, fmt.Errorf("error: %w", d.err)
	}
	return e, nil
}

// ObjectHeader holds the leading fields of an object payload.
type ObjectHeader struct {
	Nonce       uint64
	ExpiresTime int64
	Type        uint32
	Version     uint64
	Stream      uint64
}

// EncodeObject builds an object payload from its header and body.
func EncodeObject(h ObjectHeader, body []byte) []byte {
	b := make([]byte, 0, 30+len(body))
	b = binary.BigEndian.AppendUint64(b, h.Nonce)
	b = binary.BigEndian.AppendUint64(b, uint64(h.ExpiresTime))
	b = binary.BigEndian.AppendUint32(b, h.Type)
	b = appendVarInt(b, h.Version)
	b = appendVarInt(b, h.Stream)
	return append(b, body...)
}

func DecodeObjectHeader(payload []byte) (ObjectHeader, error) {
	d := &decoder{b: payload}
	h := ObjectHeader{
		Nonce:       d.uint64(),
		ExpiresTime: int64(d.uint64()),
		Type:        d.uint32(),
		Version:     d.varInt(),
		Stream:      d.varInt(),
	}
	if d.err != nil {
		return ObjectHeader{}, fmt.Errorf("object: %w", d.err)
	}
	return h, nil
}
