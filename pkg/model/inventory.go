package model

import (
	"crypto/sha512"
	"encoding/hex"
	"time"
)

// VectorSize is the length of an inventory vector in bytes.
const VectorSize = 32

// Vector is the content hash identifying one inventory object.
type Vector [VectorSize]byte

func (v Vector) String() string { return hex.EncodeToString(v[:]) }

// VectorOf computes the inventory vector of a raw object payload: the first
// 32 bytes of SHA-512(SHA-512(payload)).
func VectorOf(payload []byte) Vector {
	first := sha512.Sum512(payload)
	second := sha512.Sum512(first[:])
	var v Vector
	copy(v[:], second[:VectorSize])
	return v
}

// InventoryObject is a stored protocol object. Payload holds the full object
// message payload (nonce included) exactly as received.
type InventoryObject struct {
	Vector      Vector
	Payload     []byte
	Stream      uint32
	ObjectType  uint32
	ExpiresTime int64
}

func (o InventoryObject) Expires() time.Time {
	return time.Unix(o.ExpiresTime, 0)
}

// Expired reports whether the object is expired at now.
func (o InventoryObject) Expired(now time.Time) bool {
	return o.ExpiresTime <= now.Unix()
}
