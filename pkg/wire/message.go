// Package wire implements the framed message codec spoken between nodes.
// All integers are big-endian.
package wire

import (
	"bytes"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	Magic      uint32 = 0xE9BEB4D9
	HeaderSize        = 24
	// MaxPayloadLength fits an inv of MaxInvCount vectors.
	MaxPayloadLength = 1600100
	commandSize      = 12
)

var (
	ErrBadMagic        = errors.New("wire: bad magic")
	ErrChecksum        = errors.New("wire: checksum mismatch")
	ErrPayloadTooLarge = errors.New("wire: payload too large")
	ErrMalformed       = errors.New("wire: malformed payload")
)

// Command names a protocol message.
type Command string

const (
	CmdVersion Command = "version"
	CmdVerack  Command = "verack"
	CmdAddr    Command = "addr"
	CmdInv     Command = "inv"
	CmdGetdata Command = "getdata"
	CmdObject  Command = "object"
	CmdPing    Command = "ping"
	CmdPong    Command = "pong"
	CmdError   Command = "error"
)

// Message is one decoded frame. Payload is left encoded; use the Decode*
// helpers for the command-specific layout.
type Message struct {
	Command Command
	Payload []byte
}

func checksum(payload []byte) [4]byte {
	sum := sha512.Sum512(payload)
	var out [4]byte
	copy(out[:], sum[:4])
	return out
}

// Encode frames msg with the 24-byte header.
func Encode(msg Message) ([]byte, error) {
	if len(msg.Command) > commandSize {
		return nil, fmt.Errorf("wire: command %q too long", msg.Command)
	}
	if len(msg.Payload) > MaxPayloadLength {
		return nil, ErrPayloadTooLarge
	}
	buf := make([]byte, HeaderSize+len(msg.Payload))
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	copy(buf[4:4+commandSize], msg.Command)
	binary.BigEndian.PutUint32(buf[16:20], uint32(len(msg.Payload)))
	sum := checksum(msg.Payload)
	copy(buf[20:24], sum[:])
	copy(buf[HeaderSize:], msg.Payload)
	return buf, nil
}

type header struct {
	command Command
	length  uint32
	sum     [4]byte
}

func parseHeader(b []byte) (header, error) {
	if binary.BigEndian.Uint32(b[0:4]) != Magic {
		return header{}, ErrBadMagic
	}
	h := header{
		command: Command(bytes.TrimRight(b[4:4+commandSize], "\x00")),
		length:  binary.BigEndian.Uint32(b[16:20]),
	}
	copy(h.sum[:], b[20:24])
	if h.length > MaxPayloadLength {
		return header{}, ErrPayloadTooLarge
	}
	return h, nil
}

// Decode parses exactly one frame held in b.
func Decode(b []byte) (Message, error) {
	if len(b) < HeaderSize {
		return Message{}, io.ErrUnexpectedEOF
	}
	h, err := parseHeader(b[:HeaderSize])
	if err != nil {
		return Message{}, err
	}
	payload := b[HeaderSize:]
	if uint32(len(payload)) != h.length {
		return Message{}, fmt.Errorf("%w: length %d, header says %d", ErrMalformed, len(payload), h.length)
	}
	if checksum(payload) != h.sum {
		return Message{}, ErrChecksum
	}
	return Message{Command: h.command, Payload: payload}, nil
}

// ReadMessage reads one frame from a byte stream.
func ReadMessage(r io.Reader) (Message, error) {
	var hb [HeaderSize]byte
	if _, err := io.ReadFull(r, hb[:]); err != nil {
		return Message{}, err
	}
	h, err := parseHeader(hb[:])
	if err != nil {
		return Message{}, err
	}
	payload := make([]byte, h.length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Message{}, err
	}
	if checksum(payload) != h.sum {
		return Message{}, ErrChecksum
	}
	return Message{Command: h.command, Payload: payload}, nil
}

// WriteMessage frames msg and writes it in one call.
func WriteMessage(w io.Writer, msg Message) error {
	b, err := Encode(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
