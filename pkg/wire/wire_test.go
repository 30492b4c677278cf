package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bitchan/pkg/model"
)

func TestReadMessage_StreamOfFrames(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, Message{Command: CmdPing}))
	require.NoError(t, WriteMessage(&buf, Message{Command: CmdError, Payload: EncodeError(Error{Text: "hi"})}))

	msg, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, CmdPing, msg.Command)
	assert.Empty(t, msg.Payload)

	msg, err = ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, CmdError, msg.Command)
	e, err := DecodeError(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, "hi", e.Text)
}

func TestDecode_RejectsCorruptFrames(t *testing.T) {
	frame, err := Encode(Message{Command: CmdInv, Payload: []byte{0}})
	require.NoError(t, err)

	bad := append([]byte(nil), frame...)
	bad[0] = 0
	_, err = Decode(bad)
	assert.True(t, errors.Is(err, ErrBadMagic))

	bad = append([]byte(nil), frame...)
	bad[len(bad)-1] = 7
	_, err = Decode(bad)
	assert.True(t, errors.Is(err, ErrChecksum))

	_, err = Decode(frame[:HeaderSize])
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestVarInt_Boundaries(t *testing.T) {
	for _, v := range []uint64{0, 0xfc, 0xfd, 0xffff, 0x10000, 0xffffffff, 0x100000000} {
		d := &decoder{b: appendVarInt(nil, v)}
		assert.Equal(t, v, d.varInt())
		assert.NoError(t, d.err)
		assert.Empty(t, d.b)
	}

	d := &decoder{b: []byte{0xfd, 0x00, 0x10}}
	d.varInt()
	assert.True(t, errors.Is(d.err, ErrMalformed), "non-minimal encoding must be rejected")
}

func TestAddr_SkipsHostnamesAndKeepsIPv6(t *testing.T) {
	payload, err := EncodeAddr([]model.KnownNode{
		{Host: "5.45.99.75", Port: 8444, Stream: 1, Services: 1, LastActive: 1700000000},
		{Host: "bootstrap8444.bitmessage.org", Port: 8444, Stream: 1},
		{Host: "2001:db8::1", Port: 8080, Stream: 2, Services: 3, LastActive: 1700000001},
	})
	require.NoError(t, err)

	nodes, err := DecodeAddr(payload)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, model.KnownNode{Host: "5.45.99.75", Port: 8444, Stream: 1, Services: 1, LastActive: 1700000000}, nodes[0])
	assert.Equal(t, "2001:db8::1", nodes[1].Host)
	assert.EqualValues(t, 2, nodes[1].Stream)
}

func TestInv_CountLimit(t *testing.T) {
	_, err := EncodeInv(make([]model.Vector, MaxInvCount+1))
	assert.Error(t, err)

	payload, err := EncodeInv(make([]model.Vector, MaxInvCount))
	require.NoError(t, err)
	frame, err := Encode(Message{Command: CmdInv, Payload: payload})
	require.NoError(t, err, "a full inv must fit in one frame")
	msg, err := Decode(frame)
	require.NoError(t, err)
	vectors, err := DecodeInv(msg.Payload)
	require.NoError(t, err)
	assert.Len(t, vectors, MaxInvCount)

	_, err = DecodeInv(payload[:len(payload)-1])
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestVersion_Handshake(t *testing.T) {
	v := Version{
		ProtocolVersion: ProtocolVersion,
		Services:        model.ServiceNodeNetwork,
		Timestamp:       1700000000,
		RemoteHost:      "10.0.0.2",
		RemotePort:      8444,
		ListenPort:      18444,
		Nonce:           42,
		UserAgent:       "/bitchan:0.1.0/",
		Streams:         []uint32{1},
	}
	got, err := DecodeVersion(EncodeVersion(v))
	require.NoError(t, err)
	assert.Equal(t, v, got)
}

func TestObjectHeader(t *testing.T) {
	payload := EncodeObject(ObjectHeader{Nonce: 9, ExpiresTime: 1700003600, Type: 2, Version: 1, Stream: 1}, []byte("body"))
	h, err := DecodeObjectHeader(payload)
	require.NoError(t, err)
	assert.EqualValues(t, 1700003600, h.ExpiresTime)
	assert.EqualValues(t, 1, h.Stream)
	assert.EqualValues(t, 2, h.Type)

	_, err = DecodeObjectHeader(payload[:10])
	assert.Error(t, err)
}
