package wire

import (
	"encoding/binary"
	"fmt"
)

// appendVarInt appends the var_int encoding of v.
func appendVarInt(b []byte, v uint64) []byte {
	switch {
	case v < 0xfd:
		return append(b, byte(v))
	case v <= 0xffff:
		b = append(b, 0xfd)
		return binary.BigEndian.AppendUint16(b, uint16(v))
	case v <= 0xffffffff:
		b = append(b, 0xfe)
		return binary.BigEndian.AppendUint32(b, uint32(v))
	default:
		b = append(b, 0xff)
		return binary.BigEndian.AppendUint64(b, v)
	}
}

func appendVarStr(b []byte, s []byte) []byte {
	b = appendVarInt(b, uint64(len(s)))
	return append(b, s...)
}

// decoder reads fixed and variable length fields; the first failure sticks.
type decoder struct {
	b   []byte
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.b) < n {
		d.err = fmt.Errorf("%w: need %d bytes, have %d", ErrMalformed, n, len(d.b))
		return nil
	}
	out := d.b[:n]
	d.b = d.b[n:]
	return out
}

func (d *decoder) uint16() uint16 {
	if b := d.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (d *decoder) uint32() uint32 {
	if b := d.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) uint64() uint64 {
	if b := d.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (d *decoder) varInt() uint64 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	var v uint64
	switch b[0] {
	case 0xfd:
		v = uint64(d.uint16())
		if d.err == nil && v < 0xfd {
			d.err = fmt.Errorf("%w: non-minimal var_int", ErrMalformed)
		}
	case 0xfe:
		v = uint64(d.uint32())
		if d.err == nil && v <= 0xffff {
			d.err = fmt.Errorf("%w: non-minimal var_int", ErrMalformed)
		}
	case 0xff:
		v = d.uint64()
		if d.err == nil && v <= 0xffffffff {
			d.err = fmt.Errorf("%w: non-minimal var_int", ErrMalformed)
		}
	default:
		v = uint64(b[0])
	}
	return v
}

// count reads a var_int list length and checks it against max.
func (d *decoder) count(max int) int {
	n := d.varInt()
	if d.err == nil && n > uint64(max) {
		d.err = fmt.Errorf("%w: %d items exceeds %d", ErrMalformed, n, max)
		return 0
	}
	return int(n)
}

func (d *decoder) varStr(max int) []byte {
	n := d.count(max)
	return d.take(n)
}
