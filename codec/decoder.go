// Package codec turns a growing byte buffer into packets.
//
// Decoders are resumable: Process consumes whatever bytes are available and
// returns Refill when it needs more, so a frame may arrive split across any
// number of reads. A decoder that returned Done or Error must be Reset before
// it is used again.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"unicode/utf8"

	"github.com/Meander-Cloud/go-chatfusion/packet"
)

type Status uint8

const (
	StatusDone   Status = 0
	StatusRefill Status = 1
	StatusError  Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusDone:
		return "Done"
	case StatusRefill:
		return "Refill"
	case StatusError:
		return "Error"
	default:
		return "Unknown Status"
	}
}

var (
	ErrProcessAfterTerminal = errors.New("codec: process called after done or error without reset")
	ErrGetBeforeDone        = errors.New("codec: get called before done")
	ErrUnknownOpcode        = errors.New("codec: unknown opcode")
	ErrFieldLength          = errors.New("codec: string field length out of bounds")
	ErrFieldUTF8            = errors.New("codec: string field is not valid utf-8")
	ErrMemberCount          = errors.New("codec: member count out of bounds")
	ErrPort                 = errors.New("codec: port out of range")
)

// Decoder is the contract shared by every reader in this package.
type Decoder[T any] interface {
	Process(b *Buffer) Status
	Get() T
	Reset()
}

type state uint8

const (
	stateWaiting state = 0
	stateDone    state = 1
	stateError   state = 2
)

type base struct {
	state state
	err   error
}

func (d *base) check() {
	if d.state != stateWaiting {
		panic(ErrProcessAfterTerminal)
	}
}

func (d *base) mustBeDone() {
	if d.state != stateDone {
		panic(ErrGetBeforeDone)
	}
}

func (d *base) done() Status {
	d.state = stateDone
	return StatusDone
}

func (d *base) fail(err error) Status {
	d.state = stateError
	d.err = err
	return StatusError
}

// Err describes why the decoder returned Error.
func (d *base) Err() error {
	return d.err
}

func (d *base) reset() {
	d.state = stateWaiting
	d.err = nil
}

// IntDecoder reads one big-endian 32-bit integer.
type IntDecoder struct {
	base
	buf   [packet.IntSize]byte
	got   int
	value int32
}

func (d *IntDecoder) Process(b *Buffer) Status {
	d.check()
	d.got += b.Read(d.buf[d.got:])
	if d.got < packet.IntSize {
		return StatusRefill
	}
	d.value = int32(binary.BigEndian.Uint32(d.buf[:]))
	return d.done()
}

func (d *IntDecoder) Get() int32 {
	d.mustBeDone()
	return d.value
}

func (d *IntDecoder) Reset() {
	d.reset()
	d.got = 0
	d.value = 0
}

// StringDecoder reads a length-prefixed UTF-8 string.
type StringDecoder struct {
	base
	size    IntDecoder
	sized   bool
	length  int
	got     int
	scratch [packet.MaxFieldLength]byte
	value   string
}

func (d *StringDecoder) Process(b *Buffer) Status {
	d.check()
	if !d.sized {
		switch d.size.Process(b) {
		case StatusRefill:
			return StatusRefill
		case StatusError:
			return d.fail(d.size.Err())
		}
		n := d.size.Get()
		if n <= 0 || n > packet.MaxFieldLength {
			return d.fail(fmt.Errorf("%w: length=%d", ErrFieldLength, n))
		}
		d.length = int(n)
		d.sized = true
	}

	d.got += b.Read(d.scratch[d.got:d.length])
	if d.got < d.length {
		return StatusRefill
	}

	raw := d.scratch[:d.length]
	if !utf8.Valid(raw) {
		return d.fail(ErrFieldUTF8)
	}
	d.value = string(raw)
	return d.done()
}

func (d *StringDecoder) Get() string {
	d.mustBeDone()
	return d.value
}

func (d *StringDecoder) Reset() {
	d.reset()
	d.size.Reset()
	d.sized = false
	d.length = 0
	d.got = 0
	d.value = ""
}

// AddressDecoder reads 4 raw IPv4 octets followed by an integer port.
type AddressDecoder struct {
	base
	ip    [4]byte
	got   int
	port  IntDecoder
	value netip.AddrPort
}

func (d *AddressDecoder) Process(b *Buffer) Status {
	d.check()
	if d.got < len(d.ip) {
		d.got += b.Read(d.ip[d.got:])
		if d.got < len(d.ip) {
			return StatusRefill
		}
	}

	switch d.port.Process(b) {
	case StatusRefill:
		return StatusRefill
	case StatusError:
		return d.fail(d.port.Err())
	}
	port := d.port.Get()
	if port < 0 || port > packet.MaxPort {
		return d.fail(fmt.Errorf("%w: port=%d", ErrPort, port))
	}

	d.value = netip.AddrPortFrom(netip.AddrFrom4(d.ip), uint16(port))
	return d.done()
}

func (d *AddressDecoder) Get() netip.AddrPort {
	d.mustBeDone()
	return d.value
}

func (d *AddressDecoder) Reset() {
	d.reset()
	d.ip = [4]byte{}
	d.got = 0
	d.port.Reset()
	d.value = netip.AddrPort{}
}

// ListDecoder reads a member count followed by that many strings.
type ListDecoder struct {
	base
	count   IntDecoder
	counted bool
	want    int
	item    StringDecoder
	value   []string
}

func (d *ListDecoder) Process(b *Buffer) Status {
	d.check()
	if !d.counted {
		switch d.count.Process(b) {
		case StatusRefill:
			return StatusRefill
		case StatusError:
			return d.fail(d.count.Err())
		}
		n := d.count.Get()
		if n < 0 || n > packet.MaxMembers {
			return d.fail(fmt.Errorf("%w: count=%d", ErrMemberCount, n))
		}
		d.want = int(n)
		d.counted = true
		if d.want > 0 {
			d.value = make([]string, 0, d.want)
		}
	}

	for len(d.value) < d.want {
		switch d.item.Process(b) {
		case StatusRefill:
			return StatusRefill
		case StatusError:
			return d.fail(d.item.Err())
		}
		d.value = append(d.value, d.item.Get())
		d.item.Reset()
	}
	return d.done()
}

func (d *ListDecoder) Get() []string {
	d.mustBeDone()
	return d.value
}

func (d *ListDecoder) Reset() {
	d.reset()
	d.count.Reset()
	d.counted = false
	d.want = 0
	d.item.Reset()
	d.value = nil
}
