package codec

import (
	"fmt"
	"net/netip"

	"github.com/Meander-Cloud/go-chatfusion/packet"
)

// PacketDecoder reads an opcode and then the fields of the matching variant.
type PacketDecoder struct {
	base
	opcode   IntDecoder
	op       packet.Opcode
	haveOp   bool
	str      StringDecoder
	strings  []string
	addr     AddressDecoder
	haveAddr bool
	address  netip.AddrPort
	list     ListDecoder
	value    packet.Packet
}

func (d *PacketDecoder) Process(b *Buffer) Status {
	d.check()
	if !d.haveOp {
		switch d.opcode.Process(b) {
		case StatusRefill:
			return StatusRefill
		case StatusError:
			return d.fail(d.opcode.Err())
		}
		d.op = packet.Opcode(d.opcode.Get())
		d.haveOp = true
	}

	var st Status
	switch d.op {
	case packet.OpcodeLogin, packet.OpcodeLoginPassword:
		st = d.readStrings(b, 1)
	case packet.OpcodeLoginAccepted:
		st = d.readStrings(b, 1)
	case packet.OpcodeLoginRefused:
		st = StatusDone
	case packet.OpcodePublicMessage:
		st = d.readStrings(b, 3)
	case packet.OpcodeFusionInit, packet.OpcodeFusionAck:
		st = d.readFusion(b)
	case packet.OpcodeFusionNameClash, packet.OpcodeFusionRedirect:
		st = d.readAddress(b)
	case packet.OpcodeFusionJoin:
		st = d.readStrings(b, 1)
	default:
		return d.fail(fmt.Errorf("%w: %d", ErrUnknownOpcode, int32(d.op)))
	}

	switch st {
	case StatusRefill:
		return StatusRefill
	case StatusError:
		return StatusError
	}

	d.value = d.build()
	return d.done()
}

func (d *PacketDecoder) Get() packet.Packet {
	d.mustBeDone()
	return d.value
}

// Opcode returns the opcode read so far, valid once at least 4 bytes were consumed.
func (d *PacketDecoder) Opcode() packet.Opcode {
	return d.op
}

func (d *PacketDecoder) Reset() {
	d.reset()
	d.opcode.Reset()
	d.op = 0
	d.haveOp = false
	d.str.Reset()
	d.strings = d.strings[:0]
	d.addr.Reset()
	d.haveAddr = false
	d.address = netip.AddrPort{}
	d.list.Reset()
	d.value = nil
}

func (d *PacketDecoder) readStrings(b *Buffer, n int) Status {
	for len(d.strings) < n {
		switch d.str.Process(b) {
		case StatusRefill:
			return StatusRefill
		case StatusError:
			return d.fail(d.str.Err())
		}
		d.strings = append(d.strings, d.str.Get())
		d.str.Reset()
	}
	return StatusDone
}

func (d *PacketDecoder) readAddress(b *Buffer) Status {
	if d.haveAddr {
		return StatusDone
	}
	switch d.addr.Process(b) {
	case StatusRefill:
		return StatusRefill
	case StatusError:
		return d.fail(d.addr.Err())
	}
	d.address = d.addr.Get()
	d.haveAddr = true
	return StatusDone
}

func (d *PacketDecoder) readFusion(b *Buffer) Status {
	if st := d.readStrings(b, 1); st != StatusDone {
		return st
	}
	if st := d.readAddress(b); st != StatusDone {
		return st
	}
	switch d.list.Process(b) {
	case StatusRefill:
		return StatusRefill
	case StatusError:
		return d.fail(d.list.Err())
	}
	return StatusDone
}

func (d *PacketDecoder) build() packet.Packet {
	switch d.op {
	case packet.OpcodeLogin, packet.OpcodeLoginPassword:
		return packet.Login{Name: d.strings[0]}
	case packet.OpcodeLoginAccepted:
		return packet.LoginAccepted{ServerName: d.strings[0]}
	case packet.OpcodeLoginRefused:
		return packet.LoginRefused{}
	case packet.OpcodePublicMessage:
		return packet.PublicMessage{
			OriginServer: d.strings[0],
			Login:        d.strings[1],
			Text:         d.strings[2],
		}
	case packet.OpcodeFusionInit:
		return packet.FusionInit{
			ServerName: d.strings[0],
			Address:    d.address,
			Members:    d.list.Get(),
		}
	case packet.OpcodeFusionAck:
		return packet.FusionAck{
			ServerName: d.strings[0],
			Address:    d.address,
			Members:    d.list.Get(),
		}
	case packet.OpcodeFusionNameClash:
		return packet.FusionNameClash{LeaderAddress: d.address}
	case packet.OpcodeFusionRedirect:
		return packet.FusionRedirect{LeaderAddress: d.address}
	case packet.OpcodeFusionJoin:
		return packet.FusionJoin{ServerName: d.strings[0]}
	default:
		panic(fmt.Sprintf("codec: build called for opcode %d", int32(d.op)))
	}
}
