// Package packet defines the chat fusion wire messages.
//
// Every frame starts with a 4-byte big-endian opcode followed by the fields of
// the variant in declaration order:
//
//	int     4 bytes, big-endian
//	string  int byte length n (0 < n <= MaxFieldLength), then n UTF-8 bytes
//	address 4 raw IPv4 octets, then an int port
//	list    int count (0 <= count <= MaxMembers), then count strings
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"unicode/utf8"
)

const (
	IntSize        = 4
	AddressSize    = 4 + IntSize
	MaxFieldLength = 1024
	MaxMembers     = 256
	MaxPort        = 65535
)

var (
	ErrFieldLength   = errors.New("packet: string field length out of bounds")
	ErrFieldUTF8     = errors.New("packet: string field is not valid utf-8")
	ErrAddress       = errors.New("packet: address is not an ipv4 socket address")
	ErrMemberCount   = errors.New("packet: too many members")
	ErrShortBuffer   = errors.New("packet: destination buffer too small")
	ErrNotRenderable = errors.New("packet: only public messages can be rendered")
)

// Packet is implemented by the closed set of variants in this package.
type Packet interface {
	Opcode() Opcode
	// Size is the exact encoded length, opcode included.
	Size() int
	// Encode writes the frame into dst, which must hold at least Size bytes.
	Encode(dst []byte) (int, error)

	sealed()
}

type Login struct {
	Name string
}

type LoginAccepted struct {
	ServerName string
}

type LoginRefused struct{}

type PublicMessage struct {
	OriginServer string
	Login        string
	Text         string
}

type FusionInit struct {
	ServerName string
	Address    netip.AddrPort
	Members    []string
}

// FusionAck has the shape of FusionInit and answers it.
type FusionAck struct {
	ServerName string
	Address    netip.AddrPort
	Members    []string
}

type FusionNameClash struct {
	LeaderAddress netip.AddrPort
}

type FusionRedirect struct {
	LeaderAddress netip.AddrPort
}

type FusionJoin struct {
	ServerName string
}

func (Login) Opcode() Opcode           { return OpcodeLogin }
func (LoginAccepted) Opcode() Opcode   { return OpcodeLoginAccepted }
func (LoginRefused) Opcode() Opcode    { return OpcodeLoginRefused }
func (PublicMessage) Opcode() Opcode   { return OpcodePublicMessage }
func (FusionInit) Opcode() Opcode      { return OpcodeFusionInit }
func (FusionAck) Opcode() Opcode       { return OpcodeFusionAck }
func (FusionNameClash) Opcode() Opcode { return OpcodeFusionNameClash }
func (FusionRedirect) Opcode() Opcode  { return OpcodeFusionRedirect }
func (FusionJoin) Opcode() Opcode      { return OpcodeFusionJoin }

func (Login) sealed()           {}
func (LoginAccepted) sealed()   {}
func (LoginRefused) sealed()    {}
func (PublicMessage) sealed()   {}
func (FusionInit) sealed()      {}
func (FusionAck) sealed()       {}
func (FusionNameClash) sealed() {}
func (FusionRedirect) sealed()  {}
func (FusionJoin) sealed()      {}

func (p Login) Size() int         { return IntSize + stringSize(p.Name) }
func (p LoginAccepted) Size() int { return IntSize + stringSize(p.ServerName) }
func (LoginRefused) Size() int    { return IntSize }

func (p PublicMessage) Size() int {
	return IntSize + stringSize(p.OriginServer) + stringSize(p.Login) + stringSize(p.Text)
}

func (p FusionInit) Size() int    { return IntSize + fusionSize(p.ServerName, p.Members) }
func (p FusionAck) Size() int     { return IntSize + fusionSize(p.ServerName, p.Members) }
func (FusionNameClash) Size() int { return IntSize + AddressSize }
func (FusionRedirect) Size() int  { return IntSize + AddressSize }
func (p FusionJoin) Size() int    { return IntSize + stringSize(p.ServerName) }

func (p Login) Encode(dst []byte) (int, error) {
	return encode(dst, p, func(w *writer) {
		w.putString(p.Name)
	})
}

func (p LoginAccepted) Encode(dst []byte) (int, error) {
	return encode(dst, p, func(w *writer) {
		w.putString(p.ServerName)
	})
}

func (p LoginRefused) Encode(dst []byte) (int, error) {
	return encode(dst, p, func(*writer) {})
}

func (p PublicMessage) Encode(dst []byte) (int, error) {
	return encode(dst, p, func(w *writer) {
		w.putString(p.OriginServer)
		w.putString(p.Login)
		w.putString(p.Text)
	})
}

func (p FusionInit) Encode(dst []byte) (int, error) {
	return encode(dst, p, func(w *writer) {
		w.putString(p.ServerName)
		w.putAddress(p.Address)
		w.putList(p.Members)
	})
}

func (p FusionAck) Encode(dst []byte) (int, error) {
	return encode(dst, p, func(w *writer) {
		w.putString(p.ServerName)
		w.putAddress(p.Address)
		w.putList(p.Members)
	})
}

func (p FusionNameClash) Encode(dst []byte) (int, error) {
	return encode(dst, p, func(w *writer) {
		w.putAddress(p.LeaderAddress)
	})
}

func (p FusionRedirect) Encode(dst []byte) (int, error) {
	return encode(dst, p, func(w *writer) {
		w.putAddress(p.LeaderAddress)
	})
}

func (p FusionJoin) Encode(dst []byte) (int, error) {
	return encode(dst, p, func(w *writer) {
		w.putString(p.ServerName)
	})
}

// Marshal encodes p into a freshly allocated frame.
func Marshal(p Packet) ([]byte, error) {
	buf := make([]byte, p.Size())
	n, err := p.Encode(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// Render formats a public message the way clients display it.
func Render(p Packet) (string, error) {
	msg, ok := p.(PublicMessage)
	if !ok {
		return "", fmt.Errorf("%w: got %s", ErrNotRenderable, p.Opcode())
	}
	return fmt.Sprintf("%s[%s]: %s", msg.Login, msg.OriginServer, msg.Text), nil
}

// ValidString reports whether s can be carried in a string field.
func ValidString(s string) error {
	if len(s) == 0 || len(s) > MaxFieldLength {
		return fmt.Errorf("%w: length=%d", ErrFieldLength, len(s))
	}
	if !utf8.ValidString(s) {
		return ErrFieldUTF8
	}
	return nil
}

// ValidAddress reports whether a can be carried in an address field.
func ValidAddress(a netip.AddrPort) error {
	if !a.IsValid() || !a.Addr().Unmap().Is4() {
		return fmt.Errorf("%w: %s", ErrAddress, a)
	}
	return nil
}

func stringSize(s string) int {
	return IntSize + len(s)
}

func fusionSize(name string, members []string) int {
	size := stringSize(name) + AddressSize + IntSize
	for _, member := range members {
		size += stringSize(member)
	}
	return size
}

type writer struct {
	buf []byte
	off int
	err error
}

func encode(dst []byte, p Packet, fields func(*writer)) (int, error) {
	size := p.Size()
	if len(dst) < size {
		return 0, fmt.Errorf("%w: need=%d, have=%d", ErrShortBuffer, size, len(dst))
	}

	w := &writer{buf: dst}
	w.putInt(int32(p.Opcode()))
	fields(w)
	if w.err != nil {
		return 0, fmt.Errorf("encode %s: %w", p.Opcode(), w.err)
	}
	return w.off, nil
}

func (w *writer) putInt(v int32) {
	if w.err != nil {
		return
	}
	binary.BigEndian.PutUint32(w.buf[w.off:], uint32(v))
	w.off += IntSize
}

func (w *writer) putString(s string) {
	if w.err != nil {
		return
	}
	if err := ValidString(s); err != nil {
		w.err = err
		return
	}
	w.putInt(int32(len(s)))
	w.off += copy(w.buf[w.off:], s)
}

func (w *writer) putAddress(a netip.AddrPort) {
	if w.err != nil {
		return
	}
	if err := ValidAddress(a); err != nil {
		w.err = err
		return
	}
	ip := a.Addr().Unmap().As4()
	w.off += copy(w.buf[w.off:], ip[:])
	w.putInt(int32(a.Port()))
}

func (w *writer) putList(list []string) {
	if w.err != nil {
		return
	}
	if len(list) > MaxMembers {
		w.err = fmt.Errorf("%w: count=%d", ErrMemberCount, len(list))
		return
	}
	w.putInt(int32(len(list)))
	for _, s := range list {
		w.putString(s)
	}
}
