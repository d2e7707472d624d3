package group

import "fmt"

// Group keys a scheduled timer: the kind in the high 32 bits and the
// connection it belongs to in the low 32 bits.
type Group uint64

type Kind uint32

const (
	KindInvalid             Kind = 0
	KindFusionHandshakeWait Kind = 1
)

const GroupInvalid Group = 0

func New(kind Kind, id uint32) Group {
	return Group(uint64(kind)<<32 | uint64(id))
}

func (g Group) Kind() Kind {
	return Kind(g >> 32)
}

func (g Group) ID() uint32 {
	return uint32(g)
}

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "Invalid Group"
	case KindFusionHandshakeWait:
		return "Fusion Handshake Wait"
	default:
		return "Unknown Group"
	}
}

func (g Group) String() string {
	return fmt.Sprintf("%s[%d]", g.Kind(), g.ID())
}
