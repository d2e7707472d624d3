package packet

import (
	"encoding/binary"
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoginLayout(t *testing.T) {
	buf, err := Marshal(Login{Name: "carol"})
	require.NoError(t, err)

	want := []byte{
		0, 0, 0, 0, // opcode
		0, 0, 0, 5, // length
		'c', 'a', 'r', 'o', 'l',
	}
	assert.Equal(t, want, buf)
}

func TestAddressLayout(t *testing.T) {
	buf, err := Marshal(FusionRedirect{LeaderAddress: netip.MustParseAddrPort("10.1.2.3:7777")})
	require.NoError(t, err)

	require.Len(t, buf, IntSize+AddressSize)
	assert.Equal(t, uint32(OpcodeFusionRedirect), binary.BigEndian.Uint32(buf[0:4]))
	assert.Equal(t, []byte{10, 1, 2, 3}, buf[4:8])
	assert.Equal(t, uint32(7777), binary.BigEndian.Uint32(buf[8:12]))
}

func TestSizeMatchesEncoding(t *testing.T) {
	addr := netip.MustParseAddrPort("127.0.0.1:9000")
	packets := []Packet{
		Login{Name: "a"},
		LoginAccepted{ServerName: "alpha"},
		LoginRefused{},
		PublicMessage{OriginServer: "alpha", Login: "carol", Text: "hello"},
		FusionInit{ServerName: "alpha", Address: addr, Members: []string{"beta", "gamma"}},
		FusionAck{ServerName: "beta", Address: addr},
		FusionNameClash{LeaderAddress: addr},
		FusionRedirect{LeaderAddress: addr},
		FusionJoin{ServerName: "gamma"},
	}

	for _, p := range packets {
		t.Run(p.Opcode().String(), func(t *testing.T) {
			buf, err := Marshal(p)
			require.NoError(t, err)
			assert.Len(t, buf, p.Size())
		})
	}
}

func TestStringBounds(t *testing.T) {
	_, err := Marshal(Login{Name: strings.Repeat("x", MaxFieldLength)})
	require.NoError(t, err)

	_, err = Marshal(Login{Name: strings.Repeat("x", MaxFieldLength+1)})
	require.ErrorIs(t, err, ErrFieldLength)

	_, err = Marshal(Login{Name: ""})
	require.ErrorIs(t, err, ErrFieldLength)

	_, err = Marshal(Login{Name: string([]byte{0xff, 0xfe})})
	require.ErrorIs(t, err, ErrFieldUTF8)
}

func TestAddressMustBeIPv4(t *testing.T) {
	_, err := Marshal(FusionRedirect{LeaderAddress: netip.MustParseAddrPort("[::1]:9000")})
	require.ErrorIs(t, err, ErrAddress)

	_, err = Marshal(FusionRedirect{})
	require.ErrorIs(t, err, ErrAddress)

	// v4-mapped addresses are carried as plain IPv4
	buf, err := Marshal(FusionRedirect{LeaderAddress: netip.MustParseAddrPort("[::ffff:127.0.0.1]:9000")})
	require.NoError(t, err)
	assert.Equal(t, []byte{127, 0, 0, 1}, buf[4:8])
}

func TestMemberLimit(t *testing.T) {
	members := make([]string, MaxMembers+1)
	for i := range members {
		members[i] = "m"
	}
	_, err := Marshal(FusionInit{
		ServerName: "alpha",
		Address:    netip.MustParseAddrPort("127.0.0.1:9000"),
		Members:    members,
	})
	require.ErrorIs(t, err, ErrMemberCount)
}

func TestEncodeShortBuffer(t *testing.T) {
	p := PublicMessage{OriginServer: "alpha", Login: "carol", Text: "hi"}
	_, err := p.Encode(make([]byte, p.Size()-1))
	require.ErrorIs(t, err, ErrShortBuffer)
}

func TestRender(t *testing.T) {
	s, err := Render(PublicMessage{OriginServer: "alpha", Login: "carol", Text: "hello dave"})
	require.NoError(t, err)
	assert.Equal(t, "carol[alpha]: hello dave", s)

	_, err = Render(LoginRefused{})
	require.ErrorIs(t, err, ErrNotRenderable)
}
