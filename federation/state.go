package federation

import (
	"net/netip"
	"slices"
	"time"

	"github.com/Meander-Cloud/go-chatfusion/admin"
	"github.com/Meander-Cloud/go-chatfusion/net/tcp"
)

type Role uint8

const (
	RoleInvalid Role = 0
	RoleRoot    Role = 1
	RoleMember  Role = 2
)

func (r Role) String() string {
	switch r {
	case RoleInvalid:
		return "Invalid"
	case RoleRoot:
		return "Root"
	case RoleMember:
		return "Member"
	default:
		return "Unknown Role"
	}
}

// Pending is an outbound fusion attempt awaiting FusionAck or FusionNameClash.
type Pending struct {
	Conn    tcp.ConnID
	Address netip.AddrPort
	Command *admin.Command
	Started time.Time
}

type State struct {
	SelfName    string
	SelfAddress netip.AddrPort

	LocalLogins map[string]tcp.ConnID
	loginNames  map[tcp.ConnID]string

	// direct links to members that elected this server
	Peers     map[string]tcp.ConnID
	peerNames map[tcp.ConnID]string

	// nil while this server is the root of its federation
	Leader        *tcp.ConnID
	LeaderName    string
	LeaderAddress netip.AddrPort

	Pending *Pending
}

func NewState(selfName string, selfAddress netip.AddrPort) *State {
	return &State{
		SelfName:    selfName,
		SelfAddress: selfAddress,

		LocalLogins: make(map[string]tcp.ConnID),
		loginNames:  make(map[tcp.ConnID]string),

		Peers:     make(map[string]tcp.ConnID),
		peerNames: make(map[tcp.ConnID]string),

		Leader:        nil,
		LeaderName:    "",
		LeaderAddress: netip.AddrPort{},

		Pending: nil,
	}
}

func (s *State) Role() Role {
	if s.Leader == nil {
		return RoleRoot
	}
	return RoleMember
}

func (s *State) IsRoot() bool {
	return s.Leader == nil
}

func (s *State) addLogin(name string, id tcp.ConnID) {
	s.LocalLogins[name] = id
	s.loginNames[id] = name
}

func (s *State) removeLogin(id tcp.ConnID) (string, bool) {
	name, found := s.loginNames[id]
	if !found {
		return "", false
	}
	delete(s.loginNames, id)
	delete(s.LocalLogins, name)
	return name, true
}

func (s *State) loginOf(id tcp.ConnID) (string, bool) {
	name, found := s.loginNames[id]
	return name, found
}

func (s *State) addPeer(name string, id tcp.ConnID) {
	s.Peers[name] = id
	s.peerNames[id] = name
}

func (s *State) removePeer(id tcp.ConnID) (string, bool) {
	name, found := s.peerNames[id]
	if !found {
		return "", false
	}
	delete(s.peerNames, id)
	delete(s.Peers, name)
	return name, true
}

func (s *State) clearPeers() {
	clear(s.Peers)
	clear(s.peerNames)
}

func (s *State) isPeer(id tcp.ConnID) bool {
	_, found := s.peerNames[id]
	return found
}

func (s *State) isLeader(id tcp.ConnID) bool {
	return s.Leader != nil && *s.Leader == id
}

func (s *State) isPending(id tcp.ConnID) bool {
	return s.Pending != nil && s.Pending.Conn == id
}

// isFederationLink reports whether id carries server-to-server traffic.
func (s *State) isFederationLink(id tcp.ConnID) bool {
	return s.isPeer(id) || s.isLeader(id) || s.isPending(id)
}

func (s *State) setLeader(id tcp.ConnID, name string, address netip.AddrPort) {
	leader := id
	s.Leader = &leader
	s.LeaderName = name
	s.LeaderAddress = address
}

func (s *State) clearLeader() {
	s.Leader = nil
	s.LeaderName = ""
	s.LeaderAddress = netip.AddrPort{}
}

// PeerNames returns the direct members in a stable order.
func (s *State) PeerNames() []string {
	names := make([]string, 0, len(s.Peers))
	for name := range s.Peers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (s *State) LoginNames() []string {
	names := make([]string, 0, len(s.LocalLogins))
	for name := range s.LocalLogins {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// View is a copy of State safe to hand to other goroutines.
type View struct {
	SelfName      string
	SelfAddress   netip.AddrPort
	Role          Role
	LeaderName    string
	LeaderAddress netip.AddrPort
	Peers         []string
	Logins        []string
	Pending       bool
}

func (s *State) View() View {
	return View{
		SelfName:      s.SelfName,
		SelfAddress:   s.SelfAddress,
		Role:          s.Role(),
		LeaderName:    s.LeaderName,
		LeaderAddress: s.LeaderAddress,
		Peers:         s.PeerNames(),
		Logins:        s.LoginNames(),
		Pending:       s.Pending != nil,
	}
}
