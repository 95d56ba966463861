package relay

// Peer is the transport-side surface the engine needs from a connection.
// Send must not block the caller; the transport buffers outbound frames.
type Peer interface {
	ID() int64
	RemoteAddr() string
	Send(data []byte)
	Close(err error)
}

// maxUnauthMemberships caps concurrent unauthorized memberships per
// connection, bounding how much low-privilege channel state one client can
// pin.
const maxUnauthMemberships = 256

// session is the engine's per-connection record. memberships maps channel id
// to whether the membership was authorized at join time.
type session struct {
	peer        Peer
	ip          string
	memberships map[int64]bool
	unauthCount int
}

func newSession(peer Peer, ip string) *session {
	return &session{
		peer:        peer,
		ip:          ip,
		memberships: make(map[int64]bool),
	}
}
