package relay

// Mode is a membership's send capability within its channel.
type Mode int

const (
	ModeRecvOnly Mode = iota
	ModeSendToAuths
	ModeSendToAny
)

// Membership is one connection's presence in one channel. If Authorized is
// true, Mode is always ModeSendToAny; authority implies full send capability
// regardless of what the consumed grant requested.
type Membership struct {
	Authorized  bool
	Mode        Mode
	GrantID     uint64 // 0 when the membership was not established by a grant
	GrantSecret string
	Extra       map[string]any // nil when no grant supplied metadata
}

// Channel is a live named, protocol-scoped member group. Ids are assigned
// monotonically and never reused while the server runs; a destroyed key
// recreated later gets a fresh id.
type Channel struct {
	ID       int64
	Name     string
	Protocol string
	Members  map[int64]*Membership
}

// ChannelRegistry maps (name, protocol) pairs to live channels. At most one
// live channel exists per pair.
type ChannelRegistry struct {
	channels map[int64]*Channel
	keys     map[string]int64
	nextID   int64
}

func NewChannelRegistry() *ChannelRegistry {
	return &ChannelRegistry{
		channels: make(map[int64]*Channel),
		keys:     make(map[string]int64),
		nextID:   1,
	}
}

func channelKey(name, protocol string) string {
	return name + "\x00" + protocol
}

// FindOrCreate resolves the channel for the pair, creating it if no live
// channel exists.
func (r *ChannelRegistry) FindOrCreate(name, protocol string) *Channel {
	key := channelKey(name, protocol)
	if id, ok := r.keys[key]; ok {
		return r.channels[id]
	}
	ch := &Channel{
		ID:       r.nextID,
		Name:     name,
		Protocol: protocol,
		Members:  make(map[int64]*Membership),
	}
	r.nextID++
	r.keys[key] = ch.ID
	r.channels[ch.ID] = ch
	return ch
}

func (r *ChannelRegistry) Get(id int64) (*Channel, bool) {
	ch, ok := r.channels[id]
	return ch, ok
}

func (r *ChannelRegistry) AddMember(ch *Channel, connID int64, m *Membership) {
	ch.Members[connID] = m
}

func (r *ChannelRegistry) RemoveMember(ch *Channel, connID int64) *Membership {
	m := ch.Members[connID]
	delete(ch.Members, connID)
	return m
}

// RemoveIfEmpty deletes the channel the instant its membership is empty.
func (r *ChannelRegistry) RemoveIfEmpty(ch *Channel) bool {
	if len(ch.Members) > 0 {
		return false
	}
	delete(r.keys, channelKey(ch.Name, ch.Protocol))
	delete(r.channels, ch.ID)
	return true
}

func (r *ChannelRegistry) Len() int {
	return len(r.channels)
}
