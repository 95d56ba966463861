package relay

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// grantTTL is how long an issued (or restored) grant stays redeemable.
const grantTTL = 30 * time.Second

// Grant is an ephemeral, single-use credential authorizing one JOIN of a
// specific channel with a specific capability.
type Grant struct {
	ID              uint64
	Secret          string
	ExpiresAt       time.Time
	Channel         string
	Protocol        string
	Mode            Mode
	Extra           map[string]any
	GrantsAuthority bool
}

// GrantTable maps grant ids to pending grants. Ids are sequential and never
// reused within a server generation, so a restored grant keeps its identity.
type GrantTable struct {
	grants map[uint64]*Grant
	nextID uint64
	now    func() time.Time
}

func NewGrantTable() *GrantTable {
	return &GrantTable{
		grants: make(map[uint64]*Grant),
		nextID: 1,
		now:    time.Now,
	}
}

// Issue stores a new grant and returns the combined credential handed to the
// authority, formed as secret + "-" + id.
func (t *GrantTable) Issue(channel, protocol string, mode Mode, extra map[string]any, grantsAuthority bool) string {
	id := t.nextID
	t.nextID++
	g := &Grant{
		ID:              id,
		Secret:          newSecret(),
		ExpiresAt:       t.now().Add(grantTTL),
		Channel:         channel,
		Protocol:        protocol,
		Mode:            mode,
		Extra:           extra,
		GrantsAuthority: grantsAuthority,
	}
	t.grants[id] = g
	return g.Secret + "-" + strconv.FormatUint(id, 10)
}

// Redeem consumes the grant identified by the credential. The stored secret
// must match in constant time and the stored channel/protocol must equal the
// requested ones exactly; any mismatch leaves the table untouched and
// returns nil. A successful redemption removes the grant (single use).
func (t *GrantTable) Redeem(credential, channel, protocol string) *Grant {
	pos := strings.LastIndexByte(credential, '-')
	if pos < 0 {
		return nil
	}
	id, err := strconv.ParseUint(credential[pos+1:], 10, 64)
	if err != nil {
		return nil
	}
	g, ok := t.grants[id]
	if !ok {
		return nil
	}
	if !ctEqual(g.Secret, credential[:pos]) || g.Channel != channel || g.Protocol != protocol {
		return nil
	}
	delete(t.grants, id)
	return g
}

// Restore re-parks a previously redeemed grant under its original id with a
// fresh expiry, so a client that disconnected mid-membership can rejoin with
// the identical credential string.
func (t *GrantTable) Restore(g *Grant) {
	g.ExpiresAt = t.now().Add(grantTTL)
	t.grants[g.ID] = g
}

// Sweep evicts every grant whose expiry has passed. Restore breaks the
// insertion-order expiry monotonicity, so a full scan is required.
func (t *GrantTable) Sweep(now time.Time) {
	for id, g := range t.grants {
		if !now.Before(g.ExpiresAt) {
			delete(t.grants, id)
		}
	}
}

func (t *GrantTable) Len() int {
	return len(t.grants)
}

// newSecret returns a 64-character hex token. A crypto/rand read failure is
// unrecoverable, matching how uuid.New treats it.
func newSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
