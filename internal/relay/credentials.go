package relay

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"net/netip"
)

// Scope restricts a whitelist entry or static token to a set of protocol
// tags. The zero value allows nothing; ScopeAll allows every protocol.
type Scope struct {
	all       bool
	protocols map[string]struct{}
}

func ScopeAll() Scope {
	return Scope{all: true}
}

func ScopeOf(protocols []string) Scope {
	s := Scope{protocols: make(map[string]struct{}, len(protocols))}
	for _, p := range protocols {
		s.protocols[p] = struct{}{}
	}
	return s
}

func (s Scope) Allows(protocol string) bool {
	if s.all {
		return true
	}
	_, ok := s.protocols[protocol]
	return ok
}

// Snapshot is one immutable generation of the long-lived credentials. It is
// replaced wholesale on reload, never mutated in place.
type Snapshot struct {
	Whitelist map[string]Scope // normalized IP -> scope
	Tokens    map[string]Scope // static secret -> scope
	Origins   []string
}

// BuildSnapshot compiles raw configuration maps into a Snapshot. Whitelist
// and token values are either the boolean true (all protocols) or a list of
// protocol tag strings. Whitelist keys are normalized IP addresses.
func BuildSnapshot(whitelist, tokens map[string]any, origins []string) (*Snapshot, error) {
	snap := &Snapshot{
		Whitelist: make(map[string]Scope, len(whitelist)),
		Tokens:    make(map[string]Scope, len(tokens)),
		Origins:   origins,
	}
	for addr, raw := range whitelist {
		ip, err := NormalizeIP(addr)
		if err != nil {
			return nil, fmt.Errorf("whitelist entry %q: %w", addr, err)
		}
		scope, err := compileScope(raw)
		if err != nil {
			return nil, fmt.Errorf("whitelist entry %q: %w", addr, err)
		}
		snap.Whitelist[ip] = scope
	}
	for secret, raw := range tokens {
		scope, err := compileScope(raw)
		if err != nil {
			return nil, fmt.Errorf("token entry: %w", err)
		}
		snap.Tokens[secret] = scope
	}
	return snap, nil
}

func compileScope(raw any) (Scope, error) {
	switch v := raw.(type) {
	case bool:
		if !v {
			return Scope{}, fmt.Errorf("scope must be true or a protocol list")
		}
		return ScopeAll(), nil
	case []any:
		protocols := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return Scope{}, fmt.Errorf("protocol list contains a non-string entry")
			}
			protocols = append(protocols, s)
		}
		return ScopeOf(protocols), nil
	case []string:
		return ScopeOf(v), nil
	default:
		return Scope{}, fmt.Errorf("scope must be true or a protocol list")
	}
}

// NormalizeIP parses an address into its canonical textual form so that
// equivalent spellings (IPv4-mapped IPv6, zero-padded octets) compare equal
// as whitelist keys.
func NormalizeIP(addr string) (string, error) {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return "", err
	}
	return ip.Unmap().String(), nil
}

// CredentialStore holds the active Snapshot. It is owned by the engine loop;
// Reload swaps the snapshot between dispatches, so readers never observe a
// partially applied generation.
type CredentialStore struct {
	snap *Snapshot
}

func NewCredentialStore(snap *Snapshot) *CredentialStore {
	if snap == nil {
		snap = &Snapshot{}
	}
	return &CredentialStore{snap: snap}
}

func (c *CredentialStore) IsWhitelisted(ip, protocol string) bool {
	scope, ok := c.snap.Whitelist[ip]
	return ok && scope.Allows(protocol)
}

// MatchesStaticToken compares the candidate against every stored token. The
// scan never exits early and each comparison is constant time, so response
// timing does not reveal how much of any stored secret matched.
func (c *CredentialStore) MatchesStaticToken(secret, protocol string) bool {
	match := false
	for stored, scope := range c.snap.Tokens {
		if ctEqual(stored, secret) && scope.Allows(protocol) {
			match = true
		}
	}
	return match
}

func (c *CredentialStore) Reload(snap *Snapshot) {
	c.snap = snap
}

func (c *CredentialStore) Origins() []string {
	return c.snap.Origins
}

// ctEqual compares two strings in constant time. Both sides are hashed
// first so that differing lengths do not short-circuit the comparison.
func ctEqual(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}
