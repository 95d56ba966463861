package relay

import (
	"encoding/json"
	"log/slog"

	"github.com/tidwall/gjson"
)

// handleMessage validates the envelope and routes it to the command handler.
// Any cmd outside the closed set is a generic relay send.
func (e *Engine) handleMessage(sess *session, data []byte) {
	if !gjson.ValidBytes(data) {
		sess.peer.Send(errEnv(0, errInvalidData, "Data sent is not an array/object or was not able to be decoded."))
		return
	}
	msg := gjson.ParseBytes(data)
	if !msg.IsObject() {
		sess.peer.Send(errEnv(0, errInvalidData, "Data sent is not an array/object or was not able to be decoded."))
		return
	}
	cmd := msg.Get("cmd")
	if cmd.Type != gjson.String || cmd.Str == cmdGranted || cmd.Str == cmdJoined || cmd.Str == cmdLeft {
		sess.peer.Send(errEnv(0, errMissingInvalidCmd, "The 'cmd' is missing or invalid."))
		return
	}
	switch cmd.Str {
	case cmdGrant:
		e.handleGrant(sess, msg)
	case cmdJoin:
		e.handleJoin(sess, msg)
	case cmdSetExtra:
		e.handleSetExtra(sess, msg)
	case cmdLeave:
		e.handleLeave(sess, msg)
	default:
		e.handleRelay(sess, msg, data)
	}
}

// handleGrant issues a time-limited, single-use join credential. Only
// whitelisted IPs and static token holders may grant.
func (e *Engine) handleGrant(sess *session, msg gjson.Result) {
	name, ok := boundedString(msg, "channel", maxChannelNameLen)
	if !ok {
		sess.peer.Send(errEnv(0, errMissingInvalidChannel, "The 'channel' is missing or invalid."))
		return
	}
	protocol, ok := boundedString(msg, "protocol", maxProtocolLen)
	if !ok {
		sess.peer.Send(errEnv(0, errMissingInvalidProto, "The 'protocol' is missing or invalid."))
		return
	}
	modeField := msg.Get("clientmode")
	if modeField.Type != gjson.Number || modeField.Int() < int64(ModeRecvOnly) || modeField.Int() > int64(ModeSendToAny) {
		sess.peer.Send(errEnv(0, errMissingInvalidMode, "The 'clientmode' is missing or invalid."))
		return
	}
	extra, ok := extraObject(msg, "extra")
	if !ok {
		sess.peer.Send(errEnv(0, errMissingInvalidExtra, "The 'extra' option is missing or invalid."))
		return
	}

	auth := e.creds.IsWhitelisted(sess.ip, protocol)
	if !auth {
		if tok := msg.Get("token"); tok.Type == gjson.String {
			auth = e.creds.MatchesStaticToken(tok.Str, protocol)
		}
	}
	if !auth {
		sess.peer.Send(errEnv(0, errAccessDenied, "Access denied.  Invalid or missing authorization."))
		return
	}

	makeAuth := msg.Get("makeauth").Type == gjson.True
	credential := e.grants.Issue(name, protocol, Mode(modeField.Int()), extra, makeAuth)
	e.logger.Debug("grant issued",
		slog.Int64("connID", sess.peer.ID()),
		slog.String("channel", name),
		slog.String("protocol", protocol),
	)
	sess.peer.Send(mustMarshal(grantedEnvelope{
		Success:     true,
		Cmd:         cmdGranted,
		Token:       credential,
		ChannelName: name,
		Protocol:    protocol,
	}))
}

// handleJoin resolves authorization (IP whitelist, static token, then grant
// redemption), inserts the membership, and fans out JOINED notifications
// under the visibility filter.
func (e *Engine) handleJoin(sess *session, msg gjson.Result) {
	name, ok := boundedString(msg, "channel", maxChannelNameLen)
	if !ok {
		sess.peer.Send(errEnv(0, errMissingInvalidChannel, "The 'channel' is missing or invalid."))
		return
	}
	protocol, ok := boundedString(msg, "protocol", maxProtocolLen)
	if !ok {
		sess.peer.Send(errEnv(0, errMissingInvalidProto, "The 'protocol' is missing or invalid."))
		return
	}

	m := &Membership{Mode: ModeRecvOnly}
	if msg.Get("ipauth").Type != gjson.False && e.creds.IsWhitelisted(sess.ip, protocol) {
		m.Authorized = true
	} else if tok := msg.Get("token"); tok.Type == gjson.String {
		if e.creds.MatchesStaticToken(tok.Str, protocol) {
			m.Authorized = true
		}
		if !m.Authorized {
			if g := e.grants.Redeem(tok.Str, name, protocol); g != nil {
				m.Mode = g.Mode
				m.GrantID = g.ID
				m.GrantSecret = g.Secret
				m.Extra = g.Extra
				if g.GrantsAuthority {
					m.Authorized = true
				}
			}
		}
	}

	// Authority always implies full send capability, no matter what the
	// consumed grant requested.
	if m.Authorized {
		m.Mode = ModeSendToAny
	}

	if !m.Authorized && sess.unauthCount >= maxUnauthMemberships {
		sess.peer.Send(errEnv(0, errMaxChannelLimit, "Per-connection channel limit reached."))
		return
	}
	if !m.Authorized && m.GrantID == 0 {
		sess.peer.Send(errEnv(0, errAccessDenied, "Access denied.  Invalid or missing token."))
		return
	}

	ch := e.registry.FindOrCreate(name, protocol)
	e.registry.AddMember(ch, sess.peer.ID(), m)
	sess.memberships[ch.ID] = m.Authorized
	if !m.Authorized {
		sess.unauthCount++
	}
	e.logger.Debug("client joined channel",
		slog.Int64("connID", sess.peer.ID()),
		slog.Int64("channel", ch.ID),
		slog.Bool("auth", m.Authorized),
	)

	// Notify every member allowed to see the joiner. The joiner itself
	// additionally receives the channel snapshot, filtered so that a
	// low-privilege joiner cannot enumerate unauthorized peers.
	joinerID := sess.peer.ID()
	info := cleanInfo(m)
	for id2, m2 := range ch.Members {
		peer2, ok := e.sessions[id2]
		if !ok {
			continue
		}
		if id2 != joinerID && !m.Authorized && (m2.Mode == ModeRecvOnly || m2.Mode == ModeSendToAuths) {
			continue
		}
		env := joinedEnvelope{
			Channel: ch.ID,
			Success: true,
			Cmd:     cmdJoined,
			ID:      joinerID,
			Info:    info,
		}
		if id2 == joinerID {
			env.ChannelName = name
			env.Protocol = protocol
			env.Clients = make(map[int64]memberInfo)
			for id3, m3 := range ch.Members {
				if id3 != joinerID && !m.Authorized && m.Mode != ModeSendToAny && !m3.Authorized {
					continue
				}
				env.Clients[id3] = cleanInfo(m3)
			}
		}
		peer2.peer.Send(mustMarshal(env))
	}
}

// handleSetExtra lets a channel authority replace a member's extra map. The
// broadcast visibility is gated on the target member's authorization: an
// unauthorized member's metadata is not disclosed to receive-only or
// send-to-auths members.
func (e *Engine) handleSetExtra(sess *session, msg gjson.Result) {
	ch, ok := e.memberChannel(sess, msg)
	if !ok {
		return
	}
	if !ch.Members[sess.peer.ID()].Authorized {
		sess.peer.Send(errEnv(0, errAccessDenied, "Access denied.  Not an authority."))
		return
	}
	idField := msg.Get("id")
	var target *Membership
	if idField.Type == gjson.Number {
		target = ch.Members[idField.Int()]
	}
	if target == nil {
		sess.peer.Send(errEnv(0, errInvalidID, "The 'id' is invalid."))
		return
	}
	extra, ok := extraObject(msg, "extra")
	if !ok {
		sess.peer.Send(errEnv(0, errMissingInvalidExtra, "The 'extra' option is missing or invalid."))
		return
	}

	target.Extra = extra
	out := mustMarshal(setExtraEnvelope{
		Channel: ch.ID,
		Success: true,
		Cmd:     cmdSetExtra,
		ID:      idField.Int(),
		Extra:   extra,
	})
	for id2, m2 := range ch.Members {
		peer2, ok := e.sessions[id2]
		if !ok {
			continue
		}
		if !target.Authorized && (m2.Mode == ModeRecvOnly || m2.Mode == ModeSendToAuths) {
			continue
		}
		peer2.peer.Send(out)
	}
}

func (e *Engine) handleLeave(sess *session, msg gjson.Result) {
	ch, ok := e.memberChannel(sess, msg)
	if !ok {
		return
	}
	reply := e.leaveChannel(sess, ch.ID)
	sess.peer.Send(reply)
}

// handleRelay forwards any unreserved cmd to a recipient (unicast) or the
// whole channel (to = -1), subject to the sender's mode.
func (e *Engine) handleRelay(sess *session, msg gjson.Result, raw []byte) {
	ch, ok := e.memberChannel(sess, msg)
	if !ok {
		return
	}
	m := ch.Members[sess.peer.ID()]
	if m.Mode == ModeRecvOnly {
		sess.peer.Send(errEnv(ch.ID, errAccessDenied, "Access denied.  Sending is not allowed on this channel."))
		return
	}
	toField := msg.Get("to")
	if !toField.Exists() {
		sess.peer.Send(errEnv(ch.ID, errMissingTo, "The 'to' recipient is missing."))
		return
	}
	if toField.Type != gjson.Number {
		sess.peer.Send(errEnv(ch.ID, errInvalidTo, "The 'to' recipient is invalid."))
		return
	}
	to := toField.Int()
	if to > -1 && ch.Members[to] == nil {
		sess.peer.Send(errEnv(ch.ID, errInvalidTo, "The 'to' recipient is invalid."))
		return
	}

	// The delivered envelope is the original payload with the routing
	// fields injected over it and the recipient address removed.
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		sess.peer.Send(errEnv(0, errInvalidData, "Data sent is not an array/object or was not able to be decoded."))
		return
	}
	delete(payload, "to")
	payload["channel"] = ch.ID
	payload["success"] = true
	payload["from"] = sess.peer.ID()
	out, err := json.Marshal(payload)
	if err != nil {
		sess.peer.Send(errEnv(0, errInvalidData, "Data sent is not an array/object or was not able to be decoded."))
		return
	}

	if to > -1 {
		m2 := ch.Members[to]
		if m.Mode == ModeSendToAuths && !m2.Authorized {
			sess.peer.Send(errEnv(ch.ID, errInvalidTo, "The 'to' recipient is invalid."))
			return
		}
		peer2, ok := e.sessions[to]
		if !ok {
			sess.peer.Send(errEnv(ch.ID, errInvalidTo, "The 'to' recipient is invalid."))
			return
		}
		peer2.peer.Send(out)
		return
	}
	for id2, m2 := range ch.Members {
		peer2, ok := e.sessions[id2]
		if !ok {
			continue
		}
		if m.Mode == ModeSendToAuths && !m2.Authorized {
			continue
		}
		peer2.peer.Send(out)
	}
}

// memberChannel resolves the numeric channel field for channel-scoped
// commands and requires the caller to be a member.
func (e *Engine) memberChannel(sess *session, msg gjson.Result) (*Channel, bool) {
	chField := msg.Get("channel")
	if !chField.Exists() {
		sess.peer.Send(errEnv(0, errMissingChannel, "The 'channel' is missing."))
		return nil, false
	}
	if chField.Type != gjson.Number {
		sess.peer.Send(errEnv(0, errInvalidChannel, "The 'channel' is invalid."))
		return nil, false
	}
	ch, ok := e.registry.Get(chField.Int())
	if !ok {
		sess.peer.Send(errEnv(0, errInvalidChannel, "The 'channel' is invalid."))
		return nil, false
	}
	if _, member := sess.memberships[ch.ID]; !member {
		sess.peer.Send(errEnv(0, errInvalidChannel, "The 'channel' is invalid."))
		return nil, false
	}
	return ch, true
}

// leaveChannel is the shared leave/disconnect path: it removes the caller's
// membership, notifies the remaining visible members, parks the consumed
// grant for a 30-second reconnect window, and deletes the channel if it is
// now empty. The LEFT envelope is returned so explicit LEAVE can echo it to
// the caller.
func (e *Engine) leaveChannel(sess *session, chID int64) []byte {
	id := sess.peer.ID()
	ch, ok := e.registry.Get(chID)
	if !ok {
		return mustMarshal(leftEnvelope{Channel: chID, Success: true, Cmd: cmdLeft, ID: id})
	}

	if auth, member := sess.memberships[chID]; member && !auth {
		sess.unauthCount--
	}
	delete(sess.memberships, chID)
	m := e.registry.RemoveMember(ch, id)
	if m == nil {
		return mustMarshal(leftEnvelope{Channel: chID, Success: true, Cmd: cmdLeft, ID: id})
	}

	out := mustMarshal(leftEnvelope{Channel: chID, Success: true, Cmd: cmdLeft, ID: id})
	for id2, m2 := range ch.Members {
		peer2, ok := e.sessions[id2]
		if !ok {
			continue
		}
		if !m.Authorized && (m2.Mode == ModeRecvOnly || m2.Mode == ModeSendToAuths) {
			continue
		}
		peer2.peer.Send(out)
	}

	// Park the consumed grant so a fast reconnect can redeem the identical
	// credential string.
	if m.GrantID != 0 && m.GrantSecret != "" {
		e.grants.Restore(&Grant{
			ID:              m.GrantID,
			Secret:          m.GrantSecret,
			Channel:         ch.Name,
			Protocol:        ch.Protocol,
			Mode:            m.Mode,
			Extra:           m.Extra,
			GrantsAuthority: m.Authorized,
		})
	}

	if e.registry.RemoveIfEmpty(ch) {
		e.logger.Debug("removed empty channel", slog.Int64("channel", chID))
	}
	return out
}
