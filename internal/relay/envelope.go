package relay

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// Field limits enforced before any authorization or state mutation.
const (
	maxChannelNameLen = 256
	maxProtocolLen    = 64
)

// Error codes reported to the offending connection. Every failure is scoped
// to the single request; nothing propagates to other connections.
const (
	errInvalidData           = "invalid_data"
	errMissingInvalidCmd     = "missing_invalid_cmd"
	errMissingInvalidChannel = "missing_invalid_channel"
	errMissingInvalidProto   = "missing_invalid_protocol"
	errMissingInvalidMode    = "missing_invalid_clientmode"
	errMissingInvalidExtra   = "missing_invalid_extra"
	errAccessDenied          = "access_denied"
	errMaxChannelLimit       = "max_channel_limit_reached"
	errMissingChannel        = "missing_channel"
	errInvalidChannel        = "invalid_channel"
	errInvalidID             = "invalid_id"
	errMissingTo             = "missing_to"
	errInvalidTo             = "invalid_to"
)

// Commands only the server may originate.
const (
	cmdGrant    = "GRANT"
	cmdGranted  = "GRANTED"
	cmdJoin     = "JOIN"
	cmdJoined   = "JOINED"
	cmdSetExtra = "SET_EXTRA"
	cmdLeave    = "LEAVE"
	cmdLeft     = "LEFT"
)

type errorEnvelope struct {
	Channel   int64  `json:"channel"`
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	ErrorCode string `json:"errorcode"`
}

func errEnv(channel int64, code, msg string) []byte {
	out, _ := json.Marshal(errorEnvelope{Channel: channel, Error: msg, ErrorCode: code})
	return out
}

type grantedEnvelope struct {
	Channel     int64  `json:"channel"`
	Success     bool   `json:"success"`
	Cmd         string `json:"cmd"`
	Token       string `json:"token"`
	ChannelName string `json:"channelname"`
	Protocol    string `json:"protocol"`
}

type joinedEnvelope struct {
	Channel     int64                `json:"channel"`
	Success     bool                 `json:"success"`
	Cmd         string               `json:"cmd"`
	From        int64                `json:"from"`
	ID          int64                `json:"id"`
	Info        memberInfo           `json:"info"`
	ChannelName string               `json:"channelname,omitempty"`
	Protocol    string               `json:"protocol,omitempty"`
	Clients     map[int64]memberInfo `json:"clients,omitempty"`
}

type leftEnvelope struct {
	Channel int64  `json:"channel"`
	Success bool   `json:"success"`
	Cmd     string `json:"cmd"`
	From    int64  `json:"from"`
	ID      int64  `json:"id"`
}

type setExtraEnvelope struct {
	Channel int64          `json:"channel"`
	Success bool           `json:"success"`
	Cmd     string         `json:"cmd"`
	From    int64          `json:"from"`
	ID      int64          `json:"id"`
	Extra   map[string]any `json:"extra"`
}

// memberInfo is a membership as disclosed to clients. Grant id and secret
// are always stripped. Extra encodes as false when no grant ever populated
// it, which clients rely on to distinguish "no metadata" from "{}".
type memberInfo struct {
	Auth  bool
	Mode  Mode
	Extra map[string]any
}

func (m memberInfo) MarshalJSON() ([]byte, error) {
	var extra any = false
	if m.Extra != nil {
		extra = m.Extra
	}
	return json.Marshal(struct {
		Auth  bool `json:"auth"`
		Mode  Mode `json:"mode"`
		Extra any  `json:"extra"`
	}{m.Auth, m.Mode, extra})
}

func cleanInfo(m *Membership) memberInfo {
	return memberInfo{Auth: m.Authorized, Mode: m.Mode, Extra: m.Extra}
}

func mustMarshal(v any) []byte {
	out, err := json.Marshal(v)
	if err != nil {
		// Envelope types contain only marshalable fields.
		panic(err)
	}
	return out
}

// boundedString extracts a required string field with a length limit.
func boundedString(msg gjson.Result, field string, maxLen int) (string, bool) {
	v := msg.Get(field)
	if v.Type != gjson.String || len(v.Str) == 0 || len(v.Str) > maxLen {
		return "", false
	}
	return v.Str, true
}

// extraObject extracts a required JSON object field. The returned map is
// never nil so it stays distinguishable from an absent extra.
func extraObject(msg gjson.Result, field string) (map[string]any, bool) {
	v := msg.Get(field)
	if !v.IsObject() {
		return nil, false
	}
	m, _ := v.Value().(map[string]any)
	if m == nil {
		m = map[string]any{}
	}
	return m, true
}
