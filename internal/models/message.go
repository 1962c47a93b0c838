package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Role identifies which side of the call a connection speaks for.
type Role string

const (
	RoleUnassigned Role = ""
	RolePi         Role = "pi"
	RoleClient     Role = "client"
)

// Valid reports whether r names a bindable role slot.
func (r Role) Valid() bool {
	return r == RolePi || r == RoleClient
}

func (r Role) String() string {
	if r == RoleUnassigned {
		return "unassigned"
	}
	return string(r)
}

// SignalType is the wire value of the "type" field.
type SignalType string

const (
	SignalTypeRegister     SignalType = "register"
	SignalTypeOffer        SignalType = "offer"
	SignalTypeAnswer       SignalType = "answer"
	SignalTypeICE          SignalType = "ice"
	SignalTypeRegistered   SignalType = "registered"
	SignalTypePeerReplaced SignalType = "peer-replaced"
	SignalTypeError        SignalType = "error"
)

// Older pi clients label candidates "ice_candidate"; some browsers' demo
// pages use "candidate".
var iceAliases = map[string]bool{
	"ice_candidate": true,
	"candidate":     true,
}

// Kind is the decoded variant of an inbound message.
type Kind int

const (
	KindMalformed Kind = iota
	KindRegister
	KindOffer
	KindAnswer
	KindICE
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindRegister:
		return "register"
	case KindOffer:
		return "offer"
	case KindAnswer:
		return "answer"
	case KindICE:
		return "ice"
	case KindUnknown:
		return "unknown"
	default:
		return "malformed"
	}
}

// Forwardable reports whether messages of this kind are relayed to a peer.
func (k Kind) Forwardable() bool {
	return k == KindOffer || k == KindAnswer || k == KindICE
}

// Message is an inbound signaling message, decoded once at the transport
// boundary. Raw holds the exact bytes the sender wrote; forwarding sends Raw
// untouched so SDP and candidate payloads reach the peer bit-for-bit.
type Message struct {
	Kind Kind
	Type string // type as sent, aliases preserved
	Role Role   // register only
	To   Role   // optional explicit destination
	Raw  []byte
	Err  error // set for KindMalformed
}

var (
	ErrInvalidEncoding = errors.New("message is not valid UTF-8")
	ErrNotObject       = errors.New("message is not a JSON object")
	ErrMissingType     = errors.New("message has no string type")
	ErrInvalidRole     = errors.New("register requires role pi or client")
	ErrMissingSDP      = errors.New("offer/answer requires a string sdp")
	ErrMissingCand     = errors.New("ice requires a candidate")
	ErrInvalidTo       = errors.New("to must be pi or client")
)

// Decode classifies raw into a Message. It never fails; structural problems
// produce a KindMalformed message carrying the reason.
func Decode(raw []byte) Message {
	msg := Message{Raw: raw}

	if !utf8.Valid(raw) {
		return malformed(msg, ErrInvalidEncoding)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return malformed(msg, ErrNotObject)
	}

	typ, ok := stringField(fields, "type")
	if !ok || typ == "" {
		return malformed(msg, ErrMissingType)
	}
	msg.Type = typ

	if _, present := fields["to"]; present {
		to, ok := stringField(fields, "to")
		if !ok || !Role(to).Valid() {
			return malformed(msg, ErrInvalidTo)
		}
		msg.To = Role(to)
	}

	switch {
	case typ == string(SignalTypeRegister):
		role, _ := stringField(fields, "role")
		if !Role(role).Valid() {
			return malformed(msg, ErrInvalidRole)
		}
		msg.Kind = KindRegister
		msg.Role = Role(role)
	case typ == string(SignalTypeOffer), typ == string(SignalTypeAnswer):
		if _, ok := stringField(fields, "sdp"); !ok {
			return malformed(msg, ErrMissingSDP)
		}
		msg.Kind = KindOffer
		if typ == string(SignalTypeAnswer) {
			msg.Kind = KindAnswer
		}
	case typ == string(SignalTypeICE) || iceAliases[typ]:
		cand, present := fields["candidate"]
		if !present || string(cand) == "null" {
			return malformed(msg, ErrMissingCand)
		}
		msg.Kind = KindICE
	default:
		msg.Kind = KindUnknown
		msg.Err = fmt.Errorf("unknown message type %q", typ)
	}
	return msg
}

func malformed(msg Message, err error) Message {
	msg.Kind = KindMalformed
	msg.Err = err
	return msg
}

func stringField(fields map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := fields[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// Error codes carried by SignalTypeError notifications.
const (
	ErrorCodeUnregistered       = "unregistered"
	ErrorCodeUnknownType        = "unknown_type"
	ErrorCodeMalformed          = "malformed"
	ErrorCodeInvalidDestination = "invalid_destination"
)

// Notification is a message the relay itself originates.
type Notification struct {
	Type  SignalType `json:"type"`
	Role  Role       `json:"role,omitempty"`
	ID    string     `json:"id,omitempty"`
	Code  string     `json:"code,omitempty"`
	Error string     `json:"error,omitempty"`
}

// Encode marshals n. Notification has no fields that can fail to marshal.
func (n Notification) Encode() []byte {
	data, _ := json.Marshal(n)
	return data
}
