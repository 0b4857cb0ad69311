// Package dirproto defines the directory protocol spoken between supervised
// programs and the watchdog's directory server.
//
// Every message is a fixed-size little-endian struct starting with a 4-byte
// type tag. There is no version negotiation; the tag alone identifies the
// message.
//
//    OK  WDOK                                  (4 bytes)
//    ID  WDID name[32] node:i32 pid:i32 chid:i32 (48 bytes)
//    SV  WDSV chid:i32 name[32]                (40 bytes)
//
// Replies are the request message itself (ID fills in the address) preceded
// by a Status.
package dirproto

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// Tag is a message type tag, four ASCII characters packed big-endian so that
// hex dumps read naturally.
type Tag uint32

// MakeTag packs 4 characters into a Tag.
func MakeTag(a, b, c, d byte) Tag {
	return Tag(a)<<24 | Tag(b)<<16 | Tag(c)<<8 | Tag(d)
}

func (t Tag) String() string {
	return string([]byte{byte(t >> 24), byte(t >> 16), byte(t >> 8), byte(t)})
}

// Message tags.
var (
	TagOK       = MakeTag('W', 'D', 'O', 'K')
	TagLookup   = MakeTag('W', 'D', 'I', 'D')
	TagRegister = MakeTag('W', 'D', 'S', 'V')
)

// NameSize is the size of the fixed name field. Names are not guaranteed to be
// NUL-terminated on the wire.
const NameSize = 32

// Message sizes on the wire.
const (
	TagSize      = 4
	OKSize       = TagSize
	LookupSize   = TagSize + NameSize + AddressSize
	RegisterSize = TagSize + 4 + NameSize
	AddressSize  = 12

	// MaxSize is the size of the largest message.
	MaxSize = LookupSize
)

var order = binary.LittleEndian

// Address identifies one addressable endpoint. Node descriptors are relative
// to the observer and change after network resets, so addresses must never be
// stored beyond the exchange that produced them.
type Address struct {
	Node int32
	PID  int32
	Chid int32
}

func (a Address) String() string {
	return fmt.Sprintf("nd=%d pid=%d chid=%d", a.Node, a.PID, a.Chid)
}

// Valid returns true if the address names a process and channel.
func (a Address) Valid() bool {
	return a.PID > 0 && a.Chid > 0
}

// Message is one of *OK, *Lookup or *Register.
type Message interface {
	Tag() Tag
	// Size returns the encoded size.
	Size() int
	// Encode writes the message into b, which is at least Size() bytes long.
	Encode(b []byte)
	// decode reads the message from b, which is exactly Size() bytes long.
	decode(b []byte)
}

// OK is the heartbeat message. It has no payload.
type OK struct{}

func (*OK) Tag() Tag        { return TagOK }
func (*OK) Size() int       { return OKSize }
func (*OK) Encode(b []byte) { order.PutUint32(b, uint32(TagOK)) }
func (*OK) decode(b []byte) {}

// Lookup asks for the address of the program with the given logical name. The
// server fills in Address in the reply.
type Lookup struct {
	Name    [NameSize]byte
	Address Address
}

// NewLookup creates a lookup for the given name. Names longer than NameSize
// are truncated.
func NewLookup(name string) *Lookup {
	l := &Lookup{}
	copy(l.Name[:], name)
	return l
}

func (*Lookup) Tag() Tag  { return TagLookup }
func (*Lookup) Size() int { return LookupSize }

// NameString returns the name up to the first NUL or the end of the field.
func (l *Lookup) NameString() string { return nameString(l.Name[:]) }

func (l *Lookup) Encode(b []byte) {
	order.PutUint32(b, uint32(TagLookup))
	copy(b[4:4+NameSize], l.Name[:])
	encodeAddress(b[4+NameSize:], l.Address)
}

func (l *Lookup) decode(b []byte) {
	copy(l.Name[:], b[4:4+NameSize])
	l.Address = decodeAddress(b[4+NameSize:])
}

// Register announces the sender's channel under the sender's own notion of its
// logical name.
type Register struct {
	Chid int32
	Name [NameSize]byte
}

// NewRegister creates a registration for the given channel and name.
func NewRegister(chid int32, name string) *Register {
	r := &Register{Chid: chid}
	copy(r.Name[:], name)
	return r
}

func (*Register) Tag() Tag  { return TagRegister }
func (*Register) Size() int { return RegisterSize }

// NameString returns the name up to the first NUL or the end of the field.
func (r *Register) NameString() string { return nameString(r.Name[:]) }

func (r *Register) Encode(b []byte) {
	order.PutUint32(b, uint32(TagRegister))
	order.PutUint32(b[4:], uint32(r.Chid))
	copy(b[8:8+NameSize], r.Name[:])
}

func (r *Register) decode(b []byte) {
	r.Chid = int32(order.Uint32(b[4:]))
	copy(r.Name[:], b[8:8+NameSize])
}

func encodeAddress(b []byte, a Address) {
	order.PutUint32(b[0:], uint32(a.Node))
	order.PutUint32(b[4:], uint32(a.PID))
	order.PutUint32(b[8:], uint32(a.Chid))
}

func decodeAddress(b []byte) Address {
	return Address{
		Node: int32(order.Uint32(b[0:])),
		PID:  int32(order.Uint32(b[4:])),
		Chid: int32(order.Uint32(b[8:])),
	}
}

func nameString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// Marshal encodes a message into a new buffer.
func Marshal(m Message) []byte {
	b := make([]byte, m.Size())
	m.Encode(b)
	return b
}

// Unmarshal decodes a message. The buffer must be exactly as long as the
// message its tag names; anything else is ErrBadMessage. An unknown tag is
// ErrUnknownMessage.
func Unmarshal(b []byte) (Message, error) {
	if len(b) < TagSize {
		return nil, errors.Wrapf(ErrBadMessage, "message of %d bytes is too short", len(b))
	}

	var m Message
	switch tag := Tag(order.Uint32(b)); tag {
	case TagOK:
		m = &OK{}
	case TagLookup:
		m = &Lookup{}
	case TagRegister:
		m = &Register{}
	default:
		return nil, errors.Wrapf(ErrUnknownMessage, "tag %08x", uint32(tag))
	}

	if len(b) != m.Size() {
		return nil, errors.Wrapf(ErrBadMessage,
			"%s message has %d bytes, expected %d", m.Tag(), len(b), m.Size())
	}

	m.decode(b)
	return m, nil
}
