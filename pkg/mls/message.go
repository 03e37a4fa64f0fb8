package mls

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// ProtocolVersion is the only version this engine speaks.
const ProtocolVersion uint16 = 1

// WireFormat tags the body of a Message.
type WireFormat uint16

const (
	WireFormatPublicMessage  WireFormat = 1
	WireFormatPrivateMessage WireFormat = 2
	WireFormatWelcome        WireFormat = 3
	WireFormatGroupInfo      WireFormat = 4
	WireFormatKeyPackage     WireFormat = 5
)

func (w WireFormat) String() string {
	switch w {
	case WireFormatPublicMessage:
		return "public_message"
	case WireFormatPrivateMessage:
		return "private_message"
	case WireFormatWelcome:
		return "welcome"
	case WireFormatGroupInfo:
		return "group_info"
	case WireFormatKeyPackage:
		return "key_package"
	default:
		return fmt.Sprintf("wire_format(%d)", uint16(w))
	}
}

// ContentType tags the payload of framed content.
type ContentType uint8

const (
	ContentTypeApplication ContentType = 1
	ContentTypeCommit      ContentType = 3
)

// FramedContent is the signed part of a handshake or application message.
type FramedContent struct {
	GroupID     []byte
	Epoch       uint64
	Sender      LeafIndex
	ContentType ContentType
	Content     []byte
}

func (fc *FramedContent) marshalTo(b *cryptobyte.Builder) {
	addOpaque8(b, fc.GroupID)
	b.AddUint64(fc.Epoch)
	b.AddUint32(uint32(fc.Sender))
	b.AddUint8(uint8(fc.ContentType))
	addOpaque24(b, fc.Content)
}

func (fc *FramedContent) unmarshal(s *cryptobyte.String) bool {
	var sender uint32
	var ct uint8
	if !readOpaque8(s, &fc.GroupID) || !s.ReadUint64(&fc.Epoch) ||
		!s.ReadUint32(&sender) || !s.ReadUint8(&ct) || !readOpaque24(s, &fc.Content) {
		return false
	}
	fc.Sender = LeafIndex(sender)
	fc.ContentType = ContentType(ct)
	return true
}

// PublicMessage carries signed, unencrypted framed content. Commits travel
// as public messages.
type PublicMessage struct {
	Content         FramedContent
	Signature       []byte
	ConfirmationTag []byte
}

func (pm *PublicMessage) marshalTo(b *cryptobyte.Builder) {
	pm.Content.marshalTo(b)
	addOpaque8(b, pm.Signature)
	addOpaque8(b, pm.ConfirmationTag)
}

func (pm *PublicMessage) unmarshal(s *cryptobyte.String) bool {
	return pm.Content.unmarshal(s) &&
		readOpaque8(s, &pm.Signature) &&
		readOpaque8(s, &pm.ConfirmationTag)
}

// PrivateMessage carries encrypted application content.
type PrivateMessage struct {
	GroupID    []byte
	Epoch      uint64
	Sender     LeafIndex
	Generation uint32
	Ciphertext []byte
}

func (pm *PrivateMessage) aad() []byte {
	return mustEncode(func(b *cryptobyte.Builder) {
		addOpaque8(b, pm.GroupID)
		b.AddUint64(pm.Epoch)
		b.AddUint32(uint32(pm.Sender))
		b.AddUint32(pm.Generation)
	})
}

func (pm *PrivateMessage) marshalTo(b *cryptobyte.Builder) {
	addOpaque8(b, pm.GroupID)
	b.AddUint64(pm.Epoch)
	b.AddUint32(uint32(pm.Sender))
	b.AddUint32(pm.Generation)
	addOpaque24(b, pm.Ciphertext)
}

func (pm *PrivateMessage) unmarshal(s *cryptobyte.String) bool {
	var sender uint32
	if !readOpaque8(s, &pm.GroupID) || !s.ReadUint64(&pm.Epoch) ||
		!s.ReadUint32(&sender) || !s.ReadUint32(&pm.Generation) || !readOpaque24(s, &pm.Ciphertext) {
		return false
	}
	pm.Sender = LeafIndex(sender)
	return true
}

// Message is the top-level wire container. Exactly one body field is set,
// matching WireFormat.
type Message struct {
	WireFormat WireFormat
	Public     *PublicMessage
	Private    *PrivateMessage
	Welcome    *Welcome
	GroupInfo  *GroupInfo
	KeyPackage *KeyPackage
}

// GroupID returns the group a public or private message belongs to.
func (m *Message) GroupID() ([]byte, error) {
	switch m.WireFormat {
	case WireFormatPublicMessage:
		return m.Public.Content.GroupID, nil
	case WireFormatPrivateMessage:
		return m.Private.GroupID, nil
	case WireFormatGroupInfo:
		return m.GroupInfo.Context.GroupID, nil
	default:
		return nil, fmt.Errorf("%w: %s carries no group id", ErrMalformedMessage, m.WireFormat)
	}
}

// MarshalTo appends the encoded message to b.
func (m *Message) MarshalTo(b *cryptobyte.Builder) {
	b.AddUint16(ProtocolVersion)
	b.AddUint16(uint16(m.WireFormat))
	switch m.WireFormat {
	case WireFormatPublicMessage:
		m.Public.marshalTo(b)
	case WireFormatPrivateMessage:
		m.Private.marshalTo(b)
	case WireFormatWelcome:
		m.Welcome.marshalTo(b)
	case WireFormatGroupInfo:
		m.GroupInfo.marshalTo(b)
	case WireFormatKeyPackage:
		m.KeyPackage.marshalTo(b)
	default:
		b.SetError(fmt.Errorf("%w: unknown %s", ErrMalformedMessage, m.WireFormat))
	}
}

// Marshal encodes the message.
func (m *Message) Marshal() ([]byte, error) {
	return encode(m.MarshalTo)
}

// ReadMessage decodes one message from the front of s.
func ReadMessage(s *cryptobyte.String) (*Message, error) {
	var version, wf uint16
	if !s.ReadUint16(&version) || !s.ReadUint16(&wf) {
		return nil, fmt.Errorf("%w: short header", ErrMalformedMessage)
	}
	if version != ProtocolVersion {
		return nil, fmt.Errorf("%w: version %d", ErrMalformedMessage, version)
	}

	m := &Message{WireFormat: WireFormat(wf)}
	var ok bool
	switch m.WireFormat {
	case WireFormatPublicMessage:
		m.Public = new(PublicMessage)
		ok = m.Public.unmarshal(s)
	case WireFormatPrivateMessage:
		m.Private = new(PrivateMessage)
		ok = m.Private.unmarshal(s)
	case WireFormatWelcome:
		m.Welcome = new(Welcome)
		ok = m.Welcome.unmarshal(s)
	case WireFormatGroupInfo:
		m.GroupInfo = new(GroupInfo)
		ok = m.GroupInfo.unmarshal(s)
	case WireFormatKeyPackage:
		m.KeyPackage = new(KeyPackage)
		ok = m.KeyPackage.unmarshal(s)
	default:
		return nil, fmt.Errorf("%w: unknown %s", ErrMalformedMessage, m.WireFormat)
	}
	if !ok {
		return nil, fmt.Errorf("%w: truncated %s", ErrMalformedMessage, m.WireFormat)
	}
	return m, nil
}

// UnmarshalMessage decodes data, which must hold exactly one message.
func UnmarshalMessage(data []byte) (*Message, error) {
	s := cryptobyte.String(data)
	m, err := ReadMessage(&s)
	if err != nil {
		return nil, err
	}
	if !s.Empty() {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedMessage, len(s))
	}
	return m, nil
}
