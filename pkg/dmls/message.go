package dmls

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"

	"github.com/gezibash/arc-dmls/pkg/epoch"
	"github.com/gezibash/arc-dmls/pkg/mls"
)

// MessageOut is an outbound protocol message tagged with the epoch it was
// produced in. Encoded as opaque epoch<0..255> followed by the message.
type MessageOut struct {
	Epoch   epoch.ID
	Message *mls.Message
}

// Marshal encodes the envelope.
func (m *MessageOut) Marshal() ([]byte, error) {
	if len(m.Epoch) == 0 || len(m.Epoch) > 255 {
		return nil, fmt.Errorf("%w: length %d", epoch.ErrInvalidID, len(m.Epoch))
	}
	b := cryptobyte.NewBuilder(nil)
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(m.Epoch)
	})
	m.Message.MarshalTo(b)
	return b.Bytes()
}

// MessageIn is an inbound protocol message and the epoch it is addressed to.
type MessageIn struct {
	Epoch   epoch.ID
	Message *mls.Message
}

// UnmarshalMessageIn decodes an envelope produced by MessageOut.Marshal.
func UnmarshalMessageIn(data []byte) (*MessageIn, error) {
	s := cryptobyte.String(data)
	var id []byte
	if !s.ReadUint8LengthPrefixed((*cryptobyte.String)(&id)) || len(id) == 0 {
		return nil, fmt.Errorf("%w: missing epoch id", mls.ErrMalformedMessage)
	}
	msg, err := mls.ReadMessage(&s)
	if err != nil {
		return nil, err
	}
	if !s.Empty() {
		return nil, fmt.Errorf("%w: %d trailing bytes", mls.ErrMalformedMessage, len(s))
	}
	return &MessageIn{Epoch: epoch.ID(id).Clone(), Message: msg}, nil
}

// In returns the envelope as a receiver sees it.
func (m *MessageOut) In() *MessageIn {
	return &MessageIn{Epoch: m.Epoch.Clone(), Message: m.Message}
}

// CommitBundle is the result of a self-authored commit.
type CommitBundle struct {
	Message   *MessageOut
	Welcome   *mls.Welcome
	GroupInfo *mls.GroupInfo
}
