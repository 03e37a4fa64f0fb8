package mls

import (
	"bytes"

	"golang.org/x/crypto/cryptobyte"
)

// LeafIndex is a member's position in the group. Indices are stable: a
// removed member leaves a blank that a later add may fill.
type LeafIndex uint32

// LeafNode is the public half of a member's slot.
type LeafNode struct {
	EncryptionKey []byte     `json:"encryption_key"`
	SignatureKey  []byte     `json:"signature_key"`
	Credential    Credential `json:"credential"`
}

// LeafNodeParameters customizes the leaf produced by a self update.
// A nil Credential keeps the current one.
type LeafNodeParameters struct {
	Credential *Credential
}

// Member is one occupied leaf.
type Member struct {
	Index         LeafIndex
	Identity      []byte
	SignatureKey  []byte
	EncryptionKey []byte
}

func (ln *LeafNode) marshalTo(b *cryptobyte.Builder) {
	addOpaque8(b, ln.EncryptionKey)
	addOpaque8(b, ln.SignatureKey)
	addOpaque16(b, ln.Credential.Identity)
}

func (ln *LeafNode) unmarshal(s *cryptobyte.String) bool {
	return readOpaque8(s, &ln.EncryptionKey) &&
		readOpaque8(s, &ln.SignatureKey) &&
		readOpaque16(s, &ln.Credential.Identity)
}

func (ln *LeafNode) clone() *LeafNode {
	if ln == nil {
		return nil
	}
	return &LeafNode{
		EncryptionKey: append([]byte(nil), ln.EncryptionKey...),
		SignatureKey:  append([]byte(nil), ln.SignatureKey...),
		Credential:    NewBasicCredential(ln.Credential.Identity),
	}
}

// marshalMembers encodes a leaf list, blanks included.
func marshalMembers(b *cryptobyte.Builder, members []*LeafNode) {
	b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, m := range members {
			if m == nil {
				b.AddUint8(0)
				continue
			}
			b.AddUint8(1)
			m.marshalTo(b)
		}
	})
}

func unmarshalMembers(s *cryptobyte.String, out *[]*LeafNode) bool {
	var list cryptobyte.String
	if !s.ReadUint24LengthPrefixed(&list) {
		return false
	}
	var members []*LeafNode
	for !list.Empty() {
		var present uint8
		if !list.ReadUint8(&present) {
			return false
		}
		switch present {
		case 0:
			members = append(members, nil)
		case 1:
			ln := new(LeafNode)
			if !ln.unmarshal(&list) {
				return false
			}
			members = append(members, ln)
		default:
			return false
		}
	}
	*out = members
	return true
}

func cloneMembers(members []*LeafNode) []*LeafNode {
	out := make([]*LeafNode, len(members))
	for i, m := range members {
		out[i] = m.clone()
	}
	return out
}

func membersHash(cs Ciphersuite, members []*LeafNode) []byte {
	return cs.Hash(mustEncode(func(b *cryptobyte.Builder) { marshalMembers(b, members) }))
}

// findLeaf returns the index of the leaf holding encKey.
func findLeaf(members []*LeafNode, encKey []byte) (LeafIndex, bool) {
	for i, m := range members {
		if m != nil && bytes.Equal(m.EncryptionKey, encKey) {
			return LeafIndex(i), true
		}
	}
	return 0, false
}

func memberAt(members []*LeafNode, idx LeafIndex) *LeafNode {
	if int(idx) >= len(members) {
		return nil
	}
	return members[idx]
}
