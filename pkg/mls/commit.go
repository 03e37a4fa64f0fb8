package mls

import (
	"bytes"
	"context"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// EncryptedCommitSecret is the commit secret sealed to one remaining member.
type EncryptedCommitSecret struct {
	Recipient  LeafIndex
	Ciphertext []byte
}

// UpdatePath replaces the committer's leaf and distributes the commit
// secret.
type UpdatePath struct {
	LeafNode LeafNode
	Secrets  []EncryptedCommitSecret
}

// Commit applies removals, then the path, then additions.
type Commit struct {
	Adds    []*KeyPackage
	Removes []LeafIndex
	Path    UpdatePath
}

func (c *Commit) marshalTo(b *cryptobyte.Builder) {
	b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, kp := range c.Adds {
			kp.marshalTo(b)
		}
	})
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, r := range c.Removes {
			b.AddUint32(uint32(r))
		}
	})
	c.Path.LeafNode.marshalTo(b)
	b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, s := range c.Path.Secrets {
			b.AddUint32(uint32(s.Recipient))
			addOpaque16(b, s.Ciphertext)
		}
	})
}

func (c *Commit) unmarshal(s *cryptobyte.String) bool {
	var adds, removes, secrets cryptobyte.String
	if !s.ReadUint24LengthPrefixed(&adds) {
		return false
	}
	for !adds.Empty() {
		kp := new(KeyPackage)
		if !kp.unmarshal(&adds) {
			return false
		}
		c.Adds = append(c.Adds, kp)
	}
	if !s.ReadUint16LengthPrefixed(&removes) {
		return false
	}
	for !removes.Empty() {
		var r uint32
		if !removes.ReadUint32(&r) {
			return false
		}
		c.Removes = append(c.Removes, LeafIndex(r))
	}
	if !c.Path.LeafNode.unmarshal(s) || !s.ReadUint24LengthPrefixed(&secrets) {
		return false
	}
	for !secrets.Empty() {
		var r uint32
		var ct []byte
		if !secrets.ReadUint32(&r) || !readOpaque16(&secrets, &ct) {
			return false
		}
		c.Path.Secrets = append(c.Path.Secrets, EncryptedCommitSecret{Recipient: LeafIndex(r), Ciphertext: ct})
	}
	return true
}

// applyCommit returns the member list after c, and the indices the added
// key packages landed at.
func applyCommit(cs Ciphersuite, members []*LeafNode, sender LeafIndex, c *Commit) ([]*LeafNode, []LeafIndex, error) {
	out := cloneMembers(members)

	for _, r := range c.Removes {
		if r == sender {
			return nil, nil, fmt.Errorf("%w: committer removes itself", ErrInvalidProposal)
		}
		if memberAt(out, r) == nil {
			return nil, nil, fmt.Errorf("%w: remove of empty leaf %d", ErrInvalidProposal, r)
		}
		out[r] = nil
	}

	if memberAt(out, sender) == nil {
		return nil, nil, fmt.Errorf("%w: committer %d", ErrUnknownSender, sender)
	}
	if len(c.Path.LeafNode.EncryptionKey) != 32 {
		return nil, nil, fmt.Errorf("%w: path leaf key length", ErrInvalidProposal)
	}
	if !bytes.Equal(c.Path.LeafNode.SignatureKey, out[sender].SignatureKey) {
		return nil, nil, fmt.Errorf("%w: path leaf changes signature key", ErrInvalidProposal)
	}
	out[sender] = c.Path.LeafNode.clone()

	var added []LeafIndex
	for _, kp := range c.Adds {
		if kp.Ciphersuite != cs {
			return nil, nil, fmt.Errorf("%w: key package suite %s", ErrInvalidKeyPackage, kp.Ciphersuite)
		}
		if err := kp.Verify(); err != nil {
			return nil, nil, err
		}
		if _, dup := findLeaf(out, kp.LeafNode.EncryptionKey); dup {
			return nil, nil, fmt.Errorf("%w: duplicate leaf key", ErrInvalidKeyPackage)
		}
		slot := LeafIndex(len(out))
		for i, m := range out {
			if m == nil {
				slot = LeafIndex(i)
				break
			}
		}
		if int(slot) == len(out) {
			out = append(out, nil)
		}
		out[slot] = kp.LeafNode.clone()
		added = append(added, slot)
	}

	for len(out) > 0 && out[len(out)-1] == nil {
		out = out[:len(out)-1]
	}
	return out, added, nil
}

// commitRecipients lists the members that keep their leaf across c and so
// receive the commit secret through the path.
func commitRecipients(members []*LeafNode, sender LeafIndex, c *Commit) []LeafIndex {
	removed := make(map[LeafIndex]bool, len(c.Removes))
	for _, r := range c.Removes {
		removed[r] = true
	}
	var out []LeafIndex
	for i, m := range members {
		idx := LeafIndex(i)
		if m == nil || idx == sender || removed[idx] {
			continue
		}
		out = append(out, idx)
	}
	return out
}

// epochTransition is everything a commit derives for the next epoch.
type epochTransition struct {
	context    GroupContext
	secrets    *GroupEpochSecrets
	welcome    []byte
	joiner     []byte
	tag        []byte
	initSecret *PPRF
	point      uint32
}

// advance consumes init at the commit's point and runs the key schedule
// for the epoch that follows old.
func advance(cs Ciphersuite, old *GroupContext, init *PPRF, framed, signature, commitSecret []byte, members []*LeafNode) (*epochTransition, error) {
	point := commitPoint(cs, framed)
	initValue, err := init.Eval(point)
	if err != nil {
		return nil, err
	}
	punctured, err := init.Puncture(point)
	if err != nil {
		return nil, err
	}

	confirmed := cs.Hash(mustEncode(func(b *cryptobyte.Builder) {
		addOpaque8(b, old.ConfirmedTranscriptHash)
		addOpaque24(b, framed)
		addOpaque8(b, signature)
	}))
	next := GroupContext{
		Ciphersuite:             cs,
		GroupID:                 append([]byte(nil), old.GroupID...),
		Epoch:                   old.Epoch + 1,
		MembersHash:             membersHash(cs, members),
		ConfirmedTranscriptHash: confirmed,
	}

	tr := &epochTransition{context: next, initSecret: punctured, point: point}
	if commitSecret == nil {
		return tr, nil
	}
	tr.joiner = joinerSecret(cs, initValue, commitSecret, &next)
	tr.secrets, tr.welcome = keySchedule(cs, tr.joiner, &next)
	tr.tag = confirmationTag(cs, tr.secrets.ConfirmationKey, confirmed)
	return tr, nil
}

func signedContent(gc *GroupContext, fc *FramedContent) []byte {
	return mustEncode(func(b *cryptobyte.Builder) {
		gc.marshalTo(b)
		fc.marshalTo(b)
	})
}

// commit builds, signs and stages a commit authored by this member. The
// staged commit is stored as the group's pending commit.
func (g *Group) commit(ctx context.Context, provider Provider, signer Signer, adds []*KeyPackage, removes []LeafIndex, params LeafNodeParameters) (*Message, *Welcome, *GroupInfo, error) {
	if err := g.checkActive(); err != nil {
		return nil, nil, nil, err
	}
	if g.pending != nil {
		return nil, nil, nil, ErrPendingCommit
	}
	own := g.ownLeafNode()
	if !bytes.Equal(signer.PublicKey(), own.SignatureKey) {
		return nil, nil, nil, fmt.Errorf("%w: signer does not match own leaf", ErrInvalidSignature)
	}

	cs := g.suite
	storage := provider.Storage()
	current, err := storage.GroupEpochSecrets(ctx, g.GroupID())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read epoch secrets: %w", err)
	}

	leafKey, err := GenerateEncryptionKeyPair(provider.Rand())
	if err != nil {
		return nil, nil, nil, err
	}
	cred := own.Credential
	if params.Credential != nil {
		cred = NewBasicCredential(params.Credential.Identity)
	}
	commitSecret, err := randomBytes(provider.Rand(), cs.HashLength())
	if err != nil {
		return nil, nil, nil, err
	}

	c := &Commit{
		Adds:    adds,
		Removes: removes,
		Path: UpdatePath{LeafNode: LeafNode{
			EncryptionKey: leafKey.Public,
			SignatureKey:  own.SignatureKey,
			Credential:    cred,
		}},
	}
	members, added, err := applyCommit(cs, g.state.Members, g.state.OwnIndex, c)
	if err != nil {
		return nil, nil, nil, err
	}
	for _, r := range commitRecipients(g.state.Members, g.state.OwnIndex, c) {
		ct, err := seal(provider.Rand(), g.state.Members[r].EncryptionKey, commitSecret)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("seal commit secret: %w", err)
		}
		c.Path.Secrets = append(c.Path.Secrets, EncryptedCommitSecret{Recipient: r, Ciphertext: ct})
	}

	content, err := encode(c.marshalTo)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encode commit: %w", err)
	}
	fc := FramedContent{
		GroupID:     g.GroupID(),
		Epoch:       g.Epoch(),
		Sender:      g.state.OwnIndex,
		ContentType: ContentTypeCommit,
		Content:     content,
	}
	sig, err := signer.Sign(signedContent(&g.state.Context, &fc))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("sign commit: %w", err)
	}
	framed := mustEncode(fc.marshalTo)

	tr, err := advance(cs, &g.state.Context, current.InitSecret, framed, sig, commitSecret, members)
	if err != nil {
		return nil, nil, nil, err
	}

	gi := &GroupInfo{
		Context:         tr.context,
		Members:         members,
		ConfirmationTag: tr.tag,
		Signer:          g.state.OwnIndex,
	}
	gi.Signature, err = signer.Sign(gi.tbs())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("sign group info: %w", err)
	}

	var welcome *Welcome
	if len(adds) > 0 {
		welcome, err = newWelcome(provider, cs, tr.joiner, tr.welcome, adds, gi)
		if err != nil {
			return nil, nil, nil, err
		}
	}

	sc := &StagedCommit{
		sender:     g.state.OwnIndex,
		added:      added,
		initSecret: tr.initSecret,
		point:      tr.point,
		state: &GroupStateRecord{
			Context:  tr.context,
			Members:  members,
			OwnIndex: g.state.OwnIndex,
		},
		secrets: tr.secrets,
		ownLeaf: leafKey,
	}
	if err := storage.WritePendingCommit(ctx, g.GroupID(), sc); err != nil {
		return nil, nil, nil, fmt.Errorf("store pending commit: %w", err)
	}
	g.pending = sc

	msg := &Message{
		WireFormat: WireFormatPublicMessage,
		Public: &PublicMessage{
			Content:         fc,
			Signature:       sig,
			ConfirmationTag: tr.tag,
		},
	}
	return msg, welcome, gi, nil
}
