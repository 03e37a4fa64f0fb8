package mls

import (
	"bytes"
	"context"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// ApplicationMessage is decrypted application data.
type ApplicationMessage []byte

func (ApplicationMessage) isProcessedContent() {}

// ProcessedContent is either an ApplicationMessage or a *StagedCommit.
type ProcessedContent interface {
	isProcessedContent()
}

// ProcessedMessage is the result of ProcessMessage.
type ProcessedMessage struct {
	GroupID []byte
	Epoch   uint64
	Sender  LeafIndex
	Content ProcessedContent
}

// ProcessMessage validates an inbound public or private message. Commits
// come back staged; nothing is written to storage.
//
// The init secret is read from the provider's storage rather than from the
// handle, so a commit punctured by another handle on the same epoch is
// rejected with ErrInitSecretPunctured.
func (g *Group) ProcessMessage(ctx context.Context, provider Provider, msg *Message) (*ProcessedMessage, error) {
	if err := g.checkActive(); err != nil {
		return nil, err
	}
	switch msg.WireFormat {
	case WireFormatPublicMessage:
		return g.processCommit(ctx, provider, msg.Public)
	case WireFormatPrivateMessage:
		return g.processApplication(msg.Private)
	default:
		return nil, fmt.Errorf("%w: cannot process %s", ErrMalformedMessage, msg.WireFormat)
	}
}

func (g *Group) checkFraming(groupID []byte, epoch uint64, sender LeafIndex) (*LeafNode, error) {
	if !bytes.Equal(groupID, g.GroupID()) {
		return nil, ErrWrongGroup
	}
	if epoch != g.Epoch() {
		return nil, fmt.Errorf("%w: got %d, at %d", ErrWrongEpoch, epoch, g.Epoch())
	}
	leaf := memberAt(g.state.Members, sender)
	if leaf == nil {
		return nil, fmt.Errorf("%w: leaf %d", ErrUnknownSender, sender)
	}
	return leaf, nil
}

func (g *Group) processCommit(ctx context.Context, provider Provider, pm *PublicMessage) (*ProcessedMessage, error) {
	fc := &pm.Content
	leaf, err := g.checkFraming(fc.GroupID, fc.Epoch, fc.Sender)
	if err != nil {
		return nil, err
	}
	if fc.ContentType != ContentTypeCommit {
		return nil, fmt.Errorf("%w: public content type %d", ErrMalformedMessage, fc.ContentType)
	}
	if err := verify(leaf.SignatureKey, signedContent(&g.state.Context, fc), pm.Signature); err != nil {
		return nil, err
	}
	if fc.Sender == g.state.OwnIndex {
		return nil, ErrOwnCommit
	}

	c := new(Commit)
	s := cryptobyte.String(fc.Content)
	if !c.unmarshal(&s) || !s.Empty() {
		return nil, fmt.Errorf("%w: commit", ErrMalformedMessage)
	}
	members, added, err := applyCommit(g.suite, g.state.Members, fc.Sender, c)
	if err != nil {
		return nil, err
	}

	current, err := provider.Storage().GroupEpochSecrets(ctx, g.GroupID())
	if err != nil {
		return nil, fmt.Errorf("read epoch secrets: %w", err)
	}
	framed := mustEncode(fc.marshalTo)

	selfRemoved := false
	for _, r := range c.Removes {
		if r == g.state.OwnIndex {
			selfRemoved = true
		}
	}

	var commitSecret []byte
	if !selfRemoved {
		var sealed []byte
		for _, es := range c.Path.Secrets {
			if es.Recipient == g.state.OwnIndex {
				sealed = es.Ciphertext
				break
			}
		}
		if sealed == nil {
			return nil, ErrMissingPathSecret
		}
		if commitSecret, err = open(g.ownLeaf.Private, sealed); err != nil {
			return nil, fmt.Errorf("open commit secret: %w", err)
		}
	}

	tr, err := advance(g.suite, &g.state.Context, current.InitSecret, framed, pm.Signature, commitSecret, members)
	if err != nil {
		return nil, err
	}

	sc := &StagedCommit{
		sender:      fc.Sender,
		added:       added,
		selfRemoved: selfRemoved,
		point:       tr.point,
		initSecret:  tr.initSecret,
	}
	if !selfRemoved {
		if err := verifyConfirmationTag(g.suite, tr.secrets.ConfirmationKey, tr.context.ConfirmedTranscriptHash, pm.ConfirmationTag); err != nil {
			return nil, err
		}
		sc.state = &GroupStateRecord{
			Context:  tr.context,
			Members:  members,
			OwnIndex: g.state.OwnIndex,
		}
		sc.secrets = tr.secrets
	}

	return &ProcessedMessage{
		GroupID: g.GroupID(),
		Epoch:   fc.Epoch,
		Sender:  fc.Sender,
		Content: sc,
	}, nil
}

func (g *Group) processApplication(pm *PrivateMessage) (*ProcessedMessage, error) {
	leaf, err := g.checkFraming(pm.GroupID, pm.Epoch, pm.Sender)
	if err != nil {
		return nil, err
	}
	if pm.Sender == g.state.OwnIndex {
		return nil, ErrOwnMessage
	}

	key, nonce := applicationKeyNonce(g.suite, g.secrets.EncryptionSecret, pm.Sender, pm.Generation)
	plaintext, err := aeadOpen(key, nonce, pm.Ciphertext, pm.aad())
	if err != nil {
		return nil, err
	}

	var content, sig []byte
	s := cryptobyte.String(plaintext)
	if !readOpaque24(&s, &content) || !readOpaque8(&s, &sig) || !s.Empty() {
		return nil, fmt.Errorf("%w: application plaintext", ErrMalformedMessage)
	}
	fc := &FramedContent{
		GroupID:     pm.GroupID,
		Epoch:       pm.Epoch,
		Sender:      pm.Sender,
		ContentType: ContentTypeApplication,
		Content:     content,
	}
	if err := verify(leaf.SignatureKey, signedContent(&g.state.Context, fc), sig); err != nil {
		return nil, err
	}

	return &ProcessedMessage{
		GroupID: g.GroupID(),
		Epoch:   pm.Epoch,
		Sender:  pm.Sender,
		Content: ApplicationMessage(content),
	}, nil
}
