package mls

import (
	"encoding/json"
)

// StagedCommit is a validated commit that has not been applied yet. It
// carries the next epoch's state together with the current epoch's init
// secret punctured at this commit's point.
type StagedCommit struct {
	sender      LeafIndex
	added       []LeafIndex
	selfRemoved bool
	point       uint32

	initSecret *PPRF
	state      *GroupStateRecord
	secrets    *GroupEpochSecrets
	ownLeaf    *EncryptionKeyPair
}

func (*StagedCommit) isProcessedContent() {}

// Sender is the committer's leaf index.
func (sc *StagedCommit) Sender() LeafIndex { return sc.sender }

// AddedMembers lists the leaves filled by the commit's additions.
func (sc *StagedCommit) AddedMembers() []LeafIndex { return sc.added }

// SelfRemoved reports whether merging evicts this member.
func (sc *StagedCommit) SelfRemoved() bool { return sc.selfRemoved }

// Point is the commit's evaluation point in the init secret of the epoch
// it leaves. Merging punctures that epoch's stored init secret here.
func (sc *StagedCommit) Point() uint32 { return sc.point }

// NewEpoch is the numeric epoch the commit leads to. It is zero when the
// commit evicts this member.
func (sc *StagedCommit) NewEpoch() uint64 {
	if sc.state == nil {
		return 0
	}
	return sc.state.Context.Epoch
}

// InitSecret returns the init secret of the epoch the commit leaves,
// punctured so that this commit can no longer be derived from it.
func (sc *StagedCommit) InitSecret() (*PPRF, error) {
	if sc.initSecret == nil {
		return nil, ErrMissingInitSecret
	}
	return sc.initSecret, nil
}

type stagedCommitRecord struct {
	Sender      LeafIndex          `json:"sender"`
	Added       []LeafIndex        `json:"added,omitempty"`
	SelfRemoved bool               `json:"self_removed,omitempty"`
	Point       uint32             `json:"point"`
	InitSecret  *PPRF              `json:"init_secret"`
	State       *GroupStateRecord  `json:"state,omitempty"`
	Secrets     *GroupEpochSecrets `json:"secrets,omitempty"`
	OwnLeaf     *EncryptionKeyPair `json:"own_leaf,omitempty"`
}

func (sc *StagedCommit) MarshalJSON() ([]byte, error) {
	return json.Marshal(stagedCommitRecord{
		Sender:      sc.sender,
		Added:       sc.added,
		SelfRemoved: sc.selfRemoved,
		Point:       sc.point,
		InitSecret:  sc.initSecret,
		State:       sc.state,
		Secrets:     sc.secrets,
		OwnLeaf:     sc.ownLeaf,
	})
}

func (sc *StagedCommit) UnmarshalJSON(data []byte) error {
	var rec stagedCommitRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	*sc = StagedCommit{
		sender:      rec.Sender,
		added:       rec.Added,
		selfRemoved: rec.SelfRemoved,
		point:       rec.Point,
		initSecret:  rec.InitSecret,
		state:       rec.State,
		secrets:     rec.Secrets,
		ownLeaf:     rec.OwnLeaf,
	}
	return nil
}
