// Package epochstore implements the epoch-scoped protocol storage on top of
// a physical namespaced backend. Each epoch id maps to one namespace.
package epochstore

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gezibash/arc-dmls/internal/epochstore/physical"
	"github.com/gezibash/arc-dmls/pkg/epoch"
	"github.com/gezibash/arc-dmls/pkg/mls"
)

// Record kinds. A record key is "<kind>/<hex id>".
const (
	KindGroupState    = "group_state"
	KindEpochSecrets  = "epoch_secrets"
	KindOwnLeaf       = "own_leaf"
	KindPendingCommit = "pending_commit"
	KindKeyPackage    = "key_package"
)

func recordKey(kind string, id []byte) string {
	return kind + "/" + hex.EncodeToString(id)
}

// Store is the storage of one epoch. It implements epoch.Store.
type Store struct {
	f  *Factory
	id epoch.ID
	ns string
}

var _ epoch.Store = (*Store)(nil)

// Epoch returns the epoch this store is scoped to.
func (s *Store) Epoch() epoch.ID { return s.id.Clone() }

func (s *Store) put(ctx context.Context, kind string, id []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	if err := s.f.backend.Put(ctx, s.ns, recordKey(kind, id), data); err != nil {
		return fmt.Errorf("write %s: %w", kind, err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, kind string, id []byte, v any) error {
	data, err := s.f.backend.Get(ctx, s.ns, recordKey(kind, id))
	if errors.Is(err, physical.ErrNotFound) {
		return mls.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", kind, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", kind, err)
	}
	return nil
}

func (s *Store) del(ctx context.Context, kind string, id []byte) error {
	if err := s.f.backend.Delete(ctx, s.ns, recordKey(kind, id)); err != nil {
		return fmt.Errorf("delete %s: %w", kind, err)
	}
	return nil
}

func (s *Store) WriteGroupState(ctx context.Context, groupID []byte, state *mls.GroupStateRecord) error {
	return s.put(ctx, KindGroupState, groupID, state)
}

func (s *Store) GroupState(ctx context.Context, groupID []byte) (*mls.GroupStateRecord, error) {
	state := new(mls.GroupStateRecord)
	if err := s.get(ctx, KindGroupState, groupID, state); err != nil {
		return nil, err
	}
	return state, nil
}

func (s *Store) WriteGroupEpochSecrets(ctx context.Context, groupID []byte, secrets *mls.GroupEpochSecrets) error {
	return s.put(ctx, KindEpochSecrets, groupID, secrets)
}

func (s *Store) GroupEpochSecrets(ctx context.Context, groupID []byte) (*mls.GroupEpochSecrets, error) {
	secrets := new(mls.GroupEpochSecrets)
	if err := s.get(ctx, KindEpochSecrets, groupID, secrets); err != nil {
		return nil, err
	}
	return secrets, nil
}

func (s *Store) WriteOwnLeafKey(ctx context.Context, groupID []byte, key *mls.EncryptionKeyPair) error {
	return s.put(ctx, KindOwnLeaf, groupID, key)
}

func (s *Store) OwnLeafKey(ctx context.Context, groupID []byte) (*mls.EncryptionKeyPair, error) {
	key := new(mls.EncryptionKeyPair)
	if err := s.get(ctx, KindOwnLeaf, groupID, key); err != nil {
		return nil, err
	}
	return key, nil
}

func (s *Store) WritePendingCommit(ctx context.Context, groupID []byte, commit *mls.StagedCommit) error {
	return s.put(ctx, KindPendingCommit, groupID, commit)
}

func (s *Store) PendingCommit(ctx context.Context, groupID []byte) (*mls.StagedCommit, error) {
	commit := new(mls.StagedCommit)
	if err := s.get(ctx, KindPendingCommit, groupID, commit); err != nil {
		return nil, err
	}
	return commit, nil
}

func (s *Store) DeletePendingCommit(ctx context.Context, groupID []byte) error {
	return s.del(ctx, KindPendingCommit, groupID)
}

func (s *Store) WriteKeyPackage(ctx context.Context, ref []byte, bundle *mls.KeyPackageBundle) error {
	return s.put(ctx, KindKeyPackage, ref, bundle)
}

func (s *Store) KeyPackage(ctx context.Context, ref []byte) (*mls.KeyPackageBundle, error) {
	bundle := new(mls.KeyPackageBundle)
	if err := s.get(ctx, KindKeyPackage, ref, bundle); err != nil {
		return nil, err
	}
	return bundle, nil
}

func (s *Store) DeleteKeyPackage(ctx context.Context, ref []byte) error {
	return s.del(ctx, KindKeyPackage, ref)
}

// Keys lists the record keys held by this epoch.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	return s.f.backend.Keys(ctx, s.ns)
}

// CloneInto replaces dst with a copy of every record of this epoch.
func (s *Store) CloneInto(ctx context.Context, dst epoch.ID) error {
	keys, err := s.f.backend.Keys(ctx, s.ns)
	if err != nil {
		s.f.metrics.NamespaceOp("clone", s.f.name, err)
		return fmt.Errorf("clone %s: %w", s.id.Short(), err)
	}
	err = s.f.backend.Clone(ctx, s.ns, s.f.namespace(dst))
	s.f.metrics.NamespaceOp("clone", s.f.name, err)
	if err != nil {
		return fmt.Errorf("clone %s -> %s: %w", s.id.Short(), dst.Short(), err)
	}
	s.f.metrics.Copied(len(keys))
	return nil
}

// Delete removes every record of this epoch.
func (s *Store) Delete(ctx context.Context) error {
	err := s.f.backend.Drop(ctx, s.ns)
	s.f.metrics.NamespaceOp("drop", s.f.name, err)
	if err != nil {
		return fmt.Errorf("delete %s: %w", s.id.Short(), err)
	}
	return nil
}
