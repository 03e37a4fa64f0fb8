package mls

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// pprfDepth is the input width of the PPRF in bits.
const pprfDepth = 32

type pprfNode struct {
	Prefix uint32 `json:"prefix"`
	Depth  uint8  `json:"depth"`
	Seed   []byte `json:"seed"`
}

func (n pprfNode) covers(x uint32) bool {
	// Shifting a uint32 by 32 yields 0, so the root covers every input.
	return x>>(pprfDepth-uint32(n.Depth)) == n.Prefix
}

// PPRF is a GGM-tree puncturable PRF over 32-bit inputs. It is the init
// secret of an epoch: each commit evaluates it at a point derived from the
// commit's content, and puncturing that point makes the commit's key
// material underivable from this secret forever after.
//
// A PPRF is immutable; Puncture returns a new value.
type PPRF struct {
	suite Ciphersuite
	nodes []pprfNode
}

// NewPPRF creates an unpunctured PPRF rooted at seed.
func NewPPRF(cs Ciphersuite, seed []byte) *PPRF {
	return &PPRF{
		suite: cs,
		nodes: []pprfNode{{Seed: append([]byte(nil), seed...)}},
	}
}

func (p *PPRF) child(seed []byte, bit uint32) []byte {
	if bit == 0 {
		return expandWithLabel(p.suite, seed, "pprf left", nil, p.suite.HashLength())
	}
	return expandWithLabel(p.suite, seed, "pprf right", nil, p.suite.HashLength())
}

func (p *PPRF) find(x uint32) int {
	for i, n := range p.nodes {
		if n.covers(x) {
			return i
		}
	}
	return -1
}

// Punctured reports whether x can no longer be evaluated.
func (p *PPRF) Punctured(x uint32) bool {
	return p.find(x) < 0
}

// Eval returns the PRF output at x.
func (p *PPRF) Eval(x uint32) ([]byte, error) {
	i := p.find(x)
	if i < 0 {
		return nil, fmt.Errorf("%w: point %08x", ErrInitSecretPunctured, x)
	}
	n := p.nodes[i]
	cur := n.Seed
	for d := uint32(n.Depth); d < pprfDepth; d++ {
		cur = p.child(cur, (x>>(pprfDepth-1-d))&1)
	}
	return append([]byte(nil), cur...), nil
}

// Puncture returns a copy of p that can evaluate every input except x.
func (p *PPRF) Puncture(x uint32) (*PPRF, error) {
	i := p.find(x)
	if i < 0 {
		return nil, fmt.Errorf("%w: point %08x", ErrInitSecretPunctured, x)
	}
	n := p.nodes[i]

	out := &PPRF{suite: p.suite, nodes: make([]pprfNode, 0, len(p.nodes)+pprfDepth-int(n.Depth))}
	out.nodes = append(out.nodes, p.nodes[:i]...)
	out.nodes = append(out.nodes, p.nodes[i+1:]...)

	cur := n.Seed
	prefix := n.Prefix
	for d := uint32(n.Depth); d < pprfDepth; d++ {
		bit := (x >> (pprfDepth - 1 - d)) & 1
		out.nodes = append(out.nodes, pprfNode{
			Prefix: prefix<<1 | (1 - bit),
			Depth:  uint8(d + 1),
			Seed:   p.child(cur, 1-bit),
		})
		cur = p.child(cur, bit)
		prefix = prefix<<1 | bit
	}
	return out, nil
}

// Size returns the number of stored subtree seeds.
func (p *PPRF) Size() int { return len(p.nodes) }

// Equal reports whether both PPRFs hold the same seeds.
func (p *PPRF) Equal(other *PPRF) bool {
	if p == nil || other == nil {
		return p == other
	}
	if p.suite != other.suite || len(p.nodes) != len(other.nodes) {
		return false
	}
	for i := range p.nodes {
		a, b := p.nodes[i], other.nodes[i]
		if a.Prefix != b.Prefix || a.Depth != b.Depth || string(a.Seed) != string(b.Seed) {
			return false
		}
	}
	return true
}

type pprfJSON struct {
	Suite Ciphersuite `json:"suite"`
	Nodes []pprfNode  `json:"nodes"`
}

func (p *PPRF) MarshalJSON() ([]byte, error) {
	return json.Marshal(pprfJSON{Suite: p.suite, Nodes: p.nodes})
}

func (p *PPRF) UnmarshalJSON(data []byte) error {
	var v pprfJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if !v.Suite.Valid() {
		return fmt.Errorf("pprf: %w", ErrUnsupportedCiphersuite)
	}
	for _, n := range v.Nodes {
		if n.Depth > pprfDepth || len(n.Seed) != v.Suite.HashLength() {
			return fmt.Errorf("pprf: invalid node at depth %d", n.Depth)
		}
	}
	p.suite = v.Suite
	p.nodes = v.Nodes
	return nil
}

// commitPoint maps commit content to the PPRF input it consumes.
func commitPoint(cs Ciphersuite, content []byte) uint32 {
	return binary.BigEndian.Uint32(cs.Hash(content)[:4])
}
