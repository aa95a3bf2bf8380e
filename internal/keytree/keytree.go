// keytree.go - Pointerless GGM-style key derivation tree for divisible tokens.
//
// One root secret spans an implicit binary tree of depth D. A node is addressed
// purely by (root secret, path); its secret is recomputed on demand with O(D)
// work and never stored. Serial numbers and tags are independent one-way
// outputs of a leaf secret, and the root commitment binds (root, D) for use in
// spend proofs and issuance credentials.
//
// All derivations use MiMC over the BW6-761 scalar field so that the exact
// same chain can be re-derived inside the spend proof circuit.

package keytree

import (
	"errors"
	"fmt"

	fr "github.com/consensys/gnark-crypto/ecc/bw6-761/fr"
	mimcNative "github.com/consensys/gnark-crypto/ecc/bw6-761/fr/mimc"
)

// Domain separation constants. Each use of the hash family writes one of these
// as its trailing block, so child derivation, serials, tags and commitments
// live in disjoint input spaces.
const (
	DomainChildLeft  = 1
	DomainChildRight = 2
	DomainSerial     = 3
	DomainTag        = 4
	DomainCommit     = 5
)

// ErrDepthExceeded is returned when a derivation would descend past the
// token's denomination (the tree's capacity).
var ErrDepthExceeded = errors.New("keytree: derivation exceeds token depth")

// Secret is a node secret in the derivation tree, an element of the BW6-761
// scalar field. The root secret of a token is a Secret; so is every derived
// node and leaf.
type Secret = fr.Element

// Serial is the public, deterministic identifier of a spent leaf.
type Serial = fr.Element

// Tag is the secondary deterministic output of a leaf secret, carried for
// binding and optional tracing.
type Tag = fr.Element

// Commitment is the public value binding (root secret, denomination).
type Commitment = fr.Element

// NewRootSecret samples a fresh root secret from crypto/rand.
func NewRootSecret() (Secret, error) {
	var s Secret
	if _, err := s.SetRandom(); err != nil {
		return Secret{}, fmt.Errorf("keytree: root secret generation failed: %w", err)
	}
	return s, nil
}

// hash2 computes MiMC(a, b) with canonical field-element encodings.
func hash2(a, b *fr.Element) fr.Element {
	h := mimcNative.NewMiMC()
	ab := a.Bytes()
	bb := b.Bytes()
	h.Write(ab[:])
	h.Write(bb[:])
	var out fr.Element
	out.SetBytes(h.Sum(nil))
	return out
}

// hash3 computes MiMC(a, b, c) with canonical field-element encodings.
func hash3(a, b, c *fr.Element) fr.Element {
	h := mimcNative.NewMiMC()
	ab := a.Bytes()
	bb := b.Bytes()
	cb := c.Bytes()
	h.Write(ab[:])
	h.Write(bb[:])
	h.Write(cb[:])
	var out fr.Element
	out.SetBytes(h.Sum(nil))
	return out
}

func domain(tag uint64) fr.Element {
	var d fr.Element
	d.SetUint64(tag)
	return d
}

// DeriveChild derives the left (bit 0) or right (bit 1) child secret of a
// node. One-way and deterministic; knowing a child reveals nothing about its
// sibling or parent.
func DeriveChild(s Secret, bit uint8) Secret {
	var d fr.Element
	if bit == 0 {
		d = domain(DomainChildLeft)
	} else {
		d = domain(DomainChildRight)
	}
	return hash2(&s, &d)
}

// SerialOf computes the serial number of a leaf secret.
func SerialOf(leaf Secret) Serial {
	d := domain(DomainSerial)
	return hash2(&leaf, &d)
}

// TagOf computes the tag of a leaf secret. Independent of SerialOf by domain
// separation.
func TagOf(leaf Secret) Tag {
	d := domain(DomainTag)
	return hash2(&leaf, &d)
}

// Commit binds a root secret and denomination into a single public value.
// Computed once at issuance; membership of any leaf under it is proven by
// re-deriving the chain, no auxiliary tree is kept.
func Commit(root Secret, denom uint8) Commitment {
	dc := domain(DomainCommit)
	var dd fr.Element
	dd.SetUint64(uint64(denom))
	return hash3(&root, &dc, &dd)
}

// LeafSecret walks the path from the root, one DeriveChild per bit, and
// returns the node secret at the end of the path. Paths longer than denom are
// rejected with ErrDepthExceeded.
func LeafSecret(root Secret, path Path, denom uint8) (Secret, error) {
	if len(path) > int(denom) {
		return Secret{}, fmt.Errorf("%w: path length %d > denomination %d", ErrDepthExceeded, len(path), denom)
	}
	s := root
	for _, bit := range path {
		s = DeriveChild(s, bit)
	}
	return s, nil
}

// Expand returns all 2^depth node secrets at the given depth below s, in
// path order. Used by holders that want to precompute a full level; memory
// is the caller's problem, the tree itself stays implicit.
func Expand(s Secret, depth uint8) []Secret {
	if depth == 0 {
		return []Secret{s}
	}
	left := Expand(DeriveChild(s, 0), depth-1)
	right := Expand(DeriveChild(s, 1), depth-1)
	return append(left, right...)
}
