// token.go - Core data model for divisible retargeting tokens.
//
// A Token holds the root secret of a derivation tree, its denomination D
// (worth 2^D indivisible units) and the issuance credential over the root
// commitment. A SpendReceipt is the transmitted, immutable artifact of one
// sub-spend: the disclosed level, serial, tag, the zero-knowledge proof and
// the credential that anchors it to an issuing key.

package token

import (
	"fmt"

	fr "github.com/consensys/gnark-crypto/ecc/bw6-761/fr"

	"divtoken/internal/blindsig"
	"divtoken/internal/keytree"
)

// IssuanceCredential is an unforgeable, unlinkable signature over the root
// commitment, obtained through blind issuance. The denomination is bound by
// the issuer's per-denomination key and, independently, inside the
// commitment itself.
type IssuanceCredential struct {
	CRoot keytree.Commitment
	Denom uint8
	Sig   blindsig.Signature
}

// Verify checks the credential against the issuing public key for its
// denomination.
func (c *IssuanceCredential) Verify(pk *blindsig.PublicKey) error {
	return blindsig.Verify(pk, c.CRoot, c.Sig)
}

// Token is the holder's secret material: root secret, denomination and
// credential. The root secret is never transmitted.
type Token struct {
	Root       keytree.Secret
	Denom      uint8
	Credential IssuanceCredential
}

// Value returns the token's total spendable value, 2^D indivisible units.
func (t *Token) Value() uint64 {
	return 1 << t.Denom
}

// SpendReceipt is one sub-spend of a token: a leaf at the given level,
// identified by its serial, bound by its tag, proven by a Groth16 proof and
// anchored by the issuance credential. Immutable once created.
type SpendReceipt struct {
	Level      uint8
	Serial     keytree.Serial
	Tag        keytree.Tag
	Proof      []byte
	Credential IssuanceCredential
}

// Value returns the value 2^(D-l) this receipt claims.
func (r *SpendReceipt) Value() (uint64, error) {
	if r.Level > r.Credential.Denom {
		return 0, fmt.Errorf("token: receipt level %d exceeds denomination %d", r.Level, r.Credential.Denom)
	}
	return 1 << (r.Credential.Denom - r.Level), nil
}

// SerialKey returns the serial in the fixed-width form used as a ledger key.
func (r *SpendReceipt) SerialKey() [fr.Bytes]byte {
	return r.Serial.Bytes()
}
