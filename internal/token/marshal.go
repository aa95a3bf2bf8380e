// marshal.go - Fixed-field binary wire format for core structures.
//
// All field elements are canonical big-endian encodings (48 bytes for the
// BW6-761 scalar field, 32 for the BLS12-377 scalar field); the only
// variable-length field is the proof blob, carried behind a 4-byte length
// prefix. Deserialize(Serialize(x)) == x for every structure here.

package token

import (
	"encoding/binary"
	"errors"
	"fmt"

	blsfr "github.com/consensys/gnark-crypto/ecc/bls12-377/fr"
	fr "github.com/consensys/gnark-crypto/ecc/bw6-761/fr"
)

// ErrTruncated is returned when a wire buffer is too short for the structure
// being decoded.
var ErrTruncated = errors.New("token: truncated wire data")

const (
	credentialWireSize = fr.Bytes + 1 + 2*blsfr.Bytes
	tokenWireSize      = fr.Bytes + 1 + credentialWireSize
	receiptFixedSize   = 1 + 2*fr.Bytes + credentialWireSize + 4
)

// MarshalBinary encodes the credential as CRoot || Denom || E || S.
func (c *IssuanceCredential) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, credentialWireSize)
	cr := c.CRoot.Bytes()
	e := c.Sig.E.Bytes()
	s := c.Sig.S.Bytes()
	out = append(out, cr[:]...)
	out = append(out, c.Denom)
	out = append(out, e[:]...)
	out = append(out, s[:]...)
	return out, nil
}

// UnmarshalBinary decodes a credential and returns an error on short or
// trailing data.
func (c *IssuanceCredential) UnmarshalBinary(data []byte) error {
	if len(data) != credentialWireSize {
		return fmt.Errorf("%w: credential needs %d bytes, got %d", ErrTruncated, credentialWireSize, len(data))
	}
	c.CRoot.SetBytes(data[:fr.Bytes])
	c.Denom = data[fr.Bytes]
	off := fr.Bytes + 1
	c.Sig.E.SetBytes(data[off : off+blsfr.Bytes])
	off += blsfr.Bytes
	c.Sig.S.SetBytes(data[off : off+blsfr.Bytes])
	return nil
}

// MarshalBinary encodes the token as Root || Denom || Credential.
func (t *Token) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, tokenWireSize)
	root := t.Root.Bytes()
	out = append(out, root[:]...)
	out = append(out, t.Denom)
	cred, err := t.Credential.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return append(out, cred...), nil
}

// UnmarshalBinary decodes a token.
func (t *Token) UnmarshalBinary(data []byte) error {
	if len(data) != tokenWireSize {
		return fmt.Errorf("%w: token needs %d bytes, got %d", ErrTruncated, tokenWireSize, len(data))
	}
	t.Root.SetBytes(data[:fr.Bytes])
	t.Denom = data[fr.Bytes]
	return t.Credential.UnmarshalBinary(data[fr.Bytes+1:])
}

// MarshalBinary encodes the receipt as
// Level || Serial || Tag || Credential || len(Proof) || Proof.
func (r *SpendReceipt) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, receiptFixedSize+len(r.Proof))
	out = append(out, r.Level)
	sn := r.Serial.Bytes()
	tg := r.Tag.Bytes()
	out = append(out, sn[:]...)
	out = append(out, tg[:]...)
	cred, err := r.Credential.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out = append(out, cred...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(r.Proof)))
	return append(out, r.Proof...), nil
}

// UnmarshalBinary decodes a receipt.
func (r *SpendReceipt) UnmarshalBinary(data []byte) error {
	if len(data) < receiptFixedSize {
		return fmt.Errorf("%w: receipt needs at least %d bytes, got %d", ErrTruncated, receiptFixedSize, len(data))
	}
	r.Level = data[0]
	off := 1
	r.Serial.SetBytes(data[off : off+fr.Bytes])
	off += fr.Bytes
	r.Tag.SetBytes(data[off : off+fr.Bytes])
	off += fr.Bytes
	if err := r.Credential.UnmarshalBinary(data[off : off+credentialWireSize]); err != nil {
		return err
	}
	off += credentialWireSize
	proofLen := int(binary.BigEndian.Uint32(data[off : off+4]))
	off += 4
	if len(data) != off+proofLen {
		return fmt.Errorf("%w: receipt proof needs %d bytes, got %d", ErrTruncated, proofLen, len(data)-off)
	}
	r.Proof = make([]byte, proofLen)
	copy(r.Proof, data[off:])
	return nil
}

// MarshalCommitment encodes a root commitment in its fixed 48-byte form.
func MarshalCommitment(c fr.Element) [fr.Bytes]byte {
	return c.Bytes()
}

// UnmarshalCommitment decodes a 48-byte root commitment.
func UnmarshalCommitment(data []byte) (fr.Element, error) {
	var c fr.Element
	if len(data) != fr.Bytes {
		return c, fmt.Errorf("%w: commitment needs %d bytes, got %d", ErrTruncated, fr.Bytes, len(data))
	}
	c.SetBytes(data)
	return c, nil
}
