// blindsig.go - Blind Schnorr signatures over BLS12-377 G1.
//
// The exchange signs a holder-chosen message (a root commitment) without
// learning it, and the resulting credential cannot be linked back to the
// signing transcript. The challenge hash is MiMC over the BW6-761 scalar
// field, the same hash family used everywhere else in the scheme; BLS12-377's
// base field coincides with that field, so group coordinates feed the hash
// with no re-encoding.
//
// Three-move protocol:
//
//	signer             holder
//	k <-$ Fr
//	R = k*G   ----->   pick alpha, beta <-$ Fr
//	                   R' = R + alpha*G + beta*Y
//	                   e' = H(R' || m), e = e' + beta
//	          <-----   e
//	s = k + e*x
//	          ----->   s' = s + alpha; credential (e', s')
//
// Verification recomputes R'' = s'*G - e'*Y and accepts iff H(R'' || m) = e'.

package blindsig

import (
	"errors"
	"fmt"
	"math/big"

	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
	blsfr "github.com/consensys/gnark-crypto/ecc/bls12-377/fr"
	bw6fr "github.com/consensys/gnark-crypto/ecc/bw6-761/fr"
	mimcNative "github.com/consensys/gnark-crypto/ecc/bw6-761/fr/mimc"
)

// ErrInvalidSignature is returned when a signature does not verify against
// the given public key and message.
var ErrInvalidSignature = errors.New("blindsig: invalid signature")

// PublicKey is a Schnorr verification key, Y = x*G.
type PublicKey struct {
	A bls12377.G1Affine
}

// SecretKey holds the signing scalar and its public counterpart.
type SecretKey struct {
	X   blsfr.Element
	Pub PublicKey
}

// Signature is an unblinded credential (e', s'). It verifies against the
// original message even though the signer only ever saw blinded values.
type Signature struct {
	E blsfr.Element
	S blsfr.Element
}

// generator returns the G1 generator in affine form.
func generator() bls12377.G1Affine {
	_, _, g1, _ := bls12377.Generators()
	return g1
}

// GenerateKey samples a fresh Schnorr keypair.
func GenerateKey() (*SecretKey, error) {
	var x blsfr.Element
	if _, err := x.SetRandom(); err != nil {
		return nil, fmt.Errorf("blindsig: keygen failed: %w", err)
	}
	g := generator()
	var pub bls12377.G1Affine
	pub.ScalarMultiplication(&g, x.BigInt(new(big.Int)))
	return &SecretKey{X: x, Pub: PublicKey{A: pub}}, nil
}

// challenge hashes a nonce commitment and message into the scalar field:
// H(R.X || R.Y || m) reduced mod r.
func challenge(r *bls12377.G1Affine, msg bw6fr.Element) blsfr.Element {
	h := mimcNative.NewMiMC()
	xb := r.X.Bytes()
	yb := r.Y.Bytes()
	mb := msg.Bytes()
	h.Write(xb[:])
	h.Write(yb[:])
	h.Write(mb[:])
	var e blsfr.Element
	e.SetBytes(h.Sum(nil))
	return e
}

// SignerSession is the signer's per-issuance nonce state. A session must be
// used for exactly one Sign call; reusing the nonce leaks the secret key.
type SignerSession struct {
	k blsfr.Element
	R bls12377.G1Affine
}

// NewSession samples a signing nonce and returns the session together with
// the nonce commitment R to hand to the holder.
func (sk *SecretKey) NewSession() (*SignerSession, error) {
	var k blsfr.Element
	if _, err := k.SetRandom(); err != nil {
		return nil, fmt.Errorf("blindsig: nonce generation failed: %w", err)
	}
	g := generator()
	var r bls12377.G1Affine
	r.ScalarMultiplication(&g, k.BigInt(new(big.Int)))
	return &SignerSession{k: k, R: r}, nil
}

// Nonce returns the session's public nonce commitment.
func (ss *SignerSession) Nonce() bls12377.G1Affine {
	return ss.R
}

// Sign answers a blinded challenge: s = k + e*x.
func (ss *SignerSession) Sign(sk *SecretKey, e blsfr.Element) blsfr.Element {
	var s blsfr.Element
	s.Mul(&e, &sk.X)
	s.Add(&s, &ss.k)
	return s
}

// Blinder is the holder's side of one blind-signing session.
type Blinder struct {
	alpha  blsfr.Element
	beta   blsfr.Element
	ePrime blsfr.Element
	msg    bw6fr.Element
}

// NewBlinder blinds the signer's nonce commitment R for message msg and
// returns the blinder plus the challenge e to send back to the signer.
func NewBlinder(pk *PublicKey, r bls12377.G1Affine, msg bw6fr.Element) (*Blinder, blsfr.Element, error) {
	var alpha, beta blsfr.Element
	if _, err := alpha.SetRandom(); err != nil {
		return nil, blsfr.Element{}, fmt.Errorf("blindsig: blinding factor failed: %w", err)
	}
	if _, err := beta.SetRandom(); err != nil {
		return nil, blsfr.Element{}, fmt.Errorf("blindsig: blinding factor failed: %w", err)
	}

	// R' = R + alpha*G + beta*Y
	g := generator()
	var aG, bY, rPrime bls12377.G1Affine
	aG.ScalarMultiplication(&g, alpha.BigInt(new(big.Int)))
	bY.ScalarMultiplication(&pk.A, beta.BigInt(new(big.Int)))
	rPrime.Add(&r, &aG)
	rPrime.Add(&rPrime, &bY)

	ePrime := challenge(&rPrime, msg)
	var e blsfr.Element
	e.Add(&ePrime, &beta)

	return &Blinder{alpha: alpha, beta: beta, ePrime: ePrime, msg: msg}, e, nil
}

// Unblind turns the signer's response into the final credential.
func (b *Blinder) Unblind(s blsfr.Element) Signature {
	var sPrime blsfr.Element
	sPrime.Add(&s, &b.alpha)
	return Signature{E: b.ePrime, S: sPrime}
}

// Verify checks a signature over msg against pk.
func Verify(pk *PublicKey, msg bw6fr.Element, sig Signature) error {
	// R'' = s'*G - e'*Y
	g := generator()
	var sG, eY, rPP bls12377.G1Affine
	sG.ScalarMultiplication(&g, sig.S.BigInt(new(big.Int)))
	eY.ScalarMultiplication(&pk.A, sig.E.BigInt(new(big.Int)))
	eY.Neg(&eY)
	rPP.Add(&sG, &eY)

	e := challenge(&rPP, msg)
	if !e.Equal(&sig.E) {
		return ErrInvalidSignature
	}
	return nil
}
