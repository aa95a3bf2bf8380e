package blindsig

import (
	"bytes"
	"testing"

	bw6fr "github.com/consensys/gnark-crypto/ecc/bw6-761/fr"
)

func randomMessage(t *testing.T) bw6fr.Element {
	t.Helper()
	var m bw6fr.Element
	if _, err := m.SetRandom(); err != nil {
		t.Fatalf("message generation failed: %v", err)
	}
	return m
}

func blindSign(t *testing.T, sk *SecretKey, msg bw6fr.Element) Signature {
	t.Helper()
	session, err := sk.NewSession()
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	blinder, e, err := NewBlinder(&sk.Pub, session.Nonce(), msg)
	if err != nil {
		t.Fatalf("NewBlinder failed: %v", err)
	}
	s := session.Sign(sk, e)
	return blinder.Unblind(s)
}

func TestBlindSignAndVerify(t *testing.T) {
	sk, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	msg := randomMessage(t)

	sig := blindSign(t, sk, msg)
	if err := Verify(&sk.Pub, msg, sig); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
}

func TestVerifyRejectsWrongMessage(t *testing.T) {
	sk, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	msg := randomMessage(t)
	other := randomMessage(t)

	sig := blindSign(t, sk, msg)
	if err := Verify(&sk.Pub, other, sig); err == nil {
		t.Error("signature verified against a different message")
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	sk, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	other, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	msg := randomMessage(t)

	sig := blindSign(t, sk, msg)
	if err := Verify(&other.Pub, msg, sig); err == nil {
		t.Error("signature verified under a different public key")
	}
}

func TestUnlinkability(t *testing.T) {
	// Two sessions over the same message must produce different wire bytes,
	// and both must verify. The signer's transcript never contains (e', s').
	sk, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	msg := randomMessage(t)

	sig1 := blindSign(t, sk, msg)
	sig2 := blindSign(t, sk, msg)

	e1 := sig1.E.Bytes()
	e2 := sig2.E.Bytes()
	s1 := sig1.S.Bytes()
	s2 := sig2.S.Bytes()
	if bytes.Equal(e1[:], e2[:]) && bytes.Equal(s1[:], s2[:]) {
		t.Error("two blind-signing sessions produced identical signatures")
	}
	if err := Verify(&sk.Pub, msg, sig1); err != nil {
		t.Errorf("first signature rejected: %v", err)
	}
	if err := Verify(&sk.Pub, msg, sig2); err != nil {
		t.Errorf("second signature rejected: %v", err)
	}
}
