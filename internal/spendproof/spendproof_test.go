package spendproof

import (
	"errors"
	"sync"
	"testing"

	"divtoken/internal/keytree"
)

// Groth16 setup over BW6-761 is expensive; share one system across tests.
var (
	sysOnce sync.Once
	sys     *System
	sysErr  error
)

func testSystem(t *testing.T) *System {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Groth16 setup in short mode")
	}
	sysOnce.Do(func() {
		sys = NewSystem()
		sysErr = sys.Setup(2, 3)
	})
	if sysErr != nil {
		t.Fatalf("system setup failed: %v", sysErr)
	}
	return sys
}

func TestProveAndVerify(t *testing.T) {
	s := testSystem(t)
	root, err := keytree.NewRootSecret()
	if err != nil {
		t.Fatalf("NewRootSecret failed: %v", err)
	}
	path, _ := keytree.ParsePath("01")

	proof, pub, err := s.Prove(root, path, 4)
	if err != nil {
		t.Fatalf("Prove failed: %v", err)
	}
	if pub.Level != 2 || pub.Denom != 4 {
		t.Fatalf("unexpected public inputs: level=%d denom=%d", pub.Level, pub.Denom)
	}

	// Verification uses only the public statement; no root or path material.
	if err := s.Verify(proof, pub); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
}

func TestVerifyRejectsWrongSerial(t *testing.T) {
	s := testSystem(t)
	root, err := keytree.NewRootSecret()
	if err != nil {
		t.Fatalf("NewRootSecret failed: %v", err)
	}
	path, _ := keytree.ParsePath("01")

	proof, pub, err := s.Prove(root, path, 4)
	if err != nil {
		t.Fatalf("Prove failed: %v", err)
	}

	// Substitute the sibling leaf's serial.
	sibling, _ := keytree.ParsePath("00")
	leaf, err := keytree.LeafSecret(root, sibling, 4)
	if err != nil {
		t.Fatalf("LeafSecret failed: %v", err)
	}
	pub.Serial = keytree.SerialOf(leaf)

	if err := s.Verify(proof, pub); !errors.Is(err, ErrProofInvalid) {
		t.Errorf("expected ErrProofInvalid for mismatched serial, got %v", err)
	}
}

func TestVerifyRejectsWrongLevel(t *testing.T) {
	s := testSystem(t)
	root, err := keytree.NewRootSecret()
	if err != nil {
		t.Fatalf("NewRootSecret failed: %v", err)
	}
	path, _ := keytree.ParsePath("01")

	proof, pub, err := s.Prove(root, path, 4)
	if err != nil {
		t.Fatalf("Prove failed: %v", err)
	}

	// A level-2 proof submitted with public level 3 must fail: the level-3
	// verifying key rejects it.
	pub.Level = 3
	if err := s.Verify(proof, pub); err == nil {
		t.Error("expected rejection for mismatched level")
	}
}

func TestVerifyRejectsWrongCommitment(t *testing.T) {
	s := testSystem(t)
	root, err := keytree.NewRootSecret()
	if err != nil {
		t.Fatalf("NewRootSecret failed: %v", err)
	}
	other, err := keytree.NewRootSecret()
	if err != nil {
		t.Fatalf("NewRootSecret failed: %v", err)
	}
	path, _ := keytree.ParsePath("10")

	proof, pub, err := s.Prove(root, path, 4)
	if err != nil {
		t.Fatalf("Prove failed: %v", err)
	}
	pub.CRoot = keytree.Commit(other, 4)

	if err := s.Verify(proof, pub); !errors.Is(err, ErrProofInvalid) {
		t.Errorf("expected ErrProofInvalid for foreign commitment, got %v", err)
	}
}

func TestVerifyRejectsMalformedProof(t *testing.T) {
	s := testSystem(t)
	root, err := keytree.NewRootSecret()
	if err != nil {
		t.Fatalf("NewRootSecret failed: %v", err)
	}
	path, _ := keytree.ParsePath("11")

	_, pub, err := s.Prove(root, path, 4)
	if err != nil {
		t.Fatalf("Prove failed: %v", err)
	}
	if err := s.Verify([]byte("not a proof"), pub); !errors.Is(err, ErrProofMalformed) {
		t.Errorf("expected ErrProofMalformed, got %v", err)
	}
}

func TestProveRejectsOverDepth(t *testing.T) {
	s := testSystem(t)
	root, err := keytree.NewRootSecret()
	if err != nil {
		t.Fatalf("NewRootSecret failed: %v", err)
	}
	path, _ := keytree.ParsePath("010")
	if _, _, err := s.Prove(root, path, 2); !errors.Is(err, keytree.ErrDepthExceeded) {
		t.Errorf("expected ErrDepthExceeded, got %v", err)
	}
}

func TestProveRejectsMissingLevel(t *testing.T) {
	s := testSystem(t)
	root, err := keytree.NewRootSecret()
	if err != nil {
		t.Fatalf("NewRootSecret failed: %v", err)
	}
	path, _ := keytree.ParsePath("01010")
	if _, _, err := s.Prove(root, path, 8); !errors.Is(err, ErrLevelNotReady) {
		t.Errorf("expected ErrLevelNotReady, got %v", err)
	}
}

func TestDeterministicStatement(t *testing.T) {
	s := testSystem(t)
	root, err := keytree.NewRootSecret()
	if err != nil {
		t.Fatalf("NewRootSecret failed: %v", err)
	}
	path, _ := keytree.ParsePath("10")

	_, pub1, err := s.Prove(root, path, 4)
	if err != nil {
		t.Fatalf("Prove failed: %v", err)
	}
	_, pub2, err := s.Prove(root, path, 4)
	if err != nil {
		t.Fatalf("Prove failed: %v", err)
	}
	if !pub1.Serial.Equal(&pub2.Serial) || !pub1.Tag.Equal(&pub2.Tag) || !pub1.CRoot.Equal(&pub2.CRoot) {
		t.Error("public statement is not deterministic for a fixed root and path")
	}
}
