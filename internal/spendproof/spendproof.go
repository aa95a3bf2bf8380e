// spendproof.go - Groth16 prover/verifier for divisible-token spends.
//
// The proving system follows the per-level key-vector design: a circuit is
// compiled and a Groth16 keypair generated for every level a deployment
// supports, and the verifying key used for a receipt is selected by the
// receipt's disclosed level. Proof generation and verification run over
// BW6-761 with MiMC, matching the native derivation in keytree.

package spendproof

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"sync"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"

	"divtoken/internal/keytree"
)

var (
	// ErrProofInvalid means the proof parsed but does not verify against the
	// public inputs; the receipt is fraudulent or corrupted.
	ErrProofInvalid = errors.New("spendproof: proof does not verify")

	// ErrProofMalformed means the proof bytes could not be parsed at all.
	ErrProofMalformed = errors.New("spendproof: malformed proof")

	// ErrLevelNotReady means no keys have been set up for the receipt's level.
	ErrLevelNotReady = errors.New("spendproof: no keys for level")

	// ErrLevelMismatch means the witness is internally inconsistent, e.g. a
	// path whose length disagrees with the declared level. This indicates a
	// holder implementation bug, not an expected runtime condition.
	ErrLevelMismatch = errors.New("spendproof: witness level mismatch")
)

// PublicInputs is the public statement a spend proof attests to.
type PublicInputs struct {
	CRoot  keytree.Commitment
	Denom  uint8
	Level  uint8
	Serial keytree.Serial
	Tag    keytree.Tag
}

type levelKeys struct {
	ccs constraint.ConstraintSystem
	pk  groth16.ProvingKey
	vk  groth16.VerifyingKey
}

// System holds compiled circuits and Groth16 keys per level. Safe for
// concurrent Prove/Verify once set up.
type System struct {
	mu     sync.RWMutex
	levels map[uint8]*levelKeys
}

// NewSystem creates an empty proving system; call Setup or SetupOrLoad
// before proving.
func NewSystem() *System {
	return &System{levels: make(map[uint8]*levelKeys)}
}

// Setup compiles the circuit and runs the Groth16 setup for each requested
// level. Levels already set up are skipped.
func (s *System) Setup(levels ...uint8) error {
	for _, lvl := range levels {
		s.mu.RLock()
		_, ok := s.levels[lvl]
		s.mu.RUnlock()
		if ok {
			continue
		}
		ccs, err := compileLevel(lvl)
		if err != nil {
			return err
		}
		pk, vk, err := groth16.Setup(ccs)
		if err != nil {
			return fmt.Errorf("spendproof: setup for level %d failed: %w", lvl, err)
		}
		s.mu.Lock()
		s.levels[lvl] = &levelKeys{ccs: ccs, pk: pk, vk: vk}
		s.mu.Unlock()
	}
	return nil
}

// SetupOrLoad loads Groth16 keys for each level from dir if present,
// otherwise generates and saves them. File layout: spend_l<level>.pk / .vk.
func (s *System) SetupOrLoad(dir string, levels ...uint8) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("spendproof: key dir: %w", err)
	}
	for _, lvl := range levels {
		s.mu.RLock()
		_, ok := s.levels[lvl]
		s.mu.RUnlock()
		if ok {
			continue
		}
		ccs, err := compileLevel(lvl)
		if err != nil {
			return err
		}
		pkPath := filepath.Join(dir, fmt.Sprintf("spend_l%d.pk", lvl))
		vkPath := filepath.Join(dir, fmt.Sprintf("spend_l%d.vk", lvl))

		pk, pkErr := loadProvingKey(pkPath)
		vk, vkErr := loadVerifyingKey(vkPath)
		if pkErr != nil || vkErr != nil {
			pk, vk, err = groth16.Setup(ccs)
			if err != nil {
				return fmt.Errorf("spendproof: setup for level %d failed: %w", lvl, err)
			}
			if err := saveKey(pkPath, pk); err != nil {
				return err
			}
			if err := saveKey(vkPath, vk); err != nil {
				return err
			}
		}
		s.mu.Lock()
		s.levels[lvl] = &levelKeys{ccs: ccs, pk: pk, vk: vk}
		s.mu.Unlock()
	}
	return nil
}

// Levels returns the levels the system currently holds keys for.
func (s *System) Levels() []uint8 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]uint8, 0, len(s.levels))
	for lvl := range s.levels {
		out = append(out, lvl)
	}
	return out
}

// Prove derives the leaf at path under root, computes the public statement
// (commitment, serial, tag) and generates a Groth16 proof for it. Fails only
// on inconsistent witnesses or missing level keys.
func (s *System) Prove(root keytree.Secret, path keytree.Path, denom uint8) ([]byte, PublicInputs, error) {
	if len(path) > int(denom) {
		return nil, PublicInputs{}, fmt.Errorf("%w: path length %d, denomination %d", keytree.ErrDepthExceeded, len(path), denom)
	}
	level := uint8(len(path))
	s.mu.RLock()
	keys, ok := s.levels[level]
	s.mu.RUnlock()
	if !ok {
		return nil, PublicInputs{}, fmt.Errorf("%w %d", ErrLevelNotReady, level)
	}

	leaf, err := keytree.LeafSecret(root, path, denom)
	if err != nil {
		return nil, PublicInputs{}, err
	}
	pub := PublicInputs{
		CRoot:  keytree.Commit(root, denom),
		Denom:  denom,
		Level:  level,
		Serial: keytree.SerialOf(leaf),
		Tag:    keytree.TagOf(leaf),
	}

	assignment := newCircuit(level)
	assignment.CRoot = pub.CRoot.BigInt(new(big.Int))
	assignment.Denom = int(denom)
	assignment.Level = int(level)
	assignment.Serial = pub.Serial.BigInt(new(big.Int))
	assignment.Tag = pub.Tag.BigInt(new(big.Int))
	assignment.Root = root.BigInt(new(big.Int))
	for i, bit := range path {
		assignment.Bits[i] = int(bit)
	}

	w, err := frontend.NewWitness(assignment, ecc.BW6_761.ScalarField())
	if err != nil {
		return nil, PublicInputs{}, fmt.Errorf("spendproof: witness creation failed: %w", err)
	}
	proof, err := groth16.Prove(keys.ccs, keys.pk, w)
	if err != nil {
		return nil, PublicInputs{}, fmt.Errorf("spendproof: proof generation failed: %w", err)
	}
	var buf bytes.Buffer
	if _, err := proof.WriteTo(&buf); err != nil {
		return nil, PublicInputs{}, fmt.Errorf("spendproof: proof marshaling failed: %w", err)
	}
	return buf.Bytes(), pub, nil
}

// Verify checks a proof against its public inputs. Pure and side-effect
// free; safe to call concurrently across receipts.
func (s *System) Verify(proofBytes []byte, pub PublicInputs) error {
	if pub.Level > pub.Denom {
		return fmt.Errorf("%w: level %d over denomination %d", ErrProofInvalid, pub.Level, pub.Denom)
	}
	s.mu.RLock()
	keys, ok := s.levels[pub.Level]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w %d", ErrLevelNotReady, pub.Level)
	}

	assignment := newCircuit(pub.Level)
	assignment.CRoot = pub.CRoot.BigInt(new(big.Int))
	assignment.Denom = int(pub.Denom)
	assignment.Level = int(pub.Level)
	assignment.Serial = pub.Serial.BigInt(new(big.Int))
	assignment.Tag = pub.Tag.BigInt(new(big.Int))

	w, err := frontend.NewWitness(assignment, ecc.BW6_761.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return fmt.Errorf("spendproof: public witness creation failed: %w", err)
	}

	proof := groth16.NewProof(ecc.BW6_761)
	if _, err := proof.ReadFrom(bytes.NewReader(proofBytes)); err != nil {
		return fmt.Errorf("%w: %v", ErrProofMalformed, err)
	}
	if err := groth16.Verify(proof, keys.vk, w); err != nil {
		return fmt.Errorf("%w: %v", ErrProofInvalid, err)
	}
	return nil
}

func compileLevel(level uint8) (constraint.ConstraintSystem, error) {
	ccs, err := frontend.Compile(ecc.BW6_761.ScalarField(), r1cs.NewBuilder, newCircuit(level))
	if err != nil {
		return nil, fmt.Errorf("spendproof: circuit compilation for level %d failed: %w", level, err)
	}
	return ccs, nil
}

func saveKey(path string, k io.WriterTo) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = k.WriteTo(f)
	return err
}

func loadProvingKey(path string) (groth16.ProvingKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	pk := groth16.NewProvingKey(ecc.BW6_761)
	_, err = pk.ReadFrom(f)
	return pk, err
}

func loadVerifyingKey(path string) (groth16.VerifyingKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	vk := groth16.NewVerifyingKey(ecc.BW6_761)
	_, err = vk.ReadFrom(f)
	return vk, err
}
