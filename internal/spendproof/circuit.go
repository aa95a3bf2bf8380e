package spendproof

import (
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/hash/mimc"

	"divtoken/internal/keytree"
)

// SpendCircuit proves that a claimed (level, serial, tag) triple derives
// correctly from a committed root without revealing the root or the path.
// One circuit instance is compiled per level; len(Bits) is fixed at compile
// time and asserted equal to the public Level.
type SpendCircuit struct {
	// Public inputs
	CRoot  frontend.Variable `gnark:",public"` // Commit(root, D)
	Denom  frontend.Variable `gnark:",public"` // tree depth D
	Level  frontend.Variable `gnark:",public"` // disclosed level l
	Serial frontend.Variable `gnark:",public"` // SerialOf(leaf)
	Tag    frontend.Variable `gnark:",public"` // TagOf(leaf)

	// Private inputs
	Root frontend.Variable   // root secret
	Bits []frontend.Variable // path bits, root to leaf
}

// Define implements the constraints:
//  1. walking Bits from Root via DeriveChild reaches the leaf
//  2. SerialOf/TagOf of that leaf equal the public Serial/Tag
//  3. Commit(Root, Denom) equals the public CRoot
//  4. the path length equals the public Level, and Level <= Denom
func (c *SpendCircuit) Define(api frontend.API) error {
	hasher, err := mimc.NewMiMC(api)
	if err != nil {
		return err
	}

	api.AssertIsEqual(c.Level, len(c.Bits))
	api.AssertIsLessOrEqual(c.Level, c.Denom)

	// Re-derive the chain root -> leaf. Each step hashes both children and
	// selects by the (boolean) path bit, mirroring keytree.DeriveChild.
	cur := c.Root
	for _, bit := range c.Bits {
		api.AssertIsBoolean(bit)

		hasher.Reset()
		hasher.Write(cur, keytree.DomainChildLeft)
		left := hasher.Sum()

		hasher.Reset()
		hasher.Write(cur, keytree.DomainChildRight)
		right := hasher.Sum()

		cur = api.Select(bit, right, left)
	}

	hasher.Reset()
	hasher.Write(cur, keytree.DomainSerial)
	api.AssertIsEqual(c.Serial, hasher.Sum())

	hasher.Reset()
	hasher.Write(cur, keytree.DomainTag)
	api.AssertIsEqual(c.Tag, hasher.Sum())

	hasher.Reset()
	hasher.Write(c.Root, keytree.DomainCommit, c.Denom)
	api.AssertIsEqual(c.CRoot, hasher.Sum())

	return nil
}

// newCircuit allocates a circuit template for the given level, for use with
// frontend.Compile and witness construction.
func newCircuit(level uint8) *SpendCircuit {
	return &SpendCircuit{Bits: make([]frontend.Variable, level)}
}
