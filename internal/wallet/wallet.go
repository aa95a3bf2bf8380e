// wallet.go - Holder-side token store and spend selection.
//
// The wallet keeps full tokens plus, per token, the list of burned subtree
// paths. Burned paths are disjoint by construction: a node is only selected
// if it overlaps no burned path, and once spent its whole subtree is gone.
// Remaining value is face value minus the sum of burned subtree values.
//
// Wallet files are JSON, one per holder, with tokens in their binary wire
// form hex-encoded.

package wallet

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"divtoken/internal/keytree"
	"divtoken/internal/spendproof"
	"divtoken/internal/token"
)

var (
	// ErrNoCapacity means no held token has an unburned subtree at the
	// requested level.
	ErrNoCapacity = errors.New("wallet: no free subtree at requested level")

	// ErrLevelTooDeep means the requested level exceeds every held token's
	// denomination.
	ErrLevelTooDeep = errors.New("wallet: level exceeds token depth")
)

type holding struct {
	tok    *token.Token
	burned []keytree.Path
}

// remaining returns the holding's unspent value.
func (h *holding) remaining() uint64 {
	left := h.tok.Value()
	for _, p := range h.burned {
		left -= 1 << (h.tok.Denom - uint8(len(p)))
	}
	return left
}

// Wallet holds tokens and selects subtrees to spend. Safe for concurrent
// use; spends against one wallet serialize on its lock.
type Wallet struct {
	mu       sync.Mutex
	holdings []*holding
	prover   *spendproof.System
}

// New creates an empty wallet that proves spends with the given system.
func New(prover *spendproof.System) *Wallet {
	return &Wallet{prover: prover}
}

// Add places a freshly issued token under wallet management.
func (w *Wallet) Add(tok *token.Token) {
	w.mu.Lock()
	w.holdings = append(w.holdings, &holding{tok: tok})
	w.mu.Unlock()
}

// Remaining returns the total unspent value across all held tokens.
func (w *Wallet) Remaining() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	var total uint64
	for _, h := range w.holdings {
		total += h.remaining()
	}
	return total
}

// Tokens returns the number of held tokens.
func (w *Wallet) Tokens() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.holdings)
}

// Spend burns one value-2^(D-level) subtree and returns its receipt. The
// subtree is marked burned before the proof is generated, so a crash between
// the two never risks a double spend, only lost value.
func (w *Wallet) Spend(level uint8) (*token.SpendReceipt, error) {
	w.mu.Lock()
	var h *holding
	var path keytree.Path
	levelFits := false
	for _, cand := range w.holdings {
		if level > cand.tok.Denom {
			continue
		}
		levelFits = true
		if p := firstFree(cand.burned, nil, level); p != nil {
			h, path = cand, p
			break
		}
	}
	if h == nil {
		w.mu.Unlock()
		if !levelFits {
			return nil, ErrLevelTooDeep
		}
		return nil, ErrNoCapacity
	}
	h.burned = append(h.burned, path)
	w.mu.Unlock()

	proof, pub, err := w.prover.Prove(h.tok.Root, path, h.tok.Denom)
	if err != nil {
		return nil, fmt.Errorf("wallet: spend proof failed: %w", err)
	}
	return &token.SpendReceipt{
		Level:      pub.Level,
		Serial:     pub.Serial,
		Tag:        pub.Tag,
		Proof:      proof,
		Credential: h.tok.Credential,
	}, nil
}

// SpendExact burns a specific path of a specific held token. Used by tests
// and by callers replaying a precomputed spend plan.
func (w *Wallet) SpendExact(idx int, path keytree.Path) (*token.SpendReceipt, error) {
	w.mu.Lock()
	if idx < 0 || idx >= len(w.holdings) {
		w.mu.Unlock()
		return nil, fmt.Errorf("wallet: no token at index %d", idx)
	}
	h := w.holdings[idx]
	if len(path) > int(h.tok.Denom) {
		w.mu.Unlock()
		return nil, ErrLevelTooDeep
	}
	for _, b := range h.burned {
		if b.Overlaps(path) {
			w.mu.Unlock()
			return nil, fmt.Errorf("%w: path %s already burned", ErrNoCapacity, path)
		}
	}
	h.burned = append(h.burned, path.Clone())
	w.mu.Unlock()

	proof, pub, err := w.prover.Prove(h.tok.Root, path, h.tok.Denom)
	if err != nil {
		return nil, fmt.Errorf("wallet: spend proof failed: %w", err)
	}
	return &token.SpendReceipt{
		Level:      pub.Level,
		Serial:     pub.Serial,
		Tag:        pub.Tag,
		Proof:      proof,
		Credential: h.tok.Credential,
	}, nil
}

// Precompute spends up to n subtrees at the given level ahead of time, so a
// visit can hand over a ready receipt without paying proving latency. Stops
// early when capacity runs out; the receipts it did produce are returned.
func (w *Wallet) Precompute(level uint8, n int) ([]*token.SpendReceipt, error) {
	recs := make([]*token.SpendReceipt, 0, n)
	for i := 0; i < n; i++ {
		rec, err := w.Spend(level)
		if err != nil {
			if errors.Is(err, ErrNoCapacity) && len(recs) > 0 {
				return recs, nil
			}
			return recs, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// firstFree walks the tree left-first and returns the first node at the
// target level whose subtree is wholly unburned, or nil.
func firstFree(burned []keytree.Path, prefix keytree.Path, level uint8) keytree.Path {
	for _, b := range burned {
		if b.Overlaps(prefix) {
			if len(prefix) >= len(b) {
				// Inside an already burned subtree.
				return nil
			}
			if len(prefix) == int(level) {
				// Node at target level contains burned descendants.
				return nil
			}
		}
	}
	if len(prefix) == int(level) {
		return prefix.Clone()
	}
	for _, bit := range [2]uint8{0, 1} {
		child := make(keytree.Path, len(prefix)+1)
		copy(child, prefix)
		child[len(prefix)] = bit
		if p := firstFree(burned, child, level); p != nil {
			return p
		}
	}
	return nil
}

type tokenRecord struct {
	Token  string   `json:"token"`
	Burned []string `json:"burned"`
}

type walletFile struct {
	Tokens []tokenRecord `json:"tokens"`
}

// Save writes the wallet to a JSON file.
func (w *Wallet) Save(path string) error {
	w.mu.Lock()
	file := walletFile{Tokens: make([]tokenRecord, 0, len(w.holdings))}
	for _, h := range w.holdings {
		data, err := h.tok.MarshalBinary()
		if err != nil {
			w.mu.Unlock()
			return err
		}
		rec := tokenRecord{Token: hex.EncodeToString(data)}
		for _, p := range h.burned {
			rec.Burned = append(rec.Burned, p.String())
		}
		file.Tokens = append(file.Tokens, rec)
	}
	w.mu.Unlock()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(&file)
}

// Load reads a wallet from a JSON file written by Save.
func Load(path string, prover *spendproof.System) (*Wallet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var file walletFile
	if err := json.NewDecoder(f).Decode(&file); err != nil {
		return nil, fmt.Errorf("wallet: corrupt wallet file: %w", err)
	}

	w := New(prover)
	for _, rec := range file.Tokens {
		data, err := hex.DecodeString(rec.Token)
		if err != nil {
			return nil, fmt.Errorf("wallet: corrupt token encoding: %w", err)
		}
		var tok token.Token
		if err := tok.UnmarshalBinary(data); err != nil {
			return nil, err
		}
		h := &holding{tok: &tok}
		for _, s := range rec.Burned {
			p, err := keytree.ParsePath(s)
			if err != nil {
				return nil, err
			}
			h.burned = append(h.burned, p)
		}
		w.holdings = append(w.holdings, h)
	}
	return w, nil
}
