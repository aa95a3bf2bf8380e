package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"divtoken/internal/blindsig"
	"divtoken/internal/issuance"
	"divtoken/internal/keytree"
	"divtoken/internal/redeem"
	"divtoken/internal/spendproof"
	"divtoken/internal/spentset"
	"divtoken/internal/token"
	"divtoken/internal/wallet"
)

// One Groth16 setup shared by every end-to-end test in this file.
var (
	e2eOnce sync.Once
	e2eSys  *spendproof.System
	e2eErr  error
)

func e2eSystem(t *testing.T) *spendproof.System {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Groth16 setup in short mode")
	}
	e2eOnce.Do(func() {
		e2eSys = spendproof.NewSystem()
		e2eErr = e2eSys.Setup(4)
	})
	if e2eErr != nil {
		t.Fatalf("proving system setup failed: %v", e2eErr)
	}
	return e2eSys
}

type e2eEnv struct {
	system    *spendproof.System
	accounts  *issuance.AccountStore
	issuer    *issuance.Issuer
	keys      map[uint8]*blindsig.PublicKey
	exchange  *redeem.Exchange
	publisher *redeem.Publisher
}

func newE2EEnv(t *testing.T) *e2eEnv {
	t.Helper()
	system := e2eSystem(t)
	accounts := issuance.NewAccountStore()
	accounts.Fund("acme", 1000)

	issuer, err := issuance.NewIssuer(accounts, time.Minute, zerolog.Nop(), 8)
	if err != nil {
		t.Fatalf("issuer setup failed: %v", err)
	}
	t.Cleanup(issuer.Close)

	pk, err := issuer.PublicKey(8)
	if err != nil {
		t.Fatalf("PublicKey failed: %v", err)
	}
	keys := map[uint8]*blindsig.PublicKey{8: pk}
	exchange := redeem.NewExchange(keys, system, spentset.New(4096, 0.001), zerolog.Nop())
	publisher := redeem.NewPublisher("news-site", keys, system, exchange, zerolog.Nop())

	return &e2eEnv{
		system:    system,
		accounts:  accounts,
		issuer:    issuer,
		keys:      keys,
		exchange:  exchange,
		publisher: publisher,
	}
}

func (env *e2eEnv) issueToken(t *testing.T) *token.Token {
	t.Helper()
	ch, err := env.issuer.Init(issuance.InitRequest{Account: "acme", Denom: 8})
	if err != nil {
		t.Fatalf("issuance init failed: %v", err)
	}
	req, fin, err := issuance.NewTokenRequest(env.keys[8], 8, ch)
	if err != nil {
		t.Fatalf("token request failed: %v", err)
	}
	resp, err := env.issuer.Finalize(fin)
	if err != nil {
		t.Fatalf("issuance finalize failed: %v", err)
	}
	tok, err := req.Complete(resp)
	if err != nil {
		t.Fatalf("credential verification failed: %v", err)
	}
	return tok
}

// The canonical D=8 lifecycle: issue, spend "0110" for 16 units, replay is
// rejected, sibling "0111" spends independently.
func TestTokenLifecycle(t *testing.T) {
	env := newE2EEnv(t)
	tok := env.issueToken(t)

	if bal, _ := env.accounts.Balance("acme"); bal != 1000-256 {
		t.Fatalf("account balance after issuance = %d, want %d", bal, 1000-256)
	}

	w := wallet.New(env.system)
	w.Add(tok)
	if w.Remaining() != 256 {
		t.Fatalf("fresh wallet remaining = %d, want 256", w.Remaining())
	}

	var settledTotal uint64

	t.Run("spend 0110 settles for 16", func(t *testing.T) {
		path, _ := keytree.ParsePath("0110")
		rec, err := w.SpendExact(0, path)
		if err != nil {
			t.Fatalf("spend failed: %v", err)
		}
		a := env.publisher.Process(context.Background(), rec)
		if a.State() != redeem.StateSettled {
			t.Fatalf("attempt state = %s, err = %v", a.State(), a.Err)
		}
		if a.Settlement.Value != 16 {
			t.Fatalf("settled value = %d, want 16", a.Settlement.Value)
		}
		settledTotal += a.Settlement.Value

		t.Run("replay is a double spend", func(t *testing.T) {
			replay := env.publisher.Process(context.Background(), rec)
			if replay.State() != redeem.StateRejected {
				t.Fatalf("replay state = %s, want rejected", replay.State())
			}
			var ds *spentset.DoubleSpendError
			if !errors.As(replay.Err, &ds) {
				t.Fatalf("expected DoubleSpendError, got %v", replay.Err)
			}
		})
	})

	t.Run("sibling 0111 settles independently", func(t *testing.T) {
		path, _ := keytree.ParsePath("0111")
		rec, err := w.SpendExact(0, path)
		if err != nil {
			t.Fatalf("spend failed: %v", err)
		}
		a := env.publisher.Process(context.Background(), rec)
		if a.State() != redeem.StateSettled {
			t.Fatalf("attempt state = %s, err = %v", a.State(), a.Err)
		}
		if a.Settlement.Value != 16 {
			t.Fatalf("settled value = %d, want 16", a.Settlement.Value)
		}
		settledTotal += a.Settlement.Value
	})

	if settledTotal != 32 {
		t.Errorf("total settled = %d, want 32", settledTotal)
	}
	if w.Remaining() != 256-32 {
		t.Errorf("wallet remaining = %d, want %d", w.Remaining(), 256-32)
	}
}

// The wallet refuses to hand out a subtree overlapping a burned one, so the
// exchange is the last line of defense only for dishonest holders.
func TestWalletPreventsOverlappingSpends(t *testing.T) {
	env := newE2EEnv(t)
	w := wallet.New(env.system)
	w.Add(env.issueToken(t))

	path, _ := keytree.ParsePath("0110")
	if _, err := w.SpendExact(0, path); err != nil {
		t.Fatalf("spend failed: %v", err)
	}
	if _, err := w.SpendExact(0, path); !errors.Is(err, wallet.ErrNoCapacity) {
		t.Errorf("re-spend of burned path: got %v, want ErrNoCapacity", err)
	}
}

// Racing one receipt through concurrent redemptions settles exactly once,
// and the losers all see the winner's first-seen time.
func TestConcurrentRedemptionExclusivity(t *testing.T) {
	env := newE2EEnv(t)
	w := wallet.New(env.system)
	w.Add(env.issueToken(t))

	path, _ := keytree.ParsePath("1010")
	rec, err := w.SpendExact(0, path)
	if err != nil {
		t.Fatalf("spend failed: %v", err)
	}

	const n = 12
	var mu sync.Mutex
	settled := 0
	doubleSpends := 0
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.exchange.Redeem(rec, "news-site")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				settled++
				return
			}
			var ds *spentset.DoubleSpendError
			if errors.As(err, &ds) {
				doubleSpends++
			} else {
				t.Errorf("unexpected redemption error: %v", err)
			}
		}()
	}
	wg.Wait()

	if settled != 1 {
		t.Errorf("%d settlements, want exactly 1", settled)
	}
	if doubleSpends != n-1 {
		t.Errorf("%d double-spend rejections, want %d", doubleSpends, n-1)
	}
}

// Receipts survive their wire encoding: marshal, unmarshal, then settle.
func TestReceiptRedeemsAfterWireRoundTrip(t *testing.T) {
	env := newE2EEnv(t)
	w := wallet.New(env.system)
	w.Add(env.issueToken(t))

	path, _ := keytree.ParsePath("0011")
	rec, err := w.SpendExact(0, path)
	if err != nil {
		t.Fatalf("spend failed: %v", err)
	}
	data, err := rec.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary failed: %v", err)
	}
	var back token.SpendReceipt
	if err := back.UnmarshalBinary(data); err != nil {
		t.Fatalf("UnmarshalBinary failed: %v", err)
	}

	s, err := env.exchange.Redeem(&back, "news-site")
	if err != nil {
		t.Fatalf("redeem after round trip failed: %v", err)
	}
	if s.Value != 16 {
		t.Errorf("settled value = %d, want 16", s.Value)
	}
}
