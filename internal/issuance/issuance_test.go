package issuance

import (
	"errors"
	"sync"
	"testing"
	"time"

	blsfr "github.com/consensys/gnark-crypto/ecc/bls12-377/fr"
	"github.com/rs/zerolog"
)

func testIssuer(t *testing.T, denoms ...uint8) (*Issuer, *AccountStore) {
	t.Helper()
	accounts := NewAccountStore()
	iss, err := NewIssuer(accounts, time.Minute, zerolog.Nop(), denoms...)
	if err != nil {
		t.Fatalf("NewIssuer failed: %v", err)
	}
	t.Cleanup(iss.Close)
	return iss, accounts
}

func TestIssueToken(t *testing.T) {
	iss, accounts := testIssuer(t, 8)
	accounts.Fund("acme", 1000)

	ch, err := iss.Init(InitRequest{Account: "acme", Denom: 8})
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	pk, err := iss.PublicKey(8)
	if err != nil {
		t.Fatalf("PublicKey failed: %v", err)
	}
	req, fin, err := NewTokenRequest(pk, 8, ch)
	if err != nil {
		t.Fatalf("NewTokenRequest failed: %v", err)
	}
	resp, err := iss.Finalize(fin)
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	tok, err := req.Complete(resp)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if tok.Denom != 8 || tok.Value() != 256 {
		t.Errorf("token denom=%d value=%d, want 8/256", tok.Denom, tok.Value())
	}
	if err := tok.Credential.Verify(pk); err != nil {
		t.Errorf("credential does not verify: %v", err)
	}
	bal, err := accounts.Balance("acme")
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if bal != 1000-256 {
		t.Errorf("balance after issuance = %d, want %d", bal, 1000-256)
	}
}

func TestInitRejectsUnknownDenomination(t *testing.T) {
	iss, accounts := testIssuer(t, 4)
	accounts.Fund("acme", 1000)
	if _, err := iss.Init(InitRequest{Account: "acme", Denom: 8}); !errors.Is(err, ErrUnknownDenomination) {
		t.Errorf("expected ErrUnknownDenomination, got %v", err)
	}
	// Rejection before the debit.
	if bal, _ := accounts.Balance("acme"); bal != 1000 {
		t.Errorf("balance changed on rejected init: %d", bal)
	}
}

func TestInitRejectsInsufficientBalance(t *testing.T) {
	iss, accounts := testIssuer(t, 8)
	accounts.Fund("acme", 255)

	_, err := iss.Init(InitRequest{Account: "acme", Denom: 8})
	var insufficient *InsufficientBalanceError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientBalanceError, got %v", err)
	}
	if insufficient.Need != 256 || insufficient.Balance != 255 {
		t.Errorf("error reports need=%d balance=%d", insufficient.Need, insufficient.Balance)
	}
}

func TestInitRejectsUnknownAccount(t *testing.T) {
	iss, _ := testIssuer(t, 8)
	if _, err := iss.Init(InitRequest{Account: "ghost", Denom: 8}); !errors.Is(err, ErrUnknownAccount) {
		t.Errorf("expected ErrUnknownAccount, got %v", err)
	}
}

func TestFinalizeConsumesSession(t *testing.T) {
	iss, accounts := testIssuer(t, 4)
	accounts.Fund("acme", 100)

	ch, err := iss.Init(InitRequest{Account: "acme", Denom: 4})
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	var e blsfr.Element
	e.SetUint64(7)
	if _, err := iss.Finalize(FinalizeRequest{Session: ch.Session, E: e}); err != nil {
		t.Fatalf("first Finalize failed: %v", err)
	}
	if _, err := iss.Finalize(FinalizeRequest{Session: ch.Session, E: e}); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("expected ErrUnknownSession on replay, got %v", err)
	}
}

func TestFinalizeRejectsUnknownSession(t *testing.T) {
	iss, _ := testIssuer(t, 4)
	var e blsfr.Element
	if _, err := iss.Finalize(FinalizeRequest{Session: "nope", E: e}); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("expected ErrUnknownSession, got %v", err)
	}
}

// Concurrent issuances against one account must never overdraw it: with
// funds for exactly three D=4 tokens, exactly three of eight inits succeed.
func TestConcurrentDebitAtomicity(t *testing.T) {
	iss, accounts := testIssuer(t, 4)
	accounts.Fund("acme", 3*16)

	const attempts = 8
	var ok int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := iss.Init(InitRequest{Account: "acme", Denom: 4}); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if ok != 3 {
		t.Errorf("%d inits succeeded, want 3", ok)
	}
	if bal, _ := accounts.Balance("acme"); bal != 0 {
		t.Errorf("balance = %d after exhausting funds, want 0", bal)
	}
}

func TestExpiredSessionRefunds(t *testing.T) {
	accounts := NewAccountStore()
	accounts.Fund("acme", 16)
	iss, err := NewIssuer(accounts, 20*time.Millisecond, zerolog.Nop(), 4)
	if err != nil {
		t.Fatalf("NewIssuer failed: %v", err)
	}
	defer iss.Close()

	if _, err := iss.Init(InitRequest{Account: "acme", Denom: 4}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if bal, _ := accounts.Balance("acme"); bal != 0 {
		t.Fatalf("balance = %d after init, want 0", bal)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if bal, _ := accounts.Balance("acme"); bal == 16 {
			return
		}
		if time.Now().After(deadline) {
			bal, _ := accounts.Balance("acme")
			t.Fatalf("debit not refunded after expiry, balance = %d", bal)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
