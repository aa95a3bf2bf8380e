// issuance.go - Exchange-side blind issuance of divisible tokens.
//
// Issuance is a three-message protocol per token. The exchange debits the
// advertiser account for the full face value up front, opens a one-shot
// signing session and hands out the nonce commitment; the holder answers
// with a blinded challenge; the exchange responds with the signature share
// and closes the session. Sessions expire if never finalized, and expiry
// refunds the debit.
//
// The exchange never sees the root commitment it signs, so a later spend
// receipt cannot be linked to this transcript. Denominations are bound by
// key choice: one Schnorr keypair per supported denomination.

package issuance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
	blsfr "github.com/consensys/gnark-crypto/ecc/bls12-377/fr"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"

	"divtoken/internal/blindsig"
)

var (
	// ErrUnknownDenomination is returned when no issuing key exists for the
	// requested denomination.
	ErrUnknownDenomination = errors.New("issuance: unsupported denomination")

	// ErrUnknownSession is returned when a finalize request names a session
	// that never existed or already expired.
	ErrUnknownSession = errors.New("issuance: unknown or expired session")

	// ErrUnknownAccount is returned for debits against accounts that were
	// never funded.
	ErrUnknownAccount = errors.New("issuance: unknown account")
)

// InsufficientBalanceError is returned when an account cannot cover the face
// value of the requested token.
type InsufficientBalanceError struct {
	Account string
	Balance uint64
	Need    uint64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("issuance: account %q balance %d below required %d", e.Account, e.Balance, e.Need)
}

// InitRequest opens an issuance for one token of denomination Denom funded
// by Account.
type InitRequest struct {
	Account string
	Denom   uint8
}

// Challenge is the exchange's first response: a session handle and the
// signing nonce commitment R.
type Challenge struct {
	Session string
	Nonce   bls12377.G1Affine
}

// FinalizeRequest carries the holder's blinded challenge back to the
// exchange.
type FinalizeRequest struct {
	Session string
	E       blsfr.Element
}

// IssueResponse is the exchange's signature share s = k + e*x.
type IssueResponse struct {
	S blsfr.Element
}

// AccountStore tracks prepaid advertiser balances in indivisible units.
// Debit is atomic: check and subtract under one lock, no partial states.
type AccountStore struct {
	mu       sync.Mutex
	balances map[string]uint64
}

// NewAccountStore creates an empty store.
func NewAccountStore() *AccountStore {
	return &AccountStore{balances: make(map[string]uint64)}
}

// Fund credits an account, creating it if needed.
func (a *AccountStore) Fund(account string, amount uint64) {
	a.mu.Lock()
	a.balances[account] += amount
	a.mu.Unlock()
}

// Balance returns the current balance of an account.
func (a *AccountStore) Balance(account string) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	bal, ok := a.balances[account]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownAccount, account)
	}
	return bal, nil
}

// Debit atomically subtracts amount from the account, failing without any
// state change if the balance is insufficient.
func (a *AccountStore) Debit(account string, amount uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	bal, ok := a.balances[account]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAccount, account)
	}
	if bal < amount {
		return &InsufficientBalanceError{Account: account, Balance: bal, Need: amount}
	}
	a.balances[account] = bal - amount
	return nil
}

// Refund credits a previously debited amount back.
func (a *AccountStore) Refund(account string, amount uint64) {
	a.Fund(account, amount)
}

type session struct {
	signer  *blindsig.SignerSession
	account string
	denom   uint8
}

// Issuer is the exchange's issuance service: per-denomination signing keys,
// an account store and a TTL-bounded session table. Safe for concurrent use.
type Issuer struct {
	keys     map[uint8]*blindsig.SecretKey
	accounts *AccountStore
	sessions *ttlcache.Cache[string, *session]
	log      zerolog.Logger
}

// NewIssuer generates signing keys for the given denominations and starts
// the session expiry loop. Call Close when done.
func NewIssuer(accounts *AccountStore, sessionTTL time.Duration, log zerolog.Logger, denoms ...uint8) (*Issuer, error) {
	keys := make(map[uint8]*blindsig.SecretKey, len(denoms))
	for _, d := range denoms {
		sk, err := blindsig.GenerateKey()
		if err != nil {
			return nil, err
		}
		keys[d] = sk
	}
	iss := &Issuer{
		keys:     keys,
		accounts: accounts,
		log:      log,
		sessions: ttlcache.New[string, *session](
			ttlcache.WithTTL[string, *session](sessionTTL),
			ttlcache.WithDisableTouchOnHit[string, *session](),
		),
	}
	// Abandoned sessions give the debit back.
	iss.sessions.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *session]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		s := item.Value()
		iss.accounts.Refund(s.account, 1<<s.denom)
		iss.log.Warn().Str("session", item.Key()).Str("account", s.account).
			Uint8("denom", s.denom).Msg("issuance session expired, debit refunded")
	})
	go iss.sessions.Start()
	return iss, nil
}

// Close stops the session expiry loop.
func (i *Issuer) Close() {
	i.sessions.Stop()
}

// PublicKey returns the issuing public key for a denomination.
func (i *Issuer) PublicKey(denom uint8) (*blindsig.PublicKey, error) {
	sk, ok := i.keys[denom]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownDenomination, denom)
	}
	return &sk.Pub, nil
}

// Denominations lists the denominations this issuer holds keys for.
func (i *Issuer) Denominations() []uint8 {
	out := make([]uint8, 0, len(i.keys))
	for d := range i.keys {
		out = append(out, d)
	}
	return out
}

// Init debits the account for 2^Denom units and opens a signing session.
// The debit and the session are paired: expiry or failure refunds it.
func (i *Issuer) Init(req InitRequest) (Challenge, error) {
	if _, ok := i.keys[req.Denom]; !ok {
		return Challenge{}, fmt.Errorf("%w: %d", ErrUnknownDenomination, req.Denom)
	}
	face := uint64(1) << req.Denom
	if err := i.accounts.Debit(req.Account, face); err != nil {
		return Challenge{}, err
	}
	signer, err := i.keys[req.Denom].NewSession()
	if err != nil {
		i.accounts.Refund(req.Account, face)
		return Challenge{}, err
	}
	id := uuid.NewString()
	i.sessions.Set(id, &session{signer: signer, account: req.Account, denom: req.Denom}, ttlcache.DefaultTTL)

	i.log.Debug().Str("session", id).Str("account", req.Account).
		Uint8("denom", req.Denom).Uint64("debited", face).Msg("issuance session opened")
	return Challenge{Session: id, Nonce: signer.Nonce()}, nil
}

// Finalize consumes the session and answers the blinded challenge. Each
// session signs exactly once; a second Finalize for the same session fails.
func (i *Issuer) Finalize(req FinalizeRequest) (IssueResponse, error) {
	// Atomic take: the nonce must never answer two challenges.
	item, present := i.sessions.GetAndDelete(req.Session)
	if !present || item == nil {
		return IssueResponse{}, ErrUnknownSession
	}
	s := item.Value()

	resp := IssueResponse{S: s.signer.Sign(i.keys[s.denom], req.E)}
	i.log.Debug().Str("session", req.Session).Str("account", s.account).
		Uint8("denom", s.denom).Msg("issuance finalized")
	return resp, nil
}
