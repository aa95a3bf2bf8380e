// redeem.go - Exchange-side redemption of spend receipts.
//
// Redemption is check-then-commit: the credential and the proof are verified
// first, stateless and concurrent, and only then does the serial hit the
// spent set. The InsertIfAbsent there is the single serialized step and
// decides every race: whoever lands first gets the settlement, everyone
// else gets a DoubleSpendError carrying the first-seen time.

package redeem

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"divtoken/internal/blindsig"
	"divtoken/internal/spendproof"
	"divtoken/internal/spentset"
	"divtoken/internal/token"
)

// ErrUnknownDenomination is returned for receipts whose credential names a
// denomination the exchange never issued.
var ErrUnknownDenomination = errors.New("redeem: no issuing key for denomination")

// CredentialError wraps a credential verification failure. The receipt was
// not produced by a completed issuance under the claimed denomination.
type CredentialError struct {
	Denom uint8
	Err   error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("redeem: invalid credential for denomination %d: %v", e.Denom, e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// Settlement records an accepted redemption: value owed to the publisher for
// one receipt. The payer stays anonymous; only the aggregate debit at
// issuance time ties value to an advertiser account.
type Settlement struct {
	Serial      [48]byte
	Value       uint64
	Level       uint8
	Denom       uint8
	PublisherID string
	AcceptedAt  time.Time
}

// Exchange verifies and settles receipts against a spent set. All methods
// are safe for concurrent use.
type Exchange struct {
	keys     map[uint8]*blindsig.PublicKey
	verifier *spendproof.System
	spent    spentset.Set
	log      zerolog.Logger
	onSettle func(*Settlement)
}

// NewExchange builds a redemption service from the issuing public keys, the
// proof verifier and the spent-serial set.
func NewExchange(keys map[uint8]*blindsig.PublicKey, verifier *spendproof.System, spent spentset.Set, log zerolog.Logger) *Exchange {
	return &Exchange{keys: keys, verifier: verifier, spent: spent, log: log}
}

// Redeem validates one receipt and, if it is fresh, records the serial and
// returns the settlement. Rejections are typed: CredentialError for a bad
// credential, the verifier's proof errors for a bad proof, and
// spentset.DoubleSpendError for a repeated serial.
func (x *Exchange) Redeem(rec *token.SpendReceipt, publisherID string) (*Settlement, error) {
	value, err := rec.Value()
	if err != nil {
		return nil, err
	}

	pk, ok := x.keys[rec.Credential.Denom]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownDenomination, rec.Credential.Denom)
	}
	if err := rec.Credential.Verify(pk); err != nil {
		return nil, &CredentialError{Denom: rec.Credential.Denom, Err: err}
	}

	if err := x.verifier.Verify(rec.Proof, spendproof.PublicInputs{
		CRoot:  rec.Credential.CRoot,
		Denom:  rec.Credential.Denom,
		Level:  rec.Level,
		Serial: rec.Serial,
		Tag:    rec.Tag,
	}); err != nil {
		return nil, err
	}

	serial := rec.SerialKey()
	status, entry := x.spent.InsertIfAbsent(serial, rec.Tag.Bytes())
	if status == spentset.AlreadyPresent {
		x.log.Warn().Hex("serial", serial[:8]).Time("first_seen", entry.FirstSeen).
			Str("publisher", publisherID).Msg("double spend rejected")
		return nil, &spentset.DoubleSpendError{Serial: serial, FirstSeen: entry.FirstSeen}
	}

	s := &Settlement{
		Serial:      serial,
		Value:       value,
		Level:       rec.Level,
		Denom:       rec.Credential.Denom,
		PublisherID: publisherID,
		AcceptedAt:  entry.FirstSeen,
	}
	x.log.Info().Hex("serial", serial[:8]).Uint64("value", value).
		Uint8("level", rec.Level).Str("publisher", publisherID).Msg("receipt settled")
	if x.onSettle != nil {
		x.onSettle(s)
	}
	return s, nil
}

// OnSettle registers the billing collaborator's callback, invoked once for
// every accepted redemption. Set it before serving traffic; the callback
// runs on the redeeming goroutine and must be safe for concurrent calls.
func (x *Exchange) OnSettle(fn func(*Settlement)) {
	x.onSettle = fn
}

// BatchResult pairs one receipt of a batch with its outcome.
type BatchResult struct {
	Settlement *Settlement
	Err        error
}

// RedeemBatch redeems receipts concurrently, at most parallelism at a time.
// Every receipt gets a result in input order; individual rejections do not
// abort the batch.
func (x *Exchange) RedeemBatch(ctx context.Context, recs []*token.SpendReceipt, publisherID string, parallelism int) []BatchResult {
	results := make([]BatchResult, len(recs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for i, rec := range recs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i] = BatchResult{Err: err}
				return nil
			}
			s, err := x.Redeem(rec, publisherID)
			results[i] = BatchResult{Settlement: s, Err: err}
			return nil
		})
	}
	g.Wait()
	return results
}
