// publisher.go - Publisher-side receipt handling.
//
// A publisher verifies receipts locally before forwarding them, so garbage
// never costs an exchange round trip. Each receipt's lifecycle is tracked as
// an Attempt state machine:
//
//	received -> verified -> submitted -> accepted -> settled
//	                \-> rejected       \-> rejected
//
// Local verification cannot catch double spends; only the exchange's spent
// set decides those.

package redeem

import (
	"context"
	"fmt"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"

	"divtoken/internal/blindsig"
	"divtoken/internal/spendproof"
	"divtoken/internal/token"
)

// Attempt states and events.
const (
	StateReceived  = "received"
	StateVerified  = "verified"
	StateSubmitted = "submitted"
	StateAccepted  = "accepted"
	StateRejected  = "rejected"
	StateSettled   = "settled"

	eventVerify = "verify"
	eventSubmit = "submit"
	eventAccept = "accept"
	eventReject = "reject"
	eventSettle = "settle"
)

// Attempt is one receipt's journey through the publisher. Err is set when
// the attempt ends in StateRejected; Settlement when it reaches StateSettled.
type Attempt struct {
	Receipt    *token.SpendReceipt
	Settlement *Settlement
	Err        error
	machine    *fsm.FSM
}

// State returns the attempt's current lifecycle state.
func (a *Attempt) State() string { return a.machine.Current() }

func newAttempt(rec *token.SpendReceipt) *Attempt {
	return &Attempt{
		Receipt: rec,
		machine: fsm.NewFSM(
			StateReceived,
			fsm.Events{
				{Name: eventVerify, Src: []string{StateReceived}, Dst: StateVerified},
				{Name: eventSubmit, Src: []string{StateVerified}, Dst: StateSubmitted},
				{Name: eventAccept, Src: []string{StateSubmitted}, Dst: StateAccepted},
				{Name: eventReject, Src: []string{StateReceived, StateSubmitted}, Dst: StateRejected},
				{Name: eventSettle, Src: []string{StateAccepted}, Dst: StateSettled},
			},
			fsm.Callbacks{},
		),
	}
}

// Redeemer is the exchange interface a publisher forwards to.
type Redeemer interface {
	Redeem(rec *token.SpendReceipt, publisherID string) (*Settlement, error)
}

// Publisher validates receipts from ad-slot visits and forwards the valid
// ones for settlement.
type Publisher struct {
	ID       string
	keys     map[uint8]*blindsig.PublicKey
	verifier *spendproof.System
	exchange Redeemer
	log      zerolog.Logger
}

// NewPublisher creates a publisher that verifies against the issuing public
// keys and forwards to the given exchange.
func NewPublisher(id string, keys map[uint8]*blindsig.PublicKey, verifier *spendproof.System, exchange Redeemer, log zerolog.Logger) *Publisher {
	return &Publisher{ID: id, keys: keys, verifier: verifier, exchange: exchange, log: log}
}

// verifyLocal runs the stateless checks the exchange would run, minus the
// spent set.
func (p *Publisher) verifyLocal(rec *token.SpendReceipt) error {
	if _, err := rec.Value(); err != nil {
		return err
	}
	pk, ok := p.keys[rec.Credential.Denom]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownDenomination, rec.Credential.Denom)
	}
	if err := rec.Credential.Verify(pk); err != nil {
		return &CredentialError{Denom: rec.Credential.Denom, Err: err}
	}
	return p.verifier.Verify(rec.Proof, spendproof.PublicInputs{
		CRoot:  rec.Credential.CRoot,
		Denom:  rec.Credential.Denom,
		Level:  rec.Level,
		Serial: rec.Serial,
		Tag:    rec.Tag,
	})
}

// Process takes a receipt through the full attempt lifecycle. The returned
// Attempt is always non-nil; inspect its state, Settlement and Err.
func (p *Publisher) Process(ctx context.Context, rec *token.SpendReceipt) *Attempt {
	a := newAttempt(rec)

	if err := p.verifyLocal(rec); err != nil {
		a.Err = err
		a.machine.Event(ctx, eventReject)
		p.log.Warn().Err(err).Str("publisher", p.ID).Msg("receipt rejected locally")
		return a
	}
	a.machine.Event(ctx, eventVerify)
	a.machine.Event(ctx, eventSubmit)

	s, err := p.exchange.Redeem(rec, p.ID)
	if err != nil {
		a.Err = err
		a.machine.Event(ctx, eventReject)
		p.log.Warn().Err(err).Str("publisher", p.ID).Msg("receipt rejected by exchange")
		return a
	}
	a.Settlement = s
	a.machine.Event(ctx, eventAccept)
	a.machine.Event(ctx, eventSettle)
	p.log.Info().Uint64("value", s.Value).Str("publisher", p.ID).Msg("attempt settled")
	return a
}
