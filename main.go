// main.go - End-to-end divisible token scenario: one advertiser, one exchange,
// one publisher.
//
// This demonstrates the complete lifecycle of a divisible retargeting token:
//   - the exchange compiles the spend circuit and generates Groth16 keys
//   - the advertiser buys one D=8 token (256 units) through blind issuance
//   - a visit spends the level-4 subtree "0110" (16 units) at the publisher
//   - the publisher forwards the receipt and gets it settled
//   - a replay of the same receipt is rejected as a double spend
//   - the adjacent subtree "0111" spends fine, since its serial is distinct
//
// Usage:
//
//	go run main.go
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/rs/zerolog"

	"divtoken/internal/blindsig"
	"divtoken/internal/issuance"
	"divtoken/internal/keytree"
	"divtoken/internal/redeem"
	"divtoken/internal/spendproof"
	"divtoken/internal/spentset"
	"divtoken/internal/wallet"
)

const denom = 8

func main() {
	log.Println("=== Divisible Retargeting Tokens: D=8 Scenario ===")

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.InfoLevel).
		With().Timestamp().Logger()

	// 1. Setup: compile the spend circuit and generate/load Groth16 keys for
	// the level this scenario spends at.
	system := spendproof.NewSystem()
	start := time.Now()
	if err := system.SetupOrLoad("keys", 4); err != nil {
		log.Printf("ERROR: proving system setup failed: %v", err)
		return
	}
	log.Printf("Proving system ready in %s", time.Since(start))

	// 2. Exchange services: accounts, issuer and redemption.
	accounts := issuance.NewAccountStore()
	accounts.Fund("acme", 1000)
	issuer, err := issuance.NewIssuer(accounts, time.Minute, logger, denom)
	if err != nil {
		log.Printf("ERROR: issuer setup failed: %v", err)
		return
	}
	defer issuer.Close()
	issuingKey, err := issuer.PublicKey(denom)
	if err != nil {
		log.Printf("ERROR: %v", err)
		return
	}
	keys := map[uint8]*blindsig.PublicKey{denom: issuingKey}

	exchange := redeem.NewExchange(keys, system, spentset.New(1<<16, 1e-4), logger)
	publisher := redeem.NewPublisher("news-site", keys, system, exchange, logger)

	// 3. Blind issuance of one D=8 token. The exchange never sees the root
	// commitment it signs.
	ch, err := issuer.Init(issuance.InitRequest{Account: "acme", Denom: denom})
	if err != nil {
		log.Printf("ERROR: issuance init failed: %v", err)
		return
	}
	req, fin, err := issuance.NewTokenRequest(issuingKey, denom, ch)
	if err != nil {
		log.Printf("ERROR: token request failed: %v", err)
		return
	}
	resp, err := issuer.Finalize(fin)
	if err != nil {
		log.Printf("ERROR: issuance finalize failed: %v", err)
		return
	}
	tok, err := req.Complete(resp)
	if err != nil {
		log.Printf("ERROR: credential verification failed: %v", err)
		return
	}
	bal, _ := accounts.Balance("acme")
	log.Printf("Issued D=%d token worth %d units; account balance now %d", denom, tok.Value(), bal)

	w := wallet.New(system)
	w.Add(tok)

	// 4. First visit: spend subtree "0110", 16 units.
	path1, _ := keytree.ParsePath("0110")
	rec1, err := w.SpendExact(0, path1)
	if err != nil {
		log.Printf("ERROR: spend failed: %v", err)
		return
	}
	a1 := publisher.Process(context.Background(), rec1)
	if a1.State() != redeem.StateSettled {
		log.Printf("ERROR: first spend not settled: state=%s err=%v", a1.State(), a1.Err)
		return
	}
	log.Printf("Spend %q settled for %d units (wallet remaining: %d)", path1, a1.Settlement.Value, w.Remaining())

	// 5. Replay the identical receipt; the spent set rejects it.
	a2 := publisher.Process(context.Background(), rec1)
	if a2.State() != redeem.StateRejected {
		log.Printf("ERROR: replay was not rejected: state=%s", a2.State())
		return
	}
	log.Printf("Replay rejected: %v", a2.Err)

	// 6. The sibling subtree "0111" is unspent and settles independently.
	path2, _ := keytree.ParsePath("0111")
	rec2, err := w.SpendExact(0, path2)
	if err != nil {
		log.Printf("ERROR: spend failed: %v", err)
		return
	}
	a3 := publisher.Process(context.Background(), rec2)
	if a3.State() != redeem.StateSettled {
		log.Printf("ERROR: second spend not settled: state=%s err=%v", a3.State(), a3.Err)
		return
	}
	log.Printf("Spend %q settled for %d units (wallet remaining: %d)", path2, a3.Settlement.Value, w.Remaining())

	fmt.Printf("\n=== Scenario Complete ===\n")
	fmt.Printf("Settled to publisher %q: %d units\n", publisher.ID, a1.Settlement.Value+a3.Settlement.Value)
	fmt.Printf("Wallet remaining value: %d units\n", w.Remaining())
}
