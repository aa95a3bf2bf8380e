// client.go - Holder side of the blind issuance protocol.

package issuance

import (
	"fmt"

	"divtoken/internal/blindsig"
	"divtoken/internal/keytree"
	"divtoken/internal/token"
)

// TokenRequest is the holder's in-flight issuance state: the freshly sampled
// root secret and the blinding session. It lives between the exchange's
// Challenge and IssueResponse messages.
type TokenRequest struct {
	root    keytree.Secret
	denom   uint8
	pk      *blindsig.PublicKey
	blinder *blindsig.Blinder
}

// NewTokenRequest samples a root secret, commits to it and blinds the
// commitment under the exchange's challenge. The returned FinalizeRequest is
// what goes back to the exchange.
func NewTokenRequest(pk *blindsig.PublicKey, denom uint8, ch Challenge) (*TokenRequest, FinalizeRequest, error) {
	root, err := keytree.NewRootSecret()
	if err != nil {
		return nil, FinalizeRequest{}, err
	}
	cRoot := keytree.Commit(root, denom)
	blinder, e, err := blindsig.NewBlinder(pk, ch.Nonce, cRoot)
	if err != nil {
		return nil, FinalizeRequest{}, err
	}
	tr := &TokenRequest{root: root, denom: denom, pk: pk, blinder: blinder}
	return tr, FinalizeRequest{Session: ch.Session, E: e}, nil
}

// Complete unblinds the exchange's response, verifies the credential and
// assembles the token. A failed verification means the exchange misbehaved;
// the root secret is discarded with the request either way.
func (tr *TokenRequest) Complete(resp IssueResponse) (*token.Token, error) {
	sig := tr.blinder.Unblind(resp.S)
	cRoot := keytree.Commit(tr.root, tr.denom)
	if err := blindsig.Verify(tr.pk, cRoot, sig); err != nil {
		return nil, fmt.Errorf("issuance: credential rejected: %w", err)
	}
	return &token.Token{
		Root:  tr.root,
		Denom: tr.denom,
		Credential: token.IssuanceCredential{
			CRoot: cRoot,
			Denom: tr.denom,
			Sig:   sig,
		},
	}, nil
}
