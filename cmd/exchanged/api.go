// api.go - REST wire types and handlers for the exchange daemon
//
// All REST endpoints must validate input and handle errors securely.
package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	blsfr "github.com/consensys/gnark-crypto/ecc/bls12-377/fr"
	"github.com/rs/zerolog"

	"divtoken/internal/issuance"
	"divtoken/internal/redeem"
	"divtoken/internal/spendproof"
	"divtoken/internal/spentset"
	"divtoken/internal/token"
)

// issueInitRequest opens a blind issuance session.
type issueInitRequest struct {
	Account string `json:"account"`
	Denom   uint8  `json:"denom"`
}

type issueInitResponse struct {
	Session string `json:"session"`
	Nonce   string `json:"nonce"` // compressed G1 point, hex
}

// issueFinalizeRequest carries the blinded challenge.
type issueFinalizeRequest struct {
	Session string `json:"session"`
	E       string `json:"e"` // scalar, hex
}

type issueFinalizeResponse struct {
	S string `json:"s"` // scalar, hex
}

// redeemRequest submits one receipt in its binary wire form.
type redeemRequest struct {
	Receipt   string `json:"receipt"` // SpendReceipt binary encoding, hex
	Publisher string `json:"publisher"`
}

type redeemResponse struct {
	Serial     string    `json:"serial"`
	Value      uint64    `json:"value"`
	Level      uint8     `json:"level"`
	Denom      uint8     `json:"denom"`
	AcceptedAt time.Time `json:"accepted_at"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type keysResponse struct {
	Keys map[string]string `json:"keys"` // denomination -> compressed G1 pubkey, hex
}

// server wires the protocol services to HTTP.
type server struct {
	cfg      *Config
	issuer   *issuance.Issuer
	exchange *redeem.Exchange
	verifier *spendproof.System
	metrics  *MetricsCollector
	health   *HealthChecker
	limiter  *CallerRateLimiter
	log      zerolog.Logger
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}

func (s *server) handleIssueInit(w http.ResponseWriter, r *http.Request) {
	var req issueInitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	if req.Account == "" {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("account must be set"))
		return
	}
	if !s.limiter.Allow(req.Account) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", fmt.Errorf("too many requests"))
		return
	}

	ch, err := s.issuer.Init(issuance.InitRequest{Account: req.Account, Denom: req.Denom})
	if err != nil {
		var insufficient *issuance.InsufficientBalanceError
		switch {
		case errors.As(err, &insufficient):
			writeError(w, http.StatusPaymentRequired, "insufficient_balance", err)
		case errors.Is(err, issuance.ErrUnknownDenomination),
			errors.Is(err, issuance.ErrUnknownAccount):
			writeError(w, http.StatusBadRequest, "bad_request", err)
		default:
			s.metrics.RecordError("issue_init")
			writeError(w, http.StatusInternalServerError, "internal", err)
		}
		return
	}

	s.metrics.RecordIssuance(req.Denom)
	nonce := ch.Nonce.Bytes()
	writeJSON(w, http.StatusOK, issueInitResponse{
		Session: ch.Session,
		Nonce:   hex.EncodeToString(nonce[:]),
	})
}

func (s *server) handleIssueFinalize(w http.ResponseWriter, r *http.Request) {
	var req issueFinalizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	eBytes, err := hex.DecodeString(req.E)
	if err != nil || len(eBytes) != blsfr.Bytes {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("invalid challenge encoding"))
		return
	}
	var e blsfr.Element
	e.SetBytes(eBytes)

	resp, err := s.issuer.Finalize(issuance.FinalizeRequest{Session: req.Session, E: e})
	if err != nil {
		if errors.Is(err, issuance.ErrUnknownSession) {
			writeError(w, http.StatusNotFound, "unknown_session", err)
		} else {
			s.metrics.RecordError("issue_finalize")
			writeError(w, http.StatusInternalServerError, "internal", err)
		}
		return
	}

	sBytes := resp.S.Bytes()
	writeJSON(w, http.StatusOK, issueFinalizeResponse{S: hex.EncodeToString(sBytes[:])})
}

func (s *server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	if req.Publisher == "" {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("publisher must be set"))
		return
	}
	if !s.limiter.Allow(req.Publisher) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", fmt.Errorf("too many requests"))
		return
	}
	data, err := hex.DecodeString(req.Receipt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("invalid receipt encoding"))
		return
	}
	var rec token.SpendReceipt
	if err := rec.UnmarshalBinary(data); err != nil {
		writeError(w, http.StatusBadRequest, "bad_receipt", err)
		return
	}

	start := time.Now()
	settlement, err := s.exchange.Redeem(&rec, req.Publisher)
	s.metrics.RecordVerification(time.Since(start))
	if err != nil {
		var ds *spentset.DoubleSpendError
		var ce *redeem.CredentialError
		switch {
		case errors.As(err, &ds):
			s.metrics.RecordDoubleSpend(req.Publisher)
			writeError(w, http.StatusConflict, "double_spend", err)
		case errors.As(err, &ce):
			s.metrics.RecordError("credential")
			writeError(w, http.StatusUnprocessableEntity, "invalid_credential", err)
		case errors.Is(err, spendproof.ErrProofInvalid), errors.Is(err, spendproof.ErrProofMalformed):
			s.metrics.IncrementCounter(MetricRejectedProofCount, nil)
			writeError(w, http.StatusUnprocessableEntity, "invalid_proof", err)
		case errors.Is(err, redeem.ErrUnknownDenomination), errors.Is(err, spendproof.ErrLevelNotReady):
			writeError(w, http.StatusBadRequest, "bad_request", err)
		default:
			s.metrics.RecordError("redeem")
			writeError(w, http.StatusInternalServerError, "internal", err)
		}
		return
	}

	s.metrics.RecordRedemption(req.Publisher, settlement.Value)
	writeJSON(w, http.StatusOK, redeemResponse{
		Serial:     hex.EncodeToString(settlement.Serial[:]),
		Value:      settlement.Value,
		Level:      settlement.Level,
		Denom:      settlement.Denom,
		AcceptedAt: settlement.AcceptedAt,
	})
}

// batchRedeemRequest submits several receipts whose values sum to the
// amount being settled.
type batchRedeemRequest struct {
	Receipts  []string `json:"receipts"` // binary encodings, hex
	Publisher string   `json:"publisher"`
}

type batchRedeemResult struct {
	Settlement *redeemResponse `json:"settlement,omitempty"`
	Error      string          `json:"error,omitempty"`
	Code       string          `json:"code,omitempty"`
}

type batchRedeemResponse struct {
	Results []batchRedeemResult `json:"results"`
	Settled uint64              `json:"settled"`
}

func (s *server) handleRedeemBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRedeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	}
	if req.Publisher == "" {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("publisher must be set"))
		return
	}
	if !s.limiter.Allow(req.Publisher) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", fmt.Errorf("too many requests"))
		return
	}

	recs := make([]*token.SpendReceipt, len(req.Receipts))
	for i, h := range req.Receipts {
		data, err := hex.DecodeString(h)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("receipt %d: invalid encoding", i))
			return
		}
		var rec token.SpendReceipt
		if err := rec.UnmarshalBinary(data); err != nil {
			writeError(w, http.StatusBadRequest, "bad_receipt", fmt.Errorf("receipt %d: %w", i, err))
			return
		}
		recs[i] = &rec
	}

	results := s.exchange.RedeemBatch(r.Context(), recs, req.Publisher, s.cfg.MaxConcurrency)
	resp := batchRedeemResponse{Results: make([]batchRedeemResult, len(results))}
	for i, res := range results {
		if res.Err != nil {
			code := "rejected"
			var ds *spentset.DoubleSpendError
			if errors.As(res.Err, &ds) {
				code = "double_spend"
				s.metrics.RecordDoubleSpend(req.Publisher)
			}
			resp.Results[i] = batchRedeemResult{Error: res.Err.Error(), Code: code}
			continue
		}
		st := res.Settlement
		s.metrics.RecordRedemption(req.Publisher, st.Value)
		resp.Settled += st.Value
		resp.Results[i] = batchRedeemResult{Settlement: &redeemResponse{
			Serial:     hex.EncodeToString(st.Serial[:]),
			Value:      st.Value,
			Level:      st.Level,
			Denom:      st.Denom,
			AcceptedAt: st.AcceptedAt,
		}}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleKeys(w http.ResponseWriter, r *http.Request) {
	resp := keysResponse{Keys: make(map[string]string)}
	for _, d := range s.issuer.Denominations() {
		pk, err := s.issuer.PublicKey(d)
		if err != nil {
			continue
		}
		b := pk.A.Bytes()
		resp.Keys[fmt.Sprintf("%d", d)] = hex.EncodeToString(b[:])
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.health.CheckHealth()
	status := http.StatusOK
	if health.OverallStatus == Unhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, CreateHealthResponse(health))
}

func (s *server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.GetMetricsSummary())
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /issue/init", s.handleIssueInit)
	mux.HandleFunc("POST /issue/finalize", s.handleIssueFinalize)
	mux.HandleFunc("POST /redeem", s.handleRedeem)
	mux.HandleFunc("POST /redeem/batch", s.handleRedeemBatch)
	mux.HandleFunc("GET /keys", s.handleKeys)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	return mux
}
