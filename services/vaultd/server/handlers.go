package server

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"

	"github.com/go-chi/chi/v5"

	"tokenvault/services/vaultd/pricer"
	"tokenvault/vault"
)

type fundsPayload struct {
	Sender       string `json:"sender"`
	FromInternal bool   `json:"fromInternal"`
	Recipient    string `json:"recipient"`
	ToInternal   bool   `json:"toInternal"`
}

func (p fundsPayload) parse() (vault.FundManagement, error) {
	sender, err := vault.ParseAddress(p.Sender)
	if err != nil {
		return vault.FundManagement{}, fmt.Errorf("sender: %w", err)
	}
	recipient, err := vault.ParseAddress(p.Recipient)
	if err != nil {
		return vault.FundManagement{}, fmt.Errorf("recipient: %w", err)
	}
	return vault.FundManagement{
		Sender:       sender,
		FromInternal: p.FromInternal,
		Recipient:    recipient,
		ToInternal:   p.ToInternal,
	}, nil
}

func parseAmount(raw string) (*big.Int, error) {
	if raw == "" {
		return nil, fmt.Errorf("amount must not be empty")
	}
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("malformed amount %q", raw)
	}
	return amount, nil
}

func parseKind(raw string) (vault.SwapKind, error) {
	switch raw {
	case "given-in":
		return vault.SwapGivenIn, nil
	case "given-out":
		return vault.SwapGivenOut, nil
	default:
		return 0, fmt.Errorf("unknown swap kind %q", raw)
	}
}

func formatAmounts(amounts []*big.Int) []string {
	out := make([]string, len(amounts))
	for i, amount := range amounts {
		out[i] = amount.String()
	}
	return out
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return false
	}
	return true
}

// requireCaller rejects requests acting on behalf of an address other than
// the one the bearer token authenticates.
func (s *Server) requireCaller(w http.ResponseWriter, r *http.Request, actor vault.Address) (vault.Address, bool) {
	caller, ok := callerFrom(r)
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "missing caller")
		return vault.Address{}, false
	}
	if caller != actor {
		s.writeError(w, http.StatusForbidden, "token does not authenticate the acting address")
		return vault.Address{}, false
	}
	return caller, true
}

type registerPoolRequest struct {
	Specialization string `json:"specialization"`
	Pricer         string `json:"pricer"`
}

func (s *Server) handleRegisterPool(w http.ResponseWriter, r *http.Request) {
	var req registerPoolRequest
	if !s.decode(w, r, &req) {
		return
	}
	caller, ok := callerFrom(r)
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "missing caller")
		return
	}
	spec, err := vault.ParseSpecialization(req.Specialization)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	poolPricer, err := pricer.ByName(req.Pricer)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var id vault.PoolID
	err = s.observe(vault.OpRegisterPool, func() error {
		var opErr error
		id, opErr = s.engine.RegisterPool(caller, spec, poolPricer)
		return opErr
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if err := s.store.PutPricer(id, req.Pricer); err != nil {
		s.logger.Error("record pricer binding", "error", err, "pool", id.String())
	}
	s.checkpoint(r)
	s.writeJSON(w, http.StatusCreated, map[string]string{
		"poolId":         id.String(),
		"specialization": spec.String(),
	})
}

type registerTokensRequest struct {
	Tokens []string `json:"tokens"`
}

func (s *Server) handleRegisterTokens(w http.ResponseWriter, r *http.Request) {
	id, err := vault.ParsePoolID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req registerTokensRequest
	if !s.decode(w, r, &req) {
		return
	}
	caller, ok := callerFrom(r)
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "missing caller")
		return
	}
	err = s.observe(vault.OpRegisterTokens, func() error {
		return s.engine.RegisterTokens(caller, id, req.Tokens)
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.checkpoint(r)
	s.writeJSON(w, http.StatusOK, map[string]any{"poolId": id.String(), "tokens": req.Tokens})
}

type tokenBalancePayload struct {
	Token   string `json:"token,omitempty"`
	Cash    string `json:"cash"`
	Managed string `json:"managed"`
	Total   string `json:"total"`
}

func balancePayload(token string, balance vault.TokenBalance) tokenBalancePayload {
	return tokenBalancePayload{
		Token:   token,
		Cash:    balance.Cash.String(),
		Managed: balance.Managed.String(),
		Total:   balance.Total().String(),
	}
}

func (s *Server) handlePoolTokens(w http.ResponseWriter, r *http.Request) {
	id, err := vault.ParsePoolID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tokens, balances, err := s.engine.GetPoolTokens(id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	payload := make([]tokenBalancePayload, len(tokens))
	for i, token := range tokens {
		payload[i] = balancePayload(token, balances[i])
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"poolId": id.String(), "tokens": payload})
}

func (s *Server) handlePoolTokenInfo(w http.ResponseWriter, r *http.Request) {
	id, err := vault.ParsePoolID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	token := chi.URLParam(r, "token")
	balance, err := s.engine.GetPoolTokenInfo(id, token)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, balancePayload(token, balance))
}

type fundPoolRequest struct {
	From   string `json:"from"`
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

func (s *Server) handleFundPool(w http.ResponseWriter, r *http.Request) {
	id, err := vault.ParsePoolID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req fundPoolRequest
	if !s.decode(w, r, &req) {
		return
	}
	from, err := vault.ParseAddress(req.From)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, ok := s.requireCaller(w, r, from); !ok {
		return
	}
	err = s.observe(vault.OpFundPool, func() error {
		return s.engine.FundPool(from, id, req.Token, amount)
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.checkpoint(r)
	s.writeJSON(w, http.StatusOK, map[string]string{"pool": id.String(), "token": req.Token, "amount": amount.String()})
}

type swapRequest struct {
	Pool     string       `json:"pool"`
	Kind     string       `json:"kind"`
	TokenIn  string       `json:"tokenIn"`
	TokenOut string       `json:"tokenOut"`
	Amount   string       `json:"amount"`
	UserData []byte       `json:"userData,omitempty"`
	Funds    fundsPayload `json:"funds"`
	Limit    string       `json:"limit"`
	Deadline int64        `json:"deadline"`
}

func (s *Server) handleSwap(w http.ResponseWriter, r *http.Request) {
	var req swapRequest
	if !s.decode(w, r, &req) {
		return
	}
	pool, err := vault.ParsePoolID(req.Pool)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	kind, err := parseKind(req.Kind)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := parseAmount(req.Limit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	funds, err := req.Funds.parse()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, ok := s.requireCaller(w, r, funds.Sender); !ok {
		return
	}
	single := vault.SingleSwap{
		Pool:     pool,
		Kind:     kind,
		TokenIn:  req.TokenIn,
		TokenOut: req.TokenOut,
		Amount:   amount,
		UserData: req.UserData,
	}
	var calculated *big.Int
	err = s.observe(vault.OpSwap, func() error {
		var opErr error
		calculated, opErr = s.engine.Swap(single, funds, limit, req.Deadline)
		return opErr
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.checkpoint(r)
	s.writeJSON(w, http.StatusOK, map[string]string{"amountCalculated": calculated.String()})
}

type batchSwapRequest struct {
	Kind     string       `json:"kind"`
	Steps    []swapStep   `json:"steps"`
	Assets   []string     `json:"assets"`
	Funds    fundsPayload `json:"funds"`
	Limits   []string     `json:"limits"`
	Deadline int64        `json:"deadline"`
}

type swapStep struct {
	Pool     string `json:"pool"`
	TokenIn  string `json:"tokenIn"`
	TokenOut string `json:"tokenOut"`
	Amount   string `json:"amount,omitempty"`
	UserData []byte `json:"userData,omitempty"`
}

func (s *Server) handleBatchSwap(w http.ResponseWriter, r *http.Request) {
	var req batchSwapRequest
	if !s.decode(w, r, &req) {
		return
	}
	kind, err := parseKind(req.Kind)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	steps := make([]vault.SwapStep, len(req.Steps))
	for i, step := range req.Steps {
		pool, err := vault.ParsePoolID(step.Pool)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("step %d: %v", i, err))
			return
		}
		// An absent amount is the chaining sentinel.
		var amount *big.Int
		if step.Amount != "" {
			if amount, err = parseAmount(step.Amount); err != nil {
				s.writeError(w, http.StatusBadRequest, fmt.Sprintf("step %d: %v", i, err))
				return
			}
		}
		steps[i] = vault.SwapStep{
			Pool:     pool,
			TokenIn:  step.TokenIn,
			TokenOut: step.TokenOut,
			Amount:   amount,
			UserData: step.UserData,
		}
	}
	limits := make([]*big.Int, len(req.Limits))
	for i, raw := range req.Limits {
		limit, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("limit %d: malformed amount %q", i, raw))
			return
		}
		limits[i] = limit
	}
	funds, err := req.Funds.parse()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, ok := s.requireCaller(w, r, funds.Sender); !ok {
		return
	}
	var deltas []*big.Int
	err = s.observe(vault.OpBatchSwap, func() error {
		var opErr error
		deltas, opErr = s.engine.BatchSwap(kind, steps, req.Assets, funds, limits, req.Deadline)
		return opErr
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.metrics.ObserveBatchSize(len(steps))
	s.checkpoint(r)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"assets": req.Assets,
		"deltas": formatAmounts(deltas),
	})
}

type flashLoanRequest struct {
	To      string   `json:"to"`
	Tokens  []string `json:"tokens"`
	Amounts []string `json:"amounts"`
	Payload []byte   `json:"payload,omitempty"`
}

// noopRecipient performs no work between disbursal and repayment. Over the
// HTTP surface both legs settle against the borrower's external ledger
// balance, so the borrower nets out the fee.
type noopRecipient struct{}

func (noopRecipient) ReceiveFlashLoan([]string, []*big.Int, []*big.Int, []byte) error { return nil }

func (s *Server) handleFlashLoan(w http.ResponseWriter, r *http.Request) {
	var req flashLoanRequest
	if !s.decode(w, r, &req) {
		return
	}
	to, err := vault.ParseAddress(req.To)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, ok := s.requireCaller(w, r, to); !ok {
		return
	}
	if len(req.Amounts) != len(req.Tokens) {
		s.writeError(w, http.StatusBadRequest, "tokens and amounts length mismatch")
		return
	}
	amounts := make([]*big.Int, len(req.Amounts))
	for i, raw := range req.Amounts {
		amount, err := parseAmount(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("amount %d: %v", i, err))
			return
		}
		amounts[i] = amount
	}
	err = s.observe(vault.OpFlashLoan, func() error {
		return s.engine.FlashLoan(noopRecipient{}, to, req.Tokens, amounts, req.Payload)
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.checkpoint(r)
	s.writeJSON(w, http.StatusOK, map[string]any{"tokens": req.Tokens, "amounts": req.Amounts})
}

type internalBalanceRequest struct {
	Owner  string `json:"owner"`
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

func (s *Server) parseInternalRequest(w http.ResponseWriter, r *http.Request) (vault.Address, string, *big.Int, bool) {
	var req internalBalanceRequest
	if !s.decode(w, r, &req) {
		return vault.Address{}, "", nil, false
	}
	owner, err := vault.ParseAddress(req.Owner)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return vault.Address{}, "", nil, false
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return vault.Address{}, "", nil, false
	}
	if _, ok := s.requireCaller(w, r, owner); !ok {
		return vault.Address{}, "", nil, false
	}
	return owner, req.Token, amount, true
}

func (s *Server) handleDepositInternal(w http.ResponseWriter, r *http.Request) {
	owner, token, amount, ok := s.parseInternalRequest(w, r)
	if !ok {
		return
	}
	err := s.observe(vault.OpDepositInternal, func() error {
		return s.engine.DepositInternal(owner, token, amount)
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.checkpoint(r)
	s.writeJSON(w, http.StatusOK, map[string]string{"owner": owner.String(), "token": token, "amount": amount.String()})
}

func (s *Server) handleWithdrawInternal(w http.ResponseWriter, r *http.Request) {
	owner, token, amount, ok := s.parseInternalRequest(w, r)
	if !ok {
		return
	}
	err := s.observe(vault.OpWithdrawInternal, func() error {
		return s.engine.WithdrawInternal(owner, token, amount)
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.checkpoint(r)
	s.writeJSON(w, http.StatusOK, map[string]string{"owner": owner.String(), "token": token, "amount": amount.String()})
}

type transferInternalRequest struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

func (s *Server) handleTransferInternal(w http.ResponseWriter, r *http.Request) {
	var req transferInternalRequest
	if !s.decode(w, r, &req) {
		return
	}
	from, err := vault.ParseAddress(req.From)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := vault.ParseAddress(req.To)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, ok := s.requireCaller(w, r, from); !ok {
		return
	}
	err = s.observe(vault.OpTransferInternal, func() error {
		return s.engine.TransferInternal(from, to, req.Token, amount)
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.checkpoint(r)
	s.writeJSON(w, http.StatusOK, map[string]string{"from": from.String(), "to": to.String(), "token": req.Token, "amount": amount.String()})
}

func (s *Server) handleInternalBalance(w http.ResponseWriter, r *http.Request) {
	owner, err := vault.ParseAddress(chi.URLParam(r, "owner"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	token := chi.URLParam(r, "token")
	balance, err := s.engine.InternalBalance(owner, token)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"owner": owner.String(), "token": token, "balance": balance.String()})
}

type updateManagedRequest struct {
	Pool  string `json:"pool"`
	Token string `json:"token"`
	Delta string `json:"delta"`
}

func (s *Server) handleUpdateManaged(w http.ResponseWriter, r *http.Request) {
	var req updateManagedRequest
	if !s.decode(w, r, &req) {
		return
	}
	pool, err := vault.ParsePoolID(req.Pool)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	delta, ok := new(big.Int).SetString(req.Delta, 10)
	if !ok {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("malformed delta %q", req.Delta))
		return
	}
	caller, ok := callerFrom(r)
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "missing caller")
		return
	}
	err = s.observe(vault.OpUpdateManaged, func() error {
		return s.engine.UpdateManaged(caller, pool, req.Token, delta)
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.checkpoint(r)
	s.writeJSON(w, http.StatusOK, map[string]string{"pool": pool.String(), "token": req.Token, "delta": delta.String()})
}

func (s *Server) handleCollectedFees(w http.ResponseWriter, r *http.Request) {
	tokens := r.URL.Query()["token"]
	if len(tokens) == 0 {
		s.writeError(w, http.StatusBadRequest, "at least one token query parameter is required")
		return
	}
	amounts, err := s.engine.CollectedFees(tokens)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tokens": tokens, "amounts": formatAmounts(amounts)})
}

type withdrawFeesRequest struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
	To     string `json:"to"`
}

func (s *Server) handleWithdrawFees(w http.ResponseWriter, r *http.Request) {
	var req withdrawFeesRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := vault.ParseAddress(req.To)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	caller, ok := callerFrom(r)
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "missing caller")
		return
	}
	err = s.observe(vault.OpWithdrawFees, func() error {
		return s.engine.WithdrawCollectedFees(caller, req.Token, amount, to)
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.metrics.ObserveFeeWithdrawal(req.Token)
	s.checkpoint(r)
	s.writeJSON(w, http.StatusOK, map[string]string{"token": req.Token, "amount": amount.String(), "to": to.String()})
}

type creditExternalRequest struct {
	Owner  string `json:"owner"`
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

// handleCreditExternal funds an external ledger account. Admin only: this is
// the fiat-rail style on-ramp for the standalone service.
func (s *Server) handleCreditExternal(w http.ResponseWriter, r *http.Request) {
	var req creditExternalRequest
	if !s.decode(w, r, &req) {
		return
	}
	caller, ok := callerFrom(r)
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "missing caller")
		return
	}
	if !s.admins[caller] {
		s.writeError(w, http.StatusForbidden, "external credits require an admin caller")
		return
	}
	owner, err := vault.ParseAddress(req.Owner)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.CreditExternal(req.Token, owner, amount); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"owner": owner.String(), "token": req.Token, "amount": amount.String()})
}

func (s *Server) handleExternalBalance(w http.ResponseWriter, r *http.Request) {
	owner, err := vault.ParseAddress(chi.URLParam(r, "owner"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	token := chi.URLParam(r, "token")
	balance, err := s.store.ExternalBalance(token, owner)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"owner": owner.String(), "token": token, "balance": balance.String()})
}
