package handler

import (
	"encoding/json"
	"net/http"

	"github.com/mmeshcher/campus-ledger/internal/model"
)

type amountRequest struct {
	Target model.Account `json:"target"`
	Amount uint64        `json:"amount"`
}

type merchantRequest struct {
	Target model.Account `json:"target"`
	Name   string        `json:"name"`
}

type payRequest struct {
	Merchant model.Account `json:"merchant"`
	Amount   uint64        `json:"amount"`
}

type supplyResponse struct {
	TotalSupply uint64 `json:"total_supply"`
}

// Mint выпускает средства на счёт. Доступно администратору.
func (h *Handler) Mint(w http.ResponseWriter, r *http.Request) {
	from, ok := caller(w, r)
	if !ok {
		return
	}

	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w)
		return
	}

	if err := h.service.Mint(r.Context(), from, req.Target, req.Amount); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// RegisterMerchant регистрирует торговца. Доступно администратору.
func (h *Handler) RegisterMerchant(w http.ResponseWriter, r *http.Request) {
	from, ok := caller(w, r)
	if !ok {
		return
	}

	var req merchantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w)
		return
	}

	if err := h.service.RegisterMerchant(r.Context(), from, req.Target, req.Name); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// SetDailyLimit устанавливает дневной лимит. Доступно администратору.
func (h *Handler) SetDailyLimit(w http.ResponseWriter, r *http.Request) {
	from, ok := caller(w, r)
	if !ok {
		return
	}

	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w)
		return
	}

	if err := h.service.SetDailyLimit(r.Context(), from, req.Target, req.Amount); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Transfer переводит средства со счёта вызывающего.
func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	from, ok := caller(w, r)
	if !ok {
		return
	}

	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w)
		return
	}

	if err := h.service.Transfer(r.Context(), from, req.Target, req.Amount); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Pay оплачивает покупку у торговца со счёта вызывающего.
func (h *Handler) Pay(w http.ResponseWriter, r *http.Request) {
	from, ok := caller(w, r)
	if !ok {
		return
	}

	var req payRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w)
		return
	}

	if err := h.service.Pay(r.Context(), from, req.Merchant, req.Amount); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetAccount возвращает состояние счёта.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	account, ok := accountParam(r, "account")
	if !ok {
		badRequest(w)
		return
	}

	writeJSON(w, http.StatusOK, h.service.AccountSummary(r.Context(), account))
}

// GetSupply возвращает общий объём выпущенных средств.
func (h *Handler) GetSupply(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, supplyResponse{TotalSupply: h.service.TotalSupply(r.Context())})
}
