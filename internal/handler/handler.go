// Package handler содержит HTTP-обработчики API кампусного реестра.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/campus-ledger/internal/ledger"
	"github.com/mmeshcher/campus-ledger/internal/middleware"
	"github.com/mmeshcher/campus-ledger/internal/model"
	"github.com/mmeshcher/campus-ledger/internal/registry"
)

const (
	defaultEventsLimit = 100
	maxEventsLimit     = 1000
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Mint(ctx context.Context, caller, target model.Account, amount uint64) error
	RegisterMerchant(ctx context.Context, caller, target model.Account, name string) error
	SetDailyLimit(ctx context.Context, caller, target model.Account, amount uint64) error
	Transfer(ctx context.Context, caller, target model.Account, amount uint64) error
	Pay(ctx context.Context, caller, merchant model.Account, amount uint64) error
	AccountSummary(ctx context.Context, a model.Account) model.AccountSummary
	TotalSupply(ctx context.Context) uint64

	IssueCredential(ctx context.Context, caller model.Account, req registry.IssueRequest) (uint64, error)
	RenewCredential(ctx context.Context, caller model.Account, id uint64) (time.Time, error)
	BurnExpiredCredential(ctx context.Context, caller model.Account, id uint64) error
	SetCredentialMetadata(ctx context.Context, caller model.Account, id uint64, uri string) error
	Credential(ctx context.Context, id uint64) (model.Credential, error)
	CredentialMetadata(ctx context.Context, id uint64) (string, error)
	LookupByNaturalKey(ctx context.Context, key string) (model.Account, uint64, error)
	CredentialsOf(ctx context.Context, owner model.Account) []uint64

	Events(ctx context.Context, f model.EventFilter, since uint64, limit int) []model.Event
}

// Handler реализует HTTP-обработчики API кампусного реестра.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	metrics        http.Handler
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
// metricsHandler может быть nil, тогда маршрут /metrics не регистрируется.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, metricsHandler http.Handler) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		metrics:        metricsHandler,
	}
}

// errorStatus сопоставляет доменные ошибки с HTTP-статусами.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, ledger.ErrUnauthorized), errors.Is(err, registry.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidAccount),
		errors.Is(err, registry.ErrInvalidAccount),
		errors.Is(err, registry.ErrInvalidNaturalKey):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, ledger.ErrLimitExceeded),
		errors.Is(err, registry.ErrDuplicateKey),
		errors.Is(err, registry.ErrNotYetExpired):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrNotAMerchant):
		return http.StatusUnprocessableEntity
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err), zap.String("path", r.URL.Path))
		http.Error(w, http.StatusText(status), status)
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter) {
	http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
}

// caller возвращает счёт вызывающего, установленный AuthMiddleware.
func caller(w http.ResponseWriter, r *http.Request) (model.Account, bool) {
	account, ok := middleware.GetAccountFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	}
	return account, ok
}

func accountParam(r *http.Request, name string) (model.Account, bool) {
	a, err := model.ParseAccount(chi.URLParam(r, name))
	return a, err == nil
}

func uintQuery(r *http.Request, name string) (uint64, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, true
	}
	n, err := strconv.ParseUint(v, 10, 64)
	return n, err == nil
}
