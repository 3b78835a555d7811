package handler

import (
	"net/http"

	"go.uber.org/zap"
)

// CreateSession выдаёт cookie авторизации для счёта из предъявленного токена.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	account, ok := caller(w, r)
	if !ok {
		return
	}

	if err := h.authMiddleware.SetAuthCookie(w, account); err != nil {
		h.logger.Error("set auth cookie", zap.Error(err), zap.String("account", account.String()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
