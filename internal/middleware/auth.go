// Package middleware содержит HTTP middleware кампусного реестра.
package middleware

import (
	"context"
	"crypto/rand"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mmeshcher/campus-ledger/internal/model"
)

type contextKey string

const accountKey contextKey = "account"

const (
	authCookieName = "auth_token"
	authTokenTTL   = 365 * 24 * time.Hour
	tokenIssuer    = "campus-ledger"
)

// AuthMiddleware определяет счёт вызывающего по подписанному JWT из заголовка Authorization или cookie.
type AuthMiddleware struct {
	secretKey []byte
	now       func() time.Time
}

// NewAuthMiddleware создаёт новый экземпляр AuthMiddleware с указанным секретным ключом.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &AuthMiddleware{
		secretKey: key,
		now:       time.Now,
	}
}

// IssueToken выпускает подписанный токен вызывающего для указанного счёта.
func (a *AuthMiddleware) IssueToken(account model.Account) (string, error) {
	now := a.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   account.String(),
		Issuer:    tokenIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(authTokenTTL)),
	})
	return token.SignedString(a.secretKey)
}

// Middleware проверяет токен и добавляет счёт вызывающего в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := tokenFromRequest(r)
		if raw == "" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		account, err := a.parseToken(raw)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), accountKey, account)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SetAuthCookie устанавливает cookie авторизации для указанного счёта.
func (a *AuthMiddleware) SetAuthCookie(w http.ResponseWriter, account model.Account) error {
	value, err := a.IssueToken(account)
	if err != nil {
		return err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     authCookieName,
		Value:    value,
		Path:     "/",
		Expires:  a.now().Add(authTokenTTL),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}

	cookie, err := r.Cookie(authCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func (a *AuthMiddleware) parseToken(raw string) (model.Account, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return a.secretKey, nil
	},
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return model.ZeroAccount, err
	}
	if !parsed.Valid {
		return model.ZeroAccount, errors.New("invalid token")
	}

	return model.ParseAccount(claims.Subject)
}

// GetAccountFromContext извлекает счёт вызывающего из контекста запроса.
func GetAccountFromContext(ctx context.Context) (model.Account, bool) {
	account, ok := ctx.Value(accountKey).(model.Account)
	return account, ok
}
