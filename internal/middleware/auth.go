// Package middleware содержит HTTP middleware сервиса.
package middleware

import (
	"crypto/hmac"
	"net/http"
	"strings"
)

// AdminAuth проверяет токен администратора в заголовке Authorization.
type AdminAuth struct {
	token string
}

// NewAdminAuth создаёт middleware проверки токена администратора.
func NewAdminAuth(token string) *AdminAuth {
	return &AdminAuth{token: token}
}

// Middleware пропускает запрос только с корректным bearer-токеном.
// При пустом настроенном токене административные маршруты закрыты полностью.
func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.token == "" {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}

		provided, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || !hmac.Equal([]byte(provided), []byte(a.token)) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}
