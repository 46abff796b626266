package http

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// SecretHeader содержит secret_token вебхука.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// WebhookSecretMiddleware отклоняет запросы без верного secret_token.
// Пустой секрет отключает проверку.
func WebhookSecretMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get(SecretHeader)), []byte(secret)) != 1 {
				WriteError(w, http.StatusUnauthorized, errors.New("неверный секрет вебхука"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WebhookHandler разбирает апдейт и передаёт его обработчику.
func WebhookHandler(handle func(ctx context.Context, upd tgbotapi.Update)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var update tgbotapi.Update
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			WriteError(w, http.StatusBadRequest, err)
			return
		}
		handle(r.Context(), update)
		w.WriteHeader(http.StatusOK)
	}
}

// ErrorResponse описывает ошибку.
type ErrorResponse struct {
	Error string `json:"error"`
}

// WriteError отправляет JSON с ошибкой.
func WriteError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: err.Error()})
}
