package middleware

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
)

const signatureHeader = "X-Stats-Signature"

// SignMiddleware проверяет HMAC-подпись запросов к статистическому API.
type SignMiddleware struct {
	secretKey []byte
}

// NewSignMiddleware создаёт новый экземпляр SignMiddleware с указанным секретным ключом.
func NewSignMiddleware(secret string) *SignMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &SignMiddleware{
		secretKey: key,
	}
}

// Sign возвращает подпись для указанного пути запроса.
func (s *SignMiddleware) Sign(path string) string {
	mac := hmac.New(sha256.New, s.secretKey)
	mac.Write([]byte(path))
	return hex.EncodeToString(mac.Sum(nil))
}

// Middleware отклоняет запросы без корректной подписи пути в заголовке X-Stats-Signature.
func (s *SignMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signature := r.Header.Get(signatureHeader)
		if signature == "" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		expected := s.Sign(r.URL.Path)
		if !hmac.Equal([]byte(signature), []byte(expected)) {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}
