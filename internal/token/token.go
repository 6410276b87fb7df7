// Package token генерирует непрозрачные уникальные идентификаторы.
package token

import (
	"encoding/base64"

	"github.com/google/uuid"
)

// Kind определяет назначение идентификатора и его длину.
type Kind int

const (
	// KindCard — токен визитки, встраивается в QR-код (16 символов, 96 бит случайности).
	KindCard Kind = iota
	// KindPayment — внутренний идентификатор платёжной операции.
	KindPayment
	// KindReferral — короткий реферальный код (8 символов).
	KindReferral
	// KindCollection — идентификатор подборки товаров.
	KindCollection
)

// New возвращает URL-безопасный идентификатор фиксированной длины.
// Источник случайности — uuid v4, общего счётчика нет, поэтому функция
// безопасна для конкурентных вызовов и не может завершиться ошибкой.
// Уникальность гарантирует уникальный индекс в хранилище: при коллизии
// вызывающая сторона генерирует новый токен.
func New(kind Kind) string {
	id := uuid.New()

	switch kind {
	case KindReferral, KindCollection:
		return base64.RawURLEncoding.EncodeToString(id[:6])
	default:
		return base64.RawURLEncoding.EncodeToString(id[:12])
	}
}
