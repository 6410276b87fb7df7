// Package validation содержит функции валидации входных данных.
package validation

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// Ограничения подборки товаров.
const (
	MinCollectionSize = 2
	MaxCollectionSize = 5
)

// ErrEmptyArticle возвращается для пустого артикула.
var (
	ErrEmptyArticle = errors.New("article is empty")
	// ErrArticleNotNumeric возвращается, если артикул содержит нецифровые символы.
	ErrArticleNotNumeric = errors.New("article must contain only digits")
	// ErrArticleLength возвращается при недопустимой длине артикула.
	ErrArticleLength = errors.New("article length out of range")
	// ErrCollectionSize возвращается, если в подборке меньше двух или больше пяти артикулов.
	ErrCollectionSize = errors.New("collection must contain from 2 to 5 articles")
)

// Marketplace определяет площадку, для которой проверяется артикул.
type Marketplace string

const (
	MarketplaceWB   Marketplace = "wb"
	MarketplaceOzon Marketplace = "ozon"
)

// MarketplaceFor определяет площадку по длине артикула, как это делает бот:
// длинные артикулы относятся к Ozon.
func MarketplaceFor(article string) Marketplace {
	if len(article) > 10 {
		return MarketplaceOzon
	}
	return MarketplaceWB
}

// ValidateArticle проверяет формат артикула товара для указанной площадки.
func ValidateArticle(article string, marketplace Marketplace) error {
	article = strings.TrimSpace(article)
	if article == "" {
		return ErrEmptyArticle
	}

	for _, ch := range article {
		if !unicode.IsDigit(ch) {
			return ErrArticleNotNumeric
		}
	}

	maxLen := 15
	if marketplace == MarketplaceOzon {
		maxLen = 20
	}

	if len(article) < 5 || len(article) > maxLen {
		return fmt.Errorf("%w: %d digits", ErrArticleLength, len(article))
	}

	return nil
}

// ParseArticleList разбирает перечисленные через запятую артикулы подборки.
// Возвращает уникальные артикулы в порядке ввода и список некорректных значений.
func ParseArticleList(text string) ([]string, []string, error) {
	parts := strings.Split(text, ",")

	var articles []string
	var invalid []string
	seen := make(map[string]struct{})

	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}

		if err := ValidateArticle(p, MarketplaceFor(p)); err != nil {
			invalid = append(invalid, p)
			continue
		}

		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		articles = append(articles, p)
	}

	if len(invalid) > 0 {
		return articles, invalid, fmt.Errorf("invalid articles: %s", strings.Join(invalid, ", "))
	}

	if len(articles) < MinCollectionSize || len(articles) > MaxCollectionSize {
		return articles, nil, ErrCollectionSize
	}

	return articles, nil, nil
}
