// Package lookup предоставляет клиент проверки артикулов на маркетплейсах.
package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/sylviabot/card-system/internal/validation"
)

// ErrProductNotFound возвращается, если товар с таким артикулом не существует.
var (
	ErrProductNotFound = errors.New("product not found")
	// ErrUnavailable возвращается при недоступности сервиса проверки; ошибка временная.
	ErrUnavailable = errors.New("lookup service unavailable")
)

// ProductInfo описывает найденный товар.
type ProductInfo struct {
	Article     string
	Name        string
	PriceRub    int64
	Rating      float64
	Reviews     int
	Marketplace validation.Marketplace
}

// Client инкапсулирует HTTP-взаимодействие с сервисом карточек товаров.
// Ретраи и таймауты остаются внутри клиента, для вызывающей стороны это
// медленный и ненадёжный внешний сервис.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// NewClient создаёт клиент проверки артикулов по указанному адресу сервиса карточек.
func NewClient(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc,
	}
}

type cardResponse struct {
	Data struct {
		Products []struct {
			ID         int64   `json:"id"`
			Name       string  `json:"name"`
			SalePriceU int64   `json:"salePriceU"`
			Rating     float64 `json:"rating"`
			Feedbacks  int     `json:"feedbacks"`
		} `json:"products"`
	} `json:"data"`
}

// Lookup проверяет существование товара по артикулу. Для Wildberries выполняется
// запрос к сервису карточек; проверка Ozon ограничена форматом артикула, как и в
// исходном боте.
func (c *Client) Lookup(ctx context.Context, article string, marketplace validation.Marketplace) (*ProductInfo, error) {
	if err := validation.ValidateArticle(article, marketplace); err != nil {
		return nil, ErrProductNotFound
	}

	if marketplace == validation.MarketplaceOzon {
		return &ProductInfo{
			Article:     article,
			Name:        "Товар " + article,
			Marketplace: validation.MarketplaceOzon,
		}, nil
	}

	url := fmt.Sprintf("%s/cards/detail?appType=1&curr=rub&nm=%s", c.baseURL, article)

	req, err := retryablehttp.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req = req.WithContext(ctx)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var result cardResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: decode response: %s", ErrUnavailable, err)
	}

	if len(result.Data.Products) == 0 {
		return nil, ErrProductNotFound
	}

	p := result.Data.Products[0]
	return &ProductInfo{
		Article:     article,
		Name:        p.Name,
		PriceRub:    p.SalePriceU / 100,
		Rating:      p.Rating,
		Reviews:     p.Feedbacks,
		Marketplace: validation.MarketplaceWB,
	}, nil
}
