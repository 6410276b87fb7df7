package lookup

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sylviabot/card-system/internal/validation"
)

func TestLookup_Found(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cards/detail" {
			t.Fatalf("path = %s, want /cards/detail", r.URL.Path)
		}
		if got := r.URL.Query().Get("nm"); got != "12345678" {
			t.Fatalf("nm = %s, want 12345678", got)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"products":[{"id":12345678,"name":"Кружка","salePriceU":49900,"rating":4.8,"feedbacks":120}]}}`))
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	p, err := client.Lookup(ctx, "12345678", validation.MarketplaceWB)
	if err != nil {
		t.Fatalf("Lookup error: %v", err)
	}
	if p.Name != "Кружка" {
		t.Fatalf("name = %q, want Кружка", p.Name)
	}
	if p.PriceRub != 499 {
		t.Fatalf("price = %d, want 499", p.PriceRub)
	}
	if p.Reviews != 120 {
		t.Fatalf("reviews = %d, want 120", p.Reviews)
	}
}

func TestLookup_NotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"products":[]}}`))
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	_, err := client.Lookup(context.Background(), "12345678", validation.MarketplaceWB)
	if !errors.Is(err, ErrProductNotFound) {
		t.Fatalf("error = %v, want ErrProductNotFound", err)
	}
}

func TestLookup_BadFormat(t *testing.T) {
	client := NewClient("http://unused")

	_, err := client.Lookup(context.Background(), "abc", validation.MarketplaceWB)
	if !errors.Is(err, ErrProductNotFound) {
		t.Fatalf("error = %v, want ErrProductNotFound", err)
	}
}

func TestLookup_Unavailable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	_, err := client.Lookup(context.Background(), "12345678", validation.MarketplaceWB)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("error = %v, want ErrUnavailable", err)
	}
}

func TestLookup_OzonStub(t *testing.T) {
	client := NewClient("http://unused")

	p, err := client.Lookup(context.Background(), "123456789012", validation.MarketplaceOzon)
	if err != nil {
		t.Fatalf("Lookup error: %v", err)
	}
	if p.Marketplace != validation.MarketplaceOzon {
		t.Fatalf("marketplace = %s, want ozon", p.Marketplace)
	}
	if p.Article != "123456789012" {
		t.Fatalf("article = %s", p.Article)
	}
}
