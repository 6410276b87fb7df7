package validation

import (
	"errors"
	"testing"
)

func TestValidateArticle(t *testing.T) {
	tests := []struct {
		name        string
		article     string
		marketplace Marketplace
		wantErr     error
	}{
		{name: "valid wb", article: "12345678", marketplace: MarketplaceWB, wantErr: nil},
		{name: "valid with spaces", article: "  12345678  ", marketplace: MarketplaceWB, wantErr: nil},
		{name: "empty", article: "", marketplace: MarketplaceWB, wantErr: ErrEmptyArticle},
		{name: "letters", article: "12ab5678", marketplace: MarketplaceWB, wantErr: ErrArticleNotNumeric},
		{name: "too short", article: "1234", marketplace: MarketplaceWB, wantErr: ErrArticleLength},
		{name: "too long for wb", article: "1234567890123456", marketplace: MarketplaceWB, wantErr: ErrArticleLength},
		{name: "long ozon ok", article: "1234567890123456", marketplace: MarketplaceOzon, wantErr: nil},
		{name: "too long for ozon", article: "123456789012345678901", marketplace: MarketplaceOzon, wantErr: ErrArticleLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateArticle(tt.article, tt.marketplace)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestMarketplaceFor(t *testing.T) {
	if got := MarketplaceFor("12345678"); got != MarketplaceWB {
		t.Fatalf("short article marketplace = %s, want wb", got)
	}
	if got := MarketplaceFor("123456789012"); got != MarketplaceOzon {
		t.Fatalf("long article marketplace = %s, want ozon", got)
	}
}

func TestParseArticleList(t *testing.T) {
	t.Run("valid list", func(t *testing.T) {
		articles, invalid, err := ParseArticleList("12345678, 87654321, 13579246")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(invalid) != 0 {
			t.Fatalf("invalid = %v, want empty", invalid)
		}
		if len(articles) != 3 || articles[0] != "12345678" {
			t.Fatalf("articles = %v", articles)
		}
	})

	t.Run("duplicates collapse", func(t *testing.T) {
		articles, _, err := ParseArticleList("12345678, 12345678, 87654321")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(articles) != 2 {
			t.Fatalf("articles = %v, want 2 distinct", articles)
		}
	})

	t.Run("too few", func(t *testing.T) {
		_, _, err := ParseArticleList("12345678")
		if !errors.Is(err, ErrCollectionSize) {
			t.Fatalf("error = %v, want ErrCollectionSize", err)
		}
	})

	t.Run("too many", func(t *testing.T) {
		_, _, err := ParseArticleList("11111111, 22222222, 33333333, 44444444, 55555555, 66666666")
		if !errors.Is(err, ErrCollectionSize) {
			t.Fatalf("error = %v, want ErrCollectionSize", err)
		}
	})

	t.Run("invalid entries reported", func(t *testing.T) {
		_, invalid, err := ParseArticleList("12345678, abc, 87654321")
		if err == nil {
			t.Fatalf("expected error for invalid entries")
		}
		if len(invalid) != 1 || invalid[0] != "abc" {
			t.Fatalf("invalid = %v, want [abc]", invalid)
		}
	})
}
