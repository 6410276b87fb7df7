package token

import (
	"strings"
	"sync"
	"testing"
)

func TestNewLength(t *testing.T) {
	if got := len(New(KindCard)); got != 16 {
		t.Fatalf("card token length = %d, want 16", got)
	}
	if got := len(New(KindPayment)); got != 16 {
		t.Fatalf("payment token length = %d, want 16", got)
	}
	if got := len(New(KindReferral)); got != 8 {
		t.Fatalf("referral code length = %d, want 8", got)
	}
	if got := len(New(KindCollection)); got != 8 {
		t.Fatalf("collection id length = %d, want 8", got)
	}
}

func TestNewURLSafe(t *testing.T) {
	const allowed = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

	for i := 0; i < 1000; i++ {
		tok := New(KindCard)
		for _, ch := range tok {
			if !strings.ContainsRune(allowed, ch) {
				t.Fatalf("token %q contains forbidden character %q", tok, ch)
			}
		}
	}
}

func TestNewUnique(t *testing.T) {
	seen := make(map[string]struct{}, 100000)
	for i := 0; i < 100000; i++ {
		tok := New(KindCard)
		if _, ok := seen[tok]; ok {
			t.Fatalf("duplicate token %q after %d generations", tok, i)
		}
		seen[tok] = struct{}{}
	}
}

func TestNewConcurrent(t *testing.T) {
	const workers = 50
	const perWorker = 1000

	var mu sync.Mutex
	seen := make(map[string]struct{}, workers*perWorker)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]string, 0, perWorker)
			for j := 0; j < perWorker; j++ {
				local = append(local, New(KindCard))
			}
			mu.Lock()
			defer mu.Unlock()
			for _, tok := range local {
				seen[tok] = struct{}{}
			}
		}()
	}
	wg.Wait()

	if len(seen) != workers*perWorker {
		t.Fatalf("unique tokens = %d, want %d", len(seen), workers*perWorker)
	}
}
