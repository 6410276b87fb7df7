package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/sylviabot/card-system/internal/model"
	"github.com/sylviabot/card-system/internal/repository"
)

// stubRepo реализует Repository в памяти; поведение отдельных методов
// переопределяется функциональными полями.
type stubRepo struct {
	balance      int64
	debitCalls   int
	creditCalls  int
	creditAmount int64

	cards        []*model.Card
	createCardFn func(card *model.Card) (int64, error)

	route   *repository.CardRoute
	routeFn func(tokenValue string) (*repository.CardRoute, error)
	scans   []model.Scan

	users          map[string]*model.User
	getOrCreateFn  func(telegramID int64, username, referralCode string) (*model.User, error)
	referralsByRef map[int64]int64

	lastDaysArg int
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		users:          make(map[string]*model.User),
		referralsByRef: make(map[int64]int64),
	}
}

func (r *stubRepo) Close() error { return nil }

func (r *stubRepo) GetOrCreateUser(_ context.Context, telegramID int64, username, referralCode string) (*model.User, error) {
	if r.getOrCreateFn != nil {
		return r.getOrCreateFn(telegramID, username, referralCode)
	}
	u := &model.User{ID: telegramID, TelegramID: telegramID, Username: username, ReferralCode: referralCode}
	r.users[referralCode] = u
	return u, nil
}

func (r *stubRepo) GetUserByTelegramID(_ context.Context, telegramID int64) (*model.User, error) {
	for _, u := range r.users {
		if u.TelegramID == telegramID {
			return u, nil
		}
	}
	return nil, repository.ErrUserNotFound
}

func (r *stubRepo) GetUserByReferralCode(_ context.Context, code string) (*model.User, error) {
	u, ok := r.users[code]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	return u, nil
}

func (r *stubRepo) UpdateShopInfo(_ context.Context, _ int64, _, _, _ string) error { return nil }

func (r *stubRepo) DebitBalance(_ context.Context, _ int64, amount int64) error {
	r.debitCalls++
	if r.balance < amount {
		return repository.ErrInsufficientBalance
	}
	r.balance -= amount
	return nil
}

func (r *stubRepo) CreditBalance(_ context.Context, _ int64, amount int64) error {
	r.creditCalls++
	r.creditAmount = amount
	r.balance += amount
	return nil
}

func (r *stubRepo) ActiveTemplates(_ context.Context) ([]model.Template, error) { return nil, nil }

func (r *stubRepo) GetTemplate(_ context.Context, _ int64) (*model.Template, error) {
	return nil, repository.ErrTemplateNotFound
}

func (r *stubRepo) CreateCard(_ context.Context, card *model.Card) (int64, error) {
	if r.createCardFn != nil {
		return r.createCardFn(card)
	}
	clone := *card
	clone.ID = int64(len(r.cards) + 1)
	r.cards = append(r.cards, &clone)
	return clone.ID, nil
}

func (r *stubRepo) CardRouteByToken(_ context.Context, tokenValue string) (*repository.CardRoute, error) {
	if r.routeFn != nil {
		return r.routeFn(tokenValue)
	}
	if r.route == nil {
		return nil, repository.ErrCardNotFound
	}
	return r.route, nil
}

func (r *stubRepo) RecordScan(_ context.Context, _ int64, _ int64, scan model.Scan) error {
	r.scans = append(r.scans, scan)
	return nil
}

func (r *stubRepo) CardsByUser(_ context.Context, _ int64, _ int) ([]model.Card, error) {
	return nil, nil
}

func (r *stubRepo) CardByToken(_ context.Context, _ string) (*model.Card, error) {
	return nil, repository.ErrCardNotFound
}

func (r *stubRepo) RecentScans(_ context.Context, _ int64, _ int) ([]model.Scan, error) {
	return nil, nil
}

func (r *stubRepo) GetUserStats(_ context.Context, _ int64) (*repository.UserStats, error) {
	return &repository.UserStats{}, nil
}

func (r *stubRepo) ScanCountsByDay(_ context.Context, _ int64, days int) ([]repository.DayCount, error) {
	r.lastDaysArg = days
	return nil, nil
}

func (r *stubRepo) CreatePayment(_ context.Context, _ *model.Payment) (int64, error) { return 1, nil }

func (r *stubRepo) ConfirmPayment(_ context.Context, _ string) (*model.Payment, error) {
	return nil, repository.ErrPaymentNotFound
}

func (r *stubRepo) ApplyReferral(_ context.Context, referrerID, refereeID, _ int64) error {
	if _, ok := r.referralsByRef[refereeID]; ok {
		return repository.ErrReferralExists
	}
	r.referralsByRef[refereeID] = referrerID
	return nil
}

func newTestService(repo Repository) *Service {
	return NewService(repo, "https://go.example.com", zap.NewNop())
}

func TestIssueCard_Free(t *testing.T) {
	repo := newStubRepo()
	svc := newTestService(repo)

	card, err := svc.IssueCard(context.Background(), IssueCardRequest{
		UserID:        1,
		TemplateID:    1,
		QRType:        model.QRTypeProduct,
		TargetArticle: "12345678",
	})
	if err != nil {
		t.Fatalf("IssueCard error: %v", err)
	}
	if card.Token == "" {
		t.Fatal("card token is empty")
	}
	if repo.debitCalls != 0 {
		t.Fatalf("debit calls = %d, want 0 for free template", repo.debitCalls)
	}
	if len(repo.cards) != 1 {
		t.Fatalf("cards created = %d, want 1", len(repo.cards))
	}
}

func TestIssueCard_Priced(t *testing.T) {
	repo := newStubRepo()
	repo.balance = 100
	svc := newTestService(repo)

	_, err := svc.IssueCard(context.Background(), IssueCardRequest{
		UserID:     1,
		TemplateID: 3,
		QRType:     model.QRTypeShop,
		Price:      50,
	})
	if err != nil {
		t.Fatalf("IssueCard error: %v", err)
	}
	if repo.balance != 50 {
		t.Fatalf("balance = %d, want 50", repo.balance)
	}
}

func TestIssueCard_InsufficientBalance(t *testing.T) {
	repo := newStubRepo()
	repo.balance = 10
	svc := newTestService(repo)

	_, err := svc.IssueCard(context.Background(), IssueCardRequest{
		UserID:     1,
		TemplateID: 3,
		QRType:     model.QRTypeShop,
		Price:      50,
	})
	if !errors.Is(err, repository.ErrInsufficientBalance) {
		t.Fatalf("error = %v, want ErrInsufficientBalance", err)
	}
	if len(repo.cards) != 0 {
		t.Fatalf("cards created = %d, want 0", len(repo.cards))
	}
	if repo.balance != 10 {
		t.Fatalf("balance = %d, want untouched 10", repo.balance)
	}
}

func TestIssueCard_CompensatingCredit(t *testing.T) {
	repo := newStubRepo()
	repo.balance = 100
	repo.createCardFn = func(_ *model.Card) (int64, error) {
		return 0, errors.New("insert failed")
	}
	svc := newTestService(repo)

	_, err := svc.IssueCard(context.Background(), IssueCardRequest{
		UserID:     1,
		TemplateID: 3,
		QRType:     model.QRTypeShop,
		Price:      50,
	})
	if err == nil {
		t.Fatal("expected error when insert fails")
	}
	if repo.creditCalls != 1 {
		t.Fatalf("credit calls = %d, want 1 compensating credit", repo.creditCalls)
	}
	if repo.creditAmount != 50 {
		t.Fatalf("credited = %d, want 50", repo.creditAmount)
	}
	if repo.balance != 100 {
		t.Fatalf("balance = %d, want restored 100", repo.balance)
	}
}

func TestIssueCard_TokenCollisionRetried(t *testing.T) {
	repo := newStubRepo()
	attempts := 0
	tokens := make(map[string]struct{})
	repo.createCardFn = func(card *model.Card) (int64, error) {
		attempts++
		tokens[card.Token] = struct{}{}
		if attempts < 3 {
			return 0, repository.ErrTokenTaken
		}
		return 1, nil
	}
	svc := newTestService(repo)

	card, err := svc.IssueCard(context.Background(), IssueCardRequest{
		UserID:        1,
		TemplateID:    1,
		QRType:        model.QRTypeProduct,
		TargetArticle: "12345678",
	})
	if err != nil {
		t.Fatalf("IssueCard error: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	if len(tokens) != 3 {
		t.Fatalf("distinct tokens = %d, want new token per attempt", len(tokens))
	}
	if card.ID != 1 {
		t.Fatalf("card id = %d, want 1", card.ID)
	}
}

func TestResolveScan_ProductUTM(t *testing.T) {
	repo := newStubRepo()
	repo.route = &repository.CardRoute{
		CardID:        42,
		UserID:        1,
		QRType:        model.QRTypeProduct,
		TargetArticle: "12345678",
	}
	svc := newTestService(repo)

	res, err := svc.ResolveScan(context.Background(), "sometoken", "1.2.3.4", "agent", "")
	if err != nil {
		t.Fatalf("ResolveScan error: %v", err)
	}

	want := "https://www.wildberries.ru/catalog/12345678/detail.aspx?utm_source=sylvia_bot&utm_medium=qr&utm_campaign=card_42&utm_content=product"
	if res.TargetURL != want {
		t.Fatalf("target url = %q, want %q", res.TargetURL, want)
	}
	if len(repo.scans) != 1 {
		t.Fatalf("recorded scans = %d, want 1", len(repo.scans))
	}
	if repo.scans[0].IPAddress != "1.2.3.4" {
		t.Fatalf("scan ip = %q", repo.scans[0].IPAddress)
	}
}

func TestResolveScan_ShopFallback(t *testing.T) {
	tests := []struct {
		name  string
		route repository.CardRoute
		want  string
	}{
		{
			name:  "wb url preferred",
			route: repository.CardRoute{CardID: 1, QRType: model.QRTypeShop, ShopURLWB: "https://www.wildberries.ru/seller/1", ShopURLOzon: "https://ozon.ru/seller/2"},
			want:  "https://www.wildberries.ru/seller/1",
		},
		{
			name:  "ozon when wb missing",
			route: repository.CardRoute{CardID: 1, QRType: model.QRTypeShop, ShopURLOzon: "https://ozon.ru/seller/2"},
			want:  "https://ozon.ru/seller/2",
		},
		{
			name:  "homepage when nothing set",
			route: repository.CardRoute{CardID: 1, QRType: model.QRTypeShop},
			want:  "https://www.wildberries.ru",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newStubRepo()
			route := tt.route
			repo.route = &route
			svc := newTestService(repo)

			res, err := svc.ResolveScan(context.Background(), "tok", "", "", "")
			if err != nil {
				t.Fatalf("ResolveScan error: %v", err)
			}
			if !strings.HasPrefix(res.TargetURL, tt.want) {
				t.Fatalf("target url = %q, want prefix %q", res.TargetURL, tt.want)
			}
			if !strings.Contains(res.TargetURL, "utm_content=shop") {
				t.Fatalf("target url %q missing utm_content", res.TargetURL)
			}
		})
	}
}

func TestResolveScan_UnknownTokenRecordsNothing(t *testing.T) {
	repo := newStubRepo()
	svc := newTestService(repo)

	_, err := svc.ResolveScan(context.Background(), "missing", "", "", "")
	if !errors.Is(err, repository.ErrCardNotFound) {
		t.Fatalf("error = %v, want ErrCardNotFound", err)
	}
	if len(repo.scans) != 0 {
		t.Fatalf("recorded scans = %d, want 0", len(repo.scans))
	}
}

func TestRegisterUser_ReferralApplied(t *testing.T) {
	repo := newStubRepo()
	repo.users["FRIEND01"] = &model.User{ID: 10, TelegramID: 100, ReferralCode: "FRIEND01"}
	svc := newTestService(repo)

	u, applied, err := svc.RegisterUser(context.Background(), 200, "newbie", "FRIEND01")
	if err != nil {
		t.Fatalf("RegisterUser error: %v", err)
	}
	if !applied {
		t.Fatal("referral not applied")
	}
	if got := repo.referralsByRef[u.ID]; got != 10 {
		t.Fatalf("referrer for %d = %d, want 10", u.ID, got)
	}
}

func TestRegisterUser_ReferralOnlyOnce(t *testing.T) {
	repo := newStubRepo()
	repo.users["FRIEND01"] = &model.User{ID: 10, TelegramID: 100, ReferralCode: "FRIEND01"}
	svc := newTestService(repo)

	_, applied, err := svc.RegisterUser(context.Background(), 200, "newbie", "FRIEND01")
	if err != nil || !applied {
		t.Fatalf("first registration: applied=%v err=%v", applied, err)
	}

	_, applied, err = svc.RegisterUser(context.Background(), 200, "newbie", "FRIEND01")
	if err != nil {
		t.Fatalf("second registration error: %v", err)
	}
	if applied {
		t.Fatal("referral applied twice")
	}
}

func TestRegisterUser_SelfReferralIgnored(t *testing.T) {
	repo := newStubRepo()
	repo.getOrCreateFn = func(telegramID int64, username, _ string) (*model.User, error) {
		u := &model.User{ID: 10, TelegramID: telegramID, Username: username, ReferralCode: "MYCODE01"}
		repo.users["MYCODE01"] = u
		return u, nil
	}
	svc := newTestService(repo)

	_, applied, err := svc.RegisterUser(context.Background(), 100, "self", "MYCODE01")
	if err != nil {
		t.Fatalf("RegisterUser error: %v", err)
	}
	if applied {
		t.Fatal("self-referral was applied")
	}
	if len(repo.referralsByRef) != 0 {
		t.Fatal("referral recorded for self-invite")
	}
}

func TestRegisterUser_UnknownCodeIgnored(t *testing.T) {
	repo := newStubRepo()
	svc := newTestService(repo)

	_, applied, err := svc.RegisterUser(context.Background(), 200, "newbie", "NOSUCH00")
	if err != nil {
		t.Fatalf("RegisterUser error: %v", err)
	}
	if applied {
		t.Fatal("referral applied for unknown code")
	}
}

func TestRegisterUser_CodeCollisionRetried(t *testing.T) {
	repo := newStubRepo()
	attempts := 0
	repo.getOrCreateFn = func(telegramID int64, username, referralCode string) (*model.User, error) {
		attempts++
		if attempts < 2 {
			return nil, repository.ErrReferralCodeTaken
		}
		return &model.User{ID: 1, TelegramID: telegramID, Username: username, ReferralCode: referralCode}, nil
	}
	svc := newTestService(repo)

	u, _, err := svc.RegisterUser(context.Background(), 200, "newbie", "")
	if err != nil {
		t.Fatalf("RegisterUser error: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
	if u.ReferralCode == "" {
		t.Fatal("referral code is empty")
	}
}

func TestCardLink(t *testing.T) {
	svc := NewService(newStubRepo(), "https://go.example.com/", zap.NewNop())
	if got := svc.CardLink("abc123"); got != "https://go.example.com/go/abc123" {
		t.Fatalf("card link = %q", got)
	}
}

func TestUserStats_DaysClamped(t *testing.T) {
	repo := newStubRepo()
	svc := newTestService(repo)

	tests := []struct {
		name string
		days int
		want int
	}{
		{name: "default for zero", days: 0, want: 7},
		{name: "explicit value kept", days: 14, want: 14},
		{name: "capped at maximum", days: 365, want: 90},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.UserStats(context.Background(), 1, tt.days); err != nil {
				t.Fatalf("UserStats error: %v", err)
			}
			if repo.lastDaysArg != tt.want {
				t.Fatalf("days = %d, want %d", repo.lastDaysArg, tt.want)
			}
		})
	}
}

func TestCreatePayment_RejectsNonPositiveAmount(t *testing.T) {
	svc := newTestService(newStubRepo())

	if err := svc.CreatePayment(context.Background(), 1, "pay-1", 0, nil); err == nil {
		t.Fatal("expected error for zero amount")
	}
	if err := svc.CreatePayment(context.Background(), 1, "pay-1", -5, nil); err == nil {
		t.Fatal("expected error for negative amount")
	}
}
