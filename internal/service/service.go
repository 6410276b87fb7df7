// Package service реализует бизнес-логику сервиса визиток.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/sylviabot/card-system/internal/model"
	"github.com/sylviabot/card-system/internal/repository"
	"github.com/sylviabot/card-system/internal/token"
)

// ReferralReward — количество бонусов, зачисляемых пригласившему за одного приглашённого.
const ReferralReward = 1

const (
	scanTxTimeout    = 3 * time.Second
	statsCardLimit   = 10
	recentScanLimit  = 20
	defaultStatsDays = 7
	maxStatsDays     = 90
	wbHomepage       = "https://www.wildberries.ru"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	GetOrCreateUser(ctx context.Context, telegramID int64, username, referralCode string) (*model.User, error)
	GetUserByTelegramID(ctx context.Context, telegramID int64) (*model.User, error)
	GetUserByReferralCode(ctx context.Context, code string) (*model.User, error)
	UpdateShopInfo(ctx context.Context, userID int64, shopName, shopURLWB, shopURLOzon string) error
	DebitBalance(ctx context.Context, userID, amount int64) error
	CreditBalance(ctx context.Context, userID, amount int64) error
	ActiveTemplates(ctx context.Context) ([]model.Template, error)
	GetTemplate(ctx context.Context, id int64) (*model.Template, error)
	CreateCard(ctx context.Context, card *model.Card) (int64, error)
	CardRouteByToken(ctx context.Context, tokenValue string) (*repository.CardRoute, error)
	RecordScan(ctx context.Context, cardID, userID int64, scan model.Scan) error
	CardsByUser(ctx context.Context, userID int64, limit int) ([]model.Card, error)
	CardByToken(ctx context.Context, tokenValue string) (*model.Card, error)
	RecentScans(ctx context.Context, cardID int64, limit int) ([]model.Scan, error)
	GetUserStats(ctx context.Context, userID int64) (*repository.UserStats, error)
	ScanCountsByDay(ctx context.Context, userID int64, days int) ([]repository.DayCount, error)
	CreatePayment(ctx context.Context, p *model.Payment) (int64, error)
	ConfirmPayment(ctx context.Context, paymentID string) (*model.Payment, error)
	ApplyReferral(ctx context.Context, referrerID, refereeID, reward int64) error
}

// Service содержит бизнес-логику сервиса визиток.
type Service struct {
	repo            Repository
	redirectBaseURL string
	logger          *zap.Logger
}

// NewService создаёт новый сервис с указанным репозиторием.
func NewService(repo Repository, redirectBaseURL string, logger *zap.Logger) *Service {
	return &Service{
		repo:            repo,
		redirectBaseURL: strings.TrimRight(redirectBaseURL, "/"),
		logger:          logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует пользователя при первом контакте и применяет
// реферальный код, если он указан и не принадлежит самому пользователю.
// Возвращает пользователя и признак того, что приглашение было засчитано.
func (s *Service) RegisterUser(ctx context.Context, telegramID int64, username, referralCode string) (*model.User, bool, error) {
	var u *model.User

	// Коллизия сгенерированного реферального кода ловится уникальным
	// индексом, повторяем с новым кодом.
	err := retry.Do(ctx, retry.WithMaxRetries(3, retry.NewConstant(10*time.Millisecond)), func(ctx context.Context) error {
		var err error
		u, err = s.repo.GetOrCreateUser(ctx, telegramID, username, token.New(token.KindReferral))
		if errors.Is(err, repository.ErrReferralCodeTaken) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("register user: %w", err)
	}

	if referralCode == "" || referralCode == u.ReferralCode {
		return u, false, nil
	}

	referrer, err := s.repo.GetUserByReferralCode(ctx, referralCode)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return u, false, nil
		}
		return u, false, fmt.Errorf("find referrer: %w", err)
	}

	if referrer.ID == u.ID {
		return u, false, nil
	}

	err = s.repo.ApplyReferral(ctx, referrer.ID, u.ID, ReferralReward)
	if err != nil {
		if errors.Is(err, repository.ErrReferralExists) {
			return u, false, nil
		}
		return u, false, fmt.Errorf("apply referral: %w", err)
	}

	return u, true, nil
}

// GetUser возвращает пользователя по внешнему идентификатору.
func (s *Service) GetUser(ctx context.Context, telegramID int64) (*model.User, error) {
	return s.repo.GetUserByTelegramID(ctx, telegramID)
}

// UpdateShopInfo сохраняет данные магазина пользователя.
func (s *Service) UpdateShopInfo(ctx context.Context, userID int64, shopName, shopURLWB, shopURLOzon string) error {
	return s.repo.UpdateShopInfo(ctx, userID, shopName, shopURLWB, shopURLOzon)
}

// ActiveTemplates возвращает активные шаблоны каталога.
func (s *Service) ActiveTemplates(ctx context.Context) ([]model.Template, error) {
	return s.repo.ActiveTemplates(ctx)
}

// GetTemplate возвращает шаблон по идентификатору.
func (s *Service) GetTemplate(ctx context.Context, id int64) (*model.Template, error) {
	return s.repo.GetTemplate(ctx, id)
}

// IssueCardRequest содержит параметры выпуска визитки, собранные диалогом.
type IssueCardRequest struct {
	UserID        int64
	TemplateID    int64
	QRType        model.QRType
	TargetArticle string
	CollectionID  string
	// Price — стоимость шаблона, зафиксированная при выборе; 0 для бесплатных.
	Price int64
}

// IssueCard выпускает визитку: списывает стоимость шаблона, генерирует токен
// и сохраняет запись. Списание и создание визитки эффективно атомарны:
// если вставка не удалась после успешного списания, выполняется
// компенсирующее зачисление, и баланс не расходуется без визитки.
func (s *Service) IssueCard(ctx context.Context, req IssueCardRequest) (*model.Card, error) {
	debited := false
	if req.Price > 0 {
		if err := s.repo.DebitBalance(ctx, req.UserID, req.Price); err != nil {
			if errors.Is(err, repository.ErrInsufficientBalance) {
				return nil, err
			}
			return nil, fmt.Errorf("debit template price: %w", err)
		}
		debited = true
	}

	card := &model.Card{
		UserID:        req.UserID,
		TemplateID:    req.TemplateID,
		QRType:        req.QRType,
		TargetArticle: req.TargetArticle,
		CollectionID:  req.CollectionID,
	}

	err := retry.Do(ctx, retry.WithMaxRetries(3, retry.NewConstant(10*time.Millisecond)), func(ctx context.Context) error {
		card.Token = token.New(token.KindCard)
		id, err := s.repo.CreateCard(ctx, card)
		if errors.Is(err, repository.ErrTokenTaken) {
			return retry.RetryableError(err)
		}
		if err != nil {
			return err
		}
		card.ID = id
		return nil
	})
	if err != nil {
		if debited {
			if creditErr := s.repo.CreditBalance(context.WithoutCancel(ctx), req.UserID, req.Price); creditErr != nil {
				s.logger.Error("compensating credit failed",
					zap.Int64("userID", req.UserID),
					zap.Int64("amount", req.Price),
					zap.Error(creditErr))
				return nil, fmt.Errorf("create card: %w (compensating credit failed: %s)", err, creditErr)
			}
		}
		return nil, fmt.Errorf("create card: %w", err)
	}

	return card, nil
}

// CardLink возвращает публичную ссылку визитки, встраиваемую в QR-код.
func (s *Service) CardLink(tokenValue string) string {
	return s.redirectBaseURL + "/go/" + tokenValue
}

// Resolution содержит результат резолва токена.
type Resolution struct {
	CardID    int64
	QRType    model.QRType
	ShopName  string
	TargetURL string
}

// ResolveScan резолвит токен визитки, записывает сканирование и возвращает
// адрес редиректа с UTM-метками. Все четыре записи (событие, счётчик визитки,
// отметка времени, счётчик владельца) фиксируются одной транзакцией с
// ограниченным таймаутом.
func (s *Service) ResolveScan(ctx context.Context, tokenValue, ipAddress, userAgent, referer string) (*Resolution, error) {
	route, err := s.repo.CardRouteByToken(ctx, tokenValue)
	if err != nil {
		return nil, err
	}

	scanCtx, cancel := context.WithTimeout(ctx, scanTxTimeout)
	defer cancel()

	err = s.repo.RecordScan(scanCtx, route.CardID, route.UserID, model.Scan{
		CardID:    route.CardID,
		IPAddress: ipAddress,
		UserAgent: userAgent,
		Referer:   referer,
	})
	if err != nil {
		return nil, fmt.Errorf("record scan: %w", err)
	}

	return &Resolution{
		CardID:    route.CardID,
		QRType:    route.QRType,
		ShopName:  route.ShopName,
		TargetURL: appendUTM(targetURL(route), route.CardID, route.QRType),
	}, nil
}

func targetURL(route *repository.CardRoute) string {
	switch {
	case route.QRType == model.QRTypeProduct && route.TargetArticle != "":
		return fmt.Sprintf("%s/catalog/%s/detail.aspx", wbHomepage, route.TargetArticle)
	case route.QRType == model.QRTypeCollection && route.CollectionID != "":
		return "/collection/" + route.CollectionID
	case route.QRType == model.QRTypeShop && route.ShopURLWB != "":
		return route.ShopURLWB
	case route.QRType == model.QRTypeShop && route.ShopURLOzon != "":
		return route.ShopURLOzon
	}
	return wbHomepage
}

func appendUTM(url string, cardID int64, qrType model.QRType) string {
	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%sutm_source=sylvia_bot&utm_medium=qr&utm_campaign=card_%d&utm_content=%s",
		url, sep, cardID, qrType)
}

// UserStatsResult содержит статистику пользователя для API.
type UserStatsResult struct {
	UserID      int64
	TotalCards  int64
	TotalScans  int64
	LastScan    *time.Time
	RecentCards []model.Card
	DailyScans  []repository.DayCount
}

// UserStats возвращает агрегированную статистику пользователя, его последние
// визитки и разбивку сканирований по дням за последние days дней.
func (s *Service) UserStats(ctx context.Context, userID int64, days int) (*UserStatsResult, error) {
	if days <= 0 {
		days = defaultStatsDays
	}
	if days > maxStatsDays {
		days = maxStatsDays
	}

	stats, err := s.repo.GetUserStats(ctx, userID)
	if err != nil {
		return nil, err
	}

	cards, err := s.repo.CardsByUser(ctx, userID, statsCardLimit)
	if err != nil {
		return nil, err
	}

	daily, err := s.repo.ScanCountsByDay(ctx, userID, days)
	if err != nil {
		return nil, err
	}

	return &UserStatsResult{
		UserID:      userID,
		TotalCards:  stats.TotalCards,
		TotalScans:  stats.TotalScans,
		LastScan:    stats.LastScan,
		RecentCards: cards,
		DailyScans:  daily,
	}, nil
}

// CardInfoResult содержит визитку и её последние сканирования.
type CardInfoResult struct {
	Card        *model.Card
	RecentScans []model.Scan
}

// CardInfo возвращает данные визитки по токену вместе с последними сканированиями.
func (s *Service) CardInfo(ctx context.Context, tokenValue string) (*CardInfoResult, error) {
	card, err := s.repo.CardByToken(ctx, tokenValue)
	if err != nil {
		return nil, err
	}

	scans, err := s.repo.RecentScans(ctx, card.ID, recentScanLimit)
	if err != nil {
		return nil, err
	}

	return &CardInfoResult{Card: card, RecentScans: scans}, nil
}

// CreatePayment регистрирует платёж в статусе pending.
func (s *Service) CreatePayment(ctx context.Context, userID int64, paymentID string, amount int64, templateID *int64) error {
	if amount <= 0 {
		return errors.New("payment amount must be positive")
	}

	_, err := s.repo.CreatePayment(ctx, &model.Payment{
		UserID:     userID,
		PaymentID:  paymentID,
		Amount:     amount,
		TemplateID: templateID,
	})
	return err
}

// ConfirmPayment подтверждает платёж по уведомлению провайдера.
func (s *Service) ConfirmPayment(ctx context.Context, paymentID string) (*model.Payment, error) {
	return s.repo.ConfirmPayment(ctx, paymentID)
}
