// Package workflow реализует диалоговый сценарий выпуска визитки.
//
// Каждый диалог описывается явной записью состояния, привязанной к
// идентификатору собеседника. Транспорт (поллинг, вебхук) снаружи: он
// передаёт реплики в HandleTurn и доставляет ответы пользователю.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sylviabot/card-system/internal/lookup"
	"github.com/sylviabot/card-system/internal/model"
	"github.com/sylviabot/card-system/internal/repository"
	"github.com/sylviabot/card-system/internal/service"
	"github.com/sylviabot/card-system/internal/token"
	"github.com/sylviabot/card-system/internal/validation"
)

// State описывает шаг диалога выпуска визитки.
type State string

const (
	StateSelectingTemplate       State = "selecting_template"
	StateSelectingTargetType     State = "selecting_target_type"
	StateCollectingTargetDetails State = "collecting_target_details"
	StateConfirmingBalance       State = "confirming_balance"
	StateCommitting              State = "committing"
)

const maxLookupFailures = 3

// Service определяет контракт бизнес-логики, используемой диалогом.
type Service interface {
	RegisterUser(ctx context.Context, telegramID int64, username, referralCode string) (*model.User, bool, error)
	GetUser(ctx context.Context, telegramID int64) (*model.User, error)
	UpdateShopInfo(ctx context.Context, userID int64, shopName, shopURLWB, shopURLOzon string) error
	ActiveTemplates(ctx context.Context) ([]model.Template, error)
	GetTemplate(ctx context.Context, id int64) (*model.Template, error)
	IssueCard(ctx context.Context, req service.IssueCardRequest) (*model.Card, error)
	CardLink(tokenValue string) string
}

// ProductLookup определяет контракт проверки артикулов. Реализация может быть
// медленной и временно недоступной, диалог это учитывает.
type ProductLookup interface {
	Lookup(ctx context.Context, article string, marketplace validation.Marketplace) (*lookup.ProductInfo, error)
}

// Renderer определяет контракт генерации изображения визитки.
type Renderer interface {
	Render(ctx context.Context, templateID int64, qrPayload, caption string) ([]byte, error)
}

// Reply — ответ диалога, доставляемый транспортом пользователю.
type Reply struct {
	Text  string
	Image []byte
}

type session struct {
	mu sync.Mutex

	userID       int64
	state        State
	templateID   int64
	price        int64
	qrType       model.QRType
	article      string
	productName  string
	collectionID string

	lookupFailures int
	lastActivity   time.Time
}

// Manager хранит активные диалоги и маршрутизирует реплики по состояниям.
type Manager struct {
	svc      Service
	lookup   ProductLookup
	renderer Renderer
	logger   *zap.Logger
	timeout  time.Duration

	mu       sync.Mutex
	sessions map[int64]*session
}

// NewManager создаёт менеджер диалогов. renderer может быть nil, тогда ответы
// содержат только текст и ссылку.
func NewManager(svc Service, productLookup ProductLookup, renderer Renderer, logger *zap.Logger, timeout time.Duration) *Manager {
	return &Manager{
		svc:      svc,
		lookup:   productLookup,
		renderer: renderer,
		logger:   logger,
		timeout:  timeout,
		sessions: make(map[int64]*session),
	}
}

// StartSessionSweeper запускает фоновую очистку диалогов, превысивших таймаут
// неактивности. Брошенный диалог не оставляет следов в хранилище.
func (m *Manager) StartSessionSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweepExpired()
			}
		}
	}()
}

func (m *Manager) sweepExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for id, s := range m.sessions {
		if now.Sub(s.lastActivity) <= m.timeout {
			continue
		}
		// Диалог, чья реплика ещё обрабатывается, не удаляется: TryLock
		// не проходит, пока обработчик держит блокировку сессии.
		if !s.mu.TryLock() {
			continue
		}
		delete(m.sessions, id)
		s.mu.Unlock()
	}
}

func (m *Manager) getSession(telegramID int64) *session {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[telegramID]
	if ok && time.Since(s.lastActivity) > m.timeout && s.mu.TryLock() {
		s.mu.Unlock()
		delete(m.sessions, telegramID)
		ok = false
	}
	if !ok {
		return nil
	}
	return s
}

// refreshSession подтверждает, что s всё ещё является активной сессией
// собеседника, и продлевает её. Вызывается под s.mu.
func (m *Manager) refreshSession(telegramID int64, s *session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessions[telegramID] != s {
		return false
	}
	s.lastActivity = time.Now()
	return true
}

func (m *Manager) putSession(telegramID int64, s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[telegramID] = s
}

func (m *Manager) dropSession(telegramID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, telegramID)
}

// HandleTurn обрабатывает одну реплику пользователя. Диалог однопоточный:
// если предыдущий шаг ещё выполняется, повторная реплика отклоняется,
// что исключает двойное списание при дублях "confirm".
func (m *Manager) HandleTurn(ctx context.Context, telegramID int64, username, payload string) (*Reply, error) {
	payload = strings.TrimSpace(payload)

	switch {
	case payload == "/start" || strings.HasPrefix(payload, "/start "):
		return m.handleStart(ctx, telegramID, username, payload)
	case payload == "/new" || payload == "new_card":
		return m.startIssuance(ctx, telegramID, username)
	case payload == "/shop" || strings.HasPrefix(payload, "/shop "):
		return m.handleShopUpdate(ctx, telegramID, username, payload)
	case payload == "cancel":
		m.dropSession(telegramID)
		return &Reply{Text: "Создание визитки отменено."}, nil
	}

	s := m.getSession(telegramID)
	if s == nil {
		return &Reply{Text: "Начните создание визитки командой /new."}, nil
	}

	if !s.mu.TryLock() {
		return &Reply{Text: "Предыдущее действие ещё обрабатывается, подождите."}, nil
	}
	defer s.mu.Unlock()

	// Между выбором сессии и захватом её блокировки очистка могла удалить
	// запись из карты; изменения отвязанной сессии были бы молча потеряны.
	if !m.refreshSession(telegramID, s) {
		return &Reply{Text: "Начните создание визитки командой /new."}, nil
	}

	switch s.state {
	case StateSelectingTemplate:
		return m.handleTemplateChoice(ctx, telegramID, s, payload)
	case StateSelectingTargetType:
		return m.handleTargetType(ctx, telegramID, s, payload)
	case StateCollectingTargetDetails:
		return m.handleTargetDetails(ctx, telegramID, s, payload)
	case StateConfirmingBalance:
		return m.handleConfirm(ctx, telegramID, s, payload)
	case StateCommitting:
		return &Reply{Text: "Визитка уже создаётся, подождите."}, nil
	default:
		m.dropSession(telegramID)
		return &Reply{Text: "Начните создание визитки командой /new."}, nil
	}
}

func (m *Manager) handleStart(ctx context.Context, telegramID int64, username, payload string) (*Reply, error) {
	referralCode := ""
	if fields := strings.Fields(payload); len(fields) > 1 {
		referralCode = fields[1]
	}

	u, referralApplied, err := m.svc.RegisterUser(ctx, telegramID, username, referralCode)
	if err != nil {
		m.logger.Error("register user", zap.Int64("telegramID", telegramID), zap.Error(err))
		return &Reply{Text: "Не получилось выполнить регистрацию, попробуйте позже."}, nil
	}

	text := "Здравствуйте! Я помогу создать визитку с QR-кодом для ваших заказов.\n" +
		"Создать визитку: /new\n" +
		"Ваш реферальный код: " + u.ReferralCode
	if referralApplied {
		text += "\nВас пригласил друг — пригласившему начислен бонус."
	}

	return &Reply{Text: text}, nil
}

const shopUsage = "Укажите данные магазина через |:\n" +
	"/shop Название | ссылка на магазин WB | ссылка на магазин Ozon\n" +
	"Ненужные поля можно оставить пустыми."

func (m *Manager) handleShopUpdate(ctx context.Context, telegramID int64, username, payload string) (*Reply, error) {
	args := strings.TrimSpace(strings.TrimPrefix(payload, "/shop"))
	if args == "" {
		return &Reply{Text: shopUsage}, nil
	}

	parts := strings.SplitN(args, "|", 3)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	for len(parts) < 3 {
		parts = append(parts, "")
	}
	if parts[0] == "" && parts[1] == "" && parts[2] == "" {
		return &Reply{Text: shopUsage}, nil
	}

	u, _, err := m.svc.RegisterUser(ctx, telegramID, username, "")
	if err != nil {
		m.logger.Error("register user", zap.Int64("telegramID", telegramID), zap.Error(err))
		return &Reply{Text: "Не получилось сохранить данные магазина, попробуйте позже."}, nil
	}

	if err := m.svc.UpdateShopInfo(ctx, u.ID, parts[0], parts[1], parts[2]); err != nil {
		m.logger.Error("update shop info", zap.Int64("userID", u.ID), zap.Error(err))
		return &Reply{Text: "Не получилось сохранить данные магазина, попробуйте позже."}, nil
	}

	return &Reply{Text: "Данные магазина сохранены. QR-коды типа «магазин» теперь ведут на ваш магазин."}, nil
}

func (m *Manager) startIssuance(ctx context.Context, telegramID int64, username string) (*Reply, error) {
	u, _, err := m.svc.RegisterUser(ctx, telegramID, username, "")
	if err != nil {
		m.logger.Error("register user", zap.Int64("telegramID", telegramID), zap.Error(err))
		return &Reply{Text: "Не получилось начать диалог, попробуйте позже."}, nil
	}

	templates, err := m.svc.ActiveTemplates(ctx)
	if err != nil {
		m.logger.Error("list templates", zap.Error(err))
		return &Reply{Text: "Не получилось загрузить шаблоны, попробуйте позже."}, nil
	}
	if len(templates) == 0 {
		return &Reply{Text: "Временно нет доступных шаблонов, попробуйте позже."}, nil
	}

	m.putSession(telegramID, &session{
		userID:       u.ID,
		state:        StateSelectingTemplate,
		lastActivity: time.Now(),
	})

	var b strings.Builder
	b.WriteString("Выберите шаблон визитки (ответьте template_<номер>):\n")
	for _, t := range templates {
		if t.Price > 0 {
			fmt.Fprintf(&b, "%d. %s — %d бонусов\n", t.ID, t.Name, t.Price)
		} else {
			fmt.Fprintf(&b, "%d. %s — бесплатно\n", t.ID, t.Name)
		}
	}

	return &Reply{Text: b.String()}, nil
}

func (m *Manager) handleTemplateChoice(ctx context.Context, telegramID int64, s *session, payload string) (*Reply, error) {
	idStr, ok := strings.CutPrefix(payload, "template_")
	if !ok {
		return &Reply{Text: "Выберите шаблон ответом вида template_1."}, nil
	}

	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return &Reply{Text: "Выберите шаблон ответом вида template_1."}, nil
	}

	tpl, err := m.svc.GetTemplate(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrTemplateNotFound) {
			return &Reply{Text: "Такого шаблона нет, выберите из списка."}, nil
		}
		m.logger.Error("get template", zap.Int64("templateID", id), zap.Error(err))
		return &Reply{Text: "Не получилось проверить шаблон, попробуйте ещё раз."}, nil
	}
	if !tpl.IsActive {
		return &Reply{Text: "Этот шаблон сейчас недоступен, выберите другой."}, nil
	}

	// Информационная проверка баланса; авторизацией остаётся атомарное
	// списание на шаге фиксации.
	if tpl.Price > 0 {
		u, err := m.svc.GetUser(ctx, telegramID)
		if err != nil {
			m.logger.Error("get user", zap.Int64("telegramID", telegramID), zap.Error(err))
			return &Reply{Text: "Не получилось проверить баланс, попробуйте ещё раз."}, nil
		}
		if u.BonusBalance < tpl.Price {
			return &Reply{Text: fmt.Sprintf(
				"Недостаточно бонусов: шаблон стоит %d, на счету %d. Выберите другой шаблон или пополните баланс.",
				tpl.Price, u.BonusBalance)}, nil
		}
	}

	s.templateID = tpl.ID
	s.price = tpl.Price
	s.state = StateSelectingTargetType

	return &Reply{Text: "Куда будет вести QR-код?\n" +
		"type_product — на конкретный товар\n" +
		"type_collection — на подборку товаров\n" +
		"type_shop — на ваш магазин"}, nil
}

func (m *Manager) handleTargetType(ctx context.Context, telegramID int64, s *session, payload string) (*Reply, error) {
	switch payload {
	case "type_product":
		s.qrType = model.QRTypeProduct
		s.state = StateCollectingTargetDetails
		return &Reply{Text: "Введите артикул товара, например 12345678."}, nil
	case "type_collection":
		s.qrType = model.QRTypeCollection
		s.state = StateCollectingTargetDetails
		return &Reply{Text: fmt.Sprintf(
			"Введите артикулы товаров подборки через запятую (от %d до %d).",
			validation.MinCollectionSize, validation.MaxCollectionSize)}, nil
	case "type_shop":
		s.qrType = model.QRTypeShop
		return m.advanceToCommit(ctx, telegramID, s)
	default:
		return &Reply{Text: "Выберите тип ссылки: type_product, type_collection или type_shop."}, nil
	}
}

func (m *Manager) handleTargetDetails(ctx context.Context, telegramID int64, s *session, payload string) (*Reply, error) {
	if s.qrType == model.QRTypeCollection {
		return m.handleCollectionInput(ctx, telegramID, s, payload)
	}
	return m.handleArticleInput(ctx, telegramID, s, payload)
}

func (m *Manager) handleArticleInput(ctx context.Context, telegramID int64, s *session, payload string) (*Reply, error) {
	if payload == "skip" && s.lookupFailures >= maxLookupFailures && s.article != "" {
		// Проверка недоступна слишком долго, принимаем артикул без неё.
		return m.advanceToCommit(ctx, telegramID, s)
	}

	article := strings.TrimSpace(payload)
	marketplace := validation.MarketplaceFor(article)

	if err := validation.ValidateArticle(article, marketplace); err != nil {
		return &Reply{Text: "Артикул должен состоять только из цифр. Попробуйте ещё раз."}, nil
	}

	product, err := m.lookup.Lookup(ctx, article, marketplace)
	if err != nil {
		if errors.Is(err, lookup.ErrProductNotFound) {
			return &Reply{Text: "Товар с таким артикулом не найден. Проверьте артикул и попробуйте снова."}, nil
		}

		s.lookupFailures++
		s.article = article
		if s.lookupFailures >= maxLookupFailures {
			return &Reply{Text: "Сервис проверки товаров недоступен. Отправьте skip, чтобы продолжить без проверки, или cancel для отмены."}, nil
		}
		return &Reply{Text: "Сервис проверки товаров временно недоступен, отправьте артикул ещё раз."}, nil
	}

	s.article = article
	s.productName = product.Name
	s.lookupFailures = 0

	return m.advanceToCommit(ctx, telegramID, s)
}

func (m *Manager) handleCollectionInput(ctx context.Context, telegramID int64, s *session, payload string) (*Reply, error) {
	articles, invalid, err := validation.ParseArticleList(payload)
	if err != nil {
		if len(invalid) > 0 {
			return &Reply{Text: "Некорректные артикулы: " + strings.Join(invalid, ", ") + ". Попробуйте ещё раз."}, nil
		}
		return &Reply{Text: fmt.Sprintf(
			"В подборке должно быть от %d до %d разных артикулов. Попробуйте ещё раз.",
			validation.MinCollectionSize, validation.MaxCollectionSize)}, nil
	}

	// Артикулы проверяются последовательно, пользователю возвращается
	// первая партия ненайденных, а не молчаливое исключение.
	var notFound []string
	for _, article := range articles {
		_, err := m.lookup.Lookup(ctx, article, validation.MarketplaceFor(article))
		if err != nil {
			if errors.Is(err, lookup.ErrProductNotFound) {
				notFound = append(notFound, article)
				continue
			}

			s.lookupFailures++
			return &Reply{Text: "Сервис проверки товаров временно недоступен, отправьте артикулы ещё раз."}, nil
		}
	}
	if len(notFound) > 0 {
		return &Reply{Text: "Не найдены товары с артикулами: " + strings.Join(notFound, ", ") + ". Проверьте список и отправьте его снова."}, nil
	}

	s.collectionID = token.New(token.KindCollection)
	s.lookupFailures = 0

	return m.advanceToCommit(ctx, telegramID, s)
}

func (m *Manager) advanceToCommit(ctx context.Context, telegramID int64, s *session) (*Reply, error) {
	if s.price > 0 {
		s.state = StateConfirmingBalance

		balanceNote := ""
		if u, err := m.svc.GetUser(ctx, telegramID); err == nil {
			balanceNote = fmt.Sprintf(" На счету %d бонусов.", u.BonusBalance)
		}

		return &Reply{Text: fmt.Sprintf(
			"За визитку будет списано %d бонусов.%s Отправьте confirm для подтверждения или cancel для отмены.",
			s.price, balanceNote)}, nil
	}

	return m.commit(ctx, telegramID, s)
}

func (m *Manager) handleConfirm(ctx context.Context, telegramID int64, s *session, payload string) (*Reply, error) {
	if payload != "confirm" {
		return &Reply{Text: "Отправьте confirm для подтверждения или cancel для отмены."}, nil
	}
	return m.commit(ctx, telegramID, s)
}

func (m *Manager) commit(ctx context.Context, telegramID int64, s *session) (*Reply, error) {
	s.state = StateCommitting

	card, err := m.svc.IssueCard(ctx, service.IssueCardRequest{
		UserID:        s.userID,
		TemplateID:    s.templateID,
		QRType:        s.qrType,
		TargetArticle: s.article,
		CollectionID:  s.collectionID,
		Price:         s.price,
	})
	if err != nil {
		if errors.Is(err, repository.ErrInsufficientBalance) {
			// Авторитетная проверка — само списание; возвращаемся к выбору шаблона.
			s.state = StateSelectingTemplate
			s.templateID = 0
			s.price = 0
			return &Reply{Text: "Недостаточно бонусов для этого шаблона. Выберите другой шаблон (template_<номер>) или отмените: cancel."}, nil
		}

		m.logger.Error("issue card", zap.Int64("userID", s.userID), zap.Error(err))
		m.dropSession(telegramID)
		return &Reply{Text: "Ошибка при сохранении визитки. Попробуйте позже, списанные бонусы возвращены."}, nil
	}

	link := m.svc.CardLink(card.Token)

	var image []byte
	if m.renderer != nil {
		image, err = m.renderer.Render(ctx, card.TemplateID, link, cardCaption(card))
		if err != nil {
			// Визитка уже выпущена, отсутствие картинки не отменяет её.
			m.logger.Error("render card", zap.Int64("cardID", card.ID), zap.Error(err))
			image = nil
		}
	}

	m.dropSession(telegramID)

	return &Reply{
		Text: "Визитка готова!\n" +
			"Ссылка для QR-кода: " + link + "\n" +
			"Статистика сканирований будет доступна в профиле.",
		Image: image,
	}, nil
}

func cardCaption(card *model.Card) string {
	switch card.QRType {
	case model.QRTypeProduct:
		return "Спасибо за покупку!\nОставьте отзыв на товар " + card.TargetArticle
	case model.QRTypeCollection:
		return "Спасибо за покупку!\nВам также может пригодиться:"
	default:
		return "Спасибо за покупку!\nВозвращайтесь снова!"
	}
}
