// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/sylviabot/card-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserNotFound возвращается, если пользователь не найден.
var (
	ErrUserNotFound = errors.New("user not found")
	// ErrCardNotFound возвращается при неизвестном токене визитки.
	ErrCardNotFound = errors.New("card not found")
	// ErrTemplateNotFound возвращается, если шаблон не найден в каталоге.
	ErrTemplateNotFound = errors.New("template not found")
	// ErrInsufficientBalance возвращается при попытке списания суммы, превышающей баланс.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrTokenTaken возвращается при коллизии токена визитки; вызывающая сторона генерирует новый.
	ErrTokenTaken = errors.New("card token already taken")
	// ErrReferralCodeTaken возвращается при коллизии реферального кода нового пользователя.
	ErrReferralCodeTaken = errors.New("referral code already taken")
	// ErrReferralExists возвращается, если referee уже был приглашён ранее.
	ErrReferralExists = errors.New("referral already exists")
	// ErrPaymentExists возвращается при повторной регистрации платежа с тем же идентификатором.
	ErrPaymentExists = errors.New("payment already exists")
	// ErrPaymentNotFound возвращается, если платёж не найден.
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrPaymentNotPending возвращается при попытке подтвердить платёж не в статусе pending.
	ErrPaymentNotPending = errors.New("payment is not pending")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраим только конфликты сериализации и дедлоки, сетевыми
		// переподключениями занимается pgxpool.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

const userColumns = `id, telegram_id, username, registered_at, last_activity, is_active,
	 shop_name, shop_url_wb, shop_url_ozon, bonus_balance, cards_created, scans_received,
	 referral_code, referred_by_id`

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.TelegramID, &u.Username, &u.RegisteredAt, &u.LastActivity,
		&u.IsActive, &u.ShopName, &u.ShopURLWB, &u.ShopURLOzon, &u.BonusBalance,
		&u.CardsCreated, &u.ScansReceived, &u.ReferralCode, &u.ReferredByID)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetOrCreateUser возвращает пользователя по telegram_id, создавая его при первом обращении.
// referralCode используется только при создании; при коллизии кода возвращается
// ErrReferralCodeTaken, и вызывающая сторона повторяет с новым кодом.
func (r *PostgresRepository) GetOrCreateUser(ctx context.Context, telegramID int64, username, referralCode string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO users (telegram_id, username, referral_code)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (telegram_id) DO UPDATE
		 SET username = COALESCE(NULLIF(EXCLUDED.username, ''), users.username),
		     last_activity = now()
		 RETURNING `+userColumns,
		telegramID, username, referralCode,
	)

	u, err := scanUser(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil, ErrReferralCodeTaken
		}
		return nil, fmt.Errorf("get or create user: %w", err)
	}

	return u, nil
}

// GetUserByTelegramID возвращает пользователя по внешнему идентификатору.
func (r *PostgresRepository) GetUserByTelegramID(ctx context.Context, telegramID int64) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE telegram_id = $1`, telegramID)

	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// GetUserByReferralCode возвращает пользователя по реферальному коду.
func (r *PostgresRepository) GetUserByReferralCode(ctx context.Context, code string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE referral_code = $1`, code)

	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user by referral code: %w", err)
	}
	return u, nil
}

// UpdateShopInfo обновляет данные магазина пользователя. Пустые значения не затирают сохранённые.
func (r *PostgresRepository) UpdateShopInfo(ctx context.Context, userID int64, shopName, shopURLWB, shopURLOzon string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE users
		 SET shop_name = COALESCE(NULLIF($2, ''), shop_name),
		     shop_url_wb = COALESCE(NULLIF($3, ''), shop_url_wb),
		     shop_url_ozon = COALESCE(NULLIF($4, ''), shop_url_ozon)
		 WHERE id = $1`,
		userID, shopName, shopURLWB, shopURLOzon,
	)
	if err != nil {
		return fmt.Errorf("update shop info: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// DebitBalance атомарно списывает amount с бонусного счёта пользователя.
// Проверка и списание выполняются одним условным UPDATE, поэтому баланс
// не может уйти в минус при конкурентных списаниях.
func (r *PostgresRepository) DebitBalance(ctx context.Context, userID, amount int64) error {
	return r.withRetry(ctx, func() error {
		cmdTag, err := r.pool.Exec(ctx,
			`UPDATE users SET bonus_balance = bonus_balance - $2
			 WHERE id = $1 AND bonus_balance >= $2`,
			userID, amount,
		)
		if err != nil {
			return fmt.Errorf("debit balance: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			return ErrInsufficientBalance
		}
		return nil
	})
}

// CreditBalance атомарно зачисляет amount на бонусный счёт пользователя.
func (r *PostgresRepository) CreditBalance(ctx context.Context, userID, amount int64) error {
	return r.withRetry(ctx, func() error {
		cmdTag, err := r.pool.Exec(ctx,
			`UPDATE users SET bonus_balance = bonus_balance + $2 WHERE id = $1`,
			userID, amount,
		)
		if err != nil {
			return fmt.Errorf("credit balance: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			return ErrUserNotFound
		}
		return nil
	})
}

// ActiveTemplates возвращает активные шаблоны каталога в порядке сортировки.
func (r *PostgresRepository) ActiveTemplates(ctx context.Context) ([]model.Template, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, description, price, is_active
		 FROM templates
		 WHERE is_active
		 ORDER BY sort_order, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("select templates: %w", err)
	}
	defer rows.Close()

	var res []model.Template
	for rows.Next() {
		var t model.Template
		if err := rows.Scan(&t.ID, &t.Name, &t.Description, &t.Price, &t.IsActive); err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		res = append(res, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetTemplate возвращает шаблон по идентификатору.
func (r *PostgresRepository) GetTemplate(ctx context.Context, id int64) (*model.Template, error) {
	var t model.Template
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, description, price, is_active FROM templates WHERE id = $1`,
		id,
	).Scan(&t.ID, &t.Name, &t.Description, &t.Price, &t.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTemplateNotFound
		}
		return nil, fmt.Errorf("get template: %w", err)
	}
	return &t, nil
}

// CreateCard сохраняет новую визитку и увеличивает счётчик созданных визиток
// владельца в той же транзакции. При коллизии токена возвращает ErrTokenTaken.
func (r *PostgresRepository) CreateCard(ctx context.Context, card *model.Card) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO business_cards (user_id, template_id, qr_type, target_article, collection_id, token)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		card.UserID, card.TemplateID, string(card.QRType), card.TargetArticle, card.CollectionID, card.Token,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, ErrTokenTaken
		}
		return 0, fmt.Errorf("insert card: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE users SET cards_created = cards_created + 1 WHERE id = $1`,
		card.UserID,
	)
	if err != nil {
		return 0, fmt.Errorf("update cards counter: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	return id, nil
}

// CardRoute содержит визитку вместе с данными магазина владельца,
// необходимыми для вычисления адреса редиректа.
type CardRoute struct {
	CardID        int64
	UserID        int64
	QRType        model.QRType
	TargetArticle string
	CollectionID  string
	ShopName      string
	ShopURLWB     string
	ShopURLOzon   string
}

// CardRouteByToken возвращает визитку и магазин владельца по токену.
func (r *PostgresRepository) CardRouteByToken(ctx context.Context, tokenValue string) (*CardRoute, error) {
	var route CardRoute
	var qrType string
	err := r.pool.QueryRow(ctx,
		`SELECT bc.id, bc.user_id, bc.qr_type, bc.target_article, bc.collection_id,
		        u.shop_name, u.shop_url_wb, u.shop_url_ozon
		 FROM business_cards bc
		 JOIN users u ON u.id = bc.user_id
		 WHERE bc.token = $1`,
		tokenValue,
	).Scan(&route.CardID, &route.UserID, &qrType, &route.TargetArticle, &route.CollectionID,
		&route.ShopName, &route.ShopURLWB, &route.ShopURLOzon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCardNotFound
		}
		return nil, fmt.Errorf("select card route: %w", err)
	}

	route.QRType = model.QRType(qrType)
	return &route, nil
}

// RecordScan записывает сканирование визитки: вставка события, инкремент
// счётчика визитки, отметка времени последнего сканирования и инкремент
// счётчика владельца выполняются в одной транзакции, поэтому scan_count
// в любой момент равен числу строк в scans для этой визитки.
func (r *PostgresRepository) RecordScan(ctx context.Context, cardID, userID int64, scan model.Scan) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		_, err = tx.Exec(ctx,
			`INSERT INTO scans (card_id, ip_address, user_agent, referer)
			 VALUES ($1, $2, $3, $4)`,
			cardID, scan.IPAddress, truncate(scan.UserAgent, 500), truncate(scan.Referer, 500),
		)
		if err != nil {
			return fmt.Errorf("insert scan: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE business_cards
			 SET scan_count = scan_count + 1, last_scan = now()
			 WHERE id = $1`,
			cardID,
		)
		if err != nil {
			return fmt.Errorf("update card counters: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE users SET scans_received = scans_received + 1 WHERE id = $1`,
			userID,
		)
		if err != nil {
			return fmt.Errorf("update user counter: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
}

// truncate обрезает строку до max символов, не разрывая многобайтовые руны:
// обрезка по байтам дала бы невалидный UTF-8, который Postgres отклоняет.
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}

// CardsByUser возвращает последние визитки пользователя.
func (r *PostgresRepository) CardsByUser(ctx context.Context, userID int64, limit int) ([]model.Card, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, template_id, qr_type, target_article, collection_id,
		        token, scan_count, last_scan, created_at
		 FROM business_cards
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select cards: %w", err)
	}
	defer rows.Close()

	var res []model.Card
	for rows.Next() {
		var c model.Card
		var qrType string
		if err := rows.Scan(&c.ID, &c.UserID, &c.TemplateID, &qrType, &c.TargetArticle,
			&c.CollectionID, &c.Token, &c.ScanCount, &c.LastScan, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		c.QRType = model.QRType(qrType)
		res = append(res, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CardByToken возвращает визитку по токену.
func (r *PostgresRepository) CardByToken(ctx context.Context, tokenValue string) (*model.Card, error) {
	var c model.Card
	var qrType string
	err := r.pool.QueryRow(ctx,
		`SELECT id, user_id, template_id, qr_type, target_article, collection_id,
		        token, scan_count, last_scan, created_at
		 FROM business_cards
		 WHERE token = $1`,
		tokenValue,
	).Scan(&c.ID, &c.UserID, &c.TemplateID, &qrType, &c.TargetArticle,
		&c.CollectionID, &c.Token, &c.ScanCount, &c.LastScan, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCardNotFound
		}
		return nil, fmt.Errorf("select card: %w", err)
	}

	c.QRType = model.QRType(qrType)
	return &c, nil
}

// RecentScans возвращает последние сканирования визитки.
func (r *PostgresRepository) RecentScans(ctx context.Context, cardID int64, limit int) ([]model.Scan, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, card_id, scanned_at, ip_address, user_agent, referer
		 FROM scans
		 WHERE card_id = $1
		 ORDER BY scanned_at DESC
		 LIMIT $2`,
		cardID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select scans: %w", err)
	}
	defer rows.Close()

	var res []model.Scan
	for rows.Next() {
		var s model.Scan
		if err := rows.Scan(&s.ID, &s.CardID, &s.ScannedAt, &s.IPAddress, &s.UserAgent, &s.Referer); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		res = append(res, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// UserStats содержит агрегированную статистику пользователя.
type UserStats struct {
	TotalCards int64
	TotalScans int64
	LastScan   *time.Time
}

// GetUserStats возвращает агрегаты по визиткам пользователя из авторитетных таблиц.
func (r *PostgresRepository) GetUserStats(ctx context.Context, userID int64) (*UserStats, error) {
	var stats UserStats
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(DISTINCT bc.id), COUNT(s.id), MAX(bc.last_scan)
		 FROM business_cards bc
		 LEFT JOIN scans s ON s.card_id = bc.id
		 WHERE bc.user_id = $1`,
		userID,
	).Scan(&stats.TotalCards, &stats.TotalScans, &stats.LastScan)
	if err != nil {
		return nil, fmt.Errorf("select user stats: %w", err)
	}
	return &stats, nil
}

// DayCount содержит число сканирований за один день.
type DayCount struct {
	Day   time.Time
	Scans int64
}

// ScanCountsByDay возвращает число сканирований визиток пользователя по дням
// за последние days дней. Дни без сканирований в результат не входят.
func (r *PostgresRepository) ScanCountsByDay(ctx context.Context, userID int64, days int) ([]DayCount, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT date_trunc('day', s.scanned_at), COUNT(*)
		 FROM scans s
		 JOIN business_cards bc ON bc.id = s.card_id
		 WHERE bc.user_id = $1 AND s.scanned_at >= now() - make_interval(days => $2)
		 GROUP BY 1
		 ORDER BY 1`,
		userID, days,
	)
	if err != nil {
		return nil, fmt.Errorf("select scan counts: %w", err)
	}
	defer rows.Close()

	var res []DayCount
	for rows.Next() {
		var dc DayCount
		if err := rows.Scan(&dc.Day, &dc.Scans); err != nil {
			return nil, fmt.Errorf("scan day count: %w", err)
		}
		res = append(res, dc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CreatePayment регистрирует платёж в статусе pending.
func (r *PostgresRepository) CreatePayment(ctx context.Context, p *model.Payment) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO payments (user_id, payment_id, amount, status, template_id)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		p.UserID, p.PaymentID, p.Amount, string(model.PaymentStatusPending), p.TemplateID,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrPaymentExists, p.PaymentID)
		}
		return 0, fmt.Errorf("insert payment: %w", err)
	}
	return id, nil
}

// ConfirmPayment переводит платёж из pending в success ровно один раз и в той же
// транзакции зачисляет сумму на бонусный счёт пользователя. Повторное
// подтверждение возвращает ErrPaymentNotPending, статус success не регрессирует.
func (r *PostgresRepository) ConfirmPayment(ctx context.Context, paymentID string) (*model.Payment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var p model.Payment
	var status string
	err = tx.QueryRow(ctx,
		`UPDATE payments
		 SET status = $2, completed_at = now()
		 WHERE payment_id = $1 AND status = $3
		 RETURNING id, user_id, payment_id, amount, status, template_id, created_at, completed_at`,
		paymentID, string(model.PaymentStatusSuccess), string(model.PaymentStatusPending),
	).Scan(&p.ID, &p.UserID, &p.PaymentID, &p.Amount, &status, &p.TemplateID, &p.CreatedAt, &p.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			var existing string
			lookupErr := r.pool.QueryRow(ctx,
				`SELECT status FROM payments WHERE payment_id = $1`, paymentID,
			).Scan(&existing)
			if errors.Is(lookupErr, pgx.ErrNoRows) {
				return nil, ErrPaymentNotFound
			}
			if lookupErr != nil {
				return nil, fmt.Errorf("select payment: %w", lookupErr)
			}
			return nil, fmt.Errorf("%w: status %s", ErrPaymentNotPending, existing)
		}
		return nil, fmt.Errorf("confirm payment: %w", err)
	}
	p.Status = model.PaymentStatus(status)

	_, err = tx.Exec(ctx,
		`UPDATE users SET bonus_balance = bonus_balance + $2 WHERE id = $1`,
		p.UserID, p.Amount,
	)
	if err != nil {
		return nil, fmt.Errorf("credit payment amount: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return &p, nil
}

// ApplyReferral создаёт запись о приглашении и зачисляет награду пригласившему.
// Уникальный индекс по referee_id гарантирует не более одного приглашения
// на пользователя даже при конкурентных вызовах; запись, зачисление и
// обратная ссылка выполняются в одной транзакции.
func (r *PostgresRepository) ApplyReferral(ctx context.Context, referrerID, refereeID, reward int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO referrals (referrer_id, referee_id, reward_amount) VALUES ($1, $2, $3)`,
		referrerID, refereeID, reward,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return ErrReferralExists
		}
		return fmt.Errorf("insert referral: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE users SET bonus_balance = bonus_balance + $2 WHERE id = $1`,
		referrerID, reward,
	)
	if err != nil {
		return fmt.Errorf("credit referrer: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE users SET referred_by_id = $1 WHERE id = $2 AND referred_by_id IS NULL`,
		referrerID, refereeID,
	)
	if err != nil {
		return fmt.Errorf("set referred by: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}
