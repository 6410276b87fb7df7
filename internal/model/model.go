// Package model содержит доменные сущности сервиса визиток.
package model

import "time"

// User представляет продавца, зарегистрированного в сервисе.
type User struct {
	ID           int64
	TelegramID   int64
	Username     string
	RegisteredAt time.Time
	LastActivity time.Time
	IsActive     bool

	ShopName    string
	ShopURLWB   string
	ShopURLOzon string

	// BonusBalance — бонусный счёт в целых единицах, не бывает отрицательным.
	BonusBalance int64

	CardsCreated  int64
	ScansReceived int64

	ReferralCode string
	ReferredByID *int64
}

// Template описывает шаблон визитки из каталога.
type Template struct {
	ID          int64
	Name        string
	Description string
	// Price — стоимость в бонусах, 0 означает бесплатный шаблон.
	Price    int64
	IsActive bool
}

// QRType определяет, куда ведёт QR-код визитки.
type QRType string

const (
	QRTypeProduct    QRType = "product"
	QRTypeCollection QRType = "collection"
	QRTypeShop       QRType = "shop"
)

// Card описывает выпущенную визитку с уникальным токеном отслеживания.
type Card struct {
	ID         int64
	UserID     int64
	TemplateID int64
	QRType     QRType
	// TargetArticle заполняется только для qr_type = product.
	TargetArticle string
	// CollectionID заполняется только для qr_type = collection.
	CollectionID string
	Token        string
	ScanCount    int64
	LastScan     *time.Time
	CreatedAt    time.Time
}

// Scan описывает одно сканирование визитки. Записи только добавляются.
type Scan struct {
	ID        int64
	CardID    int64
	ScannedAt time.Time
	IPAddress string
	UserAgent string
	Referer   string
}

// PaymentStatus описывает статус платежа.
type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusSuccess PaymentStatus = "success"
	PaymentStatusFailed  PaymentStatus = "failed"
)

// Payment описывает платёж за шаблон. Идентификатор присваивает платёжный провайдер.
type Payment struct {
	ID          int64
	UserID      int64
	PaymentID   string
	Amount      int64
	Status      PaymentStatus
	TemplateID  *int64
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// Referral фиксирует одноразовое приглашение: referee приглашается не более одного раза.
type Referral struct {
	ID           int64
	ReferrerID   int64
	RefereeID    int64
	RewardAmount int64
	CreatedAt    time.Time
}
