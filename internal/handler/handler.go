// Package handler содержит HTTP-обработчики сервиса визиток.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sylviabot/card-system/internal/middleware"
	"github.com/sylviabot/card-system/internal/model"
	"github.com/sylviabot/card-system/internal/repository"
	"github.com/sylviabot/card-system/internal/service"
	"github.com/sylviabot/card-system/internal/workflow"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	ResolveScan(ctx context.Context, tokenValue, ipAddress, userAgent, referer string) (*service.Resolution, error)
	UserStats(ctx context.Context, userID int64, days int) (*service.UserStatsResult, error)
	CardInfo(ctx context.Context, tokenValue string) (*service.CardInfoResult, error)
	CreatePayment(ctx context.Context, userID int64, paymentID string, amount int64, templateID *int64) error
	ConfirmPayment(ctx context.Context, paymentID string) (*model.Payment, error)
}

// Workflow определяет контракт диалога выпуска визиток, доступного транспортам.
type Workflow interface {
	HandleTurn(ctx context.Context, telegramID int64, username, payload string) (*workflow.Reply, error)
}

// Handler реализует HTTP-обработчики сервиса визиток.
type Handler struct {
	service        Service
	workflow       Workflow
	logger         *zap.Logger
	signMiddleware *middleware.SignMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, wf Workflow, logger *zap.Logger, sign *middleware.SignMiddleware) *Handler {
	return &Handler{
		service:        s,
		workflow:       wf,
		logger:         logger,
		signMiddleware: sign,
	}
}

var redirectPage = template.Must(template.New("redirect").Parse(`<!DOCTYPE html>
<html>
<head>
<title>Переход…</title>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta http-equiv="refresh" content="2;url={{.TargetURL}}">
</head>
<body>
<h1>Спасибо за покупку!</h1>
<p>{{.ShopName}}</p>
<p>Сейчас вы будете перенаправлены в магазин.
Если переход не происходит автоматически, <a href="{{.TargetURL}}">нажмите здесь</a>.</p>
</body>
</html>
`))

const notFoundPage = `<!DOCTYPE html>
<html>
<head>
<title>Ссылка не найдена</title>
<meta charset="utf-8">
</head>
<body>
<h1>Ссылка не найдена</h1>
<p>Возможно, визитка была удалена или ссылка устарела.</p>
</body>
</html>
`

// Redirect обрабатывает переход по QR-коду: записывает сканирование и
// отдаёт страницу с редиректом на вычисленный адрес.
func (h *Handler) Redirect(w http.ResponseWriter, r *http.Request) {
	tokenValue := chi.URLParam(r, "token")

	res, err := h.service.ResolveScan(r.Context(), tokenValue, clientIP(r),
		r.Header.Get("User-Agent"), r.Header.Get("Referer"))
	if err != nil {
		if errors.Is(err, repository.ErrCardNotFound) {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(notFoundPage))
			return
		}
		h.logger.Error("resolve scan error", zap.Error(err), zap.String("token", tokenValue))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	shopName := res.ShopName
	if shopName == "" {
		shopName = "Магазин"
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err = redirectPage.Execute(w, struct {
		TargetURL string
		ShopName  string
	}{
		TargetURL: res.TargetURL,
		ShopName:  shopName,
	})
	if err != nil {
		h.logger.Error("render redirect page", zap.Error(err))
	}
}

func clientIP(r *http.Request) string {
	ip := r.Header.Get("X-Forwarded-For")
	if ip != "" {
		if idx := strings.Index(ip, ","); idx >= 0 {
			ip = ip[:idx]
		}
		return strings.TrimSpace(ip)
	}

	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx >= 0 {
		addr = addr[:idx]
	}
	return addr
}

// Collection обрабатывает страницу подборки; отдельной витрины пока нет,
// поэтому посетитель перенаправляется на главную маркетплейса.
func (h *Handler) Collection(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://www.wildberries.ru", http.StatusFound)
}

// Health возвращает статус сервиса.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

type turnRequest struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Payload  string `json:"payload"`
}

type turnResponse struct {
	Text  string `json:"text"`
	Image []byte `json:"image,omitempty"`
}

// Turn принимает реплику диалога от транспорта (поллинг, вебхук) и
// возвращает ответ сценария выпуска визитки.
func (h *Handler) Turn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.UserID == 0 || req.Payload == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	reply, err := h.workflow.HandleTurn(r.Context(), req.UserID, req.Username, req.Payload)
	if err != nil {
		h.logger.Error("handle turn error", zap.Error(err), zap.Int64("userID", req.UserID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(turnResponse{Text: reply.Text, Image: reply.Image}); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type createPaymentRequest struct {
	UserID     int64  `json:"user_id"`
	PaymentID  string `json:"payment_id"`
	Amount     int64  `json:"amount"`
	TemplateID *int64 `json:"template_id,omitempty"`
}

// CreatePayment регистрирует платёж в статусе pending; зачисление бонусов
// происходит только после подтверждения провайдером.
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.UserID == 0 || req.PaymentID == "" || req.Amount <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err := h.service.CreatePayment(r.Context(), req.UserID, req.PaymentID, req.Amount, req.TemplateID)
	if err != nil {
		if errors.Is(err, repository.ErrPaymentExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("create payment error", zap.Error(err), zap.String("paymentID", req.PaymentID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
}

type confirmPaymentRequest struct {
	PaymentID string `json:"payment_id"`
}

// ConfirmPayment принимает подтверждение платежа от провайдера.
func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var req confirmPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PaymentID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	_, err := h.service.ConfirmPayment(r.Context(), req.PaymentID)
	if err != nil {
		if errors.Is(err, repository.ErrPaymentNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		if errors.Is(err, repository.ErrPaymentNotPending) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("confirm payment error", zap.Error(err), zap.String("paymentID", req.PaymentID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type cardResponse struct {
	ID        int64  `json:"id"`
	Token     string `json:"token"`
	Type      string `json:"type"`
	Created   string `json:"created"`
	ScanCount int64  `json:"scans"`
	LastScan  string `json:"last_scan,omitempty"`
}

func toCardResponse(c model.Card) cardResponse {
	resp := cardResponse{
		ID:        c.ID,
		Token:     c.Token,
		Type:      string(c.QRType),
		Created:   c.CreatedAt.Format(time.RFC3339),
		ScanCount: c.ScanCount,
	}
	if c.LastScan != nil {
		resp.LastScan = c.LastScan.Format(time.RFC3339)
	}
	return resp
}

type dayScansResponse struct {
	Date  string `json:"date"`
	Scans int64  `json:"scans"`
}

type userStatsResponse struct {
	UserID int64 `json:"user_id"`
	Total  struct {
		Cards int64 `json:"cards"`
		Scans int64 `json:"scans"`
	} `json:"total"`
	RecentCards []cardResponse     `json:"recent_cards"`
	Daily       []dayScansResponse `json:"daily"`
}

// UserStats возвращает статистику пользователя: итоги, последние визитки и
// разбивку сканирований по дням. Глубина разбивки задаётся параметром days.
func (h *Handler) UserStats(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	days := 0
	if raw := r.URL.Query().Get("days"); raw != "" {
		days, err = strconv.Atoi(raw)
		if err != nil || days <= 0 {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
	}

	stats, err := h.service.UserStats(r.Context(), userID, days)
	if err != nil {
		h.logger.Error("user stats error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := userStatsResponse{UserID: stats.UserID}
	resp.Total.Cards = stats.TotalCards
	resp.Total.Scans = stats.TotalScans
	resp.RecentCards = make([]cardResponse, 0, len(stats.RecentCards))
	for _, c := range stats.RecentCards {
		resp.RecentCards = append(resp.RecentCards, toCardResponse(c))
	}
	resp.Daily = make([]dayScansResponse, 0, len(stats.DailyScans))
	for _, d := range stats.DailyScans {
		resp.Daily = append(resp.Daily, dayScansResponse{
			Date:  d.Day.Format("2006-01-02"),
			Scans: d.Scans,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type scanResponse struct {
	Time string `json:"time"`
	IP   string `json:"ip"`
}

type cardInfoResponse struct {
	cardResponse
	RecentScans []scanResponse `json:"recent_scans"`
}

// CardInfo возвращает данные визитки и её последние сканирования.
func (h *Handler) CardInfo(w http.ResponseWriter, r *http.Request) {
	tokenValue := chi.URLParam(r, "token")

	info, err := h.service.CardInfo(r.Context(), tokenValue)
	if err != nil {
		if errors.Is(err, repository.ErrCardNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("card info error", zap.Error(err), zap.String("token", tokenValue))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	resp := cardInfoResponse{cardResponse: toCardResponse(*info.Card)}
	resp.RecentScans = make([]scanResponse, 0, len(info.RecentScans))
	for _, s := range info.RecentScans {
		resp.RecentScans = append(resp.RecentScans, scanResponse{
			Time: s.ScannedAt.Format(time.RFC3339),
			IP:   s.IPAddress,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}
