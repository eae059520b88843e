// Package handler содержит HTTP-обработчики сервиса: вебхук Telegram и
// административный API.
package handler

import (
	"context"
	"encoding/json"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/cashback-system/internal/middleware"
	"github.com/mmeshcher/cashback-system/internal/model"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	DashboardStats(ctx context.Context) (*model.DashboardStats, error)
}

// UpdateHandler обрабатывает обновления Telegram, полученные через вебхук.
type UpdateHandler interface {
	HandleUpdate(ctx context.Context, update tgbotapi.Update)
}

// Handler реализует HTTP-обработчики сервиса.
type Handler struct {
	service   Service
	bot       UpdateHandler
	logger    *zap.Logger
	adminAuth *middleware.AdminAuth
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов. Бот может
// быть nil, если вебхук не используется.
func NewHandler(s Service, bot UpdateHandler, logger *zap.Logger, adminAuth *middleware.AdminAuth) *Handler {
	return &Handler{
		service:   s,
		bot:       bot,
		logger:    logger,
		adminAuth: adminAuth,
	}
}

type webhookResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// TelegramWebhook принимает обновление от Telegram и передаёт его боту.
func (h *Handler) TelegramWebhook(w http.ResponseWriter, r *http.Request) {
	if h.bot == nil {
		h.writeJSON(w, http.StatusServiceUnavailable, webhookResponse{Error: "bot is not configured"})
		return
	}

	var update tgbotapi.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		h.writeJSON(w, http.StatusBadRequest, webhookResponse{Error: "invalid update payload"})
		return
	}

	h.bot.HandleUpdate(r.Context(), update)

	h.writeJSON(w, http.StatusOK, webhookResponse{OK: true})
}

// Dashboard возвращает агрегированную статистику для администратора.
func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.DashboardStats(r.Context())
	if err != nil {
		h.logger.Error("dashboard stats error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response error", zap.Error(err))
	}
}
