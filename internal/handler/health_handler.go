package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/hnarchive/internal/middleware"
)

// healthCheckTimeout はヘルスチェック1回あたりのストア問い合わせの制限時間。
const healthCheckTimeout = 2 * time.Second

// StoreStatus はヘルスチェックが必要とするストアの操作。
type StoreStatus interface {
	// PingContext はストアへの接続を確認する。
	PingContext(ctx context.Context) error
	// Watermark はコミット済みの最大IDを返す。
	Watermark(ctx context.Context) (int64, error)
}

// HealthHandler はストアの疎通とウォーターマークを返すハンドラー。
type HealthHandler struct {
	store  StoreStatus
	logger *slog.Logger
}

// NewHealthHandler はHealthHandlerを生成する。
func NewHealthHandler(store StoreStatus, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{store: store, logger: logger}
}

// healthResponse はヘルスチェックのレスポンス。
type healthResponse struct {
	Status    string `json:"status"`
	Watermark int64  `json:"watermark"`
}

// Health はGET /healthを処理する。ストアに到達できない場合は503を返す。
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := h.store.PingContext(ctx); err != nil {
		h.logger.Warn("health check: store ping failed", slog.String("error", err.Error()))
		middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "store is unreachable")
		return
	}

	watermark, err := h.store.Watermark(ctx)
	if err != nil {
		h.logger.Warn("health check: watermark query failed", slog.String("error", err.Error()))
		middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "watermark is unavailable")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthResponse{Status: "ok", Watermark: watermark})
}
