// Package hnapi はアイテムフィードのリモートAPIクライアントを提供する。
// アイテム単体の取得と、現在の最大IDの取得を行う。
package hnapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/hnarchive/internal/metrics"
	"github.com/hitoshi/hnarchive/internal/model"
)

// maxBodySize はレスポンスボディの最大読み取りサイズ（4MB）。
const maxBodySize = 4 * 1024 * 1024

// StatusClass はHTTPステータスコードに基づくレスポンスの分類。
type StatusClass int

const (
	// StatusOK は取得成功（200）。
	StatusOK StatusClass = iota
	// StatusAbsent はアイテムが存在しない（404/410）。
	StatusAbsent
	// StatusBackoff はリトライが必要なステータス（429/5xx）。
	StatusBackoff
	// StatusStop はリトライしても回復しないステータス（その他の4xxなど）。
	StatusStop
)

// ClassifyHTTPStatus はHTTPステータスコードをレスポンス分類に変換する。
func ClassifyHTTPStatus(statusCode int) StatusClass {
	switch {
	case statusCode == http.StatusOK:
		return StatusOK
	case statusCode == http.StatusNotFound || statusCode == http.StatusGone:
		return StatusAbsent
	case statusCode == http.StatusTooManyRequests:
		return StatusBackoff
	case statusCode >= 500:
		return StatusBackoff
	default:
		return StatusStop
	}
}

// Client はリモートAPIのクライアント。
// 複数のゴルーチンから同時に呼び出してよい。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    metrics.MetricsCollector
	baseURL    string
	userAgent  string
}

// NewClient はClientの新しいインスタンスを生成する。
// metricsがnilの場合は記録しない。
func NewClient(httpClient *http.Client, logger *slog.Logger, m metrics.MetricsCollector, baseURL, userAgent string) *Client {
	if m == nil {
		m = metrics.Nop{}
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		metrics:    m,
		baseURL:    baseURL,
		userAgent:  userAgent,
	}
}

// apiItem はリモートAPIが返すアイテムのJSON表現。
type apiItem struct {
	ID          int64   `json:"id"`
	Type        string  `json:"type"`
	By          string  `json:"by"`
	Time        *int64  `json:"time"`
	Text        string  `json:"text"`
	Parent      *int64  `json:"parent"`
	Poll        *int64  `json:"poll"`
	Kids        []int64 `json:"kids"`
	Parts       []int64 `json:"parts"`
	URL         string  `json:"url"`
	Score       *int    `json:"score"`
	Title       string  `json:"title"`
	Descendants *int    `json:"descendants"`
	Deleted     bool    `json:"deleted"`
	Dead        bool    `json:"dead"`
}

func (a *apiItem) toModel(id int64) *model.Item {
	item := &model.Item{
		ID:          id,
		Type:        a.Type,
		Author:      a.By,
		CreatedAt:   time.Unix(*a.Time, 0).UTC(),
		Text:        a.Text,
		Parent:      a.Parent,
		Poll:        a.Poll,
		Kids:        a.Kids,
		Parts:       a.Parts,
		URL:         a.URL,
		Score:       a.Score,
		Title:       a.Title,
		Descendants: a.Descendants,
		Deleted:     a.Deleted,
		Dead:        a.Dead,
	}
	if len(item.Kids) == 0 {
		item.Kids = nil
	}
	if len(item.Parts) == 0 {
		item.Parts = nil
	}
	return item
}

// FetchItem は指定IDのアイテムを取得する。
// アイテムが存在しない場合（null応答、timeを持たない応答、404/410）は (nil, nil) を返す。
// ネットワークエラー、タイムアウト、429/5xxは model.TransientError を返す。
// 取得時刻（RetrievedAt）は設定しない。
func (c *Client) FetchItem(ctx context.Context, id int64) (*model.Item, error) {
	body, err := c.get(ctx, "item", id, fmt.Sprintf("%s/item/%d.json", c.baseURL, id))
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, nil
	}

	var raw *apiItem
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("アイテム %d のレスポンスJSONのパースに失敗しました: %w", id, err)
	}

	// 存在しないIDに対してはnullまたはtimeを持たない断片が返る
	if raw == nil || raw.Time == nil {
		return nil, nil
	}

	return raw.toModel(id), nil
}

// CurrentMax はフィードの現在の最大アイテムIDを取得する。
func (c *Client) CurrentMax(ctx context.Context) (int64, error) {
	body, err := c.get(ctx, "maxitem", 0, c.baseURL+"/maxitem.json")
	if err != nil {
		return 0, err
	}
	if body == nil {
		return 0, fmt.Errorf("最大IDのエンドポイントが見つかりません")
	}

	maxID, err := strconv.ParseInt(string(bytes.TrimSpace(body)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("最大IDのパースに失敗しました: %w", err)
	}
	return maxID, nil
}

// get はGETリクエストを実行し、成功時のボディを返す。404/410の場合は (nil, nil) を返す。
func (c *Client) get(ctx context.Context, op string, id int64, reqURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.metrics.RecordFetchLatency(time.Since(start))
	if err != nil {
		// 呼び出し元のキャンセルはリトライ対象にしない
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil, err
		}
		return nil, &model.TransientError{Op: op, ItemID: id, Err: err}
	}
	defer resp.Body.Close()

	c.metrics.RecordHTTPStatus(resp.StatusCode)

	switch ClassifyHTTPStatus(resp.StatusCode) {
	case StatusOK:
	case StatusAbsent:
		return nil, nil
	case StatusBackoff:
		c.logger.Debug("リモートAPIが一時エラーを返しました",
			slog.String("op", op),
			slog.Int64("item_id", id),
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, &model.TransientError{
			Op:         op,
			ItemID:     id,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("ステータス %d", resp.StatusCode),
		}
	default:
		c.logger.Warn("リモートAPIが想定外のステータスを返しました",
			slog.String("op", op),
			slog.Int64("item_id", id),
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, fmt.Errorf("%s (id=%d) の取得でステータス %d が返されました", op, id, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		// ボディの途中切断は通信エラーとして扱う
		return nil, &model.TransientError{Op: op, ItemID: id, Err: err}
	}
	return body, nil
}
