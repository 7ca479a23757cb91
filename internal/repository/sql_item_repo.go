package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/hnarchive/internal/config"
	"github.com/hitoshi/hnarchive/internal/model"
)

// MatureAge はリモート側でコメント受付が閉じるまでの期間。
// これより若いアイテムの子孫数はまだ変動しうる。
const MatureAge = 14 * 24 * time.Hour

const watermarkKey = "watermark"

const itemColumns = `id, type, author, created_at, text, parent, poll, kids, parts,
	url, score, title, descendants, deleted, dead, retrieved_at`

const upsertItemSQL = `INSERT INTO items (` + itemColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		type = excluded.type,
		author = excluded.author,
		created_at = excluded.created_at,
		text = excluded.text,
		parent = excluded.parent,
		poll = excluded.poll,
		kids = excluded.kids,
		parts = excluded.parts,
		url = excluded.url,
		score = excluded.score,
		title = excluded.title,
		descendants = excluded.descendants,
		deleted = excluded.deleted,
		dead = excluded.dead,
		retrieved_at = excluded.retrieved_at`

// advanceWatermarkSQL は既存値より大きい場合のみウォーターマークを更新する。
const advanceWatermarkSQL = `INSERT INTO harvest_state (name, value) VALUES (?, ?)
	ON CONFLICT (name) DO UPDATE SET value = CASE
		WHEN excluded.value > harvest_state.value THEN excluded.value
		ELSE harvest_state.value
	END`

// SQLItemRepo はdatabase/sqlを使用したアイテムリポジトリ。
// PostgreSQLとSQLiteの両方で同じSQLを使い、プレースホルダのみ方言に合わせて変換する。
type SQLItemRepo struct {
	db     *sql.DB
	driver string
}

// NewSQLItemRepo はSQLItemRepoを生成する。
func NewSQLItemRepo(db *sql.DB, driver string) *SQLItemRepo {
	return &SQLItemRepo{db: db, driver: driver}
}

// rebind は ? プレースホルダをPostgreSQLの $n 形式に変換する。
func (r *SQLItemRepo) rebind(query string) string {
	if r.driver != config.DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

// Get は指定IDのアイテムを取得する。見つからない場合はnilを返す。
func (r *SQLItemRepo) Get(ctx context.Context, id int64) (*model.Item, error) {
	row := r.db.QueryRowContext(ctx,
		r.rebind(`SELECT `+itemColumns+` FROM items WHERE id = ?`), id)

	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("アイテムの取得に失敗しました: %w", err)
	}
	return item, nil
}

// UpsertBatch はアイテム群とウォーターマークを1トランザクションでコミットする。
// 途中で失敗した場合はロールバックされ、部分的に反映されたバッチは残らない。
func (r *SQLItemRepo) UpsertBatch(ctx context.Context, items []*model.Item, newWatermark int64) error {
	if len(items) == 0 && newWatermark <= 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	if len(items) > 0 {
		stmt, err := tx.PrepareContext(ctx, r.rebind(upsertItemSQL))
		if err != nil {
			return fmt.Errorf("UPSERT文の準備に失敗しました: %w", err)
		}
		defer stmt.Close()

		for _, item := range items {
			args, err := itemArgs(item)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return fmt.Errorf("アイテム %d のUPSERTに失敗しました: %w", item.ID, err)
			}
		}
	}

	if newWatermark > 0 {
		if _, err := tx.ExecContext(ctx, r.rebind(advanceWatermarkSQL), watermarkKey, newWatermark); err != nil {
			return fmt.Errorf("ウォーターマークの更新に失敗しました: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// Watermark は保存済み最大IDを返す。
// harvest_stateに記録がない場合はitemsの最大IDを使い、空なら0を返す。
func (r *SQLItemRepo) Watermark(ctx context.Context) (int64, error) {
	var value int64
	err := r.db.QueryRowContext(ctx,
		r.rebind(`SELECT value FROM harvest_state WHERE name = ?`), watermarkKey,
	).Scan(&value)
	if err == nil {
		return value, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("ウォーターマークの取得に失敗しました: %w", err)
	}

	if err := r.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM items`).Scan(&value); err != nil {
		return 0, fmt.Errorf("最大IDの取得に失敗しました: %w", err)
	}
	return value, nil
}

// SelectStale は retrieved_at - created_at < days のアイテムIDをID昇順で返す。
// 時刻は秒単位の整数で保存しているため、日数の秒換算は切り上げて比較する。
func (r *SQLItemRepo) SelectStale(ctx context.Context, days float64, onlyMature bool, now time.Time) ([]int64, error) {
	window := int64(math.Ceil(days * 86400))

	query := `SELECT id FROM items WHERE retrieved_at - created_at < ?`
	args := []any{window}
	if onlyMature {
		query += ` AND created_at <= ?`
		args = append(args, now.Add(-MatureAge).Unix())
	}
	query += ` ORDER BY id`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("再取得対象の検索に失敗しました: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("再取得対象のスキャンに失敗しました: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("再取得対象の検索に失敗しました: %w", err)
	}
	return ids, nil
}

// ListChildren はparentを親に持つアイテムを作成時刻順に返す。
func (r *SQLItemRepo) ListChildren(ctx context.Context, parent int64) ([]*model.Item, error) {
	return r.listBy(ctx, "parent", parent)
}

// ListPollOptions は指定投票に属する選択肢を作成時刻順に返す。
func (r *SQLItemRepo) ListPollOptions(ctx context.Context, poll int64) ([]*model.Item, error) {
	return r.listBy(ctx, "poll", poll)
}

func (r *SQLItemRepo) listBy(ctx context.Context, column string, value int64) ([]*model.Item, error) {
	rows, err := r.db.QueryContext(ctx,
		r.rebind(`SELECT `+itemColumns+` FROM items WHERE `+column+` = ? ORDER BY created_at, id`),
		value,
	)
	if err != nil {
		return nil, fmt.Errorf("%s = %d のアイテム検索に失敗しました: %w", column, value, err)
	}
	defer rows.Close()

	var items []*model.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("アイテムのスキャンに失敗しました: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s = %d のアイテム検索に失敗しました: %w", column, value, err)
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(s rowScanner) (*model.Item, error) {
	item := &model.Item{}
	var author, text, kids, parts, url, title sql.NullString
	var parent, poll, score, descendants sql.NullInt64
	var createdAt, retrievedAt int64

	err := s.Scan(
		&item.ID, &item.Type, &author, &createdAt, &text, &parent, &poll, &kids, &parts,
		&url, &score, &title, &descendants, &item.Deleted, &item.Dead, &retrievedAt,
	)
	if err != nil {
		return nil, err
	}

	item.Author = nullStringValue(author)
	item.Text = nullStringValue(text)
	item.URL = nullStringValue(url)
	item.Title = nullStringValue(title)
	item.CreatedAt = time.Unix(createdAt, 0).UTC()
	item.RetrievedAt = time.Unix(retrievedAt, 0).UTC()
	item.Parent = nullInt64Ptr(parent)
	item.Poll = nullInt64Ptr(poll)
	item.Score = nullIntPtr(score)
	item.Descendants = nullIntPtr(descendants)

	if item.Kids, err = decodeIDs(kids); err != nil {
		return nil, fmt.Errorf("kids のデコードに失敗しました: %w", err)
	}
	if item.Parts, err = decodeIDs(parts); err != nil {
		return nil, fmt.Errorf("parts のデコードに失敗しました: %w", err)
	}

	return item, nil
}

func itemArgs(item *model.Item) ([]any, error) {
	kids, err := encodeIDs(item.Kids)
	if err != nil {
		return nil, fmt.Errorf("アイテム %d の kids のエンコードに失敗しました: %w", item.ID, err)
	}
	parts, err := encodeIDs(item.Parts)
	if err != nil {
		return nil, fmt.Errorf("アイテム %d の parts のエンコードに失敗しました: %w", item.ID, err)
	}

	return []any{
		item.ID, item.Type, nullString(item.Author), item.CreatedAt.Unix(), nullString(item.Text),
		nullInt64(item.Parent), nullInt64(item.Poll), kids, parts,
		nullString(item.URL), nullInt(item.Score), nullString(item.Title), nullInt(item.Descendants),
		item.Deleted, item.Dead, item.RetrievedAt.Unix(),
	}, nil
}

// encodeIDs はID列をJSON配列文字列にする。空の場合はNULL。
func encodeIDs(ids []int64) (sql.NullString, error) {
	if len(ids) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeIDs(ns sql.NullString) ([]int64, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var ids []int64
	if err := json.Unmarshal([]byte(ns.String), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func nullInt64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func nullIntPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}
