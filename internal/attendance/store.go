package attendance

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	platformdb "KINTAI-agent/internal/platform/db"
)

type DBTX interface {
	ExecContext(ctx context.Context, q string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, q string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, q string, args ...any) *sql.Row
}

// ===== ローカルミラー =====
// 拠点内レポート用の写し。権威はサーバ側にあり、ここから期限や判定を
// 読み戻すことはない。

type Store struct{ db DBTX }

func NewStore(db DBTX) *Store { return &Store{db: db} }

// UpsertSession: チェックイン成立時にミラー行を作る（再取得時は上書き）
func (s *Store) UpsertSession(ctx context.Context, employeeID string, sess Session) error {
	const q = `
	INSERT INTO attendance_sessions (session_id, employee_id, checked_in_at)
	VALUES (?, ?, ?)
	ON DUPLICATE KEY UPDATE
	employee_id   = VALUES(employee_id),
	checked_in_at = VALUES(checked_in_at)`
	_, err := s.db.ExecContext(ctx, q, sess.ID, employeeID, sess.CheckInAt.UTC())
	return err
}

// CloseSession: 退勤時刻と（自動実行なら）理由タグを記録する
func (s *Store) CloseSession(ctx context.Context, sessionID string, at time.Time, reason *string) error {
	const q = `
	UPDATE attendance_sessions
	SET checked_out_at = ?, checkout_reason = ?
	WHERE session_id = ?`
	_, err := s.db.ExecContext(ctx, q, at.UTC(), reasonOrNil(reason), sessionID)
	return err
}

// List: 条件に応じて動的WHERE + ORDER + LIMIT/OFFSET。
// 一覧と件数を同じ断面で読むため、実DBのときは読み取り専用Txで包む。
func (s *Store) List(ctx context.Context, q ListQuery) ([]mirrorRow, int64, error) {
	if sqlDB, ok := s.db.(*sql.DB); ok {
		var (
			rows  []mirrorRow
			total int64
		)
		err := platformdb.ReadOnly(ctx, sqlDB, func(ctx context.Context, tx platformdb.DBTX) error {
			var err error
			rows, total, err = s.list(ctx, tx, q)
			return err
		})
		return rows, total, err
	}
	return s.list(ctx, s.db, q)
}

func (s *Store) list(ctx context.Context, db DBTX, q ListQuery) ([]mirrorRow, int64, error) {
	var (
		buf    bytes.Buffer
		args   []any
		wheres []string
	)

	buf.WriteString(`
	SELECT session_id, employee_id, checked_in_at, checked_out_at, checkout_reason
	FROM attendance_sessions
	`)
	if q.From != nil && *q.From != "" {
		wheres = append(wheres, "checked_in_at >= ?")
		args = append(args, *q.From)
	}
	if q.To != nil && *q.To != "" {
		wheres = append(wheres, "checked_in_at < DATE_ADD(?, INTERVAL 1 DAY)")
		args = append(args, *q.To)
	}
	if q.Reason != nil && *q.Reason != "" {
		wheres = append(wheres, "checkout_reason = ?")
		args = append(args, *q.Reason)
	}
	if len(wheres) > 0 {
		buf.WriteString(" WHERE " + strings.Join(wheres, " AND "))
	}

	switch q.Sort {
	case SortCheckedInAsc:
		buf.WriteString(" ORDER BY checked_in_at ASC, session_id ASC")
	default:
		buf.WriteString(" ORDER BY checked_in_at DESC, session_id DESC")
	}

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	buf.WriteString(fmt.Sprintf(" LIMIT %d OFFSET %d", limit, q.Offset))

	rows, err := db.QueryContext(ctx, buf.String(), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []mirrorRow
	for rows.Next() {
		var r mirrorRow
		if err := rows.Scan(&r.SessionID, &r.EmployeeID, &r.CheckedInAt, &r.CheckedOutAt, &r.CheckoutReason); err != nil {
			return nil, 0, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	// COUNT（ORDER BY より前までを再構築）
	var cntBuf bytes.Buffer
	cntBuf.WriteString("SELECT COUNT(*) FROM attendance_sessions")
	if len(wheres) > 0 {
		cntBuf.WriteString(" WHERE " + strings.Join(wheres, " AND "))
	}
	var total int64
	if err := db.QueryRowContext(ctx, cntBuf.String(), args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// Stats: 期間内の自動チェックアウトを理由別に集計
func (s *Store) Stats(ctx context.Context, from, to time.Time) ([]StatsRow, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT checkout_reason, COUNT(*) AS cnt
	FROM attendance_sessions
	WHERE checkout_reason IS NOT NULL
	AND checked_in_at BETWEEN ? AND ?
	GROUP BY checkout_reason
	ORDER BY cnt DESC`, from.UTC(), to.UTC().Add(24*time.Hour))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StatsRow
	for rows.Next() {
		var row StatsRow
		if err := rows.Scan(&row.Reason, &row.Count); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ===== helpers =====

func reasonOrNil(s *string) any {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}
