package spending

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "SentientExchange/internal/errors"
	"SentientExchange/internal/money"
	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 持久化限额配置与消费流水。
// 消费以追加写入的方式记录，统计通过时间窗聚合完成，
// 天然满足按键的原子读改写要求。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const limitsSchema = `CREATE TABLE IF NOT EXISTS spending_limits (
        identity VARCHAR(128) PRIMARY KEY,
        per_transaction VARCHAR(64) DEFAULT '',
        daily VARCHAR(64) DEFAULT '',
        monthly VARCHAR(64) DEFAULT '',
        enabled TINYINT(1) NOT NULL DEFAULT 1,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL
)`
	if _, err := s.db.Exec(limitsSchema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 spending_limits 表失败")
	}

	const entriesSchema = `CREATE TABLE IF NOT EXISTS spending_entries (
        seq BIGINT AUTO_INCREMENT PRIMARY KEY,
        identity VARCHAR(128) NOT NULL,
        amount DECIMAL(20, 6) NOT NULL,
        spent_at BIGINT NOT NULL,
        INDEX idx_spending_identity_time (identity, spent_at)
)`
	if _, err := s.db.Exec(entriesSchema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 spending_entries 表失败")
	}
	return nil
}

// GetLimits 返回身份的限额配置，未配置时返回 nil。
func (s *MySQLStore) GetLimits(ctx context.Context, identity string) (*Limits, error) {
	const query = `SELECT identity, per_transaction, daily, monthly, enabled, created_at, updated_at
        FROM spending_limits WHERE identity = ?`
	var (
		limits  Limits
		enabled int
	)
	err := s.db.QueryRowContext(ctx, query, identity).Scan(&limits.Identity, &limits.PerTransaction,
		&limits.Daily, &limits.Monthly, &enabled, &limits.CreatedAt, &limits.UpdatedAt)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询限额配置失败")
	}
	limits.Enabled = enabled != 0
	return &limits, nil
}

// SetLimits 覆盖身份的限额配置。
func (s *MySQLStore) SetLimits(ctx context.Context, limits *Limits) error {
	if limits == nil || limits.Identity == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "limits 与 identity 不能为空")
	}
	for _, value := range []string{limits.PerTransaction, limits.Daily, limits.Monthly} {
		if value == "" {
			continue
		}
		if _, err := money.Parse(value); err != nil {
			return err
		}
	}
	now := time.Now().Unix()
	const query = `INSERT INTO spending_limits (identity, per_transaction, daily, monthly, enabled, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE per_transaction = VALUES(per_transaction), daily = VALUES(daily),
        monthly = VALUES(monthly), enabled = VALUES(enabled), updated_at = VALUES(updated_at)`
	enabled := 0
	if limits.Enabled {
		enabled = 1
	}
	if _, err := s.db.ExecContext(ctx, query, limits.Identity, limits.PerTransaction, limits.Daily,
		limits.Monthly, enabled, now, now); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入限额配置失败")
	}
	return nil
}

// GetStats 聚合身份在当天与当月（UTC）的消费。
func (s *MySQLStore) GetStats(ctx context.Context, identity string, now time.Time) (Stats, error) {
	utc := now.UTC()
	dayStart := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC).Unix()
	monthStart := time.Date(utc.Year(), utc.Month(), 1, 0, 0, 0, 0, time.UTC).Unix()

	stats := Stats{TotalToday: "0", TotalThisMonth: "0"}

	const dayQuery = `SELECT COALESCE(SUM(amount), 0) FROM spending_entries
        WHERE identity = ? AND spent_at >= ?`
	var today string
	if err := s.db.QueryRowContext(ctx, dayQuery, identity, dayStart).Scan(&today); err != nil {
		return stats, xerrors.Wrap(xerrors.CodeStorageFailure, err, "聚合当日消费失败")
	}

	const monthQuery = `SELECT COALESCE(SUM(amount), 0), COUNT(*), COALESCE(MAX(spent_at), 0)
        FROM spending_entries WHERE identity = ? AND spent_at >= ?`
	var month string
	if err := s.db.QueryRowContext(ctx, monthQuery, identity, monthStart).Scan(&month,
		&stats.TransactionCount, &stats.LastTransaction); err != nil {
		return stats, xerrors.Wrap(xerrors.CodeStorageFailure, err, "聚合当月消费失败")
	}

	if amount, err := money.Parse(today); err == nil {
		stats.TotalToday = amount.String()
	}
	if amount, err := money.Parse(month); err == nil {
		stats.TotalThisMonth = amount.String()
	}
	return stats, nil
}

// RecordSpend 追加一笔消费流水。
func (s *MySQLStore) RecordSpend(ctx context.Context, identity, amount string, at time.Time) error {
	if _, err := money.Parse(amount); err != nil {
		return err
	}
	const query = `INSERT INTO spending_entries (identity, amount, spent_at) VALUES (?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, identity, amount, at.Unix()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录消费流水失败")
	}
	return nil
}

// Close 关闭数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ Store = (*MySQLStore)(nil)
