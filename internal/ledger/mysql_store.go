package ledger

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "SentientExchange/internal/errors"
	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 持久化交易流水。表结构只有 INSERT
// 与 SELECT 两种访问路径，与流水的只追加语义对应。
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
	const schema = `CREATE TABLE IF NOT EXISTS ledger_transactions (
        id VARCHAR(64) PRIMARY KEY,
        session_id VARCHAR(128) DEFAULT '',
        service_id VARCHAR(128) NOT NULL,
        buyer VARCHAR(128) DEFAULT '',
        seller VARCHAR(128) DEFAULT '',
        amount VARCHAR(64) NOT NULL,
        currency VARCHAR(32) DEFAULT '',
        status VARCHAR(16) NOT NULL,
        request TEXT,
        response TEXT,
        proof_ref VARCHAR(128) DEFAULT '',
        error TEXT,
        created_at BIGINT NOT NULL,
        INDEX idx_ledger_buyer_time (buyer, created_at),
        INDEX idx_ledger_service_time (service_id, created_at)
)`
	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 ledger_transactions 表失败")
	}
	return nil
}

// Insert 写入一条交易记录。
func (s *MySQLStore) Insert(ctx context.Context, t *Transaction) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.ID == "" {
		return xerrors.New(CodeTransactionInvalid, "交易 ID 不能为空")
	}
	const query = `INSERT INTO ledger_transactions
        (id, session_id, service_id, buyer, seller, amount, currency, status, request, response, proof_ref, error, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query, t.ID, t.SessionID, t.ServiceID, t.Buyer, t.Seller,
		t.Amount, t.Currency, string(t.Status), string(t.Request), string(t.Response),
		t.ProofRef, t.Error, t.CreatedAt)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入交易流水失败")
	}
	return nil
}

// Get 按 ID 返回交易。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Transaction, error) {
	const query = `SELECT id, session_id, service_id, buyer, seller, amount, currency, status,
        request, response, proof_ref, error, created_at
        FROM ledger_transactions WHERE id = ?`
	t, err := scanTransaction(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易失败")
	}
	return t, nil
}

// List 按条件返回交易，按写入时间倒序。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Transaction, error) {
	query := `SELECT id, session_id, service_id, buyer, seller, amount, currency, status,
        request, response, proof_ref, error, created_at
        FROM ledger_transactions WHERE 1=1`
	args := make([]any, 0, 5)
	if opts.Buyer != "" {
		query += " AND buyer = ?"
		args = append(args, opts.Buyer)
	}
	if opts.ServiceID != "" {
		query += " AND service_id = ?"
		args = append(args, opts.ServiceID)
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}
	query += " ORDER BY created_at DESC, id DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, opts.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易流水失败")
	}
	defer rows.Close()

	var result []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析交易记录失败")
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历交易流水失败")
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var (
		t        Transaction
		status   string
		request  sql.NullString
		response sql.NullString
		errText  sql.NullString
	)
	if err := row.Scan(&t.ID, &t.SessionID, &t.ServiceID, &t.Buyer, &t.Seller, &t.Amount,
		&t.Currency, &status, &request, &response, &t.ProofRef, &errText, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.Status = TransactionStatus(status)
	if request.Valid && request.String != "" {
		t.Request = []byte(request.String)
	}
	if response.Valid && response.String != "" {
		t.Response = []byte(response.String)
	}
	if errText.Valid {
		t.Error = errText.String
	}
	return &t, nil
}

// Close 关闭数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ Store = (*MySQLStore)(nil)
