package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "SentientExchange/internal/errors"
	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 持久化服务目录。
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
	const schema = `CREATE TABLE IF NOT EXISTS marketplace_services (
        seq BIGINT AUTO_INCREMENT PRIMARY KEY,
        id VARCHAR(64) NOT NULL UNIQUE,
        name VARCHAR(255) NOT NULL DEFAULT '',
        description TEXT,
        provider VARCHAR(255) DEFAULT '',
        capabilities TEXT NOT NULL,
        endpoint VARCHAR(512) NOT NULL,
        health_url VARCHAR(512) DEFAULT '',
        price VARCHAR(64) NOT NULL,
        currency VARCHAR(16) NOT NULL DEFAULT 'USD',
        rating DOUBLE NOT NULL DEFAULT 0,
        jobs_complete INT NOT NULL DEFAULT 0,
        success_rate DOUBLE NOT NULL DEFAULT 0,
        avg_latency_ms BIGINT NOT NULL DEFAULT 0,
        payment_addresses TEXT,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_service_rating (rating)
)`
	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 marketplace_services 表失败")
	}
	return nil
}

// Register 新增或更新服务描述符。
func (s *MySQLStore) Register(ctx context.Context, svc *ServiceDescriptor) error {
	if err := svc.Validate(); err != nil {
		return err
	}
	capabilities, err := json.Marshal(svc.Capabilities)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化 capabilities 失败")
	}
	addresses, err := json.Marshal(svc.PaymentAddresses)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化 payment_addresses 失败")
	}
	now := time.Now().Unix()
	createdAt := svc.CreatedAt
	if createdAt == 0 {
		createdAt = now
	}

	const query = `INSERT INTO marketplace_services
        (id, name, description, provider, capabilities, endpoint, health_url, price, currency,
         rating, jobs_complete, success_rate, avg_latency_ms, payment_addresses, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE
        name = VALUES(name), description = VALUES(description), provider = VALUES(provider),
        capabilities = VALUES(capabilities), endpoint = VALUES(endpoint), health_url = VALUES(health_url),
        price = VALUES(price), currency = VALUES(currency), rating = VALUES(rating),
        jobs_complete = VALUES(jobs_complete), success_rate = VALUES(success_rate),
        avg_latency_ms = VALUES(avg_latency_ms), payment_addresses = VALUES(payment_addresses),
        updated_at = VALUES(updated_at)`
	_, err = s.db.ExecContext(ctx, query,
		svc.ID, svc.Name, svc.Description, svc.Provider, string(capabilities), svc.Endpoint,
		svc.HealthURL, svc.Price, svc.Currency, svc.Reputation.Rating, svc.Reputation.JobsComplete,
		svc.Reputation.SuccessRate, svc.Reputation.AvgLatencyMs, string(addresses), createdAt, now)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入服务目录失败")
	}
	return nil
}

// GetByID 返回指定服务。
func (s *MySQLStore) GetByID(ctx context.Context, id string) (*ServiceDescriptor, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	svc, err := scanService(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrServiceNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询服务失败")
	}
	return svc, nil
}

// Search 返回满足条件的服务，按注册顺序排列。
// 评分下限在 SQL 侧收窄，capability 与价格过滤在内存中完成，
// 保证与内存实现完全一致的匹配语义。
func (s *MySQLStore) Search(ctx context.Context, filter SearchFilter) ([]*ServiceDescriptor, error) {
	query := selectColumns
	args := make([]any, 0, 1)
	if filter.MinRating > 0 {
		query += ` WHERE rating >= ?`
		args = append(args, filter.MinRating)
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "检索服务目录失败")
	}
	defer rows.Close()

	results := make([]*ServiceDescriptor, 0)
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析服务记录失败")
		}
		matched, err := filter.Matches(svc)
		if err != nil {
			return nil, err
		}
		if matched {
			results = append(results, svc)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历服务记录失败")
	}
	return results, nil
}

// Close 关闭数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const selectColumns = `SELECT id, name, description, provider, capabilities, endpoint, health_url,
        price, currency, rating, jobs_complete, success_rate, avg_latency_ms, payment_addresses,
        created_at, updated_at FROM marketplace_services`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanService(row rowScanner) (*ServiceDescriptor, error) {
	var (
		svc          ServiceDescriptor
		description  sql.NullString
		capabilities string
		addresses    sql.NullString
	)
	err := row.Scan(&svc.ID, &svc.Name, &description, &svc.Provider, &capabilities, &svc.Endpoint,
		&svc.HealthURL, &svc.Price, &svc.Currency, &svc.Reputation.Rating, &svc.Reputation.JobsComplete,
		&svc.Reputation.SuccessRate, &svc.Reputation.AvgLatencyMs, &addresses, &svc.CreatedAt, &svc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	svc.Description = description.String
	if err := json.Unmarshal([]byte(capabilities), &svc.Capabilities); err != nil {
		return nil, err
	}
	if addresses.Valid && addresses.String != "" && addresses.String != "null" {
		if err := json.Unmarshal([]byte(addresses.String), &svc.PaymentAddresses); err != nil {
			return nil, err
		}
	}
	return &svc, nil
}

var _ Store = (*MySQLStore)(nil)
