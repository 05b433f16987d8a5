package session

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "SentientExchange/internal/errors"
)

// RedisStore 将会话以 JSON 序列化后保存在 Redis 中，
// 过期由服务端 TTL 兜底，应用层的惰性判定仍然生效。
// Mutate 通过 WATCH/MULTI 乐观锁实现读改写，冲突时重试。
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// RedisStoreConfig 定义 Redis 会话存储的连接参数。
type RedisStoreConfig struct {
	Address  string
	Password string
	DB       int
	// KeyPrefix 为空时使用 "sentient:session:"。
	KeyPrefix string
}

const mutateMaxAttempts = 5

// NewRedisStore 创建 Redis 会话存储并探测连通性。
func NewRedisStore(cfg RedisStoreConfig, ttl time.Duration) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis 地址不能为空")
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "sentient:session:"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "无法连接到 Redis")
	}

	return &RedisStore{client: client, ttl: ttl, prefix: prefix}, nil
}

func (r *RedisStore) key(id string) string {
	return r.prefix + id
}

// Create 写入新会话。已存在的 ID 返回冲突错误。
func (r *RedisStore) Create(ctx context.Context, s *Session) error {
	if s == nil || s.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化会话失败")
	}
	ok, err := r.client.SetNX(ctx, r.key(s.ID), payload, r.ttl).Result()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入会话失败")
	}
	if !ok {
		return xerrors.New(xerrors.CodeConflict, "会话 ID 已存在")
	}
	return nil
}

// Get 读取会话。键不存在（包含 TTL 已过期）返回 ErrSessionNotFound。
func (r *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	payload, err := r.client.Get(ctx, r.key(id)).Bytes()
	if err != nil {
		if stdErrors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话失败")
	}
	var s Session
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "反序列化会话失败")
	}
	return &s, nil
}

// Mutate 以 WATCH/MULTI 对最新值执行 apply。并发写入触发
// redis.TxFailedErr 时重读重试，超过次数上限报冲突。
func (r *RedisStore) Mutate(ctx context.Context, id string, apply func(*Session) error) (*Session, error) {
	var result *Session
	key := r.key(id)

	txn := func(tx *redis.Tx) error {
		payload, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if stdErrors.Is(err, redis.Nil) {
				return ErrSessionNotFound
			}
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话失败")
		}
		var s Session
		if err := json.Unmarshal(payload, &s); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "反序列化会话失败")
		}
		if err := apply(&s); err != nil {
			return err
		}
		updated, err := json.Marshal(&s)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化会话失败")
		}
		// 保留剩余 TTL，不因更新而续期。
		remaining, err := tx.TTL(ctx, key).Result()
		if err != nil || remaining <= 0 {
			remaining = r.ttl
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, remaining)
			return nil
		})
		if err != nil {
			return err
		}
		result = &s
		return nil
	}

	for attempt := 0; attempt < mutateMaxAttempts; attempt++ {
		err := r.client.Watch(ctx, txn, key)
		if err == nil {
			return result, nil
		}
		if stdErrors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, xerrors.New(xerrors.CodeConflict, "会话并发更新冲突，重试次数已用尽")
}

// Delete 移除会话。
func (r *RedisStore) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.key(id)).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除会话失败")
	}
	return nil
}

// Close 关闭 Redis 连接。
func (r *RedisStore) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

var _ Store = (*RedisStore)(nil)
