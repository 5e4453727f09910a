// Package capstore はカメラ能力の判定結果をRedisに保存する
//
// プロセスを再起動しても、新しい判定が終わるまでは前回の結果を返せるようにする。
package capstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"idcapture/internal/camera"
)

// ErrNotFound は保存された判定結果が無い場合のエラー
var ErrNotFound = errors.New("capability snapshot not found")

const (
	keyPrefix  = "idcapture:capability:"
	defaultTTL = 24 * time.Hour
	// 購読ハンドラー内での保存の上限
	saveTimeout = 2 * time.Second
)

// Store はインスタンスごとの判定結果を保存する
type Store struct {
	redis  *redis.Client
	key    string
	ttl    time.Duration
	logger zerolog.Logger
}

// NewStore は新しいStoreを作成する。instanceが空なら"default"を使う
func NewStore(redisClient *redis.Client, instance string, ttl time.Duration, logger zerolog.Logger) *Store {
	if instance == "" {
		instance = "default"
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Store{
		redis:  redisClient,
		key:    keyPrefix + instance,
		ttl:    ttl,
		logger: logger,
	}
}

// Key は保存先のキーを返す
func (s *Store) Key() string {
	return s.key
}

// Save は判定結果をTTL付きで保存する
func (s *Store) Save(ctx context.Context, c camera.CameraCapability) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("判定結果のエンコードに失敗: %w", err)
	}
	if err := s.redis.Set(ctx, s.key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("判定結果の保存に失敗: %w", err)
	}
	return nil
}

// Load は保存された判定結果を返す。無ければErrNotFound
func (s *Store) Load(ctx context.Context) (*camera.CameraCapability, error) {
	data, err := s.redis.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("判定結果の取得に失敗: %w", err)
	}

	var c camera.CameraCapability
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("判定結果のデコードに失敗: %w", err)
	}
	return &c, nil
}

// Clear は保存された判定結果を削除する
func (s *Store) Clear(ctx context.Context) error {
	return s.redis.Del(ctx, s.key).Err()
}

// CapabilitySource は判定結果を配信するもの
type CapabilitySource interface {
	OnCapability(handler camera.CapabilityHandler) camera.Subscription
	OffCapability(id camera.Subscription)
}

// Attach はsourceの判定結果を購読して保存し続ける。戻り値で購読を解除する
func (s *Store) Attach(source CapabilitySource) func() {
	id := source.OnCapability(func(c camera.CameraCapability) {
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		defer cancel()

		if err := s.Save(ctx, c); err != nil {
			s.logger.Warn().Err(err).Msg("能力判定の保存に失敗しました")
			return
		}
		s.logger.Debug().Str("key", s.key).Bool("supported", c.IsSupported).Msg("能力判定を保存しました")
	})
	return func() { source.OffCapability(id) }
}
