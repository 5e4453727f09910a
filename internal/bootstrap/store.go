package bootstrap

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.uber.org/fx"

	"idcapture/internal/camera"
	"idcapture/internal/capstore"
	"idcapture/internal/config"
)

// ProvideRedisClient はRedisクライアントを作成する。アドレスが無ければnil
func ProvideRedisClient(lc fx.Lifecycle, cfg *config.Config) *redis.Client {
	if cfg.Redis.Addr == "" {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})
	return client
}

// ProvideCapabilityStore は能力判定の保存先を作成し、マネージャーの判定結果を購読する
// Redisが無ければnilを返す
func ProvideCapabilityStore(lc fx.Lifecycle, cfg *config.Config, client *redis.Client, manager *camera.DefaultManager, logger zerolog.Logger) *capstore.Store {
	if client == nil {
		logger.Info().Msg("Redisが設定されていないため能力判定は保存しません")
		return nil
	}

	store := capstore.NewStore(client, cfg.Redis.Instance, cfg.Redis.TTL, logger.With().Str("component", "capstore").Logger())

	var detach func()
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				// 保存できなくてもカメラは使える
				logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redisに接続できません")
			}
			detach = store.Attach(manager)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if detach != nil {
				detach()
			}
			return nil
		},
	})
	return store
}

// StoreModule は能力判定の保存先を提供する
var StoreModule = fx.Options(
	fx.Provide(
		ProvideRedisClient,
		ProvideCapabilityStore,
	),
)
