package bootstrap

import (
	"context"

	"github.com/rs/zerolog"
	"go.uber.org/fx"

	"idcapture/internal/camera"
	"idcapture/internal/capstore"
	"idcapture/internal/config"
	"idcapture/internal/server"
)

// ProvideServer はHTTPサーバーを作成する
func ProvideServer(cfg *config.Config, manager camera.Manager, store *capstore.Store, logger zerolog.Logger) *server.Server {
	return server.New(cfg, manager, store, logger.With().Str("component", "server").Logger())
}

// StartServer はライフサイクルに合わせてサーバーを起動・停止する
func StartServer(lc fx.Lifecycle, srv *server.Server, logger zerolog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil {
					logger.Fatal().Err(err).Msg("サーバーの起動に失敗しました")
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

// ServerModule はHTTPサーバーを提供する
var ServerModule = fx.Options(
	fx.Provide(ProvideServer),
	fx.Invoke(StartServer),
)
