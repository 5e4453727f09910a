// Package bootstrap はfxで各コンポーネントを組み立てて起動する
package bootstrap

import (
	"context"

	"github.com/rs/zerolog"
	"go.uber.org/fx"

	"idcapture/internal/camera"
	"idcapture/internal/config"
	"idcapture/internal/logging"
)

// ProvideConfig は設定を読み込む
func ProvideConfig() (*config.Config, error) {
	return config.Load()
}

// ProvideLogger は設定に従ってロガーを作成する
func ProvideLogger(cfg *config.Config) zerolog.Logger {
	return logging.New(cfg.Log)
}

// ConfigModule は設定とロガーを提供する
var ConfigModule = fx.Options(
	fx.Provide(
		ProvideConfig,
		ProvideLogger,
	),
)

// Run はアプリケーションを起動し、シグナルを受けるまで待つ
func Run(opts ...fx.Option) {
	New(opts...).Run()
}

// New は起動せずにアプリケーションを組み立てる
func New(opts ...fx.Option) *fx.App {
	return fx.New(Options(opts...))
}

// Options は全モジュールに追加のオプションを加えたものを返す
func Options(opts ...fx.Option) fx.Option {
	return fx.Options(append([]fx.Option{
		ConfigModule,
		CameraModule,
		StoreModule,
		ServerModule,
	}, opts...)...)
}

// WithConfig は読み込んだ設定を上書きする
func WithConfig(modify func(*config.Config)) fx.Option {
	return fx.Decorate(func(cfg *config.Config) *config.Config {
		modify(cfg)
		return cfg
	})
}

// destroyOnStop は停止時にマネージャーを破棄する
func destroyOnStop(lc fx.Lifecycle, manager *camera.DefaultManager) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			manager.Destroy()
			return nil
		},
	})
}
