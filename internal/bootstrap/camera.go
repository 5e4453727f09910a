package bootstrap

import (
	"github.com/rs/zerolog"
	"go.uber.org/fx"

	"idcapture/internal/camera"
	"idcapture/internal/config"
	"idcapture/internal/useragent"
)

// ProvideMediaDevices は設定のバックエンドに応じたMediaDevicesを返す
func ProvideMediaDevices(cfg *config.Config, logger zerolog.Logger) (camera.MediaDevices, error) {
	backend := camera.BackendType(cfg.Camera.Backend)
	logger.Info().Str("backend", string(backend)).Msg("カメラのバックエンドを作成します")
	return camera.NewBackendFactory().Create(backend, logger.With().Str("component", string(backend)).Logger())
}

// ProvideOracle はデバイス選択に使うUser-Agentの判定器を返す
// 設定が無ければデスクトップとして扱う
func ProvideOracle(cfg *config.Config) useragent.Oracle {
	if cfg.Camera.UserAgent == "" {
		return useragent.Static{Desktop: true}
	}
	return useragent.Parse(cfg.Camera.UserAgent)
}

// ProvideManager はプレビューとキャンバスを結び付けたカメラマネージャーを作成する
func ProvideManager(cfg *config.Config, devices camera.MediaDevices, oracle useragent.Oracle, logger zerolog.Logger) *camera.DefaultManager {
	opts := cfg.ManagerOptions()
	opts.Logger = logger.With().Str("component", "camera").Logger()
	opts.InitialConfig.Preview = camera.NewFramePreview(opts.Logger, cfg.Camera.PreviewInterval)
	opts.InitialConfig.Canvas = camera.NewRasterCanvas()

	return camera.NewDefaultManager(devices, oracle, opts)
}

// ProvideCameraManager はマネージャーをインターフェースとして公開する
func ProvideCameraManager(m *camera.DefaultManager) camera.Manager {
	return m
}

// CameraModule はカメラ関連のコンポーネントを提供する
var CameraModule = fx.Options(
	fx.Provide(
		ProvideMediaDevices,
		ProvideOracle,
		ProvideManager,
		ProvideCameraManager,
	),
	fx.Invoke(destroyOnStop),
)
