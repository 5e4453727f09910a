package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"idcapture/internal/camera"
	"idcapture/internal/logging"
)

// 設定ファイルのパスを指定する環境変数
const configPathEnv = "IDCAPTURE_CONFIG"

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server ServerConfig   `yaml:"server"`
	Camera CameraConfig   `yaml:"camera"`
	Log    logging.Config `yaml:"log"`
	Redis  RedisConfig    `yaml:"redis"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"` // リッスンするホスト
	Port int    `yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // 読み込みタイムアウト
	WriteTimeout time.Duration `yaml:"write_timeout"` // 書き込みタイムアウト
}

// CameraConfig はカメラ関連の設定
type CameraConfig struct {
	Backend string `yaml:"backend"` // pion または mock

	FacingMode  string `yaml:"facing_mode"`  // user / environment。空なら指定しない
	Resolution  string `yaml:"resolution"`   // プリセット名 (例: FHD)。空なら720p
	Fallback    string `yaml:"fallback"`     // 制約を満たせない場合のプリセット名
	Mirror      bool   `yaml:"mirror"`       // プレビューの左右反転
	AutoSwap    bool   `yaml:"auto_swap"`    // モバイルで縦横を入れ替えて要求する
	EnableAudio bool   `yaml:"enable_audio"` // 音声トラックも要求する
	UserAgent   string `yaml:"user_agent"`   // デバイス選択に使うUser-Agent

	AcquireTimeout             time.Duration `yaml:"acquire_timeout"`               // ストリーム取得の上限
	PreviewInterval            time.Duration `yaml:"preview_interval"`              // プレビューのフレーム取得間隔
	ClearCapabilitiesOnDestroy bool          `yaml:"clear_capabilities_on_destroy"` // 破棄時に能力判定も消す
}

// RedisConfig は能力判定結果を保存するRedisの設定。Addrが空なら保存しない
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
	Instance string        `yaml:"instance"` // キーに含めるインスタンス名
}

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 0, // ストリーミング用にタイムアウト無効化
		},
		Camera: CameraConfig{
			Backend:         string(camera.BackendPion),
			Mirror:          true,
			AcquireTimeout:  10 * time.Second,
			PreviewInterval: camera.DefaultPreviewInterval,
		},
		Log: logging.Config{
			Level:  "info",
			Format: "console",
		},
		Redis: RedisConfig{
			TTL:      24 * time.Hour,
			Instance: "default",
		},
	}
}

// Load は設定を読み込む
// デフォルト値、設定ファイル、環境変数の順に上書きする
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv(configPathEnv); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("設定ファイルの解析に失敗: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Server.Host = getEnvOrDefault("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsIntOrDefault("SERVER_PORT", c.Server.Port)
	c.Camera.Backend = getEnvOrDefault("CAMERA_BACKEND", c.Camera.Backend)
	c.Camera.Resolution = getEnvOrDefault("CAMERA_RESOLUTION", c.Camera.Resolution)
	c.Camera.FacingMode = getEnvOrDefault("CAMERA_FACING_MODE", c.Camera.FacingMode)
	c.Log.Level = getEnvOrDefault("LOG_LEVEL", c.Log.Level)
	c.Redis.Addr = getEnvOrDefault("REDIS_ADDR", c.Redis.Addr)
	c.Redis.DB = getEnvAsIntOrDefault("REDIS_DB", c.Redis.DB)
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}

	// カメラ設定の検証
	if !camera.NewBackendFactory().Supports(camera.BackendType(c.Camera.Backend)) {
		return fmt.Errorf("無効なカメラバックエンド: %q", c.Camera.Backend)
	}
	if c.Camera.Resolution != "" {
		if _, ok := camera.ParsePreset(c.Camera.Resolution); !ok {
			return fmt.Errorf("無効な解像度プリセット: %q", c.Camera.Resolution)
		}
	}
	if c.Camera.Fallback != "" {
		if _, ok := camera.ParsePreset(c.Camera.Fallback); !ok {
			return fmt.Errorf("無効なフォールバック解像度: %q", c.Camera.Fallback)
		}
	}
	if c.Camera.FacingMode != "" {
		if _, ok := camera.ParseFacingMode(c.Camera.FacingMode); !ok {
			return fmt.Errorf("無効なカメラの向き: %q", c.Camera.FacingMode)
		}
	}
	if c.Camera.AcquireTimeout < 0 || c.Camera.PreviewInterval < 0 {
		return fmt.Errorf("タイムアウトと間隔は0以上である必要があります")
	}

	if c.Redis.Addr != "" && c.Redis.TTL <= 0 {
		return fmt.Errorf("RedisのTTLは正の値である必要があります: %v", c.Redis.TTL)
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// CameraConfiguration はカメラマネージャーの初期設定に変換する
// Validate済みの設定を前提とする
func (c *Config) CameraConfiguration() camera.Configuration {
	cfg := camera.DefaultConfiguration()
	cfg.Mirror = c.Camera.Mirror
	cfg.AutoSwapResolution = c.Camera.AutoSwap
	cfg.EnableAudio = c.Camera.EnableAudio

	if facing, ok := camera.ParseFacingMode(c.Camera.FacingMode); ok {
		cfg.FacingMode = facing
	}
	if p, ok := camera.ParsePreset(c.Camera.Resolution); ok {
		res, _ := camera.PresetResolution(p)
		cfg.Resolution = &res
	}
	if p, ok := camera.ParsePreset(c.Camera.Fallback); ok {
		res, _ := camera.PresetResolution(p)
		cfg.FallbackResolution = &res
	}
	return cfg
}

// ManagerOptions はカメラマネージャーのオプションに変換する
func (c *Config) ManagerOptions() camera.Options {
	initial := c.CameraConfiguration()
	return camera.Options{
		InitialConfig:              &initial,
		AcquireTimeout:             c.Camera.AcquireTimeout,
		ClearCapabilitiesOnDestroy: c.Camera.ClearCapabilitiesOnDestroy,
	}
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
