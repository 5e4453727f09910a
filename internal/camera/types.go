package camera

import (
	"time"
)

// FacingMode はカメラの向きを表す
type FacingMode string

const (
	FacingFront FacingMode = "user"        // 前面（ユーザー側）
	FacingBack  FacingMode = "environment" // 背面（環境側）
)

// ParseFacingMode は文字列からFacingModeを得る
func ParseFacingMode(s string) (FacingMode, bool) {
	switch s {
	case "user", "front", "Front":
		return FacingFront, true
	case "environment", "back", "Back":
		return FacingBack, true
	default:
		return "", false
	}
}

// DeviceKind はメディアデバイスの種類
type DeviceKind string

const (
	KindVideoInput  DeviceKind = "videoinput"
	KindAudioInput  DeviceKind = "audioinput"
	KindAudioOutput DeviceKind = "audiooutput"
)

// DeviceInfo は列挙されたメディアデバイスの生情報
type DeviceInfo struct {
	DeviceID string     `json:"device_id"`
	Label    string     `json:"label"`
	Kind     DeviceKind `json:"kind"`
	// FacingModes はデバイスのcapabilitiesが報告する向き。取得できない場合は空
	FacingModes []FacingMode `json:"facing_modes,omitempty"`
}

// CameraDevice は選択処理用に補完したデバイス情報
type CameraDevice struct {
	DeviceID   string
	Label      string
	Index      int
	FacingMode FacingMode
}

// State はカメラマネージャーの状態を表す
type State string

const (
	StateUninitialized State = "uninitialized" // 未初期化
	StateInitializing  State = "initializing"  // ストリーム取得中
	StateStreaming     State = "streaming"     // 配信中
	StateRestarting    State = "restarting"    // 再起動中
	StateStopped       State = "stopped"       // 停止済み
	StateError         State = "error"         // エラー発生
)

// Configuration はカメラの設定。操作成功後は最後に適用された状態を表す
type Configuration struct {
	Preview            Preview
	Canvas             Canvas
	SelectedDevice     *DeviceInfo
	FacingMode         FacingMode
	Resolution         *Resolution
	FallbackResolution *Resolution
	EnableAudio        bool
	Mirror             bool
	AutoSwapResolution bool
}

// DefaultConfiguration は初期設定を返す
func DefaultConfiguration() Configuration {
	res := DefaultResolution()
	return Configuration{
		Resolution:  &res,
		EnableAudio: false,
		Mirror:      true,
	}
}

// clone はポインタを含めて複製する
func (c Configuration) clone() Configuration {
	out := c
	if c.SelectedDevice != nil {
		d := *c.SelectedDevice
		d.FacingModes = append([]FacingMode(nil), c.SelectedDevice.FacingModes...)
		out.SelectedDevice = &d
	}
	if c.Resolution != nil {
		r := *c.Resolution
		out.Resolution = &r
	}
	if c.FallbackResolution != nil {
		r := *c.FallbackResolution
		out.FallbackResolution = &r
	}
	return out
}

// ConfigChange は部分的な設定変更。nilのフィールドは変更しない
type ConfigChange struct {
	Preview            Preview
	Canvas             Canvas
	SelectedDevice     *DeviceInfo
	FacingMode         *FacingMode
	Resolution         *Resolution
	FallbackResolution *Resolution
	EnableAudio        *bool
	Mirror             *bool
	AutoSwapResolution *bool
}

// ImageFormat はキャプチャ画像の形式
type ImageFormat string

const (
	FormatJPEG ImageFormat = "image/jpeg"
	FormatPNG  ImageFormat = "image/png"
)

// CaptureOptions は撮影オプション
type CaptureOptions struct {
	Quality float64     // 0〜1
	Scale   float64     // 映像の実解像度に対する倍率
	Format  ImageFormat // 出力形式
	Mirror  bool        // 左右反転して描画する
}

// CapturedImage は撮影結果
type CapturedImage struct {
	ID         string      `json:"id"`
	Width      int         `json:"width"`
	Height     int         `json:"height"`
	URI        string      `json:"uri"`
	Base64     string      `json:"base64,omitempty"`
	Format     ImageFormat `json:"format"`
	CapturedAt time.Time   `json:"captured_at"`
}

// Metrics はマネージャーの計測値
type Metrics struct {
	StartupTime       time.Duration `json:"startup_time"`
	FrameRate         float64       `json:"frame_rate"`
	ResolutionChanges int           `json:"resolution_changes"`
	Errors            []CameraError `json:"errors"`
}
