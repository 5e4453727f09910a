package camera

import (
	"context"
	"image"
)

// MediaDevices はカメラハードウェアへのアクセスを抽象化する
type MediaDevices interface {
	// Supported はストリーム取得APIが利用可能かを返す
	Supported() bool

	// EnumerateDevices は全メディアデバイスを列挙する
	EnumerateDevices(ctx context.Context) ([]DeviceInfo, error)

	// GetUserMedia は制約に従ってストリームを開く
	GetUserMedia(ctx context.Context, constraints Constraints) (Stream, error)
}

// Stream は取得済みのメディアストリーム
type Stream interface {
	ID() string
	Tracks() []Track
	VideoTracks() []Track
}

// TrackKind はトラックの種類
type TrackKind string

const (
	TrackVideo TrackKind = "video"
	TrackAudio TrackKind = "audio"
)

// ReadyState はトラックの状態
type ReadyState string

const (
	ReadyStateLive  ReadyState = "live"
	ReadyStateEnded ReadyState = "ended"
)

// Track はストリーム内のハードウェアトラック
type Track interface {
	ID() string
	Kind() TrackKind
	Capabilities() (TrackCapabilities, error)
	Settings() TrackSettings
	ApplyConstraints(ctx context.Context, constraints VideoConstraints) error
	Stop()
	ReadyState() ReadyState
}

// FrameSource はラスタフレームを供給できるトラックが実装する
type FrameSource interface {
	ReadFrame(ctx context.Context) (image.Image, error)
}

// Range は最小値と最大値。Validがfalseなら未報告
type Range struct {
	Min   int  `json:"min"`
	Max   int  `json:"max"`
	Valid bool `json:"valid"`
}

// Contains は値が範囲内かを返す
func (r Range) Contains(v int) bool {
	return r.Valid && v >= r.Min && v <= r.Max
}

// TrackCapabilities はトラックが対応可能な範囲
type TrackCapabilities struct {
	Width       Range        `json:"width"`
	Height      Range        `json:"height"`
	FacingModes []FacingMode `json:"facing_modes,omitempty"`
}

// TrackSettings はトラックの実際の設定値
type TrackSettings struct {
	DeviceID    string     `json:"device_id"`
	Width       int        `json:"width"`
	Height      int        `json:"height"`
	AspectRatio float64    `json:"aspect_ratio"`
	FacingMode  FacingMode `json:"facing_mode,omitempty"`
	FrameRate   float64    `json:"frame_rate"`
}

// ConstrainInt は整数制約。Exactが優先される
type ConstrainInt struct {
	Exact *int
	Ideal *int
}

// Value は制約値（exactまたはideal）を返す
func (c ConstrainInt) Value() (int, bool) {
	if c.Exact != nil {
		return *c.Exact, true
	}
	if c.Ideal != nil {
		return *c.Ideal, true
	}
	return 0, false
}

// ConstrainFloat は実数制約
type ConstrainFloat struct {
	Exact *float64
	Ideal *float64
}

// Value は制約値を返す。idealを優先する
func (c ConstrainFloat) Value() (float64, bool) {
	if c.Ideal != nil {
		return *c.Ideal, true
	}
	if c.Exact != nil {
		return *c.Exact, true
	}
	return 0, false
}

// ConstrainString は文字列制約
type ConstrainString struct {
	Exact string
	Ideal string
}

// Value は制約値を返す
func (c ConstrainString) Value() (string, bool) {
	if c.Exact != "" {
		return c.Exact, true
	}
	if c.Ideal != "" {
		return c.Ideal, true
	}
	return "", false
}

// VideoConstraints は映像トラックへの制約
type VideoConstraints struct {
	DeviceID    ConstrainString
	FacingMode  ConstrainString
	Width       ConstrainInt
	Height      ConstrainInt
	AspectRatio ConstrainFloat
}

// Constraints はストリーム取得時の制約
type Constraints struct {
	Audio bool
	Video *VideoConstraints
}

// Preview はストリームを表示するビデオ要素に相当する
type Preview interface {
	// SetStream はストリームを接続し、メタデータが読み込まれるまで待つ
	SetStream(ctx context.Context, stream Stream) error
	// ClearStream はストリームを切り離す
	ClearStream()
	SetMirror(mirror bool)
	Mirrored() bool
	// Frame は現在のフレームを実解像度で返す
	Frame(ctx context.Context) (image.Image, error)
	// VideoSize は映像の実解像度を返す
	VideoSize() (width, height int)
}

// Canvas は2D描画先とエンコーダーを表す
type Canvas interface {
	Draw(src image.Image, width, height int, mirror bool) error
	Encode(format ImageFormat, quality float64) ([]byte, error)
}

func intPtr(v int) *int { return &v }

func floatPtr(v float64) *float64 { return &v }
