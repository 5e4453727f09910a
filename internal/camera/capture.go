package camera

import (
	"context"
	"encoding/base64"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// DefaultCaptureQuality はQuality未指定時の画質
const DefaultCaptureQuality = 0.92

// CaptureSize は映像の実解像度に倍率を掛けた撮影サイズを返す。高さは幅の比率から求める
func CaptureSize(videoWidth, videoHeight int, scale float64) (int, int) {
	if videoWidth <= 0 || videoHeight <= 0 {
		return 0, 0
	}
	if scale <= 0 {
		scale = 1
	}
	width := float64(videoWidth) * scale
	height := float64(videoHeight) * width / float64(videoWidth)
	return int(math.Round(width)), int(math.Round(height))
}

// CaptureImage は現在のフレームを撮影する
//
// カメラが開始されていない場合はINVALID_STATEを返す。
// 撮影中の失敗はTAKE_PICTURE_FAILEDとして通知し、(nil, nil) を返す。
func (m *DefaultManager) CaptureImage(ctx context.Context, opts CaptureOptions) (*CapturedImage, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.RLock()
	stream := m.currentStream
	preview := m.config.Preview
	canvas := m.config.Canvas
	m.mu.RUnlock()

	if stream == nil || preview == nil || canvas == nil {
		return nil, newCameraError(ErrCodeInvalidState, "Camera is not started", nil)
	}

	img, err := m.capture(ctx, preview, canvas, opts)
	if err != nil {
		m.emitError(newCameraError(ErrCodeTakePictureFailed, "Take picture failed", err))
		return nil, nil
	}

	m.mu.Lock()
	m.capturedImage = img
	m.mu.Unlock()

	m.logger.Info().Str("id", img.ID).Int("width", img.Width).Int("height", img.Height).Msg("画像を撮影しました")
	out := *img
	return &out, nil
}

func (m *DefaultManager) capture(ctx context.Context, preview Preview, canvas Canvas, opts CaptureOptions) (*CapturedImage, error) {
	if opts.Format == "" {
		opts.Format = FormatJPEG
	}
	if opts.Quality <= 0 || opts.Quality > 1 {
		opts.Quality = DefaultCaptureQuality
	}

	videoW, videoH := preview.VideoSize()
	width, height := CaptureSize(videoW, videoH, opts.Scale)
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("映像サイズが不正です: %dx%d", videoW, videoH)
	}

	frame, err := preview.Frame(ctx)
	if err != nil {
		return nil, fmt.Errorf("フレームの取得に失敗: %w", err)
	}

	if err := canvas.Draw(frame, width, height, opts.Mirror); err != nil {
		return nil, fmt.Errorf("描画に失敗: %w", err)
	}

	data, err := canvas.Encode(opts.Format, opts.Quality)
	if err != nil {
		return nil, fmt.Errorf("エンコードに失敗: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(data)
	return &CapturedImage{
		ID:         uuid.New().String(),
		Width:      width,
		Height:     height,
		URI:        fmt.Sprintf("data:%s;base64,%s", opts.Format, encoded),
		Base64:     encoded,
		Format:     opts.Format,
		CapturedAt: m.opts.Now(),
	}, nil
}
