package server

import (
	"image"
	"net/http"

	"github.com/gin-gonic/gin"

	"idcapture/internal/camera"
)

// MJPEGの画質
const mjpegQuality = 0.8

// frameWatcher は新しいフレームを配信できるプレビュー
type frameWatcher interface {
	Watch() (<-chan image.Image, func())
}

// StreamMJPEG はプレビューをMJPEGで配信する。ミラー設定が有効なら左右反転する
func (h *Handler) StreamMJPEG(c *gin.Context) {
	preview := h.manager.CurrentPreview()
	if preview == nil || !h.manager.IsStreaming() {
		writeError(c, http.StatusServiceUnavailable, "camera_not_active", "カメラがアクティブではありません")
		return
	}
	watcher, ok := preview.(frameWatcher)
	if !ok {
		writeError(c, http.StatusNotImplemented, "not_implemented", "このプレビューは配信に対応していません")
		return
	}

	// レスポンスヘッダーを設定
	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")

	writer := c.Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	frames, cancel := watcher.Watch()
	defer cancel()

	canvas := camera.NewRasterCanvas()

	// 接続直後は最新のフレームを先に送る
	if frame, err := preview.Frame(c.Request.Context()); err == nil {
		if err := h.writeJPEG(writer, canvas, frame, preview.Mirrored()); err != nil {
			return
		}
		flusher.Flush()
	}

	clientGone := c.Request.Context().Done()
	for {
		select {
		case <-clientGone:
			return
		case <-h.done:
			return
		case frame := <-frames:
			if err := h.writeJPEG(writer, canvas, frame, preview.Mirrored()); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeJPEG はフレームを1パートとして書き込む
func (h *Handler) writeJPEG(w http.ResponseWriter, canvas *camera.RasterCanvas, frame image.Image, mirror bool) error {
	b := frame.Bounds()
	if err := canvas.Draw(frame, b.Dx(), b.Dy(), mirror); err != nil {
		h.logger.Debug().Err(err).Msg("フレームの描画に失敗")
		return nil
	}
	data, err := canvas.Encode(camera.FormatJPEG, mjpegQuality)
	if err != nil {
		h.logger.Debug().Err(err).Msg("フレームのエンコードに失敗")
		return nil
	}

	if _, err := w.Write([]byte("--frame\r\nContent-Type: image/jpeg\r\n\r\n")); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err = w.Write([]byte("\r\n"))
	return err
}
