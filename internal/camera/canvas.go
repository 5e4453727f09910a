package camera

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"math"
	"sync"

	"golang.org/x/image/draw"
)

// RasterCanvas はメモリ上のRGBA画像に描画するCanvas実装
type RasterCanvas struct {
	mu  sync.Mutex
	img *image.RGBA
}

// NewRasterCanvas は新しいRasterCanvasを作成する
func NewRasterCanvas() *RasterCanvas {
	return &RasterCanvas{}
}

// Draw はsrcを指定サイズへ拡大縮小して描画する。mirrorなら左右反転する
func (c *RasterCanvas) Draw(src image.Image, width, height int, mirror bool) error {
	if src == nil {
		return ErrNoFrame
	}
	if width <= 0 || height <= 0 {
		return fmt.Errorf("描画サイズが不正です: %dx%d", width, height)
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	if mirror {
		flipHorizontal(dst)
	}

	c.mu.Lock()
	c.img = dst
	c.mu.Unlock()
	return nil
}

// Encode は描画済みの画像を指定形式でエンコードする
func (c *RasterCanvas) Encode(format ImageFormat, quality float64) ([]byte, error) {
	c.mu.Lock()
	img := c.img
	c.mu.Unlock()

	if img == nil {
		return nil, fmt.Errorf("描画されていません")
	}

	var buf bytes.Buffer
	switch format {
	case FormatJPEG, "":
		q := int(math.Round(quality * 100))
		if q < 1 || q > 100 {
			q = int(DefaultCaptureQuality * 100)
		}
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
			return nil, fmt.Errorf("JPEGエンコードに失敗: %w", err)
		}
	case FormatPNG:
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("PNGエンコードに失敗: %w", err)
		}
	default:
		return nil, fmt.Errorf("サポートされていない形式: %s", format)
	}
	return buf.Bytes(), nil
}

// Image は描画済みの画像を返す
func (c *RasterCanvas) Image() image.Image {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.img == nil {
		return nil
	}
	return c.img
}

func flipHorizontal(img *image.RGBA) {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[(y-b.Min.Y)*img.Stride:]
		for l, r := 0, b.Dx()-1; l < r; l, r = l+1, r-1 {
			li, ri := l*4, r*4
			for k := 0; k < 4; k++ {
				row[li+k], row[ri+k] = row[ri+k], row[li+k]
			}
		}
	}
}
