package camera

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultPreviewInterval はプレビューがフレームを読み出す間隔
const DefaultPreviewInterval = 33 * time.Millisecond

// FramePreview はトラックのFrameSourceからフレームを読み続けるプレビュー
//
// 最新フレームを保持し、購読者へはチャンネルが詰まっていれば古いフレームを捨てて配信する。
type FramePreview struct {
	logger   zerolog.Logger
	interval time.Duration

	mu       sync.RWMutex
	stream   Stream
	mirror   bool
	latest   image.Image
	width    int
	height   int
	frames   int
	since    time.Time
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	watchers map[chan image.Image]struct{}
}

// NewFramePreview は新しいFramePreviewを作成する
func NewFramePreview(logger zerolog.Logger, interval time.Duration) *FramePreview {
	if interval <= 0 {
		interval = DefaultPreviewInterval
	}
	return &FramePreview{
		logger:   logger,
		interval: interval,
		watchers: make(map[chan image.Image]struct{}),
	}
}

// SetStream はストリームを接続し、最初のフレームが届くまで待つ
func (p *FramePreview) SetStream(ctx context.Context, stream Stream) error {
	p.ClearStream()

	tracks := stream.VideoTracks()
	if len(tracks) == 0 {
		return ErrNoVideoTrack
	}
	source, ok := tracks[0].(FrameSource)
	if !ok {
		return fmt.Errorf("トラック %s はフレームを提供しません", tracks[0].ID())
	}

	first, err := source.ReadFrame(ctx)
	if err != nil {
		return fmt.Errorf("最初のフレームの取得に失敗: %w", err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())

	p.mu.Lock()
	p.stream = stream
	p.latest = first
	p.width = first.Bounds().Dx()
	p.height = first.Bounds().Dy()
	p.frames = 1
	p.since = time.Now()
	p.cancel = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go p.pump(pumpCtx, source)

	p.logger.Debug().Str("stream_id", stream.ID()).Int("width", first.Bounds().Dx()).Int("height", first.Bounds().Dy()).Msg("プレビューを接続しました")
	return nil
}

// ClearStream はストリームを切り離し、読み出しを止める
func (p *FramePreview) ClearStream() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		p.wg.Wait()
	}

	p.mu.Lock()
	p.stream = nil
	p.latest = nil
	p.width, p.height = 0, 0
	p.mu.Unlock()
}

// SetMirror は表示上の左右反転を設定する
func (p *FramePreview) SetMirror(mirror bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mirror = mirror
}

// Mirrored は左右反転して表示しているかを返す
func (p *FramePreview) Mirrored() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.mirror
}

// Frame は最新のフレームを返す
func (p *FramePreview) Frame(_ context.Context) (image.Image, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.latest == nil {
		return nil, ErrNoFrame
	}
	return p.latest, nil
}

// VideoSize は映像の実解像度を返す
func (p *FramePreview) VideoSize() (int, int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.width, p.height
}

// FrameRate は接続してからの平均フレームレートを返す
func (p *FramePreview) FrameRate() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	elapsed := time.Since(p.since).Seconds()
	if p.stream == nil || elapsed <= 0 {
		return 0
	}
	return float64(p.frames) / elapsed
}

// Watch は新しいフレームを受け取るチャンネルと解除関数を返す
func (p *FramePreview) Watch() (<-chan image.Image, func()) {
	ch := make(chan image.Image, 1)

	p.mu.Lock()
	p.watchers[ch] = struct{}{}
	p.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.watchers, ch)
			p.mu.Unlock()
		})
	}
}

// pump は一定間隔でフレームを読み出して配信する
func (p *FramePreview) pump(ctx context.Context, source FrameSource) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		frame, err := source.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Debug().Err(err).Msg("フレームの読み出しに失敗")
			continue
		}

		p.mu.Lock()
		p.latest = frame
		p.width = frame.Bounds().Dx()
		p.height = frame.Bounds().Dy()
		p.frames++
		targets := make([]chan image.Image, 0, len(p.watchers))
		for ch := range p.watchers {
			targets = append(targets, ch)
		}
		p.mu.Unlock()

		for _, ch := range targets {
			select {
			case ch <- frame:
			default:
				// 詰まっている場合は古いフレームを捨てる
				select {
				case <-ch:
				default:
				}
				select {
				case ch <- frame:
				default:
				}
			}
		}
	}
}
