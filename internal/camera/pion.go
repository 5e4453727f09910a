package camera

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/driver"
	_ "github.com/pion/mediadevices/pkg/driver/camera" // カメラドライバの登録
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/rs/zerolog"
	"golang.org/x/image/draw"
)

// PionMediaDevices はpion/mediadevicesで実機のカメラを扱うMediaDevices実装
type PionMediaDevices struct {
	logger zerolog.Logger
}

// NewPionMediaDevices は新しいPionMediaDevicesを作成する
func NewPionMediaDevices(logger zerolog.Logger) *PionMediaDevices {
	return &PionMediaDevices{logger: logger}
}

// Supported はドライバマネージャーが利用可能かを返す
func (p *PionMediaDevices) Supported() bool {
	return driver.GetManager() != nil
}

// EnumerateDevices は接続されている映像入力デバイスを列挙する
func (p *PionMediaDevices) EnumerateDevices(_ context.Context) ([]DeviceInfo, error) {
	drivers := driver.GetManager().Query(driver.FilterVideoRecorder())

	devices := make([]DeviceInfo, 0, len(drivers))
	for _, d := range drivers {
		info := d.Info()
		label := info.Label
		if info.Name != "" {
			label = info.Name
		}
		devices = append(devices, DeviceInfo{
			DeviceID: d.ID(),
			Label:    label,
			Kind:     KindVideoInput,
		})
	}

	p.logger.Debug().Int("count", len(devices)).Msg("映像入力デバイスを列挙しました")
	return devices, nil
}

// GetUserMedia は制約に合うカメラを開いて最初のフレームまで読み出す
//
// exactの幅・高さを満たすプロパティがドライバに無い場合はOverconstrainedErrorを返す。
func (p *PionMediaDevices) GetUserMedia(ctx context.Context, constraints Constraints) (Stream, error) {
	if constraints.Video == nil {
		return nil, fmt.Errorf("映像の制約が指定されていません")
	}
	vc := *constraints.Video

	target, err := p.findDriver(vc)
	if err != nil {
		return nil, err
	}

	caps := driverCapabilities(target)
	if w := vc.Width.Exact; w != nil && !caps.Width.Contains(*w) {
		return nil, &OverconstrainedError{Constraint: "width"}
	}
	if h := vc.Height.Exact; h != nil && !caps.Height.Contains(*h) {
		return nil, &OverconstrainedError{Constraint: "height"}
	}

	type result struct {
		stream mediadevices.MediaStream
		err    error
	}
	done := make(chan result, 1)
	go func() {
		s, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
			Video: func(c *mediadevices.MediaTrackConstraints) {
				c.DeviceID = prop.StringExact(target.ID())
				if w, ok := vc.Width.Value(); ok {
					c.Width = prop.Int(w)
				}
				if h, ok := vc.Height.Value(); ok {
					c.Height = prop.Int(h)
				}
			},
		})
		done <- result{stream: s, err: err}
	}()

	var res result
	select {
	case <-ctx.Done():
		// 取得が後から完了した場合は閉じる
		go func() {
			if r := <-done; r.stream != nil {
				for _, t := range r.stream.GetTracks() {
					t.Close()
				}
			}
		}()
		return nil, ctx.Err()
	case res = <-done:
	}
	if res.err != nil {
		return nil, fmt.Errorf("カメラのオープンに失敗: %w", res.err)
	}

	stream := &pionStream{id: target.ID()}
	for _, t := range res.stream.GetVideoTracks() {
		vt, ok := t.(*mediadevices.VideoTrack)
		if !ok {
			t.Close()
			continue
		}
		track, err := newPionTrack(ctx, vt, target.ID(), caps)
		if err != nil {
			stopTracks(stream)
			vt.Close()
			return nil, err
		}
		stream.tracks = append(stream.tracks, track)
	}
	if len(stream.tracks) == 0 {
		return nil, ErrNoVideoTrack
	}

	p.logger.Info().Str("device_id", target.ID()).Msg("カメラを開きました")
	return stream, nil
}

func (p *PionMediaDevices) findDriver(vc VideoConstraints) (driver.Driver, error) {
	drivers := driver.GetManager().Query(driver.FilterVideoRecorder())
	if len(drivers) == 0 {
		return nil, fmt.Errorf("映像入力デバイスがありません")
	}

	id, ok := vc.DeviceID.Value()
	if !ok {
		return drivers[0], nil
	}
	for _, d := range drivers {
		if d.ID() == id {
			return d, nil
		}
	}
	if vc.DeviceID.Exact != "" {
		return nil, &OverconstrainedError{Constraint: "deviceId"}
	}
	return drivers[0], nil
}

// driverCapabilities はドライバのプロパティから幅と高さの範囲を求める
func driverCapabilities(d driver.Driver) TrackCapabilities {
	var caps TrackCapabilities
	for _, media := range d.Properties() {
		w, h := media.Video.Width, media.Video.Height
		if w <= 0 || h <= 0 {
			continue
		}
		caps.Width = extend(caps.Width, w)
		caps.Height = extend(caps.Height, h)
	}
	return caps
}

func extend(r Range, v int) Range {
	if !r.Valid {
		return Range{Min: v, Max: v, Valid: true}
	}
	if v < r.Min {
		r.Min = v
	}
	if v > r.Max {
		r.Max = v
	}
	return r
}

type pionStream struct {
	id     string
	tracks []Track
}

func (s *pionStream) ID() string { return s.id }

func (s *pionStream) Tracks() []Track { return append([]Track(nil), s.tracks...) }

func (s *pionStream) VideoTracks() []Track { return s.Tracks() }

// pionTrack はVideoTrackをTrackとFrameSourceとして扱う
type pionTrack struct {
	track    *mediadevices.VideoTrack
	deviceID string
	caps     TrackCapabilities

	mu       sync.Mutex
	read     func() (image.Image, func(), error)
	settings TrackSettings
	state    ReadyState
}

func newPionTrack(ctx context.Context, vt *mediadevices.VideoTrack, deviceID string, caps TrackCapabilities) (*pionTrack, error) {
	reader := vt.NewReader(false)
	t := &pionTrack{
		track:    vt,
		deviceID: deviceID,
		caps:     caps,
		read:     reader.Read,
		state:    ReadyStateLive,
	}

	// 最初のフレームで実際の解像度を確定する
	first, err := t.ReadFrame(ctx)
	if err != nil {
		return nil, fmt.Errorf("最初のフレームの取得に失敗: %w", err)
	}
	w, h := first.Bounds().Dx(), first.Bounds().Dy()
	t.settings = TrackSettings{
		DeviceID:    deviceID,
		Width:       w,
		Height:      h,
		AspectRatio: float64(w) / float64(h),
	}
	return t, nil
}

func (t *pionTrack) ID() string { return t.track.ID() }

func (t *pionTrack) Kind() TrackKind { return TrackVideo }

func (t *pionTrack) Capabilities() (TrackCapabilities, error) {
	return t.caps, nil
}

func (t *pionTrack) Settings() TrackSettings {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.settings
}

// ApplyConstraints はpion/mediadevicesでは開いたトラックを再設定できないため常に失敗する
func (t *pionTrack) ApplyConstraints(_ context.Context, _ VideoConstraints) error {
	return &OverconstrainedError{Constraint: "applyConstraints"}
}

func (t *pionTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == ReadyStateEnded {
		return
	}
	t.state = ReadyStateEnded
	t.track.Close()
}

func (t *pionTrack) ReadyState() ReadyState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// ReadFrame は次のフレームを読み出す。画像は呼び出し側が保持できるよう複製する
func (t *pionTrack) ReadFrame(ctx context.Context) (image.Image, error) {
	if t.ReadyState() == ReadyStateEnded {
		return nil, ErrNoFrame
	}

	type result struct {
		img image.Image
		err error
	}
	done := make(chan result, 1)
	go func() {
		img, release, err := t.read()
		if err != nil {
			done <- result{err: err}
			return
		}
		cloned := cloneImage(img)
		release()
		done <- result{img: cloned}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("フレームの読み出しに失敗: %w", r.err)
		}
		return r.img, nil
	}
}

func cloneImage(src image.Image) image.Image {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}
