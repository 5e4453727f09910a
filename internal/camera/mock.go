package camera

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"sync"
)

// MockDevice はMockMediaDevicesが提供する仮想カメラ
type MockDevice struct {
	Info         DeviceInfo
	Capabilities TrackCapabilities
	FrameRate    float64
	// Swap が true なら幅と高さを入れ替えて割り当てる
	Swap bool
	// CapabilitiesErr はCapabilitiesの取得で返すエラー
	CapabilitiesErr error
}

// MockMediaDevices はテスト用のモックMediaDevices実装
type MockMediaDevices struct {
	mu           sync.Mutex
	supported    bool
	devices      []MockDevice
	enumerateErr error
	failures     []error
	applyErr     error
	calls        []Constraints
	streams      []*mockStream
	seq          int
}

// NewMockMediaDevices は新しいMockMediaDevicesを作成する
func NewMockMediaDevices(devices ...MockDevice) *MockMediaDevices {
	return &MockMediaDevices{
		supported: true,
		devices:   append([]MockDevice(nil), devices...),
	}
}

// NewMockDevice は幅と高さの範囲を持つ仮想カメラを作る
func NewMockDevice(id, label string, facing FacingMode, maxWidth, maxHeight int) MockDevice {
	var modes []FacingMode
	if facing != "" {
		modes = []FacingMode{facing}
	}
	return MockDevice{
		Info: DeviceInfo{DeviceID: id, Label: label, Kind: KindVideoInput, FacingModes: modes},
		Capabilities: TrackCapabilities{
			Width:       Range{Min: 320, Max: maxWidth, Valid: true},
			Height:      Range{Min: 240, Max: maxHeight, Valid: true},
			FacingModes: modes,
		},
		FrameRate: 30,
	}
}

// SetSupported はストリーム取得APIの有無を設定する
func (m *MockMediaDevices) SetSupported(supported bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.supported = supported
}

// SetEnumerateError は列挙時に返すエラーを設定する
func (m *MockMediaDevices) SetEnumerateError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enumerateErr = err
}

// FailNext は次回以降のGetUserMediaで順に返すエラーを積む
func (m *MockMediaDevices) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

// SetApplyConstraintsError はトラックへの制約適用で返すエラーを設定する
func (m *MockMediaDevices) SetApplyConstraintsError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyErr = err
}

// AddDevice はテスト用にデバイスを追加する
func (m *MockMediaDevices) AddDevice(d MockDevice) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.devices {
		if existing.Info.DeviceID == d.Info.DeviceID {
			return
		}
	}
	m.devices = append(m.devices, d)
}

// RemoveDevice はテスト用にデバイスを削除する
func (m *MockMediaDevices) RemoveDevice(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, d := range m.devices {
		if d.Info.DeviceID == id {
			m.devices = append(m.devices[:i], m.devices[i+1:]...)
			return
		}
	}
}

// Calls はGetUserMediaに渡された制約を呼び出し順に返す
func (m *MockMediaDevices) Calls() []Constraints {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Constraints(nil), m.calls...)
}

// LiveStreams は停止されていないストリームの数を返す
func (m *MockMediaDevices) LiveStreams() int {
	m.mu.Lock()
	streams := append([]*mockStream(nil), m.streams...)
	m.mu.Unlock()

	n := 0
	for _, s := range streams {
		for _, t := range s.tracks {
			if t.ReadyState() == ReadyStateLive {
				n++
				break
			}
		}
	}
	return n
}

// Supported はストリーム取得APIの有無を返す
func (m *MockMediaDevices) Supported() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.supported
}

// EnumerateDevices はモックデバイス一覧を返す
func (m *MockMediaDevices) EnumerateDevices(ctx context.Context) ([]DeviceInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.enumerateErr != nil {
		return nil, m.enumerateErr
	}
	out := make([]DeviceInfo, 0, len(m.devices))
	for _, d := range m.devices {
		info := d.Info
		info.FacingModes = append([]FacingMode(nil), d.Info.FacingModes...)
		out = append(out, info)
	}
	return out, nil
}

// GetUserMedia は制約を検証して仮想ストリームを返す
func (m *MockMediaDevices) GetUserMedia(ctx context.Context, constraints Constraints) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, constraints)

	if !m.supported {
		return nil, ErrNotSupported
	}
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		if err != nil {
			return nil, err
		}
	}

	vc := VideoConstraints{}
	if constraints.Video != nil {
		vc = *constraints.Video
	}

	device, err := m.pickDevice(vc)
	if err != nil {
		return nil, err
	}

	width, height, err := negotiate(device.Capabilities, vc)
	if err != nil {
		return nil, err
	}
	if device.Swap {
		width, height = height, width
	}

	m.seq++
	settings := TrackSettings{
		DeviceID:    device.Info.DeviceID,
		Width:       width,
		Height:      height,
		AspectRatio: float64(width) / float64(height),
		FrameRate:   device.FrameRate,
	}
	if len(device.Info.FacingModes) > 0 {
		settings.FacingMode = device.Info.FacingModes[0]
	}

	stream := &mockStream{id: fmt.Sprintf("mock-stream-%d", m.seq)}
	stream.tracks = append(stream.tracks, &mockTrack{
		id:       fmt.Sprintf("mock-video-%d", m.seq),
		kind:     TrackVideo,
		owner:    m,
		device:   device,
		settings: settings,
		state:    ReadyStateLive,
	})
	if constraints.Audio {
		stream.tracks = append(stream.tracks, &mockTrack{
			id:    fmt.Sprintf("mock-audio-%d", m.seq),
			kind:  TrackAudio,
			owner: m,
			state: ReadyStateLive,
		})
	}
	m.streams = append(m.streams, stream)
	return stream, nil
}

func (m *MockMediaDevices) pickDevice(vc VideoConstraints) (MockDevice, error) {
	if len(m.devices) == 0 {
		return MockDevice{}, fmt.Errorf("デバイスが見つかりません")
	}

	if vc.DeviceID.Exact != "" {
		for _, d := range m.devices {
			if d.Info.DeviceID == vc.DeviceID.Exact {
				return d, nil
			}
		}
		return MockDevice{}, &OverconstrainedError{Constraint: "deviceId"}
	}

	if facing, ok := vc.FacingMode.Value(); ok {
		for _, d := range m.devices {
			for _, f := range d.Info.FacingModes {
				if string(f) == facing {
					return d, nil
				}
			}
		}
		if vc.FacingMode.Exact != "" {
			return MockDevice{}, &OverconstrainedError{Constraint: "facingMode"}
		}
	}
	return m.devices[0], nil
}

// negotiate はcapabilitiesの範囲内で幅と高さを決める
func negotiate(caps TrackCapabilities, vc VideoConstraints) (int, int, error) {
	pick := func(r Range, c ConstrainInt, fallback int, name string) (int, error) {
		if c.Exact != nil {
			if r.Valid && !r.Contains(*c.Exact) {
				return 0, &OverconstrainedError{Constraint: name}
			}
			return *c.Exact, nil
		}
		v := fallback
		if c.Ideal != nil {
			v = *c.Ideal
		}
		if r.Valid {
			v = max(r.Min, min(r.Max, v))
		}
		return v, nil
	}

	width, err := pick(caps.Width, vc.Width, 640, "width")
	if err != nil {
		return 0, 0, err
	}
	height, err := pick(caps.Height, vc.Height, 480, "height")
	if err != nil {
		return 0, 0, err
	}
	return width, height, nil
}

type mockStream struct {
	id     string
	tracks []*mockTrack
}

func (s *mockStream) ID() string { return s.id }

func (s *mockStream) Tracks() []Track {
	out := make([]Track, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

func (s *mockStream) VideoTracks() []Track {
	out := make([]Track, 0, 1)
	for _, t := range s.tracks {
		if t.kind == TrackVideo {
			out = append(out, t)
		}
	}
	return out
}

type mockTrack struct {
	id     string
	kind   TrackKind
	owner  *MockMediaDevices
	device MockDevice

	mu       sync.Mutex
	settings TrackSettings
	state    ReadyState
}

func (t *mockTrack) ID() string { return t.id }

func (t *mockTrack) Kind() TrackKind { return t.kind }

func (t *mockTrack) Capabilities() (TrackCapabilities, error) {
	if t.device.CapabilitiesErr != nil {
		return TrackCapabilities{}, t.device.CapabilitiesErr
	}
	return t.device.Capabilities, nil
}

func (t *mockTrack) Settings() TrackSettings {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.settings
}

func (t *mockTrack) ApplyConstraints(ctx context.Context, vc VideoConstraints) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.owner.mu.Lock()
	applyErr := t.owner.applyErr
	t.owner.mu.Unlock()
	if applyErr != nil {
		return applyErr
	}

	width, height, err := negotiate(t.device.Capabilities, vc)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.settings.Width = width
	t.settings.Height = height
	t.settings.AspectRatio = float64(width) / float64(height)
	return nil
}

func (t *mockTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = ReadyStateEnded
}

func (t *mockTrack) ReadyState() ReadyState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// ReadFrame は現在の解像度で単色のフレームを返す
func (t *mockTrack) ReadFrame(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	state := t.state
	w, h := t.settings.Width, t.settings.Height
	t.mu.Unlock()

	if state == ReadyStateEnded || w <= 0 || h <= 0 {
		return nil, ErrNoFrame
	}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	// 左半分を赤、右半分を青にして左右反転を確認できるようにする
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if x < w/2 {
				img.SetRGBA(x, y, color.RGBA{R: 255, A: 255})
			} else {
				img.SetRGBA(x, y, color.RGBA{B: 255, A: 255})
			}
		}
	}
	return img, nil
}
