package camera

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"idcapture/internal/useragent"
)

// Manager はカメラのライフサイクルを管理するインターフェース
type Manager interface {
	// On はイベントを購読する
	On(event EventType, handler Handler) Subscription
	// Off は購読を解除する
	Off(id Subscription) bool
	// OnCapability は能力判定結果を購読する。判定済みなら即座に通知される
	OnCapability(handler CapabilityHandler) Subscription

	GetCameraDevices(ctx context.Context) []DeviceInfo
	HasPermissions(ctx context.Context) bool
	RequestPermission(ctx context.Context) bool
	CheckCameraCapabilities(ctx context.Context) bool
	GetCapabilities() *CameraCapability
	CheckSupportedResolutions(ctx context.Context, deviceID string) ([]SupportedResolutions, error)
	GetSupportedResolutionsForOrientation(o Orientation) []Preset
	SelectCamera(ctx context.Context, facing FacingMode) *DeviceInfo

	StartCamera(ctx context.Context) error
	StartCameraWithResolution(ctx context.Context, allowFallback bool) error
	StopCamera()
	RestartCamera(ctx context.Context) error
	SwitchCamera(ctx context.Context) bool
	ToggleMirror()
	ApplyConfigChanges(ctx context.Context, change ConfigChange, forceRestart bool) error
	CaptureImage(ctx context.Context, opts CaptureOptions) (*CapturedImage, error)
	Retry(ctx context.Context) error
	Destroy()

	State() State
	IsStreaming() bool
	HasMultipleCameras() bool
	AvailableDevices() []DeviceInfo
	CurrentDevice() *DeviceInfo
	CurrentResolution() *Resolution
	CurrentCameraConfig() Configuration
	CurrentPreview() Preview
	Metrics() Metrics
}

var _ Manager = (*DefaultManager)(nil)

// Options はマネージャーの生成オプション
type Options struct {
	Logger zerolog.Logger

	// InitialConfig が nil の場合は DefaultConfiguration を使う
	InitialConfig *Configuration

	// AcquireTimeout はストリーム取得1回あたりの上限。0なら無制限
	AcquireTimeout time.Duration

	// ClearCapabilitiesOnDestroy が true なら Destroy で能力判定のキャッシュも破棄する
	ClearCapabilitiesOnDestroy bool

	// Now はテスト用の時刻関数
	Now func() time.Time
}

// DefaultManager はManagerのデフォルト実装
type DefaultManager struct {
	devices  MediaDevices
	oracle   useragent.Oracle
	selector *Selector
	prober   *Prober
	logger   zerolog.Logger
	opts     Options

	// opMu はハードウェアに触れる操作を直列化する
	opMu sync.Mutex
	// mu はフィールドを保護する
	mu sync.RWMutex

	events *eventBus
	caps   *capabilityHub

	state               State
	initialized         bool
	permissionGranted   bool
	capabilitiesChecked bool
	availableDevices    []DeviceInfo
	currentStream       Stream
	currentDevice       *DeviceInfo
	currentResolution   *Resolution
	config              Configuration
	capturedImage       *CapturedImage
	metrics             Metrics
}

// NewDefaultManager は新しいDefaultManagerを作成する
func NewDefaultManager(devices MediaDevices, oracle useragent.Oracle, opts Options) *DefaultManager {
	cfg := DefaultConfiguration()
	if opts.InitialConfig != nil {
		cfg = opts.InitialConfig.clone()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &DefaultManager{
		devices:  devices,
		oracle:   oracle,
		selector: NewSelector(oracle, opts.Logger),
		prober:   NewProber(devices, opts.Logger).WithTimeout(opts.AcquireTimeout),
		logger:   opts.Logger,
		opts:     opts,
		events:   newEventBus(),
		caps:     newCapabilityHub(),
		state:    StateUninitialized,
		config:   cfg,
		metrics:  Metrics{Errors: []CameraError{}},
	}
}

// On はイベントを購読する
func (m *DefaultManager) On(event EventType, handler Handler) Subscription {
	m.logger.Debug().Str("event", string(event)).Msg("イベントを購読します")
	return m.events.on(event, handler)
}

// Off は購読を解除する
func (m *DefaultManager) Off(id Subscription) bool {
	return m.events.off(id)
}

// OnCapability は能力判定結果を購読する
func (m *DefaultManager) OnCapability(handler CapabilityHandler) Subscription {
	return m.caps.subscribe(handler)
}

// OffCapability は能力判定結果の購読を解除する
func (m *DefaultManager) OffCapability(id Subscription) {
	m.caps.unsubscribe(id)
}

// IsCameraAccessSupported はカメラAPIが利用可能かを返す
func (m *DefaultManager) IsCameraAccessSupported() bool {
	return m.devices != nil && m.devices.Supported()
}

// HasPermissions はラベル付きの映像入力が見えるかで許可状態を判定する
func (m *DefaultManager) HasPermissions(ctx context.Context) bool {
	granted := false
	devices, err := m.devices.EnumerateDevices(ctx)
	if err == nil {
		for _, d := range devices {
			if d.Kind == KindVideoInput && d.Label != "" {
				granted = true
				break
			}
		}
	}

	m.mu.Lock()
	m.permissionGranted = granted
	m.mu.Unlock()
	return granted
}

// RequestPermission は一時的なストリームを開いて許可を求める
func (m *DefaultManager) RequestPermission(ctx context.Context) bool {
	m.mu.RLock()
	granted := m.permissionGranted
	m.mu.RUnlock()
	if granted {
		return true
	}

	acquireCtx, cancel := withTimeout(ctx, m.opts.AcquireTimeout)
	defer cancel()

	stream, err := m.devices.GetUserMedia(acquireCtx, Constraints{Video: &VideoConstraints{}})
	if err != nil {
		m.mu.Lock()
		m.permissionGranted = false
		m.mu.Unlock()
		m.emitError(newCameraError(ErrCodeBrowserNotCompatible, "Browser not compatible", err))
		return false
	}
	if stream != nil {
		stopTracks(stream)
	}

	m.mu.Lock()
	m.permissionGranted = stream != nil
	granted = m.permissionGranted
	m.mu.Unlock()
	return granted
}

// GetCameraDevices は映像入力デバイスを返す。一度取得した一覧はキャッシュする
func (m *DefaultManager) GetCameraDevices(ctx context.Context) []DeviceInfo {
	m.mu.RLock()
	if len(m.availableDevices) > 0 {
		out := append([]DeviceInfo(nil), m.availableDevices...)
		m.mu.RUnlock()
		return out
	}
	m.mu.RUnlock()

	all, err := m.devices.EnumerateDevices(ctx)
	if err != nil {
		m.emitError(newCameraError(ErrCodeDeviceNotFound, "Device not found", err))
		return []DeviceInfo{}
	}

	video := make([]DeviceInfo, 0, len(all))
	for _, d := range all {
		if d.Kind == KindVideoInput {
			video = append(video, d)
		}
	}

	m.mu.Lock()
	m.availableDevices = video
	m.mu.Unlock()
	return append([]DeviceInfo(nil), video...)
}

// SelectCamera はDevice Selectorで希望の向きのデバイスを選ぶ
func (m *DefaultManager) SelectCamera(ctx context.Context, facing FacingMode) *DeviceInfo {
	return m.selector.SelectCamera(m.GetCameraDevices(ctx), facing)
}

// SetCurrentCameraConfiguration は設定を丸ごと置き換える
func (m *DefaultManager) SetCurrentCameraConfiguration(cfg Configuration) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	m.config = cfg.clone()
	m.mu.Unlock()
}

// SetResolution は次回の開始で使う解像度を設定する
func (m *DefaultManager) SetResolution(res Resolution) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	m.config.Resolution = &res
	m.mu.Unlock()
}

// SetResolutionPreset はプリセットから解像度を設定する
func (m *DefaultManager) SetResolutionPreset(p Preset) bool {
	res, ok := PresetResolution(p)
	if !ok {
		return false
	}
	m.SetResolution(res)
	return true
}

// ToggleMirror は左右反転を切り替える。ハードウェアには触れない
func (m *DefaultManager) ToggleMirror() {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	m.config.Mirror = !m.config.Mirror
	m.mu.Unlock()
	m.applyMirror()
}

// CheckCameraActive は映像トラックが動作中かを返す
func (m *DefaultManager) CheckCameraActive() bool {
	m.mu.RLock()
	stream := m.currentStream
	m.mu.RUnlock()
	if stream == nil {
		return false
	}
	tracks := stream.VideoTracks()
	return len(tracks) > 0 && tracks[0].ReadyState() == ReadyStateLive
}

// Destroy は購読を全て解除し、カメラを止め、計測値を初期化する
func (m *DefaultManager) Destroy() {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.logger.Info().Msg("カメラマネージャーを破棄します")
	m.events.clear()
	m.stopCamera()

	m.mu.Lock()
	m.metrics = Metrics{Errors: []CameraError{}}
	m.state = StateStopped
	if m.opts.ClearCapabilitiesOnDestroy {
		m.capabilitiesChecked = false
	}
	m.mu.Unlock()

	if m.opts.ClearCapabilitiesOnDestroy {
		m.caps.reset()
	}
}

// State は現在の状態を返す
func (m *DefaultManager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsStreaming はストリームを保持しているかを返す
func (m *DefaultManager) IsStreaming() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentStream != nil
}

// IsInitialized は直近の開始処理が完了したかを返す
func (m *DefaultManager) IsInitialized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized
}

// HasMultipleCameras は複数のカメラが見つかっているかを返す
func (m *DefaultManager) HasMultipleCameras() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.availableDevices) > 1
}

// AvailableDevices はキャッシュ済みのデバイス一覧を返す
func (m *DefaultManager) AvailableDevices() []DeviceInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]DeviceInfo(nil), m.availableDevices...)
}

// CurrentStream は現在のストリームを返す
func (m *DefaultManager) CurrentStream() Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentStream
}

// CurrentDevice は使用中のデバイスを返す
func (m *DefaultManager) CurrentDevice() *DeviceInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.currentDevice == nil {
		return nil
	}
	d := *m.currentDevice
	return &d
}

// CurrentResolution は実際に得られた解像度を返す
func (m *DefaultManager) CurrentResolution() *Resolution {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.currentResolution == nil {
		return nil
	}
	r := *m.currentResolution
	return &r
}

// CurrentCameraConfig は現在の設定の複製を返す
func (m *DefaultManager) CurrentCameraConfig() Configuration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.clone()
}

// CurrentPreview は接続中のプレビューを返す
func (m *DefaultManager) CurrentPreview() Preview {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Preview
}

// CapturedImage は最後に撮影した画像を返す
func (m *DefaultManager) CapturedImage() *CapturedImage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.capturedImage == nil {
		return nil
	}
	img := *m.capturedImage
	return &img
}

// frameRater はプレビューが実測したフレームレートを返す
type frameRater interface {
	FrameRate() float64
}

// Metrics は計測値の複製を返す
//
// トラックがフレームレートを報告しない場合はプレビューの実測値を使う。
func (m *DefaultManager) Metrics() Metrics {
	m.mu.RLock()
	out := m.metrics
	out.Errors = append([]CameraError(nil), m.metrics.Errors...)
	preview := m.config.Preview
	streaming := m.currentStream != nil
	m.mu.RUnlock()

	if out.FrameRate == 0 && streaming {
		if r, ok := preview.(frameRater); ok {
			out.FrameRate = r.FrameRate()
		}
	}
	return out
}

func (m *DefaultManager) emitSuccess(event EventType, data any) {
	m.events.emit(Response{Event: event, Status: StatusSuccess, Data: data})
}

// emitError はERRORチャンネルへ通知し、計測値に記録する
func (m *DefaultManager) emitError(ce *CameraError) {
	m.mu.Lock()
	m.metrics.Errors = append(m.metrics.Errors, *ce)
	m.mu.Unlock()

	m.logger.Error().Err(ce.Err).Str("code", string(ce.Code)).Msg(ce.Message)
	m.events.emit(Response{Event: EventError, Status: StatusError, Error: ce})
}
