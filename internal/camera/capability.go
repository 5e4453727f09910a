package camera

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ResolutionSupport はプリセットと対応する向き
type ResolutionSupport struct {
	Preset       Preset       `json:"preset"`
	Orientations Orientations `json:"orientations"`
}

// DeviceResolution はデバイス単位の判定結果
type DeviceResolution struct {
	SupportedResolutions  []ResolutionSupport `json:"supported_resolutions"`
	RecommendedResolution Preset              `json:"recommended_resolution,omitempty"`
	IsSupported           bool                `json:"is_supported"`
	Error                 string              `json:"error,omitempty"`
}

// CameraCapability はセッション中に一度だけ調べるカメラ能力
type CameraCapability struct {
	IsSupported           bool                        `json:"is_supported"`
	HasMultipleCameras    bool                        `json:"has_multiple_cameras"`
	AvailableDevices      []DeviceInfo                `json:"available_devices"`
	SupportedResolutions  []ResolutionSupport         `json:"supported_resolutions"`
	DeviceResolutions     map[string]DeviceResolution `json:"device_resolutions"`
	RecommendedResolution Preset                      `json:"recommended_resolution,omitempty"`
	ErrorMessage          string                      `json:"error_message,omitempty"`
}

// failedCapability は判定失敗時の値を作る
func failedCapability(err error) CameraCapability {
	return CameraCapability{
		IsSupported:          false,
		AvailableDevices:     []DeviceInfo{},
		SupportedResolutions: []ResolutionSupport{},
		DeviceResolutions:    map[string]DeviceResolution{},
		ErrorMessage:         err.Error(),
	}
}

// buildDeviceResolution は判定結果から対応プリセットと推奨プリセットを求める
func buildDeviceResolution(results []SupportedResolutions) DeviceResolution {
	available := make([]ResolutionSupport, 0, len(results))
	for _, r := range results {
		if r.Orientations.Landscape || r.Orientations.Portrait {
			available = append(available, ResolutionSupport{Preset: r.Preset, Orientations: r.Orientations})
		}
	}

	var recommended Preset
	for _, a := range available {
		if a.Preset == PresetHD {
			recommended = PresetHD
			break
		}
	}
	if recommended == "" && len(available) > 0 {
		recommended = available[0].Preset
	}

	return DeviceResolution{
		SupportedResolutions:  available,
		RecommendedResolution: recommended,
		IsSupported:           len(available) > 0,
	}
}

// CapabilityHandler は能力判定結果の購読関数
type CapabilityHandler func(CameraCapability)

// capabilityHub は最新値を保持し、購読時に最新値を即座に渡す
type capabilityHub struct {
	mu       sync.RWMutex
	value    *CameraCapability
	handlers map[Subscription]CapabilityHandler
	order    []Subscription
}

func newCapabilityHub() *capabilityHub {
	return &capabilityHub{handlers: make(map[Subscription]CapabilityHandler)}
}

func (h *capabilityHub) subscribe(fn CapabilityHandler) Subscription {
	h.mu.Lock()
	id := Subscription(uuid.New().String())
	h.handlers[id] = fn
	h.order = append(h.order, id)
	current := h.value
	h.mu.Unlock()

	if current != nil {
		fn(*current)
	}
	return id
}

func (h *capabilityHub) unsubscribe(id Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.handlers, id)
	for i, s := range h.order {
		if s == id {
			h.order = append(h.order[:i:i], h.order[i+1:]...)
			break
		}
	}
}

func (h *capabilityHub) publish(c CameraCapability) {
	h.mu.Lock()
	h.value = &c
	targets := make([]CapabilityHandler, 0, len(h.order))
	for _, id := range h.order {
		targets = append(targets, h.handlers[id])
	}
	h.mu.Unlock()

	for _, fn := range targets {
		fn(c)
	}
}

func (h *capabilityHub) current() *CameraCapability {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.value == nil {
		return nil
	}
	c := *h.value
	return &c
}

func (h *capabilityHub) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.value = nil
}

// GetCapabilities は最新の能力判定結果を返す。未判定ならnil
func (m *DefaultManager) GetCapabilities() *CameraCapability {
	return m.caps.current()
}

// CheckCameraCapabilities は全デバイスの対応解像度を調べて購読者へ通知する
//
// 判定はマネージャーの生存期間中に一度だけ行い、2回目以降はキャッシュ済みの結果を返す。
// 失敗は isSupported=false の結果として通知し、エラーとしては返さない。
func (m *DefaultManager) CheckCameraCapabilities(ctx context.Context) bool {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.RLock()
	checked := m.capabilitiesChecked
	m.mu.RUnlock()
	if checked {
		if c := m.caps.current(); c != nil {
			return c.IsSupported
		}
		return false
	}

	capability, err := m.probeCapabilities(ctx)
	if ctx.Err() != nil {
		// 呼び出し側の中断による失敗は記録せず、次回もう一度判定する
		m.logger.Warn().Err(ctx.Err()).Msg("カメラ能力の判定が中断されました")
		return false
	}
	if err != nil {
		m.logger.Warn().Err(err).Msg("カメラ能力の判定に失敗")
		capability = failedCapability(err)
	}

	m.mu.Lock()
	m.capabilitiesChecked = true
	m.mu.Unlock()

	m.caps.publish(capability)
	return capability.IsSupported
}

func (m *DefaultManager) probeCapabilities(ctx context.Context) (CameraCapability, error) {
	if !m.IsCameraAccessSupported() {
		return CameraCapability{}, ErrNotSupported
	}
	if !m.HasPermissions(ctx) {
		return CameraCapability{}, ErrPermissionDenied
	}

	devices := m.GetCameraDevices(ctx)
	if len(devices) == 0 {
		return CameraCapability{}, fmt.Errorf("カメラデバイスが見つかりません")
	}

	// デバイスごとの試験ストリームは独立しているので並行に調べる
	perDevice := make([]DeviceResolution, len(devices))
	var wg sync.WaitGroup
	for i, d := range devices {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			results, err := m.prober.ProbeDevice(ctx, id)
			if err != nil {
				m.logger.Warn().Err(err).Str("device_id", id).Msg("デバイスの解像度確認に失敗")
				perDevice[i] = DeviceResolution{SupportedResolutions: []ResolutionSupport{}, Error: err.Error()}
				return
			}
			perDevice[i] = buildDeviceResolution(results)
		}(i, d.DeviceID)
	}
	wg.Wait()

	capability := CameraCapability{
		IsSupported:          true,
		HasMultipleCameras:   len(devices) > 1,
		AvailableDevices:     devices,
		SupportedResolutions: []ResolutionSupport{},
		DeviceResolutions:    make(map[string]DeviceResolution, len(devices)),
	}

	first := -1
	for i, d := range devices {
		capability.DeviceResolutions[d.DeviceID] = perDevice[i]
		if first < 0 && perDevice[i].IsSupported {
			first = i
		}
	}
	if first < 0 {
		return CameraCapability{}, fmt.Errorf("対応するカメラデバイスがありません")
	}

	capability.SupportedResolutions = perDevice[first].SupportedResolutions
	capability.RecommendedResolution = perDevice[first].RecommendedResolution
	return capability, nil
}

// CheckSupportedResolutions は指定デバイス（空なら全デバイス）の対応解像度を調べる
func (m *DefaultManager) CheckSupportedResolutions(ctx context.Context, deviceID string) ([]SupportedResolutions, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	devices := m.GetCameraDevices(ctx)
	if len(devices) == 0 {
		return nil, newCameraError(ErrCodeDeviceNotFound, "Failed to check supported resolutions", fmt.Errorf("カメラデバイスが見つかりません"))
	}

	if deviceID != "" {
		devices = []DeviceInfo{{DeviceID: deviceID, Kind: KindVideoInput}}
	}
	return m.prober.Probe(ctx, devices), nil
}

// GetSupportedResolutionsForOrientation は判定済みの既定デバイスで指定の向きに対応するプリセットを返す
func (m *DefaultManager) GetSupportedResolutionsForOrientation(o Orientation) []Preset {
	c := m.caps.current()
	if c == nil {
		return []Preset{}
	}

	out := make([]Preset, 0, len(c.SupportedResolutions))
	for _, r := range c.SupportedResolutions {
		if r.Orientations.Supports(o) {
			out = append(out, r.Preset)
		}
	}
	return out
}
