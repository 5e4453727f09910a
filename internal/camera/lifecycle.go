package camera

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// StartInfo はSTART_CAMERA_SUCCESSで通知される内容
type StartInfo struct {
	Device     *DeviceInfo `json:"device,omitempty"`
	Resolution *Resolution `json:"resolution,omitempty"`
}

// StartCamera は現在の設定でカメラを開始する
func (m *DefaultManager) StartCamera(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if err := m.startCamera(ctx); err != nil {
		m.emitError(asCameraError(err, ErrCodeInitialization, "Failed to start camera"))
		return err
	}
	return nil
}

// StartCameraWithResolution はカメラを開始し、制約を満たせない場合は一度だけフォールバック解像度で再試行する
func (m *DefaultManager) StartCameraWithResolution(ctx context.Context, allowFallback bool) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	return m.startCameraWithResolution(ctx, allowFallback)
}

// StopCamera はカメラを停止する。ストリームが無ければ何もしない
func (m *DefaultManager) StopCamera() {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.stopCamera()
}

// RestartCamera は停止してから現在の設定で開始し直す
func (m *DefaultManager) RestartCamera(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if err := m.restartCamera(ctx); err != nil {
		m.emitError(asCameraError(err, ErrCodeInitialization, "Failed to restart camera"))
		return err
	}
	return nil
}

// ApplyConfigChanges は設定の一部を変更し、必要最小限の方法でハードウェアへ反映する
//
// デバイス・向き・解像度の変更、または forceRestart 指定時は再起動する。
// それ以外はトラックへ制約を直接適用し、左右反転だけならハードウェアに触れない。
// 失敗した場合は呼び出し前の設定に戻す。
func (m *DefaultManager) ApplyConfigChanges(ctx context.Context, change ConfigChange, forceRestart bool) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if err := m.applyConfigChanges(ctx, change, forceRestart); err != nil {
		m.emitError(newCameraError(ErrCodeApplyConstraints, "Failed to apply camera configuration changes", err))
		return err
	}
	return nil
}

// SwitchCamera は列挙順で次のカメラへ切り替える。切り替えを試みた場合は true を返す
func (m *DefaultManager) SwitchCamera(ctx context.Context) bool {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.RLock()
	current := m.currentDevice
	devices := append([]DeviceInfo(nil), m.availableDevices...)
	m.mu.RUnlock()

	if current == nil || len(devices) <= 1 {
		return false
	}

	index := -1
	for i, d := range devices {
		if d.DeviceID == current.DeviceID {
			index = i
			break
		}
	}
	next := devices[(index+1)%len(devices)]

	m.logger.Info().Str("from", current.DeviceID).Str("to", next.DeviceID).Msg("カメラを切り替えます")
	if err := m.applyConfigChanges(ctx, ConfigChange{SelectedDevice: &next}, true); err != nil {
		m.emitError(newCameraError(ErrCodeSwitchCamera, "Failed to switch camera", err))
	}
	return true
}

// Retry はエラー状態から停止→デバイス再列挙→開始の順でやり直す
func (m *DefaultManager) Retry(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.logger.Info().Str("state", string(m.State())).Msg("カメラの再初期化を行います")
	m.stopCamera()

	m.mu.Lock()
	m.availableDevices = nil
	m.state = StateUninitialized
	m.mu.Unlock()

	m.GetCameraDevices(ctx)
	return m.startCameraWithResolution(ctx, true)
}

func (m *DefaultManager) startCameraWithResolution(ctx context.Context, allowFallback bool) error {
	err := m.startCamera(ctx)
	if err == nil {
		return nil
	}

	m.mu.RLock()
	fallback := m.config.FallbackResolution
	m.mu.RUnlock()

	if !IsOverconstrained(err) || !allowFallback || fallback == nil {
		ce := newCameraError(ErrCodeInitialization, "Failed to start camera with resolution", err)
		m.emitError(ce)
		return ce
	}

	if !fallback.Valid() {
		ce := newCameraError(ErrCodeConstraint, "Invalid fallback resolution specification", err)
		m.emitError(ce)
		return ce
	}

	m.mu.Lock()
	previous := m.config.Resolution
	fb := *fallback
	m.config.Resolution = &fb
	m.mu.Unlock()

	m.logger.Warn().Stringer("fallback", fb).Msg("フォールバック解像度で再試行します")

	if err := m.startCamera(ctx); err != nil {
		m.mu.Lock()
		m.config.Resolution = previous
		m.mu.Unlock()

		ce := newCameraError(ErrCodeConstraintFallbackNotSatisfied, "Fallback resolution not satisfied", err)
		m.emitError(ce)
		return ce
	}
	return nil
}

// startCamera は既存のストリームを止めてから新しいストリームを取得する
func (m *DefaultManager) startCamera(ctx context.Context) error {
	restarting := m.State() == StateRestarting
	m.stopCamera()

	m.mu.Lock()
	if !restarting {
		m.state = StateInitializing
	}
	m.initialized = false
	cfg := m.config.clone()
	m.mu.Unlock()

	started := m.opts.Now()
	constraints := Constraints{Audio: cfg.EnableAudio, Video: m.createConstraints(cfg)}

	stream, err := m.acquire(ctx, constraints)
	if err != nil {
		m.mu.Lock()
		m.state = StateError
		m.mu.Unlock()
		return err
	}

	if err := m.saveActiveConfig(stream); err != nil {
		stopTracks(stream)
		m.mu.Lock()
		m.currentStream = nil
		m.state = StateError
		m.mu.Unlock()
		return err
	}
	m.applyMirror()

	if cfg.Preview != nil {
		if err := cfg.Preview.SetStream(ctx, stream); err != nil {
			stopTracks(stream)
			cfg.Preview.ClearStream()
			m.mu.Lock()
			m.currentStream = nil
			m.state = StateError
			m.mu.Unlock()
			return newCameraError(ErrCodeInitialization, "Failed to load video", err)
		}
	}

	m.mu.Lock()
	m.metrics.StartupTime = m.opts.Now().Sub(started)
	m.state = StateStreaming
	m.initialized = true
	info := StartInfo{Resolution: m.currentResolution}
	if m.currentDevice != nil {
		d := *m.currentDevice
		info.Device = &d
	}
	if info.Resolution != nil {
		r := *info.Resolution
		info.Resolution = &r
	}
	m.mu.Unlock()

	m.logger.Info().
		Str("device_id", deviceID(info.Device)).
		Stringer("resolution", resolutionOrZero(info.Resolution)).
		Dur("startup_time", m.Metrics().StartupTime).
		Msg("カメラを開始しました")

	m.emitSuccess(EventStartCameraSuccess, info)
	return nil
}

// acquire はストリームを取得し、バックエンドのエラーを分類する
func (m *DefaultManager) acquire(ctx context.Context, constraints Constraints) (Stream, error) {
	if !m.IsCameraAccessSupported() {
		return nil, newCameraError(ErrCodeBrowserNotCompatible, "Camera API not supported", ErrNotSupported)
	}

	ctx, cancel := withTimeout(ctx, m.opts.AcquireTimeout)
	defer cancel()

	stream, err := m.devices.GetUserMedia(ctx, constraints)
	if err != nil {
		return nil, classifyAcquireError(err)
	}
	if stream == nil {
		return nil, newCameraError(ErrCodeInitialization, "Failed to get stream", nil)
	}
	return stream, nil
}

func classifyAcquireError(err error) error {
	switch {
	case IsOverconstrained(err):
		return newCameraError(ErrCodeConstraintNotSatisfied, "Constraints could not be satisfied", err)
	case errors.Is(err, ErrDeviceInUse):
		return newCameraError(ErrCodeDeviceInUse, "Camera is in use by another application", err)
	case errors.Is(err, ErrPermissionDenied):
		return newCameraError(ErrCodePermissionDenied, "Camera permission denied", err)
	case errors.Is(err, ErrNotSupported):
		return newCameraError(ErrCodeBrowserNotCompatible, "Camera API not supported", err)
	case errors.Is(err, context.DeadlineExceeded):
		return newCameraError(ErrCodeInitialization, "Timed out waiting for camera", err)
	}
	return newCameraError(ErrCodeInitialization, "Failed to get stream", err)
}

// createConstraints は設定から制約を作る
//
// 解像度はexactで送る。デバイス指定がある場合はdeviceId、無ければfacingModeのヒントを送る。
func (m *DefaultManager) createConstraints(cfg Configuration) *VideoConstraints {
	res := DefaultResolution()
	if cfg.Resolution != nil {
		res = *cfg.Resolution
	}
	if cfg.AutoSwapResolution && (m.oracle.IsMobile() || m.oracle.IsTablet()) {
		res = res.Swapped()
	}

	vc := &VideoConstraints{
		Width:  ConstrainInt{Exact: intPtr(res.Width)},
		Height: ConstrainInt{Exact: intPtr(res.Height)},
	}
	if res.AspectRatio > 0 {
		vc.AspectRatio = ConstrainFloat{Ideal: floatPtr(res.AspectRatio)}
	}

	if cfg.SelectedDevice != nil && cfg.SelectedDevice.DeviceID != "" {
		vc.DeviceID = ConstrainString{Exact: cfg.SelectedDevice.DeviceID}
	} else if cfg.FacingMode != "" {
		vc.FacingMode = ConstrainString{Ideal: string(cfg.FacingMode)}
	}
	return vc
}

// saveActiveConfig はトラックの実際の設定を読み取り、設定へ反映する
func (m *DefaultManager) saveActiveConfig(stream Stream) error {
	tracks := stream.VideoTracks()
	if len(tracks) == 0 {
		return newCameraError(ErrCodeTrackNotFound, "No video track found in camera stream", ErrNoVideoTrack)
	}
	settings := tracks[0].Settings()

	m.mu.Lock()
	defer m.mu.Unlock()

	requested := m.config.Resolution
	swap := shouldSwapDimensions(requested, settings.Width, settings.Height, m.config.AutoSwapResolution)

	width, height := settings.Width, settings.Height
	aspect := settings.AspectRatio
	if swap {
		width, height = height, width
	}
	if swap || aspect == 0 {
		aspect = 0
		if height > 0 {
			aspect = float64(width) / float64(height)
		}
	}

	actual := Resolution{
		Width:       width,
		Height:      height,
		AspectRatio: aspect,
		Name:        ResolutionName(width, height),
	}
	if p, ok := matchPreset(width, height); ok {
		actual.Preset = p
	}

	if requested != nil && (requested.Width != actual.Width || requested.Height != actual.Height) {
		m.logger.Warn().
			Stringer("requested", *requested).
			Stringer("actual", actual).
			Bool("swapped", swap).
			Msg("要求と異なる解像度が割り当てられました")
	}

	var device *DeviceInfo
	for i := range m.availableDevices {
		if m.availableDevices[i].DeviceID == settings.DeviceID {
			d := m.availableDevices[i]
			device = &d
			break
		}
	}
	if device == nil && settings.DeviceID != "" {
		m.logger.Debug().Str("device_id", settings.DeviceID).Msg("列挙済みのデバイスに見つかりません")
		device = &DeviceInfo{DeviceID: settings.DeviceID, Kind: KindVideoInput}
		if settings.FacingMode != "" {
			device.FacingModes = []FacingMode{settings.FacingMode}
		}
	}

	m.currentStream = stream
	m.currentResolution = &actual
	m.currentDevice = device
	m.metrics.FrameRate = settings.FrameRate

	res := actual
	m.config.Resolution = &res
	if device != nil {
		d := *device
		m.config.SelectedDevice = &d
	} else {
		m.config.SelectedDevice = nil
	}
	if settings.FacingMode != "" {
		m.config.FacingMode = settings.FacingMode
	}
	return nil
}

// shouldSwapDimensions は端末が幅と高さを入れ替えて割り当てたかを判定する
func shouldSwapDimensions(requested *Resolution, width, height int, autoSwap bool) bool {
	if requested == nil || !autoSwap || width <= 0 || height <= 0 || requested.Height <= 0 {
		return false
	}

	actualAR := float64(width) / float64(height)
	requestedAR := float64(requested.Width) / float64(requested.Height)
	if math.Abs(actualAR-requestedAR) <= 0.01 {
		return false
	}

	if height == requested.Width && width == requested.Height {
		return true
	}
	swappedAR := float64(height) / float64(width)
	return math.Abs(swappedAR-requestedAR) < math.Abs(actualAR-requestedAR)
}

// stopCamera は全トラックを止めてストリームを切り離す
func (m *DefaultManager) stopCamera() {
	m.mu.Lock()
	stream := m.currentStream
	if stream == nil {
		m.mu.Unlock()
		return
	}
	m.currentStream = nil
	m.initialized = false
	if m.state != StateRestarting {
		m.state = StateStopped
	}
	preview := m.config.Preview
	m.mu.Unlock()

	stopTracks(stream)
	if preview != nil {
		preview.ClearStream()
	}

	m.logger.Info().Str("stream_id", stream.ID()).Msg("カメラを停止しました")
	m.emitSuccess(EventStopCamera, nil)
}

// restartCamera は停止して開始し直し、前後のトラック設定を比較する
// エラーイベントは呼び出し元の操作が通知する
func (m *DefaultManager) restartCamera(ctx context.Context) error {
	m.mu.Lock()
	snapshot := m.config.clone()
	var before *TrackSettings
	if m.currentStream != nil {
		if tracks := m.currentStream.VideoTracks(); len(tracks) > 0 {
			s := tracks[0].Settings()
			before = &s
		}
	}
	m.state = StateRestarting
	m.mu.Unlock()

	m.stopCamera()

	m.mu.Lock()
	m.metrics.ResolutionChanges++
	m.mu.Unlock()

	if err := m.startCamera(ctx); err != nil {
		m.mu.Lock()
		m.config = snapshot
		m.state = StateError
		m.mu.Unlock()

		return newCameraError(ErrCodeInitialization, "Failed to restart camera", err)
	}

	after := m.videoSettings()
	if before != nil && after != nil && !sameTrackSettings(*before, *after) {
		m.emitWarning(newCameraError(ErrCodeResolutionNotSupported, "Failed to restore previous camera settings", nil))
	}
	return nil
}

// sameTrackSettings は幅・高さ・アスペクト比・向き・フレームレートを比較する
func sameTrackSettings(a, b TrackSettings) bool {
	return a.Width == b.Width &&
		a.Height == b.Height &&
		a.AspectRatio == b.AspectRatio &&
		a.FacingMode == b.FacingMode &&
		a.FrameRate == b.FrameRate
}

func (m *DefaultManager) applyConfigChanges(ctx context.Context, change ConfigChange, forceRestart bool) error {
	m.mu.Lock()
	previous := m.config.clone()
	significant := isSignificantChange(previous, change)
	m.config = mergeConfig(previous, change)
	streaming := m.currentStream != nil
	m.mu.Unlock()

	err := m.applyMergedConfig(ctx, previous, significant || forceRestart, streaming)
	if err == nil {
		return nil
	}

	m.mu.Lock()
	failed := m.config.Preview
	m.config = previous
	stream := m.currentStream
	m.mu.Unlock()

	// ストリームが生きていれば元のプレビューへ戻す
	if stream != nil && failed != previous.Preview {
		if failed != nil {
			failed.ClearStream()
		}
		if previous.Preview != nil {
			if bindErr := previous.Preview.SetStream(ctx, stream); bindErr != nil {
				m.logger.Warn().Err(bindErr).Msg("元のプレビューへの再接続に失敗")
			}
		}
	}
	m.applyMirror()
	return err
}

func (m *DefaultManager) applyMergedConfig(ctx context.Context, previous Configuration, restart, streaming bool) error {
	if !streaming {
		m.logger.Debug().Msg("カメラが未開始のため開始します")
		return m.startCamera(ctx)
	}

	m.mu.RLock()
	previewChanged := m.config.Preview != previous.Preview
	m.mu.RUnlock()
	if previewChanged && previous.Preview != nil {
		previous.Preview.ClearStream()
	}

	if restart {
		m.logger.Debug().Msg("重要な変更のためカメラを再起動します")
		return m.restartCamera(ctx)
	}

	m.mu.RLock()
	stream := m.currentStream
	cfg := m.config.clone()
	m.mu.RUnlock()

	tracks := stream.VideoTracks()
	if len(tracks) == 0 {
		return newCameraError(ErrCodeTrackNotFound, "No video track found in camera stream", ErrNoVideoTrack)
	}
	track := tracks[0]

	if previewChanged && cfg.Preview != nil {
		m.logger.Debug().Msg("プレビューを付け替えます")
		if err := cfg.Preview.SetStream(ctx, stream); err != nil {
			return newCameraError(ErrCodeInitialization, "Failed to load video", err)
		}
		m.applyMirror()
	}

	constraints := m.createConstraints(cfg)
	if hasSettingsChanged(track.Settings(), *constraints) {
		if err := track.ApplyConstraints(ctx, *constraints); err != nil {
			return fmt.Errorf("制約の適用に失敗: %w", err)
		}
		if err := m.saveActiveConfig(stream); err != nil {
			return err
		}
		m.mu.Lock()
		m.metrics.ResolutionChanges++
		m.mu.Unlock()
	}

	if cfg.Mirror != previous.Mirror {
		m.applyMirror()
	}
	return nil
}

// isSignificantChange はデバイス・向き・解像度が変わるかを判定する。nilのフィールドは変更とみなさない
func isSignificantChange(current Configuration, change ConfigChange) bool {
	if change.SelectedDevice != nil {
		if current.SelectedDevice == nil || current.SelectedDevice.DeviceID != change.SelectedDevice.DeviceID {
			return true
		}
	}
	if change.FacingMode != nil && *change.FacingMode != current.FacingMode {
		return true
	}
	if change.Resolution != nil {
		if current.Resolution == nil ||
			current.Resolution.Width != change.Resolution.Width ||
			current.Resolution.Height != change.Resolution.Height {
			return true
		}
	}
	return false
}

// mergeConfig は変更を現在の設定へ重ねる
func mergeConfig(current Configuration, change ConfigChange) Configuration {
	out := current.clone()
	if change.Preview != nil {
		out.Preview = change.Preview
	}
	if change.Canvas != nil {
		out.Canvas = change.Canvas
	}
	if change.SelectedDevice != nil {
		d := *change.SelectedDevice
		out.SelectedDevice = &d
	}
	if change.FacingMode != nil {
		out.FacingMode = *change.FacingMode
		// 向きだけを変える場合はデバイス指定を外してヒントで選ばせる
		if change.SelectedDevice == nil && *change.FacingMode != current.FacingMode {
			out.SelectedDevice = nil
		}
	}
	if change.Resolution != nil {
		r := *change.Resolution
		out.Resolution = &r
	}
	if change.FallbackResolution != nil {
		r := *change.FallbackResolution
		out.FallbackResolution = &r
	}
	if change.EnableAudio != nil {
		out.EnableAudio = *change.EnableAudio
	}
	if change.Mirror != nil {
		out.Mirror = *change.Mirror
	}
	if change.AutoSwapResolution != nil {
		out.AutoSwapResolution = *change.AutoSwapResolution
	}
	return out
}

// hasSettingsChanged は幅・高さ・向き・アスペクト比のいずれかが制約と異なるかを判定する
func hasSettingsChanged(current TrackSettings, next VideoConstraints) bool {
	if w, ok := next.Width.Value(); ok && w != current.Width {
		return true
	}
	if h, ok := next.Height.Value(); ok && h != current.Height {
		return true
	}
	if f, ok := next.FacingMode.Value(); ok && FacingMode(f) != current.FacingMode {
		return true
	}
	if ar, ok := next.AspectRatio.Value(); ok && math.Abs(ar-current.AspectRatio) > 1e-6 {
		return true
	}
	return false
}

// applyMirror は設定の左右反転をプレビューへ反映する
func (m *DefaultManager) applyMirror() {
	m.mu.RLock()
	preview := m.config.Preview
	mirror := m.config.Mirror
	m.mu.RUnlock()

	if preview != nil {
		preview.SetMirror(mirror)
	}
}

func (m *DefaultManager) videoSettings() *TrackSettings {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.currentStream == nil {
		return nil
	}
	tracks := m.currentStream.VideoTracks()
	if len(tracks) == 0 {
		return nil
	}
	s := tracks[0].Settings()
	return &s
}

// emitWarning は処理を止めない異常をERRORチャンネルへ通知する
func (m *DefaultManager) emitWarning(ce *CameraError) {
	m.mu.Lock()
	m.metrics.Errors = append(m.metrics.Errors, *ce)
	m.mu.Unlock()

	m.logger.Warn().Str("code", string(ce.Code)).Msg(ce.Message)
	m.events.emit(Response{Event: EventError, Status: StatusError, Error: ce})
}

// asCameraError はerrがCameraErrorならそれを、そうでなければ包んだものを返す
func asCameraError(err error, code ErrorCode, message string) *CameraError {
	var ce *CameraError
	if errors.As(err, &ce) {
		return ce
	}
	return newCameraError(code, message, err)
}

func deviceID(d *DeviceInfo) string {
	if d == nil {
		return ""
	}
	return d.DeviceID
}

func resolutionOrZero(r *Resolution) Resolution {
	if r == nil {
		return Resolution{}
	}
	return *r
}
