package camera

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"idcapture/internal/useragent"
)

var desktopOracle = useragent.Static{Desktop: true, OS: "Windows"}

func newTestManager(oracle useragent.Oracle, devices ...MockDevice) (*DefaultManager, *MockMediaDevices) {
	return newTestManagerWithOptions(oracle, Options{}, devices...)
}

func newTestManagerWithOptions(oracle useragent.Oracle, opts Options, devices ...MockDevice) (*DefaultManager, *MockMediaDevices) {
	media := NewMockMediaDevices(devices...)
	opts.Logger = zerolog.Nop()
	return NewDefaultManager(media, oracle, opts), media
}

// recorder はイベントを記録する
type recorder struct {
	mu     sync.Mutex
	events []Response
}

func (r *recorder) handle(resp Response) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, resp)
}

func (r *recorder) count(event EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Event == event {
			n++
		}
	}
	return n
}

func (r *recorder) errorCodes() []ErrorCode {
	r.mu.Lock()
	defer r.mu.Unlock()
	var codes []ErrorCode
	for _, e := range r.events {
		if e.Error != nil {
			codes = append(codes, e.Error.Code)
		}
	}
	return codes
}

func hasCode(codes []ErrorCode, code ErrorCode) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

func TestDefaultManager_StartCamera(t *testing.T) {
	ctx := context.Background()
	manager, media := newTestManager(desktopOracle, NewMockDevice("cam0", "Camera", FacingFront, 1920, 1080))

	rec := &recorder{}
	manager.On(EventAll, rec.handle)

	if manager.State() != StateUninitialized {
		t.Fatalf("Expected uninitialized state, got %s", manager.State())
	}

	if err := manager.StartCamera(ctx); err != nil {
		t.Fatalf("StartCamera failed: %v", err)
	}

	if manager.State() != StateStreaming {
		t.Errorf("Expected streaming state, got %s", manager.State())
	}
	if !manager.IsStreaming() || !manager.IsInitialized() || !manager.CheckCameraActive() {
		t.Error("Expected camera to be streaming and initialized")
	}

	res := manager.CurrentResolution()
	if res == nil || res.Width != 1280 || res.Height != 720 || res.Name != "HD" {
		t.Errorf("Expected 1280x720 (HD), got %+v", res)
	}
	if d := manager.CurrentDevice(); d == nil || d.DeviceID != "cam0" {
		t.Errorf("Expected current device cam0, got %+v", d)
	}
	if rec.count(EventStartCameraSuccess) != 1 {
		t.Errorf("Expected 1 START_CAMERA_SUCCESS, got %d", rec.count(EventStartCameraSuccess))
	}

	calls := media.Calls()
	if len(calls) != 1 {
		t.Fatalf("Expected 1 GetUserMedia call, got %d", len(calls))
	}
	vc := calls[0].Video
	if vc.Width.Exact == nil || *vc.Width.Exact != 1280 || vc.Height.Exact == nil || *vc.Height.Exact != 720 {
		t.Errorf("Expected exact 1280x720 constraints, got %+v", vc)
	}
	if vc.AspectRatio.Ideal == nil {
		t.Error("Expected ideal aspect ratio constraint")
	}
}

func TestDefaultManager_ConstraintsDeviceXorFacing(t *testing.T) {
	manager, _ := newTestManager(desktopOracle)

	facing := manager.createConstraints(Configuration{FacingMode: FacingBack})
	if facing.FacingMode.Ideal != string(FacingBack) || facing.DeviceID.Exact != "" {
		t.Errorf("Expected facing mode hint only, got %+v", facing)
	}

	device := DeviceInfo{DeviceID: "cam1"}
	withDevice := manager.createConstraints(Configuration{FacingMode: FacingBack, SelectedDevice: &device})
	if withDevice.DeviceID.Exact != "cam1" {
		t.Errorf("Expected exact device id, got %+v", withDevice.DeviceID)
	}
	if _, ok := withDevice.FacingMode.Value(); ok {
		t.Error("Expected facing mode to be omitted when a device is selected")
	}
}

func TestDefaultManager_StreamExclusivity(t *testing.T) {
	ctx := context.Background()
	manager, media := newTestManager(desktopOracle, NewMockDevice("cam0", "Camera", FacingFront, 1920, 1080))

	rec := &recorder{}
	manager.On(EventStopCamera, rec.handle)

	if err := manager.StartCamera(ctx); err != nil {
		t.Fatalf("first StartCamera failed: %v", err)
	}
	first := manager.CurrentStream()

	if err := manager.StartCamera(ctx); err != nil {
		t.Fatalf("second StartCamera failed: %v", err)
	}

	if n := media.LiveStreams(); n != 1 {
		t.Errorf("Expected exactly 1 live stream, got %d", n)
	}
	for _, track := range first.Tracks() {
		if track.ReadyState() != ReadyStateEnded {
			t.Error("Expected first stream tracks to be stopped")
		}
	}
	if rec.count(EventStopCamera) != 1 {
		t.Errorf("Expected 1 STOP_CAMERA, got %d", rec.count(EventStopCamera))
	}
}

func TestDefaultManager_ConcurrentStartKeepsOneStream(t *testing.T) {
	ctx := context.Background()
	manager, media := newTestManager(desktopOracle, NewMockDevice("cam0", "Camera", FacingFront, 1920, 1080))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = manager.StartCamera(ctx)
		}()
	}
	wg.Wait()

	if n := media.LiveStreams(); n != 1 {
		t.Errorf("Expected exactly 1 live stream after concurrent starts, got %d", n)
	}
}

func TestDefaultManager_StopCameraIdempotent(t *testing.T) {
	ctx := context.Background()
	manager, media := newTestManager(desktopOracle, NewMockDevice("cam0", "Camera", FacingFront, 1920, 1080))

	rec := &recorder{}
	manager.On(EventStopCamera, rec.handle)

	manager.StopCamera()
	if rec.count(EventStopCamera) != 0 {
		t.Error("Expected no STOP_CAMERA without a stream")
	}

	if err := manager.StartCamera(ctx); err != nil {
		t.Fatalf("StartCamera failed: %v", err)
	}
	manager.StopCamera()
	manager.StopCamera()

	if rec.count(EventStopCamera) != 1 {
		t.Errorf("Expected 1 STOP_CAMERA, got %d", rec.count(EventStopCamera))
	}
	if media.LiveStreams() != 0 {
		t.Error("Expected no live streams after stop")
	}
	if manager.State() != StateStopped {
		t.Errorf("Expected stopped state, got %s", manager.State())
	}
}

func TestDefaultManager_ApplyConfigChangesRollbackOnRestartFailure(t *testing.T) {
	ctx := context.Background()
	manager, media := newTestManager(desktopOracle, NewMockDevice("cam0", "Camera", FacingFront, 1920, 1080))

	if err := manager.StartCamera(ctx); err != nil {
		t.Fatalf("StartCamera failed: %v", err)
	}
	before := manager.CurrentCameraConfig()

	rec := &recorder{}
	manager.On(EventError, rec.handle)

	media.FailNext(errors.New("hardware failure"))
	fhd, _ := PresetResolution(PresetFHD)
	err := manager.ApplyConfigChanges(ctx, ConfigChange{Resolution: &fhd}, false)
	if err == nil {
		t.Fatal("Expected ApplyConfigChanges to fail")
	}

	after := manager.CurrentCameraConfig()
	if after.Resolution == nil || *after.Resolution != *before.Resolution {
		t.Errorf("Expected resolution %+v to be restored, got %+v", before.Resolution, after.Resolution)
	}
	if manager.State() != StateError {
		t.Errorf("Expected error state, got %s", manager.State())
	}
	if codes := rec.errorCodes(); len(codes) != 1 || codes[0] != ErrCodeApplyConstraints {
		t.Errorf("Expected a single APPLY_CONSTRAINTS_ERROR, got %v", codes)
	}
}

func TestDefaultManager_RestartFailureEmitsOnce(t *testing.T) {
	ctx := context.Background()
	manager, media := newTestManager(desktopOracle, NewMockDevice("cam0", "Camera", FacingFront, 1920, 1080))

	if err := manager.StartCamera(ctx); err != nil {
		t.Fatalf("StartCamera failed: %v", err)
	}

	rec := &recorder{}
	manager.On(EventError, rec.handle)

	media.FailNext(errors.New("hardware failure"))
	if err := manager.RestartCamera(ctx); err == nil {
		t.Fatal("Expected RestartCamera to fail")
	}
	if codes := rec.errorCodes(); len(codes) != 1 || codes[0] != ErrCodeInitialization {
		t.Errorf("Expected a single INITIALIZATION_ERROR, got %v", codes)
	}
}

func TestDefaultManager_ApplyConfigChangesRollbackOnApplyConstraints(t *testing.T) {
	ctx := context.Background()
	oracle := useragent.Static{Mobile: true, OS: "Android"}
	manager, media := newTestManager(oracle, NewMockDevice("cam0", "camera 0, facing back", FacingBack, 1920, 1920))

	if err := manager.StartCamera(ctx); err != nil {
		t.Fatalf("StartCamera failed: %v", err)
	}
	before := manager.CurrentCameraConfig()
	callsBefore := len(media.Calls())

	media.SetApplyConstraintsError(&OverconstrainedError{Constraint: "width"})

	swap := true
	err := manager.ApplyConfigChanges(ctx, ConfigChange{AutoSwapResolution: &swap}, false)
	if err == nil {
		t.Fatal("Expected ApplyConfigChanges to fail at the constraint-apply step")
	}
	if !IsOverconstrained(err) {
		t.Errorf("Expected overconstrained error in chain, got %v", err)
	}

	after := manager.CurrentCameraConfig()
	if after.AutoSwapResolution != before.AutoSwapResolution {
		t.Error("Expected AutoSwapResolution to be rolled back")
	}
	if *after.Resolution != *before.Resolution {
		t.Errorf("Expected resolution to be unchanged, got %+v", after.Resolution)
	}
	if len(media.Calls()) != callsBefore {
		t.Error("Expected in-place update not to reacquire the stream")
	}
	if !manager.IsStreaming() {
		t.Error("Expected stream to stay active after a failed in-place update")
	}
}

func TestDefaultManager_ApplyConfigChangesInPlace(t *testing.T) {
	ctx := context.Background()
	oracle := useragent.Static{Mobile: true, OS: "Android"}
	manager, media := newTestManager(oracle, NewMockDevice("cam0", "camera 0, facing back", FacingBack, 1920, 1920))

	if err := manager.StartCamera(ctx); err != nil {
		t.Fatalf("StartCamera failed: %v", err)
	}
	callsBefore := len(media.Calls())

	swap := true
	if err := manager.ApplyConfigChanges(ctx, ConfigChange{AutoSwapResolution: &swap}, false); err != nil {
		t.Fatalf("ApplyConfigChanges failed: %v", err)
	}

	if len(media.Calls()) != callsBefore {
		t.Error("Expected constraints to be applied to the live track")
	}
	if got := manager.Metrics().ResolutionChanges; got != 1 {
		t.Errorf("Expected 1 resolution change, got %d", got)
	}
	res := manager.CurrentResolution()
	if res == nil || res.Width != 1280 || res.Height != 720 {
		t.Errorf("Expected semantic 1280x720 after swapped apply, got %+v", res)
	}
}

func TestDefaultManager_ApplyConfigChangesStartsWhenIdle(t *testing.T) {
	ctx := context.Background()
	manager, _ := newTestManager(desktopOracle, NewMockDevice("cam0", "Camera", FacingFront, 1920, 1080))

	sd, _ := PresetResolution(PresetSD)
	if err := manager.ApplyConfigChanges(ctx, ConfigChange{Resolution: &sd}, false); err != nil {
		t.Fatalf("ApplyConfigChanges failed: %v", err)
	}
	if !manager.IsStreaming() {
		t.Fatal("Expected camera to be started")
	}
	if res := manager.CurrentResolution(); res.Width != 640 || res.Height != 480 {
		t.Errorf("Expected 640x480, got %+v", res)
	}
}

func TestDefaultManager_MirrorOnlyChangeDoesNotTouchHardware(t *testing.T) {
	ctx := context.Background()
	manager, media := newTestManager(desktopOracle, NewMockDevice("cam0", "Camera", FacingFront, 640, 480))

	preview := NewFramePreview(zerolog.Nop(), time.Hour)
	sd, _ := PresetResolution(PresetSD)
	if err := manager.ApplyConfigChanges(ctx, ConfigChange{Preview: preview, Resolution: &sd}, false); err != nil {
		t.Fatalf("ApplyConfigChanges failed: %v", err)
	}
	defer manager.Destroy()

	if !preview.Mirrored() {
		t.Error("Expected default configuration to mirror the preview")
	}
	calls := len(media.Calls())
	stream := manager.CurrentStream()

	mirror := false
	if err := manager.ApplyConfigChanges(ctx, ConfigChange{Mirror: &mirror}, false); err != nil {
		t.Fatalf("ApplyConfigChanges failed: %v", err)
	}

	if preview.Mirrored() {
		t.Error("Expected preview mirror to be turned off")
	}
	if len(media.Calls()) != calls || manager.CurrentStream() != stream {
		t.Error("Expected mirror-only change to keep the same stream")
	}

	manager.ToggleMirror()
	if !preview.Mirrored() || !manager.CurrentCameraConfig().Mirror {
		t.Error("Expected ToggleMirror to turn mirroring back on")
	}
}

func TestDefaultManager_FallbackOnce(t *testing.T) {
	ctx := context.Background()
	manager, media := newTestManager(desktopOracle, NewMockDevice("cam0", "Camera", FacingFront, 1920, 1080))

	uhd, _ := PresetResolution(PresetUHD)
	hd, _ := PresetResolution(PresetHD)
	manager.SetCurrentCameraConfiguration(Configuration{Resolution: &uhd, FallbackResolution: &hd, Mirror: true})

	if err := manager.StartCameraWithResolution(ctx, true); err != nil {
		t.Fatalf("StartCameraWithResolution failed: %v", err)
	}

	if n := len(media.Calls()); n != 2 {
		t.Errorf("Expected exactly 2 acquisition attempts, got %d", n)
	}
	if res := manager.CurrentResolution(); res.Width != 1280 || res.Height != 720 {
		t.Errorf("Expected fallback 1280x720, got %+v", res)
	}
}

func TestDefaultManager_FallbackFailureRestoresResolution(t *testing.T) {
	ctx := context.Background()
	manager, media := newTestManager(desktopOracle, NewMockDevice("cam0", "Camera", FacingFront, 1280, 720))

	rec := &recorder{}
	manager.On(EventError, rec.handle)

	uhd, _ := PresetResolution(PresetUHD)
	fhd, _ := PresetResolution(PresetFHD)
	manager.SetCurrentCameraConfiguration(Configuration{Resolution: &uhd, FallbackResolution: &fhd})

	err := manager.StartCameraWithResolution(ctx, true)
	if err == nil {
		t.Fatal("Expected StartCameraWithResolution to fail")
	}
	if CodeOf(err) != ErrCodeConstraintFallbackNotSatisfied {
		t.Errorf("Expected CONSTRAINT_FALLBACK_NOT_SATISFIED, got %s", CodeOf(err))
	}
	if n := len(media.Calls()); n != 2 {
		t.Errorf("Expected exactly 2 acquisition attempts, got %d", n)
	}

	cfg := manager.CurrentCameraConfig()
	if cfg.Resolution == nil || *cfg.Resolution != uhd {
		t.Errorf("Expected original resolution %+v, got %+v", uhd, cfg.Resolution)
	}
	if !hasCode(rec.errorCodes(), ErrCodeConstraintFallbackNotSatisfied) {
		t.Errorf("Expected error event, got %v", rec.errorCodes())
	}
	if manager.State() != StateError {
		t.Errorf("Expected error state, got %s", manager.State())
	}
}

func TestDefaultManager_NoFallbackWhenDisallowed(t *testing.T) {
	ctx := context.Background()
	manager, media := newTestManager(desktopOracle, NewMockDevice("cam0", "Camera", FacingFront, 1280, 720))

	uhd, _ := PresetResolution(PresetUHD)
	hd, _ := PresetResolution(PresetHD)
	manager.SetCurrentCameraConfiguration(Configuration{Resolution: &uhd, FallbackResolution: &hd})

	err := manager.StartCameraWithResolution(ctx, false)
	if CodeOf(err) != ErrCodeInitialization {
		t.Errorf("Expected INITIALIZATION_ERROR, got %v", err)
	}
	if !IsOverconstrained(err) {
		t.Error("Expected overconstrained cause to be preserved")
	}
	if n := len(media.Calls()); n != 1 {
		t.Errorf("Expected no retry, got %d calls", n)
	}
}

func TestDefaultManager_InvalidFallbackIsNotTried(t *testing.T) {
	ctx := context.Background()
	manager, media := newTestManager(desktopOracle, NewMockDevice("cam0", "Camera", FacingFront, 1280, 720))

	uhd, _ := PresetResolution(PresetUHD)
	broken := Resolution{Width: 640, Height: 480}
	manager.SetCurrentCameraConfiguration(Configuration{Resolution: &uhd, FallbackResolution: &broken})

	if err := manager.StartCameraWithResolution(ctx, true); err == nil {
		t.Fatal("Expected failure")
	}
	if n := len(media.Calls()); n != 1 {
		t.Errorf("Expected invalid fallback not to be tried, got %d calls", n)
	}
}

func TestDefaultManager_DimensionSwapReconciliation(t *testing.T) {
	ctx := context.Background()
	oracle := useragent.Static{Mobile: true, OS: "iOS"}
	manager, media := newTestManager(oracle, NewMockDevice("cam0", "Back Camera", FacingBack, 1920, 1080))

	portrait := Resolution{Width: 1080, Height: 1920, AspectRatio: 1080.0 / 1920.0, Name: "portrait"}
	manager.SetCurrentCameraConfiguration(Configuration{Resolution: &portrait, AutoSwapResolution: true})

	if err := manager.StartCamera(ctx); err != nil {
		t.Fatalf("StartCamera failed: %v", err)
	}

	vc := media.Calls()[0].Video
	if *vc.Width.Exact != 1920 || *vc.Height.Exact != 1080 {
		t.Errorf("Expected swapped 1920x1080 constraints, got %dx%d", *vc.Width.Exact, *vc.Height.Exact)
	}

	res := manager.CurrentResolution()
	if res.Width != 1080 || res.Height != 1920 {
		t.Errorf("Expected reconciled 1080x1920, got %dx%d", res.Width, res.Height)
	}
}

func TestDefaultManager_SilentSwapOnDesktop(t *testing.T) {
	ctx := context.Background()
	device := NewMockDevice("cam0", "Camera", FacingFront, 1920, 1920)
	device.Swap = true
	manager, _ := newTestManager(desktopOracle, device)

	fhd, _ := PresetResolution(PresetFHD)
	manager.SetCurrentCameraConfiguration(Configuration{Resolution: &fhd, AutoSwapResolution: true})

	if err := manager.StartCamera(ctx); err != nil {
		t.Fatalf("StartCamera failed: %v", err)
	}
	res := manager.CurrentResolution()
	if res.Width != 1920 || res.Height != 1080 || res.Name != "FHD" {
		t.Errorf("Expected un-swapped 1920x1080 (FHD), got %+v", res)
	}
}

func TestShouldSwapDimensions(t *testing.T) {
	fhd, _ := PresetResolution(PresetFHD)

	tests := []struct {
		name     string
		width    int
		height   int
		autoSwap bool
		want     bool
	}{
		{"要求通り", 1920, 1080, true, false},
		{"完全に入れ替わり", 1080, 1920, true, true},
		{"入れ替えた方が近い", 720, 1280, true, true},
		{"自動入れ替え無効", 1080, 1920, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := shouldSwapDimensions(&fhd, tt.width, tt.height, tt.autoSwap); got != tt.want {
				t.Errorf("shouldSwapDimensions(%dx%d) = %v, want %v", tt.width, tt.height, got, tt.want)
			}
		})
	}
}

func TestDefaultManager_CapabilityMemoization(t *testing.T) {
	ctx := context.Background()
	manager, media := newTestManager(desktopOracle,
		NewMockDevice("cam0", "Camera", FacingFront, 1920, 1080),
		NewMockDevice("cam1", "USB Capture", FacingBack, 640, 480),
	)

	var published []CameraCapability
	manager.OnCapability(func(c CameraCapability) { published = append(published, c) })

	if !manager.CheckCameraCapabilities(ctx) {
		t.Fatal("Expected capabilities to be supported")
	}
	probes := len(media.Calls())

	if !manager.CheckCameraCapabilities(ctx) {
		t.Fatal("Expected cached result to be supported")
	}
	if n := len(media.Calls()); n != probes {
		t.Errorf("Expected hardware to be probed once, got %d calls after second check (was %d)", n, probes)
	}
	if len(published) != 1 {
		t.Errorf("Expected capability to be published once, got %d", len(published))
	}

	c := manager.GetCapabilities()
	if c == nil || !c.HasMultipleCameras {
		t.Fatalf("Expected multiple cameras, got %+v", c)
	}
	if c.RecommendedResolution != PresetHD {
		t.Errorf("Expected HD recommendation, got %s", c.RecommendedResolution)
	}
	if r := c.DeviceResolutions["cam1"]; r.RecommendedResolution != PresetSD {
		t.Errorf("Expected SD recommendation for cam1, got %s", r.RecommendedResolution)
	}
	if media.LiveStreams() != 0 {
		t.Error("Expected trial streams to be stopped")
	}

	landscape := manager.GetSupportedResolutionsForOrientation(OrientationLandscape)
	if len(landscape) == 0 || landscape[0] != PresetSD {
		t.Errorf("Expected landscape presets starting with SD, got %v", landscape)
	}

	var late *CameraCapability
	manager.OnCapability(func(c CameraCapability) { late = &c })
	if late == nil || !late.IsSupported {
		t.Error("Expected late subscriber to receive the cached capability")
	}
}

func TestDefaultManager_CapabilityFailsClosedWithoutPermission(t *testing.T) {
	ctx := context.Background()
	manager, media := newTestManager(desktopOracle, NewMockDevice("cam0", "", FacingFront, 1920, 1080))

	if manager.CheckCameraCapabilities(ctx) {
		t.Fatal("Expected capabilities to be unsupported without permission")
	}
	c := manager.GetCapabilities()
	if c == nil || c.IsSupported || c.ErrorMessage == "" {
		t.Errorf("Expected failed capability with message, got %+v", c)
	}
	if len(media.Calls()) != 0 {
		t.Error("Expected no probing without permission")
	}
}

func TestDefaultManager_CheckSupportedResolutions(t *testing.T) {
	ctx := context.Background()
	manager, _ := newTestManager(desktopOracle,
		NewMockDevice("cam0", "Camera", FacingFront, 1920, 1080),
		NewMockDevice("cam1", "USB", FacingBack, 640, 480),
	)

	all, err := manager.CheckSupportedResolutions(ctx, "")
	if err != nil {
		t.Fatalf("CheckSupportedResolutions failed: %v", err)
	}
	if len(all) != 2*len(Presets()) {
		t.Errorf("Expected results for both devices, got %d", len(all))
	}

	one, err := manager.CheckSupportedResolutions(ctx, "cam1")
	if err != nil {
		t.Fatalf("CheckSupportedResolutions failed: %v", err)
	}
	for _, r := range one {
		if r.DeviceID != "cam1" {
			t.Errorf("Expected only cam1 results, got %s", r.DeviceID)
		}
	}

	empty, _ := newTestManager(desktopOracle)
	if _, err := empty.CheckSupportedResolutions(ctx, ""); CodeOf(err) != ErrCodeDeviceNotFound {
		t.Errorf("Expected DEVICE_NOT_FOUND, got %v", err)
	}
}

func TestDefaultManager_DestroyKeepsCapabilitiesByDefault(t *testing.T) {
	ctx := context.Background()
	manager, media := newTestManager(desktopOracle, NewMockDevice("cam0", "Camera", FacingFront, 1920, 1080))

	rec := &recorder{}
	manager.On(EventAll, rec.handle)

	manager.CheckCameraCapabilities(ctx)
	if err := manager.StartCamera(ctx); err != nil {
		t.Fatalf("StartCamera failed: %v", err)
	}
	seen := len(rec.events)

	manager.Destroy()

	if media.LiveStreams() != 0 {
		t.Error("Expected camera to be stopped")
	}
	if len(rec.events) != seen {
		t.Error("Expected subscriptions to be cleared before stopping")
	}
	if m := manager.Metrics(); m.StartupTime != 0 || len(m.Errors) != 0 || m.ResolutionChanges != 0 {
		t.Errorf("Expected metrics to be reset, got %+v", m)
	}
	if manager.GetCapabilities() == nil {
		t.Error("Expected capability cache to survive Destroy")
	}

	calls := len(media.Calls())
	manager.CheckCameraCapabilities(ctx)
	if len(media.Calls()) != calls {
		t.Error("Expected no re-probe after Destroy")
	}
}

func TestDefaultManager_DestroyClearsCapabilitiesWhenConfigured(t *testing.T) {
	ctx := context.Background()
	manager, media := newTestManagerWithOptions(desktopOracle,
		Options{ClearCapabilitiesOnDestroy: true},
		NewMockDevice("cam0", "Camera", FacingFront, 1920, 1080),
	)

	manager.CheckCameraCapabilities(ctx)
	manager.Destroy()

	if manager.GetCapabilities() != nil {
		t.Error("Expected capability cache to be cleared")
	}

	calls := len(media.Calls())
	manager.CheckCameraCapabilities(ctx)
	if len(media.Calls()) == calls {
		t.Error("Expected capabilities to be probed again")
	}
}

func TestDefaultManager_SwitchCamera(t *testing.T) {
	ctx := context.Background()
	manager, media := newTestManager(desktopOracle,
		NewMockDevice("cam0", "Camera", FacingFront, 1920, 1080),
		NewMockDevice("cam1", "USB Capture", FacingBack, 1920, 1080),
	)

	if manager.SwitchCamera(ctx) {
		t.Error("Expected switch to be a no-op before start")
	}

	manager.GetCameraDevices(ctx)
	if err := manager.StartCamera(ctx); err != nil {
		t.Fatalf("StartCamera failed: %v", err)
	}

	if !manager.SwitchCamera(ctx) {
		t.Fatal("Expected switch to run")
	}
	if d := manager.CurrentDevice(); d == nil || d.DeviceID != "cam1" {
		t.Errorf("Expected cam1, got %+v", d)
	}

	manager.SwitchCamera(ctx)
	if d := manager.CurrentDevice(); d == nil || d.DeviceID != "cam0" {
		t.Errorf("Expected wrap-around to cam0, got %+v", d)
	}
	if media.LiveStreams() != 1 {
		t.Errorf("Expected 1 live stream, got %d", media.LiveStreams())
	}
	if got := manager.Metrics().ResolutionChanges; got != 2 {
		t.Errorf("Expected 2 restarts, got %d", got)
	}
}

func TestDefaultManager_SwitchCameraFailureEmitsError(t *testing.T) {
	ctx := context.Background()
	manager, media := newTestManager(desktopOracle,
		NewMockDevice("cam0", "Camera", FacingFront, 1920, 1080),
		NewMockDevice("cam1", "USB Capture", FacingBack, 1920, 1080),
	)

	rec := &recorder{}
	manager.On(EventError, rec.handle)

	manager.GetCameraDevices(ctx)
	if err := manager.StartCamera(ctx); err != nil {
		t.Fatalf("StartCamera failed: %v", err)
	}

	media.FailNext(ErrDeviceInUse)
	if !manager.SwitchCamera(ctx) {
		t.Fatal("Expected switch to be attempted")
	}
	if codes := rec.errorCodes(); len(codes) != 1 || codes[0] != ErrCodeSwitchCamera {
		t.Errorf("Expected a single SWITCH_CAMERA_ERROR, got %v", codes)
	}
	if d := manager.CurrentCameraConfig().SelectedDevice; d == nil || d.DeviceID != "cam0" {
		t.Errorf("Expected selected device to roll back to cam0, got %+v", d)
	}
}

func TestDefaultManager_SwitchCameraSingleDevice(t *testing.T) {
	ctx := context.Background()
	manager, _ := newTestManager(desktopOracle, NewMockDevice("cam0", "Camera", FacingFront, 1920, 1080))

	manager.GetCameraDevices(ctx)
	if err := manager.StartCamera(ctx); err != nil {
		t.Fatalf("StartCamera failed: %v", err)
	}
	if manager.SwitchCamera(ctx) {
		t.Error("Expected switch to be a no-op with one device")
	}
}

func TestDefaultManager_RestartWarnsOnChangedSettings(t *testing.T) {
	ctx := context.Background()
	manager, _ := newTestManager(desktopOracle, NewMockDevice("cam0", "Camera", FacingFront, 1920, 1080))

	rec := &recorder{}
	manager.On(EventError, rec.handle)

	if err := manager.StartCamera(ctx); err != nil {
		t.Fatalf("StartCamera failed: %v", err)
	}

	if err := manager.RestartCamera(ctx); err != nil {
		t.Fatalf("RestartCamera failed: %v", err)
	}
	if len(rec.errorCodes()) != 0 {
		t.Errorf("Expected no warning for identical settings, got %v", rec.errorCodes())
	}

	sd, _ := PresetResolution(PresetSD)
	if err := manager.ApplyConfigChanges(ctx, ConfigChange{Resolution: &sd}, false); err != nil {
		t.Fatalf("ApplyConfigChanges failed: %v", err)
	}
	if !hasCode(rec.errorCodes(), ErrCodeResolutionNotSupported) {
		t.Errorf("Expected RESOLUTION_NOT_SUPPORTED warning, got %v", rec.errorCodes())
	}
	if manager.State() != StateStreaming {
		t.Errorf("Expected restart to succeed structurally, got %s", manager.State())
	}
	if got := manager.Metrics().ResolutionChanges; got != 2 {
		t.Errorf("Expected 2 resolution changes, got %d", got)
	}
}

func TestDefaultManager_ErrorClassificationAndRetry(t *testing.T) {
	ctx := context.Background()
	manager, media := newTestManager(desktopOracle, NewMockDevice("cam0", "Camera", FacingFront, 1920, 1080))

	tests := []struct {
		err  error
		code ErrorCode
	}{
		{ErrDeviceInUse, ErrCodeDeviceInUse},
		{ErrPermissionDenied, ErrCodePermissionDenied},
		{&OverconstrainedError{Constraint: "width"}, ErrCodeConstraintNotSatisfied},
		{errors.New("unknown"), ErrCodeInitialization},
	}
	for _, tt := range tests {
		media.FailNext(tt.err)
		err := manager.StartCamera(ctx)
		if CodeOf(err) != tt.code {
			t.Errorf("Expected %s for %v, got %v", tt.code, tt.err, err)
		}
		if !errors.Is(err, tt.err) {
			t.Errorf("Expected cause %v to be preserved", tt.err)
		}
		if manager.State() != StateError {
			t.Errorf("Expected error state, got %s", manager.State())
		}
	}

	if err := manager.Retry(ctx); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if manager.State() != StateStreaming {
		t.Errorf("Expected streaming after retry, got %s", manager.State())
	}
	if len(manager.Metrics().Errors) != len(tests) {
		t.Errorf("Expected %d recorded errors, got %d", len(tests), len(manager.Metrics().Errors))
	}
}

func TestDefaultManager_NotSupported(t *testing.T) {
	ctx := context.Background()
	manager, media := newTestManager(desktopOracle, NewMockDevice("cam0", "Camera", FacingFront, 1920, 1080))
	media.SetSupported(false)

	if manager.IsCameraAccessSupported() {
		t.Error("Expected camera access to be unsupported")
	}
	if err := manager.StartCamera(ctx); CodeOf(err) != ErrCodeBrowserNotCompatible {
		t.Errorf("Expected BROWSER_NOT_COMPATIBLE, got %v", err)
	}
	if manager.RequestPermission(ctx) {
		t.Error("Expected permission request to fail")
	}
}

// blockingDevices はコンテキストが終わるまでストリーム取得を返さない
type blockingDevices struct {
	*MockMediaDevices
}

func (b blockingDevices) GetUserMedia(ctx context.Context, _ Constraints) (Stream, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestDefaultManager_AcquireTimeout(t *testing.T) {
	media := blockingDevices{NewMockMediaDevices(NewMockDevice("cam0", "Camera", FacingFront, 1920, 1080))}
	manager := NewDefaultManager(media, desktopOracle, Options{Logger: zerolog.Nop(), AcquireTimeout: 20 * time.Millisecond})

	err := manager.StartCamera(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}
	if CodeOf(err) != ErrCodeInitialization {
		t.Errorf("Expected INITIALIZATION_ERROR, got %s", CodeOf(err))
	}
	if manager.State() != StateError {
		t.Errorf("Expected error state, got %s", manager.State())
	}
}

func TestDefaultManager_AcquireTimeoutPermissionAndProbe(t *testing.T) {
	media := blockingDevices{NewMockMediaDevices(NewMockDevice("cam0", "Camera", FacingFront, 1920, 1080))}
	manager := NewDefaultManager(media, desktopOracle, Options{Logger: zerolog.Nop(), AcquireTimeout: 20 * time.Millisecond})

	rec := &recorder{}
	manager.On(EventError, rec.handle)

	granted := make(chan bool, 1)
	go func() { granted <- manager.RequestPermission(context.Background()) }()
	select {
	case ok := <-granted:
		if ok {
			t.Error("Expected permission request to fail")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RequestPermission did not return within the acquire timeout")
	}

	rec.mu.Lock()
	timedOut := false
	for _, e := range rec.events {
		if e.Error != nil && errors.Is(e.Error, context.DeadlineExceeded) {
			timedOut = true
		}
	}
	rec.mu.Unlock()
	if !timedOut {
		t.Error("Expected error event caused by deadline exceeded")
	}

	results := make(chan []SupportedResolutions, 1)
	go func() {
		res, _ := manager.CheckSupportedResolutions(context.Background(), "cam0")
		results <- res
	}()
	select {
	case res := <-results:
		if len(res) != len(presetOrder) {
			t.Fatalf("Expected %d results, got %d", len(presetOrder), len(res))
		}
		for _, r := range res {
			if r.Supported {
				t.Errorf("Expected %s to be unsupported after timeout", r.Preset)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("CheckSupportedResolutions did not return within the acquire timeout")
	}

	// 操作の直列化が解放されていること
	stopped := make(chan struct{})
	go func() {
		manager.StopCamera()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("StopCamera blocked after timed out acquisitions")
	}
}

// gatedDevices は hold が true の間ストリーム取得をコンテキスト終了まで止める
type gatedDevices struct {
	*MockMediaDevices
	hold    atomic.Bool
	entered chan struct{}
}

func (g *gatedDevices) GetUserMedia(ctx context.Context, c Constraints) (Stream, error) {
	if !g.hold.Load() {
		return g.MockMediaDevices.GetUserMedia(ctx, c)
	}
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestDefaultManager_CapabilityCheckCancelledIsRetried(t *testing.T) {
	media := &gatedDevices{
		MockMediaDevices: NewMockMediaDevices(NewMockDevice("cam0", "Camera", FacingFront, 1920, 1080)),
		entered:          make(chan struct{}, 1),
	}
	media.hold.Store(true)
	manager := NewDefaultManager(media, desktopOracle, Options{Logger: zerolog.Nop()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() { done <- manager.CheckCameraCapabilities(ctx) }()

	select {
	case <-media.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("Capability check never opened a trial stream")
	}
	cancel()

	if <-done {
		t.Error("Expected cancelled check to report unsupported")
	}
	if manager.GetCapabilities() != nil {
		t.Error("Expected cancelled check not to publish a result")
	}

	media.hold.Store(false)
	if !manager.CheckCameraCapabilities(context.Background()) {
		t.Fatal("Expected capability check to succeed after cancellation")
	}
	c := manager.GetCapabilities()
	if c == nil || !c.DeviceResolutions["cam0"].IsSupported {
		t.Errorf("Expected cam0 to be supported, got %+v", c)
	}
}

func TestDefaultManager_Permissions(t *testing.T) {
	ctx := context.Background()
	manager, media := newTestManager(desktopOracle, NewMockDevice("cam0", "Camera", FacingFront, 1920, 1080))

	if !manager.HasPermissions(ctx) {
		t.Error("Expected labelled device to imply permission")
	}
	if !manager.RequestPermission(ctx) {
		t.Error("Expected permission to be granted")
	}
	if len(media.Calls()) != 0 {
		t.Error("Expected no permission stream when already granted")
	}

	hidden, hiddenMedia := newTestManager(desktopOracle, NewMockDevice("cam0", "", FacingFront, 1920, 1080))
	if hidden.HasPermissions(ctx) {
		t.Error("Expected unlabelled device to imply missing permission")
	}
	if !hidden.RequestPermission(ctx) {
		t.Error("Expected permission request to succeed")
	}
	if hiddenMedia.LiveStreams() != 0 {
		t.Error("Expected permission stream to be stopped")
	}
}

func TestDefaultManager_GetCameraDevices(t *testing.T) {
	ctx := context.Background()
	media := NewMockMediaDevices(NewMockDevice("cam0", "Camera", FacingFront, 1920, 1080))
	media.AddDevice(MockDevice{Info: DeviceInfo{DeviceID: "mic", Label: "Mic", Kind: KindAudioInput}})
	manager := NewDefaultManager(media, desktopOracle, Options{Logger: zerolog.Nop()})

	devices := manager.GetCameraDevices(ctx)
	if len(devices) != 1 || devices[0].DeviceID != "cam0" {
		t.Fatalf("Expected only video inputs, got %+v", devices)
	}

	// 一度取得した一覧はキャッシュされる
	media.AddDevice(NewMockDevice("cam1", "USB", FacingBack, 640, 480))
	if n := len(manager.GetCameraDevices(ctx)); n != 1 {
		t.Errorf("Expected cached list, got %d devices", n)
	}
	if manager.HasMultipleCameras() {
		t.Error("Expected single camera")
	}

	broken, brokenMedia := newTestManager(desktopOracle)
	brokenMedia.SetEnumerateError(errors.New("boom"))
	rec := &recorder{}
	broken.On(EventError, rec.handle)
	if n := len(broken.GetCameraDevices(ctx)); n != 0 {
		t.Errorf("Expected empty list, got %d", n)
	}
	if !hasCode(rec.errorCodes(), ErrCodeDeviceNotFound) {
		t.Errorf("Expected DEVICE_NOT_FOUND, got %v", rec.errorCodes())
	}
}

func TestDefaultManager_Off(t *testing.T) {
	ctx := context.Background()
	manager, _ := newTestManager(desktopOracle, NewMockDevice("cam0", "Camera", FacingFront, 1920, 1080))

	calls := 0
	id := manager.On(EventStartCameraSuccess, func(Response) { calls++ })
	if !manager.Off(id) {
		t.Fatal("Expected subscription to be removed")
	}
	if err := manager.StartCamera(ctx); err != nil {
		t.Fatalf("StartCamera failed: %v", err)
	}
	if calls != 0 {
		t.Errorf("Expected no calls after Off, got %d", calls)
	}
}

func TestDefaultManager_SetResolutionPreset(t *testing.T) {
	manager, _ := newTestManager(desktopOracle)

	if !manager.SetResolutionPreset(PresetQHD) {
		t.Fatal("Expected QHD preset to be accepted")
	}
	if r := manager.CurrentCameraConfig().Resolution; r.Width != 2560 || r.Height != 1440 {
		t.Errorf("Expected 2560x1440, got %+v", r)
	}
	if manager.SetResolutionPreset("8K") {
		t.Error("Expected unknown preset to be rejected")
	}
}
