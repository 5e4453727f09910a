package server

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"idcapture/internal/camera"
	"idcapture/internal/capstore"
	"idcapture/internal/config"
	"idcapture/internal/useragent"
)

// Handler はカメラ操作のエンドポイントを実装する
type Handler struct {
	config  *config.Config
	manager camera.Manager
	store   *capstore.Store
	logger  zerolog.Logger

	done     chan struct{}
	doneOnce sync.Once
}

// NewHandler は新しいHandlerを作成する。storeはnilでもよい
func NewHandler(cfg *config.Config, manager camera.Manager, store *capstore.Store, logger zerolog.Logger) *Handler {
	return &Handler{
		config:  cfg,
		manager: manager,
		store:   store,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Register はルートを登録する
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/health", h.HealthCheck)

	api := r.Group("/api")
	api.GET("/status", h.GetStatus)
	api.GET("/devices", h.GetDevices)
	api.POST("/devices/select", h.SelectDevice)
	api.GET("/capabilities", h.GetCapabilities)
	api.POST("/capabilities/check", h.CheckCapabilities)
	api.GET("/resolutions", h.GetResolutions)
	api.GET("/events", h.StreamEvents)

	cam := api.Group("/camera")
	cam.POST("/start", h.StartCamera)
	cam.POST("/stop", h.StopCamera)
	cam.POST("/restart", h.RestartCamera)
	cam.POST("/switch", h.SwitchCamera)
	cam.POST("/mirror", h.ToggleMirror)
	cam.PATCH("/config", h.UpdateConfig)
	cam.POST("/capture", h.Capture)
	cam.POST("/retry", h.Retry)
	cam.GET("/stream", h.StreamMJPEG)
}

func (h *Handler) closeStreams() {
	h.doneOnce.Do(func() { close(h.done) })
}

// HealthResponse はヘルスチェックのレスポンス
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthCheck はヘルスチェックエンドポイントの実装
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}

// CameraStatus は現在のカメラの状態
type CameraStatus struct {
	State              camera.State       `json:"state"`
	Streaming          bool               `json:"streaming"`
	Device             *camera.DeviceInfo `json:"device,omitempty"`
	Resolution         *camera.Resolution `json:"resolution,omitempty"`
	FacingMode         camera.FacingMode  `json:"facing_mode,omitempty"`
	Mirror             bool               `json:"mirror"`
	AutoSwapResolution bool               `json:"auto_swap_resolution"`
	HasMultipleCameras bool               `json:"has_multiple_cameras"`
	Metrics            camera.Metrics     `json:"metrics"`
}

// StatusResponse はシステム状態のレスポンス
type StatusResponse struct {
	Status    string       `json:"status"`
	Backend   string       `json:"backend"`
	Camera    CameraStatus `json:"camera"`
	Timestamp time.Time    `json:"timestamp"`
}

// GetStatus はシステム状態取得エンドポイントの実装
func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{
		Status:    "running",
		Backend:   h.config.Camera.Backend,
		Camera:    h.cameraStatus(),
		Timestamp: time.Now(),
	})
}

func (h *Handler) cameraStatus() CameraStatus {
	cfg := h.manager.CurrentCameraConfig()
	return CameraStatus{
		State:              h.manager.State(),
		Streaming:          h.manager.IsStreaming(),
		Device:             h.manager.CurrentDevice(),
		Resolution:         h.manager.CurrentResolution(),
		FacingMode:         cfg.FacingMode,
		Mirror:             cfg.Mirror,
		AutoSwapResolution: cfg.AutoSwapResolution,
		HasMultipleCameras: h.manager.HasMultipleCameras(),
		Metrics:            h.manager.Metrics(),
	}
}

// DevicesResponse はデバイス一覧のレスポンス
type DevicesResponse struct {
	Devices []camera.DeviceInfo `json:"devices"`
}

// GetDevices はカメラ一覧取得エンドポイントの実装
func (h *Handler) GetDevices(c *gin.Context) {
	c.JSON(http.StatusOK, DevicesResponse{Devices: h.manager.GetCameraDevices(c.Request.Context())})
}

type selectRequest struct {
	FacingMode string `json:"facing_mode"`
}

// SelectDevice はリクエストのUser-Agentに合わせてカメラを選び、設定に反映する
func (h *Handler) SelectDevice(c *gin.Context) {
	var req selectRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	facing := h.manager.CurrentCameraConfig().FacingMode
	if req.FacingMode != "" {
		f, ok := camera.ParseFacingMode(req.FacingMode)
		if !ok {
			writeError(c, http.StatusBadRequest, "invalid_request", "facing_modeが不正です")
			return
		}
		facing = f
	}

	ctx := c.Request.Context()
	var selected *camera.DeviceInfo
	if ua := h.userAgent(c); ua != "" {
		selector := camera.NewSelector(useragent.Parse(ua), h.logger)
		selected = selector.SelectCamera(h.manager.GetCameraDevices(ctx), facing)
	} else {
		// User-Agentが無ければマネージャーの判定器で選ぶ
		selected = h.manager.SelectCamera(ctx, facing)
	}
	if selected == nil {
		writeError(c, http.StatusNotFound, string(camera.ErrCodeDeviceNotFound), "条件に合うカメラが見つかりません")
		return
	}

	change := camera.ConfigChange{SelectedDevice: selected}
	if facing != "" {
		change.FacingMode = &facing
	}
	if err := h.manager.ApplyConfigChanges(ctx, change, false); err != nil {
		writeCameraError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.cameraStatus())
}

// userAgent はリクエストのUser-Agentを返す。設定で固定されていればそれを優先する
func (h *Handler) userAgent(c *gin.Context) string {
	if h.config.Camera.UserAgent != "" {
		return h.config.Camera.UserAgent
	}
	return c.Request.UserAgent()
}

// GetCapabilities は能力判定結果を返す。未判定なら保存済みの結果を返す
func (h *Handler) GetCapabilities(c *gin.Context) {
	if capability := h.manager.GetCapabilities(); capability != nil {
		c.JSON(http.StatusOK, capability)
		return
	}

	if h.store != nil {
		capability, err := h.store.Load(c.Request.Context())
		switch {
		case err == nil:
			c.Header("X-Capability-Source", "store")
			c.JSON(http.StatusOK, capability)
			return
		case !errors.Is(err, capstore.ErrNotFound):
			h.logger.Warn().Err(err).Msg("保存済みの能力判定を取得できませんでした")
		}
	}

	writeError(c, http.StatusNotFound, "capability_not_checked", "カメラの能力はまだ判定されていません")
}

// CheckCapabilities は能力判定を実行する。判定済みならその結果を返す
func (h *Handler) CheckCapabilities(c *gin.Context) {
	ok := h.manager.CheckCameraCapabilities(c.Request.Context())
	capability := h.manager.GetCapabilities()
	if capability == nil {
		writeError(c, http.StatusInternalServerError, string(camera.ErrCodeUnknown), "能力判定の結果がありません")
		return
	}

	status := http.StatusOK
	if !ok {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, capability)
}

// ResolutionsResponse は対応解像度のレスポンス
type ResolutionsResponse struct {
	Orientation camera.Orientation            `json:"orientation,omitempty"`
	Presets     []camera.Preset               `json:"presets,omitempty"`
	Devices     []camera.SupportedResolutions `json:"devices,omitempty"`
}

// GetResolutions は対応解像度を返す
//
// device_idまたはprobe=trueが指定されれば試験ストリームで調べ直し、
// それ以外は判定済みの結果を向きで絞り込む。
func (h *Handler) GetResolutions(c *gin.Context) {
	deviceID := c.Query("device_id")
	if deviceID != "" || c.Query("probe") == "true" {
		results, err := h.manager.CheckSupportedResolutions(c.Request.Context(), deviceID)
		if err != nil {
			writeCameraError(c, err)
			return
		}
		c.JSON(http.StatusOK, ResolutionsResponse{Devices: results})
		return
	}

	orientation := camera.Orientation(c.DefaultQuery("orientation", string(camera.OrientationLandscape)))
	if orientation != camera.OrientationLandscape && orientation != camera.OrientationPortrait {
		writeError(c, http.StatusBadRequest, "invalid_request", "orientationが不正です")
		return
	}
	c.JSON(http.StatusOK, ResolutionsResponse{
		Orientation: orientation,
		Presets:     h.manager.GetSupportedResolutionsForOrientation(orientation),
	})
}

type startRequest struct {
	AllowFallback bool `json:"allow_fallback"`
}

// StartCamera はカメラを開始する
func (h *Handler) StartCamera(c *gin.Context) {
	var req startRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if err := h.manager.StartCameraWithResolution(c.Request.Context(), req.AllowFallback); err != nil {
		writeCameraError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.cameraStatus())
}

// StopCamera はカメラを停止する
func (h *Handler) StopCamera(c *gin.Context) {
	h.manager.StopCamera()
	c.JSON(http.StatusOK, h.cameraStatus())
}

// RestartCamera はカメラを再起動する
func (h *Handler) RestartCamera(c *gin.Context) {
	if err := h.manager.RestartCamera(c.Request.Context()); err != nil {
		writeCameraError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.cameraStatus())
}

// SwitchCamera は次のカメラへ切り替える
func (h *Handler) SwitchCamera(c *gin.Context) {
	if !h.manager.SwitchCamera(c.Request.Context()) {
		writeError(c, http.StatusConflict, string(camera.ErrCodeSwitchCamera), "カメラを切り替えられませんでした")
		return
	}
	c.JSON(http.StatusOK, h.cameraStatus())
}

// ToggleMirror は左右反転を切り替える
func (h *Handler) ToggleMirror(c *gin.Context) {
	h.manager.ToggleMirror()
	c.JSON(http.StatusOK, h.cameraStatus())
}

type configRequest struct {
	DeviceID     *string `json:"device_id"`
	FacingMode   *string `json:"facing_mode"`
	Resolution   *string `json:"resolution"` // プリセット名
	Width        *int    `json:"width"`
	Height       *int    `json:"height"`
	Fallback     *string `json:"fallback"`
	Mirror       *bool   `json:"mirror"`
	AutoSwap     *bool   `json:"auto_swap"`
	EnableAudio  *bool   `json:"enable_audio"`
	ForceRestart bool    `json:"force_restart"`
}

// UpdateConfig は設定の一部を変更して反映する
func (h *Handler) UpdateConfig(c *gin.Context) {
	var req configRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	change, status, err := h.buildChange(c, req)
	if err != nil {
		writeError(c, status, "invalid_request", err.Error())
		return
	}

	if err := h.manager.ApplyConfigChanges(c.Request.Context(), change, req.ForceRestart); err != nil {
		writeCameraError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.cameraStatus())
}

func (h *Handler) buildChange(c *gin.Context, req configRequest) (camera.ConfigChange, int, error) {
	change := camera.ConfigChange{
		Mirror:             req.Mirror,
		AutoSwapResolution: req.AutoSwap,
		EnableAudio:        req.EnableAudio,
	}

	if req.DeviceID != nil {
		var found *camera.DeviceInfo
		for _, d := range h.manager.GetCameraDevices(c.Request.Context()) {
			if d.DeviceID == *req.DeviceID {
				found = &d
				break
			}
		}
		if found == nil {
			return change, http.StatusNotFound, errors.New("指定されたカメラが見つかりません")
		}
		change.SelectedDevice = found
	}

	if req.FacingMode != nil {
		f, ok := camera.ParseFacingMode(*req.FacingMode)
		if !ok {
			return change, http.StatusBadRequest, errors.New("facing_modeが不正です")
		}
		change.FacingMode = &f
	}

	switch {
	case req.Resolution != nil:
		res, err := presetResolution(*req.Resolution)
		if err != nil {
			return change, http.StatusBadRequest, err
		}
		change.Resolution = &res
	case req.Width != nil || req.Height != nil:
		if req.Width == nil || req.Height == nil {
			return change, http.StatusBadRequest, errors.New("widthとheightは両方指定してください")
		}
		res := camera.Resolution{
			Width:  *req.Width,
			Height: *req.Height,
			Name:   camera.ResolutionName(*req.Width, *req.Height),
		}
		if *req.Height > 0 {
			res.AspectRatio = float64(*req.Width) / float64(*req.Height)
		}
		if !res.Valid() {
			return change, http.StatusBadRequest, errors.New("解像度が不正です")
		}
		change.Resolution = &res
	}

	if req.Fallback != nil {
		res, err := presetResolution(*req.Fallback)
		if err != nil {
			return change, http.StatusBadRequest, err
		}
		change.FallbackResolution = &res
	}

	return change, http.StatusOK, nil
}

func presetResolution(name string) (camera.Resolution, error) {
	p, ok := camera.ParsePreset(name)
	if !ok {
		return camera.Resolution{}, errors.New("不明な解像度プリセット: " + name)
	}
	res, _ := camera.PresetResolution(p)
	return res, nil
}

type captureRequest struct {
	Quality float64 `json:"quality"`
	Scale   float64 `json:"scale"`
	Format  string  `json:"format"` // jpeg または png
	Mirror  *bool   `json:"mirror"`
}

// Capture は現在のフレームを撮影する
func (h *Handler) Capture(c *gin.Context) {
	var req captureRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	opts := camera.CaptureOptions{
		Quality: req.Quality,
		Scale:   req.Scale,
		Mirror:  h.manager.CurrentCameraConfig().Mirror,
	}
	if req.Mirror != nil {
		opts.Mirror = *req.Mirror
	}
	switch strings.ToLower(req.Format) {
	case "", "jpeg", "jpg", string(camera.FormatJPEG):
		opts.Format = camera.FormatJPEG
	case "png", string(camera.FormatPNG):
		opts.Format = camera.FormatPNG
	default:
		writeError(c, http.StatusBadRequest, "invalid_request", "formatが不正です")
		return
	}

	img, err := h.manager.CaptureImage(c.Request.Context(), opts)
	if err != nil {
		writeCameraError(c, err)
		return
	}
	if img == nil {
		writeError(c, http.StatusInternalServerError, string(camera.ErrCodeTakePictureFailed), "撮影に失敗しました")
		return
	}
	c.JSON(http.StatusOK, img)
}

// Retry はデバイスを列挙し直してカメラを開始する
func (h *Handler) Retry(c *gin.Context) {
	if err := h.manager.Retry(c.Request.Context()); err != nil {
		writeCameraError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.cameraStatus())
}

// bindOptionalJSON は本文があればJSONとして読み込む
func bindOptionalJSON(c *gin.Context, v any) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	return c.ShouldBindJSON(v)
}
