package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"idcapture/internal/camera"
)

// ErrorResponse はエラー時のレスポンス
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Details   *string   `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// statusForCode はカメラエラーのコードに対応するHTTPステータスを返す
func statusForCode(code camera.ErrorCode) int {
	switch code {
	case camera.ErrCodePermissionDenied:
		return http.StatusForbidden
	case camera.ErrCodeDeviceNotFound, camera.ErrCodeTrackNotFound:
		return http.StatusNotFound
	case camera.ErrCodeDeviceInUse, camera.ErrCodeInvalidState, camera.ErrCodeSwitchCamera:
		return http.StatusConflict
	case camera.ErrCodeConstraint,
		camera.ErrCodeConstraintNotSatisfied,
		camera.ErrCodeConstraintFallbackNotSatisfied,
		camera.ErrCodeApplyConstraints,
		camera.ErrCodeResolutionNotSupported:
		return http.StatusUnprocessableEntity
	case camera.ErrCodeBrowserNotCompatible:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// writeError はエラーをErrorResponseとして書き込む
func writeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, ErrorResponse{
		Error:     code,
		Message:   message,
		Timestamp: time.Now(),
	})
}

// writeCameraError はカメラのエラーをステータスに変換して書き込む
// コードはチェーンの最も内側のCameraErrorを使い、全体はDetailsに入れる
func writeCameraError(c *gin.Context, err error) {
	ce := rootCameraError(err)
	if ce == nil {
		writeError(c, http.StatusInternalServerError, string(camera.ErrCodeUnknown), err.Error())
		return
	}

	details := err.Error()
	c.JSON(statusForCode(ce.Code), ErrorResponse{
		Error:     string(ce.Code),
		Message:   ce.Message,
		Details:   &details,
		Timestamp: time.Now(),
	})
}

// rootCameraError はチェーンの最も内側のCameraErrorを返す
func rootCameraError(err error) *camera.CameraError {
	var root *camera.CameraError
	for {
		var ce *camera.CameraError
		if !errors.As(err, &ce) {
			return root
		}
		root = ce
		if ce.Err == nil {
			return root
		}
		err = ce.Err
	}
}
