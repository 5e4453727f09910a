package camera

import (
	"errors"
	"fmt"
)

// ErrorCode はカメラエラーの種別
type ErrorCode string

const (
	ErrCodePermissionDenied               ErrorCode = "PERMISSION_DENIED"
	ErrCodeDeviceNotFound                 ErrorCode = "DEVICE_NOT_FOUND"
	ErrCodeInitialization                 ErrorCode = "INITIALIZATION_ERROR"
	ErrCodeCapture                        ErrorCode = "CAPTURE_ERROR"
	ErrCodeConstraint                     ErrorCode = "CONSTRAINT_ERROR"
	ErrCodeBrowserNotCompatible           ErrorCode = "BROWSER_NOT_COMPATIBLE"
	ErrCodeTrackNotFound                  ErrorCode = "TRACK_NOT_FOUND"
	ErrCodeConstraintFallbackNotSatisfied ErrorCode = "CONSTRAINT_FALLBACK_NOT_SATISFIED"
	ErrCodeConstraintNotSatisfied         ErrorCode = "CONSTRAINT_NOT_SATISFIED"
	ErrCodeApplyConstraints               ErrorCode = "APPLY_CONSTRAINTS_ERROR"
	ErrCodeInvalidState                   ErrorCode = "INVALID_STATE"
	ErrCodeTakePictureFailed              ErrorCode = "TAKE_PICTURE_FAILED"
	ErrCodeSwitchCamera                   ErrorCode = "SWITCH_CAMERA_ERROR"
	ErrCodeDeviceInUse                    ErrorCode = "DEVICE_IN_USE"
	ErrCodeResolutionNotSupported         ErrorCode = "RESOLUTION_NOT_SUPPORTED"
	ErrCodeOrientationChange              ErrorCode = "ORIENTATION_CHANGE_ERROR"
	ErrCodePerformanceIssue               ErrorCode = "PERFORMANCE_ISSUE"
	ErrCodeUnknown                        ErrorCode = "UNKNOWN_ERROR"
)

// CameraError はイベントや戻り値で使うタグ付きエラー
type CameraError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func newCameraError(code ErrorCode, message string, err error) *CameraError {
	return &CameraError{Code: code, Message: message, Err: err}
}

func (e *CameraError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CameraError) Unwrap() error {
	return e.Err
}

// CodeOf はエラーチェーン中のCameraErrorのコードを返す
func CodeOf(err error) ErrorCode {
	var ce *CameraError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ErrCodeUnknown
}

// バックエンドが返す代表的なエラー
var (
	ErrPermissionDenied = errors.New("カメラへのアクセスが拒否されました")
	ErrDeviceInUse      = errors.New("カメラが他のアプリケーションで使用中です")
	ErrNotSupported     = errors.New("この環境ではカメラAPIが利用できません")
	ErrNoVideoTrack     = errors.New("ストリームに映像トラックがありません")
	ErrNoFrame          = errors.New("フレームを取得できません")
)

// OverconstrainedError はexact制約を満たすハードウェア設定が存在しない場合のエラー
type OverconstrainedError struct {
	Constraint string
}

func (e *OverconstrainedError) Error() string {
	return fmt.Sprintf("制約を満たせません: %s", e.Constraint)
}

// IsOverconstrained はエラーチェーンにOverconstrainedErrorが含まれるか判定する
func IsOverconstrained(err error) bool {
	var oe *OverconstrainedError
	return errors.As(err, &oe)
}
