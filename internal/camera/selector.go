package camera

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"idcapture/internal/useragent"
)

// デスクトップで一般的なカメラ名
var desktopCameraPattern = regexp.MustCompile(`(?i)^(camera|กล้อง|facetime|integrated)$`)

// iOS/macOSのカメララベル
var (
	iosFrontCamera    = regexp.MustCompile(`(?i)^(front camera|กล้องด้านหน้า)$`)
	iosFrontUltraWide = regexp.MustCompile(`(?i)^(front ultra wide camera|กล้องด้านหน้าอัลตร้าไวด์)$`)
	iosBackTriple     = regexp.MustCompile(`(?i)^(back triple camera|กล้องสามตัวด้านหลัง)$`)
	iosBackDual       = regexp.MustCompile(`(?i)^(back dual camera|กล้องคู่ด้านหลัง)$`)
	iosBackCamera     = regexp.MustCompile(`(?i)^(back camera|กล้องด้านหลัง)$`)
)

// iosPriority は向きごとの優先順位（先頭ほど優先）
var iosPriority = map[FacingMode][]*regexp.Regexp{
	FacingFront: {iosFrontCamera, iosFrontUltraWide},
	FacingBack:  {iosBackTriple, iosBackDual, iosBackCamera},
}

// Selector はプラットフォームに応じて最適な物理カメラを選ぶ
type Selector struct {
	oracle useragent.Oracle
	logger zerolog.Logger
}

// NewSelector は新しいSelectorを作成する
func NewSelector(oracle useragent.Oracle, logger zerolog.Logger) *Selector {
	return &Selector{oracle: oracle, logger: logger}
}

// SelectCamera は希望の向きに最も適したデバイスを返す。見つからなければnil
//
// デスクトップでは空でない一覧に対して必ず何かを返すが、
// モバイルでは希望の向きを報告するデバイスが無ければnilを返す。
func (s *Selector) SelectCamera(devices []DeviceInfo, preferred FacingMode) *DeviceInfo {
	if len(devices) == 0 {
		return nil
	}

	enriched := s.EnrichDevices(devices)

	var selected *CameraDevice
	if s.oracle.IsDesktop() {
		selected = selectDesktopCamera(enriched)
	} else {
		selected = s.selectMobileCamera(enriched, preferred)
	}

	if selected == nil {
		s.logger.Debug().Str("facing_mode", string(preferred)).Msg("条件に合うカメラがありません")
		return nil
	}

	// 元のデバイス情報に戻す
	for i := range devices {
		if devices[i].DeviceID == selected.DeviceID {
			found := devices[i]
			s.logger.Debug().Str("device_id", found.DeviceID).Str("label", found.Label).Msg("カメラを選択しました")
			return &found
		}
	}
	return nil
}

// EnrichDevices は向きとインデックスを補完する
func (s *Selector) EnrichDevices(devices []DeviceInfo) []CameraDevice {
	isMobile := s.oracle.IsMobile() || s.oracle.IsTablet()
	isAndroid := s.oracle.IsOS("Android")

	out := make([]CameraDevice, 0, len(devices))
	for i, d := range devices {
		facing := FacingFront
		if len(d.FacingModes) > 0 && d.FacingModes[0] != "" {
			facing = d.FacingModes[0]
		}

		index := i
		if isMobile && isAndroid {
			if parsed, ok := ParseAndroidIndex(d.Label); ok {
				index = parsed
			}
		}

		out = append(out, CameraDevice{
			DeviceID:   d.DeviceID,
			Label:      d.Label,
			Index:      index,
			FacingMode: facing,
		})
	}
	return out
}

// ParseAndroidIndex は "camera 2, facing back" のようなラベルから番号を取り出す
func ParseAndroidIndex(label string) (int, bool) {
	head := strings.TrimSpace(strings.Split(label, ",")[0])
	parts := strings.Split(head, " ")
	if len(parts) < 2 {
		return 0, false
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

func selectDesktopCamera(devices []CameraDevice) *CameraDevice {
	var candidates []CameraDevice
	for _, d := range devices {
		if desktopCameraPattern.MatchString(strings.ToLower(d.Label)) {
			candidates = append(candidates, d)
		}
	}

	if len(candidates) == 0 {
		fallback := devices[0]
		return &fallback
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Index < candidates[j].Index
	})
	return &candidates[0]
}

func (s *Selector) selectMobileCamera(devices []CameraDevice, preferred FacingMode) *CameraDevice {
	var matching []CameraDevice
	for _, d := range devices {
		if d.FacingMode == preferred {
			matching = append(matching, d)
		}
	}
	if len(matching) == 0 {
		return nil
	}

	if s.oracle.IsOS("iOS") || s.oracle.IsOS("MacOS") {
		return selectIOSCamera(matching, preferred)
	}
	return selectAndroidCamera(matching)
}

func selectIOSCamera(devices []CameraDevice, facing FacingMode) *CameraDevice {
	for _, pattern := range iosPriority[facing] {
		for i := range devices {
			if pattern.MatchString(strings.ToLower(devices[i].Label)) {
				return &devices[i]
			}
		}
	}
	return &devices[0]
}

// selectAndroidCamera は番号が最小のデバイスを返す。同じ番号なら後に列挙された方を選ぶ
func selectAndroidCamera(devices []CameraDevice) *CameraDevice {
	best := 0
	for i := 1; i < len(devices); i++ {
		if devices[i].Index <= devices[best].Index {
			best = i
		}
	}
	return &devices[best]
}
