package camera

import (
	"fmt"
	"math"
	"strings"
)

// Preset は標準解像度のプリセット
type Preset string

const (
	PresetSD        Preset = "SD"
	PresetHD        Preset = "HD"
	PresetFHD       Preset = "FHD"
	PresetQHD       Preset = "QHD"
	PresetUHD       Preset = "UHD"
	PresetSquareHD  Preset = "SQUARE_HD"
	PresetSquareFHD Preset = "SQUARE_FHD"
)

// Resolution は解像度を表す
type Resolution struct {
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	AspectRatio float64 `json:"aspect_ratio"`
	Name        string  `json:"name"`
	Preset      Preset  `json:"preset,omitempty"` // カスタム解像度では空
}

var presetOrder = []Preset{
	PresetSD,
	PresetHD,
	PresetFHD,
	PresetQHD,
	PresetUHD,
	PresetSquareHD,
	PresetSquareFHD,
}

var standardResolutions = map[Preset]Resolution{
	PresetSD:        {Width: 640, Height: 480, AspectRatio: 4.0 / 3.0, Name: "SD", Preset: PresetSD},
	PresetHD:        {Width: 1280, Height: 720, AspectRatio: 16.0 / 9.0, Name: "HD", Preset: PresetHD},
	PresetFHD:       {Width: 1920, Height: 1080, AspectRatio: 16.0 / 9.0, Name: "FHD", Preset: PresetFHD},
	PresetQHD:       {Width: 2560, Height: 1440, AspectRatio: 16.0 / 9.0, Name: "QHD", Preset: PresetQHD},
	PresetUHD:       {Width: 3840, Height: 2160, AspectRatio: 16.0 / 9.0, Name: "UHD", Preset: PresetUHD},
	PresetSquareHD:  {Width: 720, Height: 720, AspectRatio: 1, Name: "Square HD", Preset: PresetSquareHD},
	PresetSquareFHD: {Width: 1080, Height: 1080, AspectRatio: 1, Name: "Square FHD", Preset: PresetSquareFHD},
}

// Presets は全プリセットを定義順に返す
func Presets() []Preset {
	return append([]Preset(nil), presetOrder...)
}

// PresetResolution はプリセットの解像度を返す
func PresetResolution(p Preset) (Resolution, bool) {
	r, ok := standardResolutions[p]
	return r, ok
}

// ParsePreset は文字列からプリセットを得る（大文字小文字は区別しない）
func ParsePreset(s string) (Preset, bool) {
	key := Preset(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := standardResolutions[key]; ok {
		return key, true
	}
	return "", false
}

// DefaultResolution は未設定時に使う720pを返す
func DefaultResolution() Resolution {
	return Resolution{Width: 1280, Height: 720, AspectRatio: 16.0 / 9.0, Name: "720p"}
}

// Swapped は幅と高さを入れ替えた解像度を返す
func (r Resolution) Swapped() Resolution {
	out := Resolution{
		Width:  r.Height,
		Height: r.Width,
		Name:   r.Name,
	}
	if r.AspectRatio != 0 {
		out.AspectRatio = 1 / r.AspectRatio
	}
	return out
}

// Valid はフォールバック解像度として使える形かを検証する
func (r Resolution) Valid() bool {
	if r.Width <= 0 || r.Height <= 0 {
		return false
	}
	if r.AspectRatio <= 0 || math.IsNaN(r.AspectRatio) || math.IsInf(r.AspectRatio, 0) {
		return false
	}
	return true
}

// String は "1280x720 (HD)" 形式で返す
func (r Resolution) String() string {
	if r.Name == "" {
		return fmt.Sprintf("%dx%d", r.Width, r.Height)
	}
	return fmt.Sprintf("%dx%d (%s)", r.Width, r.Height, r.Name)
}

// ResolutionName は実際の幅と高さから解像度名を決める
func ResolutionName(width, height int) string {
	if p, ok := matchPreset(width, height); ok {
		return standardResolutions[p].Name
	}

	if width == height {
		return fmt.Sprintf("Square %dp", width)
	}

	switch {
	case width >= 3840:
		return "4K"
	case width >= 2560:
		return "QHD"
	case width >= 1920:
		return "FHD"
	case width >= 1280:
		return "HD"
	}
	return fmt.Sprintf("%dx%d", width, height)
}

// matchPreset は幅と高さが完全一致するプリセットを探す
func matchPreset(width, height int) (Preset, bool) {
	for _, p := range presetOrder {
		spec := standardResolutions[p]
		if spec.Width == width && spec.Height == height {
			return p, true
		}
	}
	return "", false
}
