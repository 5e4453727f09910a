// Package useragent はユーザーエージェント文字列からプラットフォームを判定する
//
// カメラ選択やストリーム制約の組み立てで同期的に参照される。
// 判定は決定的で副作用がなく、未知の入力は全てfalseになる。
package useragent

import (
	"strings"

	ua "github.com/mileusna/useragent"
)

// Oracle はプラットフォーム判定の問い合わせ口
type Oracle interface {
	IsMobile() bool
	IsTablet() bool
	IsDesktop() bool
	IsOS(name string) bool
}

// Info はユーザーエージェント文字列の解析結果
type Info struct {
	parsed ua.UserAgent
}

// Parse はユーザーエージェント文字列を解析する
func Parse(userAgent string) *Info {
	return &Info{parsed: ua.Parse(userAgent)}
}

// OSName は判定されたOS名を返す
func (i *Info) OSName() string { return i.parsed.OS }

func (i *Info) IsMobile() bool  { return i.parsed.Mobile }
func (i *Info) IsTablet() bool  { return i.parsed.Tablet }
func (i *Info) IsDesktop() bool { return i.parsed.Desktop }

// IsOS はOS名が一致するかを返す。大文字小文字と表記揺れは吸収する
func (i *Info) IsOS(name string) bool {
	return matchOS(i.parsed.OS, name)
}

// Static は固定値を返すOracle。サーバー設定やテストで使う
type Static struct {
	Mobile  bool
	Tablet  bool
	Desktop bool
	OS      string
}

func (s Static) IsMobile() bool  { return s.Mobile }
func (s Static) IsTablet() bool  { return s.Tablet }
func (s Static) IsDesktop() bool { return s.Desktop }

func (s Static) IsOS(name string) bool {
	return matchOS(s.OS, name)
}

var osAliases = map[string]string{
	"macos":    "macos",
	"mac os":   "macos",
	"mac os x": "macos",
	"osx":      "macos",
	"ios":      "ios",
	"iphone":   "ios",
	"ipados":   "ios",
	"android":  "android",
	"windows":  "windows",
	"linux":    "linux",
	"chromeos": "chromeos",
	"cros":     "chromeos",
}

func normalizeOS(name string) string {
	key := strings.ToLower(strings.TrimSpace(name))
	if alias, ok := osAliases[key]; ok {
		return alias
	}
	return key
}

func matchOS(actual, want string) bool {
	if actual == "" || want == "" {
		return false
	}
	return normalizeOS(actual) == normalizeOS(want)
}
