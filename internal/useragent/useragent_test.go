package useragent

import "testing"

const (
	iPhoneUA  = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1"
	androidUA = "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36"
	desktopUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

func TestParse(t *testing.T) {
	testCases := []struct {
		name    string
		ua      string
		mobile  bool
		desktop bool
		os      string
	}{
		{"iPhone", iPhoneUA, true, false, "iOS"},
		{"Android", androidUA, true, false, "Android"},
		{"Windowsデスクトップ", desktopUA, false, true, "Windows"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			info := Parse(tc.ua)
			if info.IsMobile() != tc.mobile {
				t.Errorf("IsMobile: got %v, want %v", info.IsMobile(), tc.mobile)
			}
			if info.IsDesktop() != tc.desktop {
				t.Errorf("IsDesktop: got %v, want %v", info.IsDesktop(), tc.desktop)
			}
			if !info.IsOS(tc.os) {
				t.Errorf("IsOS(%q) = false, parsed OS %q", tc.os, info.OSName())
			}
		})
	}
}

func TestParseUnknown(t *testing.T) {
	info := Parse("")
	if info.IsMobile() || info.IsTablet() || info.IsDesktop() {
		t.Error("empty user agent should not classify as any device type")
	}
	if info.IsOS("Android") || info.IsOS("iOS") {
		t.Error("empty user agent should not match any OS")
	}
}

func TestStaticOSAliases(t *testing.T) {
	s := Static{Desktop: true, OS: "macOS"}
	for _, name := range []string{"MacOS", "macos", "Mac OS X"} {
		if !s.IsOS(name) {
			t.Errorf("IsOS(%q) should match macOS", name)
		}
	}
	if s.IsOS("iOS") {
		t.Error("macOS should not match iOS")
	}
}
