package camera

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Orientations は向きごとの対応可否
type Orientations struct {
	Landscape bool `json:"landscape"`
	Portrait  bool `json:"portrait"`
}

// Orientation は画面の向き
type Orientation string

const (
	OrientationLandscape Orientation = "landscape"
	OrientationPortrait  Orientation = "portrait"
)

// Supports は指定の向きに対応しているかを返す
func (o Orientations) Supports(orientation Orientation) bool {
	switch orientation {
	case OrientationLandscape:
		return o.Landscape
	case OrientationPortrait:
		return o.Portrait
	}
	return false
}

// SupportedResolutions はデバイス×プリセットの判定結果
type SupportedResolutions struct {
	Preset       Preset       `json:"preset"`
	Supported    bool         `json:"supported"`
	Orientations Orientations `json:"supported_orientations"`
	Spec         Resolution   `json:"spec"`
	DeviceID     string       `json:"device_id"`
}

// Prober は試験ストリームを開いてデバイスの対応解像度を調べる
type Prober struct {
	devices MediaDevices
	logger  zerolog.Logger
	timeout time.Duration
}

// NewProber は新しいProberを作成する
func NewProber(devices MediaDevices, logger zerolog.Logger) *Prober {
	return &Prober{devices: devices, logger: logger}
}

// WithTimeout は試験ストリーム1本の取得にかける上限を設定する。0なら無制限
func (p *Prober) WithTimeout(d time.Duration) *Prober {
	p.timeout = d
	return p
}

// Probe は各デバイスを順に調べる。失敗したデバイスは全プリセット非対応として扱う
func (p *Prober) Probe(ctx context.Context, devices []DeviceInfo) []SupportedResolutions {
	results := make([]SupportedResolutions, 0, len(devices)*len(presetOrder))
	for _, d := range devices {
		res, err := p.ProbeDevice(ctx, d.DeviceID)
		if err != nil {
			p.logger.Warn().Err(err).Str("device_id", d.DeviceID).Msg("デバイスの解像度確認に失敗")
			res = fallbackResults(d.DeviceID)
		}
		results = append(results, res...)
	}
	return results
}

// ProbeDevice は1台分の判定を行う。試験ストリームは必ず停止する
func (p *Prober) ProbeDevice(ctx context.Context, deviceID string) ([]SupportedResolutions, error) {
	ctx, cancel := withTimeout(ctx, p.timeout)
	defer cancel()

	stream, err := p.devices.GetUserMedia(ctx, Constraints{
		Video: &VideoConstraints{DeviceID: ConstrainString{Exact: deviceID}},
	})
	if err != nil {
		return nil, fmt.Errorf("試験ストリームの取得に失敗: %w", err)
	}
	if stream == nil {
		return nil, fmt.Errorf("試験ストリームが空です")
	}
	defer stopTracks(stream)

	tracks := stream.VideoTracks()
	if len(tracks) == 0 {
		return nil, ErrNoVideoTrack
	}

	caps, err := tracks[0].Capabilities()
	if err != nil {
		return nil, fmt.Errorf("capabilitiesの取得に失敗: %w", err)
	}
	if !caps.Width.Valid || !caps.Height.Valid {
		return nil, fmt.Errorf("デバイスのcapabilitiesが報告されていません")
	}

	results := make([]SupportedResolutions, 0, len(presetOrder))
	for _, preset := range presetOrder {
		spec := standardResolutions[preset]
		o := CheckOrientationSupport(caps, spec)
		results = append(results, SupportedResolutions{
			Preset:       preset,
			Supported:    o.Landscape || o.Portrait,
			Orientations: o,
			Spec:         spec,
			DeviceID:     deviceID,
		})
	}
	return results, nil
}

// CheckOrientationSupport は横向きと縦向き（幅高さ入れ替え）の両方を判定する
func CheckOrientationSupport(caps TrackCapabilities, res Resolution) Orientations {
	return Orientations{
		Landscape: caps.Width.Contains(res.Width) && caps.Height.Contains(res.Height),
		Portrait:  caps.Width.Contains(res.Height) && caps.Height.Contains(res.Width),
	}
}

func fallbackResults(deviceID string) []SupportedResolutions {
	results := make([]SupportedResolutions, 0, len(presetOrder))
	for _, preset := range presetOrder {
		results = append(results, SupportedResolutions{
			Preset:   preset,
			Spec:     standardResolutions[preset],
			DeviceID: deviceID,
		})
	}
	return results
}

// stopTracks はストリームの全トラックを停止する
func stopTracks(stream Stream) {
	for _, t := range stream.Tracks() {
		t.Stop()
	}
}

// withTimeout はdが正ならタイムアウト付きのコンテキストを返す
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
