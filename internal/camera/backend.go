package camera

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"
)

// BackendType はMediaDevicesの実装の種類
type BackendType string

const (
	BackendPion BackendType = "pion" // 実機のカメラ
	BackendMock BackendType = "mock" // 仮想カメラ
)

// BackendCreator はMediaDevicesを作成する関数の型
type BackendCreator func(logger zerolog.Logger) (MediaDevices, error)

// BackendFactory はバックエンド作成ファクトリー
type BackendFactory interface {
	Create(backend BackendType, logger zerolog.Logger) (MediaDevices, error)
	Supports(backend BackendType) bool
	SupportedTypes() []BackendType
}

// DefaultBackendFactory は標準実装
type DefaultBackendFactory struct {
	creators map[BackendType]BackendCreator
}

// NewBackendFactory はpionと仮想カメラを登録したファクトリーを作成する
func NewBackendFactory() *DefaultBackendFactory {
	factory := &DefaultBackendFactory{
		creators: make(map[BackendType]BackendCreator),
	}

	factory.Register(BackendPion, func(logger zerolog.Logger) (MediaDevices, error) {
		return NewPionMediaDevices(logger), nil
	})
	factory.Register(BackendMock, func(zerolog.Logger) (MediaDevices, error) {
		return NewMockMediaDevices(
			NewMockDevice("mock-front", "Front Camera", FacingFront, 1920, 1080),
			NewMockDevice("mock-back", "Back Camera", FacingBack, 3840, 2160),
		), nil
	})

	return factory
}

// Register は作成関数を登録する。同じ種類は上書きする
func (f *DefaultBackendFactory) Register(backend BackendType, creator BackendCreator) {
	f.creators[backend] = creator
}

// Create はバックエンドを作成する
func (f *DefaultBackendFactory) Create(backend BackendType, logger zerolog.Logger) (MediaDevices, error) {
	creator, exists := f.creators[backend]
	if !exists {
		return nil, fmt.Errorf("サポートされていないバックエンド: %s", backend)
	}
	return creator(logger)
}

// Supports は登録済みの種類かを返す
func (f *DefaultBackendFactory) Supports(backend BackendType) bool {
	_, ok := f.creators[backend]
	return ok
}

// SupportedTypes は登録済みの種類を名前順に返す
func (f *DefaultBackendFactory) SupportedTypes() []BackendType {
	types := make([]BackendType, 0, len(f.creators))
	for t := range f.creators {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
