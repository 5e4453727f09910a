package capstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"idcapture/internal/camera"
	"idcapture/internal/useragent"
)

func newTestStore(t *testing.T, ttl time.Duration) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewStore(client, "test", ttl, zerolog.Nop()), mr
}

func TestNewStore_Defaults(t *testing.T) {
	store := NewStore(redis.NewClient(&redis.Options{}), "", 0, zerolog.Nop())
	if store.Key() != "idcapture:capability:default" {
		t.Errorf("Unexpected key: %s", store.Key())
	}
	if store.ttl != 24*time.Hour {
		t.Errorf("Expected default TTL 24h, got %v", store.ttl)
	}
}

func TestStore_SaveAndLoad(t *testing.T) {
	store, mr := newTestStore(t, time.Minute)
	ctx := context.Background()

	capability := camera.CameraCapability{
		IsSupported:        true,
		HasMultipleCameras: true,
		AvailableDevices: []camera.DeviceInfo{
			{DeviceID: "cam0", Label: "Front", Kind: camera.KindVideoInput},
			{DeviceID: "cam1", Label: "Back", Kind: camera.KindVideoInput},
		},
		SupportedResolutions: []camera.ResolutionSupport{
			{Preset: camera.PresetHD, Orientations: camera.Orientations{Landscape: true, Portrait: true}},
		},
		DeviceResolutions: map[string]camera.DeviceResolution{
			"cam0": {IsSupported: true, RecommendedResolution: camera.PresetHD},
		},
		RecommendedResolution: camera.PresetHD,
	}

	if err := store.Save(ctx, capability); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if ttl := mr.TTL(store.Key()); ttl != time.Minute {
		t.Errorf("Expected TTL 1m, got %v", ttl)
	}

	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !loaded.IsSupported || !loaded.HasMultipleCameras {
		t.Errorf("Unexpected flags: %+v", loaded)
	}
	if len(loaded.AvailableDevices) != 2 || loaded.AvailableDevices[1].DeviceID != "cam1" {
		t.Errorf("Unexpected devices: %+v", loaded.AvailableDevices)
	}
	if loaded.RecommendedResolution != camera.PresetHD {
		t.Errorf("Expected HD, got %s", loaded.RecommendedResolution)
	}
	if !loaded.DeviceResolutions["cam0"].IsSupported {
		t.Error("Expected per-device result to survive")
	}
}

func TestStore_LoadNotFound(t *testing.T) {
	store, _ := newTestStore(t, time.Minute)

	if _, err := store.Load(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestStore_Expiry(t *testing.T) {
	store, mr := newTestStore(t, time.Minute)
	ctx := context.Background()

	if err := store.Save(ctx, camera.CameraCapability{IsSupported: true}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	mr.FastForward(2 * time.Minute)

	if _, err := store.Load(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after expiry, got %v", err)
	}
}

func TestStore_Clear(t *testing.T) {
	store, mr := newTestStore(t, time.Minute)
	ctx := context.Background()

	if err := store.Save(ctx, camera.CameraCapability{}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if mr.Exists(store.Key()) {
		t.Error("Expected key to be deleted")
	}
}

func TestStore_LoadCorrupted(t *testing.T) {
	store, mr := newTestStore(t, time.Minute)
	if err := mr.Set(store.Key(), "{not json"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	_, err := store.Load(context.Background())
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("Expected decode error, got %v", err)
	}
}

func TestStore_AttachPersistsProbeResult(t *testing.T) {
	store, _ := newTestStore(t, time.Minute)

	media := camera.NewMockMediaDevices(camera.NewMockDevice("cam0", "Camera", camera.FacingFront, 1920, 1080))
	manager := camera.NewDefaultManager(media, useragent.Static{Desktop: true, OS: "Windows"}, camera.Options{Logger: zerolog.Nop()})
	defer manager.Destroy()

	detach := store.Attach(manager)
	defer detach()

	if !manager.CheckCameraCapabilities(context.Background()) {
		t.Fatal("Expected capability check to succeed")
	}

	loaded, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !loaded.IsSupported {
		t.Error("Expected stored capability to be supported")
	}
	if len(loaded.AvailableDevices) != 1 {
		t.Errorf("Expected 1 device, got %d", len(loaded.AvailableDevices))
	}
}
