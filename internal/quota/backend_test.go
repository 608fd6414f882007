package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/selahlabs/selah/internal/domain"
)

func TestNewBackend(t *testing.T) {
	tests := []struct {
		name        string
		backendType BackendType
		opts        []BackendOption
		wantErr     error
	}{
		{
			name:        "memory",
			backendType: BackendMemory,
		},
		{
			name:        "redis without client",
			backendType: BackendRedis,
			wantErr:     ErrInvalidConfig,
		},
		{
			name:        "unknown driver",
			backendType: "etcd",
			wantErr:     ErrInvalidBackendType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend, err := NewBackend(tt.backendType, tt.opts...)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("NewBackend() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewBackend() error = %v", err)
			}
			if backend == nil {
				t.Fatal("NewBackend() returned nil backend")
			}
		})
	}
}

func TestMemoryBackend(t *testing.T) {
	ctx := context.Background()
	backend, err := NewBackend(BackendMemory)
	if err != nil {
		t.Fatalf("NewBackend() error = %v", err)
	}
	defer backend.Close()

	// Absent user loads as nil, not an error.
	state, err := backend.Load(ctx, "user-1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if state != nil {
		t.Fatalf("Load() = %+v, want nil for absent user", state)
	}

	saved := domain.QuotaState{Limit: 10, Used: 3, ResetAt: time.Now().Add(time.Hour)}.Recompute()
	if err := backend.Save(ctx, "user-1", saved); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	state, err = backend.Load(ctx, "user-1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if state == nil || state.Used != 3 || state.Limit != 10 {
		t.Fatalf("Load() = %+v, want saved state", state)
	}

	// Loaded value is a copy; mutating it must not affect the store.
	state.Used = 99
	reloaded, _ := backend.Load(ctx, "user-1")
	if reloaded.Used != 3 {
		t.Errorf("stored state mutated through loaded pointer: used = %d", reloaded.Used)
	}

	if err := backend.Delete(ctx, "user-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	state, _ = backend.Load(ctx, "user-1")
	if state != nil {
		t.Errorf("Load() after delete = %+v, want nil", state)
	}
}
