package core

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/3cpo-dev/knot/pkg/api"
)

func BenchmarkFormatError(b *testing.B) {
	err := fmt.Errorf("start vm1: %w", errors.New("Traceback (most recent call last):\n  File \"x.py\", line 1\nvirsh: domain not found"))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = FormatError(err)
	}
}

func BenchmarkDeployDescriptor(b *testing.B) {
	c := &api.Compute{ID: "vm1", Hostname: "web1", Owner: "alice", Memory: 4, SwapSize: 1, NumCores: 2}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = deployDescriptor(c)
	}
}

func BenchmarkModifyCompute(b *testing.B) {
	store, err := NewStore(filepath.Join(b.TempDir(), "knot.db"), nil)
	if err != nil {
		b.Fatal(err)
	}
	defer store.Close()
	ctx := context.Background()
	err = store.ReadWrite(ctx, func(tx *Tx) error {
		return tx.CreateCompute(&api.Compute{ID: "vm1", Hostname: "web1", Kind: api.KindVirtual, State: api.StateInactive})
	})
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		err := store.ReadWrite(ctx, func(tx *Tx) error {
			_, err := tx.ModifyCompute("vm1", map[string]any{api.FieldMemory: float64(i%8 + 1)})
			return err
		})
		if err != nil {
			b.Fatal(err)
		}
	}
}
