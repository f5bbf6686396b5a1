package pluginhost

import (
	"context"
	"errors"
	"testing"
)

func TestLoadPassiveModule(t *testing.T) {
	ctx := context.Background()
	h := New(ctx, nil)
	defer h.Close(ctx)

	id, err := h.Load(ctx, passiveModuleWASM())
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	status := h.List()
	if len(status) != 1 || !status[0].Passive {
		t.Fatalf("expected one passive plugin, got %+v", status)
	}

	result, err := h.Invoke(ctx, id, 1, 42)
	if err != nil {
		t.Fatalf("invoke passive: %v", err)
	}
	if result == 0 {
		t.Fatalf("passive plugin should report accept, got %d", result)
	}
}

func TestAlwaysAcceptModule(t *testing.T) {
	ctx := context.Background()
	h := New(ctx, nil)
	defer h.Close(ctx)

	id, err := h.Load(ctx, alwaysAcceptModuleWASM())
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	for _, seq := range []uint64{0, 1, 2, 100} {
		got, err := h.Invoke(ctx, id, 7, seq)
		if err != nil {
			t.Fatalf("invoke seq=%d: %v", seq, err)
		}
		if got != 1 {
			t.Fatalf("invoke seq=%d: got %d, want 1", seq, got)
		}
	}
}

// TestAcceptEvenDropOdd is scenario S2 from spec §8: a plugin that accepts
// even sequence numbers and drops odd ones.
func TestAcceptEvenDropOdd(t *testing.T) {
	ctx := context.Background()
	h := New(ctx, nil)
	defer h.Close(ctx)

	id, err := h.Load(ctx, acceptEvenDropOddModuleWASM())
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	cases := map[uint64]int32{0: 1, 1: 0, 2: 1, 3: 0, 100: 1, 101: 0}
	for seq, want := range cases {
		got, err := h.Invoke(ctx, id, 1, seq)
		if err != nil {
			t.Fatalf("invoke seq=%d: %v", seq, err)
		}
		if got != want {
			t.Fatalf("invoke seq=%d: got %d, want %d", seq, got, want)
		}
	}
}

func TestTrappingModuleReturnsPluginTrap(t *testing.T) {
	ctx := context.Background()
	h := New(ctx, nil)
	defer h.Close(ctx)

	id, err := h.Load(ctx, trappingModuleWASM())
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	_, err = h.Invoke(ctx, id, 1, 1)
	if !errors.Is(err, ErrPluginTrap) {
		t.Fatalf("invoke trapping module: got %v, want ErrPluginTrap", err)
	}
}

func TestUnloadThenInvokeFails(t *testing.T) {
	ctx := context.Background()
	h := New(ctx, nil)
	defer h.Close(ctx)

	id, err := h.Load(ctx, alwaysAcceptModuleWASM())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := h.Unload(ctx, id); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if _, err := h.Invoke(ctx, id, 1, 1); !errors.Is(err, ErrPluginMissing) {
		t.Fatalf("invoke after unload: got %v, want ErrPluginMissing", err)
	}
	if err := h.Unload(ctx, id); !errors.Is(err, ErrPluginMissing) {
		t.Fatalf("double unload: got %v, want ErrPluginMissing", err)
	}
}

func TestDispatchOrderMatchesRegistration(t *testing.T) {
	ctx := context.Background()
	h := New(ctx, nil)
	defer h.Close(ctx)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := h.Load(ctx, alwaysAcceptModuleWASM())
		if err != nil {
			t.Fatalf("load %d: %v", i, err)
		}
		ids = append(ids, id.String())
	}

	order := h.Order()
	if len(order) != 3 {
		t.Fatalf("order length = %d, want 3", len(order))
	}
	for i, id := range order {
		if id.String() != ids[i] {
			t.Fatalf("order[%d] = %s, want %s", i, id, ids[i])
		}
	}
}

func TestCompileErrorOnGarbageBytecode(t *testing.T) {
	ctx := context.Background()
	h := New(ctx, nil)
	defer h.Close(ctx)

	_, err := h.Load(ctx, []byte{0xDE, 0xAD, 0xBE, 0xEF})
	var loadErr *LoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("load garbage: got %v, want *LoadError", err)
	}
	if loadErr.Kind != LoadErrorCompile {
		t.Fatalf("load garbage: kind = %v, want compile", loadErr.Kind)
	}
}
