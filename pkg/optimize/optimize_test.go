package optimize

import (
	"testing"
)

func TestBytePool(t *testing.T) {
	pool := NewBytePool(1500)

	buf := pool.Get()
	if len(buf) != 1500 {
		t.Fatalf("expected buffer size 1500, got %d", len(buf))
	}
	pool.Put(buf[:12])

	buf2 := pool.Get()
	if len(buf2) != 1500 {
		t.Errorf("expected truncated buffer to be restored to 1500, got %d", len(buf2))
	}
	if pool.Size() != 1500 {
		t.Errorf("Size() = %d, want 1500", pool.Size())
	}
}

func TestBytePool_DropsShortBuffers(t *testing.T) {
	pool := NewBytePool(64)
	pool.Put(make([]byte, 16))

	for i := 0; i < 4; i++ {
		if got := len(pool.Get()); got != 64 {
			t.Fatalf("expected 64 byte buffer, got %d", got)
		}
	}
}
