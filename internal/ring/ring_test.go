// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package ring

import (
	"testing"
)

func TestBuffer(t *testing.T) {
	b := New[int](3)
	if n := b.Len(); n != 0 {
		t.Fatalf("b.Len()\nhave %d\nwant 0", n)
	}
	if c := b.Cap(); c != 3 {
		t.Fatalf("b.Cap()\nhave %d\nwant 3", c)
	}
	if _, ok := b.Pop(); ok {
		t.Fatal("b.Pop() on empty buffer\nhave true\nwant false")
	}
	for i := 0; i < 3; i++ {
		if !b.Push(i) {
			t.Fatalf("b.Push(%d)\nhave false\nwant true", i)
		}
	}
	if b.Push(3) {
		t.Fatal("b.Push(3) on full buffer\nhave true\nwant false")
	}
	for i := 0; i < 3; i++ {
		x, ok := b.Pop()
		if !ok {
			t.Fatalf("b.Pop() #%d\nhave false\nwant true", i)
		}
		if x != i {
			t.Fatalf("b.Pop() #%d\nhave %d\nwant %d", i, x, i)
		}
	}
	if _, ok := b.Pop(); ok {
		t.Fatal("b.Pop() after drain\nhave true\nwant false")
	}
}

func TestBufferFIFOWrap(t *testing.T) {
	b := New[string](2)
	b.Push("a")
	b.Push("b")
	for i, want := range []string{"a", "b", "c", "d", "e"} {
		x, ok := b.Pop()
		if !ok || x != want {
			t.Fatalf("b.Pop() #%d\nhave %q, %t\nwant %q, true", i, x, ok, want)
		}
		// Keep the buffer rolling across the wrap point.
		b.Push(string(rune('c' + i)))
	}
}

func TestBufferBadCapacity(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("New(0) did not panic")
		}
	}()
	New[int](0)
}
