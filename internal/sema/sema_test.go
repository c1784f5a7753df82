// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package sema

import (
	"testing"
	"time"
)

func TestCount(t *testing.T) {
	s := New(2, 3)
	for i := 0; i < 2; i++ {
		if !s.TryWait() {
			t.Fatalf("s.TryWait() #%d\nhave false\nwant true", i)
		}
	}
	if s.TryWait() {
		t.Fatal("s.TryWait() on empty semaphore\nhave true\nwant false")
	}
	s.Post()
	if !s.TryWait() {
		t.Fatal("s.TryWait() after Post\nhave false\nwant true")
	}
}

func TestWaitTimeout(t *testing.T) {
	s := New(0, 1)
	start := time.Now()
	if s.Wait(10 * time.Millisecond) {
		t.Fatal("s.Wait(10ms) on empty semaphore\nhave true\nwant false")
	}
	if d := time.Since(start); d < 10*time.Millisecond {
		t.Fatalf("s.Wait returned after %v\nwant >= 10ms", d)
	}
	if s.Wait(0) {
		t.Fatal("s.Wait(0) on empty semaphore\nhave true\nwant false")
	}
}

func TestWaitForever(t *testing.T) {
	s := New(0, 1)
	done := make(chan bool)
	go func() { done <- s.Wait(Forever) }()
	select {
	case <-done:
		t.Fatal("s.Wait(Forever) returned with count 0")
	case <-time.After(20 * time.Millisecond):
	}
	s.Post()
	select {
	case ok := <-done:
		if !ok {
			t.Fatal("s.Wait(Forever)\nhave false\nwant true")
		}
	case <-time.After(time.Second):
		t.Fatal("s.Wait(Forever) did not observe Post")
	}
}

func TestPostOverflow(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("Post above capacity did not panic")
		}
	}()
	s := New(1, 1)
	s.Post()
}
