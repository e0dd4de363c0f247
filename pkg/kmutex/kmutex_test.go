package kmutex

import (
	"sync"
	"testing"
)

func TestSerializesSameKey(t *testing.T) {
	km := New()
	var counter int
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			km.Lock("pkt")
			counter++
			km.Unlock("pkt")
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Fatalf("lost updates under contention: %d", counter)
	}
}

func TestIndependentKeysDoNotBlock(t *testing.T) {
	km := New()
	km.Lock("a")
	done := make(chan struct{})
	go func() {
		km.Lock("b")
		km.Unlock("b")
		close(done)
	}()
	<-done // must complete while "a" is still held
	km.Unlock("a")
}

func TestIdleEntriesEvicted(t *testing.T) {
	km := New()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := string(rune('a' + i))
			km.Lock(key)
			km.Unlock(key)
		}(i)
	}
	wg.Wait()
	if got := km.Len(); got != 0 {
		t.Fatalf("expected empty arena after release, got %d entries", got)
	}
}

func TestUnlockUnheldPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	New().Unlock("never-locked")
}
