package spentset

import (
	"sync"
	"sync/atomic"
	"testing"
)

func serialFromByte(b byte) Serial {
	var s Serial
	s[0] = b
	s[47] = b ^ 0xff
	return s
}

func TestInsertIfAbsent(t *testing.T) {
	set := New(1024, 0.001)
	s := serialFromByte(1)
	var tag [48]byte
	tag[0] = 0xaa

	status, entry := set.InsertIfAbsent(s, tag)
	if status != Inserted {
		t.Fatalf("first insert: status = %v, want Inserted", status)
	}
	if entry.FirstSeen.IsZero() {
		t.Error("first insert: zero FirstSeen")
	}
	if !set.Contains(s) {
		t.Error("Contains false after insert")
	}

	status, entry2 := set.InsertIfAbsent(s, tag)
	if status != AlreadyPresent {
		t.Fatalf("second insert: status = %v, want AlreadyPresent", status)
	}
	if !entry2.FirstSeen.Equal(entry.FirstSeen) {
		t.Error("second insert did not return the original entry")
	}
	if set.Len() != 1 {
		t.Errorf("Len = %d, want 1", set.Len())
	}
}

func TestContainsUnknown(t *testing.T) {
	set := New(1024, 0.001)
	if set.Contains(serialFromByte(7)) {
		t.Error("Contains true for never-inserted serial")
	}
}

// Exactly one of N concurrent inserters of the same serial must win.
func TestConcurrentSameSerial(t *testing.T) {
	set := New(1024, 0.001)
	s := serialFromByte(42)
	var tag [48]byte

	const n = 64
	var wins int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if status, _ := set.InsertIfAbsent(s, tag); status == Inserted {
				atomic.AddInt64(&wins, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins != 1 {
		t.Errorf("%d goroutines won the insert, want exactly 1", wins)
	}
	if set.Len() != 1 {
		t.Errorf("Len = %d, want 1", set.Len())
	}
}

func TestConcurrentDistinctSerials(t *testing.T) {
	set := New(4096, 0.001)
	const n = 256
	var tag [48]byte
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var s Serial
			s[0] = byte(i)
			s[1] = byte(i >> 8)
			s[2] = 0x5a
			if status, _ := set.InsertIfAbsent(s, tag); status != Inserted {
				t.Errorf("serial %d: status = %v, want Inserted", i, status)
			}
		}(i)
	}
	wg.Wait()
	if set.Len() != n {
		t.Errorf("Len = %d, want %d", set.Len(), n)
	}
}

func TestReset(t *testing.T) {
	set := New(1024, 0.001)
	s := serialFromByte(9)
	var tag [48]byte
	set.InsertIfAbsent(s, tag)

	set.Reset()
	if set.Contains(s) {
		t.Error("Contains true after Reset")
	}
	if set.Len() != 0 {
		t.Errorf("Len = %d after Reset, want 0", set.Len())
	}
	if status, _ := set.InsertIfAbsent(s, tag); status != Inserted {
		t.Errorf("insert after Reset: status = %v, want Inserted", status)
	}
}
