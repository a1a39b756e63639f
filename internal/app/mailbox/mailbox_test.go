package mailbox

import (
	"sync"
	"testing"
	"time"

	"github.com/dkeye/studyhall/internal/testutil"
)

func TestMailbox_DeliversInOrder(t *testing.T) {
	m := New[int]()
	got := make(chan int, 100)
	go m.Run(func(v int) { got <- v })
	defer m.Close()

	for i := 0; i < 100; i++ {
		if !m.Push(i) {
			t.Fatalf("push %d rejected", i)
		}
	}
	for i := 0; i < 100; i++ {
		if v := testutil.RequireReceive(t, got, time.Second, "value %d", i); v != i {
			t.Fatalf("got %d, want %d", v, i)
		}
	}
}

func TestMailbox_PushNeverBlocks(t *testing.T) {
	m := New[int]()
	block := make(chan struct{})
	go m.Run(func(int) { <-block })
	defer close(block)
	defer m.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			m.Push(i)
		}
		close(done)
	}()
	testutil.RequireClosed(t, done, time.Second, "pushes behind a stuck consumer")
}

func TestMailbox_CloseStopsRun(t *testing.T) {
	m := New[int]()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.Run(func(int) {})
	}()

	m.Close()
	m.Close()

	exited := make(chan struct{})
	go func() {
		wg.Wait()
		close(exited)
	}()
	testutil.RequireClosed(t, exited, time.Second, "Run returns after Close")

	if m.Push(1) {
		t.Errorf("push accepted after close")
	}
}
