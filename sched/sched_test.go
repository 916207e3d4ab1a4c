package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPutRunsAtOrAfterDeadline(t *testing.T) {
	s := New(2)
	done := make(chan time.Time, 1)
	start := time.Now()
	s.Put(func() { done <- time.Now() }, start.Add(30*time.Millisecond))

	select {
	case fired := <-done:
		assert.True(t, fired.Sub(start) >= 25*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled function never ran")
	}
}

func TestPutOrdersByDeadline(t *testing.T) {
	s := New(1)
	var order []int
	done := make(chan struct{})

	now := time.Now()
	s.Put(func() { order = append(order, 2); close(done) }, now.Add(20*time.Millisecond))
	s.Put(func() { order = append(order, 1) }, now.Add(10*time.Millisecond))

	<-done
	assert.Equal(t, []int{1, 2}, order)
}
