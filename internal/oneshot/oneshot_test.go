package oneshot

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignal_FiresOnce(t *testing.T) {
	s := New[string]()
	assert.False(t, s.Fired())

	assert.True(t, s.Fire("first"))
	assert.False(t, s.Fire("second"), "second Fire MUST be ignored")
	assert.True(t, s.Fired())

	assert.Equal(t, "first", <-s.C())
	select {
	case v := <-s.C():
		t.Fatalf("signal delivered twice: %v", v)
	default:
	}
}

func TestSignal_ConcurrentFire(t *testing.T) {
	s := New[int]()
	var wg sync.WaitGroup
	wins := make(chan int, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if s.Fire(i) {
				wins <- i
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []int
	for w := range wins {
		winners = append(winners, w)
	}
	assert.Len(t, winners, 1, "exactly one Fire MUST win")
	assert.Equal(t, winners[0], <-s.C())
}
