package exchange

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInboxQueue_ProducerNeverBlocks(t *testing.T) {
	q := newInboxQueue()

	// far more frames than any fixed buffer would hold, with no
	// consumer attached
	for i := 0; i < 1000; i++ {
		q.push([]float64{float64(i)})
	}
	for i := 0; i < 1000; i++ {
		assert.Equal(t, float64(i), q.pop()[0])
	}
}

func TestInboxQueue_PopWaitsForPush(t *testing.T) {
	q := newInboxQueue()
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.push([]float64{7})
	}()
	assert.Equal(t, []float64{7}, q.pop())
}
