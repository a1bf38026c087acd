package llm

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_InitiallyHealthyInPriorityOrder(t *testing.T) {
	r := NewRegistry("qwen", "phi3", "mistral", "qwen")

	assert.Equal(t, []Provider{"qwen", "phi3", "mistral"}, r.Providers())
	for _, h := range r.Snapshot() {
		assert.True(t, h.IsHealthy)
		assert.Zero(t, h.ConsecutiveFailures)
	}

	p, ok := r.NextHealthy(nil)
	require.True(t, ok)
	assert.Equal(t, Provider("qwen"), p)
}

func TestRegistry_NextHealthySkipsExcludedAndUnhealthy(t *testing.T) {
	r := NewRegistry("qwen", "phi3", "mistral")
	for range UnhealthyThreshold {
		r.RecordFailure("phi3")
	}

	p, ok := r.NextHealthy(map[Provider]struct{}{"qwen": {}})
	require.True(t, ok)
	assert.Equal(t, Provider("mistral"), p)

	_, ok = r.NextHealthy(map[Provider]struct{}{"qwen": {}, "mistral": {}})
	assert.False(t, ok)
}

func TestRegistry_UnhealthyExactlyAfterThirdFailure(t *testing.T) {
	r := NewRegistry("qwen")

	h := r.RecordFailure("qwen")
	assert.True(t, h.IsHealthy)
	assert.Equal(t, 1, h.ConsecutiveFailures)

	h = r.RecordFailure("qwen")
	assert.True(t, h.IsHealthy)

	h = r.RecordFailure("qwen")
	assert.False(t, h.IsHealthy)
	assert.Equal(t, 3, h.ConsecutiveFailures)

	_, ok := r.NextHealthy(nil)
	assert.False(t, ok)
}

func TestRegistry_SingleSuccessFullyHeals(t *testing.T) {
	r := NewRegistry("qwen")
	for range 5 {
		r.RecordFailure("qwen")
	}

	r.RecordSuccess("qwen")
	h, ok := r.Health("qwen")
	require.True(t, ok)
	assert.True(t, h.IsHealthy)
	assert.Zero(t, h.ConsecutiveFailures)

	// A fresh run of three failures is needed to trip it again.
	r.RecordFailure("qwen")
	r.RecordFailure("qwen")
	h, _ = r.Health("qwen")
	assert.True(t, h.IsHealthy)
	r.RecordFailure("qwen")
	h, _ = r.Health("qwen")
	assert.False(t, h.IsHealthy)
}

func TestRegistry_Interleavings(t *testing.T) {
	// s = success, f = failure; healthy must equal "fewer than 3 failures
	// since the last success".
	sequences := []string{"fff", "ffsfff", "fsfsfs", "fffsf", "ffffffs", "sfffsff"}

	for _, seq := range sequences {
		t.Run(seq, func(t *testing.T) {
			r := NewRegistry("p")
			run := 0
			for _, step := range seq {
				if step == 's' {
					r.RecordSuccess("p")
					run = 0
				} else {
					r.RecordFailure("p")
					run++
				}
				h, _ := r.Health("p")
				assert.Equal(t, run < UnhealthyThreshold, h.IsHealthy)
				assert.Equal(t, run, h.ConsecutiveFailures)
			}
		})
	}
}

func TestRegistry_UnknownProviderIgnored(t *testing.T) {
	r := NewRegistry("qwen")
	r.RecordSuccess("ghost")
	h := r.RecordFailure("ghost")

	assert.Equal(t, Provider("ghost"), h.Provider)
	assert.Len(t, r.Snapshot(), 1)
}

func TestRegistry_ConcurrentFailuresNotLost(t *testing.T) {
	r := NewRegistry("qwen")

	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.RecordFailure("qwen")
		}()
	}
	wg.Wait()

	h, _ := r.Health("qwen")
	assert.Equal(t, 100, h.ConsecutiveFailures)
	assert.False(t, h.IsHealthy)
}
