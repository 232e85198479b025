package resilience

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDegradationController_DefaultIsFull(t *testing.T) {
	controller := NewDegradationController(nil)

	assert.Equal(t, LevelFull, controller.CurrentLevel("image"))
	assert.Empty(t, controller.Status())
}

func TestDegradationController_DegradeStepsDown(t *testing.T) {
	controller := NewDegradationController(nil)

	want := []DegradationLevel{LevelHigh, LevelMedium, LevelLow, LevelMinimal}
	for _, expected := range want {
		assert.Equal(t, expected, controller.Degrade("image"))
	}

	// Already at the floor, further degradation is clamped.
	assert.Equal(t, LevelMinimal, controller.Degrade("image"))
	assert.Equal(t, LevelMinimal, controller.CurrentLevel("image"))
}

func TestDegradationController_RestoreIsIdempotent(t *testing.T) {
	type change struct {
		domain string
		from   DegradationLevel
		to     DegradationLevel
	}
	var changes []change

	controller := NewDegradationController(func(domain string, from, to DegradationLevel) {
		changes = append(changes, change{domain, from, to})
	})

	controller.Degrade("video")
	controller.Degrade("video")
	assert.Equal(t, LevelFull, controller.Restore("video"))
	assert.Equal(t, LevelFull, controller.CurrentLevel("video"))

	// A second restore changes nothing and fires no callback.
	assert.Equal(t, LevelFull, controller.Restore("video"))

	require.Len(t, changes, 3)
	assert.Equal(t, change{"video", LevelFull, LevelHigh}, changes[0])
	assert.Equal(t, change{"video", LevelHigh, LevelMedium}, changes[1])
	assert.Equal(t, change{"video", LevelMedium, LevelFull}, changes[2])
}

func TestDegradationController_DomainsAreIndependent(t *testing.T) {
	controller := NewDegradationController(nil)

	controller.Degrade("image")
	controller.Degrade("image")

	assert.Equal(t, LevelMedium, controller.CurrentLevel("image"))
	assert.Equal(t, LevelFull, controller.CurrentLevel("video"))

	status := controller.Status()
	require.Len(t, status, 1)
	assert.Equal(t, LevelMedium, status["image"])
}

func TestDegradationController_AdjustParameters(t *testing.T) {
	controller := NewDegradationController(nil)
	controller.Degrade("image")
	controller.Degrade("image")
	require.Equal(t, LevelMedium, controller.CurrentLevel("image"))

	params := map[string]float64{
		"resolution_scale": 1.0,
		"inference_steps":  50,
		"video_frames":     120,
		"sampling_quality": 10,
		"seed":             42,
		"guidance_scale":   7.5,
	}

	adjusted := controller.AdjustParameters("image", params)

	assert.InDelta(t, 0.6, adjusted["resolution_scale"], 1e-9)
	assert.InDelta(t, 30, adjusted["inference_steps"], 1e-9)
	assert.InDelta(t, 72, adjusted["video_frames"], 1e-9)
	assert.InDelta(t, 6, adjusted["sampling_quality"], 1e-9)

	// Unrecognized parameters pass through unchanged.
	assert.Equal(t, 42.0, adjusted["seed"])
	assert.Equal(t, 7.5, adjusted["guidance_scale"])

	// The input map is never mutated.
	assert.Equal(t, 1.0, params["resolution_scale"])
	assert.Equal(t, 50.0, params["inference_steps"])
}

func TestDegradationController_AdjustParametersAtFull(t *testing.T) {
	controller := NewDegradationController(nil)

	params := map[string]float64{"inference_steps": 50, "seed": 42}
	adjusted := controller.AdjustParameters("image", params)

	assert.Equal(t, params, adjusted)
	assert.Nil(t, controller.AdjustParameters("image", nil))
}

func TestDegradationLevel_Multiplier(t *testing.T) {
	tests := []struct {
		level DegradationLevel
		want  float64
	}{
		{LevelFull, 1.0},
		{LevelHigh, 0.8},
		{LevelMedium, 0.6},
		{LevelLow, 0.4},
		{LevelMinimal, 0.2},
	}

	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.level.Multiplier())
		})
	}
}

func TestDegradationLevel_StringRoundTrip(t *testing.T) {
	levels := []DegradationLevel{LevelFull, LevelHigh, LevelMedium, LevelLow, LevelMinimal}
	for _, level := range levels {
		parsed, err := ParseDegradationLevel(level.String())
		require.NoError(t, err)
		assert.Equal(t, level, parsed)
	}

	_, err := ParseDegradationLevel("PLAID")
	assert.Error(t, err)
}

func TestDegradationLevel_MarshalJSON(t *testing.T) {
	data, err := LevelMedium.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"MEDIUM"`, string(data))
}

func TestDegradationController_ConcurrentAccess(t *testing.T) {
	controller := NewDegradationController(nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			domain := fmt.Sprintf("domain-%d", n%4)
			for j := 0; j < 50; j++ {
				controller.Degrade(domain)
				controller.CurrentLevel(domain)
				controller.AdjustParameters(domain, map[string]float64{"inference_steps": 50})
				controller.Restore(domain)
			}
		}(i)
	}
	wg.Wait()

	for n := 0; n < 4; n++ {
		assert.Equal(t, LevelFull, controller.CurrentLevel(fmt.Sprintf("domain-%d", n)))
	}
}
