package queue_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/crucible-platform/crucible/internal/model"
	"github.com/crucible-platform/crucible/internal/queue"
)

func TestRouter_ForceLegacyOverridesPercentage(t *testing.T) {
	r := queue.NewRouter(1.0, true)
	for i := 0; i < 10; i++ {
		assert.Equal(t, model.RouteLegacy, r.Route())
	}
}

func TestRouter_ZeroPercentAlwaysLegacy(t *testing.T) {
	r := queue.NewRouter(0, false)
	for i := 0; i < 20; i++ {
		assert.Equal(t, model.RouteLegacy, r.Route())
	}
}

func TestRouter_FullPercentAlwaysPrimary(t *testing.T) {
	r := queue.NewRouter(1, false)
	for i := 0; i < 20; i++ {
		assert.Equal(t, model.RoutePrimary, r.Route())
	}
}

func TestRouter_RuntimeAdjustment(t *testing.T) {
	r := queue.NewRouter(0, false)
	assert.Equal(t, model.RouteLegacy, r.Route())

	r.SetPrimaryPercentage(1)
	assert.Equal(t, model.RoutePrimary, r.Route())

	r.SetForceLegacy(true)
	assert.Equal(t, model.RouteLegacy, r.Route())
}
