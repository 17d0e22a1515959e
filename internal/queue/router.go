package queue

import (
	"math/rand"

	"github.com/crucible-platform/crucible/internal/model"
)

// Router chooses which queue implementation owns a given evaluation by a
// configured percentage, with an emergency override to force every
// submission to the legacy queue (rollback). It never inspects code: the
// decision is purely a function of the configured percentage and the
// override flag, so it is safe to call before the envelope's payload is
// even read.
type Router struct {
	primaryPercentage float64
	forceLegacy       bool
	rand              func() float64
}

// NewRouter builds a Router. primaryPercentage is clamped to [0,1].
func NewRouter(primaryPercentage float64, forceLegacy bool) *Router {
	if primaryPercentage < 0 {
		primaryPercentage = 0
	}
	if primaryPercentage > 1 {
		primaryPercentage = 1
	}
	return &Router{
		primaryPercentage: primaryPercentage,
		forceLegacy:       forceLegacy,
		rand:              rand.Float64, //nolint:gosec // routing split is not security sensitive
	}
}

// SetForceLegacy flips the emergency rollback override at runtime, so an
// operator can roll back the primary queue without a redeploy.
func (r *Router) SetForceLegacy(force bool) { r.forceLegacy = force }

// SetPrimaryPercentage adjusts the routing split at runtime.
func (r *Router) SetPrimaryPercentage(p float64) {
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	r.primaryPercentage = p
}

// Route decides the destination for one evaluation. It does not mutate or
// inspect the envelope; callers are responsible for stamping the returned
// Route onto the evaluation record as RouteTag before handing the envelope
// to the chosen queue.
func (r *Router) Route() model.Route {
	if r.forceLegacy {
		return model.RouteLegacy
	}
	if r.rand() < r.primaryPercentage {
		return model.RoutePrimary
	}
	return model.RouteLegacy
}
