package transform

import (
	"math"

	"regkit/internal/volume"
)

// ExpFlow exponentiates a stationary velocity field by scaling and
// squaring: u = v / 2^steps, then steps times u <- u + u(x + u). With zero
// steps the velocity is returned as a displacement.
func ExpFlow(velocity *volume.Field, steps int) *volume.Field {
	u := velocity.Clone()
	if steps <= 0 {
		return u
	}
	u.Scale(1 / math.Pow(2, float64(steps)))
	for i := 0; i < steps; i++ {
		u = volume.Compose(u, u)
	}
	return u
}
