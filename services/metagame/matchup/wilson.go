// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package matchup

import "math"

// DefaultZ is the normal quantile for a 95% interval.
const DefaultZ = 1.96

// Wilson returns the Wilson score interval for a proportion p observed over
// n trials. Both bounds lie in [0,1]. n <= 0 yields (0, 1).
func Wilson(p float64, n int, z float64) (lower, upper float64) {
	if n <= 0 {
		return 0, 1
	}
	nf := float64(n)
	z2 := z * z
	denom := 1 + z2/nf
	center := (p + z2/(2*nf)) / denom
	margin := z * math.Sqrt(p*(1-p)/nf+z2/(4*nf*nf)) / denom
	return math.Max(0, center-margin), math.Min(1, center+margin)
}
