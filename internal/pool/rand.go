// Copyright CLProxy Authors
// SPDX-License-Identifier: Apache-2.0

package pool

import "time"

// randSeed seeds the pool's weighted-random selector. It does not need
// to be cryptographically strong — only well distributed across
// process lifetimes.
func randSeed() int64 {
	return time.Now().UnixNano()
}
