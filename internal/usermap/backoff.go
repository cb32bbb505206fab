package usermap

import (
	"math/rand"
	"time"
)

// jitterDuration spreads d by +/-20%.
func jitterDuration(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	j := d / 5
	if j <= 0 {
		return d
	}
	return d - j + time.Duration(rand.Int63n(int64(j*2)+1))
}
