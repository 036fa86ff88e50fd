package swarm

import "time"

// Clock reports the current instant. No package in this module takes
// a Clock: the choke algorithm's snubbing check calls time.Now and
// time.Since directly.
type Clock func() time.Time

// SystemClock is the default Clock backed by time.Now.
func SystemClock() time.Time { return time.Now() }
