package store

import "time"

// nowUnix returns the current Unix timestamp. Isolated in its own
// function so tests can observe exactly where wall-clock time enters
// the store package.
func nowUnix() int64 {
	return time.Now().Unix()
}
