package jsondb

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// coordinator hands out one reader/writer lock per collection name.
//
// Locks are created on first use and live as long as the DB, so a dropped
// collection keeps its lock.
type coordinator struct {
	locks *xsync.MapOf[string, *sync.RWMutex]
}

func newCoordinator() *coordinator {
	return &coordinator{locks: xsync.NewMapOf[string, *sync.RWMutex]()}
}

func (c *coordinator) lockFor(name string) *sync.RWMutex {
	l, _ := c.locks.LoadOrCompute(name, func() *sync.RWMutex {
		return &sync.RWMutex{}
	})
	return l
}
