package session

import (
	"time"

	"github.com/coinparty/mixpeer/smpc"
)

// lookupValueRetries and lookupValueInterval bound how long Dispatch waits
// for a Value's initiator to register it before giving up on an
// out-of-order message, the same budget the package's harness test files
// use (500 x 1ms).
const (
	lookupValueRetries  = 500
	lookupValueInterval = time.Millisecond
)

// lookupValue polls store for (id, index), returning nil if it never
// appears within the retry budget. §5 describes lazy slot creation with
// "parked until its initiator attaches a callback"; bounded polling is the
// production approximation of that parking used throughout this module
// (see session.Dispatch's doc comment).
func lookupValue(store *smpc.Store, id string, index uint32) smpc.Value {
	for i := 0; i < lookupValueRetries; i++ {
		if v := store.Get(id, index); v != nil {
			return v
		}
		time.Sleep(lookupValueInterval)
	}
	return nil
}
