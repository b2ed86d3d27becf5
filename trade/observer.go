package trade

import "time"

// Observer receives engine events after the transaction that produced them
// has committed. Implementations must be safe for concurrent use.
type Observer interface {
	Transitioned(action Action, from, to Status)
	Refused(action Action, err error)
	Exchanged(elapsed time.Duration, err error)
	Swept(expired int, failed int)
}

type nopObserver struct{}

func (nopObserver) Transitioned(Action, Status, Status) {}
func (nopObserver) Refused(Action, error)               {}
func (nopObserver) Exchanged(time.Duration, error)      {}
func (nopObserver) Swept(int, int)                      {}
