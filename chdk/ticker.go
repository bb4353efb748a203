package chdk

import (
	"time"

	"go.uber.org/atomic"
)

// MutableTicker is a ticker whose interval can be retuned while
// consumers are waiting on it, used by the live-view poller so clients
// can change the frame rate without reconnecting.
type MutableTicker struct {
	C <-chan bool

	interval *atomic.Int64
	enabled  *atomic.Bool
	kick     chan bool
}

func NewMutableTicker(d time.Duration) *MutableTicker {
	c := make(chan bool, 1)
	mt := &MutableTicker{
		C:        c,
		interval: atomic.NewInt64(int64(d)),
		enabled:  atomic.NewBool(true),
		kick:     make(chan bool, 1),
	}

	go func() {
		for {
			if mt.enabled.Load() {
				select {
				case c <- true:
				default:
				}
			}

			t := time.NewTimer(time.Duration(mt.interval.Load()))
			select {
			case <-t.C:
			case <-mt.kick:
			}
		}
	}()

	return mt
}

func (mt *MutableTicker) SetInterval(d time.Duration) {
	mt.interval.Store(int64(d))
	mt.interrupt()
}

func (mt *MutableTicker) Stop() {
	mt.enabled.Store(false)
	mt.interrupt()
}

func (mt *MutableTicker) Start() {
	mt.enabled.Store(true)
	mt.interrupt()
}

func (mt *MutableTicker) interrupt() {
	select {
	case mt.kick <- true:
	default:
	}
}
