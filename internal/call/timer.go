package call

import "time"

// Ticker is the subset of time.Ticker the orchestrator needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFunc creates a Ticker firing every d.
type TickerFunc func(d time.Duration) Ticker

type stdTicker struct{ t *time.Ticker }

func (s stdTicker) C() <-chan time.Time { return s.t.C }
func (s stdTicker) Stop() { s.t.Stop() }

func newStdTicker(d time.Duration) Ticker { return stdTicker{t: time.NewTicker(d)} }

// durationTimer is the per-call one-second ticker. Each start bumps the
// generation so ticks from an earlier run are recognised and dropped.
type durationTimer struct {
	newTicker TickerFunc
	gen       uint64
	stop      chan struct{}
	ticker    Ticker
}

// start cancels any running ticker and launches a new one. onTick is
// called from the ticker goroutine with the generation it belongs to.
func (t *durationTimer) start(onTick func(gen uint64)) {
	t.cancel()
	t.gen++
	gen := t.gen
	tk := t.newTicker(time.Second)
	stop := make(chan struct{})
	t.ticker, t.stop = tk, stop

	go func() {
		for {
			select {
			case <-stop:
				return
			case <-tk.C():
				select {
				case <-stop:
					return
				default:
				}
				onTick(gen)
			}
		}
	}()
}

// cancel stops the running ticker, if any. Safe to call repeatedly.
func (t *durationTimer) cancel() {
	if t.stop == nil {
		return
	}
	close(t.stop)
	t.ticker.Stop()
	t.stop, t.ticker = nil, nil
	t.gen++
}

func (t *durationTimer) running() bool { return t.stop != nil }

// current reports whether gen belongs to the running ticker.
func (t *durationTimer) current(gen uint64) bool {
	return t.stop != nil && gen == t.gen
}
