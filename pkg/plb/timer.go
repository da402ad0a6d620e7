package plb

import (
	"time"
)

// Start runs the periodic timer. Each tick applies pending updates and
// runs a refresh once PLBRefreshGap has passed since the previous one.
// Start is a no-op on a started or disposed engine.
func (e *Engine) Start() {
	if e.closed.Load() || !e.started.CompareAndSwap(false, true) {
		return
	}
	interval := e.Config().ProcessPendingUpdatesInterval
	e.wg.Add(1)
	go e.run(interval)
	e.logger.Info().Dur("interval", interval).Msg("Engine timer started")
}

// Stop stops the timer and waits for background work to finish
func (e *Engine) Stop() {
	e.StopSearcher()
	e.stopOnce.Do(func() {
		close(e.stopCh)
	})
	e.wg.Wait()
}

func (e *Engine) run(interval time.Duration) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.tick(e.now())
		case <-e.stopCh:
			return
		}
	}
}

// tick is one timer step
func (e *Engine) tick(now time.Time) {
	if now.UnixNano() >= e.nextRefresh.Load() {
		e.Refresh(now)
		return
	}
	e.ProcessPendingUpdates(now)
}
