package download

import (
	"sync"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/xibosignage/cachecore/model"
)

// ProgressEvent is emitted after each chunk or significant progress delta
// (spec.md §7 "User-visible behaviour").
type ProgressEvent struct {
	Ref      model.FileRef
	Filename string
	Loaded   int64
	Total    int64
	Percent  float64
	Complete bool
	Err      error
}

// Tracker is the broadcast channel of ProgressEvent records described in
// spec.md §9 ("Progress events... use a broadcast channel; subscribers
// attach cheaply and drop on lag"). It also drives an optional terminal
// progress display built on mpb, the teacher pack's bar library (present
// but unused in the teacher's own download package; here it is wired for
// real, one bar per in-flight file).
type Tracker struct {
	mu      sync.Mutex
	nextID  int
	subs    map[int]chan ProgressEvent
	display *mpb.Progress
	bars    map[string]*mpb.Bar
}

// NewTracker creates a Tracker. withBars enables the mpb terminal display;
// headless callers (such as the prioritize command) pass false.
func NewTracker(withBars bool) *Tracker {
	t := &Tracker{
		subs: make(map[int]chan ProgressEvent),
		bars: make(map[string]*mpb.Bar),
	}
	if withBars {
		t.display = mpb.New(mpb.WithWidth(64))
	}
	return t
}

// Subscribe registers a new listener and returns its id plus a buffered
// receive-only channel. Slow subscribers never block publishers: Publish
// drops events for a subscriber whose buffer is full.
func (t *Tracker) Subscribe() (int, <-chan ProgressEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	ch := make(chan ProgressEvent, 32)
	t.subs[id] = ch
	return id, ch
}

// Unsubscribe detaches and closes a subscriber's channel.
func (t *Tracker) Unsubscribe(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.subs[id]; ok {
		delete(t.subs, id)
		close(ch)
	}
}

// Publish fans ev out to every subscriber and updates the terminal bar (if
// enabled) for ev.Ref.
func (t *Tracker) Publish(ev ProgressEvent) {
	t.mu.Lock()
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// subscriber lagging; drop rather than block the publisher
		}
	}
	t.mu.Unlock()

	if t.display == nil {
		return
	}
	key := ev.Ref.Key()
	t.mu.Lock()
	bar, ok := t.bars[key]
	if !ok && ev.Total > 0 {
		bar = t.display.AddBar(ev.Total,
			mpb.PrependDecorators(
				decor.Name(ev.Filename),
				decor.Percentage(decor.WCSyncSpace),
			),
			mpb.AppendDecorators(
				decor.EwmaSpeed(decor.SizeB1024(0), "% .2f", 60),
			),
		)
		t.bars[key] = bar
	}
	if bar != nil {
		bar.SetCurrent(ev.Loaded)
		if ev.Complete {
			delete(t.bars, key)
		}
	}
	t.mu.Unlock()
}

// Wait blocks until every active bar finishes rendering. A no-op when the
// tracker was created headless.
func (t *Tracker) Wait() {
	if t.display != nil {
		t.display.Wait()
	}
}

func chunkEvent(ref model.FileRef, filename string, loaded, total int64, complete bool, err error) ProgressEvent {
	var pct float64
	if total > 0 {
		pct = float64(loaded) / float64(total) * 100
	}
	return ProgressEvent{
		Ref: ref, Filename: filename, Loaded: loaded, Total: total,
		Percent: pct, Complete: complete, Err: err,
	}
}
