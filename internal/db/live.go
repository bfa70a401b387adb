package db

import (
	"context"
	"sync"

	"github.com/dinovending/dino/backend/internal/logging"
	"github.com/dinovending/dino/backend/internal/models"
)

// changeFeed fans out "table changed" signals to watchers after commit.
type changeFeed struct {
	mu       sync.Mutex
	nextID   int
	watchers map[int]*watcher
}

type watcher struct {
	tables map[models.Table]bool
	ch     chan struct{}
}

func newChangeFeed() *changeFeed {
	return &changeFeed{watchers: make(map[int]*watcher)}
}

func (f *changeFeed) add(tables []models.Table) (int, chan struct{}) {
	w := &watcher{tables: make(map[models.Table]bool, len(tables)), ch: make(chan struct{}, 1)}
	for _, t := range tables {
		w.tables[t] = true
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.watchers[f.nextID] = w
	return f.nextID, w.ch
}

func (f *changeFeed) remove(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.watchers, id)
}

// notify marks every watcher of the given tables dirty. Signals coalesce:
// a watcher that has not consumed the previous signal gets no second one.
func (f *changeFeed) notify(tables ...models.Table) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range f.watchers {
		for _, t := range tables {
			if !w.tables[t] {
				continue
			}
			select {
			case w.ch <- struct{}{}:
			default:
			}
			break
		}
	}
}

// Watch returns a channel signalled after every committed write touching any
// of tables, and a function that stops the watch.
func (s *Store) Watch(tables ...models.Table) (<-chan struct{}, func()) {
	id, ch := s.feed.add(tables)
	var once sync.Once
	return ch, func() {
		once.Do(func() { s.feed.remove(id) })
	}
}

// Subscription is a live query. Results delivers the current result set
// right away and again after every change to the table. A slow reader only
// ever sees the latest result.
type Subscription struct {
	results chan []models.Record
	cancel  context.CancelFunc
	done    chan struct{}
}

// Results returns the result stream. It is closed when the subscription
// ends.
func (sub *Subscription) Results() <-chan []models.Record {
	return sub.results
}

// Close stops the subscription and waits for its goroutine to exit.
func (sub *Subscription) Close() {
	sub.cancel()
	<-sub.done
}

// Subscribe starts a live query on table. It ends when ctx is done or Close
// is called.
func (s *Store) Subscribe(ctx context.Context, table models.Table, spec QuerySpec) (*Subscription, error) {
	if err := checkMirrored(table); err != nil {
		return nil, err
	}
	// Validate the query once up front so callers get the error
	if _, err := s.Query(ctx, table, QuerySpec{Where: spec.Where, OrderBy: spec.OrderBy, Limit: 1}); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		results: make(chan []models.Record, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	changes, stop := s.Watch(table)

	log := logging.Get().Component("live_query").With(map[string]interface{}{"table": string(table)})
	go func() {
		defer close(sub.done)
		defer close(sub.results)
		defer stop()

		for {
			records, err := s.Query(ctx, table, spec)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Error("live query failed", err)
			} else {
				sub.publish(records)
			}

			select {
			case <-ctx.Done():
				return
			case <-changes:
			}
		}
	}()
	return sub, nil
}

// publish replaces any unread result with records. Only the subscription
// goroutine sends, so after the drain the buffer has room.
func (sub *Subscription) publish(records []models.Record) {
	select {
	case <-sub.results:
	default:
	}
	sub.results <- records
}
