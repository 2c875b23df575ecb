// internal/historian/historian.go
package historian

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jason-s-yu/webstar/internal/stats"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Store persists a batch of events.
type Store interface {
	InsertEvents(ctx context.Context, events []stats.Event) error
}

// Service pops lobby events from a Redis list and writes them to the store in
// batches.
type Service struct {
	rdb        *redis.Client
	store      Store
	queue      string
	batchSize  int
	flushDelay time.Duration
	logger     *logrus.Logger

	batchMu sync.Mutex
	batch   []stats.Event
}

func NewService(rdb *redis.Client, store Store, queue string, batchSize int, flushDelay time.Duration, logger *logrus.Logger) *Service {
	if batchSize <= 0 {
		batchSize = 20
	}
	return &Service{
		rdb:        rdb,
		store:      store,
		queue:      queue,
		batchSize:  batchSize,
		flushDelay: flushDelay,
		logger:     logger,
		batch:      make([]stats.Event, 0, batchSize),
	}
}

// Run reads the queue until ctx is done. Whatever is batched at that point is
// flushed before returning.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.flushDelay)
	defer ticker.Stop()
	defer s.Flush(context.Background())

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Flush(ctx)
		default:
			// BLPop with a timeout so cancellation is noticed.
			res, err := s.rdb.BLPop(ctx, 3*time.Second, s.queue).Result()
			if err != nil {
				if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
					s.logger.Errorf("BLPop: %v", err)
					time.Sleep(time.Second)
				}
				continue
			}
			if len(res) < 2 {
				continue
			}
			s.Accept(ctx, []byte(res[1]))
		}
	}
}

// Accept decodes one queued payload and adds it to the batch. Malformed
// payloads are logged and skipped.
func (s *Service) Accept(ctx context.Context, payload []byte) bool {
	var e stats.Event
	if err := json.Unmarshal(payload, &e); err != nil || e.Type == "" {
		s.logger.Warnf("invalid event record: %v", err)
		return false
	}

	s.batchMu.Lock()
	s.batch = append(s.batch, e)
	full := len(s.batch) >= s.batchSize
	s.batchMu.Unlock()

	if full {
		s.Flush(ctx)
	}
	return true
}

// Flush writes the current batch. On failure the events are put back so the
// next flush retries them.
func (s *Service) Flush(ctx context.Context) {
	s.batchMu.Lock()
	if len(s.batch) == 0 {
		s.batchMu.Unlock()
		return
	}
	pending := s.batch
	s.batch = make([]stats.Event, 0, s.batchSize)
	s.batchMu.Unlock()

	if err := s.store.InsertEvents(ctx, pending); err != nil {
		s.logger.Errorf("flush %d events: %v", len(pending), err)
		s.batchMu.Lock()
		s.batch = append(pending, s.batch...)
		s.batchMu.Unlock()
		return
	}
	s.logger.Debugf("Flushed %d events to DB.", len(pending))
}

// Pending reports how many events are waiting for the next flush.
func (s *Service) Pending() int {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	return len(s.batch)
}
