package server

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/quorralabs/tabula/internal/store"
	"github.com/quorralabs/tabula/internal/tablestore"
)

// Sweeper prunes row-store files whose owning document rows are gone,
// on a cron schedule.
type Sweeper struct {
	Store    *store.Store
	Rows     *tablestore.Store
	Schedule string
	Stop     chan struct{}
	Logger   *log.Logger
}

func (s *Sweeper) Start() error {
	if s.Schedule == "" {
		s.Schedule = "0 3 * * *"
	}
	expr, err := cronexpr.Parse(s.Schedule)
	if err != nil {
		return err
	}
	if s.Logger == nil {
		s.Logger = log.New(log.Writer(), "[SWEEP] ", log.LstdFlags)
	}
	go func() {
		for {
			next := expr.Next(time.Now())
			if next.IsZero() {
				return
			}
			timer := time.NewTimer(time.Until(next))
			select {
			case <-s.Stop:
				timer.Stop()
				return
			case <-timer.C:
				s.sweep()
			}
		}
	}()
	return nil
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	ids, err := s.Store.ListAllDocumentIDs(ctx)
	if err != nil {
		s.Logger.Printf("listing documents failed: %v", err)
		return
	}
	live := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		live[id] = struct{}{}
	}
	if err := s.Rows.Sweep(func(documentID string) bool {
		_, ok := live[documentID]
		return ok
	}); err != nil {
		s.Logger.Printf("row store sweep failed: %v", err)
		return
	}
	s.Logger.Printf("row store sweep done, %d live documents", len(live))
}
