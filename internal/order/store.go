package order

import (
	"context"
	"sync"
	"time"

	"github.com/google/btree"

	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
)

// Persister receives every record write. *db.BatchWriter satisfies it.
type Persister interface {
	WriteOrder(o db.Order)
}

type storeEntry struct {
	at  time.Time // submission time, fixed for the entry's life
	id  string
	rec Record
}

func entryLess(a, b *storeEntry) bool {
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	return a.id < b.id
}

// Store is the executor's local order book of record, indexed by id and by
// submission time.
type Store struct {
	mu      sync.RWMutex
	byID    map[string]*storeEntry
	byTime  *btree.BTreeG[*storeEntry]
	persist Persister
}

// NewStore creates an empty store. persist may be nil.
func NewStore(persist Persister) *Store {
	return &Store{
		byID:    make(map[string]*storeEntry),
		byTime:  btree.NewG[*storeEntry](32, entryLess),
		persist: persist,
	}
}

// Put inserts or replaces a record. The row is handed to the persister
// before the lock is released, so writes for one id reach it in order.
func (s *Store) Put(rec Record) {
	if rec.SubmittedAt.IsZero() {
		rec.SubmittedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.byID[rec.ID]; ok {
		rec.SubmittedAt = old.at
		old.rec = rec
	} else {
		e := &storeEntry{at: rec.SubmittedAt, id: rec.ID, rec: rec}
		s.byID[rec.ID] = e
		s.byTime.ReplaceOrInsert(e)
	}
	if s.persist != nil {
		s.persist.WriteOrder(toRow(rec))
	}
}

// Get returns a copy of the record for id.
func (s *Store) Get(id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok {
		return Record{}, false
	}
	return e.rec, true
}

// Between returns records submitted in [since, until), oldest first.
func (s *Store) Between(since, until time.Time) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	s.byTime.AscendRange(&storeEntry{at: since}, &storeEntry{at: until}, func(e *storeEntry) bool {
		out = append(out, e.rec)
		return true
	})
	return out
}

// NonTerminal returns records whose exchange status may still change.
func (s *Store) NonTerminal() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	s.byTime.Ascend(func(e *storeEntry) bool {
		if !e.rec.Status.Terminal() {
			out = append(out, e.rec)
		}
		return true
	})
	return out
}

// Prune drops terminal records submitted before cutoff and returns how many
// were removed.
func (s *Store) Prune(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var doomed []*storeEntry
	s.byTime.AscendLessThan(&storeEntry{at: cutoff}, func(e *storeEntry) bool {
		if e.rec.Status.Terminal() {
			doomed = append(doomed, e)
		}
		return true
	})
	for _, e := range doomed {
		s.byTime.Delete(e)
		delete(s.byID, e.id)
	}
	return len(doomed)
}

// Len returns the number of tracked records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// GetOrders implements common.OrderHistory over local records, so the store
// can serve as the local side of reconciliation.
func (s *Store) GetOrders(_ context.Context, since, until time.Time) ([]common.OrderRecord, error) {
	recs := s.Between(since, until)
	out := make([]common.OrderRecord, len(recs))
	for i, r := range recs {
		out[i] = r.OrderRecord
	}
	return out, nil
}

func toRow(r Record) db.Order {
	return db.Order{
		ID:        r.ID,
		Exchange:  r.Exchange,
		ClientID:  r.ClientID,
		Symbol:    r.Symbol,
		Side:      string(r.Side),
		Type:      string(r.Type),
		Status:    string(r.Status),
		Lifecycle: string(r.Lifecycle),
		Qty:       r.Qty,
		Price:     r.Price,
		StopPrice: r.StopPrice,
		FilledQty: r.FilledQty,
		AvgPrice:  r.AvgPrice,
		CreatedAt: r.SubmittedAt,
		UpdatedAt: time.Now(),
	}
}
