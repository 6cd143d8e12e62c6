package entitystorage

import (
	"context"
	"sync"

	"github.com/ValentinKolb/dSync/lib/database"
	"github.com/ValentinKolb/dSync/lib/entity"
	"github.com/ValentinKolb/dSync/lib/query"
	"github.com/ValentinKolb/dSync/lib/subject"
)

// Count returns a live counter of the entities matching filter. The counter
// follows the same membership rules as Find without leasing the members.
func (s *EntityStorage) Count(ctx context.Context, entityName string, filter query.Filter) (*subject.Stream[int], error) {
	predicate, err := query.Compile(filter, nil)
	if err != nil {
		return nil, err
	}
	fieldSub, err := s.exchange.SubscribeEntityFields(ctx, entityName, query.Fields(filter))
	if err != nil {
		return nil, err
	}

	var (
		mu     sync.Mutex
		known  = make(map[string]bool)
		stream *subject.Stream[int]
	)

	mu.Lock()
	unlisten, err := s.listen(ctx, entityName, func(e *entity.Event) {
		mu.Lock()
		defer mu.Unlock()
		if stream == nil {
			return
		}
		before := len(known)
		switch e.Type {
		case entity.EventAdd, entity.EventUpdate, entity.EventPatch:
			if e.Item == nil {
				return
			}
			if predicate.Match(e.Item) {
				known[e.ID] = true
			} else {
				delete(known, e.ID)
			}
		case entity.EventRemove:
			delete(known, e.ID)
		case entity.EventRemoveMany:
			for _, id := range e.IDs {
				delete(known, id)
			}
		}
		if len(known) != before {
			stream.Next(len(known))
		}
	})
	if err != nil {
		mu.Unlock()
		releaseFields(fieldSub)
		return nil, err
	}

	docs, err := s.db.Find(ctx, entityName, database.FindOptions{Filter: filter})
	if err != nil {
		mu.Unlock()
		unlisten()
		releaseFields(fieldSub)
		return nil, err
	}
	for _, d := range docs {
		known[d.ID()] = true
	}
	stream = subject.NewStream(len(known), func() {
		unlisten()
		releaseFields(fieldSub)
	})
	mu.Unlock()

	return stream, nil
}
