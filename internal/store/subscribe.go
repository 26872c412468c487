package store

import "encoding/json"

// ChangeOp is the kind of mutation a Change reports.
type ChangeOp string

const (
	ChangePut    ChangeOp = "put"
	ChangeDelete ChangeOp = "delete"
)

// Change is published to subscribers after a write commits.
type Change struct {
	Collection string
	Key        any
	Op         ChangeOp
	Record     json.RawMessage
}

const subscriptionBuffer = 64

type subscription struct {
	collection string
	ch         chan Change
}

// Subscribe delivers committed changes for collection, or for every
// collection when collection is empty. A subscriber that falls behind misses
// notifications instead of blocking writers. The returned func unsubscribes.
func (s *Store) Subscribe(collection string) (<-chan Change, func()) {
	sub := &subscription{collection: collection, ch: make(chan Change, subscriptionBuffer)}

	s.subsMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = sub
	s.subsMu.Unlock()

	return sub.ch, func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub.ch)
		}
	}
}

func (s *Store) publish(c Change) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, sub := range s.subs {
		if sub.collection != "" && sub.collection != c.Collection {
			continue
		}
		select {
		case sub.ch <- c:
		default:
			s.logger.Debug("subscriber lagging, change dropped",
				"collection", c.Collection, "op", c.Op)
		}
	}
}

func (s *Store) closeSubscriptions() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for id, sub := range s.subs {
		close(sub.ch)
		delete(s.subs, id)
	}
}
