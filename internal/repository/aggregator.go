package repository

// The aggregator is the single owner of the combined holder list. All
// mutation flows through its command channel and is applied by one
// goroutine, which gives two guarantees the downstream consumers rely on:
// updates from a single plugin are applied in the order received, and every
// published snapshot contains each plugin's complete latest contribution
// (per-slot substitution is atomic, readers never see a half-applied list).

type aggCommand[H any] func(*aggState[H])

type aggState[H any] struct {
	order       []string
	slots       map[string][]H
	subscribers map[int]func([]H)
	nextSubID   int
}

type aggregator[H any] struct {
	commands chan aggCommand[H]
	done     chan struct{}
}

func newAggregator[H any]() *aggregator[H] {
	a := &aggregator[H]{
		commands: make(chan aggCommand[H], 64),
		done:     make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *aggregator[H]) run() {
	state := &aggState[H]{
		slots:       make(map[string][]H),
		subscribers: make(map[int]func([]H)),
	}
	for {
		select {
		case cmd := <-a.commands:
			cmd(state)
		case <-a.done:
			return
		}
	}
}

func (a *aggregator[H]) send(cmd aggCommand[H]) {
	select {
	case a.commands <- cmd:
	case <-a.done:
	}
}

func (s *aggState[H]) flatten() []H {
	var result []H
	for _, key := range s.order {
		result = append(result, s.slots[key]...)
	}
	return result
}

func (s *aggState[H]) publish() {
	snapshot := s.flatten()
	for _, handler := range s.subscribers {
		handler(snapshot)
	}
}

// setOrder replaces the slot ordering. Slots not in the new order are
// dropped.
func (a *aggregator[H]) setOrder(keys []string) {
	ordered := append([]string(nil), keys...)
	a.send(func(s *aggState[H]) {
		s.order = ordered
		keep := make(map[string]bool, len(ordered))
		for _, k := range ordered {
			keep[k] = true
		}
		for k := range s.slots {
			if !keep[k] {
				delete(s.slots, k)
			}
		}
		s.publish()
	})
}

// update substitutes one slot's latest holders and republishes.
func (a *aggregator[H]) update(key string, holders []H) {
	a.send(func(s *aggState[H]) {
		s.slots[key] = holders
		s.publish()
	})
}

// remove drops one slot and republishes.
func (a *aggregator[H]) remove(key string) {
	a.send(func(s *aggState[H]) {
		delete(s.slots, key)
		for i, k := range s.order {
			if k == key {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
		s.publish()
	})
}

// subscribe registers a snapshot handler. The current snapshot (initially
// empty) is delivered immediately; afterwards the handler runs on the
// aggregator goroutine for every republish.
func (a *aggregator[H]) subscribe(handler func([]H)) (unsubscribe func()) {
	registered := make(chan int, 1)
	a.send(func(s *aggState[H]) {
		s.nextSubID++
		s.subscribers[s.nextSubID] = handler
		registered <- s.nextSubID
		handler(s.flatten())
	})

	select {
	case id := <-registered:
		return func() {
			a.send(func(s *aggState[H]) {
				delete(s.subscribers, id)
			})
		}
	case <-a.done:
		return func() {}
	}
}

// snapshot returns the current combined list.
func (a *aggregator[H]) snapshot() []H {
	reply := make(chan []H, 1)
	a.send(func(s *aggState[H]) {
		reply <- s.flatten()
	})
	select {
	case result := <-reply:
		return result
	case <-a.done:
		return nil
	}
}

func (a *aggregator[H]) stop() {
	close(a.done)
}
