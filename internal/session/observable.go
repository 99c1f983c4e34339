package session

import "sync"

// observable holds the latest published [State] and fans it out to
// subscribers in publication order.
type observable struct {
	// deliver serialises delivery so a subscriber never sees states out of
	// order, including the replay on Subscribe.
	deliver sync.Mutex

	mu   sync.Mutex
	cur  State
	subs []subscriber
	next uint64
}

type subscriber struct {
	id uint64
	fn func(State)
}

func (o *observable) current() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cur
}

func (o *observable) publish(s State) {
	o.deliver.Lock()
	defer o.deliver.Unlock()

	o.mu.Lock()
	o.cur = s
	subs := append([]subscriber(nil), o.subs...)
	o.mu.Unlock()

	for _, sub := range subs {
		sub.fn(s)
	}
}

// subscribe registers fn and immediately delivers the current state to it.
func (o *observable) subscribe(fn func(State)) (cancel func()) {
	o.deliver.Lock()
	defer o.deliver.Unlock()

	o.mu.Lock()
	o.next++
	id := o.next
	o.subs = append(o.subs, subscriber{id: id, fn: fn})
	cur := o.cur
	o.mu.Unlock()

	fn(cur)

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			for i, s := range o.subs {
				if s.id == id {
					o.subs = append(o.subs[:i:i], o.subs[i+1:]...)
					return
				}
			}
		})
	}
}
