package memory

import "sync"

// mailbox delivers values to a handler on its own goroutine, in push order,
// without ever blocking the pusher.
type mailbox[T any] struct {
	mu      sync.Mutex
	items   []T
	signal  chan struct{}
	done    chan struct{}
	once    sync.Once
	handler func(T)
}

func newMailbox[T any](handler func(T)) *mailbox[T] {
	m := &mailbox[T]{
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		handler: handler,
	}
	go m.run()
	return m
}

func (m *mailbox[T]) push(v T) {
	m.mu.Lock()
	m.items = append(m.items, v)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox[T]) run() {
	for {
		select {
		case <-m.done:
			return
		case <-m.signal:
		}

		for {
			m.mu.Lock()
			if len(m.items) == 0 {
				m.mu.Unlock()
				break
			}
			v := m.items[0]
			m.items = m.items[1:]
			m.mu.Unlock()

			select {
			case <-m.done:
				return
			default:
			}
			m.handler(v)
		}
	}
}

func (m *mailbox[T]) stop() {
	m.once.Do(func() { close(m.done) })
}
