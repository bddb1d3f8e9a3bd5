package ws

import "sync"

// mailbox runs queued functions one at a time in FIFO order. A drain
// goroutine exists only while work is queued.
type mailbox struct {
	mu      sync.Mutex
	queue   []func()
	running bool
	idle    *sync.Cond
}

func newMailbox() *mailbox {
	m := &mailbox{}
	m.idle = sync.NewCond(&m.mu)
	return m
}

func (m *mailbox) push(fn func()) {
	m.mu.Lock()
	m.queue = append(m.queue, fn)
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()
	go m.drain()
}

func (m *mailbox) drain() {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.running = false
			m.idle.Broadcast()
			m.mu.Unlock()
			return
		}
		fn := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		m.mu.Unlock()
		fn()
	}
}

// wait blocks until the queue is empty and nothing is running. It must not be
// called from inside a queued function.
func (m *mailbox) wait() {
	m.mu.Lock()
	for m.running {
		m.idle.Wait()
	}
	m.mu.Unlock()
}
