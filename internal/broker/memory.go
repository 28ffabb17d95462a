package broker

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Client. It backs single-process deployments
// (`broker.driver: memory`) and tests.
type Memory struct {
	mu      sync.Mutex
	kv      map[string][]byte
	lists   map[string][][]byte
	expires map[string]time.Time
	subs    map[string]map[*memorySubscription]struct{}
	err     error
	closed  bool
	now     func() time.Time
}

// NewMemory returns an empty in-process broker.
func NewMemory() *Memory {
	return &Memory{
		kv:      make(map[string][]byte),
		lists:   make(map[string][][]byte),
		expires: make(map[string]time.Time),
		subs:    make(map[string]map[*memorySubscription]struct{}),
		now:     time.Now,
	}
}

// SetError makes every subsequent call fail with err until cleared with nil.
func (m *Memory) SetError(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *Memory) check() error {
	if m.closed {
		return ErrClosed
	}
	return m.err
}

// expireLocked drops key if its TTL elapsed.
func (m *Memory) expireLocked(key string) {
	if at, ok := m.expires[key]; ok && !m.now().Before(at) {
		delete(m.kv, key)
		delete(m.lists, key)
		delete(m.expires, key)
	}
}

func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	if err := m.check(); err != nil {
		m.mu.Unlock()
		return err
	}
	targets := make([]*memorySubscription, 0, len(m.subs[channel]))
	for s := range m.subs[channel] {
		targets = append(targets, s)
	}
	m.mu.Unlock()

	for _, s := range targets {
		msg := append([]byte(nil), payload...)
		select {
		case s.out <- msg:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	s := &memorySubscription{
		out:     make(chan []byte, 256),
		done:    make(chan struct{}),
		owner:   m,
		channel: channel,
	}
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[*memorySubscription]struct{})
	}
	m.subs[channel][s] = struct{}{}
	return s, nil
}

// SubscriberCount returns the live subscriptions on channel.
func (m *Memory) SubscriberCount(channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[channel])
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	m.expireLocked(key)
	v, ok := m.kv[key]
	if !ok {
		return nil, ErrNil
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.kv[key] = append([]byte(nil), value...)
	if ttl > 0 {
		m.expires[key] = m.now().Add(ttl)
	} else {
		delete(m.expires, key)
	}
	return nil
}

func (m *Memory) ListPush(ctx context.Context, key string, values ...[]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.expireLocked(key)
	list := m.lists[key]
	for _, v := range values {
		list = append([][]byte{append([]byte(nil), v...)}, list...)
	}
	m.lists[key] = list
	return nil
}

func (m *Memory) ListTrim(ctx context.Context, key string, start, stop int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.expireLocked(key)
	list := m.lists[key]
	lo, hi, ok := listBounds(int64(len(list)), start, stop)
	if !ok {
		delete(m.lists, key)
		return nil
	}
	m.lists[key] = append([][]byte(nil), list[lo:hi+1]...)
	return nil
}

func (m *Memory) ListRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	m.expireLocked(key)
	list := m.lists[key]
	lo, hi, ok := listBounds(int64(len(list)), start, stop)
	if !ok {
		return [][]byte{}, nil
	}
	out := make([][]byte, 0, hi-lo+1)
	for _, v := range list[lo : hi+1] {
		out = append(out, append([]byte(nil), v...))
	}
	return out, nil
}

func (m *Memory) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	_, inKV := m.kv[key]
	_, inList := m.lists[key]
	if !inKV && !inList {
		return nil
	}
	m.expires[key] = m.now().Add(ttl)
	return nil
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.check()
}

func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var all []*memorySubscription
	for _, set := range m.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	m.mu.Unlock()
	for _, s := range all {
		_ = s.Close()
	}
	return nil
}

// listBounds converts Redis-style inclusive indexes into slice bounds.
func listBounds(n, start, stop int64) (int64, int64, bool) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop || start >= n {
		return 0, 0, false
	}
	return start, stop, true
}

type memorySubscription struct {
	out       chan []byte
	done      chan struct{}
	owner     *Memory
	channel   string
	closeOnce sync.Once
}

func (s *memorySubscription) Messages() <-chan []byte { return s.out }

func (s *memorySubscription) Close() error {
	s.closeOnce.Do(func() {
		s.owner.mu.Lock()
		delete(s.owner.subs[s.channel], s)
		s.owner.mu.Unlock()
		close(s.done)
	})
	return nil
}
