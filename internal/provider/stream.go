package provider

import "sync"

// Stream 可并发写入、可安全关闭的消息通道
type Stream struct {
	ch     chan Message
	done   chan struct{}
	once   sync.Once
	mu     sync.RWMutex
	closed bool
}

// NewStream 创建带缓冲的消息流
func NewStream(size int) *Stream {
	return &Stream{
		ch:   make(chan Message, size),
		done: make(chan struct{}),
	}
}

// C 只读通道
func (s *Stream) C() <-chan Message {
	return s.ch
}

// Send 投递消息；流关闭后返回 false
func (s *Stream) Send(m Message) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- m:
		return true
	case <-s.done:
		return false
	}
}

// Close 关闭消息流，可重复调用
func (s *Stream) Close() {
	s.once.Do(func() { close(s.done) })
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
