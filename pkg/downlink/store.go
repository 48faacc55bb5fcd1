// Package downlink holds frames a network server has queued for a device.
package downlink

import (
	"container/list"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Downlink is a queued frame. The payload is owned by the store; callers get
// copies.
type Downlink struct {
	ID       uuid.UUID `json:"id"`
	Port     uint8     `json:"port"`
	Payload  []byte    `json:"payload"`
	QueuedAt time.Time `json:"queued_at"`
	expireAt time.Time
}

// Store is an in-memory FIFO of downlinks with per-entry TTL and a byte
// capacity. When over capacity the oldest entries are dropped first.
type Store struct {
	mu   sync.RWMutex
	data map[uuid.UUID]*list.Element
	ll   *list.List // front = oldest
	used int
	cap  int
	now  func() time.Time
}

func NewStore(capacityBytes int) *Store {
	return &Store{
		data: make(map[uuid.UUID]*list.Element),
		ll:   list.New(),
		cap:  capacityBytes,
		now:  time.Now,
	}
}

// Put queues payload for port. ttl <= 0 means no expiry.
func (s *Store) Put(port uint8, payload []byte, ttl time.Duration) Downlink {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	d := &Downlink{
		ID:       uuid.New(),
		Port:     port,
		Payload:  append([]byte(nil), payload...),
		QueuedAt: now,
	}
	if ttl > 0 {
		d.expireAt = now.Add(ttl)
	}
	s.data[d.ID] = s.ll.PushBack(d)
	s.used += len(d.Payload)
	s.evictIfNeeded()
	return d.copy()
}

func (s *Store) Get(id uuid.UUID) (Downlink, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.data[id]
	if !ok {
		return Downlink{}, false
	}
	d := el.Value.(*Downlink)
	if s.expired(d) {
		s.removeElement(el)
		return Downlink{}, false
	}
	return d.copy(), true
}

func (s *Store) Delete(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.data[id]; ok {
		s.removeElement(el)
		return true
	}
	return false
}

// PopOldest removes and returns the oldest live downlink, dropping any
// expired ones in front of it.
func (s *Store) PopOldest() (Downlink, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for el := s.ll.Front(); el != nil; el = s.ll.Front() {
		d := el.Value.(*Downlink)
		s.removeElement(el)
		if !s.expired(d) {
			return d.copy(), true
		}
	}
	return Downlink{}, false
}

// List returns the live downlinks, oldest first.
func (s *Store) List() []Downlink {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Downlink, 0, len(s.data))
	for el := s.ll.Front(); el != nil; el = el.Next() {
		d := el.Value.(*Downlink)
		if !s.expired(d) {
			out = append(out, d.copy())
		}
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Bytes is the payload total currently held.
func (s *Store) Bytes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.used
}

func (s *Store) expired(d *Downlink) bool {
	return !d.expireAt.IsZero() && s.now().After(d.expireAt)
}

func (s *Store) evictIfNeeded() {
	for s.used > s.cap && s.ll.Front() != nil {
		s.removeElement(s.ll.Front())
	}
}

func (s *Store) removeElement(el *list.Element) {
	d := el.Value.(*Downlink)
	delete(s.data, d.ID)
	s.used -= len(d.Payload)
	s.ll.Remove(el)
}

func (d *Downlink) copy() Downlink {
	c := *d
	c.Payload = append([]byte(nil), d.Payload...)
	return c
}
