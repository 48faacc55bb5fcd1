package app

import (
	"time"

	"github.com/ryandielhenn/loranode/pkg/events"
	"github.com/ryandielhenn/loranode/pkg/lorastack"
)

type uplink struct {
	port  uint8
	msg   string
	flags lorastack.Flag
}

type rxResult struct {
	data []byte
	port uint8
	err  error
}

// fakeStack records every call and replays scripted results.
type fakeStack struct {
	calls      []string
	sendErrs   []error // consumed per Send; nil or exhausted means success
	sendCalls  int
	sent       []uplink
	rx         []rxResult
	classes    []lorastack.DeviceClass
	classErr   error
	initErr    error
	connectErr error
	handler    lorastack.Handler
	retries    uint8
}

func (s *fakeStack) Initialize(q lorastack.Queue) error {
	s.calls = append(s.calls, "initialize")
	return s.initErr
}

func (s *fakeStack) AddAppCallbacks(h lorastack.Handler) error {
	s.calls = append(s.calls, "callbacks")
	s.handler = h
	return nil
}

func (s *fakeStack) SetConfirmedMsgRetries(n uint8) error {
	s.calls = append(s.calls, "retries")
	s.retries = n
	return nil
}

func (s *fakeStack) EnableAdaptiveDatarate() error {
	s.calls = append(s.calls, "adr")
	return nil
}

func (s *fakeStack) Connect() error {
	s.calls = append(s.calls, "connect")
	return s.connectErr
}

func (s *fakeStack) Disconnect() error { return nil }

func (s *fakeStack) Send(port uint8, data []byte, flags lorastack.Flag) (int, error) {
	s.sendCalls++
	if len(s.sendErrs) > 0 {
		err := s.sendErrs[0]
		s.sendErrs = s.sendErrs[1:]
		if err != nil {
			return 0, err
		}
	}
	s.sent = append(s.sent, uplink{port: port, msg: string(data), flags: flags})
	return len(data), nil
}

func (s *fakeStack) Receive(buf []byte) (int, uint8, lorastack.Flag, error) {
	if len(s.rx) == 0 {
		return 0, 0, 0, lorastack.StatusWouldBlock
	}
	r := s.rx[0]
	s.rx = s.rx[1:]
	if r.err != nil {
		return 0, 0, 0, r.err
	}
	n := copy(buf, r.data)
	return n, r.port, lorastack.MsgUnconfirmed, nil
}

func (s *fakeStack) SetDeviceClass(c lorastack.DeviceClass) error {
	s.classes = append(s.classes, c)
	return s.classErr
}

func (s *fakeStack) sentMessages() []string {
	out := make([]string, len(s.sent))
	for i, u := range s.sent {
		out[i] = u.msg
	}
	return out
}

type fakeTimer struct {
	d     time.Duration
	fn    func()
	every bool
}

// fakeScheduler keeps timed tasks until the test fires them.
type fakeScheduler struct {
	immediate []func()
	timers    map[events.ID]*fakeTimer
	nextID    events.ID
	cancelled []events.ID
	breaks    int
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{timers: make(map[events.ID]*fakeTimer)}
}

func (f *fakeScheduler) Call(fn func()) error {
	f.immediate = append(f.immediate, fn)
	return nil
}

func (f *fakeScheduler) CallIn(d time.Duration, fn func()) (events.ID, error) {
	f.nextID++
	f.timers[f.nextID] = &fakeTimer{d: d, fn: fn}
	return f.nextID, nil
}

func (f *fakeScheduler) CallEvery(d time.Duration, fn func()) (events.ID, error) {
	f.nextID++
	f.timers[f.nextID] = &fakeTimer{d: d, fn: fn, every: true}
	return f.nextID, nil
}

func (f *fakeScheduler) Cancel(id events.ID) bool {
	if _, ok := f.timers[id]; !ok {
		return false
	}
	delete(f.timers, id)
	f.cancelled = append(f.cancelled, id)
	return true
}

func (f *fakeScheduler) BreakDispatch() { f.breaks++ }

// fire runs the timed task id the way the queue would.
func (f *fakeScheduler) fire(id events.ID) {
	t, ok := f.timers[id]
	if !ok {
		return
	}
	if !t.every {
		delete(f.timers, id)
	}
	t.fn()
}

// only returns the single armed timer, or nil.
func (f *fakeScheduler) only() (events.ID, *fakeTimer) {
	if len(f.timers) != 1 {
		return 0, nil
	}
	for id, t := range f.timers {
		return id, t
	}
	return 0, nil
}

type fakeLED struct {
	on   bool
	sets int
}

func (l *fakeLED) Set(on bool) error {
	l.on = on
	l.sets++
	return nil
}
