// Package netsim is an in-process LoRaWAN stack that talks to a simulated
// network server. It is used for host runs and tests; it models the
// timing and backpressure an application sees, not the radio or the MAC.
package netsim

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ryandielhenn/loranode/pkg/downlink"
	"github.com/ryandielhenn/loranode/pkg/events"
	"github.com/ryandielhenn/loranode/pkg/lorastack"
)

const (
	maxPayload    = 242 // largest application payload at the fastest datarate
	uplinkHistory = 64
)

type Config struct {
	JoinDelay    time.Duration // Connect to Connected
	Airtime      time.Duration // Send to TxDone
	JoinFailures int           // join attempts that fail before one succeeds
	DownlinkTTL  time.Duration // 0 keeps queued downlinks until delivered
	StoreBytes   int           // byte capacity of the downlink queue
}

func DefaultConfig() Config {
	return Config{
		JoinDelay:  time.Second,
		Airtime:    400 * time.Millisecond,
		StoreBytes: 4 << 10,
	}
}

// Uplink is a frame the simulated network server received.
type Uplink struct {
	ID      uuid.UUID      `json:"id"`
	Port    uint8          `json:"port"`
	Payload []byte         `json:"payload"`
	Flags   lorastack.Flag `json:"flags"`
	At      time.Time      `json:"at"`
}

// canceler is implemented by queues that can drop a timed task.
type canceler interface {
	Cancel(id events.ID) bool
}

type frame struct {
	port    uint8
	payload []byte
}

// Sim implements lorastack.Stack. Stack methods are called on the dispatch
// goroutine; EnqueueDownlink, Uplinks and Disconnect may be called from
// anywhere.
type Sim struct {
	cfg Config
	log *zap.Logger

	mu        sync.Mutex
	q         lorastack.Queue
	handler   lorastack.Handler
	joined    bool
	joining   bool
	joinTries int
	busy      bool
	txGen     uint64 // bumped per uplink and on Disconnect
	txTimer   events.ID
	class     lorastack.DeviceClass
	retries   uint8
	adr       bool
	rx        *frame
	uplinks   []Uplink

	downlinks *downlink.Store
}

func New(cfg Config, log *zap.Logger) *Sim {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.StoreBytes <= 0 {
		cfg.StoreBytes = DefaultConfig().StoreBytes
	}
	return &Sim{
		cfg:       cfg,
		log:       log.With(zap.String("component", "netsim")),
		class:     lorastack.ClassA,
		downlinks: downlink.NewStore(cfg.StoreBytes),
	}
}

func (s *Sim) Initialize(q lorastack.Queue) error {
	if q == nil {
		return lorastack.StatusParameterInvalid
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.q = q
	return nil
}

func (s *Sim) AddAppCallbacks(h lorastack.Handler) error {
	if h == nil {
		return lorastack.StatusParameterInvalid
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.q == nil {
		return lorastack.StatusNotInitialized
	}
	s.handler = h
	return nil
}

func (s *Sim) SetConfirmedMsgRetries(n uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.q == nil {
		return lorastack.StatusNotInitialized
	}
	s.retries = n
	s.log.Debug("confirmed message retries", zap.Uint8("retries", n))
	return nil
}

func (s *Sim) EnableAdaptiveDatarate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.q == nil {
		return lorastack.StatusNotInitialized
	}
	s.adr = true
	s.log.Debug("adaptive datarate enabled")
	return nil
}

// Connect starts an OTAA join. The outcome is posted after JoinDelay.
func (s *Sim) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.q == nil:
		return lorastack.StatusNotInitialized
	case s.joined:
		return lorastack.StatusAlreadyConnected
	case s.joining:
		return lorastack.StatusConnectInProgress
	}
	if _, err := s.q.CallIn(s.cfg.JoinDelay, s.joinComplete); err != nil {
		s.log.Error("schedule join", zap.Error(err))
		return lorastack.StatusBusy
	}
	s.joining = true
	s.log.Info("join requested", zap.Duration("delay", s.cfg.JoinDelay))
	return lorastack.StatusConnectInProgress
}

func (s *Sim) joinComplete() {
	s.mu.Lock()
	s.joining = false
	s.joinTries++
	ok := s.joinTries > s.cfg.JoinFailures
	s.joined = ok
	s.mu.Unlock()

	if !ok {
		s.log.Info("join rejected", zap.Int("attempt", s.joinTries))
		s.emit(lorastack.JoinFailure)
		return
	}
	s.log.Info("joined", zap.Int("attempt", s.joinTries))
	s.emit(lorastack.Connected)
}

// Disconnect drops the session and posts Disconnected.
func (s *Sim) Disconnect() error {
	s.mu.Lock()
	q := s.q
	s.joined = false
	s.busy = false
	s.txGen++
	if c, ok := q.(canceler); ok && s.txTimer != 0 {
		c.Cancel(s.txTimer)
	}
	s.txTimer = 0
	s.mu.Unlock()
	if q == nil {
		return lorastack.StatusNotInitialized
	}
	return q.Call(func() { s.emit(lorastack.Disconnected) })
}

// Send accepts one uplink at a time. TxDone follows after Airtime; while
// it is in flight further sends get StatusWouldBlock.
func (s *Sim) Send(port uint8, data []byte, flags lorastack.Flag) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.q == nil:
		return 0, lorastack.StatusNotInitialized
	case !s.joined:
		return 0, lorastack.StatusNoNetworkJoined
	case port == 0 || port > 223:
		return 0, lorastack.StatusPortInvalid
	case len(data) > maxPayload:
		return 0, lorastack.StatusLengthError
	case s.busy:
		return 0, lorastack.StatusWouldBlock
	}
	s.txGen++
	gen := s.txGen
	id, err := s.q.CallIn(s.cfg.Airtime, func() { s.txComplete(gen) })
	if err != nil {
		s.log.Warn("schedule tx done", zap.Error(err))
		return 0, lorastack.StatusWouldBlock
	}
	s.busy = true
	s.txTimer = id

	up := Uplink{
		ID:      uuid.New(),
		Port:    port,
		Payload: append([]byte(nil), data...),
		Flags:   flags,
		At:      time.Now(),
	}
	if len(s.uplinks) == uplinkHistory {
		s.uplinks = append(s.uplinks[:0], s.uplinks[1:]...)
	}
	s.uplinks = append(s.uplinks, up)
	s.log.Debug("uplink", zap.Stringer("id", up.ID), zap.Uint8("port", port), zap.Int("bytes", len(data)))
	return len(data), nil
}

// txComplete closes the class A receive windows: a queued downlink is
// delivered before TxDone, as a real stack reports RX ahead of TX
// completion.
func (s *Sim) txComplete(gen uint64) {
	s.mu.Lock()
	if !s.busy || gen != s.txGen {
		// airtime of an uplink dropped by Disconnect
		s.mu.Unlock()
		return
	}
	s.busy = false
	s.txTimer = 0
	deliver := s.class == lorastack.ClassA && s.loadFrameLocked()
	s.mu.Unlock()

	if deliver {
		s.emit(lorastack.RxDone)
	}
	s.emit(lorastack.TxDone)
}

// loadFrameLocked moves the oldest queued downlink into the receive slot.
func (s *Sim) loadFrameLocked() bool {
	if s.rx != nil {
		return false
	}
	d, ok := s.downlinks.PopOldest()
	if !ok {
		return false
	}
	s.rx = &frame{port: d.Port, payload: d.Payload}
	s.log.Debug("downlink delivered", zap.Stringer("id", d.ID), zap.Uint8("port", d.Port))
	return true
}

// Receive copies the pending downlink into buf. A frame that does not fit
// is dropped with StatusLengthError.
func (s *Sim) Receive(buf []byte) (int, uint8, lorastack.Flag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rx == nil {
		return 0, 0, 0, lorastack.StatusWouldBlock
	}
	f := s.rx
	s.rx = nil
	if len(f.payload) > len(buf) {
		return 0, f.port, 0, lorastack.StatusLengthError
	}
	n := copy(buf, f.payload)
	return n, f.port, lorastack.MsgUnconfirmed, nil
}

func (s *Sim) SetDeviceClass(c lorastack.DeviceClass) error {
	if c != lorastack.ClassA && c != lorastack.ClassC {
		return lorastack.StatusUnsupported
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.q == nil {
		return lorastack.StatusNotInitialized
	}
	if s.class == c {
		return nil
	}
	s.class = c
	if err := s.q.Call(func() { s.emit(lorastack.ClassChanged) }); err != nil {
		s.log.Warn("post class changed", zap.Error(err))
	}
	if c == lorastack.ClassC {
		s.kickLocked()
	}
	return nil
}

// EnqueueDownlink queues a frame on the network server side. In class C it
// is delivered right away, in class A after the next uplink.
func (s *Sim) EnqueueDownlink(port uint8, payload []byte) downlink.Downlink {
	d := s.downlinks.Put(port, payload, s.cfg.DownlinkTTL)
	s.log.Info("downlink queued", zap.Stringer("id", d.ID), zap.Uint8("port", port), zap.Int("bytes", len(payload)))

	s.mu.Lock()
	if s.class == lorastack.ClassC {
		s.kickLocked()
	}
	s.mu.Unlock()
	return d
}

// kickLocked posts a class C delivery attempt.
func (s *Sim) kickLocked() {
	if s.q == nil || !s.joined {
		return
	}
	if err := s.q.Call(s.deliverClassC); err != nil {
		s.log.Warn("post downlink delivery", zap.Error(err))
	}
}

func (s *Sim) deliverClassC() {
	s.mu.Lock()
	ok := s.class == lorastack.ClassC && s.joined && s.loadFrameLocked()
	more := ok && s.downlinks.Len() > 0
	s.mu.Unlock()
	if !ok {
		return
	}
	s.emit(lorastack.RxDone)
	if more {
		s.mu.Lock()
		s.kickLocked()
		s.mu.Unlock()
	}
}

func (s *Sim) PendingDownlinks() []downlink.Downlink {
	return s.downlinks.List()
}

// Uplinks returns the most recent uplinks, oldest first.
func (s *Sim) Uplinks() []Uplink {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Uplink, len(s.uplinks))
	copy(out, s.uplinks)
	return out
}

func (s *Sim) Joined() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joined
}

func (s *Sim) Class() lorastack.DeviceClass {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.class
}

func (s *Sim) emit(ev lorastack.Event) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h == nil {
		s.log.Debug("event dropped, no handler", zap.Stringer("event", ev))
		return
	}
	h(ev)
}
