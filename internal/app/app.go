// Package app is the end-device application controller. It turns stack
// events into class switches, uplinks and backpressure retries.
//
// All methods except New are meant to run on the dispatch goroutine of the
// queue handed to New; App holds no locks.
package app

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/loranode/internal/telemetry"
	"github.com/ryandielhenn/loranode/pkg/events"
	"github.com/ryandielhenn/loranode/pkg/lorastack"
	"github.com/ryandielhenn/loranode/pkg/payload"
)

// ConfirmedMsgRetries is how often the stack retries a CONFIRMED uplink.
const ConfirmedMsgRetries = 3

type Config struct {
	Port             uint8         // FPort for every uplink
	DutyCycle        bool          // drive uplinks from TxDone
	RetryDelay       time.Duration // wait after a would-block send
	PeriodicSend     bool          // with DutyCycle off, send every PeriodicInterval
	PeriodicInterval time.Duration
	UplinkOnRequest  bool // answer UplinkRequired with an uplink
	DataMessage      string
	ConfirmedRetries uint8
}

func DefaultConfig() Config {
	return Config{
		Port:             15,
		DutyCycle:        true,
		RetryDelay:       3 * time.Second,
		PeriodicInterval: 10 * time.Second,
		DataMessage:      payload.DataFromEndDevice,
		ConfirmedRetries: ConfirmedMsgRetries,
	}
}

// Scheduler is the cooperative queue the App and its stack share.
type Scheduler interface {
	lorastack.Queue
	CallEvery(d time.Duration, fn func()) (events.ID, error)
	Cancel(id events.ID) bool
	BreakDispatch()
}

// Indicator is a binary status output such as an LED.
type Indicator interface {
	Set(on bool) error
}

type Indicators struct {
	Green Indicator // lit in class A
	Blue  Indicator // lit in class C
}

// ClassObserver is told about every class the device switches to. It is
// called on the dispatch goroutine and must not block.
type ClassObserver func(lorastack.DeviceClass)

type Option func(*App)

func WithObserver(o ClassObserver) Option {
	return func(a *App) { a.observers = append(a.observers, o) }
}

type App struct {
	cfg   Config
	stack lorastack.Stack
	sched Scheduler
	leds  Indicators
	log   *zap.Logger

	class        lorastack.DeviceClass
	connected    bool
	tx           payload.Buffer
	rx           payload.Buffer
	receiveCount uint32
	retries      map[stream]events.ID
	periodic     events.ID
	observers    []ClassObserver
}

func New(cfg Config, stack lorastack.Stack, sched Scheduler, leds Indicators, log *zap.Logger, opts ...Option) *App {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.DataMessage == "" {
		cfg.DataMessage = payload.DataFromEndDevice
	}
	a := &App{
		cfg:     cfg,
		stack:   stack,
		sched:   sched,
		leds:    leds,
		log:     log.With(zap.String("component", "app")),
		class:   lorastack.ClassA,
		retries: make(map[stream]events.ID),
	}
	for _, o := range opts {
		o(a)
	}
	telemetry.DeviceClass.Set(float64(a.class))
	return a
}

// Start brings the stack up and starts joining. The join result arrives
// later as a Connected or JoinFailure event.
func (a *App) Start() error {
	a.setIndicator("green", a.leds.Green, true)

	if err := a.stack.Initialize(a.sched); err != nil {
		return fmt.Errorf("lora initialization failed: %w", err)
	}
	a.log.Info("LoRaWAN stack initialized")

	if err := a.stack.AddAppCallbacks(a.HandleEvent); err != nil {
		return fmt.Errorf("add app callbacks: %w", err)
	}

	if err := a.stack.SetConfirmedMsgRetries(a.cfg.ConfirmedRetries); err != nil {
		return fmt.Errorf("set confirmed msg retries: %w", err)
	}
	a.log.Info("confirmed message retries", zap.Uint8("retries", a.cfg.ConfirmedRetries))

	if err := a.stack.EnableAdaptiveDatarate(); err != nil {
		return fmt.Errorf("enable adaptive datarate: %w", err)
	}
	a.log.Info("adaptive data rate enabled")

	if err := a.stack.Connect(); err != nil && !errors.Is(err, lorastack.StatusConnectInProgress) {
		return fmt.Errorf("connect: %w", err)
	}
	a.log.Info("connection in progress")
	return nil
}

// Status is a point-in-time view of the controller.
type Status struct {
	Class          string   `json:"class"`
	Connected      bool     `json:"connected"`
	ReceiveCount   uint32   `json:"receive_count"`
	PendingRetries []string `json:"pending_retries"`
	Periodic       bool     `json:"periodic"`
}

func (a *App) Snapshot() Status {
	s := Status{
		Class:          a.class.String(),
		Connected:      a.connected,
		ReceiveCount:   a.receiveCount,
		PendingRetries: []string{},
		Periodic:       a.periodic != 0,
	}
	for _, st := range streams {
		if _, ok := a.retries[st]; ok {
			s.PendingRetries = append(s.PendingRetries, st.String())
		}
	}
	return s
}

func (a *App) Class() lorastack.DeviceClass { return a.class }

func (a *App) ReceiveCount() uint32 { return a.receiveCount }

func (a *App) setIndicator(name string, ind Indicator, on bool) {
	if ind == nil {
		return
	}
	if err := ind.Set(on); err != nil {
		a.log.Warn("set indicator", zap.String("led", name), zap.Bool("on", on), zap.Error(err))
	}
}
