// Package indicator drives the status LEDs: GPIO pins on hardware, a logged
// stand-in everywhere else.
package indicator

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"github.com/ryandielhenn/loranode/internal/telemetry"
)

var hostInit = sync.OnceValue(func() error {
	_, err := host.Init()
	return err
})

// GPIO is an LED on an output pin.
type GPIO struct {
	name      string
	pin       gpio.PinOut
	activeLow bool
	log       *zap.Logger
}

// OpenGPIO resolves pinName (e.g. "GPIO17") through the periph registry.
func OpenGPIO(name, pinName string, activeLow bool, log *zap.Logger) (*GPIO, error) {
	if err := hostInit(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph.io host: %w", err)
	}
	p := gpioreg.ByName(pinName)
	if p == nil {
		return nil, fmt.Errorf("failed to open %s LED pin %s", name, pinName)
	}
	return NewGPIO(name, p, activeLow, log), nil
}

func NewGPIO(name string, pin gpio.PinOut, activeLow bool, log *zap.Logger) *GPIO {
	if log == nil {
		log = zap.NewNop()
	}
	return &GPIO{name: name, pin: pin, activeLow: activeLow, log: log}
}

func (g *GPIO) Set(on bool) error {
	level := gpio.Level(on != g.activeLow)
	if err := g.pin.Out(level); err != nil {
		return fmt.Errorf("%s LED %s: %w", g.name, g.pin.Name(), err)
	}
	setGauge(g.name, on)
	g.log.Debug("led", zap.String("led", g.name), zap.Bool("on", on))
	return nil
}

// Logged keeps the state in memory only.
type Logged struct {
	name string
	log  *zap.Logger

	mu sync.Mutex
	on bool
}

func NewLogged(name string, log *zap.Logger) *Logged {
	if log == nil {
		log = zap.NewNop()
	}
	return &Logged{name: name, log: log}
}

func (l *Logged) Set(on bool) error {
	l.mu.Lock()
	l.on = on
	l.mu.Unlock()
	setGauge(l.name, on)
	l.log.Debug("led", zap.String("led", l.name), zap.Bool("on", on))
	return nil
}

func (l *Logged) On() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.on
}

func setGauge(name string, on bool) {
	v := 0.0
	if on {
		v = 1
	}
	telemetry.IndicatorOn.WithLabelValues(name).Set(v)
}
