// Package config reads the node configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/brocaar/lorawan"

	"github.com/ryandielhenn/loranode/internal/app"
	"github.com/ryandielhenn/loranode/pkg/netsim"
)

const (
	StackSim    = "sim"
	StackSerial = "serial"
)

type Config struct {
	DevEUI lorawan.EUI64
	Stack  string

	SerialPort string
	SerialBaud int

	App app.Config
	Sim netsim.Config

	MaxEvents     int
	HTTPAddr      string
	EtcdEndpoints []string

	GreenLEDPin  string
	BlueLEDPin   string
	LEDActiveLow bool

	LogLevel  string
	LogFormat string
}

// eventSlots is how many queue entries one event can hold at once: the
// event task plus armed retry, periodic and stack timers.
const eventSlots = 4

func (c Config) QueueCapacity() int {
	return c.MaxEvents * eventSlots
}

// FromEnv loads the configuration from the process environment.
func FromEnv() (Config, error) {
	return Load(os.Getenv)
}

// Load builds the configuration from getenv. Unparseable numbers and
// booleans fall back to their defaults; a malformed DEV_EUI or STACK is an
// error.
func Load(getenv func(string) string) (Config, error) {
	c := Config{
		Stack:      StackSim,
		SerialPort: "/dev/ttyUSB0",
		SerialBaud: 9600,
		App:        app.DefaultConfig(),
		Sim:        netsim.DefaultConfig(),
		MaxEvents:  10,
		HTTPAddr:   ":8080",
		LogLevel:   "info",
		LogFormat:  "json",
	}

	if v := getenv("DEV_EUI"); v != "" {
		if err := c.DevEUI.UnmarshalText([]byte(v)); err != nil {
			return Config{}, fmt.Errorf("DEV_EUI %q: %w", v, err)
		}
	}
	if v := getenv("STACK"); v != "" {
		switch v {
		case StackSim, StackSerial:
			c.Stack = v
		default:
			return Config{}, fmt.Errorf("STACK %q: want %s or %s", v, StackSim, StackSerial)
		}
	}

	str(getenv, "SERIAL_PORT", &c.SerialPort)
	num(getenv, "SERIAL_BAUD", &c.SerialBaud)

	port := int(c.App.Port)
	num(getenv, "APP_PORT", &port)
	if port >= 1 && port <= 223 {
		c.App.Port = uint8(port)
	}
	flag(getenv, "DUTY_CYCLE", &c.App.DutyCycle)
	flag(getenv, "PERIODIC_SEND", &c.App.PeriodicSend)
	millis(getenv, "TX_INTERVAL_MS", &c.App.PeriodicInterval)
	millis(getenv, "RETRY_DELAY_MS", &c.App.RetryDelay)
	flag(getenv, "UPLINK_ON_REQUEST", &c.App.UplinkOnRequest)
	retries := int(c.App.ConfirmedRetries)
	num(getenv, "CONFIRMED_RETRIES", &retries)
	if retries >= 0 && retries <= 255 {
		c.App.ConfirmedRetries = uint8(retries)
	}

	num(getenv, "MAX_EVENTS", &c.MaxEvents)
	if c.MaxEvents <= 0 {
		c.MaxEvents = 10
	}
	str(getenv, "HTTP_ADDR", &c.HTTPAddr)
	if v := getenv("ETCD_ENDPOINTS"); v != "" {
		for _, ep := range strings.Split(v, ",") {
			if ep = strings.TrimSpace(ep); ep != "" {
				c.EtcdEndpoints = append(c.EtcdEndpoints, ep)
			}
		}
	}

	str(getenv, "GREEN_LED_PIN", &c.GreenLEDPin)
	str(getenv, "BLUE_LED_PIN", &c.BlueLEDPin)
	flag(getenv, "LED_ACTIVE_LOW", &c.LEDActiveLow)

	str(getenv, "LOG_LEVEL", &c.LogLevel)
	str(getenv, "LOG_FORMAT", &c.LogFormat)

	millis(getenv, "SIM_JOIN_DELAY_MS", &c.Sim.JoinDelay)
	millis(getenv, "SIM_AIRTIME_MS", &c.Sim.Airtime)
	num(getenv, "SIM_JOIN_FAILURES", &c.Sim.JoinFailures)
	millis(getenv, "SIM_DOWNLINK_TTL_MS", &c.Sim.DownlinkTTL)

	return c, nil
}

func str(getenv func(string) string, key string, dst *string) {
	if v := getenv(key); v != "" {
		*dst = v
	}
}

func num(getenv func(string) string, key string, dst *int) {
	if v := getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func flag(getenv func(string) string, key string, dst *bool) {
	if v := getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func millis(getenv func(string) string, key string, dst *time.Duration) {
	if v := getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}
