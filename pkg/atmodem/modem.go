// Package atmodem drives a LoRaWAN modem that runs its own MAC and speaks
// the LoRa-E5 AT command set over a serial line.
//
// One goroutine owns the port: it writes commands, matches each command to
// its "+NAME: ..." reply and hands every other line to the event decoder.
package atmodem

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

var (
	ErrTimeout = errors.New("modem command timeout")
	ErrClosed  = errors.New("modem connection closed")
)

// ResponseError is a reply the modem gave instead of the expected one.
type ResponseError struct {
	Command string
	Reply   string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Command, e.Reply)
}

const defaultTimeout = 10 * time.Second

type command struct {
	text  string
	reply string // reply prefix, e.g. "+MSGHEX"
	resp  chan result
}

type result struct {
	body string
	err  error
}

type Option func(*Modem)

// WithTimeout bounds how long a command waits for its reply.
func WithTimeout(d time.Duration) Option {
	return func(m *Modem) { m.timeout = d }
}

// Open attaches to a modem on a serial port.
func Open(path string, baud int, log *zap.Logger, opts ...Option) (*Modem, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return New(port, log, opts...), nil
}

// New runs the modem protocol over port. The Modem owns port from now on.
func New(port io.ReadWriteCloser, log *zap.Logger, opts ...Option) *Modem {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Modem{
		port:     port,
		log:      log.With(zap.String("component", "atmodem")),
		timeout:  defaultTimeout,
		commands: make(chan *command),
		closing:  make(chan struct{}),
		exited:   make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	go m.run()
	return m
}

// Close stops the run loop and closes the port.
func (m *Modem) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.closing)
		err = m.port.Close()
		<-m.exited
	})
	return err
}

// Command sends one AT command and returns the body of its reply line.
func (m *Modem) Command(text string) (string, error) {
	c := &command{text: text, reply: replyPrefix(text), resp: make(chan result, 1)}
	select {
	case m.commands <- c:
	case <-m.exited:
		return "", ErrClosed
	}
	select {
	case r := <-c.resp:
		return r.body, r.err
	case <-m.exited:
		return "", ErrClosed
	}
}

// replyPrefix maps "AT+MSGHEX=..." to "+MSGHEX" and a bare "AT" to "+AT".
func replyPrefix(text string) string {
	name, _ := strings.CutPrefix(strings.ToUpper(text), "AT")
	if i := strings.IndexAny(name, "=?"); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return "+AT"
	}
	return name
}

func (m *Modem) run() {
	defer close(m.exited)

	lines := make(chan string, 16)
	readErr := make(chan error, 1)
	go func() {
		r := bufio.NewReader(m.port)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				readErr <- err
				return
			}
			line = strings.TrimRight(line, "\r\n")
			m.log.Debug("RX", zap.String("line", line))
			select {
			case lines <- line:
			case <-m.exited:
				return
			}
		}
	}()

	var cur *command
	var timeout <-chan time.Time
	finish := func(r result) {
		cur.resp <- r
		cur, timeout = nil, nil
	}

	for {
		// one command in flight at a time
		cmds := m.commands
		if cur != nil {
			cmds = nil
		}

		select {
		case <-m.closing:
			if cur != nil {
				finish(result{err: ErrClosed})
			}
			return

		case c := <-cmds:
			m.log.Debug("TX", zap.String("cmd", c.text))
			if _, err := io.WriteString(m.port, c.text+"\r\n"); err != nil {
				c.resp <- result{err: fmt.Errorf("write %q: %w", c.text, err)}
				continue
			}
			cur = c
			timeout = time.After(m.timeout)

		case line := <-lines:
			if line == "" {
				continue
			}
			if cur != nil {
				if body, ok := strings.CutPrefix(line, cur.reply+":"); ok {
					finish(result{body: strings.TrimSpace(body)})
					continue
				}
			}
			m.unsolicited(line)

		case <-timeout:
			m.log.Warn("command timeout", zap.String("cmd", cur.text), zap.Duration("after", m.timeout))
			finish(result{err: fmt.Errorf("%s: %w", cur.text, ErrTimeout)})

		case err := <-readErr:
			select {
			case <-m.closing:
			default:
				m.log.Error("serial read failed", zap.Error(err))
			}
			if cur != nil {
				finish(result{err: fmt.Errorf("%w: %v", ErrClosed, err)})
			}
			return
		}
	}
}
