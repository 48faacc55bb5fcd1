package atmodem

import (
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/loranode/pkg/lorastack"
)

// Modem implements lorastack.Stack on top of the AT command set. Stack
// methods block for at most one command timeout each.
type Modem struct {
	port     io.ReadWriteCloser
	log      *zap.Logger
	timeout  time.Duration
	commands chan *command

	closing   chan struct{}
	exited    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	q       lorastack.Queue
	handler lorastack.Handler
	joined  bool
	busy    bool  // an uplink is between Start and Done
	fport   uint8 // last FPort set with AT+PORT
	rx      *frame
}

type frame struct {
	port    uint8
	payload []byte
}

func (m *Modem) Initialize(q lorastack.Queue) error {
	if q == nil {
		return lorastack.StatusParameterInvalid
	}
	m.mu.Lock()
	m.q = q
	m.mu.Unlock()

	body, err := m.Command("AT")
	if err != nil {
		return fmt.Errorf("probe modem: %w", err)
	}
	if body != "OK" {
		return &ResponseError{Command: "AT", Reply: body}
	}
	return nil
}

func (m *Modem) AddAppCallbacks(h lorastack.Handler) error {
	if h == nil {
		return lorastack.StatusParameterInvalid
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.q == nil {
		return lorastack.StatusNotInitialized
	}
	m.handler = h
	return nil
}

func (m *Modem) SetConfirmedMsgRetries(n uint8) error {
	return m.expect(fmt.Sprintf("AT+RETRY=%d", n), strconv.Itoa(int(n)))
}

func (m *Modem) EnableAdaptiveDatarate() error {
	return m.expect("AT+ADR=ON", "ON")
}

// Connect starts an OTAA join. The modem reports the outcome later as
// "+JOIN: Network joined" or "+JOIN: Join failed".
func (m *Modem) Connect() error {
	body, err := m.Command("AT+JOIN")
	if err != nil {
		return err
	}
	switch {
	case strings.HasPrefix(body, "Start"):
		return lorastack.StatusConnectInProgress
	case strings.Contains(body, "Joined already"):
		m.setJoined(true)
		return lorastack.StatusAlreadyConnected
	default:
		return replyStatus("AT+JOIN", body)
	}
}

// Disconnect forgets the session and posts Disconnected. The modem itself
// has no leave command.
func (m *Modem) Disconnect() error {
	m.mu.Lock()
	m.joined = false
	m.busy = false
	m.mu.Unlock()
	return m.post(lorastack.Disconnected)
}

func (m *Modem) Send(port uint8, data []byte, flags lorastack.Flag) (int, error) {
	m.mu.Lock()
	joined, busy, cur := m.joined, m.busy, m.fport
	m.mu.Unlock()
	switch {
	case !joined:
		return 0, lorastack.StatusNoNetworkJoined
	case port == 0 || port > 223:
		return 0, lorastack.StatusPortInvalid
	case busy:
		return 0, lorastack.StatusWouldBlock
	}

	if port != cur {
		if err := m.expect(fmt.Sprintf("AT+PORT=%d", port), strconv.Itoa(int(port))); err != nil {
			return 0, err
		}
		m.mu.Lock()
		m.fport = port
		m.mu.Unlock()
	}

	verb := "AT+MSGHEX"
	if flags&lorastack.MsgConfirmed != 0 {
		verb = "AT+CMSGHEX"
	}
	cmd := fmt.Sprintf("%s=\"%s\"", verb, strings.ToUpper(hex.EncodeToString(data)))
	// marked before the command so a fast Done is not lost
	m.mu.Lock()
	m.busy = true
	m.mu.Unlock()
	body, err := m.Command(cmd)
	if err == nil && body != "Start" {
		err = replyStatus(verb, body)
	}
	if err != nil {
		m.endUplink()
		return 0, err
	}
	return len(data), nil
}

func (m *Modem) Receive(buf []byte) (int, uint8, lorastack.Flag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rx == nil {
		return 0, 0, 0, lorastack.StatusWouldBlock
	}
	f := m.rx
	m.rx = nil
	if len(f.payload) > len(buf) {
		return 0, f.port, 0, lorastack.StatusLengthError
	}
	return copy(buf, f.payload), f.port, lorastack.MsgUnconfirmed, nil
}

func (m *Modem) SetDeviceClass(c lorastack.DeviceClass) error {
	if c != lorastack.ClassA && c != lorastack.ClassC {
		return lorastack.StatusUnsupported
	}
	if err := m.expect("AT+CLASS="+c.String(), c.String()); err != nil {
		return err
	}
	if err := m.post(lorastack.ClassChanged); err != nil {
		m.log.Warn("post class changed", zap.Error(err))
	}
	return nil
}

// expect runs cmd and requires the reply body to be want.
func (m *Modem) expect(cmd, want string) error {
	body, err := m.Command(cmd)
	if err != nil {
		return err
	}
	if !strings.EqualFold(body, want) {
		return replyStatus(cmd, body)
	}
	return nil
}

// replyStatus maps a failure reply onto a stack status where one fits.
func replyStatus(cmd, body string) error {
	switch {
	case strings.Contains(body, "busy"), strings.HasPrefix(body, "No band"):
		return lorastack.StatusWouldBlock
	case strings.Contains(body, "join network first"), strings.Contains(body, "Not joined"):
		return lorastack.StatusNoNetworkJoined
	case strings.HasPrefix(body, "Length error"):
		return lorastack.StatusLengthError
	default:
		return &ResponseError{Command: cmd, Reply: body}
	}
}

// unsolicited decodes asynchronous modem output into stack events. It runs
// on the run goroutine.
func (m *Modem) unsolicited(line string) {
	name, body, ok := strings.Cut(line, ":")
	if !ok {
		m.log.Debug("unsolicited", zap.String("line", line))
		return
	}
	body = strings.TrimSpace(body)

	switch name {
	case "+JOIN":
		switch {
		case strings.HasPrefix(body, "Network joined"):
			m.setJoined(true)
			m.postAsync(lorastack.Connected)
		case strings.HasPrefix(body, "Join failed"):
			m.postAsync(lorastack.JoinFailure)
		}

	case "+MSGHEX", "+CMSGHEX", "+MSG", "+CMSG":
		switch {
		case strings.Contains(body, "RX:"):
			f, err := parseRX(body)
			if err != nil {
				m.log.Warn("bad downlink", zap.String("line", line), zap.Error(err))
				m.postAsync(lorastack.RxError)
				return
			}
			m.mu.Lock()
			m.rx = f
			m.mu.Unlock()
			m.postAsync(lorastack.RxDone)
		case body == "Done":
			if m.endUplink() {
				m.postAsync(lorastack.TxDone)
			}
		case strings.HasPrefix(body, "ERROR"):
			if m.endUplink() {
				m.postAsync(lorastack.TxError)
			}
		}

	default:
		m.log.Debug("unsolicited", zap.String("line", line))
	}
}

// parseRX reads `PORT: 2; RX: "48656C6C6F"`.
func parseRX(body string) (*frame, error) {
	portPart, rxPart, ok := strings.Cut(body, ";")
	if !ok {
		return nil, fmt.Errorf("no port in %q", body)
	}
	p, err := strconv.ParseUint(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(portPart), "PORT:")), 10, 8)
	if err != nil {
		return nil, fmt.Errorf("port: %w", err)
	}
	_, quoted, ok := strings.Cut(rxPart, "\"")
	if !ok {
		return nil, fmt.Errorf("no payload in %q", body)
	}
	quoted, _, _ = strings.Cut(quoted, "\"")
	payload, err := hex.DecodeString(quoted)
	if err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}
	return &frame{port: uint8(p), payload: payload}, nil
}

func (m *Modem) setJoined(v bool) {
	m.mu.Lock()
	m.joined = v
	m.mu.Unlock()
}

// endUplink clears the in-flight flag and reports whether it was set.
func (m *Modem) endUplink() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	was := m.busy
	m.busy = false
	return was
}

func (m *Modem) post(ev lorastack.Event) error {
	m.mu.Lock()
	q, h := m.q, m.handler
	m.mu.Unlock()
	if q == nil {
		return lorastack.StatusNotInitialized
	}
	if h == nil {
		return nil
	}
	return q.Call(func() { h(ev) })
}

func (m *Modem) postAsync(ev lorastack.Event) {
	if err := m.post(ev); err != nil {
		m.log.Error("event dropped", zap.Stringer("event", ev), zap.Error(err))
	}
}
