package atmodem

import (
	"bufio"
	"encoding/hex"
	"errors"
	"net"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/loranode/pkg/events"
	"github.com/ryandielhenn/loranode/pkg/lorastack"
)

// fakeModem answers AT commands on the far end of a pipe the way a LoRa-E5
// does.
type fakeModem struct {
	conn net.Conn

	mu       sync.Mutex
	got      []string
	downlink string // hex payload delivered after the next uplink
	override map[string][]string
	silent   map[string]bool
	noDone   bool
}

func newFakeModem(t *testing.T) (*fakeModem, *Modem) {
	t.Helper()
	near, far := net.Pipe()
	f := &fakeModem{conn: far, override: map[string][]string{}, silent: map[string]bool{}}
	go f.serve()
	m := New(near, zaptest.NewLogger(t), WithTimeout(time.Second))
	t.Cleanup(func() {
		_ = m.Close()
		_ = far.Close()
	})
	return f, m
}

func (f *fakeModem) serve() {
	r := bufio.NewReader(f.conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.TrimRight(line, "\r\n")
		f.mu.Lock()
		f.got = append(f.got, cmd)
		out := f.reply(cmd)
		f.mu.Unlock()
		for _, l := range out {
			if _, err := f.conn.Write([]byte(l + "\r\n")); err != nil {
				return
			}
		}
	}
}

func (f *fakeModem) reply(cmd string) []string {
	verb, arg, _ := strings.Cut(cmd, "=")
	if f.silent[verb] {
		return nil
	}
	if out, ok := f.override[verb]; ok {
		return out
	}
	switch verb {
	case "AT":
		return []string{"+AT: OK"}
	case "AT+RETRY", "AT+PORT", "AT+CLASS":
		return []string{"+" + strings.TrimPrefix(verb, "AT+") + ": " + arg}
	case "AT+ADR":
		return []string{"+ADR: ON"}
	case "AT+JOIN":
		return []string{
			"+JOIN: Start",
			"+JOIN: NORMAL",
			"+JOIN: Network joined",
			"+JOIN: NetID 000013 DevAddr 26:01:1F:AB",
			"+JOIN: Done",
		}
	case "AT+MSGHEX", "AT+CMSGHEX":
		name := "+" + strings.TrimPrefix(verb, "AT+")
		out := []string{name + ": Start"}
		if f.downlink != "" {
			out = append(out,
				name+": PORT: 15; RX: \""+f.downlink+"\"",
				name+": RXWIN1, RSSI -106, SNR 4")
			f.downlink = ""
		}
		if !f.noDone {
			out = append(out, name+": Done")
		}
		return out
	}
	return []string{"+AT: ERROR(-1)"}
}

func (f *fakeModem) push(line string) {
	_, _ = f.conn.Write([]byte(line + "\r\n"))
}

func (f *fakeModem) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.got)
}

// directQueue runs posted work immediately on the caller's goroutine.
type directQueue struct{}

func (directQueue) Call(fn func()) error {
	fn()
	return nil
}

func (directQueue) CallIn(d time.Duration, fn func()) (events.ID, error) {
	time.AfterFunc(d, fn)
	return 1, nil
}

func attach(t *testing.T, m *Modem) chan lorastack.Event {
	t.Helper()
	evs := make(chan lorastack.Event, 16)
	if err := m.Initialize(directQueue{}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := m.AddAppCallbacks(func(ev lorastack.Event) { evs <- ev }); err != nil {
		t.Fatalf("AddAppCallbacks: %v", err)
	}
	return evs
}

func nextEvent(t *testing.T, evs chan lorastack.Event) lorastack.Event {
	t.Helper()
	select {
	case ev := <-evs:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
	}
	return 0
}

func join(t *testing.T, m *Modem, evs chan lorastack.Event) {
	t.Helper()
	if err := m.Connect(); !errors.Is(err, lorastack.StatusConnectInProgress) {
		t.Fatalf("Connect = %v, want connect in progress", err)
	}
	if ev := nextEvent(t, evs); ev != lorastack.Connected {
		t.Fatalf("event = %s, want connected", ev)
	}
}

func TestBootSequence(t *testing.T) {
	f, m := newFakeModem(t)
	evs := attach(t, m)

	if err := m.SetConfirmedMsgRetries(3); err != nil {
		t.Fatalf("SetConfirmedMsgRetries: %v", err)
	}
	if err := m.EnableAdaptiveDatarate(); err != nil {
		t.Fatalf("EnableAdaptiveDatarate: %v", err)
	}
	join(t, m, evs)

	want := []string{"AT", "AT+RETRY=3", "AT+ADR=ON", "AT+JOIN"}
	if got := f.commands(); !slices.Equal(got, want) {
		t.Fatalf("commands = %q, want %q", got, want)
	}
}

func TestJoinFailed(t *testing.T) {
	f, m := newFakeModem(t)
	f.mu.Lock()
	f.override["AT+JOIN"] = []string{"+JOIN: Start", "+JOIN: NORMAL", "+JOIN: Join failed", "+JOIN: Done"}
	f.mu.Unlock()
	evs := attach(t, m)

	_ = m.Connect()
	if ev := nextEvent(t, evs); ev != lorastack.JoinFailure {
		t.Fatalf("event = %s, want join_failure", ev)
	}
	if _, err := m.Send(15, []byte("x"), lorastack.MsgUnconfirmed); !errors.Is(err, lorastack.StatusNoNetworkJoined) {
		t.Fatalf("Send = %v, want no network joined", err)
	}
}

func TestSendWithDownlink(t *testing.T) {
	f, m := newFakeModem(t)
	evs := attach(t, m)
	join(t, m, evs)

	f.mu.Lock()
	f.downlink = strings.ToUpper(hex.EncodeToString([]byte("ClassCSwitch")))
	f.mu.Unlock()

	n, err := m.Send(15, []byte("Hi"), lorastack.MsgUnconfirmed)
	if err != nil || n != 2 {
		t.Fatalf("Send = %d, %v", n, err)
	}
	if ev := nextEvent(t, evs); ev != lorastack.RxDone {
		t.Fatalf("first event = %s, want rx_done", ev)
	}
	if ev := nextEvent(t, evs); ev != lorastack.TxDone {
		t.Fatalf("second event = %s, want tx_done", ev)
	}

	buf := make([]byte, 30)
	n, port, _, err := m.Receive(buf)
	if err != nil || port != 15 || string(buf[:n]) != "ClassCSwitch" {
		t.Fatalf("Receive = %q port %d err %v", buf[:n], port, err)
	}
	if _, _, _, err := m.Receive(buf); !errors.Is(err, lorastack.StatusWouldBlock) {
		t.Fatalf("second Receive = %v, want would block", err)
	}

	cmds := f.commands()
	if !slices.Contains(cmds, "AT+PORT=15") || !slices.Contains(cmds, `AT+MSGHEX="4869"`) {
		t.Fatalf("commands = %q", cmds)
	}

	// same port again: no AT+PORT
	before := len(f.commands())
	_, _ = m.Send(15, []byte("Hi"), lorastack.MsgUnconfirmed)
	nextEvent(t, evs)
	if got := f.commands()[before:]; !slices.Equal(got, []string{`AT+MSGHEX="4869"`}) {
		t.Fatalf("commands = %q", got)
	}
}

func TestConfirmedUsesCMSGHEX(t *testing.T) {
	f, m := newFakeModem(t)
	evs := attach(t, m)
	join(t, m, evs)

	if _, err := m.Send(15, []byte{0xAB}, lorastack.MsgConfirmed); err != nil {
		t.Fatalf("Send = %v", err)
	}
	if ev := nextEvent(t, evs); ev != lorastack.TxDone {
		t.Fatalf("event = %s", ev)
	}
	if !slices.Contains(f.commands(), `AT+CMSGHEX="AB"`) {
		t.Fatalf("commands = %q", f.commands())
	}
}

func TestSendBackpressure(t *testing.T) {
	f, m := newFakeModem(t)
	evs := attach(t, m)
	join(t, m, evs)

	f.mu.Lock()
	f.noDone = true
	f.mu.Unlock()
	if _, err := m.Send(15, []byte("a"), lorastack.MsgUnconfirmed); err != nil {
		t.Fatalf("Send = %v", err)
	}
	// still in flight
	if _, err := m.Send(15, []byte("b"), lorastack.MsgUnconfirmed); !errors.Is(err, lorastack.StatusWouldBlock) {
		t.Fatalf("Send while in flight = %v, want would block", err)
	}

	f.push("+MSGHEX: Done")
	if ev := nextEvent(t, evs); ev != lorastack.TxDone {
		t.Fatalf("event = %s, want tx_done", ev)
	}

	f.mu.Lock()
	f.override["AT+MSGHEX"] = []string{"+MSGHEX: LoRaWAN modem is busy"}
	f.mu.Unlock()
	if _, err := m.Send(15, []byte("c"), lorastack.MsgUnconfirmed); !errors.Is(err, lorastack.StatusWouldBlock) {
		t.Fatalf("Send to busy modem = %v, want would block", err)
	}

	f.mu.Lock()
	f.override["AT+MSGHEX"] = []string{"+MSGHEX: No band in 13469ms"}
	f.mu.Unlock()
	if _, err := m.Send(15, []byte("d"), lorastack.MsgUnconfirmed); !errors.Is(err, lorastack.StatusWouldBlock) {
		t.Fatalf("Send in duty-cycle wait = %v, want would block", err)
	}
}

func TestUplinkError(t *testing.T) {
	f, m := newFakeModem(t)
	evs := attach(t, m)
	join(t, m, evs)

	f.mu.Lock()
	f.noDone = true
	f.mu.Unlock()
	_, _ = m.Send(15, []byte("a"), lorastack.MsgUnconfirmed)
	f.push("+MSGHEX: ERROR(-2)")
	if ev := nextEvent(t, evs); ev != lorastack.TxError {
		t.Fatalf("event = %s, want tx_error", ev)
	}
	// a late Done for the failed uplink is ignored
	f.push("+MSGHEX: Done")
	select {
	case ev := <-evs:
		t.Fatalf("unexpected event %s", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClassCDownlink(t *testing.T) {
	f, m := newFakeModem(t)
	evs := attach(t, m)
	join(t, m, evs)

	if err := m.SetDeviceClass(lorastack.ClassC); err != nil {
		t.Fatalf("SetDeviceClass = %v", err)
	}
	if ev := nextEvent(t, evs); ev != lorastack.ClassChanged {
		t.Fatalf("event = %s, want class_changed", ev)
	}
	if !slices.Contains(f.commands(), "AT+CLASS=C") {
		t.Fatalf("commands = %q", f.commands())
	}

	f.push(`+MSG: PORT: 2; RX: "41"`)
	if ev := nextEvent(t, evs); ev != lorastack.RxDone {
		t.Fatalf("event = %s, want rx_done", ev)
	}
	buf := make([]byte, 30)
	n, port, _, err := m.Receive(buf)
	if err != nil || port != 2 || string(buf[:n]) != "A" {
		t.Fatalf("Receive = %q port %d err %v", buf[:n], port, err)
	}

	f.push(`+MSG: PORT: 2; RX: "zz"`)
	if ev := nextEvent(t, evs); ev != lorastack.RxError {
		t.Fatalf("event = %s, want rx_error", ev)
	}
}

func TestSetDeviceClassRejected(t *testing.T) {
	f, m := newFakeModem(t)
	attach(t, m)
	f.mu.Lock()
	f.override["AT+CLASS"] = []string{"+CLASS: ERROR(-1)"}
	f.mu.Unlock()

	err := m.SetDeviceClass(lorastack.ClassC)
	var re *ResponseError
	if !errors.As(err, &re) || re.Reply != "ERROR(-1)" {
		t.Fatalf("SetDeviceClass = %v, want ResponseError", err)
	}
	if err := m.SetDeviceClass(lorastack.DeviceClass(1)); !errors.Is(err, lorastack.StatusUnsupported) {
		t.Fatalf("class B = %v", err)
	}
}

func TestCommandTimeout(t *testing.T) {
	near, far := net.Pipe()
	f := &fakeModem{conn: far, override: map[string][]string{}, silent: map[string]bool{"AT": true}}
	go f.serve()
	m := New(near, zaptest.NewLogger(t), WithTimeout(50*time.Millisecond))
	defer far.Close()
	defer m.Close()

	err := m.Initialize(directQueue{})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Initialize = %v, want timeout", err)
	}
}

func TestClosed(t *testing.T) {
	_, m := newFakeModem(t)
	if err := m.Close(); err != nil {
		t.Fatalf("Close = %v", err)
	}
	if _, err := m.Command("AT"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Command after Close = %v, want ErrClosed", err)
	}
}

func TestReplyPrefix(t *testing.T) {
	cases := map[string]string{
		"AT":               "+AT",
		"AT+JOIN":          "+JOIN",
		`AT+MSGHEX="4869"`: "+MSGHEX",
		"AT+CLASS=C":       "+CLASS",
		"AT+ID=DevEui":     "+ID",
		"AT+VER?":          "+VER",
	}
	for in, want := range cases {
		if got := replyPrefix(in); got != want {
			t.Errorf("replyPrefix(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseRX(t *testing.T) {
	f, err := parseRX(`PORT: 15; RX: "48656C6C6F"`)
	if err != nil || f.port != 15 || string(f.payload) != "Hello" {
		t.Fatalf("parseRX = %+v, %v", f, err)
	}
	for _, bad := range []string{`RX: "41"`, `PORT: x; RX: "41"`, `PORT: 1; RX: 41`, `PORT: 1; RX: "4"`} {
		if _, err := parseRX(bad); err == nil {
			t.Errorf("parseRX(%q) = nil error", bad)
		}
	}
}
