package rigol

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/nasa-jpl/rigolcap/comm"
	"github.com/nasa-jpl/rigolcap/util"
)

const undefinedHeader = `-113,"Undefined header"`

// Mock is an in-process DS1054Z.  It answers the subset of SCPI the Scope
// uses over net.Pipe connections, serving a five period sine on CHAN1 and a
// flat line on the other channels.
type Mock struct {
	mu sync.Mutex

	settings map[string]string
	memory   map[string][]byte
	errQueue []string
	polls    int

	// FailStarts makes :WAV:DATA? answer with garbage when the window
	// starts at one of these samples
	FailStarts map[int]bool

	// Log holds every command received, in order
	Log []string

	YIncrement float64
	YOrigin    float64
	YReference float64
}

func mockDefaults() map[string]string {
	m := map[string]string{
		":TIM:SCAL":      "1.000000e-04",
		":TIM:OFFS":      "0.000000e+00",
		":ACQ:SRAT":      "1.000000e+07",
		":ACQ:MDEP":      "12000",
		":ACQ:TYPE":      "NORM",
		":TRIG:STAT":     "AUTO",
		":TRIG:SWE":      "AUTO",
		":TRIG:MODE":     "EDGE",
		":TRIG:EDG:SOUR": "CHAN1",
		":TRIG:EDG:SLOP": "POS",
		":TRIG:EDG:LEV":  "0.000000e+00",
		":WAV:SOUR":      "CHAN1",
		":WAV:MODE":      "NORM",
		":WAV:FORM":      "BYTE",
		":WAV:STAR":      "1",
		":WAV:STOP":      "1200",
	}
	for i := 1; i <= 4; i++ {
		ch := ":CHAN" + strconv.Itoa(i)
		m[ch+":SCAL"] = "1.000000e+00"
		m[ch+":OFFS"] = "0.000000e+00"
		m[ch+":DISP"] = strconv.Itoa(btoi(i == 1))
		m[ch+":PROB"] = "10"
	}
	return m
}

func btoi(b bool) int {
	if b {
		return 1
	}
	return 0
}

// NewMock creates a mock with depth samples of memory per channel
func NewMock(depth int) *Mock {
	m := &Mock{
		settings:   mockDefaults(),
		memory:     map[string][]byte{},
		FailStarts: map[int]bool{},
		YIncrement: 0.04,
		YReference: 127,
	}
	phase := util.Linspace(0, 5*2*math.Pi, depth)
	sine := make([]byte, depth)
	for i, p := range phase {
		sine[i] = byte(127 + math.Round(100*math.Sin(p)))
	}
	m.memory["CHAN1"] = sine
	for i := 2; i <= 4; i++ {
		flat := make([]byte, depth)
		for j := range flat {
			flat[j] = 127
		}
		m.memory["CHAN"+strconv.Itoa(i)] = flat
	}
	return m
}

// Memory returns a copy of the waveform memory of a channel
func (m *Mock) Memory(channel string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.memory[channel]...)
}

// Setting returns the value last written for a header, like :TIM:SCAL
func (m *Mock) Setting(header string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings[header]
}

// Commands returns a copy of the command log
func (m *Mock) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Log...)
}

// Maker returns a connection maker whose connections are served by m
func (m *Mock) Maker() comm.CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		client, srv := net.Pipe()
		go m.serve(srv)
		return client, nil
	}
}

// NewMockScope returns a Scope talking to m
func NewMockScope(m *Mock, cfg Config) *Scope {
	return newScope(cfg, m.Maker())
}

func (m *Mock) serve(conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		var answers [][]byte
		for _, cmd := range strings.Split(strings.TrimSpace(line), ";") {
			cmd = strings.TrimSpace(cmd)
			if cmd == "" {
				continue
			}
			if resp := m.handle(cmd); resp != nil {
				answers = append(answers, resp)
			}
		}
		if len(answers) == 0 {
			continue
		}
		resp := append(joinAnswers(answers), '\n')
		if _, err := conn.Write(resp); err != nil {
			return
		}
	}
}

func joinAnswers(answers [][]byte) []byte {
	var out []byte
	for i, a := range answers {
		if i > 0 {
			out = append(out, ';')
		}
		out = append(out, a...)
	}
	return out
}

// handle executes one command and returns the response, or nil for
// commands without one
func (m *Mock) handle(cmd string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Log = append(m.Log, cmd)
	header, arg, _ := strings.Cut(cmd, " ")
	header = strings.ToUpper(header)
	switch header {
	case "*IDN?":
		return []byte("RIGOL TECHNOLOGIES,DS1054Z,DS1ZMOCK00000,00.04.04.SP4")
	case "*RST":
		m.settings = mockDefaults()
		return nil
	case "*OPC?":
		return []byte("1")
	case "*CLS":
		m.errQueue = nil
		return nil
	case ":SYST:ERR?", ":SYSTEM:ERROR?":
		if len(m.errQueue) == 0 {
			return []byte(`0,"No error"`)
		}
		head := m.errQueue[0]
		m.errQueue = m.errQueue[1:]
		return []byte(head)
	case ":RUN":
		m.settings[":TRIG:STAT"] = "RUN"
		return nil
	case ":STOP":
		m.settings[":TRIG:STAT"] = "STOP"
		return nil
	case ":SING":
		m.settings[":TRIG:STAT"] = "WAIT"
		m.polls = 2
		return nil
	case ":TRIG:STAT?":
		if m.settings[":TRIG:STAT"] == "WAIT" {
			m.polls--
			if m.polls <= 0 {
				m.settings[":TRIG:STAT"] = "STOP"
			}
		}
		return []byte(m.settings[":TRIG:STAT"])
	case ":WAV:DATA?":
		return m.block()
	case ":WAV:PRE?":
		return m.preamble()
	case ":MEAS:ITEM?":
		return m.measure(arg)
	}
	if strings.HasSuffix(header, "?") {
		v, ok := m.settings[strings.TrimSuffix(header, "?")]
		if !ok {
			m.errQueue = append(m.errQueue, undefinedHeader)
			return nil
		}
		return []byte(v)
	}
	if _, ok := m.settings[header]; !ok || arg == "" {
		m.errQueue = append(m.errQueue, undefinedHeader)
		return nil
	}
	m.settings[header] = arg
	return nil
}

func (m *Mock) window() (int, int) {
	start, _ := strconv.Atoi(m.settings[":WAV:STAR"])
	stop, _ := strconv.Atoi(m.settings[":WAV:STOP"])
	return start, stop
}

func (m *Mock) block() []byte {
	start, stop := m.window()
	if m.FailStarts[start] {
		return []byte("garbage")
	}
	mem := m.memory[m.settings[":WAV:SOUR"]]
	if start < 1 {
		start = 1
	}
	if stop > len(mem) {
		stop = len(mem)
	}
	var data []byte
	if start <= stop {
		data = mem[start-1 : stop]
	}
	return append([]byte(fmt.Sprintf("#9%09d", len(data))), data...)
}

func (m *Mock) preamble() []byte {
	mem := m.memory[m.settings[":WAV:SOUR"]]
	ts, _ := strconv.ParseFloat(m.settings[":TIM:SCAL"], 64)
	toff, _ := strconv.ParseFloat(m.settings[":TIM:OFFS"], 64)
	srate, _ := strconv.ParseFloat(m.settings[":ACQ:SRAT"], 64)
	return []byte(fmt.Sprintf("0,2,%d,1,%e,%e,0,%e,%e,%e",
		len(mem), 1/srate, toff-6*ts, m.YIncrement, m.YOrigin, m.YReference))
}

func (m *Mock) measure(arg string) []byte {
	item, src, _ := strings.Cut(arg, ",")
	mem, ok := m.memory[strings.ToUpper(strings.TrimSpace(src))]
	if !ok || len(mem) == 0 {
		return []byte("9.9E37")
	}
	lo, hi := mem[0], mem[0]
	for _, b := range mem {
		if b < lo {
			lo = b
		}
		if b > hi {
			hi = b
		}
	}
	volts := func(code byte) float64 {
		return (float64(code) - m.YOrigin - m.YReference) * m.YIncrement
	}
	switch strings.ToUpper(strings.TrimSpace(item)) {
	case "VMIN":
		return []byte(fmt.Sprintf("%e", volts(lo)))
	case "VMAX":
		return []byte(fmt.Sprintf("%e", volts(hi)))
	}
	return []byte("9.9E37")
}
