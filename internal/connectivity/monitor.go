// Package connectivity tracks whether the remote store is reachable.
//
// A Monitor combines reports from any number of sources (a manual switch, an
// HTTP probe, a flag file) and is online only while every source says so.
// Subscribers are told about transitions, never about repeated states.
package connectivity

import (
	"log"
	"os"
	"sort"
	"strings"
	"sync"
)

// SourceManual is the source name used by Set.
const SourceManual = "manual"

// Monitor is the connectivity signal.
type Monitor struct {
	mu      sync.Mutex
	sources map[string]bool
	online  bool
	subs    map[int]chan bool
	nextID  int
	logger  *log.Logger
}

// NewMonitor creates a monitor whose manual source starts at initial.
func NewMonitor(initial bool, logger *log.Logger) *Monitor {
	if logger == nil {
		logger = log.New(os.Stderr, "[connectivity] ", log.LstdFlags)
	}
	return &Monitor{
		sources: map[string]bool{SourceManual: initial},
		online:  initial,
		subs:    make(map[int]chan bool),
		logger:  logger,
	}
}

// Online reports the combined state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set flips the manual source.
func (m *Monitor) Set(online bool) {
	m.Report(SourceManual, online)
}

// Report records the state seen by source and notifies subscribers if the
// combined state changed.
func (m *Monitor) Report(source string, online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sources[source] = online
	combined := true
	for _, ok := range m.sources {
		combined = combined && ok
	}
	if combined == m.online {
		return
	}
	m.online = combined

	var offline []string
	for name, ok := range m.sources {
		if !ok {
			offline = append(offline, name)
		}
	}
	sort.Strings(offline)
	if combined {
		m.logger.Printf("Online")
	} else {
		m.logger.Printf("Offline (%s)", strings.Join(offline, ", "))
	}

	for _, ch := range m.subs {
		// Keep only the latest state in each buffer.
		select {
		case <-ch:
		default:
		}
		ch <- combined
	}
}

// Subscribe returns a channel receiving the combined state on every
// transition, and a cancel func that closes it.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	ch := make(chan bool, 1)
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
			close(ch)
		})
	}
}
