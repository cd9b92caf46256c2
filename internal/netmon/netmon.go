// Package netmon provides the network reachability monitor: a
// periodic probe against the remote service that emits connectivity
// transitions (offline to online and back) on a channel.
//
// The monitor only reports edges, not every probe result, so a
// consumer can treat each received transition as a meaningful event
// (the orchestrator starts a sync cycle on offline -> online).
package netmon

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Transition is a connectivity edge.
type Transition struct {
	// Online is the new state.
	Online bool
	// At is when the edge was observed.
	At time.Time
}

// Probe reports whether the remote service is currently reachable.
type Probe func(ctx context.Context) bool

// HTTPProbe builds a probe that issues a HEAD request against url,
// falling back to GET when the server rejects HEAD. Any 2xx-4xx
// response counts as reachable; only transport errors and 5xx count
// as offline.
func HTTPProbe(url string, client *http.Client) Probe {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return func(ctx context.Context) bool {
		for _, method := range []string{http.MethodHead, http.MethodGet} {
			req, err := http.NewRequestWithContext(ctx, method, url, nil)
			if err != nil {
				return false
			}
			resp, err := client.Do(req)
			if err != nil {
				return false
			}
			resp.Body.Close()
			if resp.StatusCode == http.StatusMethodNotAllowed {
				continue
			}
			return resp.StatusCode < 500
		}
		return false
	}
}

// Monitor polls a probe and publishes connectivity transitions.
type Monitor struct {
	probe    Probe
	interval time.Duration
	logger   *log.Logger

	online      atomic.Bool
	transitions chan Transition

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a monitor. The probe must be non-nil; interval defaults
// to 15 seconds when zero. If logger is nil, a default logger writing
// to stderr is used.
func New(probe Probe, interval time.Duration, logger *log.Logger) (*Monitor, error) {
	if probe == nil {
		return nil, fmt.Errorf("probe cannot be nil")
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[netmon] ", log.LstdFlags)
	}
	return &Monitor{
		probe:       probe,
		interval:    interval,
		logger:      logger,
		transitions: make(chan Transition, 8),
	}, nil
}

// Start runs an immediate probe to seed the state, then begins
// polling. Returns an error if the monitor is already running.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("monitor already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true

	m.online.Store(m.probe(ctx))
	m.logger.Printf("Initial connectivity: online=%v", m.online.Load())

	m.wg.Add(1)
	go m.loop(ctx)

	return nil
}

// Stop halts polling. Safe to call more than once.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
}

// Online returns the most recently observed connectivity state.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// Transitions returns the channel on which connectivity edges are
// delivered. The channel is buffered; if a consumer lags, edges are
// dropped rather than blocking the poll loop.
func (m *Monitor) Transitions() <-chan Transition {
	return m.transitions
}

// CheckNow runs the probe immediately, updates the state, and emits a
// transition if the state changed. Returns the observed state. Used by
// the orchestrator to short-circuit a cycle cheaply before pulling.
func (m *Monitor) CheckNow(ctx context.Context) bool {
	online := m.probe(ctx)
	m.publish(online)
	return online
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.publish(m.probe(ctx))
		}
	}
}

// publish records the new state and emits an edge if it changed.
func (m *Monitor) publish(online bool) {
	previous := m.online.Swap(online)
	if previous == online {
		return
	}

	m.logger.Printf("Connectivity changed: online=%v", online)

	select {
	case m.transitions <- Transition{Online: online, At: time.Now()}:
	default:
		m.logger.Println("Warning: transition channel full, dropping edge")
	}
}
