// Package monitor observes network reachability transitions and triggers
// reconciliation when connectivity returns.
//
// Reachability is sourced from two places: a netstate marker file inside
// the data directory, watched with fsnotify (the platform's reachability
// primitive on this system — a network manager hook writes "online" or
// "offline" into it), and programmatic transitions reported by callers that
// observe transport results. Transitions are events, never polled.
//
// On OFFLINE -> ONLINE the monitor debounces rapid flapping and invokes the
// engine once per settled transition; the engine itself coalesces a trigger
// that lands mid-run into a single follow-up pass. On ONLINE -> OFFLINE
// nothing runs; in-flight remote calls fail naturally and their queue items
// stay for the next pass.
package monitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/taskdock/taskdock/internal/reconcile"
)

// StateFileName is the reachability marker inside the data directory.
const StateFileName = "netstate"

// DefaultDebounce is how long a regained connection must hold before a
// reconciliation run is triggered.
const DefaultDebounce = 250 * time.Millisecond

// Runner triggers a reconciliation run. *reconcile.Engine satisfies it.
type Runner interface {
	Run(ctx context.Context) (reconcile.RunResult, error)
}

// StateSink receives online/offline transitions for the UI observables.
type StateSink interface {
	SetOnline(bool)
}

// Monitor is the ONLINE <-> OFFLINE state machine.
type Monitor struct {
	statePath string
	engine    Runner
	sink      StateSink
	debounce  time.Duration
	log       zerolog.Logger

	watcher     *fsnotify.Watcher
	transitions chan bool

	mu     sync.Mutex
	online bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds optional monitor settings.
type Config struct {
	// Debounce overrides DefaultDebounce when positive.
	Debounce time.Duration
	// Sink receives state transitions. Optional.
	Sink StateSink
}

// New creates a monitor for the data directory. The engine is invoked on
// every settled OFFLINE -> ONLINE transition.
func New(dataDir string, engine Runner, cfg Config, logger zerolog.Logger) (*Monitor, error) {
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Monitor{
		statePath:   filepath.Join(dataDir, StateFileName),
		engine:      engine,
		sink:        cfg.Sink,
		debounce:    debounce,
		log:         logger.With().Str("component", "monitor").Logger(),
		transitions: make(chan bool, 16),
	}, nil
}

// IsOnline returns the current reachability state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline reports a reachability transition observed elsewhere, such as a
// transport failure on a direct mutation. Redundant reports are coalesced
// in the event loop.
func (m *Monitor) SetOnline(online bool) {
	select {
	case m.transitions <- online:
	default:
		// A full channel means transitions are already queued; the latest
		// file state wins when the loop catches up.
	}
}

// Start reads the initial state, begins watching the netstate file, and
// launches the event loop. It returns immediately; use Stop to shut down.
func (m *Monitor) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(m.statePath)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch data directory: %w", err)
	}
	m.watcher = watcher

	// Missing marker file means online: the platform only writes it when
	// reachability is known.
	m.mu.Lock()
	m.online = readState(m.statePath)
	initial := m.online
	m.mu.Unlock()
	if m.sink != nil {
		m.sink.SetOnline(initial)
	}
	m.log.Info().Bool("online", initial).Msg("starting connectivity monitor")

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go m.loop(loopCtx)
	return nil
}

// Stop shuts the monitor down and waits for the event loop to exit.
func (m *Monitor) Stop() error {
	if m.cancel != nil {
		m.cancel()
	}
	if m.watcher != nil {
		if err := m.watcher.Close(); err != nil {
			return fmt.Errorf("failed to close watcher: %w", err)
		}
	}
	m.wg.Wait()
	return nil
}

// loop is the single event loop: file events, programmatic transitions, and
// the debounce timer all land here, so state checks are race-free.
func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	var debounce *time.Timer
	var debounceC <-chan time.Time
	stopDebounce := func() {
		if debounce != nil {
			debounce.Stop()
			debounce = nil
			debounceC = nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			stopDebounce()
			return

		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != m.statePath {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Remove) {
				continue
			}
			m.apply(ctx, readState(m.statePath), &debounce, &debounceC)

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.log.Warn().Err(err).Msg("watcher error")

		case online := <-m.transitions:
			m.apply(ctx, online, &debounce, &debounceC)

		case <-debounceC:
			stopDebounce()
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				if _, err := m.engine.Run(ctx); err != nil {
					m.log.Warn().Err(err).Msg("reconciliation after reconnect failed")
				}
			}()
		}
	}
}

// apply handles one observed state, arming the debounce timer on an
// OFFLINE -> ONLINE transition and disarming it when connectivity drops
// again before the timer fires.
func (m *Monitor) apply(ctx context.Context, online bool, debounce **time.Timer, debounceC *<-chan time.Time) {
	m.mu.Lock()
	was := m.online
	m.online = online
	m.mu.Unlock()

	if online == was {
		return
	}
	if m.sink != nil {
		m.sink.SetOnline(online)
	}
	m.log.Info().Bool("online", online).Msg("connectivity changed")

	if online {
		if *debounce != nil {
			(*debounce).Stop()
		}
		*debounce = time.NewTimer(m.debounce)
		*debounceC = (*debounce).C
		return
	}
	// Dropped offline: cancel any pending trigger. In-flight runs are left
	// to fail naturally.
	if *debounce != nil {
		(*debounce).Stop()
		*debounce = nil
		*debounceC = nil
	}
}

// ReadState reports the current reachability recorded in the data
// directory's netstate marker, for one-shot callers that don't run a
// monitor loop.
func ReadState(dataDir string) bool {
	return readState(filepath.Join(dataDir, StateFileName))
}

// readState parses the netstate file. Anything other than an explicit
// "offline" counts as online.
func readState(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return true
	}
	return strings.TrimSpace(string(data)) != "offline"
}
