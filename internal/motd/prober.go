package motd

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// probeDelays are the fixed offsets from tunnel activation at which a
// probe fires (spec §4.13).
var probeDelays = []time.Duration{15 * time.Second, time.Minute, 3 * time.Minute, 5 * time.Minute, 10 * time.Minute}

// ProbeNotifier receives the terminal outcome of a tunnel's probe sequence.
type ProbeNotifier interface {
	NotifyProbeSuccess(tunnelID string, result Result)
	NotifyProbeFailure(tunnelID string)
}

type probeState struct {
	mu     sync.Mutex
	done   bool
	timers []*time.Timer
}

// Prober schedules up to five TCP status probes per tunnel and reports the
// first success, or a failure after the last attempt (spec §4.13).
type Prober struct {
	notifier ProbeNotifier
	log      *slog.Logger

	mu     sync.Mutex
	states map[string]*probeState
}

// New builds a Prober.
func New(notifier ProbeNotifier, log *slog.Logger) *Prober {
	return &Prober{notifier: notifier, log: log, states: make(map[string]*probeState)}
}

// Start schedules the probe sequence for tunnelID against publicAddr:remotePort.
// Calling Start again for the same tunnelID cancels any sequence in flight.
func (p *Prober) Start(tunnelID, publicAddr string, remotePort int) {
	p.Cancel(tunnelID)

	ps := &probeState{}
	p.mu.Lock()
	p.states[tunnelID] = ps
	p.mu.Unlock()

	for i, delay := range probeDelays {
		isLast := i == len(probeDelays)-1
		timer := time.AfterFunc(delay, func() {
			p.attempt(tunnelID, ps, publicAddr, remotePort, isLast)
		})
		ps.timers = append(ps.timers, timer)
	}
}

func (p *Prober) attempt(tunnelID string, ps *probeState, addr string, port int, isLast bool) {
	ps.mu.Lock()
	if ps.done {
		ps.mu.Unlock()
		return
	}
	ps.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	result, err := Query(ctx, addr, port)
	cancel()

	if err == nil {
		ps.mu.Lock()
		alreadyDone := ps.done
		ps.done = true
		ps.mu.Unlock()
		if alreadyDone {
			return
		}
		p.forget(tunnelID)
		if p.notifier != nil {
			p.notifier.NotifyProbeSuccess(tunnelID, result)
		}
		return
	}

	if !isLast {
		return
	}
	ps.mu.Lock()
	alreadyDone := ps.done
	ps.done = true
	ps.mu.Unlock()
	if alreadyDone {
		return
	}
	p.forget(tunnelID)
	if p.notifier != nil {
		p.notifier.NotifyProbeFailure(tunnelID)
	}
}

func (p *Prober) forget(tunnelID string) {
	p.mu.Lock()
	delete(p.states, tunnelID)
	p.mu.Unlock()
}

// Cancel stops any in-flight probe sequence for tunnelID. Idempotent.
func (p *Prober) Cancel(tunnelID string) {
	p.mu.Lock()
	ps, ok := p.states[tunnelID]
	if ok {
		delete(p.states, tunnelID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	ps.mu.Lock()
	ps.done = true
	for _, t := range ps.timers {
		t.Stop()
	}
	ps.mu.Unlock()
}

// CancelAll stops every in-flight probe sequence, for shutdown (spec §4.14).
func (p *Prober) CancelAll() {
	p.mu.Lock()
	states := p.states
	p.states = make(map[string]*probeState)
	p.mu.Unlock()

	for _, ps := range states {
		ps.mu.Lock()
		ps.done = true
		for _, t := range ps.timers {
			t.Stop()
		}
		ps.mu.Unlock()
	}
}
