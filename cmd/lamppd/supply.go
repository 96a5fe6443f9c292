package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lumenlamp/go-typec/powerin"
	"github.com/lumenlamp/go-typec/tcpe"
)

// supply is the power path of the board. The boost converter and charger
// have no driver on this host, so commands are logged and remembered.
type supply struct {
	log *slog.Logger

	mu       sync.Mutex
	sourcing bool
	sourceMV uint32
	sourceMA uint32
	inputMA  uint32
	inputMV  uint32
}

func (s *supply) Ready() error {
	s.mu.Lock()
	s.sourcing, s.sourceMV, s.sourceMA = true, 5000, 0
	s.mu.Unlock()
	s.log.Info("source output on", "mv", 5000)
	return nil
}

func (s *supply) Transition(mv, ma uint32) error {
	s.mu.Lock()
	s.sourceMV, s.sourceMA = mv, ma
	s.mu.Unlock()
	s.log.Info("source contract", "mv", mv, "ma", ma)
	return nil
}

func (s *supply) Reset() {
	s.mu.Lock()
	s.sourcing, s.sourceMV, s.sourceMA = false, 0, 0
	s.mu.Unlock()
	s.log.Info("source output off")
}

func (s *supply) SetInputCurrentLimit(ma, mv uint32) {
	s.mu.Lock()
	s.inputMA, s.inputMV = ma, mv
	s.mu.Unlock()
	s.log.Debug("sink contract limit", "ma", ma, "mv", mv)
}

var _ tcpe.PowerSupply = (*supply)(nil)

// inputMonitor turns policy engine snapshots into the charger input limit.
type inputMonitor struct {
	tr    powerin.Tracker
	limit uint32
	log   *slog.Logger
}

// update returns the input current limit at now and whether it changed.
func (m *inputMonitor) update(st tcpe.Status, now time.Time) (uint32, bool) {
	ma := m.tr.MaxInputCurrent(st, now)
	if ma == m.limit {
		return ma, false
	}
	m.log.Info("charger input limit", "ma", ma, "vbus_mv", st.VBusMV, "pd", st.IsPDSource())
	m.limit = ma
	return ma, true
}

const monitorPeriod = 250 * time.Millisecond

// statusSource is what the monitor and the console read from the engine.
type statusSource interface {
	Status() tcpe.Status
}

func monitor(ctx context.Context, pe statusSource, log *slog.Logger) {
	m := inputMonitor{log: log}
	t := time.NewTicker(monitorPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			m.update(pe.Status(), now)
		}
	}
}
