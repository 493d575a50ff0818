package transport

import (
	"log/slog"

	"github.com/mbocsi/hostlink/proto"
)

// Strategy builds a fresh transport for one selection attempt.
type Strategy struct {
	Name string
	New  func() Transport
}

// Selector tries strategies in priority order and adopts the first
// transport that reports ready. When the adopted transport fails, the
// selector moves on to the next strategy; once every strategy has been
// tried it starts over from the first on the next Select.
type Selector struct {
	strategies []Strategy
	logger     *slog.Logger

	next        int
	gen         int
	active      Transport
	onReady     func(Transport)
	onExhausted ErrorFunc
}

func NewSelector(logger *slog.Logger, strategies ...Strategy) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{strategies: strategies, logger: logger}
}

// Select begins a selection round. onReady fires for every transport that
// becomes ready during the round, including replacements after a failure.
// onExhausted fires with proto.ErrTransportUnavailable when no strategy is
// left. Callbacks from an earlier round are ignored.
func (s *Selector) Select(onReady func(Transport), onExhausted ErrorFunc) {
	s.gen++
	s.next = 0
	s.active = nil
	s.onReady = onReady
	s.onExhausted = onExhausted
	s.tryNext(s.gen, nil)
}

// Active returns the adopted transport, or nil.
func (s *Selector) Active() Transport { return s.active }

// Reset forgets the adopted transport and ignores callbacks from the
// current round.
func (s *Selector) Reset() {
	s.gen++
	s.next = 0
	s.active = nil
}

func (s *Selector) tryNext(gen int, lastErr error) {
	if gen != s.gen {
		return
	}
	if s.next >= len(s.strategies) {
		s.next = 0
		s.active = nil
		err := proto.NewError(proto.ErrCodeTransportUnavailable, "no transport completed a handshake", lastErr)
		s.logger.Warn("No transport available", "error", err.Error())
		if s.onExhausted != nil {
			s.onExhausted(err)
		}
		return
	}

	strategy := s.strategies[s.next]
	s.next++
	tr := strategy.New()
	s.logger.Debug("Trying transport", "transport", strategy.Name)

	tr.Start(
		func() {
			if gen != s.gen {
				tr.Shutdown()
				return
			}
			s.active = tr
			s.logger.Info("Transport ready", "transport", tr.Name())
			if s.onReady != nil {
				s.onReady(tr)
			}
		},
		func(err error) {
			if gen != s.gen {
				return
			}
			s.logger.Warn("Transport failed", "transport", strategy.Name, "error", err.Error())
			if s.active == tr {
				s.active = nil
			}
			s.tryNext(gen, err)
		})
}
