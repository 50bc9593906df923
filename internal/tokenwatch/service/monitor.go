package service

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/aussiebroadwan/appsdk/pkg/clockx"
	"github.com/aussiebroadwan/appsdk/pkg/token"
)

// TokenReader exposes the in-memory token. *token.Manager satisfies it.
type TokenReader interface {
	Current() *token.Token
}

// Status is one observation of the token.
type Status struct {
	Present   bool
	Expires   bool
	Remaining time.Duration
	Subject   string
}

// MonitorService periodically reports how much lifetime the current token
// has left, warning when it is about to expire.
type MonitorService struct {
	Tokens     TokenReader
	Clock      clockx.Clock
	Logger     *slog.Logger
	Interval   time.Duration
	WarnBefore time.Duration

	reports atomic.Int64

	// Internal channels for lifecycle management
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewMonitorService creates a monitor. If interval is 0 or negative, it
// defaults to one minute.
func NewMonitorService(tokens TokenReader, clock clockx.Clock, logger *slog.Logger, interval, warnBefore time.Duration) *MonitorService {
	if interval <= 0 {
		interval = time.Minute
	}
	if clock == nil {
		clock = clockx.Real()
	}

	return &MonitorService{
		Tokens:     tokens,
		Clock:      clock,
		Logger:     logger,
		Interval:   interval,
		WarnBefore: warnBefore,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start reports once and then every Interval until Stop is called. It
// does not block.
func (s *MonitorService) Start() {
	ticker := s.Clock.NewTicker(s.Interval)
	go s.run(ticker)
	s.Logger.Info("token monitor started", "interval", s.Interval)
}

// Stop shuts the worker down and waits for it to finish.
func (s *MonitorService) Stop() {
	close(s.stopCh)
	<-s.doneCh
	s.Logger.Info("token monitor stopped")
}

// Reports returns how many reports have been made.
func (s *MonitorService) Reports() int64 { return s.reports.Load() }

func (s *MonitorService) run(ticker *clockx.Ticker) {
	defer close(s.doneCh)
	defer ticker.Stop()

	s.Report()

	for {
		select {
		case <-ticker.C:
			s.Report()
		case <-s.stopCh:
			return
		}
	}
}

// Report observes the token and logs the result.
func (s *MonitorService) Report() Status {
	defer s.reports.Add(1)

	st := s.Check()
	switch {
	case !st.Present:
		s.Logger.Info("no access token")
	case !st.Expires:
		s.Logger.Info("access token has no expiry", "subject", st.Subject)
	case s.WarnBefore > 0 && st.Remaining < s.WarnBefore:
		s.Logger.Warn("access token expiring soon", "remaining", st.Remaining, "subject", st.Subject)
	default:
		s.Logger.Info("access token valid", "remaining", st.Remaining, "subject", st.Subject)
	}
	return st
}

// Check observes the token without logging.
func (s *MonitorService) Check() Status {
	tok := s.Tokens.Current()
	if tok == nil {
		return Status{}
	}

	st := Status{Present: true, Subject: Subject(tok)}
	if remaining, ok := tok.Remaining(s.Clock.Now()); ok {
		st.Expires = true
		st.Remaining = max(remaining, 0)
	}
	return st
}

// Subject returns the "sub" claim of a JWT-shaped token, or "" when the
// value is opaque.
func Subject(tok *token.Token) string {
	claims, err := tok.Claims()
	if err != nil {
		return ""
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return ""
	}
	return sub
}
