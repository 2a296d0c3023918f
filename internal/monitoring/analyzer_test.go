package monitoring

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	activity "activitylog/internal/activity/models"
	activitystore "activitylog/internal/activity/store"
	"activitylog/internal/fieldcrypt"
)

type failingDirectory struct{ err error }

func (d failingDirectory) Inactive(context.Context, []string) (map[string]bool, error) {
	return nil, d.err
}

type panickingDirectory struct{}

func (panickingDirectory) Inactive(context.Context, []string) (map[string]bool, error) {
	panic("directory exploded")
}

type AnalyzerSuite struct {
	suite.Suite
	ctx    context.Context
	codec  *fieldcrypt.Codec
	events *activitystore.InMemoryStore
	now    time.Time
}

func TestAnalyzerSuite(t *testing.T) {
	suite.Run(t, new(AnalyzerSuite))
}

func (s *AnalyzerSuite) SetupTest() {
	s.ctx = context.Background()
	master := make([]byte, fieldcrypt.KeySize)
	_, err := rand.Read(master)
	s.Require().NoError(err)
	ring, err := fieldcrypt.NewKeyring(1, map[byte][]byte{1: master})
	s.Require().NoError(err)
	s.codec = fieldcrypt.New(ring)
	s.events = activitystore.NewInMemory(s.codec)
	s.now = base.Add(2 * time.Hour)
}

func (s *AnalyzerSuite) analyzer(dir AccountDirectory, opts ...Option) *Analyzer {
	opts = append([]Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(func() time.Time { return s.now }),
	}, opts...)
	return New(s.events, s.codec, dir, opts...)
}

func (s *AnalyzerSuite) appendEvent(e activity.Event) {
	e.ID = uuid.Nil
	_, err := s.events.Append(s.ctx, e)
	s.Require().NoError(err)
}

func (s *AnalyzerSuite) seedSuspiciousBurst() {
	for i := range 4 {
		s.appendEvent(ev(activity.VerbLogin, time.Duration(i*5)*time.Minute, actor("u-1"),
			ip(fmt.Sprintf("198.51.100.%d", i+1)), username("alice"),
			withContext(func(c *activity.Context) {
				c.UserAgent = activity.StringValue("Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0")
			})))
	}
}

func (s *AnalyzerSuite) TestDecryptsDisplayFields() {
	s.seedSuspiciousBurst()
	for range 3 {
		s.appendEvent(ev(activity.VerbLogin, time.Minute, username("mallory"), ip("203.0.113.7")))
	}

	// Stored context is encrypted.
	stored, err := s.events.Query(s.ctx, activity.Filter{}, activity.Page{})
	s.Require().NoError(err)
	s.Require().NotEmpty(stored)
	s.True(fieldcrypt.IsEncrypted(stored[0].Context.IP.String()))

	report, err := s.analyzer(NewInMemoryDirectory("u-1")).Analyze(s.ctx, activity.Filter{})
	s.Require().NoError(err)

	s.Equal(7, report.EventsAnalyzed)
	s.Require().Len(report.SuspiciousLogins, 1)
	s.Contains(report.SuspiciousLogins[0].UniqueIPs, "198.51.100.1")
	s.Require().NotEmpty(report.SuspiciousLogins[0].Devices)
	s.Contains(report.SuspiciousLogins[0].Devices[0], "Firefox")

	s.Require().Len(report.FailedLogins, 1)
	s.Equal("mallory", report.FailedLogins[0].Username)
	s.Equal("203.0.113.7", report.FailedLogins[0].IP)
	s.Equal(3, report.FailedLogins[0].Count)

	s.Require().Len(report.InactiveUserAccess, 1)
	s.Equal("u-1", report.InactiveUserAccess[0].ActorID)
	s.Equal(4, report.InactiveUserAccess[0].Attempts)
	s.Equal("alice", report.InactiveUserAccess[0].Username)

	s.NotNil(report.UnauthorizedAccess)
	s.NotNil(report.HighRiskEdits)
}

func (s *AnalyzerSuite) TestDefaultRangeIsLastDay() {
	s.appendEvent(ev(activity.VerbLogin, -48*time.Hour, username("old"), ip("10.0.0.1")))
	s.appendEvent(ev(activity.VerbLogin, time.Hour, username("new"), ip("10.0.0.1")))

	report, err := s.analyzer(NewInMemoryDirectory()).Analyze(s.ctx, activity.Filter{})
	s.Require().NoError(err)
	s.Equal(s.now.Add(-DefaultRange), report.From)
	s.Equal(s.now, report.To)
	s.Require().Len(report.FailedLogins, 1)
	s.Equal("new", report.FailedLogins[0].Username)
}

func (s *AnalyzerSuite) TestFailingHeuristicIsIsolated() {
	s.seedSuspiciousBurst()

	for name, dir := range map[string]AccountDirectory{
		"error": failingDirectory{err: errors.New("connection refused")},
		"panic": panickingDirectory{},
	} {
		s.Run(name, func() {
			report, err := s.analyzer(dir).Analyze(s.ctx, activity.Filter{})
			s.Require().NoError(err)
			s.NotNil(report.InactiveUserAccess)
			s.Empty(report.InactiveUserAccess)
			s.Len(report.SuspiciousLogins, 1)
		})
	}
}

func (s *AnalyzerSuite) TestEventCapTruncates() {
	s.seedSuspiciousBurst()
	report, err := s.analyzer(NewInMemoryDirectory(), WithMaxEvents(2)).Analyze(s.ctx, activity.Filter{})
	s.Require().NoError(err)
	s.True(report.Truncated)
	s.Equal(2, report.EventsAnalyzed)
	s.Empty(report.SuspiciousLogins)
}
