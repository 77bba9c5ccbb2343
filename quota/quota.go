// Package quota tracks outbound remote API calls against the per-minute
// ceilings of the remote's rate tiers, keeping seven days of history.
package quota

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/vinizap/lumi/mirror/metrics"
)

type Tier string

const (
	Tier1 Tier = "tier1"
	Tier2 Tier = "tier2"
)

type Endpoint string

const (
	EndpointScreenshot   Endpoint = "fetchScreenshot"
	EndpointSVGBatch     Endpoint = "fetchSVGBatch"
	EndpointNode         Endpoint = "fetchNode"
	EndpointFileMetadata Endpoint = "fetchFileMetadata"
	EndpointVariables    Endpoint = "fetchVariables"
	EndpointImageFills   Endpoint = "fetchImageFills"
)

// Endpoints lists every tracked endpoint in display order.
var Endpoints = []Endpoint{
	EndpointScreenshot, EndpointSVGBatch, EndpointNode,
	EndpointFileMetadata, EndpointVariables, EndpointImageFills,
}

var endpointTier = map[Endpoint]Tier{
	EndpointScreenshot:   Tier1,
	EndpointSVGBatch:     Tier1,
	EndpointNode:         Tier2,
	EndpointFileMetadata: Tier2,
	EndpointVariables:    Tier2,
	EndpointImageFills:   Tier2,
}

// TierOf returns the rate tier of e. Unknown endpoints count against tier 2.
func TierOf(e Endpoint) Tier {
	if t, ok := endpointTier[e]; ok {
		return t
	}
	return Tier2
}

const (
	RetentionDays = 7
	dateLayout    = "2006-01-02"

	warningPercent  = 60
	criticalPercent = 80
)

// Limits are the per-minute call ceilings of each tier.
type Limits struct {
	Tier1PerMinute int `json:"tier1_per_minute" yaml:"tier1_per_minute"`
	Tier2PerMinute int `json:"tier2_per_minute" yaml:"tier2_per_minute"`
}

var DefaultLimits = Limits{Tier1PerMinute: 15, Tier2PerMinute: 50}

type Status string

const (
	StatusOK       Status = "ok"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

type TierCounts struct {
	Tier1 int `json:"tier1"`
	Tier2 int `json:"tier2"`
}

type DayCount struct {
	Date  string `json:"date"`
	Tier1 int    `json:"tier1"`
	Tier2 int    `json:"tier2"`
}

// Stats is the utilization snapshot shown to callers.
type Stats struct {
	Tier1LastMinute   int              `json:"tier1_last_minute"`
	Tier2LastMinute   int              `json:"tier2_last_minute"`
	TodayTotal        TierCounts       `json:"today_total"`
	Weekly            []DayCount       `json:"weekly"`
	EndpointBreakdown map[Endpoint]int `json:"endpoint_breakdown"`
	CriticalPercent   int              `json:"critical_percent"`
	Status            Status           `json:"status"`
	Limits            Limits           `json:"limits"`
}

type Option func(*Tracker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func WithLimits(l Limits) Option {
	return func(t *Tracker) { t.limits = l }
}

// Tracker records calls into a Store. A single Tracker serializes its own
// read-modify-write cycles; separate processes sharing a file do not
// coordinate.
type Tracker struct {
	mu     sync.Mutex
	store  Store
	limits Limits
	now    func() time.Time
}

func NewTracker(store Store, opts ...Option) *Tracker {
	t := &Tracker{store: store, limits: DefaultLimits, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) Limits() Limits {
	return t.limits
}

func dateKey(ts time.Time) string {
	return ts.UTC().Format(dateLayout)
}

// prune drops every day older than the retention window, comparing date
// strings. It reports whether anything was removed.
func prune(l Ledger, now time.Time) bool {
	cutoff := dateKey(now.AddDate(0, 0, -RetentionDays))
	removed := false
	for date := range l {
		if date < cutoff {
			delete(l, date)
			removed = true
		}
	}
	return removed
}

func (t *Tracker) load(ctx context.Context) (Ledger, bool, error) {
	l, err := t.store.Load(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("load quota ledger: %w", err)
	}
	if l == nil {
		l = Ledger{}
	}
	return l, prune(l, t.now()), nil
}

func (t *Tracker) save(ctx context.Context, l Ledger) error {
	prune(l, t.now())
	if err := t.store.Save(ctx, l); err != nil {
		return fmt.Errorf("save quota ledger: %w", err)
	}
	return nil
}

// Record appends a call to today's bucket of the given tier.
func (t *Tracker) Record(ctx context.Context, tier Tier, endpoint Endpoint) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, _, err := t.load(ctx)
	if err != nil {
		return err
	}
	now := t.now()
	key := dateKey(now)
	day, ok := l[key]
	if !ok || day == nil {
		day = &DailyUsage{Tier1: []Call{}, Tier2: []Call{}}
		l[key] = day
	}
	call := Call{TS: now.UnixMilli(), Endpoint: endpoint}
	if tier == Tier1 {
		day.Tier1 = append(day.Tier1, call)
	} else {
		day.Tier2 = append(day.Tier2, call)
	}
	return t.save(ctx, l)
}

// RecordEndpoint records a call under the endpoint's own tier.
func (t *Tracker) RecordEndpoint(ctx context.Context, endpoint Endpoint) error {
	return t.Record(ctx, TierOf(endpoint), endpoint)
}

// Stats computes current utilization. Expired days are pruned from the store
// as a side effect.
func (t *Tracker) Stats(ctx context.Context) (Stats, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, pruned, err := t.load(ctx)
	if err != nil {
		return Stats{}, err
	}
	if pruned {
		if err := t.save(ctx, l); err != nil {
			return Stats{}, err
		}
	}

	now := t.now()
	minuteAgo := now.Add(-time.Minute).UnixMilli()
	today := l[dateKey(now)]
	if today == nil {
		today = &DailyUsage{}
	}

	s := Stats{
		TodayTotal:        TierCounts{Tier1: len(today.Tier1), Tier2: len(today.Tier2)},
		EndpointBreakdown: make(map[Endpoint]int, len(Endpoints)),
		Limits:            t.limits,
	}

	// The last minute can straddle midnight.
	for _, key := range []string{dateKey(now.Add(-time.Minute)), dateKey(now)} {
		day := l[key]
		if day == nil {
			continue
		}
		s.Tier1LastMinute += countSince(day.calls(Tier1), minuteAgo)
		s.Tier2LastMinute += countSince(day.calls(Tier2), minuteAgo)
		if key == dateKey(now) {
			break
		}
	}

	for i := RetentionDays - 1; i >= 0; i-- {
		key := dateKey(now.AddDate(0, 0, -i))
		dc := DayCount{Date: key}
		if day := l[key]; day != nil {
			dc.Tier1 = len(day.Tier1)
			dc.Tier2 = len(day.Tier2)
		}
		s.Weekly = append(s.Weekly, dc)
	}

	for _, e := range Endpoints {
		s.EndpointBreakdown[e] = 0
	}
	for _, c := range append(append([]Call{}, today.Tier1...), today.Tier2...) {
		s.EndpointBreakdown[c.Endpoint]++
	}

	s.CriticalPercent = criticalPercentOf(s.Tier1LastMinute, s.Tier2LastMinute, t.limits)
	s.Status = statusOf(s.CriticalPercent)
	metrics.SetQuotaCriticalPercent(s.CriticalPercent)
	return s, nil
}

func countSince(calls []Call, since int64) int {
	n := 0
	for _, c := range calls {
		if c.TS >= since {
			n++
		}
	}
	return n
}

func ratio(count, ceiling int) float64 {
	if ceiling <= 0 {
		return 0
	}
	return float64(count) / float64(ceiling)
}

func criticalPercentOf(tier1, tier2 int, l Limits) int {
	return int(math.Round(100 * math.Max(ratio(tier1, l.Tier1PerMinute), ratio(tier2, l.Tier2PerMinute))))
}

func statusOf(percent int) Status {
	switch {
	case percent >= criticalPercent:
		return StatusCritical
	case percent >= warningPercent:
		return StatusWarning
	default:
		return StatusOK
	}
}
