// Package profile builds the weekly occupancy baseline.
//
// For a query at time now, the engine scans the full calendar day exactly one week
// earlier (same weekday, in the configured location), groups every reading by facility
// and time block, and averages current values within each group:
//
//	average(facility, block) = Σ current_value / count
//
// With a zero bucket width every distinct HH:MM minute that has a reading is its own
// block. A positive width floors each reading's time of day to a multiple of the width,
// producing fixed bins such as 09:00, 09:30, 10:00.
package profile

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"time"

	"github.com/rewired-gh/crowdwatch/internal/logger"
	"github.com/rewired-gh/crowdwatch/internal/models"
	"github.com/rewired-gh/crowdwatch/internal/storage"
)

// Operation is the metrics label for weekly profile queries.
const Operation = "weekly_profile"

const labelLayout = "15:04"

// Scanner is the read side of the time-series log.
type Scanner interface {
	Scan(ctx context.Context, f storage.ScanFilter) iter.Seq2[models.Reading, error]
}

// Recorder observes query latency and outcome.
type Recorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// Options configures an Engine. Zero values select local time and minute blocks.
type Options struct {
	Location    *time.Location
	BucketWidth time.Duration
	Recorder    Recorder
	Now         func() time.Time
}

// Engine computes weekly profiles. It holds no state between queries.
type Engine struct {
	log      Scanner
	loc      *time.Location
	width    time.Duration
	recorder Recorder
	now      func() time.Time
}

// New creates an Engine over the given log.
func New(log Scanner, opts Options) (*Engine, error) {
	if err := ValidateBucketWidth(opts.BucketWidth); err != nil {
		return nil, err
	}
	e := &Engine{
		log:      log,
		loc:      opts.Location,
		width:    opts.BucketWidth,
		recorder: opts.Recorder,
		now:      opts.Now,
	}
	if e.loc == nil {
		e.loc = time.Local
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// ValidateBucketWidth accepts zero (minute pass-through) or a whole number of
// minutes that divides a day evenly.
func ValidateBucketWidth(width time.Duration) error {
	if width == 0 {
		return nil
	}
	if width < time.Minute || width%time.Minute != 0 {
		return fmt.Errorf("bucket width %v must be a whole number of minutes", width)
	}
	if (24*time.Hour)%width != 0 {
		return fmt.Errorf("bucket width %v must divide 24h evenly", width)
	}
	return nil
}

// LookbackWindow returns the inclusive bounds of the calendar day exactly one week
// before now in loc, along with that day's weekday.
func LookbackWindow(now time.Time, loc *time.Location) (start, end time.Time, weekday models.Weekday) {
	day := now.In(loc).AddDate(0, 0, -7)
	start = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
	end = start.AddDate(0, 0, 1).Add(-time.Microsecond)
	return start, end, models.WeekdayOf(start)
}

type accumulator struct {
	sum   float64
	count int
}

// Weekly returns the profile for the current time.
func (e *Engine) Weekly(ctx context.Context) ([]models.WeeklyProfile, error) {
	return e.WeeklyAt(ctx, e.now())
}

// WeeklyAt returns one profile per facility that has readings in the lookback window
// of now, ordered by facility id. Facilities without readings are omitted. Any storage
// failure fails the whole query.
func (e *Engine) WeeklyAt(ctx context.Context, now time.Time) (profiles []models.WeeklyProfile, err error) {
	begin := time.Now()
	defer func() {
		if e.recorder != nil {
			e.recorder.Observe(ctx, Operation, err == nil, time.Since(begin))
		}
	}()

	start, end, weekday := LookbackWindow(now, e.loc)
	logger.Debug("Weekly profile window %s .. %s (%s)", start.Format(time.RFC3339), end.Format(time.RFC3339), weekday)

	profiles = []models.WeeklyProfile{}
	var (
		current int
		blocks  map[string]*accumulator
	)
	flush := func() {
		if blocks != nil {
			profiles = append(profiles, models.WeeklyProfile{FacilityID: current, TimeBlocks: averages(blocks)})
		}
	}

	// Rows arrive grouped by facility, so only one facility's blocks are held at a time.
	for r, scanErr := range e.log.Scan(ctx, storage.ScanFilter{
		Weekday:  weekday,
		Start:    start,
		End:      end,
		Location: e.loc,
	}) {
		if scanErr != nil {
			logger.Error("Weekly profile scan failed: %v", scanErr)
			return nil, scanErr
		}
		if blocks == nil || r.FacilityID != current {
			flush()
			current = r.FacilityID
			blocks = make(map[string]*accumulator)
		}
		label := e.label(r.CreatedAt)
		acc, ok := blocks[label]
		if !ok {
			acc = &accumulator{}
			blocks[label] = acc
		}
		acc.sum += float64(r.CurrentValue)
		acc.count++
	}
	flush()

	// The log orders by facility already; sorting keeps the contract independent of it.
	sort.SliceStable(profiles, func(i, j int) bool { return profiles[i].FacilityID < profiles[j].FacilityID })
	return profiles, nil
}

// label maps a reading time to its HH:MM block.
func (e *Engine) label(t time.Time) string {
	t = t.In(e.loc)
	if e.width == 0 {
		return t.Format(labelLayout)
	}
	sinceMidnight := time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute
	floored := sinceMidnight - sinceMidnight%e.width
	return fmt.Sprintf("%02d:%02d", int(floored/time.Hour), int(floored%time.Hour/time.Minute))
}

func averages(blocks map[string]*accumulator) []models.TimeBlock {
	labels := make([]string, 0, len(blocks))
	for l := range blocks {
		labels = append(labels, l)
	}
	// Zero-padded HH:MM sorts lexically in time order.
	sort.Strings(labels)

	out := make([]models.TimeBlock, len(labels))
	for i, l := range labels {
		acc := blocks[l]
		out[i] = models.TimeBlock{Label: l, Average: acc.sum / float64(acc.count)}
	}
	return out
}
