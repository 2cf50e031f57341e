// Package plan expands a requested date range into the discrete fetch units
// a source adapter must retrieve. Planning is a pure function of its inputs
// and performs no I/O.
package plan

import (
	"fmt"
	"time"
)

// Granularity selects how a date range is split into fetch units.
type Granularity string

const (
	// GranularityDailyArchive emits one unit per calendar day, matching
	// sources that distribute one archive file per day.
	GranularityDailyArchive Granularity = "daily-archive"

	// GranularityFullHistory emits a single unit for the whole range,
	// matching sources that return their full history per call.
	GranularityFullHistory Granularity = "full-history"
)

// FetchUnit is one addressable (symbol, period) download task. Units are
// produced by Plan, consumed once by a source adapter, and never persisted.
// Locator is stamped by the adapter that will serve the unit.
type FetchUnit struct {
	Symbol      string
	PeriodStart time.Time
	PeriodEnd   time.Time
	Locator     string
}

// Date returns the unit's calendar day in YYYY-MM-DD form.
func (u FetchUnit) Date() string {
	return u.PeriodStart.UTC().Format("2006-01-02")
}

// InvalidRangeError reports a request whose start date falls after its end
// date. Validation happens before any network or database I/O.
type InvalidRangeError struct {
	Start time.Time
	End   time.Time
}

// Error implements the error interface for InvalidRangeError.
func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("invalid date range: start %s is after end %s",
		e.Start.Format("2006-01-02"), e.End.Format("2006-01-02"))
}

// Plan expands the inclusive [start, end] date range into ordered fetch
// units for the given granularity. For daily-archive it returns one unit
// per calendar day in ascending order; for full-history it returns exactly
// one unit covering the whole range. Period bounds are midnight-aligned
// UTC instants with an exclusive end.
func Plan(symbol string, start, end time.Time, granularity Granularity) ([]FetchUnit, error) {
	startDay := truncateToDay(start)
	endDay := truncateToDay(end)

	if startDay.After(endDay) {
		return nil, &InvalidRangeError{Start: startDay, End: endDay}
	}

	switch granularity {
	case GranularityDailyArchive:
		units := make([]FetchUnit, 0, int(endDay.Sub(startDay).Hours()/24)+1)
		for day := startDay; !day.After(endDay); day = day.AddDate(0, 0, 1) {
			units = append(units, FetchUnit{
				Symbol:      symbol,
				PeriodStart: day,
				PeriodEnd:   day.AddDate(0, 0, 1),
			})
		}
		return units, nil

	case GranularityFullHistory:
		return []FetchUnit{{
			Symbol:      symbol,
			PeriodStart: startDay,
			PeriodEnd:   endDay.AddDate(0, 0, 1),
		}}, nil

	default:
		return nil, fmt.Errorf("unsupported granularity: %s", granularity)
	}
}

func truncateToDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
