package worksession

import (
	"context"
	"sort"
	"time"

	"iqeas/internal/domain"
	"iqeas/internal/repo"
)

// IntervalSource is satisfied by repo.Repo.
type IntervalSource interface {
	ClosedIntervals(ctx context.Context, workerID int64, from, to time.Time) ([]repo.ClosedInterval, error)
}

// WeekStart returns midnight UTC of the Monday of the week containing t.
func WeekStart(t time.Time) time.Time {
	t = t.UTC()
	offset := (int(t.Weekday()) + 6) % 7
	return time.Date(t.Year(), t.Month(), t.Day()-offset, 0, 0, 0, 0, time.UTC)
}

// Timesheet sums the closed running intervals of a worker over the Monday-start
// week containing day, per deliverable. An interval counts in the week it ended.
func Timesheet(ctx context.Context, src IntervalSource, workerID int64, day time.Time) (domain.Timesheet, error) {
	from := WeekStart(day)
	to := from.AddDate(0, 0, 7)
	intervals, err := src.ClosedIntervals(ctx, workerID, from, to)
	if err != nil {
		return domain.Timesheet{}, err
	}
	byDeliverable := map[int64]*domain.TimesheetEntry{}
	ts := domain.Timesheet{
		WorkerID:  workerID,
		WeekStart: from.Format(time.DateOnly),
		WeekEnd:   to.AddDate(0, 0, -1).Format(time.DateOnly),
		Entries:   []domain.TimesheetEntry{},
	}
	for _, iv := range intervals {
		e, ok := byDeliverable[iv.DeliverableID]
		if !ok {
			e = &domain.TimesheetEntry{DeliverableID: iv.DeliverableID}
			byDeliverable[iv.DeliverableID] = e
		}
		e.Seconds += iv.Length.Seconds()
		e.Intervals++
		ts.TotalSeconds += iv.Length.Seconds()
	}
	for _, e := range byDeliverable {
		ts.Entries = append(ts.Entries, *e)
	}
	sort.Slice(ts.Entries, func(i, j int) bool { return ts.Entries[i].DeliverableID < ts.Entries[j].DeliverableID })
	return ts, nil
}
