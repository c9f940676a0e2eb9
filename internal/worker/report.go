package worker

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hyperasset/sentinel/internal/events"
	"github.com/hyperasset/sentinel/internal/notify"
)

// kindCount is one row of the weekly per-kind delivery tally.
type kindCount struct {
	kind  string
	count int
}

// ReportWorker builds the weekly digest (the fifth worker kind, with no
// standing engine of its own): it tallies the past week's delivery_log
// activity and broadcasts a single kind=report event, which the C6
// dispatcher fans out to every user subscribed to the report service.
type ReportWorker struct {
	db         *sql.DB // core.db
	dispatcher *notify.Dispatcher
	gate       *cadenceGate
	location   *time.Location
	now        func() time.Time
	log        zerolog.Logger
}

// NewReportWorker builds the C13 report worker over core.db's delivery_log
// table and the C6 dispatcher.
func NewReportWorker(db *sql.DB, dispatcher *notify.Dispatcher, location *time.Location, log zerolog.Logger) *ReportWorker {
	return &ReportWorker{
		db:         db,
		dispatcher: dispatcher,
		gate:       newCadenceGate(cadenceWeekly, location),
		location:   location,
		now:        time.Now,
		log:        log.With().Str("component", "report_worker").Logger(),
	}
}

func (w *ReportWorker) Kind() Kind { return KindReport }

// Execute ignores userID: a report is a single broadcast event, not a
// per-user pass, so every call produces the same weekly digest.
func (w *ReportWorker) Execute(ctx context.Context, userID string) (ExecuteResult, error) {
	now := w.now().In(w.location)
	weekStart, weekEnd := isoWeekBounds(now)

	counts, total, err := w.tallyDeliveries(ctx, weekStart, weekEnd)
	if err != nil {
		return ExecuteResult{}, fmt.Errorf("report worker: tally deliveries: %w", err)
	}

	summary := formatSummary(counts, total)
	ev := events.Event{
		Kind: events.KindReport,
		Payload: events.ReportData{
			WeekStart: weekStart,
			WeekEnd:   weekEnd,
			Summary:   summary,
		},
	}
	if err := w.dispatcher.Dispatch(ctx, ev); err != nil {
		return ExecuteResult{}, fmt.Errorf("report worker: dispatch: %w", err)
	}

	msg := fmt.Sprintf("dispatched weekly report for %s to %s: %s", weekStart, weekEnd, summary)
	return ExecuteResult{
		Executed:        true,
		Message:         msg,
		TelegramMessage: fmt.Sprintf("[report] %s", summary),
	}, nil
}

func (w *ReportWorker) CheckSchedule(ctx context.Context) (CheckScheduleResult, error) {
	ready, reason := w.gate.ready()
	if !ready {
		return CheckScheduleResult{Executed: false, Reason: reason}, nil
	}

	result, err := w.Execute(ctx, "")
	if err != nil {
		return CheckScheduleResult{}, err
	}
	w.gate.markRun()
	return CheckScheduleResult{Executed: true, Message: result.Message}, nil
}

// SetUser is a no-op: the report worker has no per-user active context,
// since a single broadcast covers every subscribed user.
func (w *ReportWorker) SetUser(ctx context.Context, userID string) error {
	return nil
}

func (w *ReportWorker) tallyDeliveries(ctx context.Context, weekStart, weekEnd string) ([]kindCount, int, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT kind, COUNT(*) AS cnt
		FROM delivery_log
		WHERE status = 'sent'
		  AND delivered_at >= ? AND delivered_at < ?
		GROUP BY kind
		ORDER BY cnt DESC
	`, weekStart, weekEnd)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var counts []kindCount
	total := 0
	for rows.Next() {
		var kc kindCount
		if err := rows.Scan(&kc.kind, &kc.count); err != nil {
			return nil, 0, err
		}
		counts = append(counts, kc)
		total += kc.count
	}
	return counts, total, rows.Err()
}

func formatSummary(counts []kindCount, total int) string {
	if total == 0 {
		return "no alerts were delivered this week"
	}
	parts := make([]string, 0, len(counts))
	for _, kc := range counts {
		parts = append(parts, fmt.Sprintf("%d %s", kc.count, kc.kind))
	}
	return fmt.Sprintf("%d alert(s) delivered this week: %s", total, strings.Join(parts, ", "))
}

// isoWeekBounds returns [Monday 00:00, next Monday 00:00) for the ISO week
// containing t, formatted as delivery_log's stored timestamp layout.
func isoWeekBounds(t time.Time) (string, string) {
	offset := int(time.Monday - t.Weekday())
	if offset > 0 {
		offset -= 7
	}
	monday := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location()).AddDate(0, 0, offset)
	nextMonday := monday.AddDate(0, 0, 7)
	const layout = "2006-01-02 15:04:05"
	return monday.Format(layout), nextMonday.Format(layout)
}
