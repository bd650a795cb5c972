package ranking

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/l0p7/topscores/internal/store"
)

// Outcome is the result of a single submission.
type Outcome int

const (
	// Failed means validation or persistence failed. Nothing was stored.
	Failed Outcome = iota
	// Success means the score was stored.
	Success
	// Skipped means the score was correctly not stored: it could never be
	// visible or an identical score already exists. Callers must not retry.
	Skipped
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Skipped:
		return "skipped"
	default:
		return "failed"
	}
}

// RawPoints keeps submitted points as text so that parsing happens in Submit.
// It accepts JSON numbers and strings.
type RawPoints string

func (p *RawPoints) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	switch {
	case bytes.Equal(trimmed, []byte("null")):
		*p = ""
	case len(trimmed) > 0 && trimmed[0] == '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*p = RawPoints(s)
	default:
		*p = RawPoints(trimmed)
	}
	return nil
}

// Parse returns the points as a non-negative integer.
func (p RawPoints) Parse() (int64, bool) {
	text := strings.TrimSpace(string(p))
	if text == "" {
		return 0, false
	}
	points, err := strconv.ParseInt(text, 10, 64)
	if err != nil || points < 0 {
		return 0, false
	}
	return points, true
}

// Submission is one score as received from a client.
type Submission struct {
	Name     string
	Comment  string
	Points   RawPoints
	Control  string
	Location string
}

// Submit validates, admits and stores one score.
func (e *Engine) Submit(ctx context.Context, sub Submission) Outcome {
	outcome := e.submit(ctx, sub)
	e.metrics.ObserveSubmission(outcome.String())
	return outcome
}

func (e *Engine) submit(ctx context.Context, sub Submission) Outcome {
	log := e.submitLog
	if !e.settings.ValidControl(sub.Control) {
		log.Error("invalid control", slog.String("control", sub.Control))
		return Failed
	}
	if sub.Name == "" {
		log.Error("empty name")
		return Failed
	}
	points, ok := sub.Points.Parse()
	if !ok {
		log.Error("points must be a non-negative integer", slog.String("points", string(sub.Points)))
		return Failed
	}
	if sub.Location == "" {
		log.Error("empty location")
		return Failed
	}

	name := truncate(sub.Name, e.settings.NameMaxLength)
	if name != sub.Name {
		log.Warn("name truncated", slog.Int("max", e.settings.NameMaxLength))
	}
	comment := truncate(sub.Comment, e.settings.CommentMaxLength)
	if comment != sub.Comment {
		log.Warn("comment truncated", slog.Int("max", e.settings.CommentMaxLength))
	}

	attrs := []any{
		slog.String("name", name),
		slog.String("comment", comment),
		slog.Int64("points", points),
		slog.String("control", sub.Control),
		slog.String("location", sub.Location),
	}

	if !e.WouldShow(ctx, sub.Control, sub.Location, points) {
		log.Info("score would not show on location or week list, skipping", attrs...)
		return Skipped
	}

	exists, err := e.alreadyExists(ctx, name, comment, points, sub.Control)
	if err != nil {
		log.Error("duplicate check failed", append(attrs, slog.Any("error", err))...)
		return Failed
	}
	if exists {
		log.Info("identical score already stored, skipping", attrs...)
		return Skipped
	}

	record := &store.Score{
		Name:     name,
		Comment:  comment,
		Points:   points,
		Control:  sub.Control,
		Location: sub.Location,
		Date:     e.now().UTC().Truncate(timePrecision),
		NewWeek:  true,
	}
	if err := e.store.Insert(ctx, e.settings.Partition, record); err != nil {
		log.Error("score persist failed", append(attrs, slog.Any("error", err))...)
		return Failed
	}

	if err := e.SaveLocation(ctx, sub.Location); err != nil {
		log.Warn("location save failed", slog.String("location", sub.Location), slog.Any("error", err))
	}

	e.InvalidateIfAffected(ctx, sub.Control, sub.Location, points)
	e.InvalidateIfAffected(ctx, sub.Control, e.settings.World, points)
	e.InvalidateIfAffected(ctx, sub.Control, e.settings.Week, points)

	log.Info("score stored", attrs...)
	return Success
}

func (e *Engine) alreadyExists(ctx context.Context, name, comment string, points int64, control string) (bool, error) {
	found, err := e.store.Find(ctx, e.settings.Partition, store.Query{
		Control: control,
		Name:    store.String(name),
		Comment: store.String(comment),
		Points:  store.Int64(points),
		Limit:   1,
	})
	if err != nil {
		return false, err
	}
	return len(found) > 0, nil
}

// truncate keeps the first limit characters of s.
func truncate(s string, limit int) string {
	if limit < 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

// BatchScore is one entry of a batch submission. Name is nil when the client
// omitted the key.
type BatchScore struct {
	Name    *string   `json:"name"`
	Comment string    `json:"comment"`
	Points  RawPoints `json:"points"`
	Control string    `json:"control"`
}

// Batch is the submit envelope sent by clients.
type Batch struct {
	Code   string       `json:"code"`
	Scores []BatchScore `json:"scores"`
}

type rankedEntry struct {
	score  BatchScore
	points int64
	valid  bool
}

// SubmitBatch stores a client's scores for location. It returns false when the
// secret does not match or any score fails; skipped scores, including those
// without a name, do not fail the batch. Scores are tried best first, and once
// a control's score fails the admission test the remaining scores of that
// control are not tried.
func (e *Engine) SubmitBatch(ctx context.Context, batch Batch, location string) bool {
	log := e.submitLog.With(slog.String("location", location))
	if e.settings.SubmitSecret == "" ||
		subtle.ConstantTimeCompare([]byte(batch.Code), []byte(e.settings.SubmitSecret)) != 1 {
		log.Error("batch rejected: invalid submit code")
		return false
	}
	if len(batch.Scores) == 0 {
		return true
	}

	entries := make([]rankedEntry, len(batch.Scores))
	open := make(map[string]bool, len(e.settings.Controls))
	for i, score := range batch.Scores {
		points, ok := score.Points.Parse()
		entries[i] = rankedEntry{score: score, points: points, valid: ok}
		if e.settings.ValidControl(score.Control) {
			open[score.Control] = true
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.valid != b.valid {
			return a.valid
		}
		return a.points > b.points
	})

	submitted := 0
	for _, entry := range entries {
		control := entry.score.Control
		if entry.score.Name == nil {
			log.Warn("skipping score without name", slog.String("control", control))
			continue
		}
		if !e.settings.ValidControl(control) {
			log.Warn("skipping score with unknown control", slog.String("control", control))
			continue
		}
		if !open[control] {
			continue
		}
		if entry.valid && !e.WouldShow(ctx, control, location, entry.points) {
			open[control] = false
			log.Info("closing control for the rest of the batch", slog.String("control", control))
			if !anyOpen(open) {
				break
			}
			continue
		}

		outcome := e.Submit(ctx, Submission{
			Name:     *entry.score.Name,
			Comment:  entry.score.Comment,
			Points:   entry.score.Points,
			Control:  control,
			Location: location,
		})
		submitted++
		if outcome == Failed {
			payload, _ := json.Marshal(entry.score)
			log.Error("score submit failed, aborting batch",
				slog.String("score", string(payload)),
				slog.Int("submitted_before_error", submitted-1),
				slog.Int("total", len(entries)),
			)
			return false
		}
	}
	log.Info("batch processed", slog.Int("total", len(entries)), slog.Int("submitted", submitted))
	return true
}

func anyOpen(open map[string]bool) bool {
	for _, accepting := range open {
		if accepting {
			return true
		}
	}
	return false
}
