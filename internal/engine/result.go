package engine

import (
	"math"
	"strings"
	"time"

	"golang.org/x/text/message"
	"golang.org/x/text/number"

	"github.com/kozaktomas/imgmatch/internal/constants"
	"github.com/kozaktomas/imgmatch/internal/database"
)

// Status tells how a scan ended.
type Status string

const (
	StatusMatched          Status = "matched"
	StatusNoMatch          Status = "no_match"
	StatusTimeout          Status = "timeout"
	StatusInvalidCandidate Status = "invalid_candidate"
)

// MatchResult is the decision for one candidate. It is built once by the
// engine and not modified afterwards.
type MatchResult struct {
	Matched        bool       `json:"matched"`
	Score          float64    `json:"score"`
	EntryID        *string    `json:"entry_identifier"`
	EntryTimestamp *time.Time `json:"entry_timestamp"`
	Message        string     `json:"message"`
	Status         Status     `json:"status"`
	TimedOut       bool       `json:"timed_out"`
	Algorithm      string     `json:"algorithm,omitempty"`
	Scanned        int        `json:"scanned"`
	Ingested       bool       `json:"ingested,omitempty"`
	IngestedID     string     `json:"ingested_id,omitempty"`

	// Entry is the matched corpus entry, nil unless Matched.
	Entry *database.Entry `json:"-"`
}

func noMatch(status Status, scanned int) *MatchResult {
	return &MatchResult{Status: status, TimedOut: status == StatusTimeout, Scanned: scanned}
}

func (e *Engine) matched(entry database.Entry, ps pairScore, scanned int) *MatchResult {
	id := entry.ID
	ts := entry.CreatedAt
	score := roundScore(ps.score)
	return &MatchResult{
		Matched:        true,
		Score:          score,
		EntryID:        &id,
		EntryTimestamp: &ts,
		Message:        e.renderMessage(score, entry.CreatedAt),
		Status:         StatusMatched,
		Algorithm:      ps.algorithm.String(),
		Scanned:        scanned,
		Entry:          &entry,
	}
}

func roundScore(score float64) float64 {
	p := math.Pow10(constants.ScorePrecision)
	return math.Round(score*p) / p
}

// renderMessage fills the {score} and {timestamp} placeholders of the
// configured template. The score is printed as a localized percentage.
func (e *Engine) renderMessage(score float64, ts time.Time) string {
	if e.message == "" {
		return ""
	}
	p := message.NewPrinter(e.lang)
	pct := p.Sprint(number.Percent(score, number.MaxFractionDigits(constants.ScorePrecision-2)))
	r := strings.NewReplacer(
		"{score}", pct,
		"{timestamp}", ts.Format(e.timestampLayout),
	)
	return r.Replace(e.message)
}
