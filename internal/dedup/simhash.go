// Package dedup implements the SimHash near-duplicate filter (C3): a
// 64-bit fingerprint over whitespace tokens, a band-masked Hamming lookup
// against stock-scoped history in core.db, a CSV duplicate log, and a
// TTL janitor. Grounded on the original EnhancedSimHashFilter (SQLite +
// four 16-bit band masks + CSV audit log), reimplemented over the shared
// database.DB rather than a private SQLite file.
package dedup

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"math/bits"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultHammingThreshold and DefaultTTLHours mirror the Python filter's
// module-level defaults.
const (
	DefaultHammingThreshold = 3
	DefaultTTLHours         = 48

	timestampLayout = "2006-01-02 15:04:05"
)

// bandMasks splits a 64-bit fingerprint into four 16-bit bands, so a
// near-duplicate sharing any one band can be found with an indexed equality
// lookup before the actual Hamming distance is computed.
var bandMasks = [4]uint64{
	0x000000000000FFFF,
	0x00000000FFFF0000,
	0x0000FFFF00000000,
	0xFFFF000000000000,
}

// Match describes a previously-seen item a new item collided with.
type Match struct {
	Distance     int
	MatchedTitle string
	MatchedURL   string
	MatchedTime  string
}

// Filter is the SimHash duplicate filter. It fails open: any database or
// I/O error is logged and the caller is told the item is not a duplicate,
// matching the original's broad except-and-return-False behavior.
type Filter struct {
	db               *sql.DB
	hammingThreshold int
	ttl              time.Duration
	logPath          string
	log              zerolog.Logger
}

// New creates a SimHash filter. hammingThreshold and ttlHours fall back to
// the package defaults when zero.
func New(db *sql.DB, hammingThreshold, ttlHours int, logPath string, log zerolog.Logger) *Filter {
	if hammingThreshold <= 0 {
		hammingThreshold = DefaultHammingThreshold
	}
	if ttlHours <= 0 {
		ttlHours = DefaultTTLHours
	}
	return &Filter{
		db:               db,
		hammingThreshold: hammingThreshold,
		ttl:              time.Duration(ttlHours) * time.Hour,
		logPath:          logPath,
		log:              log.With().Str("component", "dedup").Logger(),
	}
}

// Fingerprint computes the 64-bit SimHash of text, tokenized on whitespace.
// Each bit of the result is set by a majority vote over a per-token 64-bit
// hash, weighted by token frequency.
func Fingerprint(text string) uint64 {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return 0
	}

	var weights [64]int
	for _, tok := range tokens {
		h := fnv1a64(tok)
		for bit := 0; bit < 64; bit++ {
			if h&(1<<uint(bit)) != 0 {
				weights[bit]++
			} else {
				weights[bit]--
			}
		}
	}

	var fingerprint uint64
	for bit := 0; bit < 64; bit++ {
		if weights[bit] > 0 {
			fingerprint |= 1 << uint(bit)
		}
	}
	return fingerprint
}

func fnv1a64(s string) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	h := uint64(offset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}

// hammingDistance returns the number of differing bits between a and b.
func hammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// CheckAndInsert checks stockCode+title+content against recent history for
// stockCode. If a near-duplicate is found within the configured Hamming
// threshold, it is logged to the CSV audit trail and (true, match) is
// returned — the caller must drop the incoming item. Otherwise the item's
// fingerprint is inserted and (false, nil) is returned.
//
// An empty title+content yields (false, nil) with no insert. Any database
// error is logged and treated as a non-duplicate, so a filter outage never
// blocks the pipeline it guards.
func (f *Filter) CheckAndInsert(ctx context.Context, stockCode, title, content, url string) (bool, *Match) {
	text := strings.TrimSpace(title + " " + content)
	if text == "" {
		return false, nil
	}

	fingerprint := Fingerprint(text)

	match, err := f.findMatch(ctx, stockCode, fingerprint)
	if err != nil {
		f.log.Error().Err(err).Str("stock_code", stockCode).Msg("simhash match lookup failed, failing open")
		return false, nil
	}

	if match != nil {
		f.logDuplicate(stockCode, title, url, match)
		f.log.Info().Str("stock_code", stockCode).Int("distance", match.Distance).Msg("simhash duplicate detected")
		return true, match
	}

	if err := f.insert(ctx, stockCode, fingerprint, title, url); err != nil {
		f.log.Error().Err(err).Str("stock_code", stockCode).Msg("simhash insert failed")
	}
	return false, nil
}

func (f *Filter) findMatch(ctx context.Context, stockCode string, fingerprint uint64) (*Match, error) {
	for _, mask := range bandMasks {
		band := int64(fingerprint & mask)

		rows, err := f.db.QueryContext(ctx,
			`SELECT fingerprint, title_snippet, url, created_ts FROM simhash_cache
			 WHERE stock_code = ? AND (fingerprint & ?) = ?`,
			stockCode, int64(mask), band,
		)
		if err != nil {
			return nil, fmt.Errorf("query simhash band: %w", err)
		}

		match, err := scanBandMatches(rows, fingerprint, f.hammingThreshold)
		if err != nil {
			return nil, err
		}
		if match != nil {
			return match, nil
		}
	}
	return nil, nil
}

func scanBandMatches(rows *sql.Rows, fingerprint uint64, threshold int) (*Match, error) {
	defer rows.Close()

	for rows.Next() {
		var oldFingerprint int64
		var titleSnippet, url, createdTS string
		if err := rows.Scan(&oldFingerprint, &titleSnippet, &url, &createdTS); err != nil {
			return nil, fmt.Errorf("scan simhash row: %w", err)
		}

		distance := hammingDistance(fingerprint, uint64(oldFingerprint))
		if distance <= threshold {
			return &Match{
				Distance:     distance,
				MatchedTitle: titleSnippet,
				MatchedURL:   url,
				MatchedTime:  createdTS,
			}, nil
		}
	}
	return nil, rows.Err()
}

func (f *Filter) insert(ctx context.Context, stockCode string, fingerprint uint64, title, url string) error {
	snippet := title
	if len(snippet) > 100 {
		snippet = snippet[:100]
	}

	_, err := f.db.ExecContext(ctx,
		`INSERT INTO simhash_cache (stock_code, fingerprint, title_snippet, url, created_ts) VALUES (?, ?, ?, ?, ?)`,
		stockCode, int64(fingerprint), snippet, url, time.Now().UTC().Format(timestampLayout),
	)
	return err
}

func (f *Filter) logDuplicate(stockCode, newTitle, newURL string, match *Match) {
	if f.logPath == "" {
		return
	}

	isNew := false
	if _, err := os.Stat(f.logPath); os.IsNotExist(err) {
		isNew = true
	}

	file, err := os.OpenFile(f.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		f.log.Error().Err(err).Str("path", f.logPath).Msg("failed to open simhash duplicate log")
		return
	}
	defer file.Close()

	w := csv.NewWriter(file)
	defer w.Flush()

	if isNew {
		_ = w.Write([]string{"timestamp", "stock_code", "new_title", "distance", "matched_title", "matched_url", "new_url"})
	}

	clean := func(s string) string { return strings.ReplaceAll(strings.ReplaceAll(s, ",", " "), "\n", " ") }

	_ = w.Write([]string{
		time.Now().UTC().Format(timestampLayout),
		stockCode,
		truncate(clean(newTitle), 60),
		fmt.Sprintf("%d", match.Distance),
		clean(match.MatchedTitle),
		match.MatchedURL,
		newURL,
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Vacuum deletes simhash_cache rows older than the configured TTL, mirroring
// the original filter's periodic vacuum(). Returns the number of rows
// removed.
func (f *Filter) Vacuum(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-f.ttl).Format(timestampLayout)

	result, err := f.db.ExecContext(ctx, `DELETE FROM simhash_cache WHERE created_ts < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("vacuum simhash cache: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("vacuum simhash cache: rows affected: %w", err)
	}
	if n > 0 {
		f.log.Info().Int64("deleted", n).Msg("simhash cache vacuumed")
	}
	return n, nil
}

// Name identifies this filter as a scheduled maintenance job.
func (f *Filter) Name() string { return "simhash_vacuum" }

// Run adapts Vacuum to the reliability package's Job interface.
func (f *Filter) Run(ctx context.Context) error {
	_, err := f.Vacuum(ctx)
	return err
}
