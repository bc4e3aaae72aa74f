package calibration

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/blake2b"

	sqlitepkg "github.com/regbot/engine/internal/persistence/sqlite"
)

// HistoryEntry is the best calibration sample persisted for a given token,
// bounded to 20 samples per token per spec.md §4.1 step 6.
type HistoryEntry struct {
	ServerOffset time.Duration
	RTTOneWay    time.Duration
	Source       string
	RecordedAt   time.Time
}

// History is the bounded per-token sample history: an in-memory LRU hot
// tier (github.com/hashicorp/golang-lru/v2) in front of a durable SQLite
// tier, keyed by blake2b256(token) so the credential itself never reaches
// the cache key or the database (invariant I4).
type History struct {
	hot     *lru.Cache[[32]byte, HistoryEntry]
	pool    *sqlitepkg.ConnectionPool
	queries *sqlitepkg.QueryHelper
	retry   *sqlitepkg.RetryHelper
}

// maxDistinctTokens bounds how many distinct token-hashes the in-memory
// tier holds at once.
const maxDistinctTokens = 64

// maxSamplesPerToken is the durable-tier retention bound named in spec.md
// §4.1 ("bounded to 20 samples").
const maxSamplesPerToken = 20

// NewHistory constructs a History. pool may be nil, in which case only the
// in-memory tier is used (useful for dry-run/tests that should not touch
// disk).
func NewHistory(pool *sqlitepkg.ConnectionPool) (*History, error) {
	hot, err := lru.New[[32]byte, HistoryEntry](maxDistinctTokens)
	if err != nil {
		return nil, fmt.Errorf("construct in-memory calibration cache: %w", err)
	}
	h := &History{hot: hot, pool: pool}
	if pool != nil {
		h.queries = sqlitepkg.NewQueryHelper(pool)
		h.retry = sqlitepkg.NewRetryHelper(sqlitepkg.DefaultRetryConfig())
	}
	return h, nil
}

// tokenHash derives the durable cache key from a token without ever
// persisting the token itself.
func tokenHash(token string) [32]byte {
	return blake2b.Sum256([]byte(token))
}

// Best returns the lowest-RTT sample recorded for token, checking the
// in-memory tier first and falling back to SQLite. The durable-tier query
// runs through RetryHelper so a concurrent writer's transient SQLITE_BUSY
// does not surface as a hard miss.
func (h *History) Best(ctx context.Context, token string) (HistoryEntry, bool, error) {
	key := tokenHash(token)

	if entry, ok := h.hot.Get(key); ok {
		return entry, true, nil
	}
	if h.pool == nil {
		return HistoryEntry{}, false, nil
	}

	hex := hashHex(key)
	var entry HistoryEntry
	found := false
	err := h.retry.WithRetry(ctx, func() error {
		row := h.queries.QueryRow(ctx, `
			SELECT server_offset_ms, rtt_one_way_ms, source, recorded_at
			FROM calibration_samples
			WHERE token_hash = ?
			ORDER BY rtt_one_way_ms ASC
			LIMIT 1`, hex)

		var offsetMS, rttMS float64
		var source string
		var recordedAtUnix int64
		if err := row.Scan(&offsetMS, &rttMS, &source, &recordedAtUnix); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return fmt.Errorf("query calibration history: %w", err)
		}

		entry = HistoryEntry{
			ServerOffset: time.Duration(offsetMS * float64(time.Millisecond)),
			RTTOneWay:    time.Duration(rttMS * float64(time.Millisecond)),
			Source:       source,
			RecordedAt:   time.Unix(recordedAtUnix, 0).UTC(),
		}
		found = true
		return nil
	})
	if err != nil {
		return HistoryEntry{}, false, err
	}
	if !found {
		return HistoryEntry{}, false, nil
	}
	h.hot.Add(key, entry)
	return entry, true, nil
}

// Record stores a new sample for token, updating the hot tier only when it
// holds nothing for token yet or the new sample has a lower one-way RTT, and
// pruning the durable tier back to the maxSamplesPerToken most recent rows.
func (h *History) Record(ctx context.Context, token string, entry HistoryEntry, now time.Time) error {
	key := tokenHash(token)
	if existing, ok := h.hot.Get(key); !ok || entry.RTTOneWay < existing.RTTOneWay {
		h.hot.Add(key, entry)
	}

	if h.pool == nil {
		return nil
	}

	hex := hashHex(key)
	return h.retry.WithRetry(ctx, func() error {
		return h.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
			if _, err := tx.Exec(`
				INSERT INTO calibration_samples (token_hash, server_offset_ms, rtt_one_way_ms, source, recorded_at)
				VALUES (?, ?, ?, ?, ?)`,
				hex,
				float64(entry.ServerOffset.Microseconds())/1000,
				float64(entry.RTTOneWay.Microseconds())/1000,
				entry.Source,
				now.Unix(),
			); err != nil {
				return fmt.Errorf("insert calibration sample: %w", err)
			}

			if _, err := tx.Exec(`
				DELETE FROM calibration_samples
				WHERE token_hash = ? AND recorded_at NOT IN (
					SELECT recorded_at FROM calibration_samples
					WHERE token_hash = ?
					ORDER BY recorded_at DESC
					LIMIT ?
				)`, hex, hex, maxSamplesPerToken); err != nil {
				return fmt.Errorf("prune calibration history: %w", err)
			}
			return nil
		})
	})
}

func hashHex(key [32]byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(key)*2)
	for i, b := range key {
		out[i*2] = hexDigits[b>>4]
		out[i*2+1] = hexDigits[b&0x0f]
	}
	return string(out)
}
