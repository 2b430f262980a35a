package storage

import (
	"database/sql"
	"fmt"
	"time"
)

const performanceColumns = `id, variant_type, variant_number, contact_tier, score_range,
	sent_count, opened_count, replied_count, meeting_count, performance_score, last_updated`

func scanPerformance(r rowScanner) (PerformanceRecord, error) {
	var p PerformanceRecord
	var updated string
	if err := r.Scan(&p.ID, &p.VariantType, &p.VariantNumber, &p.Tier, &p.ScoreRange,
		&p.Sent, &p.Opened, &p.Replied, &p.Meetings, &p.Score, &updated); err != nil {
		return PerformanceRecord{}, err
	}
	var err error
	if p.LastUpdated, err = parseTime(updated); err != nil {
		return PerformanceRecord{}, fmt.Errorf("parsing last_updated for performance %d: %w", p.ID, err)
	}
	return p, nil
}

// ApplyOutcome adds delta to the segment's counters, creating the record on
// first use, and stores score(counters) as its performance score. The
// increment and the recomputation happen in one transaction so concurrent
// outcomes never lose an update.
func (s *Store) ApplyOutcome(key SegmentKey, delta Counters, score func(Counters) float64, now time.Time) (PerformanceRecord, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return PerformanceRecord{}, fmt.Errorf("beginning outcome transaction: %w", err)
	}
	defer tx.Rollback()

	ts := formatTime(now)
	if _, err := tx.Exec(`INSERT INTO variant_performance
		(variant_type, variant_number, contact_tier, score_range, sent_count, opened_count, replied_count, meeting_count, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (variant_type, variant_number, contact_tier, score_range) DO UPDATE SET
			sent_count = sent_count + excluded.sent_count,
			opened_count = opened_count + excluded.opened_count,
			replied_count = replied_count + excluded.replied_count,
			meeting_count = meeting_count + excluded.meeting_count,
			last_updated = excluded.last_updated`,
		key.VariantType, key.VariantNumber, key.Tier, key.ScoreRange,
		delta.Sent, delta.Opened, delta.Replied, delta.Meetings, ts,
	); err != nil {
		return PerformanceRecord{}, fmt.Errorf("upserting performance: %w", err)
	}

	p, err := scanPerformance(tx.QueryRow(`SELECT `+performanceColumns+` FROM variant_performance
		WHERE variant_type = ? AND variant_number = ? AND contact_tier = ? AND score_range = ?`,
		key.VariantType, key.VariantNumber, key.Tier, key.ScoreRange))
	if err != nil {
		return PerformanceRecord{}, fmt.Errorf("reading performance: %w", err)
	}

	p.Score = score(p.Counters)
	if _, err := tx.Exec(`UPDATE variant_performance SET performance_score = ? WHERE id = ?`, p.Score, p.ID); err != nil {
		return PerformanceRecord{}, fmt.Errorf("updating performance score: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return PerformanceRecord{}, fmt.Errorf("committing outcome: %w", err)
	}
	return p, nil
}

func (s *Store) GetPerformance(key SegmentKey) (PerformanceRecord, error) {
	p, err := scanPerformance(s.db.QueryRow(`SELECT `+performanceColumns+` FROM variant_performance
		WHERE variant_type = ? AND variant_number = ? AND contact_tier = ? AND score_range = ?`,
		key.VariantType, key.VariantNumber, key.Tier, key.ScoreRange))
	if err == sql.ErrNoRows {
		return PerformanceRecord{}, ErrNotFound
	}
	return p, err
}

// BestInSegment returns the highest-scoring variant of variantType in the
// given tier and score range with at least minSent sends. Ties go to the
// larger sample, then the lower variant number. It returns ErrNotFound when
// no variant qualifies.
func (s *Store) BestInSegment(variantType, tier, scoreRange string, minSent int) (PerformanceRecord, error) {
	p, err := scanPerformance(s.db.QueryRow(`SELECT `+performanceColumns+` FROM variant_performance
		WHERE variant_type = ? AND contact_tier = ? AND score_range = ? AND sent_count >= ?
		ORDER BY performance_score DESC, sent_count DESC, variant_number ASC
		LIMIT 1`, variantType, tier, scoreRange, minSent))
	if err == sql.ErrNoRows {
		return PerformanceRecord{}, ErrNotFound
	}
	return p, err
}

// ListPerformance returns records with at least minSent sends, best first.
// An empty variantType matches every type.
func (s *Store) ListPerformance(variantType string, minSent int) ([]PerformanceRecord, error) {
	rows, err := s.db.Query(`SELECT `+performanceColumns+` FROM variant_performance
		WHERE (? = '' OR variant_type = ?) AND sent_count >= ?
		ORDER BY performance_score DESC, sent_count DESC, variant_type ASC, variant_number ASC, id ASC`,
		variantType, variantType, minSent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PerformanceRecord
	for rows.Next() {
		p, err := scanPerformance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
