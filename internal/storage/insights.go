package storage

import (
	"database/sql"
	"fmt"
	"time"
)

const insightColumns = `id, insight_type, segment_key, subject_variant, insight_text, confidence,
	evidence_count, status, created_at, retired_at`

func scanInsight(r rowScanner) (Insight, error) {
	var in Insight
	var created string
	var retired sql.NullString
	if err := r.Scan(&in.ID, &in.Type, &in.SegmentKey, &in.SubjectVariant, &in.Text, &in.Confidence,
		&in.EvidenceCount, &in.Status, &created, &retired); err != nil {
		return Insight{}, err
	}
	var err error
	if in.CreatedAt, err = parseTime(created); err != nil {
		return Insight{}, fmt.Errorf("parsing created_at for insight %d: %w", in.ID, err)
	}
	if in.RetiredAt, err = parseNullTime(retired); err != nil {
		return Insight{}, fmt.Errorf("parsing retired_at for insight %d: %w", in.ID, err)
	}
	return in, nil
}

// PutInsight makes in the active insight for its (Type, SegmentKey). If the
// active insight already names the same subject variant its text, confidence
// and evidence count are refreshed in place. Otherwise the previous insight,
// if any, is retired and in is inserted. It reports whether anything changed.
func (s *Store) PutInsight(in Insight, now time.Time) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("beginning insight transaction: %w", err)
	}
	defer tx.Rollback()

	cur, err := scanInsight(tx.QueryRow(`SELECT `+insightColumns+` FROM learning_insights
		WHERE insight_type = ? AND segment_key = ? AND status = 'active'`, in.Type, in.SegmentKey))
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return false, fmt.Errorf("selecting active insight: %w", err)
	case cur.SubjectVariant == in.SubjectVariant:
		if cur.Text == in.Text && cur.Confidence == in.Confidence && cur.EvidenceCount == in.EvidenceCount {
			return false, nil
		}
		if _, err := tx.Exec(`UPDATE learning_insights SET insight_text = ?, confidence = ?, evidence_count = ?
			WHERE id = ?`, in.Text, in.Confidence, in.EvidenceCount, cur.ID); err != nil {
			return false, fmt.Errorf("refreshing insight %d: %w", cur.ID, err)
		}
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("committing insight: %w", err)
		}
		return true, nil
	default:
		if _, err := tx.Exec(`UPDATE learning_insights SET status = 'retired', retired_at = ? WHERE id = ?`,
			formatTime(now), cur.ID); err != nil {
			return false, fmt.Errorf("retiring insight %d: %w", cur.ID, err)
		}
	}

	created := in.CreatedAt
	if created.IsZero() {
		created = now
	}
	if _, err := tx.Exec(`INSERT INTO learning_insights
		(insight_type, segment_key, subject_variant, insight_text, confidence, evidence_count, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 'active', ?)`,
		in.Type, in.SegmentKey, in.SubjectVariant, in.Text, in.Confidence, in.EvidenceCount, formatTime(created),
	); err != nil {
		return false, fmt.Errorf("inserting insight: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing insight: %w", err)
	}
	return true, nil
}

// ListInsights returns insights with confidence >= minConfidence, highest
// confidence first. Retired insights are included only when withRetired is set.
func (s *Store) ListInsights(minConfidence float64, withRetired bool) ([]Insight, error) {
	rows, err := s.db.Query(`SELECT `+insightColumns+` FROM learning_insights
		WHERE confidence >= ? AND (? OR status = 'active')
		ORDER BY confidence DESC, created_at DESC, id DESC`, minConfidence, withRetired)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Insight
	for rows.Next() {
		in, err := scanInsight(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}
