package storage

import (
	"database/sql"
	"fmt"
	"time"
)

const sequenceColumns = `id, contact_id, cadence_name, status, current_step, total_steps, started_at, last_action_at, completed_at, stop_reason`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSequence(r rowScanner) (Sequence, error) {
	var seq Sequence
	var startedAt string
	var lastAction, completed sql.NullString
	if err := r.Scan(&seq.ID, &seq.ContactID, &seq.CadenceName, &seq.Status, &seq.CurrentStep,
		&seq.TotalSteps, &startedAt, &lastAction, &completed, &seq.StopReason); err != nil {
		return Sequence{}, err
	}
	var err error
	if seq.StartedAt, err = parseTime(startedAt); err != nil {
		return Sequence{}, fmt.Errorf("parsing started_at for sequence %s: %w", seq.ID, err)
	}
	if seq.LastActionAt, err = parseNullTime(lastAction); err != nil {
		return Sequence{}, fmt.Errorf("parsing last_action_at for sequence %s: %w", seq.ID, err)
	}
	if seq.CompletedAt, err = parseNullTime(completed); err != nil {
		return Sequence{}, fmt.Errorf("parsing completed_at for sequence %s: %w", seq.ID, err)
	}
	return seq, nil
}

// CreateSequence inserts a sequence and all of its touches in one transaction.
// It returns ErrDuplicateActiveSequence if the contact already has an active
// sequence; in that case nothing is written.
func (s *Store) CreateSequence(seq Sequence, touches []Touch) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning sequence transaction: %w", err)
	}
	defer tx.Rollback()

	var active int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM sequences WHERE contact_id = ? AND status = 'active'`,
		seq.ContactID).Scan(&active); err != nil {
		return fmt.Errorf("checking active sequence: %w", err)
	}
	if active > 0 {
		return ErrDuplicateActiveSequence
	}

	status := seq.Status
	if status == "" {
		status = SequenceActive
	}
	_, err = tx.Exec(`INSERT INTO sequences (`+sequenceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		seq.ID, seq.ContactID, seq.CadenceName, status, seq.CurrentStep, seq.TotalSteps,
		formatTime(seq.StartedAt), nullTime(seq.LastActionAt), nullTime(seq.CompletedAt), seq.StopReason,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateActiveSequence
	}
	if err != nil {
		return fmt.Errorf("inserting sequence: %w", err)
	}

	for _, t := range touches {
		st := t.Status
		if st == "" {
			st = TouchPending
		}
		if _, err := tx.Exec(`INSERT INTO touches
			(id, sequence_id, touch_number, touch_type, variant_number, scheduled_for, status)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			t.ID, seq.ID, t.TouchNumber, string(t.Type), t.VariantNumber, formatTime(t.ScheduledFor), st,
		); err != nil {
			return fmt.Errorf("inserting touch %d: %w", t.TouchNumber, err)
		}
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateActiveSequence
		}
		return fmt.Errorf("committing sequence: %w", err)
	}
	return nil
}

func (s *Store) GetSequence(id string) (Sequence, error) {
	seq, err := scanSequence(s.db.QueryRow(`SELECT `+sequenceColumns+` FROM sequences WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Sequence{}, ErrNotFound
	}
	return seq, err
}

// GetActiveSequence returns the contact's active sequence or ErrNotFound.
func (s *Store) GetActiveSequence(contactID int64) (Sequence, error) {
	seq, err := scanSequence(s.db.QueryRow(`SELECT `+sequenceColumns+`
		FROM sequences WHERE contact_id = ? AND status = 'active'`, contactID))
	if err == sql.ErrNoRows {
		return Sequence{}, ErrNotFound
	}
	return seq, err
}

// ListSequencesByContact returns every sequence for a contact, newest first.
func (s *Store) ListSequencesByContact(contactID int64) ([]Sequence, error) {
	rows, err := s.db.Query(`SELECT `+sequenceColumns+`
		FROM sequences WHERE contact_id = ?
		ORDER BY started_at DESC, id DESC`, contactID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Sequence
	for rows.Next() {
		seq, err := scanSequence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, seq)
	}
	return out, rows.Err()
}

// StopSequence marks the contact's active sequence stopped. Pending touches
// stay in place and are no longer returned as due. It returns ErrNotFound if
// the contact has no active sequence.
func (s *Store) StopSequence(contactID int64, reason string, now time.Time) (Sequence, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return Sequence{}, fmt.Errorf("beginning stop transaction: %w", err)
	}
	defer tx.Rollback()

	seq, err := scanSequence(tx.QueryRow(`SELECT `+sequenceColumns+`
		FROM sequences WHERE contact_id = ? AND status = 'active'`, contactID))
	if err == sql.ErrNoRows {
		return Sequence{}, ErrNotFound
	}
	if err != nil {
		return Sequence{}, fmt.Errorf("selecting active sequence: %w", err)
	}

	ts := formatTime(now)
	res, err := tx.Exec(`UPDATE sequences SET status = 'stopped', stop_reason = ?, last_action_at = ?
		WHERE id = ? AND status = 'active'`, reason, ts, seq.ID)
	if err != nil {
		return Sequence{}, fmt.Errorf("stopping sequence: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return Sequence{}, err
	} else if n != 1 {
		return Sequence{}, ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return Sequence{}, fmt.Errorf("committing stop: %w", err)
	}

	seq.Status = SequenceStopped
	seq.StopReason = reason
	at := now.UTC()
	seq.LastActionAt = &at
	return seq, nil
}

// ListActiveSequences returns active sequences with touch progress, oldest first.
func (s *Store) ListActiveSequences() ([]SequenceProgress, error) {
	rows, err := s.db.Query(`
		SELECT s.id, s.contact_id, s.cadence_name, s.status, s.current_step, s.total_steps,
			s.started_at, s.last_action_at, s.completed_at, s.stop_reason,
			(SELECT COUNT(*) FROM touches t WHERE t.sequence_id = s.id AND t.status NOT IN ('pending', 'in_progress')),
			(SELECT COUNT(*) FROM touches t WHERE t.sequence_id = s.id AND t.status IN ('pending', 'in_progress')),
			(SELECT MIN(t.scheduled_for) FROM touches t WHERE t.sequence_id = s.id AND t.status = 'pending')
		FROM sequences s
		WHERE s.status = 'active'
		ORDER BY s.started_at ASC, s.id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SequenceProgress
	for rows.Next() {
		var p SequenceProgress
		var startedAt string
		var lastAction, completed, next sql.NullString
		if err := rows.Scan(&p.ID, &p.ContactID, &p.CadenceName, &p.Status, &p.CurrentStep, &p.TotalSteps,
			&startedAt, &lastAction, &completed, &p.StopReason,
			&p.ExecutedTouches, &p.PendingTouches, &next); err != nil {
			return nil, err
		}
		if p.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, fmt.Errorf("parsing started_at for sequence %s: %w", p.ID, err)
		}
		if p.LastActionAt, err = parseNullTime(lastAction); err != nil {
			return nil, err
		}
		if p.CompletedAt, err = parseNullTime(completed); err != nil {
			return nil, err
		}
		if p.NextTouchAt, err = parseNullTime(next); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Summary aggregates sequence, touch, and activity counts as of now.
// "Today" is the UTC calendar day containing now.
func (s *Store) Summary(now time.Time) (Summary, error) {
	day := now.UTC().Truncate(24 * time.Hour)
	var sum Summary
	err := s.db.QueryRow(`
		SELECT
			(SELECT COUNT(*) FROM sequences WHERE status = 'active'),
			(SELECT COUNT(*) FROM sequences WHERE status = 'completed'),
			(SELECT COUNT(*) FROM sequences WHERE status = 'stopped'),
			(SELECT COUNT(*) FROM touches t JOIN sequences s ON s.id = t.sequence_id
				WHERE s.status = 'active' AND t.status = 'pending'),
			(SELECT COUNT(*) FROM touches t JOIN sequences s ON s.id = t.sequence_id
				WHERE s.status = 'active' AND t.status = 'pending' AND t.scheduled_for <= ?),
			(SELECT COUNT(*) FROM touches t JOIN sequences s ON s.id = t.sequence_id
				WHERE s.status = 'active' AND t.status = 'pending' AND t.scheduled_for >= ? AND t.scheduled_for < ?),
			(SELECT COUNT(*) FROM touches WHERE status IN ('sent', 'ready', 'notified')),
			(SELECT COUNT(*) FROM touches WHERE status = 'failed'),
			(SELECT COUNT(*) FROM activities)`,
		formatTime(now), formatTime(day), formatTime(day.Add(24*time.Hour)),
	).Scan(&sum.ActiveSequences, &sum.CompletedSequences, &sum.StoppedSequences,
		&sum.PendingTouches, &sum.DueTouches, &sum.ScheduledToday,
		&sum.ExecutedTouches, &sum.FailedTouches, &sum.TotalActivities)
	if err != nil {
		return Summary{}, fmt.Errorf("computing summary: %w", err)
	}
	return sum, nil
}
