package storage

import (
	"database/sql"
	"fmt"
	"time"
)

const touchColumns = `t.id, t.sequence_id, s.contact_id, t.touch_number, t.touch_type, t.variant_number,
	t.variant_used, t.scheduled_for, t.executed_at, t.status, t.response_received,
	t.claim_token, t.claimed_at, t.last_error`

func scanTouch(r rowScanner) (Touch, error) {
	var t Touch
	var variantUsed sql.NullInt64
	var scheduled string
	var executed, token, claimed sql.NullString
	if err := r.Scan(&t.ID, &t.SequenceID, &t.ContactID, &t.TouchNumber, &t.Type, &t.VariantNumber,
		&variantUsed, &scheduled, &executed, &t.Status, &t.ResponseReceived,
		&token, &claimed, &t.LastError); err != nil {
		return Touch{}, err
	}
	t.VariantUsed = int(variantUsed.Int64)
	t.ClaimToken = token.String
	var err error
	if t.ScheduledFor, err = parseTime(scheduled); err != nil {
		return Touch{}, fmt.Errorf("parsing scheduled_for for touch %s: %w", t.ID, err)
	}
	if t.ExecutedAt, err = parseNullTime(executed); err != nil {
		return Touch{}, fmt.Errorf("parsing executed_at for touch %s: %w", t.ID, err)
	}
	if t.ClaimedAt, err = parseNullTime(claimed); err != nil {
		return Touch{}, fmt.Errorf("parsing claimed_at for touch %s: %w", t.ID, err)
	}
	return t, nil
}

func scanTouches(rows *sql.Rows) ([]Touch, error) {
	defer rows.Close()
	var out []Touch
	for rows.Next() {
		t, err := scanTouch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) GetTouch(id string) (Touch, error) {
	t, err := scanTouch(s.db.QueryRow(`SELECT `+touchColumns+`
		FROM touches t JOIN sequences s ON s.id = t.sequence_id
		WHERE t.id = ?`, id))
	if err == sql.ErrNoRows {
		return Touch{}, ErrNotFound
	}
	return t, err
}

// ListTouches returns a sequence's touches in touch_number order.
func (s *Store) ListTouches(sequenceID string) ([]Touch, error) {
	rows, err := s.db.Query(`SELECT `+touchColumns+`
		FROM touches t JOIN sequences s ON s.id = t.sequence_id
		WHERE t.sequence_id = ?
		ORDER BY t.touch_number ASC`, sequenceID)
	if err != nil {
		return nil, err
	}
	return scanTouches(rows)
}

// DueTouches returns pending touches of active sequences scheduled at or
// before now, ordered by scheduled time, touch number, then id. A limit of
// zero or less returns all of them.
func (s *Store) DueTouches(now time.Time, limit int) ([]Touch, error) {
	query := `SELECT ` + touchColumns + `
		FROM touches t JOIN sequences s ON s.id = t.sequence_id
		WHERE s.status = 'active' AND t.status = 'pending' AND t.scheduled_for <= ?
		ORDER BY t.scheduled_for ASC, t.touch_number ASC, t.id ASC`
	args := []any{formatTime(now)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying due touches: %w", err)
	}
	return scanTouches(rows)
}

// ClaimTouch moves a pending touch of an active sequence to in_progress under
// token. It returns ErrNotClaimable if the touch is not pending or its
// sequence is no longer active, and ErrNotFound if it does not exist.
func (s *Store) ClaimTouch(id, token string, now time.Time) (Touch, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return Touch{}, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	t, err := scanTouch(tx.QueryRow(`SELECT `+touchColumns+`
		FROM touches t JOIN sequences s ON s.id = t.sequence_id
		WHERE t.id = ?`, id))
	if err == sql.ErrNoRows {
		return Touch{}, ErrNotFound
	}
	if err != nil {
		return Touch{}, fmt.Errorf("selecting touch: %w", err)
	}

	var seqStatus SequenceStatus
	if err := tx.QueryRow(`SELECT status FROM sequences WHERE id = ?`, t.SequenceID).Scan(&seqStatus); err != nil {
		return Touch{}, fmt.Errorf("selecting sequence status: %w", err)
	}
	if t.Status != TouchPending || seqStatus != SequenceActive {
		return Touch{}, fmt.Errorf("%w: touch %s is %s, sequence is %s", ErrNotClaimable, id, t.Status, seqStatus)
	}

	ts := formatTime(now)
	res, err := tx.Exec(`UPDATE touches SET status = 'in_progress', claim_token = ?, claimed_at = ?
		WHERE id = ? AND status = 'pending'`, token, ts, id)
	if err != nil {
		return Touch{}, fmt.Errorf("updating touch status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Touch{}, fmt.Errorf("checking updated touch rows: %w", err)
	}
	if n != 1 {
		return Touch{}, fmt.Errorf("%w: touch %s", ErrNotClaimable, id)
	}

	if err := tx.Commit(); err != nil {
		return Touch{}, fmt.Errorf("committing claim: %w", err)
	}

	t.Status = TouchInProgress
	t.ClaimToken = token
	at := now.UTC()
	t.ClaimedAt = &at
	return t, nil
}

// Finalization describes the outcome of one claimed touch.
type Finalization struct {
	TouchID     string
	ClaimToken  string
	Status      TouchStatus
	VariantUsed int
	LastError   string
	At          time.Time

	// Activity is appended to the ledger in the same transaction when its
	// Type is set. ContactID and CreatedAt are filled in when zero.
	Activity Activity
}

// FinalizeTouch records the terminal status of a claimed touch, appends the
// ledger activity, and advances the owning sequence, all in one transaction.
// The sequence is marked completed once every touch has been finalized. It
// returns ErrClaimLost if the touch is no longer held under f.ClaimToken.
func (s *Store) FinalizeTouch(f Finalization) (Sequence, error) {
	if !f.Status.Terminal() {
		return Sequence{}, fmt.Errorf("finalizing touch %s: status %q is not terminal", f.TouchID, f.Status)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return Sequence{}, fmt.Errorf("beginning finalize transaction: %w", err)
	}
	defer tx.Rollback()

	var sequenceID string
	var contactID int64
	err = tx.QueryRow(`SELECT t.sequence_id, s.contact_id
		FROM touches t JOIN sequences s ON s.id = t.sequence_id
		WHERE t.id = ? AND t.status = 'in_progress' AND t.claim_token = ?`,
		f.TouchID, f.ClaimToken).Scan(&sequenceID, &contactID)
	if err == sql.ErrNoRows {
		return Sequence{}, fmt.Errorf("%w: touch %s", ErrClaimLost, f.TouchID)
	}
	if err != nil {
		return Sequence{}, fmt.Errorf("selecting claimed touch: %w", err)
	}

	ts := formatTime(f.At)
	if _, err := tx.Exec(`UPDATE touches
		SET status = ?, executed_at = ?, variant_used = ?, last_error = ?, claim_token = NULL, claimed_at = NULL
		WHERE id = ?`,
		f.Status, ts, nullInt(f.VariantUsed), f.LastError, f.TouchID); err != nil {
		return Sequence{}, fmt.Errorf("updating touch: %w", err)
	}

	if f.Activity.Type != "" {
		a := f.Activity
		if a.ContactID == 0 {
			a.ContactID = contactID
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = f.At
		}
		if _, err := insertActivity(tx, a); err != nil {
			return Sequence{}, err
		}
	}

	if _, err := tx.Exec(`UPDATE sequences
		SET current_step = current_step + 1,
			last_action_at = ?,
			status = CASE WHEN status = 'active' AND current_step + 1 >= total_steps THEN 'completed' ELSE status END,
			completed_at = CASE WHEN status = 'active' AND current_step + 1 >= total_steps THEN ? ELSE completed_at END
		WHERE id = ?`, ts, ts, sequenceID); err != nil {
		return Sequence{}, fmt.Errorf("advancing sequence: %w", err)
	}

	seq, err := scanSequence(tx.QueryRow(`SELECT `+sequenceColumns+` FROM sequences WHERE id = ?`, sequenceID))
	if err != nil {
		return Sequence{}, fmt.Errorf("reading sequence: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Sequence{}, fmt.Errorf("committing finalize: %w", err)
	}
	return seq, nil
}

// ReleaseClaim returns a claimed touch to pending without executing it.
func (s *Store) ReleaseClaim(id, token string) error {
	res, err := s.db.Exec(`UPDATE touches SET status = 'pending', claim_token = NULL, claimed_at = NULL
		WHERE id = ? AND status = 'in_progress' AND claim_token = ?`, id, token)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: touch %s", ErrClaimLost, id)
	}
	return nil
}

// RequeueStaleClaims returns touches claimed before cutoff to pending. It
// recovers touches whose executor died between claim and finalize.
func (s *Store) RequeueStaleClaims(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`UPDATE touches SET status = 'pending', claim_token = NULL, claimed_at = NULL
		WHERE status = 'in_progress' AND claimed_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("requeueing stale claims: %w", err)
	}
	return res.RowsAffected()
}

// MarkResponseReceived flags the contact's most recently executed touch of
// the given type and variant as having drawn a response. It returns
// ErrNotFound when no such touch exists.
func (s *Store) MarkResponseReceived(contactID int64, touchType string, variant int) error {
	res, err := s.db.Exec(`UPDATE touches SET response_received = 1
		WHERE id = (
			SELECT t.id FROM touches t JOIN sequences s ON s.id = t.sequence_id
			WHERE s.contact_id = ? AND t.touch_type = ? AND t.variant_used = ? AND t.executed_at IS NOT NULL
			ORDER BY t.executed_at DESC, t.touch_number DESC
			LIMIT 1
		)`, contactID, touchType, variant)
	if err != nil {
		return fmt.Errorf("marking response: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
