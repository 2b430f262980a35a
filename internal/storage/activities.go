package storage

import (
	"database/sql"
	"fmt"
)

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func insertActivity(db execer, a Activity) (int64, error) {
	res, err := db.Exec(`INSERT INTO activities
		(contact_id, activity_type, variant_used, channel, status, message, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ContactID, a.Type, nullInt(a.VariantUsed), a.Channel, a.Status, a.Message, a.Metadata, formatTime(a.CreatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting activity: %w", err)
	}
	return res.LastInsertId()
}

// AppendActivity adds an entry to the append-only ledger and returns its id.
func (s *Store) AppendActivity(a Activity) (int64, error) {
	return insertActivity(s.db, a)
}

// ListActivities returns a contact's activities, most recent first.
func (s *Store) ListActivities(contactID int64, limit int) ([]Activity, error) {
	rows, err := s.db.Query(`
		SELECT id, contact_id, activity_type, variant_used, channel, status, message, metadata, created_at
		FROM activities WHERE contact_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, contactID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Activity
	for rows.Next() {
		var a Activity
		var variant sql.NullInt64
		var createdAt string
		if err := rows.Scan(&a.ID, &a.ContactID, &a.Type, &variant, &a.Channel, &a.Status,
			&a.Message, &a.Metadata, &createdAt); err != nil {
			return nil, err
		}
		a.VariantUsed = int(variant.Int64)
		if a.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for activity %d: %w", a.ID, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ActivityGroup names a column activities can be counted by.
type ActivityGroup string

const (
	GroupByType    ActivityGroup = "activity_type"
	GroupByChannel ActivityGroup = "channel"
	GroupByStatus  ActivityGroup = "status"
)

// ActivityCounts returns the number of activities per distinct value of
// group, most frequent first.
func (s *Store) ActivityCounts(group ActivityGroup) ([]ActivityCount, error) {
	switch group {
	case GroupByType, GroupByChannel, GroupByStatus:
	default:
		return nil, fmt.Errorf("unknown activity group %q", group)
	}
	col := string(group)
	rows, err := s.db.Query(`
		SELECT ` + col + `, COUNT(*) AS n
		FROM activities
		GROUP BY ` + col + `
		ORDER BY n DESC, ` + col + ` ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ActivityCount
	for rows.Next() {
		var c ActivityCount
		if err := rows.Scan(&c.Key, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountActivities returns the total number of ledger entries.
func (s *Store) CountActivities() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM activities`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting activities: %w", err)
	}
	return n, nil
}

// CountDistinctContacts returns how many distinct contacts have at least one
// activity of any of the given types.
func (s *Store) CountDistinctContacts(types ...string) (int, error) {
	if len(types) == 0 {
		return 0, nil
	}
	args := make([]any, len(types))
	for i, t := range types {
		args[i] = t
	}
	var n int
	err := s.db.QueryRow(`SELECT COUNT(DISTINCT contact_id) FROM activities
		WHERE activity_type IN (`+placeholders(len(types))+`)`, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting contacts: %w", err)
	}
	return n, nil
}
