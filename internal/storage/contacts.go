package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kalambet/cadence/internal/cadence"
)

// --- Contacts ---
//
// Contacts and content are written by the upstream pipeline. The Save
// methods exist for seeding and tests.

func (s *Store) GetContact(ctx context.Context, id int64) (Contact, error) {
	var c Contact
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, first_name, last_name, company, tier, score
		FROM contacts WHERE id = ?`, id,
	).Scan(&c.ID, &c.Email, &c.FirstName, &c.LastName, &c.Company, &c.Tier, &c.Score)
	if err == sql.ErrNoRows {
		return Contact{}, ErrNotFound
	}
	if err != nil {
		return Contact{}, fmt.Errorf("reading contact %d: %w", id, err)
	}
	return c, nil
}

func (s *Store) SaveContact(c Contact) error {
	_, err := s.db.Exec(`
		INSERT INTO contacts (id, email, first_name, last_name, company, tier, score)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			email = excluded.email,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			company = excluded.company,
			tier = excluded.tier,
			score = excluded.score`,
		c.ID, c.Email, c.FirstName, c.LastName, c.Company, c.Tier, c.Score,
	)
	return err
}

// --- Content ---

func (s *Store) GetContent(ctx context.Context, contactID int64, typ cadence.TouchType, variant int) (Content, error) {
	c := Content{ContactID: contactID, Type: typ, Variant: variant}
	err := s.db.QueryRowContext(ctx, `
		SELECT subject, body FROM content_variants
		WHERE contact_id = ? AND content_type = ? AND variant_number = ?`,
		contactID, string(typ), variant,
	).Scan(&c.Subject, &c.Body)
	if err == sql.ErrNoRows {
		return Content{}, ErrNotFound
	}
	if err != nil {
		return Content{}, fmt.Errorf("reading content: %w", err)
	}
	return c, nil
}

func (s *Store) SaveContent(c Content) error {
	_, err := s.db.Exec(`
		INSERT INTO content_variants (contact_id, content_type, variant_number, subject, body)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (contact_id, content_type, variant_number) DO UPDATE SET
			subject = excluded.subject,
			body = excluded.body`,
		c.ContactID, string(c.Type), c.Variant, c.Subject, c.Body,
	)
	return err
}
