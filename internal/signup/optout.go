package signup

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// BounceMatchWindow is how far back the bounce handler looks when matching
// a bouncing address to a person. Attribution over this window is a
// heuristic: the same address signing up twice inside it is ambiguous, and
// the newest record wins.
const BounceMatchWindow = 48 * time.Hour

// CreateOptOutToken mints the opt-out capability mailed to a person. At
// most one live token exists per (batch, person).
func (s *Store) CreateOptOutToken(ctx context.Context, batch Ref[Batch], person Ref[Person]) (*OptOutToken, error) {
	b, err := s.ResolveBatch(ctx, batch)
	if err != nil {
		return nil, err
	}
	p, err := s.ResolvePerson(ctx, person)
	if err != nil {
		return nil, err
	}

	tok := &OptOutToken{
		ID:       uuid.New(),
		BatchID:  b.ID,
		PersonID: p.ID,
		Created:  time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO signup_optout_tokens
		(id, batch_id, person_id, created) VALUES ($1, $2, $3, $4)`,
		tok.ID, tok.BatchID, tok.PersonID, tok.Created)
	if isUniqueViolation(err) {
		return nil, validationErr("optout_token", "person already has a live token for this batch")
	}
	if err != nil {
		return nil, fmt.Errorf("create optout token: %w", err)
	}
	return tok, nil
}

// OptOutTokenByID looks up a live token by its opaque handle.
func (s *Store) OptOutTokenByID(ctx context.Context, id uuid.UUID) (*OptOutToken, error) {
	tok := &OptOutToken{}
	err := s.db.QueryRowContext(ctx, `SELECT id, batch_id, person_id, created
		FROM signup_optout_tokens WHERE id = $1`, id).Scan(
		&tok.ID, &tok.BatchID, &tok.PersonID, &tok.Created)
	if err == sql.ErrNoRows {
		return nil, notFoundErr("optout token", id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("get optout token: %w", err)
	}
	return tok, nil
}

// ResolveOptOutToken resolves a token ref, symmetric to ResolveBatch.
func (s *Store) ResolveOptOutToken(ctx context.Context, ref Ref[OptOutToken]) (*OptOutToken, error) {
	if t := ref.Instance(); t != nil {
		return t, nil
	}
	if !ref.valid() {
		return nil, validationErr("optout_token", "invalid reference")
	}
	return s.OptOutTokenByID(ctx, ref.ID())
}

// DeleteOptOutToken removes a single token, consuming it.
func (s *Store) DeleteOptOutToken(ctx context.Context, token Ref[OptOutToken]) error {
	tok, err := s.ResolveOptOutToken(ctx, token)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM signup_optout_tokens WHERE id = $1`, tok.ID)
	return err
}

// DeleteOptOutTokensForBatches bulk-expires every live token belonging to
// the given batches. The follow-up run calls this unconditionally for each
// batch in its window.
func (s *Store) DeleteOptOutTokensForBatches(ctx context.Context, batches []Ref[Batch]) error {
	var ids []uuid.UUID
	for _, ref := range batches {
		b, err := s.ResolveBatch(ctx, ref)
		if err != nil {
			return err
		}
		ids = append(ids, b.ID)
	}
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM signup_optout_tokens
		WHERE batch_id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("delete optout tokens: %w", err)
	}
	return nil
}

// CreateOptOut records that a person opted out of a batch. Immutable once
// written.
func (s *Store) CreateOptOut(ctx context.Context, person Ref[Person], batch Ref[Batch], reason string) (*OptOut, error) {
	p, err := s.ResolvePerson(ctx, person)
	if err != nil {
		return nil, err
	}
	b, err := s.ResolveBatch(ctx, batch)
	if err != nil {
		return nil, err
	}

	oo := &OptOut{
		ID:       uuid.New(),
		PersonID: p.ID,
		BatchID:  b.ID,
		Reason:   reason,
		Occurred: time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO signup_optouts
		(id, person_id, batch_id, reason, occurred) VALUES ($1, $2, $3, $4, $5)`,
		oo.ID, oo.PersonID, oo.BatchID, oo.Reason, oo.Occurred)
	if err != nil {
		return nil, fmt.Errorf("create optout: %w", err)
	}
	return oo, nil
}

// ProcessOptOut consumes a token: it records the opt-out for the token's
// (person, batch) pair and deletes the token so it no longer resolves.
func (s *Store) ProcessOptOut(ctx context.Context, token Ref[OptOutToken], reason string) (*OptOut, error) {
	tok, err := s.ResolveOptOutToken(ctx, token)
	if err != nil {
		return nil, err
	}
	oo, err := s.CreateOptOut(ctx, ByID[Person](tok.PersonID), ByID[Batch](tok.BatchID), reason)
	if err != nil {
		return nil, err
	}
	if err := s.DeleteOptOutToken(ctx, Of(tok)); err != nil {
		return nil, err
	}
	return oo, nil
}

// PersonByOptOutToken returns the person a live token belongs to, for the
// opt-out page's reason prompt.
func (s *Store) PersonByOptOutToken(ctx context.Context, id uuid.UUID) (*Person, error) {
	tok, err := s.OptOutTokenByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.ResolvePerson(ctx, ByID[Person](tok.PersonID))
}

// CreateBounce records a delivery failure for a person. A zero occurredAt
// means now.
func (s *Store) CreateBounce(ctx context.Context, person Ref[Person], batch Ref[Batch], message string, occurredAt time.Time) (*Bounce, error) {
	p, err := s.ResolvePerson(ctx, person)
	if err != nil {
		return nil, err
	}
	b, err := s.ResolveBatch(ctx, batch)
	if err != nil {
		return nil, err
	}
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	bounce := &Bounce{
		ID:       uuid.New(),
		PersonID: p.ID,
		BatchID:  b.ID,
		Message:  message,
		Occurred: occurredAt,
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO signup_bounces
		(id, person_id, batch_id, message, occurred) VALUES ($1, $2, $3, $4, $5)`,
		bounce.ID, bounce.PersonID, bounce.BatchID, bounce.Message, bounce.Occurred)
	if err != nil {
		return nil, fmt.Errorf("create bounce: %w", err)
	}
	return bounce, nil
}

// RecordBounce matches a bouncing address against persons created within
// the trailing match window and records a bounce against the newest match.
func (s *Store) RecordBounce(ctx context.Context, address, message string, occurredAt time.Time) (*Bounce, error) {
	since := time.Now().UTC().Add(-BounceMatchWindow)
	p, err := s.RecentPersonByEmail(ctx, address, since)
	if err != nil {
		return nil, err
	}
	return s.CreateBounce(ctx, Of(p), ByID[Batch](p.SourceBatchID), message, occurredAt)
}

// OptOutsForBatch returns every opt-out recorded against the batch.
func (s *Store) OptOutsForBatch(ctx context.Context, batch Ref[Batch]) ([]*OptOut, error) {
	b, err := s.ResolveBatch(ctx, batch)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, person_id, batch_id, reason, occurred
		FROM signup_optouts WHERE batch_id = $1`, b.ID)
	if err != nil {
		return nil, fmt.Errorf("optouts for batch: %w", err)
	}
	defer rows.Close()

	var optouts []*OptOut
	for rows.Next() {
		oo := &OptOut{}
		if err := rows.Scan(&oo.ID, &oo.PersonID, &oo.BatchID, &oo.Reason, &oo.Occurred); err != nil {
			return nil, err
		}
		optouts = append(optouts, oo)
	}
	return optouts, rows.Err()
}

// BouncesForBatch returns every bounce recorded against the batch.
func (s *Store) BouncesForBatch(ctx context.Context, batch Ref[Batch]) ([]*Bounce, error) {
	b, err := s.ResolveBatch(ctx, batch)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, person_id, batch_id, message, occurred
		FROM signup_bounces WHERE batch_id = $1`, b.ID)
	if err != nil {
		return nil, fmt.Errorf("bounces for batch: %w", err)
	}
	defer rows.Close()

	var bounces []*Bounce
	for rows.Next() {
		bn := &Bounce{}
		if err := rows.Scan(&bn.ID, &bn.PersonID, &bn.BatchID, &bn.Message, &bn.Occurred); err != nil {
			return nil, err
		}
		bounces = append(bounces, bn)
	}
	return bounces, rows.Err()
}

// HasBounced reports whether any bounce is recorded for the person.
func (s *Store) HasBounced(ctx context.Context, person Ref[Person]) (bool, error) {
	return s.existsForPerson(ctx, `SELECT 1 FROM signup_bounces WHERE person_id = $1 LIMIT 1`, person)
}

// HasOptedOut reports whether any opt-out is recorded for the person.
func (s *Store) HasOptedOut(ctx context.Context, person Ref[Person]) (bool, error) {
	return s.existsForPerson(ctx, `SELECT 1 FROM signup_optouts WHERE person_id = $1 LIMIT 1`, person)
}

func (s *Store) existsForPerson(ctx context.Context, query string, person Ref[Person]) (bool, error) {
	p, err := s.ResolvePerson(ctx, person)
	if err != nil {
		return false, err
	}
	var one int
	err = s.db.QueryRowContext(ctx, query, p.ID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
