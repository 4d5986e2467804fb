package signup

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const (
	batchColumns = `id, staff_name, staff_email, event_name, event_date, event_location,
		submitted_persons, invalid_persons, optedout_persons, bounced_persons, created`
	personColumns = `id, email, first_name, last_name, full_name, street_address, zip_code,
		stated_race, census_race, year_born, born_out_of_us, born_where,
		parents_born_out_of_us, parents_where, num_in_house, yrly_income,
		delivery_pref, forums, source_batch_id, created`
)

// Store provides database operations for all sign-up entities. It is the
// only component that touches persistence; everything else reaches batch
// and person state through its methods.
type Store struct {
	db *sql.DB
}

// NewStore creates a new signup store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Counters carries the per-batch counter values to persist. Counters are
// increment-only: the store never lowers a stored value.
type Counters struct {
	Submitted int
	Invalid   int
	OptedOut  int
	Bounced   int
}

// CreateBatch persists a new batch with zeroed counters. StaffName and
// StaffEmail are required.
func (s *Store) CreateBatch(ctx context.Context, f BatchFields) (*Batch, error) {
	if strVal(f.StaffName) == "" {
		return nil, validationErr("staff_name", "required")
	}
	if strVal(f.StaffEmail) == "" {
		return nil, validationErr("staff_email", "required")
	}

	b := &Batch{
		ID:            uuid.New(),
		StaffName:     strVal(f.StaffName),
		StaffEmail:    strVal(f.StaffEmail),
		EventName:     strVal(f.EventName),
		EventDate:     strVal(f.EventDate),
		EventLocation: strVal(f.EventLocation),
		Created:       time.Now().UTC(),
	}
	return b, s.insertBatch(ctx, b)
}

// CreateBatchChange persists a corrected batch linked to its predecessor.
// Every field of the previous batch carries forward unless overridden in f;
// counters reset to zero and the creation timestamp is regenerated. The old
// batch row is untouched and remains queryable.
func (s *Store) CreateBatchChange(ctx context.Context, f BatchFields, prev Ref[Batch]) (*Batch, error) {
	prevBatch, err := s.ResolveBatch(ctx, prev)
	if err != nil {
		return nil, err
	}
	if f.PrevBatch != nil && *f.PrevBatch != prevBatch.ID {
		return nil, validationErr("prev_batch", "does not match the change target")
	}

	b := &Batch{
		ID:            uuid.New(),
		StaffName:     prevBatch.StaffName,
		StaffEmail:    prevBatch.StaffEmail,
		EventName:     prevBatch.EventName,
		EventDate:     prevBatch.EventDate,
		EventLocation: prevBatch.EventLocation,
		Created:       time.Now().UTC(),
	}
	if f.StaffName != nil {
		b.StaffName = *f.StaffName
	}
	if f.StaffEmail != nil {
		b.StaffEmail = *f.StaffEmail
	}
	if f.EventName != nil {
		b.EventName = *f.EventName
	}
	if f.EventDate != nil {
		b.EventDate = *f.EventDate
	}
	if f.EventLocation != nil {
		b.EventLocation = *f.EventLocation
	}

	if err := s.insertBatch(ctx, b); err != nil {
		return nil, err
	}
	if err := s.insertBatchChange(ctx, b.ID, prevBatch.ID); err != nil {
		// Compensate so a rejected edge never leaves an orphaned batch.
		s.db.ExecContext(ctx, `DELETE FROM signup_batches WHERE id = $1`, b.ID)
		return nil, err
	}
	return b, nil
}

func (s *Store) insertBatch(ctx context.Context, b *Batch) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO signup_batches (`+batchColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		b.ID, b.StaffName, b.StaffEmail, b.EventName, b.EventDate, b.EventLocation,
		b.SubmittedCount, b.InvalidCount, b.OptedOutCount, b.BouncedCount, b.Created)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

func (s *Store) insertBatchChange(ctx context.Context, cur, prev uuid.UUID) error {
	if cur == prev {
		return validationErr("prev_batch", "a batch cannot supersede itself")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO signup_batch_changes
		(cur_batch_id, prev_batch_id, created) VALUES ($1, $2, $3)`,
		cur, prev, time.Now().UTC())
	if isUniqueViolation(err) {
		return validationErr("prev_batch", "batch has already been superseded")
	}
	if err != nil {
		return fmt.Errorf("insert batch change: %w", err)
	}
	return nil
}

// ResolveBatch resolves a batch ref to a stored batch: an instance passes
// through untouched, an id triggers a lookup, and the zero ref fails with
// a ValidationError.
func (s *Store) ResolveBatch(ctx context.Context, ref Ref[Batch]) (*Batch, error) {
	if b := ref.Instance(); b != nil {
		return b, nil
	}
	if !ref.valid() {
		return nil, validationErr("batch", "invalid reference")
	}
	return s.getBatch(ctx, ref.ID())
}

func (s *Store) getBatch(ctx context.Context, id uuid.UUID) (*Batch, error) {
	b := &Batch{}
	err := s.db.QueryRowContext(ctx, `SELECT `+batchColumns+`
		FROM signup_batches WHERE id = $1`, id).Scan(
		&b.ID, &b.StaffName, &b.StaffEmail, &b.EventName, &b.EventDate, &b.EventLocation,
		&b.SubmittedCount, &b.InvalidCount, &b.OptedOutCount, &b.BouncedCount, &b.Created)
	if err == sql.ErrNoRows {
		return nil, notFoundErr("batch", id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return b, nil
}

// QueryBatches returns batches created within the given inclusive bounds.
// A nil bound leaves that side unbounded. Callers must not depend on order.
func (s *Store) QueryBatches(ctx context.Context, createdBefore, createdAfter *time.Time) ([]*Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM signup_batches WHERE 1=1`
	args := []interface{}{}
	if createdBefore != nil {
		args = append(args, *createdBefore)
		query += fmt.Sprintf(" AND created <= $%d", len(args))
	}
	if createdAfter != nil {
		args = append(args, *createdAfter)
		query += fmt.Sprintf(" AND created >= $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()

	var batches []*Batch
	for rows.Next() {
		b := &Batch{}
		if err := rows.Scan(&b.ID, &b.StaffName, &b.StaffEmail, &b.EventName, &b.EventDate,
			&b.EventLocation, &b.SubmittedCount, &b.InvalidCount, &b.OptedOutCount,
			&b.BouncedCount, &b.Created); err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// UpdateCounters persists the batch's counters. Stored values never
// decrease; a lower incoming value leaves the stored one in place.
func (s *Store) UpdateCounters(ctx context.Context, batch Ref[Batch], c Counters) error {
	b, err := s.ResolveBatch(ctx, batch)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE signup_batches SET
		submitted_persons = GREATEST(submitted_persons, $2),
		invalid_persons = GREATEST(invalid_persons, $3),
		optedout_persons = GREATEST(optedout_persons, $4),
		bounced_persons = GREATEST(bounced_persons, $5)
		WHERE id = $1`,
		b.ID, c.Submitted, c.Invalid, c.OptedOut, c.Bounced)
	if err != nil {
		return fmt.Errorf("update counters: %w", err)
	}
	return nil
}

// DeleteBatch removes a batch row. Only used as compensation when an
// import fails partway; imported batches are otherwise never deleted.
func (s *Store) DeleteBatch(ctx context.Context, batch Ref[Batch]) error {
	id := batch.ID()
	if b := batch.Instance(); b != nil {
		id = b.ID
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM signup_batches WHERE id = $1`, id)
	return err
}

// CreatePerson persists a new person tied to the given source batch.
// Email, first/last/full name are required.
func (s *Store) CreatePerson(ctx context.Context, f PersonFields, batch Ref[Batch]) (*Person, error) {
	if err := requirePersonFields(f); err != nil {
		return nil, err
	}
	b, err := s.ResolveBatch(ctx, batch)
	if err != nil {
		return nil, err
	}

	p := personFromFields(f)
	p.ID = uuid.New()
	p.SourceBatchID = b.ID
	p.Created = time.Now().UTC()
	return p, s.insertPerson(ctx, p)
}

// CreatePersonChange persists a corrected person linked to its predecessor,
// with the same clone-with-overlay semantics as CreateBatchChange. The new
// person's source batch is the batch that submitted the correction.
func (s *Store) CreatePersonChange(ctx context.Context, f PersonFields, prev Ref[Person], batch Ref[Batch]) (*Person, error) {
	prevPerson, err := s.ResolvePerson(ctx, prev)
	if err != nil {
		return nil, err
	}
	if f.PersonID != nil && *f.PersonID != prevPerson.ID {
		return nil, validationErr("person_id", "does not match the change target")
	}
	b, err := s.ResolveBatch(ctx, batch)
	if err != nil {
		return nil, err
	}

	p := clonePerson(prevPerson)
	overlayPerson(p, f)
	p.ID = uuid.New()
	p.SourceBatchID = b.ID
	p.Created = time.Now().UTC()

	if err := s.insertPerson(ctx, p); err != nil {
		return nil, err
	}
	if err := s.insertPersonChange(ctx, p.ID, prevPerson.ID); err != nil {
		s.db.ExecContext(ctx, `DELETE FROM signup_persons WHERE id = $1`, p.ID)
		return nil, err
	}
	return p, nil
}

func requirePersonFields(f PersonFields) error {
	if strVal(f.Email) == "" {
		return validationErr("email", "required")
	}
	if strVal(f.FirstName) == "" {
		return validationErr("first_name", "required")
	}
	if strVal(f.LastName) == "" {
		return validationErr("last_name", "required")
	}
	if strVal(f.FullName) == "" {
		return validationErr("full_name", "required")
	}
	return nil
}

func personFromFields(f PersonFields) *Person {
	p := &Person{}
	overlayPerson(p, f)
	if p.DeliveryPref == "" {
		p.DeliveryPref = DeliveryEmail
	}
	return p
}

func clonePerson(src *Person) *Person {
	dst := *src
	dst.Forums = append([]string(nil), src.Forums...)
	return &dst
}

// overlayPerson applies the non-nil fields of f onto p. Nil means inherit
// whatever p already holds.
func overlayPerson(p *Person, f PersonFields) {
	if f.Email != nil {
		p.Email = *f.Email
	}
	if f.FirstName != nil {
		p.FirstName = *f.FirstName
	}
	if f.LastName != nil {
		p.LastName = *f.LastName
	}
	if f.FullName != nil {
		p.FullName = *f.FullName
	}
	if f.StreetAddress != nil {
		p.StreetAddress = *f.StreetAddress
	}
	if f.ZipCode != nil {
		p.ZipCode = *f.ZipCode
	}
	if f.StatedRace != nil {
		p.StatedRace = *f.StatedRace
	}
	if f.CensusRace != nil {
		p.CensusRace = *f.CensusRace
	}
	if f.YearBorn != nil {
		p.YearBorn = *f.YearBorn
	}
	if f.BornOutOfUS != nil {
		p.BornOutOfUS = *f.BornOutOfUS
	}
	if f.BornWhere != nil {
		p.BornWhere = *f.BornWhere
	}
	if f.ParentsBornOutOfUS != nil {
		p.ParentsBornOutOfUS = *f.ParentsBornOutOfUS
	}
	if f.ParentsWhere != nil {
		p.ParentsWhere = *f.ParentsWhere
	}
	if f.NumInHouse != nil {
		p.NumInHouse = *f.NumInHouse
	}
	if f.YrlyIncome != nil {
		p.YrlyIncome = *f.YrlyIncome
	}
	if f.DeliveryPref != nil {
		p.DeliveryPref = *f.DeliveryPref
	}
	if f.Forums != nil {
		p.Forums = append([]string(nil), f.Forums...)
	}
}

func (s *Store) insertPerson(ctx context.Context, p *Person) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO signup_persons (`+personColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		p.ID, p.Email, p.FirstName, p.LastName, p.FullName, p.StreetAddress, p.ZipCode,
		p.StatedRace, p.CensusRace, p.YearBorn, p.BornOutOfUS, p.BornWhere,
		p.ParentsBornOutOfUS, p.ParentsWhere, p.NumInHouse, p.YrlyIncome,
		p.DeliveryPref, pq.Array(p.Forums), p.SourceBatchID, p.Created)
	if err != nil {
		return fmt.Errorf("insert person: %w", err)
	}
	return nil
}

func (s *Store) insertPersonChange(ctx context.Context, cur, prev uuid.UUID) error {
	if cur == prev {
		return validationErr("person_id", "a person cannot supersede itself")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO signup_person_changes
		(cur_person_id, prev_person_id, created) VALUES ($1, $2, $3)`,
		cur, prev, time.Now().UTC())
	if isUniqueViolation(err) {
		return validationErr("person_id", "person has already been superseded")
	}
	if err != nil {
		return fmt.Errorf("insert person change: %w", err)
	}
	return nil
}

// ResolvePerson resolves a person ref, symmetric to ResolveBatch.
func (s *Store) ResolvePerson(ctx context.Context, ref Ref[Person]) (*Person, error) {
	if p := ref.Instance(); p != nil {
		return p, nil
	}
	if !ref.valid() {
		return nil, validationErr("person", "invalid reference")
	}
	return s.getPerson(ctx, ref.ID())
}

func (s *Store) getPerson(ctx context.Context, id uuid.UUID) (*Person, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+personColumns+`
		FROM signup_persons WHERE id = $1`, id)
	p, err := scanPerson(row)
	if err == sql.ErrNoRows {
		return nil, notFoundErr("person", id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("get person: %w", err)
	}
	return p, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPerson(row rowScanner) (*Person, error) {
	p := &Person{}
	err := row.Scan(&p.ID, &p.Email, &p.FirstName, &p.LastName, &p.FullName,
		&p.StreetAddress, &p.ZipCode, &p.StatedRace, &p.CensusRace, &p.YearBorn,
		&p.BornOutOfUS, &p.BornWhere, &p.ParentsBornOutOfUS, &p.ParentsWhere,
		&p.NumInHouse, &p.YrlyIncome, &p.DeliveryPref, pq.Array(&p.Forums),
		&p.SourceBatchID, &p.Created)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// PersonsForBatch returns the current persons whose source batch is the
// given batch. Persons superseded by a later change are excluded.
func (s *Store) PersonsForBatch(ctx context.Context, batch Ref[Batch]) ([]*Person, error) {
	b, err := s.ResolveBatch(ctx, batch)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+personColumns+`
		FROM signup_persons WHERE source_batch_id = $1
		AND id NOT IN (SELECT prev_person_id FROM signup_person_changes)`, b.ID)
	if err != nil {
		return nil, fmt.Errorf("persons for batch: %w", err)
	}
	defer rows.Close()

	var persons []*Person
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, err
		}
		persons = append(persons, p)
	}
	return persons, rows.Err()
}

// ExportPerson is one demographics-export row: a current person with
// their bounce and opt-out state.
type ExportPerson struct {
	Person   *Person `json:"person"`
	Bounced  bool    `json:"bounced"`
	OptedOut bool    `json:"opted_out"`
}

// CurrentPersons returns every person not superseded by a change, oldest
// first, with bounce and opt-out flags resolved in the same query.
func (s *Store) CurrentPersons(ctx context.Context) ([]*ExportPerson, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+personColumns+`,
		EXISTS (SELECT 1 FROM signup_bounces WHERE person_id = signup_persons.id),
		EXISTS (SELECT 1 FROM signup_optouts WHERE person_id = signup_persons.id)
		FROM signup_persons
		WHERE id NOT IN (SELECT prev_person_id FROM signup_person_changes)
		ORDER BY created`)
	if err != nil {
		return nil, fmt.Errorf("current persons: %w", err)
	}
	defer rows.Close()

	var persons []*ExportPerson
	for rows.Next() {
		ep := &ExportPerson{Person: &Person{}}
		p := ep.Person
		err := rows.Scan(&p.ID, &p.Email, &p.FirstName, &p.LastName, &p.FullName,
			&p.StreetAddress, &p.ZipCode, &p.StatedRace, &p.CensusRace, &p.YearBorn,
			&p.BornOutOfUS, &p.BornWhere, &p.ParentsBornOutOfUS, &p.ParentsWhere,
			&p.NumInHouse, &p.YrlyIncome, &p.DeliveryPref, pq.Array(&p.Forums),
			&p.SourceBatchID, &p.Created, &ep.Bounced, &ep.OptedOut)
		if err != nil {
			return nil, err
		}
		persons = append(persons, ep)
	}
	return persons, rows.Err()
}

// RecentPersonByEmail returns the most recently created person with the
// given address created at or after since. Used by the bounce handler's
// trailing-window match; when the same address signed up more than once in
// the window the newest record wins (attribution is heuristic).
func (s *Store) RecentPersonByEmail(ctx context.Context, email string, since time.Time) (*Person, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+personColumns+`
		FROM signup_persons WHERE email = $1 AND created >= $2
		ORDER BY created DESC LIMIT 1`, email, since)
	p, err := scanPerson(row)
	if err == sql.ErrNoRows {
		return nil, notFoundErr("person", email)
	}
	if err != nil {
		return nil, fmt.Errorf("recent person by email: %w", err)
	}
	return p, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code == "23505"
}
