package signup

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return NewStore(db), mock, func() { db.Close() }
}

var batchCols = []string{
	"id", "staff_name", "staff_email", "event_name", "event_date", "event_location",
	"submitted_persons", "invalid_persons", "optedout_persons", "bounced_persons", "created",
}

func batchRow(b *Batch) *sqlmock.Rows {
	return sqlmock.NewRows(batchCols).AddRow(
		b.ID, b.StaffName, b.StaffEmail, b.EventName, b.EventDate, b.EventLocation,
		b.SubmittedCount, b.InvalidCount, b.OptedOutCount, b.BouncedCount, b.Created)
}

var personCols = []string{
	"id", "email", "first_name", "last_name", "full_name", "street_address", "zip_code",
	"stated_race", "census_race", "year_born", "born_out_of_us", "born_where",
	"parents_born_out_of_us", "parents_where", "num_in_house", "yrly_income",
	"delivery_pref", "forums", "source_batch_id", "created",
}

func personRow(p *Person) *sqlmock.Rows {
	return sqlmock.NewRows(personCols).AddRow(
		p.ID, p.Email, p.FirstName, p.LastName, p.FullName, p.StreetAddress, p.ZipCode,
		p.StatedRace, p.CensusRace, p.YearBorn, p.BornOutOfUS, p.BornWhere,
		p.ParentsBornOutOfUS, p.ParentsWhere, p.NumInHouse, p.YrlyIncome,
		p.DeliveryPref, "{news,schools}", p.SourceBatchID, p.Created)
}

func strp(s string) *string { return &s }

func TestCreateBatchRequiresStaffFields(t *testing.T) {
	store, _, cleanup := newTestStore(t)
	defer cleanup()

	tests := []struct {
		name   string
		fields BatchFields
		field  string
	}{
		{"missing staff name", BatchFields{StaffEmail: strp("a@b.org")}, "staff_name"},
		{"missing staff email", BatchFields{StaffName: strp("Ana")}, "staff_email"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.CreateBatch(context.Background(), tt.fields)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("CreateBatch() error = %v, want ValidationError", err)
			}
			if ve.Field != tt.field {
				t.Errorf("ValidationError.Field = %q, want %q", ve.Field, tt.field)
			}
		})
	}
}

func TestCreateBatch(t *testing.T) {
	store, mock, cleanup := newTestStore(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO signup_batches").
		WillReturnResult(sqlmock.NewResult(0, 1))

	b, err := store.CreateBatch(context.Background(), BatchFields{
		StaffName:  strp("Ana"),
		StaffEmail: strp("ana@example.org"),
		EventName:  strp("Spring Fair"),
	})
	if err != nil {
		t.Fatalf("CreateBatch() error: %v", err)
	}
	if b.ID == uuid.Nil {
		t.Error("CreateBatch() did not assign an id")
	}
	if b.SubmittedCount != 0 || b.InvalidCount != 0 || b.OptedOutCount != 0 || b.BouncedCount != 0 {
		t.Errorf("new batch counters not zero: %+v", b)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCreateBatchChangeInheritsAndOverrides(t *testing.T) {
	store, mock, cleanup := newTestStore(t)
	defer cleanup()

	prev := &Batch{
		ID:             uuid.New(),
		StaffName:      "Ana",
		StaffEmail:     "ana@example.org",
		EventName:      "Spring Fair",
		EventDate:      "2026-04-01",
		EventLocation:  "Library",
		SubmittedCount: 12,
		InvalidCount:   3,
		Created:        time.Now().UTC().Add(-time.Hour),
	}

	mock.ExpectExec("INSERT INTO signup_batches").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO signup_batch_changes").
		WillReturnResult(sqlmock.NewResult(0, 1))

	b, err := store.CreateBatchChange(context.Background(),
		BatchFields{EventName: strp("Spring Fair (corrected)")}, Of(prev))
	if err != nil {
		t.Fatalf("CreateBatchChange() error: %v", err)
	}

	if b.ID == prev.ID {
		t.Error("change reused the previous batch id")
	}
	if b.EventName != "Spring Fair (corrected)" {
		t.Errorf("EventName = %q, want override", b.EventName)
	}
	if b.StaffName != "Ana" || b.StaffEmail != "ana@example.org" || b.EventDate != "2026-04-01" {
		t.Errorf("inherited fields lost: %+v", b)
	}
	if b.SubmittedCount != 0 || b.InvalidCount != 0 {
		t.Errorf("counters must reset on change, got %+v", b)
	}
	if !b.Created.After(prev.Created) {
		t.Error("change did not regenerate the creation timestamp")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCreateBatchChangePrevMismatch(t *testing.T) {
	store, _, cleanup := newTestStore(t)
	defer cleanup()

	prev := &Batch{ID: uuid.New(), StaffName: "Ana", StaffEmail: "ana@example.org"}
	other := uuid.New()

	_, err := store.CreateBatchChange(context.Background(),
		BatchFields{PrevBatch: &other}, Of(prev))
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("CreateBatchChange() error = %v, want ValidationError", err)
	}
}

func TestCreateBatchChangeAlreadySuperseded(t *testing.T) {
	store, mock, cleanup := newTestStore(t)
	defer cleanup()

	prev := &Batch{ID: uuid.New(), StaffName: "Ana", StaffEmail: "ana@example.org"}

	mock.ExpectExec("INSERT INTO signup_batches").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO signup_batch_changes").
		WillReturnError(&pq.Error{Code: "23505"})
	// the orphaned batch row gets cleaned up
	mock.ExpectExec("DELETE FROM signup_batches").
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := store.CreateBatchChange(context.Background(), BatchFields{}, Of(prev))
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("CreateBatchChange() error = %v, want ValidationError", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestResolveBatchByID(t *testing.T) {
	store, mock, cleanup := newTestStore(t)
	defer cleanup()

	want := &Batch{
		ID:         uuid.New(),
		StaffName:  "Ana",
		StaffEmail: "ana@example.org",
		Created:    time.Now().UTC(),
	}
	mock.ExpectQuery("SELECT (.+) FROM signup_batches").
		WithArgs(want.ID).
		WillReturnRows(batchRow(want))

	got, err := store.ResolveBatch(context.Background(), ByID[Batch](want.ID))
	if err != nil {
		t.Fatalf("ResolveBatch() error: %v", err)
	}
	if got.ID != want.ID || got.StaffName != want.StaffName {
		t.Errorf("ResolveBatch() = %+v, want %+v", got, want)
	}
}

func TestResolveBatchNotFound(t *testing.T) {
	store, mock, cleanup := newTestStore(t)
	defer cleanup()

	id := uuid.New()
	mock.ExpectQuery("SELECT (.+) FROM signup_batches").
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)

	_, err := store.ResolveBatch(context.Background(), ByID[Batch](id))
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("ResolveBatch() error = %v, want NotFoundError", err)
	}
	if nf.Kind != "batch" {
		t.Errorf("NotFoundError.Kind = %q, want batch", nf.Kind)
	}
}

func TestResolveBatchZeroRef(t *testing.T) {
	store, _, cleanup := newTestStore(t)
	defer cleanup()

	_, err := store.ResolveBatch(context.Background(), Ref[Batch]{})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("ResolveBatch(zero) error = %v, want ValidationError", err)
	}
}

func TestUpdateCountersNeverLowers(t *testing.T) {
	store, mock, cleanup := newTestStore(t)
	defer cleanup()

	b := &Batch{ID: uuid.New(), StaffName: "Ana", StaffEmail: "ana@example.org"}

	// GREATEST keeps the stored value when the incoming one is lower.
	mock.ExpectExec("UPDATE signup_batches SET").
		WithArgs(b.ID, 10, 2, 1, 0).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.UpdateCounters(context.Background(), Of(b),
		Counters{Submitted: 10, Invalid: 2, OptedOut: 1})
	if err != nil {
		t.Fatalf("UpdateCounters() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCreatePersonChangeSourceBatchMoves(t *testing.T) {
	store, mock, cleanup := newTestStore(t)
	defer cleanup()

	origBatch := uuid.New()
	correctingBatch := &Batch{ID: uuid.New(), StaffName: "Ana", StaffEmail: "ana@example.org"}
	prev := &Person{
		ID:            uuid.New(),
		Email:         "old@example.org",
		FirstName:     "Jo",
		LastName:      "Doe",
		FullName:      "Jo Doe",
		Forums:        []string{"news"},
		SourceBatchID: origBatch,
		Created:       time.Now().UTC().Add(-time.Hour),
	}

	mock.ExpectExec("INSERT INTO signup_persons").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO signup_person_changes").
		WillReturnResult(sqlmock.NewResult(0, 1))

	p, err := store.CreatePersonChange(context.Background(),
		PersonFields{Email: strp("new@example.org")}, Of(prev), Of(correctingBatch))
	if err != nil {
		t.Fatalf("CreatePersonChange() error: %v", err)
	}
	if p.Email != "new@example.org" {
		t.Errorf("Email = %q, want override", p.Email)
	}
	if p.FirstName != "Jo" || p.FullName != "Jo Doe" {
		t.Errorf("inherited fields lost: %+v", p)
	}
	if p.SourceBatchID != correctingBatch.ID {
		t.Errorf("SourceBatchID = %s, want the correcting batch %s", p.SourceBatchID, correctingBatch.ID)
	}
	if p.ID == prev.ID {
		t.Error("change reused the previous person id")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPersonsForBatchExcludesSuperseded(t *testing.T) {
	store, mock, cleanup := newTestStore(t)
	defer cleanup()

	b := &Batch{ID: uuid.New(), StaffName: "Ana", StaffEmail: "ana@example.org"}
	p := &Person{
		ID: uuid.New(), Email: "jo@example.org",
		FirstName: "Jo", LastName: "Doe", FullName: "Jo Doe",
		SourceBatchID: b.ID, Created: time.Now().UTC(),
	}

	mock.ExpectQuery("SELECT (.+) FROM signup_persons WHERE source_batch_id").
		WithArgs(b.ID).
		WillReturnRows(personRow(p))

	persons, err := store.PersonsForBatch(context.Background(), Of(b))
	if err != nil {
		t.Fatalf("PersonsForBatch() error: %v", err)
	}
	if len(persons) != 1 {
		t.Fatalf("PersonsForBatch() returned %d persons, want 1", len(persons))
	}
	if got := persons[0].Forums; len(got) != 2 || got[0] != "news" || got[1] != "schools" {
		t.Errorf("Forums = %v, want [news schools]", got)
	}
}

func TestCurrentPersonsCarriesFlags(t *testing.T) {
	store, mock, cleanup := newTestStore(t)
	defer cleanup()

	batchID := uuid.New()
	now := time.Now().UTC()
	cols := append(append([]string{}, personCols...), "bounced", "opted_out")
	rows := sqlmock.NewRows(cols).
		AddRow(uuid.New(), "jo@example.org", "Jo", "Doe", "Jo Doe", "", "",
			"", "", "", false, "", false, "", "", "",
			"email", "{news}", batchID, now, false, true).
		AddRow(uuid.New(), "mel@example.org", "Mel", "Ortiz", "Mel Ortiz", "", "",
			"", "", "", false, "", false, "", "", "",
			"email", "{news}", batchID, now, true, false)

	mock.ExpectQuery("SELECT (.+) FROM signup_persons\\s+WHERE id NOT IN").
		WillReturnRows(rows)

	persons, err := store.CurrentPersons(context.Background())
	if err != nil {
		t.Fatalf("CurrentPersons() error: %v", err)
	}
	if len(persons) != 2 {
		t.Fatalf("CurrentPersons() returned %d persons, want 2", len(persons))
	}
	if persons[0].Bounced || !persons[0].OptedOut {
		t.Errorf("first person flags = %+v, want opted out only", persons[0])
	}
	if !persons[1].Bounced || persons[1].OptedOut {
		t.Errorf("second person flags = %+v, want bounced only", persons[1])
	}
	if persons[1].Person.Email != "mel@example.org" {
		t.Errorf("Email = %q", persons[1].Person.Email)
	}
}

func TestQueryBatchesWindowInclusive(t *testing.T) {
	store, mock, cleanup := newTestStore(t)
	defer cleanup()

	after := time.Now().UTC().Add(-50 * time.Hour)
	before := time.Now().UTC().Add(-46 * time.Hour)
	b := &Batch{ID: uuid.New(), StaffName: "Ana", StaffEmail: "ana@example.org", Created: before}

	mock.ExpectQuery("SELECT (.+) FROM signup_batches").
		WithArgs(before, after).
		WillReturnRows(batchRow(b))

	batches, err := store.QueryBatches(context.Background(), &before, &after)
	if err != nil {
		t.Fatalf("QueryBatches() error: %v", err)
	}
	if len(batches) != 1 || batches[0].ID != b.ID {
		t.Errorf("QueryBatches() = %v, want the single batch", batches)
	}
}
