// Package signup provides the record store and change-tracking model for
// event sign-up batches: staff-submitted Batches, the Persons they contain,
// opt-out tokens/opt-outs, bounces, and the append-only revision chains
// that link corrected records to their predecessors.
package signup

import (
	"time"

	"github.com/google/uuid"
)

// DeliveryEmail is the default delivery preference for a person when the
// source row left the column blank.
const DeliveryEmail = "email"

// Batch is one data-collection event submitted by a staff member.
// Counters are increment-only over the batch's lifetime.
type Batch struct {
	ID              uuid.UUID `json:"id"`
	StaffName       string    `json:"staff_name"`
	StaffEmail      string    `json:"staff_email"`
	EventName       string    `json:"event_name"`
	EventDate       string    `json:"event_date"`
	EventLocation   string    `json:"event_location"`
	SubmittedCount  int       `json:"submitted_persons"`
	InvalidCount    int       `json:"invalid_persons"`
	OptedOutCount   int       `json:"optedout_persons"`
	BouncedCount    int       `json:"bounced_persons"`
	Created         time.Time `json:"created"`
}

// BatchFields carries the writable fields of a Batch. Nil pointers mean
// "inherit from the previous record" when applied as a change overlay,
// and "absent" on a fresh create.
type BatchFields struct {
	StaffName     *string
	StaffEmail    *string
	EventName     *string
	EventDate     *string
	EventLocation *string

	// PrevBatch is set when the source spreadsheet declares itself a
	// correction of an earlier batch. It is never persisted on the Batch
	// row itself; it selects the change target.
	PrevBatch *uuid.UUID
}

// Person is one individual's sign-up record, tied to the batch that most
// recently produced its values.
type Person struct {
	ID                 uuid.UUID `json:"id"`
	Email              string    `json:"email"`
	FirstName          string    `json:"first_name"`
	LastName           string    `json:"last_name"`
	FullName           string    `json:"full_name"`
	StreetAddress      string    `json:"street_address,omitempty"`
	ZipCode            string    `json:"zip_code,omitempty"`
	StatedRace         string    `json:"stated_race,omitempty"`
	CensusRace         string    `json:"census_race,omitempty"`
	YearBorn           string    `json:"year_born,omitempty"`
	BornOutOfUS        bool      `json:"born_out_of_us"`
	BornWhere          string    `json:"born_where,omitempty"`
	ParentsBornOutOfUS bool      `json:"parents_born_out_of_us"`
	ParentsWhere       string    `json:"parents_where,omitempty"`
	NumInHouse         string    `json:"num_in_house,omitempty"`
	YrlyIncome         string    `json:"yrly_income,omitempty"`
	DeliveryPref       string    `json:"delivery_preference,omitempty"`
	Forums             []string  `json:"forums"`
	SourceBatchID      uuid.UUID `json:"source_batch"`
	Created            time.Time `json:"created"`
}

// PersonFields carries the writable fields of a Person, with the same
// nil-means-inherit overlay semantics as BatchFields.
type PersonFields struct {
	Email              *string
	FirstName          *string
	LastName           *string
	FullName           *string
	StreetAddress      *string
	ZipCode            *string
	StatedRace         *string
	CensusRace         *string
	YearBorn           *string
	BornOutOfUS        *bool
	BornWhere          *string
	ParentsBornOutOfUS *bool
	ParentsWhere       *string
	NumInHouse         *string
	YrlyIncome         *string
	DeliveryPref       *string
	Forums             []string

	// PersonID is set when the source row declares itself a correction of
	// an earlier person. Never persisted; selects the change target.
	PersonID *uuid.UUID
}

// BatchSpreadsheet associates an external spreadsheet with the batch it
// produced. Written once, immediately after batch creation.
type BatchSpreadsheet struct {
	SpreadsheetID string    `json:"spreadsheet_id"`
	BatchID       uuid.UUID `json:"batch_id"`
	Title         string    `json:"title"`
	URL           string    `json:"url"`
	Created       time.Time `json:"created"`
}

// OptOutToken is a single-use capability mailed to a person, granting the
// right to opt that person out of the batch that mailed it. The token ID
// itself is the opaque handle embedded in opt-out links.
type OptOutToken struct {
	ID       uuid.UUID `json:"token"`
	BatchID  uuid.UUID `json:"batch_id"`
	PersonID uuid.UUID `json:"person_id"`
	Created  time.Time `json:"created"`
}

// OptOut is the durable record of an exercised opt-out token.
type OptOut struct {
	ID       uuid.UUID `json:"id"`
	PersonID uuid.UUID `json:"person_id"`
	BatchID  uuid.UUID `json:"batch_id"`
	Reason   string    `json:"reason"`
	Occurred time.Time `json:"occurred"`
}

// Bounce is the durable record of a delivery failure reported for a
// person's address.
type Bounce struct {
	ID       uuid.UUID `json:"id"`
	PersonID uuid.UUID `json:"person_id"`
	BatchID  uuid.UUID `json:"batch_id"`
	Message  string    `json:"message"`
	Occurred time.Time `json:"occurred"`
}

func strVal(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func boolVal(p *bool) bool {
	if p == nil {
		return false
	}
	return *p
}

func strPtr(s string) *string { return &s }
