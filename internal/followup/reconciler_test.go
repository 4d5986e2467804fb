package followup

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/edemocracy/signup-verifier/internal/mailer"
	"github.com/edemocracy/signup-verifier/internal/sheets"
	"github.com/edemocracy/signup-verifier/internal/signup"
)

type fakeProvider struct {
	created  []sheets.Spreadsheet
	appended map[string][]map[string]string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{appended: map[string][]map[string]string{}}
}

func (f *fakeProvider) ListSpreadsheets(context.Context, string) ([]sheets.Spreadsheet, error) {
	return nil, nil
}

func (f *fakeProvider) ReadSheet(context.Context, string, string) (*sheets.Sheet, error) {
	return nil, fmt.Errorf("not used")
}

func (f *fakeProvider) CreateSpreadsheet(_ context.Context, _, title string, _ []string) (*sheets.Spreadsheet, error) {
	sp := sheets.Spreadsheet{
		ID:    fmt.Sprintf("created-%d", len(f.created)),
		Title: title,
		URL:   "https://sheets.example/" + title,
	}
	f.created = append(f.created, sp)
	return &sp, nil
}

func (f *fakeProvider) AppendRow(_ context.Context, id, _ string, _ []string, row map[string]string) error {
	f.appended[id] = append(f.appended[id], row)
	return nil
}

func (f *fakeProvider) MoveSpreadsheet(context.Context, string, string) error { return nil }

type fakeArtifacts struct {
	uploads map[string][]byte
}

func (f *fakeArtifacts) Upload(_ context.Context, filename string, data []byte) (string, error) {
	if f.uploads == nil {
		f.uploads = map[string][]byte{}
	}
	f.uploads[filename] = data
	return "https://exports.example/" + filename, nil
}

var batchCols = []string{
	"id", "staff_name", "staff_email", "event_name", "event_date", "event_location",
	"submitted_persons", "invalid_persons", "optedout_persons", "bounced_persons", "created",
}

var personCols = []string{
	"id", "email", "first_name", "last_name", "full_name", "street_address", "zip_code",
	"stated_race", "census_race", "year_born", "born_out_of_us", "born_where",
	"parents_born_out_of_us", "parents_where", "num_in_house", "yrly_income",
	"delivery_pref", "forums", "source_batch_id", "created",
}

func addPersonRow(rows *sqlmock.Rows, p *signup.Person) *sqlmock.Rows {
	return rows.AddRow(
		p.ID, p.Email, p.FirstName, p.LastName, p.FullName, p.StreetAddress, p.ZipCode,
		p.StatedRace, p.CensusRace, p.YearBorn, p.BornOutOfUS, p.BornWhere,
		p.ParentsBornOutOfUS, p.ParentsWhere, p.NumInHouse, p.YrlyIncome,
		p.DeliveryPref, "{News}", p.SourceBatchID, p.Created)
}

func testReconciler(t *testing.T, provider *fakeProvider, artifacts ArtifactStore) (*Reconciler, sqlmock.Sqlmock, *mailer.LogSender, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	sender := &mailer.LogSender{}
	r := New(signup.NewStore(db), provider, sender, artifacts, Config{
		WindowStart:     50 * time.Hour,
		WindowEnd:       46 * time.Hour,
		ProcessOptOuts:  true,
		ProcessBounces:  true,
		ExportsFolderID: "folder-exports",
		CSVColumns:      []string{"email", "firstname", "lastname", "fullname"},
		AdminEmail:      "admin@example.org",
		SubjectFollowup: "Sign-up follow-up",
	})
	return r, mock, sender, func() { db.Close() }
}

func TestRunEmptyWindow(t *testing.T) {
	r, mock, sender, cleanup := testReconciler(t, newFakeProvider(), nil)
	defer cleanup()

	mock.ExpectQuery("SELECT (.+) FROM signup_batches").
		WillReturnRows(sqlmock.NewRows(batchCols))

	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if report.Batches != 0 {
		t.Errorf("Batches = %d, want 0", report.Batches)
	}
	if len(sender.Sent) != 0 {
		t.Errorf("no emails expected for an empty window, got %d", len(sender.Sent))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRunReconcilesBatch(t *testing.T) {
	provider := newFakeProvider()
	artifacts := &fakeArtifacts{}
	r, mock, sender, cleanup := testReconciler(t, provider, artifacts)
	defer cleanup()

	created := time.Now().UTC().Add(-48 * time.Hour)
	batchID := uuid.New()
	keeper := &signup.Person{
		ID: uuid.New(), Email: "jo@example.org",
		FirstName: "Jo", LastName: "Doe", FullName: "Jo Doe",
		DeliveryPref: "email", SourceBatchID: batchID, Created: created,
	}
	optedOut := &signup.Person{
		ID: uuid.New(), Email: "mel@example.org",
		FirstName: "Mel", LastName: "Lee", FullName: "Mel Lee",
		DeliveryPref: "email", SourceBatchID: batchID, Created: created,
	}

	mock.ExpectQuery("SELECT (.+) FROM signup_batches").
		WillReturnRows(sqlmock.NewRows(batchCols).AddRow(
			batchID, "Ana", "ana@example.org", "Spring Fair", "2026-04-01", "Library",
			2, 0, 0, 0, created))

	mock.ExpectExec("DELETE FROM signup_optout_tokens").
		WillReturnResult(sqlmock.NewResult(0, 2))

	mock.ExpectQuery("SELECT (.+) FROM signup_optouts WHERE batch_id").
		WillReturnRows(sqlmock.NewRows([]string{"id", "person_id", "batch_id", "reason", "occurred"}).
			AddRow(uuid.New(), optedOut.ID, batchID, "changed my mind", time.Now().UTC()))
	mock.ExpectQuery("SELECT (.+) FROM signup_bounces WHERE batch_id").
		WillReturnRows(sqlmock.NewRows([]string{"id", "person_id", "batch_id", "message", "occurred"}))

	mock.ExpectExec("UPDATE signup_batches SET").
		WithArgs(batchID, 2, 0, 1, 0).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// opt-out export resolves the opted-out person
	mock.ExpectQuery("SELECT (.+) FROM signup_persons WHERE id").
		WithArgs(optedOut.ID).
		WillReturnRows(addPersonRow(sqlmock.NewRows(personCols), optedOut))

	// successful signups exclude the opted-out person
	mock.ExpectQuery("SELECT (.+) FROM signup_persons WHERE source_batch_id").
		WithArgs(batchID).
		WillReturnRows(addPersonRow(addPersonRow(sqlmock.NewRows(personCols), keeper), optedOut))

	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if report.Batches != 1 || report.Failed != 0 {
		t.Fatalf("report = %+v, want 1 clean batch", report)
	}

	br := report.Reports[0]
	if br.OptOuts != 1 || br.Bounces != 0 {
		t.Errorf("counts = %d optouts %d bounces, want 1/0", br.OptOuts, br.Bounces)
	}
	if br.OptOutSheetURL == "" {
		t.Error("no opt-out export sheet created")
	}
	if br.BounceSheetURL != "" {
		t.Error("bounce sheet created with zero bounces")
	}

	// opt-out sheet got the person row with the reason
	rows := provider.appended[provider.created[0].ID]
	if len(rows) != 1 || rows[0]["reason"] != "changed my mind" {
		t.Errorf("opt-out sheet rows = %v", rows)
	}

	// one CSV for the email preference, keeper only
	if len(br.CSVs) != 1 {
		t.Fatalf("CSVs = %d, want 1", len(br.CSVs))
	}
	csv := br.CSVs[0]
	if csv.Count != 1 {
		t.Errorf("CSV count = %d, want the single keeper", csv.Count)
	}
	body := string(artifacts.uploads[csv.Filename])
	if !strings.Contains(body, "jo@example.org") {
		t.Error("CSV is missing the keeper")
	}
	if strings.Contains(body, "mel@example.org") {
		t.Error("CSV contains the opted-out person")
	}
	if csv.URL == "" {
		t.Error("uploaded CSV has no link")
	}

	// one staff digest plus the admin CSV bundle
	if len(sender.Sent) != 2 {
		t.Fatalf("sent %d emails, want 2", len(sender.Sent))
	}
	digest := sender.Sent[0]
	if digest.To != "ana@example.org" || !strings.Contains(digest.HTML, br.OptOutSheetURL) {
		t.Errorf("staff digest = %+v", digest)
	}
	bundle := sender.Sent[1]
	if bundle.To != "admin@example.org" || len(bundle.Attachments) != 1 {
		t.Errorf("admin bundle = to %q with %d attachments", bundle.To, len(bundle.Attachments))
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRunBatchFailureIsolated(t *testing.T) {
	r, mock, _, cleanup := testReconciler(t, newFakeProvider(), nil)
	defer cleanup()

	created := time.Now().UTC().Add(-48 * time.Hour)
	bad, good := uuid.New(), uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM signup_batches").
		WillReturnRows(sqlmock.NewRows(batchCols).
			AddRow(bad, "Ana", "ana@example.org", "A", "", "", 0, 0, 0, 0, created).
			AddRow(good, "Ben", "ben@example.org", "B", "", "", 0, 0, 0, 0, created))

	mock.ExpectExec("DELETE FROM signup_optout_tokens").
		WillReturnResult(sqlmock.NewResult(0, 0))

	// first batch blows up fetching opt-outs
	mock.ExpectQuery("SELECT (.+) FROM signup_optouts WHERE batch_id").
		WillReturnError(fmt.Errorf("boom"))

	// second batch still reconciles
	mock.ExpectQuery("SELECT (.+) FROM signup_optouts WHERE batch_id").
		WillReturnRows(sqlmock.NewRows([]string{"id", "person_id", "batch_id", "reason", "occurred"}))
	mock.ExpectQuery("SELECT (.+) FROM signup_bounces WHERE batch_id").
		WillReturnRows(sqlmock.NewRows([]string{"id", "person_id", "batch_id", "message", "occurred"}))
	mock.ExpectExec("UPDATE signup_batches SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT (.+) FROM signup_persons WHERE source_batch_id").
		WillReturnRows(sqlmock.NewRows(personCols))

	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if report.Batches != 2 || report.Failed != 1 {
		t.Errorf("report = %+v, want 2 batches with 1 failure", report)
	}
	if report.Reports[0].Error == "" || report.Reports[1].Error != "" {
		t.Errorf("isolation broken: %+v", report.Reports)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestBuildCSV(t *testing.T) {
	p := &signup.Person{
		Email: "jo@example.org", FirstName: "Jo", LastName: "Doe", FullName: "Jo Doe",
	}
	data, err := buildCSV([]string{"email", "firstname", "zipcode"}, []*signup.Person{p})
	if err != nil {
		t.Fatalf("buildCSV() error: %v", err)
	}
	got := string(data)
	want := "email,firstname,zipcode\njo@example.org,Jo,\n"
	if got != want {
		t.Errorf("buildCSV() = %q, want %q", got, want)
	}
}

func TestCSVFilename(t *testing.T) {
	b := &signup.Batch{EventName: "Spring Fair / 2026", EventDate: "2026-04-01"}
	got := csvFilename(b, "email")
	if strings.ContainsAny(got, " /") {
		t.Errorf("csvFilename() = %q, contains unsafe characters", got)
	}
	if !strings.HasSuffix(got, ".csv") {
		t.Errorf("csvFilename() = %q, want .csv suffix", got)
	}
}
