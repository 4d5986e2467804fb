package signup

import (
	"reflect"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestValidEmail(t *testing.T) {
	tests := []struct {
		name  string
		email string
		want  bool
	}{
		{"plain address", "jo@example.org", true},
		{"subdomain", "jo@mail.example.org", true},
		{"plus tag", "jo+tag@example.org", true},
		{"empty", "", false},
		{"no at sign", "joexample.org", false},
		{"no tld", "jo@example", false},
		{"one letter tld", "jo@example.o", false},
		{"space inside", "jo doe@example.org", false},
		{"two at signs", "jo@@example.org", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidEmail(tt.email); got != tt.want {
				t.Errorf("ValidEmail(%q) = %v, want %v", tt.email, got, tt.want)
			}
		})
	}
}

func TestIsBlankPersonRow(t *testing.T) {
	tests := []struct {
		name string
		row  map[string]string
		want bool
	}{
		{"empty row", map[string]string{}, true},
		{"whitespace only", map[string]string{"email": "  ", "fullname": "\t"}, true},
		{"non-identity columns only", map[string]string{"0": "News", "deliverypref": "email"}, true},
		{"has email", map[string]string{"email": "jo@example.org"}, false},
		{"has full name only", map[string]string{"fullname": "Jo Doe"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsBlankPersonRow(tt.row); got != tt.want {
				t.Errorf("IsBlankPersonRow(%v) = %v, want %v", tt.row, got, tt.want)
			}
		})
	}
}

func validRow() map[string]string {
	return map[string]string{
		"email":     "jo@example.org",
		"firstname": "Jo",
		"lastname":  "Doe",
		"fullname":  "Jo Doe",
		"0":         "News",
	}
}

func TestValidatePersonRow(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(map[string]string)
		want   []string
	}{
		{"valid row", func(r map[string]string) {}, nil},
		{
			"missing email reported once",
			func(r map[string]string) { r["email"] = "" },
			[]string{"missing email address"},
		},
		{
			"malformed email",
			func(r map[string]string) { r["email"] = "not-an-address" },
			[]string{`malformed email address "not-an-address"`},
		},
		{
			"missing names",
			func(r map[string]string) { r["firstname"] = ""; r["lastname"] = "" },
			[]string{"missing first name", "missing last name"},
		},
		{
			"no forums",
			func(r map[string]string) { delete(r, "0") },
			[]string{"no forums selected"},
		},
		{
			"blank forum columns count as none",
			func(r map[string]string) { r["0"] = "  " },
			[]string{"no forums selected"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row := validRow()
			tt.mutate(row)
			got := ValidatePersonRow(row)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ValidatePersonRow() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidatePersonRowMissingAndMalformedExclusive(t *testing.T) {
	// A row can never be told both that the email is missing and that it
	// is malformed.
	for _, email := range []string{"", "   ", "bad", "jo@example.org"} {
		row := validRow()
		row["email"] = email
		var missing, malformed bool
		for _, msg := range ValidatePersonRow(row) {
			if msg == "missing email address" {
				missing = true
			}
			if strings.HasPrefix(msg, "malformed email") {
				malformed = true
			}
		}
		if missing && malformed {
			t.Errorf("email %q reported both missing and malformed", email)
		}
	}
}

func TestMetaRowToFields(t *testing.T) {
	prev := uuid.New()
	f, err := MetaRowToFields(map[string]string{
		"staffname":  "Ana",
		"staffemail": "ana@example.org",
		"eventname":  "Spring Fair",
		"eventdate":  "",
		"prevbatch":  prev.String(),
	})
	if err != nil {
		t.Fatalf("MetaRowToFields() error: %v", err)
	}
	if f.StaffName == nil || *f.StaffName != "Ana" {
		t.Errorf("StaffName = %v, want Ana", f.StaffName)
	}
	if f.EventDate != nil {
		t.Error("blank eventdate should map to nil, not empty string")
	}
	if f.PrevBatch == nil || *f.PrevBatch != prev {
		t.Errorf("PrevBatch = %v, want %s", f.PrevBatch, prev)
	}
}

func TestMetaRowToFieldsBadPrevBatch(t *testing.T) {
	_, err := MetaRowToFields(map[string]string{
		"staffname": "Ana",
		"prevbatch": "not-a-uuid",
	})
	if err == nil {
		t.Fatal("MetaRowToFields() accepted a malformed prevbatch")
	}
}

func TestPersonRowToFields(t *testing.T) {
	row := map[string]string{
		"email":       "jo@example.org",
		"firstname":   "Jo",
		"lastname":    "Doe",
		"fullname":    "Jo Doe",
		"bornoutofus": "Yes",
		"inhouse":     "4",
		"2":           "Schools",
		"0":           "News",
		"10":          "Parks",
	}
	f, err := PersonRowToFields(row)
	if err != nil {
		t.Fatalf("PersonRowToFields() error: %v", err)
	}
	if f.BornOutOfUS == nil || !*f.BornOutOfUS {
		t.Error("bornoutofus yes should map to true")
	}
	if f.NumInHouse == nil || *f.NumInHouse != "4" {
		t.Errorf("NumInHouse = %v, want 4", f.NumInHouse)
	}
	// forum columns sort numerically, not lexically
	want := []string{"News", "Schools", "Parks"}
	if !reflect.DeepEqual(f.Forums, want) {
		t.Errorf("Forums = %v, want %v", f.Forums, want)
	}
	if f.DeliveryPref != nil {
		t.Error("absent deliverypref should map to nil")
	}
}

func TestPersonToRowLossy(t *testing.T) {
	p := &Person{
		Email:       "jo@example.org",
		FirstName:   "Jo",
		LastName:    "Doe",
		FullName:    "Jo Doe",
		BornOutOfUS: true,
		Forums:      []string{"News", "Schools"},
	}
	row := PersonToRow(p)

	if row["email"] != "jo@example.org" || row["bornoutofus"] != "yes" {
		t.Errorf("PersonToRow() = %v", row)
	}
	if row["0"] != "News" || row["1"] != "Schools" {
		t.Errorf("forum columns = %v, want numeric keys from 0", row)
	}
	// blank values and false bools are dropped, not written empty
	for _, key := range []string{"zipcode", "streetaddress", "parentsbornoutofus"} {
		if _, ok := row[key]; ok {
			t.Errorf("blank column %q should be absent from the row", key)
		}
	}
}

func TestRowRoundTripLosesOnlyBlanks(t *testing.T) {
	row := map[string]string{
		"email":     "jo@example.org",
		"firstname": "Jo",
		"lastname":  "Doe",
		"fullname":  "Jo Doe",
		"zipcode":   "02139",
		"0":         "News",
	}
	f, err := PersonRowToFields(row)
	if err != nil {
		t.Fatalf("PersonRowToFields() error: %v", err)
	}
	p := personFromFields(f)
	back := PersonToRow(p)

	for _, key := range []string{"email", "firstname", "lastname", "fullname", "zipcode", "0"} {
		if back[key] != row[key] {
			t.Errorf("round trip lost %q: got %q, want %q", key, back[key], row[key])
		}
	}
}
