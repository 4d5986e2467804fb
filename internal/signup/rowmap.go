package signup

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// The spreadsheet schema squashes field names to bare lowercase column
// keys. These maps are the only contract between sheet columns and the
// stored field names, for both import and the cloned export sheets.
var metaKeyMap = map[string]string{
	"staff_name":     "staffname",
	"staff_email":    "staffemail",
	"event_name":     "eventname",
	"event_date":     "eventdate",
	"event_location": "eventlocation",
}

var personKeyMap = map[string]string{
	"email":                  "email",
	"first_name":             "firstname",
	"last_name":              "lastname",
	"full_name":              "fullname",
	"street_address":         "streetaddress",
	"zip_code":               "zipcode",
	"stated_race":            "statedrace",
	"census_race":            "censusrace",
	"year_born":              "yearborn",
	"born_out_of_us":         "bornoutofus",
	"born_where":             "personwhere",
	"parents_born_out_of_us": "parentsbornoutofus",
	"parents_born_where":     "parentswhere",
	"num_in_house":           "inhouse",
	"yrly_income":            "yrlyincome",
	"delivery_preference":    "deliverypref",
}

// RawHeaderKeys returns the person sheet columns in a stable order, used
// when checking raw-sheet headers and when cloning the layout for exports.
func RawHeaderKeys() []string {
	keys := make([]string, 0, len(personKeyMap))
	for _, col := range personKeyMap {
		keys = append(keys, col)
	}
	sort.Strings(keys)
	return keys
}

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[a-zA-Z]{2,}$`)

// ValidEmail reports whether the address matches the simple
// local@domain.tld shape required of sign-up rows.
func ValidEmail(email string) bool {
	return emailPattern.MatchString(email)
}

// IsBlankPersonRow reports whether a raw row is a blank/formula artifact
// rather than a real submission. The full-name column is a formula whose
// output is never quite empty, so a row only counts as data when at least
// one of the four identity columns has content.
func IsBlankPersonRow(row map[string]string) bool {
	for _, key := range []string{"email", "firstname", "lastname", "fullname"} {
		if strings.TrimSpace(row[key]) != "" {
			return false
		}
	}
	return true
}

// ValidatePersonRow collects human-readable problems with a raw sign-up
// row. An empty result means the row may become a Person. A missing email
// yields only the missing-email entry, never a malformed-email one too.
func ValidatePersonRow(row map[string]string) []string {
	var errs []string

	email := strings.TrimSpace(row["email"])
	if email == "" {
		errs = append(errs, "missing email address")
	} else if !ValidEmail(email) {
		errs = append(errs, fmt.Sprintf("malformed email address %q", email))
	}
	if strings.TrimSpace(row["firstname"]) == "" {
		errs = append(errs, "missing first name")
	}
	if strings.TrimSpace(row["lastname"]) == "" {
		errs = append(errs, "missing last name")
	}
	if strings.TrimSpace(row["fullname"]) == "" {
		errs = append(errs, "missing full name")
	}
	if len(rowForums(row)) == 0 {
		errs = append(errs, "no forums selected")
	}
	return errs
}

// rowForums extracts the ordered forum selections from a raw row. Forum
// columns are the purely numeric keys left over from the sheet layout.
func rowForums(row map[string]string) []string {
	var idxs []int
	for key := range row {
		if n, err := strconv.Atoi(key); err == nil {
			idxs = append(idxs, n)
		}
	}
	sort.Ints(idxs)

	var forums []string
	for _, n := range idxs {
		if v := strings.TrimSpace(row[strconv.Itoa(n)]); v != "" {
			forums = append(forums, v)
		}
	}
	return forums
}

// MetaRowToFields converts a meta-sheet row into batch fields. Blank
// columns map to nil (absent), so a correction sheet inherits whatever it
// leaves blank. A prev_batch column marks the sheet as a correction.
func MetaRowToFields(row map[string]string) (BatchFields, error) {
	f := BatchFields{
		StaffName:     rowStr(row, "staffname"),
		StaffEmail:    rowStr(row, "staffemail"),
		EventName:     rowStr(row, "eventname"),
		EventDate:     rowStr(row, "eventdate"),
		EventLocation: rowStr(row, "eventlocation"),
	}
	if v := strings.TrimSpace(row["prevbatch"]); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return f, validationErr("prev_batch", "not a valid batch id")
		}
		f.PrevBatch = &id
	}
	return f, nil
}

// PersonRowToFields converts a raw-sheet row into person fields, applying
// the column-name map and gathering forum columns. Blank columns map to
// nil. A person_id column marks the row as a correction.
func PersonRowToFields(row map[string]string) (PersonFields, error) {
	f := PersonFields{
		Email:              rowStr(row, "email"),
		FirstName:          rowStr(row, "firstname"),
		LastName:           rowStr(row, "lastname"),
		FullName:           rowStr(row, "fullname"),
		StreetAddress:      rowStr(row, "streetaddress"),
		ZipCode:            rowStr(row, "zipcode"),
		StatedRace:         rowStr(row, "statedrace"),
		CensusRace:         rowStr(row, "censusrace"),
		YearBorn:           rowStr(row, "yearborn"),
		BornOutOfUS:        rowBool(row, "bornoutofus"),
		BornWhere:          rowStr(row, "personwhere"),
		ParentsBornOutOfUS: rowBool(row, "parentsbornoutofus"),
		ParentsWhere:       rowStr(row, "parentswhere"),
		NumInHouse:         rowStr(row, "inhouse"),
		YrlyIncome:         rowStr(row, "yrlyincome"),
		DeliveryPref:       rowStr(row, "deliverypref"),
	}
	if forums := rowForums(row); len(forums) > 0 {
		f.Forums = forums
	}
	if v := strings.TrimSpace(row["personid"]); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return f, validationErr("person_id", "not a valid person id")
		}
		f.PersonID = &id
	}
	return f, nil
}

// PersonToRow converts a person back into a raw-sheet row for export
// sheets and CSVs. The encoding is lossy on purpose: blank values are
// dropped entirely rather than written as empty columns, and forums come
// back as numeric columns starting at "0".
func PersonToRow(p *Person) map[string]string {
	row := map[string]string{}
	set := func(col, v string) {
		if v != "" {
			row[col] = v
		}
	}
	set("email", p.Email)
	set("firstname", p.FirstName)
	set("lastname", p.LastName)
	set("fullname", p.FullName)
	set("streetaddress", p.StreetAddress)
	set("zipcode", p.ZipCode)
	set("statedrace", p.StatedRace)
	set("censusrace", p.CensusRace)
	set("yearborn", p.YearBorn)
	set("personwhere", p.BornWhere)
	set("parentswhere", p.ParentsWhere)
	set("inhouse", p.NumInHouse)
	set("yrlyincome", p.YrlyIncome)
	set("deliverypref", p.DeliveryPref)
	if p.BornOutOfUS {
		row["bornoutofus"] = "yes"
	}
	if p.ParentsBornOutOfUS {
		row["parentsbornoutofus"] = "yes"
	}
	for i, forum := range p.Forums {
		row[strconv.Itoa(i)] = forum
	}
	return row
}

func rowStr(row map[string]string, key string) *string {
	v := strings.TrimSpace(row[key])
	if v == "" {
		return nil
	}
	return &v
}

func rowBool(row map[string]string, key string) *bool {
	v := strings.ToLower(strings.TrimSpace(row[key]))
	if v == "" {
		return nil
	}
	b := v == "yes" || v == "y" || v == "true" || v == "1"
	return &b
}
