package sheets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"golang.org/x/oauth2/google"

	"github.com/edemocracy/signup-verifier/internal/config"
	"github.com/edemocracy/signup-verifier/internal/pkg/httpretry"
)

const (
	driveBaseURL  = "https://www.googleapis.com/drive/v3"
	sheetsBaseURL = "https://sheets.googleapis.com/v4"

	mimeFolder      = "application/vnd.google-apps.folder"
	mimeSpreadsheet = "application/vnd.google-apps.spreadsheet"
)

var googleScopes = []string{
	"https://www.googleapis.com/auth/drive",
	"https://www.googleapis.com/auth/spreadsheets",
}

// GoogleClient implements Provider against the Google Drive and Sheets
// REST APIs using a service account. All requests go through the shared
// retry client.
type GoogleClient struct {
	httpClient httpretry.HTTPDoer
	driveBase  string
	sheetsBase string
}

// NewGoogleClient builds a provider from service-account credentials.
func NewGoogleClient(ctx context.Context, cfg config.SheetsConfig, maxAttempts int) (*GoogleClient, error) {
	data, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read sheets credentials: %w", err)
	}
	jwtConf, err := google.JWTConfigFromJSON(data, googleScopes...)
	if err != nil {
		return nil, fmt.Errorf("parse sheets credentials: %w", err)
	}

	client := jwtConf.Client(ctx)
	client.Timeout = cfg.Timeout()
	return &GoogleClient{
		httpClient: httpretry.New(client, maxAttempts),
		driveBase:  driveBaseURL,
		sheetsBase: sheetsBaseURL,
	}, nil
}

// NewGoogleClientWithHTTP builds a provider over an explicit HTTP client.
// Used by tests to point at a stub server.
func NewGoogleClientWithHTTP(client httpretry.HTTPDoer, driveBase, sheetsBase string) *GoogleClient {
	return &GoogleClient{httpClient: client, driveBase: driveBase, sheetsBase: sheetsBase}
}

type driveFile struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	MimeType    string `json:"mimeType"`
	WebViewLink string `json:"webViewLink"`
}

type driveFileList struct {
	Files         []driveFile `json:"files"`
	NextPageToken string      `json:"nextPageToken"`
}

// ListSpreadsheets walks the folder tree breadth-first and returns every
// spreadsheet found.
func (g *GoogleClient) ListSpreadsheets(ctx context.Context, folderID string) ([]Spreadsheet, error) {
	var spreadsheets []Spreadsheet
	queue := []string{folderID}

	for len(queue) > 0 {
		folder := queue[0]
		queue = queue[1:]

		pageToken := ""
		for {
			q := url.Values{}
			q.Set("q", fmt.Sprintf("'%s' in parents and trashed = false", folder))
			q.Set("fields", "nextPageToken, files(id, name, mimeType, webViewLink)")
			if pageToken != "" {
				q.Set("pageToken", pageToken)
			}

			var list driveFileList
			if err := g.getJSON(ctx, g.driveBase+"/files?"+q.Encode(), &list); err != nil {
				return nil, fmt.Errorf("list folder %s: %w", folder, err)
			}
			for _, f := range list.Files {
				switch f.MimeType {
				case mimeFolder:
					queue = append(queue, f.ID)
				case mimeSpreadsheet:
					spreadsheets = append(spreadsheets, Spreadsheet{ID: f.ID, Title: f.Name, URL: f.WebViewLink})
				}
			}
			if list.NextPageToken == "" {
				break
			}
			pageToken = list.NextPageToken
		}
	}
	return spreadsheets, nil
}

type valueRange struct {
	Values [][]string `json:"values"`
}

// ReadSheet fetches the named worksheet's cells.
func (g *GoogleClient) ReadSheet(ctx context.Context, spreadsheetID, title string) (*Sheet, error) {
	u := fmt.Sprintf("%s/spreadsheets/%s/values/%s", g.sheetsBase, spreadsheetID, url.PathEscape(title))
	var vr valueRange
	if err := g.getJSON(ctx, u, &vr); err != nil {
		return nil, fmt.Errorf("read sheet %s!%s: %w", spreadsheetID, title, err)
	}

	sheet := &Sheet{}
	if len(vr.Values) > 0 {
		sheet.Headers = vr.Values[0]
		sheet.Rows = vr.Values[1:]
	}
	return sheet, nil
}

// CreateSpreadsheet makes a new document with a single worksheet holding
// the header row, then moves it into the folder.
func (g *GoogleClient) CreateSpreadsheet(ctx context.Context, folderID, title string, headers []string) (*Spreadsheet, error) {
	body := map[string]interface{}{
		"properties": map[string]string{"title": title},
	}
	var created struct {
		SpreadsheetID  string `json:"spreadsheetId"`
		SpreadsheetURL string `json:"spreadsheetUrl"`
	}
	if err := g.postJSON(ctx, g.sheetsBase+"/spreadsheets", body, &created); err != nil {
		return nil, fmt.Errorf("create spreadsheet %q: %w", title, err)
	}

	sp := &Spreadsheet{ID: created.SpreadsheetID, Title: title, URL: created.SpreadsheetURL}
	if len(headers) > 0 {
		headerRow := make(map[string]string, len(headers))
		for _, h := range headers {
			headerRow[h] = h
		}
		if err := g.AppendRow(ctx, sp.ID, "Sheet1", headers, headerRow); err != nil {
			return nil, err
		}
	}
	if folderID != "" {
		if err := g.MoveSpreadsheet(ctx, sp.ID, folderID); err != nil {
			return nil, err
		}
	}
	return sp, nil
}

// AppendRow appends one record, ordering cells by headers. Missing keys
// become empty cells.
func (g *GoogleClient) AppendRow(ctx context.Context, spreadsheetID, title string, headers []string, row map[string]string) error {
	cells := make([]string, len(headers))
	for i, h := range headers {
		cells[i] = row[NormalizeHeader(h)]
		if cells[i] == "" {
			cells[i] = row[h]
		}
	}

	u := fmt.Sprintf("%s/spreadsheets/%s/values/%s:append?valueInputOption=RAW",
		g.sheetsBase, spreadsheetID, url.PathEscape(title))
	body := map[string]interface{}{"values": [][]string{cells}}
	if err := g.postJSON(ctx, u, body, nil); err != nil {
		return fmt.Errorf("append row to %s!%s: %w", spreadsheetID, title, err)
	}
	return nil
}

// MoveSpreadsheet reparents a document into the folder, dropping its
// previous parents.
func (g *GoogleClient) MoveSpreadsheet(ctx context.Context, spreadsheetID, folderID string) error {
	var file struct {
		Parents []string `json:"parents"`
	}
	if err := g.getJSON(ctx, fmt.Sprintf("%s/files/%s?fields=parents", g.driveBase, spreadsheetID), &file); err != nil {
		return fmt.Errorf("get parents of %s: %w", spreadsheetID, err)
	}

	q := url.Values{}
	q.Set("addParents", folderID)
	if len(file.Parents) > 0 {
		q.Set("removeParents", file.Parents[0])
	}
	u := fmt.Sprintf("%s/files/%s?%s", g.driveBase, spreadsheetID, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, u, bytes.NewReader([]byte("{}")))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return g.do(req, nil)
}

func (g *GoogleClient) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return g.do(req, out)
}

func (g *GoogleClient) postJSON(ctx context.Context, url string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return g.do(req, out)
}

func (g *GoogleClient) do(req *http.Request, out interface{}) error {
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("google api status %d: %s", resp.StatusCode, truncate(string(data), 200))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
