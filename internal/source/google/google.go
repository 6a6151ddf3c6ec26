package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"ledger/internal/core"
	"ledger/internal/source"

	"google.golang.org/api/googleapi"
	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"
)

const DefaultPageSize = 100

// Ensure interface conformance
var _ source.Fetcher = (*Client)(nil)

// Client reads a ledger kept in a spreadsheet. Each task type has its own
// tab; row 1 holds the headers and the cursor is the next row to read.
type Client struct {
	svc           *gsheet.Service
	spreadsheetID string
	pageSize      int
	logger        *slog.Logger

	mu      sync.Mutex
	headers map[string]columns
}

// New wraps an existing Sheets service.
func New(svc *gsheet.Service, spreadsheetID string, pageSize int, logger *slog.Logger) *Client {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		svc:           svc,
		spreadsheetID: spreadsheetID,
		pageSize:      pageSize,
		logger:        logger,
		headers:       map[string]columns{},
	}
}

// NewFromCredentials creates a read-only Sheets client from Service Account
// credentials. Uses GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE,
// or GOOGLE_APPLICATION_CREDENTIALS.
func NewFromCredentials(ctx context.Context, spreadsheetID string, pageSize int, logger *slog.Logger) (*Client, error) {
	if strings.TrimSpace(spreadsheetID) == "" {
		return nil, errors.New("missing GOOGLE_SPREADSHEET_ID")
	}
	svc, err := newSheetsService(ctx)
	if err != nil {
		return nil, fmt.Errorf("sheets service: %w", err)
	}
	return New(svc, spreadsheetID, pageSize, logger), nil
}

func newSheetsService(ctx context.Context) (*gsheet.Service, error) {
	serviceAccountJSON := strings.TrimSpace(os.Getenv("GOOGLE_SERVICE_ACCOUNT_JSON"))
	serviceAccountFile := strings.TrimSpace(os.Getenv("GOOGLE_SERVICE_ACCOUNT_FILE"))
	if serviceAccountJSON == "" && serviceAccountFile == "" {
		serviceAccountFile = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	}

	var credentialsJSON []byte
	switch {
	case serviceAccountJSON != "":
		credentialsJSON = []byte(serviceAccountJSON)
	case serviceAccountFile != "":
		b, err := os.ReadFile(serviceAccountFile)
		if err != nil {
			return nil, fmt.Errorf("read service account file: %w", err)
		}
		credentialsJSON = b
	default:
		return nil, errors.New("missing service account credentials (set GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE, or GOOGLE_APPLICATION_CREDENTIALS)")
	}

	service, err := gsheet.NewService(ctx,
		goption.WithCredentialsJSON(credentialsJSON),
		goption.WithScopes(gsheet.SpreadsheetsReadonlyScope))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return service, nil
}

func (c *Client) FetchPage(ctx context.Context, taskType, cursor string) (core.Page, error) {
	if c.svc == nil {
		return core.Page{}, source.Fatal(errors.New("sheets service not initialized"))
	}
	start := 2
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 2 {
			return core.Page{}, source.Fatal(fmt.Errorf("invalid cursor %q", cursor))
		}
		start = n
	}

	cols, err := c.columns(ctx, taskType)
	if err != nil {
		return core.Page{}, err
	}

	end := start + c.pageSize - 1
	rng := fmt.Sprintf("%s!A%d:%s%d", taskType, start, lastColumn, end)
	resp, err := c.svc.Spreadsheets.Values.Get(c.spreadsheetID, rng).
		ValueRenderOption("UNFORMATTED_VALUE").Context(ctx).Do()
	if err != nil {
		return core.Page{}, classify(fmt.Errorf("read %s: %w", rng, err))
	}

	page := core.Page{Records: make([]core.Record, 0, len(resp.Values))}
	for _, row := range resp.Values {
		if rec, ok := cols.record(row); ok {
			page.Records = append(page.Records, rec)
		}
	}
	if len(resp.Values) >= c.pageSize {
		page.NextCursor = strconv.Itoa(end + 1)
	}
	c.logger.DebugContext(ctx, "Read ledger rows",
		"sheet", taskType,
		"range", rng,
		"rows", len(resp.Values),
		"records", len(page.Records))
	return page, nil
}

// columns returns the header layout of a tab, reading it on first use.
func (c *Client) columns(ctx context.Context, tab string) (columns, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cols, ok := c.headers[tab]; ok {
		return cols, nil
	}
	rng := fmt.Sprintf("%s!1:1", tab)
	resp, err := c.svc.Spreadsheets.Values.Get(c.spreadsheetID, rng).Context(ctx).Do()
	if err != nil {
		return columns{}, classify(fmt.Errorf("read %s: %w", rng, err))
	}
	var header []interface{}
	if len(resp.Values) > 0 {
		header = resp.Values[0]
	}
	cols := parseHeader(toStrings(header))
	c.headers[tab] = cols
	return cols, nil
}

// classify maps Sheets API failures onto the source error taxonomy.
func classify(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return err
	}
	switch gerr.Code {
	case http.StatusTooManyRequests:
		return source.RateLimited(retryAfter(gerr.Header), err)
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return source.Fatal(err)
	default:
		return err
	}
}

func retryAfter(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(h.Get("Retry-After")))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
