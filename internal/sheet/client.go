// Package sheet fetches the tabular post feed and normalizes its rows into
// typed PostItems.
package sheet

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	logx "skypost/pkg/logx"
)

// Row is one raw record: column name -> raw cell value.
// Lookups of absent columns yield "".
type Row map[string]string

type Client struct {
	http *http.Client
	url  string
	log  logx.Logger
}

const defaultFetchTimeout = 30 * time.Second

func NewClient(feedURL string, timeout time.Duration, log logx.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		http: &http.Client{Timeout: timeout},
		url:  feedURL,
		log:  log,
	}
}

// Fetch downloads the feed and parses it into rows. Missing columns default
// to empty strings rather than failing; short records are tolerated.
func (c *Client) Fetch(ctx context.Context) ([]Row, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch sheet: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch sheet: unexpected status %s", resp.Status)
	}
	return ParseRows(resp.Body, DelimiterFor(c.url))
}

// DelimiterFor picks the cell delimiter by URL convention: Google-style
// "output=tsv"/"format=tsv" exports and .tsv/.tab paths are tab-separated,
// everything else is a comma CSV.
func DelimiterFor(rawURL string) rune {
	low := strings.ToLower(rawURL)
	if strings.Contains(low, "output=tsv") || strings.Contains(low, "format=tsv") {
		return '\t'
	}
	if u, err := url.Parse(rawURL); err == nil {
		p := strings.ToLower(u.Path)
		if strings.HasSuffix(p, ".tsv") || strings.HasSuffix(p, ".tab") {
			return '\t'
		}
	}
	return ','
}

// ParseRows reads delimiter-separated text with a header line into rows.
func ParseRows(r io.Reader, delim rune) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.Comma = delim
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("parse sheet header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var rows []Row
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse sheet row: %w", err)
		}
		row := make(Row, len(header))
		for i, name := range header {
			if name == "" {
				continue
			}
			if i < len(rec) {
				row[name] = rec[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}
