// Package confluence reads pages from the Confluence Cloud REST API.
package confluence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const childPageLimit = 100

type Config struct {
	BaseURL   string
	Email     string
	Token     string
	RateLimit float64 // requests per second, 0 disables limiting
	Timeout   time.Duration
}

// Page is a Confluence page with its storage-format body.
type Page struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	Version int    `json:"version"`
	URL     string `json:"url"`
}

type Client struct {
	baseURL string
	email   string
	token   string
	client  *http.Client
	limiter *rate.Limiter
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	return &Client{
		baseURL: NormalizeBaseURL(cfg.BaseURL),
		email:   cfg.Email,
		token:   cfg.Token,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, 1),
	}
}

// NormalizeBaseURL returns the site URL ending in /wiki, without a trailing
// slash. Cloud sites are addressed both with and without the /wiki suffix.
func NormalizeBaseURL(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" || strings.Contains(base, "/wiki") {
		return base
	}
	return base + "/wiki"
}

type apiPage struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Version struct {
		Number int `json:"number"`
	} `json:"version"`
	Body struct {
		Storage struct {
			Value string `json:"value"`
		} `json:"storage"`
	} `json:"body"`
	Links struct {
		WebUI string `json:"webui"`
	} `json:"_links"`
}

type apiPageList struct {
	Results []apiPage `json:"results"`
	Size    int       `json:"size"`
	Links   struct {
		Next string `json:"next"`
	} `json:"_links"`
}

func (c *Client) toPage(p apiPage) Page {
	page := Page{
		ID:      p.ID,
		Title:   p.Title,
		Body:    p.Body.Storage.Value,
		Version: p.Version.Number,
	}
	if p.Links.WebUI != "" {
		page.URL = c.baseURL + p.Links.WebUI
	}
	return page
}

// Fetch returns the current version of a page.
func (c *Client) Fetch(ctx context.Context, id string) (*Page, error) {
	q := url.Values{"expand": {"body.storage,version"}}
	var p apiPage
	if err := c.get(ctx, "/rest/api/content/"+url.PathEscape(id), q, &p); err != nil {
		return nil, err
	}
	page := c.toPage(p)
	return &page, nil
}

// Children lists the ids of the page's child pages, depth first and
// including all descendants when recursive is set. Each id appears once.
func (c *Client) Children(ctx context.Context, id string, recursive bool) ([]string, error) {
	visited := map[string]bool{id: true}
	var out []string
	if err := c.collectChildren(ctx, id, recursive, visited, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) collectChildren(ctx context.Context, id string, recursive bool, visited map[string]bool, out *[]string) error {
	for start := 0; ; {
		q := url.Values{
			"start": {strconv.Itoa(start)},
			"limit": {strconv.Itoa(childPageLimit)},
		}
		var list apiPageList
		if err := c.get(ctx, "/rest/api/content/"+url.PathEscape(id)+"/child/page", q, &list); err != nil {
			return fmt.Errorf("list children of %s: %w", id, err)
		}

		for _, child := range list.Results {
			if visited[child.ID] {
				continue
			}
			visited[child.ID] = true
			*out = append(*out, child.ID)
			if recursive {
				if err := c.collectChildren(ctx, child.ID, true, visited, out); err != nil {
					return err
				}
			}
		}

		if list.Links.Next == "" || len(list.Results) == 0 {
			return nil
		}
		start += len(list.Results)
	}
}

// SearchByLabel returns pages carrying label.
func (c *Client) SearchByLabel(ctx context.Context, label string) ([]Page, error) {
	q := url.Values{
		"cql":    {fmt.Sprintf(`label=%q AND type=page`, label)},
		"expand": {"body.storage,version"},
		"limit":  {"50"},
	}
	var list apiPageList
	if err := c.get(ctx, "/rest/api/content/search", q, &list); err != nil {
		return nil, err
	}
	pages := make([]Page, 0, len(list.Results))
	for _, p := range list.Results {
		pages = append(pages, c.toPage(p))
	}
	return pages, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	if c.baseURL == "" {
		return errors.New("confluence base url not configured")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.email != "" || c.token != "" {
		req.SetBasicAuth(c.email, c.token)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	slog.DebugContext(ctx, "confluence request", "path", path, "status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body)), URL: endpoint}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
