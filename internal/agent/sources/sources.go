package sources

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mohammad-safakhou/corpus/config"
	"github.com/mohammad-safakhou/corpus/internal/agent"
)

// New builds the agent for one configured descriptor.
func New(cfg config.AgentConfig, client *HTTPClient) (agent.Agent, error) {
	if client == nil {
		client = NewHTTPClient(0)
	}
	switch cfg.Type {
	case "brave":
		return &BraveClient{cfg: cfg, http: client}, nil
	case "serper":
		return &SerperClient{cfg: cfg, http: client}, nil
	case "newsapi":
		return &NewsAPIClient{cfg: cfg, http: client}, nil
	default:
		return nil, fmt.Errorf("unknown agent type %q", cfg.Type)
	}
}

// Descriptors turns enabled agent configs into collector descriptors.
func Descriptors(cfgs []config.AgentConfig, client *HTTPClient) ([]agent.Descriptor, error) {
	out := make([]agent.Descriptor, 0, len(cfgs))
	for _, c := range cfgs {
		if !c.IsEnabled() {
			continue
		}
		a, err := New(c, client)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", c.Name, err)
		}
		out = append(out, agent.Descriptor{
			Agent:  a,
			Name:   c.Name,
			Engine: c.Engine,
			Trust:  c.Trust,
			Options: agent.SearchOptions{
				Categories: c.Categories,
				Language:   c.Language,
				SafeSearch: c.SafeSearch,
				PageSize:   c.PageSize,
			},
			RatePerSecond: c.RatePerSecond,
			Filter: agent.Filter{
				MinContentLength: c.MinContentLength,
				RequiredFields:   c.RequiredFields,
				ExcludedTerms:    c.ExcludedTerms,
				StripHTML:        c.StripHTML,
			},
		})
	}
	return out, nil
}

// NewsAPIClient searches newsapi.org
type NewsAPIClient struct {
	cfg  config.AgentConfig
	http *HTTPClient
}

func (n *NewsAPIClient) Name() string { return n.cfg.Name }

func (n *NewsAPIClient) Search(ctx context.Context, query string, opts agent.SearchOptions) (agent.SearchResponse, error) {
	endpoint := n.cfg.Endpoint
	if endpoint == "" {
		endpoint = "https://newsapi.org/v2/everything"
	}
	var resp struct {
		TotalResults int `json:"totalResults"`
		Articles     []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			PublishedAt string `json:"publishedAt"`
			Description string `json:"description"`
			Content     string `json:"content"`
			Source      struct {
				Name string `json:"name"`
			} `json:"source"`
		} `json:"articles"`
	}
	q := url.Values{}
	q.Set("q", query)
	q.Set("language", orDefault(opts.Language, "en"))
	q.Set("sortBy", "relevancy")
	q.Set("pageSize", strconv.Itoa(pageSize(opts.PageSize, 20)))
	if opts.Page > 0 {
		q.Set("page", strconv.Itoa(opts.Page))
	}
	headers := map[string]string{"X-Api-Key": n.cfg.APIKey}
	if err := n.http.DoJSON(ctx, "GET", endpoint+"?"+q.Encode(), headers, nil, &resp); err != nil {
		return agent.SearchResponse{}, err
	}
	out := agent.SearchResponse{TotalResults: resp.TotalResults}
	for _, a := range resp.Articles {
		snippet := strings.TrimSpace(a.Description)
		if snippet == "" {
			snippet = strings.TrimSpace(a.Content)
		}
		hit := agent.SearchHit{Title: a.Title, URL: a.URL, Snippet: snippet}
		if ts, err := time.Parse(time.RFC3339, a.PublishedAt); err == nil {
			hit.PublishedAt = &ts
		}
		if a.Source.Name != "" {
			hit.Metadata = map[string]string{"source": a.Source.Name}
		}
		out.Hits = append(out.Hits, hit)
	}
	return out, nil
}

// BraveClient searches the Brave Search API
type BraveClient struct {
	cfg  config.AgentConfig
	http *HTTPClient
}

func (b *BraveClient) Name() string { return b.cfg.Name }

func (b *BraveClient) Search(ctx context.Context, query string, opts agent.SearchOptions) (agent.SearchResponse, error) {
	endpoint := b.cfg.Endpoint
	if endpoint == "" {
		endpoint = "https://api.search.brave.com/res/v1/web/search"
	}
	var resp struct {
		Query struct {
			Altered string `json:"altered"`
		} `json:"query"`
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
				Age         string `json:"page_age"`
			} `json:"results"`
		} `json:"web"`
	}
	q := url.Values{}
	q.Set("q", query)
	q.Set("count", strconv.Itoa(pageSize(opts.PageSize, 10)))
	if opts.Page > 0 {
		q.Set("offset", strconv.Itoa(opts.Page))
	}
	if opts.Language != "" {
		q.Set("search_lang", opts.Language)
	}
	switch opts.SafeSearch {
	case 0:
		q.Set("safesearch", "off")
	case 2:
		q.Set("safesearch", "strict")
	}
	headers := map[string]string{"X-Subscription-Token": b.cfg.APIKey}
	if err := b.http.DoJSON(ctx, "GET", endpoint+"?"+q.Encode(), headers, nil, &resp); err != nil {
		return agent.SearchResponse{}, err
	}
	out := agent.SearchResponse{TotalResults: len(resp.Web.Results)}
	if resp.Query.Altered != "" {
		out.Suggestions = []string{resp.Query.Altered}
	}
	for _, r := range resp.Web.Results {
		hit := agent.SearchHit{Title: r.Title, URL: r.URL, Snippet: r.Description}
		if ts, err := time.Parse(time.RFC3339, r.Age); err == nil {
			hit.PublishedAt = &ts
		}
		out.Hits = append(out.Hits, hit)
	}
	return out, nil
}

// SerperClient searches serper.dev
type SerperClient struct {
	cfg  config.AgentConfig
	http *HTTPClient
}

func (s *SerperClient) Name() string { return s.cfg.Name }

func (s *SerperClient) Search(ctx context.Context, query string, opts agent.SearchOptions) (agent.SearchResponse, error) {
	endpoint := s.cfg.Endpoint
	if endpoint == "" {
		endpoint = "https://google.serper.dev/search"
	}
	var resp struct {
		Organic []struct {
			Title    string  `json:"title"`
			Link     string  `json:"link"`
			Snippet  string  `json:"snippet"`
			Date     string  `json:"date"`
			Position float64 `json:"position"`
		} `json:"organic"`
		RelatedSearches []struct {
			Query string `json:"query"`
		} `json:"relatedSearches"`
	}
	body := map[string]any{"q": query, "num": pageSize(opts.PageSize, 10)}
	if opts.Language != "" {
		body["hl"] = opts.Language
	}
	if opts.Page > 0 {
		body["page"] = opts.Page
	}
	headers := map[string]string{"X-API-KEY": s.cfg.APIKey}
	if err := s.http.DoJSON(ctx, "POST", endpoint, headers, body, &resp); err != nil {
		return agent.SearchResponse{}, err
	}
	out := agent.SearchResponse{TotalResults: len(resp.Organic)}
	n := float64(len(resp.Organic))
	for _, r := range resp.Organic {
		hit := agent.SearchHit{Title: r.Title, URL: r.Link, Snippet: r.Snippet}
		if r.Position > 0 && n > 0 {
			// earlier positions score higher
			score := 1 - (r.Position-1)/n
			hit.Score = &score
		}
		out.Hits = append(out.Hits, hit)
	}
	for _, rs := range resp.RelatedSearches {
		out.Suggestions = append(out.Suggestions, rs.Query)
	}
	return out, nil
}

func pageSize(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
