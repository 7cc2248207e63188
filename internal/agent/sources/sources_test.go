package sources

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mohammad-safakhou/corpus/config"
	"github.com/mohammad-safakhou/corpus/internal/agent"
	"github.com/mohammad-safakhou/corpus/internal/resilience"
)

func TestBraveSearchParsesResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Subscription-Token") != "key" {
			t.Errorf("missing subscription header")
		}
		if r.URL.Query().Get("q") != "rust ownership" || r.URL.Query().Get("count") != "5" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"web":{"results":[{"title":"Ownership","url":"https://doc.rust-lang.org/book/ch04","description":"Rust ownership rules"}]}}`))
	}))
	defer srv.Close()

	a, err := New(config.AgentConfig{Name: "brave", Type: "brave", APIKey: "key", Endpoint: srv.URL}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	resp, err := a.Search(context.Background(), "rust ownership", agent.SearchOptions{PageSize: 5, SafeSearch: 1})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Hits) != 1 || resp.Hits[0].URL != "https://doc.rust-lang.org/book/ch04" || resp.Hits[0].Snippet != "Rust ownership rules" {
		t.Fatalf("unexpected hits %+v", resp.Hits)
	}
}

func TestSerperSearchPostsBodyAndScoresByPosition(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["q"] != "go generics" {
			t.Errorf("unexpected body %v", body)
		}
		_, _ = w.Write([]byte(`{"organic":[{"title":"A","link":"https://a.dev","snippet":"first","position":1},{"title":"B","link":"https://b.dev","snippet":"second","position":2}],"relatedSearches":[{"query":"go generics tutorial"}]}`))
	}))
	defer srv.Close()

	a, _ := New(config.AgentConfig{Name: "serper", Type: "serper", Endpoint: srv.URL}, nil)
	resp, err := a.Search(context.Background(), "go generics", agent.SearchOptions{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Hits) != 2 || *resp.Hits[0].Score != 1 || *resp.Hits[1].Score != 0.5 {
		t.Fatalf("unexpected scores %+v", resp.Hits)
	}
	if len(resp.Suggestions) != 1 {
		t.Fatalf("expected related searches as suggestions")
	}
}

func TestNewsAPIParsesPublishedTime(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"totalResults":7,"articles":[{"title":"T","url":"https://n.com/a","publishedAt":"2025-03-01T10:00:00Z","description":"","content":"body text","source":{"name":"N"}}]}`))
	}))
	defer srv.Close()

	a, _ := New(config.AgentConfig{Name: "news", Type: "newsapi", Endpoint: srv.URL}, nil)
	resp, err := a.Search(context.Background(), "x", agent.SearchOptions{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if resp.TotalResults != 7 || resp.Hits[0].PublishedAt == nil || resp.Hits[0].Snippet != "body text" || resp.Hits[0].Metadata["source"] != "N" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestStatusErrorsAreClassified(t *testing.T) {
	status := http.StatusTooManyRequests
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", status)
	}))
	defer srv.Close()

	a, _ := New(config.AgentConfig{Name: "brave", Type: "brave", Endpoint: srv.URL}, nil)
	_, err := a.Search(context.Background(), "x", agent.SearchOptions{})
	var se *resilience.HTTPStatusError
	if !errors.As(err, &se) || se.StatusCode != 429 || !resilience.IsRetryable(err) {
		t.Fatalf("expected retryable 429, got %v", err)
	}
	status = http.StatusUnauthorized
	_, err = a.Search(context.Background(), "x", agent.SearchOptions{})
	if resilience.IsRetryable(err) {
		t.Fatalf("401 must not be retried: %v", err)
	}
}

func TestDescriptorsSkipsDisabledAndRejectsUnknown(t *testing.T) {
	off := false
	descs, err := Descriptors([]config.AgentConfig{
		{Name: "web", Type: "brave", Engine: "brave", Trust: 0.7, MinContentLength: 20},
		{Name: "off", Type: "serper", Enabled: &off},
	}, nil)
	if err != nil {
		t.Fatalf("Descriptors: %v", err)
	}
	if len(descs) != 1 || descs[0].AgentName() != "web" || descs[0].Filter.MinContentLength != 20 || descs[0].Trust != 0.7 {
		t.Fatalf("unexpected descriptors %+v", descs)
	}
	if _, err := Descriptors([]config.AgentConfig{{Name: "x", Type: "gopher"}}, nil); err == nil {
		t.Fatalf("expected unknown type error")
	}
}
