package similarity

import (
	"math"
	"testing"
)

func TestJaccard(t *testing.T) {
	t.Parallel()
	if got := Jaccard("Intro to X", "intro to x guide"); math.Abs(got-0.75) > 1e-9 {
		t.Fatalf("Jaccard = %v, want 0.75", got)
	}
	if got := Jaccard("", ""); got != 0 {
		t.Fatalf("Jaccard of empty strings = %v", got)
	}
}

func TestLevenshtein(t *testing.T) {
	t.Parallel()
	tests := []struct {
		a, b string
		want int
	}{
		{"kitten", "sitting", 3},
		{"", "abc", 3},
		{"abc", "abc", 0},
		{"flaw", "lawn", 2},
	}
	for _, tt := range tests {
		if got := Levenshtein(tt.a, tt.b); got != tt.want {
			t.Fatalf("Levenshtein(%q,%q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestSymmetry(t *testing.T) {
	t.Parallel()
	pairs := [][2]string{
		{"Go concurrency patterns", "Concurrency patterns in Go"},
		{"Intro to X", "intro to x – guide"},
		{"", "something"},
		{"machine learning basics explained", "machine learning basic explanation"},
	}
	for _, p := range pairs {
		if Text(p[0], p[1]) != Text(p[1], p[0]) {
			t.Fatalf("Text not symmetric for %q / %q", p[0], p[1])
		}
		if Jaccard(p[0], p[1]) != Jaccard(p[1], p[0]) {
			t.Fatalf("Jaccard not symmetric for %q / %q", p[0], p[1])
		}
		if EditSimilarity(p[0], p[1]) != EditSimilarity(p[1], p[0]) {
			t.Fatalf("EditSimilarity not symmetric for %q / %q", p[0], p[1])
		}
	}
	urls := [][2]string{
		{"https://example.com/a?utm_source=x", "https://example.com/b"},
		{"https://a.com/x", "https://b.com/x"},
	}
	for _, p := range urls {
		if URL(p[0], p[1]) != URL(p[1], p[0]) {
			t.Fatalf("URL not symmetric for %q / %q", p[0], p[1])
		}
	}
}

func TestTextBlendsEditDistanceForSimilarLengths(t *testing.T) {
	t.Parallel()
	a := "machine learning basics explained"
	b := "machine learning basic explanation"
	j := Jaccard(a, b)
	got := Text(a, b)
	if got <= j {
		t.Fatalf("expected edit blend to raise score above jaccard %.3f, got %.3f", j, got)
	}
	if Text("same words here", "Same  words, here!") != 1 {
		t.Fatalf("expected identical normalised text to score 1")
	}
}

func TestURL(t *testing.T) {
	t.Parallel()
	if got := URL("https://example.com/intro-to-x?utm_source=feed", "http://www.Example.com/intro-to-x/"); got != 0.5 {
		// scheme differs so canonical forms differ, host still matches
		t.Fatalf("URL host match = %v, want 0.5", got)
	}
	if got := URL("https://example.com/intro-to-x?utm_source=feed", "https://example.com/Intro-To-X/?fbclid=1"); got != 1 {
		t.Fatalf("URL canonical match = %v, want 1", got)
	}
	if got := URL("https://a.com/x", "https://b.com/x"); got != 0 {
		t.Fatalf("URL different hosts = %v, want 0", got)
	}
	if got := URL("", "https://b.com/x"); got != 0 {
		t.Fatalf("URL with empty input = %v, want 0", got)
	}
}

func TestTermOverlap(t *testing.T) {
	t.Parallel()
	if got := TermOverlap("rust ownership", "Understanding ownership in Rust"); got != 1 {
		t.Fatalf("TermOverlap = %v, want 1", got)
	}
	if got := TermOverlap("rust ownership", "Garbage collection in Java"); got != 0 {
		t.Fatalf("TermOverlap = %v, want 0", got)
	}
	if got := TermOverlap("", "anything"); got != 0 {
		t.Fatalf("TermOverlap empty query = %v", got)
	}
}
