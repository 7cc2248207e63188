package helpers

import (
	"html"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

var (
	strictPolicyOnce sync.Once
	strictPolicy     *bluemonday.Policy
)

// StrictHTMLPolicy returns a singleton bluemonday policy that strips every HTML
// element and attribute.
func StrictHTMLPolicy() *bluemonday.Policy {
	strictPolicyOnce.Do(func() {
		strictPolicy = bluemonday.StrictPolicy()
	})
	return strictPolicy
}

// PlainText removes every HTML tag from s, decodes entities and collapses
// runs of whitespace. Search backends routinely return highlighted snippets
// ("<b>term</b>") which would otherwise skew token similarity.
func PlainText(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	cleaned := html.UnescapeString(StrictHTMLPolicy().Sanitize(s))
	return strings.Join(strings.Fields(cleaned), " ")
}
