// Package filter evaluates the operator's post predicates. A filter config
// is a JSON mapping of predicate name to argument; every present predicate
// must hold for a post to pass.
package filter

import (
	"strings"

	"project-mirage/internal/model"
)

// Apply returns the posts passing every predicate in config. A nil or empty
// config passes everything through unchanged.
func Apply(posts []model.Post, config map[string]any) []model.Post {
	if len(config) == 0 {
		return posts
	}
	filtered := make([]model.Post, 0, len(posts))
	for i := range posts {
		if passes(&posts[i], config) {
			filtered = append(filtered, posts[i])
		}
	}
	return filtered
}

func passes(p *model.Post, config map[string]any) bool {
	if v, ok := config["include_keywords"]; ok {
		if kws := stringList(v); len(kws) > 0 && !containsAny(p, kws) {
			return false
		}
	}
	if v, ok := config["exclude_keywords"]; ok {
		if kws := stringList(v); len(kws) > 0 && containsAny(p, kws) {
			return false
		}
	}
	if v, ok := config["require_all_keywords"]; ok {
		if kws := stringList(v); len(kws) > 0 && !containsAll(p, kws) {
			return false
		}
	}
	if boolValue(config["require_files"]) && !p.HasFiles() {
		return false
	}
	if boolValue(config["require_attachments"]) && len(p.Attachments) == 0 {
		return false
	}
	if d := stringValue(config["published_after"]); d != "" && !PublishedAfter(p, d) {
		return false
	}
	if d := stringValue(config["published_before"]); d != "" && !PublishedBefore(p, d) {
		return false
	}
	return true
}

// ContainsKeyword matches case-insensitively against title and content.
func ContainsKeyword(p *model.Post, keyword string) bool {
	text := strings.ToLower(p.Title + " " + p.Content)
	return strings.Contains(text, strings.ToLower(keyword))
}

func containsAny(p *model.Post, keywords []string) bool {
	for _, kw := range keywords {
		if ContainsKeyword(p, kw) {
			return true
		}
	}
	return false
}

func containsAll(p *model.Post, keywords []string) bool {
	for _, kw := range keywords {
		if !ContainsKeyword(p, kw) {
			return false
		}
	}
	return true
}

// PublishedAfter compares the date prefix of published strictly against a
// "YYYY-MM-DD" bound.
func PublishedAfter(p *model.Post, date string) bool {
	return p.PublishedDate() > date
}

// PublishedBefore is the strict lower-bound counterpart of PublishedAfter.
func PublishedBefore(p *model.Post, date string) bool {
	return p.PublishedDate() < date
}

func stringList(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func boolValue(v any) bool {
	b, _ := v.(bool)
	return b
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}
