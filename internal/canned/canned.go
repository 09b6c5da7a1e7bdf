// Package canned loads the knowledge base of pre-approved answers that is
// handed to the model alongside each customer email.
package canned

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const emptyPrompt = "No canned responses available."

type Response struct {
	ID       string   `yaml:"id" json:"id"`
	Title    string   `yaml:"title" json:"title"`
	Body     string   `yaml:"body" json:"body"`
	Keywords []string `yaml:"keywords,omitempty" json:"keywords,omitempty"`
	Language string   `yaml:"language,omitempty" json:"language,omitempty"` // "en", "zh"; empty means any
}

type Library struct {
	Responses []Response `yaml:"responses"`
}

// LoadFromFile reads a YAML or JSON file holding either a bare list of
// responses or a "responses" key.
func LoadFromFile(path string) (*Library, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read canned responses: %w", err)
	}

	var lib Library
	var list []Response
	if err := yaml.Unmarshal(data, &list); err == nil {
		lib.Responses = list
	} else if err := yaml.Unmarshal(data, &lib); err != nil {
		return nil, fmt.Errorf("failed to parse canned responses: %w", err)
	}

	for i := range lib.Responses {
		r := &lib.Responses[i]
		r.Title = strings.TrimSpace(r.Title)
		r.Body = strings.TrimSpace(r.Body)
		if r.ID == "" {
			r.ID = fmt.Sprintf("%s#%d", filepath.Base(path), i+1)
		}
	}
	return &lib, nil
}

// LoadFromDir merges every .yaml, .yml and .json file in dir.
func LoadFromDir(dir string) (*Library, error) {
	lib := &Library{}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read canned response directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}

		part, err := LoadFromFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", entry.Name(), err)
		}
		lib.Responses = append(lib.Responses, part.Responses...)
	}
	return lib, nil
}

// Load picks LoadFromDir or LoadFromFile depending on what path is.
// An empty path yields an empty library.
func Load(path string) (*Library, error) {
	if path == "" {
		return &Library{}, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open canned responses: %w", err)
	}
	if info.IsDir() {
		return LoadFromDir(path)
	}
	return LoadFromFile(path)
}

// HasLanguage reports whether any response is written for lang or for
// any language.
func (l *Library) HasLanguage(lang string) bool {
	for _, r := range l.Responses {
		if r.Language == "" || strings.EqualFold(r.Language, lang) {
			return true
		}
	}
	return false
}

// Match returns the responses whose keywords occur in text, most hits
// first.
func (l *Library) Match(text string) []Response {
	lower := strings.ToLower(text)

	type scored struct {
		r    Response
		hits int
	}
	var matches []scored
	for _, r := range l.Responses {
		hits := 0
		for _, kw := range r.Keywords {
			if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
				hits++
			}
		}
		if hits > 0 {
			matches = append(matches, scored{r, hits})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].hits > matches[j].hits })

	out := make([]Response, len(matches))
	for i, m := range matches {
		out[i] = m.r
	}
	return out
}

// PromptText renders the library as "Q: title\nA: body" blocks. Responses
// matching text are listed first.
func (l *Library) PromptText(text string) string {
	if l == nil || len(l.Responses) == 0 {
		return emptyPrompt
	}

	ordered := l.Match(text)
	seen := make(map[string]bool, len(ordered))
	for _, r := range ordered {
		seen[r.ID] = true
	}
	for _, r := range l.Responses {
		if !seen[r.ID] {
			ordered = append(ordered, r)
		}
	}

	blocks := make([]string, 0, len(ordered))
	for _, r := range ordered {
		blocks = append(blocks, "Q: "+r.Title+"\nA: "+r.Body)
	}
	return strings.Join(blocks, "\n\n")
}
