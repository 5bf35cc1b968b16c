// Package censor provides lexical content filtering for comment moderation.
package censor

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// Word is one banned vocabulary entry: a regex pattern plus exact matches
// that are explicitly allowed despite matching the pattern.
type Word struct {
	Text       string   `json:"text"`
	Pattern    string   `json:"pattern"`
	Exceptions []string `json:"exceptions"`

	re *regexp.Regexp
}

type Censor struct {
	banned []Word
}

// New returns an empty Censor; an empty censor rejects nothing.
func New() *Censor {
	return &Censor{}
}

// LoadFromJSON loads banned words from a JSON file and compiles their patterns.
func (c *Censor) LoadFromJSON(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var words []Word
	if err := json.Unmarshal(data, &words); err != nil {
		return err
	}

	for i, word := range words {
		words[i].re, err = regexp.Compile(word.Pattern)
		if err != nil {
			return fmt.Errorf("failed to compile pattern %q: %w", word.Pattern, err)
		}
	}

	c.banned = words
	return nil
}

// Empty reports whether no wordlist is loaded.
func (c *Censor) Empty() bool {
	return len(c.banned) == 0
}

func normalize(text string) string {
	return strings.TrimSpace(strings.ToLower(text))
}

// Check scans content for banned vocabulary, case-insensitively, word by
// word. It reports true when any word matches a banned pattern and the match
// is not listed in that entry's exceptions.
func (c *Censor) Check(content string) bool {
	words := strings.Fields(normalize(content))

	for _, w := range words {
		for _, banned := range c.banned {
			match := banned.re.FindString(w)
			if match == "" {
				continue
			}

			isException := false
			for _, exc := range banned.Exceptions {
				if exc == match {
					isException = true
					break
				}
			}

			if !isException {
				return true
			}
		}
	}

	return false
}
