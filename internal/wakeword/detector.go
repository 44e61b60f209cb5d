// Package wakeword matches partial transcripts against configured trigger
// phrases.
package wakeword

import (
	"strings"
	"sync"
	"unicode"

	"github.com/rbright/kiaanvoice/internal/config"
)

// Detector matches partial transcripts case-insensitively against a phrase
// list. Each armed session yields at most one detection.
type Detector struct {
	phrases []string

	mu    sync.Mutex
	armed bool
	fired bool
	arms  uint64
}

// New builds a detector. Phrases are normalized; empties and duplicates are
// dropped.
func New(phrases []string) *Detector {
	normalized, _ := config.NormalizePhrases(phrases)
	out := make([]string, 0, len(normalized))
	for _, p := range normalized {
		if n := Normalize(p); n != "" {
			out = append(out, n)
		}
	}
	return &Detector{phrases: out}
}

// Phrases returns the normalized phrase list.
func (d *Detector) Phrases() []string {
	return append([]string(nil), d.phrases...)
}

// Arm starts a new detection session and returns its sequence number.
func (d *Detector) Arm() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.arms++
	d.armed = true
	d.fired = false
	return d.arms
}

// Disarm ends the current session; later Feed calls never match.
func (d *Detector) Disarm() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.armed = false
}

// Armed reports whether the detector is accepting partials.
func (d *Detector) Armed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.armed && !d.fired
}

// Feed checks one partial transcript. On the first match of an armed
// session it returns the matched phrase and disarms.
func (d *Detector) Feed(text string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.armed || d.fired {
		return "", false
	}
	norm := Normalize(text)
	if norm == "" {
		return "", false
	}
	for _, phrase := range d.phrases {
		if strings.Contains(norm, phrase) {
			d.fired = true
			d.armed = false
			return phrase, true
		}
	}
	return "", false
}

// Normalize lower-cases text, turns punctuation into spaces, and collapses
// whitespace.
func Normalize(text string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			return unicode.ToLower(r)
		case r == '\'':
			return -1
		default:
			return ' '
		}
	}, text)
	return strings.Join(strings.Fields(mapped), " ")
}
