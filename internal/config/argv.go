package config

import (
	"fmt"
	"strings"
	"unicode"
)

// argvScanner splits a command line with shell-like quoting. Quotes group
// words; outside quotes a backslash escapes the next rune. Variables and
// globs are not expanded.
type argvScanner struct {
	args    []string
	word    strings.Builder
	inWord  bool
	quote   rune
	escaped bool
}

func (s *argvScanner) emit() {
	if !s.inWord {
		return
	}
	s.args = append(s.args, s.word.String())
	s.word.Reset()
	s.inWord = false
}

func (s *argvScanner) add(r rune) {
	s.word.WriteRune(r)
	s.inWord = true
}

func (s *argvScanner) feed(r rune) {
	switch {
	case s.escaped:
		s.add(r)
		s.escaped = false
	case s.quote != 0 && r == s.quote:
		s.quote = 0
	case s.quote != 0:
		s.add(r)
	case r == '\\':
		s.escaped = true
	case r == '"' || r == '\'':
		s.quote = r
		s.inWord = true
	case unicode.IsSpace(r):
		s.emit()
	default:
		s.add(r)
	}
}

// parseArgv splits input into argv. Blank input and lines starting with
// '#' yield nil. Quoted empty strings are kept as empty arguments.
func parseArgv(input string) ([]string, error) {
	input = strings.TrimSpace(input)
	if input == "" || strings.HasPrefix(input, "#") {
		return nil, nil
	}

	var s argvScanner
	for _, r := range input {
		s.feed(r)
	}
	switch {
	case s.escaped:
		return nil, fmt.Errorf("unterminated escape sequence in command: %q", input)
	case s.quote != 0:
		return nil, fmt.Errorf("unterminated quote in command: %q", input)
	}
	s.emit()
	return s.args, nil
}

func mustParseArgv(input string) []string {
	argv, err := parseArgv(input)
	if err != nil {
		panic(err)
	}
	return argv
}
