// Package rules rewrites transcript text with user-defined substitutions before it reaches
// the transcript.
//
// A rules file holds one rule per line:
//
//	pull request => PR          literal, case-insensitive, whole words only
//	s/\bdeep\s*gram\b/Deepgram/g  regex with optional i, g, m, s flags
//
// Blank lines and lines starting with # are ignored.
package rules

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// ErrUnstable is returned when the rules keep rewriting text after the iteration limit.
var ErrUnstable = errors.New("substitution rules did not settle")

const defaultIterationLimit = 30

type rule struct {
	line        int
	re          *regexp.Regexp
	replacement string
	// firstOnly replaces only the leftmost match per pass.
	firstOnly bool
}

func (r rule) apply(input string) string {
	if !r.firstOnly {
		return r.re.ReplaceAllString(input, r.replacement)
	}
	loc := r.re.FindStringSubmatchIndex(input)
	if loc == nil {
		return input
	}
	var out []byte
	out = r.re.ExpandString(out, r.replacement, input, loc)
	return input[:loc[0]] + string(out) + input[loc[1]:]
}

// Engine applies an immutable rule set. It is safe for concurrent use.
type Engine struct {
	rules []rule
	limit int
}

// NewEngine loads rules from path. A blank path or a missing file yields an engine that
// returns text unchanged.
func NewEngine(path string, iterationLimit int) (*Engine, error) {
	if iterationLimit <= 0 {
		iterationLimit = defaultIterationLimit
	}
	if strings.TrimSpace(path) == "" {
		return &Engine{limit: iterationLimit}, nil
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Engine{limit: iterationLimit}, nil
		}
		return nil, fmt.Errorf("failed to read rules file %q: %w", path, err)
	}
	return Parse(string(contents), iterationLimit)
}

// Parse compiles rules from their text form.
func Parse(contents string, iterationLimit int) (*Engine, error) {
	if iterationLimit <= 0 {
		iterationLimit = defaultIterationLimit
	}
	var (
		rules []rule
		errs  []error
	)
	for i, raw := range strings.Split(contents, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		r, err := parseLine(line)
		if err != nil {
			errs = append(errs, fmt.Errorf("line %d: %w", i+1, err))
			continue
		}
		r.line = i + 1
		rules = append(rules, r)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &Engine{rules: rules, limit: iterationLimit}, nil
}

// Len reports how many rules are loaded.
func (e *Engine) Len() int {
	if e == nil {
		return 0
	}
	return len(e.rules)
}

// Apply runs every rule in file order, repeating until a pass changes nothing. When the
// limit is reached first, the last result is returned together with ErrUnstable.
func (e *Engine) Apply(text string) (string, error) {
	if e == nil || len(e.rules) == 0 || text == "" {
		return text, nil
	}

	result := text
	for pass := 0; pass < e.limit; pass++ {
		before := result
		for _, r := range e.rules {
			result = r.apply(result)
		}
		if result == before {
			return strings.TrimSpace(result), nil
		}
	}
	return strings.TrimSpace(result), fmt.Errorf("%w after %d passes", ErrUnstable, e.limit)
}

func parseLine(line string) (rule, error) {
	if isRegexRule(line) {
		return parseRegex(line)
	}
	if strings.Contains(line, "=>") {
		return parseLiteral(line)
	}
	return rule{}, errors.New("unsupported rule format")
}

func parseLiteral(line string) (rule, error) {
	from, to, _ := strings.Cut(line, "=>")
	from = strings.TrimSpace(from)
	to = strings.TrimSpace(to)
	if from == "" {
		return rule{}, errors.New("literal rule source cannot be empty")
	}

	pattern := regexp.QuoteMeta(from)
	if isWordByte(from[0]) {
		pattern = `\b` + pattern
	}
	if isWordByte(from[len(from)-1]) {
		pattern += `\b`
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return rule{}, fmt.Errorf("invalid literal source: %w", err)
	}
	return rule{re: re, replacement: strings.ReplaceAll(to, "$", "$$")}, nil
}

func parseRegex(line string) (rule, error) {
	delim := line[1]
	pattern, next, err := readDelimited(line, 2, delim)
	if err != nil {
		return rule{}, fmt.Errorf("invalid regex pattern: %w", err)
	}
	replacement, next, err := readDelimited(line, next, delim)
	if err != nil {
		return rule{}, fmt.Errorf("invalid regex replacement: %w", err)
	}

	flags := "i"
	global := false
	for _, f := range strings.TrimSpace(line[next:]) {
		switch f {
		case 'g':
			global = true
		case 'i':
		case 'm', 's':
			flags += string(f)
		default:
			return rule{}, fmt.Errorf("unsupported regex flag %q", f)
		}
	}

	re, err := regexp.Compile("(?" + flags + ")" + pattern)
	if err != nil {
		return rule{}, fmt.Errorf("invalid regex: %w", err)
	}
	return rule{re: re, replacement: replacement, firstOnly: !global}, nil
}

// readDelimited returns the text up to the next unescaped delim and the index after it.
// Escapes other than an escaped delimiter are kept for the regexp compiler.
func readDelimited(line string, start int, delim byte) (string, int, error) {
	var b strings.Builder
	for i := start; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '\\' && i+1 < len(line) && line[i+1] == delim:
			b.WriteByte(delim)
			i++
		case c == '\\' && i+1 < len(line):
			b.WriteByte(c)
			b.WriteByte(line[i+1])
			i++
		case c == delim:
			return b.String(), i + 1, nil
		default:
			b.WriteByte(c)
		}
	}
	return "", 0, errors.New("unterminated expression")
}

func isRegexRule(line string) bool {
	return len(line) > 2 && line[0] == 's' && !isWordByte(line[1]) && line[1] != ' ' && line[1] != '\t'
}

func isWordByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
