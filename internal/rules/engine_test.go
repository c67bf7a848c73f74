package rules

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeRules(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "substitutions.rules")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("failed to write rules file: %v", err)
	}
	return path
}

func TestEngineLiteralAndRegexRules(t *testing.T) {
	t.Parallel()

	path := writeRules(t, `
# literal
pull request => PR
# regex with default case-insensitive
s/\bdeep\s*gram\b/Deepgram/g
`)

	engine, err := NewEngine(path, 30)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	if engine.Len() != 2 {
		t.Fatalf("expected 2 rules, got %d", engine.Len())
	}

	output, err := engine.Apply("Deep gram pull request")
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if output != "Deepgram PR" {
		t.Fatalf("unexpected output: %q", output)
	}
}

func TestEngineLiteralMatchesWholeWords(t *testing.T) {
	t.Parallel()

	engine, err := Parse("cat => dog\nsolid complaint => SOLID-compliant\nC++ => cpp", 0)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	output, err := engine.Apply("the cat will concatenate a solid complaint plan in C++")
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if output != "the dog will concatenate a SOLID-compliant plan in cpp" {
		t.Fatalf("unexpected output: %q", output)
	}
}

func TestEngineLiteralReplacementIsNotExpanded(t *testing.T) {
	t.Parallel()

	engine, err := Parse("ten bucks => $10", 0)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	output, _ := engine.Apply("costs ten bucks")
	if output != "costs $10" {
		t.Fatalf("unexpected output: %q", output)
	}
}

func TestEngineIteratesUntilStable(t *testing.T) {
	t.Parallel()

	engine, err := Parse("a => b\nb => c", 5)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	output, err := engine.Apply("a")
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if output != "c" {
		t.Fatalf("expected c, got %q", output)
	}
}

func TestEngineReportsUnstableRules(t *testing.T) {
	t.Parallel()

	engine, err := Parse("s/um/um um/g", 3)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	output, err := engine.Apply("um")
	if !errors.Is(err, ErrUnstable) {
		t.Fatalf("expected unstable error, got %v", err)
	}
	if strings.Count(output, "um") != 8 {
		t.Fatalf("expected the last pass result, got %q", output)
	}
}

func TestRegexRuleWithoutGlobalReplacesFirstMatchPerPass(t *testing.T) {
	t.Parallel()

	r, err := parseRegex(`s/(f)oo/${1}ar/`)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if got := r.apply("foo foo"); got != "far foo" {
		t.Fatalf("unexpected output: %q", got)
	}
}

func TestRegexRuleEscapedDelimiter(t *testing.T) {
	t.Parallel()

	engine, err := Parse(`s/and\/or/or/g`, 0)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if got, _ := engine.Apply("this and/or that"); got != "this or that" {
		t.Fatalf("unexpected output: %q", got)
	}
}

func TestParseRejectsBadLines(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"unsupported flag": `s/foo/bar/x`,
		"unterminated":     `s/foo/bar`,
		"bad regex":        `s/(/x/`,
		"empty literal":    ` => x`,
		"no rule":          "not-a-rule",
	}
	for name, line := range cases {
		if _, err := Parse(line, 0); err == nil {
			t.Fatalf("%s: expected error for %q", name, line)
		}
	}

	_, err := Parse("ok => fine\nbroken\nalso broken", 0)
	if err == nil || !strings.Contains(err.Error(), "line 2") || !strings.Contains(err.Error(), "line 3") {
		t.Fatalf("expected every bad line reported, got %v", err)
	}
}

func TestNewEngineMissingFileIsEmpty(t *testing.T) {
	t.Parallel()

	engine, err := NewEngine(filepath.Join(t.TempDir(), "missing.rules"), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, err := engine.Apply(" keep me "); err != nil || got != " keep me " {
		t.Fatalf("expected text unchanged, got %q (%v)", got, err)
	}
}
