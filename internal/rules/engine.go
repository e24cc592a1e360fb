package rules

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/grafana/regexp"
	"github.com/spf13/afero"
)

// ErrNoConvergence is returned when substitutions keep changing the text
// after the pass limit.
var ErrNoConvergence = errors.New("substitution rules did not converge")

// Rule rewrites a transcript.
type Rule interface {
	Apply(input string) (output string, changed bool)
}

// Syntax recognizes and compiles one rule line.
type Syntax interface {
	Matches(line string) bool
	Compile(line string) (Rule, error)
}

// Engine applies transcript substitutions such as "marte => Marte" or
// "s/nasa/NASA/g" until the text is stable.
type Engine struct {
	rules     []Rule
	passLimit int
}

// NewEngine loads rules from path on the local filesystem. A missing file yields an empty engine.
func NewEngine(path string, passLimit int) (*Engine, error) {
	return Load(afero.NewOsFs(), path, passLimit)
}

// Load reads rules from fs using the built-in syntaxes.
func Load(fs afero.Fs, path string, passLimit int) (*Engine, error) {
	if strings.TrimSpace(path) == "" {
		return New(nil, passLimit), nil
	}

	contents, err := afero.ReadFile(fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return New(nil, passLimit), nil
		}
		return nil, fmt.Errorf("failed to read rules file %q: %w", path, err)
	}

	rules, err := Parse(string(contents), DefaultSyntaxes()...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse rules file %q: %w", path, err)
	}
	return New(rules, passLimit), nil
}

// New builds an engine from compiled rules.
func New(rules []Rule, passLimit int) *Engine {
	if passLimit <= 0 {
		passLimit = 30
	}
	return &Engine{rules: rules, passLimit: passLimit}
}

// Len reports how many rules are loaded.
func (e *Engine) Len() int {
	return len(e.rules)
}

// Apply runs every rule in order, repeating full passes until nothing changes.
func (e *Engine) Apply(text string) (string, error) {
	if len(e.rules) == 0 {
		return text, nil
	}

	result := text
	for pass := 0; pass < e.passLimit; pass++ {
		changed := false
		for _, rule := range e.rules {
			next, ruleChanged := rule.Apply(result)
			if ruleChanged {
				result = next
				changed = true
			}
		}
		if !changed {
			return result, nil
		}
	}
	return result, fmt.Errorf("%w after %d passes", ErrNoConvergence, e.passLimit)
}

// Parse compiles rule lines; blank lines and # comments are skipped.
func Parse(contents string, syntaxes ...Syntax) ([]Rule, error) {
	if len(syntaxes) == 0 {
		syntaxes = DefaultSyntaxes()
	}

	lines := strings.Split(contents, "\n")
	rules := make([]Rule, 0, len(lines))
	for index, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var matched Syntax
		for _, syntax := range syntaxes {
			if syntax.Matches(line) {
				matched = syntax
				break
			}
		}
		if matched == nil {
			return nil, fmt.Errorf("line %d: unsupported rule format", index+1)
		}

		rule, err := matched.Compile(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", index+1, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// DefaultSyntaxes returns the sed-style pattern syntax followed by the word syntax.
func DefaultSyntaxes() []Syntax {
	return []Syntax{PatternSyntax{}, WordSyntax{}}
}

// WordSyntax parses "from => to". The source matches whole words only,
// case-insensitively, with Unicode letters treated as word characters.
type WordSyntax struct{}

func (WordSyntax) Matches(line string) bool {
	return strings.Contains(line, "=>")
}

func (WordSyntax) Compile(line string) (Rule, error) {
	from, to, _ := strings.Cut(line, "=>")
	from = strings.TrimSpace(from)
	to = strings.TrimSpace(to)
	if from == "" {
		return nil, errors.New("word rule source cannot be empty")
	}

	re, err := regexp.Compile(`(?i)(^|[^\p{L}\p{N}_])` + regexp.QuoteMeta(from) + `([^\p{L}\p{N}_]|$)`)
	if err != nil {
		return nil, fmt.Errorf("invalid word rule source: %w", err)
	}
	rule := wordRule{re: re, replacement: "${1}" + strings.ReplaceAll(to, "$", "$$") + "${2}"}
	// A replacement that contains its own source as a word never stabilizes.
	if _, changed := rule.Apply(to); changed {
		return nil, fmt.Errorf("word rule replacement %q re-matches its source %q", to, from)
	}
	return rule, nil
}

type wordRule struct {
	re          *regexp.Regexp
	replacement string
}

func (r wordRule) Apply(input string) (string, bool) {
	output := r.re.ReplaceAllString(input, r.replacement)
	return output, output != input
}

// PatternSyntax parses sed-style substitutions: s/pattern/replacement/flags.
// Any non-alphanumeric delimiter works. Matching is case-insensitive; the g
// flag replaces every match instead of the first.
type PatternSyntax struct{}

func (PatternSyntax) Matches(line string) bool {
	return len(line) > 1 && line[0] == 's' && !isWordByte(line[1])
}

func (PatternSyntax) Compile(line string) (Rule, error) {
	delim := line[1]

	pattern, pos, err := readDelimited(line, 2, delim)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}
	replacement, pos, err := readDelimited(line, pos, delim)
	if err != nil {
		return nil, fmt.Errorf("invalid replacement: %w", err)
	}

	modifiers := "i"
	global := false
	for _, flag := range strings.TrimSpace(line[pos:]) {
		switch flag {
		case 'i':
		case 'g':
			global = true
		case 'm', 's':
			if !strings.ContainsRune(modifiers, flag) {
				modifiers += string(flag)
			}
		default:
			return nil, fmt.Errorf("unsupported flag %q", flag)
		}
	}

	re, err := regexp.Compile("(?" + modifiers + ")" + pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}
	return patternRule{re: re, replacement: replacement, global: global}, nil
}

type patternRule struct {
	re          *regexp.Regexp
	replacement string
	global      bool
}

func (r patternRule) Apply(input string) (string, bool) {
	if r.global {
		output := r.re.ReplaceAllString(input, r.replacement)
		return output, output != input
	}

	loc := r.re.FindStringSubmatchIndex(input)
	if loc == nil {
		return input, false
	}
	expanded := r.re.ExpandString(nil, r.replacement, input, loc)
	output := input[:loc[0]] + string(expanded) + input[loc[1]:]
	return output, output != input
}

// readDelimited reads up to the next unescaped delim. Escapes are kept so the
// regexp compiler sees them.
func readDelimited(line string, start int, delim byte) (string, int, error) {
	if start >= len(line) {
		return "", 0, errors.New("unexpected end of rule")
	}

	var builder strings.Builder
	escaped := false
	for index := start; index < len(line); index++ {
		char := line[index]
		switch {
		case escaped:
			escaped = false
		case char == '\\':
			escaped = true
		case char == delim:
			return builder.String(), index + 1, nil
		}
		builder.WriteByte(char)
	}
	return "", 0, errors.New("unterminated rule")
}

func isWordByte(char byte) bool {
	return (char >= 'a' && char <= 'z') ||
		(char >= 'A' && char <= 'Z') ||
		(char >= '0' && char <= '9') ||
		char == ' ' || char == '\t' || char == '_'
}
