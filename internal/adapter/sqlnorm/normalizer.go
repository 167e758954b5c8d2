// Package sqlnorm turns captured MySQL protocol tuples into canonical, redacted SQL
// statements keyed by a content hash.
package sqlnorm

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	regexp "github.com/wasilibs/go-re2"
	"golang.org/x/crypto/blake2b"

	"github.com/V4T54L/query-compat/internal/domain"
)

// RedactedLiteral replaces every single-quoted literal and every flattened placeholder.
const RedactedLiteral = "''"

// PreparedPolicy selects how placeholders of prepared statements are resolved.
type PreparedPolicy string

const (
	// PolicyFlatten substitutes every placeholder with RedactedLiteral at prepare time.
	PolicyFlatten PreparedPolicy = "flatten"
	// PolicyCorrelate holds the prepare per connection and binds placeholders by the
	// field types of the matching execute.
	PolicyCorrelate PreparedPolicy = "correlate"
)

// ParsePreparedPolicy validates a configured policy name.
func ParsePreparedPolicy(s string) (PreparedPolicy, error) {
	switch p := PreparedPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "", PolicyFlatten:
		return PolicyFlatten, nil
	case PolicyCorrelate:
		return PolicyCorrelate, nil
	default:
		return "", fmt.Errorf("unknown prepared statement policy %q", s)
	}
}

// ErrUnmatchedExecute is returned for an execute with no open prepare on its connection.
var ErrUnmatchedExecute = errors.New("execute without matching prepare")

var (
	quotedLiteral  = regexp.MustCompile(`'[^']*'`)
	lineComment    = regexp.MustCompile(`--.*?(\n|$)`)
	hashComment    = regexp.MustCompile(`#.*?(\n|$)`)
	blockComment   = regexp.MustCompile(`/\*[\s\S]*?\*/`)
	whitespaceRun  = regexp.MustCompile(`\s+`)
	numericLiteral = regexp.MustCompile(`\b\d+(\.\d+)?\b`)

	// The capture tool prints control characters inside queries as escape sequences.
	escapedControl = strings.NewReplacer(`\n`, " ", `\t`, " ", `\r`, " ")
)

// Normalizer is safe for concurrent use when its session store is.
type Normalizer struct {
	policy   PreparedPolicy
	sessions *SessionStore
}

// NewNormalizer creates a Normalizer. sessions is only consulted by PolicyCorrelate and
// may be nil otherwise.
func NewNormalizer(policy PreparedPolicy, sessions *SessionStore) *Normalizer {
	if policy == PolicyCorrelate && sessions == nil {
		policy = PolicyFlatten
	}
	return &Normalizer{policy: policy, sessions: sessions}
}

// Policy returns the effective prepared statement policy.
func (n *Normalizer) Policy() PreparedPolicy {
	return n.policy
}

// Normalize converts one captured tuple into zero or more statements.
func (n *Normalizer) Normalize(event domain.CapturedEvent) ([]domain.NormalizedStatement, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}

	switch event.Command {
	case domain.CommandDirectQuery:
		return Statements(event, RedactLiterals(event.Text)), nil

	case domain.CommandPreparedPrepare:
		text := RedactLiterals(event.Text)
		if n.policy != PolicyCorrelate {
			return Statements(event, FlattenPlaceholders(text)), nil
		}
		n.sessions.Open(event.ConnectionKey(), text)
		return nil, nil

	case domain.CommandPreparedExecute:
		if n.policy != PolicyCorrelate {
			return nil, nil
		}
		text, ok := n.sessions.Take(event.ConnectionKey())
		if !ok {
			return nil, ErrUnmatchedExecute
		}
		return Statements(event, BindPlaceholders(text, event.FieldTypes)), nil

	case domain.CommandQuit:
		if n.sessions != nil {
			n.sessions.Close(event.ConnectionKey())
		}
		return nil, nil
	}
	return nil, domain.ErrMalformedTuple
}

// RedactLiterals replaces every single-quoted literal with RedactedLiteral.
func RedactLiterals(text string) string {
	return quotedLiteral.ReplaceAllString(text, RedactedLiteral)
}

// FlattenPlaceholders replaces every `?` placeholder with RedactedLiteral.
func FlattenPlaceholders(text string) string {
	return strings.ReplaceAll(text, "?", RedactedLiteral)
}

// BindPlaceholders substitutes placeholders in order using the declared MySQL field
// types: numeric types bind as 1, everything else as RedactedLiteral.
func BindPlaceholders(text string, fieldTypes []int) string {
	var b strings.Builder
	b.Grow(len(text))
	param := 0
	for _, r := range text {
		if r != '?' {
			b.WriteRune(r)
			continue
		}
		if param < len(fieldTypes) && isNumericFieldType(fieldTypes[param]) {
			b.WriteString("1")
		} else {
			b.WriteString(RedactedLiteral)
		}
		param++
	}
	return b.String()
}

// MySQL column type codes that carry numeric values.
var numericFieldTypes = map[int]struct{}{
	0:   {}, // DECIMAL
	1:   {}, // TINY
	2:   {}, // SHORT
	3:   {}, // LONG
	4:   {}, // FLOAT
	5:   {}, // DOUBLE
	8:   {}, // LONGLONG
	9:   {}, // INT24
	13:  {}, // YEAR
	246: {}, // NEWDECIMAL
}

func isNumericFieldType(t int) bool {
	_, ok := numericFieldTypes[t]
	return ok
}

// Canonicalize strips comments, collapses whitespace and replaces numeric literals so that
// structurally identical queries share one text.
func Canonicalize(text string) string {
	text = escapedControl.Replace(text)
	text = lineComment.ReplaceAllString(text, "\n")
	text = hashComment.ReplaceAllString(text, "\n")
	text = blockComment.ReplaceAllString(text, "")
	text = strings.TrimSpace(whitespaceRun.ReplaceAllString(text, " "))
	return numericLiteral.ReplaceAllString(text, "1")
}

// Split breaks canonical text on `;` and drops empty statements.
func Split(text string) []string {
	parts := strings.Split(text, ";")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Hash returns the hex BLAKE2b-512 digest of a statement.
func Hash(statement string) string {
	sum := blake2b.Sum512([]byte(statement))
	return hex.EncodeToString(sum[:])
}

// Statements canonicalizes redacted text and builds one NormalizedStatement per
// non-empty statement.
func Statements(event domain.CapturedEvent, redacted string) []domain.NormalizedStatement {
	parts := Split(Canonicalize(redacted))
	out := make([]domain.NormalizedStatement, 0, len(parts))
	for _, part := range parts {
		out = append(out, domain.NormalizedStatement{
			TaskID:     event.TaskID,
			QueryHash:  Hash(part),
			QueryText:  part,
			SrcIP:      event.SrcIP,
			SrcPort:    event.SrcPort,
			CapturedAt: event.Timestamp,
		})
	}
	return out
}
