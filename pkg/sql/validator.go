// Package sql guards the statements SQL connectors accept: a single read-only
// statement whose bound parameters carry no injection payloads.
package sql

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/ekaya-inc/ekaya-connect/pkg/apperrors"
)

var (
	// ErrMultipleStatements indicates the query contains more than one statement.
	ErrMultipleStatements = errors.New("multiple SQL statements not allowed; only single statements are permitted")
	// ErrNotReadOnly indicates the query could modify data or schema.
	ErrNotReadOnly = errors.New("only read-only queries are permitted")
	// ErrEmptyQuery indicates nothing but whitespace or comments was sent.
	ErrEmptyQuery = errors.New("query is empty")
	// ErrSuspiciousParameter indicates a parameter value matched an injection pattern.
	ErrSuspiciousParameter = errors.New("parameter looks like SQL injection")
)

var readOnlyLeads = map[string]bool{
	"SELECT": true, "WITH": true, "VALUES": true, "TABLE": true, "EXPLAIN": true,
}

var writeKeywords = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true, "MERGE": true, "UPSERT": true,
	"DROP": true, "ALTER": true, "CREATE": true, "TRUNCATE": true, "GRANT": true,
	"REVOKE": true, "EXEC": true, "EXECUTE": true, "CALL": true, "COPY": true,
	"INTO": true, "VACUUM": true, "REINDEX": true, "LOCK": true,
}

// Prepare normalizes query and checks it is a single read-only statement
// with clean parameters. Failures are validation errors.
func Prepare(query string, params []any) (string, error) {
	normalized, err := ValidateReadOnly(query)
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindValidation, err, "%s", err.Error())
	}
	if hits := CheckAllParameters(params); len(hits) > 0 {
		return "", apperrors.Wrap(apperrors.KindValidation, ErrSuspiciousParameter,
			"parameter %s looks like SQL injection (fingerprint %s)", hits[0].ParamName, hits[0].Fingerprint)
	}
	return normalized, nil
}

// IsRejected reports whether err came from the guard refusing a statement
// that could write or smuggle a second statement.
func IsRejected(err error) bool {
	return errors.Is(err, ErrNotReadOnly) ||
		errors.Is(err, ErrMultipleStatements) ||
		errors.Is(err, ErrSuspiciousParameter)
}

// ValidateReadOnly strips a trailing semicolon and rejects empty input,
// multiple statements and statements that write.
func ValidateReadOnly(query string) (string, error) {
	normalized := stripTrailingSemicolon(strings.TrimSpace(query))

	words, semicolon := scan(normalized)
	if semicolon {
		return "", ErrMultipleStatements
	}
	if len(words) == 0 {
		return "", ErrEmptyQuery
	}
	if !readOnlyLeads[words[0]] {
		return "", fmt.Errorf("%w: statement starts with %s", ErrNotReadOnly, words[0])
	}
	for _, w := range words[1:] {
		if writeKeywords[w] {
			return "", fmt.Errorf("%w: found %s", ErrNotReadOnly, w)
		}
	}
	return normalized, nil
}

// scan walks the query outside of string literals, quoted identifiers and
// comments. It returns the upper-cased bare words and whether a semicolon
// was seen.
func scan(q string) (words []string, semicolon bool) {
	runes := []rune(q)
	var word strings.Builder
	flush := func() {
		if word.Len() > 0 {
			words = append(words, strings.ToUpper(word.String()))
			word.Reset()
		}
	}

	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case c == '\'' || c == '"' || c == '`':
			flush()
			i = skipQuoted(runes, i, c)
		case c == '[':
			flush()
			i = skipQuoted(runes, i, ']')
		case c == '-' && i+1 < len(runes) && runes[i+1] == '-':
			flush()
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < len(runes) && runes[i+1] == '*':
			flush()
			i += 2
			for i+1 < len(runes) && (runes[i] != '*' || runes[i+1] != '/') {
				i++
			}
			i++
		case c == ';':
			flush()
			semicolon = true
		case unicode.IsLetter(c) || c == '_' || (word.Len() > 0 && unicode.IsDigit(c)):
			word.WriteRune(c)
		default:
			flush()
		}
	}
	flush()
	return words, semicolon
}

// skipQuoted returns the index of the closing delimiter. A doubled delimiter
// and a backslash escape stay inside the literal.
func skipQuoted(runes []rune, start int, closing rune) int {
	for i := start + 1; i < len(runes); i++ {
		switch runes[i] {
		case '\\':
			i++
		case closing:
			if i+1 < len(runes) && runes[i+1] == closing {
				i++
				continue
			}
			return i
		}
	}
	return len(runes)
}

func stripTrailingSemicolon(q string) string {
	q = strings.TrimRight(q, " \t\n\r")
	if strings.HasSuffix(q, ";") {
		q = strings.TrimRight(strings.TrimSuffix(q, ";"), " \t\n\r")
	}
	return q
}
