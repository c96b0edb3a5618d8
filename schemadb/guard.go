package schemadb

import (
	"fmt"
	"slices"
	"strings"
	"unicode"
)

// deniedWords may not appear as bare identifiers anywhere in a query. Besides data-changing
// statements this covers SELECT ... INTO and functions that reach outside the transaction.
var deniedWords = map[string]bool{
	"insert": true, "update": true, "delete": true, "merge": true, "upsert": true,
	"drop": true, "create": true, "alter": true, "truncate": true, "rename": true,
	"grant": true, "revoke": true, "copy": true, "call": true, "do": true, "execute": true,
	"into": true, "lock": true, "vacuum": true, "reindex": true, "cluster": true,
	"attach": true, "detach": true, "pragma": true, "set": true, "reset": true,
	"listen": true, "notify": true, "prepare": true, "deallocate": true,
	"set_config": true, "pg_sleep": true, "pg_read_file": true, "pg_read_binary_file": true,
	"pg_ls_dir": true, "lo_import": true, "lo_export": true, "dblink": true,
	"pg_terminate_backend": true, "pg_cancel_backend": true,
}

// CheckReadOnly normalizes sql and rejects anything but a single SELECT (or WITH ... SELECT)
// statement. It returns the statement without trailing semicolons.
func CheckReadOnly(sql string) (string, error) {
	stmt := strings.TrimSpace(sql)
	for strings.HasSuffix(stmt, ";") {
		stmt = strings.TrimSpace(strings.TrimSuffix(stmt, ";"))
	}
	if stmt == "" {
		return "", fmt.Errorf("%w: empty statement", ErrNotReadOnly)
	}

	skeleton, err := stripLiterals(stmt)
	if err != nil {
		return "", err
	}
	if strings.Contains(skeleton, ";") {
		return "", fmt.Errorf("%w: multiple statements", ErrNotReadOnly)
	}

	words := strings.FieldsFunc(strings.ToLower(skeleton), func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '$')
	})
	if len(words) == 0 || (words[0] != "select" && words[0] != "with") {
		return "", fmt.Errorf("%w: only SELECT statements are allowed", ErrNotReadOnly)
	}
	for _, w := range words {
		if deniedWords[w] {
			return "", fmt.Errorf("%w: %q is not allowed", ErrNotReadOnly, strings.ToUpper(w))
		}
	}
	if words[0] == "with" && !slices.Contains(words, "select") {
		return "", fmt.Errorf("%w: WITH must end in a SELECT", ErrNotReadOnly)
	}
	return stmt, nil
}

// stripLiterals blanks out string literals, quoted identifiers and comments so keyword checks
// only see SQL structure.
func stripLiterals(stmt string) (string, error) {
	var sb strings.Builder
	sb.Grow(len(stmt))

	for i := 0; i < len(stmt); i++ {
		c := stmt[i]
		switch {
		case c == '\'' || c == '"':
			end := closingQuote(stmt, i+1, c)
			if end < 0 {
				return "", fmt.Errorf("%w: unterminated quote", ErrNotReadOnly)
			}
			sb.WriteByte(' ')
			i = end
		case c == '-' && i+1 < len(stmt) && stmt[i+1] == '-':
			end := strings.IndexByte(stmt[i:], '\n')
			if end < 0 {
				return sb.String(), nil
			}
			sb.WriteByte(' ')
			i += end
		case c == '/' && i+1 < len(stmt) && stmt[i+1] == '*':
			end := strings.Index(stmt[i+2:], "*/")
			if end < 0 {
				return "", fmt.Errorf("%w: unterminated comment", ErrNotReadOnly)
			}
			sb.WriteByte(' ')
			i += end + 3
		case c == '$' && dollarTag(stmt[i:]) != "":
			// Dollar-quoted bodies only appear in function definitions.
			return "", fmt.Errorf("%w: dollar-quoted strings are not allowed", ErrNotReadOnly)
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String(), nil
}

// closingQuote returns the index of the quote closing a literal opened before from, treating a
// doubled quote as an escape.
func closingQuote(s string, from int, q byte) int {
	for i := from; i < len(s); i++ {
		if s[i] != q {
			continue
		}
		if i+1 < len(s) && s[i+1] == q {
			i++
			continue
		}
		return i
	}
	return -1
}

func dollarTag(s string) string {
	end := strings.IndexByte(s[1:], '$')
	if end < 0 {
		return ""
	}
	tag := s[:end+2]
	for _, r := range tag[1 : len(tag)-1] {
		if !(unicode.IsLetter(r) || r == '_') {
			return ""
		}
	}
	return tag
}
