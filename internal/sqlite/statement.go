package sqlite

import (
	"strconv"
	"strings"
)

// StatementKind categorizes a SQL statement by its leading keywords.
type StatementKind int

const (
	StatementEmpty StatementKind = iota // only whitespace and comments
	StatementOther
	StatementSelect
	StatementInsert
	StatementReplace
	StatementUpdate
	StatementDelete
	StatementDDL
	StatementBegin
	StatementCommit
	StatementRollback
	StatementSavepoint
	StatementRelease
	StatementPragma
	StatementAttach
)

// IsMutation returns true if the statement writes table data or schema.
func (k StatementKind) IsMutation() bool {
	switch k {
	case StatementInsert, StatementReplace, StatementUpdate, StatementDelete, StatementDDL:
		return true
	}
	return false
}

// IsReadOnly returns true if the statement only reads table data.
func (k StatementKind) IsReadOnly() bool {
	return k == StatementSelect
}

// ReportsChanges returns true if the statement's change count is meaningful.
func (k StatementKind) ReportsChanges() bool {
	switch k {
	case StatementInsert, StatementReplace, StatementUpdate, StatementDelete:
		return true
	}
	return false
}

// ReportsRowid returns true if the statement assigns a new rowid.
func (k StatementKind) ReportsRowid() bool {
	return k == StatementInsert || k == StatementReplace
}

// ClassifyStatement returns the kind of the first statement in sql.
func ClassifyStatement(sql string) StatementKind {
	toks := tokenize(sql)
	for len(toks) > 0 && toks[0].text == ";" {
		toks = toks[1:]
	}
	if len(toks) == 0 {
		return StatementEmpty
	}
	return classifyTokens(toks)
}

func classifyTokens(toks []token) StatementKind {
	first := toks[0].keyword()
	switch first {
	case "SELECT", "VALUES":
		return StatementSelect
	case "INSERT":
		return StatementInsert
	case "REPLACE":
		return StatementReplace
	case "UPDATE":
		return StatementUpdate
	case "DELETE":
		return StatementDelete
	case "CREATE", "DROP", "ALTER", "REINDEX":
		return StatementDDL
	case "BEGIN":
		return StatementBegin
	case "COMMIT", "END":
		return StatementCommit
	case "ROLLBACK":
		// ROLLBACK TO only unwinds a savepoint; the transaction stays open.
		if len(toks) > 1 && toks[1].keyword() == "TO" {
			return StatementSavepoint
		}
		if len(toks) > 2 && toks[1].keyword() == "TRANSACTION" && toks[2].keyword() == "TO" {
			return StatementSavepoint
		}
		return StatementRollback
	case "SAVEPOINT":
		return StatementSavepoint
	case "RELEASE":
		return StatementRelease
	case "PRAGMA":
		return StatementPragma
	case "ATTACH", "DETACH":
		return StatementAttach
	case "EXPLAIN":
		return StatementSelect
	case "WITH":
		return classifyWith(toks[1:])
	default:
		return StatementOther
	}
}

// classifyWith finds the statement a common table expression prefixes:
// the first data keyword outside of parentheses.
func classifyWith(toks []token) StatementKind {
	depth := 0
	for _, t := range toks {
		switch t.text {
		case "(":
			depth++
			continue
		case ")":
			depth--
			continue
		}
		if depth != 0 || t.kind != tokenWord {
			continue
		}
		switch t.keyword() {
		case "SELECT", "VALUES":
			return StatementSelect
		case "INSERT":
			return StatementInsert
		case "REPLACE":
			return StatementReplace
		case "UPDATE":
			return StatementUpdate
		case "DELETE":
			return StatementDelete
		}
	}
	return StatementOther
}

// CountStatements returns the number of statements in sql. Semicolons
// inside literals, comments, and CREATE TRIGGER bodies do not separate
// statements.
func CountStatements(sql string) int {
	count := 0
	var current []token
	flush := func() {
		if len(current) > 0 {
			count++
		}
		current = current[:0]
	}

	inTrigger := false
	bodyDepth := 0
	for _, t := range tokenize(sql) {
		if t.text == ";" && !(inTrigger && bodyDepth > 0) {
			flush()
			inTrigger = false
			continue
		}
		current = append(current, t)

		if t.kind != tokenWord {
			continue
		}
		switch kw := t.keyword(); {
		case len(current) <= 4 && isCreateTrigger(current):
			inTrigger = true
		case inTrigger && (kw == "BEGIN" || kw == "CASE"):
			bodyDepth++
		case inTrigger && kw == "END" && bodyDepth > 0:
			bodyDepth--
		}
	}
	flush()
	return count
}

// isCreateTrigger matches CREATE [TEMP|TEMPORARY] TRIGGER.
func isCreateTrigger(toks []token) bool {
	if len(toks) < 2 || toks[0].keyword() != "CREATE" {
		return false
	}
	last := toks[len(toks)-1].keyword()
	if last != "TRIGGER" {
		return false
	}
	if len(toks) == 2 {
		return true
	}
	mid := toks[1].keyword()
	return len(toks) == 3 && (mid == "TEMP" || mid == "TEMPORARY")
}

type tokenKind int

const (
	tokenWord tokenKind = iota
	tokenLiteral
	tokenPunct
)

type token struct {
	kind tokenKind
	text string
}

func (t token) keyword() string {
	if t.kind != tokenWord {
		return ""
	}
	return strings.ToUpper(t.text)
}

// tokenize splits sql into words, literals, and punctuation, dropping
// whitespace and comments. Unterminated literals and comments run to the
// end of the input.
func tokenize(sql string) []token {
	var toks []token
	i := 0
	for i < len(sql) {
		c := sql[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v':
			i++

		case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
			end := strings.IndexByte(sql[i:], '\n')
			if end < 0 {
				return toks
			}
			i += end + 1

		case c == '/' && i+1 < len(sql) && sql[i+1] == '*':
			end := strings.Index(sql[i+2:], "*/")
			if end < 0 {
				return toks
			}
			i += end + 4

		case c == '\'' || c == '"' || c == '`':
			j := i + 1
			for j < len(sql) {
				if sql[j] == c {
					// A doubled quote is an escaped quote.
					if j+1 < len(sql) && sql[j+1] == c {
						j += 2
						continue
					}
					break
				}
				j++
			}
			end := min(j+1, len(sql))
			kind := tokenLiteral
			if c != '\'' {
				kind = tokenWord
			}
			toks = append(toks, token{kind: kind, text: sql[i:end]})
			i = end

		case c == '[':
			end := strings.IndexByte(sql[i:], ']')
			if end < 0 {
				toks = append(toks, token{kind: tokenWord, text: sql[i:]})
				return toks
			}
			toks = append(toks, token{kind: tokenWord, text: sql[i : i+end+1]})
			i += end + 1

		case isWordByte(c):
			j := i + 1
			for j < len(sql) && isWordByte(sql[j]) {
				j++
			}
			toks = append(toks, token{kind: tokenWord, text: sql[i:j]})
			i = j

		default:
			toks = append(toks, token{kind: tokenPunct, text: sql[i : i+1]})
			i++
		}
	}
	return toks
}

func isWordByte(c byte) bool {
	return c == '_' || c == '$' || c >= 0x80 ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// parameters lists the host parameters of sql by index, numbered the way
// SQLite numbers them: "?" takes the next index, "?NNN" takes index NNN,
// and a named parameter reuses the index of an earlier parameter with the
// same name. params[i] is the name at index i+1 ("?NNN" for a numbered
// slot), or "" for an anonymous one.
func parameters(sql string) []string {
	var params []string
	seen := make(map[string]bool)
	i := 0
	for i < len(sql) {
		c := sql[i]
		switch {
		case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
			end := strings.IndexByte(sql[i:], '\n')
			if end < 0 {
				return params
			}
			i += end + 1

		case c == '/' && i+1 < len(sql) && sql[i+1] == '*':
			end := strings.Index(sql[i+2:], "*/")
			if end < 0 {
				return params
			}
			i += end + 4

		case c == '\'' || c == '"' || c == '`':
			j := i + 1
			for j < len(sql) {
				if sql[j] == c {
					if j+1 < len(sql) && sql[j+1] == c {
						j += 2
						continue
					}
					break
				}
				j++
			}
			i = j + 1

		case c == '[':
			end := strings.IndexByte(sql[i:], ']')
			if end < 0 {
				return params
			}
			i += end + 1

		case c == '?':
			j := i + 1
			for j < len(sql) && sql[j] >= '0' && sql[j] <= '9' {
				j++
			}
			if j == i+1 {
				params = append(params, "")
			} else if n, err := strconv.Atoi(sql[i+1 : j]); err == nil && n > 0 {
				for len(params) < n {
					params = append(params, "")
				}
				if params[n-1] == "" {
					params[n-1] = sql[i:j]
				}
			}
			i = j

		case c == ':' || c == '@' || c == '$':
			j := scanParameterName(sql, i+1, c == '$')
			if j > i+1 {
				if name := sql[i:j]; !seen[name] {
					seen[name] = true
					params = append(params, name)
				}
			}
			i = max(j, i+1)

		case isWordByte(c):
			j := i + 1
			for j < len(sql) && isWordByte(sql[j]) {
				j++
			}
			i = j

		default:
			i++
		}
	}
	return params
}

// scanParameterName returns the end of the parameter name starting at i.
// Names prefixed with "$" may also contain "::" separators and end in a
// parenthesized suffix.
func scanParameterName(sql string, i int, tcl bool) int {
	start := i
	for i < len(sql) {
		switch {
		case isWordByte(sql[i]):
			i++
		case tcl && sql[i] == ':' && i+1 < len(sql) && sql[i+1] == ':':
			i += 2
		case tcl && sql[i] == '(' && i > start:
			end := strings.IndexByte(sql[i:], ')')
			if end < 0 {
				return i
			}
			return i + end + 1
		default:
			return i
		}
	}
	return i
}
