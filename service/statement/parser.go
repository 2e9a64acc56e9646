// Package statement analyzes rule statements: it classifies the statement
// kind and extracts the tables it touches, which feed the dependency records
// and the per-group table permission checks.
package statement

import (
	"fmt"
	"strings"

	"github.com/viant/parsly"
	"github.com/viant/regula/model"
)

// Kind classifies a rule statement.
type Kind string

const (
	// KindSelect covers SELECT and WITH statements.
	KindSelect Kind = "SELECT"
	// KindInsert covers INSERT statements.
	KindInsert Kind = "INSERT"
	// KindUpdate covers UPDATE statements.
	KindUpdate Kind = "UPDATE"
	// KindDelete covers DELETE statements.
	KindDelete Kind = "DELETE"
	// KindOther covers everything else.
	KindOther Kind = "OTHER"
)

// Analysis is the result of analyzing a statement.
type Analysis struct {
	Kind   Kind
	Tables []model.TableRef
}

// keywords that may directly follow a table-introducing keyword; they mean
// the position is not a table name (e.g. "FROM   SELECT" never happens, but
// "DELETE FROM" chains and "JOIN (SELECT" opens a subquery).
var reservedWords = map[string]bool{
	"SELECT": true, "FROM": true, "WHERE": true, "JOIN": true, "INNER": true,
	"LEFT": true, "RIGHT": true, "FULL": true, "OUTER": true, "CROSS": true,
	"ON": true, "AS": true, "SET": true, "VALUES": true, "INTO": true,
	"GROUP": true, "ORDER": true, "BY": true, "HAVING": true, "LIMIT": true,
	"UNION": true, "ALL": true, "DISTINCT": true, "NOT": true, "EXISTS": true,
	"AND": true, "OR": true, "CASE": true, "WHEN": true, "THEN": true,
	"ELSE": true, "END": true, "WITH": true, "LATERAL": true, "ONLY": true,
	"IF": true, "TABLE": true,
}

// Analyze classifies the statement and extracts the referenced tables in
// encounter order, de-duplicated.
func Analyze(text string) (*Analysis, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, fmt.Errorf("statement was empty")
	}
	cursor := parsly.NewCursor("", []byte(text), 0)
	analysis := &Analysis{Kind: KindOther}

	seen := map[string]bool{}
	first := true
	expectTable := false
	inFromList := false

	for cursor.Pos < cursor.InputSize {
		matched := cursor.MatchAny(whitespaceToken, lineCommentToken, stringLiteralToken,
			identifierToken, dotToken, commaToken, openParenToken, closeParenToken, anyToken)
		switch matched.Code {
		case whitespaceToken.Code, lineCommentToken.Code, stringLiteralToken.Code:
			continue
		case identifierToken.Code:
			word := strings.ToUpper(matched.Text(cursor))
			if first {
				analysis.Kind = classify(word)
				first = false
			}
			switch word {
			case "FROM", "JOIN", "INTO", "UPDATE", "TABLE":
				expectTable = true
				inFromList = word == "FROM"
				continue
			}
			if !expectTable || reservedWords[word] {
				expectTable = false
				continue
			}
			table := readQualified(cursor, matched.Text(cursor))
			if key := table.String(); !seen[key] {
				seen[key] = true
				analysis.Tables = append(analysis.Tables, table)
			}
			expectTable = false
		case commaToken.Code:
			// FROM a, b lists several tables
			if inFromList {
				expectTable = true
			}
		case openParenToken.Code:
			// subquery or column list, never a table name
			expectTable = false
		case closeParenToken.Code, dotToken.Code, anyToken.Code:
			continue
		default:
			return nil, cursor.NewError(anyToken)
		}
	}
	return analysis, nil
}

// classify maps the leading keyword to a statement kind.
func classify(word string) Kind {
	switch word {
	case "SELECT", "WITH":
		return KindSelect
	case "INSERT":
		return KindInsert
	case "UPDATE":
		return KindUpdate
	case "DELETE":
		return KindDelete
	}
	return KindOther
}

// readQualified consumes an optional ".identifier" suffix: "schema.table"
// yields a schema-qualified ref, a bare identifier a table-only one.
func readQualified(cursor *parsly.Cursor, name string) model.TableRef {
	matched := cursor.MatchOne(dotToken)
	if matched.Code != dotToken.Code {
		return model.TableRef{Name: name}
	}
	matched = cursor.MatchOne(identifierToken)
	if matched.Code != identifierToken.Code {
		return model.TableRef{Name: name}
	}
	return model.TableRef{Schema: name, Name: matched.Text(cursor)}
}
