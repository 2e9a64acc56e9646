package statement

import (
	"github.com/viant/parsly"
	"github.com/viant/parsly/matcher"
)

// Token codes
const (
	whitespaceCode = iota
	identifierCode
	stringLiteralCode
	lineCommentCode
	dotCode
	commaCode
	openParenCode
	closeParenCode
	anyCode
)

// Token definitions
var (
	whitespaceToken    = parsly.NewToken(whitespaceCode, "Whitespace", matcher.NewWhiteSpace())
	identifierToken    = parsly.NewToken(identifierCode, "Identifier", newIdentifierMatcher())
	stringLiteralToken = parsly.NewToken(stringLiteralCode, "StringLiteral", newStringLiteralMatcher())
	lineCommentToken   = parsly.NewToken(lineCommentCode, "LineComment", newLineCommentMatcher())
	dotToken           = parsly.NewToken(dotCode, ".", matcher.NewByte('.'))
	commaToken         = parsly.NewToken(commaCode, ",", matcher.NewByte(','))
	openParenToken     = parsly.NewToken(openParenCode, "(", matcher.NewByte('('))
	closeParenToken    = parsly.NewToken(closeParenCode, ")", matcher.NewByte(')'))
	anyToken           = parsly.NewToken(anyCode, "Any", newAnyMatcher())
)

// Custom matchers
func newIdentifierMatcher() parsly.Matcher {
	return &identifierMatcher{}
}

func newStringLiteralMatcher() parsly.Matcher {
	return &stringLiteralMatcher{}
}

func newLineCommentMatcher() parsly.Matcher {
	return &lineCommentMatcher{}
}

func newAnyMatcher() parsly.Matcher {
	return &anyMatcher{}
}

// identifierMatcher matches SQL identifiers and keywords
type identifierMatcher struct{}

func (m *identifierMatcher) Match(cursor *parsly.Cursor) int {
	input := cursor.Input
	pos := cursor.Pos
	size := cursor.InputSize

	if pos >= size {
		return 0
	}

	// First character must be a letter or underscore
	if !isLetter(input[pos]) && input[pos] != '_' {
		return 0
	}

	matched := 1
	for i := pos + 1; i < size; i++ {
		if isLetter(input[i]) || isDigit(input[i]) || input[i] == '_' || input[i] == '$' {
			matched++
			continue
		}
		break
	}
	return matched
}

// stringLiteralMatcher matches single-quoted SQL string literals, including
// doubled-quote escapes
type stringLiteralMatcher struct{}

func (m *stringLiteralMatcher) Match(cursor *parsly.Cursor) int {
	input := cursor.Input
	pos := cursor.Pos
	size := cursor.InputSize

	if pos >= size || input[pos] != '\'' {
		return 0
	}

	matched := 1
	for i := pos + 1; i < size; i++ {
		matched++
		if input[i] != '\'' {
			continue
		}
		if i+1 < size && input[i+1] == '\'' {
			// escaped quote
			matched++
			i++
			continue
		}
		return matched
	}
	// unterminated literal consumes the rest
	return matched
}

// lineCommentMatcher matches -- comments up to end of line
type lineCommentMatcher struct{}

func (m *lineCommentMatcher) Match(cursor *parsly.Cursor) int {
	input := cursor.Input
	pos := cursor.Pos
	size := cursor.InputSize

	if pos+1 >= size || input[pos] != '-' || input[pos+1] != '-' {
		return 0
	}

	matched := 2
	for i := pos + 2; i < size; i++ {
		if input[i] == '\n' {
			break
		}
		matched++
	}
	return matched
}

// anyMatcher consumes a single byte; it is the fallback that keeps the scan
// moving over operators and punctuation the analyzer does not care about
type anyMatcher struct{}

func (m *anyMatcher) Match(cursor *parsly.Cursor) int {
	if cursor.Pos >= cursor.InputSize {
		return 0
	}
	return 1
}

// Helper functions
func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
