// Package search implements the query language used to retrieve stored
// events: a lexer and parser for field:value expressions with boolean
// operators, and an executor that translates parsed queries into
// ClickHouse SQL.
package search

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// TokenType identifies the kind of a lexed token.
type TokenType int

const (
	TokenEOF TokenType = iota
	TokenField
	TokenValue
	TokenOperator
	TokenAnd
	TokenOr
	TokenNot
	TokenLParen
	TokenRParen
	TokenQuoted
)

// Token is a single lexeme from a query string.
type Token struct {
	Type  TokenType
	Value string
	Pos   int
}

// Condition is one field comparison in a parsed query.
type Condition struct {
	Field       string
	Operator    string
	Value       any
	IsMetadata  bool
	MetadataKey string
	IsRegex     bool
	Negate      bool
	OpenParens  int
	CloseParens int
	Logic       string // "AND" or "OR" joining this condition to the previous one
}

// TimeRange bounds a query in time. Zero values mean unbounded.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Query is the parsed form of a search expression.
type Query struct {
	Conditions []Condition
	TimeRange  TimeRange
	Limit      int
	Offset     int
	OrderBy    string
	OrderDesc  bool
	Raw        string
}

// Lexer tokenizes a search expression.
type Lexer struct {
	input string
	pos   int
}

// NewLexer returns a lexer over the given input.
func NewLexer(input string) *Lexer {
	return &Lexer{input: input}
}

// NextToken returns the next token, or a TokenEOF token at end of input.
func (l *Lexer) NextToken() Token {
	l.skipWhitespace()

	if l.pos >= len(l.input) {
		return Token{Type: TokenEOF, Pos: l.pos}
	}

	start := l.pos
	ch := l.input[l.pos]

	switch {
	case ch == '(':
		l.pos++
		return Token{Type: TokenLParen, Value: "(", Pos: start}
	case ch == ')':
		l.pos++
		return Token{Type: TokenRParen, Value: ")", Pos: start}
	case ch == '"' || ch == '\'':
		return l.readQuotedString(ch)
	case isOperatorChar(ch):
		return l.readOperator()
	default:
		return l.readIdentifier()
	}
}

func (l *Lexer) skipWhitespace() {
	for l.pos < len(l.input) && (l.input[l.pos] == ' ' || l.input[l.pos] == '\t') {
		l.pos++
	}
}

func (l *Lexer) readQuotedString(quote byte) Token {
	start := l.pos
	l.pos++ // opening quote

	var sb strings.Builder
	for l.pos < len(l.input) && l.input[l.pos] != quote {
		if l.input[l.pos] == '\\' && l.pos+1 < len(l.input) {
			l.pos++
		}
		sb.WriteByte(l.input[l.pos])
		l.pos++
	}
	if l.pos < len(l.input) {
		l.pos++ // closing quote
	}

	return Token{Type: TokenQuoted, Value: sb.String(), Pos: start}
}

func (l *Lexer) readOperator() Token {
	start := l.pos
	ch := l.input[l.pos]

	switch ch {
	case ':':
		l.pos++
		return Token{Type: TokenOperator, Value: "=", Pos: start}
	case '=':
		l.pos++
		return Token{Type: TokenOperator, Value: "=", Pos: start}
	case '!':
		l.pos++
		if l.pos < len(l.input) {
			switch l.input[l.pos] {
			case '=':
				l.pos++
				return Token{Type: TokenOperator, Value: "!=", Pos: start}
			case '~':
				l.pos++
				return Token{Type: TokenOperator, Value: "!~", Pos: start}
			}
		}
		return Token{Type: TokenNot, Value: "NOT", Pos: start}
	case '>':
		l.pos++
		if l.pos < len(l.input) && l.input[l.pos] == '=' {
			l.pos++
			return Token{Type: TokenOperator, Value: ">=", Pos: start}
		}
		return Token{Type: TokenOperator, Value: ">", Pos: start}
	case '<':
		l.pos++
		if l.pos < len(l.input) && l.input[l.pos] == '=' {
			l.pos++
			return Token{Type: TokenOperator, Value: "<=", Pos: start}
		}
		return Token{Type: TokenOperator, Value: "<", Pos: start}
	case '~':
		l.pos++
		return Token{Type: TokenOperator, Value: "~", Pos: start}
	}

	l.pos++
	return Token{Type: TokenValue, Value: string(ch), Pos: start}
}

func (l *Lexer) readIdentifier() Token {
	start := l.pos

	for l.pos < len(l.input) && !isDelimiter(l.input[l.pos]) {
		l.pos++
	}

	value := l.input[start:l.pos]

	switch strings.ToUpper(value) {
	case "AND", "&&":
		return Token{Type: TokenAnd, Value: "AND", Pos: start}
	case "OR", "||":
		return Token{Type: TokenOr, Value: "OR", Pos: start}
	case "NOT":
		return Token{Type: TokenNot, Value: "NOT", Pos: start}
	}

	// An identifier immediately followed by an operator is a field name.
	if l.pos < len(l.input) && isOperatorChar(l.input[l.pos]) {
		return Token{Type: TokenField, Value: value, Pos: start}
	}

	return Token{Type: TokenValue, Value: value, Pos: start}
}

func isOperatorChar(ch byte) bool {
	switch ch {
	case ':', '=', '!', '>', '<', '~':
		return true
	}
	return false
}

func isDelimiter(ch byte) bool {
	switch ch {
	case ' ', '\t', '(', ')', '"', '\'':
		return true
	}
	return isOperatorChar(ch)
}

// FieldMapping resolves query aliases to stored column names.
var FieldMapping = map[string]string{
	"id":               "id",
	"time":             "timestamp",
	"ts":               "timestamp",
	"timestamp":        "timestamp",
	"received":         "received_at",
	"received_at":      "received_at",
	"source":           "source",
	"severity":         "severity",
	"level":            "severity",
	"type":             "event_type",
	"event_type":       "event_type",
	"message":          "message",
	"msg":              "message",
	"ua":               "user_agent",
	"user_agent":       "user_agent",
	"ip":               "source_ip",
	"src":              "source_ip",
	"source_ip":        "source_ip",
	"dst":              "destination_ip",
	"destination_ip":   "destination_ip",
	"user":             "username",
	"username":         "username",
	"score":            "anomaly_score",
	"anomaly_score":    "anomaly_score",
	"anomaly":          "is_anomaly",
	"is_anomaly":       "is_anomaly",
	"attack":           "detected_attacks",
	"attacks":          "detected_attacks",
	"detected_attacks": "detected_attacks",
	"risk":             "risk_factors",
	"risks":            "risk_factors",
	"risk_factors":     "risk_factors",
}

// MapField resolves an alias to its column name. Unknown fields map to
// themselves so the executor's column allowlist makes the final call.
func MapField(field string) string {
	if mapped, ok := FieldMapping[strings.ToLower(field)]; ok {
		return mapped
	}
	return field
}

// Parser builds a Query from a token stream.
type Parser struct {
	lexer         *Lexer
	current       Token
	pendingParens int
}

// NewParser returns a parser over the given query string.
func NewParser(input string) *Parser {
	p := &Parser{lexer: NewLexer(input)}
	p.advance()
	return p
}

func (p *Parser) advance() {
	p.current = p.lexer.NextToken()
}

// Parse consumes the whole expression and returns the parsed query.
func (p *Parser) Parse() (*Query, error) {
	query := &Query{
		Raw:       p.lexer.input,
		OrderBy:   "timestamp",
		OrderDesc: true,
	}

	logic := ""
	for p.current.Type != TokenEOF {
		switch p.current.Type {
		case TokenAnd:
			logic = "AND"
			p.advance()
		case TokenOr:
			logic = "OR"
			p.advance()
		case TokenLParen:
			p.pendingParens++
			p.advance()
		case TokenRParen:
			if n := len(query.Conditions); n > 0 {
				query.Conditions[n-1].CloseParens++
			}
			p.advance()
		case TokenNot:
			p.advance()
			cond, err := p.parseCondition()
			if err != nil {
				return nil, err
			}
			cond.Negate = true
			p.attach(query, cond, logic)
			logic = ""
		case TokenField, TokenValue, TokenQuoted:
			cond, err := p.parseCondition()
			if err != nil {
				return nil, err
			}
			p.attach(query, cond, logic)
			logic = ""
		default:
			return nil, fmt.Errorf("unexpected token %q at position %d", p.current.Value, p.current.Pos)
		}
	}

	return query, nil
}

func (p *Parser) attach(query *Query, cond Condition, logic string) {
	if len(query.Conditions) > 0 && logic == "" {
		logic = "AND"
	}
	cond.Logic = logic
	cond.OpenParens = p.pendingParens
	p.pendingParens = 0
	query.Conditions = append(query.Conditions, cond)
}

func (p *Parser) parseCondition() (Condition, error) {
	var cond Condition

	switch p.current.Type {
	case TokenField:
		field := p.current.Value
		p.advance()

		if p.current.Type != TokenOperator {
			return cond, fmt.Errorf("expected operator after field %q at position %d", field, p.current.Pos)
		}
		cond.Operator = p.current.Value
		p.advance()

		lower := strings.ToLower(field)
		if key, ok := strings.CutPrefix(lower, "metadata."); ok {
			cond.IsMetadata = true
			cond.MetadataKey = key
			cond.Field = "metadata"
		} else if key, ok := strings.CutPrefix(lower, "meta."); ok {
			cond.IsMetadata = true
			cond.MetadataKey = key
			cond.Field = "metadata"
		} else {
			cond.Field = MapField(field)
		}

		if p.current.Type != TokenValue && p.current.Type != TokenQuoted {
			// "field:" with no value probes for field presence.
			if cond.Operator == "=" {
				cond.Operator = "exists"
				return cond, nil
			}
			return cond, fmt.Errorf("expected value after operator at position %d", p.current.Pos)
		}

		cond.Value = p.parseValue(p.current, &cond)
		p.advance()
		return cond, nil

	case TokenValue, TokenQuoted:
		// A bare term searches the message column.
		cond.Field = "message"
		cond.Operator = "contains"
		cond.Value = p.current.Value
		p.advance()
		return cond, nil
	}

	return cond, fmt.Errorf("unexpected token %q at position %d", p.current.Value, p.current.Pos)
}

// parseValue coerces the token into a typed value. Quoted strings stay
// strings so "123" matches the literal text, not the number.
func (p *Parser) parseValue(tok Token, cond *Condition) any {
	raw := tok.Value

	if tok.Type == TokenQuoted {
		return raw
	}

	if strings.ContainsRune(raw, '*') && (cond.Operator == "=" || cond.Operator == "!=") {
		cond.IsRegex = true
		pattern := "^" + strings.ReplaceAll(regexp.QuoteMeta(raw), `\*`, ".*") + "$"
		return pattern
	}

	switch raw {
	case "true":
		return true
	case "false":
		return false
	}

	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	if t, ok := parseDuration(raw); ok {
		return t
	}

	return raw
}

// parseDuration interprets relative time expressions such as now-1h or
// now-7d and returns the resolved absolute time.
func parseDuration(s string) (time.Time, bool) {
	if s == "now" {
		return time.Now().UTC(), true
	}

	rest, neg := "", false
	switch {
	case strings.HasPrefix(s, "now-"):
		rest, neg = s[4:], true
	case strings.HasPrefix(s, "now+"):
		rest = s[4:]
	default:
		return time.Time{}, false
	}

	// time.ParseDuration has no day unit.
	if days, ok := strings.CutSuffix(rest, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return time.Time{}, false
		}
		rest = strconv.Itoa(n*24) + "h"
	}

	d, err := time.ParseDuration(rest)
	if err != nil {
		return time.Time{}, false
	}
	if neg {
		d = -d
	}

	return time.Now().UTC().Add(d), true
}

// String renders the parsed query back into query-language syntax.
func (q *Query) String() string {
	var sb strings.Builder

	for i, c := range q.Conditions {
		if i > 0 {
			logic := c.Logic
			if logic == "" {
				logic = "AND"
			}
			sb.WriteString(" " + logic + " ")
		}

		sb.WriteString(strings.Repeat("(", c.OpenParens))

		if c.Negate {
			sb.WriteString("NOT ")
		}

		field := c.Field
		if c.IsMetadata {
			field = "metadata." + c.MetadataKey
		}

		switch c.Operator {
		case "exists":
			sb.WriteString(field + ":")
		case "contains":
			fmt.Fprintf(&sb, "%q", c.Value)
		default:
			fmt.Fprintf(&sb, "%s%s%v", field, c.Operator, c.Value)
		}

		sb.WriteString(strings.Repeat(")", c.CloseParens))
	}

	return sb.String()
}
