package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SearchResult is a single stored event as returned by a search.
type SearchResult struct {
	ID              uuid.UUID      `json:"id"`
	Timestamp       time.Time      `json:"timestamp"`
	ReceivedAt      time.Time      `json:"received_at"`
	Source          string         `json:"source"`
	Severity        string         `json:"severity"`
	EventType       string         `json:"event_type"`
	Message         string         `json:"message"`
	UserAgent       string         `json:"user_agent,omitempty"`
	SourceIP        string         `json:"source_ip,omitempty"`
	DestinationIP   string         `json:"destination_ip,omitempty"`
	Username        string         `json:"username,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	AnomalyScore    float64        `json:"anomaly_score"`
	IsAnomaly       bool           `json:"is_anomaly"`
	DetectedAttacks []string       `json:"detected_attacks,omitempty"`
	RiskFactors     []string       `json:"risk_factors,omitempty"`
}

// SearchResponse is the full result set for one query.
type SearchResponse struct {
	Query      string          `json:"query"`
	TotalCount int64           `json:"total_count"`
	Results    []*SearchResult `json:"results"`
	Took       int64           `json:"took_ms"`
	Limit      int             `json:"limit"`
	Offset     int             `json:"offset"`
}

// AggregationResult holds the outcome of an aggregation query.
type AggregationResult struct {
	Field   string            `json:"field,omitempty"`
	Value   float64           `json:"value,omitempty"`
	Buckets []AggregateBucket `json:"buckets,omitempty"`
	Took    int64             `json:"took_ms"`
}

// AggregateBucket is one group in a terms or histogram aggregation.
type AggregateBucket struct {
	Key   string  `json:"key"`
	Count int64   `json:"count"`
	Value float64 `json:"value,omitempty"`
}

// MaxTopN caps the bucket count a terms aggregation may request.
var MaxTopN = 10000

// Regex patterns longer than this are rejected before reaching the
// database.
const maxRegexLength = 1024

const eventsTable = "log_events"

// Columns that may appear in WHERE clauses. Anything else is replaced
// by sanitizeColumn.
var validColumns = map[string]bool{
	"id":               true,
	"timestamp":        true,
	"received_at":      true,
	"source":           true,
	"severity":         true,
	"event_type":       true,
	"message":          true,
	"user_agent":       true,
	"source_ip":        true,
	"destination_ip":   true,
	"username":         true,
	"metadata":         true,
	"anomaly_score":    true,
	"is_anomaly":       true,
	"detected_attacks": true,
	"risk_factors":     true,
}

// Array(String) columns need has() instead of equality comparisons.
var arrayColumns = map[string]bool{
	"detected_attacks": true,
	"risk_factors":     true,
}

var orderableColumns = map[string]bool{
	"timestamp":     true,
	"received_at":   true,
	"source":        true,
	"severity":      true,
	"event_type":    true,
	"anomaly_score": true,
}

const selectColumns = `id, timestamp, received_at, source, severity, event_type,
		message, user_agent, source_ip, destination_ip, username, metadata,
		anomaly_score, is_anomaly, detected_attacks, risk_factors`

// Executor runs parsed queries against ClickHouse.
type Executor struct {
	db *sql.DB
}

// NewExecutor returns an executor backed by the given database handle.
func NewExecutor(db *sql.DB) *Executor {
	return &Executor{db: db}
}

// Execute runs a search query and returns matching events.
func (e *Executor) Execute(ctx context.Context, query *Query) (*SearchResponse, error) {
	start := time.Now()

	where, args, err := e.buildWhereClause(query)
	if err != nil {
		return nil, fmt.Errorf("build where clause: %w", err)
	}

	countSQL := fmt.Sprintf("SELECT count() FROM %s %s", eventsTable, where)
	var total int64
	if err := e.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count query: %w", err)
	}

	limit := query.Limit
	if limit <= 0 {
		limit = 100
	}

	orderBy := sanitizeOrderBy(query.OrderBy)
	direction := "DESC"
	if !query.OrderDesc {
		direction = "ASC"
	}

	searchSQL := fmt.Sprintf(
		"SELECT %s FROM %s %s ORDER BY %s %s LIMIT %d OFFSET %d",
		selectColumns, eventsTable, where, orderBy, direction, limit, query.Offset,
	)

	rows, err := e.db.QueryContext(ctx, searchSQL, args...)
	if err != nil {
		return nil, fmt.Errorf("search query: %w", err)
	}
	defer rows.Close()

	results := make([]*SearchResult, 0, limit)
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}

	return &SearchResponse{
		Query:      query.Raw,
		TotalCount: total,
		Results:    results,
		Took:       time.Since(start).Milliseconds(),
		Limit:      limit,
		Offset:     query.Offset,
	}, nil
}

// GetEvent fetches a single stored event by its identifier.
func (e *Executor) GetEvent(ctx context.Context, id uuid.UUID) (*SearchResult, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ? LIMIT 1", selectColumns, eventsTable)

	rows, err := e.db.QueryContext(ctx, query, id.String())
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("get event: %w", err)
		}
		return nil, nil
	}

	return scanResult(rows)
}

func scanResult(rows *sql.Rows) (*SearchResult, error) {
	var (
		r        SearchResult
		idStr    string
		metaJSON string
	)

	err := rows.Scan(
		&idStr, &r.Timestamp, &r.ReceivedAt, &r.Source, &r.Severity,
		&r.EventType, &r.Message, &r.UserAgent, &r.SourceIP,
		&r.DestinationIP, &r.Username, &metaJSON, &r.AnomalyScore,
		&r.IsAnomaly, &r.DetectedAttacks, &r.RiskFactors,
	)
	if err != nil {
		return nil, err
	}

	if id, err := uuid.Parse(idStr); err == nil {
		r.ID = id
	}
	if metaJSON != "" && metaJSON != "{}" {
		_ = json.Unmarshal([]byte(metaJSON), &r.Metadata)
	}

	return &r, nil
}

// buildWhereClause renders the query conditions into SQL. The time
// range always joins with AND; parsed conditions carry their own
// logic and parentheses.
func (e *Executor) buildWhereClause(query *Query) (string, []any, error) {
	var (
		fixed []string
		args  []any
	)

	if !query.TimeRange.Start.IsZero() {
		fixed = append(fixed, "timestamp >= ?")
		args = append(args, query.TimeRange.Start)
	}
	if !query.TimeRange.End.IsZero() {
		fixed = append(fixed, "timestamp <= ?")
		args = append(args, query.TimeRange.End)
	}

	var conds strings.Builder
	for i, cond := range query.Conditions {
		clause, condArgs, err := e.buildConditionClause(&cond)
		if err != nil {
			return "", nil, err
		}

		if i > 0 {
			logic := cond.Logic
			if logic == "" {
				logic = "AND"
			}
			conds.WriteString(" " + logic + " ")
		}

		conds.WriteString(strings.Repeat("(", cond.OpenParens))
		conds.WriteString(clause)
		conds.WriteString(strings.Repeat(")", cond.CloseParens))
		args = append(args, condArgs...)
	}

	if conds.Len() > 0 {
		fixed = append(fixed, "("+conds.String()+")")
	}

	if len(fixed) == 0 {
		return "", nil, nil
	}

	return "WHERE " + strings.Join(fixed, " AND "), args, nil
}

func (e *Executor) buildConditionClause(cond *Condition) (string, []any, error) {
	if cond.IsMetadata {
		return buildMetadataClause(cond)
	}

	column := sanitizeColumn(cond.Field)

	if arrayColumns[column] {
		return buildArrayClause(column, cond)
	}

	var clause string
	var args []any

	switch cond.Operator {
	case "=":
		if cond.IsRegex {
			pattern, ok := cond.Value.(string)
			if !ok || len(pattern) > maxRegexLength {
				return "", nil, fmt.Errorf("invalid regex pattern for field %s", cond.Field)
			}
			clause = fmt.Sprintf("match(%s, ?)", column)
			args = append(args, pattern)
		} else {
			clause = fmt.Sprintf("%s = ?", column)
			args = append(args, cond.Value)
		}
	case "!=":
		if cond.IsRegex {
			pattern, ok := cond.Value.(string)
			if !ok || len(pattern) > maxRegexLength {
				return "", nil, fmt.Errorf("invalid regex pattern for field %s", cond.Field)
			}
			clause = fmt.Sprintf("NOT match(%s, ?)", column)
			args = append(args, pattern)
		} else {
			clause = fmt.Sprintf("%s != ?", column)
			args = append(args, cond.Value)
		}
	case ">", ">=", "<", "<=":
		clause = fmt.Sprintf("%s %s ?", column, cond.Operator)
		args = append(args, cond.Value)
	case "~":
		pattern := fmt.Sprintf("%v", cond.Value)
		if len(pattern) > maxRegexLength {
			return "", nil, fmt.Errorf("regex pattern too long for field %s", cond.Field)
		}
		clause = fmt.Sprintf("match(%s, ?)", column)
		args = append(args, pattern)
	case "!~":
		pattern := fmt.Sprintf("%v", cond.Value)
		if len(pattern) > maxRegexLength {
			return "", nil, fmt.Errorf("regex pattern too long for field %s", cond.Field)
		}
		clause = fmt.Sprintf("NOT match(%s, ?)", column)
		args = append(args, pattern)
	case "contains":
		clause = fmt.Sprintf("position(%s, ?) > 0", column)
		args = append(args, fmt.Sprintf("%v", cond.Value))
	case "exists":
		clause = fmt.Sprintf("%s != ''", column)
	default:
		return "", nil, fmt.Errorf("unsupported operator %q", cond.Operator)
	}

	if cond.Negate {
		clause = "NOT (" + clause + ")"
	}

	return clause, args, nil
}

// buildArrayClause handles Array(String) columns, where equality means
// membership.
func buildArrayClause(column string, cond *Condition) (string, []any, error) {
	value := fmt.Sprintf("%v", cond.Value)

	var clause string
	var args []any

	switch cond.Operator {
	case "=":
		clause = fmt.Sprintf("has(%s, ?)", column)
		args = append(args, value)
	case "!=":
		clause = fmt.Sprintf("NOT has(%s, ?)", column)
		args = append(args, value)
	case "~":
		if len(value) > maxRegexLength {
			return "", nil, fmt.Errorf("regex pattern too long for field %s", cond.Field)
		}
		clause = fmt.Sprintf("arrayExists(x -> match(x, ?), %s)", column)
		args = append(args, value)
	case "!~":
		if len(value) > maxRegexLength {
			return "", nil, fmt.Errorf("regex pattern too long for field %s", cond.Field)
		}
		clause = fmt.Sprintf("NOT arrayExists(x -> match(x, ?), %s)", column)
		args = append(args, value)
	case "contains":
		clause = fmt.Sprintf("arrayExists(x -> position(x, ?) > 0, %s)", column)
		args = append(args, value)
	case "exists":
		clause = fmt.Sprintf("notEmpty(%s)", column)
	default:
		return "", nil, fmt.Errorf("unsupported operator %q for array field %s", cond.Operator, cond.Field)
	}

	if cond.Negate {
		clause = "NOT (" + clause + ")"
	}

	return clause, args, nil
}

// buildMetadataClause queries into the metadata JSON column.
func buildMetadataClause(cond *Condition) (string, []any, error) {
	key := cond.MetadataKey

	var clause string
	var args []any

	switch cond.Operator {
	case "=":
		clause = "JSONExtractString(metadata, ?) = ?"
		args = append(args, key, fmt.Sprintf("%v", cond.Value))
	case "!=":
		clause = "JSONExtractString(metadata, ?) != ?"
		args = append(args, key, fmt.Sprintf("%v", cond.Value))
	case ">", ">=", "<", "<=":
		clause = fmt.Sprintf("JSONExtractFloat(metadata, ?) %s ?", cond.Operator)
		args = append(args, key, cond.Value)
	case "~":
		pattern := fmt.Sprintf("%v", cond.Value)
		if len(pattern) > maxRegexLength {
			return "", nil, fmt.Errorf("regex pattern too long for metadata key %s", key)
		}
		clause = "match(JSONExtractString(metadata, ?), ?)"
		args = append(args, key, pattern)
	case "contains":
		clause = "position(JSONExtractString(metadata, ?), ?) > 0"
		args = append(args, key, fmt.Sprintf("%v", cond.Value))
	case "exists":
		clause = "JSONHas(metadata, ?)"
		args = append(args, key)
	default:
		return "", nil, fmt.Errorf("unsupported operator %q for metadata key %s", cond.Operator, key)
	}

	if cond.Negate {
		clause = "NOT (" + clause + ")"
	}

	return clause, args, nil
}

// sanitizeColumn returns the column if it is allowlisted, otherwise
// timestamp so an unknown field cannot inject SQL.
func sanitizeColumn(column string) string {
	if validColumns[strings.ToLower(column)] {
		return strings.ToLower(column)
	}
	return "timestamp"
}

func sanitizeOrderBy(column string) string {
	if orderableColumns[strings.ToLower(column)] {
		return strings.ToLower(column)
	}
	return "timestamp"
}

// Aggregate computes a single numeric aggregation over matching events.
func (e *Executor) Aggregate(ctx context.Context, query *Query, function, field string) (*AggregationResult, error) {
	start := time.Now()

	where, args, err := e.buildWhereClause(query)
	if err != nil {
		return nil, fmt.Errorf("build where clause: %w", err)
	}

	column := sanitizeColumn(field)

	var expr string
	switch function {
	case "count":
		expr = "count()"
	case "sum":
		expr = fmt.Sprintf("sum(%s)", column)
	case "avg":
		expr = fmt.Sprintf("avg(%s)", column)
	case "min":
		expr = fmt.Sprintf("min(%s)", column)
	case "max":
		expr = fmt.Sprintf("max(%s)", column)
	default:
		return nil, fmt.Errorf("unsupported aggregation function %q", function)
	}

	aggSQL := fmt.Sprintf("SELECT %s FROM %s %s", expr, eventsTable, where)

	var value float64
	if err := e.db.QueryRowContext(ctx, aggSQL, args...).Scan(&value); err != nil {
		return nil, fmt.Errorf("aggregation query: %w", err)
	}

	return &AggregationResult{
		Field: field,
		Value: value,
		Took:  time.Since(start).Milliseconds(),
	}, nil
}

// TopN returns the most frequent values of a field among matching
// events. Array fields are unrolled so each element counts once.
func (e *Executor) TopN(ctx context.Context, query *Query, field string, n int) (*AggregationResult, error) {
	start := time.Now()

	if n <= 0 {
		n = 10
	}
	if n > MaxTopN {
		n = MaxTopN
	}

	where, args, err := e.buildWhereClause(query)
	if err != nil {
		return nil, fmt.Errorf("build where clause: %w", err)
	}

	column := sanitizeColumn(field)
	groupExpr := column
	if arrayColumns[column] {
		groupExpr = fmt.Sprintf("arrayJoin(%s)", column)
	}

	topSQL := fmt.Sprintf(
		"SELECT %s AS k, count() AS c FROM %s %s GROUP BY k ORDER BY c DESC LIMIT %d",
		groupExpr, eventsTable, where, n,
	)

	rows, err := e.db.QueryContext(ctx, topSQL, args...)
	if err != nil {
		return nil, fmt.Errorf("topn query: %w", err)
	}
	defer rows.Close()

	result := &AggregationResult{Field: field}
	for rows.Next() {
		var b AggregateBucket
		if err := rows.Scan(&b.Key, &b.Count); err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		result.Buckets = append(result.Buckets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate buckets: %w", err)
	}

	result.Took = time.Since(start).Milliseconds()
	return result, nil
}

var histogramIntervals = map[string]string{
	"1m":  "toStartOfMinute",
	"5m":  "toStartOfFiveMinutes",
	"15m": "toStartOfFifteenMinutes",
	"1h":  "toStartOfHour",
	"1d":  "toStartOfDay",
	"1w":  "toStartOfWeek",
	"1M":  "toStartOfMonth",
}

// TimeHistogram buckets matching events by time interval.
func (e *Executor) TimeHistogram(ctx context.Context, query *Query, interval string) (*AggregationResult, error) {
	start := time.Now()

	fn, ok := histogramIntervals[interval]
	if !ok {
		return nil, fmt.Errorf("unsupported histogram interval %q", interval)
	}

	where, args, err := e.buildWhereClause(query)
	if err != nil {
		return nil, fmt.Errorf("build where clause: %w", err)
	}

	histSQL := fmt.Sprintf(
		"SELECT %s(timestamp) AS bucket, count() AS c, sum(anomaly_score) AS s FROM %s %s GROUP BY bucket ORDER BY bucket",
		fn, eventsTable, where,
	)

	rows, err := e.db.QueryContext(ctx, histSQL, args...)
	if err != nil {
		return nil, fmt.Errorf("histogram query: %w", err)
	}
	defer rows.Close()

	result := &AggregationResult{Field: "timestamp"}
	for rows.Next() {
		var (
			bucket time.Time
			count  int64
			score  float64
		)
		if err := rows.Scan(&bucket, &count, &score); err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		result.Buckets = append(result.Buckets, AggregateBucket{
			Key:   bucket.UTC().Format(time.RFC3339),
			Count: count,
			Value: score,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate buckets: %w", err)
	}

	result.Took = time.Since(start).Milliseconds()
	return result, nil
}

// String-valued columns whose distinct values can be listed.
var valueListColumns = map[string]bool{
	"source":           true,
	"severity":         true,
	"event_type":       true,
	"user_agent":       true,
	"source_ip":        true,
	"destination_ip":   true,
	"username":         true,
	"detected_attacks": true,
	"risk_factors":     true,
}

// FieldValues returns the distinct values of a field, most frequent
// first, for typeahead in query builders.
func (e *Executor) FieldValues(ctx context.Context, field string, limit int) ([]string, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	column := MapField(field)
	if !valueListColumns[column] {
		return nil, fmt.Errorf("field %q does not support value listing", field)
	}
	expr := column
	if arrayColumns[column] {
		expr = fmt.Sprintf("arrayJoin(%s)", column)
	}

	query := fmt.Sprintf(
		"SELECT %s AS v FROM %s WHERE v != '' GROUP BY v ORDER BY count() DESC LIMIT %d",
		expr, eventsTable, limit,
	)

	rows, err := e.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("field values query: %w", err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan value: %w", err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate values: %w", err)
	}

	return values, nil
}
