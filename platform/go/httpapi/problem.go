// Package httpapi holds the JSON and problem-details plumbing shared by the reporting handlers.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	platformlogging "github.com/Opetushallitus/varda-reporting/platform/go/logging"
	"github.com/Opetushallitus/varda-reporting/platform/go/persistence"
)

const (
	ProblemTypeValidation = "https://varda.opintopolku.fi/problems/validation-error"
	ProblemTypeNotFound   = "https://varda.opintopolku.fi/problems/not-found"
	ProblemTypeForbidden  = "https://varda.opintopolku.fi/problems/forbidden"
	ProblemTypeConflict   = "https://varda.opintopolku.fi/problems/conflict"
	ProblemTypeInternal   = "https://varda.opintopolku.fi/problems/internal-error"
	ProblemTypeUpstream   = "https://varda.opintopolku.fi/problems/upstream-error"
	ProblemTypeTimeout    = "https://varda.opintopolku.fi/problems/timeout"
)

// Stable error codes surfaced to callers.
const (
	CodeInvalidDate       = "GE020"
	CodeUpperWithoutLower = "GE021"
	CodeUpperBeforeLower  = "GE022"
	CodeInvalidReportType = "ER001"
	CodeInvalidLanguage   = "ER002"
	CodeScopeNotPermitted = "ER003"
	CodeInvalidTargetDate = "ER004"
	CodeInvalidCursor     = "PG001"
	CodeInvalidPageSize   = "PG002"
	CodeInvalidBody       = "GE001"
	CodeInvalidQueryParam = "GE002"
)

var codeDescriptions = map[string]string{
	CodeInvalidDate:       "Invalid date or datetime.",
	CodeUpperWithoutLower: "Upper bound given without lower bound.",
	CodeUpperBeforeLower:  "Upper bound is before lower bound.",
	CodeInvalidReportType: "Invalid report type or subtype.",
	CodeInvalidLanguage:   "Unsupported language.",
	CodeScopeNotPermitted: "Scope not permitted for this report type.",
	CodeInvalidTargetDate: "Invalid target date.",
	CodeInvalidCursor:     "Invalid cursor.",
	CodeInvalidPageSize:   "Invalid page size.",
	CodeInvalidBody:       "Invalid request body.",
	CodeInvalidQueryParam: "Invalid query parameter.",
}

// Describe returns the catalog text of a code.
func Describe(code string) string {
	if d, ok := codeDescriptions[code]; ok {
		return d
	}
	return code
}

// FieldErrors maps request fields to catalog codes.
type FieldErrors map[string][]string

// ValidationError is returned by services for caller-supplied input problems.
type ValidationError struct {
	Fields FieldErrors
}

func (v *ValidationError) Error() string {
	parts := make([]string, 0, len(v.Fields))
	for field, codes := range v.Fields {
		parts = append(parts, field+"="+strings.Join(codes, ","))
	}
	return "validation error: " + strings.Join(parts, "; ")
}

// Invalid builds a ValidationError for one field.
func Invalid(field, code string) *ValidationError {
	return &ValidationError{Fields: FieldErrors{field: {code}}}
}

// Add appends a code for field. Nil receivers are not allowed.
func (v *ValidationError) Add(field, code string) {
	if v.Fields == nil {
		v.Fields = FieldErrors{}
	}
	v.Fields[field] = append(v.Fields[field], code)
}

// OrNil returns nil when no field failed.
func (v *ValidationError) OrNil() error {
	if v == nil || len(v.Fields) == 0 {
		return nil
	}
	return v
}

// Shared sentinels. Domain packages wrap these so the adapter can map them.
var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
	ErrConflict  = errors.New("conflict")
	ErrUpstream  = errors.New("upstream service failed")
)

// ProblemDetails is an RFC 7807 body.
type ProblemDetails struct {
	Type     string      `json:"type"`
	Title    string      `json:"title"`
	Status   int         `json:"status"`
	Detail   string      `json:"detail,omitempty"`
	Instance string      `json:"instance,omitempty"`
	Code     string      `json:"code,omitempty"`
	Errors   FieldErrors `json:"errors,omitempty"`
}

// Classifier maps domain errors that the shared sentinels do not cover.
type Classifier func(err error) (status int, title, problemType string, ok bool)

// WriteError classifies err, logs it with the severity policy of its class and writes the problem.
// Not-found is logged at info, other rejections at warn, server failures at error.
func WriteError(w http.ResponseWriter, r *http.Request, fallback *zap.Logger, op string, err error, classifiers ...Classifier) {
	problem := Classify(err, classifiers...)
	problem.Instance = r.URL.Path

	logger := platformlogging.FromRequest(r, fallback)
	if logger == nil {
		logger = zap.NewNop()
	}
	fields := []zap.Field{zap.String("operation", op), zap.Int("status", problem.Status), zap.Error(err)}
	switch {
	case problem.Status >= http.StatusInternalServerError:
		logger.Error("request failed", fields...)
	case problem.Status == http.StatusNotFound:
		logger.Info("resource not found", fields...)
	default:
		logger.Warn("request rejected", fields...)
	}

	WriteProblem(w, problem)
}

// Classify turns an error into problem details without writing it.
func Classify(err error, classifiers ...Classifier) ProblemDetails {
	var validationErr *ValidationError
	switch {
	case errors.As(err, &validationErr):
		p := ProblemDetails{
			Type:   ProblemTypeValidation,
			Title:  "Validation failed",
			Status: http.StatusBadRequest,
			Detail: "one or more parameters are invalid",
			Errors: validationErr.Fields,
		}
		if code := singleCode(validationErr.Fields); code != "" {
			p.Code = code
			p.Detail = Describe(code)
		}
		return p
	case errors.Is(err, ErrNotFound):
		return ProblemDetails{Type: ProblemTypeNotFound, Title: "Resource not found", Status: http.StatusNotFound}
	case errors.Is(err, ErrForbidden):
		return ProblemDetails{Type: ProblemTypeForbidden, Title: "Permission denied", Status: http.StatusForbidden}
	case errors.Is(err, ErrConflict):
		return ProblemDetails{Type: ProblemTypeConflict, Title: "Conflict", Status: http.StatusConflict}
	case errors.Is(err, ErrUpstream):
		return ProblemDetails{Type: ProblemTypeUpstream, Title: "Upstream service failed", Status: http.StatusBadGateway}
	case errors.Is(err, context.DeadlineExceeded), persistence.IsQueryCanceled(err):
		return ProblemDetails{Type: ProblemTypeTimeout, Title: "Request timed out", Status: http.StatusGatewayTimeout}
	}

	for _, classify := range classifiers {
		if status, title, problemType, ok := classify(err); ok {
			return ProblemDetails{Type: problemType, Title: title, Status: status}
		}
	}

	return ProblemDetails{
		Type:   ProblemTypeInternal,
		Title:  "Internal server error",
		Status: http.StatusInternalServerError,
		Detail: "an unexpected error occurred",
	}
}

func singleCode(fields FieldErrors) string {
	code := ""
	for _, codes := range fields {
		for _, c := range codes {
			if code != "" && code != c {
				return ""
			}
			code = c
		}
	}
	return code
}

// WriteProblem writes an application/problem+json response.
func WriteProblem(w http.ResponseWriter, p ProblemDetails) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ParseDate parses an ISO date query value. Empty values yield nil.
func ParseDate(r *http.Request, field string) (*time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(field))
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return nil, Invalid(field, CodeInvalidDate)
	}
	return &t, nil
}

// ParseDateTime parses an RFC 3339 datetime, also accepting a bare date as midnight UTC.
func ParseDateTime(r *http.Request, field string) (*time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(field))
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", time.DateOnly} {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, Invalid(field, CodeInvalidDate)
}

// ParseBool parses an optional boolean query value.
func ParseBool(r *http.Request, field string) (bool, error) {
	raw := strings.ToLower(strings.TrimSpace(r.URL.Query().Get(field)))
	switch raw {
	case "":
		return false, nil
	case "true", "1":
		return true, nil
	case "false", "0":
		return false, nil
	}
	return false, Invalid(field, CodeInvalidQueryParam)
}

// SplitList splits a comma separated query value, dropping blanks.
func SplitList(r *http.Request, field string) []string {
	raw := r.URL.Query().Get(field)
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Errorf is a convenience for wrapping a sentinel with detail.
func Errorf(sentinel error, format string, a ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, a...), sentinel)
}
