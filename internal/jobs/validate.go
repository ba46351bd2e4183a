package jobs

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/caseflow/internal/errs"
	"github.com/wolfeidau/caseflow/internal/models"
)

// Extraction sources accepted by extraction jobs.
var ExtractionSources = []string{"audit_logs", "sign_ins", "oauth_grants", "mailbox_audit", "directory_changes"}

// Analyses accepted by analysis jobs.
var Analyses = []string{"risky_sign_ins", "suspicious_grants", "mailbox_rules", "timeline"}

// ValidateParameters checks the type specific parameters of a job request.
func ValidateParameters(jobType models.JobType, params map[string]any) error {
	switch jobType {
	case models.JobTypeExtraction:
		if err := validateList(params, "sources", ExtractionSources); err != nil {
			return err
		}
		return validateDateRange(params)
	case models.JobTypeAnalysis:
		if err := validateList(params, "analyses", Analyses); err != nil {
			return err
		}
		if _, err := extractionJobID(params); err != nil {
			return err
		}
		return validateDateRange(params)
	case models.JobTypeConnectionTest:
		return nil
	case models.JobTypeOffboard:
		if v, ok := params["force"]; ok {
			if _, isBool := v.(bool); !isBool {
				return errs.Validation("force", "must be a boolean")
			}
		}
		if v, ok := params["reason"]; ok {
			if _, isString := v.(string); !isString {
				return errs.Validation("reason", "must be a string")
			}
		}
		return nil
	default:
		return errs.Validation("type", "unknown job type %q", jobType)
	}
}

func validateList(params map[string]any, field string, allowed []string) error {
	raw, ok := params[field]
	if !ok {
		return errs.Validation(field, "is required")
	}

	values, err := stringList(raw)
	if err != nil {
		return errs.Validation(field, "%s", err)
	}
	if len(values) == 0 {
		return errs.Validation(field, "must not be empty")
	}

	for _, v := range values {
		if !slices.Contains(allowed, v) {
			return errs.Validation(field, "unsupported value %q", v)
		}
	}
	return nil
}

// stringList accepts both decoded JSON arrays and native string slices.
func stringList(raw any) ([]string, error) {
	switch v := raw.(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("must be a list of strings")
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("must be a list of strings")
	}
}

func validateDateRange(params map[string]any) error {
	start, err := parseDate(params, "startDate")
	if err != nil {
		return err
	}
	end, err := parseDate(params, "endDate")
	if err != nil {
		return err
	}
	if start != nil && end != nil && end.Before(*start) {
		return errs.Validation("endDate", "must not be before startDate")
	}
	return nil
}

func parseDate(params map[string]any, field string) (*time.Time, error) {
	raw, ok := params[field]
	if !ok || raw == nil {
		return nil, nil
	}

	s, ok := raw.(string)
	if !ok {
		return nil, errs.Validation(field, "must be a date string")
	}

	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t, nil
		}
	}
	return nil, errs.Validation(field, "must be RFC 3339 or YYYY-MM-DD, got %q", s)
}

func extractionJobID(params map[string]any) (*uuid.UUID, error) {
	raw, ok := params["extractionJobId"]
	if !ok || raw == nil {
		return nil, nil
	}

	s, ok := raw.(string)
	if !ok {
		return nil, errs.Validation("extractionJobId", "must be a string")
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil, errs.Validation("extractionJobId", "must be a UUID")
	}
	return &id, nil
}
