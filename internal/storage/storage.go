// Package storage defines the instance storage contract and its reference
// implementations.
package storage

import (
	"context"
	"errors"
	"strings"

	"github.com/dicomkit/dicomweb-server/internal/models"
)

// ErrNotFound is returned when an addressed resource does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrAlreadyExists is returned on duplicate stores under a reject policy.
var ErrAlreadyExists = errors.New("storage: instance already exists")

// DateRange is a DICOM date range; empty bounds are open.
type DateRange struct {
	Start string // YYYYMMDD
	End   string // YYYYMMDD
}

// Contains reports whether the date (YYYYMMDD) falls inside the range.
// Byte-wise comparison is sufficient for the fixed-width date form.
func (r DateRange) Contains(date string) bool {
	if date == "" {
		return false
	}
	if r.Start != "" && date < r.Start {
		return false
	}
	if r.End != "" && date > r.End {
		return false
	}
	return true
}

// ParseDateRange parses "A-B", "A-", "-B" or a single date "A".
func ParseDateRange(s string) *DateRange {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if !strings.Contains(s, "-") {
		return &DateRange{Start: s, End: s}
	}
	start, end, _ := strings.Cut(s, "-")
	return &DateRange{Start: strings.TrimSpace(start), End: strings.TrimSpace(end)}
}

// Query carries QIDO-RS search criteria.
type Query struct {
	PatientName      string
	PatientID        string
	AccessionNumber  string
	Modality         string
	StudyInstanceUID string
	StudyDate        *DateRange
	IncludeFields    []string
	Offset           int
	Limit            int
	FuzzyMatching    bool
}

// Provider persists and indexes DICOM instances.
type Provider interface {
	StoreInstance(ctx context.Context, inst *models.Instance) error
	GetInstance(ctx context.Context, studyUID, seriesUID, instanceUID string) (*models.Instance, error)
	DeleteInstance(ctx context.Context, studyUID, seriesUID, instanceUID string) error
	DeleteSeries(ctx context.Context, studyUID, seriesUID string) error
	DeleteStudy(ctx context.Context, studyUID string) error
	InstanceExists(ctx context.Context, studyUID, seriesUID, instanceUID string) (bool, error)

	SearchStudies(ctx context.Context, q Query) ([]models.StudySummary, error)
	SearchSeries(ctx context.Context, studyUID string, q Query) ([]models.SeriesSummary, error)
	SearchInstances(ctx context.Context, studyUID, seriesUID string, q Query) ([]models.InstanceSummary, error)

	GetSeriesInstances(ctx context.Context, studyUID, seriesUID string) ([]*models.Instance, error)
	GetStudyInstances(ctx context.Context, studyUID string) ([]*models.Instance, error)

	CountSeries(ctx context.Context, studyUID string) (int, error)
	CountInstances(ctx context.Context, studyUID string) (int, error)
	TotalInstances(ctx context.Context) (int, error)
}

// MatchText matches a query value against an attribute value, supporting the
// * and ? wildcards of DICOM matching. Fuzzy matching falls back to a
// case-insensitive substring test.
func MatchText(pattern, value string, fuzzy bool) bool {
	if pattern == "" {
		return true
	}
	if fuzzy {
		return strings.Contains(strings.ToLower(value), strings.ToLower(strings.Trim(pattern, "*?")))
	}
	if strings.ContainsAny(pattern, "*?") {
		return matchWildcard(pattern, value)
	}
	return pattern == value
}

func matchWildcard(pattern, value string) bool {
	// Iterative glob match over * and ?.
	pi, vi := 0, 0
	star, starv := -1, 0
	for vi < len(value) {
		switch {
		case pi < len(pattern) && (pattern[pi] == '?' || pattern[pi] == value[vi]):
			pi++
			vi++
		case pi < len(pattern) && pattern[pi] == '*':
			star = pi
			starv = vi
			pi++
		case star >= 0:
			pi = star + 1
			starv++
			vi = starv
		default:
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}
