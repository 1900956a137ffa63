package utils

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/relvacode/iso8601"
)

// DefaultLimit is the default number of items per page
const DefaultLimit = 20

// MaxLimit is the maximum number of items per page
const MaxLimit = 1000

// DefaultHistoryWindow is used when a history query omits its start
const DefaultHistoryWindow = 24 * time.Hour

// PaginationRequest holds pagination parameters
type PaginationRequest struct {
	Page  int `form:"page"`
	Limit int `form:"limit"`
}

// Offset returns the row offset of the requested page
func (p PaginationRequest) Offset() int {
	return (p.Page - 1) * p.Limit
}

// PaginatedResponse represents a paginated API response
type PaginatedResponse struct {
	Data       interface{} `json:"data"`
	Pagination Pagination  `json:"pagination"`
}

// Pagination holds pagination metadata
type Pagination struct {
	CurrentPage int   `json:"current_page"`
	TotalPages  int   `json:"total_pages"`
	TotalItems  int64 `json:"total_items"`
	PerPage     int   `json:"per_page"`
}

// TimeRange is an inclusive [Start, End] window
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// GetPaginationFromContext extracts pagination parameters from the gin context
func GetPaginationFromContext(ctx *gin.Context) PaginationRequest {
	page, err := strconv.Atoi(ctx.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		page = 1
	}

	limit, err := strconv.Atoi(ctx.DefaultQuery("limit", strconv.Itoa(DefaultLimit)))
	if err != nil || limit < 1 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	return PaginationRequest{Page: page, Limit: limit}
}

// GetTimeRangeFromContext reads ISO-8601 start/end query parameters.
// Missing end means now, missing start means DefaultHistoryWindow before end.
func GetTimeRangeFromContext(ctx *gin.Context, now time.Time) (TimeRange, error) {
	tr := TimeRange{End: now}

	if raw := ctx.Query("end"); raw != "" {
		end, err := iso8601.ParseString(raw)
		if err != nil {
			return tr, fmt.Errorf("%w: invalid end time %q", ErrBadRequest, raw)
		}
		tr.End = end
	}

	tr.Start = tr.End.Add(-DefaultHistoryWindow)
	if raw := ctx.Query("start"); raw != "" {
		start, err := iso8601.ParseString(raw)
		if err != nil {
			return tr, fmt.Errorf("%w: invalid start time %q", ErrBadRequest, raw)
		}
		tr.Start = start
	}

	if tr.Start.After(tr.End) {
		return tr, fmt.Errorf("%w: start is after end", ErrBadRequest)
	}
	return tr, nil
}

// ParseTimestamp parses an optional device timestamp, falling back to now
func ParseTimestamp(raw string, now time.Time) (time.Time, error) {
	if raw == "" {
		return now, nil
	}
	ts, err := iso8601.ParseString(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid timestamp %q", ErrBadRequest, raw)
	}
	return ts.UTC(), nil
}

// NewPaginatedResponse creates a new paginated response
func NewPaginatedResponse(data interface{}, pagination PaginationRequest, totalItems int64) PaginatedResponse {
	return PaginatedResponse{
		Data: data,
		Pagination: Pagination{
			CurrentPage: pagination.Page,
			TotalPages:  calculateTotalPages(totalItems, pagination.Limit),
			TotalItems:  totalItems,
			PerPage:     pagination.Limit,
		},
	}
}

func calculateTotalPages(totalItems int64, perPage int) int {
	if perPage == 0 {
		return 0
	}

	totalPages := int(totalItems / int64(perPage))
	if totalItems%int64(perPage) > 0 {
		totalPages++
	}
	return totalPages
}
