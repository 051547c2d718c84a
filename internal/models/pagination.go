package models

// Page size bounds shared by campaign, customer, cursor and attempt listings
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// PaginationResult is the page metadata returned next to every listing
type PaginationResult struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	TotalCount int64 `json:"total_count"`
	TotalPages int   `json:"total_pages"`
	HasMore    bool  `json:"has_more"`
}

// NewPaginationResult expects page and pageSize already normalized by ValidateAndSetDefaults
func NewPaginationResult(page, pageSize int, totalCount int64) PaginationResult {
	size := int64(pageSize)
	pages := int((totalCount + size - 1) / size)
	return PaginationResult{
		Page:       page,
		PageSize:   pageSize,
		TotalCount: totalCount,
		TotalPages: pages,
		HasMore:    page < pages,
	}
}

// ValidateAndSetDefaults clamps page to at least 1 and pageSize to [1, MaxPageSize]
func ValidateAndSetDefaults(page, pageSize *int) {
	if *page < 1 {
		*page = 1
	}
	switch {
	case *pageSize < 1:
		*pageSize = DefaultPageSize
	case *pageSize > MaxPageSize:
		*pageSize = MaxPageSize
	}
}

// CalculateOffset returns the row offset of the first item on page
func CalculateOffset(page, pageSize int) int {
	return (page - 1) * pageSize
}
