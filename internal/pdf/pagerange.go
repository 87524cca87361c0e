package pdf

import (
	"fmt"
	"strconv"
	"strings"
)

// ParsePageRange parses a page selection like "1-5" or "1,3,7-9".
// An empty string selects every page and yields nil.
func ParsePageRange(pageRange string) ([]int, error) {
	if strings.TrimSpace(pageRange) == "" {
		return nil, nil
	}

	var pages []int
	for _, part := range strings.Split(pageRange, ",") {
		tokenPages, err := parseRangeToken(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		pages = append(pages, tokenPages...)
	}
	return pages, nil
}

// parseRangeToken parses either a single page token (e.g., "3") or a range token (e.g., "1-5").
func parseRangeToken(part string) ([]int, error) {
	if start, end, ok := strings.Cut(part, "-"); ok {
		s, err := strconv.Atoi(strings.TrimSpace(start))
		if err != nil || s < 1 {
			return nil, fmt.Errorf("invalid start page: %q", start)
		}
		e, err := strconv.Atoi(strings.TrimSpace(end))
		if err != nil || e < 1 {
			return nil, fmt.Errorf("invalid end page: %q", end)
		}
		if s > e {
			return nil, fmt.Errorf("start page %d greater than end page %d", s, e)
		}
		out := make([]int, 0, e-s+1)
		for i := s; i <= e; i++ {
			out = append(out, i)
		}
		return out, nil
	}
	page, err := strconv.Atoi(part)
	if err != nil || page < 1 {
		return nil, fmt.Errorf("invalid page number: %q", part)
	}
	return []int{page}, nil
}

func pageStrings(pages []int) []string {
	if len(pages) == 0 {
		return nil
	}
	out := make([]string, len(pages))
	for i, p := range pages {
		out[i] = strconv.Itoa(p)
	}
	return out
}
