package request

import (
	"regexp"
	"slices"
)

// AllowList is the ordered set of source buckets requests may read from.
// The first entry doubles as an anchored pattern for requested buckets.
type AllowList struct {
	buckets []string
	pattern *regexp.Regexp
}

func NewAllowList(buckets []string) AllowList {
	list := AllowList{buckets: slices.Clone(buckets)}
	if len(buckets) > 0 {
		// An entry that is not a valid pattern only matches literally.
		list.pattern, _ = regexp.Compile(`^(?:` + buckets[0] + `)$`)
	}
	return list
}

func (l AllowList) Buckets() []string {
	return slices.Clone(l.buckets)
}

// Default is the bucket used when a request names none.
func (l AllowList) Default() (string, error) {
	if len(l.buckets) == 0 {
		return "", ErrNoSourceBuckets
	}
	return l.buckets[0], nil
}

// Resolve checks a requested bucket against the list.
func (l AllowList) Resolve(requested string) (string, error) {
	if len(l.buckets) == 0 {
		return "", ErrNoSourceBuckets
	}
	if slices.Contains(l.buckets, requested) {
		return requested, nil
	}
	if l.pattern != nil && l.pattern.MatchString(requested) {
		return requested, nil
	}
	return "", ErrCannotAccessBucket
}
