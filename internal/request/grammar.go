package request

import (
	"regexp"

	"github.com/dunamismax/pixelgate/internal/domain"
)

var (
	// Optional leading slash, then groups of four base64 characters from
	// either alphabet with optional trailing padding.
	encodedPattern = regexp.MustCompile(`^/?([0-9a-zA-Z+/_-]{4})*([0-9a-zA-Z+/_-]{2}==|[0-9a-zA-Z+/_-]{3}=)?$`)

	// Any path mentioning an image extension. Only used when a rewrite is
	// configured.
	customPattern = regexp.MustCompile(`(?i)/?.*(jpg|png|webp|tiff|jpeg)`)

	filterChainPattern = regexp.MustCompile(`(?i)^/?((fit-in)?|(filters:.+\(.?\))?|(unsafe)?).*(.+jpg|.+png|.+webp|.+tiff|.+jpeg)$`)

	dimensionPattern = regexp.MustCompile(`(?:^|/)(\d+)x(\d+)`)

	// Everything in a filter-chain path that is not part of the object key.
	keyNoisePattern = regexp.MustCompile(`\d+x\d+/|filters:[^/;]+|(?:^|/)fit-in(?:/+|$)|^/+`)

	positionPercentPattern = regexp.MustCompile(`^(100|[1-9]?[0-9]|-(100|[1-9][0-9]?))p$`)
)

// Classify picks the addressing scheme of path. The checks run in a fixed
// order because the custom and filter-chain shapes overlap: a path matching
// both is custom only while a rewrite is configured.
func Classify(path string, rewriteConfigured bool) domain.Scheme {
	switch {
	case encodedPattern.MatchString(path):
		return domain.SchemeEncoded
	case rewriteConfigured && customPattern.MatchString(path):
		return domain.SchemeCustom
	case filterChainPattern.MatchString(path):
		return domain.SchemeFilterChain
	default:
		return domain.SchemeUnknown
	}
}
