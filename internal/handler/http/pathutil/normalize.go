// Package pathutil provides URL path helpers for HTTP handlers and metrics.
package pathutil

import (
	"regexp"
)

// PathPattern represents a regex pattern and its corresponding normalized template.
type PathPattern struct {
	Pattern  *regexp.Regexp
	Template string
}

// pathPatterns defines the list of patterns for dynamic routes.
// Pre-compiled at initialization so normalization stays cheap on the hot path.
var pathPatterns = []*PathPattern{
	{Pattern: regexp.MustCompile(`^/v1/mesh/nodes/[^/]+$`), Template: "/v1/mesh/nodes/:id"},
	{Pattern: regexp.MustCompile(`^/v1/mesh/nodes/[^/]+/stats$`), Template: "/v1/mesh/nodes/:id/stats"},
}

// knownPaths are the static routes exposed by the gateway. Anything else is
// collapsed to a catch-all label so unknown paths cannot explode metric
// cardinality.
var knownPaths = map[string]bool{
	"/v1/chat":       true,
	"/v1/mesh/stats": true,
	"/health":        true,
	"/healthz":       true,
	"/metrics":       true,
}

// NormalizePath normalizes URL paths for use as metrics labels.
// Dynamic segments are replaced with templates and unknown paths collapse to
// "/other" to keep label cardinality bounded.
//
// Examples:
//
//	NormalizePath("/v1/chat")                 // "/v1/chat"
//	NormalizePath("/v1/mesh/nodes/claude-a")  // "/v1/mesh/nodes/:id"
//	NormalizePath("/wp-admin/login.php")      // "/other"
func NormalizePath(path string) string {
	if knownPaths[path] {
		return path
	}
	for _, p := range pathPatterns {
		if p.Pattern.MatchString(path) {
			return p.Template
		}
	}
	return "/other"
}
