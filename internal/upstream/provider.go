package upstream

import (
	"fmt"
	"net/url"
	"strings"
)

// ParseMirrors parses and validates provider base URLs.
func ParseMirrors(raw []string) ([]*url.URL, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("no mirrors provided")
	}

	mirrors := make([]*url.URL, 0, len(raw))
	for _, v := range raw {
		u, err := url.Parse(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("parse mirror %q: %w", v, err)
		}

		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("mirror %q must use http or https scheme", v)
		}
		if u.Host == "" {
			return nil, fmt.Errorf("mirror %q has no host", v)
		}

		// Normalize to ensure trailing slash removed for stable path joins.
		u.Path = strings.TrimRight(u.Path, "/")
		u.RawQuery = ""
		u.Fragment = ""

		mirrors = append(mirrors, u)
	}

	return mirrors, nil
}
