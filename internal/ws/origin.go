package ws

import (
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// originChecker builds the upgrader's CheckOrigin. With no configured origins
// it returns nil, which leaves gorilla's same-host check in place. "*" allows
// any origin.
func originChecker(origins []string, log *zap.Logger) func(*http.Request) bool {
	allowed := make(map[string]struct{})
	allowAll := false
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		if origin == "*" {
			allowAll = true
			continue
		}
		normalized, ok := normalizeOrigin(origin)
		if !ok {
			log.Warn("ignoring_invalid_origin", zap.String("origin", origin))
			continue
		}
		allowed[normalized] = struct{}{}
	}
	if !allowAll && len(allowed) == 0 {
		return nil
	}

	return func(r *http.Request) bool {
		header := r.Header.Get("Origin")
		if header == "" || allowAll {
			return true
		}
		normalized, ok := normalizeOrigin(header)
		if ok {
			if _, ok = allowed[normalized]; ok {
				return true
			}
		}
		log.Warn("origin_blocked", zap.String("origin", header))
		return false
	}
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}
