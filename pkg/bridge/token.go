package bridge

import (
	"net/http"
	"strings"

	"github.com/nexusmq/asyncbridge/pkg/config"
)

// extractToken implements spec's four HMB token-extraction rules against
// the request's Cookie header:
//  1. split on ';', trim each piece.
//  2. a piece is a match if it equals a recognized cookie name outright,
//     or is "name=value" with a recognized name; matches are kept
//     verbatim (not just the value).
//  3. if nothing matched, fall back to the configured default token
//     data.
//  4. if cookie names or a default token type are configured and the
//     resulting token data is still empty, the request fails permission
//     checks outright.
//
// tokenType is the name of the cookie that matched, or the configured
// default type when falling back.
func extractToken(r *http.Request, cfg config.BridgeConfig) (tokenType, tokenData string, err error) {
	var matches []string
	var matchedNames []string

	if header := r.Header.Get("Cookie"); header != "" {
		for _, piece := range strings.Split(header, ";") {
			piece = strings.TrimSpace(piece)
			if piece == "" {
				continue
			}
			name := piece
			if idx := strings.IndexByte(piece, '='); idx >= 0 {
				name = piece[:idx]
			}
			if isRecognizedCookieName(name, cfg.TokenCookieNames) {
				matches = append(matches, piece)
				matchedNames = append(matchedNames, name)
			}
		}
	}

	if len(matches) > 0 {
		tokenType = matchedNames[0]
		tokenData = strings.Join(matches, "; ")
	} else {
		tokenType = cfg.TokenTypeDefault
		tokenData = cfg.TokenDataDefault
	}

	if (len(cfg.TokenCookieNames) > 0 || cfg.TokenTypeDefault != "") && tokenData == "" {
		return "", "", ErrPermissionDenied
	}
	return tokenType, tokenData, nil
}

func isRecognizedCookieName(name string, recognized []string) bool {
	for _, r := range recognized {
		if name == r {
			return true
		}
	}
	return false
}
