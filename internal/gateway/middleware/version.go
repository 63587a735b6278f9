package middleware

import (
	"net/http"
	"time"

	"github.com/Masterminds/semver/v3"

	"codebox/internal/gateway/handlers"
)

// APIVersion is the version of the HTTP contract served by the gateway.
const APIVersion = "1.0.0"

// VersionConfig configures API version negotiation.
type VersionConfig struct {
	// Current is the served API version.
	Current *semver.Version
	// Sunset marks deprecated versions by constraint, e.g. "<1.0.0".
	Sunset map[string]time.Time
}

// DefaultVersionConfig serves APIVersion with nothing deprecated.
func DefaultVersionConfig() VersionConfig {
	return VersionConfig{
		Current: semver.MustParse(APIVersion),
		Sunset:  map[string]time.Time{},
	}
}

// Version negotiates the Accept-Version header. The header is a semver
// constraint ("1", "^1.0", ">= 1.0, < 2"); a request whose constraint the
// current version does not satisfy is refused with 406. Responses always carry
// API-Version.
func Version(config VersionConfig) func(http.Handler) http.Handler {
	type sunset struct {
		constraint *semver.Constraints
		at         time.Time
	}
	var sunsets []sunset
	for expr, at := range config.Sunset {
		c, err := semver.NewConstraint(expr)
		if err != nil {
			panic("middleware: bad sunset constraint " + expr + ": " + err.Error())
		}
		sunsets = append(sunsets, sunset{c, at})
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("API-Version", config.Current.String())

			if accept := r.Header.Get("Accept-Version"); accept != "" {
				c, err := semver.NewConstraint(accept)
				if err != nil {
					handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest,
						"invalid Accept-Version: "+err.Error())
					return
				}
				if !c.Check(config.Current) {
					handlers.SendError(w, http.StatusNotAcceptable, handlers.ErrCodeUnsupportedVersion,
						"API version "+config.Current.String()+" does not satisfy "+accept)
					return
				}
			}

			for _, s := range sunsets {
				if s.constraint.Check(config.Current) {
					w.Header().Set("Deprecation", "true")
					w.Header().Set("Sunset", s.at.UTC().Format(http.TimeFormat))
					break
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}
