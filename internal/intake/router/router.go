// Package router wires the public HTTP surface of the directory indexer.
//
// Route table:
//
//	PUT    /1.0                      → queue CREATE_UPDATE (client certificate)
//	DELETE /1.0/{participantID}      → queue DELETE        (client certificate)
//	GET    /1.0/participants         → list indexed participants
//	GET    /1.0/participants/{pid}   → stored documents of one participant
//	GET    /1.0/search?q=&limit=     → full-text search
//
// Middleware chain (outermost first):
//
//	RequestID → RealIP → RequestLogger → Metrics → Recoverer → CORS → routes
//
// RealIP is only installed behind a trusted proxy. Otherwise the requesting
// host stamped on work items is the transport peer address.
//
// The mutating routes add ClientCert → RateLimit; the query routes add a
// deadline.
package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/auth/clientcert"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/auth/ratelimit"
	intakehandler "github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/intake/handler"
	intakemw "github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/intake/middleware"
	searchhandler "github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/searcher/handler"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/pkg/metrics"
	pkgmw "github.com/Adithya-Monish-Kumar-K/peppol-directory/pkg/middleware"
)

// Version is the path prefix of every public route.
const Version = "1.0"

// Deps are the collaborators of the public router. Query, Limiter and
// Metrics are optional.
type Deps struct {
	Intake       *intakehandler.Handler
	Query        *searchhandler.Handler
	Validator    clientcert.Validator
	Limiter      *ratelimit.Limiter
	Metrics      *metrics.Metrics
	QueryTimeout time.Duration
	// CORSOrigins are the browser origins allowed to call the query
	// routes. Empty disables CORS.
	CORSOrigins []string
	// TrustProxyHeaders takes the client address from X-Forwarded-For and
	// X-Real-IP. Only set it when a proxy in front overwrites them.
	TrustProxyHeaders bool
}

func New(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	if d.TrustProxyHeaders {
		r.Use(chimw.RealIP)
	}
	r.Use(pkgmw.RequestLogger)
	if d.Metrics != nil {
		r.Use(pkgmw.Metrics(d.Metrics))
	}
	r.Use(chimw.Recoverer)
	if len(d.CORSOrigins) > 0 {
		r.Use(pkgmw.CORS(pkgmw.QueryCORSConfig(d.CORSOrigins)))
	}

	r.Route("/"+Version, func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(intakemw.ClientCert(d.Validator))
			r.Use(intakemw.RateLimit(d.Limiter))
			d.Intake.Register(r)
		})
		if d.Query != nil {
			r.Group(func(r chi.Router) {
				if d.QueryTimeout > 0 {
					r.Use(pkgmw.Timeout(d.QueryTimeout))
				}
				d.Query.Register(r)
			})
		}
	})
	return r
}
