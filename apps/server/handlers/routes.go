package handlers

import (
	"net/http"

	"github.com/antinvestor/vibefix/apps/server/middleware"
)

// Routes wires the API surface onto a mux. Quotas are tiered: the submit
// limiter paces fix submissions, the api limiter everything else. A nil
// limiter disables its tier.
func Routes(
	fix *FixHandler,
	verifications *VerificationHandler,
	jobs *JobsHandler,
	submitLimiter *middleware.Limiter,
	apiLimiter *middleware.Limiter,
) *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("POST /api/v1/fix",
		limited(submitLimiter, http.HandlerFunc(fix.HandleSubmit)))

	mux.Handle("POST /api/v1/verifications",
		limited(apiLimiter, http.HandlerFunc(verifications.HandleStart)))
	mux.Handle("GET /api/v1/verifications/{owner}/{repo}/{number}",
		limited(apiLimiter, http.HandlerFunc(verifications.HandleStatus)))
	mux.Handle("DELETE /api/v1/verifications/{owner}/{repo}/{number}",
		limited(apiLimiter, http.HandlerFunc(verifications.HandleCancel)))

	mux.Handle("GET /api/v1/jobs/{id}",
		limited(apiLimiter, http.HandlerFunc(jobs.HandleGet)))
	mux.Handle("GET /api/v1/jobs",
		limited(apiLimiter, http.HandlerFunc(jobs.HandleList)))

	return mux
}

func limited(l *middleware.Limiter, next http.Handler) http.Handler {
	if l == nil {
		return next
	}
	return l.Middleware(next)
}
