package metrics

import (
	"github.com/accountdesk/apiserver/internal/apperr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	ResultSuccess  = "success"
	ResultRejected = "rejected"
	ResultError    = "error"
)

var (
	// Registrations counts Register calls by result.
	Registrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "account_registrations_total",
		Help: "Total number of account registration attempts",
	}, []string{"result"})

	// Logins counts Login calls by result.
	Logins = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "account_logins_total",
		Help: "Total number of login attempts",
	}, []string{"result"})

	// ReportUploads counts report uploads by result.
	ReportUploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "account_report_uploads_total",
		Help: "Total number of report upload attempts",
	}, []string{"result"})

	// SessionRejections counts protected requests turned away by the guard.
	SessionRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "account_session_rejections_total",
		Help: "Total number of requests rejected for a missing or invalid session",
	})
)

// ResultOf classifies err for the result label. Client-caused failures are
// rejections; everything else is an error.
func ResultOf(err error) string {
	switch {
	case err == nil:
		return ResultSuccess
	case apperr.IsPublic(err):
		return ResultRejected
	default:
		return ResultError
	}
}
