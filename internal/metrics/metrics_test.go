package metrics

import (
	"errors"
	"testing"

	"github.com/accountdesk/apiserver/internal/apperr"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestResultOf(t *testing.T) {
	assert.Equal(t, ResultSuccess, ResultOf(nil))
	assert.Equal(t, ResultRejected, ResultOf(apperr.Validation("Something is missing!")))
	assert.Equal(t, ResultError, ResultOf(apperr.Upstream(errors.New("timeout"), "put object")))
	assert.Equal(t, ResultError, ResultOf(errors.New("plain")))
}

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(Logins.WithLabelValues(ResultRejected))
	Logins.WithLabelValues(ResultRejected).Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(Logins.WithLabelValues(ResultRejected)))
}
