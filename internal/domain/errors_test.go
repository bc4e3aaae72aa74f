package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validConfig() Config {
	return Config{
		Token:          "tok",
		ECRNs:          []string{"24066"},
		TargetWallTime: time.Now().Add(time.Hour),
		MaxAttempts:    60,
		RetryInterval:  3 * time.Second,
		SafetyBuffer:   5 * time.Millisecond,
	}
}

func TestConfigValidateAccepts(t *testing.T) {
	err := validConfig().Validate()
	assert.NoError(t, err)
}

func TestConfigValidateAccumulatesErrors(t *testing.T) {
	cfg := Config{}
	err := cfg.Validate()
	assert.Error(t, err)

	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
	assert.True(t, verr.HasErrors())
	assert.Contains(t, verr.FieldErrors, "token")
	assert.Contains(t, verr.FieldErrors, "ecrns")
	assert.Contains(t, verr.FieldErrors, "target_wall_time")
	assert.Contains(t, verr.FieldErrors, "max_attempts")
	assert.Contains(t, verr.FieldErrors, "retry_interval")
}

func TestConfigValidateRetryIntervalBoundary(t *testing.T) {
	atFloor := validConfig()
	atFloor.RetryInterval = MinRetryInterval
	assert.NoError(t, atFloor.Validate())

	belowFloor := validConfig()
	belowFloor.RetryInterval = MinRetryInterval - time.Millisecond
	err := belowFloor.Validate()
	assert.Error(t, err)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.FieldErrors, "retry_interval")
}

func TestConfigValidateECRNBoundary(t *testing.T) {
	ecrns := make([]string, MaxECRNs)
	for i := range ecrns {
		ecrns[i] = "24066"
	}
	atLimit := validConfig()
	atLimit.ECRNs = ecrns
	assert.NoError(t, atLimit.Validate())

	overLimit := validConfig()
	overLimit.ECRNs = append(ecrns, "24067")
	err := overLimit.Validate()
	assert.Error(t, err)
}

func TestErrorKindClassifiesSentinels(t *testing.T) {
	assert.Equal(t, "configuration", ErrorKind(ErrMissingToken))
	assert.Equal(t, "token_invalid", ErrorKind(ErrTokenInvalid))
	assert.Equal(t, "rate_limited", ErrorKind(ErrRateLimited))
	assert.Equal(t, "debounce", ErrorKind(ErrDebounce))
	assert.Equal(t, "already_running", ErrorKind(ErrAlreadyRunning))
	assert.Equal(t, "", ErrorKind(nil))
}

func TestErrorKindClassifiesValidationError(t *testing.T) {
	err := Config{}.Validate()
	assert.Equal(t, "validation", ErrorKind(err))
}

func TestWithDefaultsFillsRetryIntervalMax(t *testing.T) {
	cfg := Config{}
	cfg = cfg.WithDefaults()
	assert.Equal(t, DefaultRetryIntervalMax, cfg.RetryIntervalMax)
}
