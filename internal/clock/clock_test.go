package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSystemClockAdvances(t *testing.T) {
	var c Clock = System{}
	first := c.Now()
	time.Sleep(time.Millisecond)
	second := c.Now()
	assert.True(t, second.After(first))
}

func TestFuncClock(t *testing.T) {
	fixed := time.Date(2024, time.March, 14, 13, 59, 30, 0, time.UTC)
	var c Clock = Func(func() time.Time { return fixed })
	assert.Equal(t, fixed, c.Now())
}
