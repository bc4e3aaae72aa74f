package calibration

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNTPTimestampToTime(t *testing.T) {
	want := time.Date(2024, time.March, 14, 13, 59, 30, 0, time.UTC)
	seconds := uint32(want.Unix() + ntpEpochOffset)

	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], seconds)
	binary.BigEndian.PutUint32(buf[4:8], 0)

	got := ntpTimestampToTime(buf)
	assert.True(t, got.Equal(want), "got %v want %v", got, want)
}

func TestMeasureNTPReturnsZeroWithoutClient(t *testing.T) {
	cal := New(&fakeProber{}, nil, nil, nil)
	d := cal.measureNTP(nil, cal.logger)
	assert.Equal(t, time.Duration(0), d)
}
