package time

import (
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSetInternalTime(t *testing.T) {
	timeInstance := &TIME{logger: slog.Default()}
	now := time.Now().Round(time.Millisecond)
	timeInstance.SetInternalTime(now)
	timeDiff := timeInstance.InternalTime().Sub(now)
	assert.LessOrEqual(t, math.Abs(float64(timeDiff.Milliseconds())), 2.0)

	nowPlus1Day := now.Add(24 * time.Hour)
	timeInstance.SetInternalTime(nowPlus1Day)
	timeDiff = timeInstance.InternalTime().Sub(nowPlus1Day)
	assert.LessOrEqual(t, math.Abs(float64(timeDiff.Milliseconds())), 2.0)
}

func TestSetProducerInterval(t *testing.T) {
	timeInstance := &TIME{logger: slog.Default()}
	timeInstance.SetProducerInterval(time.Second)
	assert.Equal(t, time.Second, timeInstance.timeProducer)
}

func TestProducerConsumerFlags(t *testing.T) {
	timeInstance := &TIME{isProducer: true}
	assert.True(t, timeInstance.Producer())
	assert.False(t, timeInstance.Consumer())
}

func TestConvertTimeRoundTrip(t *testing.T) {
	reference := TimestampOrigin.AddDate(3, 2, 10).Add(12*time.Hour + 34*time.Minute + 56*time.Second + 789*time.Millisecond)
	data := convertTimeToByte(reference)
	back := convertByteToTime(data)

	assert.Equal(t, reference.Year(), back.Year())
	assert.Equal(t, reference.YearDay(), back.YearDay())
	diff := back.Sub(reference)
	assert.LessOrEqual(t, math.Abs(float64(diff.Milliseconds())), 1.0)
}

func TestConvertByteToTimeEpoch(t *testing.T) {
	var data [8]byte
	got := convertByteToTime(data)
	assert.True(t, got.Equal(TimestampOrigin))
}
