package activity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"cliprun/internal/config"
)

func TestPolicyDelayDoublesAndCaps(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 8 * time.Second}
	var got []time.Duration
	for try := 1; try <= 5; try++ {
		got = append(got, p.Delay(try))
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second}, got)
	assert.Zero(t, p.Delay(0))
}

func TestPolicyFromConfig(t *testing.T) {
	p := PolicyFromConfig(config.Default().Retry)
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, time.Second, p.BaseDelay)
	assert.Equal(t, 8*time.Second, p.MaxDelay)
	assert.Equal(t, 30*time.Second, p.MaxElapsed)
}

func TestPolicyNormalized(t *testing.T) {
	p := Policy{MaxAttempts: 0, BaseDelay: 2 * time.Second, MaxDelay: time.Second}.normalized()
	assert.Equal(t, 1, p.MaxAttempts)
	assert.Equal(t, 2*time.Second, p.MaxDelay)
}

func TestKeyLockReleasesEntries(t *testing.T) {
	var k keyLock
	unlockA := k.lock("a")
	unlockB := k.lock("b")
	assert.Equal(t, 2, k.size())
	unlockA()
	unlockB()
	assert.Equal(t, 0, k.size())
}
