package trigger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/avs-mesh/wavsnode/internal/envelope"
)

func u64(v uint64) *uint64 { return &v }

// TestBlockIntervalScheduler_InitAtStart is testable property 6's first
// half: interval=3, start=2, initialized at height 2, fires at 2,5,8.
func TestBlockIntervalScheduler_InitAtStart(t *testing.T) {
	s := newBlockIntervalScheduler(envelope.BlockIntervalSpec{NBlocks: 3, StartBlock: u64(2)}, 2)

	var fired []uint64
	for h := uint64(2); h <= 8; h++ {
		if f, done := s.observe(h); f {
			require.False(t, done)
			fired = append(fired, h)
		}
	}
	require.Equal(t, []uint64{2, 5, 8}, fired)
}

// TestBlockIntervalScheduler_InitAfterStart is testable property 6's second
// half: same interval/start, initialized at height 6, first fire is 8 (no
// catch-up at 2 or 5).
func TestBlockIntervalScheduler_InitAfterStart(t *testing.T) {
	s := newBlockIntervalScheduler(envelope.BlockIntervalSpec{NBlocks: 3, StartBlock: u64(2)}, 6)

	var fired []uint64
	for h := uint64(6); h <= 8; h++ {
		if f, _ := s.observe(h); f {
			fired = append(fired, h)
		}
	}
	require.Equal(t, []uint64{8}, fired)
}

func TestBlockIntervalScheduler_NoStartKicksOffAtNow(t *testing.T) {
	s := newBlockIntervalScheduler(envelope.BlockIntervalSpec{NBlocks: 4}, 10)
	fired, _ := s.observe(10)
	require.True(t, fired)
}

func TestBlockIntervalScheduler_TerminatesAfterEnd(t *testing.T) {
	s := newBlockIntervalScheduler(envelope.BlockIntervalSpec{NBlocks: 3, StartBlock: u64(2), EndBlock: u64(5)}, 2)
	f, done := s.observe(2)
	require.True(t, f)
	require.False(t, done)
	f, done = s.observe(5)
	require.True(t, f)
	require.False(t, done)
	f, done = s.observe(6)
	require.False(t, f)
	require.True(t, done)
}

// TestCronScheduler_NextFireIsSmallestMatchingInstant is testable property
// 7: for "0 */5 * * * *", the next fire after any instant T is the smallest
// T' > T with T'.second=0 and T'.minute divisible by 5.
func TestCronScheduler_NextFireIsSmallestMatchingInstant(t *testing.T) {
	now := time.Date(2026, 7, 31, 10, 2, 17, 0, time.UTC)
	s, err := newCronScheduler(envelope.CronSpec{Schedule: "0 */5 * * * *"}, now)
	require.NoError(t, err)

	next := time.Unix(s.nextFire, 0).UTC()
	require.True(t, next.After(now))
	require.Equal(t, 0, next.Second())
	require.Equal(t, 0, next.Minute()%5)
	require.Equal(t, 5, next.Minute())
}

func TestCronScheduler_FiresAndAdvances(t *testing.T) {
	now := time.Date(2026, 7, 31, 10, 4, 59, 0, time.UTC)
	s, err := newCronScheduler(envelope.CronSpec{Schedule: "0 */5 * * * *"}, now)
	require.NoError(t, err)

	fireTime := time.Date(2026, 7, 31, 10, 5, 0, 0, time.UTC)
	fired, done := s.observe(fireTime)
	require.True(t, fired)
	require.False(t, done)

	notYet := time.Date(2026, 7, 31, 10, 5, 1, 0, time.UTC)
	fired, _ = s.observe(notYet)
	require.False(t, fired)
}

func TestCronScheduler_TerminatesAfterEndTime(t *testing.T) {
	now := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	end := now.Add(time.Minute).Unix()
	s, err := newCronScheduler(envelope.CronSpec{Schedule: "0 */5 * * * *", EndTime: &end}, now)
	require.NoError(t, err)

	_, done := s.observe(now.Add(10 * time.Minute))
	require.True(t, done)
}
