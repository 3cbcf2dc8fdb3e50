package otp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/autopilot/pkg/types"
)

const demoSecret = "JBSWY3DPEHPK3PXP"

// base32 of the RFC 6238 SHA1 seed "12345678901234567890"
const rfcSecret = "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"

func TestGenerator_RFC6238Vectors(t *testing.T) {
	gen := Generator{Digits: 8}

	vectors := []struct {
		unix int64
		code string
	}{
		{59, "94287082"},
		{1111111109, "07081804"},
		{1111111111, "14050471"},
		{1234567890, "89005924"},
		{2000000000, "69279037"},
	}
	for _, v := range vectors {
		code, err := gen.Code(rfcSecret, time.Unix(v.unix, 0))
		require.NoError(t, err)
		assert.Equal(t, v.code, code, "t=%d", v.unix)
	}
}

func TestDecodeSecret_Tolerant(t *testing.T) {
	want, err := DecodeSecret(demoSecret)
	require.NoError(t, err)

	for _, in := range []string{"jbswy3dpehpk3pxp", "JBSW Y3DP EHPK 3PXP", "JBSW-Y3DP-EHPK-3PXP", "JBSWY3DPEHPK3PXP===="} {
		got, err := DecodeSecret(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err = DecodeSecret("   ")
	assert.ErrorIs(t, err, ErrEmptySecret)

	_, err = DecodeSecret("not-base32!")
	assert.ErrorIs(t, err, ErrInvalidSecret)
}

func TestGenerator_CandidatesOrder(t *testing.T) {
	gen := Generator{}
	now := time.Unix(1700000025, 0)

	candidates, err := gen.Candidates(demoSecret, now)
	require.NoError(t, err)
	require.Len(t, candidates, 3)

	prev, _ := gen.Code(demoSecret, now.Add(-30*time.Second))
	cur, _ := gen.Code(demoSecret, now)
	next, _ := gen.Code(demoSecret, now.Add(30*time.Second))
	assert.Equal(t, []string{prev, cur, next}, candidates)
}

func TestGenerator_VerifyWithSkew(t *testing.T) {
	gen := Generator{}
	now := time.Unix(1700000025, 0)
	prev, _ := gen.Code(demoSecret, now.Add(-30*time.Second))

	ok, err := gen.Verify(demoSecret, prev, now, 0)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = gen.Verify(demoSecret, prev, now, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = gen.Verify(demoSecret, "12", now, 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGenerator_NextWindow(t *testing.T) {
	gen := Generator{}
	assert.Equal(t, time.Unix(1700000040, 0), gen.NextWindow(time.Unix(1700000025, 0)))
	assert.Equal(t, time.Unix(1700000040, 0), gen.NextWindow(time.Unix(1700000010, 0)))
}

func TestGenerator_UnsupportedAlgorithm(t *testing.T) {
	_, err := Generator{Algorithm: "MD5"}.Code(demoSecret, time.Now())
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestGenerator_Validate(t *testing.T) {
	tests := []struct {
		name    string
		gen     Generator
		wantErr error
	}{
		{name: "defaults", gen: Generator{}},
		{name: "explicit", gen: Generator{Digits: 8, Period: time.Minute, Algorithm: "sha256"}},
		{name: "sub-second period", gen: Generator{Period: 500 * time.Millisecond}, wantErr: ErrInvalidParameters},
		{name: "fractional period", gen: Generator{Period: 1500 * time.Millisecond}, wantErr: ErrInvalidParameters},
		{name: "negative period", gen: Generator{Period: -time.Second}, wantErr: ErrInvalidParameters},
		{name: "too few digits", gen: Generator{Digits: 4}, wantErr: ErrInvalidParameters},
		{name: "too many digits", gen: Generator{Digits: 11}, wantErr: ErrInvalidParameters},
		{name: "unknown algorithm", gen: Generator{Algorithm: "MD5"}, wantErr: ErrUnsupportedAlgorithm},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.gen.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestGenerator_SubSecondPeriodUsesDefaultWindow(t *testing.T) {
	gen := Generator{Period: time.Millisecond}
	now := time.Unix(1700000025, 0)

	assert.Equal(t, Generator{}.Counter(now), gen.Counter(now))
	assert.Equal(t, time.Unix(1700000040, 0), gen.NextWindow(now))

	want, err := Generator{}.Code(demoSecret, now)
	require.NoError(t, err)
	got, err := gen.Code(demoSecret, now)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

// acceptOnly returns a verifier accepting exactly one code and recording
// every submission.
func acceptOnly(accepted string, calls *[]string) Verifier {
	return func(_ context.Context, code string) (bool, error) {
		*calls = append(*calls, code)
		return code == accepted, nil
	}
}

func TestResolver_AcceptsCurrentCode(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(1700000025, 0))
	r := NewResolver(Generator{}, clock, nil)
	cur, _ := Generator{}.Code(demoSecret, clock.Now())

	var calls []string
	res, err := r.Resolve(context.Background(), demoSecret, acceptOnly(cur, &calls))
	require.NoError(t, err)
	assert.Equal(t, cur, res.Code)
	assert.Equal(t, []string{cur}, calls)
}

func TestResolver_ClockSkewAcceptsNextWindow(t *testing.T) {
	start := time.Unix(1700000025, 0)
	clock := clockwork.NewFakeClockAt(start)
	gen := Generator{}
	r := NewResolver(gen, clock, nil)

	cur, _ := gen.Code(demoSecret, start)
	prev, _ := gen.Code(demoSecret, start.Add(-30*time.Second))
	next, _ := gen.Code(demoSecret, start.Add(30*time.Second))

	var calls []string
	began := time.Now()
	res, err := r.Resolve(context.Background(), demoSecret, acceptOnly(next, &calls))
	require.NoError(t, err)

	assert.Equal(t, next, res.Code)
	assert.Equal(t, []string{cur, prev, next}, calls, "current window first, then t-30, then t+30")
	assert.Zero(t, res.Slept, "no sleep when an adjacent window is accepted")
	assert.Equal(t, start, clock.Now())
	assert.Less(t, time.Since(began), 5*time.Second)
}

func TestResolver_NeverResubmitsCurrentCodeBeforeSleeping(t *testing.T) {
	start := time.Unix(1700000025, 0)
	clock := clockwork.NewFakeClockAt(start)
	gen := Generator{}
	r := NewResolver(gen, clock, nil)
	cur, _ := gen.Code(demoSecret, start)

	var calls []string
	done := make(chan struct{})
	var res *Resolution
	var err error
	go func() {
		defer close(done)
		res, err = r.Resolve(context.Background(), demoSecret, acceptOnly("never", &calls))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1), "resolver should be waiting for the next window")

	before := append([]string(nil), calls...)
	assert.Len(t, before, 3)
	count := 0
	for _, c := range before {
		if c == cur {
			count++
		}
	}
	assert.Equal(t, 1, count, "code(t) submitted exactly once before sleeping")

	clock.Advance(MaxWindowWait)
	<-done

	assert.ErrorIs(t, err, types.ErrCodeRejectedAfterExhaustion)
	assert.Len(t, calls, 4, "exactly one fresh code after the window wait")
	assert.Equal(t, 16*time.Second, res.Slept)
}

func TestResolver_FreshCodeAcceptedAfterWindow(t *testing.T) {
	start := time.Unix(1700000025, 0)
	clock := clockwork.NewFakeClockAt(start)
	gen := Generator{}
	r := NewResolver(gen, clock, nil)

	accepted := false
	var calls []string
	verify := func(_ context.Context, code string) (bool, error) {
		calls = append(calls, code)
		// The target only starts accepting once the fake clock has moved on.
		if clock.Now().After(start) {
			accepted = true
			return true, nil
		}
		return false, nil
	}

	done := make(chan struct{})
	var err error
	go func() {
		defer close(done)
		_, err = r.Resolve(context.Background(), demoSecret, verify)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(MaxWindowWait)
	<-done

	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Len(t, calls, 4)
}

func TestResolver_VerifierErrorAborts(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(1700000025, 0))
	r := NewResolver(Generator{}, clock, nil)
	boom := errors.New("page closed")

	calls := 0
	_, err := r.Resolve(context.Background(), demoSecret, func(context.Context, string) (bool, error) {
		calls++
		return false, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestResolver_CancelledDuringWindowWait(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(1700000025, 0))
	r := NewResolver(Generator{}, clock, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := r.Resolve(ctx, demoSecret, func(context.Context, string) (bool, error) { return false, nil })
		done <- err
	}()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestResolver_WindowWaitBounds(t *testing.T) {
	r := NewResolver(Generator{}, nil, nil)

	// One second before the boundary: 1s + 1s margin clamps up to 2s.
	assert.Equal(t, MinWindowWait, r.windowWait(time.Unix(1700000039, 0)))
	// Exactly at a boundary: 30s + 1s margin is the upper bound.
	assert.Equal(t, MaxWindowWait, r.windowWait(time.Unix(1700000040, 0)))
	assert.Equal(t, 16*time.Second, r.windowWait(time.Unix(1700000025, 0)))
}
