package collab

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testIdle = 20 * time.Millisecond

func newTestSaver(t *testing.T, save SaveFunc) *AutoSaver {
	t.Helper()
	saver, err := NewAutoSaver(AutoSaverConfig{Key: "contract-1", Idle: testIdle, Save: save, AllowShortIdle: true})
	require.NoError(t, err)
	t.Cleanup(saver.Close)
	return saver
}

func TestAutoSaverClampsIdleWindow(t *testing.T) {
	noop := func(context.Context) error { return nil }
	cases := map[time.Duration]time.Duration{
		0:                DefaultAutoSaveIdle,
		time.Second:      10 * time.Second,
		20 * time.Second: 20 * time.Second,
		time.Minute:      30 * time.Second,
	}
	for configured, expected := range cases {
		saver, err := NewAutoSaver(AutoSaverConfig{Idle: configured, Save: noop})
		require.NoError(t, err)
		assert.Equal(t, expected, saver.idle, configured.String())
	}

	_, err := NewAutoSaver(AutoSaverConfig{})
	assert.Error(t, err)
}

func TestAutoSaverSavesAfterIdlePeriod(t *testing.T) {
	var saves atomic.Int32
	saver := newTestSaver(t, func(context.Context) error {
		saves.Add(1)
		return nil
	})

	for range 5 {
		saver.MarkDirty()
		time.Sleep(testIdle / 4)
	}
	assert.True(t, saver.Dirty())
	require.Eventually(t, func() bool { return saves.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !saver.Dirty() }, time.Second, 5*time.Millisecond)

	time.Sleep(3 * testIdle)
	assert.Equal(t, int32(1), saves.Load())
}

func TestAutoSaverManualSaveCancelsTimer(t *testing.T) {
	var saves atomic.Int32
	saver := newTestSaver(t, func(context.Context) error {
		saves.Add(1)
		return nil
	})

	saver.MarkDirty()
	require.NoError(t, saver.SaveNow(context.Background()))
	assert.False(t, saver.Dirty())

	time.Sleep(3 * testIdle)
	assert.Equal(t, int32(1), saves.Load())
}

func TestAutoSaverCoalescesConcurrentTriggers(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 4)
	var saves atomic.Int32
	saver := newTestSaver(t, func(context.Context) error {
		saves.Add(1)
		started <- struct{}{}
		<-release
		return nil
	})
	saver.MarkDirty()

	var group sync.WaitGroup
	errs := make([]error, 3)
	group.Add(1)
	go func() {
		defer group.Done()
		errs[0] = saver.SaveNow(context.Background())
	}()
	<-started
	for index := 1; index < len(errs); index++ {
		group.Add(1)
		go func(index int) {
			defer group.Done()
			errs[index] = saver.SaveNow(context.Background())
		}(index)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	group.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), saves.Load())
}

func TestAutoSaverKeepsDirtyOnFailure(t *testing.T) {
	unavailable := errors.New("network down")
	var failing atomic.Bool
	failing.Store(true)
	var attempts atomic.Int32
	saver := newTestSaver(t, func(context.Context) error {
		attempts.Add(1)
		if failing.Load() {
			return unavailable
		}
		return nil
	})

	saver.MarkDirty()
	err := saver.SaveNow(context.Background())
	assert.ErrorIs(t, err, ErrSaveFailed)
	assert.ErrorIs(t, err, unavailable)
	assert.True(t, saver.Dirty())

	saver.MarkDirty()
	require.Eventually(t, func() bool { return attempts.Load() >= 3 }, time.Second, 5*time.Millisecond)
	assert.True(t, saver.Dirty())

	failing.Store(false)
	require.Eventually(t, func() bool { return !saver.Dirty() }, time.Second, 5*time.Millisecond)
}

func TestAutoSaverEditDuringSaveStaysDirty(t *testing.T) {
	inFlight := make(chan struct{})
	release := make(chan struct{})
	save := func(context.Context) error {
		close(inFlight)
		<-release
		return nil
	}
	saver, err := NewAutoSaver(AutoSaverConfig{Key: "contract-1", Idle: time.Hour, Save: save, AllowShortIdle: true})
	require.NoError(t, err)
	defer saver.Close()

	saver.MarkDirty()
	done := make(chan error, 1)
	go func() { done <- saver.SaveNow(context.Background()) }()
	<-inFlight
	saver.MarkDirty()
	close(release)
	require.NoError(t, <-done)
	assert.True(t, saver.Dirty())
}

func TestAutoSaverManualSaveCapturesEditsMadeDuringAutomaticSave(t *testing.T) {
	automaticStarted := make(chan struct{})
	release := make(chan struct{})
	var saves atomic.Int32
	saver := newTestSaver(t, func(context.Context) error {
		if saves.Add(1) == 1 {
			close(automaticStarted)
			<-release
		}
		return nil
	})

	saver.MarkDirty()
	<-automaticStarted
	saver.MarkDirty()

	done := make(chan error, 1)
	go func() { done <- saver.SaveNow(context.Background()) }()
	time.Sleep(10 * time.Millisecond)
	close(release)

	require.NoError(t, <-done)
	assert.Equal(t, int32(2), saves.Load())
	assert.False(t, saver.Dirty())
}

func TestAutoSaverRearmsAfterManualSaveLeavesEdits(t *testing.T) {
	manualStarted := make(chan struct{})
	release := make(chan struct{})
	var saves atomic.Int32
	saver := newTestSaver(t, func(context.Context) error {
		if saves.Add(1) == 1 {
			close(manualStarted)
			<-release
		}
		return nil
	})

	saver.MarkDirty()
	done := make(chan error, 1)
	go func() { done <- saver.SaveNow(context.Background()) }()
	<-manualStarted
	saver.MarkDirty()
	close(release)
	require.NoError(t, <-done)

	require.Eventually(t, func() bool { return saves.Load() == 2 && !saver.Dirty() }, time.Second, 5*time.Millisecond)
}
