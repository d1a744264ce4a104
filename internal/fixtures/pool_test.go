package fixtures

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/testfleet/internal/models"
)

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func tracked(log *eventLog, name string, value any) Resolver {
	return func(ctx context.Context, deps models.Values, use func(any)) error {
		log.add("setup " + name)
		use(value)
		log.add("teardown " + name)
		return nil
	}
}

func TestPool_TeardownIsReverseOfSetup(t *testing.T) {
	log := &eventLog{}
	set := NewSet("base").
		Worker("server", nil, tracked(log, "server", "srv")).
		Test("db", []string{"server"}, tracked(log, "db", "db")).
		Test("page", []string{"db", "server"}, tracked(log, "page", "page"))

	pool := NewPool(context.Background(), NewChain(set), nil)

	body := func(ctx context.Context, fx models.Values, info *models.TestInfo) error {
		assert.Equal(t, "page", fx.Get("page"))
		return errors.New("assertion failed")
	}
	err := pool.RunWithFixtures(context.Background(), body, []string{"page"}, models.NewTestInfo(models.StatusPassed, 0, nil), time.Second)
	require.EqualError(t, err, "assertion failed")

	assert.Empty(t, pool.TeardownScope(ScopeTest))
	assert.Equal(t, []string{"server"}, pool.Live(), "worker fixture survives the test")
	assert.Empty(t, pool.TeardownScope(ScopeWorker))

	assert.Equal(t, []string{
		"setup server", "setup db", "setup page",
		"teardown page", "teardown db", "teardown server",
	}, log.all())
}

func TestPool_WorkerFixtureIsReusedAcrossTests(t *testing.T) {
	calls := 0
	set := NewSet("base").Worker("browser", nil, func(ctx context.Context, deps models.Values, use func(any)) error {
		calls++
		use(calls)
		return nil
	})
	pool := NewPool(context.Background(), NewChain(set), nil)

	for i := 0; i < 3; i++ {
		v, err := pool.SetupFixture(context.Background(), "browser")
		require.NoError(t, err)
		assert.Equal(t, 1, v)
		pool.TeardownScope(ScopeTest)
	}
	assert.Equal(t, 1, calls)
}

func TestPool_ParameterComesFromConfiguration(t *testing.T) {
	set := NewSet("base").
		Parameter("browser", "browser to launch", "chromium").
		Parameter("headless", "run headless", true)
	pool := NewPool(context.Background(), NewChain(set), models.Values{"browser": "webkit"})

	values, err := pool.Resolve(context.Background(), []string{"browser", "headless"})
	require.NoError(t, err)
	assert.Equal(t, "webkit", values.Get("browser"))
	assert.Equal(t, true, values.Get("headless"))
	assert.Empty(t, pool.TeardownScope(ScopeWorker))
}

func TestPool_OverrideWrapsPreviousRegistration(t *testing.T) {
	base := NewSet("base").Test("greeting", nil, func(ctx context.Context, deps models.Values, use func(any)) error {
		use("hello")
		return nil
	})
	override := NewSet("override", base).Test("greeting", []string{"greeting"}, func(ctx context.Context, deps models.Values, use func(any)) error {
		use(deps.String("greeting") + " world")
		return nil
	})
	pool := NewPool(context.Background(), NewChain(override), nil)

	v, err := pool.SetupFixture(context.Background(), "greeting")
	require.NoError(t, err)
	assert.Equal(t, "hello world", v)
}

func TestPool_Errors(t *testing.T) {
	t.Run("unknown fixture", func(t *testing.T) {
		pool := NewPool(context.Background(), NewChain(NewSet("empty")), nil)
		_, err := pool.SetupFixture(context.Background(), "nope")
		assert.ErrorIs(t, err, ErrUnknownFixture)
	})

	t.Run("override without a base", func(t *testing.T) {
		set := NewSet("s").Test("page", []string{"page"}, tracked(&eventLog{}, "page", 1))
		pool := NewPool(context.Background(), NewChain(set), nil)
		_, err := pool.SetupFixture(context.Background(), "page")
		assert.ErrorIs(t, err, ErrNotYetAvailable)
	})

	t.Run("resolver failure", func(t *testing.T) {
		set := NewSet("s").Test("db", nil, func(ctx context.Context, deps models.Values, use func(any)) error {
			return errors.New("connection refused")
		})
		pool := NewPool(context.Background(), NewChain(set), nil)
		_, err := pool.SetupFixture(context.Background(), "db")
		require.Error(t, err)
		assert.Contains(t, err.Error(), `fixture "db" setup failed: connection refused`)
	})

	t.Run("resolver never calls use", func(t *testing.T) {
		set := NewSet("s").Test("db", nil, func(ctx context.Context, deps models.Values, use func(any)) error {
			return nil
		})
		pool := NewPool(context.Background(), NewChain(set), nil)
		_, err := pool.SetupFixture(context.Background(), "db")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "without calling use")
	})

	t.Run("worker depends on test", func(t *testing.T) {
		set := NewSet("s").
			Test("page", nil, tracked(&eventLog{}, "page", 1)).
			Worker("browser", []string{"page"}, tracked(&eventLog{}, "browser", 2))
		pool := NewPool(context.Background(), NewChain(set), nil)
		_, err := pool.SetupFixture(context.Background(), "browser")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cannot depend on test fixture")
	})
}

func TestPool_TeardownErrorsAreReported(t *testing.T) {
	set := NewSet("s").Test("tmp", nil, func(ctx context.Context, deps models.Values, use func(any)) error {
		use("dir")
		return errors.New("cannot remove dir")
	})
	pool := NewPool(context.Background(), NewChain(set), nil)
	_, err := pool.SetupFixture(context.Background(), "tmp")
	require.NoError(t, err)

	errs := pool.TeardownScope(ScopeTest)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "cannot remove dir")
}

func TestPool_RunWithFixturesTimesOut(t *testing.T) {
	pool := NewPool(context.Background(), NewChain(NewSet("s")), nil)
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	err := pool.RunWithFixtures(context.Background(), func(ctx context.Context, fx models.Values, info *models.TestInfo) error {
		<-release
		return nil
	}, nil, models.NewTestInfo(models.StatusPassed, 0, nil), 50*time.Millisecond)

	assert.True(t, IsTimeout(err))
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}

func TestPool_RunWithFixturesRecoversPanics(t *testing.T) {
	pool := NewPool(context.Background(), NewChain(NewSet("s")), nil)

	err := pool.RunWithFixtures(context.Background(), func(ctx context.Context, fx models.Values, info *models.TestInfo) error {
		panic("kaboom")
	}, nil, models.NewTestInfo(models.StatusPassed, 0, nil), time.Second)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestPool_SetChainKeepsSharedWorkerFixtures(t *testing.T) {
	log := &eventLog{}
	shared := NewSet("shared").Worker("server", nil, tracked(log, "server", "srv"))
	fileA := NewSet("a", shared).Worker("cache", nil, tracked(log, "cacheA", "a"))
	fileB := NewSet("b", shared).Worker("cache", nil, tracked(log, "cacheB", "b"))

	pool := NewPool(context.Background(), NewChain(fileA), nil)
	_, err := pool.Resolve(context.Background(), []string{"server", "cache"})
	require.NoError(t, err)

	pool.SetChain(NewChain(fileB), nil)
	values, err := pool.Resolve(context.Background(), []string{"server", "cache"})
	require.NoError(t, err)
	assert.Equal(t, "b", values.Get("cache"))

	assert.Empty(t, pool.TeardownScope(ScopeWorker))
	assert.Equal(t, []string{
		"setup server", "setup cacheA", "setup cacheB",
		"teardown cacheB", "teardown cacheA", "teardown server",
	}, log.all())
}
