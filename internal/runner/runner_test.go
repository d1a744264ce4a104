package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/testfleet/internal/loader"
	"github.com/harrison/testfleet/internal/models"
	"github.com/harrison/testfleet/internal/reporter"
)

type journal struct {
	mu    sync.Mutex
	steps []string
}

func (j *journal) log(step string) models.TestFunc {
	return func(ctx context.Context, fx models.Values, t *models.TestInfo) error {
		j.mu.Lock()
		defer j.mu.Unlock()
		j.steps = append(j.steps, step)
		return nil
	}
}

func (j *journal) all() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.steps...)
}

func pass(ctx context.Context, fx models.Values, t *models.TestInfo) error {
	return nil
}

func runWith(t *testing.T, r *loader.Registry, cfg models.RunConfig, filters ...string) (*models.Summary, *reporter.Collect) {
	t.Helper()
	collect := reporter.NewCollect()
	summary, err := New(Options{
		Registry:    r,
		Config:      cfg,
		Files:       filters,
		Reporter:    collect,
		StopTimeout: time.Second,
	}).Run(context.Background())
	require.NoError(t, err)
	return summary, collect
}

func TestRun_HookOrder(t *testing.T) {
	j := &journal{}
	r := loader.NewRegistry()
	r.MustFile("order.go", func(b *loader.Builder) {
		b.BeforeAll(j.log("ba"))
		b.It("first", j.log("t1"))
		b.It("second", j.log("t2"))
		b.AfterAll(j.log("aa"))
	})

	summary, collect := runWith(t, r, models.RunConfig{Jobs: 1})

	assert.Equal(t, []string{"ba", "t1", "t2", "aa"}, j.all())
	assert.Equal(t, models.RunPassed, summary.Status)
	assert.Equal(t, 2, summary.Expected)
	assert.Equal(t, 0, summary.ExitCode())
	events := collect.Events()
	assert.Equal(t, "begin", events[0])
	assert.Equal(t, "end", events[len(events)-1])
}

func TestRun_ForbidOnly(t *testing.T) {
	j := &journal{}
	r := loader.NewRegistry()
	r.MustFile("a.go", func(b *loader.Builder) {
		b.It("regular", j.log("regular"))
	})
	r.MustFile("b.go", func(b *loader.Builder) {
		b.It("focused", j.log("focused"), loader.Only())
	})

	summary, collect := runWith(t, r, models.RunConfig{Jobs: 2, ForbidOnly: true})

	assert.Equal(t, models.RunForbidOnly, summary.Status)
	assert.Zero(t, summary.Total)
	assert.Empty(t, j.all(), "no test executed")
	assert.Empty(t, collect.Results())
	assert.Equal(t, 1, summary.ExitCode())
}

func TestRun_OnlyWithoutForbid(t *testing.T) {
	j := &journal{}
	r := loader.NewRegistry()
	r.MustFile("a.go", func(b *loader.Builder) {
		b.It("regular", j.log("regular"))
		b.It("focused", j.log("focused"), loader.Only())
	})

	summary, _ := runWith(t, r, models.RunConfig{Jobs: 1})

	assert.Equal(t, []string{"focused"}, j.all())
	assert.Equal(t, 1, summary.Total)
}

func TestRun_FileErrorsDoNotStopOtherFiles(t *testing.T) {
	j := &journal{}
	r := loader.NewRegistry()
	r.MustFile("broken.go", func(b *loader.Builder) {
		panic("cannot declare")
	})
	r.MustFile("missing_fixture.go", func(b *loader.Builder) {
		b.It("needs db", pass, loader.Uses("db"))
	})
	r.MustFile("good.go", func(b *loader.Builder) {
		b.It("runs", j.log("good"))
	})

	summary, collect := runWith(t, r, models.RunConfig{Jobs: 1})

	assert.Equal(t, []string{"good"}, j.all())
	assert.Equal(t, models.RunFailed, summary.Status)
	assert.Equal(t, 1, summary.Expected)

	fileErrors := collect.FileErrors()
	require.Contains(t, fileErrors, "broken.go")
	require.Contains(t, fileErrors, "missing_fixture.go")
	var loadErr *FileLoadError
	assert.ErrorAs(t, fileErrors["broken.go"], &loadErr)
}

func TestRun_NoTests(t *testing.T) {
	r := loader.NewRegistry()
	r.MustFile("a.go", func(b *loader.Builder) {
		b.It("one", pass)
	})

	summary, collect := runWith(t, r, models.RunConfig{Jobs: 1, Grep: "nothing matches"})

	assert.Equal(t, models.RunNoTests, summary.Status)
	assert.Equal(t, 1, summary.ExitCode())
	assert.Equal(t, []string{"begin", "end"}, collect.Events())
}

func TestRun_InvalidGrep(t *testing.T) {
	r := loader.NewRegistry()
	r.MustFile("a.go", func(b *loader.Builder) { b.It("one", pass) })

	_, err := New(Options{Registry: r, Config: models.RunConfig{Grep: "("}}).Run(context.Background())
	assert.Error(t, err)
}

func TestRun_GlobalTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	r := loader.NewRegistry()
	r.MustFile("hang.go", func(b *loader.Builder) {
		b.It("waits forever", func(ctx context.Context, fx models.Values, t *models.TestInfo) error {
			<-release
			return nil
		})
	})

	start := time.Now()
	collect := reporter.NewCollect()
	summary, err := New(Options{
		Registry:    r,
		Config:      models.RunConfig{Jobs: 1, GlobalTimeout: 100 * time.Millisecond},
		Reporter:    collect,
		StopTimeout: 50 * time.Millisecond,
	}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.RunTimedOut, summary.Status)
	assert.True(t, collect.TimedOut())
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 1, summary.ExitCode())
}

func TestRun_TestTimeoutMovesOn(t *testing.T) {
	j := &journal{}
	r := loader.NewRegistry()
	r.MustFile("slow.go", func(b *loader.Builder) {
		b.It("sleeps", func(ctx context.Context, fx models.Values, t *models.TestInfo) error {
			time.Sleep(500 * time.Millisecond)
			return nil
		})
		b.It("after", j.log("after"))
	})

	start := time.Now()
	summary, collect := runWith(t, r, models.RunConfig{Jobs: 1, Timeout: 50 * time.Millisecond})

	assert.Less(t, time.Since(start), 400*time.Millisecond)
	assert.Equal(t, []string{"after"}, j.all())
	assert.Equal(t, models.RunFailed, summary.Status)
	assert.Equal(t, 1, summary.TimedOut)
	statuses := map[models.TestStatus]int{}
	for _, res := range collect.Results() {
		statuses[res.Status]++
	}
	assert.Equal(t, map[models.TestStatus]int{models.StatusTimedOut: 1, models.StatusPassed: 1}, statuses)
}

func TestRun_FileFilter(t *testing.T) {
	j := &journal{}
	r := loader.NewRegistry()
	r.MustFile("login_test.go", func(b *loader.Builder) { b.It("login", j.log("login")) })
	r.MustFile("search_test.go", func(b *loader.Builder) { b.It("search", j.log("search")) })

	summary, _ := runWith(t, r, models.RunConfig{Jobs: 1}, "login")

	assert.Equal(t, []string{"login"}, j.all())
	assert.Equal(t, 1, summary.Total)
}

func TestRun_Interrupted(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	r := loader.NewRegistry()
	r.MustFile("hang.go", func(b *loader.Builder) {
		b.It("waits", func(ctx context.Context, fx models.Values, t *models.TestInfo) error {
			<-release
			return nil
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	summary, err := New(Options{Registry: r, Config: models.RunConfig{Jobs: 1}, StopTimeout: 50 * time.Millisecond}).Run(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	require.NotNil(t, summary)
	assert.Equal(t, models.RunFailed, summary.Status)
}

func TestNew_GeneratesRunID(t *testing.T) {
	r := New(Options{Registry: loader.NewRegistry()})
	_, err := uuid.Parse(r.RunID())
	assert.NoError(t, err)

	fixed := New(Options{Registry: loader.NewRegistry(), RunID: "ci-42"})
	assert.Equal(t, "ci-42", fixed.RunID())
}

func TestFilterFiles(t *testing.T) {
	names := []string{"auth/login.go", "auth/logout.go", "search.go"}
	assert.Equal(t, names, FilterFiles(names, nil))
	assert.Equal(t, []string{"auth/login.go", "auth/logout.go"}, FilterFiles(names, []string{"auth/"}))
	assert.Equal(t, []string{"auth/logout.go", "search.go"}, FilterFiles(names, []string{"logout", "search"}))
	assert.Nil(t, FilterFiles(names, []string{"billing"}))
}

func TestList_ShardAndGrep(t *testing.T) {
	ran := &journal{}
	r := loader.NewRegistry()
	r.MustFile("a.go", func(b *loader.Builder) {
		b.It("one", ran.log("one"))
		b.It("two", ran.log("two"))
	})
	r.MustFile("b.go", func(b *loader.Builder) {
		b.It("three", ran.log("three"))
		b.It("four", ran.log("four"))
	})

	titles := func(cfg models.RunConfig) []string {
		variants, err := New(Options{Registry: r, Config: cfg}).List()
		require.NoError(t, err)
		var out []string
		for _, v := range variants {
			out = append(out, v.Title)
		}
		return out
	}

	assert.Equal(t, []string{"one", "two", "three", "four"}, titles(models.RunConfig{}))
	assert.Equal(t, []string{"three", "four"}, titles(models.RunConfig{Shard: &models.Shard{Current: 2, Total: 2}}))
	assert.Equal(t, []string{"two"}, titles(models.RunConfig{Grep: "a.go two"}))
	assert.Empty(t, ran.all(), "listing must not execute tests")
}

func TestList_ForbidOnly(t *testing.T) {
	r := loader.NewRegistry()
	r.MustFile("focus.go", func(b *loader.Builder) {
		b.It("focused", pass, loader.Only())
	})
	_, err := New(Options{Registry: r, Config: models.RunConfig{ForbidOnly: true}}).List()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "focused tests are forbidden")
}
