package filelock

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockUnlock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "report.json.lock")
	lock := NewFileLock(lockPath)

	require.NoError(t, lock.Lock())
	other := NewFileLock(lockPath)
	acquired, err := other.TryLock()
	require.NoError(t, err)
	assert.False(t, acquired, "lock is held")

	require.NoError(t, lock.Unlock())
	acquired, err = other.TryLock()
	require.NoError(t, err)
	assert.True(t, acquired)
	require.NoError(t, other.Unlock())
}

func TestLockWithTimeout(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "report.json.lock")
	holder := NewFileLock(lockPath)
	require.NoError(t, holder.Lock())

	t.Run("times out while held", func(t *testing.T) {
		err := NewFileLock(lockPath).LockWithTimeout(60 * time.Millisecond)
		assert.ErrorIs(t, err, ErrLockTimeout)
	})

	t.Run("succeeds once released", func(t *testing.T) {
		go func() {
			time.Sleep(50 * time.Millisecond)
			holder.Unlock()
		}()
		contender := NewFileLock(lockPath)
		start := time.Now()
		require.NoError(t, contender.LockWithTimeout(2*time.Second))
		assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
		require.NoError(t, contender.Unlock())
	})
}

func TestAtomicWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "report.json")

	require.NoError(t, AtomicWrite(path, []byte("first")))
	require.NoError(t, AtomicWrite(path, []byte("second")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestLockAndWrite_ConcurrentWritersLeaveValidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			data := []byte(fmt.Sprintf(`{"writer":%d}`, id))
			assert.NoError(t, LockAndWrite(path, data, 5*time.Second))
		}(i)
	}
	wg.Wait()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var report map[string]int
	require.NoError(t, json.Unmarshal(data, &report))
	assert.Contains(t, report, "writer")
}

func TestLockAndWrite_SharesOneLockFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	holder := NewFileLock(path + ".lock")
	require.NoError(t, holder.Lock())
	held, err := os.Stat(holder.Path())
	require.NoError(t, err)

	err = LockAndWrite(path, []byte(`{}`), 60*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockTimeout)

	require.NoError(t, holder.Unlock())
	require.NoError(t, LockAndWrite(path, []byte(`{"ok":1}`), time.Second))

	after, err := os.Stat(path + ".lock")
	require.NoError(t, err, "lock file stays in place")
	assert.True(t, os.SameFile(held, after), "writers lock the same file")

	acquired, err := holder.TryLock()
	require.NoError(t, err)
	assert.True(t, acquired, "lock is released after the write")
	require.NoError(t, holder.Unlock())
}
