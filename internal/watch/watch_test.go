// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dynaplug Contributors

package watch_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/dynaplug/dynaplug/internal/watch"
	"github.com/dynaplug/dynaplug/pkg/plugerr"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type changeRecorder struct {
	mu      sync.Mutex
	changes []string
}

func (r *changeRecorder) record(pluginID, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, pluginID)
}

func (r *changeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changes)
}

func TestWatchDetectsChanges(t *testing.T) {
	rec := &changeRecorder{}
	w, err := watch.New(rec.record, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, w.Close()) }()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "echo"), []byte("v1"), 0o700)) //nolint:gosec // test fixture
	require.NoError(t, w.Watch("echo", dir))
	assert.True(t, w.Watched("echo"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "echo"), []byte("v2"), 0o700)) //nolint:gosec // test fixture

	require.Eventually(t, func() bool {
		return rec.count() == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestBurstsCoalesce(t *testing.T) {
	rec := &changeRecorder{}
	w, err := watch.New(rec.record, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, w.Close()) }()

	dir := t.TempDir()
	require.NoError(t, w.Watch("burst", dir))

	for i := range 10 {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "burst"), []byte{byte(i)}, 0o700)) //nolint:gosec // test fixture
		time.Sleep(5 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return rec.count() >= 1
	}, 5*time.Second, 20*time.Millisecond)
	// The debounce window folds the burst into a single notification.
	time.Sleep(700 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestUnwatch(t *testing.T) {
	rec := &changeRecorder{}
	w, err := watch.New(rec.record, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, w.Close()) }()

	dir := t.TempDir()
	require.NoError(t, w.Watch("quiet", dir))
	w.Unwatch("quiet")
	w.Unwatch("quiet") // unknown ids are fine
	assert.False(t, w.Watched("quiet"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "quiet"), []byte("x"), 0o600))
	time.Sleep(700 * time.Millisecond)
	assert.Zero(t, rec.count())
}

func TestWatchValidation(t *testing.T) {
	_, err := watch.New(nil, nil)
	assert.Equal(t, plugerr.CodeInvalidParameters, plugerr.CodeOf(err))

	rec := &changeRecorder{}
	w, err := watch.New(rec.record, nil)
	require.NoError(t, err)

	dirA := t.TempDir()
	dirB := t.TempDir()
	require.NoError(t, w.Watch("p", dirA))
	err = w.Watch("p", dirB)
	assert.Equal(t, plugerr.CodeAlreadyExists, plugerr.CodeOf(err))

	require.NoError(t, w.Close())
	err = w.Watch("q", dirB)
	assert.Equal(t, plugerr.CodeInvalidOperation, plugerr.CodeOf(err))
}
