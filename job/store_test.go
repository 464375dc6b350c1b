package job

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plan4better/goat-core-sub000/errors"
	goattest "github.com/plan4better/goat-core-sub000/internal/testing"
)

func newTestJob(t *testing.T, store *Store) *Job {
	t.Helper()

	j, err := NewJob("user-1", "project-1", "test_tool", nil)
	require.NoError(t, err)
	require.NoError(t, store.Create(j))
	return j
}

func TestCreateAndGet(t *testing.T) {
	db := goattest.CreateTestDB(t)
	store := NewStore(db)

	j := newTestJob(t, store)

	loaded, err := store.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, loaded.ID)
	assert.Equal(t, "user-1", loaded.UserID)
	assert.Equal(t, "project-1", loaded.ProjectID)
	assert.Equal(t, "test_tool", loaded.Type)
	assert.Equal(t, StatusPending, loaded.StatusSimple)
	assert.Empty(t, loaded.LayerIDs)
	assert.False(t, loaded.Read)
}

func TestGetNotFound(t *testing.T) {
	db := goattest.CreateTestDB(t)
	store := NewStore(db)

	_, err := store.Get("nonexistent")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestUpdateStatusSimple(t *testing.T) {
	db := goattest.CreateTestDB(t)
	store := NewStore(db)

	j := newTestJob(t, store)

	require.NoError(t, store.UpdateStatusSimple(j.ID, StatusRunning))

	loaded, err := store.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, loaded.StatusSimple)

	err = store.UpdateStatusSimple("nonexistent", StatusRunning)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestActivate(t *testing.T) {
	db := goattest.CreateTestDB(t)
	store := NewStore(db)

	j := newTestJob(t, store)
	require.NoError(t, store.Activate(j.ID))

	loaded, err := store.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, loaded.StatusSimple)

	err = store.Activate("nonexistent")
	assert.True(t, errors.IsNotFoundError(err))
}

// A kill that landed while the job was still pending must survive
// activation; the caller gets ErrJobKilled instead of a silent overwrite.
func TestActivateRefusesKilledJob(t *testing.T) {
	db := goattest.CreateTestDB(t)
	store := NewStore(db)

	j := newTestJob(t, store)
	require.NoError(t, store.Kill(j.ID))

	err := store.Activate(j.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrJobKilled))

	loaded, err := store.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusKilled, loaded.StatusSimple)
	assert.Equal(t, "killed by user request", loaded.MsgSimple)
}

func TestSetMsgSimple(t *testing.T) {
	db := goattest.CreateTestDB(t)
	store := NewStore(db)

	j := newTestJob(t, store)
	require.NoError(t, store.SetMsgSimple(j.ID, "halfway there"))

	loaded, err := store.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, "halfway there", loaded.MsgSimple)
}

func TestUpdateStepPreservesOrder(t *testing.T) {
	db := goattest.CreateTestDB(t)
	store := NewStore(db)

	j := newTestJob(t, store)

	now := time.Now()
	require.NoError(t, store.UpdateStep(j.ID, "fetch", &Step{Status: StatusFinished, TimestampStart: &now}))
	require.NoError(t, store.UpdateStep(j.ID, "transform", &Step{Status: StatusRunning, TimestampStart: &now}))
	require.NoError(t, store.UpdateStep(j.ID, "load", &Step{Status: StatusPending}))

	// Updating an existing step must keep its original position.
	require.NoError(t, store.UpdateStep(j.ID, "transform", &Step{Status: StatusFinished, TimestampStart: &now}))

	loaded, err := store.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"fetch", "transform", "load"}, loaded.Status.Names())

	step, ok := loaded.Status.Get("transform")
	require.True(t, ok)
	assert.Equal(t, StatusFinished, step.Status)
}

func TestAppendLayerID(t *testing.T) {
	db := goattest.CreateTestDB(t)
	store := NewStore(db)

	j := newTestJob(t, store)

	require.NoError(t, store.AppendLayerID(j.ID, "layer-a"))
	require.NoError(t, store.AppendLayerID(j.ID, "layer-b"))

	loaded, err := store.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"layer-a", "layer-b"}, loaded.LayerIDs)
}

func TestMarkRead(t *testing.T) {
	db := goattest.CreateTestDB(t)
	store := NewStore(db)

	j := newTestJob(t, store)
	require.NoError(t, store.MarkRead(j.ID, true))

	loaded, err := store.Get(j.ID)
	require.NoError(t, err)
	assert.True(t, loaded.Read)
}

func TestKillPendingJob(t *testing.T) {
	db := goattest.CreateTestDB(t)
	store := NewStore(db)

	j := newTestJob(t, store)
	require.NoError(t, store.Kill(j.ID))

	loaded, err := store.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusKilled, loaded.StatusSimple)
	assert.Equal(t, "killed by user request", loaded.MsgSimple)
}

func TestKillRunningJob(t *testing.T) {
	db := goattest.CreateTestDB(t)
	store := NewStore(db)

	j := newTestJob(t, store)
	require.NoError(t, store.UpdateStatusSimple(j.ID, StatusRunning))
	require.NoError(t, store.Kill(j.ID))

	loaded, err := store.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusKilled, loaded.StatusSimple)
}

func TestKillRejectsTerminalJob(t *testing.T) {
	db := goattest.CreateTestDB(t)
	store := NewStore(db)

	for _, status := range []Status{StatusFinished, StatusFailed, StatusKilled, StatusTimeout} {
		j := newTestJob(t, store)
		require.NoError(t, store.UpdateStatusSimple(j.ID, status))

		err := store.Kill(j.ID)
		require.Error(t, err)
		assert.True(t, errors.IsConflictError(err), "kill in state %s should conflict", status)
	}
}

func TestKillNotFound(t *testing.T) {
	db := goattest.CreateTestDB(t)
	store := NewStore(db)

	err := store.Kill("nonexistent")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestListFiltersByStatus(t *testing.T) {
	db := goattest.CreateTestDB(t)
	store := NewStore(db)

	a := newTestJob(t, store)
	b := newTestJob(t, store)
	newTestJob(t, store)

	require.NoError(t, store.UpdateStatusSimple(a.ID, StatusFailed))
	require.NoError(t, store.UpdateStatusSimple(b.ID, StatusFailed))

	failed := StatusFailed
	jobs, err := store.List(&failed, 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	all, err := store.List(nil, 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestListActive(t *testing.T) {
	db := goattest.CreateTestDB(t)
	store := NewStore(db)

	running := newTestJob(t, store)
	require.NoError(t, store.UpdateStatusSimple(running.ID, StatusRunning))
	newTestJob(t, store) // pending

	done := newTestJob(t, store)
	require.NoError(t, store.UpdateStatusSimple(done.ID, StatusFinished))

	active, err := store.ListActive(10)
	require.NoError(t, err)
	assert.Len(t, active, 2)
	for _, j := range active {
		assert.False(t, j.StatusSimple.IsTerminal())
	}
}

func TestCleanupOldJobs(t *testing.T) {
	db := goattest.CreateTestDB(t)
	store := NewStore(db)

	old := newTestJob(t, store)
	require.NoError(t, store.UpdateStatusSimple(old.ID, StatusFinished))
	_, err := db.Exec(`UPDATE jobs SET updated_at = ? WHERE id = ?`,
		time.Now().Add(-48*time.Hour), old.ID)
	require.NoError(t, err)

	fresh := newTestJob(t, store)
	require.NoError(t, store.UpdateStatusSimple(fresh.ID, StatusFinished))

	// Active jobs are never deleted, however old.
	active := newTestJob(t, store)
	_, err = db.Exec(`UPDATE jobs SET updated_at = ? WHERE id = ?`,
		time.Now().Add(-48*time.Hour), active.ID)
	require.NoError(t, err)

	deleted, err := store.CleanupOldJobs(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = store.Get(old.ID)
	assert.True(t, errors.IsNotFoundError(err))
	_, err = store.Get(fresh.ID)
	assert.NoError(t, err)
	_, err = store.Get(active.ID)
	assert.NoError(t, err)
}

func TestCreateDatabaseError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO jobs").WillReturnError(errors.New("disk I/O error"))

	store := NewStore(db)
	j, err := NewJob("user-1", "project-1", "test_tool", nil)
	require.NoError(t, err)

	err = store.Create(j)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create job")
	assert.NoError(t, mock.ExpectationsWereMet())
}
