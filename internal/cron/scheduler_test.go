package cron

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvidlabs/aegis/internal/logging"
	"github.com/corvidlabs/aegis/internal/scheduler"
	"github.com/corvidlabs/aegis/internal/spawn"
	"github.com/corvidlabs/aegis/internal/store"
)

type recordingDispatcher struct {
	plans     []string
	freeforms []string
}

func (d *recordingDispatcher) DispatchPlan(ctx context.Context, missionID, description string, tasks []scheduler.Task) error {
	d.plans = append(d.plans, description)
	return nil
}

func (d *recordingDispatcher) DispatchFreeform(ctx context.Context, description string) error {
	d.freeforms = append(d.freeforms, description)
	return nil
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "cron.db")
	st, err := store.OpenSQLite(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestScheduler(t *testing.T, disp Dispatcher) (*Scheduler, *spawn.Fake) {
	t.Helper()
	log := logging.New(0, os.Stderr, false)
	fake := &spawn.Fake{}
	s, err := New(log, newTestStore(t), disp, fake)
	require.NoError(t, err)
	return s, fake
}

func TestCreateIntervalJobComputesNextRun(t *testing.T) {
	s, _ := newTestScheduler(t, &recordingDispatcher{})
	before := time.Now()
	job, err := s.CreateJob(context.Background(), "ping", ScheduleInterval, "60", "", "")
	require.NoError(t, err)
	assert.True(t, job.NextRun.After(before))
	assert.True(t, job.Enabled)
}

func TestCreateOnceJobRequiresRFC3339(t *testing.T) {
	s, _ := newTestScheduler(t, &recordingDispatcher{})
	_, err := s.CreateJob(context.Background(), "once", ScheduleOnce, "not-a-time", "", "")
	assert.Error(t, err)

	job, err := s.CreateJob(context.Background(), "once", ScheduleOnce, time.Now().Add(time.Hour).Format(time.RFC3339), "", "")
	require.NoError(t, err)
	assert.Equal(t, ScheduleOnce, job.ScheduleType)
}

func TestCreateCronJobRejectsInvalidExpression(t *testing.T) {
	s, _ := newTestScheduler(t, &recordingDispatcher{})
	_, err := s.CreateJob(context.Background(), "bad", ScheduleCron, "not a cron expr at all", "", "")
	assert.Error(t, err)
}

func TestTickDispatchesDueOnceJobAndDisablesIt(t *testing.T) {
	disp := &recordingDispatcher{}
	s, _ := newTestScheduler(t, disp)
	job, err := s.CreateJob(context.Background(), "one-shot", ScheduleOnce, time.Now().Add(-time.Minute).Format(time.RFC3339), "", "")
	require.NoError(t, err)

	s.tick(context.Background())

	assert.Contains(t, disp.freeforms, "one-shot")
	updated, ok := s.GetJob(job.ID)
	require.True(t, ok)
	assert.False(t, updated.Enabled, "one-shot jobs disable after running")
	assert.Equal(t, 1, updated.RunCount)
}

func TestTickDispatchesPlanPayloadToScheduler(t *testing.T) {
	disp := &recordingDispatcher{}
	s, _ := newTestScheduler(t, disp)
	_, err := s.CreateJob(context.Background(), "with plan", ScheduleOnce,
		time.Now().Add(-time.Minute).Format(time.RFC3339), "", `{"plan":[{"id":"t1","agent_id":"coder","task":"do it"}]}`)
	require.NoError(t, err)

	s.tick(context.Background())

	assert.Contains(t, disp.plans, "with plan")
	assert.Empty(t, disp.freeforms)
}

func TestTickSkipsJobsNotYetDue(t *testing.T) {
	disp := &recordingDispatcher{}
	s, _ := newTestScheduler(t, disp)
	_, err := s.CreateJob(context.Background(), "future", ScheduleInterval, "3600", "", "")
	require.NoError(t, err)

	s.tick(context.Background())

	assert.Empty(t, disp.freeforms)
}

func TestUpdateJobRecomputesNextRunOnScheduleChange(t *testing.T) {
	s, _ := newTestScheduler(t, &recordingDispatcher{})
	job, err := s.CreateJob(context.Background(), "ping", ScheduleInterval, "60", "", "")
	require.NoError(t, err)
	oldNextRun := job.NextRun

	newValue := "7200"
	updated, ok := s.UpdateJob(context.Background(), job.ID, JobUpdate{ScheduleValue: &newValue})
	require.True(t, ok)
	assert.NotEqual(t, oldNextRun, updated.NextRun)
}

func TestDeleteJobRemovesIt(t *testing.T) {
	s, _ := newTestScheduler(t, &recordingDispatcher{})
	job, err := s.CreateJob(context.Background(), "ping", ScheduleInterval, "60", "", "")
	require.NoError(t, err)

	assert.True(t, s.DeleteJob(context.Background(), job.ID))
	_, ok := s.GetJob(job.ID)
	assert.False(t, ok)
}

func TestListJobsOrderedByNextRun(t *testing.T) {
	s, _ := newTestScheduler(t, &recordingDispatcher{})
	_, err := s.CreateJob(context.Background(), "later", ScheduleInterval, "7200", "", "")
	require.NoError(t, err)
	_, err = s.CreateJob(context.Background(), "sooner", ScheduleInterval, "60", "", "")
	require.NoError(t, err)

	jobs := s.ListJobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "sooner", jobs[0].Description)
}

func TestStartSchedulesInitialTickThenPeriodic(t *testing.T) {
	disp := &recordingDispatcher{}
	s, fake := newTestScheduler(t, disp)
	_, err := s.CreateJob(context.Background(), "one-shot", ScheduleOnce, time.Now().Add(-time.Minute).Format(time.RFC3339), "", "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	assert.Equal(t, 1, fake.Pending())

	fake.FireAll()
	assert.Contains(t, disp.freeforms, "one-shot")
}
