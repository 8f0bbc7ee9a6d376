package jobmanager

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/cranesched/craned/internal/config"
	"github.com/cranesched/craned/internal/rcg"
	"github.com/cranesched/craned/internal/rpcapi"
	"github.com/cranesched/craned/internal/structs"
)

type fakeRCG struct {
	handles map[structs.JobID]*rcg.Handle
	released []structs.JobID
}

func newFakeRCG() *fakeRCG { return &fakeRCG{handles: map[structs.JobID]*rcg.Handle{}} }

func (f *fakeRCG) Allocate(jobID structs.JobID, env structs.ResourceEnvelope, recover bool) (*rcg.Handle, error) {
	h := &rcg.Handle{JobID: jobID}
	f.handles[jobID] = h
	return h, nil
}

func (f *fakeRCG) Release(jobID structs.JobID) error {
	f.released = append(f.released, jobID)
	delete(f.handles, jobID)
	return nil
}

func (f *fakeRCG) EnvFor(jobID structs.JobID, env structs.ResourceEnvelope) map[string]string {
	return map[string]string{"CRANE_MEM_PER_NODE": "128"}
}

type fakeConn struct {
	jobID         structs.JobID
	terminated    chan bool
	changedLimits chan uint64
	closed        bool
}

func (c *fakeConn) ExecuteTask(ctx context.Context, req *rpcapi.ExecuteTaskRequest) (*rpcapi.ExecuteTaskReply, error) {
	return &rpcapi.ExecuteTaskReply{OK: true, PID: 4242}, nil
}

func (c *fakeConn) ChangeTaskTimeLimit(ctx context.Context, seconds uint64) error {
	c.changedLimits <- seconds
	return nil
}

func (c *fakeConn) TerminateTask(ctx context.Context, markOrphaned bool) error {
	c.terminated <- markOrphaned
	return nil
}

func (c *fakeConn) Terminate(ctx context.Context) error { return nil }
func (c *fakeConn) Close() error                        { c.closed = true; return nil }

type fakeLauncher struct {
	conns map[structs.JobID]*fakeConn
}

func newFakeLauncher() *fakeLauncher { return &fakeLauncher{conns: map[structs.JobID]*fakeConn{}} }

func (l *fakeLauncher) Spawn(ctx context.Context, jobID structs.JobID) (SupervisorConn, error) {
	c := &fakeConn{jobID: jobID, terminated: make(chan bool, 1), changedLimits: make(chan uint64, 1)}
	l.conns[jobID] = c
	return c, nil
}

type fakeSink struct {
	enqueued chan structs.StatusChange
	withdrawn chan structs.JobID
}

func newFakeSink() *fakeSink {
	return &fakeSink{enqueued: make(chan structs.StatusChange, 16), withdrawn: make(chan structs.JobID, 16)}
}

func (s *fakeSink) Enqueue(change structs.StatusChange) { s.enqueued <- change }
func (s *fakeSink) Withdraw(jobID structs.JobID)        { s.withdrawn <- jobID }

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.ScriptDir = "/tmp"
	cfg.SupervisorReadyTimeout = time.Second
	cfg.SupervisorRPCTimeout = time.Second
	cfg.TerminateGraceInterval = time.Second
	return cfg
}

func setup(t *testing.T) (*Manager, *fakeRCG, *fakeLauncher, *fakeSink) {
	r := newFakeRCG()
	l := newFakeLauncher()
	s := newFakeSink()
	m := NewManager(hclog.NewNullLogger(), testConfig(), r, l, s)
	go m.Run()
	t.Cleanup(m.Stop)
	return m, r, l, s
}

func testJob(id structs.JobID) *structs.Job {
	return &structs.Job{
		ID:        id,
		Username:  "root",
		Cwd:       "/tmp",
		TimeLimit: 3600,
		Kind:      structs.Batch,
		Batch:     structs.BatchSpec{ScriptBody: "echo hi\n"},
	}
}

func TestAdmitExecuteReportExitDeliversCompleted(t *testing.T) {
	m, r, l, s := setup(t)
	job := testJob(42)

	require.NoError(t, m.Admit(job))
	require.NoError(t, m.Execute(job.ID))

	conn := l.conns[job.ID]
	require.NotNil(t, conn)

	require.NoError(t, m.ReportExit(job.ID, 4242, structs.StatusCompleted, 0, ""))

	select {
	case change := <-s.enqueued:
		require.Equal(t, job.ID, change.JobID)
		require.Equal(t, structs.StatusCompleted, change.Status)
	case <-time.After(time.Second):
		t.Fatal("status change not delivered")
	}
	require.Contains(t, r.released, job.ID)
	require.True(t, conn.closed)
}

func TestDuplicateAdmissionIgnored(t *testing.T) {
	m, _, _, _ := setup(t)
	job := testJob(7)
	require.NoError(t, m.Admit(job))
	require.NoError(t, m.Admit(job))
	require.Equal(t, []structs.JobID{7}, m.Instances())
}

func TestZeroTimeLimitFiresExceedTimeLimitForCrun(t *testing.T) {
	m, _, _, s := setup(t)
	job := testJob(3)
	job.Kind = structs.InteractiveCrun
	job.TimeLimit = 0

	require.NoError(t, m.Admit(job))
	require.NoError(t, m.Execute(job.ID))

	select {
	case change := <-s.enqueued:
		require.Equal(t, structs.StatusExceedTimeLimit, change.Status)
	case <-time.After(time.Second):
		t.Fatal("ExceedTimeLimit not delivered")
	}
}

func TestTerminateOrphanedWithholdsStatus(t *testing.T) {
	m, _, l, s := setup(t)
	job := testJob(9)

	require.NoError(t, m.Admit(job))
	require.NoError(t, m.Execute(job.ID))

	require.NoError(t, m.Terminate(job.ID, structs.TerminateMarkOrphaned))

	select {
	case id := <-s.withdrawn:
		require.Equal(t, job.ID, id)
	case <-time.After(time.Second):
		t.Fatal("withdraw not observed")
	}

	conn := l.conns[job.ID]
	select {
	case orphaned := <-conn.terminated:
		require.True(t, orphaned)
	case <-time.After(time.Second):
		t.Fatal("terminate not forwarded to supervisor")
	}

	require.NoError(t, m.ReportExit(job.ID, 4242, structs.StatusCancelled, -1, ""))

	select {
	case <-s.enqueued:
		t.Fatal("orphaned job must not deliver a status change")
	case <-time.After(200 * time.Millisecond):
	}
}
