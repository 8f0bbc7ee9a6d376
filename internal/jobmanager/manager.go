// Package jobmanager owns the set of JobInstances on this node: job
// admission and termination, Supervisor spawning, time-limit
// enforcement, and terminal status delivery (spec.md §4.2).
package jobmanager

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/cranesched/craned/internal/config"
	"github.com/cranesched/craned/internal/craneerr"
	"github.com/cranesched/craned/internal/rpcapi"
	"github.com/cranesched/craned/internal/structs"
	"github.com/cranesched/craned/internal/taskenv"
)

// Manager is the Job Manager component. Every mutation of its internal
// state happens on the run-loop goroutine started by Run; callers
// communicate by sending a request onto reqCh and waiting on that
// request's own reply channel — the Go equivalent of the source's
// lock-free MPSC queue plus a promise/future pair per entry (spec.md
// §5).
type Manager struct {
	logger hclog.Logger
	cfg    *config.Config
	rcg    RCGAllocator
	launch Launcher
	status StatusSink

	instances map[structs.JobID]*JobInstance
	timers    map[structs.JobID]*timerState

	reqCh  chan request
	expCh  chan timeLimitExpiry
	stopCh chan struct{}
	doneCh chan struct{}
}

func NewManager(logger hclog.Logger, cfg *config.Config, rcg RCGAllocator, launch Launcher, status StatusSink) *Manager {
	return &Manager{
		logger:    logger.Named("jobmanager"),
		cfg:       cfg,
		rcg:       rcg,
		launch:    launch,
		status:    status,
		instances: make(map[structs.JobID]*JobInstance),
		timers:    make(map[structs.JobID]*timerState),
		reqCh:     make(chan request, 64),
		expCh:     make(chan timeLimitExpiry, 64),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Run drives the event loop until Stop is called. Callers run it in
// its own goroutine.
func (m *Manager) Run() {
	defer close(m.doneCh)
	for {
		select {
		case req := <-m.reqCh:
			req.handle(m)
		case exp := <-m.expCh:
			m.handleTimeLimitExpiry(exp)
		case <-m.stopCh:
			m.shutdown()
			return
		}
	}
}

// Stop initiates graceful shutdown: asks every live Supervisor to
// Terminate and ends the run loop, after which Admit refuses new
// admissions with an error (spec.md §5, "ending" flag).
func (m *Manager) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *Manager) shutdown() {
	for id, inst := range m.instances {
		if inst.conn == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.TerminateGraceInterval)
		if err := inst.conn.Terminate(ctx); err != nil {
			m.logger.Warn("terminate during shutdown failed", "job", id, "error", err)
		}
		cancel()
	}
}

// request is a cross-loop call: a typed payload plus a one-shot reply
// channel, enqueued on reqCh and handled serially by Run.
type request interface {
	handle(m *Manager)
}

type timeLimitExpiry struct {
	jobID structs.JobID
	gen   uint64
}

// ---- Admit -----------------------------------------------------------

type admitReq struct {
	job   *structs.Job
	reply chan error
}

func (r *admitReq) handle(m *Manager) {
	r.reply <- m.admit(r.job)
}

// Admit creates the RCG for job (idempotent) and registers the
// JobInstance, without launching anything. Duplicate admission of an
// already-known job id is ignored (spec.md §4.2).
func (m *Manager) Admit(job *structs.Job) error {
	reply := make(chan error, 1)
	select {
	case m.reqCh <- &admitReq{job: job, reply: reply}:
	case <-m.doneCh:
		return craneerr.New(craneerr.KindGenericFailure, "job manager stopped, admission of job %d refused", job.ID)
	}
	select {
	case err := <-reply:
		return err
	case <-m.doneCh:
		select {
		case err := <-reply:
			return err
		default:
		}
		return craneerr.New(craneerr.KindGenericFailure, "job manager stopped, admission of job %d refused", job.ID)
	}
}

func (m *Manager) admit(job *structs.Job) error {
	if _, exists := m.instances[job.ID]; exists {
		m.logger.Warn("duplicate admission ignored", "job", job.ID)
		return nil
	}

	handle, err := m.rcg.Allocate(job.ID, job.Envelope, false)
	if err != nil {
		return craneerr.Wrap(craneerr.KindCgroupError, err)
	}

	m.instances[job.ID] = &JobInstance{
		Job:   job,
		RCG:   handle,
		Execs: make(map[int]*Execution),
	}
	return nil
}

// ---- Reattach ------------------------------------------------------------

type reattachReq struct {
	jobID structs.JobID
	conn  SupervisorConn
	pid   int
	reply chan error
}

func (r *reattachReq) handle(m *Manager) {
	r.reply <- m.reattach(r.jobID, r.conn, r.pid)
}

// Reattach restores a JobInstance for a job whose Supervisor survived a
// craned restart: the Supervisor Keeper has already redialed it, and
// the RCG for jobID is assumed to still be on disk. The Controller
// Client's handshake fills in the real *structs.Job once CTLD's
// Configure reply arrives; until then the instance carries only the
// fields recovery actually knows (spec.md §4.3's "survives a restart").
func (m *Manager) Reattach(jobID structs.JobID, conn SupervisorConn, pid int) error {
	reply := make(chan error, 1)
	m.reqCh <- &reattachReq{jobID: jobID, conn: conn, pid: pid, reply: reply}
	return <-reply
}

func (m *Manager) reattach(jobID structs.JobID, conn SupervisorConn, pid int) error {
	if _, exists := m.instances[jobID]; exists {
		m.logger.Warn("duplicate reattachment ignored", "job", jobID)
		return nil
	}

	handle, err := m.rcg.Allocate(jobID, structs.ResourceEnvelope{}, true)
	if err != nil {
		return craneerr.Wrap(craneerr.KindCgroupError, err)
	}

	m.instances[jobID] = &JobInstance{
		Job:   &structs.Job{ID: jobID},
		RCG:   handle,
		Execs: map[int]*Execution{pid: {PID: pid}},
		conn:  conn,
	}
	return nil
}

// Reconcile applies the authoritative job spec the Controller Client
// obtained from CTLD's Configure reply to a reattached instance, and
// re-arms its time limit. Jobs CTLD no longer knows about are left for
// the caller to Terminate with structs.TerminateUnknownToController.
func (m *Manager) Reconcile(job *structs.Job) error {
	reply := make(chan error, 1)
	m.reqCh <- &reconcileReq{job: job, reply: reply}
	return <-reply
}

type reconcileReq struct {
	job   *structs.Job
	reply chan error
}

func (r *reconcileReq) handle(m *Manager) {
	r.reply <- m.reconcile(r.job)
}

func (m *Manager) reconcile(job *structs.Job) error {
	inst, ok := m.instances[job.ID]
	if !ok {
		return craneerr.New(craneerr.KindNonExistent, "no such job %d", job.ID)
	}
	inst.Job = job
	m.armTimeLimit(job.ID, job.TimeLimit)
	return nil
}

// ---- Execute -----------------------------------------------------------

type executeReq struct {
	jobID structs.JobID
	reply chan error
}

func (r *executeReq) handle(m *Manager) {
	r.reply <- m.execute(r.jobID)
}

// Execute resolves the task's script/output paths, spawns a
// Supervisor, and arms the time-limit timer, per spec.md §4.2.
func (m *Manager) Execute(jobID structs.JobID) error {
	reply := make(chan error, 1)
	m.reqCh <- &executeReq{jobID: jobID, reply: reply}
	return <-reply
}

func (m *Manager) execute(jobID structs.JobID) error {
	inst, ok := m.instances[jobID]
	if !ok {
		return craneerr.New(craneerr.KindCgroupError, "no RCG for job %d, admit before execute", jobID)
	}
	job := inst.Job

	pw, err := user.Lookup(job.Username)
	if err != nil {
		inst.ErrBeforeExec = craneerr.KindPermissionDenied
		m.deliverTerminal(jobID, structs.StatusFailed, -1, string(inst.ErrBeforeExec))
		return craneerr.Wrap(craneerr.KindPermissionDenied, err)
	}

	req := &rpcapi.ExecuteTaskRequest{
		JobID:    job.ID,
		Kind:     job.Kind,
		UID:      job.UID,
		GID:      job.GID,
		Cwd:      job.Cwd,
		Pty:              job.Kind == structs.InteractiveCrun && job.Crun.Pty,
		TermEnv:          job.Crun.TermEnv,
		LoginShell:       job.GetUserEnv,
		RCGMode:          inst.RCG.Mode,
		RCGPaths:         inst.RCG.Paths,
		TimeLimitSeconds: job.TimeLimit,
	}

	resourceVars := m.rcg.EnvFor(jobID, job.Envelope)

	switch job.Kind {
	case structs.Batch:
		scriptPath := structs.ScriptPath(m.cfg.ScriptDir, job.ID)
		if err := os.WriteFile(scriptPath, []byte(job.Batch.ScriptBody), 0o755); err != nil {
			inst.ErrBeforeExec = craneerr.KindFileNotFound
			m.deliverTerminal(jobID, structs.StatusFailed, -1, string(inst.ErrBeforeExec))
			return craneerr.Wrap(craneerr.KindFileNotFound, err)
		}
		req.ScriptPath = scriptPath

		req.StdoutPath = taskenv.StdoutPath(job)
		stderrPath, merge := taskenv.StderrPath(job)
		req.StderrPath = stderrPath
		req.MergeStderr = merge
	default:
		req.ScriptPath = structs.ScriptPath(m.cfg.ScriptDir, job.ID)
	}

	req.Env = taskenv.Build(job, pw, resourceVars)

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SupervisorReadyTimeout)
	defer cancel()

	conn, err := m.launch.Spawn(ctx, jobID)
	if err != nil {
		inst.ErrBeforeExec = craneerr.KindSpawnProcessFail
		m.deliverTerminal(jobID, structs.StatusFailed, -1, string(inst.ErrBeforeExec))
		return craneerr.Wrap(craneerr.KindSpawnProcessFail, err)
	}

	rpcCtx, rpcCancel := context.WithTimeout(context.Background(), m.cfg.SupervisorRPCTimeout)
	defer rpcCancel()

	reply, err := conn.ExecuteTask(rpcCtx, req)
	if err != nil || !reply.OK {
		inst.ErrBeforeExec = craneerr.KindSpawnProcessFail
		_ = conn.Close()
		if err == nil {
			err = fmt.Errorf("supervisor rejected ExecuteTask")
		}
		m.deliverTerminal(jobID, structs.StatusFailed, -1, string(inst.ErrBeforeExec))
		return craneerr.Wrap(craneerr.KindSpawnProcessFail, err)
	}

	inst.conn = conn
	inst.Execs[reply.PID] = &Execution{
		PID:        reply.PID,
		StdoutPath: req.StdoutPath,
		StderrPath: req.StderrPath,
		ScriptPath: req.ScriptPath,
	}

	m.armTimeLimit(jobID, job.TimeLimit)
	return nil
}

// ---- time limit -----------------------------------------------------------

// timerState tracks the active time-limit timer generation per job so
// a stale expiry delivered after ChangeTaskTimeLimit rearms it is
// discarded instead of double-firing.
type timerState struct {
	timer     *time.Timer
	gen       uint64
	startedAt time.Time
	limit     time.Duration
}

func (m *Manager) armTimeLimit(jobID structs.JobID, seconds uint64) {
	m.disarmTimeLimit(jobID)

	if _, ok := m.instances[jobID]; !ok {
		return
	}
	if m.timers == nil {
		m.timers = make(map[structs.JobID]*timerState)
	}

	gen := m.nextGen(jobID)
	limit := time.Duration(seconds) * time.Second
	ts := &timerState{gen: gen, startedAt: time.Now(), limit: limit}

	if limit <= 0 {
		// spec.md §4.2: time_limit=0 fires immediately.
		m.expCh <- timeLimitExpiry{jobID: jobID, gen: gen}
		m.timers[jobID] = ts
		return
	}

	ts.timer = time.AfterFunc(limit, func() {
		m.expCh <- timeLimitExpiry{jobID: jobID, gen: gen}
	})
	m.timers[jobID] = ts
}

func (m *Manager) disarmTimeLimit(jobID structs.JobID) {
	if m.timers == nil {
		return
	}
	if ts, ok := m.timers[jobID]; ok && ts.timer != nil {
		ts.timer.Stop()
	}
}

func (m *Manager) nextGen(jobID structs.JobID) uint64 {
	if m.timers == nil {
		return 1
	}
	if ts, ok := m.timers[jobID]; ok {
		return ts.gen + 1
	}
	return 1
}

func (m *Manager) handleTimeLimitExpiry(exp timeLimitExpiry) {
	ts, ok := m.timers[exp.jobID]
	if !ok || ts.gen != exp.gen {
		return // superseded by a later ChangeTaskTimeLimit
	}

	inst, ok := m.instances[exp.jobID]
	if !ok {
		return
	}

	switch inst.Job.Kind {
	case structs.Batch:
		m.logger.Info("time limit exceeded, terminating batch job", "job", exp.jobID)
		m.doTerminate(exp.jobID, structs.TerminateTimeout)
	default:
		m.logger.Info("time limit exceeded, delivering ExceedTimeLimit", "job", exp.jobID)
		m.deliverTerminal(exp.jobID, structs.StatusExceedTimeLimit, -1, string(craneerr.KindExceedTimeLimit))
	}
}

// ---- ChangeTaskTimeLimit -----------------------------------------------------------

type changeTimeLimitReq struct {
	jobID    structs.JobID
	newLimit uint64
	reply    chan error
}

func (r *changeTimeLimitReq) handle(m *Manager) {
	r.reply <- m.changeTimeLimit(r.jobID, r.newLimit)
}

// ChangeTimeLimit disarms and re-arms the job's timer with
// max(0, new_limit-(now-start)); an already-exceeded new limit fires
// immediately (spec.md §4.2).
func (m *Manager) ChangeTimeLimit(jobID structs.JobID, newLimit uint64) error {
	reply := make(chan error, 1)
	m.reqCh <- &changeTimeLimitReq{jobID: jobID, newLimit: newLimit, reply: reply}
	return <-reply
}

func (m *Manager) changeTimeLimit(jobID structs.JobID, newLimit uint64) error {
	inst, ok := m.instances[jobID]
	if !ok {
		return craneerr.New(craneerr.KindNonExistent, "no such job %d", jobID)
	}

	ts, hasTimer := m.timers[jobID]
	remaining := newLimit
	if hasTimer {
		elapsed := uint64(time.Since(ts.startedAt).Seconds())
		if elapsed >= newLimit {
			remaining = 0
		} else {
			remaining = newLimit - elapsed
		}
	}

	inst.Job.TimeLimit = newLimit
	m.armTimeLimit(jobID, remaining)
	if hasTimer {
		// Keep the original start so a later change still measures
		// elapsed time from the job's start, not from this re-arm.
		if nts, ok := m.timers[jobID]; ok {
			nts.startedAt = ts.startedAt
		}
	}

	if inst.conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SupervisorRPCTimeout)
		defer cancel()
		if err := inst.conn.ChangeTaskTimeLimit(ctx, remaining); err != nil {
			m.logger.Warn("failed to propagate new time limit to supervisor", "job", jobID, "error", err)
		}
	}
	return nil
}

// ---- Terminate -----------------------------------------------------------

type terminateReq struct {
	jobID  structs.JobID
	reason structs.TerminateReason
	reply  chan error
}

func (r *terminateReq) handle(m *Manager) {
	r.reply <- m.doTerminate(r.jobID, r.reason)
}

// Terminate forwards a termination request to the job's Supervisor
// over its private channel (spec.md §4.2).
func (m *Manager) Terminate(jobID structs.JobID, reason structs.TerminateReason) error {
	reply := make(chan error, 1)
	m.reqCh <- &terminateReq{jobID: jobID, reason: reason, reply: reply}
	return <-reply
}

func (m *Manager) doTerminate(jobID structs.JobID, reason structs.TerminateReason) error {
	inst, ok := m.instances[jobID]
	if !ok {
		return craneerr.New(craneerr.KindNonExistent, "no such job %d", jobID)
	}

	if reason == structs.TerminateMarkOrphaned {
		inst.Orphaned = true
		m.status.Withdraw(jobID)
	}

	if inst.conn == nil {
		// Never reached Execute; nothing running to reap.
		m.destroyInstance(jobID)
		return nil
	}

	markOrphaned := reason == structs.TerminateMarkOrphaned
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SupervisorRPCTimeout)
	defer cancel()
	return inst.conn.TerminateTask(ctx, markOrphaned)
}

// ---- ReportExit (Supervisor -> Agent callback) -----------------------------------------------------------

type reportExitReq struct {
	jobID    structs.JobID
	pid      int
	status   structs.ExecutionStatusKind
	exitCode int32
	reason   string
	reply    chan error
}

func (r *reportExitReq) handle(m *Manager) {
	r.reply <- m.reportExit(r)
}

// ReportExit is invoked by the Agent's callback RPC server when a
// Supervisor reaps its child (spec.md §4.3's reaper, relayed across
// the process boundary).
func (m *Manager) ReportExit(jobID structs.JobID, pid int, status structs.ExecutionStatusKind, exitCode int32, reason string) error {
	reply := make(chan error, 1)
	m.reqCh <- &reportExitReq{jobID: jobID, pid: pid, status: status, exitCode: exitCode, reason: reason, reply: reply}
	return <-reply
}

func (m *Manager) reportExit(r *reportExitReq) error {
	inst, ok := m.instances[r.jobID]
	if !ok {
		return craneerr.New(craneerr.KindNonExistent, "no such job %d", r.jobID)
	}

	delete(inst.Execs, r.pid)
	m.disarmTimeLimit(r.jobID)

	if len(inst.Execs) > 0 {
		// Currently always one-per-job (spec.md §3); kept for forward
		// compatibility with multi-task jobs.
		return nil
	}

	m.deliverTerminal(r.jobID, r.status, r.exitCode, r.reason)
	return nil
}

func (m *Manager) deliverTerminal(jobID structs.JobID, status structs.ExecutionStatusKind, exitCode int32, reason string) {
	inst, ok := m.instances[jobID]
	if !ok {
		return
	}

	if !inst.Orphaned && !inst.reported {
		inst.reported = true
		m.status.Enqueue(structs.StatusChange{
			JobID:    jobID,
			Status:   status,
			ExitCode: exitCode,
			Reason:   reason,
		})
	}

	m.destroyInstance(jobID)
}

func (m *Manager) destroyInstance(jobID structs.JobID) {
	inst, ok := m.instances[jobID]
	if !ok {
		return
	}
	if inst.conn != nil {
		_ = inst.conn.Close()
	}
	if err := m.rcg.Release(jobID); err != nil {
		m.logger.Warn("RCG release failed, will retry on next recovery scan", "job", jobID, "error", err)
	}
	delete(m.instances, jobID)
	delete(m.timers, jobID)
}

// Instances exposes a snapshot of known job ids, used by the
// Controller Client's recovery handshake to compute nonexistent_jobs.
func (m *Manager) Instances() []structs.JobID {
	reply := make(chan []structs.JobID, 1)
	m.reqCh <- &snapshotReq{reply: reply}
	return <-reply
}

type snapshotReq struct {
	reply chan []structs.JobID
}

func (r *snapshotReq) handle(m *Manager) {
	ids := make([]structs.JobID, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	r.reply <- ids
}
