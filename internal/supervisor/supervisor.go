// Package supervisor implements the per-job Supervisor process: it
// owns one job's single child, places it in its resource-control
// group, execs it with the right credentials and environment, relays
// interactive I/O, and reports the terminal status back to the Agent
// (spec.md §4.3).
package supervisor

import (
	"fmt"
	"io"
	"net"
	"net/rpc"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	msgpackrpc "github.com/hashicorp/net-rpc-msgpackrpc"

	"github.com/cranesched/craned/internal/craneerr"
	"github.com/cranesched/craned/internal/iostream"
	"github.com/cranesched/craned/internal/rpcapi"
	"github.com/cranesched/craned/internal/structs"
)

// Supervisor is the state owned by one Supervisor process. All its
// exported RPC methods (ExecuteTask, CheckTaskStatus, ...) are called
// concurrently by net/rpc, so mutable state is behind mu.
type Supervisor struct {
	logger hclog.Logger
	jobID  structs.JobID

	socketPath   string
	callbackAddr string // Agent's "Callback.*" listen address
	readyWriter  *os.File
	fanoutAddr   string // FANOUT address for Crun jobs; empty disables I/O forwarding
	cranedID     string

	mu       sync.Mutex
	executed bool
	cmd      *exec.Cmd
	pid      int
	timer    *time.Timer
	iostream *iostream.Client // non-nil only once a Crun ExecuteTask has run
	listener net.Listener
	exitOnce sync.Once
	grace    time.Duration
}

// Config carries everything New needs that isn't part of the
// per-task ExecuteTask request: the job id it was spawned for (passed
// on the command line, per spec.md §4.5), the fixed socket it must
// bind, and the Agent's callback address for ReportExit.
type Config struct {
	JobID         structs.JobID
	SocketPath    string
	CallbackAddr  string
	GraceInterval time.Duration
	ReadyWriter   *os.File // write end of the readiness pipe, fd 3
	FanoutAddr    string
	CranedID      string
}

func New(logger hclog.Logger, cfg Config) *Supervisor {
	return &Supervisor{
		logger:       logger.Named(fmt.Sprintf("supervisor.%d", cfg.JobID)),
		jobID:        cfg.JobID,
		socketPath:   cfg.SocketPath,
		callbackAddr: cfg.CallbackAddr,
		readyWriter:  cfg.ReadyWriter,
		grace:        cfg.GraceInterval,
		fanoutAddr:   cfg.FanoutAddr,
		cranedID:     cfg.CranedID,
	}
}

// Run binds the per-job unix socket, closes the readiness pipe to
// signal the Agent, and serves RPCs until Terminate is called or the
// process is asked to exit. It blocks until shutdown.
func (s *Supervisor) Run() error {
	_ = os.Remove(s.socketPath)
	l, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return craneerr.Wrap(craneerr.KindSystemErr, err)
	}
	s.listener = l

	server := rpc.NewServer()
	if err := server.RegisterName("Supervisor", (*rpcShim)(s)); err != nil {
		return craneerr.Wrap(craneerr.KindSystemErr, err)
	}

	// Closing the write end of the readiness pipe is the literal
	// "startup pipe" signal spec.md §4.5 describes: the Agent's read
	// end sees EOF the moment this happens, with no payload needed.
	if s.readyWriter != nil {
		if err := s.readyWriter.Close(); err != nil {
			s.logger.Warn("failed to close readiness pipe", "error", err)
		}
	}

	for {
		conn, err := l.Accept()
		if err != nil {
			return nil // listener closed during shutdown
		}
		go server.ServeCodec(msgpackrpc.NewServerCodec(conn))
	}
}

// rpcShim exists only so the exported RPC methods net/rpc requires
// (func(*Args, *Reply) error) don't pollute Supervisor's own API, which
// callers within this package use directly and synchronously.
type rpcShim Supervisor

func (s *rpcShim) sup() *Supervisor { return (*Supervisor)(s) }

func (s *rpcShim) ExecuteTask(req *rpcapi.ExecuteTaskRequest, reply *rpcapi.ExecuteTaskReply) error {
	pid, err := s.sup().executeTask(req)
	if err != nil {
		s.sup().logger.Error("ExecuteTask failed", "error", err)
		reply.OK = false
		return err
	}
	reply.OK = true
	reply.PID = pid
	return nil
}

func (s *rpcShim) CheckTaskStatus(req *rpcapi.CheckTaskStatusRequest, reply *rpcapi.CheckTaskStatusReply) error {
	running, pid := s.sup().checkTaskStatus()
	reply.OK = running
	reply.JobID = s.sup().jobID
	reply.PID = pid
	return nil
}

func (s *rpcShim) ChangeTaskTimeLimit(req *rpcapi.ChangeTaskTimeLimitRequest, reply *rpcapi.ChangeTaskTimeLimitReply) error {
	s.sup().rearmTimer(time.Duration(req.TimeLimitSeconds) * time.Second)
	reply.OK = true
	return nil
}

func (s *rpcShim) TerminateTask(req *rpcapi.TerminateTaskRequest, reply *rpcapi.TerminateTaskReply) error {
	s.sup().terminateTask(req.MarkOrphaned)
	reply.OK = true
	return nil
}

func (s *rpcShim) Terminate(req *rpcapi.TerminateRequest, reply *rpcapi.TerminateReply) error {
	s.sup().terminateTask(false)
	go s.sup().exitAfterChild()
	reply.OK = true
	return nil
}

// executeTask is ExecuteTask's synchronous body; it may only succeed
// once per Supervisor (spec.md §4.3).
func (s *Supervisor) executeTask(req *rpcapi.ExecuteTaskRequest) (int, error) {
	s.mu.Lock()
	if s.executed {
		s.mu.Unlock()
		return 0, craneerr.New(craneerr.KindGenericFailure, "ExecuteTask already called")
	}
	s.executed = true
	s.mu.Unlock()

	cmd, releaseRCG, err := buildCommand(req)
	if err != nil {
		return 0, craneerr.Wrap(craneerr.KindSystemErr, err)
	}
	defer releaseRCG()

	isCrun := req.Kind == structs.InteractiveCrun

	var streamName string
	var output io.Reader
	var input io.Writer
	var releaseChildEnds func()
	switch {
	case req.Pty:
		master, closer, err := attachPty(cmd)
		if err != nil {
			return 0, craneerr.Wrap(craneerr.KindSystemErr, err)
		}
		streamName, output, input, releaseChildEnds = "pty", master, master, closer
	case isCrun:
		in, out, closer, err := attachPipes(cmd)
		if err != nil {
			return 0, craneerr.Wrap(craneerr.KindSystemErr, err)
		}
		streamName, output, input, releaseChildEnds = "combined", out, in, closer
	default:
		closer, err := attachBatchFiles(cmd, req)
		if err != nil {
			return 0, craneerr.Wrap(craneerr.KindFileNotFound, err)
		}
		releaseChildEnds = closer
	}

	if err := cmd.Start(); err != nil {
		return 0, craneerr.Wrap(craneerr.KindSpawnProcessFail, err)
	}
	if releaseChildEnds != nil {
		releaseChildEnds()
	}

	s.mu.Lock()
	s.cmd = cmd
	s.pid = cmd.Process.Pid
	s.mu.Unlock()

	if output != nil {
		s.wireIOStream(streamName, output, input)
	}

	s.rearmTimer(time.Duration(req.TimeLimitSeconds) * time.Second)
	go s.reap()

	return cmd.Process.Pid, nil
}

// wireIOStream lazily starts the I/O forwarding client for this
// Supervisor's one Crun child and attaches its output reader and
// input writer (spec.md §4.4). A Supervisor with no configured FANOUT
// address leaves this a no-op. executeTask calls it only for pty and
// Crun children; other jobs write their output to files.
func (s *Supervisor) wireIOStream(streamName string, output io.Reader, input io.Writer) {
	if s.fanoutAddr == "" {
		return
	}

	c := iostream.NewClient(s.logger, s.fanoutAddr, s.cranedID, s.jobID, 0)
	if err := c.Start(); err != nil {
		s.logger.Error("failed to start I/O forwarding client", "error", err)
		return
	}

	s.mu.Lock()
	s.iostream = c
	s.mu.Unlock()

	c.AddOutput(streamName, output)
	c.SetInput(input)
}

func (s *Supervisor) checkTaskStatus() (running bool, pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmd != nil, s.pid
}

func (s *Supervisor) rearmTimer(limit time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	if limit <= 0 {
		go s.onTimeLimitExceeded()
		return
	}
	s.timer = time.AfterFunc(limit, s.onTimeLimitExceeded)
}

func (s *Supervisor) onTimeLimitExceeded() {
	s.logger.Info("local time limit exceeded, terminating task", "job", s.jobID)
	s.terminateTask(false)
}

// terminateTask sends SIGTERM to the child's process group, then
// SIGKILL after the grace interval (spec.md §4.3).
func (s *Supervisor) terminateTask(markOrphaned bool) {
	s.mu.Lock()
	cmd := s.cmd
	pid := s.pid
	s.mu.Unlock()
	if cmd == nil || pid == 0 {
		return
	}

	_ = syscall.Kill(-pid, syscall.SIGTERM)
	go func() {
		time.Sleep(s.grace)
		s.mu.Lock()
		stillRunning := s.cmd != nil
		s.mu.Unlock()
		if stillRunning {
			_ = syscall.Kill(-pid, syscall.SIGKILL)
		}
	}()
}

// reap blocks on the child's exit, then relays the terminal status to
// the Agent and tears down this Supervisor (spec.md §4.3's reaper).
func (s *Supervisor) reap() {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil {
		return
	}

	err := cmd.Wait()

	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	stream := s.iostream
	s.mu.Unlock()

	if stream != nil {
		stream.Shutdown()
	}

	status, exitCode := classifyExit(err)
	s.reportExit(status, exitCode)

	s.mu.Lock()
	s.cmd = nil
	s.mu.Unlock()

	s.exitAfterChild()
}

func classifyExit(err error) (structs.ExecutionStatusKind, int32) {
	if err == nil {
		return structs.StatusCompleted, 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				return structs.StatusFailed, int32(128 + int(ws.Signal()))
			}
			return structs.StatusFailed, int32(ws.ExitStatus())
		}
	}
	return structs.StatusFailed, -1
}

func (s *Supervisor) reportExit(status structs.ExecutionStatusKind, exitCode int32) {
	if s.callbackAddr == "" {
		return
	}
	conn, err := net.DialTimeout("unix", s.callbackAddr, 5*time.Second)
	if err != nil {
		s.logger.Error("failed to dial Agent callback socket", "error", err)
		return
	}
	defer conn.Close()

	client := rpc.NewClientWithCodec(msgpackrpc.NewClientCodec(conn))
	defer client.Close()

	s.mu.Lock()
	pid := s.pid
	s.mu.Unlock()

	req := &rpcapi.ReportExitRequest{JobID: s.jobID, PID: pid, Status: status, ExitCode: exitCode}
	var reply rpcapi.ReportExitReply
	if err := client.Call(rpcapi.MethodReportExit, req, &reply); err != nil {
		s.logger.Error("ReportExit RPC failed", "error", err)
	}
}

// exitAfterChild terminates the Supervisor process itself once its one
// child has completed (spec.md §4.3 Terminate: "self-exit after any
// active task completes").
func (s *Supervisor) exitAfterChild() {
	s.mu.Lock()
	running := s.cmd != nil
	s.mu.Unlock()
	if running {
		return
	}
	s.exitOnce.Do(func() {
		if s.listener != nil {
			_ = s.listener.Close()
		}
		_ = os.Remove(s.socketPath)
		os.Exit(0)
	})
}
