// Package keeper implements the Supervisor Keeper: it spawns a fresh
// Supervisor process for each task the Job Manager admits, and on
// Agent startup it scans for still-running Supervisors left behind by
// a previous Agent process and reattaches to them (spec.md §4.5, §6).
package keeper

import (
	"context"
	"fmt"
	"net"
	"net/rpc"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	msgpackrpc "github.com/hashicorp/net-rpc-msgpackrpc"

	"github.com/cranesched/craned/internal/config"
	"github.com/cranesched/craned/internal/craneerr"
	"github.com/cranesched/craned/internal/rpcapi"
	"github.com/cranesched/craned/internal/structs"
)

// Keeper spawns and reattaches to Supervisor processes. Its Spawn
// returns the concrete *Conn, so internal/agent's launcherAdapter is
// what presents it to the Job Manager as a jobmanager.Launcher.
type Keeper struct {
	logger         hclog.Logger
	cfg            *config.Config
	supervisorPath string
}

func New(logger hclog.Logger, cfg *config.Config, supervisorPath string) *Keeper {
	return &Keeper{
		logger:         logger.Named("keeper"),
		cfg:            cfg,
		supervisorPath: supervisorPath,
	}
}

// Spawn forks a new Supervisor for jobID, waits for its readiness
// signal, and dials its RPC socket. *Conn's method set matches
// jobmanager.SupervisorConn structurally; internal/agent adapts this
// method to jobmanager.Launcher when wiring the two together.
func (k *Keeper) Spawn(ctx context.Context, jobID structs.JobID) (*Conn, error) {
	readyReader, readyWriter, err := os.Pipe()
	if err != nil {
		return nil, craneerr.Wrap(craneerr.KindSpawnProcessFail, err)
	}

	cmd := exec.Command(k.supervisorPath, strconv.FormatUint(uint64(jobID), 10))
	cmd.ExtraFiles = []*os.File{readyWriter}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(),
		"CRANED_SUPERVISOR_DIR="+k.cfg.SupervisorDir,
		"CRANED_CALLBACK_ADDR="+rpcapi.CallbackSocketPath(k.cfg.BaseDir),
		"CRANED_FANOUT_ADDR="+k.cfg.FanoutAddr,
		"CRANED_ID="+k.cfg.Hostname,
	)

	if err := cmd.Start(); err != nil {
		_ = readyReader.Close()
		_ = readyWriter.Close()
		return nil, craneerr.Wrap(craneerr.KindSpawnProcessFail, err)
	}
	_ = readyWriter.Close()

	if err := waitReady(ctx, readyReader); err != nil {
		_ = readyReader.Close()
		_ = cmd.Process.Kill()
		return nil, craneerr.Wrap(craneerr.KindSpawnProcessFail, err)
	}
	_ = readyReader.Close()

	socketPath := rpcapi.SupervisorSocketPath(k.cfg.SupervisorDir, jobID)
	client, err := dialSupervisor(ctx, socketPath)
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, craneerr.Wrap(craneerr.KindSpawnProcessFail, err)
	}

	return &Conn{jobID: jobID, client: client}, nil
}

// waitReady blocks until the Supervisor closes the write end of the
// readiness pipe (spec.md §4.5's "startup pipe"), EOF meaning ready,
// or ctx's deadline expires.
func waitReady(ctx context.Context, r *os.File) error {
	done := make(chan error, 1)
	go func() {
		buf := make([]byte, 1)
		_, err := r.Read(buf)
		if err != nil {
			done <- nil // EOF (or any read error) means the writer closed
			return
		}
		done <- fmt.Errorf("unexpected data on readiness pipe")
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func dialSupervisor(ctx context.Context, socketPath string) (*rpc.Client, error) {
	var lastErr error
	deadline := time.Now().Add(3 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	for {
		conn, err := net.DialTimeout("unix", socketPath, time.Until(deadline))
		if err == nil {
			return rpc.NewClientWithCodec(msgpackrpc.NewClientCodec(conn)), nil
		}
		lastErr = err
		if time.Now().After(deadline) {
			return nil, lastErr
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// ReattachedJob is one live Supervisor found during recovery.
type ReattachedJob struct {
	JobID structs.JobID
	PID   int
	Conn  *Conn
}

// Recover scans SupervisorDir for task_<id>.sock files left behind by
// a previous Agent process, dials each one, and asks it whether its
// child is still running (spec.md §6's recovery scan). Sockets that
// fail to connect are assumed to belong to a dead Supervisor and are
// removed.
func (k *Keeper) Recover(ctx context.Context) ([]*ReattachedJob, error) {
	entries, err := os.ReadDir(k.cfg.SupervisorDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, craneerr.Wrap(craneerr.KindSystemErr, err)
	}

	var found []*ReattachedJob
	for _, ent := range entries {
		name := ent.Name()
		if !strings.HasPrefix(name, "task_") || !strings.HasSuffix(name, ".sock") {
			continue
		}
		idStr := strings.TrimSuffix(strings.TrimPrefix(name, "task_"), ".sock")
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			continue
		}
		jobID := structs.JobID(id)
		socketPath := filepath.Join(k.cfg.SupervisorDir, name)

		client, err := dialSupervisorOnce(socketPath)
		if err != nil {
			k.logger.Debug("stale supervisor socket, removing", "job", jobID, "error", err)
			_ = os.Remove(socketPath)
			continue
		}
		conn := &Conn{jobID: jobID, client: client}

		running, pid, err := conn.checkTaskStatus(ctx)
		if err != nil || !running {
			_ = conn.Close()
			_ = os.Remove(socketPath)
			continue
		}
		found = append(found, &ReattachedJob{JobID: jobID, PID: pid, Conn: conn})
	}
	return found, nil
}

func dialSupervisorOnce(socketPath string) (*rpc.Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return nil, err
	}
	return rpc.NewClientWithCodec(msgpackrpc.NewClientCodec(conn)), nil
}

// Conn is a live RPC connection to one Supervisor. It implements
// jobmanager.SupervisorConn.
type Conn struct {
	jobID  structs.JobID
	client *rpc.Client
}

func (c *Conn) ExecuteTask(ctx context.Context, req *rpcapi.ExecuteTaskRequest) (*rpcapi.ExecuteTaskReply, error) {
	var reply rpcapi.ExecuteTaskReply
	if err := c.call(ctx, rpcapi.MethodExecuteTask, req, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (c *Conn) ChangeTaskTimeLimit(ctx context.Context, seconds uint64) error {
	req := &rpcapi.ChangeTaskTimeLimitRequest{JobID: c.jobID, TimeLimitSeconds: seconds}
	var reply rpcapi.ChangeTaskTimeLimitReply
	return c.call(ctx, rpcapi.MethodChangeTaskTimeLimit, req, &reply)
}

func (c *Conn) TerminateTask(ctx context.Context, markOrphaned bool) error {
	req := &rpcapi.TerminateTaskRequest{JobID: c.jobID, MarkOrphaned: markOrphaned}
	var reply rpcapi.TerminateTaskReply
	return c.call(ctx, rpcapi.MethodTerminateTask, req, &reply)
}

func (c *Conn) Terminate(ctx context.Context) error {
	req := &rpcapi.TerminateRequest{JobID: c.jobID}
	var reply rpcapi.TerminateReply
	return c.call(ctx, rpcapi.MethodTerminate, req, &reply)
}

func (c *Conn) checkTaskStatus(ctx context.Context) (running bool, pid int, err error) {
	req := &rpcapi.CheckTaskStatusRequest{JobID: c.jobID}
	var reply rpcapi.CheckTaskStatusReply
	if err := c.call(ctx, rpcapi.MethodCheckTaskStatus, req, &reply); err != nil {
		return false, 0, err
	}
	return reply.OK, reply.PID, nil
}

func (c *Conn) Close() error {
	return c.client.Close()
}

// call runs client.Call on a goroutine so a caller's context deadline
// is honored even though net/rpc's Client.Call itself is not
// context-aware.
func (c *Conn) call(ctx context.Context, method string, args, reply interface{}) error {
	done := make(chan error, 1)
	go func() { done <- c.client.Call(method, args, reply) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
