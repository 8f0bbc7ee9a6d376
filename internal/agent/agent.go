// Package agent composes the node-level Agent process: the RCG
// Manager, Job Manager, Supervisor Keeper, Controller Client, the
// callback RPC server a Supervisor dials to report a child's exit, and
// the inbound launch RPC server CTLD dials to place new jobs on this
// node (spec.md §2, §4).
package agent

import (
	"context"
	"crypto/tls"
	"net"
	"net/rpc"
	"os"
	"sync"

	"github.com/hashicorp/go-hclog"
	msgpackrpc "github.com/hashicorp/net-rpc-msgpackrpc"

	"github.com/hashicorp/go-set/v3"

	"github.com/cranesched/craned/internal/config"
	"github.com/cranesched/craned/internal/craneerr"
	"github.com/cranesched/craned/internal/ctldclient"
	"github.com/cranesched/craned/internal/jobmanager"
	"github.com/cranesched/craned/internal/keeper"
	"github.com/cranesched/craned/internal/rcg"
	"github.com/cranesched/craned/internal/rpcapi"
	"github.com/cranesched/craned/internal/structs"
)

// Agent owns every long-lived component on this node and the process-
// wide "ending" flag that drives graceful shutdown (spec.md §5).
type Agent struct {
	logger hclog.Logger
	cfg    *config.Config

	rcg     *rcg.Manager
	keeper  *keeper.Keeper
	jobs    *jobmanager.Manager
	ctld    *ctldclient.Client
	closing sync.Once

	callbackListener net.Listener
	launchListener   net.Listener

	runWg sync.WaitGroup
}

// New constructs every component and wires them together via the
// consumer-defined interfaces each owns (spec.md §9): the Job Manager
// never imports keeper or ctldclient directly.
func New(logger hclog.Logger, cfg *config.Config, supervisorBinary string) (*Agent, error) {
	logger = logger.Named("agent")

	rcgMgr, err := rcg.NewManager(logger, cfg.EnableDeviceFiltering)
	if err != nil {
		return nil, craneerr.Wrap(craneerr.KindCgroupError, err)
	}

	k := keeper.New(logger, cfg, supervisorBinary)

	a := &Agent{logger: logger, cfg: cfg, rcg: rcgMgr, keeper: k}

	ctld := ctldclient.New(logger, cfg, &localJobsView{a: a})
	a.ctld = ctld

	a.jobs = jobmanager.NewManager(logger, cfg, rcgMgr, &launcherAdapter{k: k}, ctld)

	return a, nil
}

// localJobsView adapts Agent to ctldclient.LocalJobs without letting
// ctldclient import jobmanager: it only needs three methods, all of
// which the Job Manager already exposes.
type localJobsView struct{ a *Agent }

func (v *localJobsView) Instances() []structs.JobID { return v.a.jobs.Instances() }
func (v *localJobsView) Terminate(jobID structs.JobID, reason structs.TerminateReason) error {
	return v.a.jobs.Terminate(jobID, reason)
}
func (v *localJobsView) Reconcile(job *structs.Job) error { return v.a.jobs.Reconcile(job) }

// launcherAdapter satisfies jobmanager.Launcher by converting
// *keeper.Conn (returned by keeper.Keeper.Spawn as a concrete type) to
// the jobmanager.SupervisorConn interface at the one point that needs
// to name it, keeping internal/keeper free of any jobmanager import.
type launcherAdapter struct{ k *keeper.Keeper }

func (l *launcherAdapter) Spawn(ctx context.Context, jobID structs.JobID) (jobmanager.SupervisorConn, error) {
	conn, err := l.k.Spawn(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Start brings every component up: the callback RPC server, the
// launch RPC server, the recovery scan over any Supervisors left behind by a previous Agent
// process, the Job Manager's event loop, and the Controller Client's
// reconnect loop.
func (a *Agent) Start(ctx context.Context) error {
	if err := os.MkdirAll(a.cfg.SupervisorDir, 0o755); err != nil {
		return craneerr.Wrap(craneerr.KindSystemErr, err)
	}
	if err := os.MkdirAll(a.cfg.ScriptDir, 0o755); err != nil {
		return craneerr.Wrap(craneerr.KindSystemErr, err)
	}

	if err := a.startCallbackServer(); err != nil {
		return err
	}
	if err := a.startLaunchServer(); err != nil {
		return err
	}

	a.runWg.Add(1)
	go func() {
		defer a.runWg.Done()
		a.jobs.Run()
	}()

	if err := a.recover(ctx); err != nil {
		a.logger.Error("recovery scan failed", "error", err)
	}

	a.runWg.Add(1)
	go func() {
		defer a.runWg.Done()
		a.ctld.Run()
	}()

	return nil
}

// recover reattaches to Supervisors left running by a previous Agent
// process (spec.md §4.5/§4.6): each is re-admitted into the Job
// Manager's instance table so the recovery scan and the Controller
// Client's handshake both see it as alive. The Job Manager carries
// only a placeholder *structs.Job until the Controller Client's
// Configure reply supplies the real one via Reconcile.
func (a *Agent) recover(ctx context.Context) error {
	found, err := a.keeper.Recover(ctx)
	if err != nil {
		return craneerr.Wrap(craneerr.KindSystemErr, err)
	}

	surviving := set.New[structs.JobID](len(found))
	for _, rj := range found {
		surviving.Insert(rj.JobID)
		if err := a.jobs.Reattach(rj.JobID, rj.Conn, rj.PID); err != nil {
			a.logger.Warn("failed to reattach recovered job", "job", rj.JobID, "error", err)
			continue
		}
		a.logger.Info("reattached to surviving supervisor", "job", rj.JobID, "pid", rj.PID)
	}
	return a.rcg.RecoveryScan(surviving)
}

// startCallbackServer binds the Agent-hosted "Callback.*" RPC surface
// a Supervisor dials once to report its child's terminal status
// (spec.md §4.3's reaper, final step).
func (a *Agent) startCallbackServer() error {
	socketPath := rpcapi.CallbackSocketPath(a.cfg.BaseDir)
	_ = os.Remove(socketPath)

	l, err := net.Listen("unix", socketPath)
	if err != nil {
		return craneerr.Wrap(craneerr.KindSystemErr, err)
	}
	a.callbackListener = l

	server := rpc.NewServer()
	if err := server.RegisterName("Callback", &callbackHandler{jobs: a.jobs}); err != nil {
		return craneerr.Wrap(craneerr.KindSystemErr, err)
	}

	a.runWg.Add(1)
	go func() {
		defer a.runWg.Done()
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go server.ServeCodec(msgpackrpc.NewServerCodec(conn))
		}
	}()
	return nil
}

// CallbackSocketPath is the Supervisor-visible address for the
// Agent's callback server; supervisors are launched with it baked
// into their Config.CallbackAddr.
func (a *Agent) CallbackSocketPath() string {
	return rpcapi.CallbackSocketPath(a.cfg.BaseDir)
}

type callbackHandler struct {
	jobs *jobmanager.Manager
}

func (h *callbackHandler) ReportExit(req *rpcapi.ReportExitRequest, reply *rpcapi.ReportExitReply) error {
	if err := h.jobs.ReportExit(req.JobID, req.PID, req.Status, req.ExitCode, req.Reason); err != nil {
		return err
	}
	reply.Acknowledged = true
	return nil
}

// startLaunchServer binds the Agent-hosted "Craned.*" RPC surface CTLD
// dials to place and tear down jobs on this node (spec.md §2's "Agent
// server surface", §6's Agent listen port 10010). This is the
// production entry point for Admit+Execute; internal/ctldclient's
// Controller Client only carries the reverse configuration/status-
// change traffic.
func (a *Agent) startLaunchServer() error {
	l, err := a.listenLaunch()
	if err != nil {
		return craneerr.Wrap(craneerr.KindSystemErr, err)
	}
	a.launchListener = l

	server := rpc.NewServer()
	if err := server.RegisterName("Craned", &launchHandler{jobs: a.jobs, logger: a.logger}); err != nil {
		return craneerr.Wrap(craneerr.KindSystemErr, err)
	}

	a.runWg.Add(1)
	go func() {
		defer a.runWg.Done()
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go server.ServeCodec(msgpackrpc.NewServerCodec(conn))
		}
	}()
	return nil
}

func (a *Agent) listenLaunch() (net.Listener, error) {
	if a.cfg.TLSCertPath != "" && a.cfg.TLSKeyPath != "" {
		cert, err := tls.LoadX509KeyPair(a.cfg.TLSCertPath, a.cfg.TLSKeyPath)
		if err != nil {
			return nil, err
		}
		return tls.Listen("tcp", a.cfg.AgentListen, &tls.Config{Certificates: []tls.Certificate{cert}})
	}
	return net.Listen("tcp", a.cfg.AgentListen)
}

type launchHandler struct {
	jobs   *jobmanager.Manager
	logger hclog.Logger
}

// LaunchTask admits and immediately executes job, the Go rendering of
// spec.md §2's "Controller Client → Agent server surface → Job Manager
// → spawn Supervisor" data flow: CTLD never needs the two steps split.
func (h *launchHandler) LaunchTask(req *rpcapi.LaunchTaskRequest, reply *rpcapi.LaunchTaskReply) error {
	if err := h.jobs.Admit(req.Job); err != nil {
		return err
	}
	if err := h.jobs.Execute(req.Job.ID); err != nil {
		h.logger.Error("execute failed", "job", req.Job.ID, "error", err)
		reply.OK = false
		return err
	}
	reply.OK = true
	return nil
}

func (h *launchHandler) TerminateTask(req *rpcapi.TerminateOnNodeRequest, reply *rpcapi.TerminateOnNodeReply) error {
	if err := h.jobs.Terminate(req.JobID, structs.TerminateUserCancel); err != nil {
		return err
	}
	reply.OK = true
	return nil
}

// Shutdown drains every component in the order spec.md §5 describes:
// the Job Manager stops admitting first, each Supervisor gets a graceful
// Terminate, and the Controller Client is the last thing to go so any
// final status changes still have a chance to be delivered.
func (a *Agent) Shutdown() {
	a.closing.Do(func() {
		a.logger.Info("agent shutting down")

		for _, id := range a.jobs.Instances() {
			if err := a.jobs.Terminate(id, structs.TerminateAgentShutdown); err != nil {
				a.logger.Warn("failed to terminate job during shutdown", "job", id, "error", err)
			}
		}

		a.jobs.Stop()
		a.ctld.Stop()

		if a.callbackListener != nil {
			_ = a.callbackListener.Close()
		}
		if a.launchListener != nil {
			_ = a.launchListener.Close()
		}
		a.runWg.Wait()
	})
}
