// Package ctldclient implements the Controller Client: it holds the
// Agent's durable connection to CTLD, runs the configuration handshake
// on every (re)connect, and drains the status-change queue CTLD
// expects to see delivered at least once (spec.md §4.6).
package ctldclient

import (
	"context"
	"crypto/tls"
	"net"
	"net/rpc"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/consul/lib"
	"github.com/hashicorp/go-hclog"
	msgpackrpc "github.com/hashicorp/net-rpc-msgpackrpc"
	"github.com/hashicorp/yamux"

	"github.com/cranesched/craned/internal/config"
	"github.com/cranesched/craned/internal/craneerr"
	"github.com/cranesched/craned/internal/rpcapi"
	"github.com/cranesched/craned/internal/structs"
)

// LocalJobs is the subset of the Job Manager the Controller Client
// needs to run the recovery handshake: which jobs are alive on this
// node right now, and a way to tear down ones CTLD disavows. Defined
// consumer-side so this package never imports internal/jobmanager.
type LocalJobs interface {
	Instances() []structs.JobID
	Terminate(jobID structs.JobID, reason structs.TerminateReason) error
	Reconcile(job *structs.Job) error
}

// Client is the Controller Client component. It satisfies
// jobmanager.StatusSink by forwarding Enqueue and Withdraw to its queue.
type Client struct {
	logger hclog.Logger
	cfg    *config.Config
	local  LocalJobs

	queue *queue
	ready atomic.Bool

	mu      sync.Mutex
	session *yamux.Session

	stopCh chan struct{}
	doneCh chan struct{}
}

func New(logger hclog.Logger, cfg *config.Config, local LocalJobs) *Client {
	return &Client{
		logger: logger.Named("ctldclient"),
		cfg:    cfg,
		local:  local,
		queue:  newQueue(),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Enqueue implements jobmanager.StatusSink.
func (c *Client) Enqueue(change structs.StatusChange) { c.queue.Enqueue(change) }

// Withdraw implements jobmanager.StatusSink.
func (c *Client) Withdraw(jobID structs.JobID) { c.queue.Withdraw(jobID) }

// Ready reports whether the Agent currently has a live CTLD
// connection ("ready for CTLD requests", spec.md §4.6).
func (c *Client) Ready() bool { return c.ready.Load() }

// Run drives the reconnect loop until Stop is called.
func (c *Client) Run() {
	defer close(c.doneCh)

	backoff := c.cfg.CtldReconnectMinBackoff
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		if err := c.connectAndServe(); err != nil {
			c.logger.Warn("ctld connection ended", "error", err)
		}
		c.ready.Store(false)

		select {
		case <-c.stopCh:
			return
		case <-time.After(backoff + lib.RandomStagger(backoff)):
		}
		backoff *= 2
		if backoff > c.cfg.CtldReconnectMaxBackoff {
			backoff = c.cfg.CtldReconnectMaxBackoff
		}
	}
}

func (c *Client) Stop() {
	close(c.stopCh)
	c.queue.close()
	c.mu.Lock()
	if c.session != nil {
		_ = c.session.Close()
	}
	c.mu.Unlock()
	<-c.doneCh
}

// connectAndServe dials CTLD, runs the handshake, and then blocks
// draining the status-change queue over the connection until it
// fails or Stop is called. A fresh backoff window starts once this
// returns, matching the teacher's connection-pool retry shape in
// client/rpc.go.
func (c *Client) connectAndServe() error {
	conn, err := c.dial()
	if err != nil {
		return craneerr.Wrap(craneerr.KindSystemErr, err)
	}
	defer conn.Close()

	session, err := yamux.Client(conn, nil)
	if err != nil {
		return craneerr.Wrap(craneerr.KindSystemErr, err)
	}
	defer session.Close()

	c.mu.Lock()
	c.session = session
	c.mu.Unlock()

	if err := c.handshake(session); err != nil {
		return err
	}

	c.ready.Store(true)
	c.logger.Info("connected to controller")

	errCh := make(chan error, 1)
	go func() { errCh <- c.drainLoop(session) }()

	select {
	case <-c.stopCh:
		return nil
	case err := <-errCh:
		return err
	}
}

func (c *Client) dial() (net.Conn, error) {
	if c.cfg.TLSCertPath != "" && c.cfg.TLSKeyPath != "" {
		cert, err := tls.LoadX509KeyPair(c.cfg.TLSCertPath, c.cfg.TLSKeyPath)
		if err != nil {
			return nil, err
		}
		dialer := &tls.Dialer{Config: &tls.Config{Certificates: []tls.Certificate{cert}}}
		return dialer.DialContext(context.Background(), "tcp", c.cfg.CtldAddr)
	}
	return net.DialTimeout("tcp", c.cfg.CtldAddr, 10*time.Second)
}

// handshake runs the Configure / recovery / CranedReady exchange
// described in spec.md §4.6, each leg its own short-lived yamux
// stream carrying one net/rpc call.
func (c *Client) handshake(session *yamux.Session) error {
	configReply, err := c.callConfigure(session)
	if err != nil {
		return err
	}

	alive := c.local.Instances()
	aliveSet := make(map[structs.JobID]bool, len(alive))
	for _, id := range alive {
		aliveSet[id] = true
	}

	var nonexistent []structs.JobID
	knownToCtld := make(map[structs.JobID]bool, len(configReply.Jobs))
	for id := range configReply.Jobs {
		knownToCtld[id] = true
		if !aliveSet[id] {
			nonexistent = append(nonexistent, id)
		}
	}

	for _, id := range alive {
		if !knownToCtld[id] {
			c.logger.Warn("local job unknown to controller, terminating", "job", id)
			if err := c.local.Terminate(id, structs.TerminateUnknownToController); err != nil {
				c.logger.Error("failed to terminate unrecognized job", "job", id, "error", err)
			}
			continue
		}
		if job := configReply.Jobs[id]; job != nil {
			if err := c.local.Reconcile(job); err != nil {
				c.logger.Error("failed to reconcile recovered job", "job", id, "error", err)
			}
		}
	}

	return c.callCranedReady(session, nonexistent)
}

func (c *Client) callConfigure(session *yamux.Session) (*rpcapi.ConfigureReply, error) {
	stream, err := session.Open()
	if err != nil {
		return nil, craneerr.Wrap(craneerr.KindSystemErr, err)
	}
	defer stream.Close()

	client := rpc.NewClientWithCodec(msgpackrpc.NewClientCodec(stream))
	defer client.Close()

	req := &rpcapi.ConfigureRequest{Hostname: c.cfg.Hostname}
	var reply rpcapi.ConfigureReply
	if err := client.Call(rpcapi.MethodConfigure, req, &reply); err != nil {
		return nil, craneerr.Wrap(craneerr.KindSystemErr, err)
	}
	return &reply, nil
}

func (c *Client) callCranedReady(session *yamux.Session, nonexistent []structs.JobID) error {
	stream, err := session.Open()
	if err != nil {
		return craneerr.Wrap(craneerr.KindSystemErr, err)
	}
	defer stream.Close()

	client := rpc.NewClientWithCodec(msgpackrpc.NewClientCodec(stream))
	defer client.Close()

	req := &rpcapi.CranedReadyRequest{NonexistentJobs: nonexistent}
	var reply rpcapi.CranedReadyReply
	return client.Call(rpcapi.MethodCranedReady, req, &reply)
}

// drainLoop pops status changes and delivers each over its own
// stream on session, requeuing at the head on failure so per-job
// order survives a retry (spec.md §4.6).
func (c *Client) drainLoop(session *yamux.Session) error {
	for {
		change, ok := c.queue.pop()
		if !ok {
			return nil // queue closed
		}

		if err := c.deliver(session, change); err != nil {
			c.queue.requeueFront(change)
			return err
		}
	}
}

func (c *Client) deliver(session *yamux.Session, change structs.StatusChange) error {
	stream, err := session.Open()
	if err != nil {
		return craneerr.Wrap(craneerr.KindSystemErr, err)
	}
	defer stream.Close()

	client := rpc.NewClientWithCodec(msgpackrpc.NewClientCodec(stream))
	defer client.Close()

	req := &rpcapi.ReportStatusChangeRequest{Change: change}
	var reply rpcapi.ReportStatusChangeReply
	if err := client.Call(rpcapi.MethodReportStatusChange, req, &reply); err != nil {
		return craneerr.Wrap(craneerr.KindSystemErr, err)
	}
	if !reply.Acknowledged {
		return craneerr.New(craneerr.KindGenericFailure, "controller did not acknowledge status change for job %d", change.JobID)
	}
	return nil
}
