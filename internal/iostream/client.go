// Package iostream implements the Interactive I/O Forwarding Client:
// for one Crun job on one Supervisor, it multiplexes reads of the
// child's output fds toward the FANOUT service and writes FANOUT's
// input frames back to the child, with ordered per-fd framing and
// one-slot write backpressure (spec.md §4.4).
package iostream

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/yamux"

	"github.com/cranesched/craned/internal/craneerr"
	"github.com/cranesched/craned/internal/structs"
)

// State is the stream's lifecycle position (spec.md §4.4).
type State int

const (
	Registering State = iota
	Forwarding
	Unregistering
	End
)

// outputChunk is one ordered read off a child fd, destined for FANOUT.
type outputChunk struct {
	stream string
	data   []byte
}

// Client owns the bidirectional stream to FANOUT for one job.
type Client struct {
	logger   hclog.Logger
	cranedID string
	jobID    structs.JobID
	stepID   uint32

	fanoutAddr string

	mu      sync.Mutex
	state   State
	stream  net.Conn
	session *yamux.Session

	outputQ  chan outputChunk
	input    io.Writer
	inputErr bool // a write to input failed (e.g. EPIPE); subsequent input is dropped (spec.md §4.4)

	stopCh   chan struct{}
	drainedCh chan struct{}
	watchers sync.WaitGroup
}

func NewClient(logger hclog.Logger, fanoutAddr, cranedID string, jobID structs.JobID, stepID uint32) *Client {
	return &Client{
		logger:    logger.Named(fmt.Sprintf("iostream.%d", jobID)),
		cranedID:  cranedID,
		jobID:     jobID,
		stepID:    stepID,
		fanoutAddr: fanoutAddr,
		outputQ:   make(chan outputChunk, 256),
		stopCh:    make(chan struct{}),
		drainedCh: make(chan struct{}),
	}
}

// Start dials FANOUT, multiplexes a stream over yamux, and performs
// the Registering handshake. On success the client enters Forwarding
// and this call returns; the drain loop and any attached watchers run
// in background goroutines.
func (c *Client) Start() error {
	conn, err := net.DialTimeout("tcp", c.fanoutAddr, 10*time.Second)
	if err != nil {
		return craneerr.Wrap(craneerr.KindSystemErr, err)
	}

	session, err := yamux.Client(conn, nil)
	if err != nil {
		return craneerr.Wrap(craneerr.KindSystemErr, err)
	}

	stream, err := session.Open()
	if err != nil {
		return craneerr.Wrap(craneerr.KindSystemErr, err)
	}

	c.mu.Lock()
	c.session = session
	c.stream = stream
	c.state = Registering
	c.mu.Unlock()

	if err := WriteFrame(stream, KindRegister, RegisterPayload{
		CranedID: c.cranedID,
		JobID:    uint32(c.jobID),
		StepID:   c.stepID,
	}); err != nil {
		return craneerr.Wrap(craneerr.KindProtobufError, err)
	}

	ack, err := ReadFrame(stream)
	if err != nil {
		return craneerr.Wrap(craneerr.KindProtobufError, err)
	}
	if ack.Type != KindRegisterAck {
		return craneerr.New(craneerr.KindProtobufError, "expected REGISTER_ACK, got %s", ack.Type)
	}

	c.mu.Lock()
	c.state = Forwarding
	c.mu.Unlock()

	go c.drainLoop()
	go c.readLoop()
	return nil
}

// AddOutput starts a watcher that reads name's fd (e.g. "combined",
// "pty") in up to 4096-byte chunks and enqueues them in read order
// (spec.md §4.4's output-side contract). Any read error, including EOF
// and EIO on a pty, ends the watcher; r itself is not closed here.
func (c *Client) AddOutput(name string, r io.Reader) {
	c.watchers.Add(1)
	go func() {
		defer c.watchers.Done()
		buf := make([]byte, 4096)
		for {
			select {
			case <-c.stopCh:
				return
			default:
			}
			n, err := r.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case c.outputQ <- outputChunk{stream: name, data: chunk}:
				case <-c.stopCh:
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					c.logger.Debug("output fd closed", "stream", name, "error", err)
				}
				return
			}
		}
	}()
}

// SetInput installs the writer TASK_INPUT frames are relayed to (the
// child's stdin, or the pty master for a pty job).
func (c *Client) SetInput(w io.Writer) {
	c.mu.Lock()
	c.input = w
	c.inputErr = false
	c.mu.Unlock()
}

// drainLoop is the writer thread: it holds the one-slot "write
// pending" backpressure token implicitly, since a Go channel send
// followed by a blocking Write already serializes writes one at a
// time (spec.md §4.4).
func (c *Client) drainLoop() {
	defer close(c.drainedCh)
	for {
		select {
		case chunk := <-c.outputQ:
			c.mu.Lock()
			stream := c.stream
			c.mu.Unlock()
			if stream == nil {
				continue
			}
			err := WriteFrame(stream, KindTaskOutput, TaskOutputPayload{
				JobID:  uint32(c.jobID),
				Stream: chunk.stream,
				Data:   chunk.data,
			})
			if err != nil {
				c.logger.Error("failed to write TASK_OUTPUT frame", "error", err)
			}
		case <-c.stopCh:
			// Drain whatever is already queued before unregistering,
			// per spec.md §4.4 ("drain thread finishes its queue").
			for {
				select {
				case chunk := <-c.outputQ:
					c.mu.Lock()
					stream := c.stream
					c.mu.Unlock()
					if stream != nil {
						_ = WriteFrame(stream, KindTaskOutput, TaskOutputPayload{
							JobID:  uint32(c.jobID),
							Stream: chunk.stream,
							Data:   chunk.data,
						})
					}
				default:
					return
				}
			}
		}
	}
}

// readLoop consumes inbound frames: TASK_INPUT is written to the
// child's input fd with retry on partial writes; unknown reply types
// are skipped and the next read is re-issued (spec.md §4.4, §8).
func (c *Client) readLoop() {
	for {
		c.mu.Lock()
		stream := c.stream
		c.mu.Unlock()
		if stream == nil {
			return
		}

		frame, err := ReadFrame(stream)
		if err != nil {
			select {
			case <-c.stopCh:
			default:
				c.logger.Debug("read loop ending", "error", err)
			}
			return
		}

		switch frame.Type {
		case KindTaskInput:
			var payload TaskInputPayload
			if err := decodePayload(frame.Payload, &payload); err != nil {
				continue
			}
			c.writeInput(payload.Data)
		case KindUnregisterReply:
			return
		default:
			// Unknown reply type: ignored, next read re-issued.
			continue
		}
	}
}

func (c *Client) writeInput(data []byte) {
	c.mu.Lock()
	w := c.input
	dropped := c.inputErr
	c.mu.Unlock()
	if w == nil || dropped {
		return
	}

	for len(data) > 0 {
		n, err := w.Write(data)
		if err != nil {
			c.mu.Lock()
			c.inputErr = true
			c.mu.Unlock()
			return
		}
		data = data[n:]
	}
}

// Shutdown is cooperative: it stops all watchers, drains the output
// queue, sends SUPERVISOR_UNREGISTER, then waits a fixed two seconds
// before closing the stream (spec.md §4.4). It does not check whether
// UNREGISTER_REPLY arrived within that window.
func (c *Client) Shutdown() {
	c.mu.Lock()
	if c.state == End {
		c.mu.Unlock()
		return
	}
	c.state = Unregistering
	stream := c.stream
	c.mu.Unlock()

	close(c.stopCh)
	c.watchers.Wait()
	<-c.drainedCh

	if stream != nil {
		_ = WriteFrame(stream, KindUnregister, nil)
		// readLoop returns when it reads UNREGISTER_REPLY, but nothing
		// here waits on that: the stream is closed after a fixed window.
		done := make(chan struct{})
		go func() {
			time.Sleep(2 * time.Second)
			close(done)
		}()
		<-done
		_ = stream.Close()
	}

	c.mu.Lock()
	if c.session != nil {
		_ = c.session.Close()
	}
	c.state = End
	c.mu.Unlock()
}
