//go:build linux

package supervisor

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/creack/pty"

	"github.com/cranesched/craned/internal/rcg"
	"github.com/cranesched/craned/internal/rpcapi"
)

// CgroupInitArg is the sentinel argv[1] cmd/supervisor checks for
// before doing anything else. buildCommand re-execs the Supervisor's
// own binary under this flag for legacy-cgroup jobs, since cgroups v1
// has no clone-time equivalent of CLONE_INTO_CGROUP: the re-exec'd
// process attaches itself to the RCG while still root, drops
// privileges, and execs the user's program, satisfying spec.md §3's
// "child is always a member of the RCG ... before it calls exec"
// without the brief post-Start race a simple attach-after-Start would
// have.
const CgroupInitArg = "-cranesched-cgroup-init"

// buildCommand assembles the exec.Cmd for req's child, per spec.md
// §4.3's launch protocol: argv[0] is the literal "CraneScript", an
// optional "--login" precedes the script path, the environment is
// exactly req.Env (no inheritance from the Supervisor's own). RCG
// placement happens before exec in both supported modes: unified via
// CLONE_INTO_CGROUP (SysProcAttr.UseCgroupFD/CgroupFD), legacy via the
// CgroupInitArg re-exec below. The returned closer releases any fd
// buildCommand itself opened, once Start has consumed it.
func buildCommand(req *rpcapi.ExecuteTaskRequest) (cmd *exec.Cmd, closer func(), err error) {
	args := []string{"CraneScript"}
	if req.LoginShell {
		args = append(args, "--login")
	}
	args = append(args, req.ScriptPath)

	switch req.RCGMode {
	case rcg.Unified:
		return buildUnifiedCommand(req, args)
	case rcg.Legacy:
		return buildLegacyCommand(req, args)
	default:
		// Off/Hybrid: no resource-control groups active on this node
		// (e.g. a non-root development environment). Proceeding
		// unconfined is preferable to refusing to run jobs at all.
		return buildUnconfinedCommand(req, args)
	}
}

func credential(req *rpcapi.ExecuteTaskRequest) *syscall.Credential {
	return &syscall.Credential{Uid: req.UID, Gid: req.GID, Groups: []uint32{req.GID}}
}

func buildUnconfinedCommand(req *rpcapi.ExecuteTaskRequest, args []string) (*exec.Cmd, func(), error) {
	cmd := &exec.Cmd{
		Path: "/bin/bash",
		Args: args,
		Dir:  req.Cwd,
		Env:  flattenEnv(req.Env),
		SysProcAttr: &syscall.SysProcAttr{
			Credential: credential(req),
			Setpgid:    true,
		},
	}
	return cmd, func() {}, nil
}

// buildUnifiedCommand opens the job's unified cgroup directory and
// asks the kernel to place the forked child into it at clone time
// (CLONE_INTO_CGROUP), so there is no window between fork and exec
// where the child is unconfined.
func buildUnifiedCommand(req *rpcapi.ExecuteTaskRequest, args []string) (*exec.Cmd, func(), error) {
	dir, err := os.Open(req.RCGPaths["unified"])
	if err != nil {
		return nil, nil, err
	}

	cmd := &exec.Cmd{
		Path: "/bin/bash",
		Args: args,
		Dir:  req.Cwd,
		Env:  flattenEnv(req.Env),
		SysProcAttr: &syscall.SysProcAttr{
			Credential:  credential(req),
			Setpgid:     true,
			UseCgroupFD: true,
			CgroupFD:    int(dir.Fd()),
		},
	}
	return cmd, func() { _ = dir.Close() }, nil
}

// buildLegacyCommand re-execs the Supervisor's own binary as root
// under CgroupInitArg instead of the user's program directly:
// RunCgroupInit writes the re-exec'd process's own pid into every
// legacy controller path while still privileged, then drops to
// req.UID/req.GID and execs /bin/bash. Credential is deliberately not
// set on this exec.Cmd's SysProcAttr — dropping privilege here, before
// RunCgroupInit runs, would leave it unable to write cgroup.procs.
func buildLegacyCommand(req *rpcapi.ExecuteTaskRequest, args []string) (*exec.Cmd, func(), error) {
	self, err := os.Executable()
	if err != nil {
		return nil, nil, err
	}

	paths := make([]string, 0, len(req.RCGPaths))
	for _, p := range req.RCGPaths {
		paths = append(paths, p)
	}

	initArgs := append([]string{
		"craned-cginit",
		CgroupInitArg,
		strings.Join(paths, ","),
		strconv.FormatUint(uint64(req.UID), 10),
		strconv.FormatUint(uint64(req.GID), 10),
		"/bin/bash",
	}, args...)

	cmd := &exec.Cmd{
		Path: self,
		Args: initArgs,
		Dir:  req.Cwd,
		Env:  flattenEnv(req.Env),
		SysProcAttr: &syscall.SysProcAttr{
			Setpgid: true,
		},
	}
	return cmd, func() {}, nil
}

// RunCgroupInit is cmd/supervisor's entire job when invoked with
// CgroupInitArg as argv[1]: attach the calling (still-root) process to
// every legacy controller path in rawPaths, drop to uid/gid, and exec
// binPath/argv. It only returns on failure; success replaces the
// process image and never returns at all.
func RunCgroupInit(rawPaths string, uid, gid uint32, binPath string, argv []string) error {
	pid := os.Getpid()
	for _, p := range strings.Split(rawPaths, ",") {
		if p == "" {
			continue
		}
		if err := os.WriteFile(p+"/cgroup.procs", []byte(strconv.Itoa(pid)), 0); err != nil {
			return fmt.Errorf("cgroup-init: attach via %s: %w", p, err)
		}
	}

	if err := syscall.Setgroups([]int{int(gid)}); err != nil {
		return fmt.Errorf("cgroup-init: setgroups: %w", err)
	}
	if err := syscall.Setresgid(int(gid), int(gid), int(gid)); err != nil {
		return fmt.Errorf("cgroup-init: setresgid: %w", err)
	}
	if err := syscall.Setresuid(int(uid), int(uid), int(uid)); err != nil {
		return fmt.Errorf("cgroup-init: setresuid: %w", err)
	}

	if err := syscall.Exec(binPath, argv, os.Environ()); err != nil {
		return fmt.Errorf("cgroup-init: exec %s: %w", binPath, err)
	}
	return nil
}

func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}

// attachBatchFiles opens the resolved stdout/stderr paths and wires
// them as the child's fd 1/2, per spec.md §4.3 ("open(stdout_path,
// O_RDWR|O_CREAT|O_TRUNC, 0644) then dup into 1 and 2, or stderr into
// 2 if distinct"). The opened files are closed once Start has handed
// its own duplicates to the child.
func attachBatchFiles(cmd *exec.Cmd, req *rpcapi.ExecuteTaskRequest) (closer func(), err error) {
	out, err := os.OpenFile(req.StdoutPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	cmd.Stdout = out

	if req.MergeStderr {
		cmd.Stderr = out
		return func() { _ = out.Close() }, nil
	}

	errFile, err := os.OpenFile(req.StderrPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		_ = out.Close()
		return nil, err
	}
	cmd.Stderr = errFile
	return func() { _ = out.Close(); _ = errFile.Close() }, nil
}

// attachPty opens a pty pair, makes the slave the child's controlling
// terminal on fds 0/1/2, and returns the master as the Supervisor's
// single I/O-forwarding endpoint (spec.md §4.3 "Pty mode"). The
// returned closer releases the Supervisor's copy of the slave once
// Start has handed the child its own.
func attachPty(cmd *exec.Cmd) (master *os.File, closer func(), err error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, nil, err
	}
	cmd.Stdin = slave
	cmd.Stdout = slave
	cmd.Stderr = slave
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true
	cmd.SysProcAttr.Setctty = true

	return master, func() { _ = slave.Close() }, nil
}

// attachPipes wires a pair of pipes for a non-pty Crun job: the
// child's stdin reads from one, its stdout/stderr (merged) write to
// the other. Returns the Supervisor-side ends: a writer to push
// TASK_INPUT bytes into, a reader to pull output from, and a closer
// for the child-side ends once Start has duplicated them (spec.md
// §4.3, "the two ends of a socketpair").
func attachPipes(cmd *exec.Cmd) (in io.WriteCloser, out io.Reader, closer func(), err error) {
	stdinRead, stdinWrite, err := os.Pipe()
	if err != nil {
		return nil, nil, nil, err
	}
	stdoutRead, stdoutWrite, err := os.Pipe()
	if err != nil {
		_ = stdinRead.Close()
		_ = stdinWrite.Close()
		return nil, nil, nil, err
	}

	cmd.Stdin = stdinRead
	cmd.Stdout = stdoutWrite
	cmd.Stderr = stdoutWrite

	return stdinWrite, stdoutRead, func() {
		_ = stdinRead.Close()
		_ = stdoutWrite.Close()
	}, nil
}
