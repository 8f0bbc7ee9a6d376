//go:build !linux

package supervisor

import (
	"io"
	"os"
	"os/exec"

	"github.com/cranesched/craned/internal/craneerr"
	"github.com/cranesched/craned/internal/rpcapi"
)

// CgroupInitArg mirrors launch_linux.go's sentinel so cmd/supervisor's
// dispatch check compiles on every platform; RunCgroupInit below always
// fails since there is nothing to attach to off Linux.
const CgroupInitArg = "-cranesched-cgroup-init"

func buildCommand(req *rpcapi.ExecuteTaskRequest) (*exec.Cmd, func(), error) {
	return nil, nil, craneerr.New(craneerr.KindSystemErr, "supervisor: job execution is only supported on linux")
}

func RunCgroupInit(rawPaths string, uid, gid uint32, binPath string, argv []string) error {
	return craneerr.New(craneerr.KindSystemErr, "supervisor: job execution is only supported on linux")
}

func attachBatchFiles(cmd *exec.Cmd, req *rpcapi.ExecuteTaskRequest) (func(), error) {
	return nil, craneerr.New(craneerr.KindSystemErr, "supervisor: job execution is only supported on linux")
}

func attachPty(cmd *exec.Cmd) (*os.File, func(), error) {
	return nil, nil, craneerr.New(craneerr.KindSystemErr, "supervisor: job execution is only supported on linux")
}

func attachPipes(cmd *exec.Cmd) (io.WriteCloser, io.Reader, func(), error) {
	return nil, nil, nil, craneerr.New(craneerr.KindSystemErr, "supervisor: job execution is only supported on linux")
}
