// Command supervisor is the per-job Supervisor binary the Agent forks
// for every admitted job (spec.md §4.3). Its sole command-line
// argument is the job id; everything else arrives over the
// ExecuteTask RPC once its local socket is up.
package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	log "github.com/hashicorp/go-hclog"

	"github.com/cranesched/craned/internal/rpcapi"
	"github.com/cranesched/craned/internal/structs"
	"github.com/cranesched/craned/internal/supervisor"
)

func main() {
	if len(os.Args) >= 2 && os.Args[1] == supervisor.CgroupInitArg {
		runCgroupInit(os.Args[2:])
	}

	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: supervisor <job-id>")
		os.Exit(2)
	}
	id, err := strconv.ParseUint(os.Args[1], 10, 32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid job id %q: %v\n", os.Args[1], err)
		os.Exit(2)
	}
	jobID := structs.JobID(id)

	logger := log.New(&log.LoggerOptions{
		Name:       fmt.Sprintf("supervisor.%d", jobID),
		Level:      log.Info,
		JSONFormat: true,
	})

	supervisorDir := os.Getenv("CRANED_SUPERVISOR_DIR")
	if supervisorDir == "" {
		supervisorDir = "/var/run/craned/supervisor"
	}
	callbackAddr := os.Getenv("CRANED_CALLBACK_ADDR")
	fanoutAddr := os.Getenv("CRANED_FANOUT_ADDR")
	cranedID := os.Getenv("CRANED_ID")

	readyWriter := os.NewFile(uintptr(rpcapi.SupervisorReadyFD), "readyfd")

	s := supervisor.New(logger, supervisor.Config{
		JobID:         jobID,
		SocketPath:    rpcapi.SupervisorSocketPath(supervisorDir, jobID),
		CallbackAddr:  callbackAddr,
		GraceInterval: 5 * time.Second,
		ReadyWriter:   readyWriter,
		FanoutAddr:    fanoutAddr,
		CranedID:      cranedID,
	})

	if err := s.Run(); err != nil {
		logger.Error("supervisor exited with error", "error", err)
		os.Exit(1)
	}
}

// runCgroupInit is the legacy-cgroup re-exec helper buildLegacyCommand
// (launch_linux.go) launches in place of the user's program directly:
// it attaches itself to the job's RCG while still root, drops to the
// task's uid/gid, and execs the real command. rest is
// os.Args[2:]: rawPaths, uid, gid, binPath, argv...; it never returns
// on success.
func runCgroupInit(rest []string) {
	if len(rest) < 4 {
		fmt.Fprintln(os.Stderr, "cgroup-init: missing arguments")
		os.Exit(1)
	}
	rawPaths, uidStr, gidStr, binPath := rest[0], rest[1], rest[2], rest[3]
	argv := rest[4:]

	uid, err := strconv.ParseUint(uidStr, 10, 32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cgroup-init: invalid uid %q: %v\n", uidStr, err)
		os.Exit(1)
	}
	gid, err := strconv.ParseUint(gidStr, 10, 32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cgroup-init: invalid gid %q: %v\n", gidStr, err)
		os.Exit(1)
	}

	if err := supervisor.RunCgroupInit(rawPaths, uint32(uid), uint32(gid), binPath, argv); err != nil {
		fmt.Fprintf(os.Stderr, "cgroup-init: %v\n", err)
		os.Exit(1)
	}
}
