package taskenv

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cranesched/craned/internal/structs"
)

func baseJob() *structs.Job {
	return &structs.Job{
		ID:        42,
		Username:  "alice",
		JobName:   "myjob",
		Cwd:       "/tmp",
		TimeLimit: 3725,
		Env:       map[string]string{"FOO": "bar"},
	}
}

func TestBuildOverrideOrder(t *testing.T) {
	job := baseJob()
	job.Kind = structs.InteractiveCrun
	job.Crun.TermEnv = "xterm-256color"

	env := Build(job, nil, map[string]string{"CRANE_MEM_PER_NODE": "128"})

	require.Equal(t, "bar", env["FOO"])
	require.Equal(t, "myjob", env["CRANE_JOB_NAME"])
	require.Equal(t, "42", env["CRANE_JOB_ID"])
	require.Equal(t, "xterm-256color", env["TERM"])
	require.Equal(t, "01:02:05", env["CRANE_TIMELIMIT"])
	require.Equal(t, "128", env["CRANE_MEM_PER_NODE"])
}

func TestBuildCrunWithoutTermEnvOmitsTerm(t *testing.T) {
	job := baseJob()
	job.Kind = structs.InteractiveCrun
	env := Build(job, nil, nil)
	_, ok := env["TERM"]
	require.False(t, ok)
}

func TestStdoutPathEmptyPatternDefaultsToCwd(t *testing.T) {
	job := baseJob()
	require.Equal(t, "/tmp/Crane-42.out", StdoutPath(job))
}

func TestStdoutPathTrailingSlashAppendsDefaultName(t *testing.T) {
	job := baseJob()
	job.Batch.StdoutPattern = "/var/log/jobs/"
	require.Equal(t, "/var/log/jobs/Crane-42.out", StdoutPath(job))
}

func TestStdoutPathSubstitutesPlaceholders(t *testing.T) {
	job := baseJob()
	job.Batch.StdoutPattern = "logs/%x-%u-%j.out"
	require.Equal(t, "/tmp/logs/myjob-alice-42.out", StdoutPath(job))
}

func TestStderrPathEmptyMeansMergeIntoStdout(t *testing.T) {
	job := baseJob()
	path, merge := StderrPath(job)
	require.True(t, merge)
	require.Empty(t, path)
}

func TestStderrPathAbsolutePatternUnchanged(t *testing.T) {
	job := baseJob()
	job.Batch.StderrPattern = "/var/log/job.err"
	path, merge := StderrPath(job)
	require.False(t, merge)
	require.Equal(t, "/var/log/job.err", path)
}
