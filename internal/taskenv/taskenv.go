// Package taskenv builds the merged environment handed to a task's
// child process, and derives its batch output paths, per spec.md §4.2.
package taskenv

import (
	"fmt"
	"os/user"
	"strings"

	"github.com/cranesched/craned/internal/structs"
)

// Builder accumulates environment variables in the override order
// spec.md §4.2 specifies: job env, then user-env HOME/SHELL, then
// cluster identity vars, then TERM (Crun only), then CRANE_TIMELIMIT,
// then the resource-derived vars from the RCG manager.
type Builder struct {
	vars map[string]string
}

func NewBuilder() *Builder {
	return &Builder{vars: map[string]string{}}
}

func (b *Builder) merge(vars map[string]string) *Builder {
	for k, v := range vars {
		b.vars[k] = v
	}
	return b
}

// Build constructs the full environment for job's task. pwEntry may be
// nil if GetUserEnv was not requested or lookup failed elsewhere.
func Build(job *structs.Job, pwEntry *user.User, resourceVars map[string]string) map[string]string {
	b := NewBuilder()
	b.merge(job.Env)

	if job.GetUserEnv && pwEntry != nil {
		b.merge(map[string]string{
			"HOME":  pwEntry.HomeDir,
			"SHELL": defaultShell(pwEntry),
		})
	}

	b.merge(map[string]string{
		"CRANE_JOB_NODELIST": job.NodeList,
		"CRANE_EXCLUDES":     job.Excludes,
		"CRANE_JOB_NAME":     job.JobName,
		"CRANE_ACCOUNT":      job.Account,
		"CRANE_PARTITION":    job.Partition,
		"CRANE_QOS":          job.QOS,
		"CRANE_JOB_ID":       fmt.Sprintf("%d", job.ID),
	})

	if job.Kind == structs.InteractiveCrun && job.Crun.TermEnv != "" {
		b.merge(map[string]string{"TERM": job.Crun.TermEnv})
	}

	b.merge(map[string]string{"CRANE_TIMELIMIT": formatHHMMSS(job.TimeLimit)})

	b.merge(resourceVars)

	return b.vars
}

func defaultShell(pwEntry *user.User) string {
	// os/user does not expose the login shell portably; callers that
	// need the real value should look it up via the password database
	// directly and pass it through job.Env before Build runs. Falling
	// back to /bin/bash matches the Supervisor's own exec target.
	return "/bin/bash"
}

func formatHHMMSS(seconds uint64) string {
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// StdoutPath resolves the configured stdout pattern against job, per
// spec.md §4.2 point 3: %j/%u/%x substitution, relative-to-cwd
// resolution, trailing-slash default filename, empty-pattern default.
func StdoutPath(job *structs.Job) string {
	pattern := job.Batch.StdoutPattern
	if pattern == "" {
		return fmt.Sprintf("%s/Crane-%d.out", job.Cwd, job.ID)
	}
	return resolvePattern(job, pattern, fmt.Sprintf("Crane-%d.out", job.ID))
}

// StderrPath resolves the configured stderr pattern. An empty pattern
// means "merge into stdout", signalled by returning "" to the caller.
func StderrPath(job *structs.Job) (path string, mergeIntoStdout bool) {
	pattern := job.Batch.StderrPattern
	if pattern == "" {
		return "", true
	}
	return resolvePattern(job, pattern, fmt.Sprintf("Crane-%d.out", job.ID)), false
}

func resolvePattern(job *structs.Job, pattern, defaultName string) string {
	substituted := substitute(job, pattern)
	if strings.HasSuffix(substituted, "/") {
		substituted += defaultName
	}
	if !strings.HasPrefix(substituted, "/") {
		substituted = job.Cwd + "/" + substituted
	}
	return substituted
}

func substitute(job *structs.Job, pattern string) string {
	r := strings.NewReplacer(
		"%j", fmt.Sprintf("%d", job.ID),
		"%u", job.Username,
		"%x", job.JobName,
	)
	return r.Replace(pattern)
}
