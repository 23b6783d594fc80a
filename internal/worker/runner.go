package worker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"model-run-scheduler/internal/config"
	"model-run-scheduler/internal/models"
)

// Publisher copies produced artifacts somewhere durable and returns their URIs.
type Publisher interface {
	Publish(ctx context.Context, jobID, dir string, files []string) ([]string, error)
}

// Outcome is the classified result of one process execution.
type Outcome struct {
	Status  models.Status
	Results models.Results
}

// Runner spawns the model executable for a single job.
type Runner struct {
	executable   string
	args         []string
	env          []string
	outputSuffix string
	waitDelay    time.Duration
	maxOutput    int
	publisher    Publisher
	log          *logrus.Entry
}

// NewRunner builds a runner from config. publisher may be nil.
func NewRunner(cfg config.Config, publisher Publisher, log *logrus.Entry) *Runner {
	suffix := cfg.OutputSuffix
	if suffix == "" {
		suffix = ".spectrum1"
	}
	return &Runner{
		executable:   cfg.ExecutablePath,
		args:         cfg.ExecutableArgs,
		env:          cfg.ExecutableEnv,
		outputSuffix: suffix,
		waitDelay:    cfg.ProcessWaitDelay,
		maxOutput:    cfg.MaxOutputBytes,
		publisher:    publisher,
		log:          log,
	}
}

// Run executes the job and classifies the outcome. A successful exit without a
// matching artifact in the output directory is a failure. Cancelling ctx kills
// the process.
func (r *Runner) Run(ctx context.Context, job models.Job) Outcome {
	log := r.log.WithField("job_id", job.ID)

	if err := os.MkdirAll(job.OutputDir, 0o755); err != nil {
		return failed(fmt.Sprintf("create output dir: %v", err), "")
	}

	cmd := exec.CommandContext(ctx, r.executable, r.args...)
	cmd.Dir = job.OutputDir
	cmd.Env = append(os.Environ(), r.env...)
	cmd.Env = append(cmd.Env, "MODEL_INPUT_FILE="+job.InputPath, "MODEL_RUN_ID="+job.ID)
	cmd.WaitDelay = r.waitDelay
	isolate(cmd)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	started := time.Now()
	log.WithField("executable", r.executable).Info("starting model process")
	err := cmd.Run()
	output := tail(out.String(), r.maxOutput)
	log = log.WithField("duration", time.Since(started).Round(time.Millisecond))
	if err != nil {
		log.WithError(err).Warn("model process failed")
		return failed(err.Error(), output)
	}

	entries, err := os.ReadDir(job.OutputDir)
	if err != nil {
		return failed(fmt.Sprintf("list output dir: %v", err), output)
	}
	var names, matched []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
		if strings.HasSuffix(e.Name(), r.outputSuffix) {
			matched = append(matched, e.Name())
		}
	}
	sort.Strings(names)
	if len(matched) == 0 {
		log.Warn("model process exited cleanly without output")
		return failed(models.MsgNoOutput, output)
	}

	res := models.Results{Output: output, OutputFiles: names}
	if r.publisher != nil {
		uris, err := r.publisher.Publish(ctx, job.ID, job.OutputDir, matched)
		if err != nil {
			log.WithError(err).Warn("publishing artifacts failed")
		}
		res.Published = uris
	}
	log.WithField("artifacts", len(matched)).Info("model process completed")
	return Outcome{Status: models.StatusCompleted, Results: res}
}

func failed(msg, output string) Outcome {
	return Outcome{
		Status:  models.StatusFailed,
		Results: models.Results{Output: output, Error: msg},
	}
}

// tail keeps at most the last max bytes of s, starting on a rune boundary.
// max <= 0 disables truncation.
func tail(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	i := len(s) - max
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return s[i:]
}
