// Package canceler implements filesystem-flag cancellation. The sentinel
// file is the single source of truth: a watcher next to a running job
// interrupts the job's process group when it appears, and readers of waiting
// job states synthesize a canceled outcome from its presence alone.
package canceler

import (
	"os"
	"time"

	"github.com/kochi-hpc/kochi/logger"
	"github.com/kochi-hpc/kochi/paths"
)

// DefaultInterval is how often a watcher polls for the sentinel.
const DefaultInterval = 5 * time.Second

// Cancel requests cancellation of a job by writing its sentinel file.
func Cancel(root paths.Root, machine string, jobID int) error {
	if err := os.MkdirAll(root.JobDir(machine), 0o755); err != nil {
		return err
	}
	return os.WriteFile(root.JobCancelReq(machine, jobID), []byte("canceled"), 0o644)
}

// Requested reports whether cancellation has been requested for a job.
func Requested(root paths.Root, machine string, jobID int) bool {
	_, err := os.Stat(root.JobCancelReq(machine, jobID))
	return err == nil
}

// Watcher polls for a job's cancel sentinel in the background.
type Watcher struct {
	stop chan struct{}
	done chan struct{}
}

// Watch starts a watcher that calls interrupt when the sentinel for the job
// appears. interrupt may be called more than once; it should signal the
// process group running the job.
func Watch(l logger.Logger, root paths.Root, machine string, jobID int, interval time.Duration, interrupt func()) *Watcher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	w := &Watcher{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if Requested(root, machine, jobID) {
					l.Notice("Cancellation requested for job %d; interrupting", jobID)
					interrupt()
				}
			case <-w.stop:
				return
			}
		}
	}()
	return w
}

// Close stops the watcher and joins it.
func (w *Watcher) Close() {
	close(w.stop)
	<-w.done
}
