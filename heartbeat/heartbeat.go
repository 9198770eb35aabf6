// Package heartbeat maintains a liveness file for a worker: a background
// ticker rewrites a state-tagged timestamp, and readers classify the worker
// as waiting, running, or terminated. A running record that has gone stale
// reads as terminated, but the file itself is never rewritten by a reader.
package heartbeat

import (
	"time"

	"github.com/kochi-hpc/kochi/codec"
	"github.com/kochi-hpc/kochi/logger"
)

type RunningState int

const (
	Invalid RunningState = iota
	Waiting
	Running
	Terminated
)

func (s RunningState) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Running:
		return "running"
	case Terminated:
		return "terminated"
	default:
		return "invalid"
	}
}

// Record is the on-disk heartbeat state.
type Record struct {
	RunningState RunningState `cbor:"running_state"`
	InitTime     int64        `cbor:"init_time"`
	StartTime    int64        `cbor:"start_time,omitempty"`
	LatestTime   int64        `cbor:"latest_time,omitempty"`
}

const (
	// DefaultInterval is how often the ticker refreshes the record.
	DefaultInterval = 3 * time.Second

	// DefaultMargin is how much staleness readers tolerate on a running
	// record before classifying the worker as terminated.
	DefaultMargin = 5 * time.Second
)

func now() int64 { return time.Now().Unix() }

// Init writes the initial waiting record.
func Init(path string) error {
	return codec.MarshalToFile(path, Record{
		RunningState: Waiting,
		InitTime:     now(),
	})
}

func update(path string, state RunningState) error {
	var rec Record
	if err := codec.UnmarshalFromFile(path, &rec); err != nil {
		return err
	}
	ts := now()
	if rec.RunningState == Waiting {
		rec.StartTime = ts
	}
	rec.RunningState = state
	rec.LatestTime = ts
	return codec.MarshalToFile(path, rec)
}

// Ticker periodically rewrites the heartbeat record in the background.
type Ticker struct {
	logger logger.Logger
	path   string
	stop   chan struct{}
	done   chan struct{}
}

// StartTicker begins refreshing the record at path every interval.
func StartTicker(l logger.Logger, path string, interval time.Duration) *Ticker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	t := &Ticker{
		logger: l,
		path:   path,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go t.run(interval)
	return t
}

func (t *Ticker) run(interval time.Duration) {
	defer close(t.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := update(t.path, Running); err != nil {
			t.logger.Error("Failed to update heartbeat %s: %v", t.path, err)
		}
		select {
		case <-ticker.C:
		case <-t.stop:
			if err := update(t.path, Terminated); err != nil {
				t.logger.Error("Failed to terminate heartbeat %s: %v", t.path, err)
			}
			return
		}
	}
}

// Close writes the terminated record, stops the ticker, and joins it.
func (t *Ticker) Close() {
	close(t.stop)
	<-t.done
}

// GetState reads and classifies the record at path using the default margin.
func GetState(path string) Record {
	return GetStateWithMargin(path, DefaultMargin)
}

// GetStateWithMargin reads the record at path. A running record whose latest
// timestamp is older than the margin is reported as terminated; a record
// that cannot be decoded is reported as invalid.
func GetStateWithMargin(path string, margin time.Duration) Record {
	var rec Record
	if err := codec.UnmarshalFromFile(path, &rec); err != nil {
		return Record{RunningState: Invalid}
	}
	if rec.RunningState == Running && rec.LatestTime+int64(margin/time.Second) < now() {
		rec.RunningState = Terminated
	}
	return rec
}
