package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tanq16/rangeget/httpx"
	"github.com/tanq16/rangeget/ranges"
	"github.com/tanq16/rangeget/uerror"
	"github.com/tanq16/rangeget/utils"
)

// Worker lifecycle as the supervisor sees it.
const (
	phaseNone int32 = iota
	phaseRunning
	phaseFinished
	phaseInterrupted
)

// workerState is a worker's outcome: Finished with no error, or
// Interrupted with the last error it recorded (the fatal error that
// stopped it, or a retryable one that was never followed by a clean
// transfer before the partition ran dry). While running, err
// holds the most recent failure so the supervisor can aggregate when
// nobody makes progress.
type workerState struct {
	mu    sync.Mutex
	phase int32
	err   *uerror.Error
}

func (s *workerState) setPhase(phase int32) {
	s.mu.Lock()
	s.phase = phase
	s.mu.Unlock()
}

func (s *workerState) record(err *uerror.Error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *workerState) snapshot() (int32, *uerror.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase, s.err
}

// runMultiStream downloads with parallel range requests. Workers pull
// blocks from the ranged file until the partition is exhausted; the
// supervisor reports progress, checkpoints every few seconds, and
// aggregates worker errors when the whole pool has stalled.
func (j *job) runMultiStream(attr httpx.FileAttribute) error {
	if err := j.rf.Reserve(attr.ContentLength, j.prefs.BlockSize); err != nil {
		return err
	}
	if err := j.rf.Open(j.path); err != nil {
		return err
	}

	states := make([]*workerState, j.prefs.Connections)
	var wg sync.WaitGroup
	for i := range j.prefs.Connections {
		states[i] = &workerState{}
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			j.worker(id, states[id])
		}(i)
	}

	err := j.supervise(states)
	wg.Wait()

	if err == nil && j.flag.running() {
		j.report(j.rf.Processed())
	}
	return err
}

// worker pulls blocks and transfers them until the partition runs dry
// or the shared flag leaves Running. A fatal error interrupts the
// worker; a retryable one is recorded and the worker keeps going.
func (j *job) worker(id int, state *workerState) {
	log := utils.GetLogger("worker").With().Int("workerId", id).Logger()
	state.setPhase(phaseRunning)

	var block ranges.Block
	for j.flag.running() && j.rf.Allocate(&block) {
		terr := j.transferBlock(&block, log)
		if terr != nil {
			state.record(terr)
			if terr.Fatal {
				log.Debug().Err(terr).Msg("Worker stopped by fatal error")
				state.setPhase(phaseInterrupted)
				return
			}
			log.Debug().Err(terr).Msg("Retrying after transient error")
			continue
		}
		state.record(nil)
	}

	if _, err := state.snapshot(); err != nil {
		state.setPhase(phaseInterrupted)
	} else {
		state.setPhase(phaseFinished)
	}
}

// transferBlock performs one ranged GET and fills the block with the
// response body. The block is always returned to the coordinator, in
// whatever state it reached.
func (j *job) transferBlock(block *ranges.Block, log zerolog.Logger) *uerror.Error {
	defer func() {
		if err := j.rf.Deallocate(*block); err != nil {
			log.Debug().Err(err).Stringer("block", block).Msg("Deallocate failed")
		}
	}()

	status := 0
	var transportErr, fsErr error

	ctx, wd := httpx.NewWatchdog(context.Background(), stallTimeout)
	defer wd.Stop()

	req, err := http.NewRequestWithContext(ctx, "GET", j.url, nil)
	if err != nil {
		transportErr = err
	} else {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", block.Start, block.End))
		resp, err := j.client.Do(req)
		if err != nil {
			transportErr = err
		} else {
			status = resp.StatusCode
			if status == http.StatusOK || status == http.StatusPartialContent {
				transportErr, fsErr = j.fillFromBody(block, resp.Body, wd)
			}
			resp.Body.Close()
		}
	}
	transportErr = unmaskStall(ctx, transportErr)

	return uerror.Translate(status, transportErr, fsErr, j.flag.cancelled())
}

// unmaskStall replaces a cancellation raised by the stall watchdog with
// its cause, so it classifies as a retryable network failure instead of
// a user abort.
func unmaskStall(ctx context.Context, transportErr error) error {
	if transportErr == nil {
		return nil
	}
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return transportErr
}

// fillFromBody copies the response body into the block, stopping at the
// block boundary (a server ignoring the Range header sends the whole
// file) and when the shared flag leaves Running.
func (j *job) fillFromBody(block *ranges.Block, body io.Reader, wd *httpx.Watchdog) (transportErr, fsErr error) {
	buffer := make([]byte, bufferSize)
	for {
		if !j.flag.running() {
			return uerror.ErrAborted, nil
		}
		if block.Remaining() == 0 {
			return nil, nil
		}
		limit := min(int64(len(buffer)), block.Remaining())
		n, readErr := body.Read(buffer[:limit])
		if n > 0 {
			wd.Kick()
			if werr := j.rf.Fill(block, buffer[:n]); werr != nil {
				return uerror.ErrAborted, werr
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				if block.Remaining() > 0 {
					return io.ErrUnexpectedEOF, nil
				}
				return nil, nil
			}
			return readErr, nil
		}
	}
}

// supervise runs on the caller's goroutine until the download is full,
// all workers finished cleanly, or the flag leaves Running. Once the
// timeout budget is spent and every worker is in an error state, the
// modal error across the pool becomes the download's error.
func (j *job) supervise(states []*workerState) error {
	log := utils.GetLogger("supervisor")
	lastDump := time.Now()

	for j.flag.running() && !j.rf.IsFull() {
		allClean := true
		anyError := false
		for _, s := range states {
			phase, err := s.snapshot()
			if phase == phaseFinished && err == nil {
				continue
			}
			allClean = false
			if err != nil {
				anyError = true
			}
		}
		if allClean {
			break
		}

		if j.elapsed() > j.prefs.Timeout && anyError {
			if code, ok := aggregateErrors(states); ok {
				j.flag.set(flagFailed)
				log.Debug().Stringer("code", code).Msg("All workers errored, giving up")
				return uerror.New(code)
			}
		}

		if !j.report(j.rf.Processed()) {
			return uerror.New(uerror.OperationInterrupted)
		}

		if time.Since(lastDump) >= dumpInterval {
			if err := j.rf.Dump(); err != nil {
				log.Debug().Err(err).Msg("Checkpoint failed")
			}
			lastDump = time.Now()
		}

		time.Sleep(j.prefs.Interval)
	}

	if j.flag.cancelled() {
		return uerror.New(uerror.OperationInterrupted)
	}
	return nil
}

// aggregateErrors picks the most frequent error code across the pool.
// It reports false while any worker is still clean, i.e. someone may
// yet make progress.
func aggregateErrors(states []*workerState) (uerror.Code, bool) {
	counts := make(map[uerror.Code]int)
	for _, s := range states {
		_, err := s.snapshot()
		if err == nil {
			return uerror.Succeed, false
		}
		counts[err.Code]++
	}
	var modal uerror.Code
	best := 0
	for code, n := range counts {
		if n > best {
			modal, best = code, n
		}
	}
	return modal, best > 0
}
