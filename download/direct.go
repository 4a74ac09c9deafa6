package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tanq16/rangeget/httpx"
	"github.com/tanq16/rangeget/uerror"
	"github.com/tanq16/rangeget/utils"
)

// runDirect streams the resource over a single connection, appending
// chunks in arrival order. Used when the length is unknown, the server
// ignores ranges, or the file is too small to bother splitting.
func (j *job) runDirect(attr httpx.FileAttribute) error {
	log := utils.GetLogger("direct")
	if err := j.rf.Reserve(attr.ContentLength, 0); err != nil {
		return err
	}
	if err := j.rf.Open(j.path); err != nil {
		return err
	}

	for {
		status, transportErr, fsErr := j.streamOnce(j.rf.Processed())
		terr := uerror.Translate(status, transportErr, fsErr, j.flag.cancelled())
		if terr == nil && transportErr == nil && fsErr == nil {
			j.report(j.rf.Processed())
			return nil
		}
		if terr == nil {
			// aborted without user cancellation: the cause was already
			// translated at its source
			return uerror.New(uerror.RuntimeError)
		}
		if !terr.Fatal && j.elapsed() < j.prefs.Timeout {
			log.Debug().Err(terr).Msg("Retrying direct download")
			time.Sleep(j.prefs.Interval)
			continue
		}
		return terr
	}
}

// streamOnce performs one GET attempt, filling the file as chunks
// arrive. A positive offset asks the server to continue where the
// previous attempt stopped; a server that answers such a request with a
// full 200 body cannot be resumed and ends the download. The returned
// transport error is ErrAborted when the progress callback stopped the
// transfer; fsErr carries any write failure.
func (j *job) streamOnce(offset int64) (status int, transportErr, fsErr error) {
	ctx, wd := httpx.NewWatchdog(context.Background(), stallTimeout)
	defer wd.Stop()

	req, err := http.NewRequestWithContext(ctx, "GET", j.url, nil)
	if err != nil {
		return 0, err, nil
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	resp, err := j.client.Do(req)
	if err != nil {
		return 0, unmaskStall(ctx, err), nil
	}
	defer resp.Body.Close()
	status = resp.StatusCode
	if status != http.StatusOK && status != http.StatusPartialContent {
		return status, nil, nil
	}
	if offset > 0 && status != http.StatusPartialContent {
		// restarting from zero would duplicate the bytes already written
		return 0, nil, nil
	}

	buffer := make([]byte, bufferSize)
	for {
		n, readErr := resp.Body.Read(buffer)
		if n > 0 {
			wd.Kick()
			if werr := j.rf.FillStream(buffer[:n]); werr != nil {
				return status, uerror.ErrAborted, werr
			}
			if !j.report(j.rf.Processed()) {
				return status, uerror.ErrAborted, nil
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return status, nil, nil
			}
			return status, unmaskStall(ctx, readErr), nil
		}
	}
}
