package download

import (
	"os"
	"time"

	"github.com/tanq16/rangeget/httpx"
	"github.com/tanq16/rangeget/rangefile"
	"github.com/tanq16/rangeget/uerror"
	"github.com/tanq16/rangeget/utils"
)

// DownloadFile downloads url to path, using parallel range requests
// when the server supports them and the resource is large enough to
// benefit. An interrupted download leaves <path>.temp and <path>.meta
// behind and resumes from them on the next call.
func DownloadFile(url, path string, progress Progress, prefs Preferences) (err error) {
	log := utils.GetLogger("download")
	prefs = prefs.withDefaults()
	flag := &cancelFlag{}
	start := time.Now()

	client := httpx.NewClient(httpx.ClientConfig{
		UserAgent: prefs.UserAgent,
		Headers:   prefs.Headers,
		ProxyURL:  prefs.ProxyURL,
		VerifyTLS: prefs.VerifyTLS,
	})

	var attr httpx.FileAttribute
	attr.ContentLength = -1
	if prefs.Connections > 1 {
		for {
			var perr error
			attr, perr = httpx.Probe(client, url, 0)
			if perr == nil {
				break
			}
			if uerror.CodeOf(perr) == uerror.NetworkError && time.Since(start) < prefs.Timeout {
				time.Sleep(prefs.Interval)
				continue
			}
			return perr
		}
	}

	if _, serr := os.Stat(path); serr == nil {
		if rerr := os.Remove(path); rerr != nil {
			return uerror.TranslateFilesystem(rerr)
		}
	}

	rf := rangefile.New()
	defer func() {
		if !rf.Opened() {
			return
		}
		if cerr := rf.Close(err == nil); cerr != nil {
			log.Debug().Err(cerr).Msg("Closing ranged file failed")
			if err == nil {
				err = cerr
			}
		}
	}()

	job := &job{
		url:      url,
		path:     path,
		client:   client,
		rf:       rf,
		progress: progress,
		prefs:    prefs,
		flag:     flag,
		start:    start,
	}

	if useDirectMode(attr, prefs) {
		log.Debug().Str("url", url).Int64("length", attr.ContentLength).Msg("Using direct mode")
		return job.runDirect(attr)
	}
	log.Debug().Str("url", url).Int64("length", attr.ContentLength).Int("connections", prefs.Connections).Msg("Using multi-stream mode")
	return job.runMultiStream(attr)
}

// useDirectMode picks single-stream streaming when ranges are
// unavailable or not worth the fan-out.
func useDirectMode(attr httpx.FileAttribute, prefs Preferences) bool {
	switch {
	case attr.ContentLength == -1:
		return true
	case attr.ContentLength <= prefs.BlockSize:
		return true
	case !attr.SupportsRanges():
		return true
	case attr.ContentLength < prefs.SmallFileCutoff:
		return true
	}
	return false
}

// GetFileLength returns the length of the resource at url, -1 when the
// server does not report one.
func GetFileLength(url string) (int64, error) {
	attr, err := GetFileAttribute(url, nil, 0)
	if err != nil {
		return -1, err
	}
	return attr.ContentLength, nil
}

type job struct {
	url      string
	path     string
	client   *httpx.Client
	rf       *rangefile.RangedFile
	progress Progress
	prefs    Preferences
	flag     *cancelFlag
	start    time.Time
}

func (j *job) elapsed() time.Duration {
	return time.Since(j.start)
}

// report invokes the progress callback; a false return flips the shared
// flag to cancelled.
func (j *job) report(processed int64) bool {
	if j.progress == nil {
		return true
	}
	if !j.progress(j.rf.Total(), processed) {
		j.flag.set(flagCancelled)
		return false
	}
	return true
}
