package httpx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/tanq16/rangeget/uerror"
	"github.com/tanq16/rangeget/utils"
)

// DefaultProbeTimeout bounds the length/range probe.
const DefaultProbeTimeout = 3 * time.Second

// FileAttribute is what the probe learns about a remote resource.
type FileAttribute struct {
	ContentLength int64  // -1 when the server does not say
	ContentRange  string // raw Content-Range header, if any
	AcceptRanges  string // "bytes" when range requests are honored
	Header        http.Header
}

// SupportsRanges reports whether the probe found an Accept-Ranges value
// (or inferred one from a 206). Any non-empty value counts, including
// "none".
func (fa FileAttribute) SupportsRanges() bool {
	return fa.AcceptRanges != ""
}

// Probe determines the resource length and whether the server honors
// byte ranges. It issues a GET with `Range: bytes=0-` and discards the
// body after the headers arrive; redirects are followed. A 206 without
// an Accept-Ranges header still counts as range support.
func Probe(client *Client, rawURL string, timeout time.Duration) (FileAttribute, error) {
	log := utils.GetLogger("probe")
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}

	req, err := http.NewRequest("GET", rawURL, nil)
	if err != nil {
		return FileAttribute{}, uerror.Wrap(uerror.InvalidParam, err)
	}
	req.Header.Set("Range", "bytes=0-")

	probeClient := *client.client
	probeClient.Timeout = timeout
	resp, err := (&Client{client: &probeClient, config: client.config}).Do(req)
	if err != nil {
		if terr := uerror.Translate(0, err, nil, false); terr != nil {
			return FileAttribute{}, terr
		}
		return FileAttribute{}, uerror.Wrap(uerror.NetworkError, err)
	}
	defer resp.Body.Close()

	if terr := uerror.Translate(resp.StatusCode, nil, nil, false); terr != nil {
		return FileAttribute{}, terr
	}

	attr := FileAttribute{
		ContentLength: -1,
		ContentRange:  resp.Header.Get("Content-Range"),
		AcceptRanges:  resp.Header.Get("Accept-Ranges"),
		Header:        resp.Header.Clone(),
	}
	if resp.StatusCode == http.StatusPartialContent && attr.AcceptRanges == "" {
		attr.AcceptRanges = "bytes"
	}
	attr.ContentLength = contentLength(resp)
	log.Debug().Int64("length", attr.ContentLength).Str("acceptRanges", attr.AcceptRanges).Int("status", resp.StatusCode).Msg("Probed resource")
	return attr, nil
}

// contentLength prefers the total length from Content-Range over the
// response's own Content-Length, which for a 206 covers only the part.
func contentLength(resp *http.Response) int64 {
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		// Content-Range: bytes 0-99/1234
		for i := len(cr) - 1; i >= 0; i-- {
			if cr[i] == '/' {
				if total, err := strconv.ParseInt(cr[i+1:], 10, 64); err == nil && total > 0 {
					return total
				}
				break
			}
		}
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if length, err := strconv.ParseInt(cl, 10, 64); err == nil && length >= 0 {
			return length
		}
	}
	return -1
}
