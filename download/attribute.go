package download

import (
	"time"

	"github.com/tanq16/rangeget/httpx"
)

// FileAttribute re-exports the probe result so callers only need this
// package.
type FileAttribute = httpx.FileAttribute

// GetFileAttribute probes url for its length and range support. A zero
// timeout selects the 3 second default.
func GetFileAttribute(url string, headers map[string]string, timeout time.Duration) (FileAttribute, error) {
	client := httpx.NewClient(httpx.ClientConfig{Headers: headers})
	return httpx.Probe(client, url, timeout)
}

// RequestContent performs a one-shot GET and returns the status code
// and body.
func RequestContent(url string, headers map[string]string) (int, string, error) {
	client := httpx.NewClient(httpx.ClientConfig{Headers: headers})
	return httpx.RequestContent(client, url)
}
