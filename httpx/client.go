// Package httpx wraps the HTTP capability the download engine consumes:
// session construction, the length/range probe and one-shot content
// requests. The engine never touches net/http directly outside this
// package and the worker transfer loops.
package httpx

import (
	"crypto/tls"
	"net/http"
	"net/url"
	"time"
)

// ClientConfig configures an HTTP session. The zero value gets sane
// defaults from NewClient.
type ClientConfig struct {
	Timeout     time.Duration // overall per-request budget, 0 = none
	KATimeout   time.Duration // keep-alive idle timeout
	ProxyURL    string
	UserAgent   string
	Headers     map[string]string
	VerifyTLS   bool // certificate verification is off unless requested
	ConnTimeout time.Duration
}

// Client is an http.Client plus the session headers applied to every
// request it performs.
type Client struct {
	client *http.Client
	config ClientConfig
}

// NewClient builds a session with connection reuse tuned for parallel
// range requests.
func NewClient(cfg ClientConfig) *Client {
	if cfg.KATimeout == 0 {
		cfg.KATimeout = 60 * time.Second
	}
	if cfg.ConnTimeout == 0 {
		cfg.ConnTimeout = 30 * time.Second
	}
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100, // for connection reuse
		IdleConnTimeout:     cfg.KATimeout,
		DisableCompression:  true,
		MaxConnsPerHost:     0,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: !cfg.VerifyTLS},
	}
	if cfg.ProxyURL != "" {
		if proxyURL, err := url.Parse(cfg.ProxyURL); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}
	return &Client{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		config: cfg,
	}
}

// Do performs req with the session user agent and headers applied.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	} else {
		req.Header.Set("User-Agent", "rangeget")
	}
	req.Header.Set("Connection", "keep-alive")
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}
	return c.client.Do(req)
}
