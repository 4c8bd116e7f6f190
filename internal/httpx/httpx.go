// Package httpx builds the pooled HTTP client used for public-origin
// probes.
package httpx

import (
	"net"
	"net/http"
	"time"
)

// New returns a client with connection pooling tuned for many small HEAD
// and GET requests against a handful of origin hosts. The overall request
// deadline comes from contexts, not the client, so streaming downloads are
// not cut off mid-body.
func New() *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   3 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   100,
		MaxConnsPerHost:       100,
		ForceAttemptHTTP2:     true,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   3 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 5 * time.Second,
	}
	return &http.Client{Transport: transport}
}
