// Copyright 2025 The Buildfarm Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/retry"
	"go.chromium.org/luci/common/retry/transient"

	"github.com/buildfarm-dev/builddmgr/model"
)

// rpcRetry bounds in-call retries of transient worker errors. Anything that
// survives this budget is handed to the scan failure machinery, which has
// its own (much slower) retry policy.
var rpcRetry = func() retry.Iterator {
	return &retry.ExponentialBackoff{
		Limited: retry.Limited{
			Delay:   500 * time.Millisecond,
			Retries: 3,
		},
		MaxDelay: 5 * time.Second,
	}
}

// NewHTTPFactory returns a ClientFactory producing JSON-over-HTTP clients
// with the given per-call timeout.
func NewHTTPFactory(timeout time.Duration) ClientFactory {
	hc := &http.Client{Timeout: timeout}
	return func(vitals *model.BuilderVitals) Client {
		return &httpClient{base: vitals.URL, hc: hc}
	}
}

type httpClient struct {
	base string
	hc   *http.Client
}

// Info is part of Client.
func (c *httpClient) Info(ctx context.Context) (*Info, error) {
	var info Info
	if err := c.call(ctx, "info", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Status is part of Client.
func (c *httpClient) Status(ctx context.Context) (*Status, error) {
	var st Status
	if err := c.call(ctx, "status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Build is part of Client.
func (c *httpClient) Build(ctx context.Context, req *BuildRequest) error {
	return c.call(ctx, "build", req, nil)
}

// Abort is part of Client.
func (c *httpClient) Abort(ctx context.Context) error {
	return c.call(ctx, "abort", nil, nil)
}

// Clean is part of Client.
func (c *httpClient) Clean(ctx context.Context) error {
	return c.call(ctx, "clean", nil, nil)
}

// Resume is part of Client.
func (c *httpClient) Resume(ctx context.Context) error {
	return c.call(ctx, "resume", nil, nil)
}

// EnsurePresent is part of Client.
func (c *httpClient) EnsurePresent(ctx context.Context, digest, fetchURL string) error {
	return c.call(ctx, "ensurepresent", map[string]string{
		"digest": digest,
		"url":    fetchURL,
	}, nil)
}

// call POSTs the JSON-encoded request body to <base>/rpc/<method> and
// decodes the response into out (if non-nil). Network errors and 5xx
// responses are tagged transient and retried a few times in place.
func (c *httpClient) call(ctx context.Context, method string, in, out any) error {
	endpoint, err := url.JoinPath(c.base, "rpc", method)
	if err != nil {
		return errors.Annotate(err, "composing %q endpoint", method)
	}
	var body []byte
	if in != nil {
		if body, err = json.Marshal(in); err != nil {
			return errors.Annotate(err, "encoding %q request", method)
		}
	}
	return retry.Retry(ctx, transient.Only(rpcRetry), func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return errors.Annotate(err, "composing %q request", method)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.hc.Do(req)
		if err != nil {
			return transient.Tag.Apply(errors.Annotate(err, "calling %q on %s", method, c.base))
		}
		defer func() {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}()
		switch {
		case resp.StatusCode >= 500:
			err := errors.Reason("worker %s: %q replied %s", c.base, method, resp.Status)
			return transient.Tag.Apply(err)
		case resp.StatusCode != http.StatusOK:
			return errors.Reason("worker %s: %q replied %s", c.base, method, resp.Status)
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Annotate(err, "decoding %q response from %s", method, c.base)
		}
		return nil
	}, retry.LogCallback(ctx, "worker-"+method))
}
