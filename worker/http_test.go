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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"

	"github.com/buildfarm-dev/builddmgr/model"
)

func TestHTTPClient(t *testing.T) {
	t.Parallel()

	ftt.Run("With a fake worker agent", t, func(t *ftt.Test) {
		ctx := context.Background()

		var mu sync.Mutex
		calls := map[string]int{}
		var lastBuild BuildRequest
		failuresLeft := 0

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			defer mu.Unlock()
			calls[r.URL.Path]++
			if failuresLeft > 0 {
				failuresLeft--
				http.Error(w, "agent busy", http.StatusInternalServerError)
				return
			}
			switch r.URL.Path {
			case "/rpc/info":
				json.NewEncoder(w).Encode(Info{Version: "1.0", Arch: "amd64"})
			case "/rpc/status":
				json.NewEncoder(w).Encode(Status{
					BuilderStatus: StatusBuilding,
					BuildID:       "cookie-1",
					LogTail:       []byte("compiling\n"),
				})
			case "/rpc/build":
				if err := json.NewDecoder(r.Body).Decode(&lastBuild); err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
				w.WriteHeader(http.StatusOK)
			case "/rpc/abort", "/rpc/clean", "/rpc/resume", "/rpc/ensurepresent":
				w.WriteHeader(http.StatusOK)
			default:
				http.Error(w, "no such method", http.StatusNotFound)
			}
		}))
		defer srv.Close()

		client := NewHTTPFactory(5 * time.Second)(&model.BuilderVitals{
			Name: "bos01",
			URL:  srv.URL,
		})

		t.Run("info and status decode", func(t *ftt.Test) {
			info, err := client.Info(ctx)
			assert.NoErr(t, err)
			assert.Loosely(t, info.Version, should.Equal("1.0"))

			st, err := client.Status(ctx)
			assert.NoErr(t, err)
			assert.Loosely(t, st.BuilderStatus, should.Equal(StatusBuilding))
			assert.Loosely(t, st.BuildID, should.Equal("cookie-1"))
			assert.Loosely(t, string(st.LogTail), should.Equal("compiling\n"))
		})

		t.Run("build posts the request body", func(t *ftt.Test) {
			err := client.Build(ctx, &BuildRequest{
				Cookie: "cookie-9",
				Kind:   model.JobTypeBinaryPackage,
				Files:  map[string]string{"sha256:aa": "http://librarian/aa"},
				Args:   map[string]string{"arch_tag": "amd64"},
			})
			assert.NoErr(t, err)
			assert.Loosely(t, lastBuild.Cookie, should.Equal("cookie-9"))
			assert.Loosely(t, lastBuild.Files, should.ContainKey("sha256:aa"))
		})

		t.Run("5xx responses are retried", func(t *ftt.Test) {
			mu.Lock()
			failuresLeft = 2
			mu.Unlock()

			assert.NoErr(t, client.Abort(ctx))
			mu.Lock()
			defer mu.Unlock()
			assert.Loosely(t, calls["/rpc/abort"], should.Equal(3))
		})

		t.Run("4xx responses fail immediately", func(t *ftt.Test) {
			err := client.EnsurePresent(ctx, "", "")
			assert.NoErr(t, err)

			// An unknown method 404s without burning the retry budget.
			bad := NewHTTPFactory(5 * time.Second)(&model.BuilderVitals{
				URL: srv.URL + "/missing",
			})
			err = bad.Clean(ctx)
			assert.Loosely(t, err, should.ErrLike("404"))
			mu.Lock()
			defer mu.Unlock()
			assert.Loosely(t, calls["/missing/rpc/clean"], should.Equal(1))
		})
	})
}
