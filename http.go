//  Copyright 2023 Stealth Rocket, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backtrace

import (
	"fmt"
	"net/http"
)

// StackHandler serves the aggregated stacks of every goroutine as a
// pprof profile, for on-demand introspection of a live process.
type StackHandler struct {
	// MaxDepth bounds each captured stack; 0 means DefaultMaxDepth.
	MaxDepth int
}

func (h StackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Content-Type-Options", "nosniff")

	ms, err := AllCallStacks(h.MaxDepth)
	if err != nil && ms == nil {
		serveError(w, http.StatusInternalServerError, err.Error())
		return
	}
	CleanupStackTrace(ms)
	prof := BuildProfile(ms)

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="stacks"`)
	if err := prof.Write(w); err != nil {
		serveError(w, http.StatusInternalServerError, err.Error())
	}
}

func serveError(w http.ResponseWriter, status int, txt string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Del("Content-Disposition")
	w.WriteHeader(status)
	fmt.Fprintln(w, txt)
}
