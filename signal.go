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
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// The signal surface bridges asynchronous signals into the terminate
// path. Delivery uses a one-slot channel drained by a dedicated
// goroutine: the runtime's signal handler only performs the lock-free
// hand-off, and everything that allocates or locks runs on the drainer.

var sigState struct {
	mu        sync.Mutex
	ch        chan os.Signal
	installed map[os.Signal]struct{}
	handler   func(*AbortError)
}

// SetSignals installs the abort bridge for each signal in sigs. A nil
// handler selects the default behaviour: build the abort record, run the
// terminate path, and re-raise the signal with its previous disposition
// restored so the process ends the way the OS expects. A non-nil handler
// takes over after the record is built; the process survives unless the
// handler says otherwise.
func SetSignals(sigs []os.Signal, handler func(*AbortError)) {
	sigState.mu.Lock()
	defer sigState.mu.Unlock()
	if sigState.ch == nil {
		sigState.ch = make(chan os.Signal, 1)
		go signalLoop(sigState.ch)
	}
	if sigState.installed == nil {
		sigState.installed = make(map[os.Signal]struct{})
	}
	sigState.handler = handler
	for _, sig := range sigs {
		sigState.installed[sig] = struct{}{}
	}
	signal.Notify(sigState.ch, sigs...)
}

// ClearSignal restores the previous disposition of one signal.
func ClearSignal(sig os.Signal) {
	sigState.mu.Lock()
	defer sigState.mu.Unlock()
	signal.Reset(sig)
	delete(sigState.installed, sig)
}

// ClearSignals restores the previous disposition of every signal
// installed through SetSignals.
func ClearSignals() {
	sigState.mu.Lock()
	defer sigState.mu.Unlock()
	for sig := range sigState.installed {
		signal.Reset(sig)
		delete(sigState.installed, sig)
	}
	sigState.handler = nil
}

func signalLoop(ch chan os.Signal) {
	for sig := range ch {
		signum := 0
		if s, ok := sig.(syscall.Signal); ok {
			signum = int(s)
		}
		err := newAbortError(fmt.Sprintf("caught signal %s", sig), CauseSignal, signum, 0)

		sigState.mu.Lock()
		handler := sigState.handler
		sigState.mu.Unlock()

		if handler != nil {
			handler(err)
			continue
		}
		signal.Reset(sig)
		Terminate(err)
		// Terminate does not return outside of tests; re-raising here
		// keeps the contract even if the abort primitive is displaced.
		raiseDefault(sig)
	}
}
