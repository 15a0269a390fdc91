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

// stackview resolves raw stack addresses against a binary on disk, the
// way a crash report consumer would: symbol table first, then DWARF,
// then the Go pclntab.
//
//	stackview -e ./app 0x4521a0 0x46f31b
//	grep 'stack:' crash.log | stackview -e ./app
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"github.com/stealthrocket/backtrace"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type program struct {
	exePath   string
	pprofPath string
	addrs     []uintptr
}

func run(ctx context.Context) error {
	exePath := pflag.StringP("exe", "e", "", "Binary to resolve addresses against.")
	pprofPath := pflag.String("pprof", "", "Also write the resolved stack as a pprof profile.")
	pflag.Parse()

	if *exePath == "" {
		pflag.Usage()
		return fmt.Errorf("usage: stackview -e </path/to/binary> [address...]")
	}
	if _, err := os.Stat(*exePath); err != nil {
		return err
	}

	addrs, err := parseAddresses(pflag.Args())
	if err != nil {
		return err
	}
	if len(addrs) == 0 {
		if addrs, err = readAddresses(os.Stdin); err != nil {
			return err
		}
	}
	if len(addrs) == 0 {
		return fmt.Errorf("no addresses to resolve")
	}

	return (&program{
		exePath:   *exePath,
		pprofPath: *pprofPath,
		addrs:     addrs,
	}).run(ctx)
}

func (prog *program) run(ctx context.Context) error {
	frames := make([]backtrace.StackFrame, 0, len(prog.addrs))
	for _, addr := range prog.addrs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f := backtrace.ResolveInImage(prog.exePath, addr)
		frames = append(frames, f)
		fmt.Println(f)
	}

	if prog.pprofPath != "" {
		ms := backtrace.NewMultiStack([][]backtrace.StackFrame{frames})
		if err := backtrace.WriteProfile(prog.pprofPath, backtrace.BuildProfile(ms)); err != nil {
			return fmt.Errorf("writing profile: %w", err)
		}
	}
	return nil
}

func parseAddresses(args []string) ([]uintptr, error) {
	addrs := make([]uintptr, 0, len(args))
	for _, arg := range args {
		addr, err := parseAddress(arg)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

func parseAddress(s string) (uintptr, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("bad address %q: %w", s, err)
	}
	return uintptr(v), nil
}

// readAddresses scans stdin for hex addresses, one or more per line;
// anything that does not parse as an address is skipped, so piping an
// annotated crash log through works.
func readAddresses(r *os.File) ([]uintptr, error) {
	var addrs []uintptr
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		for _, field := range strings.Fields(scanner.Text()) {
			if addr, err := parseAddress(field); err == nil && addr != 0 {
				addrs = append(addrs, addr)
			}
		}
	}
	return addrs, scanner.Err()
}
