// Copyright 2023 The Gaudi Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package sandbox

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// TestMain doubles as the sandbox child: Spawn re-execs the test binary
// with InitArg, the same way the worker binary dispatches in main.
func TestMain(m *testing.M) {
	if len(os.Args) > 1 && os.Args[1] == InitArg {
		Init()
		return
	}
	os.Exit(m.Run())
}

func TestBuilderMappings(t *testing.T) {
	a, err := New("/bin/true")
	if err != nil {
		t.Fatal(err)
	}
	defer a.Cleanup()

	a.Args("/bin/true").
		Env("PATH", "/bin").
		InputPath("/usr/bin/").
		InputMappings([]Mapping{{Source: "/blob/aa", Dest: filepath.Join(a.SandboxDir(), "a.txt")}}).
		OutputFiles([]string{"out/result.o"})

	spec := a.spec()
	if spec.Program != "/bin/true" {
		t.Errorf("program = %q", spec.Program)
	}
	wantInputs := []Mapping{
		{Source: "/usr/bin/", Dest: filepath.Join(a.SandboxDir(), "/usr/bin")},
		{Source: "/blob/aa", Dest: filepath.Join(a.SandboxDir(), "a.txt")},
	}
	if diff := cmp.Diff(wantInputs, spec.Inputs); diff != "" {
		t.Errorf("inputs diff (-want +got):\n%s", diff)
	}
	if got := spec.Env; len(got) != 1 || got[0] != "PATH=/bin" {
		t.Errorf("env = %v; want [PATH=/bin]", got)
	}

	if len(spec.Outputs) != 1 {
		t.Fatalf("outputs = %v; want one mapping", spec.Outputs)
	}
	out := spec.Outputs[0]
	if out.Dest != filepath.Join(a.SandboxDir(), "out/result.o") {
		t.Errorf("output dest = %q", out.Dest)
	}
	// The scratch file backing the output must already exist and be
	// empty, it becomes the writable mount point.
	info, err := os.Stat(out.Source)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 0 {
		t.Errorf("output scratch file size = %d; want 0", info.Size())
	}
}

func TestBuilderCaptureFiles(t *testing.T) {
	a, err := New("/bin/true")
	if err != nil {
		t.Fatal(err)
	}
	defer a.Cleanup()

	for _, p := range []string{a.stdout.path, a.stderr.path} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("capture file %s: %v", p, err)
		}
	}
	if a.stdout.file == nil || a.stderr.file == nil {
		t.Error("capture descriptors not retained")
	}
}

func TestBuilderCleanup(t *testing.T) {
	a, err := New("/bin/true")
	if err != nil {
		t.Fatal(err)
	}
	scratch := a.scratchDir
	a.Cleanup()
	if _, err := os.Stat(scratch); !os.IsNotExist(err) {
		t.Errorf("scratch dir still present after Cleanup: %v", err)
	}
}

func TestSpawnValidates(t *testing.T) {
	a, err := New("/bin/true")
	if err != nil {
		t.Fatal(err)
	}
	defer a.Cleanup()
	// No argument vector.
	if _, err := a.Spawn(context.Background()); err == nil {
		t.Error("Spawn without argv succeeded; want error")
	}
}

func TestInitSpecRoundTrip(t *testing.T) {
	spec := &initSpec{
		SandboxDir:  "/tmp/x/root",
		Inputs:      []Mapping{{Source: "/blob/aa", Dest: "/tmp/x/root/a"}},
		Outputs:     []Mapping{{Source: "/tmp/x/out-1", Dest: "/tmp/x/root/out"}},
		OutputFiles: []string{"out"},
		Program:     "cc",
		Args:        []string{"cc", "-c", "a.c"},
		Env:         []string{"PATH=/usr/bin"},
	}
	b, err := json.Marshal(spec)
	if err != nil {
		t.Fatal(err)
	}
	got := &initSpec{}
	if err := json.Unmarshal(b, got); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(spec, got); diff != "" {
		t.Errorf("spec diff (-want +got):\n%s", diff)
	}
}

// requireSandbox gates the tests that clone namespaces and mount; they
// need a kernel allowing unprivileged user namespaces.
func requireSandbox(t *testing.T) {
	t.Helper()
	if os.Getenv("GAUDI_SANDBOX_TEST") == "" {
		t.Skip("set GAUDI_SANDBOX_TEST=1 to run namespace sandbox tests")
	}
}

// hostPaths maps the directories a shell needs into the builder,
// skipping ones this host does not have.
func hostPaths(a *Action) {
	for _, p := range []string{"/bin", "/usr/bin", "/lib", "/lib64", "/usr/lib"} {
		if _, err := os.Stat(p); err == nil {
			a.InputPath(p)
		}
	}
}

func TestRunTrue(t *testing.T) {
	requireSandbox(t)
	ctx := context.Background()

	a, err := New("/bin/true")
	if err != nil {
		t.Fatal(err)
	}
	a.Args("/bin/true")
	hostPaths(a)

	proc, err := a.Spawn(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer proc.Cleanup()
	resp, err := proc.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if resp.ExitStatus != 0 {
		stderr, _ := os.ReadFile(resp.StderrPath)
		t.Errorf("exit status = %d; stderr: %s", resp.ExitStatus, stderr)
	}
}

func TestRunExitCode(t *testing.T) {
	requireSandbox(t)
	ctx := context.Background()

	a, err := New("/bin/sh")
	if err != nil {
		t.Fatal(err)
	}
	a.Args("/bin/sh", "-c", "echo oops 1>&2; exit 7")
	hostPaths(a)

	proc, err := a.Spawn(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer proc.Cleanup()
	resp, err := proc.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if resp.ExitStatus != 7 {
		t.Errorf("exit status = %d; want 7", resp.ExitStatus)
	}
	stderr, err := os.ReadFile(resp.StderrPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(stderr) != "oops\n" {
		t.Errorf("stderr = %q; want oops", stderr)
	}
}

func TestRunOutputFile(t *testing.T) {
	requireSandbox(t)
	ctx := context.Background()

	a, err := New("/bin/sh")
	if err != nil {
		t.Fatal(err)
	}
	a.Args("/bin/sh", "-c", "echo hi > out.txt")
	a.OutputFiles([]string{"out.txt"})
	hostPaths(a)

	proc, err := a.Spawn(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer proc.Cleanup()
	resp, err := proc.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if resp.ExitStatus != 0 {
		stderr, _ := os.ReadFile(resp.StderrPath)
		t.Fatalf("exit status = %d; stderr: %s", resp.ExitStatus, stderr)
	}
	if len(resp.Outputs) != 1 {
		t.Fatalf("outputs = %v; want one", resp.Outputs)
	}
	got, err := os.ReadFile(resp.Outputs[0].Source)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hi\n" {
		t.Errorf("output content = %q; want hi", got)
	}
}

func TestWaitTimeout(t *testing.T) {
	requireSandbox(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	a, err := New("/bin/sh")
	if err != nil {
		t.Fatal(err)
	}
	a.Args("/bin/sh", "-c", "sleep 600")
	hostPaths(a)

	proc, err := a.Spawn(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer proc.Cleanup()
	if _, err := proc.Wait(ctx); err != context.DeadlineExceeded {
		t.Errorf("Wait err = %v; want DeadlineExceeded", err)
	}
}
