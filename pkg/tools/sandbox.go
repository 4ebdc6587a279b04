// Copyright 2026 The iTaK Authors
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

package tools

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// runSandboxed executes a shell command confined to workDir: fresh
// environment (no inherited secrets), HOME and TMPDIR pointed inside
// the work dir, wall-clock timeout enforced by the caller's context.
// Process-level network policy is the SSRF guard's job for the built-in
// network tools; arbitrary subprocess traffic is constrained by the
// deployment (container or firewall), not by this function.
func runSandboxed(ctx context.Context, workDir, command string) (string, int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = workDir
	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + workDir,
		"TMPDIR=" + filepath.Join(workDir, "tmp"),
		"LANG=C.UTF-8",
	}
	if err := os.MkdirAll(filepath.Join(workDir, "tmp"), 0o755); err != nil {
		return "", -1, fmt.Errorf("failed to create tmp dir: %w", err)
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
			err = nil
		} else {
			exitCode = -1
		}
	}
	return out.String(), exitCode, err
}
