// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package subprocess

import "syscall"

// processGroupAttr puts the subprocess in its own process group so signals
// can target the whole tree (shells spawn children agents don't track).
func processGroupAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup signals the process group led by pid.
func signalGroup(pid int, sig syscall.Signal) {
	syscall.Kill(-pid, sig)
}
