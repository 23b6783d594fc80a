//go:build !unix

package worker

import "os/exec"

func isolate(*exec.Cmd) {}
