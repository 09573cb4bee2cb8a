package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"
)

// envGeneration tells a re-executed process how many times it was forked.
const envGeneration = "MARKETWALLET_DAEMON_GEN"

// calls counts Background calls in this process.
var calls int

// Supervisor keeps one background copy of the process running.
type Supervisor struct {
	LogFile     string        // stdout and stderr of the child, discarded if empty
	MaxRestarts int           // 0 restarts forever
	MaxFailures int           // consecutive short runs before giving up
	MinUptime   time.Duration // a child exiting sooner counts as a failure
}

func NewSupervisor(logFile string) *Supervisor {
	return &Supervisor{
		LogFile:     logFile,
		MaxFailures: 3,
		MinUptime:   10 * time.Second,
	}
}

// Background re-executes the current command in a new session. In the parent it
// returns the started child, or exits when exit is true. In the child it
// returns nil, nil.
func Background(logFile string, exit bool) (*exec.Cmd, error) {
	calls++
	if calls <= generation(os.Getenv(envGeneration)) {
		return nil, nil
	}

	env := append(os.Environ(), fmt.Sprintf("%s=%d", envGeneration, calls))
	cmd, err := start(os.Args, env, logFile)
	if err != nil {
		return nil, fmt.Errorf("start background process error. %v", err)
	}
	fmt.Printf("background process %d started\n", cmd.Process.Pid)
	if exit {
		os.Exit(0)
	}
	return cmd, nil
}

// Run detaches, then restarts the serving child each time it exits. It only
// returns in the child.
func (s *Supervisor) Run() {
	if _, err := Background(s.LogFile, true); err != nil {
		fmt.Printf("supervisor %d: %v\n", os.Getpid(), err)
		os.Exit(1)
	}

	restarts, failures := 0, 0
	for {
		if failures > s.MaxFailures {
			fmt.Printf("supervisor %d: child failed %d times in a row, exit\n", os.Getpid(), failures)
			os.Exit(1)
		}
		if s.MaxRestarts > 0 && restarts > s.MaxRestarts {
			fmt.Printf("supervisor %d: %d restarts, exit\n", os.Getpid(), restarts)
			os.Exit(0)
		}
		restarts++

		begin := time.Now()
		cmd, err := Background(s.LogFile, false)
		if err != nil {
			fmt.Printf("supervisor %d: %v\n", os.Getpid(), err)
			failures++
			continue
		}
		if cmd == nil {
			return
		}

		err = cmd.Wait()
		uptime := time.Since(begin)
		if uptime < s.MinUptime {
			failures++
		} else {
			failures = 0
		}
		fmt.Printf("supervisor %d: child %d exited after %s. %v\n", os.Getpid(), cmd.ProcessState.Pid(), uptime.Round(time.Second), err)
	}
}

const (
	pidFile  = "process.pid"
	stopFile = "stop.sh"
)

// WaitForKill blocks until SIGINT or SIGTERM. Outside containers it leaves a
// stop script in the working directory while running.
func WaitForKill() os.Signal {
	if pid := os.Getpid(); pid != 1 {
		cleanup, err := writeStopScript(".", pid)
		if err != nil {
			fmt.Printf("stop script not written. %v\n", err)
		}
		defer cleanup()
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(ch)
	return <-ch
}

// writeStopScript records pid in dir together with a script that signals it. The
// returned func removes both files and is safe to call after an error.
func writeStopScript(dir string, pid int) (func(), error) {
	pidPath := filepath.Join(dir, pidFile)
	stopPath := filepath.Join(dir, stopFile)
	cleanup := func() {
		os.Remove(stopPath)
		os.Remove(pidPath)
	}
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)), 0644); err != nil {
		return cleanup, fmt.Errorf("write pid file error. %v", err)
	}
	script := fmt.Sprintf("#!/bin/sh\nkill %d\n", pid)
	if err := os.WriteFile(stopPath, []byte(script), 0755); err != nil {
		return cleanup, fmt.Errorf("write stop script error. %v", err)
	}
	return cleanup, nil
}

func generation(v string) int {
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func start(args, env []string, logFile string) (*exec.Cmd, error) {
	path, err := os.Executable()
	if err != nil {
		path = args[0]
	}
	cmd := &exec.Cmd{
		Path:        path,
		Args:        args,
		Env:         env,
		SysProcAttr: &syscall.SysProcAttr{Setsid: true},
	}
	if logFile != "" {
		out, err := os.OpenFile(logFile, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0666)
		if err != nil {
			return nil, err
		}
		cmd.Stdout = out
		cmd.Stderr = out
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}
