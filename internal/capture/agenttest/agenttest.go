// Package agenttest fakes the external capture agent by re-executing the
// running test binary. A test package opts in with:
//
//	func TestHelperProcess(t *testing.T) { agenttest.Main() }
//
// and builds commands with agenttest.Command.
package agenttest

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xkilldash9x/plantscan/internal/capture"
)

const (
	envHelper    = "PLANTSCAN_AGENT_HELPER"
	envLines     = "PLANTSCAN_AGENT_LINES"
	envStderr    = "PLANTSCAN_AGENT_STDERR"
	envExitCode  = "PLANTSCAN_AGENT_EXIT"
	envHang      = "PLANTSCAN_AGENT_HANG"
	envDelay     = "PLANTSCAN_AGENT_DELAY"
	envStartLog  = "PLANTSCAN_AGENT_START_LOG"
	envWriteFile = "PLANTSCAN_AGENT_WRITE"
	envFromEnv   = "PLANTSCAN_AGENT_ECHO_ENV"
	envLongLine  = "PLANTSCAN_AGENT_LONG_LINE"

	sep = "\x1f"
)

// Behavior scripts what the fake agent does.
type Behavior struct {
	// Lines are written to stdout in order.
	Lines []string
	// LongLine, if positive, writes one stdout line of that many bytes before Lines.
	LongLine int
	// Stderr lines are written before stdout.
	Stderr []string
	// ExitCode is the status the agent exits with.
	ExitCode int
	// Hang keeps the agent alive after writing its output until it is killed.
	Hang bool
	// LineDelay sleeps between stdout lines.
	LineDelay time.Duration
	// StartLog, if set, gets "start <pid>" appended when the agent starts.
	StartLog string
	// WriteFile, if set, is created in the working directory and its name is
	// printed as the final stdout line.
	WriteFile string
	// EchoEnv, if set, names an environment variable whose value is printed
	// (after creating a file of that name when WriteFile is "$env").
	EchoEnv string
}

// Command returns a capture.Command that runs the fake agent in dir.
func Command(b Behavior, dir string) capture.Command {
	env := []string{
		envHelper + "=1",
		envLines + "=" + strings.Join(b.Lines, sep),
		envStderr + "=" + strings.Join(b.Stderr, sep),
		envExitCode + "=" + strconv.Itoa(b.ExitCode),
		envDelay + "=" + b.LineDelay.String(),
		envStartLog + "=" + b.StartLog,
		envWriteFile + "=" + b.WriteFile,
		envFromEnv + "=" + b.EchoEnv,
		envLongLine + "=" + strconv.Itoa(b.LongLine),
	}
	if b.Hang {
		env = append(env, envHang+"=1")
	}
	return capture.Command{
		Path: os.Args[0],
		Args: []string{"-test.run=^TestHelperProcess$", "--"},
		Dir:  dir,
		Env:  env,
	}
}

// Main acts as the fake agent when the process was started by Command and
// returns immediately otherwise.
func Main() {
	if os.Getenv(envHelper) != "1" {
		return
	}

	if logPath := os.Getenv(envStartLog); logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "start log: %v\n", err)
			os.Exit(3)
		}
		fmt.Fprintf(f, "start %d\n", os.Getpid())
		f.Close()
	}

	for _, line := range split(os.Getenv(envStderr)) {
		fmt.Fprintln(os.Stderr, line)
	}

	if n, _ := strconv.Atoi(os.Getenv(envLongLine)); n > 0 {
		w := bufio.NewWriter(os.Stdout)
		w.WriteString(strings.Repeat("a", n))
		w.WriteByte('\n')
		w.Flush()
	}

	delay, _ := time.ParseDuration(os.Getenv(envDelay))
	for _, line := range split(os.Getenv(envLines)) {
		fmt.Fprintln(os.Stdout, line)
		if delay > 0 {
			time.Sleep(delay)
		}
	}

	name := os.Getenv(envWriteFile)
	if echo := os.Getenv(envFromEnv); echo != "" && name == "$env" {
		name = os.Getenv(echo)
	}
	if name != "" {
		if err := os.WriteFile(filepath.Clean(name), []byte("fake image"), 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "write artifact: %v\n", err)
			os.Exit(3)
		}
		fmt.Fprintln(os.Stdout, name)
	}

	if os.Getenv(envHang) == "1" {
		time.Sleep(time.Minute)
	}

	code, _ := strconv.Atoi(os.Getenv(envExitCode))
	os.Exit(code)
}

func split(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, sep)
}
