// Package runner owns process lifecycle: a single start, run, drain,
// stop pass with a bounded grace period for in-flight work.
package runner

import (
	"bytes"
	"os"

	"github.com/dimiro1/banner"
)

// State is the lifecycle position of a runner.
type State int32

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Hooks run at the edges of the lifecycle. OnStart fires before the
// runner begins waiting; OnStop fires after draining completes.
type Hooks struct {
	OnStart func()
	OnStop  func()
}

// Drainer flushes in-flight work during shutdown.
type Drainer interface {
	Drain() error
}

// EngineVersion is stamped by the build with -ldflags "-X"; local
// builds report "dev".
var EngineVersion = "dev"

// PrintBanner writes the startup banner to stdout.
func PrintBanner() {
	tpl := "{{ .Title \"TIELINE\" \"\" 0 }}\nVersion: " + EngineVersion + "\n"
	banner.Init(os.Stdout, true, true, bytes.NewBufferString(tpl))
}
