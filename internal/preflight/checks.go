package preflight

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"

	"github.com/peterje/shepherd/internal/models"
)

// Inputs names what the checks look at.
type Inputs struct {
	Shell       string
	AgentSocket string
	DataDir     string
}

// CheckAll runs every check and logs each result. Failures are reported,
// not fatal: local sessions work without an agent and remote sessions
// work without a local shell.
func CheckAll(in Inputs, logger *log.Logger) []models.Check {
	if logger == nil {
		logger = log.Default()
	}
	checks := []models.Check{
		checkShell(in.Shell),
		checkAgent(in.AgentSocket),
		checkDataDir(in.DataDir),
	}
	for _, c := range checks {
		if c.OK {
			logger.Info("preflight ok", "check", c.Name, "detail", c.Detail)
		} else {
			logger.Warn("preflight failed", "check", c.Name, "detail", c.Detail)
		}
	}
	return checks
}

func checkShell(shell string) models.Check {
	c := models.Check{Name: "shell"}
	if shell == "" {
		c.Detail = "no default shell configured"
		return c
	}
	path, err := exec.LookPath(shell)
	if err != nil {
		c.Detail = fmt.Sprintf("%s not found", shell)
		return c
	}
	c.OK, c.Detail = true, path
	return c
}

func checkAgent(socket string) models.Check {
	c := models.Check{Name: "ssh-agent"}
	if socket == "" {
		c.Detail = "SSH_AUTH_SOCK not set"
		return c
	}
	conn, err := net.DialTimeout("unix", socket, time.Second)
	if err != nil {
		c.Detail = fmt.Sprintf("agent unreachable: %v", err)
		return c
	}
	conn.Close()
	c.OK, c.Detail = true, socket
	return c
}

func checkDataDir(dir string) models.Check {
	c := models.Check{Name: "data-dir"}
	if err := os.MkdirAll(dir, 0700); err != nil {
		c.Detail = err.Error()
		return c
	}
	f, err := os.CreateTemp(dir, ".preflight-*")
	if err != nil {
		c.Detail = fmt.Sprintf("not writable: %v", err)
		return c
	}
	f.Close()
	os.Remove(f.Name())
	c.OK, c.Detail = true, filepath.Clean(dir)
	return c
}
