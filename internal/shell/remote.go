package shell

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"project-mirage/internal/api"
)

// RemoteShell is the thin client a second invocation becomes when another
// instance already owns the RPC port. Only the safelisted read commands are
// forwarded; everything else points the operator at the owning process.
type RemoteShell struct {
	client *api.Client
}

func NewRemoteShell(client *api.Client) *RemoteShell {
	return &RemoteShell{client: client}
}

// Run drives the remote loop until exit or EOF.
func (r *RemoteShell) Run(in io.Reader, out io.Writer) {
	fmt.Fprintln(out, "Another instance is running; connected as a remote client.")
	fmt.Fprintln(out, "Available: help, list, tasks, status, exit")

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "remote> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		name, args := ParseCommand(line)
		switch name {
		case "exit":
			return
		case "status":
			status, err := r.client.Status()
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			fmt.Fprintf(out, "Queued: %d  Running: %d  Completed: %d\n", status.Queued, status.Running, status.Completed)
		default:
			output, err := r.client.Execute(name, args)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			fmt.Fprint(out, output)
		}
	}
}
