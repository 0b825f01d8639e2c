// Package handlers – external.go wraps the declared external CLIs
// (github_* and sugar_* payload types).
//
// Invocation is always argv-style: configured command templates are parsed
// with shell quoting rules on each run, and every user-supplied value is appended
// as its own argument. No shell ever interpolates payload text.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/jbhatt/waclaw/pkg/waclaw/ipc"
)

const cliOutputCap = 64 << 10

// handleCLI dispatches github_* and sugar_* payloads. Both families touch
// host repositories, so they are main-only except the read-only project
// listing.
func (h *Handlers) handleCLI(ctx context.Context, p *ipc.CLIPayload, sourceGroup string, isMain bool) error {
	replyJID, err := h.resolveReplyJID(p.ReplyJID, sourceGroup, isMain)
	if err != nil {
		return err
	}

	switch {
	case p.Type == "sugar_projects":
		return h.handleSugarProjects(ctx, replyJID)
	case p.Type == "sugar_run":
		if !isMain {
			h.Logger.Warn("unauthorized sugar_run dropped", "source", sourceGroup)
			return ipc.ErrUnauthorized
		}
		return h.handleSugarRun(ctx, p, replyJID)
	case strings.HasPrefix(p.Type, "github_"):
		if !isMain {
			h.Logger.Warn("unauthorized github payload dropped",
				"source", sourceGroup, "type", p.Type)
			return ipc.ErrUnauthorized
		}
		return h.handleGithub(ctx, p, replyJID)
	default:
		return fmt.Errorf("%w: unknown CLI type %q", ipc.ErrInvalidPayload, p.Type)
	}
}

// ---------- github_* ----------

// githubSubcommands maps payload types to the CLI subcommand they run.
// Payload args are appended after these, each as its own argv element.
var githubSubcommands = map[string][]string{
	"github_prs":    {"pr", "list"},
	"github_issues": {"issue", "list"},
	"github_review": {"pr", "view"},
}

func (h *Handlers) handleGithub(ctx context.Context, p *ipc.CLIPayload, replyJID string) error {
	sub, ok := githubSubcommands[p.Type]
	if !ok {
		return fmt.Errorf("%w: unknown github op %q", ipc.ErrInvalidPayload, p.Type)
	}

	argv := append([]string{h.Tools.GithubCLI}, sub...)
	argv = append(argv, p.Args...)

	out, err := h.runCLI(ctx, argv, "")
	if err != nil {
		return err
	}
	return h.Transport.Send(ctx, replyJID, out)
}

// ---------- sugar_* ----------

// sugarProject is one entry of data/sugar-projects.json.
type sugarProject struct {
	Path     string            `json:"path"`
	Commands map[string]string `json:"commands"`
}

// projectRegistry reads the external-tool project registry on demand so
// edits take effect without a restart.
type projectRegistry struct {
	path string
}

func newProjectRegistry(path string) *projectRegistry {
	return &projectRegistry{path: path}
}

func (r *projectRegistry) load() (map[string]sugarProject, error) {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return map[string]sugarProject{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading project registry: %w", err)
	}
	var projects map[string]sugarProject
	if err := json.Unmarshal(data, &projects); err != nil {
		return nil, fmt.Errorf("parsing project registry: %w", err)
	}
	return projects, nil
}

func (h *Handlers) handleSugarProjects(ctx context.Context, replyJID string) error {
	projects, err := h.projects.load()
	if err != nil {
		return err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Projects (%d):\n", len(projects))
	for name, proj := range projects {
		commands := make([]string, 0, len(proj.Commands))
		for cmd := range proj.Commands {
			commands = append(commands, cmd)
		}
		fmt.Fprintf(&sb, "- %s (%s): %s\n", name, proj.Path, strings.Join(commands, ", "))
	}
	return h.Transport.Send(ctx, replyJID, sb.String())
}

func (h *Handlers) handleSugarRun(ctx context.Context, p *ipc.CLIPayload, replyJID string) error {
	if p.Project == "" || len(p.Args) == 0 {
		return fmt.Errorf("%w: sugar_run requires project and a command name", ipc.ErrInvalidPayload)
	}

	projects, err := h.projects.load()
	if err != nil {
		return err
	}
	proj, ok := projects[p.Project]
	if !ok {
		return fmt.Errorf("%w: unknown project %q", ipc.ErrInvalidPayload, p.Project)
	}

	template, ok := proj.Commands[p.Args[0]]
	if !ok {
		return fmt.Errorf("%w: project %q has no command %q", ipc.ErrInvalidPayload, p.Project, p.Args[0])
	}

	// The template is operator configuration; payload args after the
	// command name ride along as separate argv elements.
	argv, err := shellquote.Split(template)
	if err != nil {
		return fmt.Errorf("%w: bad command template: %v", ipc.ErrInvalidPayload, err)
	}
	argv = append(argv, p.Args[1:]...)

	out, err := h.runCLI(ctx, argv, proj.Path)
	if err != nil {
		return err
	}
	return h.Transport.Send(ctx, replyJID, out)
}

// ---------- Execution ----------

// runCLI executes an argv with the configured timeout and a bounded
// capture of combined output.
func (h *Handlers) runCLI(ctx context.Context, argv []string, dir string) (string, error) {
	if len(argv) == 0 || argv[0] == "" {
		return "", fmt.Errorf("%w: empty command", ipc.ErrInvalidPayload)
	}

	timeout := h.Tools.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = dir

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	out := buf.String()
	if len(out) > cliOutputCap {
		out = out[:cliOutputCap] + "\n... [output truncated]"
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("command %s timed out after %s", argv[0], timeout)
	}
	if err != nil {
		return "", fmt.Errorf("command %s failed: %v\n%s", argv[0], err, out)
	}
	if strings.TrimSpace(out) == "" {
		out = "(no output)"
	}
	return out, nil
}
