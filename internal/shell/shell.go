// Package shell is the operator's command surface. Commands follow the
// `name[:key=value,...]` form; handlers are thin delegations into the
// owning components. The same registry backs the interactive loop and the
// control server's remote execution.
package shell

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"project-mirage/internal/analytics"
	"project-mirage/internal/cache"
	"project-mirage/internal/config"
	"project-mirage/internal/downloader"
	"project-mirage/internal/kemono"
	"project-mirage/internal/migrate"
	"project-mirage/internal/model"
	"project-mirage/internal/scheduler"
	"project-mirage/internal/storage"
	"project-mirage/internal/validate"
)

// ErrExit is returned by the exit command to stop the interactive loop.
var ErrExit = fmt.Errorf("exit requested")

type command struct {
	name    string
	summary string
	keys    []string // accepted argument keys; anything else warns
	run     func(args map[string]string, w io.Writer) error
}

// Shell wires the command registry to the live components.
type Shell struct {
	storage    *storage.Storage
	cfg        *config.Manager
	cache      *cache.Cache
	client     *kemono.Client
	downloader *downloader.Downloader
	sched      *scheduler.Scheduler
	migrator   *migrate.Migrator
	validator  *validate.Validator
	stats      *analytics.Manager
	log        *slog.Logger

	commands map[string]*command
}

// Deps carries everything the shell delegates to.
type Deps struct {
	Storage    *storage.Storage
	Config     *config.Manager
	Cache      *cache.Cache
	Client     *kemono.Client
	Downloader *downloader.Downloader
	Scheduler  *scheduler.Scheduler
	Migrator   *migrate.Migrator
	Validator  *validate.Validator
	Stats      *analytics.Manager
	Log        *slog.Logger
}

func New(d Deps) *Shell {
	s := &Shell{
		storage:    d.Storage,
		cfg:        d.Config,
		cache:      d.Cache,
		client:     d.Client,
		downloader: d.Downloader,
		sched:      d.Scheduler,
		migrator:   d.Migrator,
		validator:  d.Validator,
		stats:      d.Stats,
		log:        d.Log.With("component", "shell"),
		commands:   make(map[string]*command),
	}
	s.registerAll()
	return s
}

func (s *Shell) register(name, summary string, keys []string, run func(args map[string]string, w io.Writer) error) {
	s.commands[name] = &command{name: name, summary: summary, keys: keys, run: run}
}

func (s *Shell) alias(name, target string) {
	s.commands[name] = s.commands[target]
}

// ParseCommand splits `name[:k=v,...]` into its name and argument map.
// A value may contain '=' past the first; keys are lowercased.
func ParseCommand(line string) (string, map[string]string) {
	line = strings.TrimSpace(line)
	name, rest, found := strings.Cut(line, ":")
	name = strings.TrimSpace(name)
	args := make(map[string]string)
	if !found {
		return name, args
	}
	for _, pair := range strings.Split(rest, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		args[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return name, args
}

// Run drives the interactive loop until exit or EOF.
func (s *Shell) Run(in io.Reader, out io.Writer) {
	scanner := bufio.NewScanner(in)
	fmt.Fprintln(out, "Type 'help' for the command list.")
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		name, args := ParseCommand(line)
		if err := s.dispatch(name, args, out); err != nil {
			if err == ErrExit {
				return
			}
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
}

// Execute runs one command and returns its output. This is the control
// server's entry point; the safelist is enforced there.
func (s *Shell) Execute(name string, args map[string]string) (string, error) {
	var buf strings.Builder
	if args == nil {
		args = make(map[string]string)
	}
	if err := s.dispatch(name, args, &buf); err != nil && err != ErrExit {
		return "", err
	}
	return buf.String(), nil
}

func (s *Shell) dispatch(name string, args map[string]string, w io.Writer) error {
	cmd, ok := s.commands[name]
	if !ok {
		return fmt.Errorf("unknown command %q, try 'help'", name)
	}
	for k := range args {
		if !contains(cmd.keys, k) {
			fmt.Fprintf(w, "warning: unknown argument %q ignored\n", k)
			delete(args, k)
		}
	}
	err := cmd.run(args, w)
	s.recordHistory(cmd.name, args, err)
	return err
}

// recordHistory persists replayable commands. Read-only chatter is skipped.
func (s *Shell) recordHistory(name string, args map[string]string, runErr error) {
	switch name {
	case "help", "history", "tasks", "list", "la", "ls", "stats", "clear", "exit",
		"list-undone", "list-all-undone", "config-validation":
		return
	}
	rec := model.HistoryRecord{
		ID:        uuid.New().String(),
		Command:   name,
		Timestamp: time.Now(),
		Success:   runErr == nil || runErr == ErrExit,
		ArtistID:  args["artist"],
		Params:    args,
	}
	if runErr != nil && runErr != ErrExit {
		rec.Note = runErr.Error()
	}
	if err := s.storage.AppendHistory(rec); err != nil {
		s.log.Warn("history append failed", "error", err)
	}
}

// resolveArtist matches an id, name or alias, case-insensitively.
func (s *Shell) resolveArtist(query string) (*model.Artist, error) {
	if query == "" {
		return nil, fmt.Errorf("artist argument required (artist=<id|name|alias>)")
	}
	artists, err := s.storage.ListArtists()
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(query)
	for i := range artists {
		a := &artists[i]
		if strings.ToLower(a.ID) == q || strings.ToLower(a.Name) == q || (a.Alias != "" && strings.ToLower(a.Alias) == q) {
			return a, nil
		}
	}
	return nil, fmt.Errorf("no artist matches %q", query)
}

// activeArtists lists artists eligible for bulk runs.
func (s *Shell) activeArtists() ([]model.Artist, error) {
	artists, err := s.storage.ListArtists()
	if err != nil {
		return nil, err
	}
	out := artists[:0]
	for _, a := range artists {
		if !a.Ignore && !a.Completed {
			out = append(out, a)
		}
	}
	return out, nil
}

func contains(keys []string, k string) bool {
	for _, have := range keys {
		if have == k {
			return true
		}
	}
	return false
}

func sortedNames(m map[string]*command) []string {
	names := make([]string, 0, len(m))
	seen := make(map[string]bool)
	for _, c := range m {
		if !seen[c.name] {
			seen[c.name] = true
			names = append(names, c.name)
		}
	}
	sort.Strings(names)
	return names
}
