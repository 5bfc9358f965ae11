// Command butler is the daemon and CLI entrypoint: up,
// run <butler>, list, init, and dashboard. It follows a
// cmd/ruriko/main.go composition-root style — no CLI framework, env vars
// read through common/environment's StringOr/StringSliceOr helpers, plain
// fmt.Fprintf(os.Stderr, ...) plus os.Exit(1) on validation failure, all
// real wiring delegated to a package (internal/app here, internal/ruriko/app
// there).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/opsbutler/butler/common/environment"
	"github.com/opsbutler/butler/common/version"
	"github.com/opsbutler/butler/internal/app"
	"github.com/opsbutler/butler/internal/dashboard"
	"github.com/opsbutler/butler/internal/scheduler"
	"github.com/opsbutler/butler/internal/storage"
)

func main() {
	fmt.Printf("butler %s\n", version.Info())

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	switch os.Args[1] {
	case "up":
		runUp(log)
	case "run":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: butler run <butler>")
			os.Exit(1)
		}
		runOneShot(log, os.Args[2])
	case "list":
		runList()
	case "init":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: butler init <butler>")
			os.Exit(1)
		}
		runInit(os.Args[2])
	case "dashboard":
		runDashboard(log, os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: butler <up|run <butler>|list|init <butler>|dashboard [--host H] [--port P]>")
}

// butlerHome is the directory of configured butlers: BUTLER_HOME/<name>/
// holds config.toml and butler.db, one subdirectory per butler instance —
// the directory-of-databases the dashboard's per-butler fan-out reads
// from. Defaults to ./butlers.
func butlerHome() string {
	return environment.StringOr("BUTLER_HOME", "./butlers")
}

func butlerNames() ([]string, error) {
	entries, err := os.ReadDir(butlerHome())
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", butlerHome(), err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func butlerAppConfig(name string) *app.Config {
	dir := filepath.Join(butlerHome(), name)
	prefix := envPrefix(name)
	return &app.Config{
		ButlerName:        name,
		ConfigPath:        filepath.Join(dir, "config.toml"),
		DatabasePath:      filepath.Join(dir, "butler.db"),
		WorkerCommand:     environment.StringSliceOr("BUTLER_WORKER_CMD", []string{"butler-worker"}),
		RuntimeBackend:    environment.StringOr("BUTLER_RUNTIME", "subprocess"),
		DockerImage:       environment.StringOr("BUTLER_DOCKER_IMAGE", ""),
		MatrixHomeserver:  environment.StringOr(prefix+"MATRIX_HOMESERVER", ""),
		MatrixUserID:      environment.StringOr(prefix+"MATRIX_USER_ID", ""),
		MatrixAccessToken: environment.StringOr(prefix+"MATRIX_ACCESS_TOKEN", ""),
		MatrixRooms:       environment.StringSliceOr(prefix+"MATRIX_ROOMS", nil),
		OwnerChannelType:  environment.StringOr("BUTLER_OWNER_CHANNEL_TYPE", "matrix"),
		OwnerDestination:  environment.StringOr(prefix+"OWNER_DESTINATION", ""),
	}
}

// envPrefix namespaces per-butler secrets so BUTLER_HOME can host several
// butlers sharing one process's environment, e.g. HOUSEHOLD_MATRIX_USER_ID.
func envPrefix(name string) string {
	return strings.ToUpper(name) + "_"
}

// runUp starts every configured butler's daemon (scheduler loop + ingress
// connector) concurrently and blocks until all of them stop.
func runUp(log *slog.Logger) {
	names, err := butlerNames()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(names) == 0 {
		fmt.Fprintf(os.Stderr, "Error: no butlers configured under %s (run `butler init <name>` first)\n", butlerHome())
		os.Exit(1)
	}

	ctx := context.Background()
	done := make(chan error, len(names))
	for _, name := range names {
		name := name
		a, err := app.New(butlerAppConfig(name), log.With("butler", name))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to initialize butler %q: %v\n", name, err)
			os.Exit(1)
		}
		go func() { done <- a.Run(ctx) }()
	}

	for range names {
		if err := <-done; err != nil {
			log.Error("butler exited with error", "error", err)
		}
	}
}

// runOneShot triggers a single immediate run of the named butler, outside
// the scheduler's normal cadence — useful for testing a prompt or forcing a
// task to fire now.
func runOneShot(log *slog.Logger, name string) {
	a, err := app.New(butlerAppConfig(name), log.With("butler", name))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize butler %q: %v\n", name, err)
		os.Exit(1)
	}
	defer a.Stop(context.Background())

	task := &scheduler.Task{
		Name:      "manual-run",
		Kind:      scheduler.KindOneShot,
		Prompt:    environment.StringOr("BUTLER_RUN_PROMPT", "Check in and report anything that needs attention."),
		Source:    scheduler.SourceRuntime,
		Enabled:   true,
		CreatedAt: time.Now(),
	}
	summary, err := a.SpawnForSchedule(context.Background(), task)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error running %q: %v\n", name, err)
		os.Exit(1)
	}
	fmt.Println(summary)
}

func runList() {
	names, err := butlerNames()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(names) == 0 {
		fmt.Printf("no butlers configured under %s\n", butlerHome())
		return
	}
	for _, name := range names {
		fmt.Println(name)
	}
}

const defaultButlerTemplate = `name = %q
timezone = "UTC"

[modules.approvals]
enabled = true
default_risk_tier = "standard"

[modules.scheduler]

[switchboard]
rate_limit = 60
`

// runInit scaffolds BUTLER_HOME/<name>/config.toml and opens (creating) its
// database, so storage's migrations run once up front rather than on first
// "up".
func runInit(name string) {
	dir := filepath.Join(butlerHome(), name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	configPath := filepath.Join(dir, "config.toml")
	if _, err := os.Stat(configPath); err == nil {
		fmt.Fprintf(os.Stderr, "Error: %s already exists\n", configPath)
		os.Exit(1)
	}
	body := fmt.Sprintf(defaultButlerTemplate, name)
	if err := os.WriteFile(configPath, []byte(body), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	db, err := storage.Open(filepath.Join(dir, "butler.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	db.Close()
	fmt.Printf("created %s\n", configPath)
}

// runDashboard starts the read API across every configured butler's
// database. It opens each butler's stores directly rather than a full App,
// since the dashboard never spawns workers or runs the scheduler loop
// itself — it only reads and forwards mutations into each gate/store.
func runDashboard(log *slog.Logger, args []string) {
	fs := flag.NewFlagSet("dashboard", flag.ExitOnError)
	host := fs.String("host", "0.0.0.0", "bind host")
	port := fs.Int("port", 40200, "bind port")
	fs.Parse(args) //nolint:errcheck

	names, err := butlerNames()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	butlers := make(map[string]*dashboard.Butler, len(names))
	for _, name := range names {
		b, err := dashboard.OpenButler(filepath.Join(butlerHome(), name, "butler.db"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open butler %q: %v\n", name, err)
			os.Exit(1)
		}
		butlers[name] = b
	}

	srv := dashboard.New(*host, *port, butlers, log)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting dashboard: %v\n", err)
		os.Exit(1)
	}
	select {}
}
