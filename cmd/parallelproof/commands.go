package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/parallelproof/parallelproof/internal/agent"
	"github.com/parallelproof/parallelproof/internal/broadcast"
	"github.com/parallelproof/parallelproof/internal/config"
	"github.com/parallelproof/parallelproof/internal/envpool"
	"github.com/parallelproof/parallelproof/internal/gemini"
	"github.com/parallelproof/parallelproof/internal/janitor"
	"github.com/parallelproof/parallelproof/internal/notify"
	"github.com/parallelproof/parallelproof/internal/orchestrator"
	"github.com/parallelproof/parallelproof/internal/patterns"
	"github.com/parallelproof/parallelproof/internal/retrieval"
	"github.com/parallelproof/parallelproof/internal/sandbox"
	"github.com/parallelproof/parallelproof/internal/store"
	"github.com/parallelproof/parallelproof/internal/telemetry"
	"github.com/parallelproof/parallelproof/tui"
	"github.com/parallelproof/parallelproof/web/api"
)

var (
	servePort    int
	serverURL    string
	submitLang   string
	submitAgents int
)

var (
	goodStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	badStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

func init() {
	// serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator API server",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)

	// submit command
	submitCmd := &cobra.Command{
		Use:   "submit FILE",
		Short: "Submit a code snippet for optimization ('-' reads stdin)",
		Args:  cobra.ExactArgs(1),
		RunE:  runSubmit,
	}
	submitCmd.Flags().StringVar(&submitLang, "language", "", "snippet language (inferred from extension if empty)")
	submitCmd.Flags().IntVar(&submitAgents, "agents", 0, "number of agents (0 uses the server default)")
	submitCmd.Flags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "orchestrator base URL")
	rootCmd.AddCommand(submitCmd)

	// status command
	statusCmd := &cobra.Command{
		Use:   "status TASK",
		Short: "Show a task and its agent runs",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	}
	statusCmd.Flags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "orchestrator base URL")
	rootCmd.AddCommand(statusCmd)

	// watch command
	watchCmd := &cobra.Command{
		Use:   "watch TASK",
		Short: "Follow a task's progress live",
		Args:  cobra.ExactArgs(1),
		RunE:  runWatch,
	}
	watchCmd.Flags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "orchestrator base URL")
	rootCmd.AddCommand(watchCmd)

	// patterns command
	patternsCmd := &cobra.Command{
		Use:   "patterns",
		Short: "Manage the optimization pattern library",
	}
	seedCmd := &cobra.Command{
		Use:   "seed [FILE]",
		Short: "Seed patterns from a YAML file into the store",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runPatternsSeed,
	}
	patternsCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(patternsCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

// timedPool bounds how long an agent may wait for a free slot,
// independent of the task deadline.
type timedPool struct {
	*envpool.Manager
	acquireTimeout time.Duration
}

func (p *timedPool) Acquire(ctx context.Context, taskID, agentID string) (*envpool.Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
	defer cancel()
	return p.Manager.Acquire(ctx, taskID, agentID)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is not set")
	}

	ctx := context.Background()

	shutdown, err := telemetry.Setup(ctx)
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(sctx)
	}()

	metrics, err := telemetry.NewMetrics()
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Store.DatabasePath), 0o755); err != nil {
		return err
	}
	st, err := store.New(cfg.Store.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	gem, err := gemini.New(ctx, apiKey, cfg.Gemini.Model, cfg.Gemini.EmbeddingModel, telemetry.Logger("gemini"))
	if err != nil {
		return fmt.Errorf("gemini client: %w", err)
	}

	var prov envpool.Provisioner
	var measurer agent.Benchmarker
	switch cfg.Sandbox.Provisioner {
	case "docker":
		dp, err := sandbox.NewDockerProvisioner(ctx, sandbox.DockerConfig{
			Image:    cfg.Sandbox.Image,
			MemoryMB: cfg.Sandbox.MemoryMB,
			CPULimit: cfg.Sandbox.CPULimit,
		}, telemetry.Logger("sandbox"))
		if err != nil {
			return fmt.Errorf("docker provisioner: %w", err)
		}
		if err := dp.PullImage(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "pulling %s: %v\n", cfg.Sandbox.Image, err)
		}
		prov = dp
		measurer = sandbox.NewDockerBenchmarker(dp)
	default:
		prov = sandbox.NewStaticProvisioner(cfg.Sandbox.BaseRef, telemetry.Logger("sandbox"))
		measurer = sandbox.NewLocalBenchmarker()
	}

	manager := envpool.NewManager(
		cfg.Pool.Capacity,
		time.Duration(cfg.Pool.LeaseCeilingSecs)*time.Second,
		time.Duration(cfg.Pool.ReleaseTimeoutSecs)*time.Second,
		prov,
		telemetry.Logger("envpool"),
	)
	pool := &timedPool{
		Manager:        manager,
		acquireTimeout: time.Duration(cfg.Pool.AcquireTimeoutSecs) * time.Second,
	}

	engine := retrieval.NewEngine(st, gem, telemetry.Logger("retrieval"))
	hub := broadcast.NewHub(telemetry.Logger("broadcast"))

	var notifiers []notify.Notifier
	if cfg.Notifications.Desktop {
		notifiers = append(notifiers, notify.NewDesktopNotifier(true))
	}
	if cfg.Notifications.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))
	}
	var sink notify.Notifier = notify.NoopNotifier{}
	if len(notifiers) > 0 {
		sink = notify.NewMultiNotifier(notifiers...)
	}
	reporter := notify.NewTaskReporter(sink)

	orch := orchestrator.New(st, hub, pool, engine, gem, measurer, reporter, metrics, orchestrator.Options{
		DefaultAgents: cfg.Agents.Default,
		MaxAgents:     cfg.Agents.Max,
		TaskTimeout:   time.Duration(cfg.Agents.TaskTimeoutSecs) * time.Second,
	}, telemetry.Logger("orchestrator"))

	jan, err := janitor.New(manager, st,
		cfg.Janitor.Cron,
		time.Duration(cfg.Janitor.AbandonedAfterSecs)*time.Second,
		metrics, telemetry.Logger("janitor"))
	if err != nil {
		return fmt.Errorf("janitor: %w", err)
	}
	go jan.Start()
	defer jan.Stop()

	if err := seedPatterns(ctx, cfg, st, gem); err != nil {
		return err
	}

	port := servePort
	if port == 0 {
		port = cfg.Server.Port
	}
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, port)

	server := api.NewServer(orch, hub, st, addr, telemetry.Logger("api"))
	fmt.Printf("ParallelProof API at http://%s\n", addr)
	return server.Start()
}

func runSubmit(cmd *cobra.Command, args []string) error {
	code, err := readSnippet(args[0])
	if err != nil {
		return err
	}

	language := submitLang
	if language == "" {
		language = inferLanguage(args[0])
	}
	if language == "" {
		return fmt.Errorf("cannot infer language from %q, pass --language", args[0])
	}

	body, _ := json.Marshal(api.OptimizeRequest{
		Code:      code,
		Language:  language,
		NumAgents: submitAgents,
	})

	resp, err := http.Post(serverURL+"/api/optimize", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("contacting server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return serverError(resp)
	}

	var out api.OptimizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return err
	}

	fmt.Printf("Task %s submitted (%s, status %s)\n", out.TaskID, language, out.Status)
	fmt.Printf("Follow it with: parallelproof watch %s\n", out.TaskID)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	taskID := args[0]

	resp, err := http.Get(serverURL + "/api/tasks/" + taskID)
	if err != nil {
		return fmt.Errorf("contacting server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("task %s not found", taskID)
	}
	if resp.StatusCode != http.StatusOK {
		return serverError(resp)
	}

	var task api.TaskResponse
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return err
	}

	fmt.Printf("Task %s  %s\n", task.ID, styleTaskStatus(task.Status))
	if created, err := time.Parse(time.RFC3339, task.CreatedAt); err == nil {
		fmt.Printf("Submitted %s", humanize.Time(created))
		if task.CompletedAt != nil {
			if completed, err := time.Parse(time.RFC3339, *task.CompletedAt); err == nil {
				fmt.Printf(", finished after %s", completed.Sub(created).Round(time.Millisecond))
			}
		}
		fmt.Println()
	}
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "AGENT\tSTRATEGY\tSTATUS\tIMPROVEMENT")
	for _, a := range task.Agents {
		marker := ""
		if task.BestRunID != "" && a.AgentID == task.BestRunID {
			marker = " " + goodStyle.Render("(winner)")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s%s\n",
			a.AgentID, a.Strategy, a.Status, styleImprovement(a), marker)
	}
	w.Flush()

	if task.Status == "completed" && task.BestRunID == "" {
		fmt.Println()
		fmt.Println(warnStyle.Render("No candidate beat the baseline."))
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	taskID := args[0]

	stream, err := tui.DialStream(serverURL, taskID)
	if err != nil {
		return err
	}
	defer stream.Close()

	model := tui.NewModel(tui.ModelConfig{
		TaskID: taskID,
		Events: stream.Events(),
	})

	_, err = tea.NewProgram(model, tea.WithAltScreen()).Run()
	return err
}

func runPatternsSeed(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	file := cfg.Patterns.File
	if len(args) > 0 {
		file = args[0]
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Store.DatabasePath), 0o755); err != nil {
		return err
	}
	st, err := store.New(cfg.Store.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()

	var embedder patterns.Embedder
	if apiKey := os.Getenv("GEMINI_API_KEY"); apiKey != "" {
		gem, err := gemini.New(ctx, apiKey, cfg.Gemini.Model, cfg.Gemini.EmbeddingModel, nil)
		if err != nil {
			return fmt.Errorf("gemini client: %w", err)
		}
		embedder = gem
	} else {
		fmt.Println(warnStyle.Render("GEMINI_API_KEY not set, seeding without embeddings"))
	}

	inserted, err := patterns.Seed(ctx, st, embedder, file, nil)
	if err != nil {
		return err
	}

	total, err := st.CountPatterns()
	if err != nil {
		return err
	}
	fmt.Printf("Seeded %d pattern(s) from %s (%d in library)\n", inserted, file, total)
	return nil
}

// seedPatterns seeds the library at startup and, when configured,
// re-seeds whenever the file changes.
func seedPatterns(ctx context.Context, cfg *config.Config, st *store.Store, gem *gemini.Client) error {
	if _, err := os.Stat(cfg.Patterns.File); os.IsNotExist(err) {
		return nil
	}

	inserted, err := patterns.Seed(ctx, st, gem, cfg.Patterns.File, nil)
	if err != nil {
		return fmt.Errorf("seeding patterns: %w", err)
	}
	if inserted > 0 {
		fmt.Printf("Seeded %d pattern(s) from %s\n", inserted, cfg.Patterns.File)
	}

	if !cfg.Patterns.Watch {
		return nil
	}

	watcher, err := patterns.NewWatcher(cfg.Patterns.File, func() {
		if _, err := patterns.Seed(context.Background(), st, gem, cfg.Patterns.File, nil); err != nil {
			fmt.Fprintf(os.Stderr, "re-seeding patterns: %v\n", err)
		}
	}, nil)
	if err != nil {
		return fmt.Errorf("pattern watcher: %w", err)
	}
	watcher.Start(ctx)
	return nil
}

func readSnippet(path string) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		return string(data), err
	}
	data, err := os.ReadFile(path)
	return string(data), err
}

func inferLanguage(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".py":
		return "python"
	case ".js", ".mjs":
		return "javascript"
	case ".sh":
		return "sh"
	default:
		return ""
	}
}

func serverError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil && payload.Error != "" {
		return fmt.Errorf("server: %s", payload.Error)
	}
	return fmt.Errorf("server returned %s", resp.Status)
}

func styleTaskStatus(status string) string {
	switch status {
	case "completed":
		return goodStyle.Render(status)
	case "failed":
		return badStyle.Render(status)
	default:
		return dimStyle.Render(status)
	}
}

func styleImprovement(a api.AgentRunResponse) string {
	switch {
	case a.Status == "failed":
		return badStyle.Render(a.Error)
	case a.ImprovementPct == nil:
		return dimStyle.Render("-")
	case *a.ImprovementPct < 0:
		return warnStyle.Render(fmt.Sprintf("%.1f%%", *a.ImprovementPct))
	default:
		return goodStyle.Render(fmt.Sprintf("+%.1f%%", *a.ImprovementPct))
	}
}
