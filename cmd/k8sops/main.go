package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	chromem "github.com/philippgille/chromem-go"

	"github.com/k8sops/k8sops/internal/checkpoint"
	"github.com/k8sops/k8sops/internal/config"
	"github.com/k8sops/k8sops/internal/engine"
	"github.com/k8sops/k8sops/internal/mcpconn"
	"github.com/k8sops/k8sops/internal/memory"
	"github.com/k8sops/k8sops/internal/providers"
	"github.com/k8sops/k8sops/internal/session"
	"github.com/k8sops/k8sops/internal/sessionstore"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	fs := flag.NewFlagSet("k8sops", flag.ExitOnError)
	backendFlag := fs.String("backend", "sqlite", "Session store backend: sqlite or file")
	sessionFlag := fs.String("session", "", "Session id to resume (default: start a new session)")
	dataFlag := fs.String("data", "", "Data directory (default: <user config dir>/k8sops)")
	if err := fs.Parse(os.Args[1:]); err != nil {
		log.Fatalf("flag parse failed: %v", err)
	}

	cfg := loadConfig()

	if err := run(context.Background(), cfg, *backendFlag, *sessionFlag, *dataFlag); err != nil {
		log.Fatalf("k8sops failed: %v", err)
	}
}

// loadConfig layers the on-disk config file under the environment: env beats
// file beats defaults.
func loadConfig() *config.Config {
	cfg := config.Default()
	if mgr, err := config.NewManager(); err != nil {
		log.Printf("user config dir unavailable: %v", err)
	} else if fileCfg, err := mgr.Load(); err != nil {
		log.Printf("ignoring config file: %v", err)
	} else {
		cfg = fileCfg
	}
	return config.OverlayEnv(cfg)
}

// env bundles the per-process resources shared across sessions.
type env struct {
	cfg     *config.Config
	backend string
	dataDir string
	saver   checkpoint.Saver
}

func run(ctx context.Context, cfg *config.Config, backend, sessionID, dataDir string) error {
	var err error
	dataDir, err = resolveDataDir(cfg, dataDir)
	if err != nil {
		return err
	}

	saver, err := checkpoint.NewSQLiteSaver(ctx, filepath.Join(dataDir, "checkpoints.db"))
	if err != nil {
		return fmt.Errorf("open checkpoint db: %w", err)
	}
	defer saver.Close()

	e := &env{cfg: cfg, backend: backend, dataDir: dataDir, saver: saver}

	registry := session.NewRegistry()
	defer registry.CloseAll(ctx)

	ctrl, err := openSession(ctx, e, sessionID)
	if err != nil {
		return err
	}
	registry.Set(ctrl)

	printGreeting(ctrl)
	repl(ctx, e, registry, ctrl)
	return nil
}

func resolveDataDir(cfg *config.Config, dataDir string) (string, error) {
	if dataDir == "" {
		dataDir = cfg.StorePath
	}
	if dataDir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("resolve user config dir: %w", err)
		}
		dataDir = filepath.Join(base, "k8sops")
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	return dataDir, nil
}

func openStore(ctx context.Context, e *env) (sessionstore.Store, error) {
	switch e.backend {
	case "file":
		return sessionstore.NewFileStore(filepath.Join(e.dataDir, "sessions"), e.cfg.UserID)
	case "sqlite", "":
		return sessionstore.NewSQLiteStore(ctx, filepath.Join(e.dataDir, "sessions.db"), e.cfg.UserID)
	default:
		return nil, fmt.Errorf("unknown store backend %q", e.backend)
	}
}

func buildMemory(e *env) *memory.Manager {
	var store memory.Store
	if e.cfg.Memory.UseLongTerm {
		embedFn := chromem.NewEmbeddingFuncOpenAICompat(
			e.cfg.Memory.EmbeddingBaseURL,
			e.cfg.Memory.EmbeddingAPIKey,
			e.cfg.Memory.EmbeddingModel,
			nil,
		)
		s, err := memory.NewChromemStore(e.dataDir, e.cfg.UserID, embedFn)
		if err != nil {
			log.Printf("long-term memory unavailable: %v", err)
		} else {
			store = s
		}
	}

	llm, err := providers.NewClientFromConfig(e.cfg)
	if err != nil {
		log.Printf("memory model unavailable: %v", err)
		return nil
	}
	return memory.NewManager(store, llm, e.cfg.ModelName, memory.Options{
		MaxContextTokens:   e.cfg.Memory.MaxContextTokens,
		ContextThreshold:   e.cfg.Memory.ContextThreshold,
		KeepRecent:         e.cfg.Memory.KeepRecent,
		ExtractionInterval: e.cfg.Memory.ExtractionInterval,
		MaxMemories:        e.cfg.Memory.MaxMemories,
	})
}

// openSession builds and initializes a controller. Each controller owns its
// store handle so cleanup can close it independently.
func openSession(ctx context.Context, e *env, sessionID string) (*session.Controller, error) {
	store, err := openStore(ctx, e)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	cfg := e.cfg
	ctrl := session.NewController(sessionID, session.SettingsFromConfig(cfg), session.Deps{
		Store:       store,
		Saver:       e.saver,
		Memory:      buildMemory(e),
		MaxSessions: cfg.MaxSessions,
		NewLLM: func(s session.Settings) (engine.LLMClient, error) {
			return providers.NewClient(s.Provider, cfg.APIKey, cfg.BaseURL)
		},
		NewConn: func(s session.Settings) session.ToolConn {
			return mcpconn.New(mcpconn.Options{
				Transport: s.MCPTransport,
				ServerURL: s.MCPServerURL,
				SSLVerify: s.MCPSSLVerify,
				Command:   s.MCPCommand,
				Args:      s.MCPArgs,
			})
		},
	})

	if err := ctrl.Initialize(ctx); err != nil {
		return nil, err
	}
	return ctrl, nil
}

func printGreeting(ctrl *session.Controller) {
	snap := ctrl.Snapshot()
	fmt.Printf("session %s (%s)\n", snap.SessionID, ctrl.CurrentModel())
	for _, msg := range snap.Messages {
		fmt.Printf("%s> %s\n", msg.Role, msg.Content)
	}
	fmt.Println(`commands: /sessions /switch <id> /new /model <provider> <name> /delete <id> /quit`)
}

func repl(ctx context.Context, e *env, registry *session.Registry, ctrl *session.Controller) {
	s := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("you> ")
		if !s.Scan() {
			break
		}
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			next, quit := runCommand(ctx, e, registry, ctrl, line)
			if quit {
				return
			}
			if next != nil {
				ctrl = next
			}
			continue
		}

		streamTurn(ctx, ctrl, line)
	}
}

// runCommand handles slash commands. It returns the new active controller
// when a switch happened, and whether the REPL should exit.
func runCommand(ctx context.Context, e *env, registry *session.Registry, ctrl *session.Controller, line string) (*session.Controller, bool) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return nil, true

	case "/sessions":
		listSessions(ctx, e)

	case "/new":
		return switchSession(ctx, e, registry, ctrl, ""), false

	case "/switch":
		if len(fields) < 2 {
			fmt.Println("usage: /switch <session-id>")
			return nil, false
		}
		return switchSession(ctx, e, registry, ctrl, fields[1]), false

	case "/model":
		if len(fields) < 3 {
			fmt.Println("usage: /model <provider> <name>")
			return nil, false
		}
		rebuilt, err := ctrl.UpdateSettings(session.SettingsUpdate{
			Provider:  &fields[1],
			ModelName: &fields[2],
		})
		if err != nil {
			fmt.Printf("model change failed: %v\n", err)
		} else if rebuilt {
			fmt.Printf("now using %s\n", ctrl.CurrentModel())
		} else {
			fmt.Println("model unchanged")
		}

	case "/delete":
		if len(fields) < 2 {
			fmt.Println("usage: /delete <session-id>")
			return nil, false
		}
		deleteSession(ctx, e, fields[1])

	default:
		fmt.Printf("unknown command %s\n", fields[0])
	}
	return nil, false
}

func listSessions(ctx context.Context, e *env) {
	store, err := openStore(ctx, e)
	if err != nil {
		fmt.Printf("list failed: %v\n", err)
		return
	}
	defer store.Close()

	sessions, err := store.ListSessions(ctx, 20)
	if err != nil {
		fmt.Printf("list failed: %v\n", err)
		return
	}
	if len(sessions) == 0 {
		fmt.Println("no sessions")
		return
	}
	for _, meta := range sessions {
		fmt.Printf("%s  %-30q  %d msgs  %s\n",
			meta.SessionID, meta.Title, meta.MessageCount,
			meta.UpdatedAt.Format("2006-01-02 15:04"))
	}
}

func deleteSession(ctx context.Context, e *env, sessionID string) {
	store, err := openStore(ctx, e)
	if err != nil {
		fmt.Printf("delete failed: %v\n", err)
		return
	}
	defer store.Close()

	deleted, err := store.DeleteSession(ctx, sessionID)
	if err != nil {
		fmt.Printf("delete failed: %v\n", err)
		return
	}
	if !deleted {
		fmt.Println("no such session")
		return
	}
	fmt.Println("deleted")
}

func switchSession(ctx context.Context, e *env, registry *session.Registry, current *session.Controller, sessionID string) *session.Controller {
	next, err := openSession(ctx, e, sessionID)
	if err != nil {
		fmt.Printf("switch failed: %v\n", err)
		return nil
	}

	registry.Remove(current.SessionID)
	current.Cleanup(ctx)
	registry.Set(next)
	printGreeting(next)
	return next
}

func streamTurn(ctx context.Context, ctrl *session.Controller, line string) {
	for ev := range ctrl.SendMessage(ctx, line) {
		switch ev.Type {
		case session.EventToken:
			fmt.Print(ev.Content)
		case session.EventToolStart:
			fmt.Printf("\n[%s %s]\n", ev.ToolCall.Name, ev.ToolCall.Arguments)
		case session.EventToolEnd:
			if ev.ToolCall.Status == "error" {
				fmt.Printf("[%s failed: %s]\n", ev.ToolCall.Name, ev.ToolCall.Error)
			}
		case session.EventSystem:
			fmt.Printf("[%s]\n", ev.Content)
		case session.EventError:
			fmt.Printf("\nerror: %s\n", ev.Message)
		case session.EventAssistantMessage:
			fmt.Println()
		}
	}
	fmt.Println()
}
