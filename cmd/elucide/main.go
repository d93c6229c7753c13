package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"elucide/internal/chat"
	"elucide/internal/config"
	"elucide/internal/model"
	"elucide/internal/msgcache"
	"elucide/internal/tui"
)

var version = "dev"

var errTurnFailed = errors.New("reply failed")

func main() {
	if err := execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "elucide: %v\n", err)
		os.Exit(1)
	}
}

func execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return newRootCmd().ExecuteContext(ctx)
}

type globalFlags struct {
	configPath string
	envFile    string
}

func (f *globalFlags) load() (config.Config, error) {
	cfg, err := config.Load(config.LoadOptions{
		Path:    strings.TrimSpace(f.configPath),
		EnvFile: strings.TrimSpace(f.envFile),
	})
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	var threadID string

	cmd := &cobra.Command{
		Use:           "elucide",
		Short:         "elucide is a terminal chat client with an offline-tolerant message cache",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			return runTUI(cmd.Context(), cfg, threadID)
		},
	}

	cmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "Path to config file")
	cmd.PersistentFlags().StringVar(&flags.envFile, "env-file", "", "Path to a dotenv file (default .env)")
	cmd.Flags().StringVar(&threadID, "thread", "", "Thread to open on start")

	cmd.AddCommand(
		newAskCmd(flags),
		newThreadsCmd(flags),
		newCacheCmd(flags),
		newSchemaCmd(),
	)
	return cmd
}

func runTUI(ctx context.Context, cfg config.Config, threadID string) error {
	log, err := newLogger(cfg, true)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	rt, err := newRuntime(cfg, log)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	wait := rt.start(runCtx)

	controller := chat.NewController(rt.env)
	app := tui.NewApp(tui.AppConfig{
		Version:       version,
		ModelName:     cfg.Provider.Model,
		ThemeName:     cfg.TUI.Theme,
		ShowSidebar:   true,
		Env:           rt.env,
		Controller:    controller,
		Threads:       rt.threads,
		Models:        rt.catalog.Names(),
		InitialThread: threadID,
	})

	program := tea.NewProgram(app, tea.WithAltScreen(), tea.WithContext(ctx))
	_, runErr := program.Run()
	app.Close()
	controller.Close()
	cancel()
	_ = wait()

	if err := rt.shutdown(); err != nil {
		return err
	}
	if runErr != nil && !errors.Is(runErr, tea.ErrProgramKilled) {
		return fmt.Errorf("run tui: %w", runErr)
	}
	return nil
}

func newAskCmd(flags *globalFlags) *cobra.Command {
	var (
		threadID  string
		modelName string
	)
	cmd := &cobra.Command{
		Use:   "ask [prompt]",
		Short: "Send one message and stream the reply to stdout",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			log, err := newLogger(cfg, false)
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}
			defer func() { _ = log.Sync() }()

			rt, err := newRuntime(cfg, log)
			if err != nil {
				return err
			}
			askErr := ask(cmd.Context(), rt, cmd.OutOrStdout(), threadID, modelName, strings.Join(args, " "))
			if err := rt.shutdown(); err != nil && askErr == nil {
				askErr = err
			}
			return askErr
		},
	}
	cmd.Flags().StringVar(&threadID, "thread", "", "Thread to continue; a new thread is created when empty")
	cmd.Flags().StringVar(&modelName, "model", "", "Model to answer with")
	return cmd
}

func ask(ctx context.Context, rt *runtime, out io.Writer, threadID, modelName, prompt string) error {
	if threadID == "" {
		th, err := rt.threads.Create(ctx)
		if err != nil {
			return err
		}
		threadID = th.ID.String()
		_, _ = rt.threads.Update(ctx, threadID, model.ThreadPatch{Title: model.StringPtr(titleFrom(prompt))}, true)
	} else if _, err := rt.threads.Fetch(ctx); err != nil {
		rt.log.Warn("thread_list_unavailable", zap.Error(err))
	}

	history, hit := rt.store.Cache.Get(threadID)
	if !hit {
		fetched, err := rt.client.FetchMessages(ctx, threadID)
		if err != nil {
			return err
		}
		history = rt.store.Cache.Put(threadID, fetched)
	}

	session := rt.env.NewSession(threadID, history)
	defer session.Close()

	var turnErr error
	session.OnStream(func(chunk string, last bool) {
		if last {
			_, _ = fmt.Fprintln(out)
			return
		}
		_, _ = io.WriteString(out, chunk)
	})
	session.OnError(func(err error) { turnErr = err })

	if err := session.Append(ctx, chat.Input{Content: prompt, Model: modelName}); err != nil {
		return err
	}
	session.Wait()

	switch session.State() {
	case chat.StateErrored:
		return fmt.Errorf("%w: %v", errTurnFailed, turnErr)
	case chat.StateCancelled:
		_, _ = fmt.Fprintln(out)
		return ctx.Err()
	}
	rt.log.Info("ask_complete", zap.String("thread", threadID))
	return nil
}

func titleFrom(prompt string) string {
	title := strings.Join(strings.Fields(prompt), " ")
	if runes := []rune(title); len(runes) > 48 {
		title = string(runes[:47]) + "…"
	}
	return title
}

func newThreadsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "threads",
		Short: "List threads, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			log, err := newLogger(cfg, false)
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}
			rt, err := newRuntime(cfg, log)
			if err != nil {
				return err
			}
			defer func() { _ = rt.storage.Close() }()

			if _, err := rt.threads.Fetch(cmd.Context()); err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tUPDATED\tCACHED\tTITLE")
			for _, th := range rt.threads.List() {
				title := "Untitled"
				if th.Title != nil && *th.Title != "" {
					title = *th.Title
				}
				_, cached := rt.store.Cache.Get(th.ID.String())
				_, _ = fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", th.ID, th.UpdatedAt.Local().Format(time.DateTime), cached, title)
			}
			return w.Flush()
		},
	}
}

func newCacheCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the local message cache",
	}
	withStore := func(fn func(cmd *cobra.Command, store *msgcache.Store) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			log, err := newLogger(cfg, false)
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}
			storage, store, err := openStore(cfg, log)
			if err != nil {
				return err
			}
			defer func() { _ = storage.Close() }()
			return fn(cmd, store)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List cached threads and their unsynced messages",
			Args:  cobra.NoArgs,
			RunE: withStore(func(cmd *cobra.Command, store *msgcache.Store) error {
				ids, err := store.Cache.Threads()
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(w, "THREAD\tMESSAGES\tPENDING")
				for _, id := range ids {
					msgs, _ := store.Cache.Get(id)
					_, _ = fmt.Fprintf(w, "%s\t%d\t%d\n", id, len(msgs), len(store.Ledger.Pending(id)))
				}
				return w.Flush()
			}),
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Drop every cached thread; unsynced messages are kept",
			Args:  cobra.NoArgs,
			RunE: withStore(func(cmd *cobra.Command, store *msgcache.Store) error {
				removed, err := store.Cache.InvalidateAll()
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "cleared %d cached threads\n", removed)
				return nil
			}),
		},
	)
	return cmd
}

func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "schema [cache|config]",
		Short:     "Print the JSON Schema of the cache entry or the config file",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"cache", "config"},
		RunE: func(cmd *cobra.Command, args []string) error {
			target := "cache"
			if len(args) == 1 {
				target = args[0]
			}
			schema, err := buildSchema(target)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(schema)
		},
	}
}

func buildSchema(target string) (*jsonschema.Schema, error) {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
		Mapper: func(t reflect.Type) *jsonschema.Schema {
			if t == reflect.TypeOf(model.ID{}) {
				return &jsonschema.Schema{Type: "string"}
			}
			return nil
		},
	}
	switch target {
	case "cache":
		return reflector.Reflect(&msgcache.Entry{}), nil
	case "config":
		reflector.FieldNameTag = "toml"
		reflector.RequiredFromJSONSchemaTags = true
		return reflector.Reflect(&config.Config{}), nil
	default:
		return nil, fmt.Errorf("unknown schema %q, want cache or config", target)
	}
}
