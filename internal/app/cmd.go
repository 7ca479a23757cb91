package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/hitoshi/hnarchive/internal/database"
	"github.com/hitoshi/hnarchive/internal/model"
	"github.com/hitoshi/hnarchive/internal/render"
	"github.com/hitoshi/hnarchive/internal/security"
	"github.com/hitoshi/hnarchive/internal/worker/harvest"
)

// outputIDPlaceholder は--outputのファイル名でアイテムIDに置き換えられる文字列。
const outputIDPlaceholder = "{id}"

// RootOptions は全コマンド共通のフラグを保持する。
type RootOptions struct {
	Verbose     bool
	MetricsAddr string

	stdout io.Writer
	stderr io.Writer
}

// NewRootCommand はhnarchive CLIのルートコマンドを生成する。
// フラグ名の "_" と "-" は同一視する（--commit_period と --commit-period は同じ）。
func NewRootCommand(stdout, stderr io.Writer) *cobra.Command {
	opts := &RootOptions{stdout: stdout, stderr: stderr}

	cmd := &cobra.Command{
		Use:           "hnarchive",
		Short:         "Hacker News item archiver",
		Long:          "Harvest items from the Hacker News API into a local database and render them to HTML.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")
	cmd.PersistentFlags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve /health and /metrics on this address during the run (overrides METRICS_ADDR)")

	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewLivestreamCommand(opts))
	cmd.AddCommand(NewUpdateCommand(opts))
	cmd.AddCommand(NewUpdateItemsCommand(opts))
	cmd.AddCommand(NewHTMLRenderCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))

	cmd.SetGlobalNormalizationFunc(normalizeFlagName)

	return cmd
}

// normalizeFlagName はフラグ名の "_" を "-" に揃える。
func normalizeFlagName(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

// addHarvestFlags は--threadsと--commit-periodを登録する。
// 未指定の場合はHARVEST_THREADS/HARVEST_COMMIT_PERIODの値を使う。
func addHarvestFlags(cmd *cobra.Command, params *harvestParams) {
	cmd.Flags().IntVar(&params.threads, "threads", 1, "number of concurrent fetch workers (default from HARVEST_THREADS)")
	cmd.Flags().IntVar(&params.commitPeriod, "commit-period", 200, "commit after this many stored items (default from HARVEST_COMMIT_PERIOD)")
}

// resolveHarvestParams は明示されなかったフラグを設定値で埋める。
func resolveHarvestParams(cmd *cobra.Command, env *environment, params harvestParams) harvestParams {
	if !cmd.Flags().Changed("threads") {
		params.threads = env.cfg.Threads
	}
	if !cmd.Flags().Changed("commit-period") {
		params.commitPeriod = env.cfg.CommitPeriod
	}
	return params
}

// NewGetCommand はgetコマンドを生成する。
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		params harvestParams
		lower  int64
		upper  int64
	)

	cmd := &cobra.Command{
		Use:   "get",
		Short: "Get items between two IDs, inclusive",
		Long: `Fetch every item ID in [lower, upper] and store it.

Example:
  hnarchive get --lower 1 --upper 1000 --threads 8
  hnarchive get --lower 40000000 --commit_period 500`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnvironment(rootOpts, true)
			if err != nil {
				return err
			}
			defer env.Close()

			params = resolveHarvestParams(cmd, env, params)
			return env.runHarvest(cmd.Context(), "get", params, func(log *slog.Logger) (harvest.Source, error) {
				planner := harvest.NewPlanner(env.store, env.client, env.retryPolicy(), log)
				if cmd.Flags().Changed("upper") {
					return planner.Range(lower, upper)
				}
				if lower < 1 {
					return nil, model.NewInvalidLowerError(lower)
				}
				remoteMax, err := planner.RemoteMax(cmd.Context())
				if err != nil {
					return nil, fmt.Errorf("failed to get remote max id: %w", err)
				}
				return planner.Range(lower, remoteMax)
			})
		},
	}

	cmd.Flags().Int64Var(&lower, "lower", 1, "lower bound item ID")
	cmd.Flags().Int64Var(&upper, "upper", 0, "upper bound item ID (default: most recent item)")
	addHarvestFlags(cmd, &params)

	return cmd
}

// NewLivestreamCommand はlivestreamコマンドを生成する。
func NewLivestreamCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		params       harvestParams
		pollInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "livestream",
		Short: "Watch for new items until interrupted",
		Long: `Start from the highest stored ID and keep fetching new items as they appear.
Interrupt with Ctrl-C; in-flight items are stored before exit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnvironment(rootOpts, true)
			if err != nil {
				return err
			}
			defer env.Close()

			interval := env.cfg.TailPollInterval
			if cmd.Flags().Changed("poll-interval") {
				interval = pollInterval
			}

			params = resolveHarvestParams(cmd, env, params)
			return env.runHarvest(cmd.Context(), "livestream", params, func(log *slog.Logger) (harvest.Source, error) {
				tailer := harvest.NewTailer(env.store, env.client, interval, env.retryPolicy(), log)
				return tailer.Source(cmd.Context())
			})
		},
	}

	cmd.Flags().DurationVar(&pollInterval, "poll-interval", 5*time.Second, "time between checks for new items (default from TAIL_POLL_INTERVAL)")
	addHarvestFlags(cmd, &params)

	return cmd
}

// NewUpdateCommand はupdateコマンドを生成する。
func NewUpdateCommand(rootOpts *RootOptions) *cobra.Command {
	var params harvestParams

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Get items newer than the highest stored ID",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnvironment(rootOpts, true)
			if err != nil {
				return err
			}
			defer env.Close()

			params = resolveHarvestParams(cmd, env, params)
			return env.runHarvest(cmd.Context(), "update", params, func(log *slog.Logger) (harvest.Source, error) {
				planner := harvest.NewPlanner(env.store, env.client, env.retryPolicy(), log)
				return planner.CatchUp(cmd.Context())
			})
		},
	}

	addHarvestFlags(cmd, &params)

	return cmd
}

// NewUpdateItemsCommand はupdate_itemsコマンドを生成する。
func NewUpdateItemsCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		params     harvestParams
		days       float64
		onlyMature bool
	)

	cmd := &cobra.Command{
		Use:     "update_items",
		Aliases: []string{"update-items"},
		Short:   "Re-fetch stored items whose data may still change",
		Long: `Re-fetch items that were retrieved less than --days after they were posted,
so their score and descendant counts converge to final values.

With --only_mature, items younger than 14 days are left for a later run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if days < 0 {
				return model.NewInvalidDaysError(days)
			}

			env, err := openEnvironment(rootOpts, true)
			if err != nil {
				return err
			}
			defer env.Close()

			params = resolveHarvestParams(cmd, env, params)
			return env.runHarvest(cmd.Context(), "update_items", params, func(log *slog.Logger) (harvest.Source, error) {
				planner := harvest.NewPlanner(env.store, env.client, env.retryPolicy(), log)
				return planner.Stale(cmd.Context(), days, onlyMature)
			})
		},
	}

	cmd.Flags().Float64Var(&days, "days", 0, "freshness window in days (required)")
	cmd.Flags().BoolVar(&onlyMature, "only-mature", false, "only refresh items posted more than 14 days ago")
	addHarvestFlags(cmd, &params)
	_ = cmd.MarkFlagRequired("days")

	return cmd
}

// NewHTMLRenderCommand はhtml_renderコマンドを生成する。
func NewHTMLRenderCommand(rootOpts *RootOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:     "html_render IDS...",
		Aliases: []string{"html-render"},
		Short:   "Render stored items and their comment trees to HTML",
		Long: `Render each ID as a standalone HTML page from the local database.

--output may contain "{id}", which is replaced with each item's ID.
It is required when rendering more than one ID to files.

Example:
  hnarchive html_render 8863 > 8863.html
  hnarchive html_render 8863 121003 --output "{id}.html"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			if output != "" && len(ids) > 1 && !strings.Contains(output, outputIDPlaceholder) {
				return &model.ConfigError{
					Field:   "output",
					Message: fmt.Sprintf("must contain %q when rendering multiple IDs", outputIDPlaceholder),
				}
			}

			env, err := openEnvironment(rootOpts, false)
			if err != nil {
				return err
			}
			defer env.Close()

			renderer := render.NewRenderer(security.NewTextSanitizer())
			for _, id := range ids {
				if err := renderItem(cmd.Context(), env, renderer, id, output, rootOpts.stdout); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&output, "output", "", `write HTML to this file instead of stdout; "{id}" is replaced with the item ID`)

	return cmd
}

// renderItem は1件のアイテムツリーをHTMLとして書き出す。
func renderItem(ctx context.Context, env *environment, renderer *render.Renderer, id int64, output string, stdout io.Writer) error {
	tree, err := render.BuildTree(ctx, env.store, id)
	if err != nil {
		return fmt.Errorf("failed to build tree for item %d: %w", id, err)
	}

	if output == "" {
		return renderer.RenderPage(stdout, tree)
	}

	filename := strings.ReplaceAll(output, outputIDPlaceholder, strconv.FormatInt(id, 10))
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", filename, err)
	}
	if err := renderer.RenderPage(f, tree); err != nil {
		f.Close()
		return fmt.Errorf("failed to render item %d: %w", id, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", filename, err)
	}

	env.logger.Info("rendered item", slog.Int64("item_id", id), slog.String("file", filename))
	return nil
}

// NewMigrateCommand はmigrateコマンドを生成する。
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long:  "Apply all pending schema migrations. Harvest commands also do this on start.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := Init(rootOpts.stderr, rootOpts.Verbose)
			if err != nil {
				return err
			}

			log.Info("running database migrations",
				slog.String("driver", cfg.DatabaseDriver),
				slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
			)

			db, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := database.RunMigrations(db, cfg.DatabaseDriver); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			log.Info("database migrations completed successfully")
			return nil
		},
	}
}

// parseIDs は位置引数をアイテムIDとして解釈する。
func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || id < 1 {
			return nil, &model.ConfigError{
				Field:   "ids",
				Message: fmt.Sprintf("%q is not a valid item ID", arg),
			}
		}
		ids = append(ids, id)
	}
	return ids, nil
}
