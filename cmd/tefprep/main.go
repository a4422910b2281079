package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pavelanni/tefprep/internal/access"
	"github.com/pavelanni/tefprep/internal/attempt"
	"github.com/pavelanni/tefprep/internal/handler"
	appI18n "github.com/pavelanni/tefprep/internal/i18n"
	"github.com/pavelanni/tefprep/internal/llm"
	"github.com/pavelanni/tefprep/internal/llm/prompts"
	"github.com/pavelanni/tefprep/internal/model"
	"github.com/pavelanni/tefprep/internal/progress"
	"github.com/pavelanni/tefprep/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "tefprep",
		Short: "TEF/TCF exam attempts, scoring and progress",
	}

	serve := serveCmd()
	root.AddCommand(serve, importCmd(), exportCmd(), gradePendingCmd(), purgeCmd(), tokenCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `tefprep --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

// addStoreFlags registers the database and logging flags every command shares.
func addStoreFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("driver", string(store.DriverSQLite), "Database driver (sqlite, postgres)")
	f.String("db", "tefprep.db", "SQLite path or PostgreSQL connection URL")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

// addLLMFlags registers the essay grading flags.
func addLLMFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("llm-url", "", "OpenAI-compatible API base URL (empty disables essay grading)")
	f.String("llm-key", "", "API key for LLM")
	f.String("llm-model", "gpt-4o-mini", "LLM model name")
	f.Duration("llm-timeout", 60*time.Second, "Timeout for one essay grading call")
	f.String("prompt-variant", string(prompts.PromptStandard), "Grading prompt variant (strict, standard, lenient)")
	f.String("feedback-language", "French", "Language the grader writes feedback in")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE:  runServe,
	}
	addStoreFlags(cmd)
	addLLMFlags(cmd)
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.StringP("lang", "l", "fr", "Default language for messages (en, fr)")
	f.String("jwt-secret", "", "Shared HS256 secret of the auth provider (or set TEFPREP_JWT_SECRET)")
	f.Duration("stale-after", 0, "Grace after an exam's total time before an open attempt is force-submitted on restart (0 disables)")
	f.StringSlice("cors-origins", []string{"*"}, "Allowed CORS origins")
	f.StringSliceP("exams", "e", nil, "Exam JSON files to import at startup (repeatable)")
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import FILE...",
		Short: "Import exam content JSON files",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runImport,
	}
	addStoreFlags(cmd)
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export attempt results as JSON",
		RunE:  runExport,
	}
	addStoreFlags(cmd)
	f := cmd.Flags()
	f.Int64("exam-id", 0, "Only export attempts of this exam (0 = all)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	return cmd
}

func gradePendingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grade-pending",
		Short: "Retry essay grading on submitted attempts",
		RunE:  runGradePending,
	}
	addStoreFlags(cmd)
	addLLMFlags(cmd)
	return cmd
}

func purgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete all attempts and responses of a student",
		RunE:  runPurge,
	}
	addStoreFlags(cmd)
	cmd.Flags().String("student", "", "Student ID (required)")
	_ = cmd.MarkFlagRequired("student")
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a development bearer token",
		RunE:  runToken,
	}
	f := cmd.Flags()
	f.String("sub", "", "Subject (user ID, required)")
	f.String("role", string(model.UserRoleStudent), "Role (student, admin)")
	f.String("email", "", "Email claim")
	f.Duration("ttl", 24*time.Hour, "Token lifetime")
	f.String("jwt-secret", "", "Shared HS256 secret (or set TEFPREP_JWT_SECRET)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	_ = cmd.MarkFlagRequired("sub")
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("TEFPREP")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("tefprep")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/tefprep")
	v.AddConfigPath("/etc/tefprep")
	v.AddConfigPath("/data")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func openStore(ctx context.Context, v *viper.Viper) (*store.Store, error) {
	db, err := store.New(ctx, store.Driver(v.GetString("driver")), v.GetString("db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// newGrader builds the essay grader, or returns nil when no LLM endpoint is
// configured so essays stay pending.
func newGrader(v *viper.Viper) (*llm.Client, error) {
	url := v.GetString("llm-url")
	if url == "" {
		slog.Warn("no LLM endpoint configured, essays will stay pending")
		return nil, nil
	}
	variant := strings.ToLower(strings.TrimSpace(v.GetString("prompt-variant")))
	if !prompts.IsValidVariant(variant) {
		slog.Warn("invalid prompt-variant, using standard", "variant", variant)
		variant = string(prompts.PromptStandard)
	}
	if _, err := prompts.BuildEssayInstruction(prompts.PromptVariant(variant), "check", ""); err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}
	return llm.New(url, v.GetString("llm-key"), v.GetString("llm-model"),
		llm.WithVariant(prompts.PromptVariant(variant)),
		llm.WithFeedbackLanguage(v.GetString("feedback-language")),
		llm.WithTimeout(v.GetDuration("llm-timeout")),
	), nil
}

// newManager wires the attempt manager. A nil client must not become a
// non-nil Grader interface.
func newManager(db *store.Store, client *llm.Client, opts ...attempt.Option) (*attempt.Manager, *access.Checker, *progress.Aggregator) {
	acc := access.New(db, nil)
	prog := progress.New(db, nil)
	var grader attempt.Grader
	if client != nil {
		grader = client
	}
	return attempt.New(db, grader, acc, prog, opts...), acc, prog
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	secret := v.GetString("jwt-secret")
	if secret == "" {
		return errors.New("jwt secret is required: set --jwt-secret flag or TEFPREP_JWT_SECRET env var")
	}

	db, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := importFiles(ctx, db, v.GetStringSlice("exams")); err != nil {
		return fmt.Errorf("import exams: %w", err)
	}
	if n, err := db.ExamCount(ctx); err != nil {
		return fmt.Errorf("count exams: %w", err)
	} else if n == 0 {
		slog.Warn("no exams in database, import some with --exams or the import command")
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	client, err := newGrader(v)
	if err != nil {
		return err
	}
	if client != nil {
		if err := client.Ping(ctx); err != nil {
			slog.Warn("LLM health check failed, essays may stay pending", "url", v.GetString("llm-url"), "error", err)
		} else {
			slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", v.GetString("llm-model"))
		}
	}

	cfg := model.ServeConfig{
		Lang:        lang,
		JWTSecret:   secret,
		StaleAfter:  v.GetDuration("stale-after"),
		CORSOrigins: v.GetStringSlice("cors-origins"),
	}

	mgr, acc, prog := newManager(db, client, attempt.WithStaleAfter(cfg.StaleAfter))
	h := handler.New(db, mgr, acc, prog, handler.NewAuthenticator(cfg.JWTSecret))

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Accept-Language"},
		MaxAge:         300,
	}))
	r.Use(appI18n.Middleware(cfg.Lang))
	h.Routes(r)

	addr := v.GetString("addr")
	slog.Info("starting server",
		"addr", addr,
		"driver", v.GetString("driver"),
		"lang", cfg.Lang,
		"llm_url", v.GetString("llm-url"),
		"model", v.GetString("llm-model"),
		"stale_after", cfg.StaleAfter,
	)
	return http.ListenAndServe(addr, r)
}

func runImport(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := context.Background()

	db, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()

	return importFiles(ctx, db, args)
}

func importFiles(ctx context.Context, db *store.Store, paths []string) error {
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		id, outcome, err := db.ImportExamFile(ctx, path, data)
		if err != nil {
			return err
		}
		switch outcome {
		case store.Unchanged:
			slog.Info("exam file unchanged, skipping", "path", path)
		case store.Changed:
			slog.Warn("exam file changed since last import, skipping to avoid breaking existing attempts",
				"path", path)
		default:
			slog.Info("exam file imported", "path", path, "exam_id", id)
		}
	}
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := context.Background()

	db, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()

	examID := v.GetInt64("exam-id")
	results, err := db.ExportAttempts(ctx, examID)
	if err != nil {
		return fmt.Errorf("export attempts: %w", err)
	}
	if results == nil {
		results = []model.AttemptResult{}
	}

	export := model.AttemptExport{
		ExportedAt: time.Now().UTC(),
		ExamID:     examID,
		Results:    results,
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	_, _ = fmt.Fprintln(w)
	slog.Info("exported attempts", "count", len(results), "output", outPath)
	return nil
}

func runGradePending(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := context.Background()

	client, err := newGrader(v)
	if err != nil {
		return err
	}
	if client == nil {
		return errors.New("grade-pending needs --llm-url")
	}

	db, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()

	mgr, _, _ := newManager(db, client)
	n, err := mgr.GradePending(ctx)
	if err != nil {
		return fmt.Errorf("grade pending: %w", err)
	}
	slog.Info("grading retry finished", "graded", n)
	return nil
}

func runPurge(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := context.Background()

	db, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()

	student := v.GetString("student")
	n, err := db.PurgeStudentAttempts(ctx, student)
	if err != nil {
		return fmt.Errorf("purge attempts of %s: %w", student, err)
	}
	slog.Info("purged attempts", "student_id", student, "attempts", n)
	return nil
}

func runToken(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	secret := v.GetString("jwt-secret")
	if secret == "" {
		return errors.New("jwt secret is required: set --jwt-secret flag or TEFPREP_JWT_SECRET env var")
	}
	role := model.UserRole(v.GetString("role"))
	if role != model.UserRoleStudent && role != model.UserRoleAdmin {
		return fmt.Errorf("unknown role %q", role)
	}
	tok, err := handler.NewAuthenticator(secret).Issue(v.GetString("sub"), role, v.GetString("email"), v.GetDuration("ttl"))
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), tok)
	return nil
}
