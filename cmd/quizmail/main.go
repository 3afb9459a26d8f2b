package main

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/quizmail/internal/bank"
	"github.com/pavelanni/quizmail/internal/cycle"
	"github.com/pavelanni/quizmail/internal/grader"
	"github.com/pavelanni/quizmail/internal/grader/prompts"
	appI18n "github.com/pavelanni/quizmail/internal/i18n"
	"github.com/pavelanni/quizmail/internal/inspect"
	"github.com/pavelanni/quizmail/internal/mail"
	"github.com/pavelanni/quizmail/internal/model"
	"github.com/pavelanni/quizmail/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "quizmail",
		Short: "Email quiz daemon graded by an LLM",
	}

	run := runCmd()
	root.AddCommand(run, authCmd(), resetCmd(), exportCmd())

	// Make "run" the default when no subcommand is given.
	root.RunE = run.RunE

	// Register run flags on root so bare `quizmail --target ...` still works.
	root.Flags().AddFlagSet(run.Flags())

	return root
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the quiz cycle daemon",
		RunE:  runDaemon,
	}
	f := cmd.Flags()
	f.String("db", "quizmail.db", "SQLite database path")
	f.StringP("questions", "q", "questions.csv", "Path to the questions CSV file")
	f.StringP("target", "t", "", "Student email address (required)")
	f.String("subject", "Quiz question", "Subject line for quiz emails")
	f.Duration("question-interval", 24*time.Hour, "Pause between a graded answer and the next question")
	f.Duration("poll-interval", 5*time.Minute, "How often to check for replies")
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.String("prompt-variant", string(prompts.VariantStandard), "Grading prompt variant (strict, standard, lenient)")
	f.String("review-sheet", "", "Optional review sheet file included as grading context")
	f.StringP("lang", "l", "en", "Feedback language (en, ru)")
	f.String("credentials", "credentials.json", "Gmail OAuth client credentials file")
	f.String("token", "token.json", "Gmail OAuth token file")
	f.String("inspect-addr", "", "Listen address for the JSON inspection server (empty = disabled)")
	f.String("inspect-user", "admin", "Basic auth user for the inspection server")
	f.String("inspect-password", "", "Basic auth password for the inspection server (empty = no auth)")
	f.Bool("reset", false, "Clear session state and score history before starting")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func authCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Run the Gmail OAuth flow and save the token",
		RunE:  runAuth,
	}
	f := cmd.Flags()
	f.String("credentials", "credentials.json", "Gmail OAuth client credentials file")
	f.String("token", "token.json", "Gmail OAuth token file to write")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func resetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear session state and score history (progress log is kept)",
		RunE:  runReset,
	}
	f := cmd.Flags()
	f.String("db", "quizmail.db", "SQLite database path")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the progress log as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "quizmail.db", "SQLite database path")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
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

	v.SetEnvPrefix("QUIZMAIL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("quizmail")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/quizmail")
	v.AddConfigPath("/etc/quizmail")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	target := v.GetString("target")
	if target == "" {
		return &model.ConfigError{Msg: "student email is required: set --target flag or QUIZMAIL_TARGET env var"}
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if v.GetBool("reset") {
		if err := db.Reset(); err != nil {
			return fmt.Errorf("reset state: %w", err)
		}
		slog.Info("session state and scores cleared")
	}

	questions, err := loadBank(db, v.GetString("questions"))
	if err != nil {
		return fmt.Errorf("load questions: %w", err)
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	promptVariant := strings.ToLower(strings.TrimSpace(v.GetString("prompt-variant")))
	if !prompts.IsValidVariant(promptVariant) {
		slog.Warn("invalid prompt-variant, using standard", "variant", promptVariant)
		promptVariant = string(prompts.VariantStandard)
	}
	llmClient := grader.New(
		v.GetString("llm-url"),
		v.GetString("llm-key"),
		v.GetString("llm-model"),
		promptVariant,
	)
	if sheet := v.GetString("review-sheet"); sheet != "" {
		llmClient.LoadReviewContext(sheet)
	}
	if err := llmClient.Ping(cmd.Context()); err != nil {
		return fmt.Errorf("LLM health check: %w", err)
	}
	slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", v.GetString("llm-model"))

	transport, err := mail.NewGmail(cmd.Context(), v.GetString("credentials"), v.GetString("token"), target)
	if err != nil {
		return fmt.Errorf("gmail transport: %w", err)
	}

	cfg := model.ServiceConfig{
		TargetEmail:      target,
		Subject:          v.GetString("subject"),
		QuestionInterval: v.GetDuration("question-interval"),
		PollInterval:     v.GetDuration("poll-interval"),
		PromptVariant:    promptVariant,
	}

	ctrl, err := cycle.New(cycle.Deps{
		Store:     db,
		Bank:      questions,
		Transport: transport,
		Grader:    llmClient,
		Localizer: appI18n.NewLocalizer(lang),
		Config:    cfg,
	})
	if err != nil {
		return fmt.Errorf("create controller: %w", err)
	}

	if addr := v.GetString("inspect-addr"); addr != "" {
		if err := startInspectServer(db, addr, v.GetString("inspect-user"), v.GetString("inspect-password")); err != nil {
			return fmt.Errorf("inspection server: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return ctrl.Run(ctx)
}

// startInspectServer serves read-only state on a separate listener so a
// crash there never takes the cycle down.
func startInspectServer(db *store.Store, addr, user, password string) error {
	var hash string
	if password != "" {
		b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash inspection password: %w", err)
		}
		hash = string(b)
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	inspect.New(db, user, hash).Routes(r)

	slog.Info("inspection server listening", "addr", addr, "auth", hash != "")
	go func() {
		if err := http.ListenAndServe(addr, r); err != nil {
			slog.Error("inspection server stopped", "error", err)
		}
	}()
	return nil
}

// loadBank parses the CSV bank and mirrors it into the database. Question
// ids are derived from the question text, so re-importing a changed file
// keeps history and averages for the questions that survived the edit.
func loadBank(db *store.Store, path string) ([]model.Question, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &model.ConfigError{Msg: "read questions file " + path, Err: err}
	}

	questions, err := bank.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	hash := sha256sum(data)
	storedHash, err := db.GetImportedBankHash()
	if err != nil {
		return nil, fmt.Errorf("check import status: %w", err)
	}
	if storedHash == hash {
		slog.Info("questions file unchanged, skipping import", "path", path, "count", len(questions))
		return questions, nil
	}

	if err := db.ReplaceQuestions(questions); err != nil {
		return nil, fmt.Errorf("import questions: %w", err)
	}
	if err := db.SetImportedBankHash(hash); err != nil {
		return nil, fmt.Errorf("record import: %w", err)
	}
	slog.Info("imported questions", "path", path, "count", len(questions))
	return questions, nil
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func runAuth(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	err := mail.Authorize(cmd.Context(), v.GetString("credentials"), v.GetString("token"), os.Stdin, os.Stdout)
	if err != nil {
		return fmt.Errorf("authorize: %w", err)
	}
	slog.Info("token saved", "path", v.GetString("token"))
	return nil
}

func runReset(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := db.Reset(); err != nil {
		return fmt.Errorf("reset state: %w", err)
	}
	slog.Info("session state and scores cleared, progress log kept")
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	records, err := db.ListProgress()
	if err != nil {
		return fmt.Errorf("export progress: %w", err)
	}
	if records == nil {
		records = []model.ProgressRecord{}
	}

	data, err := json.MarshalIndent(records, "", "  ")
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
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)

	return nil
}
