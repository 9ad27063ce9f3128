package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/ledgerline/expense-tracker/internal/currency"
	"github.com/ledgerline/expense-tracker/internal/expense"
	"github.com/ledgerline/expense-tracker/internal/scanning"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("expense-tracker")
	var (
		port        = fs.IntLong("port", 8080, "HTTP server port")
		dbPath      = fs.StringLong("db", "expense-tracker.db", "Database file path")
		storagePath = fs.StringLong("storage", "./uploads", "Storage directory path")
		baseURL     = fs.StringLong("base-url", "http://localhost:8080", "Public base URL used in approval links")

		recognizerType = fs.StringLong("recognizer", "gemini", "Text recognizer: 'gemini' or 'ollama'")
		geminiKey      = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel    = fs.StringLong("gemini-model", "gemini-2.5-pro", "Google Gemini model name")
		ollamaURL      = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel    = fs.StringLong("ollama-model", "llava", "Ollama vision model name (e.g., llava, llava-phi3, qwen2-vl)")

		interpreterType = fs.StringLong("interpreter", "groq", "Structured interpreter: 'groq' or 'ollama'")
		groqKey         = fs.StringLong("groq-key", "", "Groq API key (or set GROQ_API_KEY env var)")
		groqModel       = fs.StringLong("groq-model", "llama-3.3-70b-versatile", "Groq model name")
		ollamaTextModel = fs.StringLong("ollama-text-model", "llama3", "Ollama text model name for interpretation")

		smtpHost = fs.StringLong("smtp-host", "", "SMTP relay host (email disabled when empty)")
		smtpPort = fs.IntLong("smtp-port", 25, "SMTP relay port")
		smtpFrom = fs.StringLong("smtp-from", "expenses@localhost", "From address for approval emails")

		authUser  = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass  = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		workers   = fs.IntLong("workers", 2, "Number of receipt scan workers")
		queueSize = fs.IntLong("queue-size", 64, "Receipt scan queue capacity")

		showVersion = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("EXPENSE_TRACKER"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	// Initialize database
	slog.Info("Initializing database...")
	db, err := expense.NewBoltDB(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// The recognition engine is built lazily on first use, so a text-only
	// deployment never pays for the OCR backend
	var recognizerFactory func() (scanning.Recognizer, error)
	switch *recognizerType {
	case "gemini":
		apiKey := *geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			slog.Error("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
			os.Exit(1)
		}
		model := *geminiModel
		slog.Info("Using Gemini recognizer", "model", model)
		recognizerFactory = func() (scanning.Recognizer, error) {
			return scanning.NewGemini(apiKey, model)
		}
	case "ollama":
		url, model := *ollamaURL, *ollamaModel
		slog.Info("Using Ollama recognizer", "url", url, "model", model)
		recognizerFactory = func() (scanning.Recognizer, error) {
			return scanning.NewOllama(url, model)
		}
	default:
		slog.Error("Invalid recognizer type", "type", *recognizerType, "valid", "gemini or ollama")
		os.Exit(1)
	}
	extractor := scanning.NewExtractor(recognizerFactory)
	defer extractor.Close()

	var interp scanning.Interpreter
	switch *interpreterType {
	case "groq":
		apiKey := *groqKey
		if apiKey == "" {
			apiKey = os.Getenv("GROQ_API_KEY")
		}
		if apiKey == "" {
			slog.Error("Groq API key is required. Set --groq-key flag or GROQ_API_KEY environment variable")
			os.Exit(1)
		}
		slog.Info("Using Groq interpreter", "model", *groqModel)
		interp, err = scanning.NewGroq(apiKey, *groqModel)
		if err != nil {
			slog.Error("Failed to initialize Groq", "error", err)
			os.Exit(1)
		}
	case "ollama":
		slog.Info("Using Ollama interpreter", "url", *ollamaURL, "model", *ollamaTextModel)
		interp, err = scanning.NewOllama(*ollamaURL, *ollamaTextModel)
		if err != nil {
			slog.Error("Failed to initialize Ollama", "error", err)
			os.Exit(1)
		}
	default:
		slog.Error("Invalid interpreter type", "type", *interpreterType, "valid", "groq or ollama")
		os.Exit(1)
	}
	defer interp.Close()

	// Initialize storage
	slog.Info("Initializing storage...")
	store, err := expense.NewLocalStorage(*storagePath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	resolver := currency.NewResolver()

	var mailer expense.EmailSender
	if *smtpHost != "" {
		slog.Info("Email enabled", "host", *smtpHost, "port", *smtpPort)
		mailer = expense.NewSMTPEmailSender(*smtpHost, *smtpPort, *smtpFrom)
	} else {
		slog.Info("Email disabled, approval links will be logged")
		mailer = &expense.LogEmailSender{}
	}

	// Initialize scan pipeline and workers
	pipeline := expense.NewPipeline(db, store, extractor, interp, resolver)
	pool := expense.NewWorkerPool(pipeline, *queueSize)
	pool.Start(context.Background(), *workers)

	// Initialize service
	expenseService := expense.NewService(db, store, resolver, mailer, pool, *baseURL)

	// Initialize server
	basicAuth := expense.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := expense.NewServer(expenseService, basicAuth)

	// Start server in goroutine
	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := server.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr))
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
	pool.Stop()
}
