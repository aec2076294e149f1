package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/kbmigrate/internal/ratelimit"
	"github.com/desertthunder/kbmigrate/internal/repositories"
	"github.com/desertthunder/kbmigrate/internal/retry"
	"github.com/desertthunder/kbmigrate/internal/services"
	"github.com/desertthunder/kbmigrate/internal/shared"
	"github.com/desertthunder/kbmigrate/internal/tasks"
	"github.com/desertthunder/kbmigrate/internal/ui"
	"github.com/urfave/cli/v3"
	"golang.org/x/oauth2"
)

// Runner holds all dependencies for CLI commands and provides methods for each command action.
type Runner struct {
	config     *shared.Config
	httpClient *http.Client
	logger     *log.Logger
	logOutput  io.Writer
	output     io.Writer
	palette    *ui.Palette
	ownLogger  bool // logger was built here and follows the [logging] config
}

// RunnerOpts contains configuration options for creating a Runner.
type RunnerOpts struct {
	Config     *shared.Config // skips loading --config when set
	HTTPClient *http.Client   // base transport for the knowledge base client
	Logger     *log.Logger
	LogOutput  io.Writer
	Output     io.Writer
}

// NewRunner creates a new Runner with the provided configuration
func NewRunner(opts RunnerOpts) *Runner {
	if opts.LogOutput == nil {
		opts.LogOutput = os.Stderr
	}
	ownLogger := opts.Logger == nil
	if ownLogger {
		opts.Logger = shared.NewLogger(opts.LogOutput)
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}

	return &Runner{
		config:     opts.Config,
		httpClient: opts.HTTPClient,
		logger:     opts.Logger,
		logOutput:  opts.LogOutput,
		output:     opts.Output,
		palette:    ui.PaletteFor(opts.Output),
		ownLogger:  ownLogger,
	}
}

func (r *Runner) register() []*cli.Command {
	commands := []*cli.Command{}
	for _, fn := range [](func(*Runner) *cli.Command){
		setupCommand, migrateCommand, statusCommand, failedCommand, runsCommand,
	} {
		commands = append(commands, fn(r))
	}

	return commands
}

// loadConfig reads the file named by --config and applies its logging section.
func (r *Runner) loadConfig(cmd *cli.Command) (*shared.Config, error) {
	if r.config != nil {
		return r.config, nil
	}

	path := cmd.String("config")
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s (run 'kbmigrate setup' first)", shared.ErrMissingConfig, path)
	}

	config, err := shared.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if r.ownLogger {
		r.logger = shared.NewLoggerWithOptions(r.logOutput, config.Logging)
	}
	r.config = config
	return config, nil
}

// openStore opens the state database and brings its schema up to date.
func (r *Runner) openStore(ctx context.Context, config *shared.Config) (*repositories.Store, func(), error) {
	db, err := shared.NewDatabase(config.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open state database: %w", err)
	}
	shared.ConfigureDatabase(db, config.Database.MaxOpenConns, config.Database.MaxIdleConns)

	if err := shared.RunMigrationsContext(ctx, db); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	closeDB := func() {
		if err := db.Close(); err != nil {
			r.logger.Warn("failed to close state database", "error", err)
		}
	}
	return repositories.NewStore(db), closeDB, nil
}

// newEngine wires the export reader, transformer, attachment bucket, knowledge base client,
// rate limiter and retry policy into a migration engine.
//
// The knowledge base client is optional when requireRemote is false so dry runs and
// reporting work without credentials.
func (r *Runner) newEngine(ctx context.Context, config *shared.Config, store *repositories.Store, requireRemote bool) (*tasks.MigrationEngine, func(), error) {
	reader, err := services.NewExportReader(config.Source, r.logger)
	if err != nil {
		return nil, nil, err
	}

	location := config.Source.AttachmentsURL
	if location == "" {
		location = config.Source.DocumentsPath
	}
	attachments, err := services.OpenBlobSource(ctx, location, config.Migration.MaxAttachmentBytes)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := attachments.Close(); err != nil {
			r.logger.Warn("failed to close attachment bucket", "error", err)
		}
	}

	limiter, err := ratelimit.New(config.RateLimit.RequestsPerMinute)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	var remote tasks.RemoteClient
	if r.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	}
	client, err := services.NewSuperOpsClient(ctx, config.Destination, r.logger)
	switch {
	case err == nil:
		client.SetPageLimiter(limiter)
		remote = client
	case requireRemote:
		cleanup()
		return nil, nil, err
	default:
		r.logger.Debug("knowledge base client unavailable", "error", err)
	}

	breaker := retry.NewBreaker(config.Breaker)
	engine, err := tasks.NewMigrationEngine(tasks.Dependencies{
		Store:       store,
		Reader:      reader,
		Transformer: services.NewHTMLTransformer(config.Destination.DefaultCategory),
		Remote:      remote,
		Attachments: attachments,
		Policy:      retry.NewPolicy(config.Retry, breaker),
		Limiter:     limiter,
		Logger:      r.logger,
	}, config.Migration, config.Fingerprint())
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return engine, cleanup, nil
}

func (r *Runner) writeJSON(data any, pretty bool) error {
	var output []byte
	var err error

	if pretty {
		output, err = json.MarshalIndent(data, "", "  ")
	} else {
		output, err = json.Marshal(data)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	if _, err := r.output.Write(output); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	if _, err := r.output.Write([]byte("\n")); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	return nil
}

func (r *Runner) writePlain(format string, args ...any) error {
	text := fmt.Sprintf(format, args...)
	if _, err := r.output.Write([]byte(text)); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func (r *Runner) writePlainln(format string, args ...any) error {
	text := "\n" + fmt.Sprintf(format, args...) + "\n"
	if _, err := r.output.Write([]byte(text)); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func (r *Runner) writePlainHeader(title string) {
	r.writePlain("═══════════════════════════════════════\n")
	r.writePlain("%v\n", r.palette.Title(title))
	r.writePlain("═══════════════════════════════════════\n")
}
