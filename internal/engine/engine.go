package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/validation"

	"smarter/internal/apierr"
	"smarter/internal/broker"
	"smarter/internal/config"
	"smarter/internal/controller"
	"smarter/internal/db"
	"smarter/internal/domain"
	"smarter/internal/engine/auth"
	"smarter/internal/events"
	"smarter/internal/provision"
	"smarter/internal/repo"
	"smarter/internal/schema"
	"smarter/internal/secrets"
	"smarter/internal/tasks"
)

// Engine holds every long-lived collaborator of one process.
type Engine struct {
	DB          *sql.DB
	Repo        repo.Repo
	Events      events.Writer
	Config      *config.Config
	Controller  *controller.Controller
	Auth        *auth.Service
	Runner      *tasks.Runner
	Reconciler  broker.Reconciler
	Journal     *events.AsyncJournal
	Provisioner provision.Provisioner
	Logger      *log.Logger
	Now         func() time.Time
}

// Options carry what must not come from the config file.
type Options struct {
	Dialect    db.Dialect
	JWTSecret  string
	SecretsKey string
	// Provisioner overrides the one selected by config.
	Provisioner provision.Provisioner
	Logger      *log.Logger
}

func New(conn *sql.DB, cfg *config.Config, opts Options) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	dialect := opts.Dialect
	if dialect == "" {
		dialect = db.SQLite
	}
	r := repo.Repo{DB: conn, Dialect: dialect}
	sealer, err := secrets.NewSealer(opts.SecretsKey)
	if err != nil {
		return nil, err
	}
	prov := opts.Provisioner
	if prov == nil {
		prov, err = newProvisioner(cfg)
		if err != nil {
			return nil, err
		}
	}
	catalog, err := schema.Default()
	if err != nil {
		return nil, fmt.Errorf("load schemas: %w", err)
	}

	e := &Engine{
		DB:          conn,
		Repo:        r,
		Events:      events.Writer{Dialect: dialect},
		Config:      cfg,
		Provisioner: prov,
		Logger:      logger,
		Now:         time.Now,
	}
	deps := broker.Deps{
		Repo:    r,
		Events:  e.Events,
		Queue:   tasks.Queue{Repo: r, MaxAttempts: cfg.Tasks.MaxAttempts},
		Catalog: catalog,
	}
	brokers, err := broker.All(deps, broker.Options{Sealer: sealer, Provisioner: prov, RootDomain: cfg.Platform.RootDomain})
	if err != nil {
		return nil, err
	}
	registry, err := controller.NewRegistry(brokers...)
	if err != nil {
		return nil, err
	}

	e.Runner = tasks.NewRunner(r)
	e.Runner.Interval = cfg.Tasks.PollInterval
	e.Runner.Lease = cfg.Tasks.Lease
	e.Runner.Backoff = cfg.Tasks.Backoff
	e.Runner.Logger = logger
	for _, b := range brokers {
		if cb, ok := b.(*broker.ChatBot); ok {
			cb.Register(e.Runner)
		}
	}
	e.Reconciler = broker.Reconciler{Repo: r, Runner: e.Runner, Events: e.Events, Logger: logger}
	e.Journal = events.NewAsyncJournal(r, events.JournalOptions{
		Buffer:    cfg.Journal.Buffer,
		BatchSize: cfg.Journal.BatchSize,
		Interval:  cfg.Journal.FlushInterval,
		Logger:    logger,
	})
	e.Controller = &controller.Controller{
		Registry: registry,
		Repo:     r,
		Journal:  e.Journal,
		Metrics:  controller.NewMetrics(),
		Logger:   logger,
	}
	e.Auth = auth.NewService(r, auth.Options{
		JWTSecret: opts.JWTSecret,
		Issuer:    cfg.Auth.JWTIssuer,
		Audience:  cfg.Auth.JWTAudience,
		CacheSize: cfg.Auth.APIKeyCacheSize,
		CacheTTL:  cfg.Auth.APIKeyCacheTTL,
	})
	return e, nil
}

func newProvisioner(cfg *config.Config) (provision.Provisioner, error) {
	switch cfg.Provisioner.Driver {
	case config.ProvisionerKubernetes:
		return provision.NewKubernetesFromConfig(cfg.Provisioner.Kubeconfig, cfg.Provisioner.Namespace)
	default:
		return provision.NewLocal(), nil
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Start runs task workers and the reconciler until ctx is done.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.Reconciler.Start(ctx, e.Config.Reconcile.Schedule); err != nil {
		return fmt.Errorf("start reconciler: %w", err)
	}
	go e.Runner.Run(ctx, e.Config.Tasks.Workers)
	return nil
}

// Close flushes the journal.
func (e *Engine) Close() {
	if e.Journal != nil {
		e.Journal.Close()
	}
}

// AccountCreateOptions are parameters for creating an account.
type AccountCreateOptions struct {
	Name          string
	CompanyName   string
	AccountNumber string
	PhoneNumber   string
	Address       string
	ActorID       string
}

// CreateAccount registers a new account. Accounts are only created by
// operators; the Account kind is read-only through manifests.
func (e *Engine) CreateAccount(ctx context.Context, opts AccountCreateOptions) (domain.Account, error) {
	if msgs := validation.IsCIdentifier(opts.Name); len(msgs) > 0 {
		return domain.Account{}, apierr.New(apierr.BadRequest, "account name %q: %s", opts.Name, strings.Join(msgs, "; "))
	}
	if opts.CompanyName == "" {
		opts.CompanyName = opts.Name
	}
	number := opts.AccountNumber
	if number == "" {
		var err error
		if number, err = newAccountNumber(); err != nil {
			return domain.Account{}, err
		}
	}
	a := domain.Account{
		ID:            uuid.NewString(),
		AccountNumber: number,
		Name:          opts.Name,
		CompanyName:   opts.CompanyName,
		PhoneNumber:   opts.PhoneNumber,
		Address:       opts.Address,
		CreatedAt:     domain.FormatTime(e.now()),
	}
	tx, err := e.Repo.Begin(ctx)
	if err != nil {
		return domain.Account{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAccount(ctx, tx, a); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.Account{}, apierr.New(apierr.BadRequest, "account %q or number %s already exists", a.Name, a.AccountNumber)
		}
		return domain.Account{}, fmt.Errorf("insert account: %w", err)
	}
	actorID := opts.ActorID
	if actorID == "" {
		actorID = "system"
	}
	if _, err := e.Events.Append(ctx, tx, "account.created", events.Entity{AccountID: a.ID, Kind: schema.KindAccount, ID: a.ID, Name: a.Name}, actorID, events.EventPayload{
		"account_number": a.AccountNumber,
	}); err != nil {
		return domain.Account{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Account{}, err
	}
	return a, nil
}

// newAccountNumber returns a random number formatted as 0000-0000-0000.
func newAccountNumber() (string, error) {
	groups := make([]string, 3)
	for i := range groups {
		n, err := rand.Int(rand.Reader, big.NewInt(10000))
		if err != nil {
			return "", err
		}
		groups[i] = fmt.Sprintf("%04d", n.Int64())
	}
	return strings.Join(groups, "-"), nil
}

// TaskCounts reports queued, running, done and failed tasks.
func (e *Engine) TaskCounts(ctx context.Context) (map[domain.TaskStatus]int, error) {
	return e.Repo.CountTasksByStatus(ctx)
}
