package regula

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/viant/regula/model"
	"github.com/viant/regula/policy"
	"github.com/viant/regula/service/approval"
	"github.com/viant/regula/service/audit"
	"github.com/viant/regula/service/backup"
	"github.com/viant/regula/service/group"
	"github.com/viant/regula/service/messaging"
	"github.com/viant/regula/service/notify"
	"github.com/viant/regula/service/rule"
	"github.com/viant/regula/service/runner"
	"github.com/viant/regula/service/store"
	"github.com/viant/regula/service/store/memory"
	"github.com/viant/regula/service/store/sqlite"
	"github.com/viant/regula/tracing"
)

// Service is the façade wiring the rule store, the lifecycle services and
// the execution engine together.
type Service struct {
	config *Config
	store  store.Store
	logger *zap.Logger
	policy *policy.Policy
	roster *model.Roster

	notificationQueue messaging.Queue[notify.Notification]
	metricsRegistry   prometheus.Registerer

	recorder  *audit.Service
	notifier  *notify.Service
	approvals *approval.Service
	rules     *rule.Service
	runner    *runner.Service
	backups   *backup.Service
	groups    *group.Service
}

func (s *Service) init(options []Option) {
	for _, option := range options {
		option(s)
	}
	if s.config == nil {
		s.config = DefaultConfig()
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.store == nil {
		s.store = memory.New()
	}
	if cfg := s.config.Tracing; cfg.ServiceName != "" {
		if err := tracing.Init(cfg.ServiceName, cfg.ServiceVersion, cfg.OutputFile); err != nil {
			s.logger.Warn("failed to initialise tracing", zap.Error(err))
		}
	}

	s.recorder = audit.New(s.store, audit.WithLogger(s.logger))
	notifyOptions := []notify.Option{notify.WithLogger(s.logger)}
	if s.notificationQueue != nil {
		notifyOptions = append(notifyOptions, notify.WithQueue(s.notificationQueue))
	}
	s.notifier = notify.New(s.store, notifyOptions...)
	s.approvals = approval.New(s.store, s.recorder, s.roster, approval.WithLogger(s.logger))
	s.rules = rule.New(s.store, s.recorder, s.approvals,
		rule.WithLogger(s.logger),
		rule.WithNotifier(s.notifier))
	runnerOptions := []runner.Option{
		runner.WithLogger(s.logger),
		runner.WithWorkers(s.config.Runner.Workers),
	}
	if s.metricsRegistry != nil {
		runnerOptions = append(runnerOptions, runner.WithMetrics(runner.NewMetrics(s.metricsRegistry)))
	}
	s.runner = runner.New(s.store, runnerOptions...)
	s.backups = backup.New(s.store, s.recorder, s.approvals,
		backup.WithLogger(s.logger),
		backup.WithNotifier(s.notifier))
	s.groups = group.New(s.store, s.recorder, group.WithLogger(s.logger))
}

// New creates the service with the supplied options.
func New(options ...Option) *Service {
	ret := &Service{}
	ret.init(options)
	return ret
}

// NewFromConfig creates the service from a configuration, opening the
// configured store backend and loading the roster when the configuration
// points at one.
func NewFromConfig(ctx context.Context, config *Config, options ...Option) (*Service, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	ret := &Service{config: config}
	if config.Store.DSN != "" {
		aStore, err := sqlite.New(ctx, config.Store.DSN)
		if err != nil {
			return nil, err
		}
		ret.store = aStore
	}
	if config.RosterURL != "" {
		roster, err := LoadRoster(ctx, config.RosterURL)
		if err != nil {
			return nil, err
		}
		ret.roster = roster
	}
	ret.init(options)
	return ret, nil
}

// NewContext attaches the configured policy to the supplied context.  Rule
// mutations vet statement target tables against the policy they find on the
// context.
func (s *Service) NewContext(ctx context.Context) context.Context {
	if s.policy == nil {
		return ctx
	}
	return policy.WithPolicy(ctx, s.policy)
}

// SetRoster replaces the approver roster for subsequent stage generation.
func (s *Service) SetRoster(roster *model.Roster) {
	s.roster = roster
	s.approvals.SetRoster(roster)
}

// Store returns the rule store.
func (s *Service) Store() store.Store {
	return s.store
}

// Rules returns the rule lifecycle service.
func (s *Service) Rules() *rule.Service {
	return s.rules
}

// Approvals returns the approval workflow service.
func (s *Service) Approvals() *approval.Service {
	return s.approvals
}

// Runner returns the execution engine.
func (s *Service) Runner() *runner.Service {
	return s.runner
}

// Backups returns the backup/restore manager.
func (s *Service) Backups() *backup.Service {
	return s.backups
}

// Groups returns the owner-group and custom-group service.
func (s *Service) Groups() *group.Service {
	return s.groups
}

// Audit returns the audit recorder.
func (s *Service) Audit() *audit.Service {
	return s.recorder
}

// Notifier returns the notification service.
func (s *Service) Notifier() *notify.Service {
	return s.notifier
}
