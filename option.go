package regula

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/viant/regula/model"
	"github.com/viant/regula/policy"
	"github.com/viant/regula/service/messaging"
	"github.com/viant/regula/service/notify"
	"github.com/viant/regula/service/store"
)

// Option customises the root Service.
type Option func(s *Service)

// WithConfig replaces the default configuration.
func WithConfig(config *Config) Option {
	return func(s *Service) { s.config = config }
}

// WithStore replaces the default in-memory rule store.
func WithStore(aStore store.Store) Option {
	return func(s *Service) { s.store = aStore }
}

// WithRoster supplies the approver roster.
func WithRoster(roster *model.Roster) Option {
	return func(s *Service) { s.roster = roster }
}

// WithLogger replaces the default no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithPolicy installs a table-permission policy, attached to every context
// created through NewContext.
func WithPolicy(aPolicy *policy.Policy) Option {
	return func(s *Service) { s.policy = aPolicy }
}

// WithNotificationQueue replaces the notifier's default in-memory queue.
func WithNotificationQueue(queue messaging.Queue[notify.Notification]) Option {
	return func(s *Service) { s.notificationQueue = queue }
}

// WithMetricsRegistry registers runner metrics on the supplied registry.
func WithMetricsRegistry(registry prometheus.Registerer) Option {
	return func(s *Service) { s.metricsRegistry = registry }
}
