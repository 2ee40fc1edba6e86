package firewall

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ovpn-console/internal/vpn"
)

// InstanceLister resolves VPN instance subnets for bound rules.
type InstanceLister interface {
	List(ctx context.Context) ([]vpn.Instance, error)
}

// Status is the outcome of the most recent apply.
type Status struct {
	Enabled   bool     `json:"enabled"`
	Applied   bool     `json:"applied"`
	AppliedAt int64    `json:"appliedAt,omitempty"`
	Rules     int      `json:"rules"`
	Sets      int      `json:"sets"`
	Warnings  []string `json:"warnings,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// Service renders stored rules and pushes them through an Applier.
type Service struct {
	store     *Store
	instances InstanceLister
	applier   Applier
	enabled   bool
	log       logrus.FieldLogger
	now       func() time.Time

	mu     sync.Mutex
	status Status
}

// NewService wires the firewall. When enabled is false rulesets are still
// rendered and reported but never applied.
func NewService(store *Store, instances InstanceLister, applier Applier, enabled bool, log logrus.FieldLogger) *Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{
		store:     store,
		instances: instances,
		applier:   applier,
		enabled:   enabled && applier != nil,
		log:       log,
		now:       time.Now,
		status:    Status{Enabled: enabled && applier != nil},
	}
}

// Store exposes the alias and rule store.
func (s *Service) Store() *Store { return s.store }

// Apply renders the stored configuration and applies it.
func (s *Service) Apply(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs, err := s.render(ctx)
	if err != nil {
		return s.fail(err)
	}
	status := Status{
		Enabled:  s.enabled,
		Rules:    len(rs.Rules),
		Sets:     len(rs.Sets),
		Warnings: rs.Warnings,
	}
	for _, warning := range rs.Warnings {
		s.log.Warn(warning)
	}
	if s.enabled {
		if err := s.applier.Apply(rs); err != nil {
			return s.fail(err)
		}
		status.Applied = true
		status.AppliedAt = s.now().Unix()
		s.log.WithFields(logrus.Fields{"rules": status.Rules, "sets": status.Sets}).Info("firewall applied")
	}
	s.status = status
	return nil
}

// Preview renders the ruleset without applying it.
func (s *Service) Preview(ctx context.Context) (*Ruleset, error) {
	return s.render(ctx)
}

// Status returns the result of the last Apply.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Service) render(ctx context.Context) (*Ruleset, error) {
	aliases, err := s.store.ListAliases(ctx)
	if err != nil {
		return nil, err
	}
	rules, err := s.store.ListRules(ctx)
	if err != nil {
		return nil, err
	}
	subnets := make(map[int64]string)
	if s.instances != nil {
		instances, err := s.instances.List(ctx)
		if err != nil {
			return nil, err
		}
		for _, inst := range instances {
			subnets[inst.ID] = inst.Subnet
		}
	}
	return Build(aliases, rules, subnets)
}

func (s *Service) fail(err error) error {
	s.status.Applied = false
	s.status.Error = err.Error()
	s.log.WithError(err).Error("firewall apply failed")
	return fmt.Errorf("%w: %v", ErrApplyFailed, err)
}
