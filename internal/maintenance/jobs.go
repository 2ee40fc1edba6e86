package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"ovpn-console/internal/certs"
	"ovpn-console/internal/stats"
	"ovpn-console/internal/vpn"
)

// InstanceStore lists instances and stores their client counts.
type InstanceStore interface {
	Names(ctx context.Context) ([]string, error)
	SetActiveClients(ctx context.Context, name string, count int) error
}

// StatusRefresher reconciles stored process status.
type StatusRefresher interface {
	RefreshAll(ctx context.Context, names []string) map[string]vpn.Status
}

// ClientCounter reads connected clients from status files.
type ClientCounter interface {
	ConnectedClients(name string) ([]stats.Client, error)
}

// StatusRefresh reconciles every instance's process status and active client
// count. A stopped instance always reports zero clients.
func StatusRefresh(instances InstanceStore, refresher StatusRefresher, counter ClientCounter, log logrus.FieldLogger) func(context.Context) error {
	return func(ctx context.Context) error {
		names, err := instances.Names(ctx)
		if err != nil {
			return fmt.Errorf("list instances: %w", err)
		}
		statuses := refresher.RefreshAll(ctx, names)
		var errs []error
		for _, name := range names {
			count := 0
			if statuses[name] == vpn.StatusRunning {
				clients, err := counter.ConnectedClients(name)
				if err != nil {
					log.WithError(err).WithField("instance", name).Warn("read status file")
				} else {
					count = len(clients)
				}
			}
			if err := instances.SetActiveClients(ctx, name, count); err != nil && !errors.Is(err, vpn.ErrVPNNotFound) {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		}
		return errors.Join(errs...)
	}
}

// CertificateSweeper is the part of certs.Service the sweep job needs.
type CertificateSweeper interface {
	SweepExpired(ctx context.Context, now time.Time) ([]certs.Certificate, error)
	ExpiringWithin(ctx context.Context, d time.Duration) ([]certs.Certificate, error)
}

// CertificateSweep logs expired certificates and those expiring within warn.
func CertificateSweep(svc CertificateSweeper, warn time.Duration, now func() time.Time, log logrus.FieldLogger) func(context.Context) error {
	return func(ctx context.Context) error {
		current := now()
		expired, err := svc.SweepExpired(ctx, current)
		if err != nil {
			return err
		}
		if warn <= 0 {
			return nil
		}
		soon, err := svc.ExpiringWithin(ctx, warn)
		if err != nil {
			return err
		}
		for _, cert := range soon {
			if cert.Expired(current) {
				continue
			}
			log.WithFields(logrus.Fields{
				"cn":       cert.CommonName,
				"kind":     cert.Kind,
				"notAfter": time.Unix(cert.NotAfter, 0).UTC().Format(time.RFC3339),
			}).Warn("certificate expiring soon")
		}
		if len(expired) > 0 {
			log.WithField("count", len(expired)).Warn("expired certificates need renewal")
		}
		return nil
	}
}

// AuditPruner deletes old audit entries.
type AuditPruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// AuditPrune removes audit rows older than retention.
func AuditPrune(pruner AuditPruner, retention time.Duration, now func() time.Time, log logrus.FieldLogger) func(context.Context) error {
	return func(ctx context.Context) error {
		if retention <= 0 {
			return nil
		}
		removed, err := pruner.Prune(ctx, now().Add(-retention))
		if err != nil {
			return err
		}
		if removed > 0 {
			log.WithField("removed", removed).Info("audit log pruned")
		}
		return nil
	}
}

// LimiterSweeper drops idle rate-limit buckets.
type LimiterSweeper interface {
	Sweep(now time.Time) int
}

// LimiterSweep evicts rate-limit keys with no hits inside their window.
func LimiterSweep(limiter LimiterSweeper, now func() time.Time) func(context.Context) error {
	return func(context.Context) error {
		limiter.Sweep(now())
		return nil
	}
}
