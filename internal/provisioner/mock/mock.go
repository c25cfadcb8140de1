// Package mock provides a Provisioner that fabricates outputs without touching
// the filesystem or running any external process.
package mock

import (
	"context"
	"time"

	"github.com/cyber-range/engine/internal/provisioner"
	"github.com/cyber-range/engine/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultCIDR = "192.168.100.0/24"

// Provisioner sleeps for Delay and returns a fixed set of outputs.
type Provisioner struct {
	Delay time.Duration
}

var _ provisioner.Provisioner = (*Provisioner)(nil)

func New(delay time.Duration) *Provisioner {
	return &Provisioner{Delay: delay}
}

func (p *Provisioner) Apply(ctx context.Context, id uuid.UUID, vars map[string]string) (*provisioner.Result, error) {
	logger.ForDeployment(id.String()).Info("mock apply", zap.Duration("delay", p.Delay))
	if err := sleep(ctx, p.Delay); err != nil {
		return nil, err
	}

	cidr := vars["private_cidr"]
	if cidr == "" {
		cidr = defaultCIDR
	}
	return &provisioner.Result{Outputs: Outputs(cidr)}, nil
}

func (p *Provisioner) Destroy(ctx context.Context, id uuid.UUID, _ map[string]string) error {
	logger.ForDeployment(id.String()).Info("mock destroy")
	return nil
}

// Outputs is the canned output set.
func Outputs(cidr string) map[string]any {
	return map[string]any{
		"attacker_ip":   "192.168.100.10",
		"victim_ip":     "192.168.100.20",
		"monitor_ip":    "192.168.100.30",
		"soc_ip":        "192.168.100.30",
		"attacker_ssh":  "ssh kali@192.168.100.10",
		"victim_ssh":    "ssh user@192.168.100.20",
		"dashboard_url": "https://192.168.100.30",
		"credentials": map[string]any{
			"username": "kali",
			"password": "kali",
		},
		"private_cidr": cidr,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
