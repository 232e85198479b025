package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/storyforge/storyforge/internal/queue"
	"github.com/storyforge/storyforge/pkg/resilience"
)

// RecoveryConfig controls the timing of the standard recovery procedures
type RecoveryConfig struct {
	// NetworkProbeDelay is how long to wait before reprobing engines
	// after a network failure
	NetworkProbeDelay time.Duration
	// CooldownPeriod is how long to back off after resource exhaustion
	CooldownPeriod time.Duration
}

// DefaultRecoveryConfig returns the default recovery timings
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		NetworkProbeDelay: 5 * time.Second,
		CooldownPeriod:    10 * time.Second,
	}
}

// RegisterRecoveryProcedures installs the standard recovery procedures on
// the resilience manager: model state flush for model loading failures,
// wait-and-reprobe for network failures, and a cooldown plus domain
// degradation for resource exhaustion.
func (d *Dispatcher) RegisterRecoveryProcedures(config RecoveryConfig) {
	defaults := DefaultRecoveryConfig()
	if config.NetworkProbeDelay <= 0 {
		config.NetworkProbeDelay = defaults.NetworkProbeDelay
	}
	if config.CooldownPeriod <= 0 {
		config.CooldownPeriod = defaults.CooldownPeriod
	}

	d.resilience.RegisterRecoveryProcedure(resilience.CategoryModelLoading, d.recoverModelLoading)
	d.resilience.RegisterRecoveryProcedure(resilience.CategoryNetwork, d.recoverNetwork(config.NetworkProbeDelay))
	d.resilience.RegisterRecoveryProcedure(resilience.CategoryResourceExhaustion, d.recoverResourceExhaustion(config.CooldownPeriod))
}

// recoverModelLoading flushes the cached model state of the failing engine
// so the next generation forces a clean reload
func (d *Dispatcher) recoverModelLoading(ctx context.Context, record resilience.ErrorRecord) error {
	engineName := engineFromOperation(record.Operation)
	if engineName == "" {
		return fmt.Errorf("cannot determine engine from operation %q", record.Operation)
	}

	if err := d.store.FlushModelState(ctx, engineName); err != nil {
		return err
	}

	d.logger.Info("Flushed model state after load failure",
		"engine", engineName,
		"operation", record.Operation,
	)
	return nil
}

// recoverNetwork waits out the disruption, reprobes every engine, and
// succeeds once at least one engine answers healthy
func (d *Dispatcher) recoverNetwork(probeDelay time.Duration) resilience.RecoveryProcedure {
	return func(ctx context.Context, record resilience.ErrorRecord) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(probeDelay):
		}

		if err := d.engines.HealthCheckAll(ctx); err != nil {
			d.logger.Debug("Engine reprobe reported failures",
				"operation", record.Operation,
				"error", err,
			)
		}

		return d.engines.Health()
	}
}

// recoverResourceExhaustion lets the saturated engine drain, then degrades
// the domain so subsequent requests ask for less
func (d *Dispatcher) recoverResourceExhaustion(cooldown time.Duration) resilience.RecoveryProcedure {
	return func(ctx context.Context, record resilience.ErrorRecord) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cooldown):
		}

		domain := domainFromOperation(record.Operation)
		level := d.resilience.Degradation().Degrade(domain)

		d.logger.Warn("Degraded domain after resource exhaustion",
			"domain", domain,
			"level", level.String(),
			"operation", record.Operation,
		)
		return nil
	}
}

// Operation strings look like "generate_image/comfyui-sdxl".
func engineFromOperation(operation string) string {
	_, engineName, ok := strings.Cut(operation, "/")
	if !ok {
		return ""
	}
	return engineName
}

func domainFromOperation(operation string) string {
	jobType, _, _ := strings.Cut(operation, "/")
	return queue.DomainForJobType(jobType)
}
