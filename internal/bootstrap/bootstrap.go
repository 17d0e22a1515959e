// Package bootstrap builds the pluggable engines every cmd/ binary wires
// from config.Config's URL-shaped settings (memory://, redis://, fake://,
// k8s://), so each binary's main.go stays a short, declarative list of
// constructor calls instead of repeating URL-parsing switch statements.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/crucible-platform/crucible/internal/config"
	"github.com/crucible-platform/crucible/internal/ephemeralkv"
	"github.com/crucible-platform/crucible/internal/eventbus"
	"github.com/crucible-platform/crucible/internal/orchestrator"
	"github.com/crucible-platform/crucible/internal/retry"
)

// ApplyRetryOverrides mutates the three named package-level retry
// policies' MaxRetries ceiling in place, per cfg. The curve shape itself
// (base delay, exponential growth, jitter) is not operator-tunable,
// matching internal/config's documented scope for RetryPoliciesConfig.
// Zero leaves a policy's default ceiling untouched.
func ApplyRetryOverrides(cfg config.RetryPoliciesConfig) {
	if cfg.DefaultMaxRetries > 0 {
		retry.Default.MaxRetries = cfg.DefaultMaxRetries
	}
	if cfg.AggressiveMaxRetries > 0 {
		retry.Aggressive.MaxRetries = cfg.AggressiveMaxRetries
	}
	if cfg.ConservativeMaxRetries > 0 {
		retry.Conservative.MaxRetries = cfg.ConservativeMaxRetries
	}
}

// EventBus builds the configured EventBus engine. "memory://" is
// at-most-once and drops on a full subscriber buffer; "durable://" never
// drops, backpressuring the publisher instead.
func EventBus(rawURL string, logger *slog.Logger) (eventbus.EventBus, error) {
	switch {
	case rawURL == "" || rawURL == "memory://":
		return eventbus.NewMemoryEventBus(1024, logger), nil
	case rawURL == "durable://":
		return eventbus.NewDurableMemoryEventBus(4096, logger), nil
	default:
		return nil, fmt.Errorf("bootstrap: unrecognized event bus url %q", rawURL)
	}
}

// EphemeralKV builds the configured ephemeralkv.Engine. "memory://" is an
// in-process engine for tests and single-process deployments;
// "redis://host:port" builds a production Redis-backed engine.
func EphemeralKV(ctx context.Context, rawURL string) (ephemeralkv.Engine, error) {
	switch {
	case rawURL == "" || rawURL == "memory://":
		return ephemeralkv.NewMemoryEngine(0), nil
	case strings.HasPrefix(rawURL, "redis://"):
		opts, err := redis.ParseURL(rawURL)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: parsing redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("bootstrap: pinging redis: %w", err)
		}
		return ephemeralkv.NewRedisEngine(client), nil
	default:
		return nil, fmt.Errorf("bootstrap: unrecognized ephemeral kv url %q", rawURL)
	}
}

// OrchestratorDriver is the narrow surface both the dispatcher and the
// cleanup controller need out of whichever driver gets built.
type OrchestratorDriver interface {
	orchestrator.Driver
	orchestrator.WorkloadWatcher
}

// Orchestrator builds the configured driver. "fake://" is the in-memory
// driver for local development and tests; "k8s://<namespace>" builds a
// real batch/v1 Job driver against the in-cluster config, falling back to
// the local kubeconfig when not running inside a cluster.
func Orchestrator(rawURL string) (OrchestratorDriver, error) {
	switch {
	case rawURL == "" || rawURL == "fake://":
		return orchestrator.NewFakeDriver(), nil
	case strings.HasPrefix(rawURL, "k8s://"):
		namespace := strings.TrimPrefix(rawURL, "k8s://")
		if namespace == "" {
			namespace = "default"
		}
		clientset, err := k8sClient()
		if err != nil {
			return nil, err
		}
		return orchestrator.NewK8sJobDriver(clientset, namespace), nil
	default:
		return nil, fmt.Errorf("bootstrap: unrecognized orchestrator url %q", rawURL)
	}
}

func k8sClient() (kubernetes.Interface, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		cfg, err = clientcmd.NewDefaultClientConfigLoadingRules().Load()
		if err != nil {
			return nil, fmt.Errorf("bootstrap: loading kubeconfig: %w", err)
		}
		restCfg, err := clientcmd.NewDefaultClientConfig(*cfg, &clientcmd.ConfigOverrides{}).ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("bootstrap: building rest config from kubeconfig: %w", err)
		}
		return kubernetes.NewForConfig(restCfg)
	}
	return kubernetes.NewForConfig(cfg)
}
