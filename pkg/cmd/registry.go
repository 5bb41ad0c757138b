// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukex/conveyor/pkg/eventbus"
	"github.com/dukex/conveyor/pkg/registry"
	"github.com/dukex/conveyor/pkg/workers/approval"
	httpworker "github.com/dukex/conveyor/pkg/workers/http"
	"github.com/dukex/conveyor/pkg/workers/httppoll"
	logworker "github.com/dukex/conveyor/pkg/workers/log"
	"github.com/dukex/conveyor/pkg/workers/queue"
	"github.com/dukex/conveyor/pkg/workers/risk"
	"github.com/jonboulle/clockwork"
)

const workerHTTPTimeout = 30 * time.Second

func registerWorkerPlugins(reg *registry.Registry, pluginsPath string) error {
	if pluginsPath == "" {
		return nil
	}

	workerPlugins, err := reg.LoadWorkerPlugins(pluginsPath)
	if err != nil {
		return fmt.Errorf("failed to load worker plugins: %w", err)
	}

	for _, plugin := range workerPlugins {
		reg.RegisterWorker(plugin)
	}

	return nil
}

func registerNativeWorkers(reg *registry.Registry, publisher eventbus.EventPublisher, clock clockwork.Clock) {
	client := &http.Client{Timeout: workerHTTPTimeout}

	reg.RegisterWorker(logworker.NewWorkerFactory())
	reg.RegisterWorker(httpworker.NewWorkerFactory(client))
	reg.RegisterWorker(httppoll.NewWorkerFactory(client))
	reg.RegisterWorker(risk.NewWorkerFactory())
	reg.RegisterWorker(approval.NewWorkerFactory(publisher, clock))

	if publisher != nil {
		reg.RegisterWorker(queue.NewWorkerFactory(publisher))
	}
}

// NewRegistry registers plugins first so a native worker wins an id clash.
func NewRegistry(log *slog.Logger, pluginsPath string, publisher eventbus.EventPublisher, clock clockwork.Clock) (*registry.Registry, error) {
	reg := registry.NewRegistry(log)

	if err := registerWorkerPlugins(reg, pluginsPath); err != nil {
		return nil, err
	}

	registerNativeWorkers(reg, publisher, clock)

	return reg, nil
}
