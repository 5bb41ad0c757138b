// Package registry keeps the worker factories stages can target.
package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"plugin"
	"sort"
	"strings"
	"sync"

	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/protocol"
)

var ErrWorkerNotRegistered = errors.New("worker not registered")

// WorkerInfo describes a registered worker type.
type WorkerInfo struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema"`
}

type Registry struct {
	logger          *slog.Logger
	mu              sync.RWMutex
	workerFactories map[string]protocol.WorkerFactory
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		logger:          log,
		workerFactories: make(map[string]protocol.WorkerFactory),
	}
}

func (r *Registry) LoadWorkerPlugins(pluginsPath string) ([]protocol.WorkerFactory, error) {
	return loadPlugin[protocol.WorkerFactory](r.logger, pluginsPath, "Worker")
}

func (r *Registry) RegisterWorker(factory protocol.WorkerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.workerFactories[factory.ID()] = factory
}

func (r *Registry) HasWorker(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.workerFactories[id]

	return ok
}

// CreateWorker validates config against the worker schema and builds the worker.
func (r *Registry) CreateWorker(id string, config map[string]any) (protocol.Worker, error) {
	r.mu.RLock()
	factory, ok := r.workerFactories[id]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: '%s'", ErrWorkerNotRegistered, id)
	}

	if config == nil {
		config = map[string]any{}
	}

	err := models.ValidateSchema(factory.Schema(), config)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration for worker '%s': %w", id, err)
	}

	return factory.Create(config)
}

// GetAvailableWorkers returns the registered workers sorted by id.
func (r *Registry) GetAvailableWorkers() []WorkerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	workers := make([]WorkerInfo, 0, len(r.workerFactories))
	for _, f := range r.workerFactories {
		workers = append(workers, WorkerInfo{
			ID:          f.ID(),
			Name:        f.Name(),
			Description: f.Description(),
			Schema:      f.Schema(),
		})
	}

	sort.Slice(workers, func(i, j int) bool { return workers[i].ID < workers[j].ID })

	return workers
}

func loadPlugin[T any](logger *slog.Logger, pluginsPath string, symbolName string) ([]T, error) {
	rootPath := pluginsPath + "/" + strings.ToLower(symbolName) + "s"

	_, err := os.Stat(rootPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	root := os.DirFS(rootPath)

	pluginPathList, err := fs.Glob(root, "**/*.so")
	if err != nil {
		return nil, err
	}

	l := logger.With(slog.String("path", pluginsPath), slog.String("type", symbolName))
	l.Info("Loading plugins")

	pluginList := make([]T, 0, len(pluginPathList))
	for _, p := range pluginPathList {
		plg, err := plugin.Open(rootPath + "/" + p)
		if err != nil {
			return nil, fmt.Errorf("failed to open plugin %s: %w", p, err)
		}

		v, err := plg.Lookup(symbolName)
		if err != nil {
			return nil, fmt.Errorf("plugin %s has no %s symbol: %w", p, symbolName, err)
		}

		castV, ok := v.(T)
		if !ok {
			// Exported variables are looked up as pointers.
			ptr, isPtr := v.(*T)
			if !isPtr {
				return nil, fmt.Errorf("plugin %s: %s has unexpected type %T", p, symbolName, v)
			}

			castV = *ptr
		}

		pluginList = append(pluginList, castV)

		l.Info("Loaded worker plugin", slog.String("plugin", p))
	}

	return pluginList, nil
}
