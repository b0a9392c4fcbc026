package spider

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Factories build middlewares and pipelines from settings, so configs can
// name them. Register custom ones before the scheduler starts.
type MiddlewareFactory func(st *Settings, logger *slog.Logger) (any, error)

type PipelineFactory func(st *Settings, logger *slog.Logger) (Pipeline, error)

var (
	registryMu          sync.Mutex
	middlewareFactories = map[string]MiddlewareFactory{}
	pipelineFactories   = map[string]PipelineFactory{}
)

// RegisterMiddleware makes a middleware constructible by name.
func RegisterMiddleware(name string, factory MiddlewareFactory) {
	registryMu.Lock()
	middlewareFactories[name] = factory
	registryMu.Unlock()
}

// RegisterPipeline makes a pipeline constructible by name.
func RegisterPipeline(name string, factory PipelineFactory) {
	registryMu.Lock()
	pipelineFactories[name] = factory
	registryMu.Unlock()
}

func init() {
	RegisterMiddleware("robotstxt", func(st *Settings, logger *slog.Logger) (any, error) {
		return NewRobotsTxt(st.UserAgent, logger), nil
	})
	RegisterMiddleware("cookies_debug", func(st *Settings, logger *slog.Logger) (any, error) {
		return NewCookiesDebug(logger), nil
	})
	RegisterPipeline("mongo", func(st *Settings, logger *slog.Logger) (Pipeline, error) {
		return NewMongoPipeline(st.Mongo, logger)
	})
	RegisterPipeline("jsonl", func(st *Settings, logger *slog.Logger) (Pipeline, error) {
		return NewJSONLinesPipeline(st.OutputPath, logger)
	})
}

// buildMiddlewares instantiates the configured middlewares in dispatch
// order. The statistics middleware is shared across spiders and always sits
// at its configured position.
func buildMiddlewares(st *Settings, stats *Statistics, logger *slog.Logger) ([]any, error) {
	type slot struct {
		name  string
		order int
	}
	slots := make([]slot, 0, len(st.Middlewares)+1)
	for name, order := range st.Middlewares {
		if name == "robotstxt" && !st.Robots.Obey {
			continue
		}
		slots = append(slots, slot{name, order})
	}
	if st.Cookies.Debug {
		if _, ok := st.Middlewares["cookies_debug"]; !ok {
			slots = append(slots, slot{"cookies_debug", 75})
		}
	}
	sort.Slice(slots, func(i, j int) bool {
		if slots[i].order != slots[j].order {
			return slots[i].order < slots[j].order
		}
		return slots[i].name < slots[j].name
	})

	registryMu.Lock()
	defer registryMu.Unlock()
	out := make([]any, 0, len(slots))
	for _, s := range slots {
		if s.name == "statistics" {
			out = append(out, stats)
			continue
		}
		factory, ok := middlewareFactories[s.name]
		if !ok {
			return nil, fmt.Errorf("unknown middleware %q", s.name)
		}
		mw, err := factory(st, logger)
		if err != nil {
			return nil, fmt.Errorf("middleware %q: %w", s.name, err)
		}
		out = append(out, mw)
	}
	return out, nil
}

// buildPipelines instantiates the configured pipelines in order.
func buildPipelines(st *Settings, logger *slog.Logger) ([]Pipeline, error) {
	type slot struct {
		name  string
		order int
	}
	slots := make([]slot, 0, len(st.Pipelines))
	for name, order := range st.Pipelines {
		slots = append(slots, slot{name, order})
	}
	sort.Slice(slots, func(i, j int) bool {
		if slots[i].order != slots[j].order {
			return slots[i].order < slots[j].order
		}
		return slots[i].name < slots[j].name
	})

	registryMu.Lock()
	defer registryMu.Unlock()
	out := make([]Pipeline, 0, len(slots))
	for _, s := range slots {
		factory, ok := pipelineFactories[s.name]
		if !ok {
			return nil, fmt.Errorf("unknown pipeline %q", s.name)
		}
		p, err := factory(st, logger)
		if err != nil {
			return nil, fmt.Errorf("pipeline %q: %w", s.name, err)
		}
		out = append(out, p)
	}
	return out, nil
}
