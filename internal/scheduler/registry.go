package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"
)

var (
	// ErrDuplicateJob means a definition with the same name already
	// exists. Registration-time, configuration-class: fail fast.
	ErrDuplicateJob = errors.New("duplicate job")
	// ErrInvalidSchedule means the cron expression did not parse.
	// Caught eagerly at registration, never at run time.
	ErrInvalidSchedule = errors.New("invalid schedule")
)

// Registry holds the set of scheduled job definitions. Mutation takes
// the exclusive lock because the scheduler loop reads it concurrently;
// iteration order is registration order.
type Registry struct {
	mu     sync.Mutex
	defs   []*JobDefinition
	byName map[string]*JobDefinition
	parser cron.Parser
}

func NewRegistry() *Registry {
	return &Registry{
		byName: map[string]*JobDefinition{},
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Register validates and stores a definition. The cron expression is
// parsed here so a malformed schedule surfaces at startup, not when the
// job first becomes due.
func (r *Registry) Register(def JobDefinition) error {
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return errors.New("job name required")
	}
	if def.Handler == nil {
		return fmt.Errorf("job %q: handler required", name)
	}
	sched, err := r.parser.Parse(def.Spec)
	if err != nil {
		return fmt.Errorf("%w: job %q spec %q: %v", ErrInvalidSchedule, name, def.Spec, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateJob, name)
	}
	def.Name = name
	def.schedule = sched
	d := &def
	r.defs = append(r.defs, d)
	r.byName[name] = d
	return nil
}

// List returns the definitions in registration order. The slice is a
// snapshot; the definitions themselves are immutable.
func (r *Registry) List() []*JobDefinition {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*JobDefinition, len(r.defs))
	copy(out, r.defs)
	return out
}

// Lookup returns the definition with the given name, if registered.
func (r *Registry) Lookup(name string) (*JobDefinition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byName[name]
	return d, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.defs)
}
