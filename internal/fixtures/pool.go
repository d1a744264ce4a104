package fixtures

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harrison/testfleet/internal/models"
)

// DefaultTeardownTimeout bounds how long TeardownScope waits for one resolver
// to return after its teardown signal.
const DefaultTeardownTimeout = 30 * time.Second

type instance struct {
	key      string
	name     string
	scope    Scope
	value    any
	param    bool
	teardown chan struct{}
	finished chan error
}

// Pool creates and caches fixture instances for one worker. Calls into the
// pool are expected to come from the worker's serial control flow; the mutex
// only guards against goroutines abandoned after a timeout.
type Pool struct {
	ctx             context.Context
	chain           *Chain
	params          models.Values
	teardownTimeout time.Duration

	mu        sync.Mutex
	instances map[string]*instance
	order     []*instance
}

// instanceKey identifies a registration independently of the chain it sits
// in, so worker fixtures survive a switch to another file's chain.
func instanceKey(reg *Registration) string {
	return reg.Name + "@" + reg.Location
}

// NewPool creates a pool resolving against chain. params supplies parameter
// fixture values for the current configuration. ctx is handed to every
// resolver and outlives individual tests.
func NewPool(ctx context.Context, chain *Chain, params models.Values) *Pool {
	if params == nil {
		params = models.Values{}
	}
	return &Pool{
		ctx:             ctx,
		chain:           chain,
		params:          params,
		teardownTimeout: DefaultTeardownTimeout,
		instances:       make(map[string]*instance),
	}
}

// SetChain switches the pool to another file's chain and configuration.
// Live worker fixtures stay cached and are reused when the new chain reaches
// the same registrations.
func (p *Pool) SetChain(chain *Chain, params models.Values) {
	if params == nil {
		params = models.Values{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chain = chain
	p.params = params
}

// SetTeardownTimeout overrides DefaultTeardownTimeout.
func (p *Pool) SetTeardownTimeout(d time.Duration) {
	p.teardownTimeout = d
}

// Chain returns the override chain the pool resolves against.
func (p *Pool) Chain() *Chain {
	return p.chain
}

// Resolve sets up every fixture named in deps and returns their values.
func (p *Pool) Resolve(ctx context.Context, deps []string) (models.Values, error) {
	values := make(models.Values, len(deps))
	for _, dep := range deps {
		b, err := p.chain.Top(dep)
		if err != nil {
			return nil, err
		}
		v, err := p.setup(ctx, b, nil)
		if err != nil {
			return nil, err
		}
		values[dep] = v
	}
	return values, nil
}

// SetupFixture returns the live value of the current registration of name,
// creating it and its dependencies first when needed.
func (p *Pool) SetupFixture(ctx context.Context, name string) (any, error) {
	b, err := p.chain.Top(name)
	if err != nil {
		return nil, err
	}
	return p.setup(ctx, b, nil)
}

func (p *Pool) lookup(reg *Registration) *instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.instances[instanceKey(reg)]
}

func (p *Pool) store(inst *instance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.instances[inst.key] = inst
	p.order = append(p.order, inst)
}

func (p *Pool) setup(ctx context.Context, b Binding, stack []Binding) (any, error) {
	reg := p.chain.At(b)
	if inst := p.lookup(reg); inst != nil {
		return inst.value, nil
	}
	for _, s := range stack {
		if s == b {
			return nil, fmt.Errorf("%w: %q", ErrCycle, b.Name)
		}
	}
	stack = append(stack, b)

	if reg.Parameter {
		value, ok := p.params[reg.Name]
		if !ok {
			value = reg.Default
		}
		p.store(&instance{key: instanceKey(reg), name: reg.Name, scope: reg.Scope, value: value, param: true})
		return value, nil
	}

	deps := make(models.Values, len(reg.Deps))
	for _, dep := range reg.Deps {
		db, err := p.chain.depBinding(b, dep)
		if err != nil {
			return nil, fmt.Errorf("fixture %q: %w", reg.Name, err)
		}
		if reg.Scope == ScopeWorker && p.chain.At(db).Scope == ScopeTest {
			return nil, fmt.Errorf("worker fixture %q cannot depend on test fixture %q", reg.Name, dep)
		}
		v, err := p.setup(ctx, db, stack)
		if err != nil {
			return nil, err
		}
		deps[dep] = v
	}

	inst := &instance{
		key:      instanceKey(reg),
		name:     reg.Name,
		scope:    reg.Scope,
		teardown: make(chan struct{}),
		finished: make(chan error, 1),
	}
	valueCh := make(chan any, 1)

	go func() {
		var once sync.Once
		used := false
		err := callResolver(reg.Resolver, p.ctx, deps, func(value any) {
			first := false
			once.Do(func() { first = true })
			if !first {
				panic(fmt.Sprintf("fixture %q called use more than once", reg.Name))
			}
			used = true
			valueCh <- value
			<-inst.teardown
		})
		if err == nil && !used {
			err = fmt.Errorf("fixture %q returned without calling use", reg.Name)
		}
		inst.finished <- err
	}()

	select {
	case v := <-valueCh:
		inst.value = v
		p.store(inst)
		return v, nil
	case err := <-inst.finished:
		return nil, fmt.Errorf("fixture %q setup failed: %w", reg.Name, err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func callResolver(fn Resolver, ctx context.Context, deps models.Values, use func(any)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, deps, use)
}

// TeardownScope tears down every live fixture of scope in reverse creation
// order. Dependents are always created after their dependencies, so reverse
// order releases children first. Every error is returned; callers keep the
// first one only if nothing failed earlier.
func (p *Pool) TeardownScope(scope Scope) []error {
	p.mu.Lock()
	var victims []*instance
	kept := p.order[:0:0]
	for _, inst := range p.order {
		if inst.scope == scope {
			victims = append(victims, inst)
			delete(p.instances, inst.key)
		} else {
			kept = append(kept, inst)
		}
	}
	p.order = kept
	p.mu.Unlock()

	var errs []error
	for i := len(victims) - 1; i >= 0; i-- {
		inst := victims[i]
		if inst.param {
			continue
		}
		close(inst.teardown)
		select {
		case err := <-inst.finished:
			if err != nil {
				errs = append(errs, fmt.Errorf("fixture %q teardown failed: %w", inst.name, err))
			}
		case <-time.After(p.teardownTimeout):
			errs = append(errs, fmt.Errorf("fixture %q teardown: %w", inst.name, ErrTimeout))
		}
	}
	return errs
}

// Live returns the names of live instances in creation order.
func (p *Pool) Live() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.order))
	for _, inst := range p.order {
		names = append(names, inst.name)
	}
	return names
}

// RunWithFixtures resolves deps, calls fn and races it against timeout and
// ctx. On timeout ErrTimeout is returned and the call is abandoned, not
// cancelled: fn keeps running in the background until it returns on its own.
// A zero timeout disables the race against the timer.
func (p *Pool) RunWithFixtures(ctx context.Context, fn models.TestFunc, deps []string, info *models.TestInfo, timeout time.Duration) error {
	resultCh := make(chan error, 1)
	go func() {
		resultCh <- func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			values, err := p.Resolve(ctx, deps)
			if err != nil {
				return err
			}
			if fn == nil {
				return nil
			}
			return fn(ctx, values, info)
		}()
	}()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case err := <-resultCh:
		return err
	case <-timer:
		return fmt.Errorf("%w (%s)", ErrTimeout, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsTimeout reports whether err came from an exceeded time budget.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
