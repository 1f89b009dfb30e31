// Package container binds the blob store, the optional indexed database and
// the notification service of one record container, and runs every
// operation against them as a graph of tasks.
//
// Pipelines are asynchronous: each takes a context and a handlers struct and
// returns the *task.Task driving it. Handlers are invoked from the pipeline's
// goroutines. A cancelled pipeline reports neither a result nor an error.
package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/bleepstore/rfstore/internal/credentials"
	rferrors "github.com/bleepstore/rfstore/internal/errors"
	"github.com/bleepstore/rfstore/internal/metadata"
	"github.com/bleepstore/rfstore/internal/metrics"
	"github.com/bleepstore/rfstore/internal/storage"
	"github.com/bleepstore/rfstore/internal/task"
)

// Options are the limits and local resources every pipeline of a container
// works with.
type Options struct {
	// MaxConcurrentTransfers caps the tasks running at once inside one bulk
	// pipeline.
	MaxConcurrentTransfers int
	// MultipartThresholdBytes is the smallest asset saved as a multipart
	// upload.
	MultipartThresholdBytes int64
	MultipartPartSizeBytes  int64
	// ResultsPageSize is the page size DeleteFolder lists with.
	ResultsPageSize int
	// TempDir receives fetched assets.
	TempDir string
	// Configuration is applied to every submitted pipeline.
	Configuration task.Configuration
	// Fs is the filesystem asset paths refer to.
	Fs     afero.Fs
	Logger *slog.Logger
}

// DefaultOptions returns the production limits over the OS filesystem.
func DefaultOptions() Options {
	return Options{
		MaxConcurrentTransfers:  75,
		MultipartThresholdBytes: 256_000_000,
		MultipartPartSizeBytes:  64 << 20,
		ResultsPageSize:         1000,
		TempDir:                 os.TempDir(),
		Configuration:           task.DefaultConfiguration(),
		Fs:                      afero.NewOsFs(),
		Logger:                  slog.Default(),
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.MaxConcurrentTransfers <= 0 {
		o.MaxConcurrentTransfers = def.MaxConcurrentTransfers
	}
	if o.MultipartThresholdBytes <= 0 {
		o.MultipartThresholdBytes = def.MultipartThresholdBytes
	}
	if o.MultipartPartSizeBytes <= 0 {
		o.MultipartPartSizeBytes = def.MultipartPartSizeBytes
	}
	if o.ResultsPageSize <= 0 {
		o.ResultsPageSize = def.ResultsPageSize
	}
	if o.TempDir == "" {
		o.TempDir = def.TempDir
	}
	if o.Configuration == (task.Configuration{}) {
		o.Configuration = def.Configuration
	}
	if o.Fs == nil {
		o.Fs = def.Fs
	}
	if o.Logger == nil {
		o.Logger = def.Logger
	}
	return o
}

// Services are the backend clients of a container. Database is nil for a
// container without an indexed database and Notifications is nil when
// subscriptions are disabled.
type Services struct {
	Blobs         storage.BlobStore
	Database      metadata.IndexedDB
	Notifications NotificationAPI
	Credentials   *credentials.Provider
}

// ServiceFactory builds the services of a container. It runs once, on first
// use.
type ServiceFactory func(ctx context.Context) (*Services, error)

// ErrNoDatabase is returned when an operation needs an indexed database the
// container does not have.
var ErrNoDatabase = errors.New("container has no indexed database")

// Container is one record container. It is safe for concurrent use.
type Container struct {
	ContainerID string
	// DatabaseID names the indexed database table. Empty means records live
	// only in the blob store.
	DatabaseID string

	opts    Options
	factory ServiceFactory
	log     *slog.Logger

	once        sync.Once
	services    *Services
	servicesErr error

	queue *task.Queue
	arena *task.Arena

	mu      sync.Mutex
	closed  bool
	handles map[*task.Task]task.Handle
	groups  map[string]*task.Group
}

// New returns a container whose services are built by factory on first use.
func New(containerID, databaseID string, opts Options, factory ServiceFactory) *Container {
	opts = opts.withDefaults()
	return &Container{
		ContainerID: containerID,
		DatabaseID:  databaseID,
		opts:        opts,
		factory:     factory,
		log:         opts.Logger.With("container", containerID),
		queue:       task.NewQueue(context.Background(), 0),
		arena:       task.NewArena(),
		handles:     make(map[*task.Task]task.Handle),
		groups:      make(map[string]*task.Group),
	}
}

// NewWithServices returns a container over already built services.
func NewWithServices(containerID, databaseID string, opts Options, svc *Services) *Container {
	return New(containerID, databaseID, opts, func(context.Context) (*Services, error) {
		return svc, nil
	})
}

// IsDatabaseOperation reports whether records are kept in an indexed
// database.
func (c *Container) IsDatabaseOperation() bool {
	return c.DatabaseID != ""
}

// Options returns the container limits.
func (c *Container) Options() Options {
	return c.opts
}

// Services returns the backend clients, building them on the first call.
func (c *Container) Services(ctx context.Context) (*Services, error) {
	c.once.Do(func() {
		if c.factory == nil {
			c.servicesErr = errors.New("container has no service factory")
			return
		}
		svc, err := c.factory(context.WithoutCancel(ctx))
		if err != nil {
			c.servicesErr = fmt.Errorf("building services for container %s: %w", c.ContainerID, err)
			return
		}
		if svc == nil || svc.Blobs == nil {
			c.servicesErr = fmt.Errorf("container %s has no blob store", c.ContainerID)
			return
		}
		if c.IsDatabaseOperation() && svc.Database == nil {
			c.servicesErr = fmt.Errorf("container %s: %w", c.ContainerID, ErrNoDatabase)
			return
		}
		c.services = svc
	})
	return c.services, c.servicesErr
}

// Close cancels every running pipeline, waits for them to finish and closes
// the indexed database.
func (c *Container) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.queue.Cancel()
	c.queue.Wait()

	if c.services != nil && c.services.Database != nil {
		return c.services.Database.Close()
	}
	return nil
}

// submit schedules t on the container queue. Cancelling ctx cancels t. A
// task submitted after Close runs cancelled.
func (c *Container) submit(ctx context.Context, t *task.Task) *task.Task {
	t.SetConfiguration(c.opts.Configuration)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		t.Cancel()
		go t.Start(context.Background())
		return t
	}

	h := c.arena.Add(t)
	c.handles[t] = h
	stop := context.AfterFunc(ctx, t.Cancel)
	t.Observe(func(t *task.Task, s task.State) {
		if s != task.Finished {
			return
		}
		stop()
		c.mu.Lock()
		delete(c.handles, t)
		c.mu.Unlock()
	})
	c.queue.Add(t)
	return t
}

// NewGroup registers a new operation group.
func (c *Container) NewGroup(name string) *task.Group {
	g := task.NewGroup(name)
	g.DefaultConfiguration = c.opts.Configuration
	c.mu.Lock()
	c.groups[g.ID] = g
	c.mu.Unlock()
	return g
}

// Join adds the pipeline t to g. A pipeline that already finished is not
// added.
func (c *Container) Join(g *task.Group, t *task.Task) {
	c.mu.Lock()
	h, ok := c.handles[t]
	c.mu.Unlock()
	if ok {
		g.Add(h)
	}
}

// Members returns the running pipelines of g.
func (c *Container) Members(g *task.Group) []*task.Task {
	return c.arena.Members(g)
}

// Groups returns the registered groups.
func (c *Container) Groups() []*task.Group {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*task.Group, 0, len(c.groups))
	for _, g := range c.groups {
		out = append(out, g)
	}
	return out
}

// Release forgets g. Its pipelines keep running.
func (c *Container) Release(g *task.Group) {
	c.mu.Lock()
	delete(c.groups, g.ID)
	c.mu.Unlock()
}

// requestContext bounds one non-streaming backend call.
func (c *Container) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return c.opts.Configuration.RequestContext(ctx)
}

// observe records the outcome of one pipeline run.
func observe(ctx context.Context, pipeline string, start time.Time, err error) {
	outcome := "success"
	switch {
	case ctx.Err() != nil:
		outcome = "canceled"
	case err == nil:
	case isPartial(err):
		outcome = "partial"
	default:
		outcome = "failure"
	}
	metrics.ObservePipeline(pipeline, outcome, start)
}

func isPartial(err error) bool {
	_, ok := rferrors.AsPartialFailure(err)
	return ok
}
