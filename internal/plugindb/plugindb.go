// Package plugindb is the factory database: it loads plugin exports, lists
// what they provide and constructs interfaces on behalf of environments.
package plugindb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"plugin"
	"reflect"
	"runtime"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/signalsfoundry/simenv/core"
	"github.com/signalsfoundry/simenv/internal/logging"
	"github.com/signalsfoundry/simenv/pluginapi"
)

// SharedObjectExt is the suffix AddDirectory looks for.
const SharedObjectExt = ".so"

// Opener loads the export of a shared object.
type Opener func(path string) (*pluginapi.Export, error)

type entry struct {
	key    string
	static bool
	export *pluginapi.Export
	info   core.PluginInfo

	// live counts instances created from this plugin that are still
	// reachable.
	live atomic.Int64
}

// Database implements core.Database. Plugins are consulted in load order.
type Database struct {
	log    logging.Logger
	opener Opener

	mu      sync.Mutex
	entries []*entry
	retired []*entry
	dirs    []string
}

var _ core.Database = (*Database)(nil)

// Option customises a Database.
type Option func(*Database)

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(d *Database) {
		d.log = logging.OrNoop(l)
	}
}

// WithOpener replaces the shared-object loader.
func WithOpener(o Opener) Option {
	return func(d *Database) {
		if o != nil {
			d.opener = o
		}
	}
}

// New returns an empty database.
func New(opts ...Option) *Database {
	d := &Database{log: logging.Noop(), opener: OpenShared}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// OpenShared loads path with the plugin package and looks up SymbolName.
func OpenShared(path string) (*pluginapi.Export, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open plugin %q: %w", path, err)
	}
	sym, err := p.Lookup(pluginapi.SymbolName)
	if err != nil {
		return nil, fmt.Errorf("plugin %q: %w", path, err)
	}
	switch ex := sym.(type) {
	case *pluginapi.Export:
		return ex, nil
	case **pluginapi.Export:
		if *ex != nil {
			return *ex, nil
		}
	}
	return nil, fmt.Errorf("%w: %q exports %s as %T", core.ErrInvalidPlugin, path, pluginapi.SymbolName, sym)
}

// Register adds a statically linked export under name.
func (d *Database) Register(name string, ex *pluginapi.Export) error {
	if name == "" || ex == nil {
		return fmt.Errorf("%w: static plugin needs a name and an export", core.ErrInvalidArguments)
	}
	return d.add(name, true, ex)
}

func (d *Database) add(key string, static bool, ex *pluginapi.Export) error {
	info := core.PluginInfo{Name: key}
	if !static {
		info.Path = key
	}
	if err := ex.GetPluginAttributes(&info, pluginapi.PluginInfoHash()); err != nil {
		return fmt.Errorf("plugin %q attributes: %w", key, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if slices.ContainsFunc(d.entries, func(e *entry) bool { return e.key == key }) {
		return nil
	}
	// A shared object stays mapped after unload, so reopening it yields the
	// export that CleanupUnusedLibraries destroyed.
	ex.Revive()
	d.entries = append(d.entries, &entry{key: key, static: static, export: ex, info: info})
	d.log.Debug(context.Background(), "plugin loaded",
		logging.String("plugin", key),
		logging.Int("interfaces", countInterfaces(info)),
	)
	return nil
}

func countInterfaces(info core.PluginInfo) int {
	n := 0
	for _, names := range info.Interfaces {
		n += len(names)
	}
	return n
}

// AddPlugin loads the shared object at path. Loading a path twice succeeds
// without reopening it.
func (d *Database) AddPlugin(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	ex, err := d.opener(abs)
	if err != nil {
		d.log.Warn(context.Background(), "failed to load plugin", logging.String("path", abs), logging.Err(err))
		return false
	}
	if err := d.add(abs, false, ex); err != nil {
		d.log.Warn(context.Background(), "rejected plugin", logging.String("path", abs), logging.Err(err))
		return false
	}
	return true
}

// AddDirectory loads every shared object in dir and remembers dir for
// ReloadPlugins. It reports false when dir cannot be read.
func (d *Database) AddDirectory(dir string) bool {
	files, err := os.ReadDir(dir)
	if err != nil {
		d.log.Warn(context.Background(), "failed to read plugin directory", logging.String("dir", dir), logging.Err(err))
		return false
	}
	d.mu.Lock()
	if !slices.Contains(d.dirs, dir) {
		d.dirs = append(d.dirs, dir)
	}
	d.mu.Unlock()

	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), SharedObjectExt) {
			continue
		}
		d.AddPlugin(filepath.Join(dir, f.Name()))
	}
	return true
}

// ReloadPlugins refreshes the attributes of every loaded plugin and picks up
// shared objects added to known directories since they were scanned.
func (d *Database) ReloadPlugins() {
	d.mu.Lock()
	entries := slices.Clone(d.entries)
	dirs := slices.Clone(d.dirs)
	d.mu.Unlock()

	for _, e := range entries {
		info := core.PluginInfo{Name: e.info.Name, Path: e.info.Path}
		if err := e.export.GetPluginAttributes(&info, pluginapi.PluginInfoHash()); err != nil {
			d.log.Warn(context.Background(), "plugin reload failed", logging.String("plugin", e.key), logging.Err(err))
			continue
		}
		d.mu.Lock()
		e.info = info
		d.mu.Unlock()
	}
	for _, dir := range dirs {
		d.AddDirectory(dir)
	}
}

// RemovePlugin retires the plugin registered under key. Its export is
// destroyed by CleanupUnusedLibraries once no instance it created is alive.
func (d *Database) RemovePlugin(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := slices.IndexFunc(d.entries, func(e *entry) bool { return e.key == key || e.info.Name == key })
	if i < 0 {
		return false
	}
	d.retired = append(d.retired, d.entries[i])
	d.entries = slices.Delete(d.entries, i, i+1)
	return true
}

// CleanupUnusedLibraries destroys retired plugins whose instances have all
// been collected.
func (d *Database) CleanupUnusedLibraries() {
	d.mu.Lock()
	var done []*entry
	d.retired = slices.DeleteFunc(d.retired, func(e *entry) bool {
		if e.live.Load() > 0 {
			return false
		}
		done = append(done, e)
		return true
	})
	d.mu.Unlock()

	for _, e := range done {
		e.export.DestroyPlugin()
		d.log.Debug(context.Background(), "plugin unloaded", logging.String("plugin", e.key))
	}
}

// HasInterface reports whether a loaded plugin lists name under kind.
func (d *Database) HasInterface(kind core.Kind, name string) bool {
	id, _ := pluginapi.SplitName(name)
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.ContainsFunc(d.entries, func(e *entry) bool { return e.info.Provides(kind, id) })
}

// Plugins returns the attributes of every loaded plugin in load order.
func (d *Database) Plugins() []core.PluginInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]core.PluginInfo, len(d.entries))
	for i, e := range d.entries {
		out[i] = e.info
	}
	return out
}

// CreateInterface asks every plugin that lists name under kind, in load
// order, until one constructs it. Contract mismatches abort the search. When
// every candidate fails the last failure is returned.
func (d *Database) CreateInterface(env core.Environment, kind core.Kind, name string) (core.Interface, error) {
	id, _ := pluginapi.SplitName(name)
	if id == "" {
		return nil, fmt.Errorf("%w: empty interface name", core.ErrInvalidArguments)
	}

	d.mu.Lock()
	var candidates []*entry
	for _, e := range d.entries {
		if e.info.Provides(kind, id) {
			candidates = append(candidates, e)
		}
	}
	d.mu.Unlock()

	var lastErr error
	for _, e := range candidates {
		iface, err := e.export.CreateInterface(kind, name, pluginapi.InterfaceHash(kind), pluginapi.EnvironmentHash(), env)
		if err != nil {
			if errors.Is(err, core.ErrInvalidPlugin) {
				return nil, fmt.Errorf("plugin %q: %w", e.key, err)
			}
			d.log.Warn(context.Background(), "plugin failed to create interface",
				logging.String("plugin", e.key),
				logging.String("kind", kind.String()),
				logging.String("name", id),
				logging.Err(err),
			)
			lastErr = fmt.Errorf("plugin %q: %w", e.key, err)
			continue
		}
		if iface == nil {
			continue
		}
		track(iface, e)
		return iface, nil
	}
	return nil, lastErr
}

// track counts iface against e until the garbage collector reclaims it.
// Values that are not heap pointers are not counted.
func track(iface core.Interface, e *entry) {
	v := reflect.ValueOf(iface)
	if v.Kind() != reflect.Pointer || v.IsNil() || v.Type().Elem().Size() == 0 {
		return
	}
	e.live.Add(1)
	runtime.AddCleanup((*byte)(v.UnsafePointer()), func(e *entry) { e.live.Add(-1) }, e)
}

// Live reports how many tracked instances of the plugin registered under key
// are still alive, including retired plugins.
func (d *Database) Live(key string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range slices.Concat(d.entries, d.retired) {
		if e.key == key {
			return e.live.Load()
		}
	}
	return 0
}
