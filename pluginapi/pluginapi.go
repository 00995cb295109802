// Package pluginapi is the export boundary for backend plugins. A plugin
// implements Factory and exposes the result of NewExport; hosts call the
// Export methods with the contract hashes they were built against, and every
// call fails closed when the hashes differ.
package pluginapi

import (
	"fmt"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/signalsfoundry/simenv/core"
)

// SymbolName is the symbol a shared-object plugin exports. Its value must be a
// *Export.
const SymbolName = "SimenvPlugin"

// Contract descriptors. Bump the version suffix whenever the matching Go
// interface in package core changes.
var contractDescriptors = map[core.Kind]string{
	core.KindKinBody:          "model.Body/v1",
	core.KindRobot:            "model.Robot/v1",
	core.KindCollisionChecker: "core.CollisionChecker/v1",
	core.KindPhysicsEngine:    "core.PhysicsEngine/v1",
	core.KindViewer:           "core.Viewer/v1",
	core.KindProblem:          "core.Problem/v1",
}

const (
	environmentDescriptor = "core.Environment+core.Scene/v1"
	pluginInfoDescriptor  = "core.PluginInfo/v1"
)

func digest(s string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(s))
}

// InterfaceHash returns the contract hash of kind.
func InterfaceHash(kind core.Kind) string {
	d, ok := contractDescriptors[kind]
	if !ok {
		return ""
	}
	return digest(d)
}

// EnvironmentHash returns the contract hash of the environment seen by plugins.
func EnvironmentHash() string { return digest(environmentDescriptor) }

// PluginInfoHash returns the contract hash of core.PluginInfo.
func PluginInfoHash() string { return digest(pluginInfoDescriptor) }

// Factory is implemented by plugin authors. Export validates every call before
// reaching it.
type Factory interface {
	// CreateInterface builds the named interface. name is already lowercased
	// and args holds the rest of the requested string. A nil Interface means
	// the plugin does not provide name.
	CreateInterface(kind core.Kind, name string, args []string, env core.Environment) (core.Interface, error)
	// Attributes reports what the plugin can construct.
	Attributes() core.PluginInfo
	// Destroy releases plugin-held resources before unload.
	Destroy()
}

// Export wraps a Factory with contract checks.
type Export struct {
	factory Factory

	mu        sync.Mutex
	destroyed bool
}

// NewExport wraps f.
func NewExport(f Factory) *Export {
	return &Export{factory: f}
}

// SplitName lowercases the first whitespace-separated token of name and
// returns it together with the remaining tokens.
func SplitName(name string) (string, []string) {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return "", nil
	}
	return strings.ToLower(fields[0]), fields[1:]
}

// CreateInterface validates the caller's hashes and constructs an instance.
func (e *Export) CreateInterface(kind core.Kind, name, interfaceHash, envHash string, env core.Environment) (core.Interface, error) {
	want := InterfaceHash(kind)
	if want == "" {
		return nil, fmt.Errorf("%w: unknown interface kind %d", core.ErrInvalidArguments, kind)
	}
	if interfaceHash != want {
		return nil, fmt.Errorf("%w: %s hash %s, plugin built against %s", core.ErrInvalidPlugin, kind, interfaceHash, want)
	}
	if envHash != EnvironmentHash() {
		return nil, fmt.Errorf("%w: environment hash %s, plugin built against %s", core.ErrInvalidPlugin, envHash, EnvironmentHash())
	}
	if env == nil {
		return nil, fmt.Errorf("%w: nil environment", core.ErrInvalidArguments)
	}
	if e.isDestroyed() {
		return nil, fmt.Errorf("%w: plugin already destroyed", core.ErrInvalidState)
	}
	id, args := SplitName(name)
	if id == "" {
		return nil, fmt.Errorf("%w: empty interface name", core.ErrInvalidArguments)
	}
	return e.factory.CreateInterface(kind, id, args, env)
}

// GetPluginAttributes validates infoHash and fills info.
func (e *Export) GetPluginAttributes(info *core.PluginInfo, infoHash string) error {
	if info == nil {
		return fmt.Errorf("%w: nil plugin info", core.ErrInvalidArguments)
	}
	if infoHash != PluginInfoHash() {
		return fmt.Errorf("%w: plugin info hash %s, plugin built against %s", core.ErrInvalidPlugin, infoHash, PluginInfoHash())
	}
	attrs := e.factory.Attributes()
	info.Interfaces = make(map[core.Kind][]string, len(attrs.Interfaces))
	for k, names := range attrs.Interfaces {
		lowered := make([]string, len(names))
		for i, n := range names {
			lowered[i] = strings.ToLower(n)
		}
		info.Interfaces[k] = lowered
	}
	if info.Name == "" {
		info.Name = attrs.Name
	}
	return nil
}

// DestroyPlugin releases the factory. Later calls are no-ops.
func (e *Export) DestroyPlugin() {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return
	}
	e.destroyed = true
	e.mu.Unlock()
	e.factory.Destroy()
}

// Revive re-enables an export after DestroyPlugin so a reloaded library can
// serve requests again.
func (e *Export) Revive() {
	e.mu.Lock()
	e.destroyed = false
	e.mu.Unlock()
}

func (e *Export) isDestroyed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.destroyed
}
