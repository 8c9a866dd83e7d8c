// Package endpoints holds the immutable descriptors of the remote hosts that
// scout can reach, and the registries that resolve them by name.
package endpoints

import (
	"fmt"
	"net"
	"sort"
	"strconv"
)

const DefaultPort = 22

// Endpoint describes one SSH-reachable host. Values are copied, never
// mutated after a registry is built.
type Endpoint struct {
	Name         string `json:"name"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	User         string `json:"user"`
	IdentityFile string `json:"identity_file,omitempty"`
	Password     string `json:"-"`
}

// Address returns host:port for dialing.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("endpoint: name is empty")
	}
	if e.Host == "" {
		return fmt.Errorf("endpoint %s: host is empty", e.Name)
	}
	if e.Port <= 0 || e.Port > 65535 {
		return fmt.Errorf("endpoint %s: invalid port %d", e.Name, e.Port)
	}
	return nil
}

// Resolver looks endpoints up by name.
type Resolver interface {
	Resolve(name string) (Endpoint, bool)
}

// Registry is an immutable name -> Endpoint table.
type Registry struct {
	byName map[string]Endpoint
	names  []string
}

// NewRegistry validates eps and builds a registry. Duplicate names are an error.
func NewRegistry(eps ...Endpoint) (*Registry, error) {
	r := &Registry{byName: make(map[string]Endpoint, len(eps))}
	for _, ep := range eps {
		if err := ep.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.byName[ep.Name]; dup {
			return nil, fmt.Errorf("endpoint %s: duplicate name", ep.Name)
		}
		r.byName[ep.Name] = ep
		r.names = append(r.names, ep.Name)
	}
	sort.Strings(r.names)
	return r, nil
}

func (r *Registry) Resolve(name string) (Endpoint, bool) {
	ep, ok := r.byName[name]
	return ep, ok
}

// Names returns endpoint names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// All returns every endpoint in name order.
func (r *Registry) All() []Endpoint {
	out := make([]Endpoint, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, r.byName[n])
	}
	return out
}

func (r *Registry) Len() int { return len(r.names) }

// Merge combines registries. Earlier registries win on name conflicts.
func Merge(regs ...*Registry) *Registry {
	merged := &Registry{byName: make(map[string]Endpoint)}
	for _, reg := range regs {
		if reg == nil {
			continue
		}
		for _, name := range reg.names {
			if _, ok := merged.byName[name]; ok {
				continue
			}
			merged.byName[name] = reg.byName[name]
			merged.names = append(merged.names, name)
		}
	}
	sort.Strings(merged.names)
	return merged
}
