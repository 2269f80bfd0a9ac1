package controller

import (
	"fmt"
	"sort"

	"smarter/internal/apierr"
	"smarter/internal/broker"
)

// Registry maps (kind, apiVersion) to the broker serving it. It is built
// once and never mutated.
type Registry struct {
	byKey  map[string]broker.Broker
	byKind map[string][]broker.Broker
	kinds  []string
}

func registryKey(kind, apiVersion string) string {
	return kind + "@" + apiVersion
}

func NewRegistry(brokers ...broker.Broker) (*Registry, error) {
	r := &Registry{byKey: map[string]broker.Broker{}, byKind: map[string][]broker.Broker{}}
	for _, b := range brokers {
		if b == nil {
			return nil, fmt.Errorf("nil broker")
		}
		key := registryKey(b.Kind(), b.APIVersion())
		if _, dup := r.byKey[key]; dup {
			return nil, fmt.Errorf("broker for %s %s registered twice", b.Kind(), b.APIVersion())
		}
		r.byKey[key] = b
		if _, seen := r.byKind[b.Kind()]; !seen {
			r.kinds = append(r.kinds, b.Kind())
		}
		r.byKind[b.Kind()] = append(r.byKind[b.Kind()], b)
	}
	sort.Strings(r.kinds)
	return r, nil
}

// Lookup finds the broker for kind. An empty apiVersion matches the kind
// when exactly one version is registered.
func (r *Registry) Lookup(kind, apiVersion string) (broker.Broker, error) {
	if apiVersion != "" {
		if b, ok := r.byKey[registryKey(kind, apiVersion)]; ok {
			return b, nil
		}
		return nil, apierr.New(apierr.UnknownKind, "unknown kind %q for apiVersion %q", kind, apiVersion)
	}
	candidates := r.byKind[kind]
	switch len(candidates) {
	case 0:
		return nil, apierr.New(apierr.UnknownKind, "unknown kind %q", kind)
	case 1:
		return candidates[0], nil
	default:
		return nil, apierr.New(apierr.BadRequest, "kind %q is served by several apiVersions, set apiVersion", kind)
	}
}

// Kinds returns the registered kind names in order.
func (r *Registry) Kinds() []string {
	return append([]string(nil), r.kinds...)
}

// Brokers returns every broker registered for kind.
func (r *Registry) Brokers(kind string) []broker.Broker {
	return append([]broker.Broker(nil), r.byKind[kind]...)
}
