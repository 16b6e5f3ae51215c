package domain

import (
	"fmt"
	"sort"
	"strings"
)

// CacheKeyPrefix starts every cached read view key: api:<path>[:params].
const CacheKeyPrefix = "api:"

type ResourceKind string

const (
	ResourceProduct ResourceKind = "product"
	ResourceStore   ResourceKind = "store"
	ResourceStock   ResourceKind = "stock"
	ResourceSale    ResourceKind = "sale"
)

// resourcePrefixes maps each kind to the key prefixes of the views it backs.
var resourcePrefixes = map[ResourceKind][]string{
	ResourceProduct: {"api:/products"},
	ResourceStore:   {"api:/stores"},
	ResourceStock:   {"api:/stock"},
	ResourceSale:    {"api:/sales", "api:/refunds"},
}

// resourceImplies lists views that embed fields derived from another kind.
// Product and store listings carry stock-derived fields.
var resourceImplies = map[ResourceKind][]ResourceKind{
	ResourceStock: {ResourceProduct, ResourceStore},
	ResourceSale:  {ResourceStock},
}

type MutationKind string

const (
	MutationStock  MutationKind = "stock"
	MutationSale   MutationKind = "sale"
	MutationRefund MutationKind = "refund"
)

var mutationResources = map[MutationKind][]ResourceKind{
	MutationStock:  {ResourceStock},
	MutationSale:   {ResourceSale, ResourceStock},
	MutationRefund: {ResourceSale, ResourceStock},
}

// ValidateCacheMapping checks the fixed mapping tables. Called once at startup.
func ValidateCacheMapping() error {
	for _, kind := range []ResourceKind{ResourceProduct, ResourceStore, ResourceStock, ResourceSale} {
		prefixes, ok := resourcePrefixes[kind]
		if !ok || len(prefixes) == 0 {
			return fmt.Errorf("resource kind %q has no cache prefixes", kind)
		}
		for _, p := range prefixes {
			if !strings.HasPrefix(p, CacheKeyPrefix+"/") {
				return fmt.Errorf("resource kind %q: prefix %q must start with %q", kind, p, CacheKeyPrefix+"/")
			}
		}
	}
	for from, implied := range resourceImplies {
		for _, k := range append([]ResourceKind{from}, implied...) {
			if _, ok := resourcePrefixes[k]; !ok {
				return fmt.Errorf("implication references unknown resource kind %q", k)
			}
		}
	}
	for m, kinds := range mutationResources {
		for _, k := range kinds {
			if _, ok := resourcePrefixes[k]; !ok {
				return fmt.Errorf("mutation %q references unknown resource kind %q", m, k)
			}
		}
	}
	return nil
}

// ResourcesFor returns the kinds a mutation touches, before implication.
func ResourcesFor(m MutationKind) []ResourceKind {
	return mutationResources[m]
}

// ExpandResources closes kinds over resourceImplies.
func ExpandResources(kinds ...ResourceKind) []ResourceKind {
	seen := make(map[ResourceKind]struct{})
	queue := append([]ResourceKind(nil), kinds...)
	for len(queue) > 0 {
		k := queue[0]
		queue = queue[1:]
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		queue = append(queue, resourceImplies[k]...)
	}
	out := make([]ResourceKind, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CachePrefixes returns the deduplicated key prefixes for kinds after expansion.
func CachePrefixes(kinds ...ResourceKind) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, k := range ExpandResources(kinds...) {
		for _, p := range resourcePrefixes[k] {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// CacheKey builds api:<path>[:params].
func CacheKey(path, rawQuery string) string {
	if rawQuery == "" {
		return CacheKeyPrefix + path
	}
	return CacheKeyPrefix + path + ":" + rawQuery
}
