// Package grouper partitions resources by the host that serves them.
package grouper

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"changedetect/packages/domain"
)

// UnknownHost collects resources whose URL has no usable authority.
const UnknownHost = "unknown"

var (
	ErrMissingURL  = errors.New("resource has no url")
	ErrDuplicateID = errors.New("duplicate resource id")
)

var defaultPorts = map[string]string{"http": "80", "https": "443"}

// Authority returns scheme://host[:port] for rawURL, or UnknownHost. The scheme's
// default port is dropped so one server always maps to one key.
func Authority(rawURL string) string {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return UnknownHost
	}
	scheme := strings.ToLower(parsed.Scheme)
	host := strings.TrimSuffix(parsed.Host, ":")
	if port := parsed.Port(); port != "" && port == defaultPorts[scheme] {
		host = strings.TrimSuffix(host, ":"+port)
	}
	return strings.ToLower(scheme + "://" + host)
}

// Group buckets resources by authority, preserving input order within each bucket.
func Group(resources []domain.Resource) (*domain.Buckets[domain.Resource], error) {
	groups := domain.NewBuckets[domain.Resource]()
	seen := make(map[string]struct{}, len(resources))
	for _, resource := range resources {
		if resource.URL == "" {
			return nil, fmt.Errorf("grouping %q: %w", resource.ID, ErrMissingURL)
		}
		if _, exists := seen[resource.ID]; exists {
			return nil, fmt.Errorf("grouping %q: %w", resource.ID, ErrDuplicateID)
		}
		seen[resource.ID] = struct{}{}
		groups.Add(Authority(resource.URL), resource)
	}
	return groups, nil
}

func Hosts(groups *domain.Buckets[domain.Resource]) []string {
	hosts := make([]string, 0, groups.Len())
	for _, host := range groups.Keys() {
		if host != UnknownHost {
			hosts = append(hosts, host)
		}
	}
	return hosts
}

// Distribute orders resources so consecutive entries come from different hosts
// wherever possible: one from each host in turn until every host is exhausted.
func Distribute(resources []domain.Resource) []domain.Resource {
	groups := domain.NewBuckets[domain.Resource]()
	for _, resource := range resources {
		groups.Add(Authority(resource.URL), resource)
	}

	distributed := make([]domain.Resource, 0, len(resources))
	for round := 0; len(distributed) < len(resources); round++ {
		for _, host := range groups.Keys() {
			if members := groups.Get(host); round < len(members) {
				distributed = append(distributed, members[round])
			}
		}
	}
	return distributed
}
