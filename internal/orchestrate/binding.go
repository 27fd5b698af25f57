// Package orchestrate implements the service/resource wiring layer: it
// parses binding URIs, constructs each named resource exactly once, and
// injects a wrapped, contextual handle per service port.
package orchestrate

import (
	"fmt"
	"net/url"
	"strings"
)

// ResourceContext is the parsed form of a binding URI, passed to a
// contextual resource so it can hand back the wrapped object matching the
// requested usage type.
type ResourceContext struct {
	ServiceName string
	PortName    string
	UsageType   string
	Parameters  map[string]string
}

// ParseBinding parses "<usage_type>:<resource_name>[?k=v&k=v]" into a
// resource name and a ResourceContext. serviceName/portName identify the
// service port the binding was declared on, carried through for logging.
func ParseBinding(serviceName, portName, binding string) (resourceName string, rc ResourceContext, err error) {
	colon := strings.IndexByte(binding, ':')
	if colon < 0 {
		return "", ResourceContext{}, fmt.Errorf("orchestrate: binding %q missing usage_type:resource_name separator", binding)
	}
	usageType := binding[:colon]
	rest := binding[colon+1:]

	params := map[string]string{}
	name := rest
	if q := strings.IndexByte(rest, '?'); q >= 0 {
		name = rest[:q]
		vals, perr := url.ParseQuery(rest[q+1:])
		if perr != nil {
			return "", ResourceContext{}, fmt.Errorf("orchestrate: binding %q: bad query: %w", binding, perr)
		}
		for k := range vals {
			params[k] = vals.Get(k)
		}
	}
	if name == "" {
		return "", ResourceContext{}, fmt.Errorf("orchestrate: binding %q missing resource_name", binding)
	}

	if usageType == "topic-read" {
		if _, ok := params["consumerGroup"]; !ok {
			return "", ResourceContext{}, fmt.Errorf("orchestrate: binding %q: topic-read requires consumerGroup parameter", binding)
		}
	}

	return name, ResourceContext{
		ServiceName: serviceName,
		PortName:    portName,
		UsageType:   usageType,
		Parameters:  params,
	}, nil
}

// Recognised usage types, per the external interface contract.
const (
	UsageQueueIn             = "queue-in"
	UsageQueueOut            = "queue-out"
	UsageStorageRead         = "storage-read"
	UsageStorageWrite        = "storage-write"
	UsageDatabaseMetadata    = "database-metadata"
	UsageDatabaseOrganism    = "database-organism"
	UsageDatabaseEnvironment = "database-environment"
	UsageTopicWrite          = "topic-write"
	UsageTopicRead           = "topic-read"
)
