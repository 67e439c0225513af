package studio

import "sort"

// RoutingTable maps each task kind to exactly one named queue. It is a
// static, total function: construction fails unless every kind in TaskKinds
// is mapped to a non-empty queue name, so an unmapped kind surfaces at
// startup rather than at enqueue time.
type RoutingTable struct {
	byKind map[TaskKind]string
}

// NewRoutingTable validates and builds a routing table.
func NewRoutingTable(mapping map[TaskKind]string) (*RoutingTable, error) {
	byKind := make(map[TaskKind]string, len(mapping))
	for kind, queue := range mapping {
		if !kind.Valid() {
			return nil, &RoutingConfigError{Kind: kind, Reason: "unknown task kind"}
		}
		if queue == "" {
			return nil, &RoutingConfigError{Kind: kind, Reason: "mapped to empty queue name"}
		}
		byKind[kind] = queue
	}
	for _, kind := range TaskKinds {
		if _, ok := byKind[kind]; !ok {
			return nil, &RoutingConfigError{Kind: kind, Reason: "no queue mapped"}
		}
	}
	return &RoutingTable{byKind: byKind}, nil
}

// Route returns the queue for the kind. Deterministic for the process
// lifetime; the table is immutable after construction.
func (rt *RoutingTable) Route(kind TaskKind) string {
	return rt.byKind[kind]
}

// Queues returns the distinct queue names in sorted order.
func (rt *RoutingTable) Queues() []string {
	seen := make(map[string]struct{}, len(rt.byKind))
	for _, queue := range rt.byKind {
		seen[queue] = struct{}{}
	}
	queues := make([]string, 0, len(seen))
	for queue := range seen {
		queues = append(queues, queue)
	}
	sort.Strings(queues)
	return queues
}
