// Package router computes next-hop routes over a topology.Graph snapshot
// (spec.md §4.6): Dijkstra with EWMA-RTT edge weights, a non-HEALTHY
// intermediate penalty, lexicographic tie-breaking, per-(dst,version)
// result caching, and bounded failover retries.
package router

import (
	"container/heap"
	"errors"
	"sync"

	"meshcore/internal/identity"
	"meshcore/internal/topology"
)

const (
	DefaultNonHealthyPenaltyMS = 5.0
	DefaultMaxFailoverHops     = 3
)

var (
	// ErrNoRoute is returned when dst is not present anywhere in the
	// topology snapshot.
	ErrNoRoute = errors.New("router: no route to destination")
	// ErrUnreachable is returned when dst is known but no path exists from
	// self in the current snapshot (disconnected component).
	ErrUnreachable = errors.New("router: destination unreachable")
)

// Route is a computed path to a destination.
type Route struct {
	NextHop identity.NodeID
	Path    []identity.NodeID // self ... dst, inclusive
	CostMS  float64
}

// PeerHealth reports whether an intermediate node is currently HEALTHY, for
// the router's non-HEALTHY edge penalty. Peers absent from the snapshot
// implicitly count as unknown/non-HEALTHY.
type PeerHealth interface {
	IsHealthy(id identity.NodeID) bool
}

type cacheKey struct {
	dst     identity.NodeID
	version uint64
}

// Router computes and caches routes over a topology.Graph.
type Router struct {
	self   identity.NodeID
	topo   *topology.Graph
	health PeerHealth

	nonHealthyPenaltyMS float64
	maxFailoverHops     int

	mu    sync.Mutex
	cache map[cacheKey]Route
}

// New constructs a Router. health may be nil, in which case no non-HEALTHY
// penalty is ever applied.
func New(self identity.NodeID, topo *topology.Graph, health PeerHealth) *Router {
	return &Router{
		self:                self,
		topo:                topo,
		health:              health,
		nonHealthyPenaltyMS: DefaultNonHealthyPenaltyMS,
		maxFailoverHops:     DefaultMaxFailoverHops,
		cache:               make(map[cacheKey]Route),
	}
}

// Route returns the current best route to dst, computing and caching it
// against the topology's current version if not already cached.
func (r *Router) Route(dst identity.NodeID) (Route, error) {
	if dst == r.self {
		return Route{NextHop: r.self, Path: nil, CostMS: 0}, nil
	}

	snap := r.topo.Snapshot()
	key := cacheKey{dst: dst, version: snap.Version}

	r.mu.Lock()
	if route, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return route, nil
	}
	r.mu.Unlock()

	route, err := r.computeRoute(snap, dst, nil)
	if err != nil {
		return Route{}, err
	}

	r.mu.Lock()
	r.cache[key] = route
	r.mu.Unlock()
	return route, nil
}

// RouteWithFailover returns a route to dst, and on send indicates that the
// previously returned next hop is unreachable, recomputes excluding the
// failed edge and retries up to MaxFailoverHops. The returned Route is not
// cached (it reflects an edge exclusion specific to this caller's retry
// sequence), so the next top-level Route call still sees the un-excluded
// graph.
func (r *Router) RouteWithFailover(dst identity.NodeID, failedNextHops []identity.NodeID) (Route, error) {
	if len(failedNextHops) > r.maxFailoverHops {
		return Route{}, ErrUnreachable
	}
	snap := r.topo.Snapshot()
	excluded := make(map[identity.NodeID]bool, len(failedNextHops))
	for _, h := range failedNextHops {
		excluded[h] = true
	}
	return r.computeRoute(snap, dst, excluded)
}

// InvalidateCache drops all cached routes, forcing recomputation on next
// call. Used by the MAPE-K RecomputeRoutes() plan step.
func (r *Router) InvalidateCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[cacheKey]Route)
}

func (r *Router) computeRoute(snap topology.Snapshot, dst identity.NodeID, excludedNextHops map[identity.NodeID]bool) (Route, error) {
	if !nodePresent(snap, dst) && dst != r.self {
		return Route{}, ErrNoRoute
	}

	dist := map[identity.NodeID]float64{r.self: 0}
	prev := map[identity.NodeID]identity.NodeID{}
	visited := map[identity.NodeID]bool{}

	pq := &priorityQueue{{node: r.self, dist: 0}}
	heap.Init(pq)

	for pq.Len() > 0 {
		item := heap.Pop(pq).(pqItem)
		u := item.node
		if visited[u] {
			continue
		}
		visited[u] = true
		if u == dst {
			break
		}

		neighbors := snap.Neighbors(u)
		sortEdgesLexicographic(neighbors)
		for _, edge := range neighbors {
			v := edge.Dst
			if snap.Evicted[v] {
				continue
			}
			if u == r.self && excludedNextHops[v] {
				continue
			}
			weight := edge.Cost
			if r.health != nil && v != dst && !r.health.IsHealthy(v) {
				weight += r.nonHealthyPenaltyMS
			}
			alt := dist[u] + weight
			cur, seen := dist[v]
			prevU, hasPrev := prev[v]
			betterTie := seen && alt == cur && hasPrev && u < prevU
			if !seen || alt < cur || betterTie {
				dist[v] = alt
				prev[v] = u
				heap.Push(pq, pqItem{node: v, dist: alt})
			}
		}
	}

	if _, ok := dist[dst]; !ok {
		return Route{}, ErrUnreachable
	}

	path := []identity.NodeID{dst}
	for cur := dst; cur != r.self; {
		p, ok := prev[cur]
		if !ok {
			return Route{}, ErrUnreachable
		}
		path = append([]identity.NodeID{p}, path...)
		cur = p
	}

	nextHop := dst
	if len(path) > 1 {
		nextHop = path[1]
	}
	return Route{NextHop: nextHop, Path: path, CostMS: dist[dst]}, nil
}

func nodePresent(snap topology.Snapshot, id identity.NodeID) bool {
	for _, e := range snap.Edges {
		if e.Src == id || e.Dst == id {
			return true
		}
	}
	return false
}

// sortEdgesLexicographic ensures ties in Dijkstra relaxation are broken by
// NodeID, by visiting candidate edges in a stable, deterministic order.
func sortEdgesLexicographic(edges []topology.Edge) {
	for i := 1; i < len(edges); i++ {
		for j := i; j > 0 && edges[j].Dst < edges[j-1].Dst; j-- {
			edges[j], edges[j-1] = edges[j-1], edges[j]
		}
	}
}

type pqItem struct {
	node identity.NodeID
	dist float64
}

type priorityQueue []pqItem

func (pq priorityQueue) Len() int { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].dist != pq[j].dist {
		return pq[i].dist < pq[j].dist
	}
	return pq[i].node < pq[j].node
}
func (pq priorityQueue) Swap(i, j int) { pq[i], pq[j] = pq[j], pq[i] }
func (pq *priorityQueue) Push(x any)   { *pq = append(*pq, x.(pqItem)) }
func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	*pq = old[:n-1]
	return item
}
