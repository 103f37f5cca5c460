package router

import (
	"testing"

	"meshcore/internal/hooks"
	"meshcore/internal/identity"
	"meshcore/internal/topology"
)

type fakeHealth struct {
	unhealthy map[identity.NodeID]bool
}

func (f *fakeHealth) IsHealthy(id identity.NodeID) bool {
	return !f.unhealthy[id]
}

func newTestTopology(t *testing.T, edges [][3]any) *topology.Graph {
	t.Helper()
	g := topology.NewGraph(60_000, hooks.SystemClock{}, nil)
	g.Start()
	t.Cleanup(g.Stop)
	for _, e := range edges {
		src := identity.NodeID(e[0].(string))
		dst := identity.NodeID(e[1].(string))
		cost := e[2].(float64)
		g.UpsertEdge(src, dst, cost, 1)
	}
	return g
}

func TestRouteDirectNeighbor(t *testing.T) {
	g := newTestTopology(t, [][3]any{
		{"self", "b", 10.0},
		{"b", "self", 10.0},
	})
	r := New("self", g, nil)

	route, err := r.Route("b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if route.NextHop != "b" || route.CostMS != 10.0 {
		t.Errorf("got %+v", route)
	}
}

func TestRouteMultiHopPicksCheapestPath(t *testing.T) {
	g := newTestTopology(t, [][3]any{
		{"self", "a", 5.0}, {"a", "self", 5.0},
		{"self", "b", 1.0}, {"b", "self", 1.0},
		{"a", "dst", 1.0}, {"dst", "a", 1.0},
		{"b", "dst", 100.0}, {"dst", "b", 100.0},
	})
	r := New("self", g, nil)

	route, err := r.Route("dst")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if route.NextHop != "a" {
		t.Errorf("expected next hop 'a' (cheapest total path), got %q (cost=%v)", route.NextHop, route.CostMS)
	}
}

func TestRouteToSelfReturnsEmptyPath(t *testing.T) {
	g := newTestTopology(t, nil)
	r := New("self", g, nil)

	route, err := r.Route("self")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(route.Path) != 0 || route.CostMS != 0 {
		t.Errorf("expected empty path to self, got %+v", route)
	}
}

func TestRouteUnknownDestinationFailsNoRoute(t *testing.T) {
	g := newTestTopology(t, [][3]any{{"self", "a", 1.0}, {"a", "self", 1.0}})
	r := New("self", g, nil)

	_, err := r.Route("ghost")
	if err != ErrNoRoute {
		t.Errorf("expected ErrNoRoute, got %v", err)
	}
}

func TestRouteDisconnectedComponentFailsUnreachable(t *testing.T) {
	g := newTestTopology(t, [][3]any{
		{"self", "a", 1.0}, {"a", "self", 1.0},
		{"b", "c", 1.0}, {"c", "b", 1.0},
	})
	r := New("self", g, nil)

	_, err := r.Route("c")
	if err != ErrUnreachable {
		t.Errorf("expected ErrUnreachable, got %v", err)
	}
}

func TestRouteAppliesNonHealthyPenalty(t *testing.T) {
	g := newTestTopology(t, [][3]any{
		{"self", "sick", 1.0}, {"sick", "self", 1.0},
		{"sick", "dst", 1.0}, {"dst", "sick", 1.0},
		{"self", "healthy", 3.0}, {"healthy", "self", 3.0},
		{"healthy", "dst", 3.0}, {"dst", "healthy", 3.0},
	})
	health := &fakeHealth{unhealthy: map[identity.NodeID]bool{"sick": true}}
	r := New("self", g, health)

	// Without the penalty, via 'sick' costs 2 and via 'healthy' costs 6;
	// with a +5ms penalty on the non-HEALTHY intermediate, 'sick' costs 7
	// and 'healthy' wins.
	route, err := r.Route("dst")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if route.NextHop != "healthy" {
		t.Errorf("expected penalty to route around non-HEALTHY intermediate, got next hop %q", route.NextHop)
	}
}

func TestRouteCacheInvalidatesOnTopologyMutation(t *testing.T) {
	g := newTestTopology(t, [][3]any{{"self", "a", 1.0}, {"a", "self", 1.0}})
	r := New("self", g, nil)

	first, _ := r.Route("a")
	g.UpsertEdge("self", "a", 2.0, 2)
	second, _ := r.Route("a")

	if first.CostMS == second.CostMS {
		t.Error("expected cache to be invalidated and cost recomputed after topology mutation")
	}
}

func TestInvalidateCacheForcesRecompute(t *testing.T) {
	g := newTestTopology(t, [][3]any{{"self", "a", 1.0}, {"a", "self", 1.0}})
	r := New("self", g, nil)

	r.Route("a")
	r.InvalidateCache()
	if len(r.cache) != 0 {
		t.Error("expected cache to be empty after InvalidateCache")
	}
}

func TestRouteWithFailoverExcludesFailedNextHop(t *testing.T) {
	g := newTestTopology(t, [][3]any{
		{"self", "a", 1.0}, {"a", "self", 1.0},
		{"self", "b", 5.0}, {"b", "self", 5.0},
		{"a", "dst", 1.0}, {"dst", "a", 1.0},
		{"b", "dst", 1.0}, {"dst", "b", 1.0},
	})
	r := New("self", g, nil)

	route, err := r.RouteWithFailover("dst", []identity.NodeID{"a"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if route.NextHop != "b" {
		t.Errorf("expected failover to route via 'b' after excluding 'a', got %q", route.NextHop)
	}
}
