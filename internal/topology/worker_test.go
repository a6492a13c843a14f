package topology

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const hostState = `{"nmad":1,"lastchgmsec":1700000000000,"hoststate":[
	{"parid":"a1","host":"web-1","cluster":"prod"},
	{"parid":"a2","host":"web-2","cluster":"prod"},
	{"parid":"a3","host":"db-1","cluster":"staging"},
	{"parid":"","host":"nohost"}]}`

func TestWorkerDiscoverMergesAgents(t *testing.T) {
	pools := newFakePools()
	c, _ := newTestCoordinator(t, pools)
	now := time.Now()
	w := addWorker(t, c, "w1", "h1", 10040, now)

	wp := pools.get("h1:10040")
	wp.setReply(peerReply(marker, hostState))

	require.NoError(t, w.discover(context.Background(), now))

	_, na := c.Counts()
	assert.Equal(t, 3, na)
	a, err := c.ResolveAgent("a1")
	require.NoError(t, err)
	assert.Equal(t, "web-1", a.Host)
	assert.Equal(t, "prod", a.Cluster)
	assert.Equal(t, "w1", a.WorkerID)

	lists := wp.listings()
	require.Len(t, lists, 1)
	assert.Equal(t, float64(queryHostState), lists[0]["qtype"])
	opts := lists[0]["options"].(map[string]interface{})
	assert.Equal(t, float64(0), opts["minchgmsec"])
	_, hasNodeFields := opts["nodefields"]
	assert.False(t, hasNodeFields)

	assert.Equal(t, marker, w.Info().LastChgMsec)
	assert.Equal(t, 1, wp.pings)
}

func TestWorkerRefreshCadence(t *testing.T) {
	pools := newFakePools()
	c, _ := newTestCoordinator(t, pools)
	now := time.Now()
	w := addWorker(t, c, "w1", "h1", 10040, now)

	wp := pools.get("h1:10040")
	wp.setReply(peerReply(marker, hostState))

	steps := []struct {
		at        time.Duration
		listings  int
		minChg    int64
		checkOpts bool
	}{
		{0, 1, 0, true},
		{time.Minute, 2, marker - markerOverlapMsec, true},
		{2 * time.Minute, 2, 0, false},
		{3 * time.Minute, 2, 0, false},
		{11 * time.Minute, 3, 0, true},
	}

	for _, s := range steps {
		require.NoError(t, w.discover(context.Background(), now.Add(s.at)))
		lists := wp.listings()
		require.Len(t, lists, s.listings, "after %v", s.at)
		if s.checkOpts {
			opts := lists[len(lists)-1]["options"].(map[string]interface{})
			assert.Equal(t, float64(s.minChg), opts["minchgmsec"], "after %v", s.at)
		}
	}
}

func TestWorkerListingIsIdempotent(t *testing.T) {
	pools := newFakePools()
	c, _ := newTestCoordinator(t, pools)
	now := time.Now()
	w := addWorker(t, c, "w1", "h1", 10040, now)

	list := agentListing(marker, agentEntry{ID: "a1", Host: "web-1", Cluster: "prod"})
	w.handleAgentList(list, 0, now)
	first, _ := c.ResolveAgent("a1")

	w.setLastChg(0)
	w.handleAgentList(list, 0, now.Add(time.Hour))
	second, _ := c.ResolveAgent("a1")

	_, na := c.Counts()
	assert.Equal(t, 1, na)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, now.Add(time.Hour), second.LastSeen)

	// marker-scoped passes leave last-seen alone
	w.handleAgentList(list, marker-markerOverlapMsec, now.Add(2*time.Hour))
	third, _ := c.ResolveAgent("a1")
	assert.Equal(t, second.LastSeen, third.LastSeen)
}

func TestWorkerChangedAgentIsReplaced(t *testing.T) {
	pools := newFakePools()
	c, _ := newTestCoordinator(t, pools)
	now := time.Now()
	w1 := addWorker(t, c, "w1", "h1", 1, now)
	w2 := addWorker(t, c, "w2", "h2", 2, now)

	w1.handleAgentList(agentListing(0, agentEntry{ID: "a1", Host: "web-1", Cluster: "prod"}), 0, now)
	w2.handleAgentList(agentListing(0, agentEntry{ID: "a1", Host: "web-1", Cluster: "prod"}), 0, now)

	a, err := c.ResolveAgent("a1")
	require.NoError(t, err)
	assert.Equal(t, "w2", a.WorkerID)
}

func TestWorkerEmptyListing(t *testing.T) {
	pools := newFakePools()
	c, _ := newTestCoordinator(t, pools)
	now := time.Now()
	w1 := addWorker(t, c, "w1", "h1", 1, now)
	w2 := addWorker(t, c, "w2", "h2", 2, now)

	w1.handleAgentList(agentListing(marker, agentEntry{ID: "a1", Host: "web-1"}), 0, now)
	w2.handleAgentList(agentListing(marker, agentEntry{ID: "a2", Host: "web-2"}), 0, now)

	// nothing changed since the marker
	w1.handleAgentList(agentListing(marker), marker-markerOverlapMsec, now)
	_, na := c.Counts()
	assert.Equal(t, 2, na)
	assert.Zero(t, w1.Info().LastChgMsec)

	// a full listing came back empty: only w1's agents go
	w1.handleAgentList(agentListing(marker), 0, now)
	_, err := c.ResolveAgent("a1")
	assert.ErrorIs(t, err, ErrUnknownAgent)
	_, err = c.ResolveAgent("a2")
	assert.NoError(t, err)
}

func TestWorkerDiscoverWithoutConnections(t *testing.T) {
	pools := newFakePools()
	c, _ := newTestCoordinator(t, pools)
	w := addWorker(t, c, "w1", "h1", 1, time.Now())

	wp := pools.get("h1:1")
	wp.setAvailable(false)
	require.NoError(t, w.discover(context.Background(), time.Now()))
	assert.Empty(t, wp.sent())
	assert.False(t, w.IsReachable())
}

func TestWorkerStartAndClose(t *testing.T) {
	pools := newFakePools()
	c, _ := newTestCoordinator(t, pools)
	w := addWorker(t, c, "w1", "h1", 1, time.Now())

	w.Start(context.Background())
	wp := pools.get("h1:1")
	assert.True(t, wp.started)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.True(t, wp.isClosed())

	stats := w.Stats()
	assert.Equal(t, true, stats["destroyed"])
	assert.Equal(t, "w1", stats["id"])
}
