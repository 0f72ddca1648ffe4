package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-i2p/common/data"
	"github.com/go-i2p/go-overlay/lib/config"
	"github.com/go-i2p/go-overlay/lib/events"
	"github.com/go-i2p/go-overlay/lib/identity"
	"github.com/go-i2p/go-overlay/lib/transport/memnet"
	"github.com/go-i2p/go-overlay/lib/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 3 * time.Second

func testConfig() config.StreamConfig {
	cfg := config.DefaultStreamConfig()
	cfg.SeekTimeout = 2 * time.Second
	cfg.ConnectionManager.Dialer.Enabled = false
	return cfg
}

// inbox collects data events of one node.
type inbox struct {
	mu  sync.Mutex
	got []events.Data
}

func (b *inbox) add(d events.Data) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.got = append(b.got, d)
}

func (b *inbox) count(payload string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := 0
	for _, d := range b.got {
		if string(d.Payload) == payload {
			c++
		}
	}
	return c
}

type cluster struct {
	t     *testing.T
	net   *memnet.Network
	nodes []*Node
	boxes []*inbox
}

func newCluster(t *testing.T, size int, tweak func(i int, cfg *config.StreamConfig)) *cluster {
	t.Helper()
	c := &cluster{t: t, net: memnet.NewNetwork()}
	for i := 0; i < size; i++ {
		cfg := testConfig()
		if tweak != nil {
			tweak(i, &cfg)
		}
		kp, err := identity.NewKeyPair()
		require.NoError(t, err)
		ep := c.net.Endpoint(kp.Hash())
		n, err := New(cfg, kp, ep)
		require.NoError(t, err)
		ep.Attach(n)
		n.Start(context.Background())

		box := &inbox{}
		n.Events().Data.Subscribe(box.add)
		c.nodes = append(c.nodes, n)
		c.boxes = append(c.boxes, box)
		t.Cleanup(n.Stop)
	}
	return c
}

func (c *cluster) hash(i int) data.Hash { return c.nodes[i].Hash() }

func (c *cluster) connect(pairs ...[2]int) {
	c.t.Helper()
	for _, p := range pairs {
		a, b := c.nodes[p[0]], c.nodes[p[1]]
		require.NoError(c.t, c.net.Connect(a.Hash(), b.Hash()))
		require.Eventually(c.t, func() bool {
			_, ab := a.Connections().Link(b.Hash())
			_, ba := b.Connections().Link(a.Hash())
			return ab && ba && a.IsReachable(b.Hash()) && b.IsReachable(a.Hash())
		}, waitFor, 5*time.Millisecond)
	}
}

func (c *cluster) publish(from int, payload string, opts PublishOptions) (data.Hash, error) {
	return c.nodes[from].Publish(context.Background(), []byte(payload), opts)
}

func (c *cluster) eventuallyReceived(i int, payload string) {
	c.t.Helper()
	require.Eventually(c.t, func() bool { return c.boxes[i].count(payload) > 0 }, waitFor, 5*time.Millisecond,
		"node %d never received %q", i, payload)
}

func TestPublish_AnyWhereReachesEveryNodeOnce(t *testing.T) {
	c := newCluster(t, 4, nil)
	c.connect([2]int{0, 1}, [2]int{1, 2}, [2]int{2, 3}, [2]int{3, 0})

	_, err := c.publish(0, "hello", PublishOptions{})
	require.NoError(t, err)

	for i := 1; i < 4; i++ {
		c.eventuallyReceived(i, "hello")
	}
	time.Sleep(100 * time.Millisecond)
	for i := 1; i < 4; i++ {
		assert.Equal(t, 1, c.boxes[i].count("hello"), "node %d", i)
	}
	assert.Zero(t, c.boxes[0].count("hello"), "origin delivered its own message")
}

func TestPublish_NoTargetsLeftAfterSelf(t *testing.T) {
	c := newCluster(t, 2, nil)
	c.connect([2]int{0, 1})

	_, err := c.publish(0, "x", PublishOptions{To: []data.Hash{c.hash(0), c.hash(0)}})
	assert.ErrorIs(t, err, ErrNoValidReceivers)
	assert.Zero(t, c.net.FramesFrom(c.hash(0), wire.KindData))
}

func TestPublish_SelfIsStrippedFromTargets(t *testing.T) {
	c := newCluster(t, 2, nil)
	c.connect([2]int{0, 1})

	var mu sync.Mutex
	var to []data.Hash
	c.nodes[1].Events().Message.Subscribe(func(m events.Message) {
		msg, err := wire.Decode(m.Body)
		if err != nil {
			return
		}
		if d, ok := msg.(*wire.Data); ok {
			mu.Lock()
			to = d.To
			mu.Unlock()
		}
	})

	_, err := c.publish(0, "x", PublishOptions{To: []data.Hash{c.hash(0), c.hash(1), c.hash(1)}})
	require.NoError(t, err)
	c.eventuallyReceived(1, "x")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []data.Hash{c.hash(1)}, to)
}

func TestPublish_NoLinks(t *testing.T) {
	c := newCluster(t, 1, nil)

	_, err := c.publish(0, "x", PublishOptions{})
	assert.ErrorIs(t, err, ErrNoValidReceivers)

	var other data.Hash
	other[0] = 1
	_, err = c.publish(0, "x", PublishOptions{To: []data.Hash{other}, Mode: wire.ModeSeek})
	assert.ErrorIs(t, err, ErrNoValidReceivers)
}

func TestPublish_RejectsBadOptions(t *testing.T) {
	c := newCluster(t, 2, nil)
	c.connect([2]int{0, 1})

	_, err := c.publish(0, "x", PublishOptions{Redundancy: 256})
	assert.Error(t, err)
	_, err = c.publish(0, "x", PublishOptions{Mode: wire.Mode(42)})
	assert.Error(t, err)
}

func TestPublish_SeekLearnsRoutesThenSilentFansOutOnce(t *testing.T) {
	c := newCluster(t, 3, nil)
	c.connect([2]int{0, 1}, [2]int{1, 2})

	_, err := c.publish(0, "seek", PublishOptions{To: []data.Hash{c.hash(2)}, Mode: wire.ModeSeek, Redundancy: 1})
	require.NoError(t, err)
	c.eventuallyReceived(2, "seek")

	cands, ok := c.nodes[0].Routes().FindNeighbor(c.hash(0), c.hash(2))
	require.True(t, ok)
	require.Len(t, cands, 1)
	assert.Equal(t, c.hash(1), cands[0].Hash)
	assert.Equal(t, 2, cands[0].Cost)

	relayed, ok := c.nodes[1].Routes().FindNeighbor(c.hash(0), c.hash(2))
	require.True(t, ok, "relay did not record the route for the origin")
	assert.Equal(t, c.hash(2), relayed[0].Hash)

	c.net.ResetFrames()
	_, err = c.publish(0, "silent", PublishOptions{To: []data.Hash{c.hash(1), c.hash(2)}})
	require.NoError(t, err)
	c.eventuallyReceived(1, "silent")
	c.eventuallyReceived(2, "silent")

	assert.Equal(t, 1, c.net.FramesFrom(c.hash(0), wire.KindData))
	assert.Equal(t, 1, c.net.Frames(c.hash(1), c.hash(2), wire.KindData))
	assert.Zero(t, c.net.FramesFrom(c.hash(2), wire.KindData))
}

func TestPublish_SilentFanoutSharesHops(t *testing.T) {
	// 0 reaches 3 and 4 only through 1 or 2.
	c := newCluster(t, 5, nil)
	c.connect([2]int{0, 1}, [2]int{0, 2}, [2]int{1, 3}, [2]int{1, 4}, [2]int{2, 3}, [2]int{2, 4})

	targets := []data.Hash{c.hash(3), c.hash(4)}
	_, err := c.publish(0, "seek", PublishOptions{To: targets, Mode: wire.ModeAcknowledge, Redundancy: 2})
	require.NoError(t, err)

	c.net.ResetFrames()
	_, err = c.publish(0, "silent", PublishOptions{To: targets, Mode: wire.ModeSilent, Redundancy: 1})
	require.NoError(t, err)
	c.eventuallyReceived(3, "silent")
	c.eventuallyReceived(4, "silent")

	assert.Equal(t, 1, c.net.FramesFrom(c.hash(0), wire.KindData), "both targets share one first hop")
	relays := c.net.FramesFrom(c.hash(1), wire.KindData) + c.net.FramesFrom(c.hash(2), wire.KindData)
	assert.Equal(t, 2, relays)
	assert.Zero(t, c.net.FramesFrom(c.hash(3), wire.KindData))
	assert.Zero(t, c.net.FramesFrom(c.hash(4), wire.KindData))
}

func TestPublish_PrefersDirectLink(t *testing.T) {
	c := newCluster(t, 3, nil)
	c.connect([2]int{0, 1}, [2]int{1, 2}, [2]int{0, 2})

	_, err := c.publish(0, "x", PublishOptions{To: []data.Hash{c.hash(2)}})
	require.NoError(t, err)
	c.eventuallyReceived(2, "x")

	assert.Equal(t, 1, c.net.Frames(c.hash(0), c.hash(2), wire.KindData))
	assert.Zero(t, c.net.Frames(c.hash(0), c.hash(1), wire.KindData))
}

func TestPublish_SilentWithoutRoute(t *testing.T) {
	c := newCluster(t, 3, nil)
	c.connect([2]int{0, 1})

	_, err := c.publish(0, "x", PublishOptions{To: []data.Hash{c.hash(2)}, Mode: wire.ModeSilent})
	assert.ErrorIs(t, err, ErrNoRoute)
	assert.Zero(t, c.net.FramesFrom(c.hash(0), wire.KindData))
}

func TestPublish_SeekTimesOutWithoutRelay(t *testing.T) {
	const timeout = 200 * time.Millisecond
	c := newCluster(t, 3, func(i int, cfg *config.StreamConfig) {
		cfg.SeekTimeout = timeout
		if i == 1 {
			cfg.CanRelay = false
		}
	})
	c.connect([2]int{0, 1}, [2]int{1, 2})

	start := time.Now()
	_, err := c.publish(0, "x", PublishOptions{To: []data.Hash{c.hash(2)}, Mode: wire.ModeSeek})
	assert.ErrorIs(t, err, ErrTimeout)
	took := time.Since(start)
	assert.GreaterOrEqual(t, took, timeout)
	assert.Less(t, took, timeout+500*time.Millisecond)

	assert.False(t, c.nodes[0].IsReachable(c.hash(2)))
	assert.Zero(t, c.boxes[1].count("x"), "non-target relay delivered")
	assert.Zero(t, c.boxes[2].count("x"), "message crossed a node that cannot relay")
	assert.Zero(t, c.net.FramesFrom(c.hash(1), wire.KindData))

	// The non-relaying node still receives its own messages.
	_, err = c.publish(0, "direct", PublishOptions{To: []data.Hash{c.hash(1)}})
	require.NoError(t, err)
	c.eventuallyReceived(1, "direct")
}

func TestPublish_AcknowledgeWaitsForEveryPath(t *testing.T) {
	c := newCluster(t, 4, nil)
	c.connect([2]int{0, 1}, [2]int{0, 2}, [2]int{1, 3}, [2]int{2, 3})

	_, err := c.publish(0, "ack", PublishOptions{To: []data.Hash{c.hash(3)}, Mode: wire.ModeAcknowledge, Redundancy: 2})
	require.NoError(t, err)

	cands, ok := c.nodes[0].Routes().FindNeighbor(c.hash(0), c.hash(3))
	require.True(t, ok)
	require.Len(t, cands, 2)
	vias := []data.Hash{cands[0].Hash, cands[1].Hash}
	assert.ElementsMatch(t, []data.Hash{c.hash(1), c.hash(2)}, vias)
	assert.Equal(t, 2, cands[0].Cost)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, c.boxes[3].count("ack"), "duplicates must not be delivered")
	assert.Eventually(t, func() bool { return c.net.FramesFrom(c.hash(3), wire.KindAck) == 2 }, waitFor, 5*time.Millisecond)
}

func TestPublish_AcknowledgeTimesOut(t *testing.T) {
	c := newCluster(t, 3, func(i int, cfg *config.StreamConfig) {
		cfg.SeekTimeout = 200 * time.Millisecond
	})
	c.connect([2]int{0, 1})

	_, err := c.publish(0, "x", PublishOptions{To: []data.Hash{c.hash(1), c.hash(2)}, Mode: wire.ModeAcknowledge, Redundancy: 1})
	assert.ErrorIs(t, err, ErrTimeout)
	c.eventuallyReceived(1, "x")
	assert.True(t, c.nodes[0].IsReachable(c.hash(1)), "direct link survives a partial timeout")
}

func TestPublish_OpenSeekLearnsEveryAcker(t *testing.T) {
	c := newCluster(t, 3, func(i int, cfg *config.StreamConfig) {
		cfg.SeekTimeout = 300 * time.Millisecond
	})
	c.connect([2]int{0, 1}, [2]int{1, 2})

	_, err := c.publish(0, "x", PublishOptions{Mode: wire.ModeSeek})
	require.NoError(t, err)
	c.eventuallyReceived(1, "x")
	c.eventuallyReceived(2, "x")

	cands, ok := c.nodes[0].Routes().FindNeighbor(c.hash(0), c.hash(2))
	require.True(t, ok)
	assert.Equal(t, c.hash(1), cands[0].Hash)
}

func TestPublish_SilentRetriesAfterLinkClosed(t *testing.T) {
	// 0 reaches 3 through 1 (two hops) or through 2 and 4 (three hops).
	c := newCluster(t, 5, nil)
	c.connect([2]int{0, 1}, [2]int{1, 3}, [2]int{0, 2}, [2]int{2, 4}, [2]int{4, 3})

	_, err := c.publish(0, "seek", PublishOptions{To: []data.Hash{c.hash(3)}, Mode: wire.ModeAcknowledge, Redundancy: 2})
	require.NoError(t, err)
	cands, _ := c.nodes[0].Routes().FindNeighbor(c.hash(0), c.hash(3))
	require.Len(t, cands, 2)
	require.Equal(t, c.hash(1), cands[0].Hash)

	c.net.ResetFrames()
	c.net.SetWriteDelay(c.hash(0), c.hash(1), 500*time.Millisecond)
	done := make(chan error, 1)
	go func() {
		_, err := c.publish(0, "retry", PublishOptions{To: []data.Hash{c.hash(3)}, Mode: wire.ModeSilent, Redundancy: 1})
		done <- err
	}()
	time.Sleep(100 * time.Millisecond)
	c.net.Disconnect(c.hash(0), c.hash(1))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("publish did not return")
	}
	c.eventuallyReceived(3, "retry")
	assert.Equal(t, 1, c.net.Frames(c.hash(0), c.hash(2), wire.KindData), "retry went through the alternative hop")
}

func TestRelay_SlowLinkDoesNotStallOthers(t *testing.T) {
	c := newCluster(t, 4, nil)
	c.connect([2]int{0, 1}, [2]int{1, 2}, [2]int{1, 3})

	c.net.SetWriteDelay(c.hash(1), c.hash(2), time.Second)
	_, err := c.publish(0, "x", PublishOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.boxes[3].count("x") == 1 }, 500*time.Millisecond, 5*time.Millisecond)
	c.eventuallyReceived(2, "x")
}

func TestNode_ReachabilityEvents(t *testing.T) {
	c := newCluster(t, 2, nil)

	var mu sync.Mutex
	var up, down []data.Hash
	c.nodes[0].Events().Reachable.Subscribe(func(h data.Hash) {
		mu.Lock()
		defer mu.Unlock()
		up = append(up, h)
	})
	c.nodes[0].Events().Unreachable.Subscribe(func(h data.Hash) {
		mu.Lock()
		defer mu.Unlock()
		down = append(down, h)
	})

	c.connect([2]int{0, 1})
	assert.True(t, c.nodes[0].IsReachable(c.hash(1)))

	require.True(t, c.nodes[0].HangUp(c.hash(1)))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(down) == 1
	}, waitFor, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []data.Hash{c.hash(1)}, up)
	assert.Equal(t, []data.Hash{c.hash(1)}, down)
	assert.False(t, c.nodes[0].IsReachable(c.hash(1)))
}

func TestNode_DialsTargetsSeenThroughRelays(t *testing.T) {
	c := newCluster(t, 3, func(i int, cfg *config.StreamConfig) {
		cfg.ConnectionManager.Dialer.Enabled = true
	})
	c.connect([2]int{0, 1}, [2]int{1, 2})

	_, err := c.publish(0, "x", PublishOptions{To: []data.Hash{c.hash(2)}, Mode: wire.ModeSeek, Redundancy: 1})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := c.nodes[0].Connections().Link(c.hash(2))
		return ok
	}, waitFor, 5*time.Millisecond)
}

func TestNode_VerifierDropsUnknownOrigins(t *testing.T) {
	net := memnet.NewNetwork()
	var kps []*identity.KeyPair
	for i := 0; i < 3; i++ {
		kp, err := identity.NewKeyPair()
		require.NoError(t, err)
		kps = append(kps, kp)
	}
	ring := identity.NewKeyring()
	require.NoError(t, ring.Add(kps[0]))

	var nodes []*Node
	for i, kp := range kps {
		var opts []Option
		if i == 2 {
			opts = append(opts, WithVerifier(ring))
		}
		ep := net.Endpoint(kp.Hash())
		n, err := New(testConfig(), kp, ep, opts...)
		require.NoError(t, err)
		ep.Attach(n)
		t.Cleanup(n.Stop)
		nodes = append(nodes, n)
	}
	box := &inbox{}
	nodes[2].Events().Data.Subscribe(box.add)
	require.NoError(t, net.Connect(kps[0].Hash(), kps[2].Hash()))
	require.NoError(t, net.Connect(kps[1].Hash(), kps[2].Hash()))
	require.Eventually(t, func() bool { return nodes[2].Connections().Len() == 2 }, waitFor, 5*time.Millisecond)

	_, err := nodes[1].Publish(context.Background(), []byte("forged"), PublishOptions{})
	require.NoError(t, err)
	_, err = nodes[0].Publish(context.Background(), []byte("signed"), PublishOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return box.count("signed") == 1 }, waitFor, 5*time.Millisecond)
	assert.Zero(t, box.count("forged"))
}

func TestNode_StopReleasesPendingSend(t *testing.T) {
	c := newCluster(t, 3, func(i int, cfg *config.StreamConfig) {
		cfg.SeekTimeout = 10 * time.Second
		cfg.CanRelay = false
	})
	c.connect([2]int{0, 1})

	done := make(chan error, 1)
	go func() {
		_, err := c.publish(0, "x", PublishOptions{To: []data.Hash{c.hash(2)}, Mode: wire.ModeSeek})
		done <- err
	}()
	require.Eventually(t, func() bool { return c.nodes[0].pending.len() == 1 }, waitFor, 5*time.Millisecond)
	c.nodes[0].Stop()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, ErrStopped), "got %v", err)
	case <-time.After(waitFor):
		t.Fatal("pending send not released")
	}
	_, err := c.publish(0, "y", PublishOptions{})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestPublish_AutoModeSeeksStaleRoutes(t *testing.T) {
	c := newCluster(t, 3, func(i int, cfg *config.StreamConfig) {
		cfg.RouteSeekInterval = time.Hour
	})
	c.connect([2]int{0, 1}, [2]int{1, 2})

	n := c.nodes[0]
	assert.Equal(t, wire.ModeAnyWhere, n.chooseMode(nil))
	assert.Equal(t, wire.ModeSilent, n.chooseMode([]data.Hash{c.hash(1)}))
	assert.Equal(t, wire.ModeSeek, n.chooseMode([]data.Hash{c.hash(1), c.hash(2)}))

	_, err := c.publish(0, "x", PublishOptions{To: []data.Hash{c.hash(2)}, Redundancy: 1})
	require.NoError(t, err)
	assert.Equal(t, wire.ModeSilent, n.chooseMode([]data.Hash{c.hash(1), c.hash(2)}))
}

func TestRoutes_ConvergeAfterDirectLinkDrops(t *testing.T) {
	// 0 reaches 1 directly and through 2.
	c := newCluster(t, 3, nil)
	c.connect([2]int{0, 1}, [2]int{0, 2}, [2]int{2, 1})

	var mu sync.Mutex
	var down []data.Hash
	c.nodes[0].Events().Unreachable.Subscribe(func(h data.Hash) {
		mu.Lock()
		defer mu.Unlock()
		down = append(down, h)
	})

	_, err := c.publish(0, "seek", PublishOptions{To: []data.Hash{c.hash(1)}, Mode: wire.ModeSeek, Redundancy: 2})
	require.NoError(t, err)
	cands, ok := c.nodes[0].Routes().FindNeighbor(c.hash(0), c.hash(1))
	require.True(t, ok)
	require.Len(t, cands, 2)
	assert.Equal(t, c.hash(1), cands[0].Hash)

	c.net.Disconnect(c.hash(0), c.hash(1))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(down) == 1
	}, waitFor, 5*time.Millisecond)
	assert.False(t, c.nodes[0].IsReachable(c.hash(1)), "route through the dropped link survived")

	c.net.ResetFrames()
	_, err = c.publish(0, "after", PublishOptions{To: []data.Hash{c.hash(1)}, Redundancy: 1})
	require.NoError(t, err)
	c.eventuallyReceived(1, "after")

	cands, ok = c.nodes[0].Routes().FindNeighbor(c.hash(0), c.hash(1))
	require.True(t, ok)
	require.Len(t, cands, 1)
	assert.Equal(t, c.hash(2), cands[0].Hash)
	assert.Equal(t, 2, cands[0].Cost)
	assert.Equal(t, 1, c.net.Frames(c.hash(2), c.hash(1), wire.KindData))
}

func TestPrune_BandwidthDropsLeastUsedLink(t *testing.T) {
	c := newCluster(t, 3, func(i int, cfg *config.StreamConfig) {
		// The loop stays off so Evaluate runs only when the test asks.
		if i == 0 {
			cfg.ConnectionManager.MinConnections = 1
			cfg.ConnectionManager.Pruner.Enabled = false
			cfg.ConnectionManager.Pruner.Bandwidth = 1
			cfg.ConnectionManager.Pruner.MaxBuffer = 0
		}
	})
	c.connect([2]int{0, 1}, [2]int{0, 2}, [2]int{1, 2})

	_, err := c.publish(0, "a much longer payload for the busy link", PublishOptions{To: []data.Hash{c.hash(2)}, Mode: wire.ModeSilent})
	require.NoError(t, err)
	_, err = c.publish(0, "short", PublishOptions{To: []data.Hash{c.hash(1)}, Mode: wire.ModeSilent})
	require.NoError(t, err)
	c.eventuallyReceived(2, "a much longer payload for the busy link")
	c.eventuallyReceived(1, "short")

	victim, ok := c.nodes[0].Connections().Evaluate(false)
	require.True(t, ok)
	assert.Equal(t, c.hash(1), victim)
	require.Eventually(t, func() bool { return !c.nodes[0].IsReachable(c.hash(1)) }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []data.Hash{c.hash(2)}, c.nodes[0].Connections().Neighbors())

	_, ok = c.nodes[0].Connections().Evaluate(false)
	assert.False(t, ok, "min connections reached")

	_, err = c.publish(0, "after", PublishOptions{To: []data.Hash{c.hash(1), c.hash(2)}, Redundancy: 1})
	require.NoError(t, err)
	c.eventuallyReceived(1, "after")
	c.eventuallyReceived(2, "after")
}

func TestPublish_ConcurrentRequestsResolveIndependently(t *testing.T) {
	const timeout = 500 * time.Millisecond
	// Node 3 is never linked, so any request naming it times out.
	c := newCluster(t, 4, func(i int, cfg *config.StreamConfig) {
		cfg.SeekTimeout = timeout
	})
	c.connect([2]int{0, 1}, [2]int{1, 2})

	type result struct {
		err  error
		took time.Duration
	}
	seek := make(chan result, 1)
	ack := make(chan result, 1)
	start := time.Now()
	go func() {
		_, err := c.publish(0, "seek", PublishOptions{To: []data.Hash{c.hash(2)}, Mode: wire.ModeSeek, Redundancy: 1})
		seek <- result{err, time.Since(start)}
	}()
	go func() {
		_, err := c.publish(0, "ack", PublishOptions{To: []data.Hash{c.hash(2), c.hash(3)}, Mode: wire.ModeAcknowledge, Redundancy: 1})
		ack <- result{err, time.Since(start)}
	}()

	s := <-seek
	a := <-ack
	require.NoError(t, s.err)
	assert.Less(t, s.took, timeout, "seek waited for the other request")
	assert.ErrorIs(t, a.err, ErrTimeout)
	assert.GreaterOrEqual(t, a.took, timeout)

	c.eventuallyReceived(2, "seek")
	c.eventuallyReceived(2, "ack")
	assert.Zero(t, c.nodes[0].pending.len())
	assert.True(t, c.nodes[0].IsReachable(c.hash(2)))
	assert.False(t, c.nodes[0].IsReachable(c.hash(3)))
}

func TestPublish_RoutesCommittedOnlyAfterSeekEnds(t *testing.T) {
	// Node 3 never answers, which keeps the seek open after 2 acknowledged.
	c := newCluster(t, 4, func(i int, cfg *config.StreamConfig) {
		cfg.SeekTimeout = 500 * time.Millisecond
	})
	c.connect([2]int{0, 1}, [2]int{1, 2})

	done := make(chan error, 1)
	go func() {
		_, err := c.publish(0, "seek", PublishOptions{To: []data.Hash{c.hash(2), c.hash(3)}, Mode: wire.ModeSeek, Redundancy: 1})
		done <- err
	}()

	require.Eventually(t, func() bool { return c.net.Frames(c.hash(1), c.hash(0), wire.KindAck) == 1 }, waitFor, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, c.nodes[0].pending.len(), "seek ended early")
	assert.False(t, c.nodes[0].IsReachable(c.hash(2)), "route recorded while the seek was in flight")

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrTimeout)
	case <-time.After(waitFor):
		t.Fatal("seek did not end")
	}
	cands, ok := c.nodes[0].Routes().FindNeighbor(c.hash(0), c.hash(2))
	require.True(t, ok)
	assert.Equal(t, c.hash(1), cands[0].Hash)
}
