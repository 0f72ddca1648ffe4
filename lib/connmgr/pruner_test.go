package connmgr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-i2p/common/data"
	"github.com/go-i2p/go-overlay/lib/link"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pruneOptions() Options {
	opts := testOptions()
	opts.MinConnections = 1
	opts.Pruner.Enabled = true
	opts.Pruner.Bandwidth = 100
	opts.Pruner.MaxBuffer = 0
	opts.Pruner.Interval = time.Hour
	return opts
}

func linked(t *testing.T, m *Manager, peers ...data.Hash) map[data.Hash]*link.Link {
	t.Helper()
	out := make(map[data.Hash]*link.Link)
	for _, p := range peers {
		local, _ := pipe(t, true)
		l, err := m.Accept(p, local)
		require.NoError(t, err)
		out[p] = l
	}
	return out
}

func write(t *testing.T, l *link.Link, n int) {
	t.Helper()
	require.NoError(t, l.Write(context.Background(), make([]byte, n)))
}

func TestPruner_BandwidthPrunesLowestValue(t *testing.T) {
	m, _ := newManager(t, pruneOptions(), &pipeDialer{t: t})
	a, b, c := testHash(1), testHash(2), testHash(3)
	links := linked(t, m, a, b, c)

	write(t, links[a], 200)
	write(t, links[b], 150)
	write(t, links[c], 50)

	victim, ok := m.Evaluate(false)
	require.True(t, ok)
	assert.Equal(t, c, victim)
	<-links[c].Done()
	assert.ElementsMatch(t, []data.Hash{a, b}, m.Neighbors())
	assert.EqualValues(t, 0, links[a].WindowBytes(), "window restarts after a prune")

	_, ok = m.Evaluate(false)
	assert.False(t, ok, "one prune per evaluation")
}

func TestPruner_PrunedPeerRefusedUntilCleared(t *testing.T) {
	m, _ := newManager(t, pruneOptions(), &pipeDialer{t: t})
	a, c := testHash(1), testHash(3)
	links := linked(t, m, a, c)
	write(t, links[a], 200)

	victim, ok := m.Evaluate(false)
	require.True(t, ok)
	require.Equal(t, c, victim)
	assert.True(t, m.IsPruned(c))

	local, _ := pipe(t, true)
	_, err := m.Accept(c, local)
	assert.True(t, errors.Is(err, ErrPrunedPeer))
	_, err = m.Dial(context.Background(), c)
	assert.True(t, errors.Is(err, ErrPrunedPeer))

	m.ClearPruned()
	local, _ = pipe(t, true)
	_, err = m.Accept(c, local)
	assert.NoError(t, err)
}

func TestPruner_KeepsMinConnections(t *testing.T) {
	m, _ := newManager(t, pruneOptions(), nil)
	a := testHash(1)
	links := linked(t, m, a)
	write(t, links[a], 500)

	_, ok := m.Evaluate(false)
	assert.False(t, ok)
	assert.Equal(t, 1, m.Len())
}

func TestPruner_SkipsProtectedPeer(t *testing.T) {
	opts := pruneOptions()
	protected := testHash(3)
	opts.Protect = func(p data.Hash) bool { return p == protected }
	m, _ := newManager(t, opts, nil)
	a, b := testHash(1), testHash(2)
	links := linked(t, m, a, b, protected)

	write(t, links[a], 200)
	write(t, links[b], 100)

	victim, ok := m.Evaluate(false)
	require.True(t, ok)
	assert.Equal(t, b, victim)
}

func TestPruner_UnderThresholdOnlyResetsWindow(t *testing.T) {
	m, _ := newManager(t, pruneOptions(), nil)
	a, b := testHash(1), testHash(2)
	links := linked(t, m, a, b)
	write(t, links[a], 40)
	write(t, links[b], 40)

	_, ok := m.Evaluate(true)
	assert.False(t, ok)
	assert.EqualValues(t, 0, links[a].WindowBytes())
	assert.EqualValues(t, 40, links[a].BytesWritten())
}

func TestPruner_MaxBufferTargetsBackloggedLink(t *testing.T) {
	opts := pruneOptions()
	opts.Pruner.Bandwidth = 0
	opts.Pruner.MaxBuffer = 64
	m, _ := newManager(t, opts, nil)

	slow, fast := testHash(1), testHash(2)
	slowConn, _ := pipe(t, false) // nobody reads, writes back up
	_, err := m.Accept(slow, slowConn)
	require.NoError(t, err)
	links := linked(t, m, fast)
	slowLink, _ := m.Link(slow)

	for i := 0; i < 4; i++ {
		go slowLink.Write(context.Background(), make([]byte, 32))
	}
	require.Eventually(t, func() bool { return slowLink.QueuedBytes() > 64 }, time.Second, 5*time.Millisecond)
	write(t, links[fast], 10)

	victim, ok := m.Evaluate(false)
	require.True(t, ok)
	assert.Equal(t, slow, victim)
}

func TestPruner_LoopRunsOnInterval(t *testing.T) {
	opts := pruneOptions()
	opts.Pruner.Interval = 20 * time.Millisecond
	m, _ := newManager(t, opts, nil)
	a, b := testHash(1), testHash(2)
	links := linked(t, m, a, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	require.Eventually(t, func() bool {
		links[a].Write(ctx, make([]byte, 300))
		return m.Len() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, m.IsPruned(b))
}

func TestPruner_ZeroCooldownAllowsReconnect(t *testing.T) {
	opts := pruneOptions()
	opts.Pruner.Cooldown = 0
	m, _ := newManager(t, opts, &pipeDialer{t: t})
	a, c := testHash(1), testHash(3)
	links := linked(t, m, a, c)
	write(t, links[a], 200)

	victim, ok := m.Evaluate(false)
	require.True(t, ok)
	require.Equal(t, c, victim)
	<-links[c].Done()
	assert.False(t, m.IsPruned(c))

	local, _ := pipe(t, true)
	_, err := m.Accept(c, local)
	assert.NoError(t, err)
}

func TestPruner_CooldownExpires(t *testing.T) {
	opts := pruneOptions()
	opts.Pruner.Cooldown = 50 * time.Millisecond
	m, _ := newManager(t, opts, &pipeDialer{t: t})
	a, c := testHash(1), testHash(3)
	links := linked(t, m, a, c)
	write(t, links[a], 200)

	_, ok := m.Evaluate(false)
	require.True(t, ok)
	<-links[c].Done()
	require.True(t, m.IsPruned(c))

	require.Eventually(t, func() bool { return !m.IsPruned(c) }, time.Second, 10*time.Millisecond)
	local, _ := pipe(t, true)
	_, err := m.Accept(c, local)
	assert.NoError(t, err)
}
