package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sectionByTitle(ac AssembledContext, prefix string) (ContextSection, bool) {
	for _, s := range ac.Sections {
		if strings.HasPrefix(s.Title, prefix) {
			return s, true
		}
	}
	return ContextSection{}, false
}

func TestAssembler_WindowOnlyWhenShort(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedMessages(t, store, "c", 5)

	a := NewAssembler(store, AssemblerOptions{RawWindow: 200, BlockSize: 4})
	ac, err := a.Assemble(ctx, "c", true)
	require.NoError(t, err)

	assert.Equal(t, 5, ac.Total)
	require.Len(t, ac.Window, 5)
	assert.Equal(t, "m0", ac.Window[0].Message.NativeID)
	assert.Equal(t, 5, ac.Window[0].Distance)
	assert.Equal(t, "m4", ac.Window[4].Message.NativeID)
	assert.Equal(t, 1, ac.Window[4].Distance)
	assert.Empty(t, ac.Sections)
}

func TestAssembler_EmptyConversation(t *testing.T) {
	store := newTestStore(t)
	a := NewAssembler(store, AssemblerOptions{})
	ac, err := a.Assemble(context.Background(), "nothing", true)
	require.NoError(t, err)
	assert.Zero(t, ac.Total)
	assert.Empty(t, ac.Window)
	assert.Empty(t, ac.Render())
}

func TestAssembler_SummariesNeverOverlapWindow(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedMessages(t, store, "c", 23)

	engine := NewRollupEngine(store, &fakeSummarizer{}, RollupOptions{BlockSize: 4})
	_, err := engine.EnsureRollups(ctx, "c")
	require.NoError(t, err)
	// 5 level-0 blocks cover m0..m19, but the window of 6 starts at m17.
	require.Equal(t, 5, summaryCount(t, store, "c", 0))

	_, err = store.AddMemory(ctx, Memory{ConversationID: "c", AuthorID: "u1", Text: "prefers metric units"})
	require.NoError(t, err)

	a := NewAssembler(store, AssemblerOptions{RawWindow: 6, BlockSize: 4})
	ac, err := a.Assemble(ctx, "c", true)
	require.NoError(t, err)

	require.Len(t, ac.Window, 6)
	assert.Equal(t, "m17", ac.Window[0].Message.NativeID)
	assert.Equal(t, 6, ac.Window[0].Distance)

	titles := make([]string, 0, len(ac.Sections))
	for _, s := range ac.Sections {
		titles = append(titles, s.Title)
	}
	assert.Equal(t, []string{
		"Pinned facts",
		"Long-range history, level 1",
		"Earlier conversation summaries",
		"Older messages not yet summarized",
	}, titles)

	pinned, _ := sectionByTitle(ac, "Pinned facts")
	assert.Equal(t, "- prefers metric units", pinned.Body)

	level0, ok := sectionByTitle(ac, "Earlier conversation summaries")
	require.True(t, ok)
	// only blocks ending at or before the boundary (message 17) are used
	assert.Equal(t, 4, strings.Count(level0.Body, "[messages "))
	assert.Contains(t, level0.Body, "[messages 23-20 ago]")
	assert.Contains(t, level0.Body, "[messages 11-8 ago]")
	assert.NotContains(t, level0.Body, "[messages 7-4 ago]")

	bridge, ok := sectionByTitle(ac, "Older messages not yet summarized")
	require.True(t, ok)
	assert.Contains(t, bridge.Body, "[#7]")
	assert.Contains(t, bridge.Body, "message 16")
	assert.NotContains(t, bridge.Body, "message 17")

	rendered := ac.Render()
	assert.True(t, strings.HasPrefix(rendered, "## Pinned facts\n"))
	window := ac.WindowText()
	assert.Contains(t, window, "[#1] u1:\n  message 22")
	assert.NotContains(t, window, "message 16")
}

func TestAssembler_RecentOnlySkipsHistory(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedMessages(t, store, "c", 12)
	_, err := NewRollupEngine(store, &fakeSummarizer{}, RollupOptions{BlockSize: 4}).EnsureRollups(ctx, "c")
	require.NoError(t, err)

	a := NewAssembler(store, AssemblerOptions{RawWindow: 3, BlockSize: 4})
	ac, err := a.Assemble(ctx, "c", false)
	require.NoError(t, err)
	assert.Len(t, ac.Window, 3)
	assert.Empty(t, ac.Sections)
}

func TestAssembler_BridgeIsCapped(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedMessages(t, store, "c", 12)

	// no summaries yet: everything before the window is bridge material
	a := NewAssembler(store, AssemblerOptions{RawWindow: 2, BlockSize: 4, MaxBridge: 3})
	ac, err := a.Assemble(ctx, "c", true)
	require.NoError(t, err)

	bridge, ok := sectionByTitle(ac, "Older messages not yet summarized")
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(bridge.Body, "(7 older messages omitted)\n"), bridge.Body)
	assert.Equal(t, 3, strings.Count(bridge.Body, "[#"))
	assert.Contains(t, bridge.Body, "[#3] u1:\n  message 9")
}

func TestAssembler_NegativeBridgeDisablesIt(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedMessages(t, store, "c", 12)

	a := NewAssembler(store, AssemblerOptions{RawWindow: 2, BlockSize: 4, MaxBridge: -1})
	ac, err := a.Assemble(ctx, "c", true)
	require.NoError(t, err)
	_, ok := sectionByTitle(ac, "Older messages not yet summarized")
	assert.False(t, ok)
}
