package memory

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultRawWindow = 200
	DefaultMaxBridge = 200
)

// AssemblerStore is what context assembly reads.
type AssemblerStore interface {
	Count(ctx context.Context, conversationID string) (int, error)
	RecentWindow(ctx context.Context, conversationID string, limit int) ([]MessageView, error)
	AscendingRange(ctx context.Context, conversationID string, skip, limit int) ([]MessageView, error)
	ListMemories(ctx context.Context, conversationID string) ([]Memory, error)
	SummaryStore
}

type AssemblerOptions struct {
	RawWindow int
	BlockSize int
	MaxBridge int
}

// Assembler composes the bounded history handed to a generation call.
type Assembler struct {
	store     AssemblerStore
	rawWindow int
	blockSize int
	maxBridge int
}

// ContextSection is one titled block of prompt context.
type ContextSection struct {
	Title string
	Body  string
}

// WindowEntry is a raw message with its distance from the present; the most
// recent message has distance 1.
type WindowEntry struct {
	Distance int
	Message  MessageView
}

type AssembledContext struct {
	ConversationID string
	Total          int
	Sections       []ContextSection
	// Window is oldest first.
	Window []WindowEntry
}

func NewAssembler(store AssemblerStore, opts AssemblerOptions) *Assembler {
	if opts.RawWindow <= 0 {
		opts.RawWindow = DefaultRawWindow
	}
	if opts.BlockSize < 2 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.MaxBridge < 0 {
		opts.MaxBridge = 0
	} else if opts.MaxBridge == 0 {
		opts.MaxBridge = DefaultMaxBridge
	}
	return &Assembler{
		store:     store,
		rawWindow: opts.RawWindow,
		blockSize: opts.BlockSize,
		maxBridge: opts.MaxBridge,
	}
}

// Assemble returns pinned facts, optionally the summary hierarchy, and the raw
// window of the last min(W, N) messages. Level-0 blocks are only included when
// they end at or before the window boundary, so no message appears both raw
// and summarized.
func (a *Assembler) Assemble(ctx context.Context, conversationID string, includeFullHistory bool) (AssembledContext, error) {
	out := AssembledContext{ConversationID: conversationID}

	total, err := a.store.Count(ctx, conversationID)
	if err != nil {
		return out, fmt.Errorf("assemble count: %w", err)
	}
	out.Total = total
	w := min(a.rawWindow, total)
	boundary := total - w

	mems, err := a.store.ListMemories(ctx, conversationID)
	if err != nil {
		return out, fmt.Errorf("assemble memories: %w", err)
	}
	if len(mems) > 0 {
		out.Sections = append(out.Sections, ContextSection{Title: "Pinned facts", Body: renderMemories(mems)})
	}

	if includeFullHistory {
		sections, err := a.historySections(ctx, conversationID, total, boundary)
		if err != nil {
			return out, err
		}
		out.Sections = append(out.Sections, sections...)
	}

	recent, err := a.store.RecentWindow(ctx, conversationID, w)
	if err != nil {
		return out, fmt.Errorf("assemble window: %w", err)
	}
	out.Window = make([]WindowEntry, len(recent))
	for i, v := range recent {
		// recent is newest first; present it oldest first.
		out.Window[len(recent)-1-i] = WindowEntry{Distance: i + 1, Message: v}
	}
	return out, nil
}

func (a *Assembler) historySections(ctx context.Context, conversationID string, total, boundary int) ([]ContextSection, error) {
	var sections []ContextSection

	maxLevel, ok, err := a.store.MaxSummaryLevel(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("assemble summary levels: %w", err)
	}
	if ok {
		for level := maxLevel; level >= 1; level-- {
			sums, err := a.store.ListSummaries(ctx, conversationID, level, 0, -1)
			if err != nil {
				return nil, fmt.Errorf("assemble level %d: %w", level, err)
			}
			if len(sums) == 0 {
				continue
			}
			var b strings.Builder
			for i, s := range sums {
				if i > 0 {
					b.WriteString("\n\n")
				}
				fmt.Fprintf(&b, "(%s) %s", renderSpan(s.StartAt, s.EndAt), strings.TrimSpace(s.Text))
			}
			sections = append(sections, ContextSection{
				Title: fmt.Sprintf("Long-range history, level %d", level),
				Body:  b.String(),
			})
		}
	}

	have0, err := a.store.CountSummaries(ctx, conversationID, 0)
	if err != nil {
		return nil, fmt.Errorf("assemble level 0 count: %w", err)
	}
	include := min(have0, boundary/a.blockSize)
	if include > 0 {
		sums, err := a.store.ListSummaries(ctx, conversationID, 0, 0, include)
		if err != nil {
			return nil, fmt.Errorf("assemble level 0: %w", err)
		}
		var b strings.Builder
		for i, s := range sums {
			if i > 0 {
				b.WriteString("\n\n")
			}
			newest, oldest := blockDistance(total, s.Index, a.blockSize)
			fmt.Fprintf(&b, "[messages %d-%d ago] %s", oldest, newest, strings.TrimSpace(s.Text))
		}
		sections = append(sections, ContextSection{Title: "Earlier conversation summaries", Body: b.String()})
	}

	bridgeStart := include * a.blockSize
	if bridgeStart < boundary && a.maxBridge > 0 {
		skip := max(bridgeStart, boundary-a.maxBridge)
		msgs, err := a.store.AscendingRange(ctx, conversationID, skip, boundary-skip)
		if err != nil {
			return nil, fmt.Errorf("assemble bridge: %w", err)
		}
		var b strings.Builder
		if omitted := skip - bridgeStart; omitted > 0 {
			fmt.Fprintf(&b, "(%d older messages omitted)\n", omitted)
		}
		for i, v := range msgs {
			if i > 0 {
				b.WriteString("\n")
			}
			b.WriteString(RenderMessage(v, fmt.Sprintf("#%d", total-(skip+i))))
		}
		sections = append(sections, ContextSection{Title: "Older messages not yet summarized", Body: b.String()})
	}
	return sections, nil
}

// blockDistance returns the distance range from the present covered by
// level-0 block idx when total messages exist.
func blockDistance(total, idx, blockSize int) (newest, oldest int) {
	oldest = total - idx*blockSize
	newest = total - (idx+1)*blockSize + 1
	return newest, oldest
}

func renderSpan(start, end time.Time) string {
	if start.IsZero() && end.IsZero() {
		return "undated"
	}
	const layout = "2006-01-02"
	return start.UTC().Format(layout) + " to " + end.UTC().Format(layout)
}

func renderMemories(mems []Memory) string {
	lines := make([]string, 0, len(mems))
	for _, m := range mems {
		lines = append(lines, "- "+strings.TrimSpace(m.Text))
	}
	return strings.Join(lines, "\n")
}

// Render joins the sections as markdown headings.
func (c AssembledContext) Render() string {
	var b strings.Builder
	for i, s := range c.Sections {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("## ")
		b.WriteString(s.Title)
		b.WriteString("\n")
		b.WriteString(s.Body)
	}
	return b.String()
}

// WindowText renders the raw window oldest first, each message labeled with
// its distance from the present.
func (c AssembledContext) WindowText() string {
	lines := make([]string, 0, len(c.Window))
	for _, e := range c.Window {
		lines = append(lines, RenderMessage(e.Message, fmt.Sprintf("#%d", e.Distance)))
	}
	return strings.Join(lines, "\n")
}
