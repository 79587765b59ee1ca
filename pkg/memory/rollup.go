package memory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dotsetgreg/dotrecall/pkg/logger"
	"github.com/dotsetgreg/dotrecall/pkg/metrics"
)

// DefaultBlockSize is the number of entries folded into one summary at every level.
const DefaultBlockSize = 200

const level0Instruction = `Summarize this block of chat messages for long-term memory.
Keep who said what, decisions, open questions, facts people shared about themselves, running jokes and anything others may refer back to.
Write dense prose in the third person. Use author names as given. Do not invent details.`

const levelNInstruction = `These are consecutive summaries of earlier chat history, oldest first.
Merge them into one summary that keeps the durable facts, relationships, decisions and recurring topics, and drops one-off chatter.
Write dense prose in the third person. Do not invent details.`

// RollupStore is the slice of the store the engine reads and writes.
type RollupStore interface {
	Count(ctx context.Context, conversationID string) (int, error)
	AscendingRange(ctx context.Context, conversationID string, skip, limit int) ([]MessageView, error)
	SummaryStore
}

type RollupOptions struct {
	BlockSize      int
	SummaryTimeout time.Duration
}

// RollupEngine keeps the leveled summaries of a conversation caught up with
// the messages beneath them. It never writes a partial block and never
// rewrites an existing (level, index).
type RollupEngine struct {
	store      RollupStore
	summarizer Summarizer
	blockSize  int
	timeout    time.Duration
}

// RollupReport describes one EnsureRollups pass.
type RollupReport struct {
	ConversationID string
	// Created counts newly written summaries per level.
	Created map[int]int
	// Lost counts blocks another writer stored first.
	Lost   int
	Failed int
}

func (r RollupReport) TotalCreated() int {
	n := 0
	for _, c := range r.Created {
		n += c
	}
	return n
}

func NewRollupEngine(store RollupStore, summarizer Summarizer, opts RollupOptions) *RollupEngine {
	if opts.BlockSize < 2 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.SummaryTimeout <= 0 {
		opts.SummaryTimeout = 2 * time.Minute
	}
	return &RollupEngine{
		store:      store,
		summarizer: summarizer,
		blockSize:  opts.BlockSize,
		timeout:    opts.SummaryTimeout,
	}
}

func (e *RollupEngine) BlockSize() int { return e.blockSize }

// EnsureRollups creates every summary the stored data supports and that does
// not exist yet. A failed block stops its level so indices stay contiguous;
// higher levels still run over what exists. Summarization failures are
// returned wrapped in ErrCapabilityUnavailable and retried on the next call.
func (e *RollupEngine) EnsureRollups(ctx context.Context, conversationID string) (RollupReport, error) {
	report := RollupReport{ConversationID: conversationID, Created: map[int]int{}}
	var failures []error

	if err := e.rollupMessages(ctx, conversationID, &report, &failures); err != nil {
		return report, err
	}

	for level := 1; ; level++ {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		below, err := e.store.CountSummaries(ctx, conversationID, level-1)
		if err != nil {
			return report, err
		}
		if below < e.blockSize {
			break
		}
		if err := e.rollupSummaries(ctx, conversationID, level, below, &report, &failures); err != nil {
			return report, err
		}
	}

	if report.TotalCreated() > 0 {
		logger.InfoCF("rollup", "Rollup pass created summaries", map[string]interface{}{
			"conversation": conversationID,
			"created":      report.TotalCreated(),
			"lost":         report.Lost,
			"failed":       report.Failed,
		})
	}
	return report, errors.Join(failures...)
}

func (e *RollupEngine) rollupMessages(ctx context.Context, conversationID string, report *RollupReport, failures *[]error) error {
	total, err := e.store.Count(ctx, conversationID)
	if err != nil {
		return err
	}
	required := total / e.blockSize
	have, err := e.store.CountSummaries(ctx, conversationID, 0)
	if err != nil {
		return err
	}

	for i := have; i < required; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		block, err := e.store.AscendingRange(ctx, conversationID, i*e.blockSize, e.blockSize)
		if err != nil {
			return err
		}
		if len(block) < e.blockSize {
			break
		}

		lines := make([]string, 0, len(block))
		for _, v := range block {
			lines = append(lines, RenderMessage(v, v.SentAt.UTC().Format(time.RFC3339)))
		}
		text, err := e.summarize(ctx, lines, level0Instruction)
		if err != nil {
			*failures = append(*failures, fmt.Errorf("rollup %s level 0 block %d: %w", conversationID, i, err))
			report.Failed++
			metrics.RollupBlocks.WithLabelValues("0", "failed").Inc()
			break
		}

		if err := e.persist(ctx, report, Summary{
			ConversationID: conversationID,
			Level:          0,
			Index:          i,
			Text:           text,
			StartAt:        block[0].SentAt,
			EndAt:          block[len(block)-1].SentAt,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (e *RollupEngine) rollupSummaries(ctx context.Context, conversationID string, level, below int, report *RollupReport, failures *[]error) error {
	required := below / e.blockSize
	have, err := e.store.CountSummaries(ctx, conversationID, level)
	if err != nil {
		return err
	}
	levelLabel := strconv.Itoa(level)

	for i := have; i < required; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		children, err := e.store.ListSummaries(ctx, conversationID, level-1, i*e.blockSize, e.blockSize)
		if err != nil {
			return err
		}
		if len(children) < e.blockSize {
			break
		}

		texts := make([]string, 0, len(children))
		for _, c := range children {
			texts = append(texts, fmt.Sprintf("[%s to %s]\n%s",
				c.StartAt.UTC().Format(time.RFC3339), c.EndAt.UTC().Format(time.RFC3339), strings.TrimSpace(c.Text)))
		}
		text, err := e.summarize(ctx, texts, levelNInstruction)
		if err != nil {
			*failures = append(*failures, fmt.Errorf("rollup %s level %d block %d: %w", conversationID, level, i, err))
			report.Failed++
			metrics.RollupBlocks.WithLabelValues(levelLabel, "failed").Inc()
			break
		}

		if err := e.persist(ctx, report, Summary{
			ConversationID: conversationID,
			Level:          level,
			Index:          i,
			Text:           text,
			StartAt:        children[0].StartAt,
			EndAt:          children[len(children)-1].EndAt,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (e *RollupEngine) persist(ctx context.Context, report *RollupReport, sum Summary) error {
	created, err := e.store.UpsertSummary(ctx, sum)
	if err != nil {
		return err
	}
	levelLabel := strconv.Itoa(sum.Level)
	if !created {
		report.Lost++
		metrics.RollupBlocks.WithLabelValues(levelLabel, "exists").Inc()
		logger.DebugCF("rollup", "Summary already written by another worker", map[string]interface{}{
			"conversation": sum.ConversationID,
			"level":        sum.Level,
			"index":        sum.Index,
		})
		return nil
	}
	report.Created[sum.Level]++
	metrics.RollupBlocks.WithLabelValues(levelLabel, "created").Inc()
	return nil
}

func (e *RollupEngine) summarize(ctx context.Context, blocks []string, instruction string) (string, error) {
	if e.summarizer == nil {
		return "", fmt.Errorf("%w: no summarizer configured", ErrCapabilityUnavailable)
	}
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	text, err := e.summarizer.Summarize(callCtx, blocks, instruction)
	metrics.ObserveSince("summarize", start)
	if err != nil {
		if errors.Is(err, ErrCapabilityUnavailable) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", ErrCapabilityUnavailable, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%w: empty summary", ErrCapabilityUnavailable)
	}
	return text, nil
}
