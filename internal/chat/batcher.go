// Package chat batches room chat so a burst of messages costs one estimator
// call.
package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/npezzotti/pointing-poker/internal/database"
	"github.com/npezzotti/pointing-poker/internal/estimator"
	"github.com/npezzotti/pointing-poker/internal/stats"
	"github.com/rs/zerolog"
)

// Apology is the reply every waiter receives when the estimator fails.
const Apology = "Sorry, I couldn't come up with an answer just now. Please try again in a moment."

// Reply is delivered once to every sender whose message landed in the batch.
type Reply struct {
	BatchID uint64
	Text    string
}

type Config struct {
	BatchSize       int
	IdleWindow      time.Duration
	ContextMessages int
	Timeout         time.Duration
	BotId           string
	BotName         string
}

type pendingMessage struct {
	senderId   string
	senderName string
	text       string
	at         time.Time
}

type batch struct {
	id       uint64
	roomId   string
	messages []pendingMessage
	waiters  []chan Reply
	timer    *time.Timer
	// timerSeq identifies the live idle timer. A stopped timer whose
	// callback is already running carries an older value.
	timerSeq uint64
}

type Batcher struct {
	cfg       Config
	estimator estimator.Client
	repo      database.Repository
	stats     stats.StatsProvider
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending map[string]*batch
	nextId  uint64
}

func NewBatcher(cfg Config, est estimator.Client, repo database.Repository, su stats.StatsProvider, logger zerolog.Logger) *Batcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.IdleWindow <= 0 {
		cfg.IdleWindow = 2 * time.Second
	}
	if cfg.ContextMessages <= 0 {
		cfg.ContextMessages = 20
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Batcher{
		cfg:       cfg,
		estimator: est,
		repo:      repo,
		stats:     su,
		logger:    logger.With().Str("module", "chat").Logger(),
		ctx:       ctx,
		cancel:    cancel,
		pending:   make(map[string]*batch),
	}
}

// AddMessage queues text for the room's current batch. The returned channel
// receives exactly one Reply, shared with every other sender of the batch.
func (b *Batcher) AddMessage(roomId, text, senderId, senderName string) <-chan Reply {
	ch := make(chan Reply, 1)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ctx.Err() != nil {
		ch <- Reply{Text: Apology}
		return ch
	}

	cur, ok := b.pending[roomId]
	if !ok {
		b.nextId++
		cur = &batch{id: b.nextId, roomId: roomId}
		b.pending[roomId] = cur
	}

	cur.messages = append(cur.messages, pendingMessage{
		senderId:   senderId,
		senderName: senderName,
		text:       text,
		at:         time.Now(),
	})
	cur.waiters = append(cur.waiters, ch)

	if cur.timer != nil {
		cur.timer.Stop()
	}

	if len(cur.messages) >= b.cfg.BatchSize {
		delete(b.pending, roomId)
		b.startFlush(cur)
		return ch
	}

	cur.timerSeq++
	seq := cur.timerSeq
	cur.timer = time.AfterFunc(b.cfg.IdleWindow, func() { b.flushIdle(cur, seq) })

	return ch
}

func (b *Batcher) flushIdle(cur *batch, seq uint64) {
	b.mu.Lock()
	if b.pending[cur.roomId] != cur || cur.timerSeq != seq {
		// already flushed on size, or a newer message restarted the window
		b.mu.Unlock()
		return
	}
	delete(b.pending, cur.roomId)
	b.startFlush(cur)
	b.mu.Unlock()
}

// startFlush must be called with b.mu held.
func (b *Batcher) startFlush(cur *batch) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.flush(cur)
	}()
}

func (b *Batcher) flush(cur *batch) {
	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.Timeout)
	defer cancel()

	logger := b.logger.With().
		Str("room_id", cur.roomId).
		Uint64("batch_id", cur.id).
		Int("messages", len(cur.messages)).
		Logger()

	history, err := b.repo.RecentChatMessages(ctx, cur.roomId, b.cfg.ContextMessages)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load chat history")
		history = nil
	}

	for _, m := range cur.messages {
		if err := b.repo.CreateChatMessage(ctx, database.ChatMessage{
			RoomId:     cur.roomId,
			SenderId:   m.senderId,
			SenderName: m.senderName,
			Content:    m.text,
			CreatedAt:  m.at,
		}); err != nil {
			logger.Warn().Err(err).Str("sender_id", m.senderId).Msg("failed to persist chat message")
		}
	}

	b.stats.Incr(stats.ChatBatches)
	b.stats.Incr(stats.EstimatorCalls)

	text, err := b.estimator.Chat(ctx, buildPrompt(history, cur.messages))
	if err != nil {
		logger.Error().Err(err).Msg("chat completion failed")
		b.resolve(cur, Apology)
		return
	}

	if err := b.repo.CreateChatMessage(ctx, database.ChatMessage{
		RoomId:     cur.roomId,
		SenderId:   b.cfg.BotId,
		SenderName: b.cfg.BotName,
		Content:    text,
		IsBot:      true,
		CreatedAt:  time.Now(),
	}); err != nil {
		logger.Warn().Err(err).Msg("failed to persist chat reply")
	}

	logger.Debug().Msg("chat batch answered")
	b.resolve(cur, text)
}

func (b *Batcher) resolve(cur *batch, text string) {
	for _, w := range cur.waiters {
		w <- Reply{BatchID: cur.id, Text: text}
	}
}

func buildPrompt(history []database.ChatMessage, batch []pendingMessage) []estimator.Message {
	messages := make([]estimator.Message, 0, len(history)+len(batch))
	for _, h := range history {
		if h.IsBot {
			messages = append(messages, estimator.Message{Role: estimator.RoleAssistant, Content: h.Content})
			continue
		}
		messages = append(messages, estimator.Message{
			Role:    estimator.RoleUser,
			Content: fmt.Sprintf("%s: %s", h.SenderName, h.Content),
		})
	}

	for _, m := range batch {
		messages = append(messages, estimator.Message{
			Role:    estimator.RoleUser,
			Content: fmt.Sprintf("%s: %s", m.senderName, m.text),
		})
	}

	return messages
}

// Close answers every pending batch with the apology and waits for in-flight
// batches to finish.
func (b *Batcher) Close() {
	b.mu.Lock()
	b.cancel()
	for roomId, cur := range b.pending {
		if cur.timer != nil {
			cur.timer.Stop()
		}
		delete(b.pending, roomId)
		b.resolve(cur, Apology)
	}
	b.mu.Unlock()

	b.wg.Wait()
}
