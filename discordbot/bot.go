// Package discordbot connects the chat gateway to Discord: it routes channel
// messages into per-user private threads, runs completions through the model
// router, and delivers responses in platform-sized chunks.
package discordbot

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"

	"github.com/lqhuy/botan/config"
	"github.com/lqhuy/botan/history"
	"github.com/lqhuy/botan/llm"
	"github.com/lqhuy/botan/music"
	"github.com/lqhuy/botan/rag"
	"github.com/lqhuy/botan/scrape"
	"github.com/lqhuy/botan/telemetry"
	"github.com/lqhuy/botan/wikipedia"
)

const threadArchiveMinutes = 1440 // 24 hours

var systemPrompts = map[string]string{
	"mental":  "You are a warm, supportive companion. Listen carefully, validate feelings, and offer gentle, practical suggestions. Never diagnose; encourage professional help for serious concerns.",
	"general": "You are a helpful, concise assistant. Answer directly and admit when you do not know.",
	"grok":    "You are a witty, candid assistant. Be direct and a little playful, but stay accurate.",
	"gemini":  "You are a knowledgeable assistant. Give thorough, well-structured answers.",
	"gpt":     "You are a careful assistant. Responses are processed in batch, so make each answer complete and self-contained.",
}

// xaiModes are the provider-side search/reasoning modes a grok-channel
// message may select with a leading "mode:" tag.
var xaiModes = map[string]bool{
	"deepsearch":   true,
	"deepersearch": true,
	"think":        true,
}

// parseXAIMode splits an optional leading mode tag ("think: ...") from a
// message. Unrecognized tags stay part of the content.
func parseXAIMode(content string) (mode, rest string) {
	head, tail, ok := strings.Cut(content, ":")
	if !ok {
		return "", content
	}
	if m := strings.ToLower(strings.TrimSpace(head)); xaiModes[m] {
		return m, strings.TrimSpace(tail)
	}
	return "", content
}

// Searcher finds videos for the !search command.
type Searcher interface {
	Search(ctx context.Context, query string, max int64) ([]SearchResult, error)
}

// SearchResult is one hit from a video search.
type SearchResult struct {
	Title string
	URL   string
}

// Bot wires the Discord session to the gateway, history, retrieval, playback,
// and batch components.
type Bot struct {
	cfg       *config.Config
	session   *discordgo.Session
	db        *sql.DB
	history   *history.Store
	retriever rag.Retriever
	routers   map[string]*llm.Router
	batch     *llm.BatchClient
	music     *music.Manager
	search    Searcher
	wiki      *wikipedia.Client
}

// Options carries the collaborators the bot needs. Retriever, batch client,
// music manager, and searcher are optional; the matching features degrade
// when absent.
type Options struct {
	Config    *config.Config
	DB        *sql.DB
	History   *history.Store
	Retriever rag.Retriever
	Routers   map[string]*llm.Router
	Batch     *llm.BatchClient
	Music     *music.Manager
	Search    Searcher
	Wiki      *wikipedia.Client
}

// New builds the bot and registers its event handlers. The session is not
// opened until Start.
func New(opts Options) (*Bot, error) {
	session, err := discordgo.New("Bot " + opts.Config.BotToken)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	b := &Bot{
		cfg:       opts.Config,
		session:   session,
		db:        opts.DB,
		history:   opts.History,
		retriever: opts.Retriever,
		routers:   opts.Routers,
		batch:     opts.Batch,
		music:     opts.Music,
		search:    opts.Search,
		wiki:      opts.Wiki,
	}

	session.AddHandler(b.onMessageCreate)
	session.AddHandler(b.onGuildMemberAdd)
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMembers |
		discordgo.IntentMessageContent

	return b, nil
}

// Start opens the websocket connection and begins handling events.
func (b *Bot) Start() error {
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	slog.Info("discord session open", slog.String("component", "discordbot"))
	return nil
}

// Stop closes the Discord connection.
func (b *Bot) Stop() {
	if err := b.session.Close(); err != nil {
		slog.Warn("close discord session", slog.Any("err", err), slog.String("component", "discordbot"))
	}
}

func (b *Bot) onGuildMemberAdd(s *discordgo.Session, m *discordgo.GuildMemberAdd) {
	if b.cfg.WelcomeChannelID == "" {
		return
	}
	msg := fmt.Sprintf("Welcome <@%s>! Say hi in one of the chat channels and I'll open a private thread for you.", m.User.ID)
	if _, err := s.ChannelMessageSend(b.cfg.WelcomeChannelID, msg); err != nil {
		slog.Warn("send welcome message", slog.Any("err", err), slog.String("component", "discordbot"))
	}
}

func (b *Bot) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Author.ID == s.State.User.ID {
		return
	}

	ctx := telemetry.WithCorrelation(context.Background(), uuid.NewString())
	log := telemetry.LoggerWithCorr(ctx).With(
		slog.String("component", "discordbot"),
		slog.String("user", m.Author.ID))

	if strings.HasPrefix(m.Content, b.cfg.CommandPrefix) {
		b.handleCommand(ctx, s, m, log)
		return
	}

	purpose, threadID := b.routeMessage(s, m)
	if purpose == "" {
		return
	}

	seen, err := b.history.Seen(ctx, m.ID)
	if err != nil {
		log.Error("seen lookup failed", slog.Any("err", err))
		return
	}
	if seen {
		log.Info("dropping redelivered message", slog.String("message_id", m.ID))
		return
	}

	if threadID == "" {
		threadID, err = b.ensureUserThread(s, m.ChannelID, m.ID, m.Author, purpose)
		if err != nil {
			log.Error("open private thread", slog.Any("err", err))
			return
		}
	}

	b.respond(ctx, s, m, purpose, threadID, log)
}

// routeMessage maps an incoming message to a conversation purpose. Messages
// land either directly in a configured channel or inside a private thread
// whose parent is one.
func (b *Bot) routeMessage(s *discordgo.Session, m *discordgo.MessageCreate) (purpose, threadID string) {
	if p := b.cfg.PurposeForChannel(m.ChannelID); p != "" {
		return p, ""
	}
	ch, err := s.State.Channel(m.ChannelID)
	if err != nil {
		ch, err = s.Channel(m.ChannelID)
		if err != nil {
			return "", ""
		}
	}
	if !isThread(ch.Type) {
		return "", ""
	}
	if p := b.cfg.PurposeForChannel(ch.ParentID); p != "" {
		return p, m.ChannelID
	}
	return "", ""
}

func isThread(t discordgo.ChannelType) bool {
	return t == discordgo.ChannelTypeGuildPublicThread ||
		t == discordgo.ChannelTypeGuildPrivateThread ||
		t == discordgo.ChannelTypeGuildNewsThread
}

// threadName is stable per user and purpose so repeat visits reuse the same
// private thread.
func threadName(username, purpose string) string {
	return fmt.Sprintf("%s-private-%s-chat", username, purpose)
}

// ensureUserThread finds the user's private thread under the channel, or
// creates it and pulls the user in.
func (b *Bot) ensureUserThread(s *discordgo.Session, channelID, messageID string, author *discordgo.User, purpose string) (string, error) {
	name := threadName(author.Username, purpose)

	guildID := ""
	if ch, err := s.Channel(channelID); err == nil {
		guildID = ch.GuildID
	}
	if guildID != "" {
		if active, err := s.GuildThreadsActive(guildID); err == nil {
			for _, th := range active.Threads {
				if th.ParentID == channelID && th.Name == name {
					return th.ID, nil
				}
			}
		}
	}

	thread, err := s.MessageThreadStartComplex(channelID, messageID, &discordgo.ThreadStart{
		Name:                name,
		AutoArchiveDuration: threadArchiveMinutes,
		Invitable:           false,
	})
	if err != nil {
		return "", fmt.Errorf("start thread: %w", err)
	}
	if err := s.ThreadMemberAdd(thread.ID, author.ID); err != nil {
		slog.Warn("add user to thread",
			slog.String("thread", thread.ID), slog.Any("err", err),
			slog.String("component", "discordbot"))
	}
	return thread.ID, nil
}

// respond runs one conversation turn: enrich, complete, persist, deliver.
func (b *Bot) respond(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate, purpose, threadID string, log *slog.Logger) {
	query := m.Content
	var mode string
	if purpose == "grok" {
		mode, query = parseXAIMode(query)
	}
	userContent := query

	if purpose == "mental" && b.retriever != nil {
		passages, err := b.retriever.Retrieve(ctx, query, rag.DefaultTopK)
		if err != nil {
			log.Warn("retrieval failed, continuing unenriched", slog.Any("err", err))
		} else {
			query = rag.BuildPrompt(userContent, passages)
		}
	}

	if err := b.history.Append(ctx, threadID, m.ID, "user", userContent, purpose, mode, m.Author.ID); err != nil {
		log.Error("persist user turn", slog.Any("err", err))
		return
	}

	msgs := []llm.Message{{Role: "system", Content: systemPrompts[purpose]}}
	recent, err := b.history.FetchRecent(ctx, threadID, purpose, history.DefaultWindow)
	if err != nil {
		log.Warn("fetch history", slog.Any("err", err))
	} else if n := len(recent); n > 0 {
		// the current turn is already persisted; replay everything before it
		msgs = append(msgs, recent[:n-1]...)
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: query})

	if purpose == "gpt" {
		b.submitBatch(ctx, s, m, threadID, query, msgs, log)
		return
	}

	router, ok := b.routers[purpose]
	if !ok {
		log.Error("no router configured", slog.String("purpose", purpose))
		return
	}

	content, err := router.Complete(ctx, msgs, mode)
	if err != nil {
		log.Error("completion failed", slog.String("purpose", purpose), slog.Any("err", err))
		b.sendText(s, threadID, "Sorry, I couldn't get a response right now. Please try again in a moment.")
		return
	}

	if err := b.history.Append(ctx, threadID, "", "assistant", content, purpose, mode, ""); err != nil {
		log.Error("persist assistant turn", slog.Any("err", err))
	}
	b.deliver(s, threadID, content, DefaultMessageLimit, log)
}

func (b *Bot) submitBatch(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate, threadID, query string, msgs []llm.Message, log *slog.Logger) {
	if b.batch == nil {
		b.sendText(s, threadID, "Batch processing is not available right now.")
		return
	}
	batchID, err := b.batch.Submit(ctx, b.db, threadID, m.Author.ID, query, msgs)
	if err != nil {
		log.Error("submit batch", slog.Any("err", err))
		b.sendText(s, threadID, "Sorry, I couldn't queue your request. Please try again later.")
		return
	}
	b.sendText(s, threadID, fmt.Sprintf("Your request was queued for batch processing. I'll post the answer here when it's ready. Batch ID: %s", batchID))
}

// DeliverBatch posts a completed batch result to its thread: chunks fit
// under the platform limit with the batch ID prefixed to the first chunk.
func (b *Bot) DeliverBatch(ctx context.Context, threadID, userID, batchID, content string) error {
	_ = ctx
	chunks := SplitMessage(content, BatchMessageLimit)
	if len(chunks) == 0 {
		chunks = []string{"(empty batch result)"}
	}
	chunks[0] = fmt.Sprintf("**Batch ID: %s**\n%s", batchID, chunks[0])
	for _, c := range chunks {
		if _, err := b.session.ChannelMessageSend(threadID, c); err != nil {
			telemetry.DeliveryFailures.Inc()
			return fmt.Errorf("deliver batch chunk: %w", err)
		}
		telemetry.MessagesDelivered.Inc()
	}
	return nil
}

// deliver sends the response as ordered chunks. A failed chunk aborts the
// remainder so the reader never sees a gap in the middle.
func (b *Bot) deliver(s *discordgo.Session, channelID, content string, limit int, log *slog.Logger) {
	start := time.Now()
	for _, chunk := range SplitMessage(content, limit) {
		if _, err := s.ChannelMessageSend(channelID, chunk); err != nil {
			telemetry.DeliveryFailures.Inc()
			log.Error("deliver chunk", slog.Any("err", err))
			return
		}
		telemetry.MessagesDelivered.Inc()
	}
	telemetry.DeliveryDuration.Observe(time.Since(start).Seconds())
}

// PublishItem returns a publisher that posts scraped items to the given
// channel, for wiring into the content pollers.
func (b *Bot) PublishItem(channelID string) scrape.PublishFunc {
	return func(_ context.Context, item scrape.Item) error {
		embed := &discordgo.MessageEmbed{
			Title: item.Title,
			URL:   item.URL,
		}
		if !item.Published.IsZero() {
			embed.Timestamp = item.Published.Format(time.RFC3339)
		}
		if _, err := b.session.ChannelMessageSendEmbed(channelID, embed); err != nil {
			return fmt.Errorf("publish item: %w", err)
		}
		return nil
	}
}

func (b *Bot) sendText(s *discordgo.Session, channelID, text string) {
	if _, err := s.ChannelMessageSend(channelID, text); err != nil {
		slog.Warn("send message", slog.Any("err", err), slog.String("component", "discordbot"))
	}
}
