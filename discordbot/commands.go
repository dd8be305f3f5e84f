package discordbot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/lqhuy/botan/music"
)

// khanResources maps lookup topics to curated Khan Academy pages.
var khanResources = map[string]string{
	"quadratic equation": "https://www.khanacademy.org/math/algebra/x2f8bb11595b61c86:quadratic-functions-equations",
	"derivative":         "https://www.khanacademy.org/math/calculus-1/cs1-derivatives-definition-and-basic-rules",
	"photosynthesis":     "https://www.khanacademy.org/science/biology/photosynthesis",
	"newton's laws":      "https://www.khanacademy.org/science/physics/forces-newtons-laws",
}

// command is a parsed prefix command.
type command struct {
	Name string
	Args string
}

// parseCommand strips the prefix and splits the first word from the rest.
// Returns ok=false when the content is just the prefix.
func parseCommand(content, prefix string) (command, bool) {
	rest := strings.TrimSpace(strings.TrimPrefix(content, prefix))
	if rest == "" {
		return command{}, false
	}
	name, args, _ := strings.Cut(rest, " ")
	return command{Name: strings.ToLower(name), Args: strings.TrimSpace(args)}, true
}

func (b *Bot) handleCommand(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate, log *slog.Logger) {
	cmd, ok := parseCommand(m.Content, b.cfg.CommandPrefix)
	if !ok {
		return
	}
	log = log.With(slog.String("command", cmd.Name))

	switch cmd.Name {
	case "search":
		b.cmdSearch(ctx, s, m, cmd.Args, log)
		return
	case "khan":
		b.cmdKhan(s, m, cmd.Args)
		return
	case "wikipedia":
		b.cmdWikipedia(ctx, s, m, cmd.Args, log)
		return
	}

	if b.music == nil {
		b.sendText(s, m.ChannelID, "Music playback is not available.")
		return
	}
	if m.GuildID == "" {
		b.sendText(s, m.ChannelID, "Music commands only work in a server.")
		return
	}

	switch cmd.Name {
	case "play":
		if cmd.Args == "" {
			b.sendText(s, m.ChannelID, "Usage: "+b.cfg.CommandPrefix+"play <url or search terms>")
			return
		}
		info, pos, err := b.music.Play(ctx, m.GuildID, cmd.Args)
		if err != nil {
			log.Warn("play failed", slog.Any("err", err))
			b.sendText(s, m.ChannelID, "Couldn't find anything playable for that.")
			return
		}
		b.sendText(s, m.ChannelID, fmt.Sprintf("Queued **%s** at position %d.", info.Title, pos))
	case "skip":
		if err := b.music.Skip(m.GuildID); err != nil {
			b.sendText(s, m.ChannelID, "Nothing is playing.")
			return
		}
		b.sendText(s, m.ChannelID, "Skipped.")
	case "pause":
		if err := b.music.Pause(m.GuildID); err != nil {
			b.sendText(s, m.ChannelID, "Nothing is playing.")
			return
		}
		b.sendText(s, m.ChannelID, "Paused.")
	case "resume":
		if err := b.music.Resume(m.GuildID); err != nil {
			b.sendText(s, m.ChannelID, "Nothing is paused.")
			return
		}
		b.sendText(s, m.ChannelID, "Resumed.")
	case "queue":
		b.cmdQueue(ctx, s, m)
	case "now":
		if t := b.music.NowPlaying(m.GuildID); t != nil {
			b.sendText(s, m.ChannelID, fmt.Sprintf("Now playing: **%s**", t.Title))
		} else {
			b.sendText(s, m.ChannelID, "Nothing is playing.")
		}
	case "stop":
		if err := b.music.Stop(ctx, m.GuildID); err != nil {
			log.Warn("stop failed", slog.Any("err", err))
			b.sendText(s, m.ChannelID, "Couldn't stop playback.")
			return
		}
		b.sendText(s, m.ChannelID, "Stopped and cleared the queue.")
	case "leave":
		b.music.Leave(m.GuildID)
		b.sendText(s, m.ChannelID, "Left the session. The queue is kept for later.")
	case "loop":
		b.cmdLoop(s, m, cmd.Args)
	default:
		// unrecognized prefix text is ignored rather than answered
	}
}

func (b *Bot) cmdQueue(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate) {
	tracks, err := b.music.Queue(ctx, m.GuildID)
	if err != nil {
		b.sendText(s, m.ChannelID, "Couldn't read the queue.")
		return
	}
	if len(tracks) == 0 {
		b.sendText(s, m.ChannelID, "The queue is empty.")
		return
	}
	var sb strings.Builder
	sb.WriteString("Up next:\n")
	for _, t := range tracks {
		fmt.Fprintf(&sb, "%d. %s\n", t.Position, t.Title)
	}
	b.deliver(s, m.ChannelID, sb.String(), DefaultMessageLimit, slog.Default())
}

func (b *Bot) cmdLoop(s *discordgo.Session, m *discordgo.MessageCreate, args string) {
	if args == "" {
		b.sendText(s, m.ChannelID, "Usage: "+b.cfg.CommandPrefix+"loop off|song|queue")
		return
	}
	mode, err := music.ParseLoopMode(args)
	if err != nil {
		b.sendText(s, m.ChannelID, err.Error())
		return
	}
	if err := b.music.SetLoop(m.GuildID, mode); err != nil {
		b.sendText(s, m.ChannelID, "Nothing is playing.")
		return
	}
	b.sendText(s, m.ChannelID, fmt.Sprintf("Loop mode set to %s.", mode))
}

func (b *Bot) cmdKhan(s *discordgo.Session, m *discordgo.MessageCreate, args string) {
	if b.cfg.EducationalChannelID != "" && m.ChannelID != b.cfg.EducationalChannelID {
		return
	}
	topic := strings.ToLower(strings.TrimSpace(args))
	url, ok := khanResources[topic]
	if !ok {
		b.sendText(s, m.ChannelID, "No material found for that topic. Try another keyword, e.g. `"+b.cfg.CommandPrefix+"khan quadratic equation`.")
		return
	}
	embed := &discordgo.MessageEmbed{
		Title:       "Topic: " + topic,
		Description: "Lesson and videos: " + url,
		Footer:      &discordgo.MessageEmbedFooter{Text: "Source: Khan Academy"},
	}
	if _, err := s.ChannelMessageSendEmbed(m.ChannelID, embed); err != nil {
		slog.Warn("send khan embed", slog.Any("err", err), slog.String("component", "discordbot"))
	}
}

func (b *Bot) cmdWikipedia(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate, args string, log *slog.Logger) {
	if b.cfg.WikiChannelID != "" && m.ChannelID != b.cfg.WikiChannelID {
		return
	}
	if b.wiki == nil {
		b.sendText(s, m.ChannelID, "Wikipedia lookup is not available.")
		return
	}
	if args == "" {
		b.sendText(s, m.ChannelID, "Usage: "+b.cfg.CommandPrefix+"wikipedia <query>")
		return
	}
	summary, err := b.wiki.Summarize(ctx, args)
	if err != nil {
		log.Warn("wikipedia lookup failed", slog.Any("err", err))
		b.sendText(s, m.ChannelID, "Wikipedia lookup failed, please try again.")
		return
	}
	if summary == nil {
		b.sendText(s, m.ChannelID, "No summary found for that query. Try a more specific keyword.")
		return
	}
	embed := &discordgo.MessageEmbed{
		Title:       "Summary: " + summary.Title,
		Description: summary.Extract,
		Footer:      &discordgo.MessageEmbedFooter{Text: "Source: Wikipedia"},
	}
	if _, err := s.ChannelMessageSendEmbed(m.ChannelID, embed); err != nil {
		slog.Warn("send wikipedia embed", slog.Any("err", err), slog.String("component", "discordbot"))
	}
}

func (b *Bot) cmdSearch(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate, args string, log *slog.Logger) {
	if b.search == nil {
		b.sendText(s, m.ChannelID, "Search is not available.")
		return
	}
	if args == "" {
		b.sendText(s, m.ChannelID, "Usage: "+b.cfg.CommandPrefix+"search <terms>")
		return
	}
	results, err := b.search.Search(ctx, args, 5)
	if err != nil {
		log.Warn("search failed", slog.Any("err", err))
		b.sendText(s, m.ChannelID, "Search failed, please try again.")
		return
	}
	if len(results) == 0 {
		b.sendText(s, m.ChannelID, "No results.")
		return
	}
	var sb strings.Builder
	for i, r := range results {
		fmt.Fprintf(&sb, "%d. %s\n%s\n", i+1, r.Title, r.URL)
	}
	b.deliver(s, m.ChannelID, sb.String(), DefaultMessageLimit, log)
}
