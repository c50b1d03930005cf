// Package discord implements the channel directory on top of the Discord
// REST API. Rooms are resolved through the fixed room -> channel table
// from the configuration.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"

	appLog "confbot/internal/log"
	"confbot/internal/model"
)

// bulkDeleteMaxAge is Discord's limit for bulk deletion.
const bulkDeleteMaxAge = 14 * 24 * time.Hour

// API is the subset of *discordgo.Session the directory uses.
type API interface {
	RequestWithBucketID(method, urlStr string, data interface{}, bucketID string, options ...discordgo.RequestOption) ([]byte, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	ChannelMessagesBulkDelete(channelID string, messages []string, options ...discordgo.RequestOption) error
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
}

// Directory resolves room names to channels.
type Directory struct {
	api     API
	limiter *rate.Limiter
	rooms   map[string]string // normalized room -> channel ID
}

// NewSession creates a bot session. The session does not need the
// gateway for REST calls; Open is still called by main so the bot shows
// as online.
func NewSession(token string) (*discordgo.Session, error) {
	if token == "" {
		return nil, errors.New("discord token is empty")
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Discord session: %w", err)
	}
	s.Client = &http.Client{Timeout: 20 * time.Second}
	s.Identify.Intents = discordgo.IntentsGuilds
	routeLibraryLogs()
	return s, nil
}

// NewDirectory builds a directory over rooms (normalized room -> channel
// ID). rps throttles REST calls; Discord's own rate limit handling in
// discordgo still applies underneath.
func NewDirectory(api API, rooms map[string]string, rps float64) *Directory {
	if rps <= 0 {
		rps = 5
	}
	norm := make(map[string]string, len(rooms))
	for name, id := range rooms {
		norm[model.NormalizeRoom(name)] = id
	}
	return &Directory{
		api:     api,
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		rooms:   norm,
	}
}

// Resolve returns the channel for room, if configured.
func (d *Directory) Resolve(room string) (*Channel, bool) {
	id, ok := d.rooms[model.NormalizeRoom(room)]
	if !ok || id == "" {
		return nil, false
	}
	return &Channel{dir: d, id: id, room: model.NormalizeRoom(room)}, true
}

// Channels returns every configured channel keyed by normalized room.
func (d *Directory) Channels() map[string]*Channel {
	out := make(map[string]*Channel, len(d.rooms))
	for room, id := range d.rooms {
		out[room] = &Channel{dir: d, id: id, room: room}
	}
	return out
}

// Channel is one Discord text channel.
type Channel struct {
	dir  *Directory
	id   string
	room string
}

// ID is the Discord channel snowflake.
func (c *Channel) ID() string { return c.id }

// Room is the normalized room key.
func (c *Channel) Room() string { return c.room }

// SetTopic replaces the channel topic. An empty topic clears it.
func (c *Channel) SetTopic(ctx context.Context, topic string) error {
	if err := c.dir.limiter.Wait(ctx); err != nil {
		return err
	}
	// discordgo.ChannelEdit drops an empty topic (omitempty), so the
	// PATCH body is built by hand to be able to clear it.
	endpoint := discordgo.EndpointChannel(c.id)
	body := map[string]interface{}{"topic": topic}
	if _, err := c.dir.api.RequestWithBucketID(http.MethodPatch, endpoint, body, endpoint, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("set topic on %s (%s): %w", c.room, c.id, err)
	}
	return nil
}

// Post sends msg as an embed, with lead as plain content above it.
func (c *Channel) Post(ctx context.Context, msg model.Message, lead string) error {
	if err := c.dir.limiter.Wait(ctx); err != nil {
		return err
	}
	send := &discordgo.MessageSend{
		Content: lead,
		Embeds:  []*discordgo.MessageEmbed{toEmbed(msg)},
	}
	if _, err := c.dir.api.ChannelMessageSendComplex(c.id, send, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("post to %s (%s): %w", c.room, c.id, err)
	}
	return nil
}

// PurgeAll deletes every message in the channel. Messages younger than 14
// days go through bulk delete in batches of 100; older ones are deleted
// one by one.
func (c *Channel) PurgeAll(ctx context.Context) error {
	deleted := 0
	for {
		if err := c.dir.limiter.Wait(ctx); err != nil {
			return err
		}
		msgs, err := c.dir.api.ChannelMessages(c.id, 100, "", "", "", discordgo.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("list messages in %s (%s): %w", c.room, c.id, err)
		}
		if len(msgs) == 0 {
			break
		}

		recent, old := splitByAge(msgs, time.Now())
		if len(recent) == 1 {
			// Bulk delete needs at least two IDs.
			old = append(old, recent[0])
			recent = nil
		}
		if len(recent) > 0 {
			if err := c.dir.limiter.Wait(ctx); err != nil {
				return err
			}
			if err := c.dir.api.ChannelMessagesBulkDelete(c.id, recent, discordgo.WithContext(ctx)); err != nil {
				return fmt.Errorf("bulk delete in %s (%s): %w", c.room, c.id, err)
			}
		}
		for _, id := range old {
			if err := c.dir.limiter.Wait(ctx); err != nil {
				return err
			}
			if err := c.dir.api.ChannelMessageDelete(c.id, id, discordgo.WithContext(ctx)); err != nil {
				return fmt.Errorf("delete message %s in %s (%s): %w", id, c.room, c.id, err)
			}
		}
		deleted += len(msgs)
	}
	appLog.Info("channel purged", "room", c.room, "channel_id", c.id, "deleted", deleted)
	return nil
}

func splitByAge(msgs []*discordgo.Message, now time.Time) (recent, old []string) {
	for _, m := range msgs {
		if now.Sub(m.Timestamp) < bulkDeleteMaxAge-time.Hour {
			recent = append(recent, m.ID)
		} else {
			old = append(old, m.ID)
		}
	}
	return recent, old
}

func toEmbed(msg model.Message) *discordgo.MessageEmbed {
	e := &discordgo.MessageEmbed{
		Type:        discordgo.EmbedTypeRich,
		Title:       msg.Title,
		URL:         msg.URL,
		Description: msg.Description,
		Color:       msg.Color,
	}
	for _, f := range msg.Fields {
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{Name: f.Name, Value: f.Value, Inline: f.Inline})
	}
	if msg.Footer != "" {
		e.Footer = &discordgo.MessageEmbedFooter{Text: msg.Footer}
	}
	if !msg.Timestamp.IsZero() {
		e.Timestamp = msg.Timestamp.Format(time.RFC3339)
	}
	return e
}

// routeLibraryLogs sends discordgo's internal logging through our logger.
func routeLibraryLogs() {
	discordgo.Logger = func(msgL, caller int, format string, a ...interface{}) {
		msg := fmt.Sprintf(format, a...)
		switch msgL {
		case discordgo.LogError:
			appLog.Error("discordgo", errors.New(msg), "caller", caller)
		case discordgo.LogWarning:
			appLog.Warn("discordgo: "+msg, nil)
		default:
			appLog.Debug("discordgo: " + msg)
		}
	}
}
