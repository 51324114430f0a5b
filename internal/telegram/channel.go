// Package telegram mirrors the supervisor's single-user conversation to a
// Telegram bot. Inbound text from the owner feeds the bus inbox in the same
// update shape the local web UI uses; every outbox message is replayed to
// the owner's Telegram chat. The first person to message the bot becomes
// the owner and the claim persists across restarts; everyone else is
// refused.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/bus"
	"github.com/wationgarbarad-glitch/ouroboros-desktop/internal/fslock"
)

const (
	// defaultPollWait bounds one outbox drain so shutdown stays prompt.
	defaultPollWait = 500 * time.Millisecond

	// longPollTimeout is the Bot API getUpdates timeout in seconds.
	longPollTimeout = 30
)

const refusalText = "This assistant serves a single owner and is already claimed."

// botAPI is the slice of the telego client the channel calls. Tests
// substitute a recording fake.
type botAPI interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
	SendChatAction(ctx context.Context, params *telego.SendChatActionParams) error
	SendPhoto(ctx context.Context, params *telego.SendPhotoParams) (*telego.Message, error)
}

// Config wires a Channel.
type Config struct {
	Token     string
	OwnerFile string // persists the first sender across restarts
	Bridge    *bus.Bridge
	PollWait  time.Duration
}

// Channel is one long-polled Telegram bot bound to a single owner.
type Channel struct {
	bridge    *bus.Bridge
	bot       botAPI
	updates   func(ctx context.Context) (<-chan telego.Update, error)
	ownerFile string
	pollWait  time.Duration

	mu      sync.Mutex
	ownerID int64 // Telegram user id of the first sender, 0 until claimed
	chatID  int64 // mirror target for outbox messages
}

// New builds a channel over the Bot API and loads any previously recorded
// owner. No network traffic happens until Run.
func New(cfg Config) (*Channel, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	c := &Channel{
		bridge:    cfg.Bridge,
		bot:       bot,
		ownerFile: cfg.OwnerFile,
		pollWait:  cfg.PollWait,
	}
	if c.pollWait <= 0 {
		c.pollWait = defaultPollWait
	}
	c.updates = func(ctx context.Context) (<-chan telego.Update, error) {
		return bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
			Timeout:        longPollTimeout,
			AllowedUpdates: []string{"message"},
		})
	}
	c.loadOwner()
	return c, nil
}

// Run long-polls updates and mirrors the outbox until ctx is cancelled.
// A polling failure disables the channel for this process but never takes
// the host down with it.
func (c *Channel) Run(ctx context.Context) error {
	slog.Info("starting telegram bot (polling mode)")

	updates, err := c.updates(ctx)
	if err != nil {
		slog.Error("telegram long polling unavailable", "error", err)
		return nil
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.mirrorOutbox(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case update, ok := <-updates:
			if !ok {
				slog.Info("telegram updates channel closed")
				wg.Wait()
				return nil
			}
			if update.Message != nil {
				c.handleUpdate(ctx, update.Message)
			}
		}
	}
}

// handleUpdate gates one inbound message on the owner claim and forwards
// its text to the bus inbox.
func (c *Channel) handleUpdate(ctx context.Context, msg *telego.Message) {
	if msg.From == nil {
		return
	}

	userID := msg.From.ID
	chatID := msg.Chat.ID
	if !c.claimOwner(userID, chatID) {
		slog.Warn("telegram message from non-owner refused", "user_id", userID, "chat_id", chatID)
		if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), refusalText)); err != nil {
			slog.Debug("telegram refusal reply failed", "error", err)
		}
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	c.bridge.UISend(text)
}

// claimOwner records the first sender as owner and reports whether the
// given user is that owner.
func (c *Channel) claimOwner(userID, chatID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ownerID == 0 {
		c.ownerID = userID
		c.chatID = chatID
		if err := c.saveOwnerLocked(); err != nil {
			slog.Warn("persist telegram owner", "error", err)
		}
		slog.Info("telegram owner claimed", "user_id", userID, "chat_id", chatID)
		return true
	}
	return c.ownerID == userID
}

// ownerChat returns the mirror target, or 0 before first contact.
func (c *Channel) ownerChat() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chatID
}

// mirrorOutbox drains the bus outbox and replays each message to the
// owner's chat. Messages emitted before anyone has claimed the bot are
// dropped; the live web UI still sees them through the broadcast mirror.
func (c *Channel) mirrorOutbox(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		msg, ok := c.bridge.UIReceive(c.pollWait)
		if !ok {
			continue
		}
		chatID := c.ownerChat()
		if chatID == 0 {
			continue
		}
		if err := c.deliver(ctx, chatID, msg); err != nil {
			slog.Warn("telegram mirror send failed", "type", msg.Type, "error", err)
		}
	}
}

// deliver sends one outbox message to the given chat.
func (c *Channel) deliver(ctx context.Context, chatID int64, msg bus.OutMessage) error {
	switch msg.Type {
	case bus.OutText:
		_, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), msg.Content))
		return err

	case bus.OutAction:
		action := msg.Content
		if action == "" {
			action = telego.ChatActionTyping
		}
		return c.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), action))

	case bus.OutPhoto:
		jpeg, err := shrinkJPEG(msg.Photo, maxPhotoEdge)
		if err != nil {
			return fmt.Errorf("downscale photo: %w", err)
		}
		params := tu.Photo(tu.ID(chatID), tu.File(tu.NameReader(bytes.NewReader(jpeg), "photo.jpg")))
		if msg.Caption != "" {
			params = params.WithCaption(msg.Caption)
		}
		_, err = c.bot.SendPhoto(ctx, params)
		return err
	}
	return nil
}

type ownerRecord struct {
	OwnerID int64 `json:"owner_id"`
	ChatID  int64 `json:"chat_id"`
}

func (c *Channel) loadOwner() {
	data, err := os.ReadFile(c.ownerFile)
	if err != nil {
		return
	}
	var rec ownerRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		slog.Warn("telegram owner file unreadable", "path", c.ownerFile, "error", err)
		return
	}
	c.ownerID = rec.OwnerID
	c.chatID = rec.ChatID
}

func (c *Channel) saveOwnerLocked() error {
	if c.ownerFile == "" {
		return nil
	}
	data, err := json.Marshal(ownerRecord{OwnerID: c.ownerID, ChatID: c.chatID})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.ownerFile), 0o755); err != nil {
		return err
	}
	return fslock.WriteAtomic(c.ownerFile, data)
}
