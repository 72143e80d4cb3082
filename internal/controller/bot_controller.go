// internal/controller/bot_controller.go
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	appErrors "github.com/unclebandit/alert-relay/internal/errors"
	"github.com/unclebandit/alert-relay/internal/model"
	"github.com/unclebandit/alert-relay/internal/queue"
	"github.com/unclebandit/alert-relay/internal/service"
	"github.com/unclebandit/alert-relay/internal/telegram"
)

// Bot commands.
const (
	CommandSetSecondary  = "/set_secondary"
	CommandStopSecondary = "/stop_secondary"
	CommandStatus        = "/status"
)

const (
	DefaultPollTimeout  = 30 * time.Second
	DefaultErrorBackoff = 5 * time.Second

	timeLayout = "2006-01-02 15:04"
)

// BotAPI is the subset of the Telegram client the controller drives.
type BotAPI interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]telegram.Update, error)
	DeleteWebhook(ctx context.Context) error
	SendText(ctx context.Context, chatID int64, text string) error
	EditMessageReplyMarkup(ctx context.Context, chatID, messageID int64, kb model.Keyboard) error
	AnswerCallbackQuery(ctx context.Context, callbackID, text string) error
}

// Ingestor accepts source channel posts.
type Ingestor interface {
	Handle(ctx context.Context, raw model.RawInboundMessage) error
}

type VoteCaster interface {
	CastVote(ctx context.Context, ref model.ItemRef, voterID int64, choice model.VoteChoice) (model.VoteResult, error)
	GetRegistration(ctx context.Context, ref model.ItemRef) (*model.ItemRegistration, error)
}

// WindowManager runs the secondary window commands.
type WindowManager interface {
	SetWindow(ctx context.Context, duration, start string) (service.WindowStatus, error)
	Stop(ctx context.Context) error
	Status(ctx context.Context) (service.WindowStatus, error)
}

// BotController long-polls Telegram and dispatches source posts, admin
// commands and vote callbacks.
type BotController struct {
	Bot          BotAPI
	Relay        Ingestor
	Votes        VoteCaster
	Schedule     WindowManager
	Keyboards    service.KeyboardBuilder
	Labels       service.Labels
	SourceChatID int64
	IsAdmin      func(userID int64) bool
	Log          *slog.Logger

	PollTimeout  time.Duration
	ErrorBackoff time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

// Run drops any webhook and polls for updates until ctx is done.
func (c *BotController) Run(ctx context.Context) error {
	log := c.logger()
	if err := c.Bot.DeleteWebhook(ctx); err != nil {
		log.Warn("deleting webhook failed", "error", err)
	}

	timeout := c.PollTimeout
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}
	backoff := c.ErrorBackoff
	if backoff <= 0 {
		backoff = DefaultErrorBackoff
	}
	sleep := c.sleep
	if sleep == nil {
		sleep = queue.Sleep
	}

	log.Info("polling started", "source", c.SourceChatID)
	var offset int64
	for {
		updates, err := c.Bot.GetUpdates(ctx, offset, timeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error("getUpdates failed", "error", err)
			if err := sleep(ctx, backoff); err != nil {
				return err
			}
			continue
		}
		for i := range updates {
			offset = updates[i].UpdateID + 1
			c.HandleUpdate(ctx, &updates[i])
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// HandleUpdate dispatches one update.
func (c *BotController) HandleUpdate(ctx context.Context, u *telegram.Update) {
	switch {
	case u.CallbackQuery != nil:
		c.handleVote(ctx, u.CallbackQuery)
	case u.ChannelPost != nil:
		c.handleSourcePost(ctx, u.ChannelPost)
	case u.Message != nil:
		if u.Message.Chat.ID == c.SourceChatID {
			c.handleSourcePost(ctx, u.Message)
			return
		}
		if strings.HasPrefix(u.Message.Text, "/") {
			c.handleCommand(ctx, u.Message)
		}
	}
}

func (c *BotController) handleSourcePost(ctx context.Context, msg *telegram.Message) {
	if msg.Chat.ID != c.SourceChatID {
		return
	}
	// The relay logs its own skips and drops.
	if err := c.Relay.Handle(ctx, msg.Raw()); err != nil && ctx.Err() == nil {
		c.logger().Debug("source post not relayed", "message_id", msg.MessageID, "error", err)
	}
}

func (c *BotController) handleCommand(ctx context.Context, msg *telegram.Message) {
	fields := strings.Fields(msg.Text)
	cmd, _, _ := strings.Cut(fields[0], "@")
	args := fields[1:]

	switch cmd {
	case CommandSetSecondary, CommandStopSecondary, CommandStatus:
	default:
		return
	}

	log := c.logger().With("command", cmd, "chat_id", msg.Chat.ID)
	if msg.From == nil || c.IsAdmin == nil || !c.IsAdmin(msg.From.ID) {
		log.Warn("unauthorized command")
		c.reply(ctx, msg.Chat.ID, c.Labels.Unauthorized)
		return
	}

	var text string
	switch cmd {
	case CommandSetSecondary:
		text = c.setSecondary(ctx, log, args)
	case CommandStopSecondary:
		if err := c.Schedule.Stop(ctx); err != nil {
			log.Error("stopping secondary window failed", "error", err)
			text = c.Labels.CommandFailed
		} else {
			log.Info("secondary window stopped", "admin", msg.From.ID)
			text = c.Labels.SecondaryStopped
		}
	case CommandStatus:
		st, err := c.Schedule.Status(ctx)
		if err != nil {
			log.Error("reading secondary window failed", "error", err)
			text = c.Labels.CommandFailed
		} else {
			text = c.statusText(st)
		}
	}
	c.reply(ctx, msg.Chat.ID, text)
}

func (c *BotController) setSecondary(ctx context.Context, log *slog.Logger, args []string) string {
	if len(args) != 2 {
		return c.Labels.SecondaryUsage
	}
	st, err := c.Schedule.SetWindow(ctx, args[0], args[1])
	if err != nil {
		var wErr *appErrors.InvalidWindowError
		if errors.As(err, &wErr) {
			return c.windowErrorText(wErr)
		}
		log.Error("setting secondary window failed", "error", err)
		return c.Labels.CommandFailed
	}
	log.Info("secondary window set", "start", st.Start, "expiry", st.Expiry)
	return fmt.Sprintf(c.Labels.SecondarySet, st.Start.Format(timeLayout), st.Expiry.Format(timeLayout))
}

func (c *BotController) windowErrorText(err *appErrors.InvalidWindowError) string {
	switch err.Reason {
	case appErrors.WindowBadStartFormat:
		return c.Labels.BadStartFormat
	case appErrors.WindowBadStartRange:
		return c.Labels.BadStartRange
	}
	return c.Labels.BadDuration
}

func (c *BotController) statusText(st service.WindowStatus) string {
	switch st.State {
	case service.WindowActive:
		return fmt.Sprintf(c.Labels.StatusActive, st.Start.Format(timeLayout), st.Expiry.Format(timeLayout))
	case service.WindowUpcoming:
		return fmt.Sprintf(c.Labels.StatusUpcoming, st.Start.Format(timeLayout), st.Expiry.Format(timeLayout))
	}
	return c.Labels.StatusInactive
}

// handleVote casts the vote, rebuilds the keyboard with the new tally and
// answers the callback with a short notice.
func (c *BotController) handleVote(ctx context.Context, q *telegram.CallbackQuery) {
	choice, err := model.ParseVoteCallback(q.Data)
	if err != nil {
		c.answer(ctx, q.ID, "")
		return
	}
	if q.Message == nil {
		c.answer(ctx, q.ID, c.Labels.VoteFailed)
		return
	}

	ref := model.ItemRef{ChatID: q.Message.Chat.ID, MessageID: q.Message.MessageID}
	log := c.logger().With("chat_id", ref.ChatID, "message_id", ref.MessageID, "voter", q.From.ID)

	res, err := c.Votes.CastVote(ctx, ref, q.From.ID, choice)
	if err != nil {
		c.answer(ctx, q.ID, c.Labels.VoteFailed)
		return
	}
	if !res.Changed {
		c.answer(ctx, q.ID, c.Labels.AlreadyVoted)
		return
	}

	reg, err := c.Votes.GetRegistration(ctx, ref)
	if err != nil {
		log.Error("reloading vote registration failed", "error", err)
		c.answer(ctx, q.ID, c.Labels.ReloadFailed)
		return
	}
	kb := c.Keyboards.Keyboard(reg.TokenAddress, reg.ChartURL, res.Tally)
	if err := c.Bot.EditMessageReplyMarkup(ctx, ref.ChatID, ref.MessageID, kb); err != nil {
		log.Error("updating vote keyboard failed", "error", err)
		c.answer(ctx, q.ID, c.Labels.ReloadFailed)
		return
	}
	c.answer(ctx, q.ID, c.Labels.VoteSaved)
}

func (c *BotController) reply(ctx context.Context, chatID int64, text string) {
	if err := c.Bot.SendText(ctx, chatID, text); err != nil {
		c.logger().Error("sending command reply failed", "chat_id", chatID, "error", err)
	}
}

func (c *BotController) answer(ctx context.Context, callbackID, text string) {
	if err := c.Bot.AnswerCallbackQuery(ctx, callbackID, text); err != nil {
		c.logger().Warn("answering callback failed", "error", err)
	}
}

func (c *BotController) logger() *slog.Logger {
	if c.Log == nil {
		return slog.Default()
	}
	return c.Log
}
