package notifications

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"
)

// SlackAlertHook posts a Block Kit message to a single configured channel
// whenever a command lands in the troubleshooting queue. It implements
// internal/tsq.AlertHook. Delivery failures are logged, never propagated —
// an operator-notification outage must not block command processing.
type SlackAlertHook struct {
	client  *slack.Client
	channel string
	appURL  string
}

// NewSlackAlertHook builds a hook posting to channel using token. Returns
// nil, nil if token or channel is empty, so callers can wire it
// unconditionally and skip it when Slack isn't configured.
func NewSlackAlertHook(token, channel string) (*SlackAlertHook, error) {
	if token == "" || channel == "" {
		return nil, nil
	}
	appURL := os.Getenv("RCMD_APP_URL")
	if appURL == "" {
		appURL = "https://internal.example.invalid"
	}
	return &SlackAlertHook{client: slack.New(token), channel: channel, appURL: appURL}, nil
}

// Alert posts a troubleshooting-queue enrollment notice. Best-effort: errors
// are logged and swallowed.
func (h *SlackAlertHook) Alert(domain, commandID, lastError string) {
	if h == nil || h.client == nil {
		return
	}

	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Command moved to troubleshooting queue*\n`%s` / `%s`", domain, commandID), false, false),
			nil, nil,
		),
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", "```\n"+lastError+"\n```", false, false),
			nil, nil,
		),
		slack.NewActionBlock("",
			slack.NewButtonBlockElement("view_command", commandID,
				slack.NewTextBlockObject("plain_text", "Inspect", false, false),
			).WithURL(fmt.Sprintf("%s/troubleshooting/%s/%s", h.appURL, domain, commandID)),
		),
	}

	_, _, err := h.client.PostMessage(h.channel,
		slack.MsgOptionBlocks(blocks...),
		slack.MsgOptionText(fmt.Sprintf("%s/%s moved to troubleshooting queue", domain, commandID), false),
	)
	if err != nil {
		log.Warn().Err(err).Str("domain", domain).Str("command_id", commandID).
			Msg("failed to deliver troubleshooting queue Slack alert")
	}
}
