package executor

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hiboss/hiboss/internal/common/ids"
	"github.com/hiboss/hiboss/internal/common/timeutil"
	"github.com/hiboss/hiboss/internal/hberr"
	"github.com/hiboss/hiboss/internal/store"
)

// MaxEnvelopesPerTurn caps how many due envelopes one provider turn consumes.
const MaxEnvelopesPerTurn = 10

// bossSuffix marks a boss-authored channel message on the sender line.
const bossSuffix = " [boss]"

// TurnMessage is one envelope rendered for (or parsed from) turn input.
type TurnMessage struct {
	EnvelopeID  string // short id
	Sender      string // channel-origin only
	FromBoss    bool
	CreatedAt   string // local ISO-8601
	DeliverAt   string // local ISO-8601, empty when immediate
	CronID      string // owning schedule short id, if materialized
	ReplyTo     string // quoted envelope short id, if any
	Text        string
	Attachments []string
}

// TurnBlock groups consecutive messages sharing one source address.
type TurnBlock struct {
	From     string
	To       string
	Messages []TurnMessage
}

// TurnInput is the structured form of one turn's agent-facing input.
type TurnInput struct {
	Now              string
	PendingEnvelopes int
	Blocks           []TurnBlock
}

// BuildTurnInput renders due envelopes as the agent-facing plain-text turn
// input. Consecutive channel envelopes sharing a source are grouped into one
// block; all other envelopes get a block each.
func BuildTurnInput(envs []*store.Envelope, now time.Time, loc *time.Location) string {
	var b strings.Builder
	fmt.Fprintf(&b, "now: %s\n", now.In(loc).Format("2006-01-02T15:04:05-07:00"))
	fmt.Fprintf(&b, "pending-envelopes: %d\n", len(envs))

	var blockFrom string
	for i, env := range envs {
		_, _, isChannel := store.ParseChannelAddress(env.From)
		newBlock := i == 0 || !isChannel || env.From != blockFrom
		if newBlock {
			b.WriteString("\n")
			fmt.Fprintf(&b, "from: %s\n", env.From)
			fmt.Fprintf(&b, "to: %s\n", env.To)
			blockFrom = env.From
			if !isChannel {
				// Force the next envelope into its own block.
				blockFrom = ""
			}
		}
		writeTurnMessage(&b, env, loc, isChannel)
	}
	return b.String()
}

func writeTurnMessage(b *strings.Builder, env *store.Envelope, loc *time.Location, isChannel bool) {
	fmt.Fprintf(b, "envelope: %s\n", ids.Short(env.ID))
	if isChannel {
		sender := "unknown"
		if v, ok := env.Metadata[store.MetaSender].(string); ok && v != "" {
			sender = v
		}
		if env.FromBoss {
			sender += bossSuffix
		}
		fmt.Fprintf(b, "sender: %s\n", sender)
	}
	fmt.Fprintf(b, "created-at: %s\n", timeutil.FormatLocal(env.CreatedAt, loc))
	if env.DeliverAt != nil {
		fmt.Fprintf(b, "deliver-at: %s\n", timeutil.FormatLocal(*env.DeliverAt, loc))
	}
	if cronID := env.CronScheduleID(); cronID != "" {
		fmt.Fprintf(b, "cron-id: %s\n", ids.Short(cronID))
	}
	if replyTo, ok := env.Metadata[store.MetaReplyToEnvelopeID].(string); ok && replyTo != "" {
		fmt.Fprintf(b, "reply-to: %s\n", ids.Short(replyTo))
	}
	b.WriteString("message: ")
	for j, line := range strings.Split(env.Content.Text, "\n") {
		if j > 0 {
			b.WriteString("  ")
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	if len(env.Content.Attachments) > 0 {
		sources := make([]string, len(env.Content.Attachments))
		for j, a := range env.Content.Attachments {
			sources[j] = a.Source
		}
		fmt.Fprintf(b, "attachments: %s\n", strings.Join(sources, ", "))
	}
}

// ParseTurnInput parses turn input back into its structured form.
func ParseTurnInput(input string) (*TurnInput, error) {
	lines := strings.Split(input, "\n")
	turn := &TurnInput{}
	var block *TurnBlock
	var msg *TurnMessage
	inMessage := false

	flushMessage := func() {
		if msg != nil && block != nil {
			msg.Text = strings.TrimSuffix(msg.Text, "\n")
			block.Messages = append(block.Messages, *msg)
		}
		msg = nil
		inMessage = false
	}
	flushBlock := func() {
		flushMessage()
		if block != nil {
			turn.Blocks = append(turn.Blocks, *block)
		}
		block = nil
	}

	for _, line := range lines {
		if inMessage && strings.HasPrefix(line, "  ") {
			msg.Text += line[2:] + "\n"
			continue
		}
		inMessage = false
		if line == "" {
			flushBlock()
			continue
		}
		key, value, found := strings.Cut(line, ": ")
		if !found {
			key = strings.TrimSuffix(line, ":")
			value = ""
		}
		switch key {
		case "now":
			turn.Now = value
		case "pending-envelopes":
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, hberr.New(hberr.KindValidation, "malformed pending-envelopes line %q", line)
			}
			turn.PendingEnvelopes = n
		case "from":
			flushBlock()
			block = &TurnBlock{From: value}
		case "to":
			if block == nil {
				return nil, hberr.New(hberr.KindValidation, "to: line outside a block")
			}
			block.To = value
		case "envelope":
			flushMessage()
			msg = &TurnMessage{EnvelopeID: value}
		case "sender":
			if msg == nil {
				return nil, hberr.New(hberr.KindValidation, "sender: line outside an envelope")
			}
			if strings.HasSuffix(value, bossSuffix) {
				msg.FromBoss = true
				value = strings.TrimSuffix(value, bossSuffix)
			}
			msg.Sender = value
		case "created-at":
			if msg == nil {
				return nil, hberr.New(hberr.KindValidation, "created-at: line outside an envelope")
			}
			msg.CreatedAt = value
		case "deliver-at":
			if msg == nil {
				return nil, hberr.New(hberr.KindValidation, "deliver-at: line outside an envelope")
			}
			msg.DeliverAt = value
		case "cron-id":
			if msg == nil {
				return nil, hberr.New(hberr.KindValidation, "cron-id: line outside an envelope")
			}
			msg.CronID = value
		case "reply-to":
			if msg == nil {
				return nil, hberr.New(hberr.KindValidation, "reply-to: line outside an envelope")
			}
			msg.ReplyTo = value
		case "message":
			if msg == nil {
				return nil, hberr.New(hberr.KindValidation, "message: line outside an envelope")
			}
			msg.Text = value + "\n"
			inMessage = true
		case "attachments":
			if msg == nil {
				return nil, hberr.New(hberr.KindValidation, "attachments: line outside an envelope")
			}
			for _, src := range strings.Split(value, ", ") {
				if src != "" {
					msg.Attachments = append(msg.Attachments, src)
				}
			}
		default:
			return nil, hberr.New(hberr.KindValidation, "unknown turn input line %q", line)
		}
	}
	flushBlock()
	return turn, nil
}
