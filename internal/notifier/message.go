package notifier

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/disgoorg/snowflake/v2"

	"wardenprime/internal/category"
	"wardenprime/internal/model"
)

const (
	maxFields      = 25
	footerPrefix   = "sig "
	digestLen      = 12
	colorDefault   = 0x5865F2
	colorSteelPath = 0xC0392B
)

var serviceTitles = map[model.Service]string{
	model.ServiceFissure:     "Void Fissures",
	model.ServiceArbitration: "Arbitration",
	model.ServiceAya:         "Prime Resurgence",
	model.ServiceNews:        "PC Update Notes",
}

// Message is a rendered notification, independent of the chat transport.
type Message struct {
	Content     string
	MentionRole snowflake.ID
	Embed       Embed
}

// Embed is the rich body of a notification.
type Embed struct {
	Title       string
	Description string
	URL         string
	Color       int
	Fields      []Field
	Footer      string
	Timestamp   time.Time
}

// Field is one line item of an embed.
type Field struct {
	Name   string
	Value  string
	Inline bool
}

// HistoryMessage is a message read back from a channel.
type HistoryMessage struct {
	ID       snowflake.ID
	FromSelf bool
	Footers  []string
}

// Signature encodes the identifiers of events independently of their order.
// Expiry is part of the token only for always-recheck categories, so a
// countdown update on an ordinary mission never counts as new content.
func Signature(events []model.Event) string {
	tokens := make([]string, 0, len(events))
	for _, e := range events {
		tok := sigEscaper.Replace(e.ID)
		if category.Canonicalize(e.Category).AlwaysRecheck() && !e.Expiry.IsZero() {
			tok += "@" + strconv.FormatInt(e.Expiry.Unix(), 10)
		}
		tokens = append(tokens, tok)
	}
	sort.Strings(tokens)
	return strings.Join(tokens, "|")
}

// sigEscaper keeps the separators unambiguous for ids that contain them.
var sigEscaper = strings.NewReplacer(`\`, `\\`, "|", `\|`, "@", `\@`)

// Digest shortens a signature for display in a message footer.
func Digest(signature string) string {
	sum := sha256.Sum256([]byte(signature))
	return hex.EncodeToString(sum[:])[:digestLen]
}

// FooterFor returns the footer text that carries the digest of signature.
func FooterFor(signature string) string {
	return footerPrefix + Digest(signature)
}

// Render builds the notification for sub from its matching events.
func Render(service model.Service, sub model.Subscription, events []model.Event, signature string, now time.Time) Message {
	title := serviceTitles[service]
	if title == "" {
		title = string(service)
	}
	if !sub.Aggregate() {
		title += " · " + category.Canonicalize(sub.Category).Label()
	}

	embed := Embed{
		Title:     title,
		Color:     colorDefault,
		Footer:    FooterFor(signature),
		Timestamp: now.UTC(),
	}
	if sub.HardMode == model.HardOnly {
		embed.Color = colorSteelPath
	}

	shown := events
	if len(shown) > maxFields {
		shown = shown[:maxFields]
		embed.Description = fmt.Sprintf("Showing %d of %d entries.", maxFields, len(events))
	}
	for _, e := range shown {
		embed.Fields = append(embed.Fields, renderField(e, sub.Aggregate()))
	}
	if len(events) == 1 && events[0].URL != "" {
		embed.URL = events[0].URL
	}

	return Message{Embed: embed}
}

func renderField(e model.Event, aggregate bool) Field {
	name := e.Title
	if name == "" {
		name = e.ID
	}
	if e.Hard {
		name += " (Steel Path)"
	}

	var lines []string
	if aggregate && e.Category != "" {
		lines = append(lines, "**"+category.Canonicalize(e.Category).Label()+"**")
	}
	if e.Detail != "" {
		lines = append(lines, e.Detail)
	}
	if !e.Expiry.IsZero() {
		unix := e.Expiry.Unix()
		lines = append(lines, fmt.Sprintf("Ends <t:%d:R> (<t:%d:f>)", unix, unix))
	}
	if e.URL != "" {
		lines = append(lines, e.URL)
	}
	if len(lines) == 0 {
		lines = append(lines, "\u200b")
	}
	return Field{Name: name, Value: strings.Join(lines, "\n"), Inline: aggregate}
}

// withMention adds the role ping to a message that is about to be sent new.
func withMention(msg Message, role snowflake.ID) Message {
	if role == 0 {
		return msg
	}
	msg.Content = fmt.Sprintf("<@&%d>", role)
	msg.MentionRole = role
	return msg
}
