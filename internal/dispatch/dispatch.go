package dispatch

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"time"

	"github.com/mithileshchellappan/novelpush/internal/storage"
)

// Action is a button shown on a web notification.
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

const (
	ActionOpen  = "open"
	ActionClose = "close"
)

// DefaultActions are attached to every web notification.
var DefaultActions = []Action{
	{Action: ActionOpen, Title: "Read Now"},
	{Action: ActionClose, Title: "Close"},
}

// Message is the provider-neutral envelope for one batch. The deep link lives
// only in Data["url"] and Link; the visible notification never carries it.
type Message struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Image string `json:"image,omitempty"`

	// Data is delivered to the receiver untouched. Always has url, type and
	// timestamp.
	Data map[string]string `json:"data"`

	// Web push display options. Link is absolute https or empty.
	Link               string   `json:"link"`
	Icon               string   `json:"icon,omitempty"`
	Badge              string   `json:"badge,omitempty"`
	RequireInteraction bool     `json:"requireInteraction"`
	Actions            []Action `json:"actions,omitempty"`
}

// MaxPayloadSize is the provider's limit on notification and data bytes.
const MaxPayloadSize = 4096

// PayloadSize counts the bytes the provider charges against MaxPayloadSize:
// the visible fields plus every data key and value.
func (m *Message) PayloadSize() int {
	n := len(m.Title) + len(m.Body) + len(m.Image)
	for k, v := range m.Data {
		n += len(k) + len(v)
	}
	return n
}

// Display holds the fixed presentation settings applied to every message.
type Display struct {
	Icon  string
	Badge string
	// SiteURL resolves relative deep links for the provider's click link.
	SiteURL string
}

// clickLink resolves target against site. The provider only accepts https
// links, so anything else yields "".
func clickLink(site, target string) string {
	ref, err := url.Parse(target)
	if err != nil {
		return ""
	}
	if !ref.IsAbs() {
		base, err := url.Parse(site)
		if err != nil || !base.IsAbs() {
			return ""
		}
		ref = base.ResolveReference(ref)
	}
	if ref.Scheme != "https" {
		return ""
	}
	return ref.String()
}

// NewMessage builds the envelope for an intent. The intent must already have
// its defaults applied.
func NewMessage(intent storage.Intent, display Display, now time.Time) *Message {
	return &Message{
		Title: intent.Title,
		Body:  intent.Body,
		Image: intent.Image,
		Data: map[string]string{
			"url":       intent.URL,
			"type":      intent.Type,
			"timestamp": strconv.FormatInt(now.UnixMilli(), 10),
		},
		Link:               clickLink(display.SiteURL, intent.URL),
		Icon:               display.Icon,
		Badge:              display.Badge,
		RequireInteraction: true,
		Actions:            DefaultActions,
	}
}

// SendResult is the provider's verdict for one token of a batch.
type SendResult struct {
	Token string
	Err   error
	// Invalid is set when the provider says the token will never work again.
	Invalid bool
}

type BatchResponse struct {
	SuccessCount int
	FailureCount int
	Results      []SendResult
}

// InvalidTokens returns the tokens the provider rejected permanently.
func (r *BatchResponse) InvalidTokens() []string {
	var out []string
	for _, res := range r.Results {
		if res.Invalid {
			out = append(out, res.Token)
		}
	}
	return out
}

// Sender delivers one batch. A returned error means the whole batch failed;
// per-token failures are reported in the response.
type Sender interface {
	SendBatch(ctx context.Context, tokens []string, msg *Message) (*BatchResponse, error)
}

var ErrNoProvider = errors.New("no push provider configured")

// Disabled is the Sender used when no provider credentials are available.
// Every batch fails, so dispatches are still counted and reconciled.
type Disabled struct{}

func (Disabled) SendBatch(ctx context.Context, tokens []string, msg *Message) (*BatchResponse, error) {
	return nil, ErrNoProvider
}
