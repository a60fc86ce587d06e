package pipeline

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Kind enumerates the content a job asks for.
type Kind string

const (
	// KindArticle requests a single article.
	KindArticle Kind = "article"
	// KindNovel requests long-form fiction.
	KindNovel Kind = "novel"
)

// ParseKind normalizes a kind string.
func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindArticle:
		return KindArticle, nil
	case KindNovel:
		return KindNovel, nil
	default:
		return "", fmt.Errorf("unknown job kind %q", raw)
	}
}

// Payload is the kind-specific body of a job. Only Article and Novel implement it.
type Payload interface {
	Kind() Kind
	Session() string
	validate(v *ValidationError)
	sealed()
}

// Article describes an article generation request.
type Article struct {
	Topic       string   `json:"topic"`
	Keywords    []string `json:"keywords,omitempty"`
	Category    string   `json:"category,omitempty"`
	Author      string   `json:"author,omitempty"`
	SessionName string   `json:"sessionName"`
}

// Kind implements Payload.
func (Article) Kind() Kind { return KindArticle }

// Session implements Payload.
func (a Article) Session() string { return a.SessionName }

func (a Article) validate(v *ValidationError) {
	if strings.TrimSpace(a.Topic) == "" {
		v.Add("topic", "is required")
	}
	if strings.TrimSpace(a.SessionName) == "" {
		v.Add("sessionName", "is required")
	}
	for i, kw := range a.Keywords {
		if strings.TrimSpace(kw) == "" {
			v.Add(fmt.Sprintf("keywords[%d]", i), "must not be blank")
		}
	}
}

func (Article) sealed() {}

// MaxNovelWords bounds approxWords on novel requests.
const MaxNovelWords = 200000

// Novel describes a novel generation request.
type Novel struct {
	Title       string `json:"title"`
	Prompt      string `json:"prompt"`
	Language    string `json:"language,omitempty"`
	Genre       string `json:"genre,omitempty"`
	ApproxWords int    `json:"approxWords,omitempty"`
	SessionName string `json:"sessionName"`
}

// Kind implements Payload.
func (Novel) Kind() Kind { return KindNovel }

// Session implements Payload.
func (n Novel) Session() string { return n.SessionName }

func (n Novel) validate(v *ValidationError) {
	if strings.TrimSpace(n.Title) == "" {
		v.Add("title", "is required")
	}
	if strings.TrimSpace(n.Prompt) == "" {
		v.Add("prompt", "is required")
	}
	if strings.TrimSpace(n.SessionName) == "" {
		v.Add("sessionName", "is required")
	}
	if n.ApproxWords < 0 || n.ApproxWords > MaxNovelWords {
		v.Add("approxWords", fmt.Sprintf("must be between 0 and %d", MaxNovelWords))
	}
}

func (Novel) sealed() {}

// Webhook is the optional completion callback supplied by the caller.
type Webhook struct {
	URL    string
	Secret string
}

// Job is one queued content-generation request. It is immutable once published;
// the retry count travels in message metadata rather than on the job.
type Job struct {
	ID        string
	Payload   Payload
	Webhook   *Webhook
	CreatedAt time.Time
}

// Kind reports the payload kind.
func (j Job) Kind() Kind {
	if j.Payload == nil {
		return ""
	}
	return j.Payload.Kind()
}

// ValidatePayload checks the kind-specific fields and the optional webhook.
func ValidatePayload(p Payload, hook *Webhook) error {
	v := &ValidationError{}
	if p == nil {
		v.Add("payload", "is required")
		return v
	}
	p.validate(v)
	if hook != nil {
		validateWebhook(hook, v)
	}
	return v.OrNil()
}

func validateWebhook(hook *Webhook, v *ValidationError) {
	u, err := url.Parse(hook.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		v.Add("webhookUrl", "must be an absolute http(s) URL")
	}
}

// wireHeader carries the fields shared by every kind on the queue.
type wireHeader struct {
	ID            string    `json:"id"`
	Kind          Kind      `json:"kind"`
	WebhookURL    string    `json:"webhookUrl,omitempty"`
	WebhookSecret string    `json:"webhookSecret,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

type articleWire struct {
	wireHeader
	Article
}

type novelWire struct {
	wireHeader
	Novel
}

// MarshalJSON renders the flat queue wire format:
// {id, kind, <kind fields>, webhookUrl?, webhookSecret?, createdAt}.
func (j Job) MarshalJSON() ([]byte, error) {
	head := wireHeader{ID: j.ID, Kind: j.Kind(), CreatedAt: j.CreatedAt}
	if j.Webhook != nil {
		head.WebhookURL = j.Webhook.URL
		head.WebhookSecret = j.Webhook.Secret
	}
	switch p := j.Payload.(type) {
	case Article:
		return json.Marshal(articleWire{wireHeader: head, Article: p})
	case Novel:
		return json.Marshal(novelWire{wireHeader: head, Novel: p})
	default:
		return nil, fmt.Errorf("job %s has no payload", j.ID)
	}
}

// UnmarshalJSON decodes the flat queue wire format.
func (j *Job) UnmarshalJSON(data []byte) error {
	var head wireHeader
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("decode job header: %w", err)
	}
	kind, err := ParseKind(string(head.Kind))
	if err != nil {
		return err
	}
	payload, err := DecodePayload(kind, data)
	if err != nil {
		return err
	}
	*j = Job{ID: head.ID, Payload: payload, CreatedAt: head.CreatedAt}
	if head.WebhookURL != "" {
		j.Webhook = &Webhook{URL: head.WebhookURL, Secret: head.WebhookSecret}
	}
	return nil
}

// DecodePayload decodes the kind-specific fields from raw JSON.
func DecodePayload(kind Kind, raw []byte) (Payload, error) {
	switch kind {
	case KindArticle:
		var a Article
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, fmt.Errorf("decode article payload: %w", err)
		}
		return a, nil
	case KindNovel:
		var n Novel
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, fmt.Errorf("decode novel payload: %w", err)
		}
		return n, nil
	default:
		return nil, fmt.Errorf("unknown job kind %q", kind)
	}
}

// Result is what a successful generation hands back to the pipeline.
type Result struct {
	Title      string         `json:"title,omitempty"`
	Content    string         `json:"content"`
	WordCount  int            `json:"wordCount"`
	ArchiveURI string         `json:"archiveUri,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}
