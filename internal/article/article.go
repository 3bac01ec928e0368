package article

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrMalformed marks an article that can never be posted as-is.
var ErrMalformed = errors.New("malformed article")

type State int32

const (
	Pending State = iota
	Posting
	AwaitingCheck
	Checking
	Checked
	Skipped
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Posting:
		return "posting"
	case AwaitingCheck:
		return "awaiting_check"
	case Checking:
		return "checking"
	case Checked:
		return "checked"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == Checked || s == Skipped || s == Failed }

// FileRef identifies the source file an article was cut from.
type FileRef struct {
	Index int // 1-based position in the run's file list
	Name  string
	Size  int64
	Parts int
}

// Article is one unit of posted content.
//
// An Article is owned by exactly one queue or worker at a time; nothing
// here is synchronized.
type Article struct {
	// Seq is the admission sequence number assigned by the scheduler.
	Seq uint64

	// MessageID is stored without angle brackets.
	MessageID string
	Headers   Header
	Body      []byte
	Size      int

	Part       int
	TotalParts int
	File       *FileRef

	PostTries    int
	PostTimeouts int
	CheckTries   int
	CheckErrors  int
	// RepostsLeft is the remaining budget for re-posting after a failed check.
	RepostsLeft int
	// EarlierPostTries and EarlierCheckTries carry the counters of cycles
	// that ended in a repost.
	EarlierPostTries  int
	EarlierCheckTries int

	State State
}

// New builds an article with a generated message-id and the given body.
func New(headers Header, body []byte, domain string) *Article {
	a := &Article{
		Headers: headers.Clone(),
		Body:    body,
		Size:    len(body),
		State:   Pending,
	}
	a.SetMessageID(NewMessageID(domain))
	return a
}

// NewMessageID returns a random message-id (without brackets).
func NewMessageID(domain string) string {
	domain = strings.TrimSpace(domain)
	if domain == "" {
		domain = "newsup.local"
	}
	return strings.ReplaceAll(uuid.NewString(), "-", "") + "@" + domain
}

// SetMessageID replaces the id and the Message-ID header together.
func (a *Article) SetMessageID(id string) {
	id = strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(id), "<"), ">")
	a.MessageID = id
	if id == "" {
		a.Headers.Del("Message-ID")
		return
	}
	a.Headers.Set("Message-ID", "<"+id+">")
}

// TotalPostTries counts POST attempts over every repost cycle.
func (a *Article) TotalPostTries() int { return a.EarlierPostTries + a.PostTries }

// TotalCheckTries counts answered STATs over every repost cycle.
func (a *Article) TotalCheckTries() int { return a.EarlierCheckTries + a.CheckTries }

// HasForcedID reports whether the article carries an explicit Message-ID header.
func (a *Article) HasForcedID() bool { return a.Headers.Get("Message-ID") != "" }

// Validate rejects articles no server would accept.
func (a *Article) Validate() error {
	if a.Body == nil {
		return fmt.Errorf("%w: nil body", ErrMalformed)
	}
	if strings.TrimSpace(a.Headers.Get("Newsgroups")) == "" {
		return fmt.Errorf("%w: missing Newsgroups header", ErrMalformed)
	}
	for _, f := range a.Headers {
		if f.Name == "" || strings.ContainsAny(f.Name, ": \t\r\n") {
			return fmt.Errorf("%w: invalid header name %q", ErrMalformed, f.Name)
		}
		if strings.ContainsAny(f.Value, "\r\n") {
			return fmt.Errorf("%w: header %s contains a line break", ErrMalformed, f.Name)
		}
	}
	return nil
}

// Label is a short human-readable identifier for logs.
func (a *Article) Label() string {
	if a.File != nil {
		return fmt.Sprintf("%s (%d/%d)", a.File.Name, a.Part, a.TotalParts)
	}
	if a.MessageID != "" {
		return "<" + a.MessageID + ">"
	}
	return fmt.Sprintf("article#%d", a.Seq)
}
