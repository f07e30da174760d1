package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Preference flag names as they appear on the wire and in the document store.
const (
	PrefNewChapters   = "newChapters"
	PrefAnnouncements = "announcements"
	PrefComments      = "comments"
)

// IsPreference reports whether name is a known preference flag.
func IsPreference(name string) bool {
	switch name {
	case PrefNewChapters, PrefAnnouncements, PrefComments:
		return true
	}
	return false
}

type Preferences struct {
	NewChapters   bool `json:"newChapters" firestore:"newChapters"`
	Announcements bool `json:"announcements" firestore:"announcements"`
	Comments      bool `json:"comments" firestore:"comments"`
}

// Flag returns the value of a named flag. Unknown flags are disabled.
func (p Preferences) Flag(name string) bool {
	switch name {
	case PrefNewChapters:
		return p.NewChapters
	case PrefAnnouncements:
		return p.Announcements
	case PrefComments:
		return p.Comments
	default:
		return false
	}
}

// TokenSet is a set of delivery tokens.
type TokenSet map[string]struct{}

func NewTokenSet(tokens ...string) TokenSet {
	s := make(TokenSet, len(tokens))
	for _, t := range tokens {
		s.Add(t)
	}
	return s
}

// Add inserts token and reports whether it was new.
func (s TokenSet) Add(token string) bool {
	if _, ok := s[token]; ok {
		return false
	}
	s[token] = struct{}{}
	return true
}

// Remove deletes token and reports whether it was present.
func (s TokenSet) Remove(token string) bool {
	if _, ok := s[token]; !ok {
		return false
	}
	delete(s, token)
	return true
}

func (s TokenSet) Has(token string) bool {
	_, ok := s[token]
	return ok
}

func (s TokenSet) Len() int { return len(s) }

// Union adds every token of other to s.
func (s TokenSet) Union(other TokenSet) {
	for t := range other {
		s[t] = struct{}{}
	}
}

// Slice returns the tokens in sorted order.
func (s TokenSet) Slice() []string {
	out := make([]string, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (s TokenSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Slice())
}

func (s *TokenSet) UnmarshalJSON(data []byte) error {
	var tokens []string
	if err := json.Unmarshal(data, &tokens); err != nil {
		return err
	}
	*s = NewTokenSet(tokens...)
	return nil
}

// UserDevice holds a user's delivery tokens and opt-in flags.
type UserDevice struct {
	UserID               string      `json:"userId"`
	Tokens               TokenSet    `json:"tokens"`
	NotificationsEnabled bool        `json:"notificationsEnabled"`
	Preferences          Preferences `json:"preferences"`
	LastTokenUpdate      time.Time   `json:"lastTokenUpdate"`
}

// Matches reports whether d satisfies pred.
func (d *UserDevice) Matches(pred Predicate) bool {
	if pred.NotificationsEnabled != nil && d.NotificationsEnabled != *pred.NotificationsEnabled {
		return false
	}
	for _, name := range pred.Preferences {
		if !d.Preferences.Flag(name) {
			return false
		}
	}
	if len(pred.UserIDs) > 0 {
		for _, id := range pred.UserIDs {
			if id == d.UserID {
				return true
			}
		}
		return false
	}
	return true
}

type AudienceKind string

const (
	AudienceAll                AudienceKind = "all"
	AudienceChapterSubscribers AudienceKind = "chapter-subscribers"
	AudienceUsers              AudienceKind = "users"
)

// Audience is the targeting part of an intent. On the wire it is either the
// string "all", the string "chapter-subscribers", or an array of user ids.
type Audience struct {
	Kind    AudienceKind
	UserIDs []string
}

var ErrInvalidAudience = errors.New("targetUsers must be \"all\", \"chapter-subscribers\" or a list of user ids")

func (a Audience) MarshalJSON() ([]byte, error) {
	if a.Kind == AudienceUsers {
		ids := a.UserIDs
		if ids == nil {
			ids = []string{}
		}
		return json.Marshal(ids)
	}
	return json.Marshal(string(a.Kind))
}

func (a *Audience) UnmarshalJSON(data []byte) error {
	var kind string
	if err := json.Unmarshal(data, &kind); err == nil {
		switch AudienceKind(kind) {
		case AudienceAll, AudienceChapterSubscribers:
			*a = Audience{Kind: AudienceKind(kind)}
			return nil
		}
		return fmt.Errorf("%w: got %q", ErrInvalidAudience, kind)
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return ErrInvalidAudience
	}
	*a = Audience{Kind: AudienceUsers, UserIDs: ids}
	return nil
}

// Intent is an operator's request to notify an audience.
type Intent struct {
	Title    string   `json:"title" validate:"required"`
	Body     string   `json:"body" validate:"required"`
	URL      string   `json:"url,omitempty"`
	Image    string   `json:"image,omitempty" validate:"omitempty,url"`
	Audience Audience `json:"targetUsers"`
	Type     string   `json:"notificationType,omitempty"`
}

type JobStatus string

const (
	JobScheduled  JobStatus = "SCHEDULED"
	JobQueued     JobStatus = "QUEUED"
	JobInProgress JobStatus = "IN_PROGRESS"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
)

// JobOutcome is the persisted summary of a finished dispatch.
type JobOutcome struct {
	TotalTokens int    `json:"totalTokens"`
	SentCount   int    `json:"sentCount"`
	FailedCount int    `json:"failedCount"`
	PrunedCount int    `json:"prunedCount"`
	Error       string `json:"error,omitempty"`
}

type Job struct {
	ID          string     `json:"id"`
	Intent      Intent     `json:"intent"`
	Status      JobStatus  `json:"status"`
	SendAt      time.Time  `json:"sendAt"`
	Outcome     JobOutcome `json:"outcome"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}
