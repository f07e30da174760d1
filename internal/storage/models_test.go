package storage

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenSet(t *testing.T) {
	s := NewTokenSet("b", "a", "b")
	assert.Equal(t, 2, s.Len())
	assert.True(t, s.Add("c"))
	assert.False(t, s.Add("c"))
	assert.True(t, s.Remove("a"))
	assert.False(t, s.Remove("a"))
	assert.False(t, s.Has("a"))
	assert.Equal(t, []string{"b", "c"}, s.Slice())

	s.Union(NewTokenSet("c", "d"))
	assert.Equal(t, []string{"b", "c", "d"}, s.Slice())

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `["b","c","d"]`, string(data))
}

func TestAudienceUnmarshal(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Audience
		wantErr bool
	}{
		{name: "all", input: `"all"`, want: Audience{Kind: AudienceAll}},
		{name: "chapter subscribers", input: `"chapter-subscribers"`, want: Audience{Kind: AudienceChapterSubscribers}},
		{name: "explicit ids", input: `["u1","u2"]`, want: Audience{Kind: AudienceUsers, UserIDs: []string{"u1", "u2"}}},
		{name: "empty list", input: `[]`, want: Audience{Kind: AudienceUsers, UserIDs: []string{}}},
		{name: "unknown keyword", input: `"everyone"`, wantErr: true},
		{name: "wrong type", input: `42`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Audience
			err := json.Unmarshal([]byte(tt.input), &got)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidAudience))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAudienceMarshal(t *testing.T) {
	data, err := json.Marshal(Audience{Kind: AudienceChapterSubscribers})
	require.NoError(t, err)
	assert.Equal(t, `"chapter-subscribers"`, string(data))

	data, err = json.Marshal(Audience{Kind: AudienceUsers})
	require.NoError(t, err)
	assert.Equal(t, `[]`, string(data))
}

func TestUserDeviceMatches(t *testing.T) {
	d := &UserDevice{
		UserID:               "u1",
		NotificationsEnabled: true,
		Preferences:          Preferences{NewChapters: true},
	}

	assert.True(t, d.Matches(Predicate{}))
	assert.True(t, d.Matches(Predicate{NotificationsEnabled: Enabled(true), Preferences: []string{PrefNewChapters}}))
	assert.False(t, d.Matches(Predicate{Preferences: []string{PrefComments}}))
	assert.False(t, d.Matches(Predicate{NotificationsEnabled: Enabled(false)}))
	assert.True(t, d.Matches(Predicate{UserIDs: []string{"u0", "u1"}}))
	assert.False(t, d.Matches(Predicate{UserIDs: []string{"u2"}}))
}
