package bot

import (
	"maps"
	"slices"
	"time"
)

// Session is the per-conversation record owned by the session store.
// Connectors only write User, Channel and Team; Data belongs to bot logic.
type Session struct {
	Key       string         `json:"key"`
	Platform  string         `json:"platform"`
	User      *UserInfo      `json:"user,omitempty"`
	Channel   *ChannelInfo   `json:"channel,omitempty"`
	Team      *TeamInfo      `json:"team,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// UserInfo is the profile of the user behind the latest qualifying event
type UserInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	IsBot       bool   `json:"is_bot,omitempty"`
	IsAdmin     bool   `json:"is_admin,omitempty"`
	// Profile is the provider-native record the fields were taken from
	Profile   any       `json:"profile,omitempty"`
	UpdatedAt time.Time `json:"_updatedAt"`
}

// ChannelInfo describes the conversation and its members
type ChannelInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Type      string    `json:"type,omitempty"`
	Members   []Member  `json:"members,omitempty"`
	Profile   any       `json:"profile,omitempty"`
	UpdatedAt time.Time `json:"_updatedAt"`
}

// TeamInfo describes the workspace the conversation belongs to
type TeamInfo struct {
	ID        string    `json:"id,omitempty"`
	Members   []Member  `json:"members,omitempty"`
	UpdatedAt time.Time `json:"_updatedAt"`
}

// Member is a participant of a channel or a team
type Member struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	IsBot bool   `json:"is_bot,omitempty"`
}

// NewSession returns an empty session for key on platform
func NewSession(platform, key string) *Session {
	return &Session{
		Key:       key,
		Platform:  platform,
		CreatedAt: time.Now(),
	}
}

// SetUser replaces the user record and stamps it with at
func (s *Session) SetUser(user UserInfo, at time.Time) {
	user.UpdatedAt = at
	s.User = &user
}

// SetChannel replaces the channel record and stamps it with at
func (s *Session) SetChannel(channel ChannelInfo, at time.Time) {
	channel.UpdatedAt = at
	s.Channel = &channel
}

// SetTeam replaces the team record and stamps it with at
func (s *Session) SetTeam(team TeamInfo, at time.Time) {
	team.UpdatedAt = at
	s.Team = &team
}

// Clone returns a copy that can be mutated without affecting s. Profile values
// and Data values are shared; they are treated as read-only.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.User != nil {
		user := *s.User
		out.User = &user
	}
	if s.Channel != nil {
		channel := *s.Channel
		channel.Members = slices.Clone(s.Channel.Members)
		out.Channel = &channel
	}
	if s.Team != nil {
		team := *s.Team
		team.Members = slices.Clone(s.Team.Members)
		out.Team = &team
	}
	out.Data = maps.Clone(s.Data)
	return &out
}

// ReplyTarget returns the conversation identifier replies go to
func (s *Session) ReplyTarget() string {
	if s == nil {
		return ""
	}
	if s.Channel != nil && s.Channel.ID != "" {
		return s.Channel.ID
	}
	return s.Key
}
