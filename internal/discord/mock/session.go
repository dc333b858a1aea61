// Package mock provides test doubles for Discord interaction testing.
package mock

import (
	"sync"

	"github.com/bwmarrin/discordgo"
)

// SentEmbed is one recorded ChannelMessageSendEmbed call.
type SentEmbed struct {
	ChannelID string
	Embed     *discordgo.MessageEmbed
}

// API records interaction responses and channel messages for test
// assertions. It is safe for concurrent use.
type API struct {
	mu sync.Mutex

	// Responses records all InteractionRespond calls.
	Responses []*discordgo.InteractionResponse

	// FollowUps records all FollowupMessageCreate calls.
	FollowUps []*discordgo.WebhookParams

	// Embeds records all ChannelMessageSendEmbed calls.
	Embeds []SentEmbed

	// Err is returned by every method when non-nil.
	Err error

	// Sent, if non-nil, receives every embed posted to a channel.
	Sent chan SentEmbed
}

// InteractionRespond records the response and returns the configured error.
func (m *API) InteractionRespond(_ *discordgo.Interaction, resp *discordgo.InteractionResponse, _ ...discordgo.RequestOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses = append(m.Responses, resp)
	return m.Err
}

// FollowupMessageCreate records the follow-up and returns a stub message.
func (m *API) FollowupMessageCreate(_ *discordgo.Interaction, _ bool, params *discordgo.WebhookParams, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FollowUps = append(m.FollowUps, params)
	if m.Err != nil {
		return nil, m.Err
	}
	return &discordgo.Message{ID: "mock-followup"}, nil
}

// ChannelMessageSendEmbed records the embed and returns a stub message.
func (m *API) ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	sent := SentEmbed{ChannelID: channelID, Embed: embed}
	m.Embeds = append(m.Embeds, sent)
	err, ch := m.Err, m.Sent
	m.mu.Unlock()
	if ch != nil {
		ch <- sent
	}
	if err != nil {
		return nil, err
	}
	return &discordgo.Message{ID: "mock-message", ChannelID: channelID}, nil
}

// LastResponse returns the most recently recorded response, or nil.
func (m *API) LastResponse() *discordgo.InteractionResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Responses) == 0 {
		return nil
	}
	return m.Responses[len(m.Responses)-1]
}

// LastFollowUp returns the most recently recorded follow-up, or nil.
func (m *API) LastFollowUp() *discordgo.WebhookParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.FollowUps) == 0 {
		return nil
	}
	return m.FollowUps[len(m.FollowUps)-1]
}

// Reset clears all recorded calls and errors.
func (m *API) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses = nil
	m.FollowUps = nil
	m.Embeds = nil
	m.Err = nil
}
