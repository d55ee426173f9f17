package domain

import "time"

// Command is a single text instruction addressed to the agent.
type Command struct {
	Content string `json:"content"`
}

// Reply is the agent's answer to a Command.
type Reply struct {
	Content string `json:"content"`
}

type InboundMessage struct {
	Channel   string
	ChatID    string
	SenderID  string
	Content   string
	Timestamp time.Time
}

// Command returns the inbound payload as an agent command.
func (m InboundMessage) Command() Command {
	return Command{Content: m.Content}
}

type OutboundMessage struct {
	Channel string
	ChatID  string
	Content string
	Format  string // text | json
}
