package events

import (
	"fmt"
	"sync"
	"time"
)

// CommandType enumerates operator commands the loop consumes
type CommandType string

const (
	CommandSellAll CommandType = "sell_all" // Flatten one symbol or everything
	CommandPause   CommandType = "pause"
	CommandResume  CommandType = "resume"
	CommandOpen    CommandType = "open"    // Evaluate one symbol immediately
	CommandBracket CommandType = "bracket" // Operator-specified bracket entry
)

// Command is a typed operator message. Symbol is empty for global commands.
type Command struct {
	Type     CommandType   `json:"type"`
	Symbol   string        `json:"symbol,omitempty"`
	Duration time.Duration `json:"duration,omitempty"` // For pause
	Stop     float64       `json:"stop,omitempty"`     // For bracket
	Target   float64       `json:"target,omitempty"`   // For bracket
	Source   string        `json:"source"`             // api, signal, cli
	IssuedAt time.Time     `json:"issued_at"`
}

// Validate checks the command is well formed
func (c Command) Validate() error {
	switch c.Type {
	case CommandSellAll, CommandResume:
		return nil
	case CommandPause:
		if c.Duration <= 0 {
			return fmt.Errorf("pause command requires a positive duration")
		}
		return nil
	case CommandOpen:
		if c.Symbol == "" {
			return fmt.Errorf("open command requires a symbol")
		}
		return nil
	case CommandBracket:
		if c.Symbol == "" {
			return fmt.Errorf("bracket command requires a symbol")
		}
		if c.Stop <= 0 {
			return fmt.Errorf("bracket command requires a positive stop price")
		}
		return nil
	}
	return fmt.Errorf("unknown command type %q", c.Type)
}

// Bus is a bounded command queue between the operator surface and the
// loop. Enqueue never blocks; a full queue drops the command with an
// error so the API can report back pressure.
type Bus struct {
	mu     sync.Mutex
	queue  chan Command
	closed bool
}

func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 32
	}
	return &Bus{queue: make(chan Command, capacity)}
}

// Enqueue validates and queues a command
func (b *Bus) Enqueue(cmd Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	if cmd.IssuedAt.IsZero() {
		cmd.IssuedAt = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("command bus is closed")
	}
	select {
	case b.queue <- cmd:
		return nil
	default:
		return fmt.Errorf("command queue full, dropping %s", cmd.Type)
	}
}

// Drain returns all commands queued since the last call. Called once per
// tick so commands apply in arrival order.
func (b *Bus) Drain() []Command {
	var out []Command
	for {
		select {
		case cmd := <-b.queue:
			out = append(out, cmd)
		default:
			return out
		}
	}
}

// Close rejects further commands
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}
