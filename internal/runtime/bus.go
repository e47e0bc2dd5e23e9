package runtime

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentos/internal/config"
	"agentos/internal/logging"
	"agentos/internal/types"
)

// MessageLog durably records messages and their delivery transitions. The
// bus works without one; pass nil to keep everything in memory.
type MessageLog interface {
	SaveMessage(m *types.Message) error
	MarkDelivered(id string) error
	MarkRead(id string) error
}

// Subscription filters synchronous delivery callbacks. Empty filters match
// every message.
type Subscription struct {
	SubscriberID string
	Types        []types.MessageType
	Tags         []string
	Callback     func(*types.Message)
}

func (s *Subscription) matches(m *types.Message) bool {
	if len(s.Types) > 0 {
		found := false
		for _, t := range s.Types {
			if m.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(s.Tags) > 0 {
		tagSet := make(map[string]bool, len(m.Tags))
		for _, t := range m.Tags {
			tagSet[t] = true
		}
		for _, t := range s.Tags {
			if tagSet[t] {
				return true
			}
		}
		return false
	}
	return true
}

// mailbox is a bounded priority queue: one FIFO lane per priority class.
type mailbox struct {
	lanes [4][]*types.Message
	size  int
}

func (mb *mailbox) push(m *types.Message) {
	lane := int(m.Priority)
	if lane < 0 {
		lane = 0
	}
	if lane > 3 {
		lane = 3
	}
	mb.lanes[lane] = append(mb.lanes[lane], m)
	mb.size++
}

// pop removes the highest-priority message, FIFO within a class.
func (mb *mailbox) pop() *types.Message {
	for lane := 3; lane >= 0; lane-- {
		if len(mb.lanes[lane]) > 0 {
			m := mb.lanes[lane][0]
			mb.lanes[lane] = mb.lanes[lane][1:]
			mb.size--
			return m
		}
	}
	return nil
}

func (mb *mailbox) peek() *types.Message {
	for lane := 3; lane >= 0; lane-- {
		if len(mb.lanes[lane]) > 0 {
			return mb.lanes[lane][0]
		}
	}
	return nil
}

// MessageBus routes messages between registered agents. Mailboxes are
// priority queues (CRITICAL > HIGH > NORMAL > LOW, FIFO within class).
// Delivery is at-most-once per receiver.
type MessageBus struct {
	mu          sync.Mutex
	mailboxes   map[string]*mailbox
	deadLetters []*types.Message
	subs        []*Subscription
	log         MessageLog
	cfg         config.RuntimeConfig
}

// NewMessageBus creates a bus. log may be nil for a purely in-memory bus.
func NewMessageBus(log MessageLog, cfg config.RuntimeConfig) *MessageBus {
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = 1000
	}
	return &MessageBus{
		mailboxes: make(map[string]*mailbox),
		log:       log,
		cfg:       cfg,
	}
}

// RegisterAgent creates an empty mailbox for the agent. Registering an
// already-registered agent is a no-op.
func (b *MessageBus) RegisterAgent(id string) error {
	if id == "" {
		return types.Validationf("agent id is empty")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.mailboxes[id]; !ok {
		b.mailboxes[id] = &mailbox{}
		logging.Bus("Registered agent %s", id)
	}
	return nil
}

// UnregisterAgent removes the agent and drops its mailbox.
func (b *MessageBus) UnregisterAgent(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.mailboxes[id]; !ok {
		return types.NotFoundf("agent %s", id)
	}
	delete(b.mailboxes, id)
	logging.Bus("Unregistered agent %s", id)
	return nil
}

// Send routes a message. A named unregistered recipient is auto-registered;
// an empty recipient on a non-broadcast message dead-letters. A broadcast
// with no recipient list fans out to every registered agent except the
// sender; each fan-out copy delivers independently.
func (b *MessageBus) Send(m *types.Message) error {
	if m.ID == "" {
		m.ID = "msg_" + uuid.NewString()
	}
	if m.QueuedAt.IsZero() {
		m.QueuedAt = time.Now().UTC()
	}
	m.Status = types.DeliveryQueued

	b.mu.Lock()
	var delivered []*types.Message
	var err error
	switch {
	case m.Type == types.MessageBroadcast && m.Recipient == "":
		recipients := m.Recipients
		if len(recipients) == 0 {
			for id := range b.mailboxes {
				if id != m.Sender {
					recipients = append(recipients, id)
				}
			}
			sort.Strings(recipients)
		}
		for _, r := range recipients {
			clone := *m
			clone.ID = "msg_" + uuid.NewString()
			clone.Recipient = r
			clone.Recipients = nil
			if err = b.deliverLocked(&clone); err != nil {
				break
			}
			if clone.Status == types.DeliveryDelivered {
				delivered = append(delivered, &clone)
			}
		}
	case m.Recipient == "":
		err = b.deadLetterLocked(m)
	default:
		err = b.deliverLocked(m)
		if err == nil && m.Status == types.DeliveryDelivered {
			delivered = append(delivered, m)
		}
	}
	subs := make([]*Subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, d := range delivered {
		b.notify(subs, d)
	}
	return err
}

func (b *MessageBus) deliverLocked(m *types.Message) error {
	mb, ok := b.mailboxes[m.Recipient]
	if !ok {
		// Auto-register named recipients.
		mb = &mailbox{}
		b.mailboxes[m.Recipient] = mb
		logging.BusDebug("Auto-registered agent %s on first message", m.Recipient)
	}
	if mb.size >= b.cfg.MailboxSize {
		return b.deadLetterLocked(m)
	}

	now := time.Now().UTC()
	m.Status = types.DeliveryDelivered
	m.DeliveredAt = &now
	mb.push(m)

	if b.log != nil {
		if err := b.log.SaveMessage(m); err != nil {
			logging.Get(logging.CategoryBus).Error("Failed to persist message %s: %v", m.ID, err)
		}
	}
	logging.BusDebug("Delivered %s from %s to %s (priority %d)", m.ID, m.Sender, m.Recipient, m.Priority)
	return nil
}

func (b *MessageBus) deadLetterLocked(m *types.Message) error {
	if !b.cfg.DeadLetterEnabled {
		return types.Validationf("message %s has no routable recipient", m.ID)
	}
	m.Status = types.DeliveryDeadLetter
	b.deadLetters = append(b.deadLetters, m)
	if b.log != nil {
		if err := b.log.SaveMessage(m); err != nil {
			logging.Get(logging.CategoryBus).Error("Failed to persist dead letter %s: %v", m.ID, err)
		}
	}
	logging.Bus("Dead-lettered %s from %s (recipient %q)", m.ID, m.Sender, m.Recipient)
	return nil
}

// notify fires matching subscription callbacks against a snapshot of the
// subscriber list, outside the bus lock, so a callback may call back into
// the bus. A panicking callback is isolated and logged; the rest still run.
func (b *MessageBus) notify(subs []*Subscription, m *types.Message) {
	for _, sub := range subs {
		if !sub.matches(m) {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Get(logging.CategoryBus).Error(
						"Subscriber %s panicked on %s: %v", sub.SubscriberID, m.ID, r)
				}
			}()
			sub.Callback(m)
		}()
	}
}

// Subscribe registers a synchronous delivery callback. The returned function
// unsubscribes.
func (b *MessageBus) Subscribe(sub *Subscription) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, sub)
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s == sub {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Receive pops the highest-priority message from the agent's mailbox and
// marks it read. An empty mailbox returns nil without blocking.
func (b *MessageBus) Receive(agentID string) (*types.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	mb, ok := b.mailboxes[agentID]
	if !ok {
		return nil, types.NotFoundf("agent %s", agentID)
	}
	m := mb.pop()
	if m == nil {
		return nil, nil
	}
	b.markReadLocked(m)
	return m, nil
}

// ReceiveAll pops up to limit messages in priority order. limit <= 0 drains
// the mailbox.
func (b *MessageBus) ReceiveAll(agentID string, limit int) ([]*types.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	mb, ok := b.mailboxes[agentID]
	if !ok {
		return nil, types.NotFoundf("agent %s", agentID)
	}
	var out []*types.Message
	for limit <= 0 || len(out) < limit {
		m := mb.pop()
		if m == nil {
			break
		}
		b.markReadLocked(m)
		out = append(out, m)
	}
	return out, nil
}

func (b *MessageBus) markReadLocked(m *types.Message) {
	now := time.Now().UTC()
	m.Status = types.DeliveryRead
	m.ReadAt = &now
	if b.log != nil {
		if err := b.log.MarkRead(m.ID); err != nil {
			logging.BusDebug("Failed to mark %s read: %v", m.ID, err)
		}
	}
}

// Peek returns the next message without removing it.
func (b *MessageBus) Peek(agentID string) (*types.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	mb, ok := b.mailboxes[agentID]
	if !ok {
		return nil, types.NotFoundf("agent %s", agentID)
	}
	return mb.peek(), nil
}

// ClearMailbox drops all queued messages for the agent.
func (b *MessageBus) ClearMailbox(agentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	mb, ok := b.mailboxes[agentID]
	if !ok {
		return types.NotFoundf("agent %s", agentID)
	}
	*mb = mailbox{}
	return nil
}

// DeadLetters returns a snapshot of the dead-letter queue.
func (b *MessageBus) DeadLetters() []*types.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*types.Message, len(b.deadLetters))
	copy(out, b.deadLetters)
	return out
}

// ClearDeadLetters empties the dead-letter queue.
func (b *MessageBus) ClearDeadLetters() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deadLetters = nil
}

// BusStats summarizes the bus state.
type BusStats struct {
	Agents      int            `json:"agents"`
	Queued      map[string]int `json:"queued"`
	DeadLetters int            `json:"dead_letters"`
	Subscribers int            `json:"subscribers"`
}

// Stats returns current mailbox depths and queue sizes.
func (b *MessageBus) Stats() *BusStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := &BusStats{
		Agents:      len(b.mailboxes),
		Queued:      make(map[string]int, len(b.mailboxes)),
		DeadLetters: len(b.deadLetters),
		Subscribers: len(b.subs),
	}
	for id, mb := range b.mailboxes {
		stats.Queued[id] = mb.size
	}
	return stats
}
