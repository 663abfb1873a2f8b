package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/walletmesh/custody-ledger/internal/queue"
)

// Version tags every envelope so downstream consumers can dispatch safely.
const Version = "ledger.event.v1"

const DefaultTopic = "ledger.events.v1"

type Kind string

const (
	KindDepositCredited     Kind = "deposit_credited"
	KindTransferScheduled   Kind = "transfer_scheduled"
	KindTransferCancelled   Kind = "transfer_cancelled"
	KindTransferExecuted    Kind = "transfer_executed"
	KindWithdrawalCompleted Kind = "withdrawal_completed"
)

// Event is the audit feed envelope published after every balance-affecting
// outcome. It is advisory: the transaction log, not the feed, is the durable
// audit record.
type Event struct {
	Version string    `json:"version"`
	Kind    Kind      `json:"kind"`
	Owner   string    `json:"owner"`
	Asset   string    `json:"asset"`
	Amount  string    `json:"amount"`
	Ref     string    `json:"ref,omitempty"`
	At      time.Time `json:"at"`
}

// Publisher writes events to the queue, keyed by owner so per-owner ordering
// survives partitioning. A nil Publisher or a nil producer publishes nothing.
type Publisher struct {
	producer queue.Producer
	topic    string
	now      func() time.Time
	log      *slog.Logger
}

func NewPublisher(producer queue.Producer, topic string, log *slog.Logger) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{
		producer: producer,
		topic:    topic,
		now:      time.Now,
		log:      log,
	}
}

// Publish emits the event. Failures are logged, not returned: the audit feed
// must never fail a ledger operation that already committed.
func (p *Publisher) Publish(ctx context.Context, kind Kind, owner common.Address, asset string, amount decimal.Decimal, ref string) {
	if p == nil || p.producer == nil {
		return
	}

	ev := Event{
		Version: Version,
		Kind:    kind,
		Owner:   owner.Hex(),
		Asset:   asset,
		Amount:  amount.String(),
		Ref:     ref,
		At:      p.now().UTC(),
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		p.log.Error("marshal ledger event", "kind", kind, "err", err)
		return
	}
	if err := p.producer.Publish(ctx, p.topic, owner.Bytes(), payload); err != nil {
		p.log.Error("publish ledger event", "kind", kind, "topic", p.topic, "err", err)
	}
}

// Decode parses an envelope, rejecting foreign versions.
func Decode(payload []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, fmt.Errorf("events: decode: %w", err)
	}
	if ev.Version != Version {
		return Event{}, fmt.Errorf("events: unexpected version %q", ev.Version)
	}
	return ev, nil
}
