// Package notify publishes best-effort entitlement change notifications so
// connected clients can refresh without polling. Delivery is fire-and-forget:
// the subscription state in Postgres is authoritative and a dropped message
// costs nothing but staleness until the next query.
package notify

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/billfold/billfold/internal/domain"
)

// EntitlementChange is the message published when a user's tier or status
// changes.
type EntitlementChange struct {
	UserID    uuid.UUID                 `json:"user_id"`
	Tier      domain.Tier               `json:"tier"`
	Status    domain.SubscriptionStatus `json:"status"`
	Entitled  bool                      `json:"entitled"`
	ChangedAt time.Time                 `json:"changed_at"`
}

// Publisher pushes entitlement changes to interested subscribers.
type Publisher interface {
	EntitlementChanged(change EntitlementChange)
	Close()
}

// NatsPublisher publishes to a NATS subject per user:
// <prefix>.entitlement.<user_id>.
type NatsPublisher struct {
	conn          *nats.Conn
	subjectPrefix string
	logger        *slog.Logger
}

var _ Publisher = (*NatsPublisher)(nil)

func NewNatsPublisher(url, subjectPrefix string, logger *slog.Logger) (*NatsPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("billfold"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &NatsPublisher{
		conn:          conn,
		subjectPrefix: subjectPrefix,
		logger:        logger,
	}, nil
}

func (p *NatsPublisher) EntitlementChanged(change EntitlementChange) {
	data, err := json.Marshal(change)
	if err != nil {
		p.logger.Error("failed to marshal entitlement change", slog.String("error", err.Error()))
		return
	}
	subject := p.subjectPrefix + ".entitlement." + change.UserID.String()
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn("failed to publish entitlement change",
			slog.String("subject", subject),
			slog.String("error", err.Error()),
		)
	}
}

func (p *NatsPublisher) Close() {
	p.conn.Drain() //nolint:errcheck
}

// NopPublisher is used when NATS is not configured.
type NopPublisher struct{}

var _ Publisher = (*NopPublisher)(nil)

func (NopPublisher) EntitlementChanged(EntitlementChange) {}
func (NopPublisher) Close()                               {}
