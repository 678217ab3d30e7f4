package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/marinoas/legal-crm-sub002/internal/otelhelper"
)

// DefaultContactSubject is the request subject prefix answered by the
// backend's contact service.
const DefaultContactSubject = "crm.contacts"

// NATSContacts resolves a user's presence contacts over broker
// request/reply. The backend owns the contact graph (colleagues on shared
// cases); the hub only asks.
type NATSContacts struct {
	nc      *nats.Conn
	subject string
}

func NewNATSContacts(nc *nats.Conn, subject string) *NATSContacts {
	if subject == "" {
		subject = DefaultContactSubject
	}
	return &NATSContacts{nc: nc, subject: subject}
}

type contactsReply struct {
	Contacts []string `json:"contacts"`
}

func (c *NATSContacts) Contacts(ctx context.Context, userID string) ([]string, error) {
	msg, err := otelhelper.TracedRequest(ctx, c.nc, c.subject+"."+userID, nil)
	if err != nil {
		return nil, fmt.Errorf("contact lookup for %s: %w", userID, err)
	}
	var reply contactsReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("decode contact reply: %w", err)
	}
	return reply.Contacts, nil
}
