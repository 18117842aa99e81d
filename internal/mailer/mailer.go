package mailer

import (
	"context"
	"log"

	"github.com/keyfold/server/internal/recovery"
)

// LogMailer "delivers" guardian invites by logging masked recipients. Dev-mode
// transport; a deployment plugs a real mail provider in behind the
// recovery.GuardianMailer interface. Tokens are never logged.
type LogMailer struct{}

// NewLogMailer creates a log-based guardian mailer
func NewLogMailer() *LogMailer {
	return &LogMailer{}
}

// Send logs one line per invite, one invite per guardian
func (m *LogMailer) Send(_ context.Context, accountEmail string, invites []recovery.GuardianInvite) (recovery.DeliveryResult, error) {
	for _, invite := range invites {
		log.Printf("guardian approval requested for account %s: invite to %s",
			recovery.MaskEmail(accountEmail), recovery.MaskEmail(invite.Email))
	}
	return recovery.DeliveryResult{Mode: "log", Delivered: len(invites)}, nil
}
