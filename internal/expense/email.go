package expense

import (
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"

	"github.com/shopspring/decimal"
)

// EmailSender delivers approval request notifications to responsibles
type EmailSender interface {
	// SendApprovalRequest notifies the responsible that a report awaits
	// their decision, with the single-use approval link
	SendApprovalRequest(to, concernedPerson string, totalEUR decimal.Decimal, link string) error
}

// SMTPEmailSender sends email through a plain SMTP relay
type SMTPEmailSender struct {
	addr string
	from string
}

// NewSMTPEmailSender creates a sender for the given relay host:port
func NewSMTPEmailSender(host string, port int, from string) *SMTPEmailSender {
	return &SMTPEmailSender{
		addr: fmt.Sprintf("%s:%d", host, port),
		from: from,
	}
}

// SendApprovalRequest sends the approval request email
func (s *SMTPEmailSender) SendApprovalRequest(to, concernedPerson string, totalEUR decimal.Decimal, link string) error {
	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", s.from)
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "Subject: Expense report from %s awaiting your approval\r\n", concernedPerson)
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	fmt.Fprintf(&msg, "%s submitted an expense report totaling %s EUR.\r\n\r\n", concernedPerson, totalEUR.StringFixed(2))
	fmt.Fprintf(&msg, "Review and decide here:\r\n%s\r\n", link)

	if err := smtp.SendMail(s.addr, nil, s.from, []string{to}, []byte(msg.String())); err != nil {
		return fmt.Errorf("sending mail: %w", err)
	}
	return nil
}

// LogEmailSender logs approval requests instead of sending them. Used when
// no SMTP relay is configured.
type LogEmailSender struct{}

// SendApprovalRequest logs the approval request
func (l *LogEmailSender) SendApprovalRequest(to, concernedPerson string, totalEUR decimal.Decimal, link string) error {
	slog.Info("Approval request (email disabled)",
		"to", to,
		"concerned_person", concernedPerson,
		"total_eur", totalEUR.StringFixed(2),
		"link", link)
	return nil
}
