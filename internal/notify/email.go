package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"github.com/playok/fitalert/internal/config"
)

type sendMailFunc func(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailChannel sends plain-text mail through an SMTP relay. Repeated
// failures open a circuit breaker so a dead relay is not retried on every
// alert.
type EmailChannel struct {
	addr     string
	auth     smtp.Auth
	from     string
	sendMail sendMailFunc
	breaker  *gobreaker.CircuitBreaker
}

// NewEmailChannel creates an SMTP channel from configuration.
func NewEmailChannel(cfg config.EmailConfig) *EmailChannel {
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return &EmailChannel{
		addr:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		auth:     auth,
		from:     cfg.From,
		sendMail: sendMailContext,
		breaker:  newBreaker("email"),
	}
}

func (c *EmailChannel) Name() string { return "email" }
func (c *EmailChannel) Kind() Kind   { return KindEmail }

// Send mails msg to the recipient address.
func (c *EmailChannel) Send(ctx context.Context, msg Message) error {
	if msg.Email == "" {
		return ErrNoAddress
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	subject := msg.Title
	if msg.Category != "" {
		subject = fmt.Sprintf("%s in %s", msg.Title, msg.Category)
	}

	var body bytes.Buffer
	fmt.Fprintf(&body, "From: %s\r\n", c.from)
	fmt.Fprintf(&body, "To: %s\r\n", msg.Email)
	fmt.Fprintf(&body, "Subject: %s\r\n", subject)
	fmt.Fprintf(&body, "Date: %s\r\n", msg.Timestamp.Format(time.RFC1123Z))
	body.WriteString("MIME-Version: 1.0\r\n")
	body.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	body.WriteString(msg.Body)
	body.WriteString("\r\n")
	if msg.URL != "" {
		fmt.Fprintf(&body, "\r\nDetails: %s\r\n", msg.URL)
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.sendMail(ctx, c.addr, c.auth, c.from, []string{msg.Email}, body.Bytes())
	})
	return err
}

// sendMailContext is smtp.SendMail bounded by ctx: the dial honors it and
// the connection is closed once ctx is done, failing any stalled exchange.
func sendMailContext(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c, err := smtp.NewClient(conn, host)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := c.Hello("localhost"); err != nil {
		return err
	}
	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return err
		}
	}
	if a != nil {
		if err := c.Auth(a); err != nil {
			return err
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
}
