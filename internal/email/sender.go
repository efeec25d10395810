// Package email sends missed call notifications over SMTP.
package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"strings"
	"time"
)

// Transport security modes for SMTPConfig.TLS.
const (
	TLSNone     = "none"
	TLSStartTLS = "starttls"
	TLSImplicit = "tls"
)

// SMTPConfig describes the relay used for outgoing mail. Username and
// Password are optional; auth is attempted only when both are set.
type SMTPConfig struct {
	Host     string
	Port     string
	From     string
	Username string
	Password string
	TLS      string
}

func (c SMTPConfig) check() error {
	switch {
	case c.Host == "":
		return errors.New("smtp host not set")
	case c.Port == "":
		return errors.New("smtp port not set")
	case c.From == "":
		return errors.New("smtp from address not set")
	}
	return nil
}

func (c SMTPConfig) mode() string {
	if c.TLS == "" {
		return TLSStartTLS
	}
	return strings.ToLower(c.TLS)
}

// MissedCall describes one unanswered incoming call.
type MissedCall struct {
	To          string
	Number      string
	DisplayName string
	Timestamp   time.Time
}

// caller is how the other party is shown in the subject and body.
func (mc MissedCall) caller() string {
	number := mc.Number
	if number == "" {
		number = "unknown number"
	}
	if mc.DisplayName == "" {
		return number
	}
	return mc.DisplayName + " <" + number + ">"
}

// client is the subset of *smtp.Client a send uses.
type client interface {
	Hello(localName string) error
	Extension(ext string) (bool, string)
	StartTLS(config *tls.Config) error
	Auth(a smtp.Auth) error
	Mail(from string) error
	Rcpt(to string) error
	Data() (io.WriteCloser, error)
	Quit() error
	Close() error
}

type dialer func(ctx context.Context, cfg SMTPConfig) (client, error)

// Sender delivers missed call emails. Each send opens its own connection.
type Sender struct {
	cfg    SMTPConfig
	logger *slog.Logger
	dial   dialer
	now    func() time.Time
}

// NewSender creates a Sender for the relay in cfg.
func NewSender(cfg SMTPConfig, logger *slog.Logger) *Sender {
	return &Sender{
		cfg:    cfg,
		logger: logger.With("subsystem", "email"),
		dial:   dialRelay,
		now:    time.Now,
	}
}

// SendMissedCall emails a missed call notification to mc.To.
func (s *Sender) SendMissedCall(ctx context.Context, mc MissedCall) error {
	if err := s.cfg.check(); err != nil {
		return err
	}
	if mc.To == "" {
		return errors.New("missed call email has no recipient")
	}
	msg, err := s.compose(mc)
	if err != nil {
		return err
	}

	c, err := s.dial(ctx, s.cfg)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", s.cfg.Host, err)
	}
	defer c.Close()

	steps := []struct {
		name string
		run  func() error
	}{
		{"hello", func() error { return c.Hello("localhost") }},
		{"starttls", func() error {
			if s.cfg.mode() != TLSStartTLS {
				return nil
			}
			if ok, _ := c.Extension("STARTTLS"); !ok {
				return errors.New("server does not offer STARTTLS")
			}
			return c.StartTLS(&tls.Config{ServerName: s.cfg.Host})
		}},
		{"auth", func() error {
			if s.cfg.Username == "" || s.cfg.Password == "" {
				return nil
			}
			return c.Auth(smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host))
		}},
		{"mail from", func() error { return c.Mail(s.cfg.From) }},
		{"rcpt to", func() error { return c.Rcpt(mc.To) }},
		{"data", func() error {
			w, err := c.Data()
			if err != nil {
				return err
			}
			if _, err := w.Write(msg); err != nil {
				w.Close()
				return err
			}
			return w.Close()
		}},
	}
	for _, step := range steps {
		if err := step.run(); err != nil {
			return fmt.Errorf("smtp %s: %w", step.name, err)
		}
	}

	if err := c.Quit(); err != nil {
		s.logger.Debug("smtp quit failed after delivery", "error", err)
	}
	s.logger.Info("missed call email sent", "to", mc.To, "number", mc.Number)
	return nil
}

// compose renders the message with RFC 5322 headers. Display names are
// encoded so non-ASCII callers survive.
func (s *Sender) compose(mc MissedCall) ([]byte, error) {
	from, err := mail.ParseAddress(s.cfg.From)
	if err != nil {
		return nil, fmt.Errorf("parsing from address: %w", err)
	}
	to, err := mail.ParseAddress(mc.To)
	if err != nil {
		return nil, fmt.Errorf("parsing recipient address: %w", err)
	}

	caller := mc.caller()
	var b bytes.Buffer
	headers := [][2]string{
		{"From", from.String()},
		{"To", to.String()},
		{"Subject", mime.QEncoding.Encode("utf-8", "Missed call from "+caller)},
		{"Date", s.now().Format(time.RFC1123Z)},
		{"MIME-Version", "1.0"},
		{"Content-Type", "text/plain; charset=utf-8"},
	}
	for _, h := range headers {
		b.WriteString(h[0] + ": " + h[1] + "\r\n")
	}
	b.WriteString("\r\n")
	fmt.Fprintf(&b, "You missed a call.\r\n\r\nFrom: %s\r\nDate: %s\r\n",
		caller, mc.Timestamp.Format("Mon, 02 Jan 2006 3:04 PM"))
	return b.Bytes(), nil
}

// dialRelay connects in plain TCP or, for TLSImplicit, straight into TLS.
func dialRelay(ctx context.Context, cfg SMTPConfig) (client, error) {
	addr := net.JoinHostPort(cfg.Host, cfg.Port)
	nd := &net.Dialer{Timeout: 10 * time.Second}

	var conn net.Conn
	var err error
	if cfg.mode() == TLSImplicit {
		conn, err = (&tls.Dialer{NetDialer: nd, Config: &tls.Config{ServerName: cfg.Host}}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = nd.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}
	c, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}
