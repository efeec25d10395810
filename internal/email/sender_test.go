package email

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// relay is a scripted SMTP client that records the conversation.
type relay struct {
	transcript []string
	body       strings.Builder
	noSTARTTLS bool
	fail       map[string]error
}

func (r *relay) step(name string) error {
	r.transcript = append(r.transcript, name)
	return r.fail[name]
}

func (r *relay) Hello(string) error { return r.step("HELO") }
func (r *relay) Extension(ext string) (bool, string) {
	return ext == "STARTTLS" && !r.noSTARTTLS, ""
}
func (r *relay) StartTLS(*tls.Config) error { return r.step("STARTTLS") }
func (r *relay) Auth(smtp.Auth) error       { return r.step("AUTH") }
func (r *relay) Mail(from string) error     { return r.step("MAIL " + from) }
func (r *relay) Rcpt(to string) error       { return r.step("RCPT " + to) }
func (r *relay) Data() (io.WriteCloser, error) {
	if err := r.step("DATA"); err != nil {
		return nil, err
	}
	return dataWriter{r}, nil
}
func (r *relay) Quit() error  { return r.step("QUIT") }
func (r *relay) Close() error { r.transcript = append(r.transcript, "CLOSE"); return nil }

type dataWriter struct{ r *relay }

func (w dataWriter) Write(p []byte) (int, error) {
	if err := w.r.fail["write"]; err != nil {
		return 0, err
	}
	return w.r.body.Write(p)
}

func (w dataWriter) Close() error { return nil }

func testSender(cfg SMTPConfig, r *relay) *Sender {
	s := NewSender(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.dial = func(context.Context, SMTPConfig) (client, error) { return r, nil }
	s.now = func() time.Time { return time.Date(2025, 6, 15, 10, 31, 0, 0, time.UTC) }
	return s
}

var relayConfig = SMTPConfig{
	Host:     "mail.example.com",
	Port:     "587",
	From:     "line@example.com",
	Username: "user",
	Password: "pass",
	TLS:      TLSStartTLS,
}

func TestSendMissedCallConversation(t *testing.T) {
	r := &relay{}
	err := testSender(relayConfig, r).SendMissedCall(context.Background(), MissedCall{
		To:          "me@example.com",
		Number:      "+61400000000",
		DisplayName: "John Doe",
		Timestamp:   time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"HELO", "STARTTLS", "AUTH",
		"MAIL line@example.com", "RCPT me@example.com", "DATA", "QUIT", "CLOSE",
	}, r.transcript)

	body := r.body.String()
	assert.Contains(t, body, "Subject: Missed call from John Doe <+61400000000>\r\n")
	assert.Contains(t, body, "To: <me@example.com>\r\n")
	assert.Contains(t, body, "Date: Sun, 15 Jun 2025 10:31:00 +0000\r\n")
	assert.Contains(t, body, "Date: Sun, 15 Jun 2025 10:30 AM")
}

func TestSendMissedCallPlainRelay(t *testing.T) {
	r := &relay{}
	cfg := SMTPConfig{Host: "mail.example.com", Port: "25", From: "line@example.com", TLS: TLSNone}

	require.NoError(t, testSender(cfg, r).SendMissedCall(context.Background(), MissedCall{To: "me@example.com"}))

	assert.NotContains(t, r.transcript, "STARTTLS")
	assert.NotContains(t, r.transcript, "AUTH")
	assert.Contains(t, r.body.String(), "Subject: Missed call from unknown number")
}

func TestSendMissedCallEncodesNonASCIIName(t *testing.T) {
	r := &relay{}
	require.NoError(t, testSender(relayConfig, r).SendMissedCall(context.Background(), MissedCall{
		To: "me@example.com", Number: "0299998888", DisplayName: "Zoë",
	}))
	assert.Contains(t, r.body.String(), "Subject: =?utf-8?q?")
}

func TestSendMissedCallRefusesMissingSTARTTLS(t *testing.T) {
	r := &relay{noSTARTTLS: true}
	err := testSender(relayConfig, r).SendMissedCall(context.Background(), MissedCall{To: "me@example.com"})
	require.ErrorContains(t, err, "smtp starttls")
	assert.NotContains(t, r.transcript, "AUTH", "credentials must not cross a plain connection")
}

func TestSendMissedCallStepFailures(t *testing.T) {
	for step, want := range map[string]string{
		"AUTH":                  "smtp auth",
		"MAIL line@example.com": "smtp mail from",
		"RCPT me@example.com":   "smtp rcpt to",
		"DATA":                  "smtp data",
		"write":                 "smtp data",
	} {
		t.Run(step, func(t *testing.T) {
			boom := errors.New("boom")
			r := &relay{fail: map[string]error{step: boom}}
			err := testSender(relayConfig, r).SendMissedCall(context.Background(), MissedCall{To: "me@example.com"})
			require.ErrorIs(t, err, boom)
			assert.ErrorContains(t, err, want)
			assert.Equal(t, "CLOSE", r.transcript[len(r.transcript)-1])
		})
	}
}

func TestSendMissedCallQuitFailureIsNotFatal(t *testing.T) {
	r := &relay{fail: map[string]error{"QUIT": errors.New("connection reset")}}
	assert.NoError(t, testSender(relayConfig, r).SendMissedCall(context.Background(), MissedCall{To: "me@example.com"}))
}

func TestSendMissedCallRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		cfg  SMTPConfig
		to   string
		want string
	}{
		{"no host", SMTPConfig{Port: "587", From: "line@example.com"}, "me@example.com", "smtp host not set"},
		{"no port", SMTPConfig{Host: "mail.example.com", From: "line@example.com"}, "me@example.com", "smtp port not set"},
		{"no from", SMTPConfig{Host: "mail.example.com", Port: "587"}, "me@example.com", "smtp from address not set"},
		{"no recipient", relayConfig, "", "no recipient"},
		{"bad recipient", relayConfig, "not an address", "parsing recipient address"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &relay{}
			err := testSender(tt.cfg, r).SendMissedCall(context.Background(), MissedCall{To: tt.to})
			require.ErrorContains(t, err, tt.want)
			assert.Empty(t, r.transcript, "nothing may be dialled for invalid input")
		})
	}
}
