package smtp

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"

	"github.com/shineum/elasticemail-relay/internal/elasticemail"
	"github.com/shineum/elasticemail-relay/internal/email"
	relaytls "github.com/shineum/elasticemail-relay/internal/tls"
)

// mockProvider implements provider.Provider for testing.
type mockProvider struct {
	mu      sync.Mutex
	msgs    []*email.Email
	sendErr error
}

func (m *mockProvider) Send(_ context.Context, msg *email.Email) (*email.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msg)
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	return &email.Receipt{Provider: "mock", MessageID: "mock-id", TransactionID: "mock-tx"}, nil
}

func (m *mockProvider) Name() string {
	return "mock"
}

func (m *mockProvider) last() *email.Email {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.msgs) == 0 {
		return nil
	}
	return m.msgs[len(m.msgs)-1]
}

// startServer runs a relay on a random local port until the test ends.
func startServer(t *testing.T, cfg ServerConfig) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	if cfg.Domain == "" {
		cfg.Domain = "mail.test.com"
	}
	srv := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Serve returned error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})

	return ln.Addr().String()
}

func dial(t *testing.T, addr string) *gosmtp.Client {
	t.Helper()
	c, err := gosmtp.Dial(addr)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	if err := c.Hello("client.test.com"); err != nil {
		t.Fatalf("EHLO failed: %v", err)
	}
	return c
}

func smtpCode(t *testing.T, err error) int {
	t.Helper()
	var smtpErr *gosmtp.SMTPError
	if !errors.As(err, &smtpErr) {
		t.Fatalf("expected *SMTPError, got %T: %v", err, err)
	}
	return smtpErr.Code
}

const testMessage = "From: Sender <sender@example.com>\r\n" +
	"To: recipient@example.com\r\n" +
	"Subject: Test Email\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"Hello, this is a test email.\r\n"

func TestSession_Greeting(t *testing.T) {
	t.Parallel()

	addr := startServer(t, ServerConfig{Provider: &mockProvider{}})

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer conn.Close()

	greeting, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("failed to read greeting: %v", err)
	}
	if !strings.HasPrefix(greeting, "220 mail.test.com") {
		t.Errorf("greeting: got %q, want prefix %q", greeting, "220 mail.test.com")
	}
}

func TestSession_EHLOAdvertisesAuth(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		cfg      ServerConfig
		wantAuth bool
	}{
		{
			name:     "auth configured",
			cfg:      ServerConfig{AuthUsername: "user", AuthPassword: "pass", AllowInsecureAuth: true},
			wantAuth: true,
		},
		{
			name: "no credentials",
			cfg:  ServerConfig{AllowInsecureAuth: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tt.cfg.Provider = &mockProvider{}
			c := dial(t, startServer(t, tt.cfg))

			ok, params := c.Extension("AUTH")
			if ok != tt.wantAuth {
				t.Fatalf("AUTH advertised: got %v, want %v", ok, tt.wantAuth)
			}
			if ok && !strings.Contains(params, "PLAIN") {
				t.Errorf("AUTH params: got %q, want PLAIN", params)
			}
		})
	}
}

func TestSession_MailTransaction_NoAuth(t *testing.T) {
	t.Parallel()

	prov := &mockProvider{}
	c := dial(t, startServer(t, ServerConfig{Provider: prov}))

	err := c.SendMail("sender@example.com", []string{"recipient@example.com"}, strings.NewReader(testMessage))
	if err != nil {
		t.Fatalf("SendMail failed: %v", err)
	}

	msg := prov.last()
	if msg == nil {
		t.Fatal("provider did not receive message")
	}
	if msg.Subject != "Test Email" {
		t.Errorf("Subject: got %q, want %q", msg.Subject, "Test Email")
	}
	if len(msg.From) != 1 || msg.From[0].Name != "Sender" {
		t.Errorf("From: got %+v", msg.From)
	}
	if len(msg.Bcc) != 0 {
		t.Errorf("Bcc: got %+v, want none", msg.Bcc)
	}
}

func TestSession_AuthenticatedTransaction(t *testing.T) {
	t.Parallel()

	prov := &mockProvider{}
	c := dial(t, startServer(t, ServerConfig{
		Provider:          prov,
		AuthUsername:      "user",
		AuthPassword:      "pass",
		AllowInsecureAuth: true,
	}))

	if err := c.Auth(sasl.NewPlainClient("", "user", "pass")); err != nil {
		t.Fatalf("AUTH failed: %v", err)
	}
	if err := c.SendMail("sender@example.com", []string{"recipient@example.com"}, strings.NewReader(testMessage)); err != nil {
		t.Fatalf("SendMail failed: %v", err)
	}
	if prov.last() == nil {
		t.Fatal("provider did not receive message")
	}
}

func TestSession_AuthBeforeMailFrom(t *testing.T) {
	t.Parallel()

	prov := &mockProvider{}
	c := dial(t, startServer(t, ServerConfig{
		Provider:          prov,
		AuthUsername:      "user",
		AuthPassword:      "pass",
		AllowInsecureAuth: true,
	}))

	err := c.Mail("sender@example.com", nil)
	if err == nil {
		t.Fatal("expected MAIL FROM to be refused before AUTH")
	}
	if code := smtpCode(t, err); code != 530 {
		t.Errorf("MAIL FROM code: got %d, want 530", code)
	}
}

func TestSession_WrongCredentials(t *testing.T) {
	t.Parallel()

	c := dial(t, startServer(t, ServerConfig{
		Provider:          &mockProvider{},
		AuthUsername:      "user",
		AuthPassword:      "pass",
		AllowInsecureAuth: true,
	}))

	err := c.Auth(sasl.NewPlainClient("", "user", "wrong"))
	if err == nil {
		t.Fatal("expected AUTH to fail")
	}
	if code := smtpCode(t, err); code != 535 {
		t.Errorf("AUTH code: got %d, want 535", code)
	}
}

func TestSession_EnvelopeOnlyRecipientBecomesBcc(t *testing.T) {
	t.Parallel()

	prov := &mockProvider{}
	c := dial(t, startServer(t, ServerConfig{Provider: prov}))

	err := c.SendMail("sender@example.com",
		[]string{"recipient@example.com", "hidden@example.com"},
		strings.NewReader(testMessage))
	if err != nil {
		t.Fatalf("SendMail failed: %v", err)
	}

	msg := prov.last()
	if len(msg.To) != 1 || msg.To[0].Email != "recipient@example.com" {
		t.Errorf("To: got %+v", msg.To)
	}
	if len(msg.Bcc) != 1 || msg.Bcc[0].Email != "hidden@example.com" {
		t.Errorf("Bcc: got %+v, want hidden@example.com", msg.Bcc)
	}
}

func TestSession_ProviderErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		sendErr  error
		wantCode int
	}{
		{
			name:     "permanent rejection",
			sendErr:  &elasticemail.TransportError{Kind: elasticemail.KindRejectedByProvider, StatusCode: 400},
			wantCode: 554,
		},
		{
			name:     "throttled",
			sendErr:  &elasticemail.TransportError{Kind: elasticemail.KindRejectedByProvider, StatusCode: 429},
			wantCode: 451,
		},
		{
			name:     "unreachable",
			sendErr:  &elasticemail.TransportError{Kind: elasticemail.KindUnreachable},
			wantCode: 451,
		},
		{
			name:     "malformed response",
			sendErr:  &elasticemail.TransportError{Kind: elasticemail.KindMalformedResponse, StatusCode: 200},
			wantCode: 451,
		},
		{
			name:     "unknown error",
			sendErr:  errors.New("boom"),
			wantCode: 451,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			prov := &mockProvider{sendErr: tt.sendErr}
			c := dial(t, startServer(t, ServerConfig{Provider: prov}))

			err := c.SendMail("sender@example.com", []string{"recipient@example.com"}, strings.NewReader(testMessage))
			if err == nil {
				t.Fatal("expected SendMail to fail")
			}
			if code := smtpCode(t, err); code != tt.wantCode {
				t.Errorf("DATA code: got %d, want %d", code, tt.wantCode)
			}
		})
	}
}

func TestSession_UnparseableMessage(t *testing.T) {
	t.Parallel()

	prov := &mockProvider{}
	c := dial(t, startServer(t, ServerConfig{Provider: prov}))

	raw := "From: sender@example.com\r\n" +
		"Content-Type: multipart/mixed\r\n" +
		"\r\n" +
		"no boundary here\r\n"

	err := c.SendMail("sender@example.com", []string{"recipient@example.com"}, strings.NewReader(raw))
	if err == nil {
		t.Fatal("expected SendMail to fail")
	}
	if code := smtpCode(t, err); code != 550 {
		t.Errorf("DATA code: got %d, want 550", code)
	}
	if prov.last() != nil {
		t.Error("provider must not be called for an unparseable message")
	}
}

func TestSession_STARTTLSThenAuth(t *testing.T) {
	t.Parallel()

	serverTLS, err := relaytls.LoadOrGenerate("", "", "127.0.0.1")
	if err != nil {
		t.Fatalf("failed to create TLS config: %v", err)
	}
	leaf, err := x509.ParseCertificate(serverTLS.Certificates[0].Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	prov := &mockProvider{}
	addr := startServer(t, ServerConfig{
		Provider:     prov,
		TLSConfig:    serverTLS,
		AuthUsername: "user",
		AuthPassword: "pass",
	})
	c := dial(t, addr)

	if ok, _ := c.Extension("AUTH"); ok {
		t.Error("AUTH must not be advertised before STARTTLS")
	}
	if ok, _ := c.Extension("STARTTLS"); !ok {
		t.Fatal("STARTTLS not advertised")
	}
	c, err = gosmtp.DialStartTLS(addr, &tls.Config{RootCAs: pool, ServerName: "127.0.0.1"})
	if err != nil {
		t.Fatalf("STARTTLS failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	if err := c.Auth(sasl.NewPlainClient("", "user", "pass")); err != nil {
		t.Fatalf("AUTH over TLS failed: %v", err)
	}
	if err := c.SendMail("sender@example.com", []string{"recipient@example.com"}, strings.NewReader(testMessage)); err != nil {
		t.Fatalf("SendMail failed: %v", err)
	}
	if prov.last() == nil {
		t.Fatal("provider did not receive message")
	}
}

func TestSession_RSETKeepsAuth(t *testing.T) {
	t.Parallel()

	prov := &mockProvider{}
	c := dial(t, startServer(t, ServerConfig{
		Provider:          prov,
		AuthUsername:      "user",
		AuthPassword:      "pass",
		AllowInsecureAuth: true,
	}))

	if err := c.Auth(sasl.NewPlainClient("", "user", "pass")); err != nil {
		t.Fatalf("AUTH failed: %v", err)
	}
	if err := c.Mail("first@example.com", nil); err != nil {
		t.Fatalf("MAIL FROM failed: %v", err)
	}
	if err := c.Reset(); err != nil {
		t.Fatalf("RSET failed: %v", err)
	}
	if err := c.SendMail("sender@example.com", []string{"recipient@example.com"}, strings.NewReader(testMessage)); err != nil {
		t.Fatalf("SendMail after RSET failed: %v", err)
	}
}

func TestApplyEnvelope(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		msg     *email.Email
		from    string
		rcpts   []string
		wantTo  []string
		wantBcc []string
		wantFrm string
	}{
		{
			name:    "headers missing",
			msg:     &email.Email{},
			from:    "env@example.com",
			rcpts:   []string{"a@example.com", "b@example.com"},
			wantTo:  []string{"a@example.com", "b@example.com"},
			wantFrm: "env@example.com",
		},
		{
			name: "header recipients kept",
			msg: &email.Email{
				From: []email.Address{{Email: "hdr@example.com"}},
				Cc:   []email.Address{{Email: "A@example.com"}},
			},
			from:    "env@example.com",
			rcpts:   []string{"a@example.com", "c@example.com"},
			wantBcc: []string{"c@example.com"},
			wantFrm: "hdr@example.com",
		},
		{
			name:    "empty envelope sender",
			msg:     &email.Email{To: []email.Address{{Email: "a@example.com"}}},
			rcpts:   []string{"a@example.com"},
			wantTo:  []string{"a@example.com"},
			wantFrm: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			applyEnvelope(tt.msg, tt.from, tt.rcpts)

			if got := emails(tt.msg.To); !equal(got, tt.wantTo) {
				t.Errorf("To: got %v, want %v", got, tt.wantTo)
			}
			if got := emails(tt.msg.Bcc); !equal(got, tt.wantBcc) {
				t.Errorf("Bcc: got %v, want %v", got, tt.wantBcc)
			}
			gotFrom := ""
			if len(tt.msg.From) > 0 {
				gotFrom = tt.msg.From[0].Email
			}
			if gotFrom != tt.wantFrm {
				t.Errorf("From: got %q, want %q", gotFrom, tt.wantFrm)
			}
		})
	}
}

func emails(addrs []email.Address) []string {
	var out []string
	for _, a := range addrs {
		out = append(out, a.Email)
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
