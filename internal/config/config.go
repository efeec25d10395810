package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"strings"
	"time"
)

// Config holds all runtime configuration for the flowdial daemon. Every
// flag except list-ports may also be given as FLOWDIAL_<FLAG>, with dashes
// as underscores; a flag on the command line wins over its variable.
type Config struct {
	DataDir     string
	HTTPPort    int
	LogLevel    string
	LogFormat   string // log output format: "text" or "json"
	CORSOrigins string
	JWTSecret   string // hex-encoded 32-byte secret for device JWT signing
	PairingPIN  string // PIN a companion device exchanges for a token

	Backend string // "modem" or "sip"

	ModemPort         string
	ModemBaud         int
	ModemPollInterval time.Duration
	ListPorts         bool // print serial ports and exit

	SIPListen      string
	SIPRegistrar   string
	SIPTransport   string
	SIPUser        string
	SIPAuthUser    string
	SIPPassword    string
	SIPDisplayName string
	SIPContactHost string
	SIPMediaIP     string // address advertised in SDP (auto-detected if empty)
	SIPRTPPort     int
	SIPExpiry      int

	FCMCredentials string // path to a Firebase service account file
	BlocklistDSN   string // PostgreSQL DSN for a shared blocklist
	CallLogMaxDays int    // 0 keeps entries forever

	// Missed call email; disabled unless MissedCallEmail and SMTPHost are set.
	MissedCallEmail string
	SMTPHost        string
	SMTPPort        string
	SMTPFrom        string
	SMTPUser        string
	SMTPPassword    string
	SMTPTLS         string // "none", "starttls" or "tls"
}

// Line backends.
const (
	BackendModem = "modem"
	BackendSIP   = "sip"
)

// defaults
const (
	defaultDataDir           = "./data"
	defaultHTTPPort          = 8080
	defaultLogLevel          = "info"
	defaultLogFormat         = "text"
	defaultBackend           = BackendModem
	defaultModemBaud         = 115200
	defaultModemPollInterval = time.Second
	defaultSIPListen         = "0.0.0.0:5060"
	defaultSIPTransport      = "udp"
	defaultSIPRTPPort        = 4000
	defaultSIPExpiry         = 300
	defaultCallLogMaxDays    = 90
	defaultSMTPPort          = "587"
	defaultSMTPTLS           = "starttls"
)

// envPrefix is the prefix for all flowdial environment variables.
const envPrefix = "FLOWDIAL_"

// Load reads the process arguments and environment.
func Load() (*Config, error) {
	return Parse(os.Args[1:], os.LookupEnv)
}

// Parse builds a Config from command line args and an environment lookup.
func Parse(args []string, lookupEnv func(string) (string, bool)) (*Config, error) {
	cfg := &Config{}
	fs := cfg.flagSet()
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}
	if err := fromEnv(fs, lookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) flagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("flowdial", flag.ContinueOnError)

	fs.StringVar(&c.DataDir, "data-dir", defaultDataDir, "data directory for the database")
	fs.IntVar(&c.HTTPPort, "http-port", defaultHTTPPort, "HTTP API listen port")
	fs.StringVar(&c.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&c.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&c.CORSOrigins, "cors-origins", "", "comma-separated browser origins allowed to call the API (* for any)")
	fs.StringVar(&c.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte device token signing key (stored in the database if empty)")
	fs.StringVar(&c.PairingPIN, "pairing-pin", "", "PIN companion devices use to pair (pairing disabled if empty)")
	fs.StringVar(&c.Backend, "backend", defaultBackend, "line backend (modem, sip)")

	fs.StringVar(&c.ModemPort, "modem-port", "", "serial port of the GSM modem (e.g. /dev/ttyUSB2)")
	fs.IntVar(&c.ModemBaud, "modem-baud", defaultModemBaud, "serial baud rate of the GSM modem")
	fs.DurationVar(&c.ModemPollInterval, "modem-poll-interval", defaultModemPollInterval, "interval between call list polls")
	fs.BoolVar(&c.ListPorts, "list-ports", false, "list serial ports and exit")

	fs.StringVar(&c.SIPListen, "sip-listen", defaultSIPListen, "local address for SIP signalling")
	fs.StringVar(&c.SIPRegistrar, "sip-registrar", "", "SIP registrar host[:port]")
	fs.StringVar(&c.SIPTransport, "sip-transport", defaultSIPTransport, "SIP transport (udp, tcp)")
	fs.StringVar(&c.SIPUser, "sip-user", "", "SIP username")
	fs.StringVar(&c.SIPAuthUser, "sip-auth-user", "", "SIP digest auth username (defaults to sip-user)")
	fs.StringVar(&c.SIPPassword, "sip-password", "", "SIP digest auth password")
	fs.StringVar(&c.SIPDisplayName, "sip-display-name", "", "display name sent with outgoing calls")
	fs.StringVar(&c.SIPContactHost, "sip-contact-host", "", "host peers use to reach this line (defaults to sip-media-ip)")
	fs.StringVar(&c.SIPMediaIP, "sip-media-ip", "", "IP address advertised in SDP (auto-detected if empty)")
	fs.IntVar(&c.SIPRTPPort, "sip-rtp-port", defaultSIPRTPPort, "RTP port advertised in SDP")
	fs.IntVar(&c.SIPExpiry, "sip-expiry", defaultSIPExpiry, "requested registration lifetime in seconds")

	fs.StringVar(&c.FCMCredentials, "fcm-credentials", "", "path to Firebase service account JSON (push disabled if empty)")
	fs.StringVar(&c.BlocklistDSN, "blocklist-dsn", "", "PostgreSQL DSN for a shared blocklist (local database if empty)")
	fs.IntVar(&c.CallLogMaxDays, "calllog-max-days", defaultCallLogMaxDays, "days to keep call log entries (0 keeps forever)")

	fs.StringVar(&c.MissedCallEmail, "missed-call-email", "", "address notified of missed calls (disabled if empty)")
	fs.StringVar(&c.SMTPHost, "smtp-host", "", "SMTP server hostname")
	fs.StringVar(&c.SMTPPort, "smtp-port", defaultSMTPPort, "SMTP server port")
	fs.StringVar(&c.SMTPFrom, "smtp-from", "", "sender address for notification email")
	fs.StringVar(&c.SMTPUser, "smtp-user", "", "SMTP auth username")
	fs.StringVar(&c.SMTPPassword, "smtp-password", "", "SMTP auth password")
	fs.StringVar(&c.SMTPTLS, "smtp-tls", defaultSMTPTLS, "SMTP transport security (none, starttls, tls)")
	return fs
}

// EnvName returns the environment variable that feeds flag name.
func EnvName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// fromEnv sets every flag that was not given on the command line from its
// environment variable. Values go through the flag's own parser, so a bad
// FLOWDIAL_HTTP_PORT fails the same way a bad --http-port does.
func fromEnv(fs *flag.FlagSet, lookupEnv func(string) (string, bool)) error {
	onCLI := map[string]bool{"list-ports": true}
	fs.Visit(func(f *flag.Flag) { onCLI[f.Name] = true })

	var errs []error
	fs.VisitAll(func(f *flag.Flag) {
		if onCLI[f.Name] {
			return
		}
		name := EnvName(f.Name)
		val, ok := lookupEnv(name)
		if !ok || val == "" {
			return
		}
		if err := fs.Set(f.Name, val); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	})
	return errors.Join(errs...)
}

func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	c.LogFormat = strings.ToLower(c.LogFormat)
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}

	if c.PairingPIN != "" {
		if len(c.PairingPIN) < 4 || len(c.PairingPIN) > 12 {
			return errors.New("pairing-pin must be 4 to 12 digits")
		}
		if strings.Trim(c.PairingPIN, "0123456789") != "" {
			return errors.New("pairing-pin must contain only digits")
		}
	}

	if c.CallLogMaxDays < 0 {
		return fmt.Errorf("calllog-max-days must not be negative, got %d", c.CallLogMaxDays)
	}

	if c.MissedCallEmail != "" {
		if c.SMTPHost == "" || c.SMTPFrom == "" {
			return errors.New("missed-call-email requires smtp-host and smtp-from")
		}
		c.SMTPTLS = strings.ToLower(c.SMTPTLS)
		switch c.SMTPTLS {
		case "none", "starttls", "tls":
		default:
			return fmt.Errorf("smtp-tls must be one of none, starttls, tls; got %q", c.SMTPTLS)
		}
	}

	if c.ListPorts {
		return nil
	}

	c.Backend = strings.ToLower(c.Backend)
	switch c.Backend {
	case BackendModem:
		return c.validateModem()
	case BackendSIP:
		return c.validateSIP()
	}
	return fmt.Errorf("backend must be one of modem, sip; got %q", c.Backend)
}

func (c *Config) validateModem() error {
	switch {
	case c.ModemPort == "":
		return errors.New("modem-port is required for the modem backend")
	case c.ModemBaud <= 0:
		return fmt.Errorf("modem-baud must be positive, got %d", c.ModemBaud)
	case c.ModemPollInterval < 100*time.Millisecond:
		return fmt.Errorf("modem-poll-interval must be at least 100ms, got %s", c.ModemPollInterval)
	}
	return nil
}

func (c *Config) validateSIP() error {
	c.SIPTransport = strings.ToLower(c.SIPTransport)
	switch {
	case c.SIPRegistrar == "":
		return errors.New("sip-registrar is required for the sip backend")
	case c.SIPUser == "":
		return errors.New("sip-user is required for the sip backend")
	case c.SIPTransport != "udp" && c.SIPTransport != "tcp":
		return fmt.Errorf("sip-transport must be one of udp, tcp; got %q", c.SIPTransport)
	case c.SIPRTPPort < 1024 || c.SIPRTPPort > 65534:
		return fmt.Errorf("sip-rtp-port must be between 1024 and 65534, got %d", c.SIPRTPPort)
	case c.SIPRTPPort%2 != 0:
		// RTCP takes the odd port above.
		return fmt.Errorf("sip-rtp-port must be even, got %d", c.SIPRTPPort)
	case c.SIPExpiry < 60:
		return fmt.Errorf("sip-expiry must be at least 60 seconds, got %d", c.SIPExpiry)
	}
	return nil
}

// CallLogMaxAge returns how long call log entries are kept, or 0 to keep
// them forever.
func (c *Config) CallLogMaxAge() time.Duration {
	return time.Duration(c.CallLogMaxDays) * 24 * time.Hour
}

// JWTSecretBytes decodes the token signing key. With no key configured a
// random one is generated and kept in JWTSecret, so the caller can persist
// it.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		var key [32]byte
		if _, err := rand.Read(key[:]); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key[:])
		slog.Warn("no jwt-secret configured, generated a new key")
	}
	key, err := hex.DecodeString(c.JWTSecret)
	switch {
	case err != nil:
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	case len(key) != 32:
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// CORSOriginList splits CORSOrigins into trimmed, non-empty origins.
func (c *Config) CORSOriginList() []string {
	var origins []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// MediaIP is the address advertised in SDP: sip-media-ip when set, else the
// first global IPv4 address of this host, else loopback.
func (c *Config) MediaIP() string {
	if c.SIPMediaIP != "" {
		return c.SIPMediaIP
	}
	addrs, _ := net.InterfaceAddrs()
	for _, a := range addrs {
		p, err := netip.ParsePrefix(a.String())
		if err != nil {
			continue
		}
		if ip := p.Addr(); ip.Is4() && !ip.IsLoopback() && !ip.IsLinkLocalUnicast() {
			return ip.String()
		}
	}
	return "127.0.0.1"
}

// SlogHandler builds the daemon's log handler.
func (c *Config) SlogHandler(w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel maps log-level onto slog, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
