package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	ini "gopkg.in/ini.v1"
)

// Settings holds application configuration loaded from settings.ini and
// the environment.
type Settings struct {
	sipHost            string
	sipPort            int
	sipUsername        string
	sipPassword        string
	sipDomain          string
	publicAddress      string
	userAgent          string
	registerExpires    int
	keepAlive          int
	transactionTimeout int
	inviteTimeout      int
	codecs             []uint8

	rtpAddress    string
	rtpPort       int
	jitterDepth   int
	pace          bool
	playoutFrames int

	agentID        string
	apiKey         string
	apiBaseURL     string
	prompt         string
	firstMessage   string
	connectTimeout int
}

// envOverrides maps environment variables onto ini keys.
var envOverrides = []struct {
	env, section, key string
}{
	{"PBX_HOST", "sip", "host"},
	{"PBX_PORT", "sip", "port"},
	{"PBX_USER", "sip", "username"},
	{"PBX_PASSWORD", "sip", "password"},
	{"PBX_PUBLIC_ADDRESS", "sip", "public_address"},
	{"ELEVENLABS_AGENT_ID", "convai", "agent_id"},
	{"ELEVENLABS_API_KEY", "convai", "api_key"},
}

// loadEnv reads a .env file into the process environment. A missing file
// is not an error.
func loadEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *ini.File) {
	for _, o := range envOverrides {
		if v, ok := os.LookupEnv(o.env); ok && v != "" {
			cfg.Section(o.section).Key(o.key).SetValue(v)
		}
	}
}

// LoadSettings reads configuration from ini file and validates required fields.
// Environment overrides are applied first.
func LoadSettings(cfg *ini.File) (*Settings, error) {
	applyEnv(cfg)
	s := &Settings{}

	sec := cfg.Section("sip")
	s.sipHost = sec.Key("host").String()
	s.sipPort = sec.Key("port").MustInt(5060)
	s.sipUsername = sec.Key("username").String()
	s.sipPassword = sec.Key("password").String()
	s.sipDomain = sec.Key("domain").String()
	s.publicAddress = sec.Key("public_address").String()
	s.userAgent = sec.Key("user_agent").MustString("pbxbridge")
	s.registerExpires = sec.Key("register_expires").MustInt(3600)
	s.keepAlive = sec.Key("keep_alive").MustInt(30)
	s.transactionTimeout = sec.Key("transaction_timeout").MustInt(32)
	s.inviteTimeout = sec.Key("invite_timeout").MustInt(60)
	sec.Key("codecs").MustString("0,8")
	codecs, err := parseCodecs(sec.Key("codecs").Strings(","))
	if err != nil {
		return nil, err
	}
	s.codecs = codecs

	sec = cfg.Section("rtp")
	s.rtpAddress = sec.Key("address").MustString("0.0.0.0")
	s.rtpPort = sec.Key("port").MustInt(10000)
	s.jitterDepth = sec.Key("jitter_depth").MustInt(0)
	s.pace = sec.Key("pace").MustBool(true)
	s.playoutFrames = sec.Key("playout_frames").MustInt(250)

	sec = cfg.Section("convai")
	s.agentID = sec.Key("agent_id").String()
	s.apiKey = sec.Key("api_key").String()
	s.apiBaseURL = sec.Key("base_url").String()
	s.prompt = sec.Key("prompt").String()
	s.firstMessage = sec.Key("first_message").String()
	s.connectTimeout = sec.Key("connect_timeout").MustInt(10)

	if s.sipHost == "" || s.sipUsername == "" {
		return nil, fmt.Errorf("sip host and username must be set")
	}
	if s.sipPort <= 0 || s.sipPort > 65535 {
		return nil, fmt.Errorf("invalid sip port %d", s.sipPort)
	}
	if s.rtpPort < 0 || s.rtpPort > 65535 {
		return nil, fmt.Errorf("invalid rtp port %d", s.rtpPort)
	}
	if s.jitterDepth < 0 {
		return nil, fmt.Errorf("invalid jitter depth %d", s.jitterDepth)
	}

	return s, nil
}

func parseCodecs(fields []string) ([]uint8, error) {
	var out []uint8
	for _, field := range fields {
		pt, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("invalid codec %q", field)
		}
		if pt != 0 && pt != 8 {
			return nil, fmt.Errorf("unsupported codec payload type %d", pt)
		}
		out = append(out, uint8(pt))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no codecs configured")
	}
	return out, nil
}

// CanFetchSignedURL reports whether an agent session can be requested
// without a signed URL from the caller.
func (s *Settings) CanFetchSignedURL() bool { return s.agentID != "" && s.apiKey != "" }

func (s *Settings) SIPHost() string       { return s.sipHost }
func (s *Settings) SIPPort() int          { return s.sipPort }
func (s *Settings) SIPUsername() string   { return s.sipUsername }
func (s *Settings) SIPPassword() string   { return s.sipPassword }
func (s *Settings) SIPDomain() string     { return s.sipDomain }
func (s *Settings) PublicAddress() string { return s.publicAddress }
func (s *Settings) UserAgent() string     { return s.userAgent }
func (s *Settings) Codecs() []uint8       { return s.codecs }

func (s *Settings) RegisterExpires() uint32 { return uint32(s.registerExpires) }

func (s *Settings) KeepAlive() time.Duration {
	return time.Duration(s.keepAlive) * time.Second
}

func (s *Settings) TransactionTimeout() time.Duration {
	return time.Duration(s.transactionTimeout) * time.Second
}

func (s *Settings) InviteTimeout() time.Duration {
	return time.Duration(s.inviteTimeout) * time.Second
}

func (s *Settings) RTPAddress() string { return s.rtpAddress }
func (s *Settings) RTPPort() int       { return s.rtpPort }
func (s *Settings) JitterDepth() int   { return s.jitterDepth }
func (s *Settings) Pace() bool         { return s.pace }
func (s *Settings) PlayoutFrames() int { return s.playoutFrames }

func (s *Settings) AgentID() string      { return s.agentID }
func (s *Settings) APIKey() string       { return s.apiKey }
func (s *Settings) APIBaseURL() string   { return s.apiBaseURL }
func (s *Settings) Prompt() string       { return s.prompt }
func (s *Settings) FirstMessage() string { return s.firstMessage }

func (s *Settings) ConnectTimeout() time.Duration {
	return time.Duration(s.connectTimeout) * time.Second
}
