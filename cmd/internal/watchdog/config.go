package watchdog

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultInactivityTimeout = 30 * time.Minute
	DefaultLoginPath         = "/login"
	DefaultSignOutAttempts   = 2
	DefaultLogoutTimeout     = 10 * time.Second

	variantDestructive = "destructive"
)

// Config is the watchdog policy.
type Config struct {
	InactivityTimeout time.Duration
	ProtectedPrefixes []string
	LoginPath         string
	// SignOutAttempts is the total number of sign-out tries before the
	// local credentials are cleared without server confirmation.
	SignOutAttempts int
	LogoutTimeout   time.Duration
	Notices         map[Reason]Notice
}

func DefaultConfig() Config {
	return Config{
		InactivityTimeout: DefaultInactivityTimeout,
		ProtectedPrefixes: []string{"/dashboard", "/courses/", "/account"},
		LoginPath:         DefaultLoginPath,
		SignOutAttempts:   DefaultSignOutAttempts,
		LogoutTimeout:     DefaultLogoutTimeout,
		Notices:           defaultNotices(),
	}
}

func defaultNotices() map[Reason]Notice {
	return map[Reason]Notice{
		ReasonInactivity: {
			Reason:      ReasonInactivity,
			Title:       "Session Expired",
			Description: "Your session expired due to inactivity. Please sign in again.",
			Variant:     variantDestructive,
		},
		ReasonSessionSuperseded: {
			Reason:      ReasonSessionSuperseded,
			Title:       "Session Invalidated",
			Description: "A new login was detected on another device. Please sign in again.",
			Variant:     variantDestructive,
		},
	}
}

// policyFile mirrors the TOML policy layout. Durations are strings ("30m").
type policyFile struct {
	InactivityTimeout string   `toml:"inactivity_timeout"`
	ProtectedPrefixes []string `toml:"protected_prefixes"`
	LoginPath         string   `toml:"login_path"`
	SignOutAttempts   int      `toml:"signout_attempts"`
	LogoutTimeout     string   `toml:"logout_timeout"`
	Notices           struct {
		Inactivity        *Notice `toml:"inactivity"`
		SessionSuperseded *Notice `toml:"session_superseded"`
	} `toml:"notices"`
}

// LoadConfigFile overlays a TOML policy file on top of base.
// Keys missing from the file keep their base value.
func LoadConfigFile(base Config, file string) (Config, error) {
	var pf policyFile
	if _, err := toml.DecodeFile(file, &pf); err != nil {
		return Config{}, fmt.Errorf("%w: decode %s: %v", ErrConfig, file, err)
	}

	cfg := base.clone()
	if s := strings.TrimSpace(pf.InactivityTimeout); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return Config{}, fmt.Errorf("%w: inactivity_timeout: %v", ErrConfig, err)
		}
		cfg.InactivityTimeout = d
	}
	if s := strings.TrimSpace(pf.LogoutTimeout); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return Config{}, fmt.Errorf("%w: logout_timeout: %v", ErrConfig, err)
		}
		cfg.LogoutTimeout = d
	}
	if len(pf.ProtectedPrefixes) > 0 {
		cfg.ProtectedPrefixes = append([]string(nil), pf.ProtectedPrefixes...)
	}
	if s := strings.TrimSpace(pf.LoginPath); s != "" {
		cfg.LoginPath = s
	}
	if pf.SignOutAttempts != 0 {
		cfg.SignOutAttempts = pf.SignOutAttempts
	}
	if n := pf.Notices.Inactivity; n != nil {
		cfg.Notices[ReasonInactivity] = mergeNotice(cfg.Notices[ReasonInactivity], *n)
	}
	if n := pf.Notices.SessionSuperseded; n != nil {
		cfg.Notices[ReasonSessionSuperseded] = mergeNotice(cfg.Notices[ReasonSessionSuperseded], *n)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func mergeNotice(base, over Notice) Notice {
	if s := strings.TrimSpace(over.Title); s != "" {
		base.Title = s
	}
	if s := strings.TrimSpace(over.Description); s != "" {
		base.Description = s
	}
	if s := strings.TrimSpace(over.Variant); s != "" {
		base.Variant = s
	}
	return base
}

func (c Config) clone() Config {
	out := c
	out.ProtectedPrefixes = append([]string(nil), c.ProtectedPrefixes...)
	out.Notices = make(map[Reason]Notice, len(c.Notices))
	for k, v := range c.Notices {
		out.Notices[k] = v
	}
	return out
}

func (c Config) Validate() error {
	if c.InactivityTimeout <= 0 {
		return fmt.Errorf("%w: inactivity timeout must be > 0", ErrConfig)
	}
	if c.SignOutAttempts < 1 || c.SignOutAttempts > 5 {
		return fmt.Errorf("%w: signout attempts must be in [1,5]", ErrConfig)
	}
	if !strings.HasPrefix(c.LoginPath, "/") {
		return fmt.Errorf("%w: login path must be absolute", ErrConfig)
	}
	if len(c.ProtectedPrefixes) == 0 {
		return fmt.Errorf("%w: no protected prefixes", ErrConfig)
	}
	for _, p := range c.ProtectedPrefixes {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("%w: protected prefix %q must be absolute", ErrConfig, p)
		}
	}
	if c.IsProtected(c.LoginPath) {
		return fmt.Errorf("%w: login path %q falls inside a protected prefix", ErrConfig, c.LoginPath)
	}
	return nil
}

// IsProtected reports whether view falls inside the protected area.
// A prefix ending in "/" matches only strict descendants.
func (c Config) IsProtected(view string) bool {
	view = strings.TrimSpace(view)
	if view == "" {
		return false
	}
	if i := strings.IndexAny(view, "?#"); i >= 0 {
		view = view[:i]
	}
	view = path.Clean("/" + view)

	for _, p := range c.ProtectedPrefixes {
		if strings.HasSuffix(p, "/") {
			if strings.HasPrefix(view, p) && len(view) > len(p) {
				return true
			}
			continue
		}
		if view == p || strings.HasPrefix(view, p+"/") {
			return true
		}
	}
	return false
}

// NoticeFor returns the notice for reason, falling back to the built-in text.
func (c Config) NoticeFor(r Reason) Notice {
	if n, ok := c.Notices[r]; ok {
		n.Reason = r
		return n
	}
	n := defaultNotices()[r]
	n.Reason = r
	return n
}
