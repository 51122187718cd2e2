// ABOUTME: Per-platform bridge bot descriptors: directives, reply patterns, timing
// ABOUTME: One table parameterizes the shared handshake and monitor control flow

package bridge

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// LoginArtifact describes what, if anything, the handshake must extract from
// the bot's replies before the connect call can return.
type LoginArtifact int

const (
	// ArtifactNone means the handshake completes as soon as the login
	// directive is sent.
	ArtifactNone LoginArtifact = iota
	// ArtifactURL means the bot replies with a login URL the user must open.
	ArtifactURL
	// ArtifactPairingCode means the bot replies with a short pairing code the
	// user enters on their device.
	ArtifactPairingCode
	// ArtifactMediaURL means the bot posts an image (QR code) whose content
	// URI is returned to the user.
	ArtifactMediaURL
)

// Platform describes how one external network's bridge bot is driven. The
// handshake and monitor are identical across platforms; only this descriptor
// varies.
type Platform struct {
	Name string

	// CancelDirective aborts any previous login attempt. Sent before the
	// login directive when non-empty; some bots reject a second login while
	// one is pending, others don't care.
	CancelDirective string

	// LoginCommand is the directive that starts a login. A %s placeholder is
	// filled with the credential payload.
	LoginCommand string

	// SendPayloadSeparately sends the credential payload as its own message
	// after the login command, for bots that read raw credential blobs.
	SendPayloadSeparately bool

	// Artifact and ArtifactPattern control what the handshake extracts from
	// the bot's replies before returning.
	Artifact        LoginArtifact
	ArtifactPattern *regexp.Regexp

	// KeepAliveDirective is re-sent on every monitor tick to keep the bot
	// talking while the user completes an out-of-band login.
	KeepAliveDirective string

	// SuccessPatterns and FailurePatterns classify bot replies during
	// monitoring. Substring match; an all-lowercase pattern matches
	// case-insensitively, a mixed-case one matches exactly. Success is
	// checked first.
	SuccessPatterns []string
	FailurePatterns []string

	// PostConnectDirectives are sent after the connected transition,
	// fire-and-forget with a short delay between each.
	PostConnectDirectives []string

	// CleanupDirectives are sent best-effort during disconnect.
	CleanupDirectives []string

	// MonitorBudget bounds the confirmation poll. Platforms with out-of-band
	// login get a longer budget for the user to finish on their device.
	MonitorBudget time.Duration
	// MonitorTick is the confirmation poll interval.
	MonitorTick time.Duration
}

// LoginDirectives returns the messages that start a login, in send order.
func (p *Platform) LoginDirectives(payload string) []string {
	cmd := p.LoginCommand
	if strings.Contains(cmd, "%s") {
		cmd = fmt.Sprintf(cmd, payload)
	}
	directives := []string{cmd}
	if p.SendPayloadSeparately && payload != "" {
		directives = append(directives, payload)
	}
	return directives
}

// sharedFailurePatterns are emitted by every bridge bot on a failed login.
var sharedFailurePatterns = []string{
	"error", "failed", "timeout", "disconnected", "invalid code",
	"connection lost", "authentication failed", "login failed",
}

var (
	pairingCodePattern = regexp.MustCompile(`([A-Z0-9]{4}-[A-Z0-9]{4})`)
	markdownURLPattern = regexp.MustCompile(`\((https?://[^\)]+)\)`)
)

var platforms = map[string]*Platform{
	"whatsapp": {
		Name:                  "whatsapp",
		CancelDirective:       "!wa cancel",
		LoginCommand:          "!wa login phone %s",
		Artifact:              ArtifactPairingCode,
		ArtifactPattern:       pairingCodePattern,
		SuccessPatterns:       []string{"successfully logged in as"},
		FailurePatterns:       sharedFailurePatterns,
		PostConnectDirectives: []string{"!wa sync contacts --create-portals", "!wa sync groups --create-portals"},
		CleanupDirectives:     []string{"!wa logout", "!wa delete-all-portals", "!wa delete-session"},
		MonitorBudget:         5 * time.Minute,
		MonitorTick:           3 * time.Second,
	},
	"telegram": {
		Name:               "telegram",
		CancelDirective:    "!tg cancel",
		LoginCommand:       "!tg login",
		Artifact:           ArtifactURL,
		ArtifactPattern:    markdownURLPattern,
		KeepAliveDirective: "login",
		// Mixed case on purpose: the bot's "you are not logged in" notice
		// must stay neutral.
		SuccessPatterns:       []string{"Logged in", "You are already logged in"},
		FailurePatterns:       sharedFailurePatterns,
		PostConnectDirectives: []string{"sync contacts", "sync chats"},
		CleanupDirectives:     []string{"logout", "clean-rooms"},
		MonitorBudget:         10 * time.Minute,
		MonitorTick:           5 * time.Second,
	},
	"signal": {
		Name:              "signal",
		LoginCommand:      "!signal login",
		Artifact:          ArtifactMediaURL,
		SuccessPatterns:   []string{"successfully logged in"},
		FailurePatterns:   sharedFailurePatterns,
		CleanupDirectives: []string{"!signal logout", "!signal delete-all-portals", "!signal clean-rooms", "!signal delete-session"},
		MonitorBudget:     10 * time.Minute,
		MonitorTick:       5 * time.Second,
	},
	"messenger": {
		Name:                  "messenger",
		LoginCommand:          "login messenger",
		SendPayloadSeparately: true,
		SuccessPatterns:       []string{"successful login"},
		FailurePatterns:       sharedFailurePatterns,
		CleanupDirectives:     []string{"logout", "delete-all-portals", "delete-session"},
		MonitorBudget:         5 * time.Minute,
		MonitorTick:           3 * time.Second,
	},
	"instagram": {
		Name:                  "instagram",
		LoginCommand:          "login instagram",
		SendPayloadSeparately: true,
		SuccessPatterns:       []string{"successful login"},
		FailurePatterns:       sharedFailurePatterns,
		CleanupDirectives:     []string{"logout", "delete-all-portals", "delete-session"},
		MonitorBudget:         5 * time.Minute,
		MonitorTick:           3 * time.Second,
	},
}

// Lookup returns the descriptor for a platform name.
func Lookup(name string) (*Platform, bool) {
	p, ok := platforms[name]
	return p, ok
}

// Platforms returns the names of all supported platforms, sorted.
func Platforms() []string {
	names := make([]string, 0, len(platforms))
	for name := range platforms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Classify inspects one bot reply and reports whether it signals a successful
// or failed login. Success is checked first so replies like "login failed"
// can't shadow an explicit success message.
func (p *Platform) Classify(body string) (success, failure bool) {
	lower := strings.ToLower(body)
	for _, pat := range p.SuccessPatterns {
		if matchPattern(body, lower, pat) {
			return true, false
		}
	}
	for _, pat := range p.FailurePatterns {
		if matchPattern(body, lower, pat) {
			return false, true
		}
	}
	return false, false
}

// matchPattern applies one reply pattern: mixed-case patterns are exact
// substrings, all-lowercase patterns match case-insensitively.
func matchPattern(body, lower, pat string) bool {
	if pat != strings.ToLower(pat) {
		return strings.Contains(body, pat)
	}
	return strings.Contains(lower, pat)
}

// InferPlatform guesses which network a portal-room message belongs to from
// the ghost sender's localpart ("@whatsapp_15551234:server" and the like).
// Portal rooms are created by the bridges themselves and never appear in the
// registry, so the sender is the only routing signal available.
func InferPlatform(sender string) (string, bool) {
	localpart := strings.TrimPrefix(sender, "@")
	if i := strings.IndexByte(localpart, ':'); i >= 0 {
		localpart = localpart[:i]
	}
	localpart = strings.ToLower(localpart)
	for name := range platforms {
		if strings.HasPrefix(localpart, name) {
			return name, true
		}
	}
	return "", false
}
