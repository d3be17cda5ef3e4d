// Package identity decides, once at startup, which session this process
// belongs to and whether it holds host authority.
//
// Without a token the process mints one and hosts it. With a token it
// resumes as host when the local host record says it minted that token,
// and joins as a guest otherwise. Host authority is advisory: two processes
// may both believe they host a session, which costs redundant snapshots but
// never corrupts a tree.
package identity

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"collabtext/internal/hostrecord"
)

// LinkParam is the query parameter carrying the session token in a share
// link.
const LinkParam = "session"

var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// Identity is the resolved session membership of this process.
type Identity struct {
	Token string
	Host  bool
	// Minted is true when Token was created by this call.
	Minted bool
}

// NewToken mints a fresh session token.
func NewToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ParseLink extracts a session token from a share link or a bare token.
// An empty link yields an empty token.
func ParseLink(link string) (string, error) {
	link = strings.TrimSpace(link)
	if link == "" {
		return "", nil
	}
	token := link
	if strings.ContainsAny(link, "?/:") {
		u, err := url.Parse(link)
		if err != nil {
			return "", fmt.Errorf("parsing session link: %w", err)
		}
		token = u.Query().Get(LinkParam)
		if token == "" {
			return "", fmt.Errorf("session link %q has no %q parameter", link, LinkParam)
		}
	}
	if !tokenPattern.MatchString(token) {
		return "", fmt.Errorf("invalid session token %q", token)
	}
	return token, nil
}

// ShareLink embeds token in base as the session parameter. With an empty
// base the bare token is returned.
func ShareLink(base, token string) string {
	if base == "" {
		return token
	}
	u, err := url.Parse(base)
	if err != nil {
		return token
	}
	query := u.Query()
	query.Set(LinkParam, token)
	u.RawQuery = query.Encode()
	return u.String()
}

// Resolve determines the session for this process from an optional share
// link and the local host record. Failures of the record are logged and
// never prevent a session from being returned: an unreadable record means
// joining as a guest, an unwritable one means hosting without remembering
// it. Only a malformed link is an error.
func Resolve(ctx context.Context, link string, store hostrecord.Store, logger *slog.Logger) (Identity, error) {
	token, err := ParseLink(link)
	if err != nil {
		return Identity{}, err
	}

	if token == "" {
		id := Identity{Token: NewToken(), Host: true, Minted: true}
		if err := store.Record(ctx, id.Token); err != nil {
			logger.Warn("could not record hosted session", "session", id.Token, "error", err)
		}
		logger.Info("minted new session", "session", id.Token)
		return id, nil
	}

	hosts, err := store.Hosts(ctx, token)
	if err != nil {
		logger.Warn("could not read host record, joining as guest", "session", token, "error", err)
		return Identity{Token: token}, nil
	}
	if hosts {
		logger.Info("resuming hosted session", "session", token)
		return Identity{Token: token, Host: true}, nil
	}
	logger.Info("joining session as guest", "session", token)
	return Identity{Token: token}, nil
}

// ClaimHost records token as hosted by this process. Callers use it when
// the real host is unreachable and a guest decides to take over.
func ClaimHost(ctx context.Context, token string, store hostrecord.Store) error {
	if err := store.Record(ctx, token); err != nil {
		return fmt.Errorf("claiming host for %s: %w", token, err)
	}
	return nil
}
