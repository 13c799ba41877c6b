package usage

import (
	"context"
	"os/exec"
	"os/user"
	"strings"
	"time"
)

// AnonymousUser is attributed when no name can be resolved.
const AnonymousUser = "anonymous"

var (
	gitUserName = func(ctx context.Context) (string, error) {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		out, err := exec.CommandContext(ctx, "git", "config", "user.name").Output()
		return string(out), err
	}
	osUserName = func() (string, error) {
		u, err := user.Current()
		if err != nil {
			return "", err
		}
		return u.Username, nil
	}
)

// ResolveUsername picks the name attributed to webview-originated feature
// events: configured name, then git config user.name, then the OS user.
func ResolveUsername(ctx context.Context, configured string) string {
	if name := strings.TrimSpace(configured); name != "" {
		return name
	}
	if out, err := gitUserName(ctx); err == nil {
		if name := strings.TrimSpace(out); name != "" {
			return name
		}
	}
	if out, err := osUserName(); err == nil {
		if name := strings.TrimSpace(out); name != "" {
			return name
		}
	}
	return AnonymousUser
}
