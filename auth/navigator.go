package auth

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/browser"
)

// Navigation is the target of a login or logout hand-off.
type Navigation struct {
	URL string
}

// Navigator performs the hand-off to a URL, for example by opening the
// user's browser.
type Navigator interface {
	Navigate(ctx context.Context, target string) error
}

// NavigatorFunc adapts a function to a Navigator.
type NavigatorFunc func(ctx context.Context, target string) error

func (f NavigatorFunc) Navigate(ctx context.Context, target string) error {
	return f(ctx, target)
}

var quietBrowser sync.Once

// BrowserNavigator opens the target in the system browser. Construct it
// with NewBrowserNavigator.
type BrowserNavigator struct{}

// NewBrowserNavigator returns a BrowserNavigator. The first call discards
// the launcher's output for the life of the process, so a CLI's terminal is
// not cluttered.
func NewBrowserNavigator() BrowserNavigator {
	quietBrowser.Do(func() {
		browser.Stdout = io.Discard
		browser.Stderr = io.Discard
	})
	return BrowserNavigator{}
}

func (BrowserNavigator) Navigate(ctx context.Context, target string) error {
	return browser.OpenURL(target)
}
