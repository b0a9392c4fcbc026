package spider

import (
	"iter"

	"github.com/nwerren/crawlbit/session"
)

// Spider is user crawl logic. Parse is the default callback for requests
// that name none.
type Spider interface {
	Name() string
	Parse(*session.Response) iter.Seq[any]
}

// Starter lets a spider emit its own seed requests. Without it the
// scheduler builds GETs from StartURLs.
type Starter interface {
	StartRequests() iter.Seq[any]
}

// URLLister supplies seed URLs for spiders without a Starter.
type URLLister interface {
	StartURLs() []string
}

// SettingsProvider overlays spider-specific settings, keyed by the dotted
// config names, over the crawl settings.
type SettingsProvider interface {
	CustomSettings() map[string]any
}

// Initializer runs once before the first request, with the spider's
// session available for cookie or auth priming.
type Initializer interface {
	Init(*session.Session) error
}

// Closer is notified when the spider finishes, with the close reason.
type Closer interface {
	Closed(reason string)
}
